// Command fastly is the edge handler built for Fastly Compute.
//
// The service needs two backends, "datafile" for the datafile CDN and
// "events" for the event endpoint, plus "origin" when origin_url is set.
// Configuration comes from the environment overlaid with the "edgeflag"
// config store, and logs go to the "edgeflag" real-time log endpoint.
package main

import (
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/alextanhongpin/edgeflag/config"
	"github.com/alextanhongpin/edgeflag/internal/app"
	"github.com/alextanhongpin/edgeflag/telemetry"
	"github.com/fastly/compute-sdk-go/configstore"
	"github.com/fastly/compute-sdk-go/fsthttp"
	"github.com/fastly/compute-sdk-go/rtlog"
)

const (
	storeName   = "edgeflag"
	logEndpoint = "edgeflag"

	datafileBackend = "datafile"
	eventsBackend   = "events"
	originBackend   = "origin"

	// The datafile cache lives as long as the sandbox, so one sandbox
	// serves many requests.
	nextTimeout = 5 * time.Second
	maxRequests = 1000
	maxLifetime = 5 * time.Minute
)

func main() {
	var sources []config.Source
	sources = append(sources, config.Env())
	if store, err := configstore.Open(storeName); err == nil {
		sources = append(sources, config.Store(store, configstore.ErrKeyNotFound))
	}

	cfg, err := config.Load("", sources...)
	if err != nil {
		log.Fatalf("failed to load config: %s", err)
	}

	w := io.MultiWriter(os.Stdout, rtlog.Open(logEndpoint))
	logger, err := telemetry.NewLogger(w, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to create logger: %s", err)
	}

	a, err := app.New(cfg, logger, nil, clients())
	if err != nil {
		log.Fatalf("failed to build app: %s", err)
	}
	defer a.Close()

	fsthttp.ServeMany(fsthttp.Adapt(a.HTTP).ServeHTTP, nextTimeout, maxRequests, maxLifetime)
}

func clients() app.Clients {
	datafiles := fsthttp.NewTransport(datafileBackend)
	datafiles.Request = pass

	events := fsthttp.NewTransport(eventsBackend)
	events.Request = pass

	return app.Clients{
		Datafile: &http.Client{Transport: datafiles},
		Events:   &http.Client{Transport: events},
		Origin:   fsthttp.NewTransport(originBackend),
	}
}

// pass keeps the Fastly cache out of the way. The datafile has its own
// TTL and events must not be cached.
func pass(req *fsthttp.Request) error {
	req.CacheOptions.Pass = true
	return nil
}
