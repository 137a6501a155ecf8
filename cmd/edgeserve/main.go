// Command edgeserve runs the edge handler as a local HTTP server.
//
//	$ OPTIMIZELY_SDK_KEY=... EDGEFLAG_FLAGS=sort_algorithm edgeserve -config edgeflag.yaml
//	$ curl -i localhost:8080
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/alextanhongpin/edgeflag/config"
	"github.com/alextanhongpin/edgeflag/internal/app"
	"github.com/alextanhongpin/edgeflag/server"
	"github.com/alextanhongpin/edgeflag/telemetry"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var version = "dev"

func main() {
	var path string
	flag.StringVar(&path, "config", os.Getenv(config.PathEnv), "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(path, config.Env())
	if err != nil {
		log.Fatalf("failed to load config: %s", err)
	}

	logger, err := telemetry.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to create logger: %s", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	metrics := telemetry.NewMetrics()
	if err := metrics.Register(reg); err != nil {
		log.Fatalf("failed to register metrics: %s", err)
	}

	a, err := app.New(cfg, logger, metrics, app.Clients{})
	if err != nil {
		log.Fatalf("failed to build app: %s", err)
	}
	defer a.Close()

	health := server.NewHealth(version)
	health.AddCheck("datafile", a.CheckDatafile)

	h := server.Chain(
		server.Mux(a.HTTP, health, reg, metrics.RequestDurationHandler),
		server.RequestID("X-Request-Id", uuid.NewString),
		server.LogRequest(logger),
	)

	srv := server.New(cfg.Addr, h,
		server.ReadTimeout(cfg.ReadTimeout),
		server.WriteTimeout(cfg.WriteTimeout),
		server.HandlerTimeout{Duration: cfg.HandlerTimeout, Message: "Error: request timed out"},
	)
	if err := server.Run(context.Background(), logger, srv); err != nil {
		logger.Error("edgeserve: exited", slog.String("err", err.Error()))
		os.Exit(1)
	}
}
