// Package app wires the configured components into a running edge handler.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/alextanhongpin/edgeflag/config"
	"github.com/alextanhongpin/edgeflag/datafile"
	"github.com/alextanhongpin/edgeflag/decision/optimizely"
	"github.com/alextanhongpin/edgeflag/dispatch"
	"github.com/alextanhongpin/edgeflag/handler"
	"github.com/alextanhongpin/edgeflag/httpedge"
	"github.com/alextanhongpin/edgeflag/identity"
	"github.com/alextanhongpin/edgeflag/telemetry"
)

// Clients selects the HTTP clients used for each upstream. A nil field
// falls back to http.DefaultClient (or http.DefaultTransport for the
// origin).
type Clients struct {
	Datafile *http.Client
	Events   *http.Client
	Origin   http.RoundTripper
}

type App struct {
	Config     config.Config
	Metrics    *telemetry.Metrics
	Datafiles  *datafile.Cache
	Dispatcher *dispatch.Dispatcher
	Engine     *optimizely.Engine
	Handler    *handler.Handler
	HTTP       *httpedge.Handler

	logger *slog.Logger
}

// New builds every component from cfg. metrics may be nil.
func New(cfg config.Config, logger *slog.Logger, metrics *telemetry.Metrics, clients Clients) (*App, error) {
	fallback, err := handler.ParseFallback(cfg.Fallback)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:  cfg,
		Metrics: metrics,
		logger:  logger,
	}

	cacheOpts := []datafile.Option{
		datafile.WithTTL(cfg.TTL),
		datafile.WithFetchTimeout(cfg.FetchTimeout),
		datafile.WithRetainLastKnownGood(cfg.RetainLastKnownGood || fallback == handler.FallbackStale),
		datafile.WithLogger(logger),
	}
	dispatchOpts := []dispatch.Option{
		dispatch.WithClient(clients.Events),
		dispatch.WithTimeout(cfg.DispatchTimeout),
		dispatch.WithBuffer(cfg.DispatchBuffer),
		dispatch.WithLogger(logger),
	}
	handlerOpts := []handler.Option{
		handler.WithFlags(cfg.Flags...),
		handler.WithResolver(identity.New(
			identity.WithCookieName(cfg.CookieName),
			identity.WithLogger(logger),
		)),
		handler.WithFallback(fallback),
		handler.WithRespond(cfg.Respond),
		handler.WithLogger(logger),
	}
	if metrics != nil {
		cacheOpts = append(cacheOpts, datafile.WithMetrics(metrics))
		dispatchOpts = append(dispatchOpts, dispatch.WithMetrics(metrics))
		handlerOpts = append(handlerOpts, handler.WithMetrics(metrics))
	}

	a.Datafiles = datafile.NewCache(datafile.NewHTTPFetcher(cfg.DatafileURL, clients.Datafile), cacheOpts...)
	a.Dispatcher = dispatch.New(cfg.EventsURL, dispatchOpts...)
	a.Engine = optimizely.New(
		optimizely.WithEventDispatcher(a.Dispatcher),
		optimizely.WithLogger(logger),
	)
	a.Handler = handler.New(cfg.SDKKey, a.Datafiles, a.Engine, handlerOpts...)

	httpOpts := []httpedge.Option{httpedge.WithLogger(logger)}
	if cfg.OriginURL != "" {
		u, err := url.Parse(cfg.OriginURL)
		if err != nil {
			return nil, fmt.Errorf("%w: origin_url: %w", config.ErrInvalid, err)
		}
		httpOpts = append(httpOpts, httpedge.WithOrigin(u, clients.Origin))
	}
	a.HTTP = httpedge.New(a.Handler, httpOpts...)

	logger.Info("app: ready",
		slog.Any("config", cfg),
		slog.Int("flags", len(cfg.Flags)))

	return a, nil
}

// CheckDatafile reports whether the datafile can be served. It loads the
// datafile on first use.
func (a *App) CheckDatafile(ctx context.Context) error {
	_, err := a.Datafiles.Get(ctx, a.Config.SDKKey)
	return err
}

// Close stops the background work. The engine flushes its pending events
// into the dispatcher, which posts them before stopping.
func (a *App) Close() {
	a.Engine.Close()
	a.Dispatcher.Stop()
	a.Datafiles.Close()

	a.logger.Info("app: closed")
}
