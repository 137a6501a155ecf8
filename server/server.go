// Package server runs the edge handler as a long-lived HTTP process.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	MB                = 1 << 20
	readTimeout       = 5 * time.Second
	readHeaderTimeout = 5 * time.Second
	writeTimeout      = 15 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// New returns a server for handler with the default timeouts.
func New(addr string, handler http.Handler, opts ...Option) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		Handler:           http.MaxBytesHandler(handler, MB),
	}

	for _, opt := range opts {
		opt.Apply(srv)
	}

	return srv
}

// Mux routes /healthz, /readyz and /metrics, and sends everything else to
// app. Every route is timed by observe when it is not nil.
func Mux(app http.Handler, health *Health, gatherer prometheus.Gatherer, observe func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", health.Live)
	mux.HandleFunc("GET /readyz", health.Ready)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", app)

	if observe == nil {
		return mux
	}

	return observe(mux)
}

// Run listens on srv.Addr and serves until ctx is done or the process
// receives SIGINT or SIGTERM.
func Run(ctx context.Context, logger *slog.Logger, srv *http.Server) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}

	return Serve(ctx, logger, srv, ln)
}

// Serve is Run on an existing listener. In-flight requests get
// shutdownTimeout to complete.
func Serve(ctx context.Context, logger *slog.Logger, srv *http.Server, ln net.Listener) error {
	// SIGTERM is what Kubernetes sends during a rolling update.
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if srv.BaseContext == nil {
		srv.BaseContext = func(net.Listener) context.Context {
			return ctx
		}
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()

	logger.InfoContext(ctx, "server: started", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errc:
		logger.ErrorContext(ctx, "server: serve failed", slog.String("err", err.Error()))
		return err
	case <-ctx.Done():
	}

	// Restore the default signal behaviour so a second interrupt kills the process.
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WarnContext(ctx, "server: shutdown",
			slog.String("err", err.Error()),
			slog.String("addr", srv.Addr))
		return err
	}

	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	logger.InfoContext(ctx, "server: stopped")

	return nil
}
