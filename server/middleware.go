package server

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"
)

type Middleware func(http.Handler) http.Handler

// Chain wraps h so the first middleware runs first.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}

	return h
}

type requestIDKey struct{}

// RequestIDFromContext returns the id stored by RequestID.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok
}

// RequestID reuses the id in header, or generates one with fn, and echoes
// it on the response.
func RequestID(header string, fn func() string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(header)
			if id == "" {
				id = fn()
				r.Header.Set(header, id)
			}

			w.Header().Set(header, id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
		})
	}
}

// LogRequest logs one line per request and turns panics into a 500.
func LogRequest(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			reqID, _ := RequestIDFromContext(r.Context())

			args := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.EscapedPath()),
				slog.String("request_id", reqID),
				slog.String("ip", r.RemoteAddr),
			}

			defer func() {
				if err := recover(); err != nil {
					if !rw.wroteHeader {
						rw.WriteHeader(http.StatusInternalServerError)
					}
					logger.ErrorContext(r.Context(), "server: panic", append(args,
						slog.Any("err", err),
						slog.String("trace", string(debug.Stack())),
					)...)
					return
				}

				logger.InfoContext(r.Context(), "server: request", append(args,
					slog.Int("status", rw.status),
					slog.Duration("duration", time.Since(start)),
				)...)
			}()

			next.ServeHTTP(rw, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}

	w.status = status
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
