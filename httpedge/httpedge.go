// Package httpedge serves the edge handlers over net/http, for local runs
// and for platforms that hand the function a plain HTTP request.
//
// Every request runs the viewer-request leg. The request is then either
// answered by the handler itself, proxied to the origin (running the
// viewer-response leg on the origin response), or, without an origin,
// answered with the decisions as JSON.
package httpedge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/alextanhongpin/edgeflag/decision"
	"github.com/alextanhongpin/edgeflag/edge"
	"github.com/alextanhongpin/edgeflag/handler"
)

type ctxKey struct{}

const errUnavailable = "unable to decide feature flags"

// hopHeaders are removed from the forwarded request.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// forwardedHeaders are set by the proxy itself, never taken from the client.
var forwardedHeaders = []string{
	"Forwarded",
	"X-Forwarded-For",
	"X-Forwarded-Host",
	"X-Forwarded-Proto",
}

// stripHeaders removes the hop-by-hop headers, including those the
// Connection header lists, and the client supplied forwarding headers.
func stripHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}

	for _, name := range hopHeaders {
		h.Del(name)
	}
	for _, name := range forwardedHeaders {
		h.Del(name)
	}
}

// Body is the JSON answer when no origin is configured.
type Body struct {
	VisitorID string                       `json:"visitorId"`
	Revision  string                       `json:"revision,omitempty"`
	Decisions map[string]decision.Decision `json:"decisions"`
	Error     string                       `json:"error,omitempty"`
}

type Handler struct {
	h      *handler.Handler
	proxy  *httputil.ReverseProxy
	logger *slog.Logger
}

type Option func(*Handler)

// WithOrigin proxies decided requests to origin through transport, or
// http.DefaultTransport when transport is nil.
func WithOrigin(origin *url.URL, transport http.RoundTripper) Option {
	return func(s *Handler) {
		if origin == nil {
			return
		}

		s.proxy = &httputil.ReverseProxy{
			Rewrite: func(pr *httputil.ProxyRequest) {
				if o, ok := pr.In.Context().Value(ctxKey{}).(*handler.Outcome); ok {
					o.Request.ApplyTo(pr.Out)
					stripHeaders(pr.Out.Header)
				}

				pr.SetURL(origin)
				pr.SetXForwarded()
			},
			Transport:      transport,
			ModifyResponse: s.modifyResponse,
			ErrorHandler:   s.proxyError,
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Handler) {
		s.logger = logger
	}
}

func New(h *handler.Handler, opts ...Option) *Handler {
	s := &Handler{
		h:      h,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.proxy != nil {
		s.proxy.ErrorLog = slog.NewLogLogger(s.logger.Handler(), slog.LevelError)
	}

	return s
}

func (s *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o := s.h.Decide(r.Context(), edge.FromHTTPRequest(r))

	if s.h.Respond() {
		s.render(w, s.h.Render(o))
		return
	}

	if s.proxy != nil {
		s.proxy.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, &o)))
		return
	}

	body := Body{
		VisitorID: o.Visitor.ID,
		Revision:  o.Revision,
		Decisions: o.Decisions,
	}
	if body.Decisions == nil {
		body.Decisions = make(map[string]decision.Decision)
	}

	status := http.StatusOK
	if o.Err != nil {
		// The cause names the SDK key, so it only goes to the log.
		s.logger.ErrorContext(r.Context(), "httpedge: no decisions",
			slog.String("visitor_id", o.Visitor.ID),
			slog.String("err", o.Err.Error()))

		status = http.StatusServiceUnavailable
		body.Error = errUnavailable
	}

	b, err := json.Marshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := edge.NewResponse(status, string(b))
	resp.Headers.Set("Content-Type", "application/json")
	for _, flag := range o.Flags() {
		resp.Headers.Set(decision.HeaderName(flag), o.Decisions[flag].HeaderValue())
	}

	s.render(w, s.h.ViewerResponse(o.Request, resp))
}

// modifyResponse runs the viewer-response leg on the origin response.
func (s *Handler) modifyResponse(resp *http.Response) error {
	o, ok := resp.Request.Context().Value(ctxKey{}).(*handler.Outcome)
	if !ok {
		return nil
	}

	out := s.h.ViewerResponse(o.Request, edge.FromHTTPResponse(resp))
	resp.Header = out.Headers.HTTPHeader()

	return nil
}

func (s *Handler) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("httpedge: origin unavailable",
		slog.String("path", r.URL.Path),
		slog.String("err", err.Error()))

	w.WriteHeader(http.StatusBadGateway)
}

func (s *Handler) render(w http.ResponseWriter, resp *edge.Response) {
	if err := resp.Render(w); err != nil {
		s.logger.Error("httpedge: write response",
			slog.Int("status", resp.Status),
			slog.String("err", err.Error()))
	}
}
