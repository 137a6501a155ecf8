// Package handler runs the feature-flag logic for each leg of an edge
// invocation.
//
// On viewer-request the visitor is identified (minting an id when the cookie
// is absent), the datafile is read through the cache, and every configured
// flag is decided and attached to the request as a {flag}-decision header.
// On viewer-response the visitor cookie is written back. The origin legs only
// observe.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/alextanhongpin/edgeflag/datafile"
	"github.com/alextanhongpin/edgeflag/decision"
	"github.com/alextanhongpin/edgeflag/edge"
	"github.com/alextanhongpin/edgeflag/identity"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Invocation results reported to Metrics.ObserveInvocation.
const (
	ResultOK       = "ok"
	ResultFallback = "fallback"
	ResultError    = "error"
)

const cacheControl = "no-store, private"

var (
	ErrNilEvent       = errors.New("handler: nil event")
	ErrUnknownTrigger = errors.New("handler: unknown trigger")
	ErrUnknownPolicy  = errors.New("handler: unknown fallback policy")
)

// Fallback is what viewer-request does when no decision can be made because
// the datafile or the engine failed.
type Fallback int

const (
	// FallbackNone forwards the request without decision headers, or answers
	// 503 when generating responses.
	FallbackNone Fallback = iota

	// FallbackStale decides with the last datafile fetched successfully, if
	// any, before falling back to FallbackNone.
	FallbackStale
)

func ParseFallback(s string) (Fallback, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return FallbackNone, nil
	case "stale":
		return FallbackStale, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

func (f Fallback) String() string {
	if f == FallbackStale {
		return "stale"
	}

	return "none"
}

// Datafiles is the read side of *datafile.Cache.
type Datafiles interface {
	Get(ctx context.Context, key string) (datafile.Datafile, error)
	LastKnownGood(key string) (datafile.Datafile, bool)
}

type Metrics interface {
	ObserveDecision(flag string, enabled bool)
	ObserveInvocation(trigger, result string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveDecision(string, bool) {}

func (noopMetrics) ObserveInvocation(string, string) {}

type Handler struct {
	sdkKey     string
	flags      []string
	datafiles  Datafiles
	engine     decision.Engine
	resolver   *identity.Resolver
	fallback   Fallback
	respond    bool
	attributes func(*edge.Request) map[string]any
	logger     *slog.Logger
	metrics    Metrics
	tracer     trace.Tracer
}

type Option func(*Handler)

// WithFlags limits the decisions to flags. By default every flag in the
// datafile is decided.
func WithFlags(flags ...string) Option {
	return func(h *Handler) {
		h.flags = flags
	}
}

func WithResolver(r *identity.Resolver) Option {
	return func(h *Handler) {
		if r != nil {
			h.resolver = r
		}
	}
}

func WithFallback(f Fallback) Option {
	return func(h *Handler) {
		h.fallback = f
	}
}

// WithRespond makes viewer-request answer with the decisions itself instead
// of forwarding the request.
func WithRespond(respond bool) Option {
	return func(h *Handler) {
		h.respond = respond
	}
}

// WithAttributes derives the visitor attributes used for audience targeting
// from the request.
func WithAttributes(fn func(*edge.Request) map[string]any) Option {
	return func(h *Handler) {
		h.attributes = fn
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

func WithMetrics(m Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

func New(sdkKey string, datafiles Datafiles, engine decision.Engine, opts ...Option) *Handler {
	h := &Handler{
		sdkKey:    sdkKey,
		datafiles: datafiles,
		engine:    engine,
		resolver:  identity.New(),
		logger:    slog.Default(),
		metrics:   noopMetrics{},
		tracer:    otel.Tracer("github.com/alextanhongpin/edgeflag/handler"),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Resolver returns the identity resolver shared by every leg.
func (h *Handler) Resolver() *identity.Resolver {
	return h.resolver
}

// Respond reports whether viewer-request generates the response itself.
func (h *Handler) Respond() bool {
	return h.respond
}

// HandleJSON parses a raw platform event, handles it and renders the object
// to hand back to the platform.
func (h *Handler) HandleJSON(ctx context.Context, raw []byte) ([]byte, error) {
	ev, err := edge.Parse(raw)
	if err != nil {
		return nil, err
	}

	res, err := h.Handle(ctx, ev)
	if err != nil {
		return nil, err
	}

	return json.Marshal(res)
}

// Handle runs the leg of the event's trigger. Failures to decide are absorbed
// by the fallback policy; an error is returned only for events that cannot be
// handled at all.
func (h *Handler) Handle(ctx context.Context, ev *edge.Event) (*edge.Result, error) {
	if ev == nil {
		return nil, ErrNilEvent
	}

	ctx, span := h.tracer.Start(ctx, "handler."+ev.Trigger.String(), trace.WithAttributes(
		attribute.String("edge.trigger", ev.Trigger.String()),
		attribute.String("edge.request_id", ev.Config.RequestID),
	))
	defer span.End()

	res, result, err := h.handle(ctx, ev)
	h.metrics.ObserveInvocation(ev.Trigger.String(), result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	return res, nil
}

func (h *Handler) handle(ctx context.Context, ev *edge.Event) (*edge.Result, string, error) {
	switch ev.Trigger {
	case edge.TriggerViewerRequest:
		if ev.Request == nil {
			return nil, ResultError, fmt.Errorf("%w: viewer-request without request", edge.ErrInvalidEvent)
		}

		o := h.Decide(ctx, ev.Request)
		result := ResultOK
		if o.Err != nil {
			result = ResultFallback
		}

		if h.respond {
			return &edge.Result{Response: h.Render(o)}, result, nil
		}

		return &edge.Result{Request: o.Request}, result, nil

	case edge.TriggerOriginRequest:
		h.observe(ev.Trigger, ev.Request)
		return &edge.Result{Request: ev.Request}, ResultOK, nil

	case edge.TriggerOriginResponse:
		h.observe(ev.Trigger, ev.Request)
		return &edge.Result{Response: ev.Response}, ResultOK, nil

	case edge.TriggerViewerResponse:
		if ev.Response == nil {
			return nil, ResultError, fmt.Errorf("%w: viewer-response without response", edge.ErrInvalidEvent)
		}

		return &edge.Result{Response: h.ViewerResponse(ev.Request, ev.Response)}, ResultOK, nil

	default:
		return nil, ResultError, fmt.Errorf("%w: %s", ErrUnknownTrigger, ev.Trigger)
	}
}

// Outcome is the result of deciding the flags for a viewer request.
type Outcome struct {
	Visitor identity.Visitor

	// Request is the request to forward: a copy of the original with the
	// minted visitor cookie and the decision headers.
	Request *edge.Request

	// SetCookie holds the Set-Cookie directive persisting a minted id.
	SetCookie string

	Revision  string
	Decisions map[string]decision.Decision

	// Err is the datafile or engine failure absorbed by the fallback policy.
	Err error
}

// Flags returns the decided flag keys in order.
func (o Outcome) Flags() []string {
	keys := make([]string, 0, len(o.Decisions))
	for k := range o.Decisions {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	return keys
}

// Decide identifies the visitor of req and decides the flags for them. req is
// never mutated.
func (h *Handler) Decide(ctx context.Context, req *edge.Request) Outcome {
	visitor := h.resolver.Identify(req.Headers)

	out := *req
	out.Headers = req.Headers.Clone()

	o := Outcome{Visitor: visitor, Request: &out}
	if visitor.New {
		o.SetCookie = identity.SetCookie(h.resolver.CookieName(), visitor.ID)
		// Later legs read the id from the request cookies.
		out.Headers.Add("Cookie", h.resolver.CookieName()+"="+visitor.ID)
	}

	h.logger.Debug("handler: visitor",
		slog.String("visitor_id", visitor.ID),
		slog.Bool("new", visitor.New))

	df, err := h.datafile(ctx)
	if err != nil {
		o.Err = err
		return o
	}
	o.Revision = df.Revision

	user := decision.User{ID: visitor.ID}
	if h.attributes != nil {
		user.Attributes = h.attributes(req)
	}

	decisions, err := h.engine.Decide(ctx, df, user, h.flags)
	if err != nil {
		h.logger.Error("handler: decide failed",
			slog.String("revision", df.Revision),
			slog.String("err", err.Error()))
		o.Err = err
		return o
	}
	o.Decisions = decisions

	for _, flag := range o.Flags() {
		d := decisions[flag]
		out.Headers.Set(decision.HeaderName(flag), d.HeaderValue())
		h.metrics.ObserveDecision(flag, d.Enabled)

		h.logger.Info("handler: decision",
			slog.String("flag", flag),
			slog.Bool("enabled", d.Enabled),
			slog.String("variation", d.VariationKey),
			slog.String("visitor_id", visitor.ID),
			slog.String("revision", df.Revision))
	}

	return o
}

// datafile reads the datafile, applying the fallback policy on failure.
func (h *Handler) datafile(ctx context.Context) (datafile.Datafile, error) {
	df, err := h.datafiles.Get(ctx, h.sdkKey)
	if err == nil {
		return df, nil
	}

	if h.fallback == FallbackStale {
		if stale, ok := h.datafiles.LastKnownGood(h.sdkKey); ok {
			h.logger.Warn("handler: serving stale datafile",
				slog.String("revision", stale.Revision),
				slog.Time("fetched_at", stale.FetchedAt),
				slog.String("err", err.Error()))
			return stale, nil
		}
	}

	h.logger.Error("handler: datafile unavailable",
		slog.String("fallback", h.fallback.String()),
		slog.String("err", err.Error()))

	return datafile.Datafile{}, err
}

type responseBody struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Render generates the viewer response for o: 200 with the decisions as
// JSON, or 503 when no decision could be made. A single decision renders as
// one {key, value} object, several as an array of them.
func (h *Handler) Render(o Outcome) *edge.Response {
	var resp *edge.Response
	if o.Err != nil {
		resp = edge.NewResponse(http.StatusServiceUnavailable, "Error: unable to decide feature flags")
		resp.Headers.Set("Content-Type", "text/plain; charset=utf-8")
	} else {
		body := make([]responseBody, 0, len(o.Decisions))
		for _, flag := range o.Flags() {
			d := o.Decisions[flag]
			body = append(body, responseBody{
				Key:   decision.HeaderName(flag),
				Value: fmt.Sprintf("Enabled: %t", d.Enabled),
			})
		}

		var b []byte
		if len(body) == 1 {
			b, _ = json.Marshal(body[0])
		} else {
			b, _ = json.Marshal(body)
		}

		resp = edge.NewResponse(http.StatusOK, string(b))
		resp.Headers.Set("Content-Type", "application/json")
		for _, flag := range o.Flags() {
			resp.Headers.Set(decision.HeaderName(flag), o.Decisions[flag].HeaderValue())
		}
	}

	if o.SetCookie != "" {
		resp.Headers.Add("Set-Cookie", o.SetCookie)
		resp.Headers.Set("Cache-Control", cacheControl)
	}

	return resp
}

// ViewerResponse writes the visitor cookie onto a copy of resp. The id comes
// from the request cookies, and is minted when neither leg carries one.
func (h *Handler) ViewerResponse(req *edge.Request, resp *edge.Response) *edge.Response {
	out := *resp
	out.Headers = resp.Headers.Clone()

	var reqHeaders *edge.HeaderSet
	if req != nil {
		reqHeaders = req.Headers
	}

	name := h.resolver.CookieName()
	id, ok := h.resolver.Resolve(reqHeaders)
	if !ok {
		var v identity.Visitor
		v, _ = h.resolver.Ensure(resp.Headers)
		id = v.ID
		h.logger.Warn("handler: no visitor cookie on request",
			slog.String("cookie", name),
			slog.Bool("minted", v.New))
	}

	// Replace any directive for the visitor cookie the origin may have set.
	cookies := out.Headers.Get("set-cookie")
	out.Headers.Del("set-cookie")
	for _, c := range cookies {
		if !strings.HasPrefix(c.Value, name+"=") {
			out.Headers.Add(c.Key, c.Value)
		}
	}
	out.Headers.Add("Set-Cookie", identity.SetCookie(name, id))
	out.Headers.Set("Cache-Control", cacheControl)

	h.logger.Debug("handler: visitor cookie set",
		slog.String("cookie", name),
		slog.String("visitor_id", id))

	return &out
}

func (h *Handler) observe(t edge.Trigger, req *edge.Request) {
	var headers *edge.HeaderSet
	if req != nil {
		headers = req.Headers
	}

	id, ok := h.resolver.Resolve(headers)
	h.logger.Debug("handler: pass through",
		slog.String("trigger", t.String()),
		slog.String("visitor_id", id),
		slog.Bool("identified", ok))
}
