// Package identity keeps a visitor identifier stable across the request and
// response legs of an edge transaction by reading and writing a cookie.
//
// Resolution is fail-open: a missing or malformed cookie header never stops
// the transaction, the caller just gets a freshly minted identifier.
package identity

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/alextanhongpin/edgeflag/edge"
	"github.com/google/uuid"
)

// DefaultCookieName is the cookie the visitor id is persisted in.
const DefaultCookieName = "OPTIMIZELY_USER_ID"

// CookieParseError describes a cookie segment that could not be parsed. It is
// always recovered inside the package and only surfaces in logs.
type CookieParseError struct {
	Segment string
	Reason  string
}

func (e *CookieParseError) Error() string {
	return fmt.Sprintf("identity: malformed cookie segment %q: %s", e.Segment, e.Reason)
}

// Visitor is a resolved or freshly created visitor.
type Visitor struct {
	ID string

	// New is true when the id was minted for this transaction.
	New bool
}

// Resolver extracts and mints visitor ids. It holds no state besides its
// configuration and is safe for concurrent use.
type Resolver struct {
	cookieName string
	newID      func() string
	logger     *slog.Logger
}

type Option func(*Resolver)

// WithCookieName overrides DefaultCookieName.
func WithCookieName(name string) Option {
	return func(r *Resolver) {
		r.cookieName = name
	}
}

// WithIDFunc overrides the id generator.
func WithIDFunc(fn func() string) Option {
	return func(r *Resolver) {
		r.newID = fn
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

func New(opts ...Option) *Resolver {
	r := &Resolver{
		cookieName: DefaultCookieName,
		newID:      NewVisitorID,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// CookieName returns the cookie the resolver reads and writes.
func (r *Resolver) CookieName() string {
	return r.cookieName
}

// Resolve returns the visitor id carried by the cookie headers. It reports
// false when there is no cookie header, no matching cookie, or the matching
// cookie is malformed or empty.
func (r *Resolver) Resolve(headers *edge.HeaderSet) (id string, ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn("identity: recovered while reading cookies",
				slog.Any("panic", p),
				slog.String("cookie", r.cookieName))
			id, ok = "", false
		}
	}()

	for _, h := range headers.Get("cookie") {
		v, err := lookup(h.Value, r.cookieName)
		if err != nil {
			r.logger.Debug("identity: skipping cookie",
				slog.String("cookie", r.cookieName),
				slog.String("err", err.Error()))
			continue
		}
		if v != "" {
			return v, true
		}
	}

	return "", false
}

// Ensure resolves the visitor id, minting one when absent. A minted id comes
// back with a copy of headers carrying the Set-Cookie directive that persists
// it; the input is never mutated. When the id was already present headers is
// returned as is.
func (r *Resolver) Ensure(headers *edge.HeaderSet) (Visitor, *edge.HeaderSet) {
	v := r.Identify(headers)
	if !v.New {
		return v, headers
	}

	out := headers.Clone()
	out.Add("Set-Cookie", SetCookie(r.cookieName, v.ID))

	return v, out
}

// Identify resolves the visitor id, minting one when absent. headers is
// only read.
func (r *Resolver) Identify(headers *edge.HeaderSet) Visitor {
	if id, ok := r.Resolve(headers); ok {
		return Visitor{ID: id}
	}

	id := r.newID()
	r.logger.Debug("identity: minted visitor id",
		slog.String("cookie", r.cookieName),
		slog.String("visitor_id", id))

	return Visitor{ID: id, New: true}
}

// SetCookie formats the Set-Cookie directive persisting the visitor id.
func SetCookie(name, id string) string {
	return fmt.Sprintf("%s=%s; Path=/; Secure; HttpOnly", name, id)
}

// NewVisitorID returns a random (version 4) UUID.
func NewVisitorID() string {
	return uuid.NewString()
}

// lookup scans a single Cookie header value. A malformed segment only fails
// the lookup when it is the one being looked for.
func lookup(header, name string) (string, error) {
	for _, segment := range strings.Split(header, ";") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}

		key, val, found := strings.Cut(segment, "=")
		if strings.TrimSpace(key) != name {
			continue
		}
		if !found {
			return "", &CookieParseError{Segment: segment, Reason: "missing '='"}
		}

		return strings.TrimSpace(val), nil
	}

	return "", nil
}
