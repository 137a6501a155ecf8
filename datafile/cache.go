package datafile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTTL is how long a fetched datafile is served before the next
	// read goes back to the origin.
	DefaultTTL = time.Hour

	// DefaultFetchTimeout bounds a single upstream fetch.
	DefaultFetchTimeout = 5 * time.Second
)

// State is the lifecycle state of a cache key.
type State int

const (
	StateEmpty State = iota
	StateFetching
	StateFresh
)

func (s State) String() string {
	switch s {
	case StateFetching:
		return "fetching"
	case StateFresh:
		return "fresh"
	default:
		return "empty"
	}
}

// Fetcher retrieves a datafile from the origin.
type Fetcher interface {
	Fetch(ctx context.Context, key string) (Datafile, error)
}

// FetcherFunc adapts a function into a Fetcher.
type FetcherFunc func(ctx context.Context, key string) (Datafile, error)

func (f FetcherFunc) Fetch(ctx context.Context, key string) (Datafile, error) {
	return f(ctx, key)
}

type entry struct {
	df    Datafile
	gen   uint64
	timer Timer
}

// Cache serves datafiles from memory while fresh and fetches them at most
// once at a time per key otherwise.
type Cache struct {
	fetcher Fetcher
	ttl     time.Duration
	timeout time.Duration
	clock   Clock
	metrics Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
	retain  bool

	group singleflight.Group

	mu        sync.Mutex
	closed    bool
	gen       uint64
	entries   map[string]*entry
	fetching  map[string]bool
	fetchedAt map[string]time.Time
	lastGood  map[string]Datafile
}

type Option func(*Cache)

// WithTTL sets how long a datafile stays fresh. Non-positive values are
// ignored.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithFetchTimeout bounds each upstream fetch. Non-positive values are
// ignored.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithClock(clock Clock) Option {
	return func(c *Cache) {
		c.clock = clock
	}
}

func WithMetrics(m Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithRetainLastKnownGood keeps the last successfully fetched datafile of
// each key after it expires, see LastKnownGood.
func WithRetainLastKnownGood(retain bool) Option {
	return func(c *Cache) {
		c.retain = retain
	}
}

func NewCache(fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher:   fetcher,
		ttl:       DefaultTTL,
		timeout:   DefaultFetchTimeout,
		clock:     systemClock{},
		metrics:   noopMetrics{},
		logger:    slog.Default(),
		tracer:    otel.Tracer("github.com/alextanhongpin/edgeflag/datafile"),
		entries:   make(map[string]*entry),
		fetching:  make(map[string]bool),
		fetchedAt: make(map[string]time.Time),
		lastGood:  make(map[string]Datafile),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Get returns the datafile for key. A fresh datafile is returned without any
// network call. Otherwise the caller waits for the single in-flight fetch of
// that key, starting it when there is none.
//
// Errors are always a *FetchError or a *ParseError. A failed fetch leaves
// the key empty, so the next Get tries again.
func (c *Cache) Get(ctx context.Context, key string) (Datafile, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()

	if ok {
		c.metrics.ObserveRequest(ResultHit)
		return e.df, nil
	}

	return c.do(ctx, key)
}

// Refresh drops the cached datafile of key and fetches it again. Readers
// arriving meanwhile wait for the same fetch.
func (c *Cache) Refresh(ctx context.Context, key string) (Datafile, error) {
	c.Invalidate(key)

	return c.do(ctx, key)
}

// Invalidate drops the cached datafile of key and disarms its timer.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.timer.Stop()
		delete(c.entries, key)
	}
}

// State reports the lifecycle state of key.
func (c *Cache) State(key string) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fetching[key] {
		return StateFetching
	}
	if _, ok := c.entries[key]; ok {
		return StateFresh
	}

	return StateEmpty
}

// LastKnownGood returns the most recent successfully fetched datafile of key,
// even if it has since expired or been invalidated. It always reports false
// unless the cache was built WithRetainLastKnownGood(true).
func (c *Cache) LastKnownGood(key string) (Datafile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	df, ok := c.lastGood[key]
	return df, ok
}

// Close disarms every pending expiry timer. A fetch still in flight
// returns its datafile to the waiting callers but is not stored.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	for key, e := range c.entries {
		e.timer.Stop()
		delete(c.entries, key)
	}
}

func (c *Cache) do(ctx context.Context, key string) (Datafile, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		return c.load(ctx, key)
	})

	// The fetch is not cancellable, only the fetch timeout bounds the wait.
	res := <-ch
	if res.Shared {
		c.metrics.ObserveRequest(ResultShared)
	} else {
		c.metrics.ObserveRequest(ResultMiss)
	}

	if res.Err != nil {
		return Datafile{}, res.Err
	}

	return res.Val.(Datafile), nil
}

// load runs inside the single flight of key.
func (c *Cache) load(ctx context.Context, key string) (df Datafile, err error) {
	c.mu.Lock()
	// A flight that completed between the caller's miss and this one starting
	// has already populated the entry.
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return e.df, nil
	}
	c.fetching[key] = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "datafile.fetch", trace.WithAttributes(
		attribute.String("datafile.key", key),
	))
	defer span.End()

	start := c.clock.Now()
	defer func() {
		if p := recover(); p != nil {
			err = &FetchError{Key: key, Err: fmt.Errorf("panic: %v", p)}
		}

		df = c.complete(key, df, err, start)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("datafile.revision", df.Revision))
		}
	}()

	df, err = c.fetcher.Fetch(ctx, key)
	if err != nil {
		err = asTyped(key, err)
	}

	return df, err
}

// complete records the outcome of a fetch. On success it stores the datafile
// under a new generation, arms its expiry timer and returns it as stored.
func (c *Cache) complete(key string, df Datafile, err error, start time.Time) Datafile {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.fetching, key)

	now := c.clock.Now()
	if err != nil {
		c.metrics.ObserveFetch(ResultError, now.Sub(start))
		c.logger.Error("datafile: fetch failed",
			slog.String("key", key),
			slog.String("err", err.Error()))
		return Datafile{}
	}
	c.metrics.ObserveFetch(ResultOK, now.Sub(start))

	// fetchedAt never goes backwards, even if the clock does.
	if prev, ok := c.fetchedAt[key]; ok && now.Before(prev) {
		now = prev
	}
	c.fetchedAt[key] = now
	df.Key = key
	df.FetchedAt = now

	if c.closed {
		return df
	}

	if old, ok := c.entries[key]; ok {
		old.timer.Stop()
	}

	c.gen++
	gen := c.gen
	c.entries[key] = &entry{
		df:    df,
		gen:   gen,
		timer: c.clock.AfterFunc(c.ttl, func() { c.expire(key, gen) }),
	}

	if c.retain {
		c.lastGood[key] = df
	}

	c.logger.Info("datafile: fetched",
		slog.String("key", key),
		slog.String("revision", df.Revision),
		slog.Duration("ttl", c.ttl))

	return df
}

// expire drops the entry of key if it still belongs to generation gen. A
// timer armed for an older generation is a no-op.
func (c *Cache) expire(key string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.gen != gen {
		return
	}

	delete(c.entries, key)
	c.logger.Debug("datafile: expired",
		slog.String("key", key),
		slog.String("revision", e.df.Revision))
}
