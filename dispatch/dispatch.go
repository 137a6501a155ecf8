// Package dispatch sends decision events to the telemetry sink without
// holding up the caller.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultEndpoint is the telemetry sink events are posted to.
	DefaultEndpoint = "https://ew.logx.optimizely.com"

	DefaultTimeout = 5 * time.Second
	DefaultBuffer  = 100
)

// Results reported to Metrics.ObserveDispatch.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultDropped = "dropped"
)

var (
	ErrQueueFull = errors.New("dispatch: queue full")
	ErrStopped   = errors.New("dispatch: dispatcher stopped")
)

// DispatchError describes a failed delivery. It is logged and reported to the
// result hook, never returned to the code that dispatched the event.
type DispatchError struct {
	StatusCode int
	Err        error
}

func (e *DispatchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dispatch: status %d: %v", e.StatusCode, e.Err)
	}

	return fmt.Sprintf("dispatch: %v", e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Result is the outcome of one delivery attempt.
type Result struct {
	Body       []byte
	StatusCode int
	Duration   time.Duration
	Err        error
}

type Metrics interface {
	ObserveDispatch(result string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveDispatch(string) {}

// Dispatcher posts JSON payloads to {endpoint}/v1/events from a single
// background worker.
type Dispatcher struct {
	url     string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
	metrics Metrics
	hook    func(Result)

	// mu guards stopped so that nothing is queued once the worker has
	// drained the channel.
	mu      sync.RWMutex
	stopped bool

	ch       chan []byte
	done     chan struct{}
	wg       sync.WaitGroup
	initOnce sync.Once
	stopOnce sync.Once
}

type Option func(*Dispatcher)

func WithClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithBuffer sets how many payloads may wait for the worker before further
// ones are dropped.
func WithBuffer(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.ch = make(chan []byte, n)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func WithMetrics(m Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithResultHook registers fn to observe every delivery attempt. It runs on
// the worker goroutine.
func WithResultHook(fn func(Result)) Option {
	return func(d *Dispatcher) {
		d.hook = fn
	}
}

// New returns a dispatcher posting to endpoint, DefaultEndpoint when empty.
func New(endpoint string, opts ...Option) *Dispatcher {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	d := &Dispatcher{
		url:     strings.TrimSuffix(endpoint, "/") + "/v1/events",
		client:  http.DefaultClient,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
		metrics: noopMetrics{},
		ch:      make(chan []byte, DefaultBuffer),
		done:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// URL returns the address payloads are posted to.
func (d *Dispatcher) URL() string {
	return d.url
}

// Dispatch queues v for delivery and returns immediately. It reports false
// when v was dropped, because it could not be encoded, the queue is full or
// the dispatcher has been stopped.
func (d *Dispatcher) Dispatch(v any) bool {
	b, err := encode(v)
	if err != nil {
		d.drop(err)
		return false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		d.drop(ErrStopped)
		return false
	}

	d.init()

	select {
	case d.ch <- b:
		return true
	default:
		d.drop(ErrQueueFull)
		return false
	}
}

// Stop stops accepting payloads and waits for the queued ones to be sent.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		d.mu.Unlock()

		close(d.done)
		d.wg.Wait()
	})
}

func (d *Dispatcher) init() {
	d.initOnce.Do(func() {
		d.wg.Add(1)

		go func() {
			defer d.wg.Done()
			d.subscribe()
		}()
	})
}

func (d *Dispatcher) subscribe() {
	defer d.flush()

	for {
		select {
		case <-d.done:
			return
		case b := <-d.ch:
			d.send(b)
		}
	}
}

// flush sends whatever is left in the buffer.
func (d *Dispatcher) flush() {
	for len(d.ch) > 0 {
		d.send(<-d.ch)
	}
}

func (d *Dispatcher) send(b []byte) {
	start := time.Now()
	status, err := d.post(b)

	res := Result{
		Body:       b,
		StatusCode: status,
		Duration:   time.Since(start),
		Err:        err,
	}

	if err != nil {
		d.metrics.ObserveDispatch(ResultError)
		d.logger.Error("dispatch: send failed",
			slog.String("url", d.url),
			slog.Int("status", status),
			slog.String("err", err.Error()))
	} else {
		d.metrics.ObserveDispatch(ResultOK)
		d.logger.Debug("dispatch: sent",
			slog.String("url", d.url),
			slog.Int("status", status),
			slog.Duration("took", res.Duration))
	}

	if d.hook != nil {
		d.hook(res)
	}
}

func (d *Dispatcher) post(b []byte) (status int, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &DispatchError{Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(b))
	if err != nil {
		return 0, &DispatchError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, &DispatchError{Err: err}
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &DispatchError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %q", resp.Status),
		}
	}

	return resp.StatusCode, nil
}

func (d *Dispatcher) drop(err error) {
	d.metrics.ObserveDispatch(ResultDropped)
	d.logger.Warn("dispatch: payload dropped",
		slog.String("url", d.url),
		slog.String("err", err.Error()))
}

func encode(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		if !json.Valid(t) {
			return nil, errors.New("dispatch: payload is not valid JSON")
		}
		return t, nil
	case json.RawMessage:
		return encode([]byte(t))
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("dispatch: encode payload: %w", err)
		}
		return b, nil
	}
}
