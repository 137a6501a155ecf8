// Package optimizely implements decision.Engine with the Optimizely Go SDK.
package optimizely

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alextanhongpin/edgeflag/datafile"
	"github.com/alextanhongpin/edgeflag/decision"
	"github.com/optimizely/go-sdk/pkg/client"
	"github.com/optimizely/go-sdk/pkg/event"
)

var errDropped = errors.New("optimizely: event dropped")

// Dispatcher queues an event payload for delivery and reports whether it was
// accepted. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(v any) bool
}

// eventDispatcher hands SDK event batches to a Dispatcher. The batch is
// posted to the dispatcher's own endpoint, LogEvent.EndPoint is not used.
type eventDispatcher struct {
	d Dispatcher
}

func (e eventDispatcher) DispatchEvent(ev event.LogEvent) (bool, error) {
	if !e.d.Dispatch(ev.Event) {
		return false, errDropped
	}

	return true, nil
}

type instance struct {
	key      string
	revision string
	client   *client.OptimizelyClient
	refs     int
	retired  bool
}

// Engine evaluates flags with an SDK client built from the datafile. The
// client of a datafile key is reused until a datafile with another revision
// arrives.
type Engine struct {
	dispatcher event.Dispatcher
	logger     *slog.Logger

	mu      sync.Mutex
	current map[string]*instance
	builds  int
}

type Option func(*Engine)

// WithEventDispatcher routes the events emitted by the SDK through d.
func WithEventDispatcher(d Dispatcher) Option {
	return func(e *Engine) {
		if d != nil {
			e.dispatcher = eventDispatcher{d: d}
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{
		logger:  slog.Default(),
		current: make(map[string]*instance),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

var _ decision.Engine = (*Engine)(nil)

func (e *Engine) Decide(ctx context.Context, df datafile.Datafile, user decision.User, flagKeys []string) (map[string]decision.Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(df.Raw) == 0 {
		return nil, decision.ErrNoDatafile
	}

	in, err := e.acquire(df)
	if err != nil {
		return nil, err
	}
	defer e.release(in)

	uc := in.client.CreateUserContext(user.ID, user.Attributes)

	var res map[string]client.OptimizelyDecision
	if len(flagKeys) == 0 {
		res = uc.DecideAll(nil)
	} else {
		res = uc.DecideForKeys(flagKeys, nil)
	}

	out := make(map[string]decision.Decision, len(res))
	for key, d := range res {
		out[key] = decision.Decision{
			FlagKey:      key,
			Enabled:      d.Enabled,
			VariationKey: d.VariationKey,
			RuleKey:      d.RuleKey,
			Reasons:      d.Reasons,
		}
	}

	return out, nil
}

// Close releases every client. Clients still in use are closed once their
// last decision completes.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for key, in := range e.current {
		delete(e.current, key)
		e.retire(in)
	}
}

func (e *Engine) acquire(df datafile.Datafile) (*instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	revision := df.Revision
	if revision == "" {
		revision = df.FetchedAt.String()
	}

	if in, ok := e.current[df.Key]; ok && in.revision == revision {
		in.refs++
		return in, nil
	}

	f := &client.OptimizelyFactory{Datafile: df.Raw}

	var opts []client.OptionFunc
	if e.dispatcher != nil {
		opts = append(opts, client.WithEventDispatcher(e.dispatcher))
	}

	c, err := f.Client(opts...)
	if err != nil {
		return nil, fmt.Errorf("optimizely: client for revision %q: %w", df.Revision, err)
	}
	e.builds++

	e.logger.Info("optimizely: client created",
		slog.String("key", df.Key),
		slog.String("revision", df.Revision))

	if old, ok := e.current[df.Key]; ok {
		e.retire(old)
	}

	in := &instance{key: df.Key, revision: revision, client: c, refs: 1}
	e.current[df.Key] = in

	return in, nil
}

func (e *Engine) release(in *instance) {
	e.mu.Lock()
	defer e.mu.Unlock()

	in.refs--
	if in.retired && in.refs == 0 {
		in.client.Close()
	}
}

// retire must be called with mu held.
func (e *Engine) retire(in *instance) {
	in.retired = true
	if in.refs == 0 {
		in.client.Close()
	}
}
