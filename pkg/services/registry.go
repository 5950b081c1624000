// Package services manages build-scoped shared services: lazily constructed,
// parameter-configured singletons whose concurrent use by tasks is bounded
// by a Gate and whose lifetime ends with the build-tree session.
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/openfroyo/buildcache/pkg/graph"
	"github.com/openfroyo/buildcache/pkg/telemetry"
)

var (
	// ErrUsage marks a violation of the registry or gate call contract.
	ErrUsage = errors.New("service usage error")

	// ErrClosed is returned when resolving a service after it was closed.
	ErrClosed = errors.New("service closed")
)

// State is the lifecycle state of a registration.
type State int

const (
	StateRegistered State = iota
	StateInstantiated
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateInstantiated:
		return "instantiated"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Factory constructs a service instance from its parameters. The context is
// detached from the cancellation of the caller that triggered construction.
type Factory func(ctx context.Context, params Parameters) (any, error)

// ContextCloser is a release hook that takes a context.
type ContextCloser interface {
	Close(ctx context.Context) error
}

// Handle identifies one registered service.
type Handle struct {
	key               string
	params            Parameters
	factory           Factory
	maxParallelUsages int
	dependsOn         []string
	index             int

	mu       sync.Mutex
	state    State
	instance any
	err      error
}

// Key returns the registration key.
func (h *Handle) Key() string { return h.key }

// Parameters returns a copy of the registration parameters.
func (h *Handle) Parameters() Parameters { return h.params.clone() }

// MaxParallelUsages returns the permit cap and whether one is set.
func (h *Handle) MaxParallelUsages() (int, bool) {
	return h.maxParallelUsages, h.maxParallelUsages > 0
}

// DependsOn returns the keys this service must be closed after.
func (h *Handle) DependsOn() []string {
	return append([]string(nil), h.dependsOn...)
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// String implements fmt.Stringer.
func (h *Handle) String() string { return h.key }

// RegisterOption configures a registration.
type RegisterOption func(*Handle) error

// WithMaxParallelUsages bounds the number of tasks using the service at once.
func WithMaxParallelUsages(n int) RegisterOption {
	return func(h *Handle) error {
		if n <= 0 {
			return fmt.Errorf("%w: maxParallelUsages must be positive, got %d", ErrUsage, n)
		}
		h.maxParallelUsages = n
		return nil
	}
}

// WithDependsOn declares services that must outlive this one at close time.
func WithDependsOn(keys ...string) RegisterOption {
	return func(h *Handle) error {
		h.dependsOn = append(h.dependsOn, keys...)
		return nil
	}
}

// Registry maps keys to shared services for one build-tree session.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
	order   []*Handle
	closed  bool
	flight  singleflight.Group

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
}

// NewRegistry creates an empty registry. All arguments may be nil.
func NewRegistry(logger *telemetry.Logger, metrics *telemetry.Metrics, events *telemetry.EventPublisher) *Registry {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Registry{
		handles: make(map[string]*Handle),
		logger:  logger.NewComponentLogger("services"),
		metrics: metrics,
		events:  events,
	}
}

// RegisterIfAbsent registers a service under key. If key is already
// registered the existing handle is returned and the new factory, parameters
// and options are ignored.
func (r *Registry) RegisterIfAbsent(key string, factory Factory, params Parameters, opts ...RegisterOption) (*Handle, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: service key is required", ErrUsage)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[key]; ok {
		return h, nil
	}
	if r.closed {
		return nil, fmt.Errorf("%w: cannot register %q after the registry was closed", ErrClosed, key)
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: service %q has no factory", ErrUsage, key)
	}

	h := &Handle{
		key:     key,
		params:  params.clone(),
		factory: factory,
		index:   len(r.order),
	}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, fmt.Errorf("service %q: %w", key, err)
		}
	}

	r.handles[key] = h
	r.order = append(r.order, h)
	r.logger.WithService(key).Debug("service registered")
	return h, nil
}

// Lookup returns the handle registered under key.
func (r *Registry) Lookup(key string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[key]
	return h, ok
}

// Resolve returns the service instance, constructing it on first use.
// Concurrent first callers share one construction. A failed construction
// poisons the handle: every later call returns the same error. A caller whose
// context ends while waiting gets ctx.Err(); construction continues for the
// others.
func (r *Registry) Resolve(ctx context.Context, h *Handle) (any, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil service handle", ErrUsage)
	}
	if inst, done, err := h.settled(); done {
		return inst, err
	}

	ch := r.flight.DoChan(h.key, func() (any, error) {
		return r.construct(context.WithoutCancel(ctx), h)
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// settled reports the outcome of a handle that no longer needs construction.
func (h *Handle) settled() (any, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case h.state == StateClosed:
		return nil, true, fmt.Errorf("%w: %s", ErrClosed, h.key)
	case h.err != nil:
		return nil, true, h.err
	case h.state == StateInstantiated:
		return h.instance, true, nil
	default:
		return nil, false, nil
	}
}

func (r *Registry) construct(ctx context.Context, h *Handle) (inst any, err error) {
	if inst, done, err := h.settled(); done {
		return inst, err
	}

	logger := r.logger.WithService(h.key)
	timer := telemetry.NewTimer()

	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("service factory panicked: %v", p)
			}
		}()
		inst, err = h.factory(ctx, h.params.clone())
	}()

	r.metrics.RecordServiceConstruction(h.key, err)
	if pubErr := r.events.PublishServiceInstantiated(h.key, err); pubErr != nil {
		logger.WithError(pubErr).Debug("service event dropped")
	}

	h.mu.Lock()
	if err != nil {
		h.err = fmt.Errorf("failed to construct service %q: %w", h.key, err)
		err = h.err
		h.mu.Unlock()
		logger.WithError(err).Error("service construction failed")
		return nil, err
	}
	if h.state == StateClosed {
		h.mu.Unlock()
		logger.Warn("service closed during construction; releasing new instance")
		r.release(ctx, h, inst)
		return nil, fmt.Errorf("%w: %s", ErrClosed, h.key)
	}
	h.instance = inst
	h.state = StateInstantiated
	h.mu.Unlock()

	logger.WithField("duration_ms", timer.Duration().Milliseconds()).Debug("service instantiated")
	return inst, nil
}

// Close releases the service. The release hook runs at most once; closing an
// already closed handle is a no-op. A never-instantiated handle moves to
// StateClosed without calling the factory.
func (r *Registry) Close(ctx context.Context, h *Handle) error {
	if h == nil {
		return fmt.Errorf("%w: nil service handle", ErrUsage)
	}

	h.mu.Lock()
	if h.state == StateClosed {
		h.mu.Unlock()
		return nil
	}
	previous := h.state
	inst := h.instance
	h.state = StateClosed
	h.instance = nil
	h.mu.Unlock()

	if previous != StateInstantiated {
		return nil
	}
	return r.release(ctx, h, inst)
}

func (r *Registry) release(ctx context.Context, h *Handle, inst any) error {
	var err error
	switch v := inst.(type) {
	case ContextCloser:
		err = v.Close(ctx)
	case io.Closer:
		err = v.Close()
	}

	r.metrics.RecordServiceClosed()
	if pubErr := r.events.PublishServiceClosed(h.key); pubErr != nil {
		r.logger.WithError(pubErr).Debug("service event dropped")
	}
	if err != nil {
		return fmt.Errorf("failed to close service %q: %w", h.key, err)
	}
	r.logger.WithService(h.key).Debug("service closed")
	return nil
}

// CloseAll closes every registered service and rejects later registrations.
// Services close after everything that depends on them; services on the same
// dependency level close concurrently. All close errors are returned joined.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	handles := append([]*Handle(nil), r.order...)
	r.mu.Unlock()

	var errs []error
	var errMu sync.Mutex
	for _, level := range r.closeLevels(handles) {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(8)
		for _, h := range level {
			h := h
			g.Go(func() error {
				if err := r.Close(gctx, h); err != nil {
					errMu.Lock()
					errs = append(errs, err)
					errMu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// closeLevels groups handles so that dependents come before their
// dependencies. Within a level, later registrations come first. Unknown
// dependency keys are ignored; a dependency cycle falls back to reverse
// registration order.
func (r *Registry) closeLevels(handles []*Handle) [][]*Handle {
	byKey := make(map[string]*Handle, len(handles))
	for _, h := range handles {
		byKey[h.key] = h
	}

	nodes := make([]graph.Node, 0, len(handles))
	for _, h := range handles {
		var deps []string
		for _, d := range h.dependsOn {
			if _, ok := byKey[d]; ok {
				deps = append(deps, d)
			}
		}
		nodes = append(nodes, graph.Node{ID: h.key, Dependencies: deps})
	}

	g, err := graph.Build(nodes)
	if err != nil {
		r.logger.WithError(err).Error("invalid service dependencies; closing in reverse registration order")
		levels := make([][]*Handle, 0, len(handles))
		for i := len(handles) - 1; i >= 0; i-- {
			levels = append(levels, []*Handle{handles[i]})
		}
		return levels
	}

	levels := make([][]*Handle, 0, g.Depth())
	for i := g.Depth() - 1; i >= 0; i-- {
		level := make([]*Handle, 0, len(g.Levels[i]))
		for _, key := range g.Levels[i] {
			level = append(level, byKey[key])
		}
		sort.Slice(level, func(a, b int) bool { return level[a].index > level[b].index })
		levels = append(levels, level)
	}
	return levels
}

// Resolve returns the service instance as T.
func Resolve[T any](ctx context.Context, r *Registry, h *Handle) (T, error) {
	var zero T
	inst, err := r.Resolve(ctx, h)
	if err != nil {
		return zero, err
	}
	typed, ok := inst.(T)
	if !ok {
		return zero, fmt.Errorf("%w: service %q is %T, not %T", ErrUsage, h.key, inst, zero)
	}
	return typed, nil
}
