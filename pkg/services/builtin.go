package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Built-in service kinds usable from configuration files.
const (
	KindLimiter = "limiter"
	KindCounter = "counter"
)

var builtinFactories = map[string]Factory{
	KindLimiter: newLimiter,
	KindCounter: newCounter,
}

// BuiltinFactory returns the factory for a built-in service kind.
func BuiltinFactory(kind string) (Factory, error) {
	f, ok := builtinFactories[kind]
	if !ok {
		return nil, fmt.Errorf("unknown service kind %q (known: %v)", kind, BuiltinKinds())
	}
	return f, nil
}

// BuiltinKinds lists the built-in service kinds.
func BuiltinKinds() []string {
	kinds := make([]string, 0, len(builtinFactories))
	for k := range builtinFactories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Limiter is a token-bucket rate limiter shared by tasks.
type Limiter struct {
	limiter *rate.Limiter

	mu     sync.Mutex
	closed bool
}

func newLimiter(_ context.Context, params Parameters) (any, error) {
	perSecond, err := params.Float("rate", 10)
	if err != nil {
		return nil, err
	}
	if perSecond <= 0 {
		return nil, fmt.Errorf("parameter \"rate\" must be positive, got %v", perSecond)
	}
	burst, err := params.Int("burst", 1)
	if err != nil {
		return nil, err
	}
	if burst <= 0 {
		return nil, fmt.Errorf("parameter \"burst\" must be positive, got %d", burst)
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}, nil
}

// Wait blocks until one event is allowed.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return l.limiter.Wait(ctx)
}

// Allow reports whether an event may happen now.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// Close rejects later waits.
func (l *Limiter) Close(context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

// Counter is a named counter tasks can increment, e.g. to count uploads.
type Counter struct {
	value atomic.Int64
}

func newCounter(_ context.Context, params Parameters) (any, error) {
	start, err := params.Int("start", 0)
	if err != nil {
		return nil, err
	}
	c := &Counter{}
	c.value.Store(int64(start))
	return c, nil
}

// Add increments the counter by delta and returns the new value.
func (c *Counter) Add(delta int64) int64 {
	return c.value.Add(delta)
}

// Value returns the current value.
func (c *Counter) Value() int64 {
	return c.value.Load()
}
