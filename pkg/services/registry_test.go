package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type closable struct {
	name    string
	closed  atomic.Int32
	onClose func(name string)
}

func (c *closable) Close() error {
	c.closed.Add(1)
	if c.onClose != nil {
		c.onClose(c.name)
	}
	return nil
}

func constant(v any) Factory {
	return func(context.Context, Parameters) (any, error) { return v, nil }
}

func mustRegister(t *testing.T, r *Registry, key string, f Factory, params Parameters, opts ...RegisterOption) *Handle {
	t.Helper()
	h, err := r.RegisterIfAbsent(key, f, params, opts...)
	if err != nil {
		t.Fatalf("RegisterIfAbsent(%q) error = %v", key, err)
	}
	return h
}

func mustResolve(t *testing.T, r *Registry, h *Handle) any {
	t.Helper()
	inst, err := r.Resolve(context.Background(), h)
	if err != nil {
		t.Fatalf("Resolve(%q) error = %v", h.Key(), err)
	}
	return inst
}

func TestRegistry_RegisterIfAbsentFirstWriterWins(t *testing.T) {
	r := NewRegistry(nil, nil, nil)

	first := mustRegister(t, r, "db", constant("first"), Parameters{"url": "a"}, WithMaxParallelUsages(2))
	second := mustRegister(t, r, "db", constant("second"), Parameters{"url": "b"}, WithMaxParallelUsages(9))

	if first != second {
		t.Fatal("second registration returned a different handle")
	}
	if got := second.Parameters()["url"]; got != "a" {
		t.Errorf("Parameters()[url] = %v, want a", got)
	}
	if limit, bounded := second.MaxParallelUsages(); !bounded || limit != 2 {
		t.Errorf("MaxParallelUsages() = %d, %v, want 2, true", limit, bounded)
	}
	if inst := mustResolve(t, r, second); inst != "first" {
		t.Errorf("Resolve() = %v, want first", inst)
	}
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := NewRegistry(nil, nil, nil)

	tests := []struct {
		name    string
		key     string
		factory Factory
		opts    []RegisterOption
	}{
		{name: "empty key", key: "", factory: constant(1)},
		{name: "nil factory", key: "x"},
		{name: "zero limit", key: "y", factory: constant(1), opts: []RegisterOption{WithMaxParallelUsages(0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.RegisterIfAbsent(tt.key, tt.factory, nil, tt.opts...); !errors.Is(err, ErrUsage) {
				t.Errorf("RegisterIfAbsent() error = %v, want ErrUsage", err)
			}
		})
	}
	if _, ok := r.Lookup("y"); ok {
		t.Error("failed registration was kept")
	}
}

func TestRegistry_ParametersAreCopied(t *testing.T) {
	r := NewRegistry(nil, nil, nil)
	params := Parameters{"rate": 5}
	var seen Parameters
	h := mustRegister(t, r, "svc", func(_ context.Context, p Parameters) (any, error) {
		seen = p
		return struct{}{}, nil
	}, params)

	params["rate"] = 99
	mustResolve(t, r, h)
	if seen["rate"] != 5 {
		t.Errorf("factory saw rate = %v, want 5", seen["rate"])
	}
}

func TestRegistry_SingleConstructionUnderConcurrentResolve(t *testing.T) {
	r := NewRegistry(nil, nil, nil)

	var constructions atomic.Int32
	h := mustRegister(t, r, "cache", func(context.Context, Parameters) (any, error) {
		constructions.Add(1)
		time.Sleep(20 * time.Millisecond)
		return &closable{name: "cache"}, nil
	}, nil)

	const callers = 50
	results := make([]any, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = r.Resolve(context.Background(), h)
		}(i)
	}
	close(start)
	wg.Wait()

	if got := constructions.Load(); got != 1 {
		t.Errorf("factory ran %d times, want 1", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: Resolve() error = %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("caller %d got a different instance", i)
		}
	}
	if h.State() != StateInstantiated {
		t.Errorf("State() = %v, want instantiated", h.State())
	}
}

func TestRegistry_ConstructionFailurePoisons(t *testing.T) {
	r := NewRegistry(nil, nil, nil)

	boom := errors.New("connection refused")
	var calls atomic.Int32
	h := mustRegister(t, r, "remote", func(context.Context, Parameters) (any, error) {
		calls.Add(1)
		return nil, boom
	}, nil)

	_, first := r.Resolve(context.Background(), h)
	_, second := r.Resolve(context.Background(), h)

	if !errors.Is(first, boom) {
		t.Fatalf("Resolve() error = %v, want %v", first, boom)
	}
	if first != second {
		t.Errorf("second Resolve() error = %v, want the recorded error %v", second, first)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("factory ran %d times, want 1", got)
	}
	if h.State() != StateRegistered {
		t.Errorf("State() = %v, want registered", h.State())
	}
}

func TestRegistry_FactoryPanicPoisons(t *testing.T) {
	r := NewRegistry(nil, nil, nil)
	h := mustRegister(t, r, "bad", func(context.Context, Parameters) (any, error) {
		panic("nil map")
	}, nil)

	_, err := r.Resolve(context.Background(), h)
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Errorf("Resolve() error = %v, want a panic report", err)
	}
}

func TestRegistry_ResolveAfterClose(t *testing.T) {
	r := NewRegistry(nil, nil, nil)
	inst := &closable{name: "a"}
	h := mustRegister(t, r, "a", constant(inst), nil)
	mustResolve(t, r, h)

	for i := 0; i < 2; i++ {
		if err := r.Close(context.Background(), h); err != nil {
			t.Fatalf("Close() #%d error = %v", i+1, err)
		}
	}
	if got := inst.closed.Load(); got != 1 {
		t.Errorf("instance closed %d times, want 1", got)
	}
	if h.State() != StateClosed {
		t.Errorf("State() = %v, want closed", h.State())
	}
	if _, err := r.Resolve(context.Background(), h); !errors.Is(err, ErrClosed) {
		t.Errorf("Resolve() after Close error = %v, want ErrClosed", err)
	}
}

func TestRegistry_CloseNeverInstantiated(t *testing.T) {
	r := NewRegistry(nil, nil, nil)
	var calls atomic.Int32
	h := mustRegister(t, r, "lazy", func(context.Context, Parameters) (any, error) {
		calls.Add(1)
		return &closable{}, nil
	}, nil)

	if err := r.Close(context.Background(), h); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := calls.Load(); got != 0 {
		t.Errorf("factory ran %d times, want 0", got)
	}
	if h.State() != StateClosed {
		t.Errorf("State() = %v, want closed", h.State())
	}
}

func TestRegistry_CloseDuringConstructionReleasesInstance(t *testing.T) {
	r := NewRegistry(nil, nil, nil)

	inst := &closable{name: "slow"}
	entered := make(chan struct{})
	proceed := make(chan struct{})
	h := mustRegister(t, r, "slow", func(context.Context, Parameters) (any, error) {
		close(entered)
		<-proceed
		return inst, nil
	}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := r.Resolve(context.Background(), h)
		done <- err
	}()

	<-entered
	if err := r.Close(context.Background(), h); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	close(proceed)

	if err := <-done; !errors.Is(err, ErrClosed) {
		t.Errorf("Resolve() error = %v, want ErrClosed", err)
	}
	if got := inst.closed.Load(); got != 1 {
		t.Errorf("late instance closed %d times, want 1", got)
	}
}

func TestRegistry_ResolveCancellation(t *testing.T) {
	r := NewRegistry(nil, nil, nil)

	proceed := make(chan struct{})
	entered := make(chan struct{})
	h := mustRegister(t, r, "slow", func(ctx context.Context, _ Parameters) (any, error) {
		close(entered)
		<-proceed
		return "ready", ctx.Err()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctx, h)
		done <- err
	}()

	<-entered
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Resolve() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled resolve did not return")
	}

	// Construction runs detached from the cancelled caller.
	close(proceed)
	if inst := mustResolve(t, r, h); inst != "ready" {
		t.Errorf("Resolve() = %v, want ready", inst)
	}
}

type ctxClosable struct {
	closed atomic.Int32
	err    error
}

func (c *ctxClosable) Close(context.Context) error {
	c.closed.Add(1)
	return c.err
}

func TestRegistry_CloseAllOrderAndErrors(t *testing.T) {
	r := NewRegistry(nil, nil, nil)

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	register := func(key string, opts ...RegisterOption) {
		h := mustRegister(t, r, key, constant(&closable{name: key, onClose: record}), nil, opts...)
		mustResolve(t, r, h)
	}
	register("db")
	register("pool", WithDependsOn("db"))
	register("api", WithDependsOn("pool", "missing"))

	failing := &ctxClosable{err: errors.New("flush failed")}
	mustResolve(t, r, mustRegister(t, r, "uploader", constant(failing), nil))

	err := r.CloseAll(context.Background())
	if err == nil || !strings.Contains(err.Error(), "flush failed") {
		t.Fatalf("CloseAll() error = %v, want the flush failure", err)
	}
	if got := failing.closed.Load(); got != 1 {
		t.Errorf("failing instance closed %d times, want 1", got)
	}

	pos := func(name string) int {
		for i, n := range order {
			if n == name {
				return i
			}
		}
		return -1
	}
	if !(pos("api") < pos("pool") && pos("pool") < pos("db")) {
		t.Errorf("close order = %v, want dependents before dependencies", order)
	}

	if _, err := r.RegisterIfAbsent("late", constant(1), nil); !errors.Is(err, ErrClosed) {
		t.Errorf("RegisterIfAbsent() after CloseAll error = %v, want ErrClosed", err)
	}
	if err := r.CloseAll(context.Background()); err != nil {
		t.Errorf("second CloseAll() error = %v", err)
	}
	if len(order) != 3 {
		t.Errorf("closed %d instances, want 3", len(order))
	}
}

func TestRegistry_CloseAllDependencyCycleFallsBack(t *testing.T) {
	r := NewRegistry(nil, nil, nil)
	a := &closable{name: "a"}
	b := &closable{name: "b"}
	ha := mustRegister(t, r, "a", constant(a), nil, WithDependsOn("b"))
	hb := mustRegister(t, r, "b", constant(b), nil, WithDependsOn("a"))
	mustResolve(t, r, ha)
	mustResolve(t, r, hb)

	if err := r.CloseAll(context.Background()); err != nil {
		t.Fatalf("CloseAll() error = %v", err)
	}
	if a.closed.Load() != 1 || b.closed.Load() != 1 {
		t.Errorf("closed a=%d b=%d times, want once each", a.closed.Load(), b.closed.Load())
	}
}

func TestResolveTyped(t *testing.T) {
	r := NewRegistry(nil, nil, nil)
	h := mustRegister(t, r, "counter", newCounter, Parameters{"start": 3})

	c, err := Resolve[*Counter](context.Background(), r, h)
	if err != nil {
		t.Fatalf("Resolve[*Counter]() error = %v", err)
	}
	if got := c.Value(); got != 3 {
		t.Errorf("Value() = %d, want 3", got)
	}
	if _, err := Resolve[*Limiter](context.Background(), r, h); !errors.Is(err, ErrUsage) {
		t.Errorf("Resolve[*Limiter]() error = %v, want ErrUsage", err)
	}
}
