package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/buildcache/pkg/telemetry"
)

// Gate bounds how many tasks use a capped service at once. A task must
// declare a service before acquiring it, and holds at most one permit per
// declared service. Waiters are served in FIFO order.
type Gate struct {
	mu    sync.Mutex
	slots map[*Handle]*slot
	tasks map[string]*taskUsage

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// permitState tracks one declared service of one task.
type permitState int

const (
	permitIdle permitState = iota
	permitAcquiring
	permitHeld
)

// taskUsage is replaced, not reused, when a task is forgotten and declared
// again, so a waiter can tell that its declaration is gone.
type taskUsage struct {
	permits map[*Handle]permitState
}

type slot struct {
	sem      *semaphore.Weighted
	capacity int

	mu    sync.Mutex
	inUse int
	peak  int
}

// SlotStats describes permit usage of one service.
type SlotStats struct {
	Capacity int
	InUse    int
	Peak     int
}

// NewGate creates an empty gate. Logger and metrics may be nil.
func NewGate(logger *telemetry.Logger, metrics *telemetry.Metrics) *Gate {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Gate{
		slots:   make(map[*Handle]*slot),
		tasks:   make(map[string]*taskUsage),
		logger:  logger.NewComponentLogger("gate"),
		metrics: metrics,
	}
}

// DeclareUsage records that taskID will use the service behind h.
func (g *Gate) DeclareUsage(taskID string, h *Handle) error {
	if taskID == "" || h == nil {
		return fmt.Errorf("%w: usage declaration needs a task id and a handle", ErrUsage)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	usage, ok := g.tasks[taskID]
	if !ok {
		usage = &taskUsage{permits: make(map[*Handle]permitState)}
		g.tasks[taskID] = usage
	}
	if _, ok := usage.permits[h]; !ok {
		usage.permits[h] = permitIdle
	}
	if limit, bounded := h.MaxParallelUsages(); bounded {
		if _, ok := g.slots[h]; !ok {
			g.slots[h] = &slot{sem: semaphore.NewWeighted(int64(limit)), capacity: limit}
		}
	}
	return nil
}

// Declared returns the handles taskID declared, ordered by key.
func (g *Gate) Declared(taskID string) []*Handle {
	g.mu.Lock()
	defer g.mu.Unlock()

	var handles []*Handle
	if usage, ok := g.tasks[taskID]; ok {
		handles = make([]*Handle, 0, len(usage.permits))
		for h := range usage.permits {
			handles = append(handles, h)
		}
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].key < handles[j].key })
	return handles
}

// Acquire blocks until taskID holds a permit for h, or ctx ends. Unbounded
// services never block. Every successful Acquire must be paired with one
// Release. A second Acquire of the same service by the same task, even one
// racing the first, is a usage error.
func (g *Gate) Acquire(ctx context.Context, taskID string, h *Handle) error {
	g.mu.Lock()
	usage, ok := g.tasks[taskID]
	var state permitState
	if ok {
		state, ok = usage.permits[h]
	}
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: task %q used service %q without declaring it", ErrUsage, taskID, keyOf(h))
	}
	if state != permitIdle {
		g.mu.Unlock()
		return fmt.Errorf("%w: task %q already holds a permit for service %q", ErrUsage, taskID, h.key)
	}
	usage.permits[h] = permitAcquiring
	s := g.slots[h]
	g.mu.Unlock()

	start := time.Now()
	if s != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			g.mu.Lock()
			if g.tasks[taskID] == usage {
				usage.permits[h] = permitIdle
			}
			g.mu.Unlock()
			return err
		}
	}

	g.mu.Lock()
	if g.tasks[taskID] != usage {
		g.mu.Unlock()
		if s != nil {
			s.sem.Release(1)
		}
		return fmt.Errorf("%w: task %q was forgotten while waiting for service %q", ErrUsage, taskID, h.key)
	}
	usage.permits[h] = permitHeld
	if s != nil {
		s.mu.Lock()
		s.inUse++
		if s.inUse > s.peak {
			s.peak = s.inUse
		}
		s.mu.Unlock()
	}
	g.mu.Unlock()

	if s != nil {
		g.metrics.RecordPermitAcquired(h.key, time.Since(start))
	}
	return nil
}

// Release returns the permit taskID holds for h.
func (g *Gate) Release(taskID string, h *Handle) error {
	g.mu.Lock()
	usage, ok := g.tasks[taskID]
	if !ok || usage.permits[h] != permitHeld {
		g.mu.Unlock()
		return fmt.Errorf("%w: task %q released service %q without a matching acquire", ErrUsage, taskID, keyOf(h))
	}
	usage.permits[h] = permitIdle
	s := g.slots[h]
	g.mu.Unlock()

	if s != nil {
		s.mu.Lock()
		s.inUse--
		s.mu.Unlock()
		s.sem.Release(1)
		g.metrics.RecordPermitReleased(h.key)
	}
	return nil
}

// AcquireAll acquires a permit for every service taskID declared, in key
// order so that tasks sharing services cannot deadlock. The returned release
// function is safe to call more than once.
func (g *Gate) AcquireAll(ctx context.Context, taskID string) (func(), error) {
	handles := g.Declared(taskID)
	acquired := make([]*Handle, 0, len(handles))

	releaseAll := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			if err := g.Release(taskID, acquired[i]); err != nil {
				g.logger.WithTaskID(taskID).WithError(err).Error("failed to release service permit")
			}
		}
	}

	for _, h := range handles {
		if err := g.Acquire(ctx, taskID, h); err != nil {
			releaseAll()
			return func() {}, err
		}
		acquired = append(acquired, h)
	}

	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}

// WithPermits runs fn while taskID holds every declared permit. Permits are
// released on every exit path, including panics in fn.
func (g *Gate) WithPermits(ctx context.Context, taskID string, fn func(ctx context.Context) error) error {
	release, err := g.AcquireAll(ctx, taskID)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Forget drops the declarations of taskID. Permits still held are released
// and reported as a usage error. A pending Acquire of the task fails with a
// usage error once it gets its permit, and gives the permit back.
func (g *Gate) Forget(taskID string) error {
	g.mu.Lock()
	usage := g.tasks[taskID]
	delete(g.tasks, taskID)
	var leaked []*Handle
	slots := make(map[*Handle]*slot)
	if usage != nil {
		for h, state := range usage.permits {
			if state == permitHeld {
				leaked = append(leaked, h)
				slots[h] = g.slots[h]
			}
		}
	}
	g.mu.Unlock()

	for _, h := range leaked {
		if s := slots[h]; s != nil {
			s.mu.Lock()
			s.inUse--
			s.mu.Unlock()
			s.sem.Release(1)
			g.metrics.RecordPermitReleased(h.key)
		}
	}
	if len(leaked) > 0 {
		return fmt.Errorf("%w: task %q finished holding %d permit(s)", ErrUsage, taskID, len(leaked))
	}
	return nil
}

// Stats returns permit usage for h. Unbounded services report zero capacity.
func (g *Gate) Stats(h *Handle) SlotStats {
	g.mu.Lock()
	s := g.slots[h]
	g.mu.Unlock()
	if s == nil {
		return SlotStats{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return SlotStats{Capacity: s.capacity, InUse: s.inUse, Peak: s.peak}
}

func keyOf(h *Handle) string {
	if h == nil {
		return "<nil>"
	}
	return h.key
}
