package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a lifecycle event of a build-tree session.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// SessionID is the associated build-tree session, if applicable.
	SessionID string `json:"session_id,omitempty"`

	// TaskID is the associated task, if applicable.
	TaskID string `json:"task_id,omitempty"`

	// ServiceKey is the associated shared service, if applicable.
	ServiceKey string `json:"service_key,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for session lifecycle events.
const (
	EventTypeSessionStarted      = "session.started"
	EventTypeSessionCompleted    = "session.completed"
	EventTypeTaskStarted         = "task.started"
	EventTypeTaskCompleted       = "task.completed"
	EventTypeTaskFailed          = "task.failed"
	EventTypeProblemRecorded     = "problem.recorded"
	EventTypeCacheDecided        = "cache.decided"
	EventTypeServiceInstantiated = "service.instantiated"
	EventTypeServiceClosed       = "service.closed"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans session events out to subscribers.
//
// Synchronous delivery calls subscribers in subscription order on the
// publishing goroutine. Async delivery preserves publish order through a
// single background goroutine.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers map[uint64]subscriberEntry
	order       []uint64
	nextID      uint64
	mu          sync.RWMutex
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		subscribers: make(map[uint64]subscriberEntry),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.Enabled && cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// NewSyncEventPublisher returns an enabled publisher with synchronous delivery.
func NewSyncEventPublisher() *EventPublisher {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1})
	return ep
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.buffer != nil {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event %s dropped", event.Type)
		}
	}

	ep.deliverEvent(event)
	return nil
}

// Subscribe registers a subscriber and returns the function that removes it.
// The returned function is idempotent.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) (unsubscribe func()) {
	if ep == nil {
		return func() {}
	}

	ep.mu.Lock()
	ep.nextID++
	id := ep.nextID
	ep.subscribers[id] = subscriberEntry{subscriber: subscriber, filter: filter}
	ep.order = append(ep.order, id)
	ep.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ep.mu.Lock()
			defer ep.mu.Unlock()
			delete(ep.subscribers, id)
			for i, v := range ep.order {
				if v == id {
					ep.order = append(ep.order[:i], ep.order[i+1:]...)
					break
				}
			}
		})
	}
}

// SubscriberCount returns the number of active subscribers.
func (ep *EventPublisher) SubscriberCount() int {
	if ep == nil {
		return 0
	}
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return len(ep.subscribers)
}

// PublishSessionStarted publishes a session started event.
func (ep *EventPublisher) PublishSessionStarted(sessionID string, requestedTasks []string) error {
	return ep.Publish(Event{
		Type:      EventTypeSessionStarted,
		Source:    "engine",
		SessionID: sessionID,
		Message:   fmt.Sprintf("Session %s started for %v", sessionID, requestedTasks),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"requested_tasks": requestedTasks,
		},
	})
}

// PublishSessionCompleted publishes a session completed event.
func (ep *EventPublisher) PublishSessionCompleted(sessionID, outcome string, duration time.Duration) error {
	level := EventLevelInfo
	if outcome == "failed" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:      EventTypeSessionCompleted,
		Source:    "engine",
		SessionID: sessionID,
		Message:   fmt.Sprintf("Session %s completed: %s", sessionID, outcome),
		Level:     level,
		Data: map[string]interface{}{
			"outcome":  outcome,
			"duration": duration.Seconds(),
		},
	})
}

// PublishTaskStarted publishes a task started event.
func (ep *EventPublisher) PublishTaskStarted(sessionID, taskID string) error {
	return ep.Publish(Event{
		Type:      EventTypeTaskStarted,
		Source:    "scheduler",
		SessionID: sessionID,
		TaskID:    taskID,
		Message:   fmt.Sprintf("Task %s started", taskID),
		Level:     EventLevelInfo,
	})
}

// PublishTaskCompleted publishes a task completed event.
func (ep *EventPublisher) PublishTaskCompleted(sessionID, taskID string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:      EventTypeTaskCompleted,
		Source:    "scheduler",
		SessionID: sessionID,
		TaskID:    taskID,
		Message:   fmt.Sprintf("Task %s completed", taskID),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"duration": duration.Seconds(),
		},
	})
}

// PublishTaskFailed publishes a task failed event.
func (ep *EventPublisher) PublishTaskFailed(sessionID, taskID, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypeTaskFailed,
		Source:    "scheduler",
		SessionID: sessionID,
		TaskID:    taskID,
		Message:   fmt.Sprintf("Task %s failed: %s", taskID, reason),
		Level:     EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishProblemRecorded publishes the first occurrence of a problem category.
func (ep *EventPublisher) PublishProblemRecorded(sessionID, kind, severity, message string) error {
	level := EventLevelWarning
	if severity == "failure" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:      EventTypeProblemRecorded,
		Source:    "cache",
		SessionID: sessionID,
		Message:   message,
		Level:     level,
		Data: map[string]interface{}{
			"kind":     kind,
			"severity": severity,
		},
	})
}

// PublishCacheDecided publishes the end-of-session cache decision.
func (ep *EventPublisher) PublishCacheDecided(sessionID, action, decision, statusLine string) error {
	return ep.Publish(Event{
		Type:      EventTypeCacheDecided,
		Source:    "cache",
		SessionID: sessionID,
		Message:   statusLine,
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"action":   action,
			"decision": decision,
		},
	})
}

// PublishServiceInstantiated publishes a shared service construction.
func (ep *EventPublisher) PublishServiceInstantiated(key string, err error) error {
	event := Event{
		Type:       EventTypeServiceInstantiated,
		Source:     "services",
		ServiceKey: key,
		Message:    fmt.Sprintf("Service %s instantiated", key),
		Level:      EventLevelInfo,
	}
	if err != nil {
		event.Message = fmt.Sprintf("Service %s failed to instantiate: %v", key, err)
		event.Level = EventLevelError
	}
	return ep.Publish(event)
}

// PublishServiceClosed publishes a shared service release.
func (ep *EventPublisher) PublishServiceClosed(key string) error {
	return ep.Publish(Event{
		Type:       EventTypeServiceClosed,
		Source:     "services",
		ServiceKey: key,
		Message:    fmt.Sprintf("Service %s closed", key),
		Level:      EventLevelInfo,
	})
}

// processEvents delivers buffered events in publish order.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers in subscription order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	entries := make([]subscriberEntry, 0, len(ep.order))
	for _, id := range ep.order {
		entries = append(entries, ep.subscribers[id])
	}
	ep.mu.RUnlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher, draining buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterBySessionID creates a filter that only allows events for a specific session.
func FilterBySessionID(sessionID string) EventFilter {
	return func(event Event) bool {
		return event.SessionID == sessionID
	}
}
