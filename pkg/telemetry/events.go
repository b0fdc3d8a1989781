package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one timeline entry of a run: a request submitted, a resource
// ready or failed, a run finished.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	RunID     string                 `json:"run_id,omitempty"`
	URN       string                 `json:"urn,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var eventSeverity = map[string]int{
	EventLevelInfo:    0,
	EventLevelWarning: 1,
	EventLevelError:   2,
}

// ErrPublisherStopped is returned by Publish after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

type (
	EventSubscriber func(Event)
	EventFilter     func(Event) bool
)

type subscription struct {
	fn      EventSubscriber
	filters []EventFilter
}

func (s subscription) wants(e Event) bool {
	for _, f := range s.filters {
		if !f(e) {
			return false
		}
	}
	return true
}

// EventPublisher delivers events from one goroutine, so every subscriber
// sees them in publish order. A disabled publisher accepts and drops
// everything.
type EventPublisher struct {
	enabled bool
	queue   chan Event
	drained chan struct{}

	// mu guards closed. Publish holds it while blocked on a full queue,
	// so the delivery goroutine only ever takes subMu.
	mu     sync.RWMutex
	closed bool

	subMu sync.RWMutex
	subs  []subscription
}

func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ep := &EventPublisher{enabled: cfg.Enabled, drained: make(chan struct{})}
	if !ep.enabled {
		close(ep.drained)
		return ep
	}
	ep.queue = make(chan Event, cfg.BufferSize)
	go ep.run()
	return ep
}

// Publish fills in a missing id, timestamp and level, then queues event.
// It blocks while the queue is full; timeline entries are never dropped.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if ep.closed {
		return ErrPublisherStopped
	}
	ep.queue <- event
	return nil
}

// Subscribe registers fn for the events passing every filter. Nil filters
// are ignored.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filters ...EventFilter) {
	s := subscription{fn: fn}
	for _, f := range filters {
		if f != nil {
			s.filters = append(s.filters, f)
		}
	}
	ep.subMu.Lock()
	ep.subs = append(ep.subs, s)
	ep.subMu.Unlock()
}

func (ep *EventPublisher) run() {
	defer close(ep.drained)
	for event := range ep.queue {
		ep.subMu.RLock()
		subs := ep.subs
		ep.subMu.RUnlock()

		for _, s := range subs {
			if s.wants(event) {
				s.fn(event)
			}
		}
	}
}

// Shutdown stops accepting events and waits for the queued ones to be
// delivered, or for ctx.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.mu.Lock()
	if ep.enabled && !ep.closed {
		ep.closed = true
		close(ep.queue)
	}
	ep.mu.Unlock()

	select {
	case <-ep.drained:
		return nil
	case <-ctx.Done():
		return errors.New("event publisher shutdown timeout")
	}
}

// FilterByLevel passes events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := eventSeverity[minLevel]
	return func(e Event) bool { return eventSeverity[e.Level] >= floor }
}

// FilterByType passes events of the listed types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}

func FilterByRunID(runID string) EventFilter {
	return func(e Event) bool { return e.RunID == runID }
}
