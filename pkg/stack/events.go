package stack

import (
	"context"

	"github.com/openfroyo/tstack/pkg/engine"
	"github.com/openfroyo/tstack/pkg/telemetry"
)

// EventBridge forwards engine timeline events to a telemetry publisher.
type EventBridge struct {
	pub *telemetry.EventPublisher
}

// NewEventBridge wraps pub.
func NewEventBridge(pub *telemetry.EventPublisher) *EventBridge {
	return &EventBridge{pub: pub}
}

var _ engine.EventPublisher = (*EventBridge)(nil)

// Publish implements engine.EventPublisher.
func (b *EventBridge) Publish(ctx context.Context, event *engine.Event) error {
	if b == nil || b.pub == nil || event == nil {
		return nil
	}
	return b.pub.Publish(telemetry.Event{
		ID:        event.ID,
		Timestamp: event.Timestamp,
		Type:      string(event.Type),
		RunID:     event.RunID,
		URN:       event.URN,
		Message:   event.Message,
		Level:     event.Level,
		Data:      event.Details,
	})
}
