package kura

import (
	"sync"
	"time"

	"github.com/nerrad567/kura-gateway/internal/bridges/kura/kurapayload"
)

// EventType identifies what changed on a device.
type EventType string

// Event types.
const (
	EventStatusChanged    EventType = "status_changed"
	EventTelemetryChanged EventType = "telemetry_changed"
	EventAttributeChanged EventType = "attribute_changed"
)

// Status is the payload of a status_changed event.
type Status string

// Device statuses.
const (
	StatusStarted Status = "started"
	StatusStopped Status = "stopped"
	StatusFailed  Status = "failed"
)

// Event is a lifecycle or data change raised by a device session.
type Event struct {
	DeviceID string
	Type     EventType

	// Status is set for status_changed events.
	Status Status

	// Values is set for telemetry_changed and attribute_changed events.
	Values map[string]kurapayload.Value

	// Timestamp is the device timestamp when the payload carried one,
	// otherwise the time the gateway produced the event.
	Timestamp time.Time
}

// EventHandler receives events. Handlers run on the goroutine that produced
// the event and must not block for long.
type EventHandler func(Event)

// EventBus delivers events to every subscriber in subscription order.
type EventBus struct {
	mu       sync.RWMutex
	handlers []EventHandler
}

// Subscribe adds h to the bus.
func (b *EventBus) Subscribe(h EventHandler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Publish calls every handler with e.
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}
