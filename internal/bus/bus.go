// Package bus carries studio events between the backend components.
// The now-playing tracker, the time-sync service, the line server and
// the message broker all publish here; the broker, the MQTT bridge and
// the automation engine listen.
package bus

import (
	"log/slog"
	"sync"
)

// Event types published on the bus.
const (
	// EventNowPlaying carries a *nowplaying.Snapshot after every
	// accepted track update, from either producer path.
	EventNowPlaying = "now_playing"
	// EventNTPStatus carries an ntpsync.Status, emitted on successful
	// syncs only.
	EventNTPStatus = "ntp_status"

	// Operator-facing relays emitted by the broker.
	EventTop    = "top"
	EventOrdres = "ordres"
	EventConfig = "config"
	EventChat   = "chat"

	// Device lifecycle, emitted by the line server.
	EventDeviceConnected    = "device_connected"
	EventDeviceDisconnected = "device_disconnected"
)

// Event is one studio event in flight.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Handler receives published events.
type Handler func(Event)

// Bus is a synchronous pub/sub hub. Publishers block until every
// subscriber has run, so handlers must stay short; anything slow hands
// off to its own goroutine (the broker and MQTT bridge both do).
type Bus struct {
	mu     sync.RWMutex
	byType map[string]map[uint64]Handler
	global map[uint64]Handler
	lastID uint64
	logger *slog.Logger
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		byType: make(map[string]map[uint64]Handler),
		global: make(map[uint64]Handler),
		logger: logger.With("component", "bus"),
	}
}

// On subscribes to one event type and returns an unsubscribe function.
func (b *Bus) On(eventType string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.lastID
	b.lastID++
	if b.byType[eventType] == nil {
		b.byType[eventType] = make(map[uint64]Handler)
	}
	b.byType[eventType][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.byType[eventType], id)
	}
}

// OnAll subscribes to every event type and returns an unsubscribe
// function. Used by the bridges that mirror the whole studio.
func (b *Bus) OnAll(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.lastID
	b.lastID++
	b.global[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.global, id)
	}
}

// Emit delivers an event to every matching subscriber, synchronously.
// A panicking handler is recovered and logged; the remaining handlers
// still run.
func (b *Bus) Emit(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.byType[event.Type])+len(b.global))
	for _, h := range b.byType[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.global {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
