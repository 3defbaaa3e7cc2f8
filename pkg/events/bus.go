package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Call lifecycle event types published by the engine.
const (
	TypeCallStarted   = "call.started"
	TypeTurnCompleted = "turn.completed"
	TypeCallEnded     = "call.ended"
	TypeCallError     = "call.error"
)

// Event system event
type Event struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Source    string                 `json:"source"`
}

// EventHandler event handler function
type EventHandler func(event Event) error

// EventBus dispatches events to subscribed handlers. Handler errors are
// logged, never propagated to the publisher.
type EventBus struct {
	handlers map[string][]EventHandler
	logger   *zap.Logger
	mu       sync.RWMutex
}

// NewBus creates an event bus.
func NewBus(logger *zap.Logger) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{
		handlers: make(map[string][]EventHandler),
		logger:   logger,
	}
}

// Subscribe registers a handler for an event type.
func (bus *EventBus) Subscribe(eventType string, handler EventHandler) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.handlers[eventType] = append(bus.handlers[eventType], handler)
	bus.logger.Debug("event handler subscribed", zap.String("eventType", eventType))
}

// Unsubscribe removes all handlers for the type.
func (bus *EventBus) Unsubscribe(eventType string) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	delete(bus.handlers, eventType)
}

// Publish delivers an event to every handler of its type, synchronously and
// in subscription order.
func (bus *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	bus.mu.RLock()
	handlers := make([]EventHandler, len(bus.handlers[event.Type]))
	copy(handlers, bus.handlers[event.Type])
	bus.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(event); err != nil {
			bus.logger.Error("event handler failed",
				zap.String("eventType", event.Type),
				zap.Error(err))
		}
	}
}
