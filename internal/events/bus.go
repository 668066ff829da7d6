package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Event represents a system event with typed data
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`
}

// GetTypedData attempts to convert the Data map to typed EventData.
// Returns the typed data if conversion is successful, nil otherwise.
func (e *Event) GetTypedData() EventData {
	if e.Data == nil {
		return nil
	}

	switch e.Type {
	case OrderFilled:
		var data OrderFilledData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case TradeOpened:
		var data TradeOpenedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case TradeClosed:
		var data TradeClosedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case CopySuggested:
		var data CopySuggestedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case CopyExecuted:
		var data CopyExecutedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case CopyFailed:
		var data CopyFailedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case SyncConflictDetected:
		var data SyncConflictData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case ErrorOccurred:
		var data ErrorEventData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	}

	return nil
}

// Handler processes one delivered event
type Handler func(event *Event)

// Bus is an in-process publish/subscribe bus. Subscribers are invoked
// synchronously in subscription order; a panicking handler is recovered
// so it cannot take down the emitter.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for an event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Emit delivers an event to all handlers subscribed to its type
func (b *Bus) Emit(eventType EventType, module string, data map[string]interface{}) {
	event := &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Module:    module,
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[eventType]))
	copy(handlers, b.handlers[eventType])
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.deliver(handler, event)
	}
}

func (b *Bus) deliver(handler Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event_type", string(event.Type)).
				Interface("panic", r).
				Msg("Event handler panicked")
		}
	}()
	handler(event)
}
