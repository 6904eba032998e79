package core

import "encoding/json"

// EventType discriminates streamed events.
type EventType string

const (
	// EventToken carries a fragment of assistant output.
	EventToken EventType = "token"
	// EventMemory reports a committed memory mutation.
	EventMemory EventType = "memory_event"
	// EventError is terminal; no further events follow it.
	EventError EventType = "error"
)

// MemoryEventPayload describes a memory mutation made during a turn.
type MemoryEventPayload struct {
	Action     string   `json:"action"`
	Key        string   `json:"key"`
	Value      string   `json:"value"`
	Confidence *float64 `json:"confidence"`
}

// Event is one item of the per-turn output stream.
// Consumers must ignore event types they do not recognise.
type Event struct {
	Type    EventType           `json:"type"`
	Value   string              `json:"value,omitempty"`
	Payload *MemoryEventPayload `json:"payload,omitempty"`
	Message string              `json:"message,omitempty"`
}

// TokenEvent creates a token event.
func TokenEvent(value string) Event {
	return Event{Type: EventToken, Value: value}
}

// MemoryEvent creates a memory_event.
func MemoryEvent(p MemoryEventPayload) Event {
	return Event{Type: EventMemory, Payload: &p}
}

// ErrorEvent creates a terminal error event.
func ErrorEvent(message string) Event {
	return Event{Type: EventError, Message: message}
}

// JSON encodes the event for the wire.
func (e Event) JSON() []byte {
	b, err := json.Marshal(e)
	if err != nil {
		return []byte(`{"type":"error","message":"encoding failed"}`)
	}
	return b
}
