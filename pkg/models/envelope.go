package models

// EventType identifies an inbound push envelope.
type EventType string

const (
	EventMessageReceived EventType = "message-received"
	EventThreadUpdated   EventType = "thread-updated"
)

// Envelope is the unit multiplexed over the shared push connection. Every
// event names its thread so the coordinator can route or drop it.
type Envelope struct {
	Type    EventType `json:"type"`
	Thread  string    `json:"thread_id"`
	Message *Message  `json:"message,omitempty"`
	Summary *Thread   `json:"thread,omitempty"`
}
