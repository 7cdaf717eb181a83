package chat

import (
	"time"

	"afterdark-live/internal/models"
)

// EventType enumerates the events flowing through the relay queue.
type EventType string

const (
	// EventTypeMessage is a chat message authored by a viewer.
	EventTypeMessage EventType = "message"
)

// Event is the wire representation mirrored between relay instances.
type Event struct {
	Type       EventType           `json:"type"`
	Message    *models.ChatMessage `json:"message,omitempty"`
	OccurredAt time.Time           `json:"occurredAt"`
}
