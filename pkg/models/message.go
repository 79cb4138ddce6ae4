// Package models provides domain types for the windrose chat transport core.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Message is an inbound or confirmed chat message.
type Message struct {
	// ID is the server-assigned message identifier. Empty until the
	// server has confirmed the message.
	ID string `json:"id,omitempty"`

	// LocalID is the client-generated identifier attached at send time.
	// It reconciles the server-confirmed message with the optimistic
	// local copy and deduplicates queue replays.
	LocalID string `json:"local_id,omitempty"`

	ConversationID string       `json:"conversation_id"`
	SenderID       string       `json:"sender_id,omitempty"`
	Content        string       `json:"content"`
	ReplyTo        string       `json:"reply_to,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Attachment references an uploaded media object attached to a message.
type Attachment struct {
	ID       string `json:"id,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// QueuedMessage is an outbound chat message that has not been confirmed
// sent. It is the durable record persisted by the offline delivery queue:
// a row is removed if and only if a send attempt for its LocalID succeeds.
type QueuedMessage struct {
	LocalID        string       `json:"local_id"`
	ConversationID string       `json:"conversation_id"`
	Content        string       `json:"content"`
	ReplyTo        string       `json:"reply_to,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`

	// Attempts counts completed replay cycles that failed to deliver
	// this message. A freshly enqueued message has Attempts == 0.
	Attempts int `json:"attempts"`
}

// NewLocalID returns a fresh client-unique message identifier.
func NewLocalID() string {
	return uuid.New().String()
}
