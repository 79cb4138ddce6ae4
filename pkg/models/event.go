package models

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of event emitted to subscribers at the
// transport boundary.
type EventType string

const (
	// EventConnection reports connected/disconnected transitions.
	EventConnection EventType = "connection"

	// EventMessage carries an inbound chat message.
	EventMessage EventType = "message"

	// EventTyping carries a peer typing indicator.
	EventTyping EventType = "typing"

	// EventRead carries read receipts.
	EventRead EventType = "read"

	// EventUserStatus carries presence transitions for a user.
	EventUserStatus EventType = "user_status"

	// EventError carries terminal and auth errors that the UI layer
	// must surface. Transient transport failures are not emitted here.
	EventError EventType = "error"

	// EventConnectivity is the external network-observer signal. The
	// core consumes it; it makes no assumption about how connectivity
	// is detected.
	EventConnectivity EventType = "connectivity"
)

// ErrorCode values carried in error events.
const (
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeAccessDenied         = "ACCESS_DENIED"
	ErrCodeMaxReconnectAttempts = "MAX_RECONNECT_ATTEMPTS"
	ErrCodeSessionExpired       = "SESSION_EXPIRED"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	Type EventType `json:"type"`
	Time time.Time `json:"time"`

	// Exactly one payload is non-nil for a given Type.
	Connection   *ConnectionEvent   `json:"connection,omitempty"`
	Message      *Message           `json:"message,omitempty"`
	Typing       *TypingEvent       `json:"typing,omitempty"`
	Read         *ReadEvent         `json:"read,omitempty"`
	UserStatus   *UserStatusEvent   `json:"user_status,omitempty"`
	Error        *ErrorEvent        `json:"error,omitempty"`
	Connectivity *ConnectivityEvent `json:"connectivity,omitempty"`
}

// ConnectionEvent reports a connection status transition.
type ConnectionEvent struct {
	Status         ConnStatus      `json:"status"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// ConnStatus is the boundary-visible connection status.
type ConnStatus string

const (
	ConnStatusConnected    ConnStatus = "connected"
	ConnStatusReconnecting ConnStatus = "reconnecting"
	ConnStatusDisconnected ConnStatus = "disconnected"
)

// TypingEvent reports a peer starting or stopping typing.
type TypingEvent struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Typing         bool   `json:"typing"`
}

// ReadEvent reports messages marked read by a peer.
type ReadEvent struct {
	ConversationID string   `json:"conversation_id"`
	UserID         string   `json:"user_id"`
	MessageIDs     []string `json:"message_ids"`
}

// UserStatusEvent reports a presence change.
type UserStatusEvent struct {
	UserID    string    `json:"user_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEvent is a terminal or auth condition surfaced to the UI layer.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConnectivityEvent is pushed by the external connectivity observer.
type ConnectivityEvent struct {
	Online bool `json:"online"`
}
