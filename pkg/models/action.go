package models

import "encoding/json"

// ActionType identifies an outbound action sent over the real-time
// connection.
type ActionType string

const (
	ActionSendMessage     ActionType = "send_message"
	ActionTyping          ActionType = "typing"
	ActionRead            ActionType = "read"
	ActionHeartbeat       ActionType = "heartbeat"
	ActionFetchMessages   ActionType = "fetch_messages"
	ActionBroadcastStatus ActionType = "broadcast_status"
	ActionRequestStatus   ActionType = "request_status"
)

// OutboundAction is a unit of work written to the socket or, when no
// transport is open, held in the connection manager's in-memory pending
// queue. ActionSendMessage payloads always carry a LocalID.
type OutboundAction struct {
	Action  ActionType     `json:"action"`
	Payload map[string]any `json:"payload,omitempty"`

	// LocalID is set for send_message actions and travels with the
	// frame so the server can deduplicate replays.
	LocalID string `json:"local_id,omitempty"`
}

// Encode serializes the action to its wire frame.
func (a OutboundAction) Encode() ([]byte, error) {
	return json.Marshal(a)
}

// DeliveryState describes the outcome of a send attempt per LocalID.
// Callers use it to decide between retrying and rolling back optimistic
// UI state: Failed is a confirmed failure, Unknown is an ambiguous
// timeout whose outcome the server may still have applied.
type DeliveryState string

const (
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryQueued    DeliveryState = "queued"
	DeliveryFailed    DeliveryState = "failed"
	DeliveryUnknown   DeliveryState = "unknown"
)
