package ws

import (
	"encoding/json"

	"github.com/christopherjohns/converse/internal/chat"
)

// Event names carried in envelopes. These are protocol-level and must not
// change: clients match on them bit-exactly.
const (
	// Inbound.
	EventSetup      = "setup"
	EventJoinChat   = "join_chat"
	EventTyping     = "typing"
	EventStopTyping = "stop_typing"
	EventNewMessage = "new_message"

	// Outbound.
	EventConnected       = "connected"
	EventMessageReceived = "message_received"
	EventError           = "error"
)

// Envelope is the JSON structure sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SetupPayload is the first message a client must send, carrying its
// connection credential.
type SetupPayload struct {
	Token string `json:"token"`
}

// ConnectedPayload acknowledges a successful setup.
type ConnectedPayload struct {
	UserID string `json:"user_id"`
}

// ChatPayload references a chat for join and typing events.
type ChatPayload struct {
	ChatID string `json:"chat_id"`
}

// TypingPayload identifies who is typing where, sent to other room members.
type TypingPayload struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

// NewMessagePayload carries a message that has already been persisted by
// the store, to be fanned out to the chat's room.
type NewMessagePayload struct {
	Message chat.Message `json:"message"`
}

// ErrorPayload reports a request-scoped failure back to the sender.
type ErrorPayload struct {
	Message string `json:"message"`
}

// encode marshals an event envelope with the given payload.
func encode(eventType string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: eventType, Payload: data})
}
