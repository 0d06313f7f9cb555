package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/christopherjohns/converse/internal/chat"
	"nhooyr.io/websocket"
)

// setupTimeout is how long a new connection has to complete the setup
// handshake before it is dropped.
const setupTimeout = 10 * time.Second

// maxMessageLength caps the content of a relayed message.
const maxMessageLength = 2000

// TokenVerifier resolves a connection credential to a user identity.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Handler handles WebSocket upgrade requests and client event loops.
type Handler struct {
	hub    *Hub
	typing *Typing
	verify TokenVerifier
}

// NewHandler creates a new WebSocket Handler.
func NewHandler(hub *Hub, typing *Typing, verify TokenVerifier) *Handler {
	return &Handler{
		hub:    hub,
		typing: typing,
		verify: verify,
	}
}

// ServeHTTP upgrades the HTTP connection to a WebSocket and runs the
// event loop for the client.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow all origins in dev; tighten in production.
	})
	if err != nil {
		log.Printf("ws: accept error: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	client := NewClient(conn)

	// First message must be a "setup" envelope with a valid credential.
	// No registry entry exists until it succeeds.
	if !h.handleSetup(r.Context(), client) {
		return
	}

	connCtx := h.hub.ConnMgr().Add(client)
	defer h.cleanup(client)

	h.sendEvent(client, EventConnected, ConnectedPayload{UserID: client.userID})

	h.readLoop(r.Context(), connCtx, client)
}

// cleanup runs the full disconnect path: leave every room, unregister,
// and clear typing state if this was the user's last connection. All steps
// are idempotent.
func (h *Handler) cleanup(c *Client) {
	h.hub.LeaveAll(c)
	h.hub.ConnMgr().Remove(c)
	if c.userID != "" && len(h.hub.ConnMgr().ConnectionsFor(c.userID)) == 0 {
		h.typing.StopAll(c.userID)
	}
}

// handleSetup reads the first message from the client and expects a
// "setup" envelope carrying a token the verifier accepts. Returns true
// and binds the identity on success.
func (h *Handler) handleSetup(ctx context.Context, client *Client) bool {
	setupCtx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()

	_, data, err := client.conn.Read(setupCtx)
	if err != nil {
		log.Printf("ws: read setup error: %v", err)
		return false
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		closeWithError(client.conn, "invalid JSON")
		return false
	}
	if env.Type != EventSetup {
		closeWithError(client.conn, "first message must be type 'setup'")
		return false
	}

	var payload SetupPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		closeWithError(client.conn, "invalid setup payload")
		return false
	}

	userID, err := h.verify.Verify(payload.Token)
	if err != nil {
		closeWithError(client.conn, "unauthorized")
		return false
	}

	if err := h.hub.ConnMgr().Bind(client, userID); err != nil {
		closeWithError(client.conn, "identity conflict")
		return false
	}
	return true
}

// readLoop reads events from the client until the connection closes or
// the registry cancels connCtx.
func (h *Handler) readLoop(ctx context.Context, connCtx context.Context, client *Client) {
	for {
		select {
		case <-connCtx.Done():
			return
		default:
		}

		_, data, err := client.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancelled.
			return
		}

		// Mark activity so idle reaping doesn't close active connections.
		h.hub.ConnMgr().TouchActivity(client)

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case EventJoinChat:
			h.handleJoinChat(ctx, client, env.Payload)
		case EventTyping:
			h.handleTyping(client, env.Payload, true)
		case EventStopTyping:
			h.handleTyping(client, env.Payload, false)
		case EventNewMessage:
			h.handleNewMessage(ctx, client, env.Payload)
		}
	}
}

// handleJoinChat joins the client to a chat's room after the membership check.
func (h *Handler) handleJoinChat(ctx context.Context, client *Client, payload json.RawMessage) {
	var p ChatPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ChatID == "" {
		h.sendError(client, "chat_id is required")
		return
	}
	if err := h.hub.Join(ctx, p.ChatID, client); err != nil {
		h.sendError(client, joinErrorMessage(err))
	}
}

// handleTyping forwards typing starts and stops to the coordinator.
// Typing in a room the connection has not joined is ignored with an error.
func (h *Handler) handleTyping(client *Client, payload json.RawMessage, start bool) {
	var p ChatPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ChatID == "" {
		h.sendError(client, "chat_id is required")
		return
	}
	if !h.hub.Joined(p.ChatID, client) {
		h.sendError(client, "join the chat before typing")
		return
	}
	if start {
		h.typing.Typing(p.ChatID, client.userID)
	} else {
		h.typing.Stop(p.ChatID, client.userID)
	}
}

// handleNewMessage fans a persisted message out to the chat's room. The
// sender's other connections receive it too; the sending connection is
// excluded because that client already rendered its local copy. Sending
// implies the sender stopped typing.
func (h *Handler) handleNewMessage(ctx context.Context, client *Client, payload json.RawMessage) {
	var p NewMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.sendError(client, "invalid message payload")
		return
	}
	msg := p.Message
	if msg.ChatID == "" || strings.TrimSpace(msg.Content) == "" {
		h.sendError(client, "message content is required")
		return
	}
	if len(msg.Content) > maxMessageLength {
		h.sendError(client, "message exceeds maximum length of 2000 characters")
		return
	}
	if msg.SenderID != client.userID {
		h.sendError(client, "sender does not match connection identity")
		return
	}
	if h.hub.checkMember != nil {
		if err := h.hub.checkMember(ctx, msg.ChatID, client.userID); err != nil {
			h.sendError(client, joinErrorMessage(err))
			return
		}
	}

	h.typing.Stop(msg.ChatID, client.userID)
	h.hub.Broadcast(msg.ChatID, EventMessageReceived, NewMessagePayload{Message: msg}, func(c *Client) bool {
		return c == client
	})
}

// sendEvent queues an event envelope for the client.
func (h *Handler) sendEvent(client *Client, eventType string, payload any) {
	data, err := encode(eventType, payload)
	if err != nil {
		log.Printf("ws: failed to marshal %s event: %v", eventType, err)
		return
	}
	h.hub.ConnMgr().Send(client, data)
}

// sendError queues an error envelope for the client.
func (h *Handler) sendError(client *Client, msg string) {
	h.sendEvent(client, EventError, ErrorPayload{Message: msg})
}

// joinErrorMessage maps membership errors to client-facing text.
func joinErrorMessage(err error) string {
	switch {
	case errors.Is(err, chat.ErrNotAMember):
		return "not a member of this chat"
	case errors.Is(err, chat.ErrNotFound):
		return "chat not found"
	case errors.Is(err, chat.ErrStoreUnavailable):
		return "store unavailable, try again"
	case errors.Is(err, ErrNotRegistered):
		return "setup required before joining"
	default:
		return "join failed"
	}
}

func closeWithError(conn *websocket.Conn, reason string) {
	conn.Close(websocket.StatusPolicyViolation, reason)
}
