package ws

import (
	"context"
	"errors"
	"log"
	"sync"
)

// ErrNotRegistered is returned when an unbound connection tries to join a room.
var ErrNotRegistered = errors.New("connection has no bound identity")

// MembershipChecker reports whether a user is currently a member of a chat,
// returning chat.ErrNotAMember (or a store error) otherwise.
type MembershipChecker func(ctx context.Context, chatID, userID string) error

// room is the set of connections currently joined to one chat. Each room
// has its own lock so membership changes on different chats never contend.
// Where both locks are held, h.mu is acquired before room.mu.
type room struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// Hub is the room membership index: it maps each chat to the connections
// that have joined it and fans messages out to them. Rooms are transient:
// created on first join, pruned when the last connection leaves. A room says
// nothing about whether the chat exists.
type Hub struct {
	conns       *ConnManager
	checkMember MembershipChecker

	mu       sync.RWMutex
	rooms    map[string]*room
	byClient map[*Client]map[string]struct{}
}

// NewHub creates a Hub over the given registry. checkMember gates joins
// against durable chat membership; nil disables the check (tests only).
func NewHub(conns *ConnManager, checkMember MembershipChecker) *Hub {
	return &Hub{
		conns:       conns,
		checkMember: checkMember,
		rooms:       make(map[string]*room),
		byClient:    make(map[*Client]map[string]struct{}),
	}
}

// ConnMgr returns the connection registry for this hub.
func (h *Hub) ConnMgr() *ConnManager {
	return h.conns
}

// Join adds a bound connection to a chat's room, creating the room if
// absent. The connection's user must be a current member of the chat.
// Idempotent.
func (h *Hub) Join(ctx context.Context, chatID string, c *Client) error {
	if c.userID == "" {
		return ErrNotRegistered
	}
	if h.checkMember != nil {
		if err := h.checkMember(ctx, chatID, c.userID); err != nil {
			return err
		}
	}

	for {
		h.mu.Lock()
		r := h.rooms[chatID]
		if r == nil {
			r = &room{clients: make(map[*Client]struct{})}
			h.rooms[chatID] = r
		}
		h.mu.Unlock()

		r.mu.Lock()
		r.clients[c] = struct{}{}
		r.mu.Unlock()

		// The join only counts if the room is still the one installed in
		// the index; record it in byClient under the same check.
		h.mu.Lock()
		installed := h.rooms[chatID] == r
		if installed {
			joined := h.byClient[c]
			if joined == nil {
				joined = make(map[string]struct{})
				h.byClient[c] = joined
			}
			joined[chatID] = struct{}{}
		}
		h.mu.Unlock()
		if installed {
			return nil
		}

		// A concurrent last-leave pruned the room between the two locks.
		// Back the insert out and retry against the replacement room.
		r.mu.Lock()
		delete(r.clients, c)
		r.mu.Unlock()
	}
}

// Leave removes a connection from a chat's room. No-op if not joined.
func (h *Hub) Leave(chatID string, c *Client) {
	h.mu.Lock()
	r := h.rooms[chatID]
	if joined := h.byClient[c]; joined != nil {
		delete(joined, chatID)
		if len(joined) == 0 {
			delete(h.byClient, c)
		}
	}
	h.mu.Unlock()

	if r == nil {
		return
	}
	h.dropFromRoom(chatID, r, c)
}

// LeaveAll removes a connection from every room it joined. Invoked on
// disconnect.
func (h *Hub) LeaveAll(c *Client) {
	h.mu.Lock()
	joined := h.byClient[c]
	delete(h.byClient, c)
	rooms := make(map[string]*room, len(joined))
	for chatID := range joined {
		if r := h.rooms[chatID]; r != nil {
			rooms[chatID] = r
		}
	}
	h.mu.Unlock()

	for chatID, r := range rooms {
		h.dropFromRoom(chatID, r, c)
	}
}

// ForceLeave removes every connection of the given user from a chat's
// room. Called when a member is removed from a group, so they receive no
// further broadcasts for that chat.
func (h *Hub) ForceLeave(chatID, userID string) {
	h.mu.Lock()
	r := h.rooms[chatID]
	h.mu.Unlock()
	if r == nil {
		return
	}

	r.mu.Lock()
	var removed []*Client
	for c := range r.clients {
		if c.userID == userID {
			delete(r.clients, c)
			removed = append(removed, c)
		}
	}
	empty := len(r.clients) == 0
	r.mu.Unlock()

	h.mu.Lock()
	for _, c := range removed {
		if joined := h.byClient[c]; joined != nil {
			delete(joined, chatID)
			if len(joined) == 0 {
				delete(h.byClient, c)
			}
		}
	}
	if empty && h.rooms[chatID] == r {
		r.mu.Lock()
		if len(r.clients) == 0 {
			delete(h.rooms, chatID)
		}
		r.mu.Unlock()
	}
	h.mu.Unlock()
}

// dropFromRoom removes the client from the room and prunes the room if it
// is empty. Emptiness is re-checked with both locks held, so a join that
// lands between the two cannot be pruned away.
func (h *Hub) dropFromRoom(chatID string, r *room, c *Client) {
	r.mu.Lock()
	delete(r.clients, c)
	empty := len(r.clients) == 0
	r.mu.Unlock()

	if !empty {
		return
	}
	h.mu.Lock()
	if h.rooms[chatID] == r {
		r.mu.Lock()
		if len(r.clients) == 0 {
			delete(h.rooms, chatID)
		}
		r.mu.Unlock()
	}
	h.mu.Unlock()
}

// MembersOf returns the connections currently joined to a chat's room.
func (h *Hub) MembersOf(chatID string) []*Client {
	h.mu.RLock()
	r := h.rooms[chatID]
	h.mu.RUnlock()
	if r == nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		result = append(result, c)
	}
	return result
}

// Joined reports whether this specific connection is joined to the chat.
func (h *Hub) Joined(chatID string, c *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	joined := h.byClient[c]
	_, ok := joined[chatID]
	return ok
}

// InRoom reports whether any of the user's connections is joined to the chat.
func (h *Hub) InRoom(chatID, userID string) bool {
	for _, c := range h.MembersOf(chatID) {
		if c.userID == userID {
			return true
		}
	}
	return false
}

// Broadcast sends an event to every connection joined to the chat's room,
// except those for which skip returns true. Delivery is best-effort and
// independent per connection: a full buffer drops that one delivery and
// the write pump handles closing broken connections.
func (h *Hub) Broadcast(chatID, eventType string, payload any, skip func(*Client) bool) {
	data, err := encode(eventType, payload)
	if err != nil {
		log.Printf("ws: failed to marshal %s event: %v", eventType, err)
		return
	}

	for _, c := range h.MembersOf(chatID) {
		if skip != nil && skip(c) {
			continue
		}
		h.conns.Send(c, data)
	}
}

// ClientCount returns the number of connections in a chat's room.
func (h *Hub) ClientCount(chatID string) int {
	h.mu.RLock()
	r := h.rooms[chatID]
	h.mu.RUnlock()
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
