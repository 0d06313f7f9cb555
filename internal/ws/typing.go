package ws

import (
	"sync"
	"time"
)

// DefaultTypingIdle is the debounce window after which a typing user is
// considered to have stopped absent further input.
const DefaultTypingIdle = 2 * time.Second

// typingKey identifies one typing state machine.
type typingKey struct {
	chatID string
	userID string
}

// typingState is one active Typing entry. gen disambiguates a timer that
// fired from a newer one armed for the same key, so a superseded timer can
// never emit a stale stop.
type typingState struct {
	timer *time.Timer
	gen   uint64
}

// Typing coordinates typing-presence signaling. Each (chat, user) pair is
// a state machine: Idle -> Typing on the first typing event, back to Idle
// on an explicit stop or after the idle window with no further events.
// Every start is eventually balanced by exactly one stop, and the two are
// never observed out of order because all transitions and their broadcasts
// happen under one lock.
type Typing struct {
	hub  *Hub
	idle time.Duration

	mu     sync.Mutex
	active map[typingKey]*typingState
	gen    uint64
}

// NewTyping creates a coordinator broadcasting through hub, with the given
// idle window (DefaultTypingIdle if zero).
func NewTyping(hub *Hub, idle time.Duration) *Typing {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &Typing{
		hub:    hub,
		idle:   idle,
		active: make(map[typingKey]*typingState),
	}
}

// Typing records activity for (chatID, userID). The first event broadcasts
// a typing start to the other room members; subsequent events only re-arm
// the idle timer.
func (t *Typing) Typing(chatID, userID string) {
	key := typingKey{chatID: chatID, userID: userID}

	t.mu.Lock()
	defer t.mu.Unlock()

	if st, ok := t.active[key]; ok {
		st.timer.Stop()
		t.armLocked(key, st)
		return
	}

	st := &typingState{}
	t.armLocked(key, st)
	t.active[key] = st
	t.broadcastLocked(chatID, userID, EventTyping)
}

// Stop transitions (chatID, userID) to Idle immediately, cancelling the
// pending timer and broadcasting the stop. No-op if not typing.
func (t *Typing) Stop(chatID, userID string) {
	key := typingKey{chatID: chatID, userID: userID}

	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.active[key]
	if !ok {
		return
	}
	st.timer.Stop()
	delete(t.active, key)
	t.broadcastLocked(chatID, userID, EventStopTyping)
}

// StopAll stops every active typing state for the user. Called when the
// user's last connection goes away.
func (t *Typing) StopAll(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, st := range t.active {
		if key.userID != userID {
			continue
		}
		st.timer.Stop()
		delete(t.active, key)
		t.broadcastLocked(key.chatID, key.userID, EventStopTyping)
	}
}

// IsTyping reports whether (chatID, userID) is currently in the Typing state.
func (t *Typing) IsTyping(chatID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[typingKey{chatID: chatID, userID: userID}]
	return ok
}

// armLocked gives the state a fresh generation and timer. Caller holds mu.
func (t *Typing) armLocked(key typingKey, st *typingState) {
	t.gen++
	gen := t.gen
	st.gen = gen
	st.timer = time.AfterFunc(t.idle, func() {
		t.expire(key, gen)
	})
}

// expire fires when the idle window elapses. A generation mismatch means
// the timer was superseded between firing and acquiring the lock, so the
// stop belongs to a newer state and is not ours to emit.
func (t *Typing) expire(key typingKey, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.active[key]
	if !ok || st.gen != gen {
		return
	}
	delete(t.active, key)
	t.broadcastLocked(key.chatID, key.userID, EventStopTyping)
}

// broadcastLocked emits a typing event to the chat's room, excluding every
// connection of the typing user. Caller holds mu, which serializes event
// order per key.
func (t *Typing) broadcastLocked(chatID, userID, eventType string) {
	t.hub.Broadcast(chatID, eventType, TypingPayload{ChatID: chatID, UserID: userID}, func(c *Client) bool {
		return c.userID == userID
	})
}
