package chat

import (
	"errors"
	"time"
)

// Errors returned by the store and controller. Transport layers map these
// to status codes and error envelopes; none of them are fatal to the process.
var (
	// ErrNotFound is returned when a chat does not exist.
	ErrNotFound = errors.New("chat not found")

	// ErrNotAuthorized is returned when an authenticated user lacks the
	// admin or self privilege required for a mutation.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrNotAMember is returned when a user is not a member of the chat
	// they are trying to join or send to.
	ErrNotAMember = errors.New("not a member of this chat")

	// ErrInvalidGroup is returned for malformed chat creation or rename
	// input (too few members, empty name, non-distinct pair).
	ErrInvalidGroup = errors.New("invalid group")

	// ErrAlreadyMember is returned when adding a user who is already in the chat.
	ErrAlreadyMember = errors.New("user is already a member")

	// ErrAdminMustReassign is returned when the admin tries to leave a group
	// that still has other members.
	ErrAdminMustReassign = errors.New("admin must reassign before leaving")

	// ErrStoreUnavailable wraps transient store failures.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Chat is a conversation between two or more users. A one-to-one chat has
// exactly two members and no admin or name; a group chat has three or more
// members at creation, a name, and exactly one admin who is also a member.
type Chat struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	IsGroup   bool      `json:"is_group"`
	AdminID   string    `json:"admin_id,omitempty"`
	MemberIDs []string  `json:"member_ids"`
	CreatedAt time.Time `json:"created_at"`
}

// HasMember reports whether the user is a member of the chat.
func (c *Chat) HasMember(userID string) bool {
	for _, id := range c.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Clone returns a copy of the chat with its own member slice, so callers
// can hold a snapshot without observing later mutations.
func (c *Chat) Clone() *Chat {
	cp := *c
	cp.MemberIDs = append([]string(nil), c.MemberIDs...)
	return &cp
}

// Message is a persisted chat message. The coordination core never mutates
// messages; it only routes newly created ones.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
