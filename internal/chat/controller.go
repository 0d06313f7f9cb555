package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// Controller validates and applies chat membership and admin mutations.
// All operations require a resolved acting-user identity and enforce the
// group invariants before touching the store.
type Controller struct {
	store Store

	// OnMemberRemoved, if set, is called after a member has been removed
	// from a group, so the room index can force-leave their connections.
	OnMemberRemoved func(chatID, userID string)

	mu        sync.Mutex
	pairLocks map[string]*sync.Mutex
}

// NewController creates a Controller backed by the given store.
func NewController(store Store) *Controller {
	return &Controller{
		store:     store,
		pairLocks: make(map[string]*sync.Mutex),
	}
}

// pairLock returns the mutex serializing one-to-one creation for an
// unordered user pair. Find-then-create is only safe under this lock.
func (c *Controller) pairLock(userA, userB string) *sync.Mutex {
	ids := []string{userA, userB}
	sort.Strings(ids)
	key := ids[0] + ":" + ids[1]

	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.pairLocks[key]
	if !ok {
		l = &sync.Mutex{}
		c.pairLocks[key] = l
	}
	return l
}

// AccessOneToOne returns the one-to-one chat between the acting user and
// target, creating it if absent. Concurrent calls for the same unordered
// pair always converge on a single chat.
func (c *Controller) AccessOneToOne(ctx context.Context, actingUser, targetUser string) (*Chat, error) {
	if targetUser == "" || targetUser == actingUser {
		return nil, ErrInvalidGroup
	}

	l := c.pairLock(actingUser, targetUser)
	l.Lock()
	defer l.Unlock()

	existing, err := c.store.FindOneToOne(ctx, actingUser, targetUser)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return c.store.CreateChat(ctx, ChatSpec{
		MemberIDs: []string{actingUser, targetUser},
	})
}

// CreateGroup creates a group chat with the acting user as admin. The
// member set is the given members plus the acting user, duplicates
// collapsed; fewer than three total members is invalid.
func (c *Controller) CreateGroup(ctx context.Context, actingUser, name string, memberIDs []string) (*Chat, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidGroup
	}

	seen := map[string]bool{actingUser: true}
	members := []string{actingUser}
	for _, id := range memberIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, id)
	}
	if len(members) < 3 {
		return nil, ErrInvalidGroup
	}

	return c.store.CreateChat(ctx, ChatSpec{
		Name:      name,
		IsGroup:   true,
		AdminID:   actingUser,
		MemberIDs: members,
	})
}

// Rename changes a group chat's name. Only the admin may rename.
func (c *Controller) Rename(ctx context.Context, actingUser, chatID, newName string) (*Chat, error) {
	newName = strings.TrimSpace(newName)
	return c.store.UpdateChat(ctx, chatID, func(ch *Chat) error {
		if !ch.IsGroup {
			return ErrInvalidGroup
		}
		if ch.AdminID != actingUser {
			return ErrNotAuthorized
		}
		if newName == "" {
			return ErrInvalidGroup
		}
		ch.Name = newName
		return nil
	})
}

// AddMember appends a user to a group chat. Only the admin may add; the
// room index is unaffected until the new member joins.
func (c *Controller) AddMember(ctx context.Context, actingUser, chatID, newMember string) (*Chat, error) {
	if newMember == "" {
		return nil, ErrInvalidGroup
	}
	return c.store.UpdateChat(ctx, chatID, func(ch *Chat) error {
		if !ch.IsGroup {
			return ErrInvalidGroup
		}
		if ch.AdminID != actingUser {
			return ErrNotAuthorized
		}
		if ch.HasMember(newMember) {
			return ErrAlreadyMember
		}
		ch.MemberIDs = append(ch.MemberIDs, newMember)
		return nil
	})
}

// RemoveMember removes a user from a group chat. Allowed for the admin,
// or for any member removing themselves. An admin leaving a group that
// still has other members must reassign first; only as the last remaining
// member may they leave, which leaves the chat adminless and inert.
// On success the removed user's connections are force-left from the room.
func (c *Controller) RemoveMember(ctx context.Context, actingUser, chatID, targetMember string) (*Chat, error) {
	updated, err := c.store.UpdateChat(ctx, chatID, func(ch *Chat) error {
		if !ch.IsGroup {
			return ErrInvalidGroup
		}
		if ch.AdminID != actingUser && actingUser != targetMember {
			return ErrNotAuthorized
		}
		if !ch.HasMember(targetMember) {
			return ErrNotAMember
		}
		if targetMember == ch.AdminID && len(ch.MemberIDs) > 1 {
			return ErrAdminMustReassign
		}
		members := make([]string, 0, len(ch.MemberIDs)-1)
		for _, id := range ch.MemberIDs {
			if id != targetMember {
				members = append(members, id)
			}
		}
		ch.MemberIDs = members
		if targetMember == ch.AdminID {
			ch.AdminID = ""
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if c.OnMemberRemoved != nil {
		c.OnMemberRemoved(chatID, targetMember)
	}
	return updated, nil
}

// GetChat returns a chat visible to the acting user.
func (c *Controller) GetChat(ctx context.Context, actingUser, chatID string) (*Chat, error) {
	ch, err := c.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !ch.HasMember(actingUser) {
		return nil, ErrNotAMember
	}
	return ch, nil
}

// ChatsFor returns the acting user's chats, newest first.
func (c *Controller) ChatsFor(ctx context.Context, actingUser string) ([]*Chat, error) {
	return c.store.ChatsFor(ctx, actingUser)
}

// SendMessage persists a message from the sender, who must be a member of
// the chat. Broadcasting to the room happens after the store write.
func (c *Controller) SendMessage(ctx context.Context, senderID, chatID, content string) (*Message, error) {
	ch, err := c.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !ch.HasMember(senderID) {
		return nil, ErrNotAMember
	}
	return c.store.CreateMessage(ctx, chatID, senderID, content)
}

// History returns the last limit messages of a chat the acting user is a
// member of, oldest first.
func (c *Controller) History(ctx context.Context, actingUser, chatID string, limit int) ([]*Message, error) {
	ch, err := c.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !ch.HasMember(actingUser) {
		return nil, ErrNotAMember
	}
	return c.store.Messages(ctx, chatID, limit)
}

// IsMember reports whether the user is currently a member of the chat.
// Used by the room index to gate joins.
func (c *Controller) IsMember(ctx context.Context, chatID, userID string) error {
	ch, err := c.store.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if !ch.HasMember(userID) {
		return ErrNotAMember
	}
	return nil
}
