package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the interface for chat and message persistence backends.
// UpdateChat applies the mutation atomically with respect to other
// mutations of the same chat; implementations must not let two mutations
// of one chat interleave.
type Store interface {
	FindOneToOne(ctx context.Context, userA, userB string) (*Chat, error)
	CreateChat(ctx context.Context, spec ChatSpec) (*Chat, error)
	GetChat(ctx context.Context, chatID string) (*Chat, error)
	UpdateChat(ctx context.Context, chatID string, mutate func(*Chat) error) (*Chat, error)
	ChatsFor(ctx context.Context, userID string) ([]*Chat, error)
	CreateMessage(ctx context.Context, chatID, senderID, content string) (*Message, error)
	Messages(ctx context.Context, chatID string, limit int) ([]*Message, error)
}

// ChatSpec describes a chat to be created. MemberIDs must already be
// validated and de-duplicated by the caller.
type ChatSpec struct {
	Name      string
	IsGroup   bool
	AdminID   string
	MemberIDs []string
}

// MemoryStore keeps chats and messages in memory. It retains up to
// maxMessages per chat for history and backfill.
type MemoryStore struct {
	mu          sync.RWMutex
	chats       map[string]*Chat
	messages    map[string][]*Message
	maxMessages int
}

// NewMemoryStore creates a MemoryStore that retains up to maxMessages
// messages per chat.
func NewMemoryStore(maxMessages int) *MemoryStore {
	return &MemoryStore{
		chats:       make(map[string]*Chat),
		messages:    make(map[string][]*Message),
		maxMessages: maxMessages,
	}
}

// FindOneToOne returns the non-group chat whose member set is exactly
// {userA, userB}, or ErrNotFound.
func (s *MemoryStore) FindOneToOne(ctx context.Context, userA, userB string) (*Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.chats {
		if !c.IsGroup && len(c.MemberIDs) == 2 && c.HasMember(userA) && c.HasMember(userB) {
			return c.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// CreateChat stores a new chat and returns it.
func (s *MemoryStore) CreateChat(ctx context.Context, spec ChatSpec) (*Chat, error) {
	c := &Chat{
		ID:        uuid.NewString(),
		Name:      spec.Name,
		IsGroup:   spec.IsGroup,
		AdminID:   spec.AdminID,
		MemberIDs: append([]string(nil), spec.MemberIDs...),
		CreatedAt: time.Now(),
	}
	s.mu.Lock()
	s.chats[c.ID] = c
	s.mu.Unlock()
	return c.Clone(), nil
}

// GetChat returns a chat by ID, or ErrNotFound.
func (s *MemoryStore) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// UpdateChat applies mutate to the chat under the store lock and returns
// the new snapshot. If mutate returns an error, the chat is unchanged.
func (s *MemoryStore) UpdateChat(ctx context.Context, chatID string, mutate func(*Chat) error) (*Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	next := c.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	s.chats[chatID] = next
	return next.Clone(), nil
}

// ChatsFor returns all chats the user is a member of, newest first.
func (s *MemoryStore) ChatsFor(ctx context.Context, userID string) ([]*Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Chat
	for _, c := range s.chats {
		if c.HasMember(userID) {
			result = append(result, c.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// CreateMessage appends a message to the chat's history, trimming to the
// retention limit.
func (s *MemoryStore) CreateMessage(ctx context.Context, chatID, senderID, content string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[chatID]; !ok {
		return nil, ErrNotFound
	}
	m := &Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: time.Now(),
	}
	msgs := append(s.messages[chatID], m)
	if s.maxMessages > 0 && len(msgs) > s.maxMessages {
		msgs = msgs[len(msgs)-s.maxMessages:]
	}
	s.messages[chatID] = msgs
	return m, nil
}

// Messages returns the last limit messages for a chat, oldest first.
// A limit of 0 returns the full retained history.
func (s *MemoryStore) Messages(ctx context.Context, chatID string, limit int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[chatID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	result := make([]*Message, len(msgs))
	copy(result, msgs)
	return result, nil
}
