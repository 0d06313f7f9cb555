package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 2 * time.Second

// chatKey returns the Redis key holding a chat's JSON document.
func chatKey(chatID string) string {
	return "chat:" + chatID
}

// messagesKey returns the Redis key for a chat's message list.
func messagesKey(chatID string) string {
	return "chat:" + chatID + ":messages"
}

// userChatsKey returns the Redis key for the set of chats a user belongs to.
func userChatsKey(userID string) string {
	return "user:" + userID + ":chats"
}

// pairKey returns the Redis key mapping an unordered user pair to its
// one-to-one chat. Used as a uniqueness constraint so concurrent creates
// for the same pair converge on one chat.
func pairKey(userA, userB string) string {
	ids := []string{userA, userB}
	sort.Strings(ids)
	return "pair:" + ids[0] + ":" + ids[1]
}

// RedisStore persists chats and messages in Redis. Chats are JSON documents,
// messages a list per chat trimmed to maxMessages. Chat mutations are
// serialized with an in-process lock per chat ID; this process is the single
// owner of all coordination state.
type RedisStore struct {
	client      redis.Cmdable
	maxMessages int64

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRedisStore creates a RedisStore that retains up to maxMessages
// messages per chat.
func NewRedisStore(client redis.Cmdable, maxMessages int) *RedisStore {
	return &RedisStore{
		client:      client,
		maxMessages: int64(maxMessages),
		locks:       make(map[string]*sync.Mutex),
	}
}

// chatLock returns the mutex serializing mutations of one chat.
func (s *RedisStore) chatLock(chatID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[chatID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[chatID] = l
	}
	return l
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

// FindOneToOne returns the non-group chat for the unordered pair, or ErrNotFound.
func (s *RedisStore) FindOneToOne(ctx context.Context, userA, userB string) (*Chat, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	chatID, err := s.client.Get(ctx, pairKey(userA, userB)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("find one-to-one", err)
	}
	return s.GetChat(ctx, chatID)
}

// CreateChat stores a new chat. For one-to-one chats the pair key acts as a
// uniqueness constraint: if another create for the same pair won the race,
// the existing chat is returned instead of a duplicate.
func (s *RedisStore) CreateChat(ctx context.Context, spec ChatSpec) (*Chat, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	c := &Chat{
		ID:        uuid.NewString(),
		Name:      spec.Name,
		IsGroup:   spec.IsGroup,
		AdminID:   spec.AdminID,
		MemberIDs: append([]string(nil), spec.MemberIDs...),
		CreatedAt: time.Now(),
	}

	if err := s.writeChat(ctx, c); err != nil {
		return nil, err
	}

	if !c.IsGroup {
		// The chat document is written before the pair key becomes
		// visible, so a loser reading the key always finds the winner's
		// chat. The loser then discards its own document.
		key := pairKey(c.MemberIDs[0], c.MemberIDs[1])
		set, err := s.client.SetNX(ctx, key, c.ID, 0).Result()
		if err != nil {
			return nil, storeErr("reserve pair", err)
		}
		if !set {
			s.deleteChat(ctx, c)
			existingID, err := s.client.Get(ctx, key).Result()
			if err != nil {
				return nil, storeErr("read pair", err)
			}
			return s.GetChat(ctx, existingID)
		}
	}

	return c.Clone(), nil
}

// deleteChat removes a chat document and its membership index entries.
// Only used to discard the losing side of a one-to-one creation race.
func (s *RedisStore) deleteChat(ctx context.Context, c *Chat) {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, chatKey(c.ID))
	for _, id := range c.MemberIDs {
		pipe.SRem(ctx, userChatsKey(id), c.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("chat: failed to discard duplicate one-to-one chat %s: %v", c.ID, err)
	}
}

// writeChat persists the chat document and its membership index entries.
func (s *RedisStore) writeChat(ctx context.Context, c *Chat) error {
	data, err := json.Marshal(c)
	if err != nil {
		return storeErr("marshal chat", err)
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, chatKey(c.ID), data, 0)
	for _, id := range c.MemberIDs {
		pipe.SAdd(ctx, userChatsKey(id), c.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("write chat", err)
	}
	return nil
}

// GetChat returns a chat by ID, or ErrNotFound.
func (s *RedisStore) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, chatKey(chatID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get chat", err)
	}
	var c Chat
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, storeErr("decode chat", err)
	}
	return &c, nil
}

// UpdateChat applies mutate under the chat's lock and writes the new
// snapshot back. Members removed by the mutation are dropped from their
// membership index in the same pipeline.
func (s *RedisStore) UpdateChat(ctx context.Context, chatID string, mutate func(*Chat) error) (*Chat, error) {
	l := s.chatLock(chatID)
	l.Lock()
	defer l.Unlock()

	current, err := s.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	data, err := json.Marshal(next)
	if err != nil {
		return nil, storeErr("marshal chat", err)
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, chatKey(next.ID), data, 0)
	for _, id := range next.MemberIDs {
		pipe.SAdd(ctx, userChatsKey(id), next.ID)
	}
	for _, id := range current.MemberIDs {
		if !next.HasMember(id) {
			pipe.SRem(ctx, userChatsKey(id), next.ID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, storeErr("update chat", err)
	}
	return next.Clone(), nil
}

// ChatsFor returns all chats the user is a member of, newest first.
func (s *RedisStore) ChatsFor(ctx context.Context, userID string) ([]*Chat, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	ids, err := s.client.SMembers(ctx, userChatsKey(userID)).Result()
	if err != nil {
		return nil, storeErr("list chats", err)
	}
	result := make([]*Chat, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetChat(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// CreateMessage appends a message to the chat's list, trimming to the
// retention limit.
func (s *RedisStore) CreateMessage(ctx context.Context, chatID, senderID, content string) (*Message, error) {
	if _, err := s.GetChat(ctx, chatID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	m := &Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: time.Now(),
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, storeErr("marshal message", err)
	}
	key := messagesKey(chatID)
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key, data)
	if s.maxMessages > 0 {
		pipe.LTrim(ctx, key, -s.maxMessages, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, storeErr("append message", err)
	}
	return m, nil
}

// Messages returns the last limit messages for a chat, oldest first.
func (s *RedisStore) Messages(ctx context.Context, chatID string, limit int) ([]*Message, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	vals, err := s.client.LRange(ctx, messagesKey(chatID), start, -1).Result()
	if err != nil {
		return nil, storeErr("read messages", err)
	}
	msgs := make([]*Message, 0, len(vals))
	for _, v := range vals {
		var m Message
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			continue
		}
		msgs = append(msgs, &m)
	}
	return msgs, nil
}
