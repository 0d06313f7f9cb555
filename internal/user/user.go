package user

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrEmailTaken is returned when registering with an email already in use.
	ErrEmailTaken = errors.New("email already registered")

	// ErrNotFound is returned when a user does not exist.
	ErrNotFound = errors.New("user not found")
)

// User is a registered account. PasswordHash never leaves this package's
// Public snapshots.
type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	Picture      string
	CreatedAt    time.Time
}

// Public is the membership snapshot of a user: identity plus display
// metadata, safe to embed in chat responses.
type Public struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Picture string `json:"picture,omitempty"`
}

// Public returns the user's membership snapshot.
func (u *User) Public() Public {
	return Public{ID: u.ID, Name: u.Name, Email: u.Email, Picture: u.Picture}
}

// Store manages registered users in memory, indexed by ID and email.
type Store struct {
	mu      sync.RWMutex
	byID    map[string]*User
	byEmail map[string]*User
}

// NewStore creates an empty user store.
func NewStore() *Store {
	return &Store{
		byID:    make(map[string]*User),
		byEmail: make(map[string]*User),
	}
}

// Create registers a new user. Emails are unique, case-insensitive.
func (s *Store) Create(name, email, passwordHash, picture string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u := &User{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        email,
		PasswordHash: passwordHash,
		Picture:      picture,
		CreatedAt:    time.Now(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byEmail[email]; taken {
		return nil, ErrEmailTaken
	}
	s.byID[u.ID] = u
	s.byEmail[email] = u
	return u, nil
}

// Get returns a user by ID, or ErrNotFound.
func (s *Store) Get(id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return u, nil
}

// GetByEmail returns a user by email, or ErrNotFound.
func (s *Store) GetByEmail(email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, ErrNotFound
	}
	return u, nil
}

// Search returns snapshots of users whose name or email contains the query,
// excluding the given user. An empty query matches nobody.
func (s *Store) Search(query, excludeID string) []Public {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Public
	for _, u := range s.byID {
		if u.ID == excludeID {
			continue
		}
		if strings.Contains(strings.ToLower(u.Name), query) || strings.Contains(u.Email, query) {
			result = append(result, u.Public())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Snapshots returns public snapshots for the given user IDs, skipping
// unknown IDs. Order follows the input.
func (s *Store) Snapshots(ids []string) []Public {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Public, 0, len(ids))
	for _, id := range ids {
		if u, ok := s.byID[id]; ok {
			result = append(result, u.Public())
		}
	}
	return result
}
