package user

import (
	"errors"
	"testing"
)

func TestCreateAndGet(t *testing.T) {
	s := NewStore()

	u, err := s.Create("Alice", "Alice@Example.com", "hash", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if u.Email != "alice@example.com" {
		t.Errorf("email not normalized: %q", u.Email)
	}

	got, err := s.Get(u.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Alice" {
		t.Errorf("unexpected user: %+v", got)
	}

	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEmailUniqueness(t *testing.T) {
	s := NewStore()
	s.Create("Alice", "alice@example.com", "hash", "")

	if _, err := s.Create("Imposter", "ALICE@example.com ", "hash", ""); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestGetByEmail(t *testing.T) {
	s := NewStore()
	created, _ := s.Create("Alice", "alice@example.com", "hash", "")

	u, err := s.GetByEmail(" Alice@Example.COM ")
	if err != nil {
		t.Fatalf("get by email: %v", err)
	}
	if u.ID != created.ID {
		t.Errorf("expected %s, got %s", created.ID, u.ID)
	}

	if _, err := s.GetByEmail("ghost@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSearch(t *testing.T) {
	s := NewStore()
	alice, _ := s.Create("Alice", "alice@example.com", "hash", "")
	s.Create("Bob", "bob@example.com", "hash", "")
	s.Create("Bobby", "bobby@other.org", "hash", "")

	results := s.Search("bob", alice.ID)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	// Sorted by name.
	if results[0].Name != "Bob" || results[1].Name != "Bobby" {
		t.Errorf("unexpected order: %v", results)
	}

	// The excluded user never matches, even by their own name.
	if results := s.Search("alice", alice.ID); len(results) != 0 {
		t.Errorf("expected self excluded, got %v", results)
	}

	// Empty queries match nobody.
	if results := s.Search("  ", alice.ID); results != nil {
		t.Errorf("expected nil for empty query, got %v", results)
	}
}

func TestSnapshots(t *testing.T) {
	s := NewStore()
	alice, _ := s.Create("Alice", "alice@example.com", "secret-hash", "pic.png")
	bob, _ := s.Create("Bob", "bob@example.com", "hash", "")

	snaps := s.Snapshots([]string{bob.ID, "ghost", alice.ID})
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	// Input order is preserved; unknown IDs are skipped.
	if snaps[0].ID != bob.ID || snaps[1].ID != alice.ID {
		t.Errorf("unexpected order: %v", snaps)
	}
	if snaps[1].Picture != "pic.png" {
		t.Errorf("missing picture: %+v", snaps[1])
	}
}
