package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	return NewController(NewMemoryStore(100))
}

func TestAccessOneToOneCreatesOnce(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	first, err := c.AccessOneToOne(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("access: %v", err)
	}
	if first.IsGroup || len(first.MemberIDs) != 2 {
		t.Fatalf("unexpected chat: %+v", first)
	}

	// Same pair in either order returns the same chat.
	second, err := c.AccessOneToOne(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("access reversed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected chat %s, got %s", first.ID, second.ID)
	}
}

func TestAccessOneToOneConcurrent(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			ch, err := c.AccessOneToOne(ctx, a, b)
			if err != nil {
				t.Errorf("access: %v", err)
				return
			}
			ids[i] = ch.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("concurrent access produced two chats: %s vs %s", ids[0], ids[i])
		}
	}
}

func TestAccessOneToOneSelf(t *testing.T) {
	c := newTestController(t)
	if _, err := c.AccessOneToOne(context.Background(), "alice", "alice"); !errors.Is(err, ErrInvalidGroup) {
		t.Fatalf("expected ErrInvalidGroup for self chat, got %v", err)
	}
}

func TestCreateGroupValidation(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	if _, err := c.CreateGroup(ctx, "alice", "", []string{"bob", "carol"}); !errors.Is(err, ErrInvalidGroup) {
		t.Errorf("empty name: expected ErrInvalidGroup, got %v", err)
	}
	if _, err := c.CreateGroup(ctx, "alice", "Trip", []string{"bob"}); !errors.Is(err, ErrInvalidGroup) {
		t.Errorf("two members: expected ErrInvalidGroup, got %v", err)
	}
	// Duplicates collapse; actingUser counted once even if listed.
	if _, err := c.CreateGroup(ctx, "alice", "Trip", []string{"alice", "bob", "bob"}); !errors.Is(err, ErrInvalidGroup) {
		t.Errorf("duplicates: expected ErrInvalidGroup, got %v", err)
	}

	g, err := c.CreateGroup(ctx, "alice", "Trip", []string{"bob", "carol", "bob"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if !g.IsGroup || g.AdminID != "alice" || g.Name != "Trip" {
		t.Errorf("unexpected group: %+v", g)
	}
	if len(g.MemberIDs) != 3 {
		t.Errorf("expected 3 members, got %v", g.MemberIDs)
	}
}

func TestRenameRequiresAdmin(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	g, _ := c.CreateGroup(ctx, "alice", "Trip", []string{"bob", "carol"})

	if _, err := c.Rename(ctx, "bob", g.ID, "Heist"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("non-admin rename: expected ErrNotAuthorized, got %v", err)
	}
	// Name must be unchanged after the failed rename.
	got, _ := c.GetChat(ctx, "alice", g.ID)
	if got.Name != "Trip" {
		t.Errorf("failed rename changed name to %q", got.Name)
	}

	if _, err := c.Rename(ctx, "alice", g.ID, "  "); !errors.Is(err, ErrInvalidGroup) {
		t.Fatalf("blank rename: expected ErrInvalidGroup, got %v", err)
	}

	renamed, err := c.Rename(ctx, "alice", g.ID, "Trip2")
	if err != nil {
		t.Fatalf("admin rename: %v", err)
	}
	if renamed.Name != "Trip2" {
		t.Errorf("expected Trip2, got %q", renamed.Name)
	}

	// Other members observe the new name on their next get.
	got, _ = c.GetChat(ctx, "bob", g.ID)
	if got.Name != "Trip2" {
		t.Errorf("member sees stale name %q", got.Name)
	}
}

func TestRenameOneToOneInvalid(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	ch, _ := c.AccessOneToOne(ctx, "alice", "bob")
	if _, err := c.Rename(ctx, "alice", ch.ID, "Pals"); !errors.Is(err, ErrInvalidGroup) {
		t.Fatalf("expected ErrInvalidGroup, got %v", err)
	}
}

func TestAddMember(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	g, _ := c.CreateGroup(ctx, "alice", "Trip", []string{"bob", "carol"})

	if _, err := c.AddMember(ctx, "bob", g.ID, "dave"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("non-admin add: expected ErrNotAuthorized, got %v", err)
	}
	if _, err := c.AddMember(ctx, "alice", g.ID, "bob"); !errors.Is(err, ErrAlreadyMember) {
		t.Fatalf("duplicate add: expected ErrAlreadyMember, got %v", err)
	}

	updated, err := c.AddMember(ctx, "alice", g.ID, "dave")
	if err != nil {
		t.Fatalf("admin add: %v", err)
	}
	if !updated.HasMember("dave") {
		t.Errorf("dave missing after add: %v", updated.MemberIDs)
	}
}

func TestRemoveMember(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	var removed []string
	c.OnMemberRemoved = func(chatID, userID string) {
		removed = append(removed, chatID+"/"+userID)
	}

	g, _ := c.CreateGroup(ctx, "alice", "Trip", []string{"bob", "carol", "dave"})

	// A non-admin cannot remove someone else.
	if _, err := c.RemoveMember(ctx, "bob", g.ID, "carol"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if len(removed) != 0 {
		t.Fatal("callback fired for a failed removal")
	}

	// Self-leave is allowed for non-admins.
	updated, err := c.RemoveMember(ctx, "dave", g.ID, "dave")
	if err != nil {
		t.Fatalf("self-leave: %v", err)
	}
	if updated.HasMember("dave") {
		t.Errorf("dave still present: %v", updated.MemberIDs)
	}

	// Admin removes a member.
	updated, err = c.RemoveMember(ctx, "alice", g.ID, "carol")
	if err != nil {
		t.Fatalf("admin remove: %v", err)
	}
	if updated.HasMember("carol") {
		t.Errorf("carol still present: %v", updated.MemberIDs)
	}

	if len(removed) != 2 || removed[0] != g.ID+"/dave" || removed[1] != g.ID+"/carol" {
		t.Errorf("unexpected removal callbacks: %v", removed)
	}
}

func TestRemoveMemberUnknownTarget(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	g, _ := c.CreateGroup(ctx, "alice", "Trip", []string{"bob", "carol"})
	if _, err := c.RemoveMember(ctx, "alice", g.ID, "mallory"); !errors.Is(err, ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember, got %v", err)
	}
}

func TestAdminMustReassign(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	g, _ := c.CreateGroup(ctx, "alice", "Trip", []string{"bob", "carol"})

	// The admin cannot leave while other members remain.
	if _, err := c.RemoveMember(ctx, "alice", g.ID, "alice"); !errors.Is(err, ErrAdminMustReassign) {
		t.Fatalf("expected ErrAdminMustReassign, got %v", err)
	}

	// Drain the group, then the admin may leave as the last member.
	if _, err := c.RemoveMember(ctx, "alice", g.ID, "bob"); err != nil {
		t.Fatalf("remove bob: %v", err)
	}
	if _, err := c.RemoveMember(ctx, "carol", g.ID, "carol"); err != nil {
		t.Fatalf("carol self-leave: %v", err)
	}

	final, err := c.RemoveMember(ctx, "alice", g.ID, "alice")
	if err != nil {
		t.Fatalf("admin final leave: %v", err)
	}
	if len(final.MemberIDs) != 0 || final.AdminID != "" {
		t.Errorf("expected empty adminless chat, got %+v", final)
	}
}

func TestSendMessageMembership(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	ch, _ := c.AccessOneToOne(ctx, "alice", "bob")

	msg, err := c.SendMessage(ctx, "alice", ch.ID, "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ChatID != ch.ID || msg.SenderID != "alice" || msg.Content != "hi" {
		t.Errorf("unexpected message: %+v", msg)
	}

	if _, err := c.SendMessage(ctx, "mallory", ch.ID, "spam"); !errors.Is(err, ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember, got %v", err)
	}

	msgs, err := c.History(ctx, "bob", ch.ID, 50)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hi" {
		t.Errorf("unexpected history: %v", msgs)
	}

	if _, err := c.History(ctx, "mallory", ch.ID, 50); !errors.Is(err, ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember for outsider history, got %v", err)
	}
}

func TestIsMember(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	ch, _ := c.AccessOneToOne(ctx, "alice", "bob")

	if err := c.IsMember(ctx, ch.ID, "alice"); err != nil {
		t.Errorf("alice should be a member: %v", err)
	}
	if err := c.IsMember(ctx, ch.ID, "mallory"); !errors.Is(err, ErrNotAMember) {
		t.Errorf("expected ErrNotAMember, got %v", err)
	}
	if err := c.IsMember(ctx, "nope", "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
