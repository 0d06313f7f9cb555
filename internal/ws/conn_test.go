package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	return conn
}

// newConnPair upgrades one WebSocket and hands back the server-side Client
// and the client-side connection. The server handler blocks until the test
// finishes so the connection stays open.
func newConnPair(t *testing.T) (*Client, *websocket.Conn) {
	t.Helper()
	clientCh := make(chan *Client, 1)
	done := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept error: %v", err)
			return
		}
		clientCh <- NewClient(conn)
		<-done
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	t.Cleanup(func() {
		close(done)
		ts.Close()
	})

	dial := dialWS(t, ts.URL)
	t.Cleanup(func() { dial.Close(websocket.StatusNormalClosure, "") })
	return <-clientCh, dial
}

func TestConnManagerBind(t *testing.T) {
	cm := NewConnManager()
	c := &Client{id: "c1"}

	if err := cm.Bind(c, "alice"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if c.UserID() != "alice" {
		t.Errorf("expected alice, got %q", c.UserID())
	}

	// Rebinding the same identity is a no-op.
	if err := cm.Bind(c, "alice"); err != nil {
		t.Errorf("rebind same identity: %v", err)
	}

	// A different identity conflicts.
	if err := cm.Bind(c, "bob"); !errors.Is(err, ErrIdentityConflict) {
		t.Errorf("expected ErrIdentityConflict, got %v", err)
	}
	if c.UserID() != "alice" {
		t.Errorf("conflict changed identity to %q", c.UserID())
	}
}

func TestConnManagerAddRemove(t *testing.T) {
	cm := NewConnManager()
	server, _ := newConnPair(t)

	ctx := cm.Add(server)
	if ctx.Err() != nil {
		t.Fatalf("add returned a dead context: %v", ctx.Err())
	}
	if cm.Count() != 1 {
		t.Fatalf("expected 1 connection, got %d", cm.Count())
	}

	cm.Remove(server)
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled after remove")
	}
	if cm.Count() != 0 {
		t.Fatalf("expected 0 connections, got %d", cm.Count())
	}

	// Remove is idempotent.
	cm.Remove(server)
}

func TestConnManagerSendAfterRemove(t *testing.T) {
	cm := NewConnManager()
	server, _ := newConnPair(t)

	cm.Add(server)
	cm.Remove(server)

	// A broadcast snapshots its targets before delivering, so a send can
	// race a completed disconnect. It must report failure, never panic.
	if cm.Send(server, []byte("late")) {
		t.Fatal("send after remove should report failure")
	}
}

func TestConnManagerConnectionsFor(t *testing.T) {
	cm := NewConnManager()

	a1, _ := newConnPair(t)
	a2, _ := newConnPair(t)
	b1, _ := newConnPair(t)

	cm.Bind(a1, "alice")
	cm.Bind(a2, "alice")
	cm.Bind(b1, "bob")
	cm.Add(a1)
	cm.Add(a2)
	cm.Add(b1)

	if got := cm.ConnectionsFor("alice"); len(got) != 2 {
		t.Fatalf("expected 2 connections for alice, got %d", len(got))
	}
	if got := cm.ConnectionsFor("bob"); len(got) != 1 {
		t.Fatalf("expected 1 connection for bob, got %d", len(got))
	}
	if got := cm.ConnectionsFor("carol"); len(got) != 0 {
		t.Fatalf("expected 0 connections for carol, got %d", len(got))
	}

	cm.Remove(a1)
	if got := cm.ConnectionsFor("alice"); len(got) != 1 {
		t.Fatalf("expected 1 connection after remove, got %d", len(got))
	}
}

func TestConnManagerBindAfterAddIndexes(t *testing.T) {
	cm := NewConnManager()
	server, _ := newConnPair(t)

	cm.Add(server)
	if got := cm.ConnectionsFor("alice"); len(got) != 0 {
		t.Fatalf("unbound connection indexed: %d", len(got))
	}

	cm.Bind(server, "alice")
	if got := cm.ConnectionsFor("alice"); len(got) != 1 {
		t.Fatalf("expected 1 connection after late bind, got %d", len(got))
	}
}

func TestConnManagerSendDelivers(t *testing.T) {
	cm := NewConnManager()
	server, dial := newConnPair(t)
	cm.Add(server)
	defer cm.Remove(server)

	if !cm.Send(server, []byte(`{"type":"ping"}`)) {
		t.Fatal("send rejected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := dial.Read(ctx)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if string(data) != `{"type":"ping"}` {
		t.Errorf("unexpected payload: %s", data)
	}
}

func TestConnManagerSendBufferFull(t *testing.T) {
	cm := NewConnManager()
	// A client with no write pump so the buffer never drains.
	c := &Client{id: "slow", send: make(chan []byte, 1)}

	if !cm.Send(c, []byte("one")) {
		t.Fatal("first send should fit the buffer")
	}
	if cm.Send(c, []byte("two")) {
		t.Fatal("second send should be dropped")
	}
	if cm.Stats().DroppedMessages != 1 {
		t.Errorf("expected 1 dropped message, got %d", cm.Stats().DroppedMessages)
	}
}

func TestConnManagerMaxConns(t *testing.T) {
	cm := NewConnManager(WithMaxConns(1))

	first, _ := newConnPair(t)
	second, secondDial := newConnPair(t)

	if ctx := cm.Add(first); ctx.Err() != nil {
		t.Fatalf("first add rejected: %v", ctx.Err())
	}
	if ctx := cm.Add(second); ctx.Err() == nil {
		t.Fatal("second add should be rejected at capacity")
	}

	// The rejected socket is closed by the manager.
	readCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := secondDial.Read(readCtx); err == nil {
		t.Fatal("rejected connection should be closed")
	}

	stats := cm.Stats()
	if stats.Rejected != 1 || stats.Active != 1 || stats.MaxConns != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestConnManagerShutdown(t *testing.T) {
	cm := NewConnManager()
	server, dial := newConnPair(t)

	ctx := cm.Add(server)
	cm.Shutdown()

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled on shutdown")
	}
	if cm.Count() != 0 {
		t.Errorf("expected 0 connections after shutdown, got %d", cm.Count())
	}

	readCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := dial.Read(readCtx); err == nil {
		t.Fatal("connection should be closed on shutdown")
	}

	// New connections are refused after shutdown, and late sends to the
	// closed clients fail soft.
	late, _ := newConnPair(t)
	if addCtx := cm.Add(late); addCtx.Err() == nil {
		t.Fatal("add after shutdown should be rejected")
	}
	if cm.Send(server, []byte("late")) {
		t.Error("send after shutdown should report failure")
	}
}

func TestConnManagerReapsIdle(t *testing.T) {
	cm := NewConnManager(WithIdleTimeout(50 * time.Millisecond))
	defer cm.Shutdown()
	server, dial := newConnPair(t)
	cm.Add(server)

	time.Sleep(100 * time.Millisecond)
	cm.reapIdle()

	if got := cm.Stats().IdleReaped; got != 1 {
		t.Fatalf("expected 1 reaped connection, got %d", got)
	}

	// The reaper closes the socket; the peer observes the close.
	readCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := dial.Read(readCtx); err == nil {
		t.Fatal("idle connection should be closed")
	}
}

func TestConnManagerTouchPreventsReap(t *testing.T) {
	cm := NewConnManager(WithIdleTimeout(200 * time.Millisecond))
	defer cm.Shutdown()
	server, _ := newConnPair(t)
	cm.Add(server)

	time.Sleep(120 * time.Millisecond)
	cm.TouchActivity(server)
	time.Sleep(120 * time.Millisecond)
	cm.reapIdle()

	if got := cm.Stats().IdleReaped; got != 0 {
		t.Fatalf("active connection reaped, count %d", got)
	}
	if cm.Count() != 1 {
		t.Errorf("expected 1 connection, got %d", cm.Count())
	}
}

func TestConnManagerStatsBound(t *testing.T) {
	cm := NewConnManager()

	bound, _ := newConnPair(t)
	unbound, _ := newConnPair(t)
	cm.Bind(bound, "alice")
	cm.Add(bound)
	cm.Add(unbound)

	stats := cm.Stats()
	if stats.Active != 2 || stats.Bound != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}
