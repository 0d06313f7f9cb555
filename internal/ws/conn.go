package ws

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

const (
	// sendBufferSize is the number of messages that can be queued per client.
	sendBufferSize = 16

	// writeTimeout is the max time to wait for a single write to complete.
	writeTimeout = 5 * time.Second

	// idleCheckInterval is how often the idle reaper runs.
	idleCheckInterval = 30 * time.Second
)

// ErrIdentityConflict is returned when a connection already bound to one
// user is set up again with a different identity.
var ErrIdentityConflict = errors.New("connection bound to a different identity")

// Client represents a connected WebSocket client. A client carries at most
// one user identity, bound at setup; one user may own many clients.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	id     string
	userID string

	mu     sync.Mutex
	closed bool
}

// UserID returns the identity bound to the client, or "" before setup.
func (c *Client) UserID() string {
	return c.userID
}

// markClosed stops further sends from queueing. The send channel is never
// closed: a broadcast racing a disconnect must fail soft, not panic, so
// the write pump exits through its cancelled context instead.
func (c *Client) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// connEntry holds per-connection metadata alongside the cancel function.
type connEntry struct {
	cancel      context.CancelFunc
	connectedAt time.Time
	lastActive  time.Time
}

// ConnStats holds point-in-time connection statistics.
type ConnStats struct {
	Active          int
	Bound           int
	MaxConns        int
	Rejected        int64
	DroppedMessages int64
	IdleReaped      int64
}

// ConnManager is the connection registry. It tracks every live WebSocket
// connection, the user identity bound to it, and a per-user index so
// deliveries can target all of a user's devices. It also owns connection
// lifecycle: per-client buffered send channels, graceful shutdown,
// connection limits, and idle detection.
type ConnManager struct {
	mu       sync.Mutex
	clients  map[*Client]*connEntry
	byUser   map[string]map[*Client]struct{}
	closed   bool
	maxConns int
	idleTTL  time.Duration
	stopIdle context.CancelFunc

	// Atomic counters for stats.
	rejected        atomic.Int64
	droppedMessages atomic.Int64
	idleReaped      atomic.Int64
}

// ConnManagerOption configures a ConnManager.
type ConnManagerOption func(*ConnManager)

// WithMaxConns sets the maximum number of concurrent connections.
// When the limit is reached, new connections are rejected.
// A value of 0 means unlimited (default).
func WithMaxConns(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.maxConns = n
	}
}

// WithIdleTimeout sets how long a connection can be idle before it is
// automatically closed. A value of 0 disables idle reaping (default).
func WithIdleTimeout(d time.Duration) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.idleTTL = d
	}
}

// NewConnManager creates a new connection registry with optional configuration.
func NewConnManager(opts ...ConnManagerOption) *ConnManager {
	cm := &ConnManager{
		clients: make(map[*Client]*connEntry),
		byUser:  make(map[string]map[*Client]struct{}),
	}
	for _, opt := range opts {
		opt(cm)
	}
	if cm.idleTTL > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		cm.stopIdle = cancel
		go cm.idleReapLoop(ctx)
	}
	return cm
}

// NewClient wraps a WebSocket connection in an unbound Client.
func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		conn: conn,
		id:   generateConnID(),
	}
}

// Add registers a client and starts its write pump. The returned context
// is cancelled when the client is removed or the manager shuts down.
// Callers should select on ctx.Done() in their read loop. Returns a
// cancelled context if the manager is closed or at capacity.
func (cm *ConnManager) Add(c *Client) context.Context {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		return cancelledContext()
	}

	if cm.maxConns > 0 && len(cm.clients) >= cm.maxConns {
		cm.rejected.Add(1)
		c.conn.Close(websocket.StatusTryAgainLater, "server at capacity")
		return cancelledContext()
	}

	now := time.Now()
	c.send = make(chan []byte, sendBufferSize)
	ctx, cancel := context.WithCancel(context.Background())
	cm.clients[c] = &connEntry{
		cancel:      cancel,
		connectedAt: now,
		lastActive:  now,
	}
	if c.userID != "" {
		cm.indexLocked(c)
	}

	go cm.writePump(ctx, c)

	return ctx
}

// Bind sets the user identity for a registered client. Binding the same
// identity again is a no-op; binding a different one fails with
// ErrIdentityConflict.
func (cm *ConnManager) Bind(c *Client, userID string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if c.userID == userID {
		return nil
	}
	if c.userID != "" {
		return ErrIdentityConflict
	}
	c.userID = userID
	if _, ok := cm.clients[c]; ok {
		cm.indexLocked(c)
	}
	return nil
}

// indexLocked adds a bound client to the per-user index. Caller holds mu.
func (cm *ConnManager) indexLocked(c *Client) {
	set := cm.byUser[c.userID]
	if set == nil {
		set = make(map[*Client]struct{})
		cm.byUser[c.userID] = set
	}
	set[c] = struct{}{}
}

// Remove unregisters a client, stops its write pump, and drops it from
// the per-user index. No-op if already removed.
func (cm *ConnManager) Remove(c *Client) {
	cm.mu.Lock()
	entry, ok := cm.clients[c]
	if ok {
		delete(cm.clients, c)
		if c.userID != "" {
			if set := cm.byUser[c.userID]; set != nil {
				delete(set, c)
				if len(set) == 0 {
					delete(cm.byUser, c.userID)
				}
			}
		}
	}
	cm.mu.Unlock()

	if ok {
		entry.cancel()
		c.markClosed()
	}
}

// ConnectionsFor returns the live connections bound to a user. Used to
// deliver to a user on every device regardless of room membership.
func (cm *ConnManager) ConnectionsFor(userID string) []*Client {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	set := cm.byUser[userID]
	result := make([]*Client, 0, len(set))
	for c := range set {
		result = append(result, c)
	}
	return result
}

// Send queues a message for delivery to the client. Returns false if the
// client has been removed or its buffer is full (slow consumer).
func (cm *ConnManager) Send(c *Client, data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		cm.droppedMessages.Add(1)
		log.Printf("ws: send buffer full for client %s, dropping message", c.id)
		return false
	}
}

// TouchActivity updates the last-active timestamp for a client.
// Call this when a client sends a message to prevent idle reaping.
func (cm *ConnManager) TouchActivity(c *Client) {
	cm.mu.Lock()
	if entry, ok := cm.clients[c]; ok {
		entry.lastActive = time.Now()
	}
	cm.mu.Unlock()
}

// Count returns the number of active connections.
func (cm *ConnManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.clients)
}

// Stats returns point-in-time connection statistics.
func (cm *ConnManager) Stats() ConnStats {
	cm.mu.Lock()
	active := len(cm.clients)
	bound := 0
	for c := range cm.clients {
		if c.userID != "" {
			bound++
		}
	}
	maxConns := cm.maxConns
	cm.mu.Unlock()
	return ConnStats{
		Active:          active,
		Bound:           bound,
		MaxConns:        maxConns,
		Rejected:        cm.rejected.Load(),
		DroppedMessages: cm.droppedMessages.Load(),
		IdleReaped:      cm.idleReaped.Load(),
	}
}

// Shutdown gracefully closes all connections. It cancels every write
// pump and closes each WebSocket with StatusGoingAway.
func (cm *ConnManager) Shutdown() {
	cm.mu.Lock()
	cm.closed = true
	clients := make(map[*Client]*connEntry, len(cm.clients))
	for c, entry := range cm.clients {
		clients[c] = entry
	}
	cm.clients = make(map[*Client]*connEntry)
	cm.byUser = make(map[string]map[*Client]struct{})
	cm.mu.Unlock()

	if cm.stopIdle != nil {
		cm.stopIdle()
	}

	for c, entry := range clients {
		entry.cancel()
		c.markClosed()
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// idleReapLoop periodically checks for and closes idle connections.
func (cm *ConnManager) idleReapLoop(ctx context.Context) {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.reapIdle()
		}
	}
}

// reapIdle closes connections that have been idle longer than idleTTL.
// Closing the socket makes the handler's read loop exit, which runs the
// full disconnect cleanup (unregister, leave all rooms, clear typing).
func (cm *ConnManager) reapIdle() {
	cm.mu.Lock()
	now := time.Now()
	var stale []*Client
	for c, entry := range cm.clients {
		if now.Sub(entry.lastActive) > cm.idleTTL {
			stale = append(stale, c)
		}
	}
	cm.mu.Unlock()

	for _, c := range stale {
		c.conn.Close(websocket.StatusPolicyViolation, "idle timeout")
		cm.idleReaped.Add(1)
		log.Printf("ws: reaped idle connection %s", c.id)
	}
}

// writePump drains the client's send channel, writing each message to the
// WebSocket connection. On a write error the connection is closed so the
// read loop observes the failure and runs cleanup; delivery to other
// clients is unaffected.
func (cm *ConnManager) writePump(ctx context.Context, c *Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				log.Printf("ws: write to client %s failed: %v", c.id, err)
				c.conn.Close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func cancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func generateConnID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
