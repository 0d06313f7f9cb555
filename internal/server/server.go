package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/christopherjohns/converse/internal/auth"
	"github.com/christopherjohns/converse/internal/chat"
	"github.com/christopherjohns/converse/internal/config"
	"github.com/christopherjohns/converse/internal/ratelimit"
	"github.com/christopherjohns/converse/internal/user"
	"github.com/christopherjohns/converse/internal/ws"
)

// Server is the HTTP and WebSocket front of the chat coordination service.
type Server struct {
	cfg        config.Config
	mux        *http.ServeMux
	httpSrv    *http.Server
	users      *user.Store
	auth       *auth.Manager
	controller *chat.Controller
	hub        *ws.Hub
	typing     *ws.Typing
	wsHandler  *ws.Handler
	limiter    *ratelimit.IPLimiter

	stopPrune chan struct{}
	stopOnce  sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithChatStore replaces the default in-memory chat store, e.g. with the
// redis-backed one.
func WithChatStore(s chat.Store) Option {
	return func(srv *Server) {
		srv.controller = chat.NewController(s)
	}
}

// WithUserStore replaces the default user store.
func WithUserStore(s *user.Store) Option {
	return func(srv *Server) {
		srv.users = s
	}
}

// New creates a Server from the given configuration.
func New(cfg config.Config, opts ...Option) *Server {
	srv := &Server{
		cfg:        cfg,
		mux:        http.NewServeMux(),
		users:      user.NewStore(),
		auth:       auth.NewManager(cfg.JWTSecret, cfg.TokenTTL),
		controller: chat.NewController(chat.NewMemoryStore(cfg.HistoryLimit)),
		limiter:    ratelimit.NewIPLimiter(cfg.LoginRateLimit, cfg.LoginRateWindow),
		stopPrune:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(srv)
	}

	var connOpts []ws.ConnManagerOption
	if cfg.MaxConns > 0 {
		connOpts = append(connOpts, ws.WithMaxConns(cfg.MaxConns))
	}
	if cfg.IdleTimeout > 0 {
		connOpts = append(connOpts, ws.WithIdleTimeout(cfg.IdleTimeout))
	}
	conns := ws.NewConnManager(connOpts...)
	srv.hub = ws.NewHub(conns, srv.controller.IsMember)
	srv.controller.OnMemberRemoved = srv.hub.ForceLeave
	srv.typing = ws.NewTyping(srv.hub, cfg.TypingIdle)
	srv.wsHandler = ws.NewHandler(srv.hub, srv.typing, srv.auth)

	go srv.limiter.PruneLoop(time.Minute, srv.stopPrune)

	srv.routes()
	srv.httpSrv = &http.Server{Addr: cfg.ListenAddr, Handler: srv.mux}
	return srv
}

// Hub returns the room membership index, exposed for tests and stats.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	return s.httpSrv.ListenAndServe()
}

// Shutdown stops accepting new connections, closes every WebSocket, and
// drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopPrune) })
	s.hub.ConnMgr().Shutdown()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /api/user", s.handleRegister)
	s.mux.HandleFunc("POST /api/user/login", s.rateLimited(s.handleLogin))
	s.mux.HandleFunc("GET /api/user", s.protected(s.handleSearchUsers))

	s.mux.HandleFunc("POST /api/chat", s.protected(s.handleAccessChat))
	s.mux.HandleFunc("GET /api/chat", s.protected(s.handleListChats))
	s.mux.HandleFunc("GET /api/chat/{chatID}", s.protected(s.handleGetChat))
	s.mux.HandleFunc("POST /api/chat/group", s.protected(s.handleCreateGroup))
	s.mux.HandleFunc("PUT /api/chat/rename", s.protected(s.handleRename))
	s.mux.HandleFunc("PUT /api/chat/groupadd", s.protected(s.handleAddMember))
	s.mux.HandleFunc("PUT /api/chat/groupremove", s.protected(s.handleRemoveMember))

	s.mux.HandleFunc("POST /api/message", s.protected(s.handleSendMessage))
	s.mux.HandleFunc("GET /api/message/{chatID}", s.protected(s.handleHistory))

	s.mux.HandleFunc("/ws", s.rateLimited(s.wsHandler.ServeHTTP))
}

// protected wraps a handler with bearer-token authentication. The resolved
// user ID is passed through the request context.
func (s *Server) protected(next func(w http.ResponseWriter, r *http.Request, userID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, err := s.auth.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r, userID)
	}
}

// rateLimited rejects requests from IPs over the sliding-window limit.
func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next(w, r)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// chatView is the API representation of a chat, with member snapshots
// resolved from the user store.
type chatView struct {
	ID        string        `json:"id"`
	Name      string        `json:"name,omitempty"`
	IsGroup   bool          `json:"is_group"`
	AdminID   string        `json:"admin_id,omitempty"`
	Members   []user.Public `json:"members"`
	CreatedAt time.Time     `json:"created_at"`
}

func (s *Server) view(c *chat.Chat) chatView {
	return chatView{
		ID:        c.ID,
		Name:      c.Name,
		IsGroup:   c.IsGroup,
		AdminID:   c.AdminID,
		Members:   s.users.Snapshots(c.MemberIDs),
		CreatedAt: c.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeChatError maps domain errors to HTTP status codes. Authorization
// and validation failures are reported synchronously to the caller;
// transient store failures surface as 503 and are never retried here.
func writeChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		writeError(w, http.StatusNotFound, "chat not found")
	case errors.Is(err, chat.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "not authorized")
	case errors.Is(err, chat.ErrNotAMember):
		writeError(w, http.StatusForbidden, "not a member of this chat")
	case errors.Is(err, chat.ErrInvalidGroup):
		writeError(w, http.StatusBadRequest, "invalid group")
	case errors.Is(err, chat.ErrAlreadyMember):
		writeError(w, http.StatusBadRequest, "user is already a member")
	case errors.Is(err, chat.ErrAdminMustReassign):
		writeError(w, http.StatusConflict, "admin must reassign before leaving")
	case errors.Is(err, chat.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		log.Printf("server: internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
