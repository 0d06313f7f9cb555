package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/christopherjohns/converse/internal/auth"
	"github.com/christopherjohns/converse/internal/user"
)

// authResponse is returned by register and login: the user's snapshot plus
// a signed token for subsequent requests and the WebSocket setup event.
type authResponse struct {
	User  user.Public `json:"user"`
	Token string      `json:"token"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
		Picture  string `json:"picture"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "name, email and password are required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	u, err := s.users.Create(req.Name, req.Email, hash, req.Picture)
	if errors.Is(err, user.ErrEmailTaken) {
		writeError(w, http.StatusBadRequest, "email already registered")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	token, err := s.auth.Issue(u.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{User: u.Public(), Token: token})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	u, err := s.users.GetByEmail(req.Email)
	if err != nil || !auth.CheckPassword(req.Password, u.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}

	token, err := s.auth.Issue(u.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{User: u.Public(), Token: token})
}

func (s *Server) handleSearchUsers(w http.ResponseWriter, r *http.Request, userID string) {
	results := s.users.Search(r.URL.Query().Get("search"), userID)
	if results == nil {
		results = []user.Public{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleAccessChat(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if _, err := s.users.Get(req.UserID); err != nil {
		writeError(w, http.StatusBadRequest, "unknown user")
		return
	}

	c, err := s.controller.AccessOneToOne(r.Context(), userID, req.UserID)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(c))
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request, userID string) {
	chats, err := s.controller.ChatsFor(r.Context(), userID)
	if err != nil {
		writeChatError(w, err)
		return
	}
	views := make([]chatView, 0, len(chats))
	for _, c := range chats {
		views = append(views, s.view(c))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request, userID string) {
	c, err := s.controller.GetChat(r.Context(), userID, r.PathValue("chatID"))
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(c))
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		Name    string   `json:"name"`
		UserIDs []string `json:"user_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	c, err := s.controller.CreateGroup(r.Context(), userID, req.Name, req.UserIDs)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.view(c))
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		ChatID string `json:"chat_id"`
		Name   string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	c, err := s.controller.Rename(r.Context(), userID, req.ChatID, req.Name)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(c))
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		ChatID string `json:"chat_id"`
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if _, err := s.users.Get(req.UserID); err != nil {
		writeError(w, http.StatusBadRequest, "unknown user")
		return
	}

	c, err := s.controller.AddMember(r.Context(), userID, req.ChatID, req.UserID)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(c))
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		ChatID string `json:"chat_id"`
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	c, err := s.controller.RemoveMember(r.Context(), userID, req.ChatID, req.UserID)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(c))
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		ChatID  string `json:"chat_id"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "message content is required")
		return
	}

	msg, err := s.controller.SendMessage(r.Context(), userID, req.ChatID, req.Content)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, userID string) {
	msgs, err := s.controller.History(r.Context(), userID, r.PathValue("chatID"), s.cfg.HistoryLimit)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}
