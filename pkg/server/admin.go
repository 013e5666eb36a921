package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/parley-chat/parley/pkg/store"
)

// Provisioning API, served on the internal listener only. The account and
// room services own chat lifecycle and membership; this is how their
// writes reach the store, which in turn revokes live subscriptions through
// the removal hook.

type createChatRequest struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

type participantRequest struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

func (s *Server) registerAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/internal/chats", s.handleCreateChat)
	mux.HandleFunc("/internal/chats/", s.handleParticipants)
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		req.Kind = "group"
	}
	if req.Kind != "group" && req.Kind != "direct" {
		http.Error(w, "kind must be group or direct", http.StatusBadRequest)
		return
	}

	if err := s.db.CreateChat(req.ID, req.Kind); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			http.Error(w, "chat already exists", http.StatusConflict)
			return
		}
		errorLog.Printf("Failed to create chat %s: %v", req.ID, err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// handleParticipants routes /internal/chats/{id}/participants.
func (s *Server) handleParticipants(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/internal/chats/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "participants" {
		http.NotFound(w, r)
		return
	}
	chatID := parts[0]

	exists, err := s.db.ChatExists(chatID)
	if err != nil {
		errorLog.Printf("Failed to check chat %s: %v", chatID, err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	if !exists {
		http.Error(w, "chat not found", http.StatusNotFound)
		return
	}

	var req participantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPut:
		role := req.Role
		if role == "" {
			role = store.RoleMember
		}
		if role != store.RoleMember && role != store.RoleAdmin && role != store.RoleOwner {
			http.Error(w, "invalid role", http.StatusBadRequest)
			return
		}
		if err := s.db.AddParticipant(chatID, req.UserID, role); err != nil {
			errorLog.Printf("Failed to add %s to %s: %v", req.UserID, chatID, err)
			http.Error(w, "storage failure", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		// Fires the store's removal hook, which force-unsubscribes the
		// user's live connections and tells them the chat is gone.
		if err := s.db.RemoveParticipant(chatID, req.UserID); err != nil {
			errorLog.Printf("Failed to remove %s from %s: %v", req.UserID, chatID, err)
			http.Error(w, "storage failure", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
