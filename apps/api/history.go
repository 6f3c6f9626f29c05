package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/juju/errors"

	"github.com/mahaj/pulse/pkg/auth"
	"github.com/mahaj/pulse/pkg/model"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// HistoryStore is the read side of the message store.
type HistoryStore interface {
	Conversation(ctx context.Context, conversationID string) (model.Conversation, error)
	History(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
}

type HistoryHandler struct {
	store  HistoryStore
	logger *slog.Logger
}

func NewHistoryHandler(store HistoryStore, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{store: store, logger: logger}
}

// ServeHTTP returns the newest messages of a conversation, oldest first.
// Only participants may read it.
func (h *HistoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		http.Error(w, "conversation_id is required", http.StatusBadRequest)
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	conv, err := h.store.Conversation(r.Context(), conversationID)
	switch {
	case errors.Is(err, errors.NotFound):
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	case err != nil:
		h.logger.Error("Failed to load conversation", "conversation_id", conversationID, "error", err)
		http.Error(w, "Failed to retrieve history", http.StatusInternalServerError)
		return
	}
	if !conv.HasParticipant(claims.UserID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	messages, err := h.store.History(r.Context(), conversationID, limit)
	if err != nil {
		h.logger.Error("Failed to iterate messages", "conversation_id", conversationID, "error", err)
		http.Error(w, "Failed to retrieve history", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []model.Message{}
	}

	writeJSON(w, http.StatusOK, messages)
}

type LoginRequest struct {
	UserID string `json:"user_id"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

func LoginHandler(tokens *auth.Tokens) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		if req.UserID == "" || req.UserID == "undefined" {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}

		token, err := tokens.Generate(req.UserID)
		if err != nil {
			http.Error(w, "Failed to generate token", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, LoginResponse{Token: token})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
