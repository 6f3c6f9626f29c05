package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/mahaj/pulse/pkg/auth"
)

type UnreadResetter interface {
	ResetUnread(ctx context.Context, userID, conversationID string) error
}

type ReadRequest struct {
	ConversationID string `json:"conversation_id"`
}

// ReadHandler clears the caller's unread count of one conversation. The
// messaging service does the same when it sees messages.seen; this is for
// clients that read history without a live connection.
func ReadHandler(counters UnreadResetter, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.ClaimsFrom(r.Context())
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		var req ReadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == "" {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		if err := counters.ResetUnread(r.Context(), claims.UserID, req.ConversationID); err != nil {
			logger.Error("Failed to reset unread count", "user_id", claims.UserID, "conversation_id", req.ConversationID, "error", err)
			http.Error(w, "Failed to reset unread count", http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}
