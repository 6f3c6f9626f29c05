package main

import (
	"context"
	"log/slog"
	"net/http"
	"sort"

	"github.com/mahaj/pulse/pkg/auth"
	"github.com/mahaj/pulse/pkg/db"
)

// ConversationList is the per-user conversation list with unread counts.
type ConversationList interface {
	Conversations(ctx context.Context, userID string) ([]db.ConversationSummary, error)
}

// ConversationsHandler lists the caller's conversations, most recent first.
func ConversationsHandler(list ConversationList, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.ClaimsFrom(r.Context())
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		conversations, err := list.Conversations(r.Context(), claims.UserID)
		if err != nil {
			logger.Error("Failed to list conversations", "user_id", claims.UserID, "error", err)
			http.Error(w, "Failed to list conversations", http.StatusInternalServerError)
			return
		}
		if conversations == nil {
			conversations = []db.ConversationSummary{}
		}
		sort.SliceStable(conversations, func(i, j int) bool {
			return conversations[i].LastUpdated.After(conversations[j].LastUpdated)
		})

		writeJSON(w, http.StatusOK, conversations)
	}
}
