package main

import (
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/mahaj/pulse/pkg/presence"
)

// PresenceHandler answers from the online set the gateway mirrors into
// Redis.
type PresenceHandler struct {
	redis  *redis.Client
	key    string
	logger *slog.Logger
}

func NewPresenceHandler(rdb *redis.Client, key string, logger *slog.Logger) *PresenceHandler {
	if key == "" {
		key = presence.DefaultKey
	}
	return &PresenceHandler{redis: rdb, key: key, logger: logger}
}

type userPresence struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

func (h *PresenceHandler) Online(w http.ResponseWriter, r *http.Request) {
	users, err := presence.OnlineUsers(r.Context(), h.redis, h.key)
	if err != nil {
		h.logger.Error("Failed to fetch presence", "key", h.key, "error", err)
		http.Error(w, "Failed to fetch presence", http.StatusInternalServerError)
		return
	}
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *PresenceHandler) User(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	online, err := presence.IsOnline(r.Context(), h.redis, h.key, userID)
	if err != nil {
		h.logger.Error("Failed to fetch presence", "user_id", userID, "error", err)
		http.Error(w, "Failed to fetch presence", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, userPresence{UserID: userID, Online: online})
}
