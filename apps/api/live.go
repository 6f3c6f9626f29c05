package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/mahaj/pulse/pkg/model"
	"github.com/mahaj/pulse/pkg/rooms"
)

type LivePublisher interface {
	PublishLive(ctx context.Context, event model.LiveEvent) error
}

// LiveHandler lets other services push an event to everyone watching a
// post, e.g. a new comment. Only post rooms are reachable this way.
func LiveHandler(publisher LivePublisher, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var event model.LiveEvent
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if _, ok := rooms.PostID(event.Room); !ok || event.Event == "" {
			http.Error(w, "room must be a post room and event is required", http.StatusBadRequest)
			return
		}

		if err := publisher.PublishLive(r.Context(), event); err != nil {
			logger.Error("Failed to publish live event", "room", event.Room, "event", event.Event, "error", err)
			http.Error(w, "Failed to publish event", http.StatusBadGateway)
			return
		}

		w.WriteHeader(http.StatusAccepted)
	}
}
