package presence

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is the Redis set holding the ids of online users.
const DefaultKey = "presence:online"

// RedisMirror copies the online set into Redis so other processes (the
// api service) can answer "is this user online" without talking to the
// gateway. Only the newest snapshot is kept while a write is in flight.
type RedisMirror struct {
	rdb     *redis.Client
	key     string
	updates chan []string
	logger  *slog.Logger
}

func NewRedisMirror(rdb *redis.Client, key string, logger *slog.Logger) *RedisMirror {
	if key == "" {
		key = DefaultKey
	}
	return &RedisMirror{
		rdb:     rdb,
		key:     key,
		updates: make(chan []string, 1),
		logger:  logger,
	}
}

// Publish queues a snapshot without blocking the caller. An older snapshot
// that has not been written yet is dropped.
func (m *RedisMirror) Publish(online []string) {
	snapshot := append([]string(nil), online...)
	select {
	case m.updates <- snapshot:
		return
	default:
	}
	select {
	case <-m.updates:
	default:
	}
	select {
	case m.updates <- snapshot:
	default:
	}
}

// Run writes snapshots until ctx is done, then clears the set.
func (m *RedisMirror) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			clearCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := m.rdb.Del(clearCtx, m.key).Err(); err != nil {
				m.logger.Warn("Failed to clear presence set", "key", m.key, "error", err)
			}
			return nil
		case online := <-m.updates:
			if err := m.write(ctx, online); err != nil {
				m.logger.Error("Failed to mirror presence", "key", m.key, "online", len(online), "error", err)
			}
		}
	}
}

func (m *RedisMirror) write(ctx context.Context, online []string) error {
	_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, m.key)
		if len(online) > 0 {
			members := make([]any, len(online))
			for i, id := range online {
				members[i] = id
			}
			pipe.SAdd(ctx, m.key, members...)
		}
		return nil
	})
	return err
}

// IsOnline answers from the mirrored set.
func IsOnline(ctx context.Context, rdb *redis.Client, key, userID string) (bool, error) {
	return rdb.SIsMember(ctx, key, userID).Result()
}

// OnlineUsers returns the mirrored set, sorted.
func OnlineUsers(ctx context.Context, rdb *redis.Client, key string) ([]string, error) {
	users, err := rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(users)
	return users, nil
}
