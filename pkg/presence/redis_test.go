package presence

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMirror(t *testing.T) (*RedisMirror, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { rdb.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRedisMirror(rdb, "", logger), rdb, srv
}

func TestRedisMirrorWritesLatestSnapshot(t *testing.T) {
	m, rdb, _ := newTestMirror(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	m.Publish([]string{"a"})
	m.Publish([]string{"a", "b"})
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		users, err := OnlineUsers(context.Background(), rdb, DefaultKey)
		return err == nil && assert.ObjectsAreEqual([]string{"a", "b"}, users)
	}, time.Second, 10*time.Millisecond)

	online, err := IsOnline(context.Background(), rdb, DefaultKey, "b")
	require.NoError(t, err)
	assert.True(t, online)

	m.Publish(nil)
	require.Eventually(t, func() bool {
		users, err := OnlineUsers(context.Background(), rdb, DefaultKey)
		return err == nil && len(users) == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRedisMirrorClearsOnShutdown(t *testing.T) {
	m, _, srv := newTestMirror(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	m.Publish([]string{"x"})
	require.Eventually(t, func() bool {
		ok, _ := srv.SIsMember(DefaultKey, "x")
		return ok
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.False(t, srv.Exists(DefaultKey))
}

func TestPublishNeverBlocks(t *testing.T) {
	m, _, _ := newTestMirror(t)
	for i := 0; i < 100; i++ {
		m.Publish([]string{"u"})
	}
	assert.Len(t, m.updates, 1)
}
