package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatewayDefaults(t *testing.T) {
	cfg, err := LoadGateway()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, []string{"localhost:19092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"localhost:9042"}, cfg.Scylla.Hosts)
	assert.Equal(t, 2*time.Second, cfg.TypingQuietPeriod)
	assert.Equal(t, 500*time.Millisecond, cfg.DeliveryDelay)
	assert.False(t, cfg.Auth.Required)
}

func TestGatewayOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("STORE", "scylla")
	t.Setenv("TYPING_QUIET_PERIOD", "3s")
	t.Setenv("AUTH_REQUIRED", "true")

	cfg, err := LoadGateway()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, StoreScylla, cfg.Store)
	assert.Equal(t, 3*time.Second, cfg.TypingQuietPeriod)
	assert.True(t, cfg.Auth.Required)
}

func TestGatewayRejectsUnknownStore(t *testing.T) {
	t.Setenv("STORE", "postgres")
	_, err := LoadGateway()
	assert.ErrorContains(t, err, "STORE")
}

func TestParseError(t *testing.T) {
	t.Setenv("DELIVERY_DELAY", "soon")
	_, err := LoadGateway()
	assert.ErrorContains(t, err, "parse env:")
}

func TestAPIAndMessagingDefaults(t *testing.T) {
	api, err := LoadAPI()
	require.NoError(t, err)
	assert.Equal(t, ":8081", api.Addr)
	assert.Equal(t, "presence:online", api.Redis.PresenceKey)

	msg, err := LoadMessaging()
	require.NoError(t, err)
	assert.Equal(t, "messaging-service-group", msg.GroupID)
	assert.Equal(t, "chat-events", msg.Kafka.EventsTopic)
	assert.False(t, msg.Migrate)
}
