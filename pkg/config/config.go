// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	StoreMemory = "memory"
	StoreScylla = "scylla"
)

type Log struct {
	Level string `env:"LOG_LEVEL" envDefault:"info"`
	File  string `env:"LOG_FILE"`
}

type Kafka struct {
	Enabled     bool     `env:"KAFKA_ENABLED" envDefault:"true"`
	Brokers     []string `env:"KAFKA_BROKERS" envDefault:"localhost:19092" envSeparator:","`
	EventsTopic string   `env:"KAFKA_EVENTS_TOPIC" envDefault:"chat-events"`
	LiveTopic   string   `env:"KAFKA_LIVE_TOPIC" envDefault:"live-events"`
}

type Redis struct {
	Enabled     bool   `env:"REDIS_ENABLED" envDefault:"true"`
	Addr        string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	PresenceKey string `env:"PRESENCE_KEY" envDefault:"presence:online"`
}

type Scylla struct {
	Hosts       []string `env:"SCYLLA_HOSTS" envDefault:"localhost:9042" envSeparator:","`
	Keyspace    string   `env:"SCYLLA_KEYSPACE" envDefault:"chat"`
	Replication int      `env:"SCYLLA_REPLICATION" envDefault:"1"`
}

type Auth struct {
	Secret   string        `env:"JWT_SECRET" envDefault:"my_secret_key"`
	TokenTTL time.Duration `env:"JWT_TTL" envDefault:"24h"`
	// Required rejects handshakes without a valid token instead of
	// trusting the userId query parameter.
	Required bool `env:"AUTH_REQUIRED" envDefault:"false"`
}

type Gateway struct {
	Log
	Kafka
	Redis
	Scylla
	Auth

	Addr              string        `env:"GATEWAY_ADDR" envDefault:":8080"`
	Store             string        `env:"STORE" envDefault:"memory"`
	NodeID            int64         `env:"NODE_ID" envDefault:"1"`
	TypingQuietPeriod time.Duration `env:"TYPING_QUIET_PERIOD" envDefault:"2s"`
	DeliveryDelay     time.Duration `env:"DELIVERY_DELAY" envDefault:"500ms"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

type API struct {
	Log
	Kafka
	Redis
	Scylla
	Auth

	Addr            string        `env:"API_ADDR" envDefault:":8081"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

type Messaging struct {
	Log
	Kafka
	Scylla

	GroupID string `env:"KAFKA_GROUP_ID" envDefault:"messaging-service-group"`
	// Migrate applies the schema on start, for single-node development.
	Migrate bool `env:"SCYLLA_MIGRATE" envDefault:"false"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Parse loads configuration from environment variables into target.
func Parse(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func LoadGateway() (Gateway, error) {
	var cfg Gateway
	if err := Parse(&cfg); err != nil {
		return cfg, err
	}
	switch cfg.Store {
	case StoreMemory, StoreScylla:
	default:
		return cfg, fmt.Errorf("parse env: STORE must be %q or %q, got %q", StoreMemory, StoreScylla, cfg.Store)
	}
	if cfg.NodeID < 0 || cfg.NodeID > 1023 {
		return cfg, fmt.Errorf("parse env: NODE_ID %d out of range", cfg.NodeID)
	}
	return cfg, nil
}

func LoadAPI() (API, error) {
	var cfg API
	err := Parse(&cfg)
	return cfg, err
}

func LoadMessaging() (Messaging, error) {
	var cfg Messaging
	err := Parse(&cfg)
	return cfg, err
}
