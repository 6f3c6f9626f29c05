package main

import (
	"context"
	"log/slog"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"

	"github.com/mahaj/pulse/pkg/config"
	"github.com/mahaj/pulse/pkg/db"
	"github.com/mahaj/pulse/pkg/logging"
	"github.com/mahaj/pulse/pkg/outbox"
)

func main() {
	cfg, err := config.LoadMessaging()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	logger, closeLog, err := logging.New("messaging", cfg.Log.Level, cfg.Log.File)
	if err != nil {
		slog.Error("Failed to set up logging", "error", err)
		os.Exit(1)
	}

	code := run(cfg, logger)
	closeLog()
	os.Exit(code)
}

func run(cfg config.Messaging, logger *slog.Logger) int {
	if cfg.Migrate {
		if err := db.Migrate(cfg.Scylla.Hosts, cfg.Scylla.Keyspace, cfg.Scylla.Replication, logger); err != nil {
			logger.Error("Failed to migrate schema", "error", err)
			return 1
		}
	}

	session, err := db.NewSession(cfg.Scylla.Hosts, cfg.Scylla.Keyspace, logger)
	if err != nil {
		logger.Error("Failed to connect to ScyllaDB", "keyspace", cfg.Scylla.Keyspace, "error", err)
		return 1
	}
	defer session.Close()

	consumer := NewConsumer(db.NewCounters(session), logger)
	reader := outbox.NewGroupReader(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic, cfg.GroupID, logger)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		logger.Info("Starting Kafka Consumer", "topic", cfg.Kafka.EventsTopic, "group_id", cfg.GroupID)
		reader.Run(ctx, consumer.Handle)
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"consumer": func(ctx context.Context) error {
				cancel()
				select {
				case <-stopped:
				case <-ctx.Done():
					return ctx.Err()
				}
				return reader.Close()
			},
		},
	)

	exitCode := <-wait
	logger.Info("Messaging exited", "code", exitCode)
	return exitCode
}
