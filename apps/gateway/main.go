package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/mahaj/pulse/pkg/auth"
	"github.com/mahaj/pulse/pkg/config"
	"github.com/mahaj/pulse/pkg/db"
	"github.com/mahaj/pulse/pkg/delivery"
	"github.com/mahaj/pulse/pkg/hub"
	"github.com/mahaj/pulse/pkg/logging"
	"github.com/mahaj/pulse/pkg/outbox"
	"github.com/mahaj/pulse/pkg/presence"
	"github.com/mahaj/pulse/pkg/snowflake"
)

func main() {
	cfg, err := config.LoadGateway()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	logger, closeLog, err := logging.New("gateway", cfg.Log.Level, cfg.Log.File)
	if err != nil {
		slog.Error("Failed to set up logging", "error", err)
		os.Exit(1)
	}

	code := run(cfg, logger)
	closeLog()
	os.Exit(code)
}

// resources are released after the hub has drained.
type resources []func() error

func (r *resources) add(closeFn func() error) { *r = append(*r, closeFn) }

func (r resources) close(logger *slog.Logger) {
	for i := len(r) - 1; i >= 0; i-- {
		if err := r[i](); err != nil {
			logger.Warn("Failed to release resource", "error", err)
		}
	}
}

func buildStore(cfg config.Gateway, logger *slog.Logger, res *resources) (delivery.Store, error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn("Using in-memory store, messages are lost on restart")
		return db.NewMemoryStore(), nil
	}
	session, err := db.NewSession(cfg.Scylla.Hosts, cfg.Scylla.Keyspace, logger)
	if err != nil {
		return nil, err
	}
	res.add(func() error { session.Close(); return nil })
	return db.NewScyllaStore(session), nil
}

func run(cfg config.Gateway, logger *slog.Logger) int {
	var res resources

	store, err := buildStore(cfg, logger, &res)
	if err != nil {
		logger.Error("Failed to connect to ScyllaDB", "error", err)
		return 1
	}

	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		logger.Error("Failed to initialize snowflake node", "error", err)
		return 1
	}

	opts := hub.Options{
		Store:             store,
		IDs:               node,
		Logger:            logger,
		TypingQuietPeriod: cfg.TypingQuietPeriod,
		DeliveryDelay:     cfg.DeliveryDelay,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	var live *outbox.Reader
	if cfg.Kafka.Enabled {
		writer := outbox.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic)
		res.add(writer.Close)
		opts.Publisher = writer

		live = outbox.NewFanoutReader(cfg.Kafka.Brokers, cfg.Kafka.LiveTopic, logger)
		res.add(live.Close)
	}

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		res.add(rdb.Close)
		mirror := presence.NewRedisMirror(rdb, cfg.Redis.PresenceKey, logger)
		opts.Presence = mirror
		g.Go(func() error { return mirror.Run(gctx) })
	}

	h := hub.New(opts)
	g.Go(func() error { return h.Run(gctx) })

	if live != nil {
		g.Go(func() error {
			return live.Run(gctx, func(ctx context.Context, m kafka.Message) error {
				event, err := outbox.DecodeLiveEvent(m)
				if err != nil {
					return err
				}
				return h.Emit(ctx, event.Room, event.Event, event.Data)
			})
		})
	}

	s := &server{
		hub:          h,
		tokens:       auth.NewTokens(cfg.Auth.Secret, cfg.Auth.TokenTTL),
		authRequired: cfg.Auth.Required,
		logger:       logger,
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		logger.Info("Gateway Service Starting", "addr", cfg.Addr, "store", cfg.Store, "kafka", cfg.Kafka.Enabled, "redis", cfg.Redis.Enabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// A component that fails on its own triggers the same shutdown path as
	// a signal.
	go func() {
		<-gctx.Done()
		if ctx.Err() != nil {
			return
		}
		logger.Error("Gateway component stopped unexpectedly", "error", context.Cause(gctx))
		if p, err := os.FindProcess(os.Getpid()); err == nil {
			p.Signal(os.Interrupt)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"gateway": func(ctx context.Context) error {
				logger.Info("Graceful shutdown initiated")
				shutdownErr := srv.Shutdown(ctx)
				cancel()
				if err := g.Wait(); err != nil {
					shutdownErr = errors.Join(shutdownErr, err)
				}
				res.close(logger)
				return shutdownErr
			},
		},
	)

	exitCode := <-wait
	logger.Info("Gateway exited", "code", exitCode)
	return exitCode
}
