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

	"github.com/mahaj/pulse/pkg/auth"
	"github.com/mahaj/pulse/pkg/config"
	"github.com/mahaj/pulse/pkg/db"
	"github.com/mahaj/pulse/pkg/logging"
	"github.com/mahaj/pulse/pkg/outbox"
)

func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*") // Allow all for dev, or specific origin
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// deps are the backends the routes talk to. A nil backend leaves its routes
// out.
type deps struct {
	tokens   *auth.Tokens
	history  HistoryStore
	counters interface {
		ConversationList
		UnreadResetter
	}
	presence *PresenceHandler
	live     LivePublisher
	logger   *slog.Logger
}

func routes(d deps) http.Handler {
	mux := http.NewServeMux()
	protected := func(h http.Handler) http.Handler { return d.tokens.Middleware(h) }

	// Public endpoint
	mux.Handle("POST /login", LoginHandler(d.tokens))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	if d.history != nil {
		mux.Handle("GET /history", protected(NewHistoryHandler(d.history, d.logger)))
	}
	if d.counters != nil {
		mux.Handle("GET /conversations", protected(ConversationsHandler(d.counters, d.logger)))
		mux.Handle("POST /conversations/read", protected(ReadHandler(d.counters, d.logger)))
	}
	if d.presence != nil {
		mux.Handle("GET /presence/online", protected(http.HandlerFunc(d.presence.Online)))
		mux.Handle("GET /presence/{userId}", protected(http.HandlerFunc(d.presence.User)))
	}
	if d.live != nil {
		mux.Handle("POST /live", protected(LiveHandler(d.live, d.logger)))
	}
	return CORSMiddleware(mux)
}

func main() {
	cfg, err := config.LoadAPI()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	logger, closeLog, err := logging.New("api", cfg.Log.Level, cfg.Log.File)
	if err != nil {
		slog.Error("Failed to set up logging", "error", err)
		os.Exit(1)
	}

	code := run(cfg, logger)
	closeLog()
	os.Exit(code)
}

func run(cfg config.API, logger *slog.Logger) int {
	session, err := db.NewSession(cfg.Scylla.Hosts, cfg.Scylla.Keyspace, logger)
	if err != nil {
		logger.Error("Failed to connect to ScyllaDB", "error", err)
		return 1
	}
	defer session.Close()

	d := deps{
		tokens:   auth.NewTokens(cfg.Auth.Secret, cfg.Auth.TokenTTL),
		history:  db.NewScyllaStore(session),
		counters: db.NewCounters(session),
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()
		d.presence = NewPresenceHandler(rdb, cfg.Redis.PresenceKey, logger)
	}
	if cfg.Kafka.Enabled {
		writer := outbox.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.LiveTopic)
		defer writer.Close()
		d.live = writer
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           routes(d),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("API Service Starting", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API server failed", "error", err)
			if p, err := os.FindProcess(os.Getpid()); err == nil {
				p.Signal(os.Interrupt)
			}
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"http": func(ctx context.Context) error {
				logger.Info("Graceful shutdown initiated")
				return srv.Shutdown(ctx)
			},
		},
	)

	exitCode := <-wait
	logger.Info("API exited", "code", exitCode)
	return exitCode
}
