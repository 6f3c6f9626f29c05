// Command migrate creates the chat keyspace and tables. With -drop it drops
// the tables first, which loses all data.
package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/mahaj/pulse/pkg/config"
	"github.com/mahaj/pulse/pkg/db"
	"github.com/mahaj/pulse/pkg/logging"
)

var tables = []string{"messages", "conversations", "user_conversations", "conversation_counters"}

func main() {
	drop := flag.Bool("drop", false, "drop every table before creating them")
	flag.Parse()

	var cfg struct {
		config.Log
		config.Scylla
	}
	if err := config.Parse(&cfg); err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	logger, closeLog, err := logging.New("migrate", cfg.Log.Level, cfg.Log.File)
	if err != nil {
		slog.Error("Failed to set up logging", "error", err)
		os.Exit(1)
	}

	err = migrate(cfg.Scylla, *drop, logger)
	closeLog()
	if err != nil {
		os.Exit(1)
	}
}

func migrate(cfg config.Scylla, drop bool, logger *slog.Logger) error {
	if drop {
		if err := dropTables(cfg, logger); err != nil {
			logger.Error("Failed to drop tables", "error", err)
			return err
		}
	}
	if err := db.Migrate(cfg.Hosts, cfg.Keyspace, cfg.Replication, logger); err != nil {
		logger.Error("Failed to migrate", "error", err)
		return err
	}
	return nil
}

func dropTables(cfg config.Scylla, logger *slog.Logger) error {
	session, err := db.NewSession(cfg.Hosts, cfg.Keyspace, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	for _, table := range tables {
		logger.Info("Dropping table", "table", table)
		if err := session.Query("DROP TABLE IF EXISTS " + table).Exec(); err != nil {
			return err
		}
	}
	return nil
}
