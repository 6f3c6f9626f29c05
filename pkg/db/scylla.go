package db

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gocql/gocql"
	"github.com/juju/errors"
)

const DefaultKeyspace = "chat"

type Session struct {
	*gocql.Session
}

func NewSession(hosts []string, keyspace string, logger *slog.Logger) (*Session, error) {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 5 * time.Second

	// Retry policy
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, err
	}

	logger.Info("Connected to ScyllaDB cluster", "hosts", hosts, "keyspace", keyspace)
	return &Session{Session: session}, nil
}

// Keyspace creates the keyspace used by every service.
func Keyspace(name string, replication int) string {
	if replication < 1 {
		replication = 1
	}
	return fmt.Sprintf("CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : %d }", name, replication)
}

// Schema holds the table definitions, applied in order by scripts/migrate.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id text PRIMARY KEY,
		participants frozen<list<text>>,
		last_message_id text,
		last_text text,
		last_sender text,
		last_status text,
		last_seen boolean,
		last_timestamp timestamp,
		updated_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		conversation_id text,
		id text,
		sender_id text,
		recipient_id text,
		text text,
		img text,
		status text,
		seen boolean,
		created_at timestamp,
		PRIMARY KEY (conversation_id, id)
	) WITH CLUSTERING ORDER BY (id ASC)`,
	`CREATE TABLE IF NOT EXISTS user_conversations (
		user_id text,
		conversation_id text,
		other_user_id text,
		last_updated timestamp,
		PRIMARY KEY (user_id, conversation_id)
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_counters (
		user_id text,
		conversation_id text,
		unread_count counter,
		PRIMARY KEY (user_id, conversation_id)
	)`,
}

// Migrate creates the keyspace through the system keyspace, then applies
// Schema inside it.
func Migrate(hosts []string, keyspace string, replication int, logger *slog.Logger) error {
	sys, err := NewSession(hosts, "system", logger)
	if err != nil {
		return errors.Annotate(err, "connect to system keyspace")
	}
	err = sys.Query(Keyspace(keyspace, replication)).Exec()
	sys.Close()
	if err != nil {
		return errors.Annotatef(err, "create keyspace %q", keyspace)
	}

	session, err := NewSession(hosts, keyspace, logger)
	if err != nil {
		return errors.Annotatef(err, "connect to keyspace %q", keyspace)
	}
	defer session.Close()
	for i, stmt := range Schema {
		if err := session.Query(stmt).Exec(); err != nil {
			return errors.Annotatef(err, "apply schema statement %d", i)
		}
	}
	logger.Info("Schema is up to date", "keyspace", keyspace, "tables", len(Schema))
	return nil
}
