package storage

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the app data dir.
	DefaultDBFileName = "app.db"
	// DefaultSecurityEventRetention controls automatic event pruning.
	DefaultSecurityEventRetention = 90 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS peers (
  name                 TEXT PRIMARY KEY,
  address              TEXT NOT NULL,
  port                 INTEGER NOT NULL,
  public_key           TEXT NOT NULL,
  protocol_version     INTEGER NOT NULL DEFAULT 1,
  first_seen_timestamp INTEGER NOT NULL,
  last_seen_timestamp  INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS security_events (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type   TEXT NOT NULL,
  peer_address TEXT,
  details      TEXT NOT NULL,
  timestamp    INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_time
ON security_events (timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_type
ON security_events (event_type, timestamp DESC, id DESC);
`,
	`
CREATE TABLE IF NOT EXISTS blacklist_entries (
  address         TEXT PRIMARY KEY,
  unblock_at      INTEGER NOT NULL
);
`,
}

// Store wraps the local SQLite database holding discovered-peer
// bookkeeping, the security event log, and the persisted blacklist.
type Store struct {
	db *sql.DB

	securityEventRetention time.Duration
}

// Open creates or opens the database under dataDir and applies migrations.
func Open(dataDir string) (*Store, string, error) {
	dbPath := filepath.Join(dataDir, DefaultDBFileName)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, "", fmt.Errorf("open database %q: %w", dbPath, err)
	}

	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			_ = db.Close()
			return nil, "", fmt.Errorf("apply migration %d: %w", i, err)
		}
	}

	return &Store{
		db:                     db,
		securityEventRetention: DefaultSecurityEventRetention,
	}, dbPath, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
