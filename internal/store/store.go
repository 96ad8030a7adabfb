// Package store provides durable ordered storage for sessions, messages,
// tool calls, path policies, subagent records, audit entries, and
// observations, backed by a single SQLite file in WAL mode.
//
// All writes go through a single database connection; FinalizeTurn also
// takes a per-session lock and is atomic with the session's token-counter
// update.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/batchismo/batchismo/internal/domain"
)

// Store owns all persisted entities.
type Store struct {
	db   *sql.DB
	path string

	mu       sync.Mutex
	sessions map[uuid.UUID]*sync.Mutex
}

// Open opens (creating if needed) the store file and runs migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_timeout=5000&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// SQLite allows one writer at a time; a single connection keeps our own
	// goroutines from tripping SQLITE_BUSY against each other.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, sessions: make(map[uuid.UUID]*sync.Mutex)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// OpenInMemory opens an isolated in-memory store for tests.
func OpenInMemory() (*Store, error) {
	db, err := sql.Open("sqlite3", "file::memory:?_fk=1")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, sessions: make(map[uuid.UUID]*sync.Mutex)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// migrations run in order; schema_version records the last applied index.
var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS sessions (
		id              TEXT PRIMARY KEY,
		key             TEXT NOT NULL UNIQUE,
		model           TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'active',
		kind            TEXT NOT NULL DEFAULT 'main',
		parent_id       TEXT,
		label           TEXT,
		task            TEXT,
		subagent_status TEXT,
		summary         TEXT,
		token_input     INTEGER NOT NULL DEFAULT 0,
		token_output    INTEGER NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id                TEXT PRIMARY KEY,
		session_id        TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role              TEXT NOT NULL,
		content           TEXT NOT NULL,
		tool_calls_json   TEXT NOT NULL DEFAULT '[]',
		tool_results_json TEXT NOT NULL DEFAULT '[]',
		token_input       INTEGER,
		token_output      INTEGER,
		created_at        TEXT NOT NULL,
		seq               INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id          TEXT NOT NULL,
		message_id  TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		session_id  TEXT NOT NULL,
		tool_name   TEXT NOT NULL,
		input_json  TEXT NOT NULL,
		result_text TEXT,
		is_error    INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL,
		PRIMARY KEY (message_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id, created_at);

	CREATE TABLE IF NOT EXISTS path_policies (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		path        TEXT NOT NULL,
		access      TEXT NOT NULL,
		recursive   INTEGER NOT NULL DEFAULT 1,
		description TEXT,
		created_at  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id    TEXT NOT NULL,
		ts          TEXT NOT NULL,
		session_id  TEXT,
		level       TEXT NOT NULL,
		category    TEXT NOT NULL,
		event       TEXT NOT NULL,
		summary     TEXT NOT NULL,
		detail_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts);
	CREATE INDEX IF NOT EXISTS idx_audit_category ON audit_log(category);

	CREATE TABLE IF NOT EXISTS observations (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		ts         TEXT NOT NULL,
		session_id TEXT,
		kind       TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT,
		count      INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_obs_kind ON observations(kind);
	CREATE INDEX IF NOT EXISTS idx_obs_key ON observations(key);
	`,
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}
	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return err
		}
		version = 0
	} else if err != nil {
		return err
	}

	for i := version; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version = ?`, i+1); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// sessionLock returns the write lock serializing a session's turn commits.
func (s *Store) sessionLock(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.sessions[id]
	if !ok {
		l = &sync.Mutex{}
		s.sessions[id] = l
	}
	return l
}

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", domain.ErrStore, err)
}
