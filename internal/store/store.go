// Package store provides SQLite-backed session persistence so sessions
// survive relay restarts. The store is the sole writer of the database;
// other components go through it.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/workspace/agent-relay/internal/session"
)

// Store persists session snapshots to SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens the relay database under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "relay.db")

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite tuning for write-heavy workloads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("applying store migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

// migrateV1 creates the sessions table. The full snapshot lives in the data
// column as JSON; archived/conn_state/updated_at are duplicated into columns
// for querying without deserializing every row.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			archived INTEGER NOT NULL DEFAULT 0,
			conn_state TEXT NOT NULL DEFAULT 'disconnected',
			updated_at TEXT NOT NULL,
			data TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_archived ON sessions(archived);
	`)
	return err
}

// Save upserts one session snapshot.
func (s *Store) Save(sn session.Snapshot) error {
	data, err := json.Marshal(sn)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sn.ID, err)
	}

	archived := 0
	if sn.Archived {
		archived = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO sessions (id, archived, conn_state, updated_at, data) VALUES (?, ?, ?, ?, ?)`,
		sn.ID, archived, string(sn.ConnState), sn.UpdatedAt.UTC().Format(time.RFC3339Nano), string(data),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sn.ID, err)
	}
	return nil
}

// Delete removes one session record.
func (s *Store) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

// LoadAll returns every persisted session snapshot. A record that fails to
// deserialize is skipped and logged — one corrupt row never aborts boot.
func (s *Store) LoadAll() ([]session.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT id, data FROM sessions ORDER BY updated_at ASC")
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	defer rows.Close()

	var snapshots []session.Snapshot
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		var sn session.Snapshot
		if err := json.Unmarshal([]byte(data), &sn); err != nil {
			slog.Warn("skipping corrupt session record", "session", id, "error", err)
			continue
		}
		if sn.ID == "" {
			slog.Warn("skipping session record with empty id", "rowId", id)
			continue
		}
		snapshots = append(snapshots, sn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return snapshots, nil
}

// insertRaw writes an arbitrary data payload for a session id. Test hook
// for exercising corrupt-record handling.
func (s *Store) insertRaw(id, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO sessions (id, archived, conn_state, updated_at, data) VALUES (?, 0, 'disconnected', ?, ?)`,
		id, time.Now().UTC().Format(time.RFC3339Nano), data,
	)
	return err
}
