// Package core implements the offline-capable classification core: the
// connectivity monitor, model store, advice cache, history store and the
// dispatcher that routes a request to the remote backend or the local engine.
//
// All durable state lives in one SQLite database (optionally SQLCipher
// encrypted) opened by OpenStateDB.
//
// INVARIANTS:
// - Durable write happens BEFORE the in-memory value changes
// - Derived values (model info) are invalidated in the same step as the mutation
// - Key derived from the passphrase, never hardcoded or logged
package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mutecomm/go-sqlcipher/v4"
)

// State store keys.
const (
	KeyOfflineMode  = "offline_mode"
	KeyNetworkStats = "network_stats"
	KeyModelInfo    = "model_info"
	KeyAdviceCache  = "advice_cache"
)

const schema = `
-- cropdoc local state v1

CREATE TABLE IF NOT EXISTS kv (
    key         TEXT PRIMARY KEY,
    value       TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS model_assets (
    category       TEXT PRIMARY KEY,
    local_path     TEXT NOT NULL,
    size_bytes     INTEGER NOT NULL,
    sha256         TEXT NOT NULL,
    downloaded_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS history (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    id          TEXT NOT NULL UNIQUE,
    created_at  TEXT NOT NULL,
    image_ref   TEXT NOT NULL,
    is_healthy  INTEGER NOT NULL,
    result      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_created ON history(created_at);

CREATE TABLE IF NOT EXISTS journal (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    operation_id    TEXT NOT NULL UNIQUE,
    operation_type  TEXT NOT NULL,
    payload         TEXT NOT NULL,
    state           TEXT NOT NULL DEFAULT 'pending'
                    CHECK(state IN ('pending', 'committed', 'rolled_back')),
    error           TEXT,
    created_at      TEXT NOT NULL,
    completed_at    TEXT
);
CREATE INDEX IF NOT EXISTS idx_journal_state ON journal(state);
`

// StateDB wraps the local state database.
type StateDB struct {
	db        *sql.DB
	dbPath    string
	encrypted bool
}

// OpenStateDB opens (creating if needed) the state database and applies the schema.
// If passphrase is empty the database is not encrypted.
// If the database exists and passphrase is wrong, returns an error.
func OpenStateDB(dbPath string, passphrase string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)
	if passphrase != "" {
		dsn += "&_pragma_key=" + url.QueryEscape(passphrase)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: the CLI is the single writer and transactions stay simple.
	db.SetMaxOpenConns(1)

	// With a wrong key the first real read fails.
	var n int
	if err := db.QueryRow("SELECT count(*) FROM sqlite_master").Scan(&n); err != nil {
		db.Close()
		return nil, fmt.Errorf("invalid passphrase or corrupted database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &StateDB{db: db, dbPath: dbPath, encrypted: passphrase != ""}, nil
}

// DB returns the underlying database connection.
func (s *StateDB) DB() *sql.DB { return s.db }

// Path returns the database file path.
func (s *StateDB) Path() string { return s.dbPath }

// IsEncrypted returns whether the database is encrypted.
func (s *StateDB) IsEncrypted() bool { return s.encrypted }

// Close closes the database connection.
func (s *StateDB) Close() error { return s.db.Close() }

// GetJSON decodes the value stored under key into dst.
// Returns false if the key is absent.
func (s *StateDB) GetJSON(ctx context.Context, key string, dst interface{}) (bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: failed to read %s: %v", ErrDiskIO, key, err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("%w: stored %s: %v", ErrMalformedPayload, key, err)
	}
	return true, nil
}

// PutJSON stores v under key.
func (s *StateDB) PutJSON(ctx context.Context, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, string(raw), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("%w: failed to write %s: %v", ErrDiskIO, key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *StateDB) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("%w: failed to delete %s: %v", ErrDiskIO, key, err)
	}
	return nil
}

// ChangePassphrase re-encrypts the database with a new key.
func (s *StateDB) ChangePassphrase(ctx context.Context, newPassphrase string) error {
	if !s.encrypted {
		return fmt.Errorf("database is not encrypted")
	}
	if newPassphrase == "" {
		return fmt.Errorf("new passphrase must not be empty")
	}
	pragma := fmt.Sprintf("PRAGMA rekey = '%s';", escapeSQLString(newPassphrase))
	if _, err := s.db.ExecContext(ctx, pragma); err != nil {
		return fmt.Errorf("failed to change passphrase: %w", err)
	}
	return nil
}

// Backup writes a consistent copy of the database to dst.
// The copy keeps the source's encryption.
func (s *StateDB) Backup(ctx context.Context, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("backup target already exists: %s", dst)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	q := fmt.Sprintf("VACUUM INTO '%s'", escapeSQLString(dst))
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("failed to back up database: %w", err)
	}
	return nil
}

func escapeSQLString(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, s[i])
	}
	return string(out)
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
