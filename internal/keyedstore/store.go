// Package keyedstore implements a durable string-to-JSON map backed by
// SQLite, with atomic single-key writes. It is the foundation every
// other persistence component in the core sits on: pipeline state, the
// AI keychain, and the profile/tasks/app tables.
//
// Same WAL-mode pragmas, sql.Open indirection for test injection, and
// migrate-on-New shape as every other sqlite-backed store in this
// core, generalized down to a single generic key/value table. The
// table name itself is
// configurable (default "store") so a caller can give each file a
// distinct table name — BackupManager.TableSpec.Name must match the
// literal SQL table in DBPath, and two keyedstore files both named
// "store" would otherwise collide under the same backup tier filename.
package keyedstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// openDB is a package-level var so tests can inject a failing opener.
var openDB = sql.Open

// timeNow is a package-level var so tests can control timestamps.
var timeNow = time.Now

// ErrStorageUnavailable is returned when a write cannot be committed.
// Per spec §4.1, Set must never silently lose a write: callers either
// get a nil error (the write is durable) or this sentinel.
var ErrStorageUnavailable = fmt.Errorf("keyedstore: storage unavailable")

// Store is a durable key→JSON map with atomic single-key writes.
type Store struct {
	db    *sql.DB
	log   zerolog.Logger
	table string
	path  string
}

// Open creates or opens the sqlite-backed store at path, ensuring the
// parent directory and schema exist. The table the store reads and
// writes defaults to "store"; callers that want BackupManager to see
// a distinctly-named table in this file (so it doesn't collide with
// another keyedstore file's own "store" table under the same tier
// filename) pass an explicit name, e.g. Open(path, log, "ai_keychain").
func Open(path string, log zerolog.Logger, table ...string) (*Store, error) {
	tableName := "store"
	if len(table) > 0 && table[0] != "" {
		tableName = table[0]
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("keyedstore: create data dir: %w", err)
		}
	}

	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("keyedstore: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("keyedstore: pragma %q: %w", p, err)
		}
	}

	if _, err := db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`, tableName)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("keyedstore: migrate: %w", err)
	}

	return &Store{db: db, log: log.With().Str("component", "keyedstore").Logger(), table: tableName, path: path}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get decodes the value for key into out and reports (true, nil), or
// reports (false, nil) if key is absent.
func (s *Store) Get(key string, out any) (bool, error) {
	var raw string
	err := s.db.QueryRow(fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, s.table), key).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("keyedstore: get %q: %w", key, err)
	}
	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("keyedstore: decode %q: %w", key, err)
	}
	return true, nil
}

// Set atomically overwrites the value stored at key.
func (s *Store) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("keyedstore: encode %q: %w", key, err)
	}

	_, err = s.db.Exec(
		fmt.Sprintf(`INSERT INTO %s (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, s.table),
		key, string(raw), timeNow().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("write failed")
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, s.table), key); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Entry is one row returned by Iter.
type Entry struct {
	Key   string
	Value string // raw JSON; callers decode with json.Unmarshal as needed
}

// Iter enumerates all (key, value) pairs whose key starts with prefix,
// ordered by key. Used to enumerate pipelines per workflow.
func (s *Store) Iter(prefix string) ([]Entry, error) {
	rows, err := s.db.Query(
		fmt.Sprintf(`SELECT key, value FROM %s WHERE key LIKE ? ORDER BY key`, s.table),
		prefix+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("keyedstore: iter %q: %w", prefix, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("keyedstore: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DB exposes the underlying *sql.DB for components (BackupManager)
// that need to run merges or integrity checks against the same
// connection pool rather than opening a second handle to the file.
func (s *Store) DB() *sql.DB { return s.db }

// TableName returns the SQL table this store reads and writes, so a
// caller registering it with BackupManager.RegisterTable can pass the
// same name as TableSpec.Name without duplicating the literal.
func (s *Store) TableName() string { return s.table }

// Path returns the sqlite file path this store was opened with, for
// registering it as a BackupManager.TableSpec.DBPath.
func (s *Store) Path() string { return s.path }
