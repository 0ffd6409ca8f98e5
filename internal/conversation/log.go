// Package conversation implements the append-only, deduplicated message
// log that Chip O'Theseus's persistent memory is built on (spec §4.3).
//
// Grounded on original_source/helpers/append_only_conversation.py's
// AppendOnlyConversationSystem, translated into Go: a SQLite table that
// is only ever INSERTed into, a unique message_hash index as the
// backstop against accidental duplicates, and an in-memory deque
// window kept in sync with the table. The schema/pragma shape follows
// keyedstore.Store's own (WAL, busy_timeout, synchronous=NORMAL).
package conversation

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// timeNow is a package-level var so tests can control timestamps.
var timeNow = time.Now

// Message is an immutable conversation record (spec §3).
type Message struct {
	ID          int64  `json:"id"`
	Timestamp   string `json:"timestamp"`
	Role        string `json:"role"`
	Content     string `json:"content"`
	MessageHash string `json:"message_hash"`
	SessionID   string `json:"session_id"`
}

// Stats is the aggregate view returned by Log.Stats (spec §4.3).
type Stats struct {
	Total             int            `json:"total"`
	PerRoleCounts     map[string]int `json:"per_role_counts"`
	TotalContentLen   int            `json:"total_content_length"`
	AvgLength         float64        `json:"avg_length"`
	DBTotal           int            `json:"db_total"`
	Architecture      string         `json:"architecture"`
	SessionID         string         `json:"session_id"`
}

var validRoles = map[string]bool{"user": true, "assistant": true, "system": true}

// BackupHook is invoked before every successful append, letting the
// composition root wire in BackupManager.CreateBackup("before_message_append")
// without this package importing backupmgr (spec §4.3's
// "before_message_append" backup hook, §4.2's rotation trigger).
// Failures are logged by the caller of SetBackupHook, never by Log —
// a backup failure must never block an append (spec §7: BackupFailure
// is logged and reported, never fatal to the caller).
type BackupHook func(reason string)

// Log is the append-only conversation log.
type Log struct {
	mu        sync.Mutex
	db        *sql.DB
	log       zerolog.Logger
	maxWindow int
	sessionID string
	memory    []Message // fixed-size window, oldest-evicted
	onAppend  BackupHook
	restorer  Restorer
}

// Open creates or opens the conversation database at path.
func Open(path string, maxWindow int, sessionID string, log zerolog.Logger) (*Log, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("conversation: create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("conversation: open database: %w", err)
	}

	for _, p := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("conversation: pragma %q: %w", p, err)
		}
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if maxWindow <= 0 {
		maxWindow = 10000
	}
	if sessionID == "" {
		sessionID = "session_" + timeNow().UTC().Format("20060102_150405")
	}

	l := &Log{
		db:        db,
		log:       log.With().Str("component", "conversation").Logger(),
		maxWindow: maxWindow,
		sessionID: sessionID,
	}
	if err := l.syncMemoryFromDatabase(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func migrate(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversation_messages (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp    TEXT NOT NULL,
			role         TEXT NOT NULL CHECK(role IN ('user','assistant','system')),
			content      TEXT NOT NULL,
			message_hash TEXT UNIQUE,
			session_id   TEXT NOT NULL DEFAULT 'default',
			created_at   TEXT NOT NULL DEFAULT (datetime('now'))
		);
		CREATE INDEX IF NOT EXISTS idx_conv_timestamp  ON conversation_messages(timestamp);
		CREATE INDEX IF NOT EXISTS idx_conv_role       ON conversation_messages(role);
		CREATE INDEX IF NOT EXISTS idx_conv_session    ON conversation_messages(session_id);
		CREATE INDEX IF NOT EXISTS idx_conv_created_at ON conversation_messages(created_at);

		CREATE TABLE IF NOT EXISTS conversation_messages_archive (
			id                  INTEGER,
			timestamp           TEXT,
			role                TEXT,
			content             TEXT,
			message_hash        TEXT,
			session_id          TEXT,
			archived_at         TEXT NOT NULL DEFAULT (datetime('now')),
			original_created_at TEXT
		);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("conversation: migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (l *Log) Close() error { return l.db.Close() }

// SetBackupHook registers the callback invoked before each successful
// append. Passing nil disables the hook.
func (l *Log) SetBackupHook(hook BackupHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onAppend = hook
}

func hashMessage(role, content, timestamp string) string {
	sum := sha256.Sum256([]byte(role + ":" + content + ":" + timestamp))
	return hex.EncodeToString(sum[:])[:16]
}

// Append records a new message. It rejects empty content, deduplicates
// against the last few in-memory messages with an identical
// (role, content) pair, and deduplicates against the message_hash
// unique index. It returns (0, false, nil) — not an error — on any
// duplicate (spec §4.3, §7: DuplicateMessage is silent).
func (l *Log) Append(role, content, sessionID string) (int64, bool, error) {
	if strings.TrimSpace(content) == "" || !validRoles[role] {
		return 0, false, nil
	}
	if sessionID == "" {
		sessionID = l.sessionID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.isDuplicateInMemory(role, content) {
		l.log.Debug().Str("role", role).Msg("duplicate detected in memory window")
		return 0, false, nil
	}

	if l.onAppend != nil {
		l.onAppend("before_message_append")
	}

	timestamp := timeNow().UTC().Format(time.RFC3339Nano)
	hash := hashMessage(role, content, timestamp)

	res, err := l.db.Exec(
		`INSERT INTO conversation_messages (timestamp, role, content, message_hash, session_id)
		 VALUES (?, ?, ?, ?, ?)`,
		timestamp, role, content, hash, sessionID,
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			l.log.Debug().Str("hash", hash).Msg("duplicate message hash ignored")
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("conversation: append: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("conversation: last insert id: %w", err)
	}

	msg := Message{ID: id, Timestamp: timestamp, Role: role, Content: content, MessageHash: hash, SessionID: sessionID}
	l.memory = append(l.memory, msg)
	if len(l.memory) > l.maxWindow {
		l.memory = l.memory[len(l.memory)-l.maxWindow:]
	}

	l.log.Info().Int64("id", id).Str("role", role).Str("hash", hash).Msg("message appended")
	return id, true, nil
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}

// isDuplicateInMemory checks the last dedupeWindow in-memory messages
// for an exact (role, content) match, per spec §4.3.
func (l *Log) isDuplicateInMemory(role, content string) bool {
	const dedupeWindow = 3
	start := len(l.memory) - dedupeWindow
	if start < 0 {
		start = 0
	}
	for _, m := range l.memory[start:] {
		if m.Role == role && m.Content == content {
			return true
		}
	}
	return false
}

// List returns the in-memory window, chronological.
func (l *Log) List() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, len(l.memory))
	copy(out, l.memory)
	return out
}

// Stats returns aggregate conversation statistics.
func (l *Log) Stats() (Stats, error) {
	l.mu.Lock()
	msgs := make([]Message, len(l.memory))
	copy(msgs, l.memory)
	sessionID := l.sessionID
	l.mu.Unlock()

	stats := Stats{
		PerRoleCounts: map[string]int{},
		Architecture:  "append_only_safe",
		SessionID:     sessionID,
	}
	for _, m := range msgs {
		stats.Total++
		stats.PerRoleCounts[m.Role]++
		stats.TotalContentLen += len(m.Content)
	}
	if stats.Total > 0 {
		stats.AvgLength = float64(stats.TotalContentLen) / float64(stats.Total)
	}

	var dbTotal int
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM conversation_messages`).Scan(&dbTotal); err != nil {
		return stats, fmt.Errorf("conversation: stats: %w", err)
	}
	stats.DBTotal = dbTotal
	return stats, nil
}

// Clear archives every row in the active table into the archive table,
// then deletes from the active table and clears memory. It returns the
// number of rows archived (spec §4.3).
func (l *Log) Clear(createBackup bool) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if createBackup && l.onAppend != nil {
		l.onAppend("before_conversation_clear")
	}

	l.memory = nil

	tx, err := l.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("conversation: clear: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO conversation_messages_archive
			(id, timestamp, role, content, message_hash, session_id, original_created_at)
		SELECT id, timestamp, role, content, message_hash, session_id, created_at
		FROM conversation_messages
	`); err != nil {
		return 0, fmt.Errorf("conversation: clear: archive: %w", err)
	}

	res, err := tx.Exec(`DELETE FROM conversation_messages`)
	if err != nil {
		return 0, fmt.Errorf("conversation: clear: delete: %w", err)
	}
	affected, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("conversation: clear: commit: %w", err)
	}

	l.log.Info().Int("archived", int(affected)).Msg("conversation cleared")
	return int(affected), nil
}

// syncMemoryFromDatabase reloads the in-memory window from the table.
//
// This intentionally reproduces the ordering quirk documented in
// spec §9: it loads the most recent maxWindow rows ordered by id
// DESC, then reverses that slice into memory. If rows were ever
// inserted out of timestamp order (for example, restored from a
// backup taken at a different time), the resulting memory order is
// ascending id (insertion) order, not timestamp-chronological — callers that need
// strict timestamp ordering must re-sort List()'s result themselves.
// This is the documented, not silently fixed, behavior.
func (l *Log) syncMemoryFromDatabase() error {
	rows, err := l.db.Query(
		`SELECT id, timestamp, role, content, message_hash, session_id
		 FROM conversation_messages ORDER BY id DESC LIMIT ?`,
		l.maxWindow,
	)
	if err != nil {
		return fmt.Errorf("conversation: sync: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var loaded []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Timestamp, &m.Role, &m.Content, &m.MessageHash, &m.SessionID); err != nil {
			return fmt.Errorf("conversation: sync: scan: %w", err)
		}
		loaded = append(loaded, m)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i, j := 0, len(loaded)-1; i < j; i, j = i+1, j-1 {
		loaded[i], loaded[j] = loaded[j], loaded[i]
	}

	l.memory = loaded
	l.log.Info().Int("loaded", len(loaded)).Msg("memory synced from database")
	return nil
}

// Resync re-runs syncMemoryFromDatabase; exported for
// RestoreFromBackup and for hosts that want to force a reload (e.g.
// after an external process wrote to the same database file).
func (l *Log) Resync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.syncMemoryFromDatabase()
}

// NewSessionID generates a fresh, random session identifier, useful
// for callers that want a non-timestamp-derived session label.
func NewSessionID() string {
	return uuid.NewString()
}

// Restorer is implemented by BackupManager: it restores the
// conversation database file in place from a son/father/grandfather
// tier. Declared here (rather than imported from backupmgr) so
// conversation has no dependency on backupmgr — backupmgr depends on
// conversation's schema knowledge instead, keeping the dependency
// direction leaf-first per spec §2's component order.
type Restorer interface {
	RestoreConversationDB(tier string) error
}

// SetRestorer registers the BackupManager delegate used by
// RestoreFromBackup.
func (l *Log) SetRestorer(r Restorer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.restorer = r
}

// RestoreFromBackup clears the current conversation (taking a backup
// first), delegates the file-level restore to BackupManager, then
// re-syncs memory from the store (spec §4.3).
func (l *Log) RestoreFromBackup(tier string) (int, error) {
	if _, err := l.Clear(true); err != nil {
		return 0, fmt.Errorf("conversation: restore: clear: %w", err)
	}

	l.mu.Lock()
	restorer := l.restorer
	l.mu.Unlock()
	if restorer == nil {
		return 0, fmt.Errorf("conversation: restore: no restorer configured")
	}
	if err := restorer.RestoreConversationDB(tier); err != nil {
		return 0, fmt.Errorf("conversation: restore: %w", err)
	}

	if err := l.Resync(); err != nil {
		return 0, fmt.Errorf("conversation: restore: resync: %w", err)
	}

	l.mu.Lock()
	count := len(l.memory)
	l.mu.Unlock()
	l.log.Info().Int("restored", count).Str("tier", tier).Msg("conversation restored from backup")
	return count, nil
}
