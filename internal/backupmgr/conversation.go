package backupmgr

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// conversationMetadata mirrors conversation_backup_system.py's
// backup_metadata.json sidecar (spec §3: "a JSON metadata sidecar
// (last operation, sizes, timestamps)").
type conversationMetadata struct {
	LastBackupTime   string `json:"last_backup_time"`
	LastBackupReason string `json:"last_backup_reason"`
	Son              string `json:"son"`
	Father           string `json:"father"`
	Grandfather      string `json:"grandfather"`
	SourceDBSize     int64  `json:"source_db_size"`
}

func (m *Manager) sonPath() string         { return filepath.Join(m.root, "son.db") }
func (m *Manager) fatherPath() string      { return filepath.Join(m.root, "father.db") }
func (m *Manager) grandfatherPath() string { return filepath.Join(m.root, "grandfather.db") }
func (m *Manager) metadataPath() string    { return filepath.Join(m.root, "backup_metadata.json") }

// CreateBackup rotates son→father→grandfather and writes a fresh son
// copy of the live conversation database (spec §4.2). Rotation is by
// rename, never copy-then-delete, so a crash mid-rotation leaves at
// least one generation intact.
func (m *Manager) CreateBackup(reason string) error {
	if err := os.MkdirAll(m.root, 0o700); err != nil {
		return fmt.Errorf("backupmgr: create backup dir: %w", err)
	}

	if _, err := os.Stat(m.conversationDBPath); err != nil {
		if os.IsNotExist(err) {
			m.log.Warn().Str("path", m.conversationDBPath).Msg("source database missing, skipping backup")
			return nil
		}
		return fmt.Errorf("backupmgr: stat source: %w", err)
	}

	if err := m.rotateBackups(); err != nil {
		return fmt.Errorf("backupmgr: rotate: %w", err)
	}

	if err := copyFile(m.conversationDBPath, m.sonPath()); err != nil {
		return fmt.Errorf("backupmgr: write son backup: %w", err)
	}

	if err := m.updateMetadata(reason); err != nil {
		m.log.Warn().Err(err).Msg("metadata update failed")
	}

	m.log.Info().Str("reason", reason).Str("path", m.sonPath()).Msg("conversation backup created")
	return nil
}

// rotateBackups renames grandfather<-father, father<-son. Renaming
// (not copying) means a crash between the two renames still leaves
// son (or its already-renamed father) on disk — never a window where
// all three generations are gone at once.
func (m *Manager) rotateBackups() error {
	if fileExists(m.fatherPath()) {
		if fileExists(m.grandfatherPath()) {
			if err := os.Remove(m.grandfatherPath()); err != nil {
				return err
			}
		}
		if err := os.Rename(m.fatherPath(), m.grandfatherPath()); err != nil {
			return err
		}
	}
	if fileExists(m.sonPath()) {
		if err := os.Rename(m.sonPath(), m.fatherPath()); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) updateMetadata(reason string) error {
	var size int64
	if info, err := os.Stat(m.conversationDBPath); err == nil {
		size = info.Size()
	}
	meta := conversationMetadata{
		LastBackupTime:   timeNow().UTC().Format(time.RFC3339),
		LastBackupReason: reason,
		Son:              m.sonPath(),
		Father:           m.fatherPath(),
		Grandfather:      m.grandfatherPath(),
		SourceDBSize:     size,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.metadataPath(), data, 0o600)
}

func (m *Manager) tierFileForGeneration(tier string) string {
	switch tier {
	case "son":
		return m.sonPath()
	case "father":
		return m.fatherPath()
	case "grandfather":
		return m.grandfatherPath()
	default:
		return ""
	}
}

// RestoreFromBackup restores the live conversation database from the
// given generation ("son", "father", or "grandfather"), first taking
// an emergency snapshot of the current file so a failed restore
// leaves the target untouched (spec §4.2, §7: RestoreFailure).
func (m *Manager) RestoreFromBackup(tier string) error {
	backupFile := m.tierFileForGeneration(tier)
	if backupFile == "" {
		return fmt.Errorf("backupmgr: unknown backup tier %q", tier)
	}
	if !fileExists(backupFile) {
		return fmt.Errorf("backupmgr: %s backup does not exist", tier)
	}

	if fileExists(m.conversationDBPath) {
		emergency := filepath.Join(m.root, fmt.Sprintf("emergency_backup_%s.db", timeNow().UTC().Format("20060102_150405")))
		if err := copyFile(m.conversationDBPath, emergency); err != nil {
			return fmt.Errorf("backupmgr: emergency snapshot: %w", err)
		}
		m.log.Info().Str("path", emergency).Msg("emergency snapshot created before restore")
	}

	if err := copyFile(backupFile, m.conversationDBPath); err != nil {
		return fmt.Errorf("backupmgr: restore from %s: %w", tier, err)
	}
	m.log.Info().Str("tier", tier).Msg("conversation restored from backup")
	return nil
}

// RestoreConversationDB implements conversation.Restorer, letting the
// composition root wire Manager directly into Log.SetRestorer without
// conversation importing backupmgr.
func (m *Manager) RestoreConversationDB(tier string) error {
	return m.RestoreFromBackup(tier)
}

// VerifyBackupIntegrity opens the given generation's backup file and
// asserts the conversation schema is present with a readable row
// count (spec §4.2).
func (m *Manager) VerifyBackupIntegrity(tier string) (bool, string, error) {
	backupFile := m.tierFileForGeneration(tier)
	if backupFile == "" {
		return false, "", fmt.Errorf("backupmgr: unknown backup tier %q", tier)
	}
	if !fileExists(backupFile) {
		return false, fmt.Sprintf("%s backup does not exist", tier), nil
	}

	db, err := sql.Open("sqlite", backupFile)
	if err != nil {
		return false, "", fmt.Errorf("backupmgr: open backup: %w", err)
	}
	defer func() { _ = db.Close() }()

	var tableName string
	err = db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'conversation_messages'`,
	).Scan(&tableName)
	if err == sql.ErrNoRows {
		return false, "backup missing conversation_messages table", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("backupmgr: integrity check: %w", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM conversation_messages`).Scan(&count); err != nil {
		return false, "", fmt.Errorf("backupmgr: integrity check: count: %w", err)
	}

	return true, fmt.Sprintf("valid database, %d conversation rows", count), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}
