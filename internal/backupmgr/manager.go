// Package backupmgr implements the Durable Backup Manager (spec §4.2):
// son/father/grandfather rotation for the conversation database, plus
// daily/weekly/monthly tiered retention with newer-wins merge for the
// handful of tables the system must never lose.
//
// Grounded on original_source/helpers/durable_backup_system.py
// (DurableBackupManager: per-table merge, newer-updated_at-wins,
// soft-delete columns, auto_backup_all/auto_restore_all,
// cleanup_old_backups) and original_source/helpers/conversation_backup_system.py
// (ConversationBackupManager: son/father/grandfather rotation by
// rename, emergency pre-restore snapshot, verify_backup_integrity).
package backupmgr

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// timeNow is a package-level var so tests can control which day a
// backup lands on.
var timeNow = time.Now

// TableSpec describes one durable table's merge key, registered by the
// composition root for profile, tasks, ai_keychain, app and pipelines.
// The discussion (conversation) database is not a TableSpec; it is
// covered by the son/father/grandfather rotation in conversation.go.
type TableSpec struct {
	Name           string
	DBPath         string // path to the sqlite file this table lives in
	PrimaryKey     string
	TimestampField string // "updated_at" by convention
	SoftDeleteField string // "deleted_at" by convention
}

const (
	TierDaily   = "daily"
	TierWeekly  = "weekly"
	TierMonthly = "monthly"
)

// Manager is the Durable Backup Manager.
type Manager struct {
	root               string
	conversationDBPath string
	log                zerolog.Logger
	tables             []TableSpec
}

// New creates a Manager rooted at backupRoot (spec §3:
// <home>/.pipulate/backups). conversationDBPath locates the live
// conversation database that CreateBackup/RestoreFromBackup rotate.
func New(backupRoot, conversationDBPath string, log zerolog.Logger) *Manager {
	return &Manager{
		root:               backupRoot,
		conversationDBPath: conversationDBPath,
		log:                log.With().Str("component", "backupmgr").Logger(),
	}
}

// RegisterTable adds a table to the set AutoBackupAll/AutoRestoreAll
// cover.
func (m *Manager) RegisterTable(spec TableSpec) {
	if spec.PrimaryKey == "" {
		spec.PrimaryKey = "id"
	}
	if spec.TimestampField == "" {
		spec.TimestampField = "updated_at"
	}
	if spec.SoftDeleteField == "" {
		spec.SoftDeleteField = "deleted_at"
	}
	m.tables = append(m.tables, spec)
}

// tierPath returns <root>/<tier>/<date>/<table>.db.
func (m *Manager) tierPath(tier, date, table string) string {
	return filepath.Join(m.root, tier, date, table+".db")
}

func todayDate() string { return timeNow().UTC().Format("2006-01-02") }

// BackupTable ensures the source table has soft-delete columns, then
// merges its rows into today's daily-tier backup file. Merge rule
// (spec §4.2): absent in backup → insert; present → overwrite only
// when source.updated_at > backup.updated_at. Never deletes rows from
// the backup based on source deletion.
func (m *Manager) BackupTable(spec TableSpec) (bool, error) {
	return m.backupTableTier(spec, TierDaily, todayDate())
}

func (m *Manager) backupTableTier(spec TableSpec, tier, date string) (bool, error) {
	sourceDB, err := sql.Open("sqlite", spec.DBPath)
	if err != nil {
		m.log.Error().Err(err).Str("table", spec.Name).Msg("backup: open source failed")
		return false, nil
	}
	defer func() { _ = sourceDB.Close() }()

	if err := ensureSoftDeleteSchema(sourceDB, spec); err != nil {
		m.log.Warn().Err(err).Str("table", spec.Name).Msg("backup: soft-delete schema")
	}

	backupPath := m.tierPath(tier, date, spec.Name)
	if err := os.MkdirAll(filepath.Dir(backupPath), 0o700); err != nil {
		m.log.Error().Err(err).Msg("backup: mkdir failed")
		return false, nil
	}

	backupDB, err := sql.Open("sqlite", backupPath)
	if err != nil {
		m.log.Error().Err(err).Msg("backup: open backup failed")
		return false, nil
	}
	defer func() { _ = backupDB.Close() }()

	if err := mergeTableData(sourceDB, backupDB, spec); err != nil {
		m.log.Error().Err(err).Str("table", spec.Name).Msg("backup: merge failed")
		return false, nil
	}
	return true, nil
}

// RestoreTable merges the most recent backup tier (daily, falling back
// to weekly then monthly) into the target database — the inverse
// direction of BackupTable, with the same newer-wins conflict rule
// (spec §4.2, property 7).
func (m *Manager) RestoreTable(spec TableSpec) (bool, error) {
	backupPath, ok := m.mostRecentBackupFile(spec.Name)
	if !ok {
		m.log.Warn().Str("table", spec.Name).Msg("restore: no backup found")
		return false, nil
	}

	backupDB, err := sql.Open("sqlite", backupPath)
	if err != nil {
		return false, fmt.Errorf("backupmgr: restore %q: open backup: %w", spec.Name, err)
	}
	defer func() { _ = backupDB.Close() }()

	if err := ensureSoftDeleteSchema(backupDB, spec); err != nil {
		m.log.Warn().Err(err).Msg("restore: soft-delete schema on backup")
	}

	targetDB, err := sql.Open("sqlite", spec.DBPath)
	if err != nil {
		return false, fmt.Errorf("backupmgr: restore %q: open target: %w", spec.Name, err)
	}
	defer func() { _ = targetDB.Close() }()

	if err := ensureSoftDeleteSchema(targetDB, spec); err != nil {
		m.log.Warn().Err(err).Msg("restore: soft-delete schema on target")
	}

	// Backup is the source of truth for this direction: merge backup
	// rows into target, still newer-updated_at-wins so a target row
	// written after the backup was taken is preserved (property 7).
	if err := mergeTableData(backupDB, targetDB, spec); err != nil {
		return false, fmt.Errorf("backupmgr: restore %q: merge: %w", spec.Name, err)
	}
	return true, nil
}

// mostRecentBackupFile searches daily, then weekly, then monthly tiers
// (most to least granular) for the newest dated backup of table.
func (m *Manager) mostRecentBackupFile(table string) (string, bool) {
	for _, tier := range []string{TierDaily, TierWeekly, TierMonthly} {
		tierDir := filepath.Join(m.root, tier)
		entries, err := os.ReadDir(tierDir)
		if err != nil {
			continue
		}
		var dates []string
		for _, e := range entries {
			if e.IsDir() {
				dates = append(dates, e.Name())
			}
		}
		sort.Sort(sort.Reverse(sort.StringSlice(dates)))
		for _, d := range dates {
			p := m.tierPath(tier, d, table)
			if _, err := os.Stat(p); err == nil {
				return p, true
			}
		}
	}
	return "", false
}

// AutoBackupAll backs up every registered table plus the conversation
// database's son/father/grandfather triple. Called periodically and
// at startup (spec §4.2, §5). Individual table failures are logged and
// reported in the result map but never abort the remaining tables
// (spec §7: BackupFailure is non-fatal to the caller).
func (m *Manager) AutoBackupAll() map[string]bool {
	results := make(map[string]bool, len(m.tables)+1)
	for _, spec := range m.tables {
		ok, err := m.BackupTable(spec)
		if err != nil {
			m.log.Error().Err(err).Str("table", spec.Name).Msg("auto backup failed")
		}
		results[spec.Name] = ok

		// Weekly tier on Sundays, monthly tier on the 1st, each under
		// today's date key. CleanupOldBackups prunes all three tiers
		// against the same keepDays cutoff.
		now := timeNow().UTC()
		if now.Weekday() == time.Sunday {
			if _, err := m.backupTableTier(spec, TierWeekly, todayDate()); err != nil {
				m.log.Error().Err(err).Str("table", spec.Name).Msg("weekly backup failed")
			}
		}
		if now.Day() == 1 {
			if _, err := m.backupTableTier(spec, TierMonthly, todayDate()); err != nil {
				m.log.Error().Err(err).Str("table", spec.Name).Msg("monthly backup failed")
			}
		}
	}

	if err := m.CreateBackup("auto_backup_all"); err != nil {
		m.log.Error().Err(err).Msg("conversation rotation failed during auto backup")
		results["conversation"] = false
	} else {
		results["conversation"] = true
	}

	successful := 0
	for _, ok := range results {
		if ok {
			successful++
		}
	}
	m.log.Info().Int("successful", successful).Int("total", len(results)).Msg("auto backup complete")
	return results
}

// AutoRestoreAll restores every registered table from backup. Called
// on a fresh install when the working directory is empty.
func (m *Manager) AutoRestoreAll() map[string]bool {
	results := make(map[string]bool, len(m.tables))
	for _, spec := range m.tables {
		ok, err := m.RestoreTable(spec)
		if err != nil {
			m.log.Error().Err(err).Str("table", spec.Name).Msg("auto restore failed")
		}
		results[spec.Name] = ok
	}
	return results
}

// CleanupOldBackups removes tier files whose parsed date is older than
// the cutoff, across all three tiers and the emergency-snapshot files
// conversation restores leave behind.
func (m *Manager) CleanupOldBackups(keepDays int) {
	cutoff := timeNow().UTC().AddDate(0, 0, -keepDays)

	for _, tier := range []string{TierDaily, TierWeekly, TierMonthly} {
		tierDir := filepath.Join(m.root, tier)
		entries, err := os.ReadDir(tierDir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			date, err := time.Parse("2006-01-02", e.Name())
			if err != nil {
				continue
			}
			if date.Before(cutoff) {
				path := filepath.Join(tierDir, e.Name())
				if err := os.RemoveAll(path); err != nil {
					m.log.Warn().Err(err).Str("path", path).Msg("cleanup: remove failed")
				} else {
					m.log.Info().Str("path", path).Msg("cleaned up old backup")
				}
			}
		}
	}

	m.cleanupEmergencySnapshots(cutoff)
}

func (m *Manager) cleanupEmergencySnapshots(cutoff time.Time) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return
	}
	const prefix = "emergency_backup_"
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(e.Name(), prefix), ".db")
		t, err := time.Parse("20060102_150405", stamp)
		if err != nil {
			continue
		}
		if t.Before(cutoff) {
			path := filepath.Join(m.root, e.Name())
			if err := os.Remove(path); err != nil {
				m.log.Warn().Err(err).Str("path", path).Msg("cleanup: remove emergency snapshot failed")
			}
		}
	}
}
