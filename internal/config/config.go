// Package config centralizes the handful of environment-driven knobs the
// core honours: where backups live, how large the conversation memory
// window is, the default session label, and the workflow-global refill
// policy (spec §6).
//
// Values are read through viper so every knob can be set via
// PIPULATE_* environment variables or left at its default — the same
// "env wins, defaults otherwise" shape used throughout this codebase's
// own viper-backed configuration. No config file is read.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds the core's environment/configuration surface (spec §6).
type Config struct {
	// BackupRoot overrides the backup directory root. Defaults to
	// <home>/.pipulate/backups.
	BackupRoot string

	// MaxMessages bounds the conversation log's in-memory window.
	MaxMessages int

	// SessionID is the default session label for appended messages
	// when no explicit session_id is supplied.
	SessionID string

	// PreserveRefill is loaded (default true) but no component reads
	// it: whether reverting a step prefills its input with the
	// previously captured value is decided per step by
	// workflow.StepDescriptor.Refill alone.
	PreserveRefill bool

	// DailyKeep, WeeklyKeep, MonthlyKeep are retention-policy knobs
	// (defaults 7, 4 and 12). Only MonthlyKeep is consulted: the
	// backup scheduler passes MonthlyKeep*30 days to
	// BackupManager.CleanupOldBackups as the one cutoff for all tiers.
	// DailyKeep and WeeklyKeep are loaded but not read by any component.
	DailyKeep   int
	WeeklyKeep  int
	MonthlyKeep int

	// DedupeWindow is loaded (default 3) but not passed to the
	// conversation log: ConversationLog.Append always checks the last
	// three in-memory messages for an identical (role, content) pair,
	// a constant inside the conversation package.
	DedupeWindow int

	// KeychainDBPath and ConversationDBPath locate the two sqlite
	// files the core owns outside of per-workflow pipeline state.
	KeychainDBPath     string
	ConversationDBPath string
	PipelineDBPath     string

	// ProfileDBPath, TasksDBPath and AppDBPath back the three
	// remaining tables spec.md §3 lists under backup coverage
	// ("profile, tasks, ai_keychain, discussion, app, pipelines").
	// spec.md defines no operations against them beyond that backup
	// listing (see DESIGN.md), so each is a bare keyedstore file kept
	// durable by BackupManager without an application-level API.
	ProfileDBPath string
	TasksDBPath   string
	AppDBPath     string
}

const envPrefix = "PIPULATE"

// Load reads configuration from the environment (PIPULATE_* variables),
// falling back to documented defaults for anything unset.
func Load() Config {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataDir := filepath.Join(home, ".pipulate")

	v.SetDefault("backup_root", filepath.Join(dataDir, "backups"))
	v.SetDefault("max_messages", 10000)
	v.SetDefault("session_id", defaultSessionID())
	v.SetDefault("preserve_refill", true)
	v.SetDefault("daily_keep", 7)
	v.SetDefault("weekly_keep", 4)
	v.SetDefault("monthly_keep", 12)
	v.SetDefault("dedupe_window", 3)
	v.SetDefault("keychain_db_path", filepath.Join(dataDir, "ai_keychain.db"))
	v.SetDefault("conversation_db_path", filepath.Join(dataDir, "discussion.db"))
	v.SetDefault("pipeline_db_path", filepath.Join(dataDir, "pipeline.db"))
	v.SetDefault("profile_db_path", filepath.Join(dataDir, "profile.db"))
	v.SetDefault("tasks_db_path", filepath.Join(dataDir, "tasks.db"))
	v.SetDefault("app_db_path", filepath.Join(dataDir, "app.db"))

	return Config{
		BackupRoot:         v.GetString("backup_root"),
		MaxMessages:        v.GetInt("max_messages"),
		SessionID:          v.GetString("session_id"),
		PreserveRefill:     v.GetBool("preserve_refill"),
		DailyKeep:          v.GetInt("daily_keep"),
		WeeklyKeep:         v.GetInt("weekly_keep"),
		MonthlyKeep:        v.GetInt("monthly_keep"),
		DedupeWindow:       v.GetInt("dedupe_window"),
		KeychainDBPath:     v.GetString("keychain_db_path"),
		ConversationDBPath: v.GetString("conversation_db_path"),
		PipelineDBPath:     v.GetString("pipeline_db_path"),
		ProfileDBPath:      v.GetString("profile_db_path"),
		TasksDBPath:        v.GetString("tasks_db_path"),
		AppDBPath:          v.GetString("app_db_path"),
	}
}

// defaultSessionID labels a session by start time when the caller
// doesn't provide PIPULATE_SESSION_ID, matching the Python original's
// datetime.now().strftime("%Y%m%d_%H%M%S") session naming.
func defaultSessionID() string {
	return "session_" + time.Now().UTC().Format("20060102_150405")
}
