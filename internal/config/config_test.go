package config_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/pipulate-dev/pipulate/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := config.Load()

	if cfg.MaxMessages != 10000 {
		t.Errorf("MaxMessages = %d, want 10000", cfg.MaxMessages)
	}
	if !cfg.PreserveRefill {
		t.Error("PreserveRefill default should be true")
	}
	if cfg.DailyKeep != 7 || cfg.WeeklyKeep != 4 || cfg.MonthlyKeep != 12 {
		t.Errorf("retention defaults = %d/%d/%d, want 7/4/12",
			cfg.DailyKeep, cfg.WeeklyKeep, cfg.MonthlyKeep)
	}
	if cfg.DedupeWindow != 3 {
		t.Errorf("DedupeWindow = %d, want 3", cfg.DedupeWindow)
	}
	if !strings.HasSuffix(cfg.KeychainDBPath, filepath.Join(".pipulate", "ai_keychain.db")) {
		t.Errorf("KeychainDBPath = %q, want suffix .pipulate/ai_keychain.db", cfg.KeychainDBPath)
	}
	if !strings.HasPrefix(cfg.SessionID, "session_") {
		t.Errorf("SessionID = %q, want session_ prefix", cfg.SessionID)
	}
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("PIPULATE_MAX_MESSAGES", "500")
	t.Setenv("PIPULATE_SESSION_ID", "fixed-session")
	t.Setenv("PIPULATE_DAILY_KEEP", "1")

	cfg := config.Load()

	if cfg.MaxMessages != 500 {
		t.Errorf("MaxMessages = %d, want 500", cfg.MaxMessages)
	}
	if cfg.SessionID != "fixed-session" {
		t.Errorf("SessionID = %q, want fixed-session", cfg.SessionID)
	}
	if cfg.DailyKeep != 1 {
		t.Errorf("DailyKeep = %d, want 1", cfg.DailyKeep)
	}
}

func TestLoad_AllSixBackupPathsAreDistinct(t *testing.T) {
	cfg := config.Load()

	paths := map[string]string{
		"keychain":     cfg.KeychainDBPath,
		"conversation": cfg.ConversationDBPath,
		"pipeline":     cfg.PipelineDBPath,
		"profile":      cfg.ProfileDBPath,
		"tasks":        cfg.TasksDBPath,
		"app":          cfg.AppDBPath,
	}

	seen := make(map[string]string, len(paths))
	for name, path := range paths {
		if other, ok := seen[path]; ok {
			t.Errorf("%s and %s share the same db path %q", name, other, path)
		}
		seen[path] = name
	}
}
