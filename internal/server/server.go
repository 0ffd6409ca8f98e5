// Package server is the composition root (DIP): it creates concrete
// implementations of every component spec §2 names and wires them
// together — KeyedStore, BackupManager, ConversationLog,
// PipelineStore, WorkflowRuntime (via the hello demo workflow),
// MessageQueue, the gorilla/mux Host Adapter, and the MCP CLI surface.
// No business logic lives here — only wiring.
//
// Follows the usual composition-root shape: build shared dependencies
// bottom-up, construct the MCP server, register tools, return a
// cleanup func.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/pipulate-dev/pipulate/internal/backupmgr"
	"github.com/pipulate-dev/pipulate/internal/config"
	"github.com/pipulate-dev/pipulate/internal/conversation"
	"github.com/pipulate-dev/pipulate/internal/httphost"
	"github.com/pipulate-dev/pipulate/internal/keychain"
	"github.com/pipulate-dev/pipulate/internal/keyedstore"
	"github.com/pipulate-dev/pipulate/internal/llm"
	"github.com/pipulate-dev/pipulate/internal/mcpserver"
	"github.com/pipulate-dev/pipulate/internal/messagequeue"
	"github.com/pipulate-dev/pipulate/internal/pipeline"
	"github.com/pipulate-dev/pipulate/internal/workflows"
	"github.com/rs/zerolog"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Core bundles the wired surfaces a cmd/pipulate verb drives: the HTTP
// handler for the Host Adapter (spec §4.8) and the MCP server for the
// CLI surface (spec §6).
type Core struct {
	HTTP     http.Handler
	MCP      *server.MCPServer
	RebootCh <-chan struct{}
}

// New resolves every dependency, registers the hello demo workflow,
// and returns the wired Core plus a cleanup function that must be
// called on shutdown (always non-nil, safe to call even on a partial
// failure caught before returning an error).
func New(log zerolog.Logger) (*Core, func(), error) {
	cfg := config.Load()

	// A fresh install is detected before anything below creates the
	// data directory or its sqlite files, since Open(...) would
	// otherwise make the directory look non-empty on the very check
	// meant to catch an empty one.
	freshInstall := isEmptyWorkingDir(filepath.Dir(cfg.PipelineDBPath))

	pipelineKV, err := keyedstore.Open(cfg.PipelineDBPath, log, "pipelines")
	if err != nil {
		return nil, noop, fmt.Errorf("server: open pipeline store: %w", err)
	}
	keychainKV, err := keyedstore.Open(cfg.KeychainDBPath, log, "ai_keychain")
	if err != nil {
		_ = pipelineKV.Close()
		return nil, noop, fmt.Errorf("server: open keychain store: %w", err)
	}

	// profileKV, tasksKV and appKV back spec.md §3's remaining three
	// backup-covered tables ("profile", "tasks", "app (prod)"). No
	// [MODULE] in spec.md defines operations against them — they exist
	// here only so BackupManager has a real table to snapshot, per
	// SPEC_FULL.md §5's six-table coverage commitment.
	profileKV, err := keyedstore.Open(cfg.ProfileDBPath, log, "profile")
	if err != nil {
		_ = pipelineKV.Close()
		_ = keychainKV.Close()
		return nil, noop, fmt.Errorf("server: open profile store: %w", err)
	}
	tasksKV, err := keyedstore.Open(cfg.TasksDBPath, log, "tasks")
	if err != nil {
		_ = pipelineKV.Close()
		_ = keychainKV.Close()
		_ = profileKV.Close()
		return nil, noop, fmt.Errorf("server: open tasks store: %w", err)
	}
	appKV, err := keyedstore.Open(cfg.AppDBPath, log, "app")
	if err != nil {
		_ = pipelineKV.Close()
		_ = keychainKV.Close()
		_ = profileKV.Close()
		_ = tasksKV.Close()
		return nil, noop, fmt.Errorf("server: open app store: %w", err)
	}

	convLog, err := conversation.Open(cfg.ConversationDBPath, cfg.MaxMessages, cfg.SessionID, log)
	if err != nil {
		_ = pipelineKV.Close()
		_ = keychainKV.Close()
		_ = profileKV.Close()
		_ = tasksKV.Close()
		_ = appKV.Close()
		return nil, noop, fmt.Errorf("server: open conversation log: %w", err)
	}

	cleanup := func() {
		_ = convLog.Close()
		_ = pipelineKV.Close()
		_ = keychainKV.Close()
		_ = profileKV.Close()
		_ = tasksKV.Close()
		_ = appKV.Close()
	}

	// --- Durable backups (spec §4.2) ---
	//
	// All six tables spec.md §3 lists under backup coverage are
	// registered: profile, tasks, ai_keychain, app, pipelines here as
	// daily/weekly/monthly tiered TableSpecs, and discussion
	// (conversation) below via its own son/father/grandfather rotation
	// — a distinct scheme spec.md §4.2 calls out separately because a
	// conversation log's append-only row shape doesn't fit the generic
	// per-row merge the other five use.
	backups := backupmgr.New(cfg.BackupRoot, cfg.ConversationDBPath, log)
	for _, kv := range []*keyedstore.Store{keychainKV, pipelineKV, profileKV, tasksKV, appKV} {
		backups.RegisterTable(backupmgr.TableSpec{
			Name: kv.TableName(), DBPath: kv.Path(),
			PrimaryKey: "key", TimestampField: "updated_at",
		})
	}
	convLog.SetRestorer(backups)
	convLog.SetBackupHook(func(reason string) {
		if err := backups.CreateBackup(reason); err != nil {
			log.Warn().Err(err).Str("reason", reason).Msg("conversation backup hook failed")
		}
	})

	if freshInstall {
		restored := backups.AutoRestoreAll()
		log.Info().Interface("restored", restored).Msg("fresh install: restored tables from backup")
	}

	backupCtx, cancelBackups := context.WithCancel(context.Background())
	go runBackupScheduler(backupCtx, backups, cfg, log)
	cleanup = chainCleanup(cancelBackups, cleanup)

	// --- Core stores ---

	pipelineStore := pipeline.New(pipelineKV)
	keychainStore := keychain.New(keychainKV)

	// --- Narration (spec §4.7) ---

	generator := llm.NewCanned()
	queue := messagequeue.New(convLog, generator, cfg.SessionID, 256, log)
	cleanup = chainCleanup(queue.Close, cleanup)

	// --- Host Adapter + workflows (spec §4.8) ---

	router := httphost.NewRouter()
	if err := workflows.RegisterHello(router, pipelineStore, queue, log); err != nil {
		cleanup()
		return nil, noop, fmt.Errorf("server: register hello workflow: %w", err)
	}

	// --- CLI surface (spec §6) ---

	rebootCh := make(chan struct{}, 1)
	mcp := server.NewMCPServer(
		"pipulate",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(mcpInstructions()),
	)
	mcpserver.Register(mcp, &channelRebooter{ch: rebootCh}, keychainStore)

	return &Core{HTTP: router, MCP: mcp, RebootCh: rebootCh}, cleanup, nil
}

// isEmptyWorkingDir reports whether dir is absent or has no entries,
// the "fresh install" signal AutoRestoreAll is called on (spec §4.2,
// §5: "called on a fresh install when the working directory is
// empty").
func isEmptyWorkingDir(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return true
	}
	return len(entries) == 0
}

// runBackupScheduler drives tiered durable backups for the lifetime of
// the process: an immediate AutoBackupAll at startup, then hourly
// AutoBackupAll and daily CleanupOldBackups until ctx is cancelled
// (spec §4.2: "called periodically and at startup"). Retention uses
// MonthlyKeep as the day cutoff since CleanupOldBackups prunes all
// three tiers against one cutoff and the monthly tier has the longest
// retention of the three.
func runBackupScheduler(ctx context.Context, backups *backupmgr.Manager, cfg config.Config, log zerolog.Logger) {
	backups.AutoBackupAll()

	backupTicker := time.NewTicker(time.Hour)
	defer backupTicker.Stop()
	cleanupTicker := time.NewTicker(24 * time.Hour)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-backupTicker.C:
			backups.AutoBackupAll()
		case <-cleanupTicker.C:
			backups.CleanupOldBackups(cfg.MonthlyKeep * 30)
			log.Info().Msg("backup retention cleanup complete")
		}
	}
}

// noop is the default cleanup used when construction fails before any
// resource needs releasing.
func noop() {}

// chainCleanup runs first then rest, so a later-added resource is
// closed before the ones it depends on.
func chainCleanup(first func(), rest func()) func() {
	return func() {
		first()
		rest()
	}
}

// channelRebooter implements mcpserver.Rebooter by signaling a
// buffered channel the hosting cmd/pipulate process selects on; it
// carries no opinion about what "reboot" means to that process (full
// re-exec, internal state reset, or a supervisor-visible exit).
type channelRebooter struct {
	ch chan struct{}
}

func (r *channelRebooter) Reboot(_ context.Context) error {
	select {
	case r.ch <- struct{}{}:
		return nil
	default:
		return fmt.Errorf("reboot already pending")
	}
}

// mcpInstructions tells the calling assistant what this server's two
// CLI-surface tools are for.
func mcpInstructions() string {
	return `Pipulate exposes two tools for test harnesses and assistants:

- pipulate_reboot: restart the running server process.
- pipulate_keychain_append: append a note to the durable AI keychain,
  which survives process restarts.

Everything else about a Pipulate workflow happens over its HTTP
surface, not through MCP.`
}
