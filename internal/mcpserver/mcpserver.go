// Package mcpserver exposes the core's CLI surface (spec.md §6): "a
// single command... to invoke a named tool with structured arguments
// (used, among other things, to reboot the server from a test harness
// and to append to the AI keychain)". Tools follow the usual mcp-go
// tool/handler shape: a Definition()+Handle(ctx, req) pair each,
// registered onto a server.MCPServer by a composition root rather than
// built here.
package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/pipulate-dev/pipulate/internal/keychain"
)

// Rebooter restarts whatever process is hosting the core. The
// composition root supplies the concrete implementation (typically a
// signal to its own supervisor loop); mcpserver only needs the
// capability.
type Rebooter interface {
	Reboot(ctx context.Context) error
}

// RebootTool handles pipulate_reboot.
type RebootTool struct {
	rebooter Rebooter
}

// NewRebootTool constructs a RebootTool.
func NewRebootTool(rebooter Rebooter) *RebootTool {
	return &RebootTool{rebooter: rebooter}
}

// Definition returns the MCP tool definition for pipulate_reboot.
func (t *RebootTool) Definition() mcp.Tool {
	return mcp.NewTool("pipulate_reboot",
		mcp.WithDescription(
			"Restart the running server process. Used by test harnesses to "+
				"recover a clean process between scenarios without a manual kill.",
		),
	)
}

// Handle processes the pipulate_reboot tool call.
func (t *RebootTool) Handle(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := t.rebooter.Reboot(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("reboot failed: %v", err)), nil
	}
	return mcp.NewToolResultText("reboot requested"), nil
}

// KeychainAppendTool handles pipulate_keychain_append.
type KeychainAppendTool struct {
	store *keychain.Store
}

// NewKeychainAppendTool constructs a KeychainAppendTool.
func NewKeychainAppendTool(store *keychain.Store) *KeychainAppendTool {
	return &KeychainAppendTool{store: store}
}

// Definition returns the MCP tool definition for
// pipulate_keychain_append.
func (t *KeychainAppendTool) Definition() mcp.Tool {
	return mcp.NewTool("pipulate_keychain_append",
		mcp.WithDescription(
			"Append a note to the AI keychain under the given key, newline-joined "+
				"with whatever is already there. Use this to remember a fact across restarts.",
		),
		mcp.WithString("key",
			mcp.Required(),
			mcp.Description("Keychain entry name, e.g. 'project-goal'"),
		),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Text to append"),
		),
	)
}

// Handle processes the pipulate_keychain_append tool call.
func (t *KeychainAppendTool) Handle(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key := req.GetString("key", "")
	text := req.GetString("text", "")
	if key == "" {
		return mcp.NewToolResultError("'key' is required"), nil
	}
	if text == "" {
		return mcp.NewToolResultError("'text' is required"), nil
	}
	if err := t.store.Append(key, text); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("keychain append failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("appended to keychain[%s]", key)), nil
}

// Register adds both CLI-surface tools to s.
func Register(s *server.MCPServer, rebooter Rebooter, keychainStore *keychain.Store) {
	rebootTool := NewRebootTool(rebooter)
	s.AddTool(rebootTool.Definition(), rebootTool.Handle)

	appendTool := NewKeychainAppendTool(keychainStore)
	s.AddTool(appendTool.Definition(), appendTool.Handle)
}
