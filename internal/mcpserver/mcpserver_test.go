package mcpserver_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/pipulate-dev/pipulate/internal/keychain"
	"github.com/pipulate-dev/pipulate/internal/keyedstore"
	"github.com/pipulate-dev/pipulate/internal/mcpserver"
	"github.com/rs/zerolog"
)

type fakeRebooter struct {
	called bool
	err    error
}

func (f *fakeRebooter) Reboot(context.Context) error {
	f.called = true
	return f.err
}

func callToolRequest(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func TestRebootTool_CallsRebooter(t *testing.T) {
	rebooter := &fakeRebooter{}
	tool := mcpserver.NewRebootTool(rebooter)

	result, err := tool.Handle(context.Background(), callToolRequest(nil))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !rebooter.called {
		t.Error("expected Reboot to be called")
	}
	if result.IsError {
		t.Errorf("unexpected error result: %+v", result)
	}
}

func TestRebootTool_SurfacesRebooterError(t *testing.T) {
	rebooter := &fakeRebooter{err: fmt.Errorf("no supervisor attached")}
	tool := mcpserver.NewRebootTool(rebooter)

	result, err := tool.Handle(context.Background(), callToolRequest(nil))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !result.IsError {
		t.Error("expected an error result when Reboot fails")
	}
}

func newTestKeychain(t *testing.T) *keychain.Store {
	t.Helper()
	dir := t.TempDir()
	kv, err := keyedstore.Open(filepath.Join(dir, "keychain.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("keyedstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })
	return keychain.New(kv)
}

func TestKeychainAppendTool_AppendsText(t *testing.T) {
	store := newTestKeychain(t)
	tool := mcpserver.NewKeychainAppendTool(store)

	_, err := tool.Handle(context.Background(), callToolRequest(map[string]any{
		"key":  "project-goal",
		"text": "ship the pipeline engine",
	}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	e, ok, err := store.Get("project-goal")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if e.Value != "ship the pipeline engine" {
		t.Errorf("got %q", e.Value)
	}
}

func TestKeychainAppendTool_RejectsMissingFields(t *testing.T) {
	store := newTestKeychain(t)
	tool := mcpserver.NewKeychainAppendTool(store)

	result, err := tool.Handle(context.Background(), callToolRequest(map[string]any{"text": "x"}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !result.IsError {
		t.Error("expected an error result for a missing key")
	}
}
