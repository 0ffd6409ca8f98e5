package keychain_test

import (
	"path/filepath"
	"testing"

	"github.com/pipulate-dev/pipulate/internal/keychain"
	"github.com/pipulate-dev/pipulate/internal/keyedstore"
	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *keychain.Store {
	t.Helper()
	dir := t.TempDir()
	kv, err := keyedstore.Open(filepath.Join(dir, "keychain.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("keyedstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })
	return keychain.New(kv)
}

func TestGetSet_RoundTrips(t *testing.T) {
	s := newTestStore(t)
	if err := s.Set("project-goal", "ship the pipeline engine"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	e, ok, err := s.Get("project-goal")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || e.Value != "ship the pipeline engine" {
		t.Errorf("got %+v, ok=%v", e, ok)
	}
}

func TestGet_MissingKeyReturnsNotOK(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Get("nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("expected ok=false for a missing key")
	}
}

func TestAppend_CreatesThenConcatenatesWithNewline(t *testing.T) {
	s := newTestStore(t)
	if err := s.Append("notes", "first line"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append("notes", "second line"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	e, ok, err := s.Get("notes")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	want := "first line\nsecond line"
	if e.Value != want {
		t.Errorf("got %q, want %q", e.Value, want)
	}
}

func TestList_ReturnsOnlyMatchingPrefix(t *testing.T) {
	s := newTestStore(t)
	_ = s.Set("project-goal", "a")
	_ = s.Set("project-deadline", "b")
	_ = s.Set("unrelated", "c")

	entries, err := s.List("project-")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
}

func TestDelete_RemovesEntry(t *testing.T) {
	s := newTestStore(t)
	_ = s.Set("temp", "value")
	if err := s.Delete("temp"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, err := s.Get("temp")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("expected entry to be gone after Delete")
	}
}
