// Package keychain implements the AI keychain (SPEC_FULL.md §7): a
// small durable note store Chip O'Theseus (the assistant persona) uses
// to remember facts across restarts and across otherwise-isolated
// pipeline instances — grounded on original_source's ai_keychain table,
// referenced from spec.md §3's durable-table snapshot and §6's CLI
// surface ("append to the AI keychain").
//
// Built as a thin typed wrapper over keyedstore.Store, the same way
// pipeline.Store wraps it for pipeline state — keychain entries just
// don't carry the pipeline/step structure.
package keychain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pipulate-dev/pipulate/internal/keyedstore"
)

// timeNow is a package-level var so tests can control timestamps.
var timeNow = time.Now

const keyPrefix = "keychain:"

func keyFor(name string) string { return keyPrefix + name }

// Entry is one keychain note.
type Entry struct {
	Key     string `json:"key"`
	Value   string `json:"value"`
	Updated string `json:"updated"`
}

// Store is the AI keychain: entries addressed by an opaque key, each
// holding a single string value.
type Store struct {
	kv *keyedstore.Store
}

// New wraps an already-open KeyedStore dedicated to keychain entries.
func New(kv *keyedstore.Store) *Store {
	return &Store{kv: kv}
}

// Get reads the entry under key. Returns (Entry{}, false, nil) if
// absent.
func (s *Store) Get(key string) (Entry, bool, error) {
	var e Entry
	ok, err := s.kv.Get(keyFor(key), &e)
	if err != nil {
		return Entry{}, false, fmt.Errorf("keychain: get %q: %w", key, err)
	}
	return e, ok, nil
}

// Set overwrites the entry under key with value.
func (s *Store) Set(key, value string) error {
	e := Entry{Key: key, Value: value, Updated: timeNow().UTC().Format(time.RFC3339)}
	if err := s.kv.Set(keyFor(key), &e); err != nil {
		return fmt.Errorf("keychain: set %q: %w", key, err)
	}
	return nil
}

// Append adds text to the value already stored under key, joined by a
// newline — the operation backing the CLI's "append to the AI
// keychain" surface (spec.md §6). A missing key behaves like Set.
func (s *Store) Append(key, text string) error {
	existing, ok, err := s.Get(key)
	if err != nil {
		return err
	}
	if !ok || existing.Value == "" {
		return s.Set(key, text)
	}
	return s.Set(key, existing.Value+"\n"+text)
}

// List enumerates every keychain entry whose key starts with prefix
// ("" lists everything).
func (s *Store) List(prefix string) ([]Entry, error) {
	entries, err := s.kv.Iter(keyFor(prefix))
	if err != nil {
		return nil, fmt.Errorf("keychain: list %q: %w", prefix, err)
	}
	out := make([]Entry, 0, len(entries))
	for _, raw := range entries {
		var e Entry
		if err := json.Unmarshal([]byte(raw.Value), &e); err != nil {
			return nil, fmt.Errorf("keychain: decode %q: %w", raw.Key, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Delete removes the entry under key, if any.
func (s *Store) Delete(key string) error {
	if err := s.kv.Delete(keyFor(key)); err != nil {
		return fmt.Errorf("keychain: delete %q: %w", key, err)
	}
	return nil
}
