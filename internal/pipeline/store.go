// Package pipeline implements the PipelineStore (spec §4.4): a typed
// view over keyedstore.Store for per-workflow-instance state, plus the
// pipeline-key generation/parsing helpers workflows use to name their
// instances.
//
// Grounded on keyedstore.Store for persistence and on spec §9's
// REDESIGN FLAGS note to replace the source's reserved state-map keys
// ("finalize", "_revert_target") with explicit struct fields — a
// tagged PipelineState rather than string-keyed sentinels mixed in
// with step data.
package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pipulate-dev/pipulate/internal/keyedstore"
)

// ErrPipelineConflict is returned by InitializeIfMissing when an
// existing record under pipelineID belongs to a different workflow
// (spec §7: PipelineConflict).
var ErrPipelineConflict = fmt.Errorf("pipeline: key already used by a different workflow")

// StepState is one step's captured data: at minimum the done field,
// plus whatever auxiliary fields a workflow's submit handler stashes.
type StepState map[string]any

// FinalizeInfo replaces the source's state["finalize"] reserved key
// with an explicit, typed field (spec §9 REDESIGN FLAGS).
type FinalizeInfo struct {
	Finalized bool `json:"finalized"`
}

// Record is one running pipeline instance (spec §3: Pipeline).
type Record struct {
	PipelineID string               `json:"pipeline_id"`
	AppName    string               `json:"app_name"`
	Created    string               `json:"created"`
	Updated    string               `json:"updated"`
	Steps      map[string]StepState `json:"steps"`

	// Finalize and RevertTarget were reserved keys inside the step map
	// in the source; here they are explicit fields so nothing outside
	// this package can mistake them for step data.
	Finalize     *FinalizeInfo `json:"finalize,omitempty"`
	RevertTarget string        `json:"revert_target,omitempty"`

	// PriorValues holds the last value captured for each step's done
	// field, independent of Steps. ClearStepsFrom empties Steps on
	// revert (so phase resolution sees the step as not-done again) but
	// leaves PriorValues untouched, which is what lets a Refill step
	// prefill its input with the value it held before the revert
	// (spec §3: "on revert, prefill input with the previously captured
	// value").
	PriorValues map[string]string `json:"prior_values,omitempty"`
}

// ErrorFragment is a host-renderable payload returned instead of an
// error value when a caller-visible operation (currently only
// InitializeIfMissing) fails in a way the runtime must render rather
// than propagate (spec §4.4, §7).
type ErrorFragment struct {
	Message string
}

func keyFor(pipelineID string) string { return "pipeline:" + pipelineID }

// Store is the PipelineStore.
type Store struct {
	kv *keyedstore.Store
}

// New wraps an already-open KeyedStore.
func New(kv *keyedstore.Store) *Store {
	return &Store{kv: kv}
}

// Read loads the record for pipelineID. Returns (nil, false, nil) if
// no such pipeline exists yet.
func (s *Store) Read(pipelineID string) (*Record, bool, error) {
	var rec Record
	ok, err := s.kv.Get(keyFor(pipelineID), &rec)
	if err != nil {
		return nil, false, fmt.Errorf("pipeline: read %q: %w", pipelineID, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &rec, true, nil
}

// Write persists rec, stamping Updated.
func (s *Store) Write(rec *Record) error {
	rec.Updated = timeNow().UTC().Format(timeLayout)
	if err := s.kv.Set(keyFor(rec.PipelineID), rec); err != nil {
		return fmt.Errorf("pipeline: write %q: %w", rec.PipelineID, err)
	}
	return nil
}

// InitializeIfMissing creates a fresh record keyed by pipelineID iff
// absent. If a record already exists under a different appName, it
// returns an ErrorFragment instead of mutating anything (spec §4.4,
// §7: PipelineConflict).
func (s *Store) InitializeIfMissing(pipelineID, appName string) (*Record, *ErrorFragment, error) {
	existing, ok, err := s.Read(pipelineID)
	if err != nil {
		return nil, nil, err
	}
	if ok {
		if existing.AppName != appName {
			return nil, &ErrorFragment{
				Message: fmt.Sprintf("pipeline key %q is already in use by workflow %q", pipelineID, existing.AppName),
			}, nil
		}
		return existing, nil, nil
	}

	now := timeNow().UTC().Format(timeLayout)
	rec := &Record{
		PipelineID: pipelineID,
		AppName:    appName,
		Created:    now,
		Updated:    now,
		Steps:      make(map[string]StepState),
	}
	if err := s.Write(rec); err != nil {
		return nil, nil, err
	}
	return rec, nil, nil
}

// GetStepData returns the captured state for stepID, or def if the
// step hasn't been touched yet.
func (s *Store) GetStepData(pipelineID, stepID string, def StepState) (StepState, error) {
	rec, ok, err := s.Read(pipelineID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return def, nil
	}
	if st, found := rec.Steps[stepID]; found {
		return st, nil
	}
	return def, nil
}

// SetStepData sets state[stepID][doneField] = value, clears any revert
// target, and persists (spec §4.4).
func (s *Store) SetStepData(pipelineID, stepID, doneField string, value any) error {
	rec, ok, err := s.Read(pipelineID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("pipeline: set_step_data: no such pipeline %q", pipelineID)
	}

	if rec.Steps == nil {
		rec.Steps = make(map[string]StepState)
	}
	step, found := rec.Steps[stepID]
	if !found {
		step = make(StepState)
	}
	step[doneField] = value
	rec.Steps[stepID] = step

	if rec.PriorValues == nil {
		rec.PriorValues = make(map[string]string)
	}
	rec.PriorValues[stepID] = fmt.Sprint(value)

	rec.RevertTarget = ""

	return s.Write(rec)
}

// ClearStepsFrom deletes state[s.id] for every step at or after stepID
// in the given ordered step-id list, used on revert (spec §4.4,
// property 2). finalize is only cleared if it's explicitly present in
// stepIDs. PriorValues is deliberately left untouched — it's what a
// Refill step reads to prefill its input after this clear (spec §3).
func (s *Store) ClearStepsFrom(pipelineID, stepID string, stepIDs []string) error {
	rec, ok, err := s.Read(pipelineID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("pipeline: clear_steps_from: no such pipeline %q", pipelineID)
	}

	idx := -1
	for i, id := range stepIDs {
		if id == stepID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("pipeline: clear_steps_from: unknown step %q", stepID)
	}

	for _, id := range stepIDs[idx:] {
		if id == "finalize" {
			rec.Finalize = nil
			continue
		}
		delete(rec.Steps, id)
	}
	rec.RevertTarget = stepID

	return s.Write(rec)
}

// Finalize marks the pipeline locked (spec §4.6 Locked phase).
func (s *Store) Finalize(pipelineID string) error {
	rec, ok, err := s.Read(pipelineID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("pipeline: finalize: no such pipeline %q", pipelineID)
	}
	rec.Finalize = &FinalizeInfo{Finalized: true}
	return s.Write(rec)
}

// Unfinalize reverses Finalize.
func (s *Store) Unfinalize(pipelineID string) error {
	rec, ok, err := s.Read(pipelineID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("pipeline: unfinalize: no such pipeline %q", pipelineID)
	}
	rec.Finalize = nil
	return s.Write(rec)
}

// ListByApp enumerates every pipeline instance whose pipeline_id
// starts with idPrefix (typically "<profile>-<plugin>"), via
// KeyedStore.Iter (spec §4.1: iter used to enumerate pipelines per
// workflow).
func (s *Store) ListByApp(idPrefix string) ([]*Record, error) {
	entries, err := s.kv.Iter("pipeline:" + idPrefix + "-")
	if err != nil {
		return nil, fmt.Errorf("pipeline: list %q: %w", idPrefix, err)
	}
	out := make([]*Record, 0, len(entries))
	for _, e := range entries {
		var rec Record
		if err := json.Unmarshal([]byte(e.Value), &rec); err != nil {
			return nil, fmt.Errorf("pipeline: decode %q: %w", e.Key, err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

const timeLayout = "2006-01-02T15:04:05.000000Z"

// ParseKey splits a pipeline_id of the form "<profile>-<plugin>-<user_part>"
// back into its three parts. Composite keys with a multi-word user
// part ("rapid-fox-42") still parse correctly because profile and
// plugin are single tokens by construction (spec §3 invariant: a key
// parses back into the three parts it was generated from).
func ParseKey(full string) (profile, plugin, userPart string, err error) {
	parts := strings.Split(full, "-")
	if len(parts) < 3 {
		return "", "", "", fmt.Errorf("pipeline: malformed pipeline key %q", full)
	}
	return parts[0], parts[1], strings.Join(parts[2:], "-"), nil
}
