package pipeline_test

import (
	"path/filepath"
	"testing"

	"github.com/pipulate-dev/pipulate/internal/keyedstore"
	"github.com/pipulate-dev/pipulate/internal/pipeline"
	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *pipeline.Store {
	t.Helper()
	dir := t.TempDir()
	kv, err := keyedstore.Open(filepath.Join(dir, "pipeline.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("keyedstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })
	return pipeline.New(kv)
}

func TestInitializeIfMissing_CreatesFreshRecord(t *testing.T) {
	s := newTestStore(t)

	rec, frag, err := s.InitializeIfMissing("default-hello-ab-12", "hello")
	if err != nil {
		t.Fatalf("InitializeIfMissing: %v", err)
	}
	if frag != nil {
		t.Fatalf("unexpected conflict fragment: %+v", frag)
	}
	if rec.AppName != "hello" || rec.PipelineID != "default-hello-ab-12" {
		t.Errorf("rec = %+v", rec)
	}
	if rec.Created == "" || rec.Updated == "" {
		t.Error("expected Created/Updated to be stamped")
	}
}

func TestInitializeIfMissing_IsIdempotentForSameWorkflow(t *testing.T) {
	s := newTestStore(t)

	rec1, _, err := s.InitializeIfMissing("pid-1", "hello")
	if err != nil {
		t.Fatalf("first init: %v", err)
	}

	rec2, frag, err := s.InitializeIfMissing("pid-1", "hello")
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	if frag != nil {
		t.Fatalf("expected no conflict, got %+v", frag)
	}
	if rec2.Created != rec1.Created {
		t.Error("second init should return the existing record, not recreate it")
	}
}

func TestInitializeIfMissing_ConflictAcrossWorkflows(t *testing.T) {
	s := newTestStore(t)

	if _, _, err := s.InitializeIfMissing("pid-1", "hello"); err != nil {
		t.Fatalf("init: %v", err)
	}

	rec, frag, err := s.InitializeIfMissing("pid-1", "other-workflow")
	if err != nil {
		t.Fatalf("InitializeIfMissing: %v", err)
	}
	if rec != nil {
		t.Error("expected nil record on conflict")
	}
	if frag == nil {
		t.Fatal("expected a PipelineConflict error fragment")
	}
}

func TestSetStepData_PersistsDoneField(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.InitializeIfMissing("pid-1", "hello"); err != nil {
		t.Fatalf("init: %v", err)
	}

	if err := s.SetStepData("pid-1", "step_01", "name", "Ada"); err != nil {
		t.Fatalf("SetStepData: %v", err)
	}

	got, err := s.GetStepData("pid-1", "step_01", nil)
	if err != nil {
		t.Fatalf("GetStepData: %v", err)
	}
	if got["name"] != "Ada" {
		t.Errorf("GetStepData = %+v, want name=Ada", got)
	}
}

func TestSetStepData_ClearsMatchingRevertTarget(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.InitializeIfMissing("pid-1", "hello"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := s.SetStepData("pid-1", "step_01", "name", "Ada"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := s.ClearStepsFrom("pid-1", "step_01", []string{"step_01", "step_02", "finalize"}); err != nil {
		t.Fatalf("ClearStepsFrom: %v", err)
	}

	if err := s.SetStepData("pid-1", "step_01", "name", "Grace"); err != nil {
		t.Fatalf("resubmit: %v", err)
	}

	rec, ok, err := s.Read("pid-1")
	if err != nil || !ok {
		t.Fatalf("Read: ok=%v err=%v", ok, err)
	}
	if rec.RevertTarget != "" {
		t.Errorf("RevertTarget = %q, want empty after resubmitting the reverted step", rec.RevertTarget)
	}
}

// Property 2: revert monotonicity — clearing from step k unsets every
// step at or after k, and finalize is unset only when named.
func TestClearStepsFrom_UnsetsStepAndLaterNotEarlier(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.InitializeIfMissing("pid-1", "hello"); err != nil {
		t.Fatalf("init: %v", err)
	}
	order := []string{"step_01", "step_02", "step_03", "finalize"}
	for _, id := range order[:3] {
		if err := s.SetStepData("pid-1", id, "done", true); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	if err := s.Finalize("pid-1"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if err := s.ClearStepsFrom("pid-1", "step_02", order); err != nil {
		t.Fatalf("ClearStepsFrom: %v", err)
	}

	rec, ok, err := s.Read("pid-1")
	if err != nil || !ok {
		t.Fatalf("Read: ok=%v err=%v", ok, err)
	}
	if _, found := rec.Steps["step_01"]; !found {
		t.Error("step_01 (before revert target) should remain set")
	}
	if _, found := rec.Steps["step_02"]; found {
		t.Error("step_02 should be cleared")
	}
	if _, found := rec.Steps["step_03"]; found {
		t.Error("step_03 should be cleared")
	}
	if rec.Finalize != nil {
		t.Error("finalize should be cleared when named in the step list")
	}
}

func TestFinalizeUnfinalize_RoundTrips(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.InitializeIfMissing("pid-1", "hello"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := s.Finalize("pid-1"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	rec, _, _ := s.Read("pid-1")
	if rec.Finalize == nil || !rec.Finalize.Finalized {
		t.Fatal("expected Finalize.Finalized = true")
	}

	if err := s.Unfinalize("pid-1"); err != nil {
		t.Fatalf("Unfinalize: %v", err)
	}
	rec, _, _ = s.Read("pid-1")
	if rec.Finalize != nil {
		t.Error("expected Finalize to be nil after Unfinalize")
	}
}

func TestListByApp_ReturnsOnlyMatchingWorkflow(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.InitializeIfMissing("default-hello-aa-01", "hello"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, _, err := s.InitializeIfMissing("default-hello-bb-02", "hello"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, _, err := s.InitializeIfMissing("default-other-cc-03", "other"); err != nil {
		t.Fatalf("init: %v", err)
	}

	recs, err := s.ListByApp("default-hello")
	if err != nil {
		t.Fatalf("ListByApp: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("ListByApp returned %d records, want 2", len(recs))
	}
}
