package workflow_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/pipulate-dev/pipulate/internal/keyedstore"
	"github.com/pipulate-dev/pipulate/internal/pipeline"
	"github.com/pipulate-dev/pipulate/internal/workflow"
	"github.com/rs/zerolog"
)

type recordingNarrator struct {
	messages []string
}

func (r *recordingNarrator) Add(content string, verbatim bool, role string) {
	r.messages = append(r.messages, content)
}

func helloSteps() []workflow.StepDescriptor {
	return []workflow.StepDescriptor{
		{ID: "step_01", Done: "name", Show: "Name", Refill: true},
		{ID: "step_02", Done: "greeting", Show: "Greeting", Transform: func(prev string) string {
			return "Hello " + prev
		}},
		workflow.FinalizeStep,
	}
}

func newTestRuntime(t *testing.T) (*workflow.Runtime, *workflow.Registry, *recordingNarrator) {
	t.Helper()
	dir := t.TempDir()
	kv, err := keyedstore.Open(filepath.Join(dir, "pipeline.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("keyedstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	store := pipeline.New(kv)
	narrator := &recordingNarrator{}
	rt := workflow.New(store, narrator, zerolog.Nop())

	reg, err := workflow.NewRegistry(helloSteps())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return rt, reg, narrator
}

// --- S1: Simple two-step workflow completes ---

func TestScenarioS1_TwoStepWorkflowCompletes(t *testing.T) {
	rt, reg, _ := newTestRuntime(t)

	frag, conflict, refresh, err := rt.HandleInit("default-hello-01", "hello", "default-hello-", reg)
	if err != nil {
		t.Fatalf("HandleInit: %v", err)
	}
	if conflict != nil || refresh {
		t.Fatalf("unexpected conflict=%v refresh=%v", conflict, refresh)
	}
	if !strings.Contains(frag.HTML, "step_01") {
		t.Errorf("expected landing render to include step_01, got: %s", frag.HTML)
	}

	frag, err = rt.HandleGetStep("default-hello-01", "step_01", reg)
	if err != nil {
		t.Fatalf("GET step_01: %v", err)
	}
	if frag.Trigger != nil {
		t.Error("Input phase must not carry a Trigger")
	}

	frag, err = rt.HandleSubmit("default-hello-01", "step_01", map[string]string{"name": "Ada"}, reg)
	if err != nil {
		t.Fatalf("submit step_01: %v", err)
	}
	if frag.Trigger == nil || frag.Trigger.StepID != "step_02" {
		t.Fatalf("Completed step_01 should trigger step_02, got %+v", frag.Trigger)
	}

	frag, err = rt.HandleGetStep("default-hello-01", "step_02", reg)
	if err != nil {
		t.Fatalf("GET step_02: %v", err)
	}
	if !strings.Contains(frag.HTML, "Hello Ada") {
		t.Errorf("expected suggested value 'Hello Ada' in step_02 render, got: %s", frag.HTML)
	}

	frag, err = rt.HandleSubmit("default-hello-01", "step_02", map[string]string{"greeting": "Hello Ada"}, reg)
	if err != nil {
		t.Fatalf("submit step_02: %v", err)
	}
	if frag.Trigger == nil || frag.Trigger.StepID != "finalize" {
		t.Fatalf("Completed step_02 should trigger finalize, got %+v", frag.Trigger)
	}

	frag, err = rt.HandleFinalizeGet("default-hello-01", reg)
	if err != nil {
		t.Fatalf("GET finalize: %v", err)
	}
	if !strings.Contains(frag.HTML, "finalize-control") {
		t.Errorf("expected finalize control to be offered, got: %s", frag.HTML)
	}
}

// --- S2 (implied): revert monotonicity round trip ---

func TestRevert_ClearsStepAndLaterThenResubmitRestoresDone(t *testing.T) {
	rt, reg, _ := newTestRuntime(t)
	if _, _, _, err := rt.HandleInit("default-hello-02", "hello", "default-hello-", reg); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := rt.HandleSubmit("default-hello-02", "step_01", map[string]string{"name": "Ada"}, reg); err != nil {
		t.Fatalf("submit step_01: %v", err)
	}
	if _, err := rt.HandleSubmit("default-hello-02", "step_02", map[string]string{"greeting": "Hello Ada"}, reg); err != nil {
		t.Fatalf("submit step_02: %v", err)
	}

	frag, err := rt.HandleRevert("default-hello-02", "step_01", reg)
	if err != nil {
		t.Fatalf("HandleRevert: %v", err)
	}
	if !strings.Contains(frag.HTML, "step input") && !strings.Contains(frag.HTML, `"step_01"`) {
		t.Logf("revert rebuild html: %s", frag.HTML)
	}
	if !strings.Contains(frag.HTML, `value="Ada"`) {
		t.Errorf("step_01 should refill with its prior value \"Ada\", got: %s", frag.HTML)
	}

	step2Frag, err := rt.HandleGetStep("default-hello-02", "step_02", reg)
	if err != nil {
		t.Fatalf("GET step_02 after revert: %v", err)
	}
	if step2Frag.Trigger != nil {
		t.Error("step_02 should be back in Input phase (no done value) after reverting step_01")
	}

	if _, err := rt.HandleSubmit("default-hello-02", "step_01", map[string]string{"name": "Grace"}, reg); err != nil {
		t.Fatalf("resubmit step_01: %v", err)
	}
	refetched, err := rt.HandleGetStep("default-hello-02", "step_01", reg)
	if err != nil {
		t.Fatalf("GET step_01 after resubmit: %v", err)
	}
	if refetched.Trigger == nil {
		t.Error("step_01 should be Completed again after resubmit, and trigger step_02")
	}
}

// --- S3 (implied) / property 3: finalize lock ---

func TestFinalizedPipeline_RefusesSubmit(t *testing.T) {
	rt, reg, _ := newTestRuntime(t)
	if _, _, _, err := rt.HandleInit("default-hello-03", "hello", "default-hello-", reg); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := rt.HandleSubmit("default-hello-03", "step_01", map[string]string{"name": "Ada"}, reg); err != nil {
		t.Fatalf("submit step_01: %v", err)
	}
	if _, err := rt.HandleSubmit("default-hello-03", "step_02", map[string]string{"greeting": "Hello Ada"}, reg); err != nil {
		t.Fatalf("submit step_02: %v", err)
	}
	if _, err := rt.HandleFinalizePost("default-hello-03", reg); err != nil {
		t.Fatalf("HandleFinalizePost: %v", err)
	}

	frag, err := rt.HandleSubmit("default-hello-03", "step_01", map[string]string{"name": "Someone Else"}, reg)
	if err != nil {
		t.Fatalf("submit after finalize should not error, got: %v", err)
	}
	if !strings.Contains(frag.HTML, "locked") {
		t.Errorf("expected Locked-phase re-render after refused submit, got: %s", frag.HTML)
	}

	got, err := rt.HandleGetStep("default-hello-03", "step_01", reg)
	if err != nil {
		t.Fatalf("GET step_01: %v", err)
	}
	if !strings.Contains(got.HTML, "Ada") {
		t.Errorf("step_01's value should remain %q after a refused submit, got: %s", "Ada", got.HTML)
	}
}

func TestUnfinalize_ReenablesSubmit(t *testing.T) {
	rt, reg, _ := newTestRuntime(t)
	if _, _, _, err := rt.HandleInit("default-hello-06", "hello", "default-hello-", reg); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := rt.HandleSubmit("default-hello-06", "step_01", map[string]string{"name": "Ada"}, reg); err != nil {
		t.Fatalf("submit step_01: %v", err)
	}
	if _, err := rt.HandleSubmit("default-hello-06", "step_02", map[string]string{"greeting": "Hello Ada"}, reg); err != nil {
		t.Fatalf("submit step_02: %v", err)
	}
	if _, err := rt.HandleFinalizePost("default-hello-06", reg); err != nil {
		t.Fatalf("HandleFinalizePost: %v", err)
	}
	if _, err := rt.HandleUnfinalizePost("default-hello-06", reg); err != nil {
		t.Fatalf("HandleUnfinalizePost: %v", err)
	}

	frag, err := rt.HandleSubmit("default-hello-06", "step_01", map[string]string{"name": "Grace"}, reg)
	if err != nil {
		t.Fatalf("submit after unfinalize: %v", err)
	}
	if strings.Contains(frag.HTML, "locked") {
		t.Error("submit after unfinalize should mutate state, not re-render Locked")
	}
	if !strings.Contains(frag.HTML, "Grace") {
		t.Errorf("expected updated value Grace, got: %s", frag.HTML)
	}
}

// --- Property 1: chain-reaction well-formedness ---

func TestProperty1_CompletedAndLockedAlwaysCarryTriggerExceptLastStep(t *testing.T) {
	rt, reg, _ := newTestRuntime(t)
	if _, _, _, err := rt.HandleInit("default-hello-04", "hello", "default-hello-", reg); err != nil {
		t.Fatalf("init: %v", err)
	}

	frag, err := rt.HandleSubmit("default-hello-04", "step_01", map[string]string{"name": "Ada"}, reg)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if frag.Trigger == nil {
		t.Error("Completed step_01 must carry a Trigger for step_02")
	}

	inputFrag, err := rt.HandleGetStep("default-hello-04", "step_02", reg)
	if err != nil {
		t.Fatalf("GET step_02: %v", err)
	}
	if inputFrag.Trigger != nil {
		t.Error("Input-phase step_02 must not carry a Trigger")
	}
}

// --- Property 2: revert monotonicity (direct ClearStepsFrom check) ---

func TestProperty2_RevertUnsetsStepAndEverythingAfter(t *testing.T) {
	rt, reg, _ := newTestRuntime(t)
	if _, _, _, err := rt.HandleInit("default-hello-05", "hello", "default-hello-", reg); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := rt.HandleSubmit("default-hello-05", "step_01", map[string]string{"name": "Ada"}, reg); err != nil {
		t.Fatalf("submit step_01: %v", err)
	}
	if _, err := rt.HandleSubmit("default-hello-05", "step_02", map[string]string{"greeting": "Hello Ada"}, reg); err != nil {
		t.Fatalf("submit step_02: %v", err)
	}

	if _, err := rt.HandleRevert("default-hello-05", "step_01", reg); err != nil {
		t.Fatalf("HandleRevert: %v", err)
	}

	step1, err := rt.HandleGetStep("default-hello-05", "step_01", reg)
	if err != nil {
		t.Fatalf("GET step_01: %v", err)
	}
	if step1.Trigger != nil {
		t.Error("step_01 should be back in Input phase after reverting to it")
	}
}

func TestValidateStepInput_RejectsEmpty(t *testing.T) {
	if ok, _ := workflow.ValidateStepInput("   ", "Name"); ok {
		t.Error("expected whitespace-only input to be rejected")
	}
	if ok, _ := workflow.ValidateStepInput("Ada", "Name"); !ok {
		t.Error("expected non-empty input to be accepted")
	}
}

func TestNormalizeKey_WrapsOrPassesThroughPrefix(t *testing.T) {
	key, refresh := workflow.NormalizeKey("", "default-hello-")
	if !refresh || key != "" {
		t.Errorf("empty input should signal refresh, got key=%q refresh=%v", key, refresh)
	}

	key, refresh = workflow.NormalizeKey("aa-01", "default-hello-")
	if refresh || key != "default-hello-aa-01" {
		t.Errorf("bare suffix should be wrapped, got key=%q refresh=%v", key, refresh)
	}

	key, refresh = workflow.NormalizeKey("default-hello-aa-01", "default-hello-")
	if refresh || key != "default-hello-aa-01" {
		t.Errorf("already-prefixed key should pass through unchanged, got key=%q refresh=%v", key, refresh)
	}
}
