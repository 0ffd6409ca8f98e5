package workflow

import (
	"fmt"
	"strings"

	"github.com/pipulate-dev/pipulate/internal/pipeline"
	"github.com/pipulate-dev/pipulate/internal/render"
	"github.com/rs/zerolog"
)

// Runtime is the WorkflowRuntime (spec §4.6): phase resolution, chain
// reaction, revert, finalize/unfinalize, and initialization, built
// against PipelineStore and a Narrator.
type Runtime struct {
	store    *pipeline.Store
	narrator Narrator
	log      zerolog.Logger
}

// New constructs a Runtime. Passing a nil narrator installs a no-op —
// narration is always best-effort (spec §4.7).
func New(store *pipeline.Store, narrator Narrator, log zerolog.Logger) *Runtime {
	if narrator == nil {
		narrator = noopNarrator{}
	}
	return &Runtime{store: store, narrator: narrator, log: log.With().Str("component", "workflow").Logger()}
}

func isDone(rec *pipeline.Record, step StepDescriptor) (value any, ok bool) {
	st, found := rec.Steps[step.ID]
	if !found {
		return nil, false
	}
	v, found := st[step.Done]
	return v, found
}

func isFinalized(rec *pipeline.Record) bool {
	return rec.Finalize != nil && rec.Finalize.Finalized
}

// ResolvePhase implements the phase table in spec §4.6 exactly: Locked
// takes priority over Completed, Completed requires both "done" being
// set and the revert target not pointing at this step, Input is the
// default.
func ResolvePhase(rec *pipeline.Record, step StepDescriptor) Phase {
	_, done := isDone(rec, step)
	if isFinalized(rec) && done {
		return PhaseLocked
	}
	if done && rec.RevertTarget != step.ID {
		return PhaseCompleted
	}
	return PhaseInput
}

// AllNonFinalizeComplete reports whether every step but the synthetic
// finalize entry has its done field set — the precondition for
// offering the finalize control (spec §4.6).
func AllNonFinalizeComplete(rec *pipeline.Record, reg *Registry) bool {
	for _, s := range reg.NonFinalize() {
		if _, done := isDone(rec, s); !done {
			return false
		}
	}
	return true
}

// triggerFor returns the Trigger a Completed/Locked fragment for step
// must carry: the next step in the registry, or nil if step is last
// (i.e. finalize itself).
func triggerFor(rec *pipeline.Record, reg *Registry, step StepDescriptor) *render.Trigger {
	next, ok := reg.Next(step.ID)
	if !ok {
		return nil
	}
	return &render.Trigger{AppName: rec.AppName, StepID: next.ID}
}

// renderStep builds the fragment for step in its current phase,
// honoring the chain-reaction invariant (property 1): Locked and
// Completed fragments always carry a Trigger for the next step (or nil
// only when step is the last one); Input fragments never do.
func (rt *Runtime) renderStep(rec *pipeline.Record, reg *Registry, step StepDescriptor) render.Fragment {
	phase := ResolvePhase(rec, step)

	var body render.Node
	switch phase {
	case PhaseLocked:
		value, _ := isDone(rec, step)
		body = render.El("div", map[string]string{"id": step.ID, "class": "step locked"},
			render.El("span", map[string]string{"class": "step-label"}, render.Text(step.Show)),
			render.El("span", map[string]string{"class": "step-value"}, render.Text(fmt.Sprint(value))),
		)
		return render.WithLoader(body, triggerFor(rec, reg, step))

	case PhaseCompleted:
		value, _ := isDone(rec, step)
		body = render.El("div", map[string]string{"id": step.ID, "class": "step completed"},
			render.El("span", map[string]string{"class": "step-value"}, render.Text(fmt.Sprint(value))),
			render.El("button", map[string]string{
				"hx-post":   fmt.Sprintf("/%s/revert", rec.AppName),
				"hx-vals":   fmt.Sprintf(`{"step_id":%q}`, step.ID),
				"hx-target": "#" + rec.AppName + "-container",
			}, render.Text("Revert")),
		)
		return render.WithLoader(body, triggerFor(rec, reg, step))

	default: // PhaseInput
		suggestion := ""
		if step.Refill {
			if prior, ok := rec.PriorValues[step.ID]; ok {
				suggestion = prior
			}
		}
		if suggestion == "" {
			if prev, ok := reg.Previous(step.ID); ok {
				if prevValue, done := isDone(rec, prev); done {
					suggestion = step.SuggestValue(fmt.Sprint(prevValue))
				}
			}
		}
		body = render.El("form", map[string]string{
			"id":       step.ID,
			"class":    "step input",
			"hx-post":  fmt.Sprintf("/%s/%s_submit", rec.AppName, step.ID),
			"hx-target": "#" + step.ID,
		},
			render.El("label", nil, render.Text(step.Show)),
			render.El("input", map[string]string{"name": step.Done, "value": suggestion}),
		)
		// Input phase never carries a Trigger (property 1): the
		// placeholder is present but inert.
		return render.WithLoader(body, nil)
	}
}

// HandleGetStep renders stepID's current phase for pipelineID (spec
// §4.6: GET /<app>/<step_id>).
func (rt *Runtime) HandleGetStep(pipelineID, stepID string, reg *Registry) (render.Fragment, error) {
	step, ok := reg.Get(stepID)
	if !ok {
		return render.Fragment{}, fmt.Errorf("%w: %q", ErrUnknownStep, stepID)
	}
	rec, ok, err := rt.store.Read(pipelineID)
	if err != nil {
		return render.Fragment{}, err
	}
	if !ok {
		return render.Fragment{}, fmt.Errorf("workflow: no such pipeline %q", pipelineID)
	}
	return rt.renderStep(rec, reg, step), nil
}

// ValidateStepInput rejects empty/whitespace-only input (spec §4.6:
// validate_step_input). Individual workflows may wrap this with
// field-specific rules but must preserve the (ok, message) shape.
func ValidateStepInput(value, label string) (bool, string) {
	if strings.TrimSpace(value) == "" {
		return false, fmt.Sprintf("%s cannot be empty", label)
	}
	return true, ""
}

func errorFragment(stepID, message string) render.Fragment {
	body := render.El("div", map[string]string{"id": stepID, "class": "step error"},
		render.Text(message),
	)
	// Errors never advance the chain (spec §7: ValidationError ->
	// "Fragment replacing only that step's form, no chain advance").
	return render.Fragment{HTML: body.Render(), Trigger: nil}
}

// HandleSubmit implements the submit flow (spec §4.6, steps 1–7). A
// finalized pipeline refuses the mutation and re-renders the Locked
// phase instead (property 3).
func (rt *Runtime) HandleSubmit(pipelineID, stepID string, form map[string]string, reg *Registry) (render.Fragment, error) {
	step, ok := reg.Get(stepID)
	if !ok {
		return render.Fragment{}, fmt.Errorf("%w: %q", ErrUnknownStep, stepID)
	}
	rec, ok, err := rt.store.Read(pipelineID)
	if err != nil {
		return render.Fragment{}, err
	}
	if !ok {
		return render.Fragment{}, fmt.Errorf("workflow: no such pipeline %q", pipelineID)
	}

	if isFinalized(rec) {
		return rt.renderStep(rec, reg, step), nil
	}

	value := form[step.Done]
	if valid, msg := ValidateStepInput(value, step.Show); !valid {
		return errorFragment(stepID, msg), fmt.Errorf("%w: %s", ErrValidation, msg)
	}

	if err := rt.store.SetStepData(pipelineID, stepID, step.Done, value); err != nil {
		return render.Fragment{}, err
	}

	rt.narrator.Add(fmt.Sprintf("%s: %s = %v", rec.AppName, step.Show, value), true, "system")

	if nextStep, hasNext := reg.Next(stepID); hasNext && nextStep.ID == "finalize" {
		rt.narrator.Add(fmt.Sprintf("%s: ready to finalize", rec.AppName), true, "system")
	}

	rec, ok, err = rt.store.Read(pipelineID)
	if err != nil {
		return render.Fragment{}, err
	}
	if !ok {
		return render.Fragment{}, fmt.Errorf("workflow: pipeline %q vanished mid-submit", pipelineID)
	}
	return rt.renderStep(rec, reg, step), nil
}

// HandleRevert implements revert (spec §4.6: POST /<app>/revert).
func (rt *Runtime) HandleRevert(pipelineID, stepID string, reg *Registry) (render.Fragment, error) {
	if _, ok := reg.Get(stepID); !ok {
		return render.Fragment{}, fmt.Errorf("%w: %q", ErrUnknownStep, stepID)
	}
	if err := rt.store.ClearStepsFrom(pipelineID, stepID, reg.IDs()); err != nil {
		return render.Fragment{}, err
	}

	rt.narrator.Add(fmt.Sprintf("reverted to %s", stepID), true, "system")

	// Full rebuild from the first step; chain reaction naturally stops
	// at the reverted step once it resolves to Input phase (spec §4.6).
	return rt.HandleGetStep(pipelineID, reg.First().ID, reg)
}

// HandleFinalizeGet implements GET /<app>/finalize.
func (rt *Runtime) HandleFinalizeGet(pipelineID string, reg *Registry) (render.Fragment, error) {
	rec, ok, err := rt.store.Read(pipelineID)
	if err != nil {
		return render.Fragment{}, err
	}
	if !ok {
		return render.Fragment{}, fmt.Errorf("workflow: no such pipeline %q", pipelineID)
	}

	switch {
	case isFinalized(rec):
		body := render.El("div", map[string]string{"id": "finalize", "class": "unlock-control"},
			render.El("button", map[string]string{
				"hx-post":   fmt.Sprintf("/%s/unfinalize", rec.AppName),
				"hx-target": "#" + rec.AppName + "-container",
			}, render.Text("Unlock")),
		)
		return render.Fragment{HTML: body.Render()}, nil

	case AllNonFinalizeComplete(rec, reg):
		body := render.El("div", map[string]string{"id": "finalize", "class": "finalize-control"},
			render.El("button", map[string]string{
				"hx-post":   fmt.Sprintf("/%s/finalize", rec.AppName),
				"hx-target": "#" + rec.AppName + "-container",
			}, render.Text("Finalize")),
		)
		return render.Fragment{HTML: body.Render()}, nil

	default:
		body := render.El("div", map[string]string{"id": "finalize", "class": "step-loader-placeholder"})
		return render.Fragment{HTML: body.Render()}, nil
	}
}

// HandleFinalizePost implements POST /<app>/finalize.
func (rt *Runtime) HandleFinalizePost(pipelineID string, reg *Registry) (render.Fragment, error) {
	if err := rt.store.Finalize(pipelineID); err != nil {
		return render.Fragment{}, err
	}
	rt.narrator.Add("workflow finalized", true, "system")
	return rt.HandleGetStep(pipelineID, reg.First().ID, reg)
}

// HandleUnfinalizePost implements POST /<app>/unfinalize.
func (rt *Runtime) HandleUnfinalizePost(pipelineID string, reg *Registry) (render.Fragment, error) {
	if err := rt.store.Unfinalize(pipelineID); err != nil {
		return render.Fragment{}, err
	}
	rt.narrator.Add("workflow unlocked", true, "system")
	return rt.HandleGetStep(pipelineID, reg.First().ID, reg)
}

// NormalizeKey implements the init-time key normalization rule (spec
// §4.6 step 1): a key already carrying the workflow's
// "<profile>-<plugin>-" prefix is used as-is; otherwise it is wrapped
// in that prefix. Empty input signals the caller to issue a host-level
// refresh instead of initializing.
func NormalizeKey(raw, expectedPrefix string) (key string, refresh bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", true
	}
	if strings.HasPrefix(raw, expectedPrefix) {
		return raw, false
	}
	return expectedPrefix + raw, false
}

// HandleInit implements POST /<app>/init (spec §4.6). refresh is true
// only when the submitted key was empty; callers must then issue a
// host-level page refresh instead of rendering frag.
func (rt *Runtime) HandleInit(rawKey, appName, expectedPrefix string, reg *Registry) (frag render.Fragment, conflict *pipeline.ErrorFragment, refresh bool, err error) {
	key, refresh := NormalizeKey(rawKey, expectedPrefix)
	if refresh {
		return render.Fragment{}, nil, true, nil
	}

	rec, conflict, err := rt.store.InitializeIfMissing(key, appName)
	if err != nil {
		return render.Fragment{}, nil, false, err
	}
	if conflict != nil {
		return render.Fragment{}, conflict, false, nil
	}

	if isFinalized(rec) {
		rt.narrator.Add(fmt.Sprintf("resuming %s (locked)", key), true, "system")
	} else if len(rec.Steps) == 0 {
		rt.narrator.Add(fmt.Sprintf("starting new pipeline %s", key), true, "system")
	} else {
		rt.narrator.Add(fmt.Sprintf("resuming %s", key), true, "system")
	}

	frag, err = rt.HandleGetStep(key, reg.First().ID, reg)
	return frag, nil, false, err
}
