// Package workflow implements the StepRegistry and WorkflowRuntime
// (spec §4.5, §4.6) — the chain-reaction state machine every Pipulate
// workflow runs on: phase resolution, submit, revert, finalize, and
// initialization, all written against pipeline.Store and a narrator
// interface rather than any HTTP framework.
//
// Grounded on spec §9's REDESIGN FLAGS: "Shared mutable pulpatute
// facade... re-architect as two explicit capabilities: Runtime (state,
// rendering, narration) and Conversation (append/list/stats), injected
// into workflows." Runtime below takes that shape — it never reaches
// into conversation.Log directly, only through the Narrator interface
// MessageQueue implements.
package workflow

import "fmt"

// StepDescriptor is one step in a workflow's declared, ordered list
// (spec §3). The terminal entry is always the synthetic finalize step
// with ID "finalize" and Done "finalized".
type StepDescriptor struct {
	ID     string
	Done   string
	Show   string
	Refill bool

	// Transform seeds this step's input from the previous step's
	// captured value. It must be pure; if it panics, SuggestValue
	// recovers and returns an empty suggestion rather than failing the
	// step (spec §4.5).
	Transform func(prevDone string) string
}

// SuggestValue applies Transform to prevDone, treating a panicking
// Transform as "no suggestion" instead of propagating the failure into
// the step's render.
func (s StepDescriptor) SuggestValue(prevDone string) (suggestion string) {
	if s.Transform == nil {
		return ""
	}
	defer func() {
		if recover() != nil {
			suggestion = ""
		}
	}()
	return s.Transform(prevDone)
}

// FinalizeStep is the synthetic step every workflow's step list must
// end with.
var FinalizeStep = StepDescriptor{ID: "finalize", Done: "finalized", Show: "Finalize"}

// Phase is a step's rendering mode at a given moment (spec §4.6,
// GLOSSARY).
type Phase int

const (
	PhaseInput Phase = iota
	PhaseCompleted
	PhaseLocked
)

func (p Phase) String() string {
	switch p {
	case PhaseInput:
		return "input"
	case PhaseCompleted:
		return "completed"
	case PhaseLocked:
		return "locked"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Narrator is implemented by MessageQueue. Runtime depends on this
// small interface instead of importing messagequeue directly, keeping
// the dependency direction leaf-first (spec §2: WorkflowRuntime sits
// below MessageQueue).
type Narrator interface {
	Add(content string, verbatim bool, role string)
}

// noopNarrator is used when a Runtime is constructed without one —
// narration is always best-effort and optional on the critical path
// (spec §4.7).
type noopNarrator struct{}

func (noopNarrator) Add(string, bool, string) {}
