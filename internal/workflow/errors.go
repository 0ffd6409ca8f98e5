package workflow

import (
	"errors"

	"github.com/pipulate-dev/pipulate/internal/keyedstore"
	"github.com/pipulate-dev/pipulate/internal/pipeline"
)

// ErrValidation marks an empty/invalid step submission (spec §7:
// ValidationError).
var ErrValidation = errors.New("workflow: validation error")

// ErrFinalized marks an attempted mutation against a finalized
// pipeline (spec §4.6: "the runtime must refuse to mutate state").
var ErrFinalized = errors.New("workflow: pipeline is finalized")

// ErrUnknownStep marks a request against a step id the registry
// doesn't recognize.
var ErrUnknownStep = errors.New("workflow: unknown step")

// ErrPipelineConflict and ErrStorageUnavailable are re-exported from
// their owning packages so callers only need to import workflow's
// error values (spec §7 names these at the core level; the concrete
// sentinel still originates in the component that detects it).
var (
	ErrPipelineConflict   = pipeline.ErrPipelineConflict
	ErrStorageUnavailable = keyedstore.ErrStorageUnavailable
)
