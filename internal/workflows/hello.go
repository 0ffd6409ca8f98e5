// Package workflows collects the built-in demo workflows shipped with
// this core. hello.go is the Go port of original_source's
// 30_hello_workflow.py — the canonical two-step tutorial workflow used
// throughout spec.md's scenarios (S1-S3).
package workflows

import (
	"fmt"

	"github.com/pipulate-dev/pipulate/internal/httphost"
	"github.com/pipulate-dev/pipulate/internal/keyedstore"
	"github.com/pipulate-dev/pipulate/internal/pipeline"
	"github.com/pipulate-dev/pipulate/internal/workflow"
	"github.com/rs/zerolog"
)

const (
	HelloAppName     = "hello"
	HelloDisplayName = "Hello World"
	HelloProfile     = "default"
)

// HelloSteps returns the step descriptors for the hello workflow:
// step_01 captures a name, step_02 greets it, seeded from step_01's
// value via Transform.
func HelloSteps() []workflow.StepDescriptor {
	return []workflow.StepDescriptor{
		{ID: "step_01", Done: "name", Show: "Your Name", Refill: true},
		{
			ID:   "step_02",
			Done: "greeting",
			Show: "Hello Message",
			Transform: func(prevDone string) string {
				return fmt.Sprintf("Hello %s", prevDone)
			},
		},
		workflow.FinalizeStep,
	}
}

// RegisterHello wires the hello demo workflow onto router, backed by
// store and narrating through narrator. It is the reference call site
// for composing a StepRegistry + Runtime + RegisterWorkflow triple —
// every other workflow plugin follows this same shape.
func RegisterHello(router *httphost.Router, store *pipeline.Store, narrator workflow.Narrator, log zerolog.Logger) error {
	reg, err := workflow.NewRegistry(HelloSteps())
	if err != nil {
		return fmt.Errorf("hello workflow: %w", err)
	}
	rt := workflow.New(store, narrator, log.With().Str("workflow", HelloAppName).Logger())

	httphost.RegisterWorkflow(router, httphost.WorkflowBinding{
		AppName:        HelloAppName,
		DisplayName:    HelloDisplayName,
		ExpectedPrefix: HelloProfile + "-" + HelloAppName + "-",
		Registry:       reg,
		Runtime:        rt,
		Pipelines:      store,
	})
	return nil
}

// NewHelloPipelineStore is a convenience constructor for callers (the
// composition root, or tests) that just need a pipeline.Store backed
// by its own keyedstore file, mirroring how each workflow in the
// original gets its own db-backed pipeline table.
func NewHelloPipelineStore(dbPath string, log zerolog.Logger) (*pipeline.Store, func() error, error) {
	kv, err := keyedstore.Open(dbPath, log)
	if err != nil {
		return nil, nil, fmt.Errorf("hello workflow: open pipeline store: %w", err)
	}
	return pipeline.New(kv), kv.Close, nil
}
