package httphost

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/pipulate-dev/pipulate/internal/hostadapter"
	"github.com/pipulate-dev/pipulate/internal/pipeline"
	"github.com/pipulate-dev/pipulate/internal/render"
	"github.com/pipulate-dev/pipulate/internal/workflow"
)

// WorkflowBinding is everything RegisterWorkflow needs to wire a
// workflow's standard HTTP surface (spec §6) onto a Router.
type WorkflowBinding struct {
	AppName        string
	DisplayName    string
	ExpectedPrefix string // e.g. "default-hello-"
	Registry       *workflow.Registry
	Runtime        *workflow.Runtime
	Pipelines      *pipeline.Store
}

// RegisterWorkflow binds the full per-workflow HTTP surface from spec
// §6: landing, init, revert, finalize/unfinalize, per-step GET/submit.
// Literal routes are registered before the step-id wildcard so
// "finalize", "init", etc. are never swallowed by it.
func RegisterWorkflow(router *Router, b WorkflowBinding) {
	app := b.AppName

	router.Handle(http.MethodGet, "/"+app, func(w http.ResponseWriter, ctx hostadapter.RequestContext) {
		landingHandler(w, ctx, b)
	})

	router.Handle(http.MethodPost, "/"+app+"/init", func(w http.ResponseWriter, ctx hostadapter.RequestContext) {
		key := ctx.FormValue("pipeline_id")
		frag, conflict, refresh, err := b.Runtime.HandleInit(key, app, b.ExpectedPrefix, b.Registry)
		switch {
		case refresh:
			Refresher{}.Refresh(w)
		case conflict != nil:
			writeFragment(w, render.Fragment{HTML: conflict.Message})
		case err != nil:
			writeErr(w, err)
		default:
			writeFragment(w, frag)
		}
	})

	router.Handle(http.MethodPost, "/"+app+"/revert", func(w http.ResponseWriter, ctx hostadapter.RequestContext) {
		pipelineID := ctx.FormValue("pipeline_id")
		stepID := ctx.FormValue("step_id")
		frag, err := b.Runtime.HandleRevert(pipelineID, stepID, b.Registry)
		respond(w, frag, err)
	})

	router.Handle(http.MethodGet, "/"+app+"/finalize", func(w http.ResponseWriter, ctx hostadapter.RequestContext) {
		pipelineID := ctx.FormValue("pipeline_id")
		frag, err := b.Runtime.HandleFinalizeGet(pipelineID, b.Registry)
		respond(w, frag, err)
	})

	router.Handle(http.MethodPost, "/"+app+"/finalize", func(w http.ResponseWriter, ctx hostadapter.RequestContext) {
		pipelineID := ctx.FormValue("pipeline_id")
		frag, err := b.Runtime.HandleFinalizePost(pipelineID, b.Registry)
		respond(w, frag, err)
	})

	router.Handle(http.MethodPost, "/"+app+"/unfinalize", func(w http.ResponseWriter, ctx hostadapter.RequestContext) {
		pipelineID := ctx.FormValue("pipeline_id")
		frag, err := b.Runtime.HandleUnfinalizePost(pipelineID, b.Registry)
		respond(w, frag, err)
	})

	router.Handle(http.MethodGet, "/"+app+"/{step_id}", func(w http.ResponseWriter, ctx hostadapter.RequestContext) {
		pipelineID := ctx.FormValue("pipeline_id")
		stepID := ctx.PathParam("step_id")
		frag, err := b.Runtime.HandleGetStep(pipelineID, stepID, b.Registry)
		respond(w, frag, err)
	})

	router.Handle(http.MethodPost, "/"+app+"/{step_id:[a-zA-Z0-9_]+}_submit", func(w http.ResponseWriter, ctx hostadapter.RequestContext) {
		pipelineID := ctx.FormValue("pipeline_id")
		stepID := ctx.PathParam("step_id")
		frag, err := b.Runtime.HandleSubmit(pipelineID, stepID, ctx.Form(), b.Registry)
		// A ValidationError still carries a renderable fragment (spec
		// §7): write it regardless of the error, don't fall through to
		// a 500.
		if err != nil && errors.Is(err, workflow.ErrValidation) {
			writeFragment(w, frag)
			return
		}
		respond(w, frag, err)
	})
}

func landingHandler(w http.ResponseWriter, _ hostadapter.RequestContext, b WorkflowBinding) {
	existing, err := b.Pipelines.ListByApp(b.ExpectedPrefix[:len(b.ExpectedPrefix)-1])
	if err != nil {
		writeErr(w, err)
		return
	}

	options := make([]render.Node, 0, len(existing))
	for _, rec := range existing {
		options = append(options, render.El("option", map[string]string{"value": rec.PipelineID}))
	}

	body := render.El("div", map[string]string{"id": b.AppName + "-container"},
		render.El("h2", nil, render.Text(b.DisplayName)),
		render.El("form", map[string]string{
			"hx-post":   "/" + b.AppName + "/init",
			"hx-target": "#" + b.AppName + "-container",
		},
			render.El("input", map[string]string{"name": "pipeline_id", "list": b.AppName + "-keys"}),
			render.El("datalist", map[string]string{"id": b.AppName + "-keys"}, options...),
			render.El("button", map[string]string{"type": "submit"}, render.Text("Start / Resume")),
		),
	)
	writeFragment(w, render.Fragment{HTML: body.Render()})
}

func writeFragment(w http.ResponseWriter, frag render.Fragment) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, frag.HTML)
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workflow.ErrStorageUnavailable):
		http.Error(w, err.Error(), http.StatusInternalServerError)
	case errors.Is(err, workflow.ErrUnknownStep):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// respond writes frag's HTML when err is a renderable workflow
// condition (or nil); anything else is treated as a genuine failure
// and written as an HTTP error rather than swallowed (spec §7:
// StorageUnavailable is fatal to the request).
func respond(w http.ResponseWriter, frag render.Fragment, err error) {
	if err == nil {
		writeFragment(w, frag)
		return
	}
	if errors.Is(err, workflow.ErrValidation) {
		writeFragment(w, frag)
		return
	}
	writeErr(w, err)
}
