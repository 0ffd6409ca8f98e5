// Package httphost is the concrete Host Adapter (spec §4.8), built on
// gorilla/mux. It is the only package that imports gorilla/mux;
// workflow.Runtime and render.Fragment are framework-agnostic.
package httphost

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pipulate-dev/pipulate/internal/hostadapter"
)

// Router wraps a gorilla/mux.Router behind hostadapter.Router.
type Router struct {
	mux *mux.Router
}

// NewRouter constructs an empty Router.
func NewRouter() *Router {
	return &Router{mux: mux.NewRouter()}
}

// Handle implements hostadapter.Router.
func (r *Router) Handle(method, path string, handler hostadapter.HandlerFunc) {
	r.mux.HandleFunc(path, func(w http.ResponseWriter, req *http.Request) {
		handler(w, newRequestContext(req))
	}).Methods(method)
}

// ServeHTTP implements http.Handler, letting Router plug directly into
// http.Server or httptest.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

type requestContext struct {
	req  *http.Request
	form map[string]string
}

func newRequestContext(req *http.Request) *requestContext {
	_ = req.ParseForm()
	form := make(map[string]string, len(req.PostForm))
	for k := range req.PostForm {
		form[k] = req.PostForm.Get(k)
	}
	return &requestContext{req: req, form: form}
}

// PathParam implements hostadapter.RequestContext.
func (c *requestContext) PathParam(name string) string {
	return mux.Vars(c.req)[name]
}

// FormValue implements hostadapter.RequestContext.
func (c *requestContext) FormValue(name string) string {
	return c.req.FormValue(name)
}

// Form implements hostadapter.RequestContext.
func (c *requestContext) Form() map[string]string {
	return c.form
}

// Refresher implements hostadapter.Refresher by setting the HX-Refresh
// response header htmx uses to force a full page reload (spec §4.6
// step 1: empty init key triggers a host-level refresh).
type Refresher struct{}

// Refresh implements hostadapter.Refresher.
func (Refresher) Refresh(w http.ResponseWriter) {
	w.Header().Set("HX-Refresh", "true")
	w.WriteHeader(http.StatusOK)
}
