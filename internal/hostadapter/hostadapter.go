// Package hostadapter declares the abstract Host Adapter surface (spec
// §4.8): route registration, form parsing, and the refresh response —
// the only things WorkflowRuntime's callers need from whatever HTTP
// library is actually wired in. Any hypermedia-over-HTTP library
// satisfying these interfaces is an acceptable Host Adapter; httphost
// is this core's concrete instance, built on gorilla/mux.
package hostadapter

import "net/http"

// RequestContext exposes the handful of request facts a workflow
// handler needs, independent of any one HTTP framework's types.
type RequestContext interface {
	PathParam(name string) string
	FormValue(name string) string
	Form() map[string]string
}

// HandlerFunc writes a response given ctx; concrete adapters translate
// whatever their render.Fragment comes back as into bytes on the wire.
type HandlerFunc func(w http.ResponseWriter, ctx RequestContext)

// Router binds (method, path, handler) triples. Implemented by
// httphost.Router.
type Router interface {
	Handle(method, path string, handler HandlerFunc)
}

// Refresher instructs the client to reload the current page — used
// when init receives an empty key (spec §4.6 step 1).
type Refresher interface {
	Refresh(w http.ResponseWriter)
}
