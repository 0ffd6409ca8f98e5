// Package render implements the abstract rendering half of the Host
// Adapter (spec §4.8): an HTML-fragment builder plus a first-class
// Trigger value for the chain-reaction loader.
//
// Grounded on spec §9's REDESIGN FLAGS note: "treat the loader element
// as a first-class Trigger(next_step) value in the render API; the
// phase-resolution function returns (fragment, Option<Trigger>) and
// the host adapter emits the corresponding attributes. This keeps the
// invariant testable without string-matching HTML." Runtime code never
// builds hx_get/hx_trigger strings by hand — it returns a *Trigger and
// this package is the only place that turns one into markup.
package render

import (
	"fmt"
	"html"
	"sort"
	"strings"
)

// Trigger names the next step a Completed or Locked fragment must load
// (spec §4.6: "every Completed and Locked response must embed a
// loader"). A nil *Trigger on a Fragment means no follow-on load —
// correct only for the Input phase.
type Trigger struct {
	AppName string
	StepID  string
	Target  string // container id the loader swaps into; defaults to StepID
}

// Fragment is an HTML fragment plus the Trigger (if any) the
// phase-resolution function determined should accompany it. Keeping
// Trigger structured — rather than embedded in HTML — is what makes
// property 1 (chain-reaction well-formedness) testable without
// parsing markup.
type Fragment struct {
	HTML    string
	Trigger *Trigger
}

// Node is a minimal HTML element tree. Attrs are rendered in sorted
// key order for deterministic output.
type Node struct {
	Tag      string
	Attrs    map[string]string
	Text     string
	Children []Node
	SelfText bool // true for a leaf node whose content is Text, not Children
}

// El builds an element node.
func El(tag string, attrs map[string]string, children ...Node) Node {
	return Node{Tag: tag, Attrs: attrs, Children: children}
}

// Text builds a text leaf node.
func Text(s string) Node {
	return Node{SelfText: true, Text: s}
}

// Render serializes the node tree to an HTML string. Text content is
// escaped; attribute values are escaped.
func (n Node) Render() string {
	var b strings.Builder
	n.write(&b)
	return b.String()
}

func (n Node) write(b *strings.Builder) {
	if n.SelfText {
		b.WriteString(html.EscapeString(n.Text))
		return
	}

	b.WriteString("<")
	b.WriteString(n.Tag)

	keys := make([]string, 0, len(n.Attrs))
	for k := range n.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, ` %s="%s"`, k, html.EscapeString(n.Attrs[k]))
	}
	b.WriteString(">")

	for _, c := range n.Children {
		c.write(b)
	}

	b.WriteString("</")
	b.WriteString(n.Tag)
	b.WriteString(">")
}

// Loader renders the chain-reaction element for Trigger t: an
// otherwise-empty div whose hx_get/hx_trigger attributes fetch the
// next step on load (spec §4.6). Nil t renders an empty placeholder
// div with none of the hx_* attributes — the Input-phase case that
// must not trigger a load.
func Loader(t *Trigger) Node {
	if t == nil {
		return El("div", map[string]string{"class": "step-loader-placeholder"})
	}
	target := t.Target
	if target == "" {
		target = t.StepID
	}
	return El("div", map[string]string{
		"id":          t.StepID,
		"hx-get":      fmt.Sprintf("/%s/%s", t.AppName, t.StepID),
		"hx-trigger":  "load",
		"hx-target":   "#" + target,
		"hx-swap":     "outerHTML",
		"class":       "step-loader",
	})
}

// WithLoader appends the rendering of t (or an empty placeholder, for
// nil) to body and wraps the result into a Fragment carrying the same
// Trigger — the one place phase-resolution and markup stay in sync.
func WithLoader(body Node, t *Trigger) Fragment {
	full := El("div", nil, body, Loader(t))
	return Fragment{HTML: full.Render(), Trigger: t}
}
