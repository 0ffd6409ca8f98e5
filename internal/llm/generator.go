// Package llm declares the Generator interface MessageQueue uses for
// non-verbatim narration, plus a CannedGenerator fallback. An Ollama
// (or any other) streaming client is explicitly out of scope for this
// core (spec §1 Non-goals) — CannedGenerator is what the composition
// root wires in by default, and is also what the core falls back to if
// a real generator errors (spec §4.7).
package llm

import "context"

// Generator turns a prompt into the text that should actually be
// appended to the conversation.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// CannedGenerator echoes the prompt back verbatim, prefixed, so the
// system remains fully functional (if terse) with no LLM configured.
type CannedGenerator struct {
	Prefix string
}

// NewCanned constructs a CannedGenerator with the default prefix.
func NewCanned() *CannedGenerator {
	return &CannedGenerator{Prefix: "Noted:"}
}

// Generate implements Generator.
func (c *CannedGenerator) Generate(_ context.Context, prompt string) (string, error) {
	prefix := c.Prefix
	if prefix == "" {
		prefix = "Noted:"
	}
	return prefix + " " + prompt, nil
}
