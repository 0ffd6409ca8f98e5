// Package messagequeue implements the MessageQueue (spec §4.7):
// ordered, best-effort delivery of narration into the conversation log
// without blocking the HTTP response.
//
// Grounded on spec §9's REDESIGN FLAGS note: "Encode narration
// ordering with a channel/queue the writer task drains in FIFO order;
// don't rely on sleep for correctness" — replacing the source's
// asyncio-sleep-based ordering with a single buffered channel and one
// drain goroutine, the same single-writer shape the rest of this
// core uses around its own sqlite access.
package messagequeue

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Appender is implemented by conversation.Log.
type Appender interface {
	Append(role, content, sessionID string) (int64, bool, error)
}

// Generator is implemented by llm.Generator: given a prompt, produces
// the text that is actually appended to the conversation when a
// message is enqueued non-verbatim.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type entry struct {
	content  string
	verbatim bool
	role     string
}

// Queue is the MessageQueue: a single buffered channel drained by one
// goroutine, so narrations added in program order are appended to the
// conversation in that same order (spec §4.7 ordering guarantee).
type Queue struct {
	ch        chan entry
	appender  Appender
	generator Generator
	log       zerolog.Logger
	sessionID string
	done      chan struct{}
}

// New starts the drain goroutine and returns the Queue. bufferSize
// bounds how many narrations may be pending; once it is full, Add
// drops the new narration and logs a warning instead of blocking the
// caller, so size it generously for bursts of narration.
func New(appender Appender, generator Generator, sessionID string, bufferSize int, log zerolog.Logger) *Queue {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	q := &Queue{
		ch:        make(chan entry, bufferSize),
		appender:  appender,
		generator: generator,
		sessionID: sessionID,
		log:       log.With().Str("component", "messagequeue").Logger(),
		done:      make(chan struct{}),
	}
	go q.drain()
	return q
}

// Add enqueues a narration. In verbatim mode, content is appended
// exactly; otherwise content is a prompt sent to the Generator and its
// response is what gets appended (spec §4.7).
func (q *Queue) Add(content string, verbatim bool, role string) {
	if role == "" {
		role = "assistant"
	}
	select {
	case q.ch <- entry{content: content, verbatim: verbatim, role: role}:
	default:
		// Buffer full: drop oldest-first semantics aren't worth the
		// complexity for a fire-and-forget narration channel — log and
		// drop this one rather than block the caller.
		q.log.Warn().Msg("message queue full, dropping narration")
	}
}

// Close stops accepting new narrations and waits for the drain
// goroutine to finish processing whatever is already queued.
func (q *Queue) Close() {
	close(q.ch)
	<-q.done
}

func (q *Queue) drain() {
	defer close(q.done)
	ctx := context.Background()
	for e := range q.ch {
		content := e.content
		if !e.verbatim {
			generated, err := q.generate(ctx, e.content)
			if err != nil {
				q.log.Warn().Err(err).Msg("generation failed, falling back to verbatim canned message")
				generated = fallbackMessage(e.content)
			}
			content = generated
		}

		if _, _, err := q.appender.Append(e.role, content, q.sessionID); err != nil {
			q.log.Error().Err(err).Msg("narration append failed")
		}
	}
}

func (q *Queue) generate(ctx context.Context, prompt string) (string, error) {
	if q.generator == nil {
		return "", fmt.Errorf("messagequeue: no generator configured")
	}
	return q.generator.Generate(ctx, prompt)
}

func fallbackMessage(prompt string) string {
	return fmt.Sprintf("[narration unavailable] %s", prompt)
}
