// Package mock provides a test double for the responder.Responder
// interface. Configure Chunks with the fragments to stream and inspect
// RespondCalls to verify which conversation reached the responder.
package mock

import (
	"context"
	"sync"

	"github.com/aurelay/aurelay/internal/responder"
)

// RespondCall records a single invocation of Responder.Respond.
type RespondCall struct {
	// Ctx is the context passed to Respond.
	Ctx context.Context
	// Turns is a copy of the conversation passed to Respond.
	Turns []responder.Turn
}

// Responder is a mock implementation of responder.Responder.
type Responder struct {
	mu sync.Mutex

	// Chunks is the sequence of fragments emitted on each returned channel.
	Chunks []string

	// RespondErr, if non-nil, is returned from Respond instead of a channel.
	RespondErr error

	// RespondCalls records every call to Respond in order.
	RespondCalls []RespondCall
}

var _ responder.Responder = (*Responder)(nil)

// Respond records the call and returns a channel that emits Chunks then
// closes.
func (r *Responder) Respond(ctx context.Context, turns []responder.Turn) (<-chan string, error) {
	r.mu.Lock()
	turnsCopy := make([]responder.Turn, len(turns))
	copy(turnsCopy, turns)
	r.RespondCalls = append(r.RespondCalls, RespondCall{Ctx: ctx, Turns: turnsCopy})
	if r.RespondErr != nil {
		err := r.RespondErr
		r.mu.Unlock()
		return nil, err
	}
	chunks := make([]string, len(r.Chunks))
	copy(chunks, r.Chunks)
	r.mu.Unlock()

	ch := make(chan string, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// CallCount returns the number of Respond calls. Thread-safe.
func (r *Responder) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.RespondCalls)
}

// LastTurns returns the conversation from the most recent call, or nil.
func (r *Responder) LastTurns() []responder.Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.RespondCalls) == 0 {
		return nil
	}
	return r.RespondCalls[len(r.RespondCalls)-1].Turns
}

// Reset clears all recorded calls. Thread-safe.
func (r *Responder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.RespondCalls = nil
}
