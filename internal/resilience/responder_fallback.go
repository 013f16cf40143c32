package resilience

import (
	"context"

	"github.com/aurelay/aurelay/internal/responder"
)

// ResponderFallback implements [responder.Responder] with automatic failover
// across multiple reply backends. Each backend has its own circuit breaker;
// when the primary fails or its breaker is open, the next healthy fallback
// is tried.
type ResponderFallback struct {
	group *FallbackGroup[responder.Responder]
}

// Compile-time interface assertion.
var _ responder.Responder = (*ResponderFallback)(nil)

// NewResponderFallback creates a [ResponderFallback] with primary as the
// preferred backend.
func NewResponderFallback(primary responder.Responder, primaryName string, cfg FallbackConfig) *ResponderFallback {
	return &ResponderFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional responder as a fallback.
func (f *ResponderFallback) AddFallback(name string, r responder.Responder) {
	f.group.AddFallback(name, r)
}

// Respond starts the reply on the first healthy backend. Only reply startup
// is covered by failover; once a stream is open, mid-stream failures close
// the channel and are the caller's responsibility.
func (f *ResponderFallback) Respond(ctx context.Context, turns []responder.Turn) (<-chan string, error) {
	return ExecuteWithResult(f.group, func(r responder.Responder) (<-chan string, error) {
		return r.Respond(ctx, turns)
	})
}
