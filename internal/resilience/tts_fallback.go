package resilience

import (
	"context"

	"github.com/aurelay/aurelay/pkg/provider"
	"github.com/aurelay/aurelay/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// TTS backends. Each backend has its own circuit breaker.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Capabilities reports the intersection of all member capabilities, since a
// request may be served by any member.
func (f *TTSFallback) Capabilities() provider.CapabilitySet {
	return intersectCapabilities(f.group, tts.Provider.Capabilities)
}

// StartStream opens a session on the first healthy provider. Only session
// setup is covered by failover; mid-session errors surface through the
// returned handle's Errors channel, and the caller reopens at session
// level.
func (f *TTSFallback) StartStream(ctx context.Context, cfg tts.StreamConfig) (tts.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (tts.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// Voices returns the catalogue of the first healthy provider. Voice IDs are
// provider-specific, so the caller should pin requests to the provider the
// catalogue came from when exact voice identity matters.
func (f *TTSFallback) Voices(ctx context.Context) ([]tts.Voice, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]tts.Voice, error) {
		return p.Voices(ctx)
	})
}
