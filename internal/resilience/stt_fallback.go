package resilience

import (
	"context"

	"github.com/aurelay/aurelay/pkg/provider"
	"github.com/aurelay/aurelay/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across multiple
// STT backends. Each backend has its own circuit breaker.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Capabilities reports the intersection of all member capabilities. A stream
// may land on any member, so the group only advertises what every member
// honours.
func (f *STTFallback) Capabilities() provider.CapabilitySet {
	return intersectCapabilities(f.group, stt.Provider.Capabilities)
}

// StartStream opens a streaming transcription session against the first healthy
// provider. If the primary fails to start the stream, subsequent fallbacks are
// tried.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// intersectCapabilities folds the capability sets of every group entry with
// bitwise AND.
func intersectCapabilities[T any](fg *FallbackGroup[T], caps func(T) provider.CapabilitySet) provider.CapabilitySet {
	var (
		set   provider.CapabilitySet
		first = true
	)
	for i := range fg.entries {
		c := caps(fg.entries[i].value)
		if first {
			set, first = c, false
		} else {
			set &= c
		}
	}
	return set
}
