package provider_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aurelay/aurelay/pkg/provider"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want provider.Kind
	}{
		{"nil", nil, provider.KindUnknown},
		{"plain error", errors.New("boom"), provider.KindInternal},
		{"direct", &provider.Error{Kind: provider.KindTransport}, provider.KindTransport},
		{
			"wrapped once",
			fmt.Errorf("session: %w", &provider.Error{Kind: provider.KindRateLimit}),
			provider.KindRateLimit,
		},
		{
			"wrapped twice",
			fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", &provider.Error{Kind: provider.KindAuth})),
			provider.KindAuth,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := provider.Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transport", &provider.Error{Kind: provider.KindTransport}, true},
		{"timeout", &provider.Error{Kind: provider.KindTimeout}, true},
		{"rate limit", &provider.Error{Kind: provider.KindRateLimit}, true},
		{"auth", &provider.Error{Kind: provider.KindAuth}, false},
		{"config", &provider.Error{Kind: provider.KindConfig}, false},
		{"resource limit", &provider.Error{Kind: provider.KindResourceLimit}, false},
		{"circuit open", &provider.Error{Kind: provider.KindCircuitOpen}, true},
		{"capability", &provider.Error{Kind: provider.KindCapability}, false},
		{"provider flagged retryable", &provider.Error{Kind: provider.KindProvider, Retryable: true}, true},
		{"provider not flagged", &provider.Error{Kind: provider.KindProvider}, false},
		{"unclassified", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := provider.IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestWrapPreservesClassification(t *testing.T) {
	t.Parallel()

	orig := &provider.Error{Kind: provider.KindRateLimit, Provider: "deepgram", RetryAfter: 2 * time.Second}
	wrapped := provider.Wrap(provider.KindTransport, "deepgram", "send", orig)

	if got := provider.Classify(wrapped); got != provider.KindRateLimit {
		t.Errorf("Classify after Wrap = %v, want rate_limit (original classification must survive)", got)
	}
	if got := provider.RetryAfterHint(wrapped); got != 2*time.Second {
		t.Errorf("RetryAfterHint = %v, want 2s", got)
	}
}

func TestWrapNil(t *testing.T) {
	t.Parallel()

	if got := provider.Wrap(provider.KindTransport, "p", "op", nil); got != nil {
		t.Errorf("Wrap(nil) = %v, want nil", got)
	}
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	e := &provider.Error{
		Kind:     provider.KindTransport,
		Provider: "deepgram",
		Op:       "connect",
		Err:      errors.New("dial tcp: refused"),
	}
	want := "deepgram: connect: transport: dial tcp: refused"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
}

func TestErrorUnwrap(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("sentinel")
	e := &provider.Error{Kind: provider.KindInternal, Err: sentinel}
	if !errors.Is(e, sentinel) {
		t.Error("errors.Is should reach the wrapped sentinel")
	}
}

func TestCapabilitySet(t *testing.T) {
	t.Parallel()

	s := provider.NewCapabilitySet(provider.CapStreamingAudioIn, provider.CapPartialTranscripts)
	if !s.Has(provider.CapStreamingAudioIn) {
		t.Error("set should declare streaming_audio_in")
	}
	if !s.Has(provider.CapPartialTranscripts) {
		t.Error("set should declare partial_transcripts")
	}
	if s.Has(provider.CapEmotion) {
		t.Error("set must not declare emotion")
	}

	s2 := s.With(provider.CapEmotion)
	if !s2.Has(provider.CapEmotion) {
		t.Error("With should add emotion")
	}
	if s.Has(provider.CapEmotion) {
		t.Error("With must not mutate the receiver")
	}

	var zero provider.CapabilitySet
	if zero.Has(provider.CapBargeIn) {
		t.Error("zero set declares nothing")
	}
}

func TestKindString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind provider.Kind
		want string
	}{
		{provider.KindConfig, "config"},
		{provider.KindAuth, "auth"},
		{provider.KindTransport, "transport"},
		{provider.KindTimeout, "timeout"},
		{provider.KindRateLimit, "rate_limit"},
		{provider.KindResourceLimit, "resource_limit"},
		{provider.KindCircuitOpen, "circuit_open"},
		{provider.KindProvider, "provider_error"},
		{provider.KindCapability, "capability"},
		{provider.KindInternal, "internal"},
		{provider.KindUnknown, "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
