// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g., Deepgram, Google
// Speech-to-Text, or a local Whisper server) and exposes a uniform streaming
// interface. The central abstraction is SessionHandle: once opened, a session
// accepts raw PCM audio and emits two streams of Transcript values —
// low-latency partials for responsiveness and authoritative finals for the
// turn log.
//
// Providers fall into two transport classes. Streaming providers (Deepgram,
// Google) forward audio over a persistent connection and emit partials as
// the service produces them. Buffered providers (Whisper) accumulate audio
// locally and transcribe on flush; when each flush happens is governed by
// [FlushConfig]. Both classes satisfy the same interface — callers that
// care can consult Capabilities for CapPartialTranscripts.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"
	"time"

	"github.com/aurelay/aurelay/pkg/audio"
	"github.com/aurelay/aurelay/pkg/provider"
	"github.com/aurelay/aurelay/pkg/types"
)

// StreamConfig describes the audio format and recognition hints for a new STT
// session. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// Format is the wire format of the audio passed to SendAudio. Most
	// providers want 16kHz mono PCM16; the session runtime converts inbound
	// audio before it reaches the provider.
	Format audio.Format

	// Language is the BCP-47 language tag for recognition (e.g., "en-US",
	// "de-DE"). An empty string lets the provider auto-detect the language,
	// if supported.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon words such as product names. See
	// types.KeywordBoost for the boost intensity semantics.
	Keywords []types.KeywordBoost

	// InterimResults enables partial transcripts on providers that support
	// them. Ignored by buffered providers, which never emit partials.
	InterimResults bool

	// Flush tunes when buffered providers transcribe accumulated audio.
	// Ignored by streaming providers.
	Flush FlushConfig

	// IdleTimeout bounds how long a streaming session tolerates read-side
	// silence before declaring the transport dead with a KindTimeout
	// error. Zero selects [provider.DefaultIdleTimeout]; negative disables
	// the watchdog. Ignored by buffered providers.
	IdleTimeout time.Duration
}

// ConfigDelta is a partial update to an open session's configuration. Nil
// fields are left unchanged. Which fields can change mid-session is
// provider-specific; unsupported deltas earn a KindCapability error.
type ConfigDelta struct {
	// Language switches the recognition language. Streaming providers fix
	// the language at connect time; buffered providers apply it from the
	// next flush on.
	Language *string

	// InterimResults toggles partial transcript emission.
	InterimResults *bool

	// Flush replaces the flush tuning of a buffered session.
	Flush *FlushConfig
}

// SessionHandle represents an open STT streaming session. It is an interface so
// that test code can provide mock implementations without requiring a live
// provider connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw audio bytes to the provider for
	// transcription. The chunk must match the Format agreed in StreamConfig.
	// Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// SendText passes literal text to the provider as an endpoint hint, for
	// services that accept typed input alongside audio. Providers without
	// text input return a KindCapability error wrapping
	// provider.ErrNotSupported.
	SendText(hint string) error

	// ForceEndpoint asks the provider to finalize the in-flight utterance
	// immediately, without waiting for its own endpointing. Used when the
	// client commits a turn explicitly. Providers with no native support
	// return a KindCapability error wrapping provider.ErrNotSupported.
	ForceEndpoint() error

	// Partials returns a read-only channel that emits low-latency interim
	// Transcript values as the provider makes preliminary guesses. These are
	// suitable for driving UI indicators but must not be written to the
	// authoritative turn log. The channel is closed when the session ends.
	Partials() <-chan types.Transcript

	// Finals returns a read-only channel that emits authoritative Transcript
	// values once the provider has committed to a recognition result. These
	// are the values that close turns and reach the application layer.
	// The channel is closed when the session ends.
	Finals() <-chan types.Transcript

	// SetKeywords replaces the active keyword boost list without restarting
	// the session. Providers that do not support mid-session keyword updates
	// return a KindCapability error. Changes take effect on a best-effort
	// basis; already-buffered audio frames may still use the previous set.
	SetKeywords(keywords []types.KeywordBoost) error

	// UpdateConfig applies a partial configuration change to the open
	// session. Providers that cannot change the requested fields mid-session
	// return a KindCapability error; the session keeps running either way.
	UpdateConfig(delta ConfigDelta) error

	// Errors returns a read-only channel of non-fatal and fatal session
	// errors as they occur, classified per the provider error taxonomy. A
	// fatal error is followed by the transcript channels closing. The
	// channel is buffered; if the consumer lags, errors are dropped rather
	// than blocking the session's I/O loops. Closed when the session ends.
	Errors() <-chan error

	// State reports the session's transport state.
	State() provider.ConnectionState

	// Close terminates the session, flushes any pending audio, and releases
	// all associated resources. After Close returns, the Partials, Finals,
	// and Errors channels will be closed. Calling Close more than once is
	// safe and returns nil; the first call reports the error the session
	// died with, if any.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously, one per connected caller.
type Provider interface {
	// Capabilities reports what this provider can do. The session runtime
	// consults it before relying on partials, word timestamps, or
	// server-side endpointing.
	Capabilities() provider.CapabilitySet

	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned SessionHandle
	// is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close when
	// done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
