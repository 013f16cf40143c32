// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs, the
// OpenAI speech API, or a local Coqui instance) and presents a uniform
// session interface. A session is opened once per voice conversation and
// accepts a series of [Request] values via Speak; synthesized audio flows
// back on the Audio channel while completion events flow on Done —
// enabling low-latency pipelining between response text and playback.
//
// Speak calls carry a Flush flag. Flush=true commits the utterance: the
// provider begins synthesis and the emitted audio is expected to play.
// Flush=false lets the provider coalesce successive Speak calls into one
// utterance, which improves prosody when response text arrives sentence by
// sentence. Cancel interrupts the in-flight utterance, for barge-in.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"time"

	"github.com/aurelay/aurelay/pkg/audio"
	"github.com/aurelay/aurelay/pkg/provider"
)

// StreamConfig configures a new synthesis session.
type StreamConfig struct {
	// Voice is the session's synthesis voice. Individual Requests may
	// override it on providers whose transport permits that; most fix the
	// voice per session.
	Voice Voice

	// Format is the output format of emitted frames. Providers that cannot
	// produce it natively reject StartStream with a KindConfig error.
	Format audio.Format

	// IdleTimeout bounds how long a streaming session tolerates read-side
	// silence before declaring the transport dead with a KindTimeout
	// error. Zero selects [provider.DefaultIdleTimeout]; negative disables
	// the watchdog.
	IdleTimeout time.Duration
}

// Done reports that one committed utterance finished. Exactly one Done is
// emitted per flushed Speak group: after its last audio frame when the
// synthesis completed, or promptly after Cancel when it did not.
type Done struct {
	// Fingerprint identifies the Request that produced the audio. For a
	// coalesced group it is the fingerprint of the combined request the
	// provider actually synthesized.
	Fingerprint Fingerprint

	// Interrupted is true when the utterance was cut short by Cancel.
	Interrupted bool
}

// SessionHandle represents an open synthesis session. It is an interface so
// that test code can provide mock implementations without a live provider
// connection.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// Speak submits text for synthesis. With req.Flush set the utterance is
	// committed immediately; otherwise the provider may hold the text and
	// coalesce it with subsequent Speak calls. Audio arrives on Audio, and
	// a Done event follows each committed utterance. Calling Speak after
	// Close returns an error.
	Speak(req Request) error

	// Cancel interrupts the in-flight utterance and discards any
	// uncommitted coalesced text. Audio frames already buffered may still
	// be delivered. A Done event with Interrupted set follows when an
	// utterance was actually in flight; cancelling an idle session is a
	// no-op. Safe to call at any point, from any goroutine, more than once.
	Cancel() error

	// Audio emits synthesized frames in playback order. Closed when the
	// session ends.
	Audio() <-chan audio.AudioFrame

	// Done emits one completion event per committed utterance. Closed when
	// the session ends.
	Done() <-chan Done

	// Errors returns a read-only channel of classified session errors as
	// they occur. The channel is buffered; if the consumer lags, errors are
	// dropped rather than blocking synthesis. Closed when the session ends.
	Errors() <-chan error

	// State reports the session's transport state.
	State() provider.ConnectionState

	// Close terminates the session and releases provider resources.
	// Uncommitted coalesced text is discarded, not synthesized. After Close
	// returns, the Audio, Done, and Errors channels are closed. Calling
	// Close more than once is safe and returns nil; the first call reports
	// the error the session died with, if any.
	Close() error
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may
// run in parallel, subject to the process-wide concurrency cap.
type Provider interface {
	// Capabilities reports what this provider can do. CapSSML and
	// CapEmotion govern which Request emotion fields the provider honours.
	Capabilities() provider.CapabilitySet

	// Voices returns all voice profiles available from this provider. The
	// list reflects the provider's current catalogue and may change between
	// calls if the underlying service adds or removes voices.
	Voices(ctx context.Context) ([]Voice, error)

	// StartStream opens a synthesis session for the given voice and output
	// format. The returned SessionHandle is ready to accept Speak calls
	// immediately.
	//
	// Returns an error if the session cannot be established (invalid
	// voice, rejected credentials, transport failure, unsupported format).
	// The caller owns the SessionHandle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
