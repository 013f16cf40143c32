// Package types defines the shared types used across all Aurelay packages.
//
// These types form the lingua franca between providers, the session runtime,
// and the gateway surface. They are intentionally minimal — each package
// defines its own domain types, but cross-cutting data structures live here
// to avoid circular imports.
package types

import "time"

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript. Within a session, at most one final is ever
	// delivered downstream per turn.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if
	// the provider does not report confidence.
	Confidence float64

	// Words contains per-word detail when available (Deepgram, Google).
	// May be nil for providers that don't support word-level output.
	Words []WordDetail

	// Language is the BCP-47 language tag reported by the provider, when
	// known (e.g. "en-US").
	Language string

	// ProviderID identifies the provider that produced this transcript.
	ProviderID string

	// TurnID is the session-scoped turn this transcript belongs to. Stamped
	// by the session runtime, never by providers; zero until stamped.
	TurnID uint64

	// Start marks when the covered audio started, relative to session start.
	Start time.Duration

	// End marks when the covered audio ended. Partials for a turn carry
	// non-decreasing End values.
	End time.Duration

	// ProviderError marks a final the session synthesized itself because
	// the provider stream died with an utterance in flight and yielded
	// nothing for it. Such finals carry empty Text.
	ProviderError bool
}

// Duration returns the length of the audio range this transcript covers.
func (t Transcript) Duration() time.Duration {
	if t.End <= t.Start {
		return 0
	}
	return t.End - t.Start
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost represents a vocabulary term to boost in STT recognition.
// Used to improve recognition of uncommon proper nouns (product names,
// personal names, call-center jargon).
type KeywordBoost struct {
	// Keyword is the text to boost.
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}

// TurnCause records why a turn was closed.
type TurnCause string

// Turn close causes.
const (
	// CauseVADSilence: acoustic silence held past the configured window.
	CauseVADSilence TurnCause = "vad_silence"

	// CauseVADEndOfTurn: the end-of-turn detector fired on text cues.
	CauseVADEndOfTurn TurnCause = "vad_end_of_turn"

	// CauseClientCommit: the client explicitly committed the turn.
	CauseClientCommit TurnCause = "client_commit"

	// CauseServerEndpoint: the provider signalled an endpoint server-side.
	CauseServerEndpoint TurnCause = "server_endpoint"

	// CauseBargeInCut: the turn was cut by user speech during playback.
	CauseBargeInCut TurnCause = "barge_in_cut"
)

// Turn is one user-or-assistant speaking interval bounded by endpoints.
type Turn struct {
	// ID is strictly monotonic per session, starting at 1, never reused —
	// including across provider reconnects.
	ID uint64

	// OpenedAt is when the turn was opened.
	OpenedAt time.Time

	// ClosedAt is when the turn was closed. Zero while the turn is open.
	ClosedAt time.Time

	// Cause records why the turn closed. Empty while the turn is open.
	Cause TurnCause

	// Final is the finalized transcript for this turn, if one was produced.
	Final *Transcript
}

// Open reports whether the turn is currently open: OpenedAt is set and
// ClosedAt is not.
func (t Turn) Open() bool {
	return !t.OpenedAt.IsZero() && t.ClosedAt.IsZero()
}

// Exchange is one completed user→assistant round, handed to the application
// responder as conversational context.
type Exchange struct {
	// TurnID is the user turn this exchange belongs to.
	TurnID uint64

	// User is the finalized user utterance.
	User string

	// Assistant is the assistant reply, empty until one was produced.
	Assistant string
}
