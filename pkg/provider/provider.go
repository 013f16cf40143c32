// Package provider defines the types shared by every speech provider
// contract: the error taxonomy, the capability set, and the connection
// state enum.
//
// The subpackages stt, tts, realtime, and vad define the per-capability
// contracts; this package holds what they have in common so that the
// session runtime and the resilience layer can treat providers uniformly.
//
// # Error taxonomy
//
// Every error that crosses a provider boundary is classifiable into a
// [Kind]. Provider implementations wrap transport and payload failures in
// [*Error]; the retry policy and the circuit breaker dispatch on the kind,
// never on concrete error types. Errors that were not produced by a
// provider (plain stdlib errors) classify as KindInternal.
package provider

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a provider error for retry and breaker decisions.
type Kind int

const (
	// KindUnknown is the zero value; treated like KindInternal.
	KindUnknown Kind = iota

	// KindConfig: invalid or missing parameters. Fatal to the session.
	KindConfig

	// KindAuth: rejected credentials. Fatal to that provider; the session
	// recovers only by swapping to another provider.
	KindAuth

	// KindTransport: connect, read, or write failed, or the peer violated
	// the protocol. Retryable subject to the retry policy.
	KindTransport

	// KindTimeout: a deadline or idle-read watchdog expired. Retryable.
	KindTimeout

	// KindRateLimit: provider-signalled throttling. Retryable after the
	// RetryAfter hint.
	KindRateLimit

	// KindResourceLimit: a local cap was exceeded. Never retried.
	KindResourceLimit

	// KindCircuitOpen: short-circuited by an open breaker. Retryable once
	// the cooldown elapses; the error's RetryAfter carries the remaining
	// cooldown so the retry ladder can wait for the half-open probe.
	KindCircuitOpen

	// KindProvider: the provider returned an explicit error payload.
	// Retryable iff the payload carried a retryable flag.
	KindProvider

	// KindCapability: the operation is not supported by this provider.
	// Never retried; callers should consult Capabilities first.
	KindCapability

	// KindInternal: a bug. Surfaced as a 5xx-equivalent.
	KindInternal
)

// String returns the snake_case name of the kind, as used in metrics
// attributes and client error events.
func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindAuth:
		return "auth"
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindRateLimit:
		return "rate_limit"
	case KindResourceLimit:
		return "resource_limit"
	case KindCircuitOpen:
		return "circuit_open"
	case KindProvider:
		return "provider_error"
	case KindCapability:
		return "capability"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// retryableByDefault reports whether the kind is retryable absent an
// explicit per-error flag.
func (k Kind) retryableByDefault() bool {
	switch k {
	case KindTransport, KindTimeout, KindRateLimit, KindCircuitOpen:
		return true
	default:
		return false
	}
}

// Error is the uniform provider error. It carries the classification the
// reliability layer dispatches on plus enough context for logging.
type Error struct {
	// Kind is the taxonomy bucket. Required.
	Kind Kind

	// Provider is the provider id that produced the error, when known.
	Provider string

	// Op is the operation that failed (e.g. "connect", "send_audio").
	Op string

	// Retryable overrides the kind's default retryability. Only meaningful
	// for KindProvider, where the provider payload carries the flag.
	Retryable bool

	// RetryAfter is the earliest useful retry time: the provider's
	// throttling hint on KindRateLimit, or the remaining breaker cooldown
	// on KindCircuitOpen. Zero means no hint.
	RetryAfter time.Duration

	// Err is the underlying cause. May be nil for synthesized errors.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Provider != "" && e.Op != "" {
		msg = fmt.Sprintf("%s: %s: %s", e.Provider, e.Op, msg)
	} else if e.Provider != "" {
		msg = e.Provider + ": " + msg
	} else if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Err }

// ErrNotSupported is the sentinel cause inside KindCapability errors
// produced by [Unsupported]. Check with errors.Is.
var ErrNotSupported = errors.New("operation not supported")

// Unsupported returns the standard KindCapability error for an operation
// the provider does not implement.
func Unsupported(providerID, op string) error {
	return &Error{
		Kind:     KindCapability,
		Provider: providerID,
		Op:       op,
		Err:      ErrNotSupported,
	}
}

// Errorf constructs an *Error with a formatted cause.
func Errorf(kind Kind, providerID, op, format string, args ...any) *Error {
	return &Error{
		Kind:     kind,
		Provider: providerID,
		Op:       op,
		Err:      fmt.Errorf(format, args...),
	}
}

// Wrap classifies err under kind, preserving it as the cause. Returns nil
// when err is nil. If err is already an *Error it is returned unchanged so
// the original classification survives wrapping at call boundaries.
func Wrap(kind Kind, providerID, op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Kind: kind, Provider: providerID, Op: op, Err: err}
}

// Classify returns the Kind of err. Non-provider errors (including context
// cancellation) classify as KindInternal; nil classifies as KindUnknown.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err may be retried: provider errors consult
// the explicit flag when the kind is KindProvider and the kind default
// otherwise. Anything unclassified is not retryable.
func IsRetryable(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	if pe.Kind == KindProvider {
		return pe.Retryable
	}
	return pe.Kind.retryableByDefault()
}

// RetryAfterHint returns the provider throttling hint attached to err, or
// zero when none is present.
func RetryAfterHint(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// ─── Capabilities ────────────────────────────────────────────────────────────

// Capability is one optional provider feature. The session runtime checks
// the declared set before invoking optional operations; invoking an
// undeclared operation yields a KindCapability error rather than a silent
// no-op.
type Capability uint32

const (
	// CapStreamingAudioIn: accepts audio incrementally rather than buffered.
	CapStreamingAudioIn Capability = 1 << iota

	// CapStreamingAudioOut: emits audio incrementally as synthesis runs.
	CapStreamingAudioOut

	// CapPartialTranscripts: emits interim results before the final.
	CapPartialTranscripts

	// CapImmutableTranscripts: once-delivered text is never revised.
	CapImmutableTranscripts

	// CapWordTimestamps: per-word timing detail on transcripts.
	CapWordTimestamps

	// CapServerVAD: the provider endpoints speech itself.
	CapServerVAD

	// CapSSML: accepts SSML-marked-up synthesis input.
	CapSSML

	// CapEmotion: accepts an emotion rendering in some provider-native form.
	CapEmotion

	// CapBargeIn: synthesis can be cancelled mid-stream.
	CapBargeIn

	// CapFunctionCalling: surfaces tool/function call events.
	CapFunctionCalling
)

// CapabilitySet is a bit set of Capability values. The zero value declares
// nothing.
type CapabilitySet uint32

// NewCapabilitySet builds a set from individual capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	var s CapabilitySet
	for _, c := range caps {
		s |= CapabilitySet(c)
	}
	return s
}

// Has reports whether the set declares c.
func (s CapabilitySet) Has(c Capability) bool {
	return s&CapabilitySet(c) != 0
}

// With returns a copy of the set with c added.
func (s CapabilitySet) With(c Capability) CapabilitySet {
	return s | CapabilitySet(c)
}

// ─── Connection state ────────────────────────────────────────────────────────

// ConnectionState describes a provider client's transport state. Ownership
// is exclusive to the session that opened the client; the session fully
// owns teardown.
type ConnectionState int32

const (
	// StateDisconnected: no transport established.
	StateDisconnected ConnectionState = iota

	// StateConnecting: transport establishment in flight.
	StateConnecting

	// StateConnected: established and usable.
	StateConnected

	// StateReconnecting: transport lost; session-level reconnect running.
	StateReconnecting

	// StateDraining: shutting down, flushing buffered work.
	StateDraining

	// StateFailed: terminally failed; the client must be discarded.
	StateFailed
)

// String returns the snake_case state name.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDraining:
		return "draining"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
