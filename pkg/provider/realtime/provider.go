// Package realtime defines the Provider interface for speech-to-speech
// backends.
//
// A realtime provider wraps a duplex voice AI service that accepts raw audio
// input and returns synthesized audio output in a single, stateful session —
// bypassing the separate STT → responder → TTS pipeline entirely. Examples
// include the OpenAI Realtime API and the Gemini Live API.
//
// The central abstraction is SessionHandle: a bidirectional, multiplexed
// channel that carries audio, transcripts, function calls, and lifecycle
// events concurrently. Sessions are designed to be long-lived (seconds to
// minutes) and support mid-session reconfiguration.
//
// All implementations must be safe for concurrent use.
package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aurelay/aurelay/pkg/audio"
	"github.com/aurelay/aurelay/pkg/provider"
)

// Tool describes one function the model may call during the session.
// Parameters is a JSON Schema object.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// FunctionCall is the model requesting a tool invocation. The application
// executes it and answers through SessionHandle.SendFunctionResult with the
// same CallID.
type FunctionCall struct {
	// CallID correlates the result with this request.
	CallID string

	// Name is the tool name, matching a Tool.Name from the session config.
	Name string

	// Arguments is the JSON-encoded argument object.
	Arguments string
}

// Role identifies the speaker of a transcript event.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TranscriptEvent is a piece of recognized or generated text attributed to
// one side of the conversation.
type TranscriptEvent struct {
	// Role says whose speech this text represents.
	Role Role

	// Text is the transcript content. For non-final events it is the full
	// hypothesis so far, not a delta.
	Text string

	// Final marks the transcript as committed; a final event supersedes all
	// earlier non-final events for the same ItemID.
	Final bool

	// ItemID groups events belonging to the same utterance or response.
	ItemID string
}

// EventType enumerates session lifecycle notifications.
type EventType int

const (
	// EventResponseStarted: the model began generating a response.
	EventResponseStarted EventType = iota

	// EventResponseDone: the current response finished (completed or was
	// cancelled).
	EventResponseDone

	// EventInputSpeechStarted: server-side VAD detected the user speaking.
	EventInputSpeechStarted

	// EventInputSpeechStopped: server-side VAD detected end of user speech.
	EventInputSpeechStopped

	// EventInputCommitted: the input audio buffer was committed into the
	// conversation, either explicitly or by server VAD.
	EventInputCommitted

	// EventError: the provider reported a non-fatal error. Fatal errors
	// close the session and surface through Err instead.
	EventError
)

// String returns the snake_case event name.
func (t EventType) String() string {
	switch t {
	case EventResponseStarted:
		return "response_started"
	case EventResponseDone:
		return "response_done"
	case EventInputSpeechStarted:
		return "input_speech_started"
	case EventInputSpeechStopped:
		return "input_speech_stopped"
	case EventInputCommitted:
		return "input_committed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a session lifecycle notification.
type Event struct {
	Type EventType

	// ResponseID identifies the response for response events, when the
	// provider assigns one.
	ResponseID string

	// Err carries the provider error for EventError events.
	Err error
}

// SessionConfig is the initial configuration for a new realtime session.
type SessionConfig struct {
	// Voice is the provider-side voice name for synthesized output.
	Voice string

	// Instructions is the system-level prompt that defines the assistant's
	// behaviour. Bounded by the process instruction size cap.
	Instructions string

	// Tools is the initial set of function definitions offered to the
	// model. Calls are surfaced on the FunctionCalls channel.
	Tools []Tool

	// InputFormat is the format of audio passed to SendAudio.
	InputFormat audio.Format

	// OutputFormat is the requested format of emitted audio. Providers that
	// cannot honour it exactly pick the closest match; check frames.
	OutputFormat audio.Format

	// ServerVAD enables provider-side turn detection. When false the caller
	// drives turns manually with CommitAudio and CreateResponse.
	ServerVAD bool

	// Temperature tunes response sampling, provider scale. Zero means the
	// provider default.
	Temperature float64

	// IdleTimeout bounds how long the session tolerates read-side silence
	// before declaring the transport dead with a KindTimeout error. Zero
	// selects [provider.DefaultIdleTimeout]; negative disables the
	// watchdog.
	IdleTimeout time.Duration
}

// Info describes static properties of the realtime provider's model.
// The values are assumed constant for the lifetime of the Provider instance.
type Info struct {
	// ContextWindow is the maximum token count (or provider-equivalent
	// unit) the model can maintain across the session.
	ContextWindow int

	// MaxSessionDuration is the hard upper bound on session lifetime
	// imposed by the provider. Zero means no documented limit.
	MaxSessionDuration time.Duration

	// SupportsResumption indicates whether a session can be reconnected
	// after a transient network failure without losing accumulated context.
	SupportsResumption bool

	// Voices lists the voice names available for this provider.
	Voices []string
}

// SessionHandle represents an open realtime session. It is an interface so
// that test code can supply mock implementations without a live provider
// connection.
//
// The session is the hot path of the voice pipeline — every method must
// return quickly. Audio I/O is channel-based to avoid blocking the caller's
// audio thread. All methods must be safe for concurrent use.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers a raw audio chunk to the provider for processing.
	// The chunk must match SessionConfig.InputFormat. Returns an error if
	// the session is closed or the provider cannot accept the chunk.
	SendAudio(chunk []byte) error

	// SendText injects a text input into the conversation, as if the user
	// had typed it. Bounded by the process text size cap.
	SendText(text string) error

	// CommitAudio closes the current input audio buffer and hands it to the
	// model. Required in manual-VAD mode; in server-VAD mode the provider
	// commits on detected end of speech and this call is a no-op hint.
	CommitAudio() error

	// ClearAudio discards the uncommitted input audio buffer.
	ClearAudio() error

	// CreateResponse asks the model to generate a response now. Required in
	// manual-VAD mode after CommitAudio; in server-VAD mode responses start
	// automatically.
	CreateResponse() error

	// CancelResponse stops the in-progress response and discards buffered
	// output audio on the provider side. Used for barge-in. Safe to call
	// with no response in flight.
	CancelResponse() error

	// UpdateInstructions replaces the system-level instructions.
	// Effective for the next model turn.
	UpdateInstructions(instructions string) error

	// SetTools replaces the active function definitions without restarting
	// the session. The change takes effect on a best-effort basis for
	// in-flight turns.
	SetTools(tools []Tool) error

	// SendFunctionResult answers a FunctionCall. result is the
	// JSON-encoded return value; it is bounded by the process function
	// result size cap.
	SendFunctionResult(callID, result string) error

	// Audio returns a read-only channel that emits raw audio byte slices in
	// OutputFormat as the model synthesizes its spoken response. The
	// channel is closed when the session ends. Consumers must drain this
	// channel promptly to prevent backpressure from stalling the provider's
	// receive loop.
	Audio() <-chan []byte

	// Transcripts returns a read-only channel that emits TranscriptEvent
	// values for both user speech (as recognized by the model) and
	// assistant responses (as generated text). Closed when the session
	// ends.
	Transcripts() <-chan TranscriptEvent

	// FunctionCalls returns a read-only channel that emits the model's tool
	// invocation requests. Closed when the session ends.
	FunctionCalls() <-chan FunctionCall

	// Events returns a read-only channel of lifecycle notifications.
	// Closed when the session ends.
	Events() <-chan Event

	// Err returns the error that terminated the session, or nil if it
	// ended cleanly. Callers should check Err after the Audio channel is
	// closed.
	Err() error

	// Close terminates the session, releases all resources, and closes all
	// output channels. Calling Close more than once is safe and returns
	// nil.
	Close() error
}

// Provider is the abstraction over any realtime speech-to-speech backend.
//
// Implementations must be safe for concurrent use; the runtime may open
// multiple concurrent sessions.
type Provider interface {
	// Connect establishes a new realtime session with the given
	// configuration. The returned SessionHandle is ready to accept audio
	// immediately.
	//
	// Returns an error if the session cannot be established (e.g.,
	// authentication failure, invalid voice, or ctx already cancelled). The
	// caller owns the SessionHandle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities reports what this provider can do.
	Capabilities() provider.CapabilitySet

	// Info returns static metadata about this provider's underlying model.
	// The result is assumed constant for the lifetime of the Provider
	// instance.
	Info() Info
}
