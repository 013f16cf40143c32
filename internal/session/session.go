// Package session provides the runtime shared by both session drivers: the
// client-facing event model, the per-session error scoreboard
// ([Scoreboard]), bounded conversation history ([History]), and provider
// stream redial ([Reconnector]).
//
// The drivers themselves live below: internal/session/voice runs the
// cascaded STT → responder → TTS pipeline, internal/session/duplex bridges
// a client to a realtime speech-to-speech provider.
//
// All exported types are safe for concurrent use unless noted otherwise.
package session

import (
	"github.com/aurelay/aurelay/pkg/provider/realtime"
	"github.com/aurelay/aurelay/pkg/types"
)

// EventType enumerates the notifications a session emits toward its client.
type EventType int

const (
	// EventSessionCreated confirms the session is live and accepting audio.
	EventSessionCreated EventType = iota

	// EventSessionUpdated confirms a mid-session configuration change was
	// applied.
	EventSessionUpdated

	// EventTranscript delivers a stamped transcript, partial or final.
	EventTranscript

	// EventSpeech reports a speech boundary from voice activity detection.
	EventSpeech

	// EventFunctionCall surfaces a provider function call for the
	// application to execute.
	EventFunctionCall

	// EventResponseStarted marks the beginning of an assistant response.
	EventResponseStarted

	// EventResponseDone marks the end of an assistant response, complete or
	// cut short.
	EventResponseDone

	// EventError reports an unrecoverable or client-triggered failure.
	// Recoverable provider errors are absorbed by the session and surface
	// only on the scoreboard.
	EventError

	// EventClosing announces imminent termination. It is the last event
	// before the event channel closes.
	EventClosing
)

// String returns the wire name of the event type.
func (t EventType) String() string {
	switch t {
	case EventSessionCreated:
		return "session_created"
	case EventSessionUpdated:
		return "session_updated"
	case EventTranscript:
		return "transcript"
	case EventSpeech:
		return "speech_event"
	case EventFunctionCall:
		return "function_call"
	case EventResponseStarted:
		return "response_started"
	case EventResponseDone:
		return "response_done"
	case EventError:
		return "error"
	case EventClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// SpeechKind labels the two boundaries of an [EventSpeech].
type SpeechKind string

const (
	// SpeechStarted marks the onset of user speech.
	SpeechStarted SpeechKind = "started"

	// SpeechStopped marks the end of user speech.
	SpeechStopped SpeechKind = "stopped"
)

// Event is one notification from a session to its client. Type selects
// which payload fields are meaningful; the rest stay zero.
type Event struct {
	Type EventType

	// Transcript is the stamped transcript for EventTranscript.
	Transcript types.Transcript

	// Role attributes the transcript speaker for EventTranscript. Duplex
	// sessions carry both sides of the conversation; empty means the
	// session's user.
	Role realtime.Role

	// Speech is the boundary kind for EventSpeech.
	Speech SpeechKind

	// Call is the call surfaced verbatim from the provider for
	// EventFunctionCall.
	Call realtime.FunctionCall

	// ResponseID ties an EventResponseStarted to its EventResponseDone.
	ResponseID string

	// Interrupted is set on an EventResponseDone whose response was cut
	// short by barge-in or cancellation.
	Interrupted bool

	// Err carries the classified error for EventError.
	Err error
}
