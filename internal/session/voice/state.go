package voice

// State is the voice session's position in its lifecycle. The driver
// goroutine owns all transitions; State() reads are lock-free snapshots.
type State int32

const (
	// StateIdle: constructed, no provider connected.
	StateIdle State = iota

	// StateStarting: STT connect in progress.
	StateStarting

	// StateListening: live, waiting for user speech.
	StateListening

	// StateTranscribing: a user turn is open and audio is streaming to STT.
	StateTranscribing

	// StateThinking: the turn closed and the responder is producing a reply.
	StateThinking

	// StateSpeaking: synthesized reply audio is flowing to the client.
	StateSpeaking

	// StateInterrupted: the reply was just cut by barge-in; transient.
	StateInterrupted

	// StateReconnecting: the STT stream dropped and is being redialled.
	// Inbound audio is held in the ring meanwhile.
	StateReconnecting

	// StateDraining: teardown cascade in progress.
	StateDraining

	// StateTerminated: all pumps stopped, channels closed. Terminal.
	StateTerminated
)

// String returns the snake_case name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateTranscribing:
		return "transcribing"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateInterrupted:
		return "interrupted"
	case StateReconnecting:
		return "reconnecting"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}
