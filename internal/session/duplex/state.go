package duplex

// State is the duplex session's position in its lifecycle. Compared with
// the cascaded pipeline the machine collapses: once the provider stream is
// up, user audio, assistant audio, transcripts, and tool calls all flow in
// a single Active state. The driver goroutine owns all transitions;
// State() reads are lock-free snapshots.
type State int32

const (
	// StateIdle: constructed, no provider connected.
	StateIdle State = iota

	// StateStarting: provider connect in progress.
	StateStarting

	// StateActive: the bidirectional stream is live.
	StateActive

	// StateReconnecting: the provider stream dropped and is being
	// redialled. Inbound audio is held in the ring meanwhile.
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
	case StateActive:
		return "active"
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
