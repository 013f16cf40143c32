package stt

import "time"

// FlushStrategy selects when a buffered (non-streaming) STT provider
// transcribes the audio it has accumulated.
type FlushStrategy int

const (
	// FlushOnDisconnect transcribes only when the session closes. This is
	// the default: a single request per session, maximum context for the
	// model, no mid-session results.
	FlushOnDisconnect FlushStrategy = iota

	// FlushOnSize transcribes whenever the buffer reaches SizeBytes.
	FlushOnSize

	// FlushOnDuration transcribes on a fixed Interval cadence.
	FlushOnDuration

	// FlushOnSilence transcribes after SilenceHold of sustained low energy,
	// approximating utterance endpointing without a streaming connection.
	FlushOnSilence
)

// String returns the snake_case strategy name used in configuration files.
func (s FlushStrategy) String() string {
	switch s {
	case FlushOnDisconnect:
		return "on_disconnect"
	case FlushOnSize:
		return "on_size"
	case FlushOnDuration:
		return "on_duration"
	case FlushOnSilence:
		return "on_silence"
	default:
		return "unknown"
	}
}

// ParseFlushStrategy maps a configuration string to its FlushStrategy.
// Unrecognized values fall back to FlushOnDisconnect.
func ParseFlushStrategy(s string) FlushStrategy {
	switch s {
	case "on_size":
		return FlushOnSize
	case "on_duration":
		return FlushOnDuration
	case "on_silence":
		return FlushOnSilence
	default:
		return FlushOnDisconnect
	}
}

// FlushConfig tunes buffered-provider flushing. Zero-value fields take the
// per-strategy defaults; the zero struct means FlushOnDisconnect.
type FlushConfig struct {
	// Strategy selects the flush trigger.
	Strategy FlushStrategy

	// SizeBytes is the buffer size that triggers a flush under FlushOnSize.
	// Default: 320000 (10s of 16kHz mono PCM16).
	SizeBytes int

	// Interval is the flush cadence under FlushOnDuration. Default: 10s.
	Interval time.Duration

	// SilenceHold is how long the signal must stay below the energy
	// threshold to trigger a flush under FlushOnSilence. Default: 500ms.
	SilenceHold time.Duration
}

// WithDefaults returns cfg with zero fields replaced by the per-strategy
// defaults.
func (c FlushConfig) WithDefaults() FlushConfig {
	if c.SizeBytes <= 0 {
		c.SizeBytes = 320000
	}
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.SilenceHold <= 0 {
		c.SilenceHold = 500 * time.Millisecond
	}
	return c
}
