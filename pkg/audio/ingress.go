package audio

import "time"

// Sequencer assigns the monotonically increasing sequence numbers that tag
// every frame at ingress. Sequence numbers are per-session and start at 1;
// downstream stages use them to detect gaps after ring overflow.
//
// Not safe for concurrent use: exactly one ingress goroutine owns it,
// matching the single-producer side of the [Ring].
type Sequencer struct {
	next  uint64
	start time.Time
}

// NewSequencer creates a sequencer whose frame timestamps are relative to
// now.
func NewSequencer() *Sequencer {
	return &Sequencer{next: 1, start: time.Now()}
}

// Stamp tags data as the next ingress frame in the given format.
func (s *Sequencer) Stamp(data []byte, f Format) AudioFrame {
	frame := AudioFrame{
		Data:       data,
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
		Encoding:   f.Encoding,
		Seq:        s.next,
		Timestamp:  time.Since(s.start),
	}
	s.next++
	return frame
}

// Next returns the sequence number the following Stamp call will assign.
func (s *Sequencer) Next() uint64 { return s.next }
