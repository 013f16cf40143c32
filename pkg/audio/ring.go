package audio

import (
	"sync/atomic"
)

// Ring is a bounded lock-free ring buffer for [AudioFrame] values, built
// for the hot path between one decoder goroutine (producer) and one
// provider-sender goroutine (consumer).
//
// Overflow drops the oldest frame and increments the drop counter: the
// pipeline favors freshness over completeness, because stale buffered audio
// is worse for conversational latency than a small dropout.
//
// Slots carry sequence stamps so a push never observes a slot the consumer
// is still reading. Push and pop are each a bounded number of atomic
// operations; neither ever blocks. Len and Cap are diagnostics only — flow
// control decisions must use the TryPush/TryPop outcomes.
type Ring struct {
	mask  uint64
	slots []ringSlot

	head  atomic.Uint64 // next slot to pop
	tail  atomic.Uint64 // next slot to push
	drops atomic.Uint64
}

type ringSlot struct {
	seq   atomic.Uint64
	frame AudioFrame
}

// NewRing creates a ring holding up to capacity frames. Capacity is rounded
// up to the next power of two; values below 2 become 2.
func NewRing(capacity int) *Ring {
	n := uint64(2)
	for n < uint64(capacity) {
		n <<= 1
	}
	r := &Ring{
		mask:  n - 1,
		slots: make([]ringSlot, n),
	}
	for i := range r.slots {
		r.slots[i].seq.Store(uint64(i))
	}
	return r
}

// TryPush appends frame to the ring. When the ring is full the oldest
// frame is discarded to make room and the drop counter is incremented.
// Returns the number of frames dropped by this call (0 or 1).
//
// Must only be called from the single producer goroutine.
func (r *Ring) TryPush(frame AudioFrame) int {
	dropped := 0
	for {
		t := r.tail.Load()
		s := &r.slots[t&r.mask]
		seq := s.seq.Load()
		switch d := int64(seq) - int64(t); {
		case d == 0:
			// Slot free: claim, write, publish.
			if r.tail.CompareAndSwap(t, t+1) {
				s.frame = frame
				s.seq.Store(t + 1)
				return dropped
			}
		case d < 0:
			// Full: evict the oldest frame, then retry.
			if _, ok := r.TryPop(); ok {
				r.drops.Add(1)
				dropped++
			}
		default:
			// Slot published but tail not yet advanced; retry.
		}
	}
}

// TryPop removes and returns the oldest frame. Returns false when the ring
// is empty. Safe to call from the consumer goroutine and, for eviction,
// from the producer via TryPush.
func (r *Ring) TryPop() (AudioFrame, bool) {
	for {
		h := r.head.Load()
		s := &r.slots[h&r.mask]
		seq := s.seq.Load()
		switch d := int64(seq) - int64(h+1); {
		case d == 0:
			if r.head.CompareAndSwap(h, h+1) {
				frame := s.frame
				s.frame = AudioFrame{}
				s.seq.Store(h + r.mask + 1)
				return frame, true
			}
		case d < 0:
			return AudioFrame{}, false
		default:
			// Concurrent pop won the slot; retry.
		}
	}
}

// Clear discards every buffered frame without touching the drop counter.
// Used on barge-in to cut buffered synthesis output.
func (r *Ring) Clear() int {
	n := 0
	for {
		if _, ok := r.TryPop(); !ok {
			return n
		}
		n++
	}
}

// Len returns the number of buffered frames. Diagnostic only; the value may
// be stale by the time the caller acts on it.
func (r *Ring) Len() int {
	t := r.tail.Load()
	h := r.head.Load()
	if t < h {
		return 0
	}
	return int(t - h)
}

// Cap returns the fixed capacity in frames.
func (r *Ring) Cap() int { return len(r.slots) }

// Drops returns the cumulative count of frames discarded by overflow.
func (r *Ring) Drops() uint64 { return r.drops.Load() }
