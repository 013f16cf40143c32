package audio

// Notify is a single-slot wakeup primitive. Producers call Signal after
// pushing to a ring; the parked consumer selects on Wait. Coalescing is
// intentional: any number of signals while the consumer is busy collapse
// into one wakeup, and the consumer drains the ring each time it wakes.
type Notify struct {
	ch chan struct{}
}

// NewNotify creates a Notify with an empty slot.
func NewNotify() *Notify {
	return &Notify{ch: make(chan struct{}, 1)}
}

// Signal wakes the consumer if it is parked. Never blocks.
func (n *Notify) Signal() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// Wait returns the channel the consumer parks on. Each receive consumes
// one coalesced signal.
func (n *Notify) Wait() <-chan struct{} { return n.ch }
