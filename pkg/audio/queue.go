package audio

import (
	"errors"
	"sync"
)

// ErrBackpressure is returned by [ControlQueue.TrySend] when the queue is
// full. Producers must treat it as a signal, not a failure: control events
// are never silently dropped the way overflowing audio frames are.
var ErrBackpressure = errors.New("audio: control queue full")

// ErrQueueClosed is returned by TrySend after Close.
var ErrQueueClosed = errors.New("audio: control queue closed")

// ControlQueue is a bounded multi-producer single-consumer queue for
// control events (config changes, barge-in cuts, commits, function
// results). Unlike the audio [Ring], overflow rejects the producer with
// [ErrBackpressure] rather than dropping — control events carry intent and
// must not vanish.
type ControlQueue[T any] struct {
	ch chan T

	mu     sync.Mutex
	closed bool
}

// NewControlQueue creates a queue holding up to capacity events. Capacity
// values below 1 become 1.
func NewControlQueue[T any](capacity int) *ControlQueue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ControlQueue[T]{ch: make(chan T, capacity)}
}

// TrySend enqueues ev without blocking. Returns ErrBackpressure when the
// queue is full and ErrQueueClosed after Close. Safe for concurrent use by
// any number of producers.
func (q *ControlQueue[T]) TrySend(ev T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- ev:
		return nil
	default:
		return ErrBackpressure
	}
}

// Recv returns the receive side for the single consumer. The channel is
// closed by Close after all buffered events have been left for the consumer
// to drain.
func (q *ControlQueue[T]) Recv() <-chan T { return q.ch }

// Close marks the queue closed and closes the receive channel. Buffered
// events remain readable. Calling Close more than once is safe.
func (q *ControlQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Len returns the number of buffered events. Diagnostic only.
func (q *ControlQueue[T]) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *ControlQueue[T]) Cap() int { return cap(q.ch) }
