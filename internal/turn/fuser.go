package turn

import (
	"sync/atomic"
	"time"

	"github.com/aurelay/aurelay/pkg/types"
)

// Fuser owns a session's turn ID sequence and normalizes provider
// transcript streams into the session's turn model: every transcript is
// stamped with the current turn ID, exactly one final closes each turn,
// and late revisions to a closed turn are dropped.
//
// IDs start at 1 and increase strictly; they survive provider reconnects
// because the Fuser lives in the session, not the provider handle.
//
// All methods except DroppedRevisions must be called from the session
// driver goroutine.
type Fuser struct {
	nextID    uint64
	current   *types.Turn
	lastFinal uint64 // highest turn id that has emitted its final

	// pending is the coalescing slot for partials under downstream
	// backpressure: only the newest undelivered partial is kept.
	pending *types.Transcript

	droppedRevisions atomic.Uint64
}

// NewFuser creates a Fuser whose first turn will be numbered 1.
func NewFuser() *Fuser {
	return &Fuser{nextID: 1}
}

// Open starts a new turn and returns it. If a turn is already open it is
// returned unchanged — opening is idempotent while a turn is in flight.
func (f *Fuser) Open(now time.Time) *types.Turn {
	if f.current != nil {
		return f.current
	}
	t := &types.Turn{ID: f.nextID, OpenedAt: now}
	f.nextID++
	f.current = t
	f.pending = nil
	return t
}

// Current returns the open turn, or nil if none is open.
func (f *Fuser) Current() *types.Turn { return f.current }

// CurrentID returns the open turn's ID, or 0 if none is open.
func (f *Fuser) CurrentID() uint64 {
	if f.current == nil {
		return 0
	}
	return f.current.ID
}

// StampPartial stamps an interim transcript with the current turn ID,
// opening a turn if the provider raced ahead of the VAD. Returns false
// when the transcript belongs to an already-finalized turn and was
// dropped.
func (f *Fuser) StampPartial(t types.Transcript, now time.Time) (types.Transcript, bool) {
	if f.current == nil {
		// Provider produced text before a local speech edge; the turn
		// opens retroactively.
		f.Open(now)
	}
	if f.current.ID <= f.lastFinal {
		f.droppedRevisions.Add(1)
		return types.Transcript{}, false
	}
	t.IsFinal = false
	t.TurnID = f.current.ID
	return t, true
}

// StampFinal stamps an authoritative transcript, closes the current turn
// with the given cause, and returns the closed turn alongside the stamped
// transcript. Returns false when no turn is open or the open turn already
// emitted its final; such revisions are dropped with a counter increment.
func (f *Fuser) StampFinal(t types.Transcript, cause types.TurnCause, now time.Time) (types.Transcript, *types.Turn, bool) {
	if f.current == nil || f.current.ID <= f.lastFinal {
		f.droppedRevisions.Add(1)
		return types.Transcript{}, nil, false
	}
	t.IsFinal = true
	t.TurnID = f.current.ID

	closed := f.current
	closed.ClosedAt = now
	closed.Cause = cause
	closed.Final = &t

	f.lastFinal = closed.ID
	f.current = nil
	f.pending = nil
	return t, closed, true
}

// Abort closes the current turn without a final transcript — used when a
// turn is cut by barge-in or teardown before any text was committed.
// Returns nil if no turn is open.
func (f *Fuser) Abort(cause types.TurnCause, now time.Time) *types.Turn {
	if f.current == nil {
		return nil
	}
	closed := f.current
	closed.ClosedAt = now
	closed.Cause = cause
	f.lastFinal = closed.ID
	f.current = nil
	f.pending = nil
	return closed
}

// SetPending stores t as the newest undelivered partial, replacing any
// older one. Used when the downstream event queue rejects a send.
func (f *Fuser) SetPending(t types.Transcript) {
	cp := t
	f.pending = &cp
}

// TakePending returns and clears the coalesced partial, if any.
func (f *Fuser) TakePending() (types.Transcript, bool) {
	if f.pending == nil {
		return types.Transcript{}, false
	}
	t := *f.pending
	f.pending = nil
	return t, true
}

// DroppedRevisions returns how many transcripts were dropped for
// targeting an already-finalized turn. Safe to read from any goroutine.
func (f *Fuser) DroppedRevisions() uint64 {
	return f.droppedRevisions.Load()
}
