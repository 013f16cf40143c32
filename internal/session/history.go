package session

import (
	"strings"
	"sync"

	"github.com/aurelay/aurelay/internal/responder"
)

// defaultMaxHistoryTurns bounds how much conversation a session retains
// for its responder when no explicit cap is configured.
const defaultMaxHistoryTurns = 64

// History holds the conversation a session feeds to its responder. It is
// bounded: once the turn count exceeds the cap, the oldest turns are
// evicted and the head is advanced to the next user turn, so the responder
// never sees an assistant reply without the prompt that produced it.
//
// The session core keeps no state beyond this window; a client that wants
// persistence owns it on the far side of the responder boundary.
//
// All methods are safe for concurrent use.
type History struct {
	mu    sync.Mutex
	max   int
	turns []responder.Turn
}

// NewHistory creates a History bounded to maxTurns entries. Values below 2
// select the default of 64.
func NewHistory(maxTurns int) *History {
	if maxTurns < 2 {
		maxTurns = defaultMaxHistoryTurns
	}
	return &History{max: maxTurns}
}

// AddUser appends a user turn. Blank text is ignored.
func (h *History) AddUser(text string) {
	h.add(responder.RoleUser, text)
}

// AddAssistant appends an assistant turn. Blank text is ignored.
func (h *History) AddAssistant(text string) {
	h.add(responder.RoleAssistant, text)
}

func (h *History) add(role responder.Role, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, responder.Turn{Role: role, Text: text})
	h.evictLocked()
}

// evictLocked drops oldest turns until the window fits the cap, then keeps
// dropping until the head is a user turn.
func (h *History) evictLocked() {
	if len(h.turns) <= h.max {
		return
	}
	drop := len(h.turns) - h.max
	for drop < len(h.turns) && h.turns[drop].Role != responder.RoleUser {
		drop++
	}
	h.turns = append(h.turns[:0:0], h.turns[drop:]...)
}

// Turns returns a copy of the window, oldest first.
func (h *History) Turns() []responder.Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]responder.Turn(nil), h.turns...)
}

// Len returns the number of turns currently held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

// Reset clears the conversation.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = nil
}
