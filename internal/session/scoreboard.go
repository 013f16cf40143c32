package session

import (
	"sync"

	"github.com/aurelay/aurelay/pkg/provider"
)

// Scoreboard counts classified errors per provider over a session's life.
// Recoverable errors are absorbed by the session driver and never reach the
// client as events, so the scoreboard is where they stay visible to health
// checks, logs, and tests.
type Scoreboard struct {
	mu     sync.Mutex
	counts map[string]map[provider.Kind]uint64
	total  uint64
}

// NewScoreboard creates an empty scoreboard.
func NewScoreboard() *Scoreboard {
	return &Scoreboard{counts: make(map[string]map[provider.Kind]uint64)}
}

// Record classifies err and counts it against providerID. Nil errors are
// ignored.
func (s *Scoreboard) Record(providerID string, err error) {
	if err == nil {
		return
	}
	kind := provider.Classify(err)

	s.mu.Lock()
	defer s.mu.Unlock()
	perKind := s.counts[providerID]
	if perKind == nil {
		perKind = make(map[provider.Kind]uint64)
		s.counts[providerID] = perKind
	}
	perKind[kind]++
	s.total++
}

// Total returns how many errors have been recorded.
func (s *Scoreboard) Total() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Count returns how many errors of the given kind were recorded against
// providerID.
func (s *Scoreboard) Count(providerID string, kind provider.Kind) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[providerID][kind]
}

// Snapshot returns a deep copy of the per-provider, per-kind counts.
func (s *Scoreboard) Snapshot() map[string]map[provider.Kind]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]map[provider.Kind]uint64, len(s.counts))
	for id, perKind := range s.counts {
		cp := make(map[provider.Kind]uint64, len(perKind))
		for k, n := range perKind {
			cp[k] = n
		}
		out[id] = cp
	}
	return out
}
