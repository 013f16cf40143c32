// Package resilience provides the reliability primitives wrapped around
// every provider call: bounded retry with jittered exponential backoff,
// per-provider circuit breakers, request caps, and provider failover
// groups.
//
// The central types are [CircuitBreaker], a three-state breaker
// (closed → open → half-open) keyed per (provider, endpoint), and
// [Policy], the pure retry policy. [FallbackGroup] composes multiple
// instances of any provider type with per-entry breakers so that a failing
// primary is automatically bypassed in favour of healthy fallbacks.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aurelay/aurelay/pkg/provider"
)

// ErrCircuitOpen is the sentinel wrapped inside the KindCircuitOpen error
// returned when a breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int32

const (
	// StateClosed is the normal operating state — all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped. Calls are rejected
	// immediately with a KindCircuitOpen error until the cooldown elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the cooldown. Exactly
	// one probe call is admitted at a time; enough successes close the
	// breaker, any failure re-opens it and restarts the cooldown clock.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [CircuitBreaker].
type BreakerConfig struct {
	// Provider is the provider id this breaker protects. Used in logs and
	// in the KindCircuitOpen errors it produces.
	Provider string

	// Endpoint distinguishes breakers of the same provider (e.g. "connect"
	// vs "synthesize"). May be empty when the provider has one endpoint.
	Endpoint string

	// FailureThreshold is the number of consecutive failures within Window
	// before the breaker opens. Default: 5.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open probe
	// successes required to close. Default: 1.
	SuccessThreshold int

	// Window bounds how long a run of failures stays relevant: a failure
	// arriving more than Window after the run began starts a new run.
	// Default: 10s.
	Window time.Duration

	// Cooldown is how long the breaker stays open before admitting a
	// half-open probe. Default: 30s.
	Cooldown time.Duration

	// OnStateChange, if non-nil, is invoked after every state transition.
	// Called synchronously with internal locks released; must not call back
	// into the breaker's Execute from the same goroutine stack.
	OnStateChange func(from, to State)
}

// CircuitBreaker implements the three-state circuit breaker pattern, one
// instance per (provider, endpoint). State is readable via [State] without
// taking a lock; transitions are serialized internally.
type CircuitBreaker struct {
	providerID       string
	endpoint         string
	failureThreshold int
	successThreshold int
	window           time.Duration
	cooldown         time.Duration
	onStateChange    func(from, to State)

	// state and openedAt are duplicated atomically so State() never blocks
	// behind an in-flight Execute.
	state    atomic.Int32
	openedAt atomic.Int64 // unix nanos of the last open transition

	mu             sync.Mutex
	failures       int
	runStart       time.Time // when the current failure run began
	lastFailure    time.Time
	probeInFlight  bool
	probeSuccesses int
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied
// configuration. Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		providerID:       cfg.Provider,
		endpoint:         cfg.Endpoint,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		window:           cfg.Window,
		cooldown:         cfg.Cooldown,
		onStateChange:    cfg.OnStateChange,
	}
}

// Execute runs fn if the breaker allows it. In the open state it returns a
// KindCircuitOpen error without calling fn. In the half-open state exactly
// one probe is admitted at a time; concurrent callers are rejected until
// the probe settles.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn()

	cb.mu.Lock()
	var transition func()
	if probe {
		cb.probeInFlight = false
	}
	if err != nil {
		transition = cb.recordFailureLocked(probe)
	} else {
		transition = cb.recordSuccessLocked(probe)
	}
	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
	return err
}

// admit decides whether the call may proceed, returning whether it counts
// as a half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	now := time.Now()
	var transition func()
	s := State(cb.state.Load())
	if s == StateOpen && now.Sub(time.Unix(0, cb.openedAt.Load())) >= cb.cooldown {
		transition = cb.setStateLocked(StateHalfOpen)
		cb.probeSuccesses = 0
		s = StateHalfOpen
	}

	switch s {
	case StateOpen:
		cb.mu.Unlock()
		return false, cb.openError()
	case StateHalfOpen:
		if cb.probeInFlight {
			cb.mu.Unlock()
			if transition != nil {
				transition()
			}
			return false, cb.openError()
		}
		cb.probeInFlight = true
		probe = true
	}
	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
	return probe, nil
}

// recordFailureLocked handles failure accounting. Must be called with
// cb.mu held; returns the deferred state-change notification, if any.
func (cb *CircuitBreaker) recordFailureLocked(probe bool) func() {
	now := time.Now()
	cb.lastFailure = now

	if probe {
		// Any probe failure re-opens and restarts the cooldown clock.
		slog.Warn("circuit breaker re-opened from half-open",
			"provider", cb.providerID, "endpoint", cb.endpoint)
		cb.failures = cb.failureThreshold
		return cb.openLocked(now)
	}

	if cb.failures == 0 || now.Sub(cb.runStart) > cb.window {
		// Start a new failure run.
		cb.failures = 0
		cb.runStart = now
	}
	cb.failures++
	if cb.failures >= cb.failureThreshold {
		slog.Warn("circuit breaker opened",
			"provider", cb.providerID,
			"endpoint", cb.endpoint,
			"consecutive_failures", cb.failures)
		return cb.openLocked(now)
	}
	return nil
}

// recordSuccessLocked handles success accounting. Must be called with
// cb.mu held; returns the deferred state-change notification, if any.
func (cb *CircuitBreaker) recordSuccessLocked(probe bool) func() {
	if probe {
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.successThreshold {
			cb.failures = 0
			cb.probeSuccesses = 0
			slog.Info("circuit breaker closed after successful probes",
				"provider", cb.providerID, "endpoint", cb.endpoint)
			return cb.setStateLocked(StateClosed)
		}
		return nil
	}
	cb.failures = 0
	return nil
}

func (cb *CircuitBreaker) openLocked(now time.Time) func() {
	cb.openedAt.Store(now.UnixNano())
	return cb.setStateLocked(StateOpen)
}

func (cb *CircuitBreaker) setStateLocked(to State) func() {
	from := State(cb.state.Load())
	if from == to {
		return nil
	}
	cb.state.Store(int32(to))
	if cb.onStateChange == nil {
		return nil
	}
	return func() { cb.onStateChange(from, to) }
}

// openError builds the KindCircuitOpen rejection. The remaining cooldown
// rides along as RetryAfter so the retry ladder can sleep until the
// half-open probe window instead of burning attempts against a closed door.
func (cb *CircuitBreaker) openError() error {
	remaining := cb.cooldown - time.Since(time.Unix(0, cb.openedAt.Load()))
	if remaining < 0 {
		remaining = 0
	}
	return &provider.Error{
		Kind:       provider.KindCircuitOpen,
		Provider:   cb.providerID,
		Op:         cb.endpoint,
		RetryAfter: remaining,
		Err:        ErrCircuitOpen,
	}
}

// State returns the current [State] without locking. If the breaker is
// open and the cooldown has elapsed, the returned state is [StateHalfOpen]
// (the actual transition happens on the next [Execute] call).
func (cb *CircuitBreaker) State() State {
	s := State(cb.state.Load())
	if s == StateOpen && time.Since(time.Unix(0, cb.openedAt.Load())) >= cb.cooldown {
		return StateHalfOpen
	}
	return s
}

// Stats is a point-in-time snapshot of breaker accounting for diagnostics
// and the health endpoint.
type Stats struct {
	State         State
	Failures      int
	LastFailureAt time.Time
	OpenedAt      time.Time
}

// Snapshot returns the breaker's current accounting.
func (cb *CircuitBreaker) Snapshot() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	st := Stats{
		State:         State(cb.state.Load()),
		Failures:      cb.failures,
		LastFailureAt: cb.lastFailure,
	}
	if ns := cb.openedAt.Load(); ns != 0 {
		st.OpenedAt = time.Unix(0, ns)
	}
	return st
}

// Reset manually forces the breaker back to [StateClosed], clearing all
// failure counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failures = 0
	cb.probeSuccesses = 0
	cb.probeInFlight = false
	transition := cb.setStateLocked(StateClosed)
	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
	slog.Info("circuit breaker manually reset",
		"provider", cb.providerID, "endpoint", cb.endpoint)
}

// ─── BreakerSet ──────────────────────────────────────────────────────────────

// BreakerSet is the process-wide collection of breakers keyed by
// (provider, endpoint). Sessions share breakers through it so failures
// observed by one session protect every other session using the same
// provider.
type BreakerSet struct {
	cfg BreakerConfig

	// onTransition, when set, observes every state change of every breaker
	// in the set. Must be set before the first call to For.
	onTransition func(providerID, endpoint string, from, to State)

	mu       sync.RWMutex
	breakers map[breakerKey]*CircuitBreaker
}

type breakerKey struct {
	provider string
	endpoint string
}

// NewBreakerSet creates a set whose breakers inherit cfg (Provider and
// Endpoint are overridden per breaker).
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg,
		breakers: make(map[breakerKey]*CircuitBreaker),
	}
}

// OnTransition registers fn to observe state changes across the whole set,
// labelled with the owning breaker's provider and endpoint. It composes with
// any per-breaker OnStateChange from the template config. Call before the
// set hands out its first breaker.
func (bs *BreakerSet) OnTransition(fn func(providerID, endpoint string, from, to State)) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.onTransition = fn
}

// For returns the breaker for (providerID, endpoint), creating it on first
// use.
func (bs *BreakerSet) For(providerID, endpoint string) *CircuitBreaker {
	key := breakerKey{provider: providerID, endpoint: endpoint}

	bs.mu.RLock()
	cb, ok := bs.breakers[key]
	bs.mu.RUnlock()
	if ok {
		return cb
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()
	if cb, ok := bs.breakers[key]; ok {
		return cb
	}
	cfg := bs.cfg
	cfg.Provider = providerID
	cfg.Endpoint = endpoint
	if bs.onTransition != nil {
		inner := cfg.OnStateChange
		observe := bs.onTransition
		cfg.OnStateChange = func(from, to State) {
			if inner != nil {
				inner(from, to)
			}
			observe(providerID, endpoint, from, to)
		}
	}
	cb = NewCircuitBreaker(cfg)
	bs.breakers[key] = cb
	return cb
}

// Each calls fn for every breaker currently in the set.
func (bs *BreakerSet) Each(fn func(providerID, endpoint string, cb *CircuitBreaker)) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	for key, cb := range bs.breakers {
		fn(key.provider, key.endpoint, cb)
	}
}
