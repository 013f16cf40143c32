package session

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/aurelay/aurelay/internal/resilience"
)

// DefaultReconnectPolicy is the session redial pacing: up to 10 attempts,
// one second of initial backoff doubling to a 30 second ceiling.
func DefaultReconnectPolicy() resilience.Policy {
	return resilience.Policy{
		MaxAttempts: 10,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// RedialConfig configures a [Reconnector].
type RedialConfig struct {
	// ProviderID names the provider in logs and redial errors.
	ProviderID string

	// Op names the redialled operation in logs, e.g. "stt.reconnect".
	Op string

	// Policy paces the attempts. A zero MaxAttempts selects
	// [DefaultReconnectPolicy].
	Policy resilience.Policy

	// Breaker guards the dial when non-nil: while the provider's circuit
	// is open the redial waits out the remaining cooldown and rides the
	// half-open probe, failing fast only when the cooldown exceeds the
	// policy's delay ceiling.
	Breaker *resilience.CircuitBreaker

	// Logger receives attempt logs. Nil uses slog.Default().
	Logger *slog.Logger
}

// Reconnector redials a dropped provider stream on behalf of a session
// driver. Attempts are paced by the retry policy and admitted through the
// provider's circuit breaker; the stream handle type is generic so the
// same machinery serves STT, TTS, and realtime sessions.
//
// A session keeps one Reconnector per provider stream and calls Reconnect
// from its driver goroutine whenever the transport drops. The attempt
// counter accumulates across calls.
type Reconnector[T any] struct {
	cfg  RedialConfig
	dial func(ctx context.Context) (T, error)

	attempts atomic.Uint64
}

// NewReconnector creates a Reconnector around dial.
func NewReconnector[T any](cfg RedialConfig, dial func(ctx context.Context) (T, error)) *Reconnector[T] {
	if cfg.Op == "" {
		cfg.Op = "reconnect"
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = DefaultReconnectPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reconnector[T]{cfg: cfg, dial: dial}
}

// Reconnect redials until a dial succeeds, the policy gives up, or ctx is
// cancelled. On failure the zero value of T is returned alongside the last
// dial error.
func (r *Reconnector[T]) Reconnect(ctx context.Context) (T, error) {
	log := r.cfg.Logger.With(
		slog.String("provider", r.cfg.ProviderID),
		slog.String("op", r.cfg.Op))
	log.Info("reconnecting provider stream")

	v, err := resilience.DoValue(ctx, r.cfg.Policy, r.cfg.Op, func(ctx context.Context) (T, error) {
		attempt := r.attempts.Add(1)
		log.Debug("redial attempt", slog.Uint64("attempt", attempt))
		var out T
		if dialErr := r.execute(ctx, &out); dialErr != nil {
			return out, dialErr
		}
		return out, nil
	})
	if err != nil {
		log.Error("reconnect failed",
			slog.Uint64("attempts", r.attempts.Load()),
			slog.Any("error", err))
		var zero T
		return zero, err
	}
	log.Info("provider stream reconnected", slog.Uint64("attempts", r.attempts.Load()))
	return v, nil
}

// execute runs one dial, through the breaker when configured.
func (r *Reconnector[T]) execute(ctx context.Context, out *T) error {
	if r.cfg.Breaker == nil {
		v, err := r.dial(ctx)
		if err != nil {
			return err
		}
		*out = v
		return nil
	}
	return r.cfg.Breaker.Execute(func() error {
		v, err := r.dial(ctx)
		if err != nil {
			return err
		}
		*out = v
		return nil
	})
}

// Attempts returns the cumulative number of dial attempts across all
// Reconnect calls. Safe to read from any goroutine.
func (r *Reconnector[T]) Attempts() uint64 {
	return r.attempts.Load()
}
