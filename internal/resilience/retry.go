package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/aurelay/aurelay/pkg/provider"
)

// Policy describes bounded retry with exponential backoff and jitter.
// The zero value is usable; zero fields take the documented defaults.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first.
	// Default: 3.
	MaxAttempts int

	// BaseDelay is the backoff before the first retry. Default: 200ms.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth. Default: 5s.
	MaxDelay time.Duration

	// Jitter spreads each delay uniformly across
	// [delay*(1-Jitter), delay*(1+Jitter)]. Default: 0.2. Set negative to
	// disable jitter entirely.
	Jitter float64

	// RetryableKinds restricts which error kinds are retried. Empty means
	// the per-kind defaults from [provider.IsRetryable] apply.
	RetryableKinds []provider.Kind
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 200 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.Jitter == 0 {
		p.Jitter = 0.2
	} else if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Delay returns the sampled backoff before retry n (1-indexed): the
// exponential min(MaxDelay, BaseDelay*2^(n-1)) scaled by a uniform jitter
// factor in [1-Jitter, 1+Jitter].
func (p Policy) Delay(n int) time.Duration {
	p = p.withDefaults()
	if n < 1 {
		n = 1
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.MaxDelay {
			break
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		factor := 1 - p.Jitter + 2*p.Jitter*rand.Float64()
		d = time.Duration(float64(d) * factor)
	}
	return d
}

func (p Policy) retryable(err error) bool {
	if len(p.RetryableKinds) == 0 {
		return provider.IsRetryable(err)
	}
	kind := provider.Classify(err)
	for _, k := range p.RetryableKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Do runs fn up to p.MaxAttempts times, backing off between attempts
// according to the policy. Non-retryable errors abort immediately. A
// RetryAfter hint on the error (rate limits, breaker cooldowns) overrides
// the computed delay when it is longer — except for an open breaker whose
// remaining cooldown exceeds MaxDelay, which aborts instead of waiting
// beyond the policy's delay ceiling. op names the operation in retry logs.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is [Do] for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	var zero T
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("resilience: %s aborted after %d attempts: %w (context: %v)", op, attempt-1, lastErr, err)
			}
			return zero, err
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !p.retryable(err) || attempt == p.MaxAttempts {
			break
		}

		delay := p.Delay(attempt)
		if hint := provider.RetryAfterHint(err); hint > delay {
			if provider.Classify(err) == provider.KindCircuitOpen && hint > p.MaxDelay {
				// The breaker will not half-open within the policy's
				// delay ceiling; waiting cannot help.
				break
			}
			delay = hint
		}
		slog.Debug("retrying after failure",
			"op", op,
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"delay", delay,
			"error", err)
		if serr := sleep(ctx, delay); serr != nil {
			return zero, fmt.Errorf("resilience: %s aborted after %d attempts: %w (context: %v)", op, attempt, lastErr, serr)
		}
	}
	return zero, lastErr
}

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
