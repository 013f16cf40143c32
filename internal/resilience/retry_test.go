package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aurelay/aurelay/pkg/provider"
)

func transportErr(op string) error {
	return provider.Errorf(provider.KindTransport, "test", op, "connection reset")
}

func TestPolicy_DelayEnvelope(t *testing.T) {
	p := Policy{
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  2 * time.Second,
		Jitter:    0.2,
	}

	// Pre-jitter exponential: 100ms, 200ms, 400ms, ... capped at 2s.
	wantBase := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		2 * time.Second,
		2 * time.Second,
	}
	for n := 1; n <= len(wantBase); n++ {
		base := wantBase[n-1]
		lo := time.Duration(float64(base) * 0.8)
		hi := time.Duration(float64(base) * 1.2)
		// Sample repeatedly; every draw must land inside the envelope.
		for i := 0; i < 100; i++ {
			d := p.Delay(n)
			if d < lo || d > hi {
				t.Fatalf("Delay(%d) = %v, want within [%v, %v]", n, d, lo, hi)
			}
		}
	}
}

func TestPolicy_DelayNoJitter(t *testing.T) {
	p := Policy{
		BaseDelay: 50 * time.Millisecond,
		MaxDelay:  time.Second,
		Jitter:    -1, // disabled
	}
	for n, want := range map[int]time.Duration{
		1: 50 * time.Millisecond,
		2: 100 * time.Millisecond,
		3: 200 * time.Millisecond,
		6: time.Second,
		9: time.Second,
	} {
		if got := p.Delay(n); got != want {
			t.Errorf("Delay(%d) = %v, want %v", n, got, want)
		}
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3}, "op", func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDo_RetriesTransientFailure(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Jitter: -1}
	calls := 0
	err := Do(context.Background(), p, "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return transportErr("connect")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDo_NonRetryableAbortsImmediately(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}
	calls := 0
	authErr := provider.Errorf(provider.KindAuth, "test", "connect", "invalid key")
	err := Do(context.Background(), p, "op", func(ctx context.Context) error {
		calls++
		return authErr
	})
	if !errors.Is(err, authErr) {
		t.Fatalf("err = %v, want the auth error", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (auth errors are not retryable)", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Jitter: -1}
	calls := 0
	err := Do(context.Background(), p, "op", func(ctx context.Context) error {
		calls++
		return transportErr("connect")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if provider.Classify(err) != provider.KindTransport {
		t.Fatalf("Classify(err) = %v, want transport", provider.Classify(err))
	}
}

func TestDo_RetryableKindsOverride(t *testing.T) {
	// Only provider errors are retryable under this policy; a transport
	// error must abort immediately.
	p := Policy{
		MaxAttempts:    4,
		BaseDelay:      time.Millisecond,
		RetryableKinds: []provider.Kind{provider.KindProvider},
	}
	calls := 0
	err := Do(context.Background(), p, "op", func(ctx context.Context) error {
		calls++
		return transportErr("connect")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (transport excluded by RetryableKinds)", calls)
	}
}

func TestDo_RetryAfterHintStretchesDelay(t *testing.T) {
	p := Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, Jitter: -1}
	hint := 50 * time.Millisecond
	rlErr := &provider.Error{
		Kind:       provider.KindRateLimit,
		Provider:   "test",
		Op:         "synthesize",
		RetryAfter: hint,
		Err:        errors.New("429"),
	}

	calls := 0
	start := time.Now()
	err := Do(context.Background(), p, "op", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return rlErr
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < hint {
		t.Fatalf("elapsed = %v, want at least the %v Retry-After hint", elapsed, hint)
	}
}

func TestDo_CircuitOpenWaitsOutCooldown(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second, Jitter: -1}
	cooldown := 30 * time.Millisecond
	openErr := &provider.Error{
		Kind:       provider.KindCircuitOpen,
		Provider:   "test",
		Op:         "connect",
		RetryAfter: cooldown,
		Err:        errors.New("circuit breaker is open"),
	}

	calls := 0
	start := time.Now()
	err := Do(context.Background(), p, "op", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return openErr
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	if elapsed := time.Since(start); elapsed < cooldown {
		t.Fatalf("elapsed = %v, want at least the %v cooldown", elapsed, cooldown)
	}
}

func TestDo_CircuitOpenBeyondDelayCeilingAborts(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Jitter: -1}
	openErr := &provider.Error{
		Kind:       provider.KindCircuitOpen,
		Provider:   "test",
		Op:         "connect",
		RetryAfter: time.Hour,
		Err:        errors.New("circuit breaker is open"),
	}

	calls := 0
	err := Do(context.Background(), p, "op", func(ctx context.Context) error {
		calls++
		return openErr
	})
	if err == nil {
		t.Fatal("expected error")
	}
	// A cooldown past the delay ceiling is out of the policy's reach;
	// waiting cannot help, so the ladder stops after the first rejection.
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if provider.Classify(err) != provider.KindCircuitOpen {
		t.Fatalf("Classify(err) = %v, want circuit_open", provider.Classify(err))
	}
}

func TestDo_ContextCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour, Jitter: -1}

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, p, "op", func(ctx context.Context) error {
			return transportErr("connect")
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after cancellation")
		}
		// The underlying failure stays classifiable even when the retry
		// loop is aborted by the context.
		if provider.Classify(err) != provider.KindTransport {
			t.Fatalf("Classify(err) = %v, want transport", provider.Classify(err))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return promptly after cancellation")
	}
}

func TestDoValue_ReturnsValue(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Jitter: -1}
	calls := 0
	v, err := DoValue(context.Background(), p, "op", func(ctx context.Context) (int, error) {
		calls++
		if calls < 2 {
			return 0, transportErr("connect")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("v = %d, want 42", v)
	}
}
