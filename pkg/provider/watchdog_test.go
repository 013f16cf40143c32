package provider_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aurelay/aurelay/pkg/provider"
)

const watchdogWait = 2 * time.Second

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(watchdogWait):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestWatchIdle_ExpiresWithoutActivity(t *testing.T) {
	t.Parallel()

	expired := make(chan struct{})
	w := provider.WatchIdle(10*time.Millisecond, nil, func() { close(expired) })
	defer w.Stop()

	waitFor(t, expired, "expiry")
}

func TestWatchIdle_ResetDefersExpiry(t *testing.T) {
	t.Parallel()

	var expired atomic.Bool
	w := provider.WatchIdle(50*time.Millisecond, nil, func() { expired.Store(true) })
	defer w.Stop()

	// Keep resetting well inside the window; the watchdog must stay quiet.
	for i := 0; i < 10; i++ {
		time.Sleep(10 * time.Millisecond)
		w.Reset()
	}
	if expired.Load() {
		t.Fatal("watchdog expired despite steady activity")
	}
}

func TestWatchIdle_ProbeSuccessRearms(t *testing.T) {
	t.Parallel()

	var probes atomic.Int32
	var expired atomic.Bool
	w := provider.WatchIdle(10*time.Millisecond,
		func(ctx context.Context) error {
			probes.Add(1)
			return nil
		},
		func() { expired.Store(true) })
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)
	if probes.Load() < 2 {
		t.Fatalf("probes = %d, want repeated probing across idle windows", probes.Load())
	}
	if expired.Load() {
		t.Fatal("watchdog expired despite the peer answering probes")
	}
}

func TestWatchIdle_ProbeFailureExpiresOnce(t *testing.T) {
	t.Parallel()

	var expiries atomic.Int32
	expired := make(chan struct{})
	w := provider.WatchIdle(10*time.Millisecond,
		func(ctx context.Context) error { return errors.New("no pong") },
		func() {
			if expiries.Add(1) == 1 {
				close(expired)
			}
		})
	defer w.Stop()

	waitFor(t, expired, "expiry")
	time.Sleep(50 * time.Millisecond)
	if n := expiries.Load(); n != 1 {
		t.Fatalf("expire ran %d times, want exactly 1", n)
	}
}

func TestWatchIdle_NegativeTimeoutDisables(t *testing.T) {
	t.Parallel()

	w := provider.WatchIdle(-1, nil, func() { t.Error("expire ran on a disabled watchdog") })
	if w != nil {
		t.Fatalf("WatchIdle(-1) = %v, want nil", w)
	}
	// Nil watchdogs are inert so sessions call these unconditionally.
	w.Reset()
	w.Stop()
}
