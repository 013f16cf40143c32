package provider

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultIdleTimeout is the idle-read window applied when a session config
// leaves the watchdog timeout at zero.
const DefaultIdleTimeout = 60 * time.Second

// ErrIdleTimeout is the sentinel cause inside the KindTimeout error a
// session records when its idle-read watchdog expires. Check with errors.Is.
var ErrIdleTimeout = errors.New("no data received within the idle window")

// IdleWatchdog guards the read side of a streaming session against a
// silently hung transport. The owning read loop calls Reset on every
// received message; when the idle window elapses without one, the watchdog
// runs the probe (when configured) to distinguish a quiet-but-live peer
// from a dead one. A failed probe, or an expiry with no probe, invokes
// expire exactly once. Expire callbacks record a KindTimeout error and
// close the transport, which unblocks the read loop and lets the session's
// normal teardown drive a reconnect.
//
// A nil *IdleWatchdog is inert: Reset and Stop are no-ops, so sessions
// with the watchdog disabled call them unconditionally.
type IdleWatchdog struct {
	timeout time.Duration
	probe   func(ctx context.Context) error
	expire  func()

	timer *time.Timer
	once  sync.Once
}

// WatchIdle arms an idle-read watchdog. A zero timeout selects
// [DefaultIdleTimeout]; a negative timeout disables the watchdog and
// returns nil. probe may be nil when the transport has no liveness check.
func WatchIdle(timeout time.Duration, probe func(ctx context.Context) error, expire func()) *IdleWatchdog {
	if timeout < 0 {
		return nil
	}
	if timeout == 0 {
		timeout = DefaultIdleTimeout
	}
	w := &IdleWatchdog{timeout: timeout, probe: probe, expire: expire}
	w.timer = time.AfterFunc(timeout, w.fire)
	return w
}

// Reset restarts the idle window. Called by the read loop on every
// received message.
func (w *IdleWatchdog) Reset() {
	if w == nil {
		return
	}
	w.timer.Reset(w.timeout)
}

// Stop disarms the watchdog. Called when the read loop exits.
func (w *IdleWatchdog) Stop() {
	if w == nil {
		return
	}
	w.timer.Stop()
}

func (w *IdleWatchdog) fire() {
	if w.probe != nil {
		ctx, cancel := context.WithTimeout(context.Background(), w.probeTimeout())
		err := w.probe(ctx)
		cancel()
		if err == nil {
			// The peer is alive, just quiet. Rearm.
			w.timer.Reset(w.timeout)
			return
		}
	}
	w.once.Do(w.expire)
}

func (w *IdleWatchdog) probeTimeout() time.Duration {
	if w.timeout < 5*time.Second {
		return w.timeout
	}
	return 5 * time.Second
}
