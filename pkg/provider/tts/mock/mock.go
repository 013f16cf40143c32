// Package mock provides test doubles for the tts package interfaces.
//
// Use Provider to feed controlled audio frames to consumers and to verify
// which Requests reach the TTS backend. Every StartStream call produces a
// *Session the test can inspect afterwards — including whether it was
// cancelled, which is what barge-in tests care about. Set FrameInterval to
// pace frame emission so tests can interrupt mid-utterance.
//
// Example:
//
//	p := &mock.Provider{
//	    Frames: []audio.AudioFrame{{Data: []byte("audio1")}},
//	}
//	sess, _ := p.StartStream(ctx, cfg)
//	_ = sess.Speak(tts.Request{Text: "hello", Flush: true})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/aurelay/aurelay/pkg/audio"
	"github.com/aurelay/aurelay/pkg/provider"
	"github.com/aurelay/aurelay/pkg/provider/tts"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg tts.StreamConfig
}

// SpeakCall records a single invocation of Session.Speak, after session
// defaults were applied.
type SpeakCall struct {
	// Req is the effective Request passed to Speak.
	Req tts.Request
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Caps is returned by Capabilities.
	Caps provider.CapabilitySet

	// Frames is the sequence of audio frames each committed utterance
	// emits.
	Frames []audio.AudioFrame

	// FrameInterval paces frame emission. Zero emits frames as fast as the
	// consumer drains them; a positive value sleeps between frames so tests
	// can cancel mid-utterance.
	FrameInterval time.Duration

	// StartStreamErr, if non-nil, is returned from StartStream instead of
	// a session.
	StartStreamErr error

	// SpeakErr, if non-nil, is returned by every Speak call on sessions
	// created after it was set.
	SpeakErr error

	// VoicesResult is returned by Voices.
	VoicesResult []tts.Voice

	// VoicesErr, if non-nil, is returned as the error from Voices.
	VoicesErr error

	// --- Call records ---

	// StartStreamCalls records every call to StartStream in order.
	StartStreamCalls []StartStreamCall

	// VoicesCallCount is the number of Voices calls.
	VoicesCallCount int

	// Sessions holds every Session handed out, in creation order.
	Sessions []*Session
}

// Capabilities returns Caps.
func (p *Provider) Capabilities() provider.CapabilitySet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Caps
}

// Voices records the call and returns VoicesResult, VoicesErr.
func (p *Provider) Voices(ctx context.Context) ([]tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.VoicesCallCount++
	return p.VoicesResult, p.VoicesErr
}

// StartStream records the call and, if StartStreamErr is nil, returns a new
// Session configured with the provider's Frames and FrameInterval.
func (p *Provider) StartStream(ctx context.Context, cfg tts.StreamConfig) (tts.SessionHandle, error) {
	p.mu.Lock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		err := p.StartStreamErr
		p.mu.Unlock()
		return nil, err
	}
	frames := make([]audio.AudioFrame, len(p.Frames))
	copy(frames, p.Frames)
	s := newSession(cfg, frames, p.FrameInterval, p.SpeakErr)
	p.Sessions = append(p.Sessions, s)
	p.mu.Unlock()

	s.wg.Add(1)
	go s.run()
	return s, nil
}

// StartStreamCallCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) StartStreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// LastSession returns the most recently created Session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sessions) == 0 {
		return nil
	}
	return p.Sessions[len(p.Sessions)-1]
}

// Reset clears all recorded calls and sessions. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
	p.VoicesCallCount = 0
	p.Sessions = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)

// commit is one flushed utterance queued for emission. cancel is the
// broadcast channel that was active when the commit was made; Cancel closes
// it, interrupting this commit even if emission has not started yet.
type commit struct {
	fp     tts.Fingerprint
	cancel chan struct{}
}

// Session is a mock implementation of tts.SessionHandle. It emits the
// configured frames once per committed utterance, honours coalescing of
// unflushed Speak calls, and can be interrupted by Cancel.
type Session struct {
	cfg      tts.StreamConfig
	frames   []audio.AudioFrame
	interval time.Duration
	speakErr error

	audioCh chan audio.AudioFrame
	doneCh  chan tts.Done
	errsCh  chan error
	commits chan commit

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu       sync.Mutex
	pending  []string
	cancelCh chan struct{}
	cancelN  int
	state    provider.ConnectionState

	// SpeakCalls records every Speak invocation in order.
	SpeakCalls []SpeakCall
}

func newSession(cfg tts.StreamConfig, frames []audio.AudioFrame, interval time.Duration, speakErr error) *Session {
	return &Session{
		cfg:      cfg,
		frames:   frames,
		interval: interval,
		speakErr: speakErr,
		audioCh:  make(chan audio.AudioFrame, 64),
		doneCh:   make(chan tts.Done, 8),
		errsCh:   make(chan error, 8),
		commits:  make(chan commit, 8),
		closed:   make(chan struct{}),
		cancelCh: make(chan struct{}),
		state:    provider.StateConnected,
	}
}

// Speak records the call; unflushed text is held for coalescing, a flushed
// request commits everything held plus its own text as one utterance.
func (s *Session) Speak(req tts.Request) error {
	select {
	case <-s.closed:
		return &provider.Error{Kind: provider.KindTransport, Provider: "mock", Op: "speak"}
	default:
	}

	req = req.WithSessionDefaults(s.cfg)

	s.mu.Lock()
	s.SpeakCalls = append(s.SpeakCalls, SpeakCall{Req: req})
	if s.speakErr != nil {
		err := s.speakErr
		s.mu.Unlock()
		return err
	}
	if !req.Flush {
		s.pending = append(s.pending, req.Text)
		s.mu.Unlock()
		return nil
	}

	// Commit: combine held text verbatim with this request's text.
	var combined string
	for _, t := range s.pending {
		combined += t
	}
	combined += req.Text
	s.pending = nil

	eff := req
	eff.Text = combined
	c := commit{fp: eff.Fingerprint(), cancel: s.cancelCh}
	s.mu.Unlock()

	select {
	case s.commits <- c:
		return nil
	case <-s.closed:
		return &provider.Error{Kind: provider.KindTransport, Provider: "mock", Op: "speak"}
	}
}

// Cancel interrupts the in-flight and queued utterances and discards
// coalesced text. Safe to call multiple times.
func (s *Session) Cancel() error {
	s.mu.Lock()
	s.cancelN++
	s.pending = nil
	close(s.cancelCh)
	s.cancelCh = make(chan struct{})
	s.mu.Unlock()
	return nil
}

// Audio returns the frame channel.
func (s *Session) Audio() <-chan audio.AudioFrame { return s.audioCh }

// Done returns the completion event channel.
func (s *Session) Done() <-chan tts.Done { return s.doneCh }

// Errors returns the error channel. Use InjectError to feed it.
func (s *Session) Errors() <-chan error { return s.errsCh }

// InjectError delivers err on the Errors channel, simulating a mid-session
// provider failure. Drops the error if the channel buffer is full.
func (s *Session) InjectError(err error) {
	select {
	case s.errsCh <- err:
	default:
	}
}

// SetState changes the value State reports. Thread-safe.
func (s *Session) SetState(st provider.ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// State returns the configured state, StateConnected by default.
func (s *Session) State() provider.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close shuts the session down and closes all output channels.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.wg.Wait()
		s.mu.Lock()
		s.state = provider.StateDisconnected
		s.mu.Unlock()
	})
	return nil
}

// CancelCallCount returns how many times Cancel was invoked. Thread-safe.
func (s *Session) CancelCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelN
}

// Cancelled reports whether Cancel was called at least once.
func (s *Session) Cancelled() bool {
	return s.CancelCallCount() > 0
}

// SpeakCallCount returns the number of Speak calls. Thread-safe.
func (s *Session) SpeakCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SpeakCalls)
}

// run is the emission worker: one committed utterance at a time, frames
// paced by interval, Done after each.
func (s *Session) run() {
	defer s.wg.Done()
	defer close(s.errsCh)
	defer close(s.doneCh)
	defer close(s.audioCh)

	for {
		select {
		case <-s.closed:
			return
		case c := <-s.commits:
			interrupted := s.emit(c)
			select {
			case s.doneCh <- tts.Done{Fingerprint: c.fp, Interrupted: interrupted}:
			case <-s.closed:
				return
			}
		}
	}
}

// emit delivers the configured frames for one utterance. Returns true when
// the utterance was interrupted by Cancel or session close.
func (s *Session) emit(c commit) bool {
	for i, f := range s.frames {
		if s.interval > 0 && i > 0 {
			select {
			case <-time.After(s.interval):
			case <-c.cancel:
				return true
			case <-s.closed:
				return true
			}
		}
		select {
		case s.audioCh <- f:
		case <-c.cancel:
			return true
		case <-s.closed:
			return true
		}
	}
	return false
}

// Ensure Session implements tts.SessionHandle at compile time.
var _ tts.SessionHandle = (*Session)(nil)
