// Package duplex runs a realtime speech-to-speech session for one client:
// a single provider stream carries user audio up and assistant audio,
// transcripts, and tool calls back down, replacing the cascaded
// STT → responder → TTS pipeline entirely.
//
// When the provider endpoints speech itself, its speech events drive the
// turn model. Otherwise a local VAD is interposed ahead of the stream,
// silence is clipped before forwarding, and the session commits turns and
// requests responses explicitly. Either way the session owns turn
// numbering, so turn ids survive provider reconnects.
//
// Concurrency model: a single driver goroutine owns every piece of
// session state. Provider I/O runs in dedicated pump goroutines that talk
// to the driver over bounded channels, so a stalled provider can never
// wedge the state machine. Recoverable provider errors are absorbed by
// the driver and surface only on the scoreboard; the client sees an error
// event when the failure is unrecoverable or of its own making.
package duplex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aurelay/aurelay/internal/resilience"
	"github.com/aurelay/aurelay/internal/session"
	"github.com/aurelay/aurelay/internal/turn"
	"github.com/aurelay/aurelay/pkg/audio"
	"github.com/aurelay/aurelay/pkg/provider"
	"github.com/aurelay/aurelay/pkg/provider/realtime"
	"github.com/aurelay/aurelay/pkg/provider/vad"
	"github.com/aurelay/aurelay/pkg/types"
)

// ErrTerminated is returned by session operations issued after Terminate.
var ErrTerminated = errors.New("duplex: session terminated")

// Config assembles one duplex session. Provider is required; a local VAD
// engine is required exactly when the provider lacks CapServerVAD.
type Config struct {
	// SessionID tags logs.
	SessionID string

	// Logger receives session logs. Nil uses slog.Default().
	Logger *slog.Logger

	// Provider is the speech-to-speech backend. Required.
	Provider realtime.Provider

	// ProviderID names the provider on the scoreboard and breakers.
	// Default: "realtime".
	ProviderID string

	// SessionConfig is the provider session configuration. ServerVAD is
	// derived from the provider's capability set and overrides the
	// configured value. Instructions and Tools may change mid-session;
	// the current values reach a reconnected stream through the dial.
	SessionConfig realtime.SessionConfig

	// VAD supplies local speech detection when the provider cannot
	// endpoint speech itself. Unused otherwise.
	VAD vad.Engine

	// VADConfig configures the per-session VAD instance.
	VADConfig vad.Config

	// Turns tunes local end-of-turn detection. Unused with server VAD.
	Turns turn.DetectorConfig

	// Limiter enforces payload and concurrency caps. Nil creates a
	// session-private Limiter with default caps.
	Limiter *resilience.Limiter

	// Breakers supplies per-provider circuit breakers. Nil creates a
	// session-private set with default tuning.
	Breakers *resilience.BreakerSet

	// ConnectPolicy paces the initial connect. Zero uses the resilience
	// defaults.
	ConnectPolicy resilience.Policy

	// ReconnectPolicy paces stream redials. Zero uses
	// session.DefaultReconnectPolicy.
	ReconnectPolicy resilience.Policy

	// FinalWait bounds how long a committed turn waits for its transcript
	// final before an empty one is synthesized. Default: 2s.
	FinalWait time.Duration

	// TickInterval is the driver's housekeeping cadence: end-of-turn
	// polling, deadline checks, coalesced partial delivery. Default: 20ms.
	TickInterval time.Duration

	// InputRingFrames is the inbound ring capacity. Default: 256.
	InputRingFrames int

	// OutputRingFrames is the assistant audio ring capacity. Default: 256.
	OutputRingFrames int

	// EventBuffer is the client event channel capacity. Default: 64.
	EventBuffer int
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.ProviderID == "" {
		c.ProviderID = "realtime"
	}
	if c.Limiter == nil {
		c.Limiter = resilience.NewLimiter(resilience.Caps{})
	}
	if c.Breakers == nil {
		c.Breakers = resilience.NewBreakerSet(resilience.BreakerConfig{})
	}
	if c.ReconnectPolicy.MaxAttempts == 0 {
		c.ReconnectPolicy = session.DefaultReconnectPolicy()
	}
	if c.FinalWait <= 0 {
		c.FinalWait = 2 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 20 * time.Millisecond
	}
	if c.InputRingFrames <= 0 {
		c.InputRingFrames = 256
	}
	if c.OutputRingFrames <= 0 {
		c.OutputRingFrames = 256
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	return c
}

// ─── Driver inbox messages ───────────────────────────────────────────────────

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdText
	cmdCommit
	cmdClear
	cmdCreateReply
	cmdCancelReply
	cmdInstructions
	cmdTools
	cmdFunctionResult
)

// command is one client control request queued toward the driver.
type command struct {
	kind   cmdKind
	text   string // cmdText and cmdInstructions payload
	tools  []realtime.Tool
	callID string
	result string
	done   chan error // buffered 1 when the caller waits
}

// rtEvent is one forwarded provider observation. gen ties it to the
// stream that produced it; the driver drops stale generations. Assistant
// audio bypasses the inbox and goes straight to the output ring.
type rtEvent struct {
	gen        uint64
	transcript *realtime.TranscriptEvent
	call       *realtime.FunctionCall
	event      *realtime.Event
	closed     bool
}

// ─── Session ─────────────────────────────────────────────────────────────────

// Session is one running duplex conversation. Construct with New; the
// runtime goroutines start immediately and park in Idle until the first
// audio or an explicit Start.
type Session struct {
	cfg Config
	log *slog.Logger

	cancel   context.CancelFunc
	gctx     context.Context // cancelled last; pumps live on it
	callCtx  context.Context // cancelled at Terminate; bounds dials
	g        *errgroup.Group
	termCh   chan struct{}
	termOnce sync.Once
	doneCh   chan struct{}

	state atomic.Int32

	events   chan session.Event
	audioOut chan audio.AudioFrame

	// seq is owned by the single goroutine calling SendAudio; outSeq by
	// the provider pump.
	seq      *audio.Sequencer
	inRing   *audio.Ring
	inNotify *audio.Notify

	outSeq    *audio.Sequencer
	outFormat audio.Format
	outRing   *audio.Ring
	outNotify *audio.Notify
	suppress  atomic.Bool

	cmds      *audio.ControlQueue[command]
	vadEvents chan vad.VADEvent
	rtEvents  chan rtEvent
	rtAudio   chan []byte

	vadSession vad.SessionHandle // nil when the provider endpoints speech

	board *session.Scoreboard

	serverVAD bool
	caps      provider.CapabilitySet

	vadDrops     atomic.Uint64
	forwardDrops atomic.Uint64
	turnsDone    atomic.Uint64
	callsSeen    atomic.Uint64

	// Driver-owned state. No other goroutine touches these fields.
	fuser    *turn.Fuser
	detector *turn.Detector

	// liveCfg carries mid-session instruction and tool updates so a
	// redialled stream starts from the current configuration.
	liveCfg realtime.SessionConfig

	rtSession realtime.SessionHandle
	rtGen     uint64
	rtStop    chan struct{}
	rtRedial  *session.Reconnector[realtime.SessionHandle]

	pendingCause  types.TurnCause
	finalDeadline time.Time

	lastTurn       uint64
	responseSeq    uint64
	responseID     string
	responseActive bool
}

// New constructs a Session and starts its runtime. The session sits in
// Idle until Start is called or the first audio arrives.
func New(cfg Config) (*Session, error) {
	if cfg.Provider == nil {
		return nil, errors.New("duplex: Config.Provider is required")
	}
	cfg = cfg.withDefaults()

	caps := cfg.Provider.Capabilities()
	serverVAD := caps.Has(provider.CapServerVAD)

	var vadSession vad.SessionHandle
	if !serverVAD {
		if cfg.VAD == nil {
			return nil, errors.New("duplex: Config.VAD is required when the provider lacks server VAD")
		}
		var err error
		vadSession, err = cfg.VAD.NewSession(cfg.VADConfig)
		if err != nil {
			return nil, fmt.Errorf("duplex: vad session: %w", err)
		}
	}

	root, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(root)
	callCtx, callCancel := context.WithCancel(gctx)

	live := cfg.SessionConfig
	live.ServerVAD = serverVAD

	s := &Session{
		cfg:     cfg,
		log:     cfg.Logger.With(slog.String("session_id", cfg.SessionID)),
		cancel:  cancel,
		gctx:    gctx,
		callCtx: callCtx,
		g:       g,
		termCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),

		events:   make(chan session.Event, cfg.EventBuffer),
		audioOut: make(chan audio.AudioFrame, 1),

		seq:      audio.NewSequencer(),
		inRing:   audio.NewRing(cfg.InputRingFrames),
		inNotify: audio.NewNotify(),

		outSeq:    audio.NewSequencer(),
		outFormat: cfg.SessionConfig.OutputFormat,
		outRing:   audio.NewRing(cfg.OutputRingFrames),
		outNotify: audio.NewNotify(),

		cmds:      audio.NewControlQueue[command](16),
		vadEvents: make(chan vad.VADEvent, 64),
		rtEvents:  make(chan rtEvent, 32),
		rtAudio:   make(chan []byte, 64),

		vadSession: vadSession,

		board:     session.NewScoreboard(),
		serverVAD: serverVAD,
		caps:      caps,

		fuser:    turn.NewFuser(),
		detector: turn.NewDetector(cfg.Turns),
		liveCfg:  live,
	}

	s.rtRedial = session.NewReconnector(session.RedialConfig{
		ProviderID: cfg.ProviderID,
		Op:         "realtime.reconnect",
		Policy:     cfg.ReconnectPolicy,
		Breaker:    cfg.Breakers.For(cfg.ProviderID, "connect"),
		Logger:     s.log,
	}, func(ctx context.Context) (realtime.SessionHandle, error) {
		// Runs on the driver goroutine; liveCfg is safe to read here.
		return cfg.Provider.Connect(ctx, s.liveCfg)
	})

	// Terminate cancels in-flight dials first; the root context falls at
	// the end of the teardown cascade.
	g.Go(func() error {
		select {
		case <-s.termCh:
			callCancel()
		case <-gctx.Done():
			callCancel()
		}
		return nil
	})
	g.Go(s.run)
	g.Go(s.audioWorker)
	g.Go(s.egress)
	go func() {
		_ = g.Wait()
		close(s.doneCh)
	}()
	return s, nil
}

// ─── Client API ──────────────────────────────────────────────────────────────

// Start connects the provider stream and brings the session to Active.
// It is idempotent; ctx bounds only the wait, not the session's life.
func (s *Session) Start(ctx context.Context) error {
	done := make(chan error, 1)
	if err := s.submit(command{kind: cmdStart, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return ErrTerminated
	}
}

// SendAudio queues one chunk of inbound client audio. The first chunk of
// an Idle session triggers the start sequence. Must be called from a
// single goroutine; overflow drops the oldest buffered frame.
func (s *Session) SendAudio(data []byte) error {
	if s.terminated() {
		return ErrTerminated
	}
	if State(s.state.Load()) == StateIdle {
		// Best-effort: a queued start may already be pending.
		_ = s.cmds.TrySend(command{kind: cmdStart})
	}
	frame := s.seq.Stamp(data, s.cfg.SessionConfig.InputFormat)
	s.inRing.TryPush(frame)
	s.inNotify.Signal()
	return nil
}

// SendText injects typed user input into the conversation. The provider
// holds the conversation state; whether the text is echoed back as a user
// transcript is up to it.
func (s *Session) SendText(text string) error {
	if err := s.cfg.Limiter.CheckText(s.cfg.ProviderID, text); err != nil {
		return err
	}
	return s.submit(command{kind: cmdText, text: text})
}

// Commit closes the input audio buffer explicitly instead of waiting for
// an endpoint.
func (s *Session) Commit() error {
	return s.submit(command{kind: cmdCommit})
}

// ClearInput discards buffered inbound audio, both the local ring and the
// provider's uncommitted buffer.
func (s *Session) ClearInput() error {
	return s.submit(command{kind: cmdClear})
}

// CreateReply asks the model to respond now. Needed after SendText, and
// after Commit when the provider does not respond on its own.
func (s *Session) CreateReply() error {
	return s.submit(command{kind: cmdCreateReply})
}

// CancelReply interrupts the in-flight assistant response, if any.
func (s *Session) CancelReply() error {
	return s.submit(command{kind: cmdCancelReply})
}

// UpdateInstructions replaces the system instructions for subsequent
// model turns. Applied before start it shapes the initial connect.
func (s *Session) UpdateInstructions(instructions string) error {
	if err := s.cfg.Limiter.CheckInstructions(s.cfg.ProviderID, instructions); err != nil {
		return err
	}
	return s.submit(command{kind: cmdInstructions, text: instructions})
}

// SetTools replaces the function definitions offered to the model.
func (s *Session) SetTools(tools []realtime.Tool) error {
	return s.submit(command{kind: cmdTools, tools: tools})
}

// SendFunctionResult answers a surfaced function call with the
// JSON-encoded result.
func (s *Session) SendFunctionResult(callID, result string) error {
	if err := s.cfg.Limiter.CheckFunctionResult(s.cfg.ProviderID, []byte(result)); err != nil {
		return err
	}
	return s.submit(command{kind: cmdFunctionResult, callID: callID, result: result})
}

// Events returns the session's notification stream. Closed after the
// closing event during termination.
func (s *Session) Events() <-chan session.Event {
	return s.events
}

// Audio returns assistant audio in playback order. Closed at termination.
func (s *Session) Audio() <-chan audio.AudioFrame {
	return s.audioOut
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Scoreboard exposes the session's error counters.
func (s *Session) Scoreboard() *session.Scoreboard {
	return s.board
}

// Stats is a point-in-time snapshot of the session's counters.
type Stats struct {
	State            State
	InputDrops       uint64
	OutputDrops      uint64
	VADDrops         uint64
	ForwardDrops     uint64
	TurnsFinalized   uint64
	FunctionCalls    uint64
	DroppedRevisions uint64
	Errors           uint64
}

// Stats snapshots the session counters. Safe from any goroutine.
func (s *Session) Stats() Stats {
	return Stats{
		State:            State(s.state.Load()),
		InputDrops:       s.inRing.Drops(),
		OutputDrops:      s.outRing.Drops(),
		VADDrops:         s.vadDrops.Load(),
		ForwardDrops:     s.forwardDrops.Load(),
		TurnsFinalized:   s.turnsDone.Load(),
		FunctionCalls:    s.callsSeen.Load(),
		DroppedRevisions: s.fuser.DroppedRevisions(),
		Errors:           s.board.Total(),
	}
}

// Terminate runs the cancellation cascade: the open turn is sealed, the
// in-flight reply is cut, control queues are drained, and every pump
// stops. When Terminate returns, the event and audio channels are closed
// and no further callback fires. Idempotent.
func (s *Session) Terminate(ctx context.Context) error {
	s.termOnce.Do(func() { close(s.termCh) })
	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ─── Internal helpers ────────────────────────────────────────────────────────

func (s *Session) submit(c command) error {
	if err := s.cmds.TrySend(c); err != nil {
		if errors.Is(err, audio.ErrQueueClosed) {
			return ErrTerminated
		}
		return err
	}
	return nil
}

func (s *Session) terminated() bool {
	select {
	case <-s.termCh:
		return true
	default:
		return State(s.state.Load()) == StateTerminated
	}
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// deliver sends a must-not-drop event to the client. Buffer room is used
// first so events emitted during teardown still land; only a full buffer
// yields to teardown.
func (s *Session) deliver(ev session.Event) {
	select {
	case s.events <- ev:
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-s.termCh:
	case <-s.gctx.Done():
	}
}

// deliverBest sends best-effort; used for partials and during teardown.
func (s *Session) deliverBest(ev session.Event) bool {
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}
