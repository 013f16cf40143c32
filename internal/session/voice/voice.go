// Package voice runs the cascaded voice pipeline for one client session:
// inbound audio is gated by VAD, streamed to an STT provider, fused into
// turns, answered by the application responder, and spoken back through a
// TTS provider — with barge-in, provider reconnect, and synthesis
// de-duplication handled inside the session.
//
// Concurrency model: a single driver goroutine owns every piece of session
// state. Provider I/O runs in dedicated pump goroutines that talk to the
// driver over bounded channels, so a stalled provider can never wedge the
// state machine. Recoverable provider errors are absorbed by the driver
// and surface only on the scoreboard; the client sees an error event when
// the failure is unrecoverable or of its own making.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aurelay/aurelay/internal/emotion"
	"github.com/aurelay/aurelay/internal/lexicon"
	"github.com/aurelay/aurelay/internal/resilience"
	"github.com/aurelay/aurelay/internal/responder"
	"github.com/aurelay/aurelay/internal/session"
	"github.com/aurelay/aurelay/internal/turn"
	"github.com/aurelay/aurelay/pkg/audio"
	"github.com/aurelay/aurelay/pkg/provider"
	"github.com/aurelay/aurelay/pkg/provider/stt"
	"github.com/aurelay/aurelay/pkg/provider/tts"
	"github.com/aurelay/aurelay/pkg/provider/vad"
	"github.com/aurelay/aurelay/pkg/types"
)

// ErrTerminated is returned by session operations issued after Terminate.
var ErrTerminated = errors.New("voice: session terminated")

// EmotionRendering selects which Request control surface the session fills
// when the TTS provider accepts emotion. The right choice depends on the
// provider class and is wired at assembly time.
type EmotionRendering int

const (
	// RenderDescription fills the natural-language style description
	// (Hume-class providers). The default.
	RenderDescription EmotionRendering = iota

	// RenderSettings fills the numeric (stability, style, similarity)
	// triple (ElevenLabs-class providers).
	RenderSettings

	// RenderSSML wraps the text in an express-as element (Azure-class
	// providers).
	RenderSSML

	// RenderInstructions fills the free-text instructions field
	// (OpenAI-class providers).
	RenderInstructions
)

// Config assembles one voice session. STT, VAD, and Responder are
// required; everything else has a usable default.
type Config struct {
	// SessionID tags logs and emotion warnings.
	SessionID string

	// Logger receives session logs. Nil uses slog.Default().
	Logger *slog.Logger

	// STT is the transcription provider. Required.
	STT stt.Provider

	// STTProviderID names the STT provider on the scoreboard and breakers.
	// Default: "stt".
	STTProviderID string

	// STTConfig is passed to StartStream on every (re)connect.
	STTConfig stt.StreamConfig

	// TTS is the synthesis provider. Nil runs the session
	// transcription-only: turns close and the responder is consulted, but
	// replies are discarded.
	TTS tts.Provider

	// TTSProviderID names the TTS provider on the scoreboard and breakers.
	// Default: "tts".
	TTSProviderID string

	// TTSConfig is passed to StartStream on the lazy TTS connect.
	TTSConfig tts.StreamConfig

	// VAD produces speech edges from inbound audio. Required.
	VAD vad.Engine

	// VADConfig configures the per-session VAD instance.
	VADConfig vad.Config

	// Responder produces the assistant reply after each closed turn.
	// Required.
	Responder responder.Responder

	// Turns tunes end-of-turn detection.
	Turns turn.DetectorConfig

	// Emotion is the session's default delivery emotion. Nil speaks
	// plainly.
	Emotion *emotion.Config

	// EmotionRendering selects the provider control surface for emotion.
	EmotionRendering EmotionRendering

	// Pronunciations rewrites reply text before synthesis.
	Pronunciations *lexicon.Pronunciations

	// Corrector fixes jargon in final transcripts before they surface.
	Corrector *lexicon.Corrector

	// Limiter enforces payload and concurrency caps. Nil creates a
	// session-private Limiter with default caps.
	Limiter *resilience.Limiter

	// Breakers supplies per-provider circuit breakers. Nil creates a
	// session-private set with default tuning.
	Breakers *resilience.BreakerSet

	// ConnectPolicy paces the initial STT connect. Zero uses the
	// resilience defaults.
	ConnectPolicy resilience.Policy

	// ReconnectPolicy paces stream redials. Zero uses
	// session.DefaultReconnectPolicy.
	ReconnectPolicy resilience.Policy

	// DedupWindow bounds how long a synthesis fingerprint suppresses
	// re-issues of the same request. Default: 5s.
	DedupWindow time.Duration

	// FinalWait bounds how long the session waits for a provider final
	// after requesting an endpoint. Default: 2s.
	FinalWait time.Duration

	// TickInterval is the driver's housekeeping cadence: end-of-turn
	// polling, deadline checks, coalesced partial delivery. Default: 20ms.
	TickInterval time.Duration

	// InputRingFrames is the inbound ring capacity. Default: 256.
	InputRingFrames int

	// OutputRingFrames is the synthesis ring capacity. Default: 256.
	OutputRingFrames int

	// EventBuffer is the client event channel capacity. Default: 64.
	EventBuffer int

	// HistoryTurns caps the conversation window fed to the responder.
	// Default: 64.
	HistoryTurns int
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.STTProviderID == "" {
		c.STTProviderID = "stt"
	}
	if c.TTSProviderID == "" {
		c.TTSProviderID = "tts"
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
	if c.DedupWindow <= 0 {
		c.DedupWindow = 5 * time.Second
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
	cmdCancelReply
	cmdSetEmotion
)

// command is one client control request queued toward the driver.
type command struct {
	kind    cmdKind
	text    string
	emotion *emotion.Config
	done    chan error // buffered 1 when the caller waits
}

// sttEvent is one forwarded STT pump observation. gen ties it to the
// provider session that produced it; the driver drops stale generations.
type sttEvent struct {
	gen     uint64
	partial *types.Transcript
	final   *types.Transcript
	err     error
	closed  bool
}

// ttsEvent is one forwarded TTS pump observation.
type ttsEvent struct {
	gen    uint64
	done   *tts.Done
	err    error
	closed bool
}

// replyEvent is one responder stream observation from the think goroutine.
type replyEvent struct {
	gen      uint64
	sentence string
	full     string
	done     bool
	err      error
}

type dedupEntry struct {
	issuedAt time.Time
	playing  bool
}

// ─── Session ─────────────────────────────────────────────────────────────────

// Session is one running voice conversation. Construct with New; the
// runtime goroutines start immediately and park in Idle until the first
// audio or an explicit Start.
type Session struct {
	cfg Config
	log *slog.Logger

	cancel   context.CancelFunc
	gctx     context.Context // cancelled last; pumps live on it
	callCtx  context.Context // cancelled at Terminate; bounds dials and responder calls
	g        *errgroup.Group
	termCh   chan struct{}
	termOnce sync.Once
	doneCh   chan struct{}

	state atomic.Int32

	events   chan session.Event
	audioOut chan audio.AudioFrame

	// seq is owned by the single goroutine calling SendAudio.
	seq      *audio.Sequencer
	inRing   *audio.Ring
	inNotify *audio.Notify

	outRing   *audio.Ring
	outNotify *audio.Notify
	suppress  atomic.Bool

	cmds      *audio.ControlQueue[command]
	vadEvents chan vad.VADEvent
	sttEvents chan sttEvent
	ttsEvents chan ttsEvent
	replies   chan replyEvent
	sttAudio  chan []byte

	vadSession vad.SessionHandle

	board *session.Scoreboard

	vadDrops      atomic.Uint64
	sttAudioDrops atomic.Uint64
	dedupHits     atomic.Uint64
	turnsDone     atomic.Uint64

	// Driver-owned state. No other goroutine touches these fields.
	fuser      *turn.Fuser
	detector   *turn.Detector
	history    *session.History
	warn       *emotion.WarnOnce
	emotionCfg *emotion.Config
	sttCaps    provider.CapabilitySet
	ttsCaps    provider.CapabilitySet

	sttSession stt.SessionHandle
	sttGen     uint64
	sttStop    chan struct{}
	sttRedial  *session.Reconnector[stt.SessionHandle]

	ttsSession  tts.SessionHandle
	ttsGen      uint64
	ttsRedial   *session.Reconnector[tts.SessionHandle]
	ttsFailures int

	pendingCause  types.TurnCause
	finalDeadline time.Time

	replyGen       uint64
	thinkCancel    context.CancelFunc
	responseID     string
	responseActive bool
	replyDone      bool
	pendingSpeech  []string
	inflight       map[tts.Fingerprint][]func()
	dedup          map[tts.Fingerprint]dedupEntry
}

// New constructs a Session and starts its runtime. The session sits in
// Idle until Start is called or the first audio arrives.
func New(cfg Config) (*Session, error) {
	if cfg.STT == nil {
		return nil, errors.New("voice: Config.STT is required")
	}
	if cfg.VAD == nil {
		return nil, errors.New("voice: Config.VAD is required")
	}
	if cfg.Responder == nil {
		return nil, errors.New("voice: Config.Responder is required")
	}
	cfg = cfg.withDefaults()

	vadSession, err := cfg.VAD.NewSession(cfg.VADConfig)
	if err != nil {
		return nil, fmt.Errorf("voice: vad session: %w", err)
	}

	root, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(root)
	callCtx, callCancel := context.WithCancel(gctx)

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

		outRing:   audio.NewRing(cfg.OutputRingFrames),
		outNotify: audio.NewNotify(),

		cmds:      audio.NewControlQueue[command](16),
		vadEvents: make(chan vad.VADEvent, 64),
		sttEvents: make(chan sttEvent, 32),
		ttsEvents: make(chan ttsEvent, 16),
		replies:   make(chan replyEvent, 8),
		sttAudio:  make(chan []byte, 64),

		vadSession: vadSession,

		board:      session.NewScoreboard(),
		fuser:      turn.NewFuser(),
		detector:   turn.NewDetector(cfg.Turns),
		history:    session.NewHistory(cfg.HistoryTurns),
		warn:       emotion.NewWarnOnce(cfg.SessionID, cfg.Logger),
		emotionCfg: cfg.Emotion,
		sttCaps:    cfg.STT.Capabilities(),

		inflight: make(map[tts.Fingerprint][]func()),
		dedup:    make(map[tts.Fingerprint]dedupEntry),
	}
	if cfg.TTS != nil {
		s.ttsCaps = cfg.TTS.Capabilities()
	}

	s.sttRedial = session.NewReconnector(session.RedialConfig{
		ProviderID: cfg.STTProviderID,
		Op:         "stt.reconnect",
		Policy:     cfg.ReconnectPolicy,
		Breaker:    cfg.Breakers.For(cfg.STTProviderID, "connect"),
		Logger:     s.log,
	}, func(ctx context.Context) (stt.SessionHandle, error) {
		return cfg.STT.StartStream(ctx, cfg.STTConfig)
	})
	if cfg.TTS != nil {
		s.ttsRedial = session.NewReconnector(session.RedialConfig{
			ProviderID: cfg.TTSProviderID,
			Op:         "tts.reconnect",
			Policy:     cfg.ReconnectPolicy,
			Breaker:    cfg.Breakers.For(cfg.TTSProviderID, "connect"),
			Logger:     s.log,
		}, func(ctx context.Context) (tts.SessionHandle, error) {
			return cfg.TTS.StartStream(ctx, cfg.TTSConfig)
		})
	}

	// Terminate cancels in-flight dials and responder calls first; the
	// root context falls at the end of the teardown cascade.
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

// Start connects the STT stream and brings the session to Listening. It
// is idempotent; ctx bounds only the wait, not the session's life.
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
	frame := s.seq.Stamp(data, s.cfg.STTConfig.Format)
	s.inRing.TryPush(frame)
	s.inNotify.Signal()
	return nil
}

// SendText injects typed user input: it closes any open turn state and is
// treated as a committed user turn.
func (s *Session) SendText(text string) error {
	if err := s.cfg.Limiter.CheckText(s.cfg.STTProviderID, text); err != nil {
		return err
	}
	return s.submit(command{kind: cmdText, text: text})
}

// Commit closes the open turn explicitly instead of waiting for silence.
func (s *Session) Commit() error {
	return s.submit(command{kind: cmdCommit})
}

// CancelReply interrupts the in-flight assistant response, if any.
func (s *Session) CancelReply() error {
	return s.submit(command{kind: cmdCancelReply})
}

// SetEmotion replaces the session's delivery emotion for subsequent
// replies. A nil config returns to plain delivery.
func (s *Session) SetEmotion(cfg *emotion.Config) error {
	return s.submit(command{kind: cmdSetEmotion, emotion: cfg})
}

// Events returns the session's notification stream. Closed after the
// closing event during termination.
func (s *Session) Events() <-chan session.Event {
	return s.events
}

// Audio returns synthesized reply audio in playback order. Closed at
// termination.
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
	STTAudioDrops    uint64
	DedupHits        uint64
	TurnsFinalized   uint64
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
		STTAudioDrops:    s.sttAudioDrops.Load(),
		DedupHits:        s.dedupHits.Load(),
		TurnsFinalized:   s.turnsDone.Load(),
		DroppedRevisions: s.fuser.DroppedRevisions(),
		Errors:           s.board.Total(),
	}
}

// Terminate runs the cancellation cascade: the in-flight utterance is
// flushed to a final, synthesis is interrupted, control queues are
// drained, and every pump stops. When Terminate returns, the event and
// audio channels are closed and no further callback fires. Idempotent.
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
