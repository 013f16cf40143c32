package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/aurelay/aurelay/internal/config"
	"github.com/aurelay/aurelay/internal/gateway"
	"github.com/aurelay/aurelay/internal/lexicon"
	"github.com/aurelay/aurelay/internal/observe"
	"github.com/aurelay/aurelay/internal/resilience"
	"github.com/aurelay/aurelay/internal/session/duplex"
	"github.com/aurelay/aurelay/internal/session/voice"
	"github.com/aurelay/aurelay/internal/turn"
	"github.com/aurelay/aurelay/pkg/audio"
	"github.com/aurelay/aurelay/pkg/provider/realtime"
	"github.com/aurelay/aurelay/pkg/provider/stt"
	"github.com/aurelay/aurelay/pkg/provider/tts"
	"github.com/aurelay/aurelay/pkg/provider/vad"
	"github.com/aurelay/aurelay/pkg/types"
)

// Keyword boost intensity applied to every configured keyword. Providers
// scale it to their own range.
const defaultKeywordBoost = 1.0

// Pipeline sample rates. Client ingress and STT run at 16kHz; synthesis and
// realtime output at 24kHz.
const (
	inputSampleRate  = 16000
	outputSampleRate = 24000
)

// managedSession tracks one active session for draining and metrics.
type managedSession struct {
	sess     gateway.Session
	mode     config.Mode
	openedAt time.Time
}

// SessionManager creates and tracks session drivers. It implements
// [gateway.Opener]: each accepted WebSocket connection opens one session,
// built from the current config and provider snapshot.
//
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	active   map[string]*managedSession
	draining bool

	// Dependencies injected at construction. Config and Providers are
	// funcs so reloads take effect without re-wiring the manager.
	cfg       func() *config.Config
	providers func() *Providers
	limiter   *resilience.Limiter
	breakers  *resilience.BreakerSet
	metrics   *observe.Metrics
	logger    *slog.Logger
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config    func() *config.Config
	Providers func() *Providers
	Limiter   *resilience.Limiter
	Breakers  *resilience.BreakerSet
	Metrics   *observe.Metrics
	Logger    *slog.Logger
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &SessionManager{
		active:    make(map[string]*managedSession),
		cfg:       cfg.Config,
		providers: cfg.Providers,
		limiter:   cfg.Limiter,
		breakers:  cfg.Breakers,
		metrics:   metrics,
		logger:    logger,
	}
}

// OpenSession builds, starts, and registers a new session driver for mode.
// The returned session is running; the caller owns its event and audio
// channels until Terminate.
func (sm *SessionManager) OpenSession(ctx context.Context, mode config.Mode) (string, gateway.Session, error) {
	sm.mu.Lock()
	if sm.draining {
		sm.mu.Unlock()
		return "", nil, fmt.Errorf("session manager is draining, not accepting sessions")
	}
	sm.mu.Unlock()

	id := uuid.NewString()
	cfg := sm.cfg()
	providers := sm.providers()

	var (
		sess gateway.Session
		err  error
	)
	switch mode {
	case config.ModeVoice:
		sess, err = sm.openVoice(ctx, id, cfg, providers)
	case config.ModeDuplex:
		sess, err = sm.openDuplex(ctx, id, cfg, providers)
	default:
		return "", nil, fmt.Errorf("unknown session mode %q", mode)
	}
	if err != nil {
		return "", nil, err
	}

	sm.mu.Lock()
	if sm.draining {
		sm.mu.Unlock()
		_ = sess.Terminate(ctx)
		return "", nil, fmt.Errorf("session manager is draining, not accepting sessions")
	}
	sm.active[id] = &managedSession{sess: sess, mode: mode, openedAt: time.Now()}
	sm.mu.Unlock()

	sm.metrics.SessionGauge(ctx, string(mode), 1)
	sm.logger.Info("session opened", "session_id", id, "mode", mode)
	return id, sess, nil
}

// openVoice assembles and starts a cascaded voice driver.
func (sm *SessionManager) openVoice(ctx context.Context, id string, cfg *config.Config, p *Providers) (gateway.Session, error) {
	if p.STT == nil {
		return nil, fmt.Errorf("voice mode requires an stt provider")
	}
	if p.Responder == nil {
		return nil, fmt.Errorf("voice mode requires a responder")
	}

	sc := cfg.Session
	var corrector *lexicon.Corrector
	if len(sc.Keywords) > 0 {
		corrector = lexicon.NewCorrector(sc.Keywords, sm.logger)
	}

	vcfg := voice.Config{
		SessionID:     id,
		Logger:        sm.logger,
		STT:           p.STT,
		STTProviderID: cfg.Providers.STT.Name,
		STTConfig: stt.StreamConfig{
			Format:         pcm16Format(inputSampleRate),
			Language:       sc.Language,
			Keywords:       keywordBoosts(sc.Keywords),
			InterimResults: true,
			Flush: stt.FlushConfig{
				Strategy: stt.ParseFlushStrategy(sc.FlushStrategy),
			},
			IdleTimeout: msDuration(sc.IdleTimeoutMs),
		},
		TTS:           p.TTS,
		TTSProviderID: cfg.Providers.TTS.Name,
		TTSConfig: tts.StreamConfig{
			Voice: tts.Voice{
				ID:          sc.Voice.VoiceID,
				Provider:    cfg.Providers.TTS.Name,
				PitchShift:  sc.Voice.PitchShift,
				SpeedFactor: sc.Voice.SpeedFactor,
			},
			Format:      pcm16Format(outputSampleRate),
			IdleTimeout: msDuration(sc.IdleTimeoutMs),
		},
		VAD:              p.VAD,
		VADConfig:        vadFromConfig(cfg.VAD),
		Responder:        p.Responder,
		Turns:            turnsFromConfig(sc),
		Corrector:        corrector,
		Limiter:          sm.limiter,
		Breakers:         sm.breakers,
		ConnectPolicy:    policyFromConfig(cfg.Resilience.Connect),
		ReconnectPolicy:  policyFromConfig(cfg.Resilience.Reconnect),
		DedupWindow:      msDuration(sc.DedupWindowMs),
		FinalWait:        msDuration(sc.FinalWaitMs),
		InputRingFrames:  sc.InputRingFrames,
		OutputRingFrames: sc.OutputRingFrames,
		EventBuffer:      sc.EventBuffer,
		HistoryTurns:     sc.HistoryTurns,
	}

	sess, err := voice.New(vcfg)
	if err != nil {
		return nil, fmt.Errorf("voice session: %w", err)
	}
	if err := sess.Start(ctx); err != nil {
		return nil, fmt.Errorf("voice session start: %w", err)
	}
	return sess, nil
}

// openDuplex assembles and starts a realtime bridge driver.
func (sm *SessionManager) openDuplex(ctx context.Context, id string, cfg *config.Config, p *Providers) (gateway.Session, error) {
	if p.Realtime == nil {
		return nil, fmt.Errorf("duplex mode requires a realtime provider")
	}

	sc := cfg.Session
	dcfg := duplex.Config{
		SessionID:  id,
		Logger:     sm.logger,
		Provider:   p.Realtime,
		ProviderID: cfg.Providers.Realtime.Name,
		SessionConfig: realtime.SessionConfig{
			Voice:        sc.Voice.VoiceID,
			Instructions: cfg.Responder.Instructions,
			InputFormat:  pcm16Format(inputSampleRate),
			OutputFormat: pcm16Format(outputSampleRate),
			IdleTimeout:  msDuration(sc.IdleTimeoutMs),
		},
		VAD:              p.VAD,
		VADConfig:        vadFromConfig(cfg.VAD),
		Turns:            turnsFromConfig(sc),
		Limiter:          sm.limiter,
		Breakers:         sm.breakers,
		ConnectPolicy:    policyFromConfig(cfg.Resilience.Connect),
		ReconnectPolicy:  policyFromConfig(cfg.Resilience.Reconnect),
		FinalWait:        msDuration(sc.FinalWaitMs),
		InputRingFrames:  sc.InputRingFrames,
		OutputRingFrames: sc.OutputRingFrames,
		EventBuffer:      sc.EventBuffer,
	}

	sess, err := duplex.New(dcfg)
	if err != nil {
		return nil, fmt.Errorf("duplex session: %w", err)
	}
	if err := sess.Start(ctx); err != nil {
		return nil, fmt.Errorf("duplex session start: %w", err)
	}
	return sess, nil
}

// CloseSession removes id from the active set and records its lifetime.
// The gateway terminates the driver itself; this only updates bookkeeping.
func (sm *SessionManager) CloseSession(id string) {
	sm.mu.Lock()
	ms, ok := sm.active[id]
	if ok {
		delete(sm.active, id)
	}
	sm.mu.Unlock()
	if !ok {
		return
	}

	ctx := context.Background()
	sm.metrics.SessionGauge(ctx, string(ms.mode), -1)
	dur := time.Since(ms.openedAt)
	sm.metrics.SessionDuration.Record(ctx, dur.Seconds(),
		metric.WithAttributes(attribute.String("mode", string(ms.mode))))
	sm.logger.Info("session closed", "session_id", id, "mode", ms.mode, "duration", dur)
}

// Count returns the number of active sessions.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.active)
}

// DrainAll stops accepting new sessions and terminates every active one,
// bounded by ctx. Used during shutdown.
func (sm *SessionManager) DrainAll(ctx context.Context) {
	sm.mu.Lock()
	sm.draining = true
	snapshot := make(map[string]*managedSession, len(sm.active))
	for id, ms := range sm.active {
		snapshot[id] = ms
	}
	sm.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}
	sm.logger.Info("draining sessions", "count", len(snapshot))

	var wg sync.WaitGroup
	for id, ms := range snapshot {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ms.sess.Terminate(ctx); err != nil {
				sm.logger.Warn("session terminate during drain", "session_id", id, "err", err)
			}
			sm.CloseSession(id)
		}()
	}
	wg.Wait()
}

// ─── Session config helpers ──────────────────────────────────────────────────

func pcm16Format(rate int) audio.Format {
	return audio.Format{SampleRate: rate, Channels: 1, Encoding: audio.PCM16}
}

func keywordBoosts(keywords []string) []types.KeywordBoost {
	if len(keywords) == 0 {
		return nil
	}
	boosts := make([]types.KeywordBoost, len(keywords))
	for i, kw := range keywords {
		boosts[i] = types.KeywordBoost{Keyword: kw, Boost: defaultKeywordBoost}
	}
	return boosts
}

func turnsFromConfig(sc config.SessionConfig) turn.DetectorConfig {
	return turn.DetectorConfig{
		SilenceHold:     msDuration(sc.SilenceHoldMs),
		TextHold:        msDuration(sc.TextHoldMs),
		MaxTurnDuration: msDuration(sc.MaxTurnDurationMs),
	}
}

func vadFromConfig(vc config.VADConfig) vad.Config {
	return vad.Config{
		SampleRate:       vc.SampleRate,
		FrameSamples:     vc.FrameSamples,
		SpeechThreshold:  vc.SpeechThreshold,
		SilenceThreshold: vc.SilenceThreshold,
		MinSilence:       msDuration(vc.MinSilenceMs),
		SpeechPad:        msDuration(vc.SpeechPadMs),
	}
}
