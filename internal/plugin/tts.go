package plugin

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aurelay/aurelay/pkg/audio"
	"github.com/aurelay/aurelay/pkg/provider"
	"github.com/aurelay/aurelay/pkg/provider/tts"
)

// pcmChunkSize is the payload size of emitted audio frames.
const pcmChunkSize = 4096

// ttsAdapter implements tts.Provider over the plugin's synthesize tool.
// Synthesis is batch: one tool call per committed utterance, PCM streamed
// out in frames. Emotion rides along as the natural-language style hint
// rather than a parametric surface.
type ttsAdapter struct {
	h    *Host
	id   string
	decl TTSDecl
}

var _ tts.Provider = (*ttsAdapter)(nil)

// Capabilities reports streaming audio out and barge-in; CapEmotion is
// declared only when the plugin says it honours style hints.
func (a *ttsAdapter) Capabilities() provider.CapabilitySet {
	caps := []provider.Capability{
		provider.CapStreamingAudioOut,
		provider.CapBargeIn,
	}
	if a.decl.Styles {
		caps = append(caps, provider.CapEmotion)
	}
	return provider.NewCapabilitySet(caps...)
}

// Voices returns the voices from the plugin's declaration. The catalogue
// is static for the life of the subprocess.
func (a *ttsAdapter) Voices(_ context.Context) ([]tts.Voice, error) {
	voices := make([]tts.Voice, 0, len(a.decl.Voices))
	for _, v := range a.decl.Voices {
		name := v.Name
		if name == "" {
			name = v.ID
		}
		voices = append(voices, tts.Voice{ID: v.ID, Name: name, Provider: a.id})
	}
	return voices, nil
}

// StartStream opens a synthesis session. Output is 16-bit mono PCM; when
// cfg.Format requests a rate other than the plugin's declared one, frames
// are resampled to it.
func (a *ttsAdapter) StartStream(ctx context.Context, cfg tts.StreamConfig) (tts.SessionHandle, error) {
	if cfg.Format.Encoding != audio.PCM16 {
		return nil, provider.Errorf(provider.KindConfig, a.id, "start_stream",
			"unsupported output encoding %s", cfg.Format.Encoding)
	}
	if cfg.Format.Channels > 1 {
		return nil, provider.Errorf(provider.KindConfig, a.id, "start_stream",
			"only mono output is supported")
	}
	if cfg.Voice.ID != "" && len(a.decl.Voices) > 0 && !a.hasVoice(cfg.Voice.ID) {
		return nil, provider.Errorf(provider.KindConfig, a.id, "start_stream",
			"unknown voice %q", cfg.Voice.ID)
	}

	s := &ttsSession{
		a:          a,
		cfg:        cfg,
		targetRate: cfg.Format.SampleRate,
		audioCh:    make(chan audio.AudioFrame, 256),
		doneCh:     make(chan tts.Done, 16),
		errs:       make(chan error, 16),
		commits:    make(chan commit, 8),
		done:       make(chan struct{}),
		cancelCh:   make(chan struct{}),
	}
	s.state.Store(int32(provider.StateConnected))

	s.wg.Add(1)
	go s.worker(ctx)

	return s, nil
}

func (a *ttsAdapter) hasVoice(id string) bool {
	for _, v := range a.decl.Voices {
		if v.ID == id {
			return true
		}
	}
	return false
}

// synthesize performs one synthesize tool call and returns the decoded
// PCM at the plugin's declared sample rate.
func (a *ttsAdapter) synthesize(ctx context.Context, text string, voice tts.Voice, style string) ([]byte, error) {
	args := map[string]any{"text": text}
	if voice.ID != "" {
		args["voice"] = voice.ID
	}
	if style != "" {
		args["style"] = style
	}

	raw, err := a.h.callTool(ctx, synthesizeTool, args)
	if err != nil {
		return nil, classifyCallErr(a.id, "synthesize", err)
	}
	pcm, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, provider.Errorf(provider.KindProvider, a.id, "synthesize",
			"invalid base64 audio: %v", err)
	}
	return pcm, nil
}

// ─── session ─────────────────────────────────────────────────────────────────

var errSessionClosed = errors.New("session closed")

// commit is one flushed utterance handed to the worker.
type commit struct {
	text   string
	fp     tts.Fingerprint
	voice  tts.Voice
	style  string
	cancel chan struct{}
}

// ttsSession implements tts.SessionHandle on top of the synthesize tool.
// Text coalesces locally until a Flush commits it to the worker.
type ttsSession struct {
	a          *ttsAdapter
	cfg        tts.StreamConfig
	targetRate int

	audioCh chan audio.AudioFrame
	doneCh  chan tts.Done
	errs    chan error
	commits chan commit

	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
	state atomic.Int32

	mu       sync.Mutex
	pending  []string
	cancelCh chan struct{}

	// ts is owned by the worker.
	ts time.Duration
}

var _ tts.SessionHandle = (*ttsSession)(nil)

// Speak coalesces text until a request with Flush set commits the held
// utterance to the synthesis worker.
func (s *ttsSession) Speak(req tts.Request) error {
	select {
	case <-s.done:
		return &provider.Error{Kind: provider.KindTransport, Provider: s.a.id, Op: "speak", Err: errSessionClosed}
	default:
	}

	eff := req.WithSessionDefaults(s.cfg)

	s.mu.Lock()
	if req.Text == "" && !req.Flush {
		s.mu.Unlock()
		return nil
	}
	if req.Text == "" && len(s.pending) == 0 && req.Flush {
		s.mu.Unlock()
		return nil
	}
	if !req.Flush {
		s.pending = append(s.pending, req.Text)
		s.mu.Unlock()
		return nil
	}

	combined := strings.Join(s.pending, "") + req.Text
	s.pending = nil
	eff.Text = combined
	c := commit{
		text:   combined,
		fp:     eff.Fingerprint(),
		voice:  eff.Voice,
		style:  eff.StyleDescription,
		cancel: s.cancelCh,
	}
	s.mu.Unlock()

	select {
	case s.commits <- c:
		return nil
	case <-s.done:
		return &provider.Error{Kind: provider.KindTransport, Provider: s.a.id, Op: "speak", Err: errSessionClosed}
	}
}

// Cancel aborts the in-flight utterance and discards held text. Queued
// utterances finish promptly with an interrupted Done; utterances
// committed after Cancel are unaffected.
func (s *ttsSession) Cancel() error {
	select {
	case <-s.done:
		return &provider.Error{Kind: provider.KindTransport, Provider: s.a.id, Op: "cancel", Err: errSessionClosed}
	default:
	}

	s.mu.Lock()
	s.pending = nil
	close(s.cancelCh)
	s.cancelCh = make(chan struct{})
	s.mu.Unlock()
	return nil
}

// Audio returns the channel of synthesized frames.
func (s *ttsSession) Audio() <-chan audio.AudioFrame { return s.audioCh }

// Done returns the channel of per-utterance completion events.
func (s *ttsSession) Done() <-chan tts.Done { return s.doneCh }

// Errors returns the channel of classified synthesis errors.
func (s *ttsSession) Errors() <-chan error { return s.errs }

// State reports the session's state.
func (s *ttsSession) State() provider.ConnectionState {
	return provider.ConnectionState(s.state.Load())
}

// Close terminates the session. Held text is discarded and the in-flight
// tool call, if any, is aborted. Always returns nil: errors are
// per-utterance on the Errors channel.
func (s *ttsSession) Close() error {
	s.once.Do(func() {
		s.state.CompareAndSwap(int32(provider.StateConnected), int32(provider.StateDraining))
		close(s.done)
		s.wg.Wait()
		close(s.errs)
		s.state.Store(int32(provider.StateDisconnected))
	})
	return nil
}

// report surfaces a synthesis error without blocking the worker.
func (s *ttsSession) report(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// worker processes committed utterances one at a time, preserving
// playback order, and emits exactly one Done per utterance.
func (s *ttsSession) worker(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.doneCh)
	defer close(s.audioCh)

	for {
		select {
		case <-s.done:
			return
		case c := <-s.commits:
			interrupted := s.speakOne(ctx, c)
			select {
			case s.doneCh <- tts.Done{Fingerprint: c.fp, Interrupted: interrupted}:
			case <-s.done:
				return
			}
		}
	}
}

// speakOne synthesizes one utterance through the plugin and emits its PCM
// in frames. Returns true when the utterance was cut short by Cancel,
// Close, or a synthesis failure.
func (s *ttsSession) speakOne(ctx context.Context, c commit) bool {
	uctx, ucancel := context.WithCancel(ctx)
	defer ucancel()
	go func() {
		select {
		case <-c.cancel:
			ucancel()
		case <-s.done:
			ucancel()
		case <-uctx.Done():
		}
	}()

	pcm, err := s.a.synthesize(uctx, c.text, c.voice, c.style)
	if err != nil {
		if uctx.Err() != nil {
			return true
		}
		s.report(err)
		return true
	}

	rate := s.a.decl.SampleRate
	if s.targetRate > 0 && rate != s.targetRate {
		pcm = audio.ResampleMono16(pcm, rate, s.targetRate)
		rate = s.targetRate
	}
	return !s.emitPCM(uctx, pcm, rate)
}

// emitPCM chunks the utterance's PCM into frames. Returns false when the
// utterance was cancelled mid-emission.
func (s *ttsSession) emitPCM(uctx context.Context, pcm []byte, rate int) bool {
	for len(pcm) > 0 {
		end := min(pcmChunkSize, len(pcm))
		frame := audio.AudioFrame{
			Data:       pcm[:end],
			SampleRate: rate,
			Channels:   1,
			Encoding:   audio.PCM16,
			Timestamp:  s.ts,
		}
		s.ts += frame.Duration()
		select {
		case s.audioCh <- frame:
		case <-uctx.Done():
			return false
		case <-s.done:
			return false
		}
		pcm = pcm[end:]
	}
	return true
}
