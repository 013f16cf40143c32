package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aurelay/aurelay/internal/emotion"
	"github.com/aurelay/aurelay/internal/resilience"
	"github.com/aurelay/aurelay/internal/session"
	"github.com/aurelay/aurelay/internal/turn"
	"github.com/aurelay/aurelay/pkg/provider"
	"github.com/aurelay/aurelay/pkg/provider/stt"
	"github.com/aurelay/aurelay/pkg/provider/tts"
	"github.com/aurelay/aurelay/pkg/provider/vad"
	"github.com/aurelay/aurelay/pkg/types"
)

// run is the state-machine driver: the only goroutine that mutates
// session state. Everything it blocks on is either a session-owned
// channel or a dial bounded by callCtx.
func (s *Session) run() error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.termCh:
			return s.shutdown(nil)
		case <-s.gctx.Done():
			return s.shutdown(s.gctx.Err())
		case c, ok := <-s.cmds.Recv():
			if !ok {
				return s.shutdown(nil)
			}
			if err := s.handleCommand(c); err != nil {
				return s.shutdown(err)
			}
		case ev := <-s.vadEvents:
			s.handleVAD(ev)
		case m := <-s.sttEvents:
			if err := s.handleSTT(m); err != nil {
				return s.shutdown(err)
			}
		case m := <-s.ttsEvents:
			s.handleTTS(m)
		case m := <-s.replies:
			s.handleReply(m)
		case <-ticker.C:
			s.handleTick()
		}
	}
}

// ─── Commands ────────────────────────────────────────────────────────────────

func (s *Session) handleCommand(c command) error {
	switch c.kind {
	case cmdStart:
		err := s.ensureStarted()
		if c.done != nil {
			c.done <- err
		}
		if err != nil {
			return err
		}
	case cmdText:
		return s.handleText(c.text)
	case cmdCommit:
		if s.fuser.Current() != nil && s.pendingCause == "" {
			s.closeTurn(types.CauseClientCommit, time.Now())
		}
	case cmdCancelReply:
		if s.responseActive {
			s.cutSynthesis()
			s.cancelResponse(true)
			if st := State(s.state.Load()); st == StateThinking || st == StateSpeaking || st == StateInterrupted {
				s.setState(StateListening)
			}
		}
	case cmdSetEmotion:
		s.emotionCfg = c.emotion
		s.deliver(session.Event{Type: session.EventSessionUpdated})
	}
	return nil
}

// ensureStarted connects STT and moves Idle → Starting → Listening.
// Idempotent once the session left Idle.
func (s *Session) ensureStarted() error {
	if State(s.state.Load()) != StateIdle {
		return nil
	}
	s.setState(StateStarting)

	breaker := s.cfg.Breakers.For(s.cfg.STTProviderID, "connect")
	handle, err := resilience.DoValue(s.callCtx, s.cfg.ConnectPolicy, "stt.connect",
		func(ctx context.Context) (stt.SessionHandle, error) {
			var h stt.SessionHandle
			berr := breaker.Execute(func() error {
				var derr error
				h, derr = s.cfg.STT.StartStream(ctx, s.cfg.STTConfig)
				return derr
			})
			return h, berr
		})
	if err != nil {
		s.board.Record(s.cfg.STTProviderID, err)
		return fmt.Errorf("voice: stt connect: %w", err)
	}

	s.spawnSTT(handle)
	s.setState(StateListening)
	s.deliver(session.Event{Type: session.EventSessionCreated})
	s.inNotify.Signal()
	s.log.Info("session started", slog.String("stt", s.cfg.STTProviderID))
	return nil
}

// spawnSTT installs handle as the current STT stream and starts its
// ingress forwarder and callback pump under a fresh generation.
func (s *Session) spawnSTT(handle stt.SessionHandle) {
	if s.sttStop != nil {
		close(s.sttStop)
	}
	stop := make(chan struct{})
	s.sttStop = stop
	s.sttSession = handle
	s.sttGen++
	gen := s.sttGen
	s.g.Go(func() error { return s.sttIngress(handle, stop) })
	s.g.Go(func() error { return s.sttPump(gen, handle) })
}

// handleText treats typed input as a committed user turn. Any open voiced
// turn is cut; an in-flight reply is preempted.
func (s *Session) handleText(text string) error {
	st := State(s.state.Load())
	if st == StateDraining || st == StateTerminated {
		return nil
	}
	if st == StateIdle {
		if err := s.ensureStarted(); err != nil {
			return err
		}
	}
	now := time.Now()
	if s.responseActive {
		s.cutSynthesis()
		s.cancelResponse(true)
	}
	if s.fuser.Current() != nil {
		s.fuser.Abort(types.CauseClientCommit, now)
		s.detector.Reset()
	}
	s.fuser.Open(now)
	t := types.Transcript{
		Text:       text,
		ProviderID: "client",
		Language:   s.cfg.STTConfig.Language,
		Confidence: 1,
	}
	stamped, _, ok := s.fuser.StampFinal(t, types.CauseClientCommit, now)
	if !ok {
		return nil
	}
	s.turnsDone.Add(1)
	s.deliver(session.Event{Type: session.EventTranscript, Transcript: stamped})
	s.startThinking(stamped)
	return nil
}

// ─── VAD edges ───────────────────────────────────────────────────────────────

func (s *Session) handleVAD(ev vad.VADEvent) {
	now := time.Now()
	switch s.detector.Observe(ev, now) {
	case turn.EdgeSpeechStarted:
		s.onSpeechStarted(now)
	case turn.EdgeSpeechEnded:
		s.deliver(session.Event{Type: session.EventSpeech, Speech: session.SpeechStopped})
	}
}

func (s *Session) onSpeechStarted(now time.Time) {
	switch State(s.state.Load()) {
	case StateSpeaking:
		if s.ttsCaps.Has(provider.CapBargeIn) {
			s.bargeIn()
		}
		// Without the capability the reply keeps playing and the new
		// user turn rides alongside it.
	case StateThinking:
		// The user resumed before the reply arrived; drop the pending
		// reply rather than speak over them.
		s.cancelResponse(true)
		s.setState(StateListening)
	}

	s.fuser.Open(now)
	if st := State(s.state.Load()); st == StateListening || st == StateInterrupted {
		s.setState(StateTranscribing)
	}
	s.deliver(session.Event{Type: session.EventSpeech, Speech: session.SpeechStarted})
}

// bargeIn cuts the in-flight reply: synthesis is cancelled, buffered
// output is dropped, and the remaining frames of the cut utterance are
// suppressed until the next commit.
func (s *Session) bargeIn() {
	cut := s.responseID
	s.cutSynthesis()
	s.setState(StateInterrupted)
	s.cancelResponse(true)
	s.log.Info("barge-in cut reply", slog.String("response_id", cut))
}

// cutSynthesis stops audible output immediately: suppression first so the
// pump drops frames already in flight, then provider cancel, then the
// buffered ring.
func (s *Session) cutSynthesis() {
	s.suppress.Store(true)
	if s.ttsSession != nil {
		if err := s.ttsSession.Cancel(); err != nil {
			s.board.Record(s.cfg.TTSProviderID, err)
		}
	}
	s.outRing.Clear()
}

// cancelResponse retires the active response: the responder stream is
// stale-marked and cancelled, unsent sentences are dropped, and the
// response_done event fires exactly once.
func (s *Session) cancelResponse(interrupted bool) {
	s.replyGen++
	if s.thinkCancel != nil {
		s.thinkCancel()
		s.thinkCancel = nil
	}
	s.pendingSpeech = nil
	if s.responseActive {
		s.deliver(session.Event{
			Type:        session.EventResponseDone,
			ResponseID:  s.responseID,
			Interrupted: interrupted,
		})
		s.responseActive = false
		s.replyDone = false
		s.responseID = ""
	}
}

// ─── STT stream events ───────────────────────────────────────────────────────

func (s *Session) handleSTT(m sttEvent) error {
	if m.gen != s.sttGen {
		return nil
	}
	now := time.Now()
	switch {
	case m.partial != nil:
		s.onPartial(*m.partial, now)
	case m.final != nil:
		s.onFinal(*m.final, now)
	case m.err != nil:
		s.board.Record(s.cfg.STTProviderID, m.err)
		kind := provider.Classify(m.err)
		if kind == provider.KindAuth || kind == provider.KindConfig {
			return fmt.Errorf("voice: stt stream: %w", m.err)
		}
		s.log.Warn("stt stream error", slog.Any("kind", kind), slog.Any("error", m.err))
	case m.closed:
		return s.onSTTClosed()
	}
	return nil
}

func (s *Session) onPartial(t types.Transcript, now time.Time) {
	s.detector.ObservePartial(t.Text)
	stamped, ok := s.fuser.StampPartial(t, now)
	if !ok {
		return
	}
	if State(s.state.Load()) == StateListening {
		// The provider raced ahead of the local VAD.
		s.setState(StateTranscribing)
	}
	ev := session.Event{Type: session.EventTranscript, Transcript: stamped}
	if !s.deliverBest(ev) {
		s.fuser.SetPending(stamped)
	}
}

func (s *Session) onFinal(t types.Transcript, now time.Time) {
	if s.cfg.Corrector != nil {
		t, _ = s.cfg.Corrector.Correct(t)
	}
	cause := s.pendingCause
	if cause == "" {
		cause = types.CauseServerEndpoint
	}
	stamped, _, ok := s.fuser.StampFinal(t, cause, now)
	s.pendingCause = ""
	s.finalDeadline = time.Time{}
	if !ok {
		return
	}
	s.turnsDone.Add(1)
	s.deliver(session.Event{Type: session.EventTranscript, Transcript: stamped})
	s.detector.Reset()

	switch State(s.state.Load()) {
	case StateDraining, StateTerminated, StateReconnecting:
		return
	}
	if strings.TrimSpace(stamped.Text) == "" {
		if State(s.state.Load()) == StateTranscribing {
			s.setState(StateListening)
		}
		return
	}
	s.startThinking(stamped)
}

// onSTTClosed handles the stream dying underneath the session. Buffered
// finals arrive ahead of the closed marker, so an open turn here means
// the provider yielded nothing for it.
func (s *Session) onSTTClosed() error {
	if st := State(s.state.Load()); st == StateDraining || st == StateTerminated {
		return nil
	}
	if s.sttSession != nil {
		_ = s.sttSession.Close()
		s.sttSession = nil
	}
	if s.sttStop != nil {
		close(s.sttStop)
		s.sttStop = nil
	}
	s.abandonOpenTurn()
	return s.reconnectSTT()
}

// reconnectSTT redials the STT stream while inbound audio accumulates in
// the ring. Turn IDs are preserved; the next turn opens fresh.
func (s *Session) reconnectSTT() error {
	s.setState(StateReconnecting)
	s.log.Warn("stt stream lost, reconnecting")

	handle, err := s.sttRedial.Reconnect(s.callCtx)
	if err != nil {
		return fmt.Errorf("voice: stt reconnect: %w", err)
	}
	s.spawnSTT(handle)
	s.detector.Reset()
	if s.responseActive {
		s.setState(StateSpeaking)
	} else {
		s.setState(StateListening)
	}
	s.inNotify.Signal()
	return nil
}

// closeTurn asks the provider for the final of the open turn and arms the
// deadline that backstops providers which never answer.
func (s *Session) closeTurn(cause types.TurnCause, now time.Time) {
	s.pendingCause = cause
	s.finalDeadline = now.Add(s.cfg.FinalWait)
	if s.sttSession == nil {
		return
	}
	if err := s.sttSession.ForceEndpoint(); err != nil {
		// Buffered providers flush on their own cadence; the deadline
		// backstops either way.
		if provider.Classify(err) != provider.KindCapability {
			s.board.Record(s.cfg.STTProviderID, err)
		}
	}
}

// synthesizeEmptyFinal closes the open turn with an empty final marked as
// a provider error, used when the stream died or the endpoint deadline
// passed with nothing from the provider.
func (s *Session) synthesizeEmptyFinal(cause types.TurnCause, now time.Time) {
	t := types.Transcript{
		ProviderID:    s.cfg.STTProviderID,
		ProviderError: true,
	}
	stamped, _, ok := s.fuser.StampFinal(t, cause, now)
	s.pendingCause = ""
	s.finalDeadline = time.Time{}
	if !ok {
		return
	}
	s.turnsDone.Add(1)
	s.deliver(session.Event{Type: session.EventTranscript, Transcript: stamped})
	s.detector.Reset()
	if State(s.state.Load()) == StateTranscribing {
		s.setState(StateListening)
	}
}

// ─── Responder / synthesis ───────────────────────────────────────────────────

// startThinking opens the response cycle for a closed user turn.
func (s *Session) startThinking(final types.Transcript) {
	if s.responseActive {
		s.cutSynthesis()
		s.cancelResponse(true)
	}
	s.history.AddUser(final.Text)
	s.setState(StateThinking)

	s.replyGen++
	gen := s.replyGen
	s.responseID = fmt.Sprintf("resp-%d", final.TurnID)
	s.responseActive = true
	s.replyDone = false
	s.ttsFailures = 0
	s.deliver(session.Event{Type: session.EventResponseStarted, ResponseID: s.responseID})

	turns := s.history.Turns()
	tctx, cancel := context.WithCancel(s.callCtx)
	s.thinkCancel = cancel
	s.g.Go(func() error {
		s.think(tctx, gen, turns)
		return nil
	})
}

func (s *Session) handleReply(m replyEvent) {
	if m.gen != s.replyGen || !s.responseActive {
		return
	}
	switch {
	case m.err != nil:
		s.board.Record("responder", m.err)
		s.deliver(session.Event{Type: session.EventError, Err: m.err})
		s.cutSynthesis()
		s.cancelResponse(true)
		if st := State(s.state.Load()); st == StateThinking || st == StateSpeaking {
			s.setState(StateListening)
		}
	case m.done:
		s.history.AddAssistant(m.full)
		s.replyDone = true
		s.maybeFinishResponse(false)
	default:
		s.pendingSpeech = append(s.pendingSpeech, m.sentence)
		s.drainSpeech(time.Now())
	}
}

// drainSpeech pushes pending reply sentences into TTS, honouring the
// de-dup window and the process-wide synthesis cap. It stops early when
// the cap is saturated; a later Done or tick resumes it.
func (s *Session) drainSpeech(now time.Time) {
	for s.responseActive && len(s.pendingSpeech) > 0 {
		if s.cfg.TTS == nil {
			// Transcription-only session: replies are textual no-ops.
			s.pendingSpeech = s.pendingSpeech[1:]
			continue
		}
		text := s.pendingSpeech[0]

		if err := s.cfg.Limiter.CheckTTSText(s.cfg.TTSProviderID, text); err != nil {
			s.board.Record(s.cfg.TTSProviderID, err)
			s.log.Warn("dropping oversized reply sentence", slog.Int("chars", len(text)))
			s.pendingSpeech = s.pendingSpeech[1:]
			continue
		}

		if s.ttsSession == nil {
			if err := s.connectTTS(); err != nil {
				s.board.Record(s.cfg.TTSProviderID, err)
				s.deliver(session.Event{Type: session.EventError, Err: err})
				s.cancelResponse(true)
				if st := State(s.state.Load()); st == StateThinking || st == StateSpeaking {
					s.setState(StateListening)
				}
				return
			}
		}

		req := s.buildRequest(text)
		fp := req.WithSessionDefaults(s.cfg.TTSConfig).Fingerprint()
		if s.isDuplicate(fp, now) {
			// The first emission is still playing; its completion
			// stands in for this one.
			s.dedupHits.Add(1)
			s.pendingSpeech = s.pendingSpeech[1:]
			continue
		}

		release, err := s.cfg.Limiter.AcquireSynthesis(s.cfg.TTSProviderID)
		if err != nil {
			return
		}

		s.suppress.Store(false)
		if err := s.ttsSession.Speak(req); err != nil {
			release()
			s.board.Record(s.cfg.TTSProviderID, err)
			s.ttsFailures++
			s.dropTTSSession()
			if s.ttsFailures > 1 {
				s.deliver(session.Event{Type: session.EventError, Err: err})
				s.cancelResponse(true)
				if st := State(s.state.Load()); st == StateThinking || st == StateSpeaking {
					s.setState(StateListening)
				}
				return
			}
			continue
		}

		s.ttsFailures = 0
		if State(s.state.Load()) == StateThinking {
			s.setState(StateSpeaking)
		}
		s.inflight[fp] = append(s.inflight[fp], release)
		s.dedup[fp] = dedupEntry{issuedAt: now, playing: true}
		s.pendingSpeech = s.pendingSpeech[1:]
	}
}

// buildRequest normalizes one reply sentence into a synthesis request:
// pronunciation replacement first, then the emotion rendering matching
// the provider's control surface.
func (s *Session) buildRequest(text string) tts.Request {
	if s.cfg.Pronunciations != nil {
		text = s.cfg.Pronunciations.Apply(text)
	}
	req := tts.Request{Text: text, Flush: true}

	ecfg := emotion.Gate(s.emotionCfg, s.ttsCaps, s.cfg.TTSProviderID, s.warn)
	if ecfg == nil {
		return req
	}
	switch s.cfg.EmotionRendering {
	case RenderSettings:
		stability, style, similarity := emotion.VoiceSettings(*ecfg)
		req.Settings = &tts.VoiceSettings{
			Stability:       stability,
			SimilarityBoost: similarity,
			Style:           style,
		}
	case RenderSSML:
		req.Text = emotion.SSML(*ecfg, text)
		req.SSML = true
	case RenderInstructions:
		req.Instructions = emotion.Instructions(*ecfg)
	default:
		req.StyleDescription = emotion.Describe(*ecfg)
	}
	return req
}

func (s *Session) isDuplicate(fp tts.Fingerprint, now time.Time) bool {
	e, ok := s.dedup[fp]
	if !ok {
		return false
	}
	if now.Sub(e.issuedAt) >= s.cfg.DedupWindow || !e.playing {
		delete(s.dedup, fp)
		return false
	}
	return true
}

// connectTTS performs the lazy connect, reusing the redial machinery so
// attempts are paced and breaker-guarded.
func (s *Session) connectTTS() error {
	handle, err := s.ttsRedial.Reconnect(s.callCtx)
	if err != nil {
		return fmt.Errorf("voice: tts connect: %w", err)
	}
	s.ttsSession = handle
	s.ttsGen++
	gen := s.ttsGen
	s.g.Go(func() error { return s.ttsPump(gen, handle) })
	return nil
}

// dropTTSSession discards the TTS stream. Completions for its in-flight
// commits will never arrive, so their synthesis slots are released here.
func (s *Session) dropTTSSession() {
	if s.ttsSession != nil {
		_ = s.ttsSession.Close()
		s.ttsSession = nil
	}
	s.ttsGen++
	for fp, releases := range s.inflight {
		for _, release := range releases {
			release()
		}
		delete(s.inflight, fp)
	}
	for fp, e := range s.dedup {
		e.playing = false
		s.dedup[fp] = e
	}
}

func (s *Session) handleTTS(m ttsEvent) {
	if m.gen != s.ttsGen {
		return
	}
	switch {
	case m.done != nil:
		fp := m.done.Fingerprint
		if releases := s.inflight[fp]; len(releases) > 0 {
			releases[len(releases)-1]()
			if len(releases) == 1 {
				delete(s.inflight, fp)
			} else {
				s.inflight[fp] = releases[:len(releases)-1]
			}
		}
		if e, ok := s.dedup[fp]; ok {
			e.playing = false
			s.dedup[fp] = e
		}
		if s.responseActive {
			s.drainSpeech(time.Now())
			s.maybeFinishResponse(m.done.Interrupted)
		}
	case m.err != nil:
		s.board.Record(s.cfg.TTSProviderID, m.err)
		s.log.Warn("tts stream error", slog.Any("error", m.err))
	case m.closed:
		s.dropTTSSession()
		if s.responseActive {
			if len(s.pendingSpeech) > 0 {
				s.drainSpeech(time.Now())
			}
			s.maybeFinishResponse(true)
		}
	}
}

// maybeFinishResponse closes the response cycle once the responder is
// done and every committed utterance has completed.
func (s *Session) maybeFinishResponse(interrupted bool) {
	if !s.responseActive || !s.replyDone {
		return
	}
	if len(s.pendingSpeech) > 0 || len(s.inflight) > 0 {
		return
	}
	s.deliver(session.Event{
		Type:        session.EventResponseDone,
		ResponseID:  s.responseID,
		Interrupted: interrupted,
	})
	s.responseActive = false
	s.replyDone = false
	s.responseID = ""
	if st := State(s.state.Load()); st == StateSpeaking || st == StateThinking {
		s.setState(StateListening)
	}
}

// ─── Housekeeping ────────────────────────────────────────────────────────────

func (s *Session) handleTick() {
	now := time.Now()

	// Coalesced partial: retry the newest undelivered one.
	if p, ok := s.fuser.TakePending(); ok {
		if !s.deliverBest(session.Event{Type: session.EventTranscript, Transcript: p}) {
			s.fuser.SetPending(p)
		}
	}

	// End-of-turn polling while a turn is open. The Speaking case covers
	// user speech over a reply the provider could not cut.
	if s.fuser.Current() != nil && s.pendingCause == "" {
		switch State(s.state.Load()) {
		case StateTranscribing, StateSpeaking:
			if cause, ok := s.detector.EndOfTurn(now); ok {
				s.closeTurn(cause, now)
			}
		}
	}

	// Endpoint deadline: the provider never produced the final.
	if s.pendingCause != "" && !s.finalDeadline.IsZero() && now.After(s.finalDeadline) {
		s.synthesizeEmptyFinal(s.pendingCause, now)
	}

	// A saturated synthesis cap may have paused the reply.
	if s.responseActive && len(s.pendingSpeech) > 0 {
		s.drainSpeech(now)
	}

	// Watchdog: a failed stream whose channels never closed.
	if s.sttSession != nil && s.sttSession.State() == provider.StateFailed {
		s.log.Warn("stt session reports failed state, forcing close")
		_ = s.sttSession.Close()
	}

	// Keep the de-dup table bounded.
	if len(s.dedup) > 64 {
		for fp, e := range s.dedup {
			if now.Sub(e.issuedAt) >= s.cfg.DedupWindow {
				delete(s.dedup, fp)
			}
		}
	}
}

// ─── Teardown ────────────────────────────────────────────────────────────────

// shutdown runs the cancellation cascade: flush the in-flight utterance
// to a final, interrupt synthesis, drain control queues, emit the last
// events, stop every pump. After it returns no callback fires.
func (s *Session) shutdown(cause error) error {
	s.setState(StateDraining)

	// 1. Flush the open utterance to its final.
	if s.sttSession != nil {
		if s.fuser.Current() != nil {
			if err := s.sttSession.ForceEndpoint(); err != nil {
				if provider.Classify(err) != provider.KindCapability {
					s.board.Record(s.cfg.STTProviderID, err)
				}
			}
			s.awaitFinal()
		}
		_ = s.sttSession.Close()
		s.sttSession = nil
	}
	if s.sttStop != nil {
		close(s.sttStop)
		s.sttStop = nil
	}

	// 2. Interrupt synthesis.
	s.suppress.Store(true)
	if s.ttsSession != nil {
		_ = s.ttsSession.Cancel()
		_ = s.ttsSession.Close()
		s.ttsSession = nil
	}
	s.outRing.Clear()
	s.replyGen++
	if s.thinkCancel != nil {
		s.thinkCancel()
		s.thinkCancel = nil
	}
	if s.responseActive {
		s.deliverBest(session.Event{
			Type:        session.EventResponseDone,
			ResponseID:  s.responseID,
			Interrupted: true,
		})
		s.responseActive = false
	}

	// 3. Drain control queues; queued waiters learn the session is gone.
	s.cmds.Close()
	for c := range s.cmds.Recv() {
		if c.done != nil {
			c.done <- ErrTerminated
		}
	}

	// 4. Last events, then quiesce.
	if cause != nil && !errors.Is(cause, context.Canceled) {
		s.deliverBest(session.Event{Type: session.EventError, Err: cause})
	}
	s.deliverBest(session.Event{Type: session.EventClosing})
	s.setState(StateTerminated)
	close(s.events)
	s.cancel()
	s.log.Info("session terminated", slog.Uint64("turns", s.turnsDone.Load()))
	return nil
}

// awaitFinal waits briefly for the flushed final during teardown,
// consuming only STT events.
func (s *Session) awaitFinal() {
	deadline := time.NewTimer(s.cfg.FinalWait)
	defer deadline.Stop()
	for {
		select {
		case m := <-s.sttEvents:
			if m.gen != s.sttGen {
				continue
			}
			switch {
			case m.final != nil:
				s.onFinal(*m.final, time.Now())
				return
			case m.closed:
				s.abandonOpenTurn()
				return
			}
		case <-deadline.C:
			s.abandonOpenTurn()
			return
		}
	}
}

// abandonOpenTurn closes the open turn with a synthesized empty final
// when the provider cannot produce one any more.
func (s *Session) abandonOpenTurn() {
	if s.fuser.Current() == nil {
		return
	}
	cause := s.pendingCause
	if cause == "" {
		cause = types.CauseServerEndpoint
	}
	s.synthesizeEmptyFinal(cause, time.Now())
}
