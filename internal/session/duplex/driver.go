package duplex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aurelay/aurelay/internal/resilience"
	"github.com/aurelay/aurelay/internal/session"
	"github.com/aurelay/aurelay/internal/turn"
	"github.com/aurelay/aurelay/pkg/provider"
	"github.com/aurelay/aurelay/pkg/provider/realtime"
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
		case m := <-s.rtEvents:
			if err := s.handleRT(m); err != nil {
				return s.shutdown(err)
			}
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
		if s.rtSession != nil && State(s.state.Load()) == StateActive {
			s.commitTurn(types.CauseClientCommit, time.Now())
		}
	case cmdClear:
		if s.rtSession != nil {
			s.inRing.Clear()
			s.control("clear_audio", s.rtSession.ClearAudio)
		}
	case cmdCreateReply:
		if s.rtSession != nil {
			s.control("create_response", s.rtSession.CreateResponse)
		}
	case cmdCancelReply:
		if s.responseActive {
			s.cutResponse(true)
		}
	case cmdInstructions:
		s.liveCfg.Instructions = c.text
		applied := error(nil)
		if s.rtSession != nil {
			applied = s.control("update_instructions", func() error {
				return s.rtSession.UpdateInstructions(c.text)
			})
		}
		if applied == nil {
			s.deliver(session.Event{Type: session.EventSessionUpdated})
		}
	case cmdTools:
		s.liveCfg.Tools = c.tools
		applied := error(nil)
		if s.rtSession != nil {
			applied = s.control("set_tools", func() error {
				return s.rtSession.SetTools(c.tools)
			})
		}
		if applied == nil {
			s.deliver(session.Event{Type: session.EventSessionUpdated})
		}
	case cmdFunctionResult:
		if s.rtSession != nil {
			s.control("send_function_result", func() error {
				return s.rtSession.SendFunctionResult(c.callID, c.result)
			})
		}
	}
	return nil
}

// control runs one client-initiated provider call. A capability gap is
// logged and swallowed; any other failure of the client's own operation
// surfaces as an error event while the session stays up.
func (s *Session) control(op string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	s.board.Record(s.cfg.ProviderID, err)
	if provider.Classify(err) == provider.KindCapability {
		s.log.Warn("provider lacks operation", slog.String("op", op))
		return nil
	}
	s.deliver(session.Event{Type: session.EventError, Err: err})
	return err
}

// ensureStarted connects the provider stream and moves
// Idle → Starting → Active. Idempotent once the session left Idle.
func (s *Session) ensureStarted() error {
	if State(s.state.Load()) != StateIdle {
		return nil
	}
	s.setState(StateStarting)

	if err := s.cfg.Limiter.CheckInstructions(s.cfg.ProviderID, s.liveCfg.Instructions); err != nil {
		s.board.Record(s.cfg.ProviderID, err)
		return fmt.Errorf("duplex: session config: %w", err)
	}

	breaker := s.cfg.Breakers.For(s.cfg.ProviderID, "connect")
	handle, err := resilience.DoValue(s.callCtx, s.cfg.ConnectPolicy, "realtime.connect",
		func(ctx context.Context) (realtime.SessionHandle, error) {
			var h realtime.SessionHandle
			berr := breaker.Execute(func() error {
				var derr error
				h, derr = s.cfg.Provider.Connect(ctx, s.liveCfg)
				return derr
			})
			return h, berr
		})
	if err != nil {
		s.board.Record(s.cfg.ProviderID, err)
		return fmt.Errorf("duplex: realtime connect: %w", err)
	}

	s.spawnStream(handle)
	s.setState(StateActive)
	s.deliver(session.Event{Type: session.EventSessionCreated})
	s.inNotify.Signal()
	s.log.Info("session started",
		slog.String("provider", s.cfg.ProviderID),
		slog.Bool("server_vad", s.serverVAD))
	return nil
}

// spawnStream installs handle as the current provider stream and starts
// its ingress forwarder and callback pump under a fresh generation.
func (s *Session) spawnStream(handle realtime.SessionHandle) {
	if s.rtStop != nil {
		close(s.rtStop)
	}
	stop := make(chan struct{})
	s.rtStop = stop
	s.rtSession = handle
	s.rtGen++
	gen := s.rtGen
	s.g.Go(func() error { return s.rtIngress(handle, stop) })
	s.g.Go(func() error { return s.rtPump(gen, handle) })
}

// handleText forwards typed input. The provider owns the conversation;
// the session's turn model only tracks what comes back as transcripts.
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
	if s.rtSession != nil {
		s.control("send_text", func() error { return s.rtSession.SendText(text) })
	}
	return nil
}

// ─── Speech edges ────────────────────────────────────────────────────────────

func (s *Session) handleVAD(ev vad.VADEvent) {
	now := time.Now()
	switch s.detector.Observe(ev, now) {
	case turn.EdgeSpeechStarted:
		s.onSpeechStarted(now)
	case turn.EdgeSpeechEnded:
		s.deliver(session.Event{Type: session.EventSpeech, Speech: session.SpeechStopped})
	}
}

// onSpeechStarted handles a speech onset from either the local VAD or the
// provider's server VAD.
func (s *Session) onSpeechStarted(now time.Time) {
	interrupted := s.responseActive
	if interrupted {
		s.bargeIn()
	}
	if s.pendingCause != "" && s.fuser.Current() != nil {
		// A committed turn whose final never arrived, and the user has
		// moved on. Seal it so the new utterance gets a fresh id; the
		// lagging final will be dropped as a late revision.
		cause := s.pendingCause
		if interrupted {
			cause = types.CauseBargeInCut
		}
		s.synthesizeEmptyFinal(cause, now)
	}
	s.fuser.Open(now)
	s.deliver(session.Event{Type: session.EventSpeech, Speech: session.SpeechStarted})
}

// bargeIn cuts the reply for incoming user speech: the response is
// retired, and the provider's input buffer is flushed of any reply audio
// that bled into it before the user spoke.
func (s *Session) bargeIn() {
	cut := s.responseID
	s.cutResponse(true)
	if s.rtSession != nil {
		if err := s.rtSession.ClearAudio(); err != nil {
			if provider.Classify(err) != provider.KindCapability {
				s.board.Record(s.cfg.ProviderID, err)
			}
		}
	}
	s.log.Info("barge-in cut reply", slog.String("response_id", cut))
}

// cutResponse stops the in-flight reply immediately: suppression first so
// the pump drops frames already in flight, then provider cancel, then the
// buffered ring. The response_done event fires here; the provider's own
// done notification for the cancelled response is deduplicated later.
func (s *Session) cutResponse(interrupted bool) {
	s.suppress.Store(true)
	s.outRing.Clear()
	if s.rtSession != nil {
		if err := s.rtSession.CancelResponse(); err != nil {
			if provider.Classify(err) != provider.KindCapability {
				s.board.Record(s.cfg.ProviderID, err)
			}
		}
	}
	if s.responseActive {
		s.deliver(session.Event{
			Type:        session.EventResponseDone,
			ResponseID:  s.responseID,
			Interrupted: interrupted,
		})
		s.responseActive = false
		s.responseID = ""
	}
}

// ─── Turn commit ─────────────────────────────────────────────────────────────

// commitTurn hands the buffered input to the model. Without server VAD
// the session is the orchestrator, so a response is requested in the same
// breath; with it, the provider responds on its own after the commit. The
// deadline backstops providers that never produce the transcript final.
func (s *Session) commitTurn(cause types.TurnCause, now time.Time) {
	if s.fuser.Current() != nil && s.pendingCause == "" {
		s.armFinalWait(cause, now)
	}
	if err := s.rtSession.CommitAudio(); err != nil {
		if provider.Classify(err) != provider.KindCapability {
			s.board.Record(s.cfg.ProviderID, err)
		}
	}
	if !s.serverVAD {
		if err := s.rtSession.CreateResponse(); err != nil {
			if provider.Classify(err) != provider.KindCapability {
				s.board.Record(s.cfg.ProviderID, err)
			}
		}
	}
}

func (s *Session) armFinalWait(cause types.TurnCause, now time.Time) {
	s.pendingCause = cause
	s.finalDeadline = now.Add(s.cfg.FinalWait)
}

// synthesizeEmptyFinal closes the open turn with an empty final marked as
// a provider error, used when the stream died or the commit deadline
// passed with no transcript from the provider.
func (s *Session) synthesizeEmptyFinal(cause types.TurnCause, now time.Time) {
	t := types.Transcript{
		ProviderID:    s.cfg.ProviderID,
		ProviderError: true,
	}
	stamped, _, ok := s.fuser.StampFinal(t, cause, now)
	s.pendingCause = ""
	s.finalDeadline = time.Time{}
	if !ok {
		return
	}
	s.lastTurn = stamped.TurnID
	s.turnsDone.Add(1)
	s.deliver(session.Event{
		Type:       session.EventTranscript,
		Role:       realtime.RoleUser,
		Transcript: stamped,
	})
	s.detector.Reset()
}

// ─── Provider stream events ──────────────────────────────────────────────────

func (s *Session) handleRT(m rtEvent) error {
	if m.gen != s.rtGen {
		return nil
	}
	now := time.Now()
	switch {
	case m.transcript != nil:
		s.onTranscript(*m.transcript, now)
	case m.call != nil:
		s.onFunctionCall(*m.call)
	case m.event != nil:
		s.onProviderEvent(*m.event, now)
	case m.closed:
		return s.onStreamClosed()
	}
	return nil
}

func (s *Session) onTranscript(t realtime.TranscriptEvent, now time.Time) {
	if t.Role == realtime.RoleAssistant {
		s.onAssistantText(t)
		return
	}
	if t.Final {
		s.onUserFinal(t, now)
	} else {
		s.onUserPartial(t, now)
	}
}

func (s *Session) onUserPartial(t realtime.TranscriptEvent, now time.Time) {
	s.detector.ObservePartial(t.Text)
	stamped, ok := s.fuser.StampPartial(types.Transcript{
		Text:       t.Text,
		ProviderID: s.cfg.ProviderID,
	}, now)
	if !ok {
		return
	}
	ev := session.Event{
		Type:       session.EventTranscript,
		Role:       realtime.RoleUser,
		Transcript: stamped,
	}
	if !s.deliverBest(ev) {
		s.fuser.SetPending(stamped)
	}
}

func (s *Session) onUserFinal(t realtime.TranscriptEvent, now time.Time) {
	cause := s.pendingCause
	if cause == "" {
		cause = types.CauseServerEndpoint
	}
	stamped, _, ok := s.fuser.StampFinal(types.Transcript{
		Text:       t.Text,
		ProviderID: s.cfg.ProviderID,
	}, cause, now)
	s.pendingCause = ""
	s.finalDeadline = time.Time{}
	if !ok {
		return
	}
	s.lastTurn = stamped.TurnID
	s.turnsDone.Add(1)
	s.deliver(session.Event{
		Type:       session.EventTranscript,
		Role:       realtime.RoleUser,
		Transcript: stamped,
	})
	s.detector.Reset()
}

// onAssistantText relays the model's own text. Assistant transcripts ride
// the id of the user turn being answered; finality is per speaker, so the
// user stream keeps its single-final guarantee.
func (s *Session) onAssistantText(t realtime.TranscriptEvent) {
	ev := session.Event{
		Type: session.EventTranscript,
		Role: realtime.RoleAssistant,
		Transcript: types.Transcript{
			Text:       t.Text,
			IsFinal:    t.Final,
			ProviderID: s.cfg.ProviderID,
			TurnID:     s.lastTurn,
		},
	}
	if t.Final {
		s.deliver(ev)
	} else {
		s.deliverBest(ev)
	}
}

// onFunctionCall surfaces the call verbatim; execution belongs to the
// client, which answers through SendFunctionResult.
func (s *Session) onFunctionCall(call realtime.FunctionCall) {
	s.callsSeen.Add(1)
	s.deliver(session.Event{Type: session.EventFunctionCall, Call: call})
}

func (s *Session) onProviderEvent(ev realtime.Event, now time.Time) {
	switch ev.Type {
	case realtime.EventInputSpeechStarted:
		s.onSpeechStarted(now)
	case realtime.EventInputSpeechStopped:
		s.deliver(session.Event{Type: session.EventSpeech, Speech: session.SpeechStopped})
	case realtime.EventInputCommitted:
		if s.fuser.Current() != nil && s.pendingCause == "" {
			s.armFinalWait(types.CauseServerEndpoint, now)
		}
	case realtime.EventResponseStarted:
		s.onResponseStarted(ev)
	case realtime.EventResponseDone:
		s.onResponseDone()
	case realtime.EventError:
		s.board.Record(s.cfg.ProviderID, ev.Err)
		s.log.Warn("provider event error", slog.Any("error", ev.Err))
	}
}

func (s *Session) onResponseStarted(ev realtime.Event) {
	if s.responseActive {
		return
	}
	s.suppress.Store(false)
	s.responseSeq++
	id := ev.ResponseID
	if id == "" {
		id = fmt.Sprintf("resp-%d", s.responseSeq)
	}
	s.responseID = id
	s.responseActive = true
	s.deliver(session.Event{Type: session.EventResponseStarted, ResponseID: id})
}

func (s *Session) onResponseDone() {
	if !s.responseActive {
		// Already cut locally; the provider's confirmation is redundant.
		return
	}
	id := s.responseID
	s.responseActive = false
	s.responseID = ""
	s.deliver(session.Event{Type: session.EventResponseDone, ResponseID: id})
}

// onStreamClosed handles the provider stream dying underneath the
// session. Buffered transcripts arrive ahead of the closed marker, so an
// open turn here means the provider yielded nothing for it.
func (s *Session) onStreamClosed() error {
	if st := State(s.state.Load()); st == StateDraining || st == StateTerminated {
		return nil
	}
	var streamErr error
	if s.rtSession != nil {
		streamErr = s.rtSession.Err()
		_ = s.rtSession.Close()
		s.rtSession = nil
	}
	if s.rtStop != nil {
		close(s.rtStop)
		s.rtStop = nil
	}
	if streamErr != nil {
		s.board.Record(s.cfg.ProviderID, streamErr)
		kind := provider.Classify(streamErr)
		if kind == provider.KindAuth || kind == provider.KindConfig {
			return fmt.Errorf("duplex: realtime stream: %w", streamErr)
		}
	}
	if s.responseActive {
		// The response died with the stream.
		s.cutResponse(true)
	}
	s.abandonOpenTurn()
	return s.reconnectStream()
}

// reconnectStream redials the provider while inbound audio accumulates in
// the ring. Turn ids are preserved; instructions and tools carried in
// liveCfg reach the new stream through the dial.
func (s *Session) reconnectStream() error {
	s.setState(StateReconnecting)
	s.log.Warn("realtime stream lost, reconnecting")

	handle, err := s.rtRedial.Reconnect(s.callCtx)
	if err != nil {
		return fmt.Errorf("duplex: realtime reconnect: %w", err)
	}
	s.spawnStream(handle)
	s.detector.Reset()
	s.setState(StateActive)
	s.inNotify.Signal()
	return nil
}

// ─── Housekeeping ────────────────────────────────────────────────────────────

func (s *Session) handleTick() {
	now := time.Now()

	// Coalesced partial: retry the newest undelivered one.
	if p, ok := s.fuser.TakePending(); ok {
		ev := session.Event{
			Type:       session.EventTranscript,
			Role:       realtime.RoleUser,
			Transcript: p,
		}
		if !s.deliverBest(ev) {
			s.fuser.SetPending(p)
		}
	}

	// Local end-of-turn polling; with server VAD the provider endpoints
	// speech itself.
	if !s.serverVAD && s.rtSession != nil &&
		s.fuser.Current() != nil && s.pendingCause == "" &&
		State(s.state.Load()) == StateActive {
		if cause, ok := s.detector.EndOfTurn(now); ok {
			s.commitTurn(cause, now)
		}
	}

	// Commit deadline: the provider never produced the transcript final.
	if s.pendingCause != "" && !s.finalDeadline.IsZero() && now.After(s.finalDeadline) {
		s.synthesizeEmptyFinal(s.pendingCause, now)
	}
}

// ─── Teardown ────────────────────────────────────────────────────────────────

// shutdown runs the cancellation cascade: stop audible output, retire the
// active response, seal the open turn, drop the stream, drain control
// queues, emit the last events. After it returns no callback fires.
func (s *Session) shutdown(cause error) error {
	s.setState(StateDraining)

	// 1. Stop audible output and retire the active response.
	s.suppress.Store(true)
	s.outRing.Clear()
	if s.responseActive {
		if s.rtSession != nil {
			_ = s.rtSession.CancelResponse()
		}
		s.deliverBest(session.Event{
			Type:        session.EventResponseDone,
			ResponseID:  s.responseID,
			Interrupted: true,
		})
		s.responseActive = false
		s.responseID = ""
	}

	// 2. Seal the open turn and drop the stream.
	s.abandonOpenTurn()
	if s.rtSession != nil {
		_ = s.rtSession.Close()
		s.rtSession = nil
	}
	if s.rtStop != nil {
		close(s.rtStop)
		s.rtStop = nil
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
