package duplex

import (
	"github.com/aurelay/aurelay/pkg/audio"
	"github.com/aurelay/aurelay/pkg/provider/realtime"
	"github.com/aurelay/aurelay/pkg/provider/vad"
)

// ─── Inbound audio ───────────────────────────────────────────────────────────

// audioWorker drains the input ring toward the provider forwarder. With
// server VAD every frame goes straight through; otherwise the local VAD
// session sees each frame first and silence is clipped before forwarding.
// While the driver holds the session in a paused state the ring simply
// accumulates, dropping oldest.
func (s *Session) audioWorker() error {
	if s.vadSession != nil {
		defer s.vadSession.Close()
	}
	for {
		select {
		case <-s.gctx.Done():
			return nil
		case <-s.inNotify.Wait():
		}
		for !s.ingestPaused() {
			frame, ok := s.inRing.TryPop()
			if !ok {
				break
			}
			s.processFrame(frame)
		}
	}
}

func (s *Session) ingestPaused() bool {
	switch State(s.state.Load()) {
	case StateIdle, StateStarting, StateReconnecting, StateDraining, StateTerminated:
		return true
	}
	return false
}

func (s *Session) processFrame(frame audio.AudioFrame) {
	if s.vadSession != nil {
		ev, err := s.vadSession.ProcessFrame(frame.Data)
		if err != nil {
			// Fail open: the frame is forwarded anyway.
			s.board.Record("vad", err)
		} else {
			select {
			case s.vadEvents <- ev:
			default:
				s.vadDrops.Add(1)
			}
			if ev.Type == vad.VADSilence {
				return
			}
		}
	}
	select {
	case s.rtAudio <- frame.Data:
	default:
		s.forwardDrops.Add(1)
	}
}

// rtIngress forwards inbound audio to one provider stream. A generation
// swap closes stop, so a reconnected stream never receives frames meant
// for its predecessor.
func (s *Session) rtIngress(handle realtime.SessionHandle, stop <-chan struct{}) error {
	for {
		select {
		case <-s.gctx.Done():
			return nil
		case <-stop:
			return nil
		case chunk := <-s.rtAudio:
			if err := handle.SendAudio(chunk); err != nil {
				s.board.Record(s.cfg.ProviderID, err)
				// The stream is dying; the pump's closed marker drives
				// recovery.
			}
		}
	}
}

// ─── Provider fan-in ─────────────────────────────────────────────────────────

// rtPump serializes one stream's transcripts, function calls, and
// lifecycle events into the driver inbox and moves assistant audio into
// the output ring. Suppressed frames, the tail of a cut response, are
// dropped here before they ever reach the ring. The closed marker is
// sent once all four provider channels have closed.
func (s *Session) rtPump(gen uint64, handle realtime.SessionHandle) error {
	frames := handle.Audio()
	transcripts := handle.Transcripts()
	calls := handle.FunctionCalls()
	events := handle.Events()
	for frames != nil || transcripts != nil || calls != nil || events != nil {
		select {
		case <-s.gctx.Done():
			return nil
		case data, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			if s.suppress.Load() {
				continue
			}
			s.outRing.TryPush(s.outSeq.Stamp(data, s.outFormat))
			s.outNotify.Signal()
		case t, ok := <-transcripts:
			if !ok {
				transcripts = nil
				continue
			}
			tc := t
			if !s.sendRT(rtEvent{gen: gen, transcript: &tc}) {
				return nil
			}
		case call, ok := <-calls:
			if !ok {
				calls = nil
				continue
			}
			cc := call
			if !s.sendRT(rtEvent{gen: gen, call: &cc}) {
				return nil
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			ec := ev
			if !s.sendRT(rtEvent{gen: gen, event: &ec}) {
				return nil
			}
		}
	}
	s.sendRT(rtEvent{gen: gen, closed: true})
	return nil
}

func (s *Session) sendRT(m rtEvent) bool {
	select {
	case s.rtEvents <- m:
		return true
	case <-s.gctx.Done():
		return false
	}
}

// egress drains the output ring to the client. The suppress flag is
// rechecked per frame so a barge-in cuts audio that was already queued.
func (s *Session) egress() error {
	defer close(s.audioOut)
	for {
		select {
		case <-s.gctx.Done():
			return nil
		case <-s.outNotify.Wait():
		}
		for {
			frame, ok := s.outRing.TryPop()
			if !ok {
				break
			}
			if s.suppress.Load() {
				continue
			}
			select {
			case s.audioOut <- frame:
			case <-s.gctx.Done():
				return nil
			}
		}
	}
}
