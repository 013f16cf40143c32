package voice

import (
	"context"
	"strings"

	"github.com/aurelay/aurelay/internal/responder"
	"github.com/aurelay/aurelay/pkg/audio"
	"github.com/aurelay/aurelay/pkg/provider"
	"github.com/aurelay/aurelay/pkg/provider/stt"
	"github.com/aurelay/aurelay/pkg/provider/tts"
	"github.com/aurelay/aurelay/pkg/provider/vad"
)

// ─── Inbound audio ───────────────────────────────────────────────────────────

// audioWorker drains the input ring through VAD and on to the STT
// forwarder. It owns the VAD session. While the driver holds the session
// in a paused state the ring simply accumulates, dropping oldest.
func (s *Session) audioWorker() error {
	defer s.vadSession.Close()
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
	ev, err := s.vadSession.ProcessFrame(frame.Data)
	if err != nil {
		s.board.Record("vad", err)
	} else {
		select {
		case s.vadEvents <- ev:
		default:
			s.vadDrops.Add(1)
		}
	}
	if !s.forwardToSTT(ev, err) {
		return
	}
	select {
	case s.sttAudio <- frame.Data:
	default:
		s.sttAudioDrops.Add(1)
	}
}

// forwardToSTT decides whether a frame reaches the provider. With server
// VAD everything goes through; otherwise silence is clipped locally to
// save provider bandwidth. A VAD failure fails open.
func (s *Session) forwardToSTT(ev vad.VADEvent, vadErr error) bool {
	if s.sttCaps.Has(provider.CapServerVAD) {
		return true
	}
	if vadErr != nil {
		return true
	}
	return ev.Type != vad.VADSilence
}

// sttIngress forwards gated audio to one STT stream. A generation swap
// closes stop, so a reconnected stream never receives frames meant for
// its predecessor.
func (s *Session) sttIngress(handle stt.SessionHandle, stop <-chan struct{}) error {
	for {
		select {
		case <-s.gctx.Done():
			return nil
		case <-stop:
			return nil
		case chunk := <-s.sttAudio:
			if err := handle.SendAudio(chunk); err != nil {
				s.board.Record(s.cfg.STTProviderID, err)
				// The stream is dying; the pump's closed marker drives
				// recovery.
			}
		}
	}
}

// ─── STT callbacks ───────────────────────────────────────────────────────────

// sttPump serializes one stream's partials, finals and errors into the
// driver inbox, then reports closure. Ordering within the stream is
// preserved; the closed marker always trails the last final.
func (s *Session) sttPump(gen uint64, handle stt.SessionHandle) error {
	partials := handle.Partials()
	finals := handle.Finals()
	errs := handle.Errors()
	for partials != nil || finals != nil {
		select {
		case <-s.gctx.Done():
			return nil
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			tc := t
			if !s.sendSTT(sttEvent{gen: gen, partial: &tc}) {
				return nil
			}
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			tc := t
			if !s.sendSTT(sttEvent{gen: gen, final: &tc}) {
				return nil
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if !s.sendSTT(sttEvent{gen: gen, err: err}) {
				return nil
			}
		}
	}
	s.sendSTT(sttEvent{gen: gen, closed: true})
	return nil
}

func (s *Session) sendSTT(m sttEvent) bool {
	select {
	case s.sttEvents <- m:
		return true
	case <-s.gctx.Done():
		return false
	}
}

// ─── TTS callbacks ───────────────────────────────────────────────────────────

// ttsPump moves synthesized frames into the output ring and forwards
// completions and errors to the driver. Suppressed frames, the tail of a
// cut utterance, are dropped here before they ever reach the ring.
func (s *Session) ttsPump(gen uint64, handle tts.SessionHandle) error {
	frames := handle.Audio()
	dones := handle.Done()
	errs := handle.Errors()
	for frames != nil || dones != nil {
		select {
		case <-s.gctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			if s.suppress.Load() {
				continue
			}
			s.outRing.TryPush(f)
			s.outNotify.Signal()
		case d, ok := <-dones:
			if !ok {
				dones = nil
				continue
			}
			dc := d
			if !s.sendTTS(ttsEvent{gen: gen, done: &dc}) {
				return nil
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if !s.sendTTS(ttsEvent{gen: gen, err: err}) {
				return nil
			}
		}
	}
	s.sendTTS(ttsEvent{gen: gen, closed: true})
	return nil
}

func (s *Session) sendTTS(m ttsEvent) bool {
	select {
	case s.ttsEvents <- m:
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

// ─── Responder ───────────────────────────────────────────────────────────────

// think streams one reply out of the responder, cutting it into
// sentences so synthesis can start before the stream finishes.
func (s *Session) think(ctx context.Context, gen uint64, turns []responder.Turn) {
	stream, err := s.cfg.Responder.Respond(ctx, turns)
	if err != nil {
		s.sendReply(ctx, replyEvent{gen: gen, err: err})
		return
	}
	var buf, full strings.Builder
	for chunk := range stream {
		full.WriteString(chunk)
		buf.WriteString(chunk)
		for {
			sentence, rest, ok := splitFirstSentence(buf.String())
			if !ok {
				break
			}
			buf.Reset()
			buf.WriteString(rest)
			if !s.sendReply(ctx, replyEvent{gen: gen, sentence: sentence}) {
				return
			}
		}
	}
	if ctx.Err() != nil {
		return
	}
	if tail := strings.TrimSpace(buf.String()); tail != "" {
		if !s.sendReply(ctx, replyEvent{gen: gen, sentence: tail}) {
			return
		}
	}
	s.sendReply(ctx, replyEvent{gen: gen, done: true, full: full.String()})
}

func (s *Session) sendReply(ctx context.Context, m replyEvent) bool {
	select {
	case s.replies <- m:
		return true
	case <-ctx.Done():
		return false
	}
}

// splitFirstSentence cuts text at the first sentence boundary: terminal
// punctuation followed by whitespace. Trailing punctuation without a
// following space is not yet a boundary, the next chunk may extend it.
func splitFirstSentence(text string) (sentence, rest string, ok bool) {
	for i := 0; i < len(text)-1; i++ {
		switch text[i] {
		case '.', '!', '?':
			switch text[i+1] {
			case ' ', '\n', '\r', '\t':
				return strings.TrimSpace(text[:i+1]), strings.TrimLeft(text[i+1:], " \n\r\t"), true
			}
		}
	}
	return "", "", false
}
