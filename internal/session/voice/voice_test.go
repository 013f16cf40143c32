package voice_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	respmock "github.com/aurelay/aurelay/internal/responder/mock"
	"github.com/aurelay/aurelay/internal/resilience"
	"github.com/aurelay/aurelay/internal/session"
	"github.com/aurelay/aurelay/internal/session/voice"
	"github.com/aurelay/aurelay/internal/turn"
	"github.com/aurelay/aurelay/pkg/audio"
	"github.com/aurelay/aurelay/pkg/provider"
	sttmock "github.com/aurelay/aurelay/pkg/provider/stt/mock"
	ttsmock "github.com/aurelay/aurelay/pkg/provider/tts/mock"
	"github.com/aurelay/aurelay/pkg/provider/vad"
	"github.com/aurelay/aurelay/pkg/types"
)

const (
	waitTimeout  = 2 * time.Second
	pollInterval = 5 * time.Millisecond
)

// scriptedVAD is a channel-fed VAD engine: each queued event answers one
// ProcessFrame call, and an empty queue reads as silence. Feeding through
// a channel keeps the scripting race-free against the audio worker.
type scriptedVAD struct {
	events chan vad.VADEvent
}

func (v *scriptedVAD) NewSession(vad.Config) (vad.SessionHandle, error) { return v, nil }

func (v *scriptedVAD) ProcessFrame([]byte) (vad.VADEvent, error) {
	select {
	case ev := <-v.events:
		return ev, nil
	default:
		return vad.VADEvent{Type: vad.VADSilence}, nil
	}
}

func (v *scriptedVAD) Reset()       {}
func (v *scriptedVAD) Close() error { return nil }

type fixture struct {
	stt  *sttmock.Provider
	sttS *sttmock.Session
	tts  *ttsmock.Provider
	vad  *scriptedVAD
	resp *respmock.Responder
	sess *voice.Session
}

// newFixture wires a session against mock providers tuned for fast tests:
// a 40ms silence hold, a 5ms driver tick, and an 80ms final-wait. Mutate
// mock fields before the first start call; tune adjusts the Config.
func newFixture(t *testing.T, tune func(*voice.Config)) *fixture {
	t.Helper()
	f := &fixture{
		sttS: &sttmock.Session{
			PartialsCh: make(chan types.Transcript, 16),
			FinalsCh:   make(chan types.Transcript, 16),
			ErrorsCh:   make(chan error, 16),
			StateVal:   provider.StateConnected,
		},
		tts: &ttsmock.Provider{
			Caps: provider.NewCapabilitySet(provider.CapStreamingAudioOut, provider.CapBargeIn),
			Frames: []audio.AudioFrame{
				{Data: []byte("pcm-a")},
				{Data: []byte("pcm-b")},
			},
		},
		vad:  &scriptedVAD{events: make(chan vad.VADEvent, 8)},
		resp: &respmock.Responder{Chunks: []string{"Okay. "}},
	}
	f.stt = &sttmock.Provider{
		Caps:    provider.NewCapabilitySet(provider.CapStreamingAudioIn, provider.CapPartialTranscripts),
		Session: f.sttS,
	}

	cfg := voice.Config{
		SessionID:     "sess-test",
		Logger:        slog.New(slog.DiscardHandler),
		STT:           f.stt,
		STTProviderID: "stt-mock",
		TTS:           f.tts,
		TTSProviderID: "tts-mock",
		VAD:           f.vad,
		Responder:     f.resp,
		Turns:         turn.DetectorConfig{SilenceHold: 40 * time.Millisecond},
		FinalWait:     80 * time.Millisecond,
		TickInterval:  5 * time.Millisecond,
	}
	if tune != nil {
		tune(&cfg)
	}

	sess, err := voice.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.sess = sess
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = sess.Terminate(ctx)
	})
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := f.sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, f.sess.Events(), session.EventSessionCreated)
}

func (f *fixture) sendFrame(t *testing.T) {
	t.Helper()
	if err := f.sess.SendAudio(make([]byte, 320)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
}

// speechStart scripts a speech onset and waits for the started event, so
// callers know the turn is open when it returns.
func (f *fixture) speechStart(t *testing.T) {
	t.Helper()
	f.vad.events <- vad.VADEvent{Type: vad.VADSpeechStart, Probability: 0.94}
	f.sendFrame(t)
	ev := waitEvent(t, f.sess.Events(), session.EventSpeech)
	if ev.Speech != session.SpeechStarted {
		t.Fatalf("speech kind = %q, want %q", ev.Speech, session.SpeechStarted)
	}
}

// silence feeds one silence frame and waits for the stopped event.
func (f *fixture) silence(t *testing.T) {
	t.Helper()
	f.sendFrame(t)
	ev := waitEvent(t, f.sess.Events(), session.EventSpeech)
	if ev.Speech != session.SpeechStopped {
		t.Fatalf("speech kind = %q, want %q", ev.Speech, session.SpeechStopped)
	}
}

func (f *fixture) terminateNow(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := f.sess.Terminate(ctx); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
}

func waitEvent(t *testing.T, events <-chan session.Event, want session.EventType) session.Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed while waiting for %v", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v event", want)
		}
	}
}

func waitTranscript(t *testing.T, events <-chan session.Event, final bool) types.Transcript {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed while waiting for transcript (final=%v)", final)
			}
			if ev.Type == session.EventTranscript && ev.Transcript.IsFinal == final {
				return ev.Transcript
			}
		case <-deadline:
			t.Fatalf("timed out waiting for transcript (final=%v)", final)
		}
	}
}

func waitState(t *testing.T, s *voice.Session, want voice.State) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("state = %v, want %v", s.State(), want)
}

func waitFrame(t *testing.T, ch <-chan audio.AudioFrame) audio.AudioFrame {
	t.Helper()
	select {
	case f, ok := <-ch:
		if !ok {
			t.Fatal("audio channel closed while waiting for a frame")
		}
		return f
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for synthesized audio")
	}
	return audio.AudioFrame{}
}

func pcmFrames(n int) []audio.AudioFrame {
	frames := make([]audio.AudioFrame, n)
	for i := range frames {
		frames[i] = audio.AudioFrame{Data: []byte{byte(i), 0x7f}}
	}
	return frames
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

func TestNew_RequiresCoreDependencies(t *testing.T) {
	t.Parallel()
	base := func() voice.Config {
		return voice.Config{
			STT:       &sttmock.Provider{},
			VAD:       &scriptedVAD{events: make(chan vad.VADEvent, 1)},
			Responder: &respmock.Responder{},
		}
	}

	cfg := base()
	cfg.STT = nil
	if _, err := voice.New(cfg); err == nil {
		t.Error("expected error without STT")
	}
	cfg = base()
	cfg.VAD = nil
	if _, err := voice.New(cfg); err == nil {
		t.Error("expected error without VAD")
	}
	cfg = base()
	cfg.Responder = nil
	if _, err := voice.New(cfg); err == nil {
		t.Error("expected error without Responder")
	}
}

func TestSession_StartIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := f.sess.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	waitState(t, f.sess, voice.StateListening)

	f.terminateNow(t)
	if got := len(f.stt.StartStreamCalls); got != 1 {
		t.Errorf("StartStream calls = %d, want 1", got)
	}
}

func TestSession_StartFailureIsFatal(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.stt.StartStreamErr = provider.Errorf(provider.KindAuth, "stt-mock", "connect", "bad key")

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := f.sess.Start(ctx); err == nil {
		t.Fatal("Start succeeded with a rejected connect")
	}
	waitEvent(t, f.sess.Events(), session.EventError)
	waitEvent(t, f.sess.Events(), session.EventClosing)
	waitState(t, f.sess, voice.StateTerminated)
}

// ─── Turn round trip ─────────────────────────────────────────────────────────

func TestSession_VoiceTurnRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.start(t)
	f.speechStart(t)

	f.sttS.PartialsCh <- types.Transcript{Text: "turn the lights", ProviderID: "stt-mock"}
	partial := waitTranscript(t, f.sess.Events(), false)
	if partial.TurnID != 1 {
		t.Errorf("partial TurnID = %d, want 1", partial.TurnID)
	}

	f.silence(t)
	// Let the silence hold expire so the driver forces the endpoint, then
	// answer it with the final.
	time.Sleep(60 * time.Millisecond)
	f.sttS.FinalsCh <- types.Transcript{Text: "turn the lights off", IsFinal: true, ProviderID: "stt-mock"}
	final := waitTranscript(t, f.sess.Events(), true)
	if final.TurnID != 1 {
		t.Errorf("final TurnID = %d, want 1", final.TurnID)
	}
	if final.Text != "turn the lights off" {
		t.Errorf("final text = %q", final.Text)
	}

	started := waitEvent(t, f.sess.Events(), session.EventResponseStarted)
	if started.ResponseID == "" {
		t.Error("response_started carried no response id")
	}

	frame := waitFrame(t, f.sess.Audio())
	if len(frame.Data) == 0 {
		t.Error("synthesized frame carried no data")
	}

	done := waitEvent(t, f.sess.Events(), session.EventResponseDone)
	if done.Interrupted {
		t.Error("uninterrupted reply reported as interrupted")
	}
	if done.ResponseID != started.ResponseID {
		t.Errorf("response ids differ: %q vs %q", done.ResponseID, started.ResponseID)
	}
	waitState(t, f.sess, voice.StateListening)

	f.terminateNow(t)
	if f.sttS.ForceEndpointCallCount < 1 {
		t.Error("silence hold expiry never forced an endpoint")
	}
}

func TestSession_EmptyFinalSkipsResponder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.start(t)
	f.speechStart(t)

	f.sttS.FinalsCh <- types.Transcript{Text: "   ", IsFinal: true, ProviderID: "stt-mock"}
	final := waitTranscript(t, f.sess.Events(), true)
	if final.TurnID != 1 {
		t.Errorf("final TurnID = %d, want 1", final.TurnID)
	}
	waitState(t, f.sess, voice.StateListening)

	time.Sleep(50 * time.Millisecond)
	if got := f.resp.CallCount(); got != 0 {
		t.Errorf("responder consulted %d times for an empty turn", got)
	}
}

func TestSession_SendTextCommitsTypedTurn(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.start(t)

	if err := f.sess.SendText("remind me at nine"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	final := waitTranscript(t, f.sess.Events(), true)
	if final.TurnID != 1 {
		t.Errorf("typed turn id = %d, want 1", final.TurnID)
	}
	if final.ProviderID != "client" {
		t.Errorf("typed final provider = %q, want client", final.ProviderID)
	}

	waitEvent(t, f.sess.Events(), session.EventResponseStarted)
	waitEvent(t, f.sess.Events(), session.EventResponseDone)

	turns := f.resp.LastTurns()
	if len(turns) != 1 {
		t.Fatalf("responder saw %d turns, want 1", len(turns))
	}
	if turns[0].Text != "remind me at nine" {
		t.Errorf("responder user text = %q", turns[0].Text)
	}
}

func TestSession_TranscriptionOnlyWithoutTTS(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *voice.Config) {
		c.TTS = nil
	})
	f.start(t)

	if err := f.sess.SendText("just write this down"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	waitTranscript(t, f.sess.Events(), true)
	waitEvent(t, f.sess.Events(), session.EventResponseStarted)
	done := waitEvent(t, f.sess.Events(), session.EventResponseDone)
	if done.Interrupted {
		t.Error("text-only reply reported interrupted")
	}
	if got := f.resp.CallCount(); got != 1 {
		t.Errorf("responder calls = %d, want 1", got)
	}
	waitState(t, f.sess, voice.StateListening)
}

// ─── Barge-in ────────────────────────────────────────────────────────────────

func TestSession_BargeInCutsReply(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.tts.Frames = pcmFrames(40)
	f.tts.FrameInterval = 10 * time.Millisecond
	f.resp.Chunks = []string{"Here is a rather long answer for you. "}
	f.start(t)
	f.speechStart(t)

	f.sttS.FinalsCh <- types.Transcript{Text: "tell me everything", IsFinal: true, ProviderID: "stt-mock"}
	waitTranscript(t, f.sess.Events(), true)
	waitEvent(t, f.sess.Events(), session.EventResponseStarted)
	waitFrame(t, f.sess.Audio())

	// The user speaks over the reply.
	f.vad.events <- vad.VADEvent{Type: vad.VADSpeechStart, Probability: 0.97}
	f.sendFrame(t)

	done := waitEvent(t, f.sess.Events(), session.EventResponseDone)
	if !done.Interrupted {
		t.Error("cut reply not reported as interrupted")
	}
	ev := waitEvent(t, f.sess.Events(), session.EventSpeech)
	if ev.Speech != session.SpeechStarted {
		t.Fatalf("speech kind = %q, want %q", ev.Speech, session.SpeechStarted)
	}

	deadline := time.Now().Add(waitTimeout)
	for !f.tts.LastSession().Cancelled() {
		if !time.Now().Before(deadline) {
			t.Fatal("synthesis was never cancelled")
		}
		time.Sleep(pollInterval)
	}

	// The interrupting speech runs as turn 2.
	f.sttS.PartialsCh <- types.Transcript{Text: "actually wait", ProviderID: "stt-mock"}
	partial := waitTranscript(t, f.sess.Events(), false)
	if partial.TurnID != 2 {
		t.Errorf("post-barge-in partial TurnID = %d, want 2", partial.TurnID)
	}

	// Output goes quiet once the buffered tail is dropped.
	quiet := time.After(150 * time.Millisecond)
	for drained := false; !drained; {
		select {
		case _, ok := <-f.sess.Audio():
			if !ok {
				t.Fatal("audio channel closed mid-test")
			}
		case <-quiet:
			drained = true
		}
	}
}

func TestSession_CancelReplyInterrupts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.tts.Frames = pcmFrames(40)
	f.tts.FrameInterval = 10 * time.Millisecond
	f.start(t)

	if err := f.sess.SendText("read me the report"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	waitEvent(t, f.sess.Events(), session.EventResponseStarted)
	waitFrame(t, f.sess.Audio())

	if err := f.sess.CancelReply(); err != nil {
		t.Fatalf("CancelReply: %v", err)
	}
	done := waitEvent(t, f.sess.Events(), session.EventResponseDone)
	if !done.Interrupted {
		t.Error("cancelled reply not reported as interrupted")
	}
	deadline := time.Now().Add(waitTimeout)
	for !f.tts.LastSession().Cancelled() {
		if !time.Now().Before(deadline) {
			t.Fatal("synthesis was never cancelled")
		}
		time.Sleep(pollInterval)
	}
	waitState(t, f.sess, voice.StateListening)
}

// ─── Reconnect ───────────────────────────────────────────────────────────────

func TestSession_ReconnectsAfterStreamLoss(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *voice.Config) {
		c.ReconnectPolicy = resilience.Policy{
			MaxAttempts: 4,
			BaseDelay:   time.Millisecond,
			MaxDelay:    2 * time.Millisecond,
			Jitter:      -1,
		}
	})
	f.start(t)
	f.speechStart(t)

	f.sttS.PartialsCh <- types.Transcript{Text: "can you", ProviderID: "stt-mock"}
	waitTranscript(t, f.sess.Events(), false)

	// The stream dies mid-utterance. The replacement session must be in
	// place before the old channels close.
	next := &sttmock.Session{
		PartialsCh: make(chan types.Transcript, 16),
		FinalsCh:   make(chan types.Transcript, 16),
		ErrorsCh:   make(chan error, 16),
		StateVal:   provider.StateConnected,
	}
	f.stt.Session = next
	close(f.sttS.PartialsCh)
	close(f.sttS.FinalsCh)

	// The in-flight turn closes with a synthesized empty final.
	final := waitTranscript(t, f.sess.Events(), true)
	if final.TurnID != 1 {
		t.Errorf("flushed final TurnID = %d, want 1", final.TurnID)
	}
	if !final.ProviderError {
		t.Error("synthesized final not marked as a provider error")
	}
	if final.Text != "" {
		t.Errorf("synthesized final text = %q, want empty", final.Text)
	}
	waitState(t, f.sess, voice.StateListening)

	// The next turn runs on the fresh stream with preserved numbering.
	f.speechStart(t)
	next.PartialsCh <- types.Transcript{Text: "hello again", ProviderID: "stt-mock"}
	partial := waitTranscript(t, f.sess.Events(), false)
	if partial.TurnID != 2 {
		t.Errorf("post-reconnect partial TurnID = %d, want 2", partial.TurnID)
	}

	f.terminateNow(t)
	if got := len(f.stt.StartStreamCalls); got != 2 {
		t.Errorf("StartStream calls = %d, want 2", got)
	}
}

func TestSession_ReconnectsAfterIdleTimeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *voice.Config) {
		c.ReconnectPolicy = resilience.Policy{
			MaxAttempts: 4,
			BaseDelay:   time.Millisecond,
			MaxDelay:    2 * time.Millisecond,
			Jitter:      -1,
		}
	})
	f.start(t)

	// A hung transport: the provider's idle watchdog records a timeout and
	// tears the stream down, closing its channels.
	next := &sttmock.Session{
		PartialsCh: make(chan types.Transcript, 16),
		FinalsCh:   make(chan types.Transcript, 16),
		ErrorsCh:   make(chan error, 16),
		StateVal:   provider.StateConnected,
	}
	f.stt.Session = next
	f.sttS.ErrorsCh <- &provider.Error{
		Kind:     provider.KindTimeout,
		Provider: "stt-mock",
		Op:       "read",
		Err:      provider.ErrIdleTimeout,
	}
	close(f.sttS.PartialsCh)
	close(f.sttS.FinalsCh)

	waitState(t, f.sess, voice.StateListening)

	// The session rides the fresh stream as if nothing happened.
	f.speechStart(t)
	next.PartialsCh <- types.Transcript{Text: "still here", ProviderID: "stt-mock"}
	waitTranscript(t, f.sess.Events(), false)

	f.terminateNow(t)
	if got := len(f.stt.StartStreamCalls); got != 2 {
		t.Errorf("StartStream calls = %d, want 2", got)
	}
}

func TestSession_FatalStreamErrorTerminates(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.start(t)

	f.sttS.ErrorsCh <- provider.Errorf(provider.KindAuth, "stt-mock", "stream", "key revoked")

	waitEvent(t, f.sess.Events(), session.EventError)
	waitEvent(t, f.sess.Events(), session.EventClosing)
	waitState(t, f.sess, voice.StateTerminated)
}

// ─── Synthesis de-duplication ────────────────────────────────────────────────

func TestSession_DeduplicatesRepeatedSynthesis(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.tts.Frames = pcmFrames(6)
	f.tts.FrameInterval = 15 * time.Millisecond
	f.resp.Chunks = []string{"I understand. ", "I understand. "}
	f.start(t)

	if err := f.sess.SendText("confirm twice"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	waitTranscript(t, f.sess.Events(), true)
	waitEvent(t, f.sess.Events(), session.EventResponseStarted)
	done := waitEvent(t, f.sess.Events(), session.EventResponseDone)
	if done.Interrupted {
		t.Error("deduplicated reply reported interrupted")
	}

	if got := f.tts.LastSession().SpeakCallCount(); got != 1 {
		t.Errorf("Speak calls = %d, want 1 (duplicate suppressed)", got)
	}
	if got := f.sess.Stats().DedupHits; got != 1 {
		t.Errorf("dedup hits = %d, want 1", got)
	}
}

// ─── Termination ─────────────────────────────────────────────────────────────

func TestSession_TerminateQuiesces(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.start(t)
	f.speechStart(t)

	// Terminate with the turn still open: the session must flush it to a
	// final before the closing event.
	f.terminateNow(t)
	if got := f.sess.State(); got != voice.StateTerminated {
		t.Fatalf("state after Terminate = %v, want %v", got, voice.StateTerminated)
	}

	var sawClosing bool
	var finals int
	for ev := range f.sess.Events() {
		switch ev.Type {
		case session.EventClosing:
			sawClosing = true
		case session.EventTranscript:
			if ev.Transcript.IsFinal {
				finals++
				if !ev.Transcript.ProviderError {
					t.Error("flushed final not marked as provider error")
				}
			}
		}
	}
	if !sawClosing {
		t.Error("no closing event before the channel closed")
	}
	if finals != 1 {
		t.Errorf("flushed finals = %d, want 1", finals)
	}

	select {
	case _, ok := <-f.sess.Audio():
		if ok {
			t.Error("audio frame delivered after Terminate returned")
		}
	case <-time.After(waitTimeout):
		t.Error("audio channel not closed after Terminate")
	}

	if err := f.sess.SendAudio(make([]byte, 320)); !errors.Is(err, voice.ErrTerminated) {
		t.Errorf("SendAudio after Terminate = %v, want ErrTerminated", err)
	}
	if err := f.sess.SendText("hi"); !errors.Is(err, voice.ErrTerminated) {
		t.Errorf("SendText after Terminate = %v, want ErrTerminated", err)
	}

	// Idempotent.
	f.terminateNow(t)
}

func TestSession_StatsCountTurns(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.start(t)

	for i := range 3 {
		if err := f.sess.SendText("again please"); err != nil {
			t.Fatalf("SendText %d: %v", i, err)
		}
		waitTranscript(t, f.sess.Events(), true)
		waitEvent(t, f.sess.Events(), session.EventResponseDone)
	}

	stats := f.sess.Stats()
	if stats.TurnsFinalized != 3 {
		t.Errorf("TurnsFinalized = %d, want 3", stats.TurnsFinalized)
	}
	if stats.Errors != 0 {
		t.Errorf("Errors = %d, want 0", stats.Errors)
	}
}
