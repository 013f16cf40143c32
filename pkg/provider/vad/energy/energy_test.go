package energy

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/aurelay/aurelay/pkg/provider/vad"
)

// frame builds one 512-sample PCM16 frame of constant amplitude.
func frame(amplitude int16) []byte {
	b := make([]byte, 512*2)
	for i := 0; i < 512; i++ {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(amplitude))
	}
	return b
}

func newTestSession(t *testing.T, minSilence time.Duration) vad.SessionHandle {
	t.Helper()
	eng := &Engine{Threshold: 300}
	s, err := eng.NewSession(vad.Config{
		SampleRate:   16000,
		FrameSamples: 512,
		MinSilence:   minSilence,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func TestSpeechStartAndContinue(t *testing.T) {
	s := newTestSession(t, 100*time.Millisecond)

	ev, err := s.ProcessFrame(frame(2000))
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Type != vad.VADSpeechStart {
		t.Fatalf("first loud frame: type = %v, want speech start", ev.Type)
	}

	ev, _ = s.ProcessFrame(frame(2000))
	if ev.Type != vad.VADSpeechContinue {
		t.Fatalf("second loud frame: type = %v, want speech continue", ev.Type)
	}
}

func TestSilenceBeforeSpeech(t *testing.T) {
	s := newTestSession(t, 100*time.Millisecond)
	ev, err := s.ProcessFrame(frame(10))
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Type != vad.VADSilence {
		t.Fatalf("quiet frame: type = %v, want silence", ev.Type)
	}
}

func TestSpeechEndRequiresSustainedSilence(t *testing.T) {
	// 512 samples at 16kHz = 32ms/frame; 100ms hold = 4 frames.
	s := newTestSession(t, 100*time.Millisecond)

	if ev, _ := s.ProcessFrame(frame(2000)); ev.Type != vad.VADSpeechStart {
		t.Fatalf("expected speech start, got %v", ev.Type)
	}

	// Quiet frames inside the hold window still count as speech.
	for i := 0; i < 3; i++ {
		ev, _ := s.ProcessFrame(frame(10))
		if ev.Type != vad.VADSpeechContinue {
			t.Fatalf("hold frame %d: type = %v, want speech continue", i, ev.Type)
		}
	}

	// The fourth quiet frame crosses the hold and ends the segment.
	ev, _ := s.ProcessFrame(frame(10))
	if ev.Type != vad.VADSpeechEnd {
		t.Fatalf("after hold: type = %v, want speech end", ev.Type)
	}

	// Back to plain silence afterwards.
	ev, _ = s.ProcessFrame(frame(10))
	if ev.Type != vad.VADSilence {
		t.Fatalf("post-segment frame: type = %v, want silence", ev.Type)
	}
}

func TestLoudFrameResetsSilenceHold(t *testing.T) {
	s := newTestSession(t, 100*time.Millisecond)

	_, _ = s.ProcessFrame(frame(2000))
	_, _ = s.ProcessFrame(frame(10))
	_, _ = s.ProcessFrame(frame(10))
	// Speech resumes before the hold elapses; the counter restarts.
	if ev, _ := s.ProcessFrame(frame(2000)); ev.Type != vad.VADSpeechContinue {
		t.Fatalf("resumed frame: type = %v, want speech continue", ev.Type)
	}
	for i := 0; i < 3; i++ {
		if ev, _ := s.ProcessFrame(frame(10)); ev.Type != vad.VADSpeechContinue {
			t.Fatalf("hold frame %d after resume: type = %v, want speech continue", i, ev.Type)
		}
	}
	if ev, _ := s.ProcessFrame(frame(10)); ev.Type != vad.VADSpeechEnd {
		t.Fatalf("expected speech end after full hold, got %v", ev.Type)
	}
}

func TestRejectsWrongFrameSize(t *testing.T) {
	s := newTestSession(t, 100*time.Millisecond)
	if _, err := s.ProcessFrame(make([]byte, 100)); err == nil {
		t.Fatal("expected error for undersized frame")
	}
}

func TestResetClearsState(t *testing.T) {
	s := newTestSession(t, 100*time.Millisecond)
	_, _ = s.ProcessFrame(frame(2000))
	s.Reset()
	// After reset, a loud frame is a fresh speech start.
	if ev, _ := s.ProcessFrame(frame(2000)); ev.Type != vad.VADSpeechStart {
		t.Fatalf("post-reset frame: type = %v, want speech start", ev.Type)
	}
}

func TestClosedSessionRejectsFrames(t *testing.T) {
	s := newTestSession(t, 100*time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.ProcessFrame(frame(2000)); err == nil {
		t.Fatal("expected error after Close")
	}
}

func TestComputeRMS(t *testing.T) {
	if got := computeRMS(nil); got != 0 {
		t.Errorf("computeRMS(nil) = %v, want 0", got)
	}
	// Constant amplitude: RMS equals the amplitude.
	if got := computeRMS(frame(1000)); got < 999 || got > 1001 {
		t.Errorf("computeRMS(const 1000) = %v, want ~1000", got)
	}
}
