package turn

import (
	"testing"
	"time"

	"github.com/aurelay/aurelay/pkg/provider/vad"
	"github.com/aurelay/aurelay/pkg/types"
)

func TestDetector_SpeechEdges(t *testing.T) {
	d := NewDetector(DetectorConfig{})
	now := time.Now()

	if edge := d.Observe(vad.VADEvent{Type: vad.VADSilence}, now); edge != EdgeNone {
		t.Fatalf("silence before speech: edge = %v, want none", edge)
	}
	if edge := d.Observe(vad.VADEvent{Type: vad.VADSpeechStart}, now); edge != EdgeSpeechStarted {
		t.Fatalf("speech start: edge = %v, want started", edge)
	}
	if !d.SpeechActive() {
		t.Fatal("SpeechActive should be true after start")
	}
	if edge := d.Observe(vad.VADEvent{Type: vad.VADSpeechContinue}, now); edge != EdgeNone {
		t.Fatalf("continue during speech: edge = %v, want none", edge)
	}
	if edge := d.Observe(vad.VADEvent{Type: vad.VADSpeechEnd}, now); edge != EdgeSpeechEnded {
		t.Fatalf("speech end: edge = %v, want ended", edge)
	}
	if d.SpeechActive() {
		t.Fatal("SpeechActive should be false after end")
	}
}

func TestDetector_ContinueWithoutStartOpensSpeech(t *testing.T) {
	d := NewDetector(DetectorConfig{})
	// Some engines resume with a bare continue after Reset.
	if edge := d.Observe(vad.VADEvent{Type: vad.VADSpeechContinue}, time.Now()); edge != EdgeSpeechStarted {
		t.Fatalf("edge = %v, want started", edge)
	}
}

func TestDetector_SilenceHoldClosesTurn(t *testing.T) {
	d := NewDetector(DetectorConfig{SilenceHold: 600 * time.Millisecond})
	start := time.Now()

	d.Observe(vad.VADEvent{Type: vad.VADSpeechStart}, start)
	d.Observe(vad.VADEvent{Type: vad.VADSpeechEnd}, start.Add(time.Second))

	// Hold not yet elapsed.
	if _, ok := d.EndOfTurn(start.Add(time.Second + 400*time.Millisecond)); ok {
		t.Fatal("turn closed before the silence hold elapsed")
	}
	// Hold elapsed.
	cause, ok := d.EndOfTurn(start.Add(time.Second + 700*time.Millisecond))
	if !ok {
		t.Fatal("turn should close after the silence hold")
	}
	if cause != types.CauseVADSilence {
		t.Fatalf("cause = %v, want vad_silence", cause)
	}
}

func TestDetector_CompletedTextShortensHold(t *testing.T) {
	d := NewDetector(DetectorConfig{
		SilenceHold: 600 * time.Millisecond,
		TextHold:    200 * time.Millisecond,
	})
	start := time.Now()

	d.Observe(vad.VADEvent{Type: vad.VADSpeechStart}, start)
	d.ObservePartial("What is the weather today?")
	d.Observe(vad.VADEvent{Type: vad.VADSpeechEnd}, start.Add(time.Second))

	cause, ok := d.EndOfTurn(start.Add(time.Second + 300*time.Millisecond))
	if !ok {
		t.Fatal("completed sentence should close on the shortened hold")
	}
	if cause != types.CauseVADEndOfTurn {
		t.Fatalf("cause = %v, want vad_end_of_turn", cause)
	}
}

func TestDetector_IncompleteTextKeepsFullHold(t *testing.T) {
	d := NewDetector(DetectorConfig{
		SilenceHold: 600 * time.Millisecond,
		TextHold:    200 * time.Millisecond,
	})
	start := time.Now()

	d.Observe(vad.VADEvent{Type: vad.VADSpeechStart}, start)
	d.ObservePartial("So I was thinking that we")
	d.Observe(vad.VADEvent{Type: vad.VADSpeechEnd}, start.Add(time.Second))

	if _, ok := d.EndOfTurn(start.Add(time.Second + 300*time.Millisecond)); ok {
		t.Fatal("incomplete sentence must wait for the full silence hold")
	}
	if _, ok := d.EndOfTurn(start.Add(time.Second + 700*time.Millisecond)); !ok {
		t.Fatal("turn should close once the full hold elapses")
	}
}

func TestDetector_NoCloseBeforeAnySpeech(t *testing.T) {
	d := NewDetector(DetectorConfig{SilenceHold: 10 * time.Millisecond})
	if _, ok := d.EndOfTurn(time.Now().Add(time.Hour)); ok {
		t.Fatal("a turn with no speech must never close")
	}
}

func TestDetector_MaxTurnDurationForcesClose(t *testing.T) {
	d := NewDetector(DetectorConfig{MaxTurnDuration: 5 * time.Second})
	start := time.Now()
	d.Observe(vad.VADEvent{Type: vad.VADSpeechStart}, start)

	if _, ok := d.EndOfTurn(start.Add(3 * time.Second)); ok {
		t.Fatal("ongoing speech below the cap should not close")
	}
	if _, ok := d.EndOfTurn(start.Add(6 * time.Second)); !ok {
		t.Fatal("speech exceeding MaxTurnDuration should force-close")
	}
}

func TestDetector_ResetClearsState(t *testing.T) {
	d := NewDetector(DetectorConfig{SilenceHold: 10 * time.Millisecond})
	start := time.Now()
	d.Observe(vad.VADEvent{Type: vad.VADSpeechStart}, start)
	d.Observe(vad.VADEvent{Type: vad.VADSpeechEnd}, start)
	d.Reset()

	if d.SpeechActive() {
		t.Fatal("SpeechActive should be false after Reset")
	}
	if _, ok := d.EndOfTurn(start.Add(time.Hour)); ok {
		t.Fatal("no close decision should survive Reset")
	}
}

func TestReadsCompleted(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"", false},
		{"   ", false},
		{"hello there.", true},
		{"hello there!", true},
		{"is anyone home?", true},
		{"well I was thinking", false},
		{"and then...", false},
		{"and then…", false},
		{"それで終わりです。", true},
		{"本当に！", true},
	}
	for _, tt := range tests {
		if got := readsCompleted(tt.text); got != tt.want {
			t.Errorf("readsCompleted(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}
