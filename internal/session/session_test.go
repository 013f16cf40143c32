package session_test

import (
	"testing"

	"github.com/aurelay/aurelay/internal/session"
	"github.com/aurelay/aurelay/pkg/provider"
)

// ─── Event types ─────────────────────────────────────────────────────────────

func TestEventType_WireNames(t *testing.T) {
	t.Parallel()

	want := map[session.EventType]string{
		session.EventSessionCreated:  "session_created",
		session.EventSessionUpdated:  "session_updated",
		session.EventTranscript:      "transcript",
		session.EventSpeech:          "speech_event",
		session.EventFunctionCall:    "function_call",
		session.EventResponseStarted: "response_started",
		session.EventResponseDone:    "response_done",
		session.EventError:           "error",
		session.EventClosing:         "closing",
	}
	for typ, name := range want {
		if got := typ.String(); got != name {
			t.Errorf("EventType(%d).String() = %q, want %q", typ, got, name)
		}
	}
	if got := session.EventType(99).String(); got != "unknown" {
		t.Errorf("out-of-range String() = %q, want %q", got, "unknown")
	}
}

// ─── Scoreboard ──────────────────────────────────────────────────────────────

func TestScoreboard_CountsByProviderAndKind(t *testing.T) {
	t.Parallel()

	sb := session.NewScoreboard()
	sb.Record("deepgram", provider.Errorf(provider.KindTransport, "deepgram", "stream", "socket closed"))
	sb.Record("deepgram", provider.Errorf(provider.KindTransport, "deepgram", "stream", "socket closed"))
	sb.Record("deepgram", provider.Errorf(provider.KindTimeout, "deepgram", "stream", "deadline"))
	sb.Record("elevenlabs", provider.Errorf(provider.KindRateLimit, "elevenlabs", "synthesize", "429"))

	if got := sb.Total(); got != 4 {
		t.Fatalf("Total() = %d, want 4", got)
	}
	if got := sb.Count("deepgram", provider.KindTransport); got != 2 {
		t.Errorf("Count(deepgram, transport) = %d, want 2", got)
	}
	if got := sb.Count("deepgram", provider.KindTimeout); got != 1 {
		t.Errorf("Count(deepgram, timeout) = %d, want 1", got)
	}
	if got := sb.Count("elevenlabs", provider.KindRateLimit); got != 1 {
		t.Errorf("Count(elevenlabs, rate_limit) = %d, want 1", got)
	}
	if got := sb.Count("elevenlabs", provider.KindTransport); got != 0 {
		t.Errorf("Count(elevenlabs, transport) = %d, want 0", got)
	}
}

func TestScoreboard_NilErrorIgnored(t *testing.T) {
	t.Parallel()

	sb := session.NewScoreboard()
	sb.Record("whisper", nil)
	if got := sb.Total(); got != 0 {
		t.Fatalf("Total() after nil Record = %d, want 0", got)
	}
}

func TestScoreboard_SnapshotIsACopy(t *testing.T) {
	t.Parallel()

	sb := session.NewScoreboard()
	sb.Record("coqui", provider.Errorf(provider.KindProvider, "coqui", "synthesize", "boom"))

	snap := sb.Snapshot()
	snap["coqui"][provider.KindProvider] = 999

	if got := sb.Count("coqui", provider.KindProvider); got != 1 {
		t.Fatalf("Count after snapshot mutation = %d, want 1", got)
	}
}
