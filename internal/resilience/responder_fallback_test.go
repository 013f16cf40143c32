package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/aurelay/aurelay/internal/responder"
	respmock "github.com/aurelay/aurelay/internal/responder/mock"
)

func drainText(ch <-chan string) []string {
	var out []string
	for s := range ch {
		out = append(out, s)
	}
	return out
}

func TestResponderFallback_PrimarySuccess(t *testing.T) {
	primary := &respmock.Responder{Chunks: []string{"hello from primary"}}
	secondary := &respmock.Responder{Chunks: []string{"hello from secondary"}}

	fb := NewResponderFallback(primary, "primary", FallbackConfig{
		Breaker:  BreakerConfig{FailureThreshold: 3},
		Endpoint: "respond",
	})
	fb.AddFallback("secondary", secondary)

	ch, err := fb.Respond(context.Background(), []responder.Turn{
		{Role: responder.RoleUser, Text: "hi"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := drainText(ch)
	if len(got) != 1 || got[0] != "hello from primary" {
		t.Fatalf("fragments = %v, want the primary's reply", got)
	}
	if primary.CallCount() != 1 {
		t.Fatalf("primary called %d times, want 1", primary.CallCount())
	}
	if secondary.CallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.CallCount())
	}
}

func TestResponderFallback_Failover(t *testing.T) {
	primary := &respmock.Responder{RespondErr: errors.New("primary down")}
	secondary := &respmock.Responder{Chunks: []string{"backup reply"}}

	fb := NewResponderFallback(primary, "primary", FallbackConfig{
		Breaker:  BreakerConfig{FailureThreshold: 3},
		Endpoint: "respond",
	})
	fb.AddFallback("secondary", secondary)

	ch, err := fb.Respond(context.Background(), []responder.Turn{
		{Role: responder.RoleUser, Text: "hi"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := drainText(ch)
	if len(got) != 1 || got[0] != "backup reply" {
		t.Fatalf("fragments = %v, want the secondary's reply", got)
	}
	if primary.CallCount() != 1 || secondary.CallCount() != 1 {
		t.Fatalf("calls = (%d, %d), want (1, 1)", primary.CallCount(), secondary.CallCount())
	}
}

func TestResponderFallback_AllFail(t *testing.T) {
	primary := &respmock.Responder{RespondErr: errors.New("primary down")}
	secondary := &respmock.Responder{RespondErr: errors.New("secondary down")}

	fb := NewResponderFallback(primary, "primary", FallbackConfig{
		Breaker:  BreakerConfig{FailureThreshold: 3},
		Endpoint: "respond",
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Respond(context.Background(), nil)
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestResponderFallback_ConversationReachesBackend(t *testing.T) {
	primary := &respmock.Responder{Chunks: []string{"ok"}}

	fb := NewResponderFallback(primary, "primary", FallbackConfig{
		Breaker:  BreakerConfig{FailureThreshold: 3},
		Endpoint: "respond",
	})

	turns := []responder.Turn{
		{Role: responder.RoleUser, Text: "first"},
		{Role: responder.RoleAssistant, Text: "reply"},
		{Role: responder.RoleUser, Text: "second"},
	}
	ch, err := fb.Respond(context.Background(), turns)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	drainText(ch)

	got := primary.LastTurns()
	if len(got) != 3 || got[2].Text != "second" {
		t.Fatalf("backend saw %v, want the full conversation", got)
	}
}
