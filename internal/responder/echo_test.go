package responder_test

import (
	"context"
	"strings"
	"testing"

	"github.com/aurelay/aurelay/internal/responder"
)

func collect(t *testing.T, ch <-chan string) []string {
	t.Helper()
	var out []string
	for s := range ch {
		out = append(out, s)
	}
	return out
}

func TestEcho_RepeatsLastUserTurn(t *testing.T) {
	t.Parallel()

	e := &responder.Echo{}
	turns := []responder.Turn{
		{Role: responder.RoleUser, Text: "first question"},
		{Role: responder.RoleAssistant, Text: "first answer"},
		{Role: responder.RoleUser, Text: "second question"},
	}

	ch, err := e.Respond(context.Background(), turns)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := collect(t, ch)
	if len(got) != 1 || got[0] != "second question" {
		t.Errorf("fragments = %v, want the last user turn", got)
	}
}

func TestEcho_Prefix(t *testing.T) {
	t.Parallel()

	e := &responder.Echo{Prefix: "you said: "}
	ch, err := e.Respond(context.Background(), []responder.Turn{
		{Role: responder.RoleUser, Text: "hello"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := collect(t, ch)
	if len(got) != 1 || got[0] != "you said: hello" {
		t.Errorf("fragments = %v, want prefixed echo", got)
	}
}

func TestEcho_ChunkedStreaming(t *testing.T) {
	t.Parallel()

	e := &responder.Echo{ChunkWords: 2}
	ch, err := e.Respond(context.Background(), []responder.Turn{
		{Role: responder.RoleUser, Text: "one two three four five"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := collect(t, ch)
	if len(got) != 3 {
		t.Fatalf("got %d fragments, want 3: %q", len(got), got)
	}
	if joined := strings.Join(got, ""); joined != "one two three four five" {
		t.Errorf("concatenated fragments = %q, want the original text", joined)
	}
}

func TestEcho_NoUserTurn(t *testing.T) {
	t.Parallel()

	e := &responder.Echo{}
	ch, err := e.Respond(context.Background(), []responder.Turn{
		{Role: responder.RoleAssistant, Text: "unprompted"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := collect(t, ch); got != nil {
		t.Errorf("fragments = %v, want empty close", got)
	}
}

func TestEcho_ContextCancelStopsStream(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := &responder.Echo{ChunkWords: 1}
	ch, err := e.Respond(ctx, []responder.Turn{
		{Role: responder.RoleUser, Text: "a b c d e f g h"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A context cancelled before the first send yields a prompt, empty close.
	if got := collect(t, ch); got != nil {
		t.Errorf("got fragments %v after cancel, want none", got)
	}
}
