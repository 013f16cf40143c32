package session_test

import (
	"fmt"
	"testing"

	"github.com/aurelay/aurelay/internal/responder"
	"github.com/aurelay/aurelay/internal/session"
)

func TestHistory_RoundTrip(t *testing.T) {
	t.Parallel()

	h := session.NewHistory(8)
	h.AddUser("What time is it?")
	h.AddAssistant("Half past nine.")

	turns := h.Turns()
	if len(turns) != 2 {
		t.Fatalf("Turns() len = %d, want 2", len(turns))
	}
	if turns[0].Role != responder.RoleUser || turns[0].Text != "What time is it?" {
		t.Errorf("turns[0] = %+v, want user question", turns[0])
	}
	if turns[1].Role != responder.RoleAssistant || turns[1].Text != "Half past nine." {
		t.Errorf("turns[1] = %+v, want assistant answer", turns[1])
	}
}

func TestHistory_BlankTextIgnored(t *testing.T) {
	t.Parallel()

	h := session.NewHistory(8)
	h.AddUser("   ")
	h.AddAssistant("")
	if got := h.Len(); got != 0 {
		t.Fatalf("Len() = %d, want 0", got)
	}
}

func TestHistory_EvictionKeepsHeadOnUserTurn(t *testing.T) {
	t.Parallel()

	h := session.NewHistory(4)
	for i := range 4 {
		h.AddUser(fmt.Sprintf("question %d", i))
		h.AddAssistant(fmt.Sprintf("answer %d", i))
	}

	turns := h.Turns()
	if len(turns) > 4 {
		t.Fatalf("Turns() len = %d, want <= 4", len(turns))
	}
	if turns[0].Role != responder.RoleUser {
		t.Fatalf("head role = %q, want %q", turns[0].Role, responder.RoleUser)
	}
	// The newest exchange always survives.
	last := turns[len(turns)-1]
	if last.Text != "answer 3" {
		t.Errorf("newest turn = %q, want %q", last.Text, "answer 3")
	}
}

func TestHistory_TurnsReturnsCopy(t *testing.T) {
	t.Parallel()

	h := session.NewHistory(8)
	h.AddUser("original")

	turns := h.Turns()
	turns[0].Text = "mutated"

	if got := h.Turns()[0].Text; got != "original" {
		t.Fatalf("stored turn = %q, want %q", got, "original")
	}
}

func TestHistory_Reset(t *testing.T) {
	t.Parallel()

	h := session.NewHistory(8)
	h.AddUser("hello")
	h.Reset()
	if got := h.Len(); got != 0 {
		t.Fatalf("Len() after Reset = %d, want 0", got)
	}
}
