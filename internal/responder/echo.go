package responder

import (
	"context"
	"strings"
)

// Echo is a trivial Responder that repeats the most recent user turn back,
// optionally prefixed. It exists for integration tests and for smoke-testing
// a gateway deployment without wiring a model backend.
type Echo struct {
	// Prefix is prepended to the echoed text when non-empty.
	Prefix string

	// ChunkWords splits the reply into fragments of this many words,
	// exercising the streaming path. Zero or negative emits the reply as a
	// single fragment.
	ChunkWords int
}

var _ Responder = (*Echo)(nil)

// Respond emits the last user turn's text and closes the channel. With no
// user turn in the history the channel closes without emitting anything.
func (e *Echo) Respond(ctx context.Context, turns []Turn) (<-chan string, error) {
	var text string
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == RoleUser {
			text = turns[i].Text
			break
		}
	}
	if e.Prefix != "" && text != "" {
		text = e.Prefix + text
	}

	ch := make(chan string, 1)
	go func() {
		defer close(ch)
		for _, fragment := range e.fragments(text) {
			if ctx.Err() != nil {
				return
			}
			select {
			case ch <- fragment:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (e *Echo) fragments(text string) []string {
	if text == "" {
		return nil
	}
	if e.ChunkWords <= 0 {
		return []string{text}
	}
	words := strings.Fields(text)
	var out []string
	for start := 0; start < len(words); start += e.ChunkWords {
		end := start + e.ChunkWords
		if end > len(words) {
			end = len(words)
		}
		fragment := strings.Join(words[start:end], " ")
		if end < len(words) {
			fragment += " "
		}
		out = append(out, fragment)
	}
	return out
}
