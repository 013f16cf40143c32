// Package responder defines the boundary between the session runtime and
// the application logic that decides what the assistant says. The runtime
// hands a Responder the conversation so far and speaks whatever text it
// streams back; everything behind that call — prompting, tools, retrieval —
// is the application's business, not the gateway's.
package responder

import "context"

// Role identifies who produced a conversation turn.
type Role string

const (
	// RoleUser marks text transcribed from the caller's speech.
	RoleUser Role = "user"

	// RoleAssistant marks text the gateway previously spoke.
	RoleAssistant Role = "assistant"
)

// Turn is one completed conversation turn. The session runtime appends a
// RoleUser turn for every finalized transcript and a RoleAssistant turn for
// every reply it finished speaking.
type Turn struct {
	// Role is who spoke.
	Role Role

	// Text is the turn's content: the final transcript for user turns, the
	// full spoken reply for assistant turns.
	Text string
}

// Responder produces the assistant's reply for a conversation.
//
// Implementations must be safe for concurrent use; a gateway process runs
// one Respond call per session at a time, but many sessions share one
// Responder.
type Responder interface {
	// Respond streams the reply text for the conversation so far. The
	// returned channel emits text fragments in speaking order and is closed
	// when the reply is complete, the backend fails mid-stream, or ctx is
	// cancelled. A non-nil error means the reply could not be started and
	// the channel is nil.
	//
	// Fragment granularity is the implementation's choice — tokens,
	// sentences, or the entire reply at once. The session runtime
	// re-segments fragments into synthesis units itself.
	Respond(ctx context.Context, turns []Turn) (<-chan string, error)
}
