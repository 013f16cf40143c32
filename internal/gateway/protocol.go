package gateway

import "encoding/json"

// Client → server control message types. Audio arrives as binary frames and
// never as JSON.
const (
	msgConfig         = "config"
	msgText           = "text"
	msgCreateResponse = "create_response"
	msgCancelResponse = "cancel_response"
	msgCommitAudio    = "commit_audio"
	msgClearAudio     = "clear_audio"
	msgFunctionResult = "function_result"
	msgUpdateSession  = "update_session"
)

// clientMessage is the decoded form of one client control message. Type
// selects which fields are meaningful.
type clientMessage struct {
	Type string `json:"type"`

	// Mode selects the session pipeline ("voice" or "duplex"). Only valid
	// on the initial config message.
	Mode string `json:"mode,omitempty"`

	// Text is the input for a text message.
	Text string `json:"text,omitempty"`

	// CallID and Result answer a function_call event.
	CallID string          `json:"call_id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`

	// Instructions replaces the realtime system instructions on
	// update_session.
	Instructions string `json:"instructions,omitempty"`

	// Emotion recolors synthesis on update_session (voice mode).
	Emotion *emotionPayload `json:"emotion,omitempty"`
}

// emotionPayload is the wire form of an emotion change.
type emotionPayload struct {
	Emotion           string  `json:"emotion"`
	Intensity         float64 `json:"intensity"`
	DeliveryStyle     string  `json:"delivery_style,omitempty"`
	CustomDescription string  `json:"custom_description,omitempty"`
}

// serverMessage is one server → client event. Type carries the session
// event's wire name; audio leaves as binary frames, never as JSON.
type serverMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	// Transcript fields.
	Text   string `json:"text,omitempty"`
	Final  bool   `json:"final,omitempty"`
	TurnID uint64 `json:"turn_id,omitempty"`
	Role   string `json:"role,omitempty"`

	// Speech boundary ("started" or "stopped").
	Speech string `json:"speech,omitempty"`

	// Function call fields.
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// Response lifecycle fields.
	ResponseID  string `json:"response_id,omitempty"`
	Interrupted bool   `json:"interrupted,omitempty"`

	// Error carries the failure description for error events.
	Error string `json:"error,omitempty"`
}
