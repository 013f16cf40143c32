// Package openai implements the realtime.Provider interface for OpenAI's
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime
// endpoint and exchanges JSON events according to the Realtime API
// protocol. Audio travels as base64-encoded chunks inside text frames.
// Function calls surface on the FunctionCalls channel and are answered
// with SendFunctionResult; turn taking runs either on server VAD or
// manually via CommitAudio/CreateResponse.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/aurelay/aurelay/pkg/audio"
	"github.com/aurelay/aurelay/pkg/provider"
	"github.com/aurelay/aurelay/pkg/provider/realtime"
)

const (
	providerID     = "openai-realtime"
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// transcriptionModel transcribes the user's input audio so user turns
	// appear on the Transcripts channel.
	transcriptionModel = "whisper-1"
)

var errClosed = errors.New("session closed")

// ─── provider ────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// Provider implements realtime.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

var _ realtime.Provider = (*Provider)(nil)

// New creates a new OpenAI Realtime Provider. apiKey must not be empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, provider.Errorf(provider.KindConfig, providerID, "new", "API key must not be empty")
	}
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Capabilities reports the Realtime API feature set.
func (p *Provider) Capabilities() provider.CapabilitySet {
	return provider.NewCapabilitySet(
		provider.CapStreamingAudioIn,
		provider.CapStreamingAudioOut,
		provider.CapPartialTranscripts,
		provider.CapServerVAD,
		provider.CapBargeIn,
		provider.CapFunctionCalling,
		provider.CapEmotion,
	)
}

// Info returns static metadata about the Realtime API model.
func (p *Provider) Info() realtime.Info {
	return realtime.Info{
		ContextWindow:      128_000,
		MaxSessionDuration: 30 * time.Minute,
		SupportsResumption: false,
		Voices:             []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Connect establishes a new Realtime session. The returned handle is ready
// to accept audio immediately after the initial session.update is sent.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	inFormat, err := wireFormat(cfg.InputFormat)
	if err != nil {
		return nil, err
	}
	outFormat, err := wireFormat(cfg.OutputFormat)
	if err != nil {
		return nil, err
	}

	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, classifyDial(resp, err)
	}

	sess := &session{
		conn:        conn,
		audioCh:     make(chan []byte, 64),
		transcripts: make(chan realtime.TranscriptEvent, 16),
		calls:       make(chan realtime.FunctionCall, 8),
		events:      make(chan realtime.Event, 16),
		done:        make(chan struct{}),
	}

	params := sessionParams{
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  inFormat,
		OutputAudioFormat: outFormat,
		InputTranscription: &transcriptionConfig{
			Model: transcriptionModel,
		},
	}
	if len(cfg.Tools) > 0 {
		params.Tools = toWireTools(cfg.Tools)
	}
	if cfg.ServerVAD {
		params.TurnDetection = json.RawMessage(`{"type":"server_vad"}`)
	} else {
		params.TurnDetection = json.RawMessage(`null`)
	}
	if cfg.Temperature > 0 {
		params.Temperature = cfg.Temperature
	}

	if err := sess.send("session.update", sessionUpdateMessage{Type: "session.update", Session: params}); err != nil {
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, err
	}

	sess.watchdog = provider.WatchIdle(cfg.IdleTimeout, conn.Ping, func() {
		sess.setErr(&provider.Error{
			Kind:     provider.KindTimeout,
			Provider: providerID,
			Op:       "read",
			Err:      provider.ErrIdleTimeout,
		})
		_ = conn.Close(websocket.StatusGoingAway, "idle timeout")
	})

	sess.wg.Add(1)
	go sess.readLoop()

	return sess, nil
}

// classifyDial maps a failed WebSocket handshake onto the error taxonomy.
func classifyDial(resp *http.Response, err error) error {
	e := &provider.Error{Kind: provider.KindTransport, Provider: providerID, Op: "connect", Err: err}
	if resp == nil {
		return e
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e.Kind = provider.KindAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Kind = provider.KindRateLimit
		if secs, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}

// wireFormat maps an audio.Format onto the Realtime API's format names.
// The API fixes pcm16 at 24 kHz and the G.711 encodings at 8 kHz.
func wireFormat(f audio.Format) (string, error) {
	if f.Channels > 1 {
		return "", provider.Errorf(provider.KindConfig, providerID, "connect", "only mono audio is supported")
	}
	switch f.Encoding {
	case audio.PCM16:
		if f.SampleRate != 0 && f.SampleRate != 24000 {
			return "", provider.Errorf(provider.KindConfig, providerID, "connect", "pcm16 is fixed at 24000 Hz, got %d", f.SampleRate)
		}
		return "pcm16", nil
	case audio.MuLaw:
		if f.SampleRate != 0 && f.SampleRate != 8000 {
			return "", provider.Errorf(provider.KindConfig, providerID, "connect", "g711_ulaw is fixed at 8000 Hz, got %d", f.SampleRate)
		}
		return "g711_ulaw", nil
	default:
		return "", provider.Errorf(provider.KindConfig, providerID, "connect", "unsupported audio encoding %s", f.Encoding)
	}
}

// ─── protocol messages (outgoing) ────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice              string               `json:"voice,omitempty"`
	Instructions       string               `json:"instructions,omitempty"`
	Tools              []wireTool           `json:"tools,omitempty"`
	InputAudioFormat   string               `json:"input_audio_format,omitempty"`
	OutputAudioFormat  string               `json:"output_audio_format,omitempty"`
	InputTranscription *transcriptionConfig `json:"input_audio_transcription,omitempty"`

	// TurnDetection distinguishes absent (leave unchanged) from explicit
	// null (disable server VAD), which omitempty on a struct pointer
	// cannot express.
	TurnDetection json.RawMessage `json:"turn_detection,omitempty"`
	Temperature   float64         `json:"temperature,omitempty"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

type wireTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
	CallID  string             `json:"call_id,omitempty"`
	Output  string             `json:"output,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ─── protocol messages (incoming) ────────────────────────────────────────────

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type responseInfo struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

// serverEvent is a superset decode of every incoming event shape this
// session reacts to.
type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta /
	// conversation.item.input_audio_transcription.delta
	Delta string `json:"delta,omitempty"`

	// *.input_audio_transcription.completed / response.audio_transcript.done
	Transcript string `json:"transcript,omitempty"`

	ItemID     string `json:"item_id,omitempty"`
	ResponseID string `json:"response_id,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// response.created / response.done
	Response *responseInfo `json:"response,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ─── session ─────────────────────────────────────────────────────────────────

type session struct {
	conn     *websocket.Conn
	watchdog *provider.IdleWatchdog

	audioCh     chan []byte
	transcripts chan realtime.TranscriptEvent
	calls       chan realtime.FunctionCall
	events      chan realtime.Event

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	errMu   sync.Mutex
	lastErr error

	// Transcript accumulators, owned by the read loop. The API runs one
	// response at a time, so a single assistant accumulator suffices.
	assistantText string
	assistantItem string
	userText      string
	userItem      string
}

var _ realtime.SessionHandle = (*session)(nil)

// send marshals v and writes it as a text frame.
func (s *session) send(op string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return provider.Wrap(provider.KindInternal, providerID, op, err)
	}
	if err := s.conn.Write(context.Background(), websocket.MessageText, b); err != nil {
		return provider.Wrap(provider.KindTransport, providerID, op, err)
	}
	return nil
}

func (s *session) checkOpen(op string) error {
	select {
	case <-s.done:
		return &provider.Error{Kind: provider.KindTransport, Provider: providerID, Op: op, Err: errClosed}
	default:
		return nil
	}
}

// SendAudio delivers a raw audio chunk to the input buffer.
func (s *session) SendAudio(chunk []byte) error {
	if err := s.checkOpen("send_audio"); err != nil {
		return err
	}
	return s.send("send_audio", appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// SendText injects a user text item into the conversation.
func (s *session) SendText(text string) error {
	if err := s.checkOpen("send_text"); err != nil {
		return err
	}
	return s.send("send_text", createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: "user",
			Content: []conversationPart{
				{Type: "input_text", Text: text},
			},
		},
	})
}

// CommitAudio commits the input audio buffer into the conversation.
func (s *session) CommitAudio() error {
	if err := s.checkOpen("commit_audio"); err != nil {
		return err
	}
	return s.send("commit_audio", map[string]string{"type": "input_audio_buffer.commit"})
}

// ClearAudio discards the uncommitted input audio buffer.
func (s *session) ClearAudio() error {
	if err := s.checkOpen("clear_audio"); err != nil {
		return err
	}
	return s.send("clear_audio", map[string]string{"type": "input_audio_buffer.clear"})
}

// CreateResponse asks the model to generate a response now.
func (s *session) CreateResponse() error {
	if err := s.checkOpen("create_response"); err != nil {
		return err
	}
	return s.send("create_response", map[string]string{"type": "response.create"})
}

// CancelResponse stops the in-progress response.
func (s *session) CancelResponse() error {
	if err := s.checkOpen("cancel_response"); err != nil {
		return err
	}
	return s.send("cancel_response", map[string]string{"type": "response.cancel"})
}

// UpdateInstructions replaces the system instructions with a partial
// session.update; other session fields are left unchanged.
func (s *session) UpdateInstructions(instructions string) error {
	if err := s.checkOpen("update_instructions"); err != nil {
		return err
	}
	return s.send("update_instructions", sessionUpdateMessage{
		Type:    "session.update",
		Session: sessionParams{Instructions: instructions},
	})
}

// SetTools replaces the active function definitions with a partial
// session.update.
func (s *session) SetTools(tools []realtime.Tool) error {
	if err := s.checkOpen("set_tools"); err != nil {
		return err
	}
	return s.send("set_tools", sessionUpdateMessage{
		Type:    "session.update",
		Session: sessionParams{Tools: toWireTools(tools)},
	})
}

// SendFunctionResult answers a function call and asks for the follow-up
// response in the same breath, per the Realtime tool-call flow.
func (s *session) SendFunctionResult(callID, result string) error {
	if err := s.checkOpen("send_function_result"); err != nil {
		return err
	}
	if err := s.send("send_function_result", createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: result,
		},
	}); err != nil {
		return err
	}
	return s.send("send_function_result", map[string]string{"type": "response.create"})
}

// Audio returns the channel of synthesized output audio chunks.
func (s *session) Audio() <-chan []byte { return s.audioCh }

// Transcripts returns the channel of user and assistant transcript events.
func (s *session) Transcripts() <-chan realtime.TranscriptEvent { return s.transcripts }

// FunctionCalls returns the channel of model tool invocations.
func (s *session) FunctionCalls() <-chan realtime.FunctionCall { return s.calls }

// Events returns the channel of session lifecycle notifications.
func (s *session) Events() <-chan realtime.Event { return s.events }

// Err returns the error that terminated the session, or nil.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

func (s *session) setErr(err error) {
	s.errMu.Lock()
	if s.lastErr == nil {
		s.lastErr = err
	}
	s.errMu.Unlock()
}

// Close terminates the session and closes all output channels. Idempotent.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return nil
}

// ─── read loop ───────────────────────────────────────────────────────────────

// readLoop reads server events and dispatches them. It owns all four
// output channels and closes them on exit.
func (s *session) readLoop() {
	defer s.wg.Done()
	defer func() {
		close(s.audioCh)
		close(s.transcripts)
		close(s.calls)
		close(s.events)
	}()
	defer s.watchdog.Stop()

	for {
		_, data, err := s.conn.Read(context.Background())
		if err != nil {
			select {
			case <-s.done:
				// Normal teardown.
			default:
				s.setErr(provider.Wrap(provider.KindTransport, providerID, "read", err))
			}
			return
		}
		s.watchdog.Reset()

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audioData) == 0 {
			return
		}
		select {
		case s.audioCh <- audioData:
		case <-s.done:
		}

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		s.assistantText += evt.Delta
		s.assistantItem = evt.ItemID
		s.emitTranscript(realtime.TranscriptEvent{
			Role:   realtime.RoleAssistant,
			Text:   s.assistantText,
			ItemID: s.assistantItem,
		})

	case "response.audio_transcript.done":
		text := evt.Transcript
		if text == "" {
			text = s.assistantText
		}
		item := evt.ItemID
		if item == "" {
			item = s.assistantItem
		}
		s.assistantText = ""
		s.assistantItem = ""
		if text == "" {
			return
		}
		s.emitTranscript(realtime.TranscriptEvent{
			Role:   realtime.RoleAssistant,
			Text:   text,
			Final:  true,
			ItemID: item,
		})

	case "conversation.item.input_audio_transcription.delta":
		if evt.Delta == "" {
			return
		}
		s.userText += evt.Delta
		s.userItem = evt.ItemID
		s.emitTranscript(realtime.TranscriptEvent{
			Role:   realtime.RoleUser,
			Text:   s.userText,
			ItemID: s.userItem,
		})

	case "conversation.item.input_audio_transcription.completed":
		text := evt.Transcript
		if text == "" {
			text = s.userText
		}
		item := evt.ItemID
		if item == "" {
			item = s.userItem
		}
		s.userText = ""
		s.userItem = ""
		if text == "" {
			return
		}
		s.emitTranscript(realtime.TranscriptEvent{
			Role:   realtime.RoleUser,
			Text:   text,
			Final:  true,
			ItemID: item,
		})

	case "response.function_call_arguments.done":
		if evt.Name == "" {
			return
		}
		select {
		case s.calls <- realtime.FunctionCall{
			CallID:    evt.CallID,
			Name:      evt.Name,
			Arguments: evt.Arguments,
		}:
		case <-s.done:
		}

	case "response.created":
		s.emitEvent(realtime.Event{Type: realtime.EventResponseStarted, ResponseID: evt.responseID()})

	case "response.done":
		s.emitEvent(realtime.Event{Type: realtime.EventResponseDone, ResponseID: evt.responseID()})

	case "input_audio_buffer.speech_started":
		s.emitEvent(realtime.Event{Type: realtime.EventInputSpeechStarted})

	case "input_audio_buffer.speech_stopped":
		s.emitEvent(realtime.Event{Type: realtime.EventInputSpeechStopped})

	case "input_audio_buffer.committed":
		s.emitEvent(realtime.Event{Type: realtime.EventInputCommitted})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.emitEvent(realtime.Event{
			Type: realtime.EventError,
			Err:  provider.Errorf(provider.KindProvider, providerID, "session", "%s", msg),
		})
	}
}

func (e *serverEvent) responseID() string {
	if e.Response != nil {
		return e.Response.ID
	}
	return e.ResponseID
}

func (s *session) emitTranscript(t realtime.TranscriptEvent) {
	select {
	case s.transcripts <- t:
	case <-s.done:
	}
}

func (s *session) emitEvent(e realtime.Event) {
	select {
	case s.events <- e:
	case <-s.done:
	}
}

// toWireTools converts realtime tool definitions to the wire format.
func toWireTools(tools []realtime.Tool) []wireTool {
	out := make([]wireTool, len(tools))
	for i, t := range tools {
		out[i] = wireTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}
