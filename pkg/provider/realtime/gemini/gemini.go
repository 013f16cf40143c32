// Package gemini implements the realtime.Provider interface for Google's
// Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Audio travels as base64-encoded PCM chunks. The Live API always runs
// server-side turn detection; manual turn control is rejected at Connect.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
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
	providerID     = "gemini-live"
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	bidiPath = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	// The Live endpoint drops idle connections; periodic pings keep the
	// socket open through silent stretches.
	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	inputRate  = 16000
	outputRate = 24000
)

// ─── provider ────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// Provider implements realtime.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

var _ realtime.Provider = (*Provider)(nil)

// New creates a new Gemini Live Provider. apiKey must not be empty.
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

// Capabilities reports the Gemini Live feature set.
func (p *Provider) Capabilities() provider.CapabilitySet {
	return provider.NewCapabilitySet(
		provider.CapStreamingAudioIn,
		provider.CapStreamingAudioOut,
		provider.CapPartialTranscripts,
		provider.CapServerVAD,
		provider.CapBargeIn,
		provider.CapFunctionCalling,
	)
}

// Info returns static metadata about the Gemini Live model.
func (p *Provider) Info() realtime.Info {
	return realtime.Info{
		ContextWindow:      1_000_000,
		MaxSessionDuration: 15 * time.Minute,
		SupportsResumption: false,
		Voices:             []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"},
	}
}

// Connect establishes a new Live session. The returned handle is ready to
// accept audio immediately after the setup message is sent.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	if !cfg.ServerVAD {
		return nil, provider.Errorf(provider.KindCapability, providerID, "connect", "manual turn detection is not supported")
	}
	mime, err := inputMIME(cfg.InputFormat)
	if err != nil {
		return nil, err
	}
	if err := checkOutputFormat(cfg.OutputFormat); err != nil {
		return nil, err
	}

	wsURL := fmt.Sprintf("%s%s?key=%s", p.baseURL, bidiPath, p.apiKey)
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, classifyDial(resp, err)
	}

	sess := &session{
		conn:        conn,
		mimeType:    mime,
		audioCh:     make(chan []byte, 64),
		transcripts: make(chan realtime.TranscriptEvent, 16),
		calls:       make(chan realtime.FunctionCall, 8),
		events:      make(chan realtime.Event, 16),
		done:        make(chan struct{}),
		pending:     make(map[string]string),
	}

	if err := sess.sendSetup(p.model, cfg); err != nil {
		conn.Close(websocket.StatusInternalError, "setup failed")
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

	sess.wg.Add(2)
	go sess.readLoop()
	go sess.keepaliveLoop()

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

// inputMIME maps the input format onto the Live API media chunk MIME type.
// The API takes 16 kHz mono PCM.
func inputMIME(f audio.Format) (string, error) {
	if f.Channels > 1 {
		return "", provider.Errorf(provider.KindConfig, providerID, "connect", "only mono input is supported")
	}
	if f.Encoding != audio.PCM16 {
		return "", provider.Errorf(provider.KindConfig, providerID, "connect", "unsupported input encoding %s", f.Encoding)
	}
	if f.SampleRate != 0 && f.SampleRate != inputRate {
		return "", provider.Errorf(provider.KindConfig, providerID, "connect", "input is fixed at %d Hz, got %d", inputRate, f.SampleRate)
	}
	return fmt.Sprintf("audio/pcm;rate=%d", inputRate), nil
}

// checkOutputFormat validates the requested output format. The Live API
// emits 24 kHz mono PCM and cannot be reconfigured.
func checkOutputFormat(f audio.Format) error {
	if f.Channels > 1 {
		return provider.Errorf(provider.KindConfig, providerID, "connect", "only mono output is supported")
	}
	if f.Encoding != audio.PCM16 {
		return provider.Errorf(provider.KindConfig, providerID, "connect", "unsupported output encoding %s", f.Encoding)
	}
	if f.SampleRate != 0 && f.SampleRate != outputRate {
		return provider.Errorf(provider.KindConfig, providerID, "connect", "output is fixed at %d Hz, got %d", outputRate, f.SampleRate)
	}
	return nil
}

// ─── protocol messages (outgoing) ────────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
	Tools             []liveTool         `json:"tools,omitempty"`

	// Empty objects enable transcription of both audio directions.
	InputAudioTranscription  *emptyConfig `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *emptyConfig `json:"outputAudioTranscription,omitempty"`
}

type emptyConfig struct{}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
	Temperature        float64       `json:"temperature,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type liveTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ─── protocol messages (incoming) ────────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	ToolCall      *toolCallMsg     `json:"toolCall,omitempty"`
	Error         *liveError       `json:"error,omitempty"`
}

type liveError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ─── session ─────────────────────────────────────────────────────────────────

type session struct {
	conn     *websocket.Conn
	mimeType string
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

	// pending maps tool call IDs to function names; the toolResponse wire
	// format requires the name alongside the ID.
	mu      sync.Mutex
	pending map[string]string

	// Transcript accumulators and turn tracking, owned by the read loop.
	// The Live protocol sends transcription fragments without final
	// markers; turn boundaries come from the response lifecycle.
	userText       string
	assistantText  string
	responseActive bool
}

var _ realtime.SessionHandle = (*session)(nil)

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *session) sendSetup(model string, cfg realtime.SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
				Temperature:        cfg.Temperature,
			},
			InputAudioTranscription:  &emptyConfig{},
			OutputAudioTranscription: &emptyConfig{},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		msg.Setup.Tools = []liveTool{{FunctionDeclarations: decls}}
	}

	return s.send("connect", msg)
}

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
		return provider.Errorf(provider.KindTransport, providerID, op, "session closed")
	default:
		return nil
	}
}

// SendAudio delivers a raw PCM chunk to the model.
func (s *session) SendAudio(chunk []byte) error {
	if err := s.checkOpen("send_audio"); err != nil {
		return err
	}
	return s.send("send_audio", realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: s.mimeType, Data: base64.StdEncoding.EncodeToString(chunk)},
			},
		},
	})
}

// SendText injects a completed user text turn. The model responds to it
// directly; no explicit CreateResponse is needed.
func (s *session) SendText(text string) error {
	if err := s.checkOpen("send_text"); err != nil {
		return err
	}
	return s.send("send_text", clientContentMessage{
		ClientContent: clientContent{
			Turns: []contentTurn{
				{Role: "user", Parts: []part{{Text: text}}},
			},
			TurnComplete: true,
		},
	})
}

// CommitAudio is a no-op hint; the Live API commits on detected end of
// speech.
func (s *session) CommitAudio() error {
	return s.checkOpen("commit_audio")
}

// CreateResponse is a no-op hint; the Live API starts responses on its own
// after each detected turn.
func (s *session) CreateResponse() error {
	return s.checkOpen("create_response")
}

// ClearAudio is not supported; the Live API consumes input continuously
// and keeps no clearable client buffer.
func (s *session) ClearAudio() error {
	return provider.Unsupported(providerID, "clear_audio")
}

// CancelResponse is not supported; the Live API interrupts generation only
// through detected user speech.
func (s *session) CancelResponse() error {
	return provider.Unsupported(providerID, "cancel_response")
}

// UpdateInstructions is not supported; system instructions are fixed at
// session creation.
func (s *session) UpdateInstructions(string) error {
	return provider.Unsupported(providerID, "update_instructions")
}

// SetTools is not supported; tool declarations are fixed at session
// creation.
func (s *session) SetTools([]realtime.Tool) error {
	return provider.Unsupported(providerID, "set_tools")
}

// SendFunctionResult answers a surfaced tool call. The result must be a
// JSON object; anything else is wrapped as {"output": result}.
func (s *session) SendFunctionResult(callID, result string) error {
	if err := s.checkOpen("send_function_result"); err != nil {
		return err
	}

	s.mu.Lock()
	name, ok := s.pending[callID]
	if ok {
		delete(s.pending, callID)
	}
	s.mu.Unlock()
	if !ok {
		return provider.Errorf(provider.KindConfig, providerID, "send_function_result", "no pending call with id %q", callID)
	}

	var respObj map[string]any
	if err := json.Unmarshal([]byte(result), &respObj); err != nil || respObj == nil {
		respObj = map[string]any{"output": result}
	}

	return s.send("send_function_result", toolResponseMessage{
		ToolResponse: toolResponse{
			FunctionResponses: []functionResponse{
				{ID: callID, Name: name, Response: respObj},
			},
		},
	})
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

// readLoop reads server messages and dispatches them. It owns all four
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

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		s.handleServerMessage(&msg)
	}
}

func (s *session) handleServerMessage(msg *serverMessage) {
	if msg.Error != nil {
		s.emitEvent(realtime.Event{Type: realtime.EventError, Err: classifyServerError(msg.Error)})
	}
	if msg.ServerContent != nil {
		s.handleContent(msg.ServerContent)
	}
	if msg.ToolCall != nil {
		s.handleToolCall(msg.ToolCall)
	}
}

func (s *session) handleContent(sc *serverContent) {
	if sc.Interrupted {
		s.emitEvent(realtime.Event{Type: realtime.EventInputSpeechStarted})
		s.finishResponse()
	}

	// User speech recognition fragments arrive without a final marker; the
	// accumulated hypothesis is finalized when the model starts answering.
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		s.userText += sc.InputTranscription.Text
		s.emitTranscript(realtime.TranscriptEvent{
			Role: realtime.RoleUser,
			Text: s.userText,
		})
	}

	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		s.beginResponse()
		s.assistantText += sc.OutputTranscription.Text
		s.emitTranscript(realtime.TranscriptEvent{
			Role: realtime.RoleAssistant,
			Text: s.assistantText,
		})
	}

	if sc.ModelTurn != nil {
		s.beginResponse()
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				audioData, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(audioData) == 0 {
					continue
				}
				select {
				case s.audioCh <- audioData:
				case <-s.done:
					return
				}
			}
			if p.Text != "" {
				s.assistantText += p.Text
				s.emitTranscript(realtime.TranscriptEvent{
					Role: realtime.RoleAssistant,
					Text: s.assistantText,
				})
			}
		}
	}

	if sc.TurnComplete {
		s.finishResponse()
	}
}

// beginResponse marks the start of a model response: the user's turn is
// over, so the input hypothesis becomes final.
func (s *session) beginResponse() {
	if s.responseActive {
		return
	}
	s.responseActive = true
	if s.userText != "" {
		s.emitTranscript(realtime.TranscriptEvent{
			Role:  realtime.RoleUser,
			Text:  s.userText,
			Final: true,
		})
		s.userText = ""
	}
	s.emitEvent(realtime.Event{Type: realtime.EventResponseStarted})
}

// finishResponse finalizes the assistant transcript and closes out the
// response, whether it completed or was interrupted.
func (s *session) finishResponse() {
	if !s.responseActive {
		return
	}
	s.responseActive = false
	if s.assistantText != "" {
		s.emitTranscript(realtime.TranscriptEvent{
			Role:  realtime.RoleAssistant,
			Text:  s.assistantText,
			Final: true,
		})
		s.assistantText = ""
	}
	s.emitEvent(realtime.Event{Type: realtime.EventResponseDone})
}

func (s *session) handleToolCall(tc *toolCallMsg) {
	for _, fc := range tc.FunctionCalls {
		argsJSON, err := json.Marshal(fc.Args)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.pending[fc.ID] = fc.Name
		s.mu.Unlock()
		select {
		case s.calls <- realtime.FunctionCall{
			CallID:    fc.ID,
			Name:      fc.Name,
			Arguments: string(argsJSON),
		}:
		case <-s.done:
			return
		}
	}
}

// classifyServerError maps an in-band error message onto the error
// taxonomy using its google.rpc code.
func classifyServerError(le *liveError) error {
	msg := le.Message
	if msg == "" {
		msg = "unknown error"
	}
	e := provider.Errorf(provider.KindProvider, providerID, "session", "%s", msg)
	switch le.Code {
	case 3: // INVALID_ARGUMENT
		e.Kind = provider.KindConfig
	case 4: // DEADLINE_EXCEEDED
		e.Kind = provider.KindTimeout
	case 7, 16: // PERMISSION_DENIED, UNAUTHENTICATED
		e.Kind = provider.KindAuth
	case 8: // RESOURCE_EXHAUSTED
		e.Kind = provider.KindRateLimit
	case 13, 14: // INTERNAL, UNAVAILABLE
		e.Retryable = true
	}
	return e
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

// keepaliveLoop pings the socket so the Live endpoint does not drop the
// connection during silence.
func (s *session) keepaliveLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(context.Background(), keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}
