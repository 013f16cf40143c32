package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/aurelay/aurelay/pkg/audio"
	"github.com/aurelay/aurelay/pkg/provider"
	"github.com/aurelay/aurelay/pkg/provider/realtime"
)

// clientMsg is a superset decode of every message the session sends.
type clientMsg struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`

	Session *struct {
		Voice              string            `json:"voice"`
		Instructions       string            `json:"instructions"`
		Tools              []wireTool        `json:"tools"`
		InputAudioFormat   string            `json:"input_audio_format"`
		OutputAudioFormat  string            `json:"output_audio_format"`
		InputTranscription map[string]string `json:"input_audio_transcription"`
		TurnDetection      json.RawMessage   `json:"turn_detection"`
		Temperature        float64           `json:"temperature"`
	} `json:"session"`

	Item *struct {
		Type    string `json:"type"`
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		CallID string `json:"call_id"`
		Output string `json:"output"`
	} `json:"item"`
}

// ---- constructor tests ----

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Fatal("expected error for empty API key")
	}
	if provider.Classify(err) != provider.KindConfig {
		t.Errorf("kind = %v; want KindConfig", provider.Classify(err))
	}
}

func TestCapabilities(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	caps := p.Capabilities()
	for _, c := range []provider.Capability{
		provider.CapStreamingAudioIn,
		provider.CapStreamingAudioOut,
		provider.CapPartialTranscripts,
		provider.CapServerVAD,
		provider.CapBargeIn,
		provider.CapFunctionCalling,
	} {
		if !caps.Has(c) {
			t.Errorf("capability %v missing", c)
		}
	}
}

func TestInfo(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	info := p.Info()
	if info.ContextWindow != 128_000 {
		t.Errorf("ContextWindow = %d; want 128000", info.ContextWindow)
	}
	if info.MaxSessionDuration != 30*time.Minute {
		t.Errorf("MaxSessionDuration = %v; want 30m", info.MaxSessionDuration)
	}
	if info.SupportsResumption {
		t.Error("SupportsResumption = true; want false")
	}
	found := false
	for _, v := range info.Voices {
		if v == "alloy" {
			found = true
		}
	}
	if !found {
		t.Errorf("voices %v missing alloy", info.Voices)
	}
}

func TestWireFormat(t *testing.T) {
	tests := []struct {
		name    string
		format  audio.Format
		want    string
		wantErr bool
	}{
		{name: "zero pcm16 defaults", format: audio.Format{Encoding: audio.PCM16}, want: "pcm16"},
		{name: "pcm16 24k", format: audio.Format{SampleRate: 24000, Channels: 1, Encoding: audio.PCM16}, want: "pcm16"},
		{name: "pcm16 wrong rate", format: audio.Format{SampleRate: 16000, Encoding: audio.PCM16}, wantErr: true},
		{name: "mulaw 8k", format: audio.Format{SampleRate: 8000, Encoding: audio.MuLaw}, want: "g711_ulaw"},
		{name: "mulaw wrong rate", format: audio.Format{SampleRate: 24000, Encoding: audio.MuLaw}, wantErr: true},
		{name: "opus rejected", format: audio.Format{SampleRate: 48000, Encoding: audio.Opus}, wantErr: true},
		{name: "stereo rejected", format: audio.Format{SampleRate: 24000, Channels: 2, Encoding: audio.PCM16}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := wireFormat(tt.format)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if provider.Classify(err) != provider.KindConfig {
					t.Errorf("kind = %v; want KindConfig", provider.Classify(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("wireFormat: %v", err)
			}
			assertEqual(t, "wire format", tt.want, got)
		})
	}
}

// ---- fake server harness ----

// wsBase converts an httptest server HTTP URL to a WebSocket URL.
func wsBase(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a fake Realtime endpoint. The handler receives the
// accepted conn; the server is torn down with the test.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readMsg reads one client frame and decodes it.
func readMsg(t *testing.T, conn *websocket.Conn) clientMsg {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("server read: %v", err)
		return clientMsg{}
	}
	var m clientMsg
	if err := json.Unmarshal(data, &m); err != nil {
		t.Errorf("server unmarshal: %v", err)
	}
	return m
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("server write: %v (may be expected on close)", err)
	}
}

// drainUntilClose consumes client frames until the client closes the
// connection, keeping the fake endpoint alive for the session's lifetime.
func drainUntilClose(conn *websocket.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func defaultConfig() realtime.SessionConfig {
	return realtime.SessionConfig{
		Voice:     "alloy",
		ServerVAD: true,
	}
}

func dial(t *testing.T, srv *httptest.Server, cfg realtime.SessionConfig) realtime.SessionHandle {
	t.Helper()
	p, err := New("key-123", WithBaseURL(wsBase(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h, err := p.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func recvTranscript(t *testing.T, h realtime.SessionHandle) realtime.TranscriptEvent {
	t.Helper()
	select {
	case ev := <-h.Transcripts():
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for transcript")
		return realtime.TranscriptEvent{}
	}
}

func recvEvent(t *testing.T, h realtime.SessionHandle) realtime.Event {
	t.Helper()
	select {
	case ev := <-h.Events():
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return realtime.Event{}
	}
}

// ---- connect tests ----

func TestConnect_SendsHeadersAndSessionUpdate(t *testing.T) {
	gotAuth := make(chan string, 1)
	gotBeta := make(chan string, 1)
	gotModel := make(chan string, 1)
	gotUpdate := make(chan clientMsg, 1)

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		gotBeta <- r.Header.Get("OpenAI-Beta")
		gotModel <- r.URL.Query().Get("model")
		gotUpdate <- readMsg(t, conn)
		drainUntilClose(conn)
	})

	tools := []realtime.Tool{{
		Name:        "get_weather",
		Description: "Look up current weather",
		Parameters:  json.RawMessage(`{"type":"object"}`),
	}}
	dial(t, srv, realtime.SessionConfig{
		Voice:        "ash",
		Instructions: "Be brief.",
		Tools:        tools,
		ServerVAD:    true,
		Temperature:  0.8,
	})

	assertEqual(t, "authorization", "Bearer key-123", <-gotAuth)
	assertEqual(t, "beta header", "realtime=v1", <-gotBeta)
	assertEqual(t, "model", defaultModel, <-gotModel)

	m := <-gotUpdate
	assertEqual(t, "type", "session.update", m.Type)
	if m.Session == nil {
		t.Fatal("session.update missing session body")
	}
	assertEqual(t, "voice", "ash", m.Session.Voice)
	assertEqual(t, "instructions", "Be brief.", m.Session.Instructions)
	assertEqual(t, "input format", "pcm16", m.Session.InputAudioFormat)
	assertEqual(t, "output format", "pcm16", m.Session.OutputAudioFormat)
	assertEqual(t, "transcription model", transcriptionModel, m.Session.InputTranscription["model"])
	if !strings.Contains(string(m.Session.TurnDetection), "server_vad") {
		t.Errorf("turn_detection = %s; want server_vad", m.Session.TurnDetection)
	}
	if m.Session.Temperature != 0.8 {
		t.Errorf("temperature = %v; want 0.8", m.Session.Temperature)
	}
	if len(m.Session.Tools) != 1 {
		t.Fatalf("len(tools) = %d; want 1", len(m.Session.Tools))
	}
	assertEqual(t, "tool type", "function", m.Session.Tools[0].Type)
	assertEqual(t, "tool name", "get_weather", m.Session.Tools[0].Name)
}

func TestConnect_ManualModeDisablesServerVAD(t *testing.T) {
	gotUpdate := make(chan clientMsg, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		gotUpdate <- readMsg(t, conn)
		drainUntilClose(conn)
	})

	dial(t, srv, realtime.SessionConfig{Voice: "alloy", ServerVAD: false})

	m := <-gotUpdate
	if m.Session == nil {
		t.Fatal("session.update missing session body")
	}
	// Manual mode must serialize an explicit null, not omit the key.
	assertEqual(t, "turn_detection", "null", string(m.Session.TurnDetection))
}

func TestConnect_RejectsUnsupportedFormat(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Connect(context.Background(), realtime.SessionConfig{
		InputFormat: audio.Format{SampleRate: 48000, Encoding: audio.Opus},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if provider.Classify(err) != provider.KindConfig {
		t.Errorf("kind = %v; want KindConfig", provider.Classify(err))
	}
}

func TestConnect_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, err := New("bad-key", WithBaseURL(wsBase(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Connect(context.Background(), defaultConfig())
	if err == nil {
		t.Fatal("expected error")
	}
	if provider.Classify(err) != provider.KindAuth {
		t.Errorf("kind = %v; want KindAuth", provider.Classify(err))
	}
}

// ---- outgoing message tests ----

func TestSendAudio_AppendsBase64(t *testing.T) {
	got := make(chan clientMsg, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		readMsg(t, conn) // session.update
		got <- readMsg(t, conn)
		drainUntilClose(conn)
	})

	h := dial(t, srv, defaultConfig())
	chunk := []byte{0x01, 0x02, 0x03, 0x04}
	if err := h.SendAudio(chunk); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	m := <-got
	assertEqual(t, "type", "input_audio_buffer.append", m.Type)
	assertEqual(t, "audio", base64.StdEncoding.EncodeToString(chunk), m.Audio)
}

func TestSendText_CreatesUserItem(t *testing.T) {
	got := make(chan clientMsg, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		readMsg(t, conn)
		got <- readMsg(t, conn)
		drainUntilClose(conn)
	})

	h := dial(t, srv, defaultConfig())
	if err := h.SendText("What time is it?"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	m := <-got
	assertEqual(t, "type", "conversation.item.create", m.Type)
	if m.Item == nil {
		t.Fatal("missing item")
	}
	assertEqual(t, "item type", "message", m.Item.Type)
	assertEqual(t, "role", "user", m.Item.Role)
	if len(m.Item.Content) != 1 {
		t.Fatalf("len(content) = %d; want 1", len(m.Item.Content))
	}
	assertEqual(t, "content type", "input_text", m.Item.Content[0].Type)
	assertEqual(t, "content text", "What time is it?", m.Item.Content[0].Text)
}

func TestBufferAndResponseControl(t *testing.T) {
	got := make(chan clientMsg, 4)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		readMsg(t, conn)
		for range 4 {
			got <- readMsg(t, conn)
		}
		drainUntilClose(conn)
	})

	h := dial(t, srv, realtime.SessionConfig{Voice: "alloy"})
	if err := h.CommitAudio(); err != nil {
		t.Fatalf("CommitAudio: %v", err)
	}
	if err := h.ClearAudio(); err != nil {
		t.Fatalf("ClearAudio: %v", err)
	}
	if err := h.CreateResponse(); err != nil {
		t.Fatalf("CreateResponse: %v", err)
	}
	if err := h.CancelResponse(); err != nil {
		t.Fatalf("CancelResponse: %v", err)
	}

	want := []string{
		"input_audio_buffer.commit",
		"input_audio_buffer.clear",
		"response.create",
		"response.cancel",
	}
	for i, w := range want {
		m := <-got
		if m.Type != w {
			t.Errorf("message %d: type = %q; want %q", i, m.Type, w)
		}
	}
}

func TestPartialSessionUpdates(t *testing.T) {
	got := make(chan clientMsg, 2)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		readMsg(t, conn)
		got <- readMsg(t, conn)
		got <- readMsg(t, conn)
		drainUntilClose(conn)
	})

	h := dial(t, srv, defaultConfig())
	if err := h.UpdateInstructions("Speak slowly."); err != nil {
		t.Fatalf("UpdateInstructions: %v", err)
	}
	if err := h.SetTools([]realtime.Tool{{Name: "lookup"}}); err != nil {
		t.Fatalf("SetTools: %v", err)
	}

	m := <-got
	assertEqual(t, "type", "session.update", m.Type)
	if m.Session == nil {
		t.Fatal("missing session body")
	}
	assertEqual(t, "instructions", "Speak slowly.", m.Session.Instructions)
	// A partial update must not touch turn detection.
	if len(m.Session.TurnDetection) != 0 {
		t.Errorf("turn_detection = %s; want omitted", m.Session.TurnDetection)
	}

	m = <-got
	if m.Session == nil || len(m.Session.Tools) != 1 {
		t.Fatal("second update missing tools")
	}
	assertEqual(t, "tool name", "lookup", m.Session.Tools[0].Name)
}

func TestSendFunctionResult_AnswersAndContinues(t *testing.T) {
	got := make(chan clientMsg, 2)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		readMsg(t, conn)
		got <- readMsg(t, conn)
		got <- readMsg(t, conn)
		drainUntilClose(conn)
	})

	h := dial(t, srv, defaultConfig())
	if err := h.SendFunctionResult("call-7", `{"temp":21}`); err != nil {
		t.Fatalf("SendFunctionResult: %v", err)
	}

	m := <-got
	assertEqual(t, "type", "conversation.item.create", m.Type)
	if m.Item == nil {
		t.Fatal("missing item")
	}
	assertEqual(t, "item type", "function_call_output", m.Item.Type)
	assertEqual(t, "call_id", "call-7", m.Item.CallID)
	assertEqual(t, "output", `{"temp":21}`, m.Item.Output)

	m = <-got
	assertEqual(t, "follow-up", "response.create", m.Type)
}

// ---- incoming event tests ----

func TestAudioDelta_DecodedToChannel(t *testing.T) {
	pcm := []byte{0x10, 0x20, 0x30, 0x40, 0x50, 0x60}
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		readMsg(t, conn)
		writeJSON(t, conn, map[string]any{
			"type":  "response.audio.delta",
			"delta": base64.StdEncoding.EncodeToString(pcm),
		})
		drainUntilClose(conn)
	})

	h := dial(t, srv, defaultConfig())
	select {
	case chunk := <-h.Audio():
		if len(chunk) != len(pcm) {
			t.Fatalf("len(chunk) = %d; want %d", len(chunk), len(pcm))
		}
		for i := range pcm {
			if chunk[i] != pcm[i] {
				t.Fatalf("chunk[%d] = %#x; want %#x", i, chunk[i], pcm[i])
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for audio")
	}
}

func TestAssistantTranscript_AccumulatesDeltas(t *testing.T) {
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		readMsg(t, conn)
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "Hel", "item_id": "item-1"})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "lo", "item_id": "item-1"})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.done", "transcript": "Hello!", "item_id": "item-1"})
		drainUntilClose(conn)
	})

	h := dial(t, srv, defaultConfig())

	ev := recvTranscript(t, h)
	if ev.Role != realtime.RoleAssistant || ev.Final {
		t.Errorf("first event = %+v; want non-final assistant", ev)
	}
	assertEqual(t, "first hypothesis", "Hel", ev.Text)

	ev = recvTranscript(t, h)
	assertEqual(t, "second hypothesis", "Hello", ev.Text)
	assertEqual(t, "item id", "item-1", ev.ItemID)

	ev = recvTranscript(t, h)
	if !ev.Final {
		t.Error("third event should be final")
	}
	assertEqual(t, "final text", "Hello!", ev.Text)
}

func TestAssistantTranscript_ResetsBetweenResponses(t *testing.T) {
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		readMsg(t, conn)
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "One.", "item_id": "item-1"})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.done", "item_id": "item-1"})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "Two.", "item_id": "item-2"})
		drainUntilClose(conn)
	})

	h := dial(t, srv, defaultConfig())

	recvTranscript(t, h) // "One." hypothesis
	ev := recvTranscript(t, h)
	if !ev.Final {
		t.Error("second event should be final")
	}
	// done without transcript falls back to the accumulated text
	assertEqual(t, "final text", "One.", ev.Text)

	ev = recvTranscript(t, h)
	assertEqual(t, "fresh accumulator", "Two.", ev.Text)
	assertEqual(t, "fresh item", "item-2", ev.ItemID)
}

func TestUserTranscript_DeltasAndCompleted(t *testing.T) {
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		readMsg(t, conn)
		writeJSON(t, conn, map[string]any{"type": "conversation.item.input_audio_transcription.delta", "delta": "What is", "item_id": "item-9"})
		writeJSON(t, conn, map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "What is the time?", "item_id": "item-9"})
		drainUntilClose(conn)
	})

	h := dial(t, srv, defaultConfig())

	ev := recvTranscript(t, h)
	if ev.Role != realtime.RoleUser || ev.Final {
		t.Errorf("first event = %+v; want non-final user", ev)
	}
	assertEqual(t, "hypothesis", "What is", ev.Text)

	ev = recvTranscript(t, h)
	if ev.Role != realtime.RoleUser || !ev.Final {
		t.Errorf("second event = %+v; want final user", ev)
	}
	assertEqual(t, "final text", "What is the time?", ev.Text)
	assertEqual(t, "item id", "item-9", ev.ItemID)
}

func TestFunctionCall_Surfaced(t *testing.T) {
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		readMsg(t, conn)
		writeJSON(t, conn, map[string]any{
			"type":      "response.function_call_arguments.done",
			"call_id":   "call-3",
			"name":      "get_weather",
			"arguments": `{"city":"Berlin"}`,
		})
		drainUntilClose(conn)
	})

	h := dial(t, srv, defaultConfig())

	select {
	case call := <-h.FunctionCalls():
		assertEqual(t, "call id", "call-3", call.CallID)
		assertEqual(t, "name", "get_weather", call.Name)
		assertEqual(t, "arguments", `{"city":"Berlin"}`, call.Arguments)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for function call")
	}
}

func TestLifecycleEvents(t *testing.T) {
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		readMsg(t, conn)
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_stopped"})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.committed"})
		writeJSON(t, conn, map[string]any{"type": "response.created", "response": map[string]any{"id": "resp-1"}})
		writeJSON(t, conn, map[string]any{"type": "response.done", "response": map[string]any{"id": "resp-1", "status": "completed"}})
		drainUntilClose(conn)
	})

	h := dial(t, srv, defaultConfig())

	want := []realtime.EventType{
		realtime.EventInputSpeechStarted,
		realtime.EventInputSpeechStopped,
		realtime.EventInputCommitted,
		realtime.EventResponseStarted,
		realtime.EventResponseDone,
	}
	for i, w := range want {
		ev := recvEvent(t, h)
		if ev.Type != w {
			t.Errorf("event %d: type = %v; want %v", i, ev.Type, w)
		}
		if w == realtime.EventResponseStarted || w == realtime.EventResponseDone {
			assertEqual(t, "response id", "resp-1", ev.ResponseID)
		}
	}
}

func TestServerError_EmitsEventError(t *testing.T) {
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		readMsg(t, conn)
		writeJSON(t, conn, map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "invalid_request_error", "message": "buffer too small"},
		})
		drainUntilClose(conn)
	})

	h := dial(t, srv, defaultConfig())

	ev := recvEvent(t, h)
	if ev.Type != realtime.EventError {
		t.Fatalf("type = %v; want EventError", ev.Type)
	}
	if ev.Err == nil {
		t.Fatal("EventError carries no error")
	}
	if provider.Classify(ev.Err) != provider.KindProvider {
		t.Errorf("kind = %v; want KindProvider", provider.Classify(ev.Err))
	}
	if !strings.Contains(ev.Err.Error(), "buffer too small") {
		t.Errorf("error %q missing server message", ev.Err)
	}
}

// ---- teardown tests ----

func TestServerDisconnect_SetsErr(t *testing.T) {
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		readMsg(t, conn)
		// Returning closes the connection while the session is live.
	})

	h := dial(t, srv, defaultConfig())

	deadline := time.After(3 * time.Second)
loop:
	for {
		select {
		case _, ok := <-h.Events():
			if !ok {
				break loop
			}
		case <-deadline:
			t.Fatal("timed out waiting for events channel to close")
		}
	}

	if h.Err() == nil {
		t.Fatal("expected transport error after server disconnect")
	}
	if provider.Classify(h.Err()) != provider.KindTransport {
		t.Errorf("kind = %v; want KindTransport", provider.Classify(h.Err()))
	}
}

func TestStalledServer_WatchdogRaisesTimeout(t *testing.T) {
	// A wedged peer: the handler never reads, so pings go unanswered while
	// the TCP connection stays up and Read would block forever.
	stall := make(chan struct{})
	t.Cleanup(func() { close(stall) })
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		<-stall
	})

	cfg := defaultConfig()
	cfg.IdleTimeout = 30 * time.Millisecond
	h := dial(t, srv, cfg)

	deadline := time.After(3 * time.Second)
loop:
	for {
		select {
		case _, ok := <-h.Events():
			if !ok {
				break loop
			}
		case <-deadline:
			t.Fatal("timed out waiting for the watchdog to kill the session")
		}
	}

	if provider.Classify(h.Err()) != provider.KindTimeout {
		t.Errorf("kind = %v; want KindTimeout", provider.Classify(h.Err()))
	}
	if !errors.Is(h.Err(), provider.ErrIdleTimeout) {
		t.Errorf("error %v does not wrap ErrIdleTimeout", h.Err())
	}
}

func TestClose_IdempotentAndClean(t *testing.T) {
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		readMsg(t, conn)
		drainUntilClose(conn)
	})

	h := dial(t, srv, defaultConfig())
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, ok := <-h.Audio(); ok {
		t.Error("audio channel should be closed")
	}
	if _, ok := <-h.Events(); ok {
		t.Error("events channel should be closed")
	}
	if h.Err() != nil {
		t.Errorf("Err = %v; want nil after clean close", h.Err())
	}

	err := h.SendAudio([]byte{1, 2})
	if err == nil {
		t.Fatal("expected error sending after close")
	}
	if provider.Classify(err) != provider.KindTransport {
		t.Errorf("kind = %v; want KindTransport", provider.Classify(err))
	}
}

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
