// Package plugin hosts out-of-process speech providers that speak the
// Model Context Protocol over stdio.
//
// A provider plugin is any executable serving MCP that exposes a
// `capabilities` tool plus `transcribe` and/or `synthesize`. The
// capabilities tool takes no arguments and returns a JSON declaration:
//
//	{
//	  "name": "hume",
//	  "version": "0.3.0",
//	  "stt": {"languages": ["en", "de"]},
//	  "tts": {
//	    "voices": [{"id": "warm", "name": "Warm"}],
//	    "sample_rate": 24000,
//	    "styles": true
//	  }
//	}
//
// transcribe takes {audio, sample_rate, channels, language} with audio as
// base64 16-bit little-endian PCM and returns the transcript as plain
// text. synthesize takes {text, voice, style} and returns base64 PCM at
// the declared sample rate; style is a natural-language delivery hint, so
// emotion control works without a provider-specific parameter surface.
//
// Host manages one plugin subprocess and adapts these tools to the
// stt.Provider and tts.Provider contracts. Speech-to-text runs as a
// buffered session, one transcribe call per utterance; text-to-speech
// synthesizes one utterance per call and streams the PCM out in frames.
// All sessions of both adapters multiplex over the single MCP connection.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/aurelay/aurelay/pkg/provider"
	"github.com/aurelay/aurelay/pkg/provider/stt"
	"github.com/aurelay/aurelay/pkg/provider/tts"
)

const (
	capabilitiesTool = "capabilities"
	transcribeTool   = "transcribe"
	synthesizeTool   = "synthesize"

	defaultStartTimeout = 10 * time.Second

	// defaultSampleRate is assumed for transcription input when the stream
	// config does not specify one.
	defaultSampleRate = 16000

	// defaultRMSThreshold is the energy level (in 16-bit PCM units) below
	// which input audio counts as silent and is not sent to the plugin.
	defaultRMSThreshold = 300.0
)

// Config describes how to launch a plugin subprocess.
type Config struct {
	// Command is the executable and its arguments, split on spaces.
	Command string

	// Env holds additional environment variables for the subprocess, on
	// top of the inherited environment. Typically API keys.
	Env map[string]string

	// StartTimeout bounds the connect and capabilities handshake.
	// Defaults to 10s.
	StartTimeout time.Duration
}

// Declaration is the plugin's self-description returned by its
// capabilities tool. At least one of STT and TTS must be present.
type Declaration struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	STT     *STTDecl `json:"stt,omitempty"`
	TTS     *TTSDecl `json:"tts,omitempty"`
}

// STTDecl declares the plugin's transcription surface.
type STTDecl struct {
	// Languages lists supported BCP-47 codes. Empty means the plugin
	// accepts any language tag.
	Languages []string `json:"languages,omitempty"`
}

// TTSDecl declares the plugin's synthesis surface.
type TTSDecl struct {
	Voices []VoiceDecl `json:"voices,omitempty"`

	// SampleRate is the rate of the PCM the synthesize tool returns.
	// Required.
	SampleRate int `json:"sample_rate"`

	// Styles reports whether the plugin honours the natural-language
	// style hint. When true the TTS adapter declares CapEmotion.
	Styles bool `json:"styles,omitempty"`
}

// VoiceDecl is one synthesis voice offered by the plugin.
type VoiceDecl struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// toolSession is the slice of the SDK client session the host uses.
// Tests substitute an in-process fake.
type toolSession interface {
	CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error)
	Close() error
}

var _ toolSession = (*mcpsdk.ClientSession)(nil)

// Host owns one plugin subprocess: it launches the executable, performs
// the capabilities handshake, and hands out provider adapters that route
// their work through the plugin's tools. Safe for concurrent use.
type Host struct {
	cfg    Config
	client *mcpsdk.Client

	mu      sync.Mutex
	session toolSession
	decl    Declaration
}

// NewHost creates a Host for the given plugin command. The subprocess is
// not launched until Start.
func NewHost(cfg Config) (*Host, error) {
	if executable, _ := splitCommand(cfg.Command); executable == "" {
		return nil, errors.New("plugin host: command must not be empty")
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "aurelay-plugin-host", Version: "1.0.0"},
		nil,
	)
	return &Host{cfg: cfg, client: client}, nil
}

// Start launches the subprocess, connects over stdio, and performs the
// capabilities handshake. ctx bounds the plugin's lifetime: cancelling it
// terminates the subprocess. Start may be called once.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	started := h.session != nil
	h.mu.Unlock()
	if started {
		return errors.New("plugin host: already started")
	}

	executable, args := splitCommand(h.cfg.Command)
	cmd := exec.CommandContext(ctx, executable, args...)
	cmd.Env = os.Environ()
	for k, v := range h.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	transport := &mcpsdk.CommandTransport{Command: cmd}

	hctx, cancel := context.WithTimeout(ctx, h.cfg.StartTimeout)
	defer cancel()

	session, err := h.client.Connect(hctx, transport, nil)
	if err != nil {
		return fmt.Errorf("plugin host: connect %q: %w", h.cfg.Command, err)
	}

	tools := make(map[string]bool)
	for tool, err := range session.Tools(hctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("plugin host: list tools: %w", err)
		}
		tools[tool.Name] = true
	}

	h.mu.Lock()
	h.session = session
	h.mu.Unlock()

	if err := h.completeHandshake(hctx, tools); err != nil {
		_ = h.Close()
		return err
	}
	return nil
}

// completeHandshake calls the capabilities tool, parses the declaration,
// and checks it against the tools the plugin actually exposes.
func (h *Host) completeHandshake(ctx context.Context, tools map[string]bool) error {
	if !tools[capabilitiesTool] {
		return fmt.Errorf("plugin host: no %s tool; not a provider plugin", capabilitiesTool)
	}

	raw, err := h.callTool(ctx, capabilitiesTool, map[string]any{})
	if err != nil {
		return fmt.Errorf("plugin host: capabilities handshake: %w", err)
	}

	var decl Declaration
	if err := json.Unmarshal([]byte(raw), &decl); err != nil {
		return fmt.Errorf("plugin host: invalid capabilities declaration: %w", err)
	}
	if decl.Name == "" {
		return errors.New("plugin host: capabilities declaration missing name")
	}
	if decl.STT == nil && decl.TTS == nil {
		return fmt.Errorf("plugin host: %s declares neither stt nor tts", decl.Name)
	}
	if decl.STT != nil && !tools[transcribeTool] {
		return fmt.Errorf("plugin host: %s declares stt but exposes no %s tool", decl.Name, transcribeTool)
	}
	if decl.TTS != nil {
		if !tools[synthesizeTool] {
			return fmt.Errorf("plugin host: %s declares tts but exposes no %s tool", decl.Name, synthesizeTool)
		}
		if decl.TTS.SampleRate <= 0 {
			return fmt.Errorf("plugin host: %s tts declaration missing sample_rate", decl.Name)
		}
	}

	h.mu.Lock()
	h.decl = decl
	h.mu.Unlock()
	return nil
}

// Declaration returns the plugin's parsed capabilities declaration. The
// zero value is returned before Start completes.
func (h *Host) Declaration() Declaration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.decl
}

// STT returns the transcription adapter. It errors when the plugin does
// not declare an stt surface.
func (h *Host) STT() (stt.Provider, error) {
	h.mu.Lock()
	decl := h.decl
	started := h.session != nil
	h.mu.Unlock()

	if !started {
		return nil, errors.New("plugin host: not started")
	}
	if decl.STT == nil {
		return nil, fmt.Errorf("plugin host: %s does not provide speech-to-text", decl.Name)
	}
	return &sttAdapter{h: h, id: "plugin:" + decl.Name, decl: *decl.STT}, nil
}

// TTS returns the synthesis adapter. It errors when the plugin does not
// declare a tts surface.
func (h *Host) TTS() (tts.Provider, error) {
	h.mu.Lock()
	decl := h.decl
	started := h.session != nil
	h.mu.Unlock()

	if !started {
		return nil, errors.New("plugin host: not started")
	}
	if decl.TTS == nil {
		return nil, fmt.Errorf("plugin host: %s does not provide text-to-speech", decl.Name)
	}
	return &ttsAdapter{h: h, id: "plugin:" + decl.Name, decl: *decl.TTS}, nil
}

// Ping verifies the subprocess still answers tool calls; the health
// checker calls it with a short deadline.
func (h *Host) Ping(ctx context.Context) error {
	_, err := h.callTool(ctx, capabilitiesTool, map[string]any{})
	var te *toolError
	if errors.As(err, &te) {
		// An application-level error still proves the process answers.
		return nil
	}
	return err
}

// Close terminates the MCP connection, which ends the subprocess. Safe to
// call more than once and before Start.
func (h *Host) Close() error {
	h.mu.Lock()
	session := h.session
	h.session = nil
	h.mu.Unlock()

	if session == nil {
		return nil
	}
	return session.Close()
}

// callTool invokes one plugin tool and concatenates the text content of
// the result. An IsError result comes back as a *toolError so callers can
// tell plugin-reported failures from transport ones.
func (h *Host) callTool(ctx context.Context, tool string, args map[string]any) (string, error) {
	h.mu.Lock()
	session := h.session
	h.mu.Unlock()
	if session == nil {
		return "", errors.New("plugin not started")
	}

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      tool,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("call %s: %w", tool, err)
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if result.IsError {
		return "", &toolError{tool: tool, message: sb.String()}
	}
	return sb.String(), nil
}

// toolError is a failure the plugin tool itself reported, as opposed to a
// failure reaching it.
type toolError struct {
	tool    string
	message string
}

func (e *toolError) Error() string {
	return fmt.Sprintf("plugin tool %s failed: %s", e.tool, e.message)
}

// classifyCallErr maps a tool-call failure to the provider error taxonomy.
func classifyCallErr(id, op string, err error) error {
	var te *toolError
	switch {
	case errors.As(err, &te):
		msg := te.message
		if msg == "" {
			msg = "tool reported an error without detail"
		}
		return provider.Errorf(provider.KindProvider, id, op, "%s", msg)
	case errors.Is(err, context.DeadlineExceeded):
		return provider.Wrap(provider.KindTimeout, id, op, err)
	default:
		return provider.Wrap(provider.KindTransport, id, op, err)
	}
}

// splitCommand splits a command string into executable and arguments.
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
