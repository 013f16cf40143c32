// Package config provides the configuration schema, loader, diffing, and
// file watcher for the Aurelay voice gateway.
package config

import "log/slog"

// LogLevel controls log verbosity for the gateway.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to its slog level. Unrecognised values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFormat selects the slog handler encoding.
type LogFormat string

const (
	LogText LogFormat = "text"
	LogJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogText || f == LogJSON
}

// Mode selects the session pipeline for new connections.
type Mode string

const (
	// ModeVoice runs the cascaded STT → responder → TTS pipeline.
	ModeVoice Mode = "voice"

	// ModeDuplex bridges the client to a bidirectional realtime model.
	ModeDuplex Mode = "duplex"
)

// IsValid reports whether m is a recognised session mode.
func (m Mode) IsValid() bool {
	return m == ModeVoice || m == ModeDuplex
}

// Config is the root configuration structure for the gateway.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Session    SessionConfig    `yaml:"session"`
	Resilience ResilienceConfig `yaml:"resilience"`
	VAD        VADConfig        `yaml:"vad"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Responder  ResponderConfig  `yaml:"responder"`
	Plugins    []PluginConfig   `yaml:"plugins"`
}

// ServerConfig holds network and logging settings for the gateway server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects the slog handler: "text" or "json".
	LogFormat LogFormat `yaml:"log_format"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// SessionConfig holds per-session runtime knobs. Durations are expressed in
// milliseconds so the YAML stays free of unit suffixes.
type SessionConfig struct {
	// Mode selects the default pipeline for new sessions. Clients may
	// override it per connection in their initial config message.
	Mode Mode `yaml:"mode"`

	// Language is the BCP-47 transcription language hint (e.g., "en-US").
	Language string `yaml:"language"`

	// Keywords biases transcription toward domain vocabulary, and feeds
	// the phonetic corrector applied to final transcripts.
	Keywords []string `yaml:"keywords"`

	// Voice configures the synthesis voice for voice-mode sessions.
	Voice VoiceConfig `yaml:"voice"`

	// SilenceHoldMs is how long the user must stay quiet before a turn is
	// considered complete. Default: 600.
	SilenceHoldMs int `yaml:"silence_hold_ms"`

	// TextHoldMs is the shortened hold applied when the transcript already
	// reads as a finished sentence. Default: half of SilenceHoldMs.
	TextHoldMs int `yaml:"text_hold_ms"`

	// MaxTurnDurationMs force-closes a turn that never goes quiet.
	// Zero disables the guard.
	MaxTurnDurationMs int `yaml:"max_turn_duration_ms"`

	// DedupWindowMs is the window within which identical synthesis requests
	// are suppressed. Default: 5000.
	DedupWindowMs int `yaml:"dedup_window_ms"`

	// FinalWaitMs is how long a closing turn waits for the transcription
	// final before giving up. Default: 2000.
	FinalWaitMs int `yaml:"final_wait_ms"`

	// IdleTimeoutMs bounds how long a provider stream tolerates read-side
	// silence before its watchdog declares the transport dead and the
	// session redials. Zero keeps the provider default (60s); negative
	// disables the watchdog.
	IdleTimeoutMs int `yaml:"idle_timeout_ms"`

	// FlushStrategy selects when buffered (non-streaming) STT providers
	// transcribe: on_disconnect, on_size, on_duration, or on_silence.
	FlushStrategy string `yaml:"flush_strategy"`

	// InputRingFrames / OutputRingFrames size the per-session audio rings.
	// Oldest frames are dropped on overflow.
	InputRingFrames  int `yaml:"input_ring_frames"`
	OutputRingFrames int `yaml:"output_ring_frames"`

	// EventBuffer sizes the session event channel.
	EventBuffer int `yaml:"event_buffer"`

	// HistoryTurns bounds the conversation history handed to the responder.
	HistoryTurns int `yaml:"history_turns"`

	// Caps bounds request sizes and concurrency.
	Caps CapsConfig `yaml:"caps"`
}

// VoiceConfig specifies synthesis voice parameters for voice-mode sessions.
type VoiceConfig struct {
	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// PitchShift adjusts pitch in the range [-10, +10]. 0 means default.
	PitchShift float64 `yaml:"pitch_shift"`

	// SpeedFactor adjusts speaking rate in the range [0.5, 2.0]. 1.0 means default.
	SpeedFactor float64 `yaml:"speed_factor"`
}

// CapsConfig bounds request sizes and the global synthesis concurrency.
// Zero fields take the built-in defaults.
type CapsConfig struct {
	MaxTTSTextChars        int   `yaml:"max_tts_text_chars"`
	MaxInstructionBytes    int   `yaml:"max_instruction_bytes"`
	MaxTextBytes           int   `yaml:"max_text_bytes"`
	MaxFunctionResultBytes int   `yaml:"max_function_result_bytes"`
	MaxConcurrentSynthesis int64 `yaml:"max_concurrent_synthesis"`
}

// ResilienceConfig holds retry and circuit-breaker settings applied to every
// provider endpoint.
type ResilienceConfig struct {
	// Connect governs the initial provider connection.
	Connect RetryConfig `yaml:"connect"`

	// Reconnect governs mid-session reconnects after a transport drop.
	Reconnect RetryConfig `yaml:"reconnect"`

	// Breaker tunes the per-endpoint circuit breaker.
	Breaker BreakerConfig `yaml:"breaker"`
}

// RetryConfig tunes one retry policy. Zero fields take the built-in defaults.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int `yaml:"max_attempts"`

	// BaseDelayMs is the backoff before the first retry.
	BaseDelayMs int `yaml:"base_delay_ms"`

	// MaxDelayMs caps the exponential growth.
	MaxDelayMs int `yaml:"max_delay_ms"`

	// Jitter spreads each delay uniformly across
	// [delay*(1-Jitter), delay*(1+Jitter)].
	Jitter float64 `yaml:"jitter"`
}

// BreakerConfig tunes the per-endpoint circuit breaker.
type BreakerConfig struct {
	// FailureThreshold opens the breaker after this many consecutive
	// failures inside Window.
	FailureThreshold int `yaml:"failure_threshold"`

	// SuccessThreshold closes a half-open breaker after this many
	// consecutive successes.
	SuccessThreshold int `yaml:"success_threshold"`

	// WindowMs is the rolling window for failure counting.
	WindowMs int `yaml:"window_ms"`

	// CooldownMs is how long an open breaker waits before probing.
	CooldownMs int `yaml:"cooldown_ms"`
}

// VADConfig selects and tunes the voice activity detector.
type VADConfig struct {
	// Backend selects the detector: "silero", "energy", or "noop".
	Backend string `yaml:"backend"`

	// ModelPath is the Silero ONNX model path. Required for the silero backend.
	ModelPath string `yaml:"model_path"`

	// SampleRate is the analysis sample rate in Hz. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// FrameSamples is the number of samples per analysis frame.
	// The Silero engine requires 512 at 16kHz.
	FrameSamples int `yaml:"frame_samples"`

	// SpeechThreshold is the probability above which a frame counts as
	// speech. Range [0,1].
	SpeechThreshold float64 `yaml:"speech_threshold"`

	// SilenceThreshold ends an active segment when probability drops below
	// it. Must be ≤ SpeechThreshold.
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// MinSilenceMs is sustained silence required before speech-end fires.
	MinSilenceMs int `yaml:"min_silence_ms"`

	// SpeechPadMs widens each detected segment on both ends.
	SpeechPadMs int `yaml:"speech_pad_ms"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each Name selects a constructor registered at startup.
type ProvidersConfig struct {
	STT      ProviderEntry `yaml:"stt"`
	TTS      ProviderEntry `yaml:"tts"`
	Realtime ProviderEntry `yaml:"realtime"`
}

// ProviderEntry is the common configuration block shared by all provider types.
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "deepgram",
	// "elevenlabs").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	// Supports ${ENV_VAR} expansion.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// ResponderConfig configures the reply generator used by voice-mode sessions.
type ResponderConfig struct {
	// Backend selects the responder implementation: "echo", or an LLM
	// backend name (e.g., "openai", "anthropic", "ollama").
	Backend string `yaml:"backend"`

	// APIKey authenticates against the LLM backend if required.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the reply model (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// Instructions is the system prompt prepended to every conversation.
	Instructions string `yaml:"instructions"`
}

// PluginConfig describes one out-of-process provider plugin launched over
// stdio at startup.
type PluginConfig struct {
	// Name is a unique identifier for this plugin (used in logs and as the
	// provider id prefix).
	Name string `yaml:"name"`

	// Kind declares which provider interface the plugin serves:
	// "stt", "tts", or "realtime".
	Kind string `yaml:"kind"`

	// Command is the executable launched, with optional arguments.
	Command string `yaml:"command"`

	// Env holds additional environment variables injected into the
	// subprocess. May be nil.
	Env map[string]string `yaml:"env"`

	// StartTimeoutMs bounds how long the host waits for the plugin
	// handshake. Default: 10000.
	StartTimeoutMs int `yaml:"start_timeout_ms"`
}
