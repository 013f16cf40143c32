package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":       {"deepgram", "whisper", "whisper-native", "google"},
	"tts":       {"elevenlabs", "coqui", "openai"},
	"realtime":  {"openai-realtime", "gemini-live"},
	"vad":       {"silero", "energy", "noop"},
	"responder": {"echo", "openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// envRef matches ${NAME} references in the raw YAML. Only the braced form is
// expanded so that literal dollar signs in prompts survive.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${ENV_VAR} references,
// applies defaults, and validates the result. Useful in tests where configs
// are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv replaces ${NAME} references with the corresponding environment
// variable. Unset variables are left intact and logged, so a missing secret
// shows up as a literal ${NAME} in the provider error rather than silently
// becoming the empty string.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		name := string(ref[2 : len(ref)-1])
		val, ok := os.LookupEnv(name)
		if !ok {
			slog.Warn("config: environment variable referenced but not set", "name", name)
			return ref
		}
		return []byte(val)
	})
}

// applyDefaults fills in zero fields that have a sensible built-in default.
// Component-level defaults (retry delays, caps, VAD thresholds) stay zero
// here; the components apply their own when constructed.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogText
	}
	if cfg.Session.Mode == "" {
		cfg.Session.Mode = ModeVoice
	}
	if cfg.VAD.Backend == "" {
		cfg.VAD.Backend = "energy"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Session
	if !cfg.Session.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("session.mode %q is invalid; valid values: voice, duplex", cfg.Session.Mode))
	}
	if sf := cfg.Session.Voice.SpeedFactor; sf != 0 && (sf < 0.5 || sf > 2.0) {
		errs = append(errs, fmt.Errorf("session.voice.speed_factor %.2f is out of range [0.5, 2.0]", sf))
	}
	if ps := cfg.Session.Voice.PitchShift; ps < -10 || ps > 10 {
		errs = append(errs, fmt.Errorf("session.voice.pitch_shift %.2f is out of range [-10, 10]", ps))
	}
	if fs := cfg.Session.FlushStrategy; fs != "" && !slices.Contains([]string{"on_disconnect", "on_size", "on_duration", "on_silence"}, fs) {
		errs = append(errs, fmt.Errorf("session.flush_strategy %q is invalid; valid values: on_disconnect, on_size, on_duration, on_silence", fs))
	}
	for _, v := range []struct {
		name string
		val  int
	}{
		{"session.silence_hold_ms", cfg.Session.SilenceHoldMs},
		{"session.text_hold_ms", cfg.Session.TextHoldMs},
		{"session.max_turn_duration_ms", cfg.Session.MaxTurnDurationMs},
		{"session.dedup_window_ms", cfg.Session.DedupWindowMs},
		{"session.final_wait_ms", cfg.Session.FinalWaitMs},
		{"session.input_ring_frames", cfg.Session.InputRingFrames},
		{"session.output_ring_frames", cfg.Session.OutputRingFrames},
		{"session.event_buffer", cfg.Session.EventBuffer},
		{"session.history_turns", cfg.Session.HistoryTurns},
	} {
		if v.val < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", v.name, v.val))
		}
	}

	// Resilience
	errs = append(errs, validateRetry("resilience.connect", cfg.Resilience.Connect)...)
	errs = append(errs, validateRetry("resilience.reconnect", cfg.Resilience.Reconnect)...)
	if cfg.Resilience.Breaker.FailureThreshold < 0 {
		errs = append(errs, fmt.Errorf("resilience.breaker.failure_threshold must not be negative, got %d", cfg.Resilience.Breaker.FailureThreshold))
	}
	if cfg.Resilience.Breaker.SuccessThreshold < 0 {
		errs = append(errs, fmt.Errorf("resilience.breaker.success_threshold must not be negative, got %d", cfg.Resilience.Breaker.SuccessThreshold))
	}

	// VAD
	validateProviderName("vad", cfg.VAD.Backend)
	if cfg.VAD.Backend == "silero" && cfg.VAD.ModelPath == "" {
		errs = append(errs, errors.New("vad.model_path is required when vad.backend is silero"))
	}
	if th := cfg.VAD.SpeechThreshold; th < 0 || th > 1 {
		errs = append(errs, fmt.Errorf("vad.speech_threshold %.2f is out of range [0, 1]", th))
	}
	if th := cfg.VAD.SilenceThreshold; th < 0 || th > 1 {
		errs = append(errs, fmt.Errorf("vad.silence_threshold %.2f is out of range [0, 1]", th))
	}
	if cfg.VAD.SpeechThreshold != 0 && cfg.VAD.SilenceThreshold > cfg.VAD.SpeechThreshold {
		errs = append(errs, fmt.Errorf("vad.silence_threshold %.2f must not exceed vad.speech_threshold %.2f", cfg.VAD.SilenceThreshold, cfg.VAD.SpeechThreshold))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("realtime", cfg.Providers.Realtime.Name)
	validateProviderName("responder", cfg.Responder.Backend)

	// Mode ↔ provider cross-validation
	switch cfg.Session.Mode {
	case ModeVoice:
		if cfg.Providers.STT.Name == "" {
			errs = append(errs, errors.New("session.mode \"voice\" requires providers.stt"))
		}
		if cfg.Providers.TTS.Name == "" {
			errs = append(errs, errors.New("session.mode \"voice\" requires providers.tts"))
		}
		if cfg.Responder.Backend == "" {
			slog.Warn("no responder configured; voice sessions will not generate replies")
		}
	case ModeDuplex:
		if cfg.Providers.Realtime.Name == "" {
			errs = append(errs, errors.New("session.mode \"duplex\" requires providers.realtime"))
		}
	}

	// Plugins
	pluginNamesSeen := make(map[string]int, len(cfg.Plugins))
	for i, p := range cfg.Plugins {
		prefix := fmt.Sprintf("plugins[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := pluginNamesSeen[p.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of plugins[%d]", prefix, p.Name, prev))
			}
			pluginNamesSeen[p.Name] = i
		}
		if p.Kind != "stt" && p.Kind != "tts" && p.Kind != "realtime" {
			errs = append(errs, fmt.Errorf("%s.kind %q is invalid; valid values: stt, tts, realtime", prefix, p.Kind))
		}
		if p.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateRetry checks one retry policy block.
func validateRetry(prefix string, r RetryConfig) []error {
	var errs []error
	if r.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("%s.max_attempts must not be negative, got %d", prefix, r.MaxAttempts))
	}
	if r.BaseDelayMs < 0 {
		errs = append(errs, fmt.Errorf("%s.base_delay_ms must not be negative, got %d", prefix, r.BaseDelayMs))
	}
	if r.MaxDelayMs > 0 && r.BaseDelayMs > r.MaxDelayMs {
		errs = append(errs, fmt.Errorf("%s.base_delay_ms %d exceeds max_delay_ms %d", prefix, r.BaseDelayMs, r.MaxDelayMs))
	}
	if r.Jitter > 1 {
		errs = append(errs, fmt.Errorf("%s.jitter %.2f is out of range (≤ 1)", prefix, r.Jitter))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind. Unknown names are not
// errors: plugin providers register under their own names.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or plugin provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
