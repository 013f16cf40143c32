package main

import (
	"context"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/aurelay/aurelay/internal/registry"
	"github.com/aurelay/aurelay/internal/responder"
	"github.com/aurelay/aurelay/internal/responder/anyllm"
	realtimegemini "github.com/aurelay/aurelay/pkg/provider/realtime/gemini"
	realtimeopenai "github.com/aurelay/aurelay/pkg/provider/realtime/openai"
	"github.com/aurelay/aurelay/pkg/provider/stt/deepgram"
	googlestt "github.com/aurelay/aurelay/pkg/provider/stt/google"
	"github.com/aurelay/aurelay/pkg/provider/stt/whisper"
	"github.com/aurelay/aurelay/pkg/provider/tts/coqui"
	"github.com/aurelay/aurelay/pkg/provider/tts/elevenlabs"
	ttsopenai "github.com/aurelay/aurelay/pkg/provider/tts/openai"
	"github.com/aurelay/aurelay/pkg/provider/vad/energy"
	"github.com/aurelay/aurelay/pkg/provider/vad/noop"
	"github.com/aurelay/aurelay/pkg/provider/vad/silero"
)

// builtinProviders maps provider kinds to the implementations that ship in
// the binary. Used for startup logging.
var builtinProviders = map[string][]string{
	"stt":       {"deepgram", "whisper", "whisper-native", "google"},
	"tts":       {"elevenlabs", "coqui", "openai"},
	"realtime":  {"openai-realtime", "gemini-live"},
	"vad":       {"silero", "energy", "noop"},
	"responder": {"echo", "openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// registerBuiltinProviders wires every built-in constructor into reg. Each
// constructor receives the flattened settings block from the config
// (standard fields plus the provider's options map).
func registerBuiltinProviders(reg *registry.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.MustRegister(registry.Registration{
		Kind: registry.KindSTT, ID: "deepgram",
		New: func(settings map[string]any) (any, error) {
			var opts []deepgram.Option
			if model := optString(settings, "model"); model != "" {
				opts = append(opts, deepgram.WithModel(model))
			}
			if lang := optString(settings, "language"); lang != "" {
				opts = append(opts, deepgram.WithLanguage(lang))
			}
			if ms := optInt(settings, "endpointing_ms"); ms > 0 {
				opts = append(opts, deepgram.WithEndpointing(time.Duration(ms)*time.Millisecond))
			}
			return deepgram.New(optString(settings, "api_key"), opts...)
		},
	})

	reg.MustRegister(registry.Registration{
		Kind: registry.KindSTT, ID: "whisper",
		New: func(settings map[string]any) (any, error) {
			var opts []whisper.Option
			if model := optString(settings, "model"); model != "" {
				opts = append(opts, whisper.WithModel(model))
			}
			if lang := optString(settings, "language"); lang != "" {
				opts = append(opts, whisper.WithLanguage(lang))
			}
			if rms := optFloat(settings, "rms_threshold"); rms > 0 {
				opts = append(opts, whisper.WithRMSThreshold(rms))
			}
			return whisper.New(optString(settings, "base_url"), opts...)
		},
	})

	reg.MustRegister(registry.Registration{
		Kind: registry.KindSTT, ID: "whisper-native",
		New: func(settings map[string]any) (any, error) {
			modelPath := optString(settings, "model_path")
			if modelPath == "" {
				modelPath = optString(settings, "model")
			}
			var opts []whisper.NativeOption
			if lang := optString(settings, "language"); lang != "" {
				opts = append(opts, whisper.WithNativeLanguage(lang))
			}
			if rms := optFloat(settings, "rms_threshold"); rms > 0 {
				opts = append(opts, whisper.WithNativeRMSThreshold(rms))
			}
			return whisper.NewNative(modelPath, opts...)
		},
	})

	reg.MustRegister(registry.Registration{
		Kind: registry.KindSTT, ID: "google",
		New: func(settings map[string]any) (any, error) {
			var opts []googlestt.Option
			if model := optString(settings, "model"); model != "" {
				opts = append(opts, googlestt.WithModel(model))
			}
			if lang := optString(settings, "language"); lang != "" {
				opts = append(opts, googlestt.WithLanguage(lang))
			}
			return googlestt.New(context.Background(), opts...)
		},
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.MustRegister(registry.Registration{
		Kind: registry.KindTTS, ID: "elevenlabs",
		New: func(settings map[string]any) (any, error) {
			var opts []elevenlabs.Option
			if model := optString(settings, "model"); model != "" {
				opts = append(opts, elevenlabs.WithModel(model))
			}
			if base := optString(settings, "base_url"); base != "" {
				opts = append(opts, elevenlabs.WithBaseURL(base))
			}
			return elevenlabs.New(optString(settings, "api_key"), opts...)
		},
	})

	reg.MustRegister(registry.Registration{
		Kind: registry.KindTTS, ID: "coqui",
		New: func(settings map[string]any) (any, error) {
			var opts []coqui.Option
			if lang := optString(settings, "language"); lang != "" {
				opts = append(opts, coqui.WithLanguage(lang))
			}
			if mode := optString(settings, "api_mode"); mode != "" {
				opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
			}
			if ms := optInt(settings, "timeout_ms"); ms > 0 {
				opts = append(opts, coqui.WithTimeout(time.Duration(ms)*time.Millisecond))
			}
			return coqui.New(optString(settings, "base_url"), opts...)
		},
	})

	reg.MustRegister(registry.Registration{
		Kind: registry.KindTTS, ID: "openai",
		New: func(settings map[string]any) (any, error) {
			var opts []ttsopenai.Option
			if model := optString(settings, "model"); model != "" {
				opts = append(opts, ttsopenai.WithModel(model))
			}
			if base := optString(settings, "base_url"); base != "" {
				opts = append(opts, ttsopenai.WithBaseURL(base))
			}
			return ttsopenai.New(optString(settings, "api_key"), opts...)
		},
	})

	// ── Realtime ──────────────────────────────────────────────────────────────

	reg.MustRegister(registry.Registration{
		Kind: registry.KindRealtime, ID: "openai-realtime",
		New: func(settings map[string]any) (any, error) {
			var opts []realtimeopenai.Option
			if model := optString(settings, "model"); model != "" {
				opts = append(opts, realtimeopenai.WithModel(model))
			}
			if base := optString(settings, "base_url"); base != "" {
				opts = append(opts, realtimeopenai.WithBaseURL(base))
			}
			return realtimeopenai.New(optString(settings, "api_key"), opts...)
		},
	})

	reg.MustRegister(registry.Registration{
		Kind: registry.KindRealtime, ID: "gemini-live",
		New: func(settings map[string]any) (any, error) {
			var opts []realtimegemini.Option
			if model := optString(settings, "model"); model != "" {
				opts = append(opts, realtimegemini.WithModel(model))
			}
			if base := optString(settings, "base_url"); base != "" {
				opts = append(opts, realtimegemini.WithBaseURL(base))
			}
			return realtimegemini.New(optString(settings, "api_key"), opts...)
		},
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.MustRegister(registry.Registration{
		Kind: registry.KindVAD, ID: "silero",
		New: func(settings map[string]any) (any, error) {
			return silero.NewEngine(optString(settings, "model_path"))
		},
	})

	reg.MustRegister(registry.Registration{
		Kind: registry.KindVAD, ID: "energy",
		New: func(settings map[string]any) (any, error) {
			return &energy.Engine{Threshold: optFloat(settings, "threshold")}, nil
		},
	})

	reg.MustRegister(registry.Registration{
		Kind: registry.KindVAD, ID: "noop",
		New: func(map[string]any) (any, error) {
			return noop.Engine{}, nil
		},
	})

	// ── Responder ─────────────────────────────────────────────────────────────

	reg.MustRegister(registry.Registration{
		Kind: registry.KindResponder, ID: "echo",
		New: func(settings map[string]any) (any, error) {
			return &responder.Echo{
				Prefix:     optString(settings, "prefix"),
				ChunkWords: optInt(settings, "chunk_words"),
			}, nil
		},
	})

	// The LLM backends share the any-llm pattern: optional APIKey plus
	// optional BaseURL. ollama is a local server and only takes a BaseURL.
	for _, backend := range []string{
		"openai", "anthropic", "ollama", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.MustRegister(registry.Registration{
			Kind: registry.KindResponder, ID: backend,
			New: func(settings map[string]any) (any, error) {
				var backendOpts []anyllmlib.Option
				if key := optString(settings, "api_key"); key != "" {
					backendOpts = append(backendOpts, anyllmlib.WithAPIKey(key))
				}
				if base := optString(settings, "base_url"); base != "" {
					backendOpts = append(backendOpts, anyllmlib.WithBaseURL(base))
				}
				var opts []anyllm.Option
				if prompt := optString(settings, "instructions"); prompt != "" {
					opts = append(opts, anyllm.WithSystemPrompt(prompt))
				}
				return anyllm.NewWithBackendOptions(backend, optString(settings, "model"), backendOpts, opts...)
			},
		})
	}

	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// ── Settings helpers ──────────────────────────────────────────────────────────

// optString extracts a string from a settings map. Returns "" if the map is
// nil, the key is absent, or the value is not a string.
func optString(settings map[string]any, key string) string {
	if v, ok := settings[key].(string); ok {
		return v
	}
	return ""
}

// optInt extracts an integer, accepting the int and float64 shapes the YAML
// decoder produces.
func optInt(settings map[string]any, key string) int {
	switch v := settings[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// optFloat extracts a float, accepting int for whole-number YAML values.
func optFloat(settings map[string]any, key string) float64 {
	switch v := settings[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
