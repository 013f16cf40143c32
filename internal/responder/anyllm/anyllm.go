// Package anyllm implements responder.Responder on top of
// github.com/mozilla-ai/any-llm-go, a unified multi-provider completion
// interface covering OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral,
// Groq, and local llama.cpp/llamafile servers.
//
// Usage:
//
//	r, err := anyllm.New("openai", "gpt-4o-mini",
//	    anyllm.WithSystemPrompt("You are a concise voice assistant."))
//	r, err := anyllm.New("ollama", "llama3.2")
package anyllm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/aurelay/aurelay/internal/responder"
)

// Responder implements responder.Responder by streaming completions from
// an any-llm-go backend.
type Responder struct {
	backend      anyllmlib.Provider
	model        string
	systemPrompt string
	temperature  *float64
	maxTokens    *int
	logger       *slog.Logger
}

var _ responder.Responder = (*Responder)(nil)

// Option configures a [Responder].
type Option func(*Responder)

// WithSystemPrompt injects a system instruction ahead of the conversation.
func WithSystemPrompt(prompt string) Option {
	return func(r *Responder) { r.systemPrompt = prompt }
}

// WithTemperature sets the sampling temperature. Unset uses the backend
// default.
func WithTemperature(t float64) Option {
	return func(r *Responder) { r.temperature = &t }
}

// WithMaxTokens caps the reply length in model tokens.
func WithMaxTokens(n int) Option {
	return func(r *Responder) { r.maxTokens = &n }
}

// WithLogger sets the logger for mid-stream backend failures. Defaults to
// slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Responder) { r.logger = logger }
}

// New creates a Responder backed by the named any-llm-go provider.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq", "llamacpp", "llamafile". model is the
// model identifier (e.g., "gpt-4o-mini", "claude-3-5-haiku-latest").
// Credentials come from backendOpts or the provider's usual environment
// variable (OPENAI_API_KEY, ANTHROPIC_API_KEY, ...).
func New(providerName, model string, opts ...Option) (*Responder, error) {
	return NewWithBackendOptions(providerName, model, nil, opts...)
}

// NewWithBackendOptions is [New] with explicit any-llm-go options such as
// anyllmlib.WithAPIKey or anyllmlib.WithBaseURL.
func NewWithBackendOptions(providerName, model string, backendOpts []anyllmlib.Option, opts ...Option) (*Responder, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(providerName, backendOpts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}

	r := &Responder{
		backend: backend,
		model:   model,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// createBackend creates the underlying any-llm-go provider for the given
// provider name.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

// Respond implements responder.Responder. Text deltas are forwarded as they
// arrive; a backend failure after the stream opened is logged and closes
// the channel, so the caller speaks whatever prefix was produced.
func (r *Responder) Respond(ctx context.Context, turns []responder.Turn) (<-chan string, error) {
	params := r.buildParams(turns)

	backendChunks, backendErrs := r.backend.CompletionStream(ctx, params)

	ch := make(chan string, 32)
	go func() {
		defer close(ch)

		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			text := chunk.Choices[0].Delta.Content
			if text == "" {
				continue
			}
			select {
			case ch <- text:
			case <-ctx.Done():
				return
			}
		}

		// Surface backend errors after the chunk channel drains.
		if err := <-backendErrs; err != nil && ctx.Err() == nil {
			r.logger.Warn("responder stream failed mid-reply",
				slog.String("model", r.model), slog.Any("error", err))
		}
	}()

	return ch, nil
}

// buildParams converts the conversation into anyllm CompletionParams.
func (r *Responder) buildParams(turns []responder.Turn) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message

	if r.systemPrompt != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: r.systemPrompt,
		})
	}

	for _, t := range turns {
		role := "user"
		if t.Role == responder.RoleAssistant {
			role = "assistant"
		}
		messages = append(messages, anyllmlib.Message{
			Role:    role,
			Content: t.Text,
		})
	}

	params := anyllmlib.CompletionParams{
		Model:       r.model,
		Messages:    messages,
		Temperature: r.temperature,
		MaxTokens:   r.maxTokens,
	}
	return params
}
