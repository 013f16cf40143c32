// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aurelay/aurelay/pkg/audio"
	"github.com/aurelay/aurelay/pkg/provider"
	"github.com/aurelay/aurelay/pkg/provider/stt"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

const nativeID = "whisper_native"

// NativeProvider implements stt.Provider using whisper.cpp Go bindings
// (CGO), eliminating HTTP overhead entirely. The model is loaded once at
// startup and shared across all sessions.
type NativeProvider struct {
	model        whisperlib.Model
	language     string
	rmsThreshold float64
}

var _ stt.Provider = (*NativeProvider)(nil)

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the BCP-47 language code for transcription
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeRMSThreshold overrides the energy level below which audio
// counts as silent, in 16-bit PCM units.
func WithNativeRMSThreshold(rms float64) NativeOption {
	return func(p *NativeProvider) { p.rmsThreshold = rms }
}

// NewNative creates a NativeProvider that loads the whisper.cpp model from
// the given file path. The model is loaded once and shared across all
// concurrent sessions. The caller must call Close when the provider is no
// longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, provider.Errorf(provider.KindConfig, nativeID, "new", "model path must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, provider.Errorf(provider.KindConfig, nativeID, "new", "load model %q: %w", modelPath, err)
	}

	p := &NativeProvider{
		model:        model,
		language:     defaultLanguage,
		rmsThreshold: defaultRMSThreshold,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model. Must be called when the provider is no
// longer needed.
func (p *NativeProvider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Capabilities reports the batch-engine feature set, identical to the REST
// provider's.
func (p *NativeProvider) Capabilities() provider.CapabilitySet {
	return provider.NewCapabilitySet(provider.CapImmutableTranscripts)
}

// StartStream opens a new transcription session. Each flush creates its
// own whisper.cpp context from the shared model, so multiple sessions can
// run concurrently without interference.
func (p *NativeProvider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: start stream: %w", err)
	}
	if cfg.Format.Encoding != audio.PCM16 {
		return nil, provider.Errorf(provider.KindConfig, nativeID, "start_stream",
			"unsupported input encoding %s, need pcm16", cfg.Format.Encoding)
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.Format.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}
	ch := cfg.Format.Channels
	if ch <= 0 {
		ch = 1
	}

	s := stt.NewBufferedSession(nativeID, lang, sr, ch, cfg.Flush, p.rmsThreshold,
		func(fctx context.Context, flang string, pcm []byte) (string, error) {
			return p.infer(fctx, pcm, ch, flang)
		})
	s.Start(ctx)
	return s, nil
}

// infer converts the buffered PCM audio to float32 mono, runs whisper.cpp
// inference on a fresh context, and returns the concatenated segment text.
// The bindings have no cancellation hook, so ctx is only checked up front.
func (p *NativeProvider) infer(ctx context.Context, pcm []byte, channels int, language string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	samples := floatMono(pcm, channels)

	// A whisper context is not safe for concurrent use, but creating one
	// per inference from the shared model is.
	wctx, err := p.model.NewContext()
	if err != nil {
		return "", provider.Wrap(provider.KindProvider, nativeID, "inference", err)
	}

	if err := wctx.SetLanguage(language); err != nil {
		slog.Warn("whisper: failed to set language, using model default",
			"language", language, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", provider.Wrap(provider.KindProvider, nativeID, "inference", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", provider.Wrap(provider.KindProvider, nativeID, "inference", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " "), nil
}
