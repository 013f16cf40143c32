package plugin

import (
	"context"
	"encoding/base64"
	"fmt"
	"slices"

	"github.com/aurelay/aurelay/pkg/audio"
	"github.com/aurelay/aurelay/pkg/provider"
	"github.com/aurelay/aurelay/pkg/provider/stt"
)

// sttAdapter implements stt.Provider over the plugin's transcribe tool.
// Transcription is buffered: PCM accumulates locally and one tool call is
// made per utterance, so the plugin never needs a streaming surface.
type sttAdapter struct {
	h    *Host
	id   string
	decl STTDecl
}

var _ stt.Provider = (*sttAdapter)(nil)

// Capabilities reports the batch-engine feature set: finals are immutable
// and nothing else is on offer.
func (a *sttAdapter) Capabilities() provider.CapabilitySet {
	return provider.NewCapabilitySet(provider.CapImmutableTranscripts)
}

// StartStream opens a buffered transcription session. It respects
// cfg.Format, cfg.Language, and cfg.Flush; the language must be one the
// plugin declared, when it declared any.
func (a *sttAdapter) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("plugin: start stream: %w", err)
	}
	if cfg.Format.Encoding != audio.PCM16 {
		return nil, provider.Errorf(provider.KindConfig, a.id, "start_stream",
			"unsupported input encoding %s, need pcm16", cfg.Format.Encoding)
	}
	if cfg.Language != "" && len(a.decl.Languages) > 0 && !slices.Contains(a.decl.Languages, cfg.Language) {
		return nil, provider.Errorf(provider.KindConfig, a.id, "start_stream",
			"language %q not offered by plugin", cfg.Language)
	}

	lang := cfg.Language
	if lang == "" && len(a.decl.Languages) > 0 {
		lang = a.decl.Languages[0]
	}
	sr := cfg.Format.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}
	ch := cfg.Format.Channels
	if ch <= 0 {
		ch = 1
	}

	s := stt.NewBufferedSession(a.id, lang, sr, ch, cfg.Flush, defaultRMSThreshold,
		func(fctx context.Context, flang string, pcm []byte) (string, error) {
			return a.transcribe(fctx, flang, pcm, sr, ch)
		})
	s.Start(ctx)
	return s, nil
}

// transcribe submits one utterance to the plugin's transcribe tool and
// returns the recognized text.
func (a *sttAdapter) transcribe(ctx context.Context, language string, pcm []byte, sampleRate, channels int) (string, error) {
	args := map[string]any{
		"audio":       base64.StdEncoding.EncodeToString(pcm),
		"sample_rate": sampleRate,
		"channels":    channels,
	}
	if language != "" {
		args["language"] = language
	}

	text, err := a.h.callTool(ctx, transcribeTool, args)
	if err != nil {
		return "", classifyCallErr(a.id, "transcribe", err)
	}
	return text, nil
}
