// Package whisper provides whisper.cpp-backed STT providers.
//
// whisper.cpp is a batch engine: it transcribes a complete utterance per
// request and has no streaming mode. Both providers in this package
// therefore buffer incoming PCM locally and submit utterances on flush.
// When each flush happens is governed by stt.FlushConfig: the default is a
// single transcription when the session closes; size, interval, and
// silence-endpointing triggers are available for mid-session results.
// ForceEndpoint flushes immediately regardless of strategy.
//
// [Provider] talks to a running whisper-server binary over its REST API
// (POST /inference). [NativeProvider] links whisper.cpp directly through
// its CGO bindings, trading build complexity for lower latency.
//
// Buffered transcription emits finals only — there are no interim results
// to report, so Partials never delivers and CapPartialTranscripts is not
// declared.
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/aurelay/aurelay/pkg/audio"
	"github.com/aurelay/aurelay/pkg/provider"
	"github.com/aurelay/aurelay/pkg/provider/stt"
)

const (
	whisperID = "whisper"

	// bitsPerSample is fixed at 16 for the signed little-endian PCM audio
	// that whisper.cpp expects.
	bitsPerSample = 16

	// defaultRMSThreshold is the root-mean-square energy level (in 16-bit
	// PCM units, max 32767) below which audio counts as silent. 300 is
	// near-silence.
	defaultRMSThreshold = 300.0

	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper-server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with — this is the default.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code sent to the whisper-server
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithRMSThreshold overrides the energy level below which audio counts as
// silent, in 16-bit PCM units. Raise it in noisy capture environments.
func WithRMSThreshold(rms float64) Option {
	return func(p *Provider) {
		p.rmsThreshold = rms
	}
}

// WithHTTPClient replaces the HTTP client used for inference requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider backed by a whisper-server REST
// endpoint. Multiple sessions may be open simultaneously; each session
// maintains its own buffer and goroutine.
type Provider struct {
	serverURL    string
	model        string
	language     string
	rmsThreshold float64
	httpClient   *http.Client
}

var _ stt.Provider = (*Provider)(nil)

// New creates a Provider that connects to the whisper-server at serverURL
// (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, provider.Errorf(provider.KindConfig, whisperID, "new", "server URL must not be empty")
	}
	p := &Provider{
		serverURL:    serverURL,
		language:     defaultLanguage,
		rmsThreshold: defaultRMSThreshold,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Capabilities reports the batch-engine feature set: finals are immutable,
// and nothing else is on offer.
func (p *Provider) Capabilities() provider.CapabilitySet {
	return provider.NewCapabilitySet(provider.CapImmutableTranscripts)
}

// StartStream opens a new transcription session. The returned SessionHandle
// is ready to accept audio immediately; no network connection is
// established until the first flush. It respects cfg.Format, cfg.Language,
// and cfg.Flush.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: start stream: %w", err)
	}
	if cfg.Format.Encoding != audio.PCM16 {
		return nil, provider.Errorf(provider.KindConfig, whisperID, "start_stream",
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

	s := stt.NewBufferedSession(whisperID, lang, sr, ch, cfg.Flush, p.rmsThreshold,
		func(fctx context.Context, flang string, pcm []byte) (string, error) {
			return p.infer(fctx, pcm, sr, ch, flang)
		})
	s.Start(ctx)
	return s, nil
}

// infer encodes pcm as a WAV file and POSTs it to the whisper-server
// /inference endpoint as multipart/form-data.
func (p *Provider) infer(ctx context.Context, pcm []byte, sampleRate, channels int, language string) (string, error) {
	wav := encodeWAV(pcm, sampleRate, channels)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", provider.Wrap(provider.KindInternal, whisperID, "inference", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", provider.Wrap(provider.KindInternal, whisperID, "inference", err)
	}
	if language != "" {
		if err := mw.WriteField("language", language); err != nil {
			return "", provider.Wrap(provider.KindInternal, whisperID, "inference", err)
		}
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return "", provider.Wrap(provider.KindInternal, whisperID, "inference", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", provider.Wrap(provider.KindInternal, whisperID, "inference", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return "", provider.Wrap(provider.KindInternal, whisperID, "inference", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		kind := provider.KindTransport
		if errors.Is(err, context.DeadlineExceeded) {
			kind = provider.KindTimeout
		}
		return "", provider.Wrap(kind, whisperID, "inference", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", provider.Wrap(provider.KindTransport, whisperID, "inference", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", provider.Wrap(provider.KindProvider, whisperID, "inference", err)
	}
	return result.Text, nil
}

// classifyStatus maps a non-200 inference response to the error taxonomy.
func classifyStatus(resp *http.Response) error {
	e := &provider.Error{
		Provider: whisperID,
		Op:       "inference",
		Err:      fmt.Errorf("server returned HTTP %d", resp.StatusCode),
	}
	switch {
	case resp.StatusCode == http.StatusBadRequest:
		e.Kind = provider.KindConfig
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e.Kind = provider.KindAuth
	case resp.StatusCode == http.StatusRequestTimeout:
		e.Kind = provider.KindTimeout
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Kind = provider.KindRateLimit
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	case resp.StatusCode >= 500:
		e.Kind = provider.KindProvider
		e.Retryable = true
	default:
		e.Kind = provider.KindProvider
	}
	return e
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// encodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container, suitable for direct inclusion in a multipart upload.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)      // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
