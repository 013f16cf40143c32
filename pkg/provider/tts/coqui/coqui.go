// Package coqui provides a local Coqui TTS-backed TTS provider that connects
// to either a Coqui XTTS v2 server or a standard Coqui TTS server via its
// REST API. It implements the tts.Provider interface.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): targets the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is performed via GET /api/tts
//     with URL query parameters; the voice catalogue comes from GET /details.
//
//   - APIModeXTTS: targets the Coqui XTTS v2 API server. Synthesis is
//     performed via POST /tts_to_audio/ with a JSON body; the voice
//     catalogue comes from GET /studio_speakers; voice cloning is available
//     via POST /clone_speaker.
//
// Both servers operate in batch mode, one HTTP call per sentence rather
// than a streaming socket. A session therefore coalesces Speak text
// locally, and on Flush splits the utterance into sentences and dispatches
// concurrent HTTP requests with a small lookahead while emitting PCM in
// the original sentence order. Synthesis failures are per-utterance: they
// surface on the Errors channel and finish the utterance with an
// interrupted Done, leaving the session usable.
package coqui

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
	"net/url"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/aurelay/aurelay/pkg/audio"
	"github.com/aurelay/aurelay/pkg/provider"
	"github.com/aurelay/aurelay/pkg/provider/tts"
)

const (
	providerID      = "coqui"
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second

	ttsEndpoint            = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
	cloneSpeakerEndpoint   = "/clone_speaker"
	apiTTSEndpoint         = "/api/tts"
	detailsEndpoint        = "/details"

	// sentenceLookahead bounds how many HTTP synthesis requests may be
	// in flight for one utterance. Higher values hide server latency at
	// the cost of extra load.
	sentenceLookahead = 4

	// pcmChunkSize is the payload size of emitted audio frames.
	pcmChunkSize = 4096
)

// APIMode selects which Coqui server API the provider will target.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	// It supports voice cloning via /clone_speaker and voice listing via
	// /studio_speakers.
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	// This is the default mode. Voice listing is performed via /details;
	// voice cloning is not supported.
	APIModeStandard APIMode = "standard"
)

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent to the TTS server (e.g., "en",
// "de"). Individual requests can override it via the "language" key of
// Request.Overrides.
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout for calls to the TTS
// server. Defaults to 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithAPIMode sets the server API mode. Use APIModeStandard (default) for
// the standard Coqui TTS Docker image or APIModeXTTS for the XTTS v2 API
// server.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		p.apiMode = mode
	}
}

// Provider implements tts.Provider backed by a locally-running Coqui TTS
// server. It is safe for concurrent use; multiple sessions may run in
// parallel.
type Provider struct {
	serverURL  string
	language   string
	httpClient *http.Client
	apiMode    APIMode
}

var _ tts.Provider = (*Provider)(nil)

// New creates a new Coqui Provider that targets the TTS server at
// serverURL (e.g., "http://localhost:5002"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, provider.Errorf(provider.KindConfig, providerID, "new", "server URL must not be empty")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		language:  defaultLanguage,
		apiMode:   APIModeStandard,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Capabilities reports the Coqui feature set. Audio streams out sentence
// by sentence and synthesis can be cancelled, but the server takes no
// emotion or SSML input.
func (p *Provider) Capabilities() provider.CapabilitySet {
	return provider.NewCapabilitySet(
		provider.CapStreamingAudioOut,
		provider.CapBargeIn,
	)
}

// StartStream opens a synthesis session. The output is 16-bit linear PCM;
// when cfg.Format requests a specific sample rate the synthesized audio is
// resampled to it, otherwise frames carry the model's native rate.
func (p *Provider) StartStream(ctx context.Context, cfg tts.StreamConfig) (tts.SessionHandle, error) {
	if cfg.Voice.ID == "" && p.apiMode == APIModeXTTS {
		return nil, provider.Errorf(provider.KindConfig, providerID, "start_stream", "voice ID must not be empty in XTTS mode")
	}
	if cfg.Format.Encoding != audio.PCM16 {
		return nil, provider.Errorf(provider.KindConfig, providerID, "start_stream", "unsupported output encoding %s", cfg.Format.Encoding)
	}
	if cfg.Format.Channels > 1 {
		return nil, provider.Errorf(provider.KindConfig, providerID, "start_stream", "only mono output is supported")
	}

	sess := &session{
		p:          p,
		cfg:        cfg,
		targetRate: cfg.Format.SampleRate,
		audioCh:    make(chan audio.AudioFrame, 256),
		doneCh:     make(chan tts.Done, 16),
		errs:       make(chan error, 16),
		commits:    make(chan commit, 8),
		done:       make(chan struct{}),
		cancelCh:   make(chan struct{}),
	}
	sess.state.Store(int32(provider.StateConnected))

	sess.wg.Add(1)
	go sess.worker(ctx)

	return sess, nil
}

// ─── session ─────────────────────────────────────────────────────────────────

var errClosed = errors.New("session closed")

// commit is one flushed utterance handed to the worker.
type commit struct {
	text      string
	fp        tts.Fingerprint
	voice     tts.Voice
	overrides map[string]string
	cancel    chan struct{}
}

// audioResult carries synthesized PCM or an error from an HTTP goroutine.
type audioResult struct {
	pcm      []byte
	rate     int
	channels int
	err      error
}

// session implements tts.SessionHandle on top of the batch HTTP API. Text
// coalesces locally until a Flush commits it to the worker.
type session struct {
	p          *Provider
	cfg        tts.StreamConfig
	targetRate int

	audioCh chan audio.AudioFrame
	doneCh  chan tts.Done
	errs    chan error
	commits chan commit

	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
	state atomic.Int32

	mu       sync.Mutex
	pending  []string
	cancelCh chan struct{}

	// ts is owned by the worker.
	ts time.Duration
}

var _ tts.SessionHandle = (*session)(nil)

// Speak coalesces text until a request with Flush set commits the held
// utterance to the synthesis worker.
func (s *session) Speak(req tts.Request) error {
	select {
	case <-s.done:
		return &provider.Error{Kind: provider.KindTransport, Provider: providerID, Op: "speak", Err: errClosed}
	default:
	}

	eff := req.WithSessionDefaults(s.cfg)

	s.mu.Lock()
	if req.Text == "" && !req.Flush {
		s.mu.Unlock()
		return nil
	}
	if req.Text == "" && len(s.pending) == 0 && req.Flush {
		s.mu.Unlock()
		return nil
	}
	if !req.Flush {
		s.pending = append(s.pending, req.Text)
		s.mu.Unlock()
		return nil
	}

	combined := strings.Join(s.pending, "") + req.Text
	s.pending = nil
	eff.Text = combined
	c := commit{
		text:      combined,
		fp:        eff.Fingerprint(),
		voice:     eff.Voice,
		overrides: eff.Overrides,
		cancel:    s.cancelCh,
	}
	s.mu.Unlock()

	select {
	case s.commits <- c:
		return nil
	case <-s.done:
		return &provider.Error{Kind: provider.KindTransport, Provider: providerID, Op: "speak", Err: errClosed}
	}
}

// Cancel aborts the in-flight utterance and discards held text. Queued
// utterances finish promptly with an interrupted Done; utterances
// committed after Cancel are unaffected.
func (s *session) Cancel() error {
	select {
	case <-s.done:
		return &provider.Error{Kind: provider.KindTransport, Provider: providerID, Op: "cancel", Err: errClosed}
	default:
	}

	s.mu.Lock()
	s.pending = nil
	close(s.cancelCh)
	s.cancelCh = make(chan struct{})
	s.mu.Unlock()
	return nil
}

// Audio returns the channel of synthesized frames.
func (s *session) Audio() <-chan audio.AudioFrame { return s.audioCh }

// Done returns the channel of per-utterance completion events.
func (s *session) Done() <-chan tts.Done { return s.doneCh }

// Errors returns the channel of classified synthesis errors.
func (s *session) Errors() <-chan error { return s.errs }

// State reports the session's state.
func (s *session) State() provider.ConnectionState {
	return provider.ConnectionState(s.state.Load())
}

// Close terminates the session. Held text is discarded and the in-flight
// HTTP request, if any, is aborted. Always returns nil: the batch API has
// no persistent transport, so errors are per-utterance.
func (s *session) Close() error {
	s.once.Do(func() {
		s.state.CompareAndSwap(int32(provider.StateConnected), int32(provider.StateDraining))
		close(s.done)
		s.wg.Wait()
		close(s.errs)
		s.state.Store(int32(provider.StateDisconnected))
	})
	return nil
}

// report surfaces a synthesis error without blocking the worker.
func (s *session) report(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// worker processes committed utterances one at a time, preserving playback
// order, and emits exactly one Done per utterance.
func (s *session) worker(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.doneCh)
	defer close(s.audioCh)

	for {
		select {
		case <-s.done:
			return
		case c := <-s.commits:
			interrupted := s.speakOne(ctx, c)
			select {
			case s.doneCh <- tts.Done{Fingerprint: c.fp, Interrupted: interrupted}:
			case <-s.done:
				return
			}
		}
	}
}

// speakOne synthesizes one utterance: it splits the text into sentences,
// dispatches concurrent HTTP requests with bounded lookahead, and emits
// PCM in sentence order. Returns true when the utterance was cut short by
// Cancel, Close, or a synthesis failure.
func (s *session) speakOne(ctx context.Context, c commit) bool {
	uctx, ucancel := context.WithCancel(ctx)
	defer ucancel()
	go func() {
		select {
		case <-c.cancel:
			ucancel()
		case <-s.done:
			ucancel()
		case <-uctx.Done():
		}
	}()

	sentences := splitSentences(c.text)

	// futures carries ordered result channels so PCM is emitted in the
	// original sentence order while requests run concurrently.
	futures := make(chan chan audioResult, sentenceLookahead)
	go func() {
		defer close(futures)
		for _, sentence := range sentences {
			ch := make(chan audioResult, 1)
			select {
			case futures <- ch:
			case <-uctx.Done():
				return
			}
			go func(text string, out chan<- audioResult) {
				pcm, rate, channels, err := s.p.synthesize(uctx, text, c.voice, c.overrides, s.targetRate)
				out <- audioResult{pcm: pcm, rate: rate, channels: channels, err: err}
			}(sentence, ch)
		}
	}()

	for {
		select {
		case ch, ok := <-futures:
			if !ok {
				return false
			}
			select {
			case res := <-ch:
				if res.err != nil {
					if uctx.Err() != nil {
						return true
					}
					s.report(res.err)
					return true
				}
				if !s.emitPCM(uctx, res) {
					return true
				}
			case <-uctx.Done():
				return true
			}
		case <-uctx.Done():
			return true
		}
	}
}

// emitPCM chunks one sentence's PCM into frames. Returns false when the
// utterance was cancelled mid-emission.
func (s *session) emitPCM(uctx context.Context, res audioResult) bool {
	pcm := res.pcm
	for len(pcm) > 0 {
		end := min(pcmChunkSize, len(pcm))
		frame := audio.AudioFrame{
			Data:       pcm[:end],
			SampleRate: res.rate,
			Channels:   res.channels,
			Encoding:   audio.PCM16,
			Timestamp:  s.ts,
		}
		s.ts += frame.Duration()
		select {
		case s.audioCh <- frame:
		case <-uctx.Done():
			return false
		case <-s.done:
			return false
		}
		pcm = pcm[end:]
	}
	return true
}

// ─── synthesis ───────────────────────────────────────────────────────────────

// ttsRequest is the JSON body sent to POST /tts_to_audio/ (XTTS mode).
type ttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// synthesize performs one HTTP synthesis call and returns the raw PCM with
// its sample rate and channel count. When targetRate is non-zero, mono PCM
// is resampled to it.
func (p *Provider) synthesize(ctx context.Context, sentence string, voice tts.Voice, overrides map[string]string, targetRate int) ([]byte, int, int, error) {
	lang := p.language
	if o := overrides["language"]; o != "" {
		lang = o
	}

	var wav []byte
	var err error
	if p.apiMode == APIModeStandard {
		wav, err = p.fetchStandard(ctx, sentence, voice, lang)
	} else {
		wav, err = p.fetchXTTS(ctx, sentence, voice, lang)
	}
	if err != nil {
		return nil, 0, 0, err
	}

	info, err := parseWAV(wav)
	if err != nil {
		return nil, 0, 0, provider.Wrap(provider.KindProvider, providerID, "synthesize", err)
	}

	pcm := wav[info.DataOffset:]
	rate := info.SampleRate
	if targetRate > 0 && rate != targetRate && info.Channels == 1 {
		pcm = audio.ResampleMono16(pcm, rate, targetRate)
		rate = targetRate
	}
	return pcm, rate, info.Channels, nil
}

// fetchXTTS performs a single POST /tts_to_audio/ call (XTTS v2 mode) and
// returns the WAV response body.
func (p *Provider) fetchXTTS(ctx context.Context, sentence string, voice tts.Voice, lang string) ([]byte, error) {
	body := ttsRequest{
		Text:       sentence,
		SpeakerWav: voice.ID,
		Language:   lang,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, provider.Wrap(provider.KindInternal, providerID, "synthesize", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+ttsEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, provider.Wrap(provider.KindInternal, providerID, "synthesize", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")

	return p.doFetch(req)
}

// fetchStandard performs a single GET /api/tts request (standard server
// mode) using URL query parameters and returns the WAV response body.
func (p *Provider) fetchStandard(ctx context.Context, sentence string, voice tts.Voice, lang string) ([]byte, error) {
	params := url.Values{}
	params.Set("text", sentence)
	if voice.ID != "" {
		params.Set("speaker_id", voice.ID)
	}
	if lang != "" {
		params.Set("language_id", lang)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, provider.Wrap(provider.KindInternal, providerID, "synthesize", err)
	}
	req.Header.Set("Accept", "audio/wav")

	return p.doFetch(req)
}

func (p *Provider) doFetch(req *http.Request) ([]byte, error) {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, provider.Wrap(provider.KindTransport, providerID, "synthesize", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("synthesize", resp)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.Wrap(provider.KindTransport, providerID, "synthesize", err)
	}
	return wav, nil
}

// classifyStatus maps a non-200 response to the provider error taxonomy.
func classifyStatus(op string, resp *http.Response) error {
	e := &provider.Error{
		Provider: providerID,
		Op:       op,
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

// ─── voices ──────────────────────────────────────────────────────────────────

// studioSpeakersResponse is the raw map[name]any returned by GET
// /studio_speakers. Only the keys matter.
type studioSpeakersResponse map[string]json.RawMessage

// detailsResponse is the JSON body returned by GET /details (standard
// mode). Speakers is nil for single-speaker models.
type detailsResponse struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

// Voices retrieves the available voices. In APIModeXTTS it maps the studio
// speakers; in APIModeStandard it returns one voice per speaker for
// multi-speaker models, or a single voice identified by the model name.
func (p *Provider) Voices(ctx context.Context) ([]tts.Voice, error) {
	if p.apiMode == APIModeStandard {
		return p.voicesStandard(ctx)
	}
	return p.voicesXTTS(ctx)
}

func (p *Provider) voicesXTTS(ctx context.Context) ([]tts.Voice, error) {
	var raw studioSpeakersResponse
	if err := p.getJSON(ctx, studioSpeakersEndpoint, &raw); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	voices := make([]tts.Voice, 0, len(names))
	for _, name := range names {
		voices = append(voices, tts.Voice{
			ID:       name,
			Name:     name,
			Provider: providerID,
			Metadata: map[string]string{"type": "studio"},
		})
	}
	return voices, nil
}

func (p *Provider) voicesStandard(ctx context.Context) ([]tts.Voice, error) {
	var details detailsResponse
	if err := p.getJSON(ctx, detailsEndpoint, &details); err != nil {
		return nil, err
	}

	if len(details.Speakers) > 0 {
		speakers := make([]string, len(details.Speakers))
		copy(speakers, details.Speakers)
		sort.Strings(speakers)

		voices := make([]tts.Voice, 0, len(speakers))
		for _, spk := range speakers {
			voices = append(voices, tts.Voice{
				ID:       spk,
				Name:     spk,
				Provider: providerID,
				Metadata: map[string]string{
					"type":       "speaker",
					"model_name": details.ModelName,
				},
			})
		}
		return voices, nil
	}

	name := details.ModelName
	if name == "" {
		name = "default"
	}
	return []tts.Voice{
		{
			ID:       name,
			Name:     name,
			Provider: providerID,
			Metadata: map[string]string{
				"type":       "single-speaker",
				"model_name": name,
			},
		},
	}, nil
}

// getJSON performs a GET against the server and decodes the JSON response.
func (p *Provider) getJSON(ctx context.Context, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+endpoint, nil)
	if err != nil {
		return provider.Wrap(provider.KindInternal, providerID, "voices", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return provider.Wrap(provider.KindTransport, providerID, "voices", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyStatus("voices", resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return provider.Wrap(provider.KindProvider, providerID, "voices", err)
	}
	return nil
}

// ─── voice cloning ───────────────────────────────────────────────────────────

// cloneSpeakerResponse is the JSON body returned by POST /clone_speaker.
type cloneSpeakerResponse struct {
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// CloneVoice creates a new speaker voice by uploading WAV audio samples to
// the XTTS server via POST /clone_speaker. Each element of samples must be
// a complete WAV file. Cloning is an XTTS-only extension beyond the
// tts.Provider interface; in APIModeStandard it reports a capability error.
func (p *Provider) CloneVoice(ctx context.Context, samples [][]byte) (*tts.Voice, error) {
	if p.apiMode == APIModeStandard {
		return nil, provider.Unsupported(providerID, "clone_voice")
	}
	if len(samples) == 0 {
		return nil, provider.Errorf(provider.KindConfig, providerID, "clone_voice", "at least one audio sample is required")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	for i, sample := range samples {
		filename := fmt.Sprintf("sample_%02d.wav", i)
		fw, err := mw.CreateFormFile("wav_files", filepath.Base(filename))
		if err != nil {
			return nil, provider.Wrap(provider.KindInternal, providerID, "clone_voice", err)
		}
		if _, err := fw.Write(sample); err != nil {
			return nil, provider.Wrap(provider.KindInternal, providerID, "clone_voice", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, provider.Wrap(provider.KindInternal, providerID, "clone_voice", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+cloneSpeakerEndpoint, &body)
	if err != nil {
		return nil, provider.Wrap(provider.KindInternal, providerID, "clone_voice", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, provider.Wrap(provider.KindTransport, providerID, "clone_voice", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("clone_voice", resp)
	}

	var cloneResp cloneSpeakerResponse
	if err := json.NewDecoder(resp.Body).Decode(&cloneResp); err != nil {
		return nil, provider.Wrap(provider.KindProvider, providerID, "clone_voice", err)
	}
	if cloneResp.Name == "" {
		return nil, provider.Errorf(provider.KindProvider, providerID, "clone_voice", "clone response missing name")
	}

	return &tts.Voice{
		ID:       cloneResp.Name,
		Name:     cloneResp.Name,
		Provider: providerID,
		Metadata: map[string]string{"type": "cloned"},
	}, nil
}

// ─── text and WAV helpers ────────────────────────────────────────────────────

// splitSentences breaks an utterance into complete sentences, with any
// trailing fragment kept as a final sentence.
func splitSentences(text string) []string {
	var out []string
	rest := text
	for {
		idx := findSentenceBoundary(rest)
		if idx < 0 {
			break
		}
		sentence := strings.TrimSpace(rest[:idx+1])
		rest = rest[idx+1:]
		if sentence != "" {
			out = append(out, sentence)
		}
	}
	if tail := strings.TrimSpace(rest); tail != "" {
		out = append(out, tail)
	}
	return out
}

// findSentenceBoundary returns the index of the first sentence-ending
// character ('.', '!', '?') that is either at the end of s or immediately
// followed by whitespace. Returns -1 if no boundary is found.
//
// This keeps abbreviations like "Dr." and decimals like "3.14" intact when
// followed by a non-space character.
func findSentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' || c == '!' || c == '?' {
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}

// wavInfo holds the format metadata extracted from a RIFF/WAVE header.
type wavInfo struct {
	DataOffset int // byte offset of the first PCM sample
	SampleRate int // samples per second
	Channels   int // 1 = mono, 2 = stereo
}

// parseWAV scans the RIFF/WAVE container in wav and returns the data
// offset and audio format from the "fmt " sub-chunk. Walking the chunks is
// more robust than a fixed 44-byte offset because the fmt chunk size may
// vary.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 {
		return wavInfo{}, errors.New("wav response too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return wavInfo{}, errors.New("wav response missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("wav response missing WAVE identifier")
	}

	var info wavInfo
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				foundFmt = true
			}
		case "data":
			info.DataOffset = offset + 8
			if !foundFmt {
				info.SampleRate = 22050
				info.Channels = 1
			}
			return info, nil
		}

		// Chunks are word-aligned: pad by 1 if the size is odd.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return wavInfo{}, errors.New("wav response missing data chunk")
}
