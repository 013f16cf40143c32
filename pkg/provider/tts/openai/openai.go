// Package openai provides a TTS provider backed by the OpenAI speech API
// via the official Go SDK. The default model is gpt-4o-mini-tts, which
// accepts free-text delivery instructions; tts-1 and tts-1-hd are
// supported but ignore instructions.
//
// The speech endpoint is a batch API with a streamed response body: one
// HTTP call per utterance, audio bytes arriving as they are generated. A
// session therefore coalesces Speak text locally and commits one utterance
// per Flush, chunking the response stream into PCM frames. The API's raw
// PCM output is fixed at 24 kHz mono 16-bit; sessions requesting another
// rate are rejected, and callers that need one convert downstream with
// audio.ConvertStream.
package openai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/aurelay/aurelay/pkg/audio"
	"github.com/aurelay/aurelay/pkg/provider"
	"github.com/aurelay/aurelay/pkg/provider/tts"
)

const (
	providerID = "openai"

	// nativeRate is the sample rate of the speech API's pcm response
	// format. The endpoint offers no other rate.
	nativeRate = 24000

	// pcmChunkSize is the payload size of emitted audio frames.
	pcmChunkSize = 4096
)

// DefaultModel accepts delivery instructions, unlike the tts-1 family.
const DefaultModel = oai.SpeechModelGPT4oMiniTTS

// DefaultVoice is used when the stream config names no voice.
const DefaultVoice = "alloy"

// config holds optional configuration for the provider.
type config struct {
	model   string
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithModel sets the speech model (gpt-4o-mini-tts, tts-1, tts-1-hd).
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// Provider implements tts.Provider using the OpenAI speech API.
type Provider struct {
	client oai.Client
	model  string
}

var _ tts.Provider = (*Provider)(nil)

// New constructs an OpenAI TTS Provider. apiKey must not be empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, provider.Errorf(provider.KindConfig, providerID, "new", "API key must not be empty")
	}

	cfg := &config{model: DefaultModel}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// Retrying is the resilience layer's job; stacked SDK retries
		// would multiply its backoff schedule.
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: cfg.model}, nil
}

// Capabilities reports the OpenAI speech feature set. Instructions are the
// emotion surface; there is no SSML input.
func (p *Provider) Capabilities() provider.CapabilitySet {
	return provider.NewCapabilitySet(
		provider.CapStreamingAudioOut,
		provider.CapEmotion,
		provider.CapBargeIn,
	)
}

// StartStream opens a synthesis session. cfg.Format must be 24 kHz mono
// PCM or zero; the endpoint's raw output rate is not negotiable.
func (p *Provider) StartStream(ctx context.Context, cfg tts.StreamConfig) (tts.SessionHandle, error) {
	if cfg.Format.Encoding != audio.PCM16 {
		return nil, provider.Errorf(provider.KindConfig, providerID, "start_stream", "unsupported output encoding %s", cfg.Format.Encoding)
	}
	if cfg.Format.Channels > 1 {
		return nil, provider.Errorf(provider.KindConfig, providerID, "start_stream", "only mono output is supported")
	}
	if cfg.Format.SampleRate != 0 && cfg.Format.SampleRate != nativeRate {
		return nil, provider.Errorf(provider.KindConfig, providerID, "start_stream", "speech output is fixed at %d Hz, got %d", nativeRate, cfg.Format.SampleRate)
	}
	if cfg.Voice.ID == "" {
		cfg.Voice.ID = DefaultVoice
	}
	cfg.Format = audio.Format{SampleRate: nativeRate, Channels: 1, Encoding: audio.PCM16}

	sess := &session{
		p:        p,
		cfg:      cfg,
		audioCh:  make(chan audio.AudioFrame, 256),
		doneCh:   make(chan tts.Done, 16),
		errs:     make(chan error, 16),
		commits:  make(chan commit, 8),
		done:     make(chan struct{}),
		cancelCh: make(chan struct{}),
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
	text         string
	fp           tts.Fingerprint
	voice        tts.Voice
	instructions string
	cancel       chan struct{}
}

// session implements tts.SessionHandle over the speech endpoint. Text
// coalesces locally until a Flush commits it to the worker.
type session struct {
	p   *Provider
	cfg tts.StreamConfig

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
		text:         combined,
		fp:           eff.Fingerprint(),
		voice:        eff.Voice,
		instructions: eff.Instructions,
		cancel:       s.cancelCh,
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
// request, if any, is aborted. Always returns nil: there is no persistent
// transport, so errors are per-utterance.
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

// speakOne synthesizes one utterance with a single speech call, streaming
// the response body into frames as bytes arrive. Returns true when the
// utterance was cut short by Cancel, Close, or a synthesis failure.
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

	params := oai.AudioSpeechNewParams{
		Model:          s.p.model,
		Input:          c.text,
		Voice:          oai.AudioSpeechNewParamsVoice(c.voice.ID),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if c.instructions != "" {
		params.Instructions = param.NewOpt(c.instructions)
	}
	if c.voice.SpeedFactor > 0 {
		params.Speed = param.NewOpt(c.voice.SpeedFactor)
	}

	res, err := s.p.client.Audio.Speech.New(uctx, params)
	if err != nil {
		if uctx.Err() != nil {
			return true
		}
		s.report(classifyAPIError("synthesize", err))
		return true
	}
	defer res.Body.Close()

	return s.streamBody(uctx, res.Body)
}

// streamBody chunks the raw PCM response into frames, carrying a leftover
// byte across reads so frame payloads stay sample-aligned. Returns true on
// interruption.
func (s *session) streamBody(uctx context.Context, body io.Reader) bool {
	buf := make([]byte, pcmChunkSize)
	carry := 0
	for {
		m, rerr := body.Read(buf[carry:])
		total := carry + m
		usable := total &^ 1
		if usable > 0 {
			data := make([]byte, usable)
			copy(data, buf[:usable])
			frame := audio.AudioFrame{
				Data:       data,
				SampleRate: nativeRate,
				Channels:   1,
				Encoding:   audio.PCM16,
				Timestamp:  s.ts,
			}
			s.ts += frame.Duration()
			select {
			case s.audioCh <- frame:
			case <-uctx.Done():
				return true
			case <-s.done:
				return true
			}
		}
		if total > usable {
			buf[0] = buf[usable]
			carry = 1
		} else {
			carry = 0
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return false
			}
			if uctx.Err() != nil {
				return true
			}
			s.report(provider.Wrap(provider.KindTransport, providerID, "synthesize", rerr))
			return true
		}
	}
}

// classifyAPIError maps an SDK error to the provider error taxonomy.
func classifyAPIError(op string, err error) error {
	e := &provider.Error{Kind: provider.KindTransport, Provider: providerID, Op: op, Err: err}

	var apiErr *oai.Error
	switch {
	case errors.As(err, &apiErr):
		switch {
		case apiErr.StatusCode == http.StatusBadRequest:
			e.Kind = provider.KindConfig
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			e.Kind = provider.KindAuth
		case apiErr.StatusCode == http.StatusTooManyRequests:
			e.Kind = provider.KindRateLimit
			if apiErr.Response != nil {
				if secs, convErr := strconv.Atoi(apiErr.Response.Header.Get("Retry-After")); convErr == nil && secs > 0 {
					e.RetryAfter = time.Duration(secs) * time.Second
				}
			}
		case apiErr.StatusCode >= 500:
			e.Kind = provider.KindProvider
			e.Retryable = true
		default:
			e.Kind = provider.KindProvider
		}
	case errors.Is(err, context.DeadlineExceeded):
		e.Kind = provider.KindTimeout
	}
	return e
}

// ─── voices ──────────────────────────────────────────────────────────────────

// catalogue is the fixed voice set of the speech API, which has no listing
// endpoint.
var catalogue = []struct {
	id, name, desc string
}{
	{"alloy", "Alloy", "neutral"},
	{"ash", "Ash", "warm male"},
	{"ballad", "Ballad", "calm"},
	{"coral", "Coral", "bright female"},
	{"echo", "Echo", "male"},
	{"fable", "Fable", "British accent"},
	{"nova", "Nova", "female"},
	{"onyx", "Onyx", "deep male"},
	{"sage", "Sage", "soft"},
	{"shimmer", "Shimmer", "soft female"},
}

// Voices returns the speech API's built-in voice catalogue.
func (p *Provider) Voices(ctx context.Context) ([]tts.Voice, error) {
	out := make([]tts.Voice, 0, len(catalogue))
	for _, v := range catalogue {
		out = append(out, tts.Voice{
			ID:       v.id,
			Name:     v.name,
			Provider: providerID,
			Metadata: map[string]string{"description": v.desc},
		})
	}
	return out, nil
}
