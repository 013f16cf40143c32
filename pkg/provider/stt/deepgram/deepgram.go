// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
//
// Deepgram finalizes speech in segments: within one utterance it may commit
// several is_final results before marking the utterance end with speech_final.
// The session aggregates committed segments and emits exactly one final
// Transcript per utterance, so downstream turn accounting sees utterance
// boundaries rather than segment boundaries.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aurelay/aurelay/pkg/audio"
	"github.com/aurelay/aurelay/pkg/provider"
	"github.com/aurelay/aurelay/pkg/provider/stt"
	"github.com/aurelay/aurelay/pkg/types"
	"github.com/coder/websocket"
)

const (
	providerID       = "deepgram"
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en"

	// defaultEndpointing is the server-side silence window after which
	// Deepgram marks speech_final. Deepgram's own default (10ms) is tuned
	// for captioning; voice dialogue wants a longer hold.
	defaultEndpointing = 300 * time.Millisecond

	// keepAliveInterval paces KeepAlive messages so Deepgram does not drop
	// the socket during silence (it closes after ~10s without payload).
	keepAliveInterval = 5 * time.Second

	// closeGrace bounds how long Close waits for Deepgram to flush pending
	// results after CloseStream before dropping the transport.
	closeGrace = 3 * time.Second
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpointing sets the server-side silence window that closes an
// utterance. Values below 10ms are ignored by Deepgram.
func WithEndpointing(d time.Duration) Option {
	return func(p *Provider) {
		p.endpointing = d
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey      string
	model       string
	language    string
	endpointing time.Duration
}

var _ stt.Provider = (*Provider)(nil)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, provider.Errorf(provider.KindConfig, providerID, "new", "api key must not be empty")
	}
	p := &Provider{
		apiKey:      apiKey,
		model:       defaultModel,
		language:    defaultLanguage,
		endpointing: defaultEndpointing,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Capabilities reports the Deepgram streaming feature set.
func (p *Provider) Capabilities() provider.CapabilitySet {
	return provider.NewCapabilitySet(
		provider.CapStreamingAudioIn,
		provider.CapPartialTranscripts,
		provider.CapImmutableTranscripts,
		provider.CapWordTimestamps,
		provider.CapServerVAD,
	)
}

// StartStream opens a streaming transcription session with Deepgram.
// It respects cfg.Format, cfg.Language, cfg.InterimResults, cfg.Keywords,
// and cfg.IdleTimeout.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, classifyDial(resp, err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}

	sess := &session{
		conn:     conn,
		language: lang,
		partials: make(chan types.Transcript, 64),
		finals:   make(chan types.Transcript, 64),
		errs:     make(chan error, 16),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}
	sess.state.Store(int32(provider.StateConnected))
	sess.watchdog = provider.WatchIdle(cfg.IdleTimeout, conn.Ping, func() {
		sess.setErr(&provider.Error{
			Kind:     provider.KindTimeout,
			Provider: providerID,
			Op:       "read",
			Err:      provider.ErrIdleTimeout,
		})
		_ = conn.Close(websocket.StatusGoingAway, "idle timeout")
	})

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(deepgramEndpoint)
	if err != nil {
		return "", provider.Wrap(provider.KindConfig, providerID, "build_url", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.Format.SampleRate
	if sr == 0 {
		sr = 16000
	}
	enc, err := encodingParam(cfg.Format.Encoding)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", enc)
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Format.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Format.Channels))
	}
	q.Set("punctuate", "true")
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	q.Set("endpointing", strconv.FormatInt(p.endpointing.Milliseconds(), 10))

	for _, kw := range cfg.Keywords {
		// Deepgram keyword format: word:boost (e.g., "Grafana:5")
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// encodingParam maps the pipeline encoding to Deepgram's encoding parameter.
func encodingParam(e audio.Encoding) (string, error) {
	switch e {
	case audio.PCM16:
		return "linear16", nil
	case audio.MuLaw:
		return "mulaw", nil
	case audio.Opus:
		return "opus", nil
	default:
		return "", provider.Errorf(provider.KindConfig, providerID, "build_url", "unsupported input encoding %s", e)
	}
}

// classifyDial maps a failed WebSocket dial to the provider error taxonomy
// using the HTTP handshake response when one is available.
func classifyDial(resp *http.Response, err error) error {
	kind := provider.KindTransport
	var retryAfter time.Duration
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			kind = provider.KindAuth
		case http.StatusTooManyRequests:
			kind = provider.KindRateLimit
			if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
	}
	return &provider.Error{Kind: kind, Provider: providerID, Op: "connect", RetryAfter: retryAfter, Err: err}
}

// ─── session ─────────────────────────────────────────────────────────────────

var (
	errClosed    = errors.New("session closed")
	finalizeMsg  = []byte(`{"type":"Finalize"}`)
	keepAliveMsg = []byte(`{"type":"KeepAlive"}`)
	closeMsg     = []byte(`{"type":"CloseStream"}`)
)

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	conn     *websocket.Conn
	language string
	watchdog *provider.IdleWatchdog

	partials chan types.Transcript
	finals   chan types.Transcript
	errs     chan error
	audio    chan []byte

	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
	state atomic.Int32

	// agg is owned by readLoop; no other goroutine touches it.
	agg aggregator

	errMu   sync.Mutex
	lastErr error
}

var _ stt.SessionHandle = (*session)(nil)

// SendAudio queues a raw audio chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return &provider.Error{Kind: provider.KindTransport, Provider: providerID, Op: "send_audio", Err: errClosed}
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return &provider.Error{Kind: provider.KindTransport, Provider: providerID, Op: "send_audio", Err: errClosed}
	}
}

// ForceEndpoint sends a Finalize message, making Deepgram commit whatever it
// is holding. The resulting final arrives on Finals like any other.
func (s *session) ForceEndpoint() error {
	select {
	case <-s.done:
		return &provider.Error{Kind: provider.KindTransport, Provider: providerID, Op: "force_endpoint", Err: errClosed}
	default:
	}
	if err := s.conn.Write(context.Background(), websocket.MessageText, finalizeMsg); err != nil {
		return provider.Wrap(provider.KindTransport, providerID, "force_endpoint", err)
	}
	return nil
}

// SendText is not supported: the listen endpoint takes audio only.
func (s *session) SendText(hint string) error {
	return provider.Unsupported(providerID, "send_text")
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan types.Transcript { return s.partials }

// Finals returns the channel of per-utterance final transcripts.
func (s *session) Finals() <-chan types.Transcript { return s.finals }

// Errors returns the channel of classified session errors.
func (s *session) Errors() <-chan error { return s.errs }

// SetKeywords is not supported mid-stream by Deepgram; keyword changes take
// effect on the next StartStream.
func (s *session) SetKeywords(keywords []types.KeywordBoost) error {
	return provider.Unsupported(providerID, "set_keywords")
}

// UpdateConfig is not supported: Deepgram fixes the stream configuration in
// the connect query string.
func (s *session) UpdateConfig(delta stt.ConfigDelta) error {
	return provider.Unsupported(providerID, "update_config")
}

// State reports the session's transport state.
func (s *session) State() provider.ConnectionState {
	return provider.ConnectionState(s.state.Load())
}

// Close terminates the session cleanly. It asks Deepgram to flush pending
// audio, waits up to closeGrace for the flush, then drops the transport.
// The first call returns any transport error the session died with;
// subsequent calls return nil.
func (s *session) Close() error {
	var err error
	first := false
	s.once.Do(func() {
		first = true
		s.state.CompareAndSwap(int32(provider.StateConnected), int32(provider.StateDraining))
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageText, closeMsg)

		flushed := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(flushed)
		}()
		select {
		case <-flushed:
		case <-time.After(closeGrace):
		}
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		<-flushed
		close(s.errs)
		err = s.takeErr()
		if err == nil {
			s.state.Store(int32(provider.StateDisconnected))
		}
	})
	if !first {
		return nil
	}
	return err
}

// setErr records the first fatal error, marks the session failed, and
// surfaces the error on the Errors channel without blocking the I/O loops.
func (s *session) setErr(err error) {
	s.errMu.Lock()
	if s.lastErr == nil {
		s.lastErr = err
	}
	s.errMu.Unlock()
	s.state.Store(int32(provider.StateFailed))
	select {
	case s.errs <- err:
	default:
	}
}

func (s *session) takeErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

// writeLoop forwards queued audio as binary messages and paces KeepAlives
// so the connection survives long silences.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				s.setErr(provider.Wrap(provider.KindTransport, providerID, "send_audio", err))
				return
			}
		case <-ticker.C:
			if err := s.conn.Write(ctx, websocket.MessageText, keepAliveMsg); err != nil {
				s.setErr(provider.Wrap(provider.KindTransport, providerID, "keepalive", err))
				return
			}
		case <-s.done:
			// Drain queued audio before exiting so CloseStream flushes it.
			for {
				select {
				case chunk := <-s.audio:
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from Deepgram, aggregates finalized
// segments, and dispatches transcripts to the partials and finals channels.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)
	defer s.watchdog.Stop()

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				// Normal teardown.
			default:
				s.setErr(provider.Wrap(provider.KindTransport, providerID, "read", err))
			}
			return
		}
		s.watchdog.Reset()

		res, ok := parseResponse(msg)
		if !ok {
			continue
		}
		res.tr.ProviderID = providerID
		res.tr.Language = s.language

		if !res.tr.IsFinal {
			s.emit(s.partials, res.tr)
			continue
		}

		s.agg.add(res.tr)
		if res.speechFinal || res.fromFinalize {
			if fin, have := s.agg.flush(); have {
				s.emit(s.finals, fin)
			}
		}
	}
}

func (s *session) emit(ch chan types.Transcript, t types.Transcript) {
	select {
	case ch <- t:
	case <-s.done:
	}
}

// ─── response parsing ────────────────────────────────────────────────────────

// listenResponse is the JSON structure returned by Deepgram for a Results event.
type listenResponse struct {
	Type         string  `json:"type"`
	IsFinal      bool    `json:"is_final"`
	SpeechFinal  bool    `json:"speech_final"`
	FromFinalize bool    `json:"from_finalize"`
	Start        float64 `json:"start"`
	Duration     float64 `json:"duration"`
	Channel      struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// result is one parsed Results message plus the endpoint flags that drive
// segment aggregation.
type result struct {
	tr           types.Transcript
	speechFinal  bool
	fromFinalize bool
}

// parseResponse parses a raw Deepgram WebSocket message. Returns (result,
// true) on a usable Results message, or (zero, false) if the message should
// be ignored (Metadata, SpeechStarted, empty alternatives, bad JSON).
func parseResponse(data []byte) (result, bool) {
	var resp listenResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return result{}, false
	}
	if resp.Type != "Results" {
		return result{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return result{}, false
	}

	alt := resp.Channel.Alternatives[0]
	words := make([]types.WordDetail, 0, len(alt.Words))
	for _, w := range alt.Words {
		words = append(words, types.WordDetail{
			Word:       w.Word,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			Confidence: w.Confidence,
		})
	}

	return result{
		tr: types.Transcript{
			Text:       alt.Transcript,
			IsFinal:    resp.IsFinal,
			Confidence: alt.Confidence,
			Words:      words,
			Start:      time.Duration(resp.Start * float64(time.Second)),
			End:        time.Duration((resp.Start + resp.Duration) * float64(time.Second)),
		},
		speechFinal:  resp.SpeechFinal,
		fromFinalize: resp.FromFinalize,
	}, true
}

// ─── segment aggregation ─────────────────────────────────────────────────────

// aggregator combines Deepgram's per-segment finals into one final per
// utterance. Deepgram commits segments incrementally (is_final) and marks
// the utterance boundary separately (speech_final / from_finalize).
type aggregator struct {
	segs []types.Transcript
}

// add records a committed segment. Empty segments (silence finalization)
// are dropped.
func (a *aggregator) add(t types.Transcript) {
	if strings.TrimSpace(t.Text) == "" {
		return
	}
	a.segs = append(a.segs, t)
}

// flush combines the accumulated segments into a single utterance-level
// Transcript. Returns false when no non-empty segment was seen, so silent
// utterances never surface downstream.
func (a *aggregator) flush() (types.Transcript, bool) {
	if len(a.segs) == 0 {
		return types.Transcript{}, false
	}

	texts := make([]string, 0, len(a.segs))
	var (
		words []types.WordDetail
		conf  float64
	)
	for _, seg := range a.segs {
		texts = append(texts, seg.Text)
		words = append(words, seg.Words...)
		conf += seg.Confidence
	}

	first, last := a.segs[0], a.segs[len(a.segs)-1]
	out := types.Transcript{
		Text:       strings.Join(texts, " "),
		IsFinal:    true,
		Confidence: conf / float64(len(a.segs)),
		Words:      words,
		Language:   first.Language,
		ProviderID: first.ProviderID,
		Start:      first.Start,
		End:        last.End,
	}
	a.segs = nil
	return out, true
}
