// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs multi-context streaming WebSocket API. It implements the
// tts.Provider interface.
//
// Each committed utterance maps to one WebSocket context: Speak calls
// without Flush append text to the open context, Flush commits it, and
// Cancel closes every live context. Only one context is on the wire at a
// time so that the Audio channel stays in playback order; utterances
// committed while another is still generating are queued locally and sent
// when the wire clears.
//
// ElevenLabs drops idle sockets after inactivity_timeout, which this
// package pins to the API maximum of 180s. A session idle longer than that
// surfaces a transport error; reconnecting is the caller's job.
package elevenlabs

import (
	"context"
	"encoding/base64"
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
	"github.com/aurelay/aurelay/pkg/provider/tts"
	"github.com/coder/websocket"
)

const (
	providerID   = "elevenlabs"
	defaultBase  = "wss://api.elevenlabs.io"
	defaultModel = "eleven_flash_v2_5"

	// inactivityTimeout is the idle ceiling requested from ElevenLabs.
	// 180s is the maximum the API accepts.
	inactivityTimeout = 180 * time.Second

	// closeGrace bounds how long Close waits for ElevenLabs to finish the
	// in-flight context after close_socket before dropping the transport.
	closeGrace = 3 * time.Second
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithBaseURL overrides the WebSocket endpoint base, for testing against a
// local server. The REST endpoints are derived from it by scheme swap.
func WithBaseURL(base string) Option {
	return func(p *Provider) {
		p.baseURL = base
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, provider.Errorf(provider.KindConfig, providerID, "new", "api key must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		baseURL:    defaultBase,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Capabilities reports the ElevenLabs streaming feature set.
func (p *Provider) Capabilities() provider.CapabilitySet {
	return provider.NewCapabilitySet(
		provider.CapStreamingAudioOut,
		provider.CapEmotion,
		provider.CapBargeIn,
	)
}

// StartStream opens a multi-context synthesis session for the given voice.
// The voice is fixed for the session's lifetime; per-request voice
// overrides are ignored.
func (p *Provider) StartStream(ctx context.Context, cfg tts.StreamConfig) (tts.SessionHandle, error) {
	if cfg.Voice.ID == "" {
		return nil, provider.Errorf(provider.KindConfig, providerID, "start_stream", "voice ID must not be empty")
	}
	outFmt, eff, err := outputFormatParam(cfg.Format)
	if err != nil {
		return nil, err
	}

	wsURL, err := p.buildWSURL(cfg.Voice.ID, outFmt)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("xi-api-key", p.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, classifyDial(resp, err)
	}

	cfg.Format = eff
	sess := &session{
		conn:    conn,
		cfg:     cfg,
		audioCh: make(chan audio.AudioFrame, 256),
		doneCh:  make(chan tts.Done, 16),
		errs:    make(chan error, 16),
		done:    make(chan struct{}),
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

	sess.wg.Add(1)
	go sess.readLoop(ctx)

	return sess, nil
}

// buildWSURL constructs the multi-context streaming endpoint URL.
func (p *Provider) buildWSURL(voiceID, outFmt string) (string, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return "", provider.Wrap(provider.KindConfig, providerID, "build_url", err)
	}
	u.Path = fmt.Sprintf("/v1/text-to-speech/%s/multi-stream-input", voiceID)

	q := u.Query()
	q.Set("model_id", p.model)
	q.Set("output_format", outFmt)
	q.Set("inactivity_timeout", strconv.Itoa(int(inactivityTimeout.Seconds())))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// outputFormatParam maps the requested output format to ElevenLabs'
// output_format parameter and returns the effective format of emitted
// frames. A zero format defaults to 16kHz mono linear PCM.
func outputFormatParam(f audio.Format) (string, audio.Format, error) {
	if f.Channels > 1 {
		return "", audio.Format{}, provider.Errorf(provider.KindConfig, providerID, "start_stream", "only mono output is supported")
	}
	eff := f
	eff.Channels = 1

	switch f.Encoding {
	case audio.PCM16:
		sr := f.SampleRate
		if sr == 0 {
			sr = 16000
		}
		switch sr {
		case 8000, 16000, 22050, 24000, 44100:
		default:
			return "", audio.Format{}, provider.Errorf(provider.KindConfig, providerID, "start_stream", "unsupported PCM sample rate %d", sr)
		}
		eff.SampleRate = sr
		return fmt.Sprintf("pcm_%d", sr), eff, nil
	case audio.MuLaw:
		if f.SampleRate != 0 && f.SampleRate != 8000 {
			return "", audio.Format{}, provider.Errorf(provider.KindConfig, providerID, "start_stream", "mulaw output is 8kHz only")
		}
		eff.SampleRate = 8000
		return "ulaw_8000", eff, nil
	case audio.MP3:
		if f.SampleRate != 0 && f.SampleRate != 44100 {
			return "", audio.Format{}, provider.Errorf(provider.KindConfig, providerID, "start_stream", "mp3 output is 44.1kHz only")
		}
		eff.SampleRate = 44100
		return "mp3_44100_128", eff, nil
	default:
		return "", audio.Format{}, provider.Errorf(provider.KindConfig, providerID, "start_stream", "unsupported output encoding %s", f.Encoding)
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

// ─── WebSocket message types ─────────────────────────────────────────────────

// contextMessage is the JSON payload for all context operations: text
// append (with voice_settings on the context's first message), flush, and
// close_context.
type contextMessage struct {
	Text          string         `json:"text,omitempty"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	ContextID     string         `json:"context_id"`
	Flush         bool           `json:"flush,omitempty"`
	CloseContext  bool           `json:"close_context,omitempty"`
}

// socketMessage ends the connection once all contexts are processed.
type socketMessage struct {
	CloseSocket bool `json:"close_socket"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
}

// settingsFor converts the request delivery triple to wire settings,
// falling back to the ElevenLabs recommended defaults.
func settingsFor(vs *tts.VoiceSettings) *voiceSettings {
	out := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	if vs != nil {
		out.Stability = vs.Stability
		out.SimilarityBoost = vs.SimilarityBoost
		out.Style = vs.Style
	}
	return out
}

// contextResponse is the JSON message received over the WebSocket.
type contextResponse struct {
	Audio     string `json:"audio"` // base64-encoded payload
	ContextID string `json:"contextId"`
	IsFinal   bool   `json:"isFinal"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ─── session ─────────────────────────────────────────────────────────────────

var errClosed = errors.New("session closed")

// group is one utterance: the texts coalesced into it, the settings of its
// first request, and once committed, its fingerprint.
type group struct {
	id       string
	parts    []string
	settings *voiceSettings
	fp       tts.Fingerprint

	// onWire is true once the group's messages have been sent to
	// ElevenLabs. Only one group is on the wire at a time.
	onWire bool
}

// session is a live multi-context session. It implements tts.SessionHandle.
type session struct {
	conn     *websocket.Conn
	cfg      tts.StreamConfig
	watchdog *provider.IdleWatchdog

	audioCh chan audio.AudioFrame
	doneCh  chan tts.Done
	errs    chan error

	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
	state atomic.Int32

	mu     sync.Mutex
	open   *group   // accepting coalesced text, not yet committed
	live   *group   // committed and generating, awaiting isFinal
	sendq  []*group // committed while another group held the wire
	ctxSeq int

	// ts is owned by readLoop.
	ts time.Duration

	errMu   sync.Mutex
	lastErr error
}

var _ tts.SessionHandle = (*session)(nil)

// Speak appends text to the open utterance and, with req.Flush set,
// commits it. The session voice is fixed; req.Voice is ignored.
func (s *session) Speak(req tts.Request) error {
	select {
	case <-s.done:
		return &provider.Error{Kind: provider.KindTransport, Provider: providerID, Op: "speak", Err: errClosed}
	default:
	}

	eff := req.WithSessionDefaults(s.cfg)

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Text == "" && !req.Flush {
		return nil
	}
	if req.Text == "" && s.open == nil {
		// Flush with nothing held: no utterance to commit.
		return nil
	}

	if s.open == nil {
		s.ctxSeq++
		s.open = &group{
			id:       fmt.Sprintf("ctx-%d", s.ctxSeq),
			settings: settingsFor(eff.Settings),
			onWire:   s.live == nil && len(s.sendq) == 0,
		}
		if s.open.onWire {
			msg := contextMessage{Text: req.Text, VoiceSettings: s.open.settings, ContextID: s.open.id}
			if err := s.send("speak", msg); err != nil {
				return err
			}
		}
		s.open.parts = append(s.open.parts, req.Text)
	} else if req.Text != "" {
		if s.open.onWire {
			if err := s.send("speak", contextMessage{Text: req.Text, ContextID: s.open.id}); err != nil {
				return err
			}
		}
		s.open.parts = append(s.open.parts, req.Text)
	}

	if !req.Flush {
		return nil
	}

	// Commit. The fingerprint covers the combined text with this request's
	// remaining fields, so duplicate detection sees the utterance the
	// provider actually synthesizes.
	g := s.open
	s.open = nil
	eff.Text = strings.Join(g.parts, "")
	g.fp = eff.Fingerprint()

	if g.onWire {
		if err := s.send("speak", contextMessage{ContextID: g.id, Flush: true}); err != nil {
			return err
		}
		s.live = g
	} else {
		s.sendq = append(s.sendq, g)
	}
	return nil
}

// Cancel closes every live context: the open coalescing group is discarded
// without a Done, committed utterances get a Done with Interrupted set.
func (s *session) Cancel() error {
	select {
	case <-s.done:
		return &provider.Error{Kind: provider.KindTransport, Provider: providerID, Op: "cancel", Err: errClosed}
	default:
	}

	s.mu.Lock()
	if s.open != nil {
		if s.open.onWire {
			_ = s.send("cancel", contextMessage{ContextID: s.open.id, CloseContext: true})
		}
		s.open = nil
	}
	var interrupted []tts.Fingerprint
	if s.live != nil {
		_ = s.send("cancel", contextMessage{ContextID: s.live.id, CloseContext: true})
		interrupted = append(interrupted, s.live.fp)
		s.live = nil
	}
	for _, g := range s.sendq {
		interrupted = append(interrupted, g.fp)
	}
	s.sendq = nil
	s.mu.Unlock()

	for _, fp := range interrupted {
		s.emitDone(tts.Done{Fingerprint: fp, Interrupted: true})
	}
	return nil
}

// Audio returns the channel of synthesized frames.
func (s *session) Audio() <-chan audio.AudioFrame { return s.audioCh }

// Done returns the channel of per-utterance completion events.
func (s *session) Done() <-chan tts.Done { return s.doneCh }

// Errors returns the channel of classified session errors.
func (s *session) Errors() <-chan error { return s.errs }

// State reports the session's transport state.
func (s *session) State() provider.ConnectionState {
	return provider.ConnectionState(s.state.Load())
}

// Close terminates the session. Uncommitted text is discarded; ElevenLabs
// gets closeGrace to finish the in-flight context before the transport is
// dropped. The first call returns any error the session died with;
// subsequent calls return nil.
func (s *session) Close() error {
	var err error
	first := false
	s.once.Do(func() {
		first = true
		s.state.CompareAndSwap(int32(provider.StateConnected), int32(provider.StateDraining))

		s.mu.Lock()
		if s.open != nil {
			if s.open.onWire {
				_ = s.send("close", contextMessage{ContextID: s.open.id, CloseContext: true})
			}
			s.open = nil
		}
		s.sendq = nil
		_ = s.send("close", socketMessage{CloseSocket: true})
		s.mu.Unlock()

		close(s.done)

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

// send marshals v and writes it as a text frame. Callers hold mu, which
// also serializes writes against each other.
func (s *session) send(op string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return provider.Wrap(provider.KindInternal, providerID, op, err)
	}
	if err := s.conn.Write(context.Background(), websocket.MessageText, b); err != nil {
		return provider.Wrap(provider.KindTransport, providerID, op, err)
	}
	return nil
}

// setErr records the first fatal error, marks the session failed, and
// surfaces the error on the Errors channel without blocking the read loop.
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

// report surfaces a non-fatal error on the Errors channel.
func (s *session) report(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// readLoop receives context responses, forwards audio for the wire group,
// and converts isFinal into Done events. When the live context finishes it
// puts the next queued utterance on the wire.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.audioCh)
	defer close(s.doneCh)
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

		var resp contextResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}

		if resp.Error != "" {
			s.report(provider.Errorf(provider.KindProvider, providerID, "synthesize", "%s: %s", resp.Error, resp.Message))
		}

		if resp.Audio != "" && s.wireContext(resp.ContextID) {
			pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err == nil && len(pcm) > 0 {
				frame := audio.AudioFrame{
					Data:       pcm,
					SampleRate: s.cfg.Format.SampleRate,
					Channels:   s.cfg.Format.Channels,
					Encoding:   s.cfg.Format.Encoding,
					Timestamp:  s.ts,
				}
				s.ts += frame.Duration()
				s.emitFrame(frame)
			}
		}

		if resp.IsFinal {
			if fp, ok := s.finishLive(resp.ContextID); ok {
				s.emitDone(tts.Done{Fingerprint: fp})
			}
		}
	}
}

// wireContext reports whether id is the context currently allowed to emit
// audio. Frames for cancelled or already-finished contexts are dropped.
func (s *session) wireContext(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live != nil && s.live.id == id {
		return true
	}
	return s.open != nil && s.open.onWire && s.open.id == id
}

// finishLive clears the live group if id matches, advances the send queue,
// and returns the finished group's fingerprint.
func (s *session) finishLive(id string) (tts.Fingerprint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live == nil || s.live.id != id {
		return tts.Fingerprint{}, false
	}
	fp := s.live.fp
	s.live = nil
	s.advance()
	return fp, true
}

// advance puts the next queued utterance on the wire. Callers hold mu.
func (s *session) advance() {
	if len(s.sendq) == 0 {
		return
	}
	g := s.sendq[0]
	s.sendq = s.sendq[1:]
	g.onWire = true
	for i, part := range g.parts {
		msg := contextMessage{Text: part, ContextID: g.id}
		if i == 0 {
			msg.VoiceSettings = g.settings
		}
		if err := s.send("speak", msg); err != nil {
			return
		}
	}
	_ = s.send("speak", contextMessage{ContextID: g.id, Flush: true})
	s.live = g
}

func (s *session) emitFrame(f audio.AudioFrame) {
	select {
	case s.audioCh <- f:
	case <-s.done:
	}
}

func (s *session) emitDone(d tts.Done) {
	select {
	case s.doneCh <- d:
	case <-s.done:
	}
}

// ─── voices ──────────────────────────────────────────────────────────────────

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// Voices returns all voices available from ElevenLabs for the configured
// API key.
func (p *Provider) Voices(ctx context.Context) ([]tts.Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpBaseURL(p.baseURL)+"/v1/voices", nil)
	if err != nil {
		return nil, provider.Wrap(provider.KindInternal, providerID, "voices", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, provider.Wrap(provider.KindTransport, providerID, "voices", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("voices", resp)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, provider.Wrap(provider.KindProvider, providerID, "voices", err)
	}
	return mapVoices(vr), nil
}

// classifyStatus maps a non-200 REST response to the provider error taxonomy.
func classifyStatus(op string, resp *http.Response) error {
	kind := provider.KindProvider
	retryable := false
	var retryAfter time.Duration
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		kind = provider.KindAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = provider.KindRateLimit
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
	case resp.StatusCode >= 500:
		retryable = true
	}
	return &provider.Error{
		Kind:       kind,
		Provider:   providerID,
		Op:         op,
		Retryable:  retryable,
		RetryAfter: retryAfter,
		Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
	}
}

// mapVoices converts the ElevenLabs voice list to the provider-neutral
// shape, folding labels and category into Metadata.
func mapVoices(vr voicesResponse) []tts.Voice {
	voices := make([]tts.Voice, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		voices = append(voices, tts.Voice{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: providerID,
			Metadata: meta,
		})
	}
	return voices
}

// httpBaseURL converts the WebSocket base to its HTTP counterpart for the
// REST endpoints.
func httpBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "wss://"):
		return "https://" + strings.TrimPrefix(base, "wss://")
	case strings.HasPrefix(base, "ws://"):
		return "http://" + strings.TrimPrefix(base, "ws://")
	}
	return base
}
