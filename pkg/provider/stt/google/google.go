// Package google provides a Google Cloud Speech-to-Text backed STT
// provider using the v1 streaming recognition API.
//
// One gRPC client is created per Provider and shared across sessions; each
// StartStream opens its own bidirectional recognition stream. The first
// message on a stream carries the recognition config, every following
// message carries audio, matching the v1 protocol.
//
// Google enforces a ~5 minute limit per recognition stream. The provider
// does not rotate streams itself — when Google closes the stream the
// session ends with a transport-kind error and the session runtime's
// reconnect policy opens a fresh one.
package google

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/aurelay/aurelay/pkg/audio"
	"github.com/aurelay/aurelay/pkg/provider"
	"github.com/aurelay/aurelay/pkg/provider/stt"
	"github.com/aurelay/aurelay/pkg/types"
)

const (
	providerID      = "google"
	defaultModel    = "latest_long"
	defaultLanguage = "en-US"
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the recognition model (e.g., "latest_long", "telephony").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default BCP-47 language code (e.g., "en-US").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithClientOptions forwards Google API client options (credentials,
// endpoint, quota project) to the underlying gRPC client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(p *Provider) {
		p.clientOpts = append(p.clientOpts, opts...)
	}
}

// Provider implements stt.Provider backed by Google Cloud Speech-to-Text.
type Provider struct {
	client     *speech.Client
	model      string
	language   string
	clientOpts []option.ClientOption
}

var _ stt.Provider = (*Provider)(nil)

// New creates a Provider and dials the Speech API. Credentials resolve the
// standard Google way (Application Default Credentials) unless overridden
// via WithClientOptions. The caller must call Close when the provider is
// no longer needed.
func New(ctx context.Context, opts ...Option) (*Provider, error) {
	p := &Provider{
		model:    defaultModel,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}

	client, err := speech.NewClient(ctx, p.clientOpts...)
	if err != nil {
		return nil, classifyRPC("new", err)
	}
	p.client = client
	return p, nil
}

// Close releases the shared gRPC client. Sessions opened earlier become
// unusable.
func (p *Provider) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

// Capabilities reports the Google streaming feature set.
func (p *Provider) Capabilities() provider.CapabilitySet {
	return provider.NewCapabilitySet(
		provider.CapStreamingAudioIn,
		provider.CapPartialTranscripts,
		provider.CapImmutableTranscripts,
		provider.CapWordTimestamps,
		provider.CapServerVAD,
	)
}

// StartStream opens a streaming recognition session. It respects
// cfg.Format, cfg.Language, cfg.InterimResults, cfg.Keywords, and
// cfg.IdleTimeout.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	conf, err := p.buildConfig(cfg)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := p.client.StreamingRecognize(streamCtx)
	if err != nil {
		cancel()
		return nil, classifyRPC("start_stream", err)
	}

	// The config must be the first message on the stream; audio follows.
	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: conf,
		},
	})
	if err != nil {
		cancel()
		return nil, classifyRPC("start_stream", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}

	sess := &session{
		stream:     stream,
		cancel:     cancel,
		language:   lang,
		partials:   make(chan types.Transcript, 64),
		finals:     make(chan types.Transcript, 64),
		errs:       make(chan error, 16),
		audio:      make(chan []byte, 256),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	sess.state.Store(int32(provider.StateConnected))
	// gRPC has no application-level ping, so the watchdog kills a silent
	// stream outright by cancelling its context.
	sess.watchdog = provider.WatchIdle(cfg.IdleTimeout, nil, func() {
		sess.setErr(&provider.Error{
			Kind:     provider.KindTimeout,
			Provider: providerID,
			Op:       "read",
			Err:      provider.ErrIdleTimeout,
		})
		cancel()
	})

	sess.wg.Add(2)
	go sess.readLoop()
	go sess.writeLoop()

	return sess, nil
}

// buildConfig translates the transport-agnostic stream config into the v1
// recognition config.
func (p *Provider) buildConfig(cfg stt.StreamConfig) (*speechpb.StreamingRecognitionConfig, error) {
	enc, err := encodingParam(cfg.Format.Encoding)
	if err != nil {
		return nil, err
	}

	sr := cfg.Format.SampleRate
	if sr <= 0 {
		sr = 16000
	}
	ch := cfg.Format.Channels
	if ch <= 0 {
		ch = 1
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}

	// Boost is per speech context, so each keyword gets its own.
	var contexts []*speechpb.SpeechContext
	for _, kw := range cfg.Keywords {
		contexts = append(contexts, &speechpb.SpeechContext{
			Phrases: []string{kw.Keyword},
			Boost:   float32(kw.Boost),
		})
	}

	return &speechpb.StreamingRecognitionConfig{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   enc,
			SampleRateHertz:            int32(sr),
			AudioChannelCount:          int32(ch),
			LanguageCode:               lang,
			Model:                      p.model,
			EnableWordTimeOffsets:      true,
			EnableAutomaticPunctuation: true,
			SpeechContexts:             contexts,
		},
		InterimResults: cfg.InterimResults,
	}, nil
}

// encodingParam maps the pipeline encoding to the v1 encoding enum. Raw
// Opus packets are rejected: the v1 API only accepts container-wrapped
// Opus (OGG/WebM), which the pipeline does not produce.
func encodingParam(e audio.Encoding) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch e {
	case audio.PCM16:
		return speechpb.RecognitionConfig_LINEAR16, nil
	case audio.MuLaw:
		return speechpb.RecognitionConfig_MULAW, nil
	default:
		return 0, provider.Errorf(provider.KindConfig, providerID, "start_stream",
			"unsupported input encoding %s", e)
	}
}

// classifyRPC maps a gRPC error to the provider error taxonomy.
func classifyRPC(op string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return provider.Wrap(provider.KindTransport, providerID, op, err)
	}

	e := &provider.Error{Provider: providerID, Op: op, Err: err}
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		e.Kind = provider.KindAuth
	case codes.ResourceExhausted:
		e.Kind = provider.KindRateLimit
	case codes.InvalidArgument, codes.FailedPrecondition:
		e.Kind = provider.KindConfig
	case codes.DeadlineExceeded:
		e.Kind = provider.KindTimeout
	case codes.Unavailable, codes.Aborted:
		e.Kind = provider.KindTransport
	case codes.Canceled:
		e.Kind = provider.KindInternal
	case codes.Internal:
		e.Kind = provider.KindProvider
		e.Retryable = true
	default:
		e.Kind = provider.KindProvider
	}
	return e
}

// ─── session ─────────────────────────────────────────────────────────────────

var errClosed = errors.New("session closed")

// session is a live streaming recognition session. It implements
// stt.SessionHandle.
type session struct {
	stream   speechpb.Speech_StreamingRecognizeClient
	cancel   context.CancelFunc
	language string
	watchdog *provider.IdleWatchdog

	partials chan types.Transcript
	finals   chan types.Transcript
	errs     chan error
	audio    chan []byte

	done       chan struct{}
	writerDone chan struct{}
	once       sync.Once
	wg         sync.WaitGroup
	state      atomic.Int32

	errMu   sync.Mutex
	lastErr error
}

var _ stt.SessionHandle = (*session)(nil)

// SendAudio queues a raw audio chunk for delivery to Google.
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

// SendText is not supported: the v1 streaming API takes audio only.
func (s *session) SendText(hint string) error {
	return provider.Unsupported(providerID, "send_text")
}

// ForceEndpoint is not supported: the v1 streaming API has no mid-stream
// finalize message. Commit-driven turns close client-side instead.
func (s *session) ForceEndpoint() error {
	return provider.Unsupported(providerID, "force_endpoint")
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan types.Transcript { return s.partials }

// Finals returns the channel of per-utterance final transcripts.
func (s *session) Finals() <-chan types.Transcript { return s.finals }

// Errors returns the channel of classified session errors.
func (s *session) Errors() <-chan error { return s.errs }

// SetKeywords is not supported mid-stream; the speech contexts are fixed
// in the config message that opened the stream.
func (s *session) SetKeywords(keywords []types.KeywordBoost) error {
	return provider.Unsupported(providerID, "set_keywords")
}

// UpdateConfig is not supported: the v1 streaming API fixes the recognition
// config in the first stream message.
func (s *session) UpdateConfig(delta stt.ConfigDelta) error {
	return provider.Unsupported(providerID, "update_config")
}

// State reports the session's transport state.
func (s *session) State() provider.ConnectionState {
	return provider.ConnectionState(s.state.Load())
}

// Close half-closes the stream so Google flushes pending results, then
// waits for both loops. CloseSend must not race with Send, so the writer
// is joined first. The first call returns any transport error the session
// died with; subsequent calls return nil.
func (s *session) Close() error {
	var err error
	first := false
	s.once.Do(func() {
		first = true
		s.state.CompareAndSwap(int32(provider.StateConnected), int32(provider.StateDraining))
		close(s.done)
		<-s.writerDone
		_ = s.stream.CloseSend()
		s.wg.Wait()
		s.cancel()
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

// writeLoop forwards queued audio to the stream. On a send failure the
// definitive error surfaces on the receive side, so the loop just exits.
func (s *session) writeLoop() {
	defer s.wg.Done()
	defer close(s.writerDone)
	for {
		select {
		case chunk := <-s.audio:
			err := s.stream.Send(&speechpb.StreamingRecognizeRequest{
				StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
					AudioContent: chunk,
				},
			})
			if err != nil {
				if !errors.Is(err, io.EOF) {
					s.setErr(classifyRPC("send_audio", err))
				}
				return
			}
			// An accepted write is evidence of a live transport; gRPC
			// emits no responses during silence.
			s.watchdog.Reset()
		case <-s.done:
			// Drain queued audio so CloseSend flushes it.
			for {
				select {
				case chunk := <-s.audio:
					sendErr := s.stream.Send(&speechpb.StreamingRecognizeRequest{
						StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
							AudioContent: chunk,
						},
					})
					if sendErr != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// readLoop receives recognition responses and dispatches transcripts.
// Google emits one final per utterance natively, so no aggregation is
// needed.
func (s *session) readLoop() {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)
	defer s.watchdog.Stop()

	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			select {
			case <-s.done:
			default:
				s.setErr(classifyRPC("read", err))
			}
			return
		}
		s.watchdog.Reset()

		for _, res := range resp.Results {
			tr, ok := mapResult(res, s.language)
			if !ok {
				continue
			}
			if tr.IsFinal {
				s.emit(s.finals, tr)
			} else {
				s.emit(s.partials, tr)
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

// mapResult converts one streaming recognition result to a Transcript.
// Returns false for results with no usable alternative.
func mapResult(res *speechpb.StreamingRecognitionResult, language string) (types.Transcript, bool) {
	if res == nil || len(res.Alternatives) == 0 {
		return types.Transcript{}, false
	}
	alt := res.Alternatives[0]
	if alt.Transcript == "" {
		return types.Transcript{}, false
	}

	lang := res.LanguageCode
	if lang == "" {
		lang = language
	}

	tr := types.Transcript{
		Text:       alt.Transcript,
		IsFinal:    res.IsFinal,
		Confidence: float64(alt.Confidence),
		Language:   lang,
		ProviderID: providerID,
	}
	if res.ResultEndTime != nil {
		tr.End = res.ResultEndTime.AsDuration()
	}
	if len(alt.Words) > 0 {
		tr.Words = make([]types.WordDetail, 0, len(alt.Words))
		for _, w := range alt.Words {
			wd := types.WordDetail{
				Word:       w.Word,
				Confidence: float64(w.Confidence),
			}
			if w.StartTime != nil {
				wd.Start = w.StartTime.AsDuration()
			}
			if w.EndTime != nil {
				wd.End = w.EndTime.AsDuration()
			}
			tr.Words = append(tr.Words, wd)
		}
		tr.Start = tr.Words[0].Start
	}
	return tr, true
}
