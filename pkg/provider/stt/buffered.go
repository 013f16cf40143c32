package stt

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aurelay/aurelay/pkg/provider"
	"github.com/aurelay/aurelay/pkg/types"
)

// Transcriber runs batch inference over one utterance of 16-bit PCM and
// returns the recognized text. Implementations classify their own errors.
type Transcriber func(ctx context.Context, language string, pcm []byte) (string, error)

const (
	// maxUtterance caps buffered audio regardless of flush strategy, so a
	// stuck endpoint cannot grow the buffer without bound.
	maxUtterance = 5 * time.Minute

	// finalFlushTimeout bounds the inference started during teardown.
	finalFlushTimeout = 30 * time.Second
)

var errClosed = errors.New("session closed")

// BufferedSession implements SessionHandle for batch transcription
// engines. It accumulates PCM audio and hands completed utterances to a
// Transcriber; when an utterance is complete is governed by the
// FlushConfig strategy. All buffer state is confined to the processing
// goroutine.
//
// Batch engines produce no interim results, so Partials never emits; the
// channel exists only so range loops over it terminate on close.
type BufferedSession struct {
	providerID string
	language   string
	sampleRate int
	channels   int
	flush      FlushConfig
	rmsGate    float64
	infer      Transcriber

	audioCh  chan []byte
	flushCh  chan struct{}
	deltaCh  chan ConfigDelta
	partials chan types.Transcript
	finals   chan types.Transcript
	errs     chan error

	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
	state atomic.Int32

	errMu   sync.Mutex
	lastErr error
}

var _ SessionHandle = (*BufferedSession)(nil)

// NewBufferedSession creates a session that submits buffered utterances to
// infer. rmsGate is the energy level (in 16-bit PCM units) below which a
// chunk counts as silent; silent leading audio is discarded and silent
// utterances are never submitted. Call Start before sending audio.
func NewBufferedSession(providerID, language string, sampleRate, channels int, flush FlushConfig, rmsGate float64, infer Transcriber) *BufferedSession {
	s := &BufferedSession{
		providerID: providerID,
		language:   language,
		sampleRate: sampleRate,
		channels:   channels,
		flush:      flush.WithDefaults(),
		rmsGate:    rmsGate,
		infer:      infer,
		audioCh:    make(chan []byte, 256),
		flushCh:    make(chan struct{}, 1),
		deltaCh:    make(chan ConfigDelta, 4),
		partials:   make(chan types.Transcript, 64),
		finals:     make(chan types.Transcript, 64),
		errs:       make(chan error, 16),
		done:       make(chan struct{}),
	}
	s.state.Store(int32(provider.StateConnected))
	return s
}

// Start launches the processing goroutine. Call exactly once.
func (s *BufferedSession) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.processLoop(ctx)
}

// SendAudio queues a chunk of raw 16-bit little-endian signed PCM audio for
// buffering and silence analysis. Calling SendAudio after Close returns an
// error.
func (s *BufferedSession) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return &provider.Error{Kind: provider.KindTransport, Provider: s.providerID, Op: "send_audio", Err: errClosed}
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return &provider.Error{Kind: provider.KindTransport, Provider: s.providerID, Op: "send_audio", Err: errClosed}
	}
}

// ForceEndpoint flushes the buffered utterance immediately. The resulting
// final arrives on Finals once inference completes; back-to-back calls
// while a flush is already pending coalesce into one.
func (s *BufferedSession) ForceEndpoint() error {
	select {
	case <-s.done:
		return &provider.Error{Kind: provider.KindTransport, Provider: s.providerID, Op: "force_endpoint", Err: errClosed}
	default:
	}
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
	return nil
}

// SendText is not supported; batch engines take audio only.
func (s *BufferedSession) SendText(hint string) error {
	return provider.Unsupported(s.providerID, "send_text")
}

// Partials returns a channel that never emits; batch engines have no
// interim results. The channel is closed when the session ends.
func (s *BufferedSession) Partials() <-chan types.Transcript { return s.partials }

// Finals returns the channel of per-utterance final transcripts.
func (s *BufferedSession) Finals() <-chan types.Transcript { return s.finals }

// Errors returns the channel of classified inference errors.
func (s *BufferedSession) Errors() <-chan error { return s.errs }

// SetKeywords is not supported; batch engines have no keyword boosting.
func (s *BufferedSession) SetKeywords(_ []types.KeywordBoost) error {
	return provider.Unsupported(s.providerID, "set_keywords")
}

// UpdateConfig applies Language and Flush deltas; both take effect from the
// next buffered chunk on. InterimResults cannot change — batch engines have
// none to enable.
func (s *BufferedSession) UpdateConfig(delta ConfigDelta) error {
	if delta.InterimResults != nil {
		return provider.Unsupported(s.providerID, "update_config")
	}
	select {
	case <-s.done:
		return &provider.Error{Kind: provider.KindTransport, Provider: s.providerID, Op: "update_config", Err: errClosed}
	default:
	}
	select {
	case s.deltaCh <- delta:
		return nil
	case <-s.done:
		return &provider.Error{Kind: provider.KindTransport, Provider: s.providerID, Op: "update_config", Err: errClosed}
	}
}

// State reports the session's state. Buffered sessions have no transport,
// so the state tracks the processing loop's lifecycle.
func (s *BufferedSession) State() provider.ConnectionState {
	return provider.ConnectionState(s.state.Load())
}

// Close terminates the session. Any buffered speech is flushed for a last
// transcription before the Partials and Finals channels close. The first
// call returns the sticky error of the first failed flush, if any;
// subsequent calls return nil.
func (s *BufferedSession) Close() error {
	var err error
	first := false
	s.once.Do(func() {
		first = true
		s.state.CompareAndSwap(int32(provider.StateConnected), int32(provider.StateDraining))
		close(s.done)
		s.wg.Wait()
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

// setErr records the first inference error, marks the session failed, and
// surfaces the error on the Errors channel without blocking the loop.
func (s *BufferedSession) setErr(err error) {
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

func (s *BufferedSession) takeErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

// processLoop owns the utterance buffer: it applies the energy gate,
// tracks the stream clock, fires the configured flush trigger, and
// dispatches inference. Config deltas arrive over deltaCh so all mutable
// state stays confined to this goroutine.
func (s *BufferedSession) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.errs)
	defer close(s.partials)
	defer close(s.finals)

	var (
		buffer    []byte        // accumulated PCM for the current utterance
		bufStart  time.Duration // stream offset where the buffer begins
		elapsed   time.Duration // total stream position across all audio seen
		hadSpeech bool          // true once any above-gate chunk was buffered
		silence   time.Duration // consecutive silence accumulated after speech
	)

	lang := s.language
	flush := s.flush

	bytesPerSec := s.sampleRate * s.channels * 2
	hardCap := int(maxUtterance/time.Second) * bytesPerSec

	// Only the duration strategy needs a ticker; for the others tickC stays
	// nil and its case never fires.
	var (
		ticker *time.Ticker
		tickC  <-chan time.Time
	)
	retick := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tickC = nil, nil
		}
		if flush.Strategy == FlushOnDuration {
			ticker = time.NewTicker(flush.Interval)
			tickC = ticker.C
		}
	}
	retick()
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	// doFlush submits the buffered utterance and resets the buffer state
	// regardless of outcome. Empty or speech-free buffers are discarded
	// without a request: batch engines hallucinate on silence.
	doFlush := func(fctx context.Context) {
		if len(buffer) == 0 || !hadSpeech {
			buffer, hadSpeech, silence = nil, false, 0
			return
		}

		pcm := buffer
		start, end := bufStart, elapsed
		buffer, hadSpeech, silence = nil, false, 0

		text, err := s.infer(fctx, lang, pcm)
		if err != nil {
			s.setErr(err)
			return
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}

		// Non-blocking send: the channel is buffered, and a stalled
		// consumer must not wedge teardown.
		select {
		case s.finals <- types.Transcript{
			Text:       text,
			IsFinal:    true,
			Language:   lang,
			ProviderID: s.providerID,
			Start:      start,
			End:        end,
		}:
		default:
		}
	}

	// finalFlush runs the teardown flush on a fresh context; the caller's
	// ctx may already be cancelled.
	finalFlush := func() {
		fc, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
		defer cancel()
		doFlush(fc)
	}

	for {
		select {
		case <-ctx.Done():
			finalFlush()
			return

		case <-s.done:
			finalFlush()
			return

		case <-s.flushCh:
			doFlush(ctx)

		case <-tickC:
			doFlush(ctx)

		case delta := <-s.deltaCh:
			if delta.Language != nil {
				lang = *delta.Language
			}
			if delta.Flush != nil {
				flush = delta.Flush.WithDefaults()
				retick()
			}

		case chunk := <-s.audioCh:
			dur := pcmDuration(len(chunk), s.sampleRate, s.channels)
			loud := computeRMS(chunk) >= s.rmsGate

			// Leading silence before any speech is discarded; the stream
			// clock still advances so transcript offsets stay truthful.
			if !hadSpeech && !loud {
				elapsed += dur
				continue
			}

			if len(buffer) == 0 {
				bufStart = elapsed
			}
			buffer = append(buffer, chunk...)
			elapsed += dur
			if loud {
				hadSpeech = true
				silence = 0
			} else {
				silence += dur
			}

			switch flush.Strategy {
			case FlushOnSilence:
				if silence >= flush.SilenceHold {
					doFlush(ctx)
				}
			case FlushOnSize:
				if len(buffer) >= flush.SizeBytes {
					doFlush(ctx)
				}
			}
			if len(buffer) >= hardCap {
				doFlush(ctx)
			}
		}
	}
}

// computeRMS returns the root-mean-square energy of a 16-bit signed
// little-endian PCM buffer, in PCM sample units (0–32767). Returns 0 for
// buffers shorter than one sample.
func computeRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// pcmDuration returns the playback duration of a 16-bit PCM byte count.
func pcmDuration(nbytes, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := nbytes / (2 * channels)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
