// Package energy implements vad.Engine with a simple RMS energy gate.
//
// It is the dependency-free fallback for deployments without the Silero
// ONNX model: a frame counts as speech when its root-mean-square amplitude
// exceeds a fixed threshold, with hysteresis so that brief pauses and
// transient noise do not flap the detection state.
//
// Expect more false positives than a model-based detector — keyboard
// clatter and music will read as speech. Tune Threshold per deployment.
package energy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/aurelay/aurelay/pkg/provider/vad"
)

// defaultThreshold is the RMS amplitude (on the int16 scale) above which a
// frame counts as speech. Matches the buffered-transcription silence gate.
const defaultThreshold = 300.0

var errSessionClosed = errors.New("energy: session is closed")

// Engine creates RMS-gate sessions.
type Engine struct {
	// Threshold overrides the RMS speech threshold. Zero means the default.
	Threshold float64
}

// NewSession creates an isolated detection session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.FrameSamples <= 0 {
		cfg.FrameSamples = 512
	}
	if cfg.MinSilence <= 0 {
		cfg.MinSilence = 500 * time.Millisecond
	}
	threshold := e.Threshold
	if threshold <= 0 {
		threshold = defaultThreshold
	}

	frameDur := time.Duration(cfg.FrameSamples) * time.Second / time.Duration(cfg.SampleRate)
	minSilenceFrames := int((cfg.MinSilence + frameDur - 1) / frameDur)
	if minSilenceFrames < 1 {
		minSilenceFrames = 1
	}
	return &session{
		frameBytes:       cfg.FrameSamples * 2,
		threshold:        threshold,
		minSilenceFrames: minSilenceFrames,
	}, nil
}

var _ vad.Engine = (*Engine)(nil)

type session struct {
	frameBytes       int
	threshold        float64
	minSilenceFrames int

	inSpeech      bool
	silenceFrames int
	closed        bool
}

func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if s.closed {
		return vad.VADEvent{}, errSessionClosed
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	rms := computeRMS(frame)
	// Map RMS to a rough pseudo-probability so callers that log it get a
	// usable signal; 1.0 is pinned at twice the threshold.
	prob := math.Min(rms/(2*s.threshold), 1.0)

	if rms >= s.threshold {
		s.silenceFrames = 0
		if !s.inSpeech {
			s.inSpeech = true
			return vad.VADEvent{Type: vad.VADSpeechStart, Probability: prob}, nil
		}
		return vad.VADEvent{Type: vad.VADSpeechContinue, Probability: prob}, nil
	}

	if s.inSpeech {
		s.silenceFrames++
		if s.silenceFrames >= s.minSilenceFrames {
			s.inSpeech = false
			s.silenceFrames = 0
			return vad.VADEvent{Type: vad.VADSpeechEnd, Probability: prob}, nil
		}
		// Inside the hold window a quiet frame still counts as speech.
		return vad.VADEvent{Type: vad.VADSpeechContinue, Probability: prob}, nil
	}
	return vad.VADEvent{Type: vad.VADSilence, Probability: prob}, nil
}

func (s *session) Reset() {
	s.inSpeech = false
	s.silenceFrames = 0
}

func (s *session) Close() error {
	s.closed = true
	return nil
}

var _ vad.SessionHandle = (*session)(nil)

// computeRMS returns the root-mean-square amplitude of little-endian PCM16.
func computeRMS(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	var sum float64
	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		sample := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += sample * sample
	}
	return math.Sqrt(sum / float64(n))
}
