// Package silero implements vad.Engine on the Silero VAD ONNX model via
// the silero-vad-go bindings.
//
// The model operates on 512-sample windows of 16kHz mono PCM16 (32ms per
// frame). Sessions reject any other frame geometry. Each session owns a
// dedicated detector instance, so concurrent audio streams are fully
// isolated; the detector itself is stateful and must only be driven from
// one goroutine, which matches the vad.SessionHandle contract.
package silero

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/aurelay/aurelay/pkg/provider/vad"
)

const (
	// modelSampleRate is the only sample rate the shipped model supports.
	modelSampleRate = 16000

	// modelFrameSamples is the model's native analysis window.
	modelFrameSamples = 512
)

var errSessionClosed = errors.New("silero: session is closed")

// Engine creates Silero VAD sessions. The ONNX model file is validated at
// construction so misconfiguration fails at startup, not on the first
// audio frame.
type Engine struct {
	modelPath string
}

// NewEngine returns an Engine backed by the ONNX model at modelPath.
func NewEngine(modelPath string) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("silero: model path is empty")
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("silero: model file: %w", err)
	}
	return &Engine{modelPath: modelPath}, nil
}

// NewSession creates a detector instance for one audio stream.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = modelSampleRate
	}
	if cfg.SampleRate != modelSampleRate {
		return nil, fmt.Errorf("silero: unsupported sample rate %d, model requires %d", cfg.SampleRate, modelSampleRate)
	}
	if cfg.FrameSamples == 0 {
		cfg.FrameSamples = modelFrameSamples
	}
	if cfg.FrameSamples != modelFrameSamples {
		return nil, fmt.Errorf("silero: unsupported frame size %d samples, model requires %d", cfg.FrameSamples, modelFrameSamples)
	}
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = 0.5
	}

	det, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            e.modelPath,
		SampleRate:           cfg.SampleRate,
		Threshold:            float32(cfg.SpeechThreshold),
		MinSilenceDurationMs: int(cfg.MinSilence.Milliseconds()),
		SpeechPadMs:          int(cfg.SpeechPad.Milliseconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("silero: create detector: %w", err)
	}
	return &session{det: det, frameBytes: cfg.FrameSamples * 2}, nil
}

var _ vad.Engine = (*Engine)(nil)

// session adapts the segment-oriented detector API to frame-level events.
// The detector accumulates state across Detect calls; a returned segment
// with only a start marks speech onset, a segment with an end marks the
// detector committing to end-of-speech after its internal silence hold.
type session struct {
	det        *speech.Detector
	frameBytes int
	inSpeech   bool

	closeOnce sync.Once
	closed    bool
}

func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if s.closed {
		return vad.VADEvent{}, errSessionClosed
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("silero: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	samples := make([]float32, len(frame)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(frame[i*2:]))) / 32768.0
	}

	segments, err := s.det.Detect(samples)
	if err != nil {
		return vad.VADEvent{}, fmt.Errorf("silero: detect: %w", err)
	}

	ev := vad.VADEvent{Type: vad.VADSilence}
	if s.inSpeech {
		ev.Type = vad.VADSpeechContinue
		ev.Probability = 1
	}
	for _, seg := range segments {
		if seg.SpeechEndAt > 0 {
			s.inSpeech = false
			ev = vad.VADEvent{Type: vad.VADSpeechEnd}
		} else {
			wasInSpeech := s.inSpeech
			s.inSpeech = true
			if wasInSpeech {
				ev = vad.VADEvent{Type: vad.VADSpeechContinue, Probability: 1}
			} else {
				ev = vad.VADEvent{Type: vad.VADSpeechStart, Probability: 1}
			}
		}
	}
	return ev, nil
}

func (s *session) Reset() {
	if s.closed {
		return
	}
	if err := s.det.Reset(); err == nil {
		s.inSpeech = false
	}
}

func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed = true
		err = s.det.Destroy()
	})
	return err
}

var _ vad.SessionHandle = (*session)(nil)
