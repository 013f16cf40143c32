// Package noop implements vad.Engine for deployments that delegate turn
// detection entirely to the provider or the client: every frame reads as
// speech, so local endpointing never fires.
package noop

import "github.com/aurelay/aurelay/pkg/provider/vad"

// Engine creates sessions that classify all audio as speech.
type Engine struct{}

// NewSession returns a session that reports VADSpeechStart on the first
// frame and VADSpeechContinue forever after.
func (Engine) NewSession(vad.Config) (vad.SessionHandle, error) {
	return &session{}, nil
}

var _ vad.Engine = (Engine{})

type session struct {
	started bool
}

func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if !s.started {
		s.started = true
		return vad.VADEvent{Type: vad.VADSpeechStart, Probability: 1}, nil
	}
	return vad.VADEvent{Type: vad.VADSpeechContinue, Probability: 1}, nil
}

func (s *session) Reset() { s.started = false }

func (s *session) Close() error { return nil }

var _ vad.SessionHandle = (*session)(nil)
