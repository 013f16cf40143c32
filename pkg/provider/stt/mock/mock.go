// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript values and inspect
// which audio chunks were delivered.
//
// Example:
//
//	sess := &mock.Session{
//	    PartialsCh: make(chan types.Transcript, 1),
//	    FinalsCh:   make(chan types.Transcript, 1),
//	}
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/aurelay/aurelay/pkg/provider"
	"github.com/aurelay/aurelay/pkg/provider/stt"
	"github.com/aurelay/aurelay/pkg/types"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Caps is returned by Capabilities. The zero value declares nothing;
	// most tests want at least CapStreamingAudioIn | CapPartialTranscripts.
	Caps provider.CapabilitySet

	// Session is the SessionHandle returned by StartStream. If nil, StartStream
	// returns a new default Session with buffered channels.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// Capabilities returns Caps.
func (p *Provider) Capabilities() provider.CapabilitySet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Caps
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return &Session{
		PartialsCh: make(chan types.Transcript, 16),
		FinalsCh:   make(chan types.Transcript, 16),
		ErrorsCh:   make(chan error, 16),
		StateVal:   provider.StateConnected,
	}, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes that were passed to SendAudio.
	Chunk []byte
}

// SetKeywordsCall records a single invocation of Session.SetKeywords.
type SetKeywordsCall struct {
	// Keywords is a copy of the keyword list passed to SetKeywords.
	Keywords []types.KeywordBoost
}

// UpdateConfigCall records a single invocation of Session.UpdateConfig.
type UpdateConfigCall struct {
	// Delta is the ConfigDelta passed to UpdateConfig.
	Delta stt.ConfigDelta
}

// Session is a mock implementation of stt.SessionHandle.
// Callers should pre-populate PartialsCh and FinalsCh with the Transcript values
// they want the consumer to receive, then close them when done.
type Session struct {
	mu sync.Mutex

	// PartialsCh is the channel returned by Partials(). Callers own this channel
	// and are responsible for sending to and closing it in tests.
	PartialsCh chan types.Transcript

	// FinalsCh is the channel returned by Finals(). Callers own this channel.
	FinalsCh chan types.Transcript

	// ErrorsCh is the channel returned by Errors(). Callers own this channel;
	// send to it to simulate mid-session provider errors (reconnect tests).
	ErrorsCh chan error

	// StateVal is returned by State. Defaults to StateConnected.
	StateVal provider.ConnectionState

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendTextErr, if non-nil, is returned by every SendText call.
	SendTextErr error

	// ForceEndpointErr, if non-nil, is returned by every ForceEndpoint call.
	ForceEndpointErr error

	// SetKeywordsErr, if non-nil, is returned by every SetKeywords call.
	SetKeywordsErr error

	// UpdateConfigErr, if non-nil, is returned by every UpdateConfig call.
	UpdateConfigErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// SendTextCalls records every hint passed to SendText in order.
	SendTextCalls []string

	// SetKeywordsCalls records every call to SetKeywords in order.
	SetKeywordsCalls []SetKeywordsCall

	// UpdateConfigCalls records every call to UpdateConfig in order.
	UpdateConfigCalls []UpdateConfigCall

	// ForceEndpointCallCount is the number of times ForceEndpoint was called.
	ForceEndpointCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: cp})
	return s.SendAudioErr
}

// SendText records the hint and returns SendTextErr.
func (s *Session) SendText(hint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendTextCalls = append(s.SendTextCalls, hint)
	return s.SendTextErr
}

// ForceEndpoint records the call and returns ForceEndpointErr.
func (s *Session) ForceEndpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ForceEndpointCallCount++
	return s.ForceEndpointErr
}

// Partials returns PartialsCh. The caller must have initialised PartialsCh before
// calling this method.
func (s *Session) Partials() <-chan types.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PartialsCh
}

// Finals returns FinalsCh.
func (s *Session) Finals() <-chan types.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FinalsCh
}

// Errors returns ErrorsCh. The caller must have initialised ErrorsCh before
// calling this method.
func (s *Session) Errors() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrorsCh
}

// SetKeywords records the call and returns SetKeywordsErr.
func (s *Session) SetKeywords(keywords []types.KeywordBoost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kw := make([]types.KeywordBoost, len(keywords))
	copy(kw, keywords)
	s.SetKeywordsCalls = append(s.SetKeywordsCalls, SetKeywordsCall{Keywords: kw})
	return s.SetKeywordsErr
}

// UpdateConfig records the call and returns UpdateConfigErr.
func (s *Session) UpdateConfig(delta stt.ConfigDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpdateConfigCalls = append(s.UpdateConfigCalls, UpdateConfigCall{Delta: delta})
	return s.UpdateConfigErr
}

// SetState changes the value State reports. Thread-safe.
func (s *Session) SetState(st provider.ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StateVal = st
}

// State returns StateVal. The zero value reports StateDisconnected; tests
// that care should set StateVal (StartStream's default session does).
func (s *Session) State() provider.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StateVal
}

// SendAudioCallCount returns the number of SendAudio calls. Thread-safe.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// Close records the call, marks the session disconnected, and returns
// CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.StateVal = provider.StateDisconnected
	return s.CloseErr
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = nil
	s.SendTextCalls = nil
	s.SetKeywordsCalls = nil
	s.UpdateConfigCalls = nil
	s.ForceEndpointCallCount = 0
	s.CloseCallCount = 0
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
