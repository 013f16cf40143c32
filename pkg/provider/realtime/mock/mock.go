// Package mock provides test doubles for the realtime package interfaces.
//
// Use Provider to verify Connect calls and feed controlled sessions. Use
// Session to drive the output channels (audio, transcripts, function calls,
// events) and inspect which methods the runtime invoked. The test owns the
// channels: pre-populate them, then call CloseStreams to signal
// end-of-session.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.EventsCh <- realtime.Event{Type: realtime.EventResponseStarted}
package mock

import (
	"context"
	"sync"

	"github.com/aurelay/aurelay/pkg/provider"
	"github.com/aurelay/aurelay/pkg/provider/realtime"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg realtime.SessionConfig
}

// Provider is a mock implementation of realtime.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect
	// returns a new default Session.
	Session realtime.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Caps is returned by Capabilities.
	Caps provider.CapabilitySet

	// InfoResult is returned by Info.
	InfoResult realtime.Info

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

var _ realtime.Provider = (*Provider)(nil)

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Capabilities returns Caps.
func (p *Provider) Capabilities() provider.CapabilitySet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Caps
}

// Info returns InfoResult.
func (p *Provider) Info() realtime.Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.InfoResult
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
}

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes passed to SendAudio.
	Chunk []byte
}

// SetToolsCall records a single invocation of Session.SetTools.
type SetToolsCall struct {
	// Tools is a copy of the definitions passed to SetTools.
	Tools []realtime.Tool
}

// FunctionResultCall records a single invocation of
// Session.SendFunctionResult.
type FunctionResultCall struct {
	CallID string
	Result string
}

// Session is a mock implementation of realtime.SessionHandle.
// The test owns the four output channels; populate them directly and call
// CloseStreams when the session should appear to end.
type Session struct {
	mu sync.Mutex

	// AudioCh is the channel returned by Audio().
	AudioCh chan []byte

	// TranscriptsCh is the channel returned by Transcripts().
	TranscriptsCh chan realtime.TranscriptEvent

	// CallsCh is the channel returned by FunctionCalls().
	CallsCh chan realtime.FunctionCall

	// EventsCh is the channel returned by Events().
	EventsCh chan realtime.Event

	// --- Configurable errors ---

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendTextErr, if non-nil, is returned by every SendText call.
	SendTextErr error

	// ControlErr, if non-nil, is returned by CommitAudio, ClearAudio,
	// CreateResponse and CancelResponse.
	ControlErr error

	// UpdateInstructionsErr, if non-nil, is returned by every
	// UpdateInstructions call.
	UpdateInstructionsErr error

	// SetToolsErr, if non-nil, is returned by every SetTools call.
	SetToolsErr error

	// SendFunctionResultErr, if non-nil, is returned by every
	// SendFunctionResult call.
	SendFunctionResultErr error

	// ErrResult is returned by Err.
	ErrResult error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// SendTextCalls records the text of every SendText call in order.
	SendTextCalls []string

	// CommitAudioCallCount is the number of CommitAudio calls.
	CommitAudioCallCount int

	// ClearAudioCallCount is the number of ClearAudio calls.
	ClearAudioCallCount int

	// CreateResponseCallCount is the number of CreateResponse calls.
	CreateResponseCallCount int

	// CancelResponseCallCount is the number of CancelResponse calls.
	CancelResponseCallCount int

	// UpdateInstructionsCalls records every UpdateInstructions call in
	// order.
	UpdateInstructionsCalls []string

	// SetToolsCalls records every call to SetTools in order.
	SetToolsCalls []SetToolsCall

	// SendFunctionResultCalls records every call to SendFunctionResult in
	// order.
	SendFunctionResultCalls []FunctionResultCall

	// CloseCallCount is the number of Close calls.
	CloseCallCount int

	closeStreams sync.Once
}

var _ realtime.SessionHandle = (*Session)(nil)

// NewSession returns a Session with buffered output channels.
func NewSession() *Session {
	return &Session{
		AudioCh:       make(chan []byte, 64),
		TranscriptsCh: make(chan realtime.TranscriptEvent, 16),
		CallsCh:       make(chan realtime.FunctionCall, 8),
		EventsCh:      make(chan realtime.Event, 16),
	}
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

// SendText records the call and returns SendTextErr.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendTextCalls = append(s.SendTextCalls, text)
	return s.SendTextErr
}

// CommitAudio records the call and returns ControlErr.
func (s *Session) CommitAudio() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CommitAudioCallCount++
	return s.ControlErr
}

// ClearAudio records the call and returns ControlErr.
func (s *Session) ClearAudio() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ClearAudioCallCount++
	return s.ControlErr
}

// CreateResponse records the call and returns ControlErr.
func (s *Session) CreateResponse() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CreateResponseCallCount++
	return s.ControlErr
}

// CancelResponse records the call and returns ControlErr.
func (s *Session) CancelResponse() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CancelResponseCallCount++
	return s.ControlErr
}

// UpdateInstructions records the call and returns UpdateInstructionsErr.
func (s *Session) UpdateInstructions(instructions string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpdateInstructionsCalls = append(s.UpdateInstructionsCalls, instructions)
	return s.UpdateInstructionsErr
}

// SetTools records the call and returns SetToolsErr.
func (s *Session) SetTools(tools []realtime.Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]realtime.Tool, len(tools))
	copy(cp, tools)
	s.SetToolsCalls = append(s.SetToolsCalls, SetToolsCall{Tools: cp})
	return s.SetToolsErr
}

// SendFunctionResult records the call and returns SendFunctionResultErr.
func (s *Session) SendFunctionResult(callID, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendFunctionResultCalls = append(s.SendFunctionResultCalls, FunctionResultCall{CallID: callID, Result: result})
	return s.SendFunctionResultErr
}

// Audio returns AudioCh.
func (s *Session) Audio() <-chan []byte { return s.AudioCh }

// Transcripts returns TranscriptsCh.
func (s *Session) Transcripts() <-chan realtime.TranscriptEvent { return s.TranscriptsCh }

// FunctionCalls returns CallsCh.
func (s *Session) FunctionCalls() <-chan realtime.FunctionCall { return s.CallsCh }

// Events returns EventsCh.
func (s *Session) Events() <-chan realtime.Event { return s.EventsCh }

// Err returns ErrResult.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrResult
}

// Close records the call and returns CloseErr. It does not close the
// output channels; use CloseStreams for that.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// CloseStreams closes all four output channels. Idempotent.
func (s *Session) CloseStreams() {
	s.closeStreams.Do(func() {
		close(s.AudioCh)
		close(s.TranscriptsCh)
		close(s.CallsCh)
		close(s.EventsCh)
	})
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = nil
	s.SendTextCalls = nil
	s.CommitAudioCallCount = 0
	s.ClearAudioCallCount = 0
	s.CreateResponseCallCount = 0
	s.CancelResponseCallCount = 0
	s.UpdateInstructionsCalls = nil
	s.SetToolsCalls = nil
	s.SendFunctionResultCalls = nil
	s.CloseCallCount = 0
}
