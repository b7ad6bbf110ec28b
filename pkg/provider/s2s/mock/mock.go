// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions. Use
// Session to script the remote side: push events with Emit and inspect what
// the code under test sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(s2s.Event{Kind: s2s.EventOpened})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/leadline/pkg/audio"
	"github.com/MrWong99/leadline/pkg/provider/s2s"
)

var _ s2s.Provider = (*Provider)(nil)
var _ s2s.Session = (*Session)(nil)

// ErrSessionClosed is returned by Session send methods after Close.
var ErrSessionClosed = errors.New("mock: session closed")

// ─── Provider ─────────────────────────────────────────────────────────────────

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// ConnectFunc, if set, replaces the default behaviour entirely. Use it to
	// block Connect or to return a fresh session per call.
	ConnectFunc func(ctx context.Context, cfg s2s.SessionConfig) (s2s.Session, error)

	// Session is returned by Connect. If nil, Connect returns a new Session.
	Session s2s.Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns ConnectFunc's result, or Session and
// ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Session, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	fn, sess, err := p.ConnectFunc, p.Session, p.ConnectErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, cfg)
	}
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}
	return NewSession(), nil
}

// Calls returns a copy of the recorded Connect calls.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// ─── Session ──────────────────────────────────────────────────────────────────

// eventBuffer bounds how many scripted events may be queued before the
// consumer reads them.
const eventBuffer = 256

// Session is a mock implementation of s2s.Session. Create it with
// [NewSession]; the zero value is not usable.
type Session struct {
	mu     sync.Mutex
	events chan s2s.Event
	closed bool

	// SendAudioErr, if non-nil, is returned by SendAudio.
	SendAudioErr error

	// SendToolResultErr, if non-nil, is returned by SendToolResult.
	SendToolResultErr error

	// CloseErr, if non-nil, is returned by every call to Close.
	CloseErr error

	// OnSendAudio, if set, is invoked after each recorded SendAudio.
	OnSendAudio func(audio.Blob)

	// OnSendToolResult, if set, is invoked after each recorded SendToolResult.
	OnSendToolResult func([]s2s.ToolResult)

	sentAudio   []audio.Blob
	toolResults [][]s2s.ToolResult
	closeCalls  int
}

// NewSession returns an open Session with a buffered event stream.
func NewSession() *Session {
	return &Session{events: make(chan s2s.Event, eventBuffer)}
}

// Emit queues ev on the event stream. It reports false if the session is
// closed or the buffer is full.
func (s *Session) Emit(ev s2s.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// SendAudio records blob.
func (s *Session) SendAudio(_ context.Context, blob audio.Blob) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.SendAudioErr != nil {
		err := s.SendAudioErr
		s.mu.Unlock()
		return err
	}
	s.sentAudio = append(s.sentAudio, blob)
	hook := s.OnSendAudio
	s.mu.Unlock()

	if hook != nil {
		hook(blob)
	}
	return nil
}

// SendToolResult records results.
func (s *Session) SendToolResult(_ context.Context, results ...s2s.ToolResult) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.SendToolResultErr != nil {
		err := s.SendToolResultErr
		s.mu.Unlock()
		return err
	}
	s.toolResults = append(s.toolResults, results)
	hook := s.OnSendToolResult
	s.mu.Unlock()

	if hook != nil {
		hook(results)
	}
	return nil
}

// Events returns the scripted event stream.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Close closes the event stream on first use and returns CloseErr on every use.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return s.CloseErr
}

// SentAudio returns a copy of every blob passed to SendAudio.
func (s *Session) SentAudio() []audio.Blob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.Blob, len(s.sentAudio))
	copy(out, s.sentAudio)
	return out
}

// ToolResults returns a copy of every SendToolResult batch.
func (s *Session) ToolResults() [][]s2s.ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]s2s.ToolResult, len(s.toolResults))
	copy(out, s.toolResults)
	return out
}

// CloseCalls returns how many times Close was called.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
