// Package mock provides test doubles for the gateway package interfaces.
//
// Use Dialer to verify Dial calls and hand out controlled sessions. Use Session
// to push events into subscribers and inspect how often Close was invoked.
//
// Example:
//
//	sess := mock.NewSession()
//	d := &mock.Dialer{Session: sess}
//	handle, _ := d.Dial(ctx)
//	handle.Start()
//	sess.Emit(voice.UserSpeechStarted{})
package mock

import (
	"context"
	"sync"

	"github.com/coachai/coach/pkg/gateway"
	"github.com/coachai/coach/pkg/voice"
)

// Dialer is a mock implementation of gateway.Dialer.
type Dialer struct {
	mu sync.Mutex

	// Session is returned by Dial. If nil, Dial returns a fresh Session.
	Session gateway.Session

	// DialErr, if non-nil, is returned as the error from Dial.
	DialErr error

	// Block, if non-nil, makes Dial wait until it is closed or ctx is done.
	Block chan struct{}

	// DialCallCount is the number of times Dial was called.
	DialCallCount int
}

// Dial records the call and returns Session, DialErr.
func (d *Dialer) Dial(ctx context.Context) (gateway.Session, error) {
	d.mu.Lock()
	d.DialCallCount++
	block := d.Block
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	if d.Session != nil {
		return d.Session, nil
	}
	return NewSession(), nil
}

// Calls returns the number of Dial invocations. Thread-safe.
func (d *Dialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.DialCallCount
}

var _ gateway.Dialer = (*Dialer)(nil)

// Session is a mock implementation of gateway.Session.
type Session struct {
	events gateway.Broadcaster

	mu sync.Mutex

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	// EmitOnClose makes Close deliver a ConnectionClosed to subscribers the
	// way a real adapter does. Defaults to true via NewSession.
	EmitOnClose bool

	// OnStart, if non-nil, runs on every Start call. Use it to script what the
	// remote side sends as soon as delivery begins.
	OnStart func()

	// StartCallCount is the number of times Start was called.
	StartCallCount int
}

// NewSession returns a Session that emits ConnectionClosed on Close.
func NewSession() *Session {
	return &Session{EmitOnClose: true}
}

// Subscribe registers h.
func (s *Session) Subscribe(h voice.Handler) func() {
	return s.events.Subscribe(h)
}

// Start records the call and runs OnStart. Emit does not wait for Start.
func (s *Session) Start() {
	s.mu.Lock()
	s.StartCallCount++
	hook := s.OnStart
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
}

// Starts returns the number of Start invocations. Thread-safe.
func (s *Session) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StartCallCount
}

// Emit delivers events to all subscribers synchronously.
func (s *Session) Emit(events ...voice.Event) {
	for _, ev := range events {
		s.events.Publish(ev)
	}
}

// Subscribers returns the current subscriber count.
func (s *Session) Subscribers() int { return s.events.Len() }

// Close records the call, optionally emits ConnectionClosed once and returns
// CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	first := s.CloseCallCount == 1
	emit := s.EmitOnClose
	err := s.CloseErr
	s.mu.Unlock()

	if first && emit {
		s.events.Publish(voice.ConnectionClosed{})
	}
	return err
}

// Closes returns the number of Close invocations. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

var _ gateway.Session = (*Session)(nil)
