// Package mock provides test doubles for the vad package interfaces.
//
// A Session replays a fixed list of events, one per frame:
//
//	sess := &mock.Session{Events: mock.Utterance(2, 3, 1)}
//	eng := &mock.Engine{Session: sess}
package mock

import (
	"errors"
	"sync"

	"github.com/MrWong99/satellite/pkg/provider/vad"
	"github.com/MrWong99/satellite/pkg/types"
)

// ErrClosed is returned by ProcessFrame after Close.
var ErrClosed = errors.New("mock vad: session closed")

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. If nil, a new default Session is
	// returned.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records the Config of every NewSession call.
	NewSessionCalls []vad.Config
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle. ProcessFrame
// returns Events in order, then Default.
type Session struct {
	mu sync.Mutex

	Events  []types.VADEvent
	Default types.VADEvent

	// ProcessFrameErr, if non-nil, is returned by every ProcessFrame call.
	ProcessFrameErr error

	// CloseErr, if non-nil, is returned by the first Close.
	CloseErr error

	frames, bytes int
	next          int
	resets        int
	closes        int
}

// ProcessFrame counts the frame and returns the next scripted event.
func (s *Session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closes > 0 {
		return types.VADEvent{}, ErrClosed
	}
	s.frames++
	s.bytes += len(frame)
	if s.ProcessFrameErr != nil {
		return types.VADEvent{}, s.ProcessFrameErr
	}
	if s.next < len(s.Events) {
		ev := s.Events[s.next]
		s.next++
		return ev, nil
	}
	return s.Default, nil
}

// Reset counts the call. The script position is kept so a test can check
// that a reset mid-utterance did not replay earlier events.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
}

// Close marks the session closed. Only the first call returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if s.closes == 1 {
		return s.CloseErr
	}
	return nil
}

// Frames returns the number of frames passed to ProcessFrame.
func (s *Session) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Bytes returns the total PCM bytes passed to ProcessFrame.
func (s *Session) Bytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// Resets returns how often Reset was called.
func (s *Session) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes > 0
}

var _ vad.SessionHandle = (*Session)(nil)

// Utterance scripts a single spoken phrase: lead frames of silence, speech
// frames of talking (the first reporting speech start), then trail frames of
// silence ending in a speech end.
func Utterance(lead, speech, trail int) []types.VADEvent {
	events := make([]types.VADEvent, 0, lead+speech+trail)
	for range lead {
		events = append(events, types.VADEvent{Type: types.VADSilence})
	}
	for i := range speech {
		ev := types.VADEvent{Type: types.VADSpeechContinue, Probability: 0.9}
		if i == 0 {
			ev.Type = types.VADSpeechStart
		}
		events = append(events, ev)
	}
	for i := range trail {
		ev := types.VADEvent{Type: types.VADSpeechContinue, Probability: 0.1}
		if i == trail-1 {
			ev = types.VADEvent{Type: types.VADSpeechEnd}
		}
		events = append(events, ev)
	}
	return events
}
