// Package mock provides test doubles for the wakeword package interfaces.
//
// Use Session to script detections frame by frame, and Model to feed the
// streaming engine a fixed sequence of probabilities.
//
// Example:
//
//	sess := &mock.Session{}
//	sess.DetectOnCall(3, 0.9) // the 3rd ProcessFrame call reports a detection
//	eng := &mock.Engine{Session: sess}
package mock

import (
	"sync"

	"github.com/MrWong99/satellite/pkg/provider/wakeword"
	"github.com/MrWong99/satellite/pkg/types"
)

// Engine is a mock implementation of wakeword.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. If nil, a new default Session is
	// returned.
	Session wakeword.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records the Config of every NewSession call.
	NewSessionCalls []wakeword.Config
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg wakeword.Config) (wakeword.SessionHandle, error) {
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

var _ wakeword.Engine = (*Engine)(nil)

// Session is a mock implementation of wakeword.SessionHandle.
type Session struct {
	mu sync.Mutex

	detect map[int]float64

	// ProcessFrameErr, if non-nil, is returned by every ProcessFrame call.
	ProcessFrameErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// ProcessFrameCount is the number of ProcessFrame calls.
	ProcessFrameCount int

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// DetectOnCall makes the n-th ProcessFrame call (1-based, counted since
// creation) report a detection with the given confidence.
func (s *Session) DetectOnCall(n int, confidence float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detect == nil {
		s.detect = make(map[int]float64)
	}
	s.detect[n] = confidence
}

// ProcessFrame records the call and returns the scripted result.
func (s *Session) ProcessFrame(_ []byte) (types.DetectionEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ProcessFrameCount++
	if s.ProcessFrameErr != nil {
		return types.DetectionEvent{}, false, s.ProcessFrameErr
	}
	c, ok := s.detect[s.ProcessFrameCount]
	if !ok {
		return types.DetectionEvent{}, false, nil
	}
	return types.DetectionEvent{Kind: types.DetectionWakeWord, Confidence: c, HasConfidence: true}, true, nil
}

// Reset records the call.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

var _ wakeword.SessionHandle = (*Session)(nil)

// Model is a mock implementation of wakeword.Model. Infer returns the values
// of Probabilities in order, then Default.
type Model struct {
	mu sync.Mutex

	// Probabilities are returned by successive Infer calls.
	Probabilities []float64

	// Default is returned once Probabilities is exhausted.
	Default float64

	// InferErr, if non-nil, is returned by every Infer call.
	InferErr error

	// WindowLens records the length of every window passed to Infer.
	WindowLens []int

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Infer implements wakeword.Model.
func (m *Model) Infer(window []int16) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WindowLens = append(m.WindowLens, len(window))
	if m.InferErr != nil {
		return 0, m.InferErr
	}
	if len(m.Probabilities) == 0 {
		return m.Default, nil
	}
	p := m.Probabilities[0]
	m.Probabilities = m.Probabilities[1:]
	return p, nil
}

// Reset implements wakeword.Model.
func (m *Model) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ResetCallCount++
}

// Close implements wakeword.Model.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCallCount++
	return nil
}

var _ wakeword.Model = (*Model)(nil)
