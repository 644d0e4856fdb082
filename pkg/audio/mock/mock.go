// Package mock provides in-memory mock implementations of the [audio.Microphone]
// and [audio.Speaker] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := &mock.Microphone{}
//	mic.Push(audio.AudioFrame{Data: pcm, SampleRate: 16000, Channels: 1})
//	mic.PushError(audio.ErrOverrun)
//	spk := &mock.Speaker{Capacity: 2}
package mock

import (
	"sync"

	"github.com/MrWong99/satellite/pkg/audio"
)

// ─── Microphone ───────────────────────────────────────────────────────────────

type readResult struct {
	frame audio.AudioFrame
	err   error
}

// Microphone is a mock implementation of [audio.Microphone]. Frames and errors
// queued with Push/PushError are returned by ReadFrame in order; once the queue
// is empty ReadFrame returns [audio.ErrNoData].
type Microphone struct {
	mu sync.Mutex

	queue []readResult

	// StartError is returned by Start.
	StartError error

	// StopError is returned by Stop.
	StopError error

	// Started reports whether Start was called more recently than Stop.
	Started bool

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// CallCountReadFrame records how many times ReadFrame was called.
	CallCountReadFrame int
}

// Push queues a frame for ReadFrame.
func (m *Microphone) Push(frames ...audio.AudioFrame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range frames {
		m.queue = append(m.queue, readResult{frame: f})
	}
}

// PushError queues an error for ReadFrame.
func (m *Microphone) PushError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, readResult{err: err})
}

// Pending returns the number of queued reads not yet consumed.
func (m *Microphone) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Start implements [audio.Microphone].
func (m *Microphone) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountStart++
	if m.StartError != nil {
		return m.StartError
	}
	m.Started = true
	return nil
}

// Stop implements [audio.Microphone]. Queued frames are kept so tests can
// pre-load audio before the device starts.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountStop++
	m.Started = false
	return m.StopError
}

// ReadFrame implements [audio.Microphone]. Returns [audio.ErrClosed] while not
// started.
func (m *Microphone) ReadFrame() (audio.AudioFrame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountReadFrame++
	if !m.Started {
		return audio.AudioFrame{}, audio.ErrClosed
	}
	if len(m.queue) == 0 {
		return audio.AudioFrame{}, audio.ErrNoData
	}
	r := m.queue[0]
	m.queue = m.queue[1:]
	return r.frame, r.err
}

var _ audio.Microphone = (*Microphone)(nil)

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker is a mock implementation of [audio.Speaker]. It accepts up to
// Capacity outstanding chunks (0 means unlimited) and "plays" them when the
// test calls Consume.
type Speaker struct {
	mu sync.Mutex

	// FormatResult is returned by Format. Defaults to 16 kHz mono.
	FormatResult audio.Format

	// Capacity is the number of unplayed chunks accepted before PlayChunk
	// returns [audio.ErrBufferFull]. Zero means unlimited.
	Capacity int

	// PlayError, if non-nil, is returned by every PlayChunk call.
	PlayError error

	// Chunks records every accepted chunk in order (copied).
	Chunks [][]byte

	// CallCountPlayChunk records how many times PlayChunk was called,
	// including rejected calls.
	CallCountPlayChunk int

	played int
}

// Format implements [audio.Speaker].
func (s *Speaker) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FormatResult == (audio.Format{}) {
		return audio.Format{SampleRate: 16000, Channels: 1}
	}
	return s.FormatResult
}

// PlayChunk implements [audio.Speaker].
func (s *Speaker) PlayChunk(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountPlayChunk++
	if s.PlayError != nil {
		return s.PlayError
	}
	if s.Capacity > 0 && len(s.Chunks)-s.played >= s.Capacity {
		return audio.ErrBufferFull
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.Chunks = append(s.Chunks, cp)
	return nil
}

// Drained implements [audio.Speaker].
func (s *Speaker) Drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.played == len(s.Chunks)
}

// Consume marks up to n accepted chunks as played. n < 0 plays everything.
func (s *Speaker) Consume(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	left := len(s.Chunks) - s.played
	if n < 0 || n > left {
		n = left
	}
	s.played += n
}

// Accepted returns a copy of every accepted chunk.
func (s *Speaker) Accepted() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.Chunks))
	copy(out, s.Chunks)
	return out
}

var _ audio.Speaker = (*Speaker)(nil)
