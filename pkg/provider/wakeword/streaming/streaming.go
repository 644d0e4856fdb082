// Package streaming implements [wakeword.Engine] for streaming models that
// score overlapping 30 ms windows of 16 kHz audio every 20 ms.
//
// Incoming frames of any length are accumulated; each time a full window is
// available the model is invoked and the window advances by one stride,
// keeping 10 ms of history for the next window. Probabilities are smoothed with
// a sliding mean and compared against the configured threshold.
package streaming

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/satellite/pkg/audio"
	"github.com/MrWong99/satellite/pkg/provider/wakeword"
	"github.com/MrWong99/satellite/pkg/types"
)

const (
	// FeatureDuration is the span of audio scored by one inference.
	FeatureDuration = 30 * time.Millisecond

	// FeatureStride is how far the window advances between inferences.
	FeatureStride = 20 * time.Millisecond
)

// ErrClosed is returned by ProcessFrame after Close.
var ErrClosed = errors.New("streaming: session closed")

// ModelFactory creates a fresh model instance per session.
type ModelFactory func() (wakeword.Model, error)

// Engine creates streaming sessions around models from a factory.
type Engine struct {
	newModel ModelFactory
}

var _ wakeword.Engine = (*Engine)(nil)

// New returns an engine that builds one model per session.
func New(newModel ModelFactory) *Engine {
	return &Engine{newModel: newModel}
}

// NewSession implements [wakeword.Engine].
func (e *Engine) NewSession(cfg wakeword.Config) (wakeword.SessionHandle, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if e.newModel == nil {
		return nil, errors.New("streaming: no model factory")
	}
	m, err := e.newModel()
	if err != nil {
		return nil, fmt.Errorf("streaming: create model: %w", err)
	}
	windowSamples := samplesFor(cfg.SampleRate, FeatureDuration)
	strideSamples := samplesFor(cfg.SampleRate, FeatureStride)
	s := &Session{
		cfg:    cfg,
		model:  m,
		window: windowSamples,
		stride: strideSamples,
		probs:  make([]float64, cfg.WindowLength),
	}
	s.Reset()
	return s, nil
}

func samplesFor(rate int, d time.Duration) int {
	return int(int64(rate) * int64(d) / int64(time.Second))
}

// Session is a single streaming detector.
type Session struct {
	cfg    wakeword.Config
	model  wakeword.Model
	window int
	stride int

	buf     []int16
	probs   []float64 // ring of recent probabilities
	next    int
	ignore  int
	strides int64
	closed  bool
}

var _ wakeword.SessionHandle = (*Session)(nil)

// ProcessFrame implements [wakeword.SessionHandle].
func (s *Session) ProcessFrame(frame []byte) (types.DetectionEvent, bool, error) {
	if s.closed {
		return types.DetectionEvent{}, false, ErrClosed
	}
	s.buf = append(s.buf, audio.Samples(frame)...)

	var (
		ev       types.DetectionEvent
		detected bool
	)
	for len(s.buf) >= s.window {
		p, err := s.model.Infer(s.buf[:s.window])
		if err != nil {
			return types.DetectionEvent{}, false, fmt.Errorf("streaming: infer: %w", err)
		}
		s.buf = append(s.buf[:0], s.buf[s.stride:]...)
		s.strides++

		s.probs[s.next] = p
		s.next = (s.next + 1) % len(s.probs)

		if s.ignore > 0 {
			s.ignore--
			continue
		}
		if detected {
			continue
		}
		if mean := s.mean(); mean >= s.cfg.Threshold {
			detected = true
			ev = types.DetectionEvent{
				Kind:          types.DetectionWakeWord,
				Confidence:    mean,
				HasConfidence: true,
				Timestamp:     time.Duration(s.strides) * FeatureStride,
			}
			s.rearm()
		}
	}
	return ev, detected, nil
}

func (s *Session) mean() float64 {
	var sum float64
	for _, p := range s.probs {
		sum += p
	}
	return sum / float64(len(s.probs))
}

// rearm clears smoothing history and restarts the settle period without
// dropping buffered audio.
func (s *Session) rearm() {
	clear(s.probs)
	s.next = 0
	s.ignore = s.cfg.IgnoreWindows
}

// Reset implements [wakeword.SessionHandle].
func (s *Session) Reset() {
	s.buf = s.buf[:0]
	s.strides = 0
	s.rearm()
	if s.model != nil {
		s.model.Reset()
	}
}

// Close implements [wakeword.SessionHandle].
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.model.Close()
}
