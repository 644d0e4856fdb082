// Package wakeword defines the Engine interface for on-device wake-word
// detection.
//
// A wake-word engine consumes the same 16 kHz mono PCM frames as the voice
// activity detector and reports a [types.DetectionWakeWord] event when the
// wake phrase was heard. Detection runs synchronously inside the assistant's
// scheduling step, so ProcessFrame must return promptly and never block.
//
// The neural network that scores audio is external to this package: engines
// are built around a [Model], which the host registers at startup. The
// [streaming] package provides the windowing and smoothing shared by all
// streaming models.
package wakeword

import (
	"errors"
	"fmt"

	"github.com/MrWong99/satellite/pkg/types"
)

// Defaults for streaming wake-word models operating on 16 kHz audio.
const (
	// DefaultThreshold is the sliding-mean probability at or above which the
	// wake word is considered detected.
	DefaultThreshold = 0.4

	// DefaultWindowLength is the number of recent probabilities averaged.
	DefaultWindowLength = 8

	// DefaultIgnoreWindows is the number of inference strides ignored after
	// the detector is armed or fires, while the model's internal state
	// settles.
	DefaultIgnoreWindows = 74
)

// Config holds the parameters for a wake-word session.
type Config struct {
	// SampleRate of the PCM passed to ProcessFrame. Streaming models require
	// 16000.
	SampleRate int

	// Threshold is the detection cutoff in [0, 1].
	Threshold float64

	// WindowLength is the sliding-mean length in inference strides.
	WindowLength int

	// IgnoreWindows is the number of strides suppressed after arming or a
	// detection.
	IgnoreWindows int
}

// WithDefaults fills zero fields with the package defaults.
func (c Config) WithDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.Threshold == 0 {
		c.Threshold = DefaultThreshold
	}
	if c.WindowLength == 0 {
		c.WindowLength = DefaultWindowLength
	}
	if c.IgnoreWindows == 0 {
		c.IgnoreWindows = DefaultIgnoreWindows
	}
	return c
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("wakeword: sample rate must be positive, got %d", c.SampleRate))
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		errs = append(errs, fmt.Errorf("wakeword: threshold %v out of range (0, 1]", c.Threshold))
	}
	if c.WindowLength <= 0 {
		errs = append(errs, fmt.Errorf("wakeword: window length must be positive, got %d", c.WindowLength))
	}
	if c.IgnoreWindows < 0 {
		errs = append(errs, fmt.Errorf("wakeword: ignore windows must not be negative, got %d", c.IgnoreWindows))
	}
	return errors.Join(errs...)
}

// SessionHandle is a stateful detector for one capture stream.
//
// A SessionHandle should not be shared between goroutines.
type SessionHandle interface {
	// ProcessFrame consumes one little-endian int16 PCM frame. ok is true when
	// the wake word was detected within this frame; the returned event then
	// carries the smoothed confidence. At most one detection is reported per
	// call.
	ProcessFrame(frame []byte) (ev types.DetectionEvent, ok bool, err error)

	// Reset re-arms the detector: buffered audio and smoothing history are
	// discarded and the settle period starts again.
	Reset()

	// Close releases model resources. Calling Close more than once is safe.
	Close() error
}

// Engine is the factory for wake-word sessions.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	NewSession(cfg Config) (SessionHandle, error)
}

// Model is a streaming wake-word classifier. Infer is called once per stride
// with the most recent feature window and returns the probability that the
// wake word has just been spoken. Models keep internal streaming state between
// calls; Reset clears it.
type Model interface {
	Infer(window []int16) (float64, error)
	Reset()
	Close() error
}
