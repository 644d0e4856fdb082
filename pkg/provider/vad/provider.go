// Package vad detects speech in microphone audio.
//
// The assistant opens a session per utterance when local end-of-speech
// detection is enabled and feeds it every frame it streams. A session
// reports [VADSpeechStart] once speech has lasted [Config.SpeechFrames]
// frames and [VADSpeechEnd] after [Config.SilenceDuration] of silence, or
// after [Config.NoSpeechTimeout] when speech never started. The [energy]
// subpackage is the built-in detector.
package vad

import (
	"errors"
	"fmt"
	"time"
)

// Config parameterises one VAD session. Thresholds are probabilities in
// [0, 1]; engines map their own scores onto that range.
type Config struct {
	SampleRate  int
	FrameSizeMs int // see FrameBytes

	// SpeechThreshold classifies a frame as speech.
	SpeechThreshold float64
	// SilenceThreshold classifies a frame as silence once speech started.
	// Values between the two thresholds keep the current state.
	SilenceThreshold float64

	// SpeechFrames consecutive speech frames open a segment. Zero means 1.
	SpeechFrames int
	// SilenceDuration of silence closes it.
	SilenceDuration time.Duration

	// NoSpeechTimeout reports SpeechEnd when no segment opened within this
	// much audio. Zero waits for speech indefinitely.
	NoSpeechTimeout time.Duration
}

// FrameBytes is the length of one 16-bit mono frame. Engines reject frames
// of any other length.
func (cfg Config) FrameBytes() int {
	return cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2
}

// Validate reports whether cfg is usable by any engine.
func (cfg Config) Validate() error {
	var errs []error
	if cfg.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample rate must be positive, got %d", cfg.SampleRate))
	}
	if cfg.FrameSizeMs <= 0 {
		errs = append(errs, fmt.Errorf("vad: frame size must be positive, got %dms", cfg.FrameSizeMs))
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: speech threshold %v out of range [0, 1]", cfg.SpeechThreshold))
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		errs = append(errs, fmt.Errorf("vad: silence threshold %v must be in [0, speech threshold]", cfg.SilenceThreshold))
	}
	if cfg.SilenceDuration < 0 {
		errs = append(errs, fmt.Errorf("vad: negative silence duration %s", cfg.SilenceDuration))
	}
	if cfg.NoSpeechTimeout < 0 {
		errs = append(errs, fmt.Errorf("vad: negative no-speech timeout %s", cfg.NoSpeechTimeout))
	}
	return errors.Join(errs...)
}

// SessionHandle is the detector state for one audio stream.
type SessionHandle interface {
	// ProcessFrame classifies one PCM frame. It runs inside the assistant's
	// tick and must not block.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset forgets the current segment, e.g. after a gap in capture.
	Reset()

	// Close releases the session. Further ProcessFrame calls fail. Closing
	// twice returns nil.
	Close() error
}

// Engine creates VAD sessions. NewSession may be called concurrently.
type Engine interface {
	NewSession(cfg Config) (SessionHandle, error)
}
