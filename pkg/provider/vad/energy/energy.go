// Package energy implements [vad.Engine] with an RMS energy detector.
//
// It needs no model, which makes it the default local VAD on devices without
// an accelerator. Thresholds in [vad.Config] are interpreted as normalised RMS
// levels (1.0 is full scale) rather than model probabilities; the reported
// Probability is the frame's RMS level clamped to [0, 1].
//
// Hysteresis avoids flicker: speech starts after SpeechFrames consecutive
// frames at or above SpeechThreshold and ends once the level stayed below
// SilenceThreshold for SilenceDuration. A session that hears no speech for
// NoSpeechTimeout reports SpeechEnd without a SpeechStart. Each session
// reports SpeechStart and SpeechEnd at most once; afterwards it reports
// silence until Reset.
package energy

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/satellite/pkg/audio"
	"github.com/MrWong99/satellite/pkg/provider/vad"
)

// Defaults suitable for 16 kHz speech in a quiet room.
const (
	DefaultSpeechLevel  = 0.015
	DefaultSilenceLevel = 0.008
)

// ErrClosed is returned by ProcessFrame after Close.
var ErrClosed = errors.New("energy: session closed")

// Engine creates energy VAD sessions. The zero value is ready to use.
type Engine struct{}

var _ vad.Engine = Engine{}

// New returns an energy VAD engine.
func New() Engine { return Engine{} }

// NewSession implements [vad.Engine].
func (Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = DefaultSpeechLevel
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = min(DefaultSilenceLevel, cfg.SpeechThreshold)
	}
	if cfg.SpeechFrames <= 0 {
		cfg.SpeechFrames = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Session{cfg: cfg}, nil
}

type phase int

const (
	waiting phase = iota
	speaking
	finished
)

// Session is a single energy detector.
type Session struct {
	cfg vad.Config

	phase       phase
	speechCount int
	silentFor   time.Duration
	waited      time.Duration // audio heard before speech started
	closed      bool
}

var _ vad.SessionHandle = (*Session)(nil)

// ProcessFrame implements [vad.SessionHandle].
func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if s.closed {
		return vad.VADEvent{}, ErrClosed
	}
	if want := s.cfg.FrameBytes(); len(frame) != want {
		return vad.VADEvent{}, fmt.Errorf("energy: frame of %d bytes, want %d", len(frame), want)
	}
	level := min(audio.RMS(frame), 1)
	dur := time.Duration(len(frame)/2) * time.Second / time.Duration(s.cfg.SampleRate)

	switch s.phase {
	case waiting:
		s.waited += dur
		if level >= s.cfg.SpeechThreshold {
			s.speechCount++
		} else {
			s.speechCount = 0
		}
		if s.speechCount < s.cfg.SpeechFrames {
			if s.cfg.NoSpeechTimeout > 0 && s.waited >= s.cfg.NoSpeechTimeout {
				s.phase = finished
				return vad.VADEvent{Type: vad.VADSpeechEnd, Probability: level}, nil
			}
			return vad.VADEvent{Type: vad.VADSilence, Probability: level}, nil
		}
		s.phase = speaking
		s.silentFor = 0
		return vad.VADEvent{Type: vad.VADSpeechStart, Probability: level}, nil

	case speaking:
		if level >= s.cfg.SilenceThreshold {
			s.silentFor = 0
			return vad.VADEvent{Type: vad.VADSpeechContinue, Probability: level}, nil
		}
		s.silentFor += dur
		if s.silentFor < s.cfg.SilenceDuration {
			return vad.VADEvent{Type: vad.VADSpeechContinue, Probability: level}, nil
		}
		s.phase = finished
		return vad.VADEvent{Type: vad.VADSpeechEnd, Probability: level}, nil

	default:
		return vad.VADEvent{Type: vad.VADSilence, Probability: level}, nil
	}
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.phase = waiting
	s.speechCount = 0
	s.silentFor = 0
	s.waited = 0
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	s.closed = true
	return nil
}
