// Package capture turns a raw [audio.Microphone] into the satellite's frame
// source: frames converted to the pipeline format, cleaned up by noise
// suppression and auto-gain, and numbered with gap-free sequence numbers.
//
// The source never blocks. When no frame is ready NextFrame returns
// [ErrNotReady]; the assistant treats that as "try again next step".
package capture

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/satellite/pkg/audio"
)

var (
	// ErrNotReady means no frame is available yet.
	ErrNotReady = errors.New("capture: no frame ready")

	// ErrFrameDropped means the device lost a frame (overrun or corrupt
	// data). No sequence number was consumed.
	ErrFrameDropped = errors.New("capture: frame dropped")

	// ErrInactive is returned by NextFrame before Start or after Stop.
	ErrInactive = errors.New("capture: source not active")
)

// Options configure a [Source].
type Options struct {
	// Format is the pipeline format frames are converted to.
	Format audio.Format

	// NoiseSuppressionLevel in [0, 4]; 0 disables suppression.
	NoiseSuppressionLevel int

	// AutoGainDBFS in [0, 31]; 0 disables auto-gain.
	AutoGainDBFS int
}

// Source is the audio frame source. It is not safe for concurrent use; the
// assistant owns it and calls it from its scheduling step.
type Source struct {
	mic  audio.Microphone
	opts Options

	conv audio.FormatConverter
	ns   *audio.NoiseSuppressor
	ag   *audio.AutoGain

	active bool
	next   uint64
	drops  int
}

// New wraps mic.
func New(mic audio.Microphone, opts Options) *Source {
	return &Source{
		mic:  mic,
		opts: opts,
		conv: audio.FormatConverter{Target: opts.Format},
		ns:   audio.NewNoiseSuppressor(opts.NoiseSuppressionLevel),
		ag:   audio.NewAutoGain(opts.AutoGainDBFS),
	}
}

// Start acquires the microphone and restarts sequencing at 1.
func (s *Source) Start() error {
	if s.active {
		return nil
	}
	if err := s.mic.Start(); err != nil {
		return fmt.Errorf("capture: start microphone: %w", err)
	}
	s.active = true
	s.next = 1
	s.drops = 0
	s.conv.Reset()
	s.ns.Reset()
	s.ag.Reset()
	return nil
}

// Stop releases the microphone. Audio buffered by the device is discarded.
func (s *Source) Stop() error {
	if !s.active {
		return nil
	}
	s.active = false
	if err := s.mic.Stop(); err != nil {
		return fmt.Errorf("capture: stop microphone: %w", err)
	}
	return nil
}

// Active reports whether the source holds the microphone.
func (s *Source) Active() bool { return s.active }

// Drops returns the number of frames dropped since Start.
func (s *Source) Drops() int { return s.drops }

// NextFrame returns the next processed frame.
func (s *Source) NextFrame() (audio.AudioFrame, error) {
	if !s.active {
		return audio.AudioFrame{}, ErrInactive
	}
	raw, err := s.mic.ReadFrame()
	switch {
	case err == nil:
	case errors.Is(err, audio.ErrNoData):
		return audio.AudioFrame{}, ErrNotReady
	case errors.Is(err, audio.ErrOverrun):
		s.drops++
		slog.Debug("capture: microphone overrun", "drops", s.drops)
		return audio.AudioFrame{}, ErrFrameDropped
	default:
		return audio.AudioFrame{}, fmt.Errorf("capture: read microphone: %w", err)
	}

	frame := s.conv.Convert(raw)
	if len(frame.Data) == 0 {
		s.drops++
		return audio.AudioFrame{}, ErrFrameDropped
	}
	if s.opts.NoiseSuppressionLevel > 0 || s.opts.AutoGainDBFS > 0 {
		// The converter may hand back the device's buffer; process a copy.
		if &frame.Data[0] == &raw.Data[0] {
			frame.Data = append([]byte(nil), frame.Data...)
		}
		s.ns.Process(frame.Data)
		s.ag.Process(frame.Data)
	}
	frame.Seq = s.next
	s.next++
	return frame, nil
}
