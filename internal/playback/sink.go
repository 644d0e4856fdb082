// Package playback implements the TTS playback sink: it accepts synthesized
// speech chunks for one stream at a time, applies the configured volume
// multiplier, and feeds them to an [audio.Speaker] in arrival order without
// ever blocking the assistant.
package playback

import (
	"errors"
	"fmt"

	"github.com/MrWong99/satellite/pkg/audio"
)

var (
	// ErrStreamActive is returned by BeginStream while another stream is
	// still accepting or playing.
	ErrStreamActive = errors.New("playback: a stream is already active")

	// ErrUnknownStream is returned for chunks or ends of a stream that is not
	// the active one.
	ErrUnknownStream = errors.New("playback: unknown stream")

	// ErrStreamClosed is returned by PushChunk after EndStream.
	ErrStreamClosed = errors.New("playback: stream already ended")
)

// Options configure a [Sink].
type Options struct {
	// Volume multiplies every sample. Must be > 0; 1 leaves audio unchanged.
	Volume float64

	// StreamFormat is the PCM format of incoming chunks. Chunks are converted
	// to the speaker's format when they differ.
	StreamFormat audio.Format

	// OnStreamStart fires when the first chunk of a stream reaches the
	// speaker.
	OnStreamStart func(streamID string)

	// OnStreamEnd fires once the speaker has played the whole stream, or when
	// a started stream is aborted.
	OnStreamEnd func(streamID string)
}

// Sink is the TTS playback sink. It is not safe for concurrent use; the
// assistant owns it and drives it from its scheduling step.
type Sink struct {
	spk  audio.Speaker
	opts Options
	conv audio.FormatConverter

	stream    string
	volume    float64 // fixed for the stream at BeginStream
	accepting bool
	started   bool
	queue     [][]byte
	carry     []byte // odd trailing byte from the previous chunk
}

// New returns a sink writing to spk.
func New(spk audio.Speaker, opts Options) *Sink {
	if opts.Volume <= 0 {
		opts.Volume = 1
	}
	return &Sink{
		spk:  spk,
		opts: opts,
		conv: audio.FormatConverter{Target: spk.Format()},
	}
}

// SetVolume changes the multiplier for streams begun from now on. A stream
// in progress keeps its volume. Values <= 0 are ignored.
func (s *Sink) SetVolume(v float64) {
	if v > 0 {
		s.opts.Volume = v
	}
}

// Active returns the current stream ID, or "" if the sink is idle.
func (s *Sink) Active() string { return s.stream }

// BeginStream opens stream id.
func (s *Sink) BeginStream(id string) error {
	if s.stream != "" {
		return fmt.Errorf("%w: %s", ErrStreamActive, s.stream)
	}
	s.stream = id
	s.volume = s.opts.Volume
	s.accepting = true
	s.started = false
	s.queue = s.queue[:0]
	s.carry = nil
	s.conv.Reset()
	return nil
}

// PushChunk queues pcm for stream id. The chunk is copied, so the caller may
// reuse its buffer.
func (s *Sink) PushChunk(id string, pcm []byte) error {
	if id != s.stream || id == "" {
		return fmt.Errorf("%w: %q", ErrUnknownStream, id)
	}
	if !s.accepting {
		return ErrStreamClosed
	}
	buf := make([]byte, 0, len(s.carry)+len(pcm))
	buf = append(append(buf, s.carry...), pcm...)
	s.carry = nil
	if len(buf)%2 != 0 {
		s.carry = []byte{buf[len(buf)-1]}
		buf = buf[:len(buf)-1]
	}
	if len(buf) == 0 {
		return nil
	}
	audio.ScaleVolume(buf, s.volume)
	frame := s.conv.Convert(audio.AudioFrame{
		Data:       buf,
		SampleRate: s.opts.StreamFormat.SampleRate,
		Channels:   s.opts.StreamFormat.Channels,
	})
	s.queue = append(s.queue, frame.Data)
	return nil
}

// EndStream marks stream id complete. Queued audio keeps playing.
func (s *Sink) EndStream(id string) error {
	if id != s.stream || id == "" {
		return fmt.Errorf("%w: %q", ErrUnknownStream, id)
	}
	s.accepting = false
	s.carry = nil
	return nil
}

// Abort discards everything queued and releases the stream. Audio already
// handed to the speaker still plays out.
func (s *Sink) Abort() {
	if s.stream == "" {
		return
	}
	id, started := s.stream, s.started
	s.reset()
	if started && s.opts.OnStreamEnd != nil {
		s.opts.OnStreamEnd(id)
	}
}

// Step moves queued chunks to the speaker until it is full, and finishes the
// stream once it has been played. It returns the speaker's error, if any; the
// stream is aborted in that case.
func (s *Sink) Step() error {
	if s.stream == "" {
		return nil
	}
	for len(s.queue) > 0 {
		err := s.spk.PlayChunk(s.queue[0])
		if errors.Is(err, audio.ErrBufferFull) {
			return nil
		}
		if err != nil {
			s.Abort()
			return fmt.Errorf("playback: speaker: %w", err)
		}
		s.queue[0] = nil
		s.queue = s.queue[1:]
		if !s.started {
			s.started = true
			if s.opts.OnStreamStart != nil {
				s.opts.OnStreamStart(s.stream)
			}
		}
	}
	if s.accepting || !s.spk.Drained() {
		return nil
	}
	id, started := s.stream, s.started
	s.reset()
	if started && s.opts.OnStreamEnd != nil {
		s.opts.OnStreamEnd(id)
	}
	return nil
}

func (s *Sink) reset() {
	s.stream = ""
	s.accepting = false
	s.started = false
	s.queue = nil
	s.carry = nil
}
