package audio

import "time"

// AudioFrame is one chunk of captured microphone audio flowing through the
// satellite. Frames are the atomic unit of capture: read from the microphone,
// processed by the detectors, and forwarded to the assistant server in order.
type AudioFrame struct {
	// Data is little-endian signed 16-bit PCM.
	Data []byte

	// Seq is the capture sequence number. It is strictly increasing and
	// gap-free while a capture source is active; dropped frames do not
	// consume a number.
	Seq uint64

	// SampleRate in Hz (16000 for the detectors and the server stream).
	SampleRate int

	// Channels: 1 for the pipeline, possibly 2 for raw device capture.
	Channels int

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel carried by f.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / 2 / f.Channels
}

// Duration returns the playback length of f.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}
