// Package audio defines the hardware capabilities the satellite drives and the
// PCM helpers shared by the capture and playback paths.
//
// The two capabilities are:
//
//   - [Microphone] delivers raw PCM frames without blocking.
//   - [Speaker] accepts PCM chunks without blocking and reports when it has
//     played everything it was given.
//
// Implementations are provided by backend packages (audio/pipe for named pipes,
// files and child processes; audio/mock for tests). Both interfaces are narrow
// so the orchestration core stays decoupled from drivers.
package audio

import "errors"

var (
	// ErrNoData is returned by [Microphone.ReadFrame] when no complete frame
	// is available yet. It is not a failure.
	ErrNoData = errors.New("audio: no data available")

	// ErrOverrun is returned by [Microphone.ReadFrame] when the device
	// discarded audio because it was not read fast enough. The frame is lost.
	ErrOverrun = errors.New("audio: capture overrun")

	// ErrBufferFull is returned by [Speaker.PlayChunk] when the device has no
	// free buffer slot. The caller retries the same chunk later.
	ErrBufferFull = errors.New("audio: speaker buffer full")

	// ErrClosed is returned by devices after Stop or Close.
	ErrClosed = errors.New("audio: device closed")
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Microphone is the capture capability.
//
// Implementations must be safe for concurrent use: Start and Stop may be
// called from a different goroutine than ReadFrame.
type Microphone interface {
	// Start acquires the device. Calling Start on a started microphone is a
	// no-op.
	Start() error

	// Stop releases the device and discards any buffered audio. Calling Stop
	// on a stopped microphone is a no-op.
	Stop() error

	// ReadFrame returns the next captured frame. It never blocks: when no
	// frame is ready it returns [ErrNoData]. Seq is left zero; sequencing is
	// the capture source's job.
	ReadFrame() (AudioFrame, error)
}

// Speaker is the playback capability.
//
// Implementations must be safe for concurrent use.
type Speaker interface {
	// Format returns the PCM format PlayChunk expects.
	Format() Format

	// PlayChunk queues pcm for playback. It never blocks: when the device has
	// no free slot it returns [ErrBufferFull] and does not take the chunk.
	PlayChunk(pcm []byte) error

	// Drained reports whether every accepted chunk has been played.
	Drained() bool
}
