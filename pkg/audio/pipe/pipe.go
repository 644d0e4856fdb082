// Package pipe implements [audio.Microphone] and [audio.Speaker] on top of byte
// streams: named pipes, files, or the stdio of a child process such as
// `arecord -t raw` and `aplay -t raw`. Raw little-endian int16 PCM flows in both
// directions.
//
// A background goroutine per device moves bytes between the stream and a
// bounded frame queue, so ReadFrame and PlayChunk never block the caller.
package pipe

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/satellite/pkg/audio"
)

// DefaultQueueFrames is the number of frames buffered between the stream and
// the caller when no explicit size is given.
const DefaultQueueFrames = 32

// Opener returns a fresh stream each time the device starts.
type Opener[T io.Closer] func() (T, error)

// FileReader opens path for reading. Named pipes block in open until a writer
// appears, so the open happens on the device goroutine and Stop does not wait
// for it.
func FileReader(path string) Opener[io.ReadCloser] {
	return func() (io.ReadCloser, error) { return os.Open(path) }
}

// FileWriter opens path for writing, creating it if needed.
func FileWriter(path string) Opener[io.WriteCloser] {
	return func() (io.WriteCloser, error) {
		return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	}
}

// CommandReader starts argv and reads its stdout.
func CommandReader(argv []string) Opener[io.ReadCloser] {
	return func() (io.ReadCloser, error) {
		if len(argv) == 0 {
			return nil, errors.New("pipe: empty command")
		}
		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Stderr = os.Stderr
		out, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("pipe: stdout of %s: %w", argv[0], err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("pipe: start %s: %w", argv[0], err)
		}
		return &procReader{ReadCloser: out, cmd: cmd}, nil
	}
}

// CommandWriter starts argv and writes to its stdin.
func CommandWriter(argv []string) Opener[io.WriteCloser] {
	return func() (io.WriteCloser, error) {
		if len(argv) == 0 {
			return nil, errors.New("pipe: empty command")
		}
		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
		in, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("pipe: stdin of %s: %w", argv[0], err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("pipe: start %s: %w", argv[0], err)
		}
		return &procWriter{WriteCloser: in, cmd: cmd}, nil
	}
}

// procReader and procWriter close the pipe and then reap the child process.
type procReader struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (p *procReader) Close() error { return closeProc(p.ReadCloser, p.cmd) }

type procWriter struct {
	io.WriteCloser
	cmd *exec.Cmd
}

func (p *procWriter) Close() error { return closeProc(p.WriteCloser, p.cmd) }

func closeProc(c io.Closer, cmd *exec.Cmd) error {
	err := c.Close()
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	_ = cmd.Wait()
	return err
}

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone reads fixed-size PCM frames from a stream.
//
// Microphone is safe for concurrent use.
type Microphone struct {
	open       Opener[io.ReadCloser]
	format     audio.Format
	frameBytes int
	queueSize  int

	mu      sync.Mutex
	stream  io.ReadCloser
	frames  chan audio.AudioFrame
	done    chan struct{}
	exited  chan struct{} // closed when the current read loop returns
	readErr atomic.Pointer[error]
	overrun atomic.Bool
	started time.Time
}

var _ audio.Microphone = (*Microphone)(nil)

// NewMicrophone returns a microphone delivering frames of frameDur in format.
// queueFrames ≤ 0 selects [DefaultQueueFrames].
func NewMicrophone(open Opener[io.ReadCloser], format audio.Format, frameDur time.Duration, queueFrames int) *Microphone {
	if queueFrames <= 0 {
		queueFrames = DefaultQueueFrames
	}
	samples := int(int64(format.SampleRate) * int64(frameDur) / int64(time.Second))
	return &Microphone{
		open:       open,
		format:     format,
		frameBytes: samples * format.Channels * 2,
		queueSize:  queueFrames,
	}
}

// Start implements [audio.Microphone].
func (m *Microphone) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return nil
	}
	if m.frameBytes <= 0 {
		return fmt.Errorf("pipe: invalid frame size for %+v", m.format)
	}
	m.frames = make(chan audio.AudioFrame, m.queueSize)
	m.done = make(chan struct{})
	m.readErr.Store(nil)
	m.overrun.Store(false)
	m.started = time.Now()
	m.exited = make(chan struct{})
	go m.readLoop(m.frames, m.done, m.exited)
	return nil
}

// Stop implements [audio.Microphone]. A read loop still waiting in open is
// left behind; it closes the stream itself once open returns.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	if m.done == nil {
		m.mu.Unlock()
		return nil
	}
	close(m.done)
	m.done = nil
	stream, exited := m.stream, m.exited
	m.stream = nil
	m.mu.Unlock()

	if stream == nil {
		return nil
	}
	err := stream.Close()
	<-exited
	return err
}

// ReadFrame implements [audio.Microphone].
func (m *Microphone) ReadFrame() (audio.AudioFrame, error) {
	m.mu.Lock()
	frames, done := m.frames, m.done
	m.mu.Unlock()
	if done == nil {
		return audio.AudioFrame{}, audio.ErrClosed
	}
	if m.overrun.Swap(false) {
		return audio.AudioFrame{}, audio.ErrOverrun
	}
	select {
	case f := <-frames:
		return f, nil
	default:
	}
	if errp := m.readErr.Load(); errp != nil {
		return audio.AudioFrame{}, *errp
	}
	return audio.AudioFrame{}, audio.ErrNoData
}

func (m *Microphone) readLoop(frames chan<- audio.AudioFrame, done <-chan struct{}, exited chan<- struct{}) {
	defer close(exited)

	stream, err := m.open()
	if err != nil {
		select {
		case <-done:
		default:
			m.fail(fmt.Errorf("pipe: open microphone: %w", err))
		}
		return
	}
	m.mu.Lock()
	if m.done != done {
		// Stopped while opening.
		m.mu.Unlock()
		_ = stream.Close()
		return
	}
	m.stream = stream
	m.mu.Unlock()

	for {
		buf := make([]byte, m.frameBytes)
		if _, err := io.ReadFull(stream, buf); err != nil {
			select {
			case <-done:
			default:
				m.fail(fmt.Errorf("pipe: read microphone: %w", err))
			}
			return
		}
		frame := audio.AudioFrame{
			Data:       buf,
			SampleRate: m.format.SampleRate,
			Channels:   m.format.Channels,
			Timestamp:  time.Since(m.started),
		}
		select {
		case frames <- frame:
		case <-done:
			return
		default:
			m.overrun.Store(true)
		}
	}
}

func (m *Microphone) fail(err error) {
	slog.Warn("pipe: microphone stream ended", "err", err)
	m.readErr.Store(&err)
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker writes PCM chunks to a stream in order.
//
// Speaker is safe for concurrent use.
type Speaker struct {
	format audio.Format
	chunks chan []byte
	stream io.WriteCloser

	pending  atomic.Int64
	writeErr atomic.Pointer[error]
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

var _ audio.Speaker = (*Speaker)(nil)

// NewSpeaker opens the stream and starts the writer goroutine. queueChunks ≤ 0
// selects [DefaultQueueFrames].
func NewSpeaker(open Opener[io.WriteCloser], format audio.Format, queueChunks int) (*Speaker, error) {
	if queueChunks <= 0 {
		queueChunks = DefaultQueueFrames
	}
	stream, err := open()
	if err != nil {
		return nil, fmt.Errorf("pipe: open speaker: %w", err)
	}
	s := &Speaker{
		format: format,
		chunks: make(chan []byte, queueChunks),
		stream: stream,
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

// Format implements [audio.Speaker].
func (s *Speaker) Format() audio.Format { return s.format }

// PlayChunk implements [audio.Speaker].
func (s *Speaker) PlayChunk(pcm []byte) error {
	if errp := s.writeErr.Load(); errp != nil {
		return *errp
	}
	select {
	case <-s.done:
		return audio.ErrClosed
	default:
	}
	s.pending.Add(1)
	select {
	case s.chunks <- pcm:
		return nil
	default:
		s.pending.Add(-1)
		return audio.ErrBufferFull
	}
}

// Drained implements [audio.Speaker].
func (s *Speaker) Drained() bool { return s.pending.Load() == 0 }

// Close stops the writer and closes the stream. Queued chunks are discarded.
func (s *Speaker) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.stream.Close()
		s.wg.Wait()
	})
	return err
}

func (s *Speaker) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case chunk := <-s.chunks:
			_, err := s.stream.Write(chunk)
			s.pending.Add(-1)
			if err != nil {
				err = fmt.Errorf("pipe: write speaker: %w", err)
				s.writeErr.Store(&err)
				slog.Warn("pipe: speaker stream failed", "err", err)
				return
			}
		}
	}
}
