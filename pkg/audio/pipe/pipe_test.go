package pipe_test

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/satellite/pkg/audio"
	"github.com/MrWong99/satellite/pkg/audio/pipe"
)

var format = audio.Format{SampleRate: 16000, Channels: 1}

// frameBytes is 10 ms of 16 kHz mono.
const frameBytes = 320

func pipeOpener(r io.ReadCloser) pipe.Opener[io.ReadCloser] {
	return func() (io.ReadCloser, error) { return r, nil }
}

// poll calls ReadFrame until it returns something other than ErrNoData.
func poll(t *testing.T, mic *pipe.Microphone) (audio.AudioFrame, error) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f, err := mic.ReadFrame()
		if !errors.Is(err, audio.ErrNoData) {
			return f, err
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for a frame")
	return audio.AudioFrame{}, nil
}

func TestMicrophone_ReadsFixedFrames(t *testing.T) {
	r, w := io.Pipe()
	mic := pipe.NewMicrophone(pipeOpener(r), format, 10*time.Millisecond, 4)

	if _, err := mic.ReadFrame(); !errors.Is(err, audio.ErrClosed) {
		t.Fatalf("ReadFrame before Start: err = %v, want ErrClosed", err)
	}
	if err := mic.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = mic.Stop() })

	go func() {
		_, _ = w.Write(bytes.Repeat([]byte{1}, frameBytes))
		_, _ = w.Write(bytes.Repeat([]byte{2}, frameBytes))
	}()

	for i, want := range []byte{1, 2} {
		f, err := poll(t, mic)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if len(f.Data) != frameBytes || f.Data[0] != want {
			t.Errorf("frame %d: len=%d first=%d, want len=%d first=%d", i, len(f.Data), f.Data[0], frameBytes, want)
		}
		if f.SampleRate != 16000 || f.Channels != 1 {
			t.Errorf("frame %d: format %dHz %dch", i, f.SampleRate, f.Channels)
		}
	}
}

func TestMicrophone_ReportsOverrun(t *testing.T) {
	r, w := io.Pipe()
	mic := pipe.NewMicrophone(pipeOpener(r), format, 10*time.Millisecond, 1)
	if err := mic.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = mic.Stop() })

	// Three frames into a one-frame queue: at least one is lost.
	if _, err := w.Write(make([]byte, 3*frameBytes)); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Writes to io.Pipe return once the reader consumed the bytes; give the
	// loop a moment to attempt the enqueue of the last frame.
	time.Sleep(20 * time.Millisecond)

	_, err := mic.ReadFrame()
	if !errors.Is(err, audio.ErrOverrun) {
		t.Fatalf("err = %v, want ErrOverrun", err)
	}
	if _, err := mic.ReadFrame(); err != nil {
		t.Fatalf("frame after overrun: %v", err)
	}
}

func TestMicrophone_StreamEndIsReported(t *testing.T) {
	r, w := io.Pipe()
	mic := pipe.NewMicrophone(pipeOpener(r), format, 10*time.Millisecond, 4)
	if err := mic.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = mic.Stop() })
	_ = w.Close()

	_, err := poll(t, mic)
	if err == nil || errors.Is(err, audio.ErrOverrun) {
		t.Fatalf("err = %v, want stream error", err)
	}
}

// closeRecorder reports when the microphone closes its stream.
type closeRecorder struct {
	io.Reader
	closed chan struct{}
}

func (c *closeRecorder) Close() error {
	close(c.closed)
	return nil
}

func TestMicrophone_StopDoesNotWaitForOpen(t *testing.T) {
	release := make(chan struct{})
	late := &closeRecorder{Reader: bytes.NewReader(nil), closed: make(chan struct{})}
	mic := pipe.NewMicrophone(func() (io.ReadCloser, error) {
		<-release
		return late, nil
	}, format, 10*time.Millisecond, 4)

	if err := mic.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stopped := make(chan error, 1)
	go func() { stopped <- mic.Stop() }()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked while the stream was still opening")
	}
	if _, err := mic.ReadFrame(); !errors.Is(err, audio.ErrClosed) {
		t.Errorf("ReadFrame after Stop: err = %v, want ErrClosed", err)
	}

	close(release)
	select {
	case <-late.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("stream opened after Stop was not closed")
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Close() error { return nil }

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

func TestSpeaker_WritesInOrder(t *testing.T) {
	out := &syncBuffer{}
	spk, err := pipe.NewSpeaker(func() (io.WriteCloser, error) { return out, nil }, format, 8)
	if err != nil {
		t.Fatalf("NewSpeaker: %v", err)
	}
	t.Cleanup(func() { _ = spk.Close() })

	for _, b := range []byte{1, 2, 3} {
		if err := spk.PlayChunk([]byte{b, b}); err != nil {
			t.Fatalf("PlayChunk(%d): %v", b, err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for !spk.Drained() {
		if time.Now().After(deadline) {
			t.Fatal("speaker never drained")
		}
		time.Sleep(time.Millisecond)
	}
	if got, want := out.Bytes(), []byte{1, 1, 2, 2, 3, 3}; !bytes.Equal(got, want) {
		t.Errorf("written = %v, want %v", got, want)
	}
}

// blockingWriter blocks every Write until release is closed.
type blockingWriter struct{ release chan struct{} }

func (w *blockingWriter) Write(p []byte) (int, error) {
	<-w.release
	return len(p), nil
}

func (w *blockingWriter) Close() error { return nil }

func TestSpeaker_BufferFull(t *testing.T) {
	bw := &blockingWriter{release: make(chan struct{})}
	spk, err := pipe.NewSpeaker(func() (io.WriteCloser, error) { return bw, nil }, format, 1)
	if err != nil {
		t.Fatalf("NewSpeaker: %v", err)
	}
	defer func() {
		close(bw.release)
		_ = spk.Close()
	}()

	// One chunk in flight in the writer, one queued, then the queue is full.
	var full bool
	for range 3 {
		if err := spk.PlayChunk([]byte{0, 0}); errors.Is(err, audio.ErrBufferFull) {
			full = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !full {
		t.Fatal("expected ErrBufferFull")
	}
	if spk.Drained() {
		t.Error("Drained() = true with chunks pending")
	}
}
