package streaming

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/satellite/pkg/provider/wakeword"
)

// closeGrace is how long Close waits for the model process to exit after its
// stdin is closed before killing it.
const closeGrace = 2 * time.Second

// CommandModel returns a factory for models served by an external process,
// typically a small script around an openWakeWord or microWakeWord model.
// Each session starts its own process from argv.
//
// The process reads requests on stdin. A request is a little-endian uint32
// sample count followed by that many little-endian int16 samples. The
// process answers each request with one line holding the wake-word
// probability in [0, 1]. A count of zero asks it to reset its streaming state
// and gets no answer.
//
// Infer fails when no answer arrives within timeout.
func CommandModel(argv []string, timeout time.Duration) ModelFactory {
	return func() (wakeword.Model, error) {
		return startCommand(argv, timeout)
	}
}

type commandModel struct {
	name    string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	file    *os.File // stdout, for read deadlines
	timeout time.Duration

	req []byte
	err error // sticky write error from Reset
}

var _ wakeword.Model = (*commandModel)(nil)

func startCommand(argv []string, timeout time.Duration) (*commandModel, error) {
	if len(argv) == 0 {
		return nil, errors.New("streaming: empty model command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("streaming: stdin of %s: %w", argv[0], err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("streaming: stdout of %s: %w", argv[0], err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("streaming: start %s: %w", argv[0], err)
	}
	m := &commandModel{
		name:    argv[0],
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReader(stdout),
		timeout: timeout,
	}
	m.file, _ = stdout.(*os.File)
	return m, nil
}

func (m *commandModel) Infer(window []int16) (float64, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.req = binary.LittleEndian.AppendUint32(m.req[:0], uint32(len(window)))
	for _, s := range window {
		m.req = binary.LittleEndian.AppendUint16(m.req, uint16(s))
	}
	if _, err := m.stdin.Write(m.req); err != nil {
		return 0, fmt.Errorf("streaming: write to %s: %w", m.name, err)
	}

	if m.file != nil && m.timeout > 0 {
		_ = m.file.SetReadDeadline(time.Now().Add(m.timeout))
	}
	line, err := m.stdout.ReadString('\n')
	if err != nil {
		return 0, fmt.Errorf("streaming: read from %s: %w", m.name, err)
	}
	p, err := strconv.ParseFloat(strings.TrimSpace(line), 64)
	if err != nil {
		return 0, fmt.Errorf("streaming: %s answered %q: %w", m.name, strings.TrimSpace(line), err)
	}
	if math.IsNaN(p) || p < 0 || p > 1 {
		return 0, fmt.Errorf("streaming: %s answered probability %v outside [0, 1]", m.name, p)
	}
	return p, nil
}

func (m *commandModel) Reset() {
	if m.err != nil {
		return
	}
	if _, err := m.stdin.Write([]byte{0, 0, 0, 0}); err != nil {
		m.err = fmt.Errorf("streaming: reset %s: %w", m.name, err)
	}
}

// Close ends the process by closing its stdin, killing it if it does not
// exit within closeGrace.
func (m *commandModel) Close() error {
	_ = m.stdin.Close()
	done := make(chan error, 1)
	go func() { done <- m.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(closeGrace):
		_ = m.cmd.Process.Kill()
		<-done
		return fmt.Errorf("streaming: %s did not exit, killed", m.name)
	}
}
