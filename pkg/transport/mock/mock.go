// Package mock provides an in-memory [transport.Transport] for unit tests.
//
// The mock starts connected. Tests queue server messages with Push, toggle the
// link with SetConnected, and inspect the Opened, Sent, Finalized and Closed
// records afterwards. It enforces the same session rules as the real client:
// one open session, no frames after Finalize, and nothing accepted for a
// closed handle.
//
// Example:
//
//	tr := mock.New()
//	tr.Push(transport.Message{Kind: transport.STTEnd, SessionID: id, Text: "hi"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/satellite/pkg/audio"
	"github.com/MrWong99/satellite/pkg/transport"
)

// SentFrame records one SendFrame call that was accepted.
type SentFrame struct {
	Handle transport.Handle
	Frame  audio.AudioFrame
}

// Transport is a mock implementation of [transport.Transport].
type Transport struct {
	mu sync.Mutex

	connected bool
	inbox     []transport.Message
	open      map[string]bool
	finalized map[string]bool

	// OpenErr, SendErr and FinalizeErr, if non-nil, are returned by the
	// corresponding methods.
	OpenErr     error
	SendErr     error
	FinalizeErr error

	// --- Call records ---

	// Opened records the options of every successful OpenSession.
	Opened []transport.SessionOptions

	// Sent records every accepted frame in order.
	Sent []SentFrame

	// Finalized records every successful Finalize.
	Finalized []transport.Handle

	// Closed records every Close call, including no-op calls.
	Closed []transport.Handle
}

var _ transport.Transport = (*Transport)(nil)

// New returns a connected mock transport.
func New() *Transport {
	return &Transport{
		connected: true,
		open:      make(map[string]bool),
		finalized: make(map[string]bool),
	}
}

// Push queues messages for Poll.
func (t *Transport) Push(msgs ...transport.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inbox = append(t.inbox, msgs...)
}

// SetConnected changes link state and queues the matching link event.
func (t *Transport) SetConnected(up bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected == up {
		return
	}
	t.connected = up
	kind := transport.ClientDisconnected
	if up {
		kind = transport.ClientConnected
	}
	t.inbox = append(t.inbox, transport.Message{Kind: kind})
}

// OpenSessions returns the IDs of sessions currently open.
func (t *Transport) OpenSessions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for id := range t.open {
		out = append(out, id)
	}
	return out
}

// SentFrames returns a copy of the accepted frames.
func (t *Transport) SentFrames() []SentFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SentFrame, len(t.Sent))
	copy(out, t.Sent)
	return out
}

// OpenSession implements [transport.Transport].
func (t *Transport) OpenSession(_ context.Context, opts transport.SessionOptions) (transport.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.OpenErr != nil {
		return transport.Handle{}, t.OpenErr
	}
	if !t.connected {
		return transport.Handle{}, transport.ErrNotConnected
	}
	if len(t.open) > 0 {
		return transport.Handle{}, transport.ErrSessionOpen
	}
	t.open[opts.SessionID] = true
	t.Opened = append(t.Opened, opts)
	return transport.Handle{SessionID: opts.SessionID}, nil
}

// SendFrame implements [transport.Transport].
func (t *Transport) SendFrame(h transport.Handle, frame audio.AudioFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open[h.SessionID] {
		return transport.ErrUnknownSession
	}
	if t.finalized[h.SessionID] {
		return transport.ErrFinalized
	}
	if !t.connected {
		return transport.ErrNotConnected
	}
	if t.SendErr != nil {
		return t.SendErr
	}
	t.Sent = append(t.Sent, SentFrame{Handle: h, Frame: frame})
	return nil
}

// Finalize implements [transport.Transport].
func (t *Transport) Finalize(h transport.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open[h.SessionID] {
		return transport.ErrUnknownSession
	}
	if t.finalized[h.SessionID] {
		return transport.ErrFinalized
	}
	if t.FinalizeErr != nil {
		return t.FinalizeErr
	}
	t.finalized[h.SessionID] = true
	t.Finalized = append(t.Finalized, h)
	return nil
}

// Close implements [transport.Transport]. Like the real client, messages
// already queued for the session stay queued; the caller filters them.
func (t *Transport) Close(h transport.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = append(t.Closed, h)
	delete(t.open, h.SessionID)
	return nil
}

// Poll implements [transport.Transport].
func (t *Transport) Poll() (transport.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.inbox) == 0 {
		return transport.Message{}, false
	}
	m := t.inbox[0]
	t.inbox = t.inbox[1:]
	return m, true
}

// Connected implements [transport.Transport].
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}
