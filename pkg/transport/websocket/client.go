// Package websocket implements [transport.Transport] over a single persistent
// WebSocket connection using github.com/coder/websocket.
//
// Control messages are JSON text frames; microphone audio and synthesized
// speech travel as binary frames (see protocol.go). The connection is owned by
// the [Client]: [Client.Connect] dials and starts a read loop, a write loop and
// a ping loop. Any I/O failure tears the connection down, reports
// [transport.ClientDisconnected], and fails further sends with
// [transport.ErrNotConnected] until the supervisor connects again.
//
// Every transport method is non-blocking. Outbound frames go through a
// bounded queue drained by the write loop; inbound messages are buffered until
// the assistant polls them.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/satellite/pkg/audio"
	"github.com/MrWong99/satellite/pkg/audio/codec"
	"github.com/MrWong99/satellite/pkg/transport"
)

const (
	defaultSendQueue    = 64
	defaultRecvQueue    = 256
	defaultPingInterval = 15 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// Compile-time interface assertion.
var _ transport.Transport = (*Client)(nil)

// Option is a functional option for configuring a [Client].
type Option func(*Client)

// WithAPIKey sends key as a bearer token during the handshake.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		if key != "" {
			c.header.Set("Authorization", "Bearer "+key)
		}
	}
}

// WithHeader adds a handshake header.
func WithHeader(name, value string) Option {
	return func(c *Client) { c.header.Add(name, value) }
}

// WithCodec selects the audio codec by name ("pcm" or "opus").
func WithCodec(name string) Option {
	return func(c *Client) { c.codecName = name }
}

// WithQueueSizes overrides the outbound and inbound queue capacities.
func WithQueueSizes(send, recv int) Option {
	return func(c *Client) {
		if send > 0 {
			c.sendQueue = send
		}
		if recv > 0 {
			c.inbox = make(chan transport.Message, recv)
		}
	}
}

// WithPingInterval sets the keepalive interval. Zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) { c.pingInterval = d }
}

// WithWriteTimeout bounds each websocket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// Client is a WebSocket [transport.Transport].
//
// Client is safe for concurrent use.
type Client struct {
	url          string
	header       http.Header
	codecName    string
	sendQueue    int
	pingInterval time.Duration
	writeTimeout time.Duration

	inbox chan transport.Message

	mu       sync.Mutex
	conn     *connection
	sessions map[string]*session
	closed   bool
}

type session struct {
	id        string
	codec     codec.Codec
	finalized bool
	ended     bool
	streamID  string
}

type outbound struct {
	typ       websocket.MessageType
	data      []byte
	sessionID string // set for audio; dropped if the session closed meanwhile
}

// connection is one dialed websocket and its goroutines.
type connection struct {
	ws     *websocket.Conn
	out    chan outbound
	done   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a client for the server at url (ws:// or wss://). It does not
// dial; call [Client.Connect].
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:          url,
		header:       make(http.Header),
		codecName:    "pcm",
		sendQueue:    defaultSendQueue,
		pingInterval: defaultPingInterval,
		writeTimeout: defaultWriteTimeout,
		inbox:        make(chan transport.Message, defaultRecvQueue),
		sessions:     make(map[string]*session),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect dials the server. It returns an error if a connection is already up
// or the dial fails. ctx bounds only the handshake.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("websocket: client closed")
	}
	if c.conn != nil {
		c.mu.Unlock()
		return errors.New("websocket: already connected")
	}
	c.mu.Unlock()

	ws, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPHeader: c.header})
	if err != nil {
		return fmt.Errorf("websocket: dial %s: %w", c.url, err)
	}
	ws.SetReadLimit(1 << 20)

	loopCtx, cancel := context.WithCancel(context.Background())
	cn := &connection{
		ws:     ws,
		out:    make(chan outbound, c.sendQueue),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	c.mu.Lock()
	if c.closed || c.conn != nil {
		c.mu.Unlock()
		cancel()
		_ = ws.Close(websocket.StatusNormalClosure, "")
		return errors.New("websocket: connection superseded")
	}
	c.conn = cn
	c.mu.Unlock()

	cn.wg.Add(2)
	go c.readLoop(loopCtx, cn)
	go c.writeLoop(loopCtx, cn)
	if c.pingInterval > 0 {
		cn.wg.Add(1)
		go c.pingLoop(loopCtx, cn)
	}

	slog.Info("websocket: connected", "url", c.url)
	c.notify(transport.Message{Kind: transport.ClientConnected})
	return nil
}

// Done returns a channel closed when the current connection ends. If there is
// no connection it returns an already-closed channel.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.conn.done
}

// Connected implements [transport.Transport].
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Shutdown closes the connection permanently. Connect fails afterwards.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	c.closed = true
	cn := c.conn
	c.mu.Unlock()
	if cn != nil {
		c.drop(cn, nil)
		cn.wg.Wait()
	}
	return nil
}

// OpenSession implements [transport.Transport].
func (c *Client) OpenSession(_ context.Context, opts transport.SessionOptions) (transport.Handle, error) {
	if opts.SessionID == "" {
		return transport.Handle{}, errors.New("websocket: empty session id")
	}
	cd, err := codec.New(c.codecName, opts.SampleRate)
	if err != nil {
		return transport.Handle{}, fmt.Errorf("websocket: open session: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return transport.Handle{}, transport.ErrNotConnected
	}
	if len(c.sessions) > 0 {
		return transport.Handle{}, transport.ErrSessionOpen
	}
	data, err := json.Marshal(envelope{
		Type:                  typeRunStart,
		SessionID:             opts.SessionID,
		SampleRate:            opts.SampleRate,
		Codec:                 cd.Name(),
		WakeWord:              opts.WakeWord,
		SilenceDetection:      opts.SilenceDetection,
		NoiseSuppressionLevel: opts.NoiseSuppressionLevel,
		AutoGain:              opts.AutoGain,
		VolumeMultiplier:      opts.VolumeMultiplier,
	})
	if err != nil {
		return transport.Handle{}, fmt.Errorf("websocket: marshal run_start: %w", err)
	}
	if err := c.enqueueLocked(outbound{typ: websocket.MessageText, data: data}); err != nil {
		return transport.Handle{}, err
	}
	c.sessions[opts.SessionID] = &session{id: opts.SessionID, codec: cd}
	return transport.Handle{SessionID: opts.SessionID}, nil
}

// SendFrame implements [transport.Transport].
func (c *Client) SendFrame(h transport.Handle, frame audio.AudioFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[h.SessionID]
	if !ok {
		return transport.ErrUnknownSession
	}
	if s.finalized {
		return transport.ErrFinalized
	}
	if c.conn == nil {
		return transport.ErrNotConnected
	}
	payload, err := s.codec.Encode(frame.Data)
	if err != nil {
		return fmt.Errorf("websocket: frame %d: %w", frame.Seq, err)
	}
	data, err := encodeAudio(s.id, frame.Seq, payload)
	if err != nil {
		return err
	}
	return c.enqueueLocked(outbound{typ: websocket.MessageBinary, data: data, sessionID: s.id})
}

// Finalize implements [transport.Transport].
func (c *Client) Finalize(h transport.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[h.SessionID]
	if !ok {
		return transport.ErrUnknownSession
	}
	if s.finalized {
		return transport.ErrFinalized
	}
	if c.conn == nil {
		return transport.ErrNotConnected
	}
	data, _ := json.Marshal(envelope{Type: typeAudioEnd, SessionID: s.id})
	if err := c.enqueueLocked(outbound{typ: websocket.MessageText, data: data}); err != nil {
		return err
	}
	s.finalized = true
	return nil
}

// Close implements [transport.Transport]. A session the server has not ended
// yet is cancelled.
func (c *Client) Close(h transport.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[h.SessionID]
	if !ok {
		return nil
	}
	delete(c.sessions, h.SessionID)
	if s.ended || c.conn == nil {
		return nil
	}
	data, _ := json.Marshal(envelope{Type: typeRunCancel, SessionID: s.id})
	if err := c.enqueueLocked(outbound{typ: websocket.MessageText, data: data}); err != nil {
		slog.Warn("websocket: could not queue run_cancel", "session_id", s.id, "err", err)
	}
	return nil
}

// Poll implements [transport.Transport].
func (c *Client) Poll() (transport.Message, bool) {
	select {
	case m := <-c.inbox:
		return m, true
	default:
		return transport.Message{}, false
	}
}

// enqueueLocked queues o without blocking. c.mu must be held.
func (c *Client) enqueueLocked(o outbound) error {
	select {
	case c.conn.out <- o:
		return nil
	default:
		return transport.ErrQueueFull
	}
}

func (c *Client) sessionOpen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[id]
	return ok
}

// deliver hands m to the assistant, waiting for room in the inbox unless the
// connection is being torn down.
func (c *Client) deliver(ctx context.Context, m transport.Message) {
	select {
	case c.inbox <- m:
	case <-ctx.Done():
	}
}

// drop tears cn down once. A nil cause means an orderly close.
func (c *Client) drop(cn *connection, cause error) {
	cn.once.Do(func() {
		c.mu.Lock()
		if c.conn == cn {
			c.conn = nil
		}
		c.mu.Unlock()

		if cause != nil {
			_ = cn.ws.CloseNow()
		} else {
			_ = cn.ws.Close(websocket.StatusNormalClosure, "")
		}
		cn.cancel()
		close(cn.done)

		if cause != nil {
			slog.Warn("websocket: connection lost", "url", c.url, "err", cause)
		} else {
			slog.Info("websocket: disconnected", "url", c.url)
		}
		c.notify(transport.Message{Kind: transport.ClientDisconnected})
	})
}

// notify queues a link event without blocking. Link state is also available
// through Connected, so a full inbox only loses the event, not the state.
func (c *Client) notify(m transport.Message) {
	select {
	case c.inbox <- m:
	default:
		slog.Warn("websocket: inbox full, dropping link event", "kind", m.Kind)
	}
}

func (c *Client) readLoop(ctx context.Context, cn *connection) {
	defer cn.wg.Done()
	for {
		typ, data, err := cn.ws.Read(ctx)
		if err != nil {
			c.drop(cn, err)
			return
		}
		switch typ {
		case websocket.MessageText:
			c.handleText(ctx, data)
		case websocket.MessageBinary:
			c.handleBinary(ctx, data)
		}
	}
}

func (c *Client) handleText(ctx context.Context, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("websocket: malformed server message", "err", err)
		return
	}
	m, ok := env.toMessage()
	if !ok {
		slog.Debug("websocket: ignoring server message", "type", env.Type)
		return
	}

	c.mu.Lock()
	s, open := c.sessions[m.SessionID]
	if open {
		switch m.Kind {
		case transport.TTSStart:
			s.streamID = m.StreamID
		case transport.RunEnd:
			s.ended = true
		}
	}
	c.mu.Unlock()

	if !open && !(m.Kind == transport.Error && m.SessionID == "") {
		slog.Debug("websocket: dropping message for stale session", "type", env.Type, "session_id", m.SessionID)
		return
	}
	c.deliver(ctx, m)
}

func (c *Client) handleBinary(ctx context.Context, data []byte) {
	streamID, payload, err := decodeSpeech(data)
	if err != nil {
		slog.Warn("websocket: malformed speech frame", "err", err)
		return
	}

	c.mu.Lock()
	var s *session
	for _, cand := range c.sessions {
		if cand.streamID != "" && cand.streamID == streamID {
			s = cand
			break
		}
	}
	var (
		pcm    []byte
		decErr error
	)
	if s != nil {
		pcm, decErr = s.codec.Decode(payload)
	}
	c.mu.Unlock()

	if s == nil {
		slog.Debug("websocket: dropping speech for unknown stream", "stream_id", streamID)
		return
	}
	if decErr != nil {
		slog.Warn("websocket: undecodable speech frame", "stream_id", streamID, "err", decErr)
		return
	}
	c.deliver(ctx, transport.Message{
		Kind:      transport.TTSChunk,
		SessionID: s.id,
		StreamID:  streamID,
		Audio:     pcm,
	})
}

func (c *Client) writeLoop(ctx context.Context, cn *connection) {
	defer cn.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-cn.out:
			if o.sessionID != "" && !c.sessionOpen(o.sessionID) {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
			err := cn.ws.Write(wctx, o.typ, o.data)
			cancel()
			if err != nil {
				c.drop(cn, err)
				return
			}
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, cn *connection) {
	defer cn.wg.Done()
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
			err := cn.ws.Ping(pctx)
			cancel()
			if err != nil {
				c.drop(cn, fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}
