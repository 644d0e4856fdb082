// Package assistant implements the satellite's session state machine.
//
// The [Assistant] owns the microphone, the wake-word and voice activity
// detectors, the server transport session and the TTS playback sink, and
// moves a single [Session] through its phases:
//
//	Idle → WaitingForWakeWord → Listening → Streaming → WaitingForServer
//	     → TTSStreaming → Ended → Idle
//
// with any phase able to fail into Error → Ended → Idle. Nothing in the
// pipeline blocks: every component is polled from [Assistant.Tick], which
// [Assistant.Run] calls on a fixed interval. Lifecycle triggers are emitted
// synchronously on a [Bus].
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/satellite/internal/capture"
	"github.com/MrWong99/satellite/internal/observe"
	"github.com/MrWong99/satellite/internal/playback"
	"github.com/MrWong99/satellite/pkg/audio"
	"github.com/MrWong99/satellite/pkg/provider/vad"
	"github.com/MrWong99/satellite/pkg/provider/wakeword"
	"github.com/MrWong99/satellite/pkg/transport"
	"github.com/MrWong99/satellite/pkg/types"
)

var (
	// ErrSessionActive is returned by Start while a session is past the
	// wake-word stage.
	ErrSessionActive = errors.New("assistant: a session is already active")

	// ErrNotStreaming is returned by FinishListening outside Streaming.
	ErrNotStreaming = errors.New("assistant: not streaming audio")
)

// maxMessagesPerTick bounds the server messages handled in one step.
const maxMessagesPerTick = 64

// Session outcomes reported to metrics.
const (
	outcomeOK      = "ok"
	outcomeError   = "error"
	outcomeStopped = "stopped"
)

// Config holds the assistant's behaviour. It is read-only after [New].
type Config struct {
	// UseWakeWord gates sessions on the wake phrase and re-arms after each
	// session.
	UseWakeWord bool

	// UseLocalWakeWord runs detection on the device; otherwise the server
	// listens for the wake phrase. Requires [WithWakeWord].
	UseLocalWakeWord bool

	// VADThreshold enables local voice activity detection: consecutive speech
	// frames needed before speech counts as started. Nil leaves end of speech
	// to the server. Requires [WithVAD].
	VADThreshold *uint8

	// VADSpeechLevel is the detector's speech level; zero uses the engine
	// default.
	VADSpeechLevel float64

	NoiseSuppressionLevel int
	AutoGain              int
	VolumeMultiplier      float64

	// SilenceDetection is used by Start when no override is given.
	SilenceDetection bool
	SilenceTimeout   time.Duration

	// NoSpeechTimeout ends an utterance in which local VAD heard no speech
	// at all. Default 8s.
	NoSpeechTimeout time.Duration

	WakeWordThreshold float64
	WakeWordWindow    int

	// MaxFrameDrops aborts a session with a device error once exceeded.
	MaxFrameDrops int

	ResponseTimeout time.Duration
	ErrorRetryDelay time.Duration

	TickInterval  time.Duration
	FramesPerTick int

	// SampleRate and FrameDuration describe the pipeline's mono PCM frames.
	SampleRate    int
	FrameDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.FrameDuration == 0 {
		c.FrameDuration = 20 * time.Millisecond
	}
	if c.FramesPerTick <= 0 {
		c.FramesPerTick = 8
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 10 * time.Millisecond
	}
	if c.VolumeMultiplier <= 0 {
		c.VolumeMultiplier = 1
	}
	if c.SilenceTimeout == 0 {
		c.SilenceTimeout = 800 * time.Millisecond
	}
	if c.NoSpeechTimeout == 0 {
		c.NoSpeechTimeout = 8 * time.Second
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = 30 * time.Second
	}
	return c
}

func (c Config) vadConfig() vad.Config {
	cfg := vad.Config{
		SampleRate:      c.SampleRate,
		FrameSizeMs:     int(c.FrameDuration / time.Millisecond),
		SpeechThreshold: c.VADSpeechLevel,
		SilenceDuration: c.SilenceTimeout,
		NoSpeechTimeout: c.NoSpeechTimeout,
	}
	if c.VADThreshold != nil {
		cfg.SpeechFrames = int(*c.VADThreshold)
	}
	return cfg
}

// Option configures an [Assistant].
type Option func(*Assistant)

// WithSpeaker plays synthesized speech on spk. Without a speaker TTS audio
// is discarded, but the session still follows the server's TTS events.
func WithSpeaker(spk audio.Speaker) Option {
	return func(a *Assistant) { a.speaker = spk }
}

// WithWakeWord sets the local wake-word engine.
func WithWakeWord(e wakeword.Engine) Option {
	return func(a *Assistant) { a.wakeEngine = e }
}

// WithVAD sets the local voice activity detection engine.
func WithVAD(e vad.Engine) Option {
	return func(a *Assistant) { a.vadEngine = e }
}

// WithBus emits triggers on b instead of a private bus.
func WithBus(b *Bus) Option {
	return func(a *Assistant) { a.bus = b }
}

// WithMetrics records into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Assistant) { a.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Assistant) { a.now = now }
}

// WithIDGenerator replaces the random session ID generator.
func WithIDGenerator(fn func() string) Option {
	return func(a *Assistant) { a.newID = fn }
}

// Assistant is the session state machine. All methods are safe for
// concurrent use; they serialize on an internal lock, and trigger handlers
// run while it is held.
type Assistant struct {
	mu       sync.Mutex
	lastTick atomic.Int64 // unix nanos, readable without mu

	cfg     Config
	src     *capture.Source
	tr      transport.Transport
	sink    *playback.Sink
	speaker audio.Speaker
	bus     *Bus
	metrics *observe.Metrics
	now     func() time.Time
	newID   func() string

	wakeEngine wakeword.Engine
	vadEngine  vad.Engine
	wake       wakeword.SessionHandle
	vadSess    vad.SessionHandle

	phase       Phase
	sess        *Session
	continuous  bool
	connected   bool
	rearmAt     time.Time
	pending     *audio.AudioFrame // frame refused by a full send queue
	streamOwner string            // session whose speech the sink is playing
	nextVolume  float64           // applied when the active session ends
}

// New builds an assistant reading mic and talking to tr. Missing detector
// engines for enabled features are reported as [types.ConfigurationError].
func New(mic audio.Microphone, tr transport.Transport, cfg Config, opts ...Option) (*Assistant, error) {
	if mic == nil || tr == nil {
		return nil, types.NewError(types.ConfigurationError, "", "assistant: microphone and transport are required", nil)
	}
	a := &Assistant{
		cfg:   cfg.withDefaults(),
		tr:    tr,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(a)
	}
	if a.bus == nil {
		a.bus = NewBus()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	cfg = a.cfg

	format := audio.Format{SampleRate: cfg.SampleRate, Channels: 1}
	a.src = capture.New(mic, capture.Options{
		Format:                format,
		NoiseSuppressionLevel: cfg.NoiseSuppressionLevel,
		AutoGainDBFS:          cfg.AutoGain,
	})

	if cfg.UseLocalWakeWord {
		if !cfg.UseWakeWord {
			a.cfg.UseWakeWord = true
		}
		if a.wakeEngine == nil {
			return nil, types.NewError(types.ConfigurationError, "", "assistant: local wake word enabled without a wake-word engine", nil)
		}
		w, err := a.wakeEngine.NewSession(wakeword.Config{
			SampleRate:   cfg.SampleRate,
			Threshold:    cfg.WakeWordThreshold,
			WindowLength: cfg.WakeWordWindow,
		}.WithDefaults())
		if err != nil {
			return nil, types.NewError(types.ConfigurationError, "", "assistant: wake-word session", err)
		}
		a.wake = w
	}

	if cfg.VADThreshold != nil {
		if a.vadEngine == nil {
			return nil, types.NewError(types.ConfigurationError, "", "assistant: vad_threshold set without a VAD engine", nil)
		}
		if err := cfg.vadConfig().Validate(); err != nil {
			return nil, types.NewError(types.ConfigurationError, "", "assistant: vad settings", err)
		}
	}

	if a.speaker != nil {
		a.sink = playback.New(a.speaker, playback.Options{
			Volume:        cfg.VolumeMultiplier,
			StreamFormat:  format,
			OnStreamStart: a.onStreamStart,
			OnStreamEnd:   a.onStreamEnd,
		})
	}
	return a, nil
}

// Bus returns the trigger bus.
func (a *Assistant) Bus() *Bus { return a.bus }

// ─── Queries ──────────────────────────────────────────────────────────────────

// Phase returns the current phase.
func (a *Assistant) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// IsRunning reports whether a session exists (phase is not Idle).
func (a *Assistant) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase != PhaseIdle
}

// IsConnected reports the server link state as of the last step.
func (a *Assistant) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Session returns a snapshot of the active session.
func (a *Assistant) Session() (Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return Session{}, false
	}
	return a.sess.snapshot(), true
}

// ─── Actions ──────────────────────────────────────────────────────────────────

// Start begins a session without waiting for the wake word. silenceDetection
// overrides the configured default when non-nil. It is accepted while Idle or
// WaitingForWakeWord and returns [ErrSessionActive] otherwise, leaving the
// current session untouched.
func (a *Assistant) Start(ctx context.Context, silenceDetection *bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	sd := a.cfg.SilenceDetection
	if silenceDetection != nil {
		sd = *silenceDetection
	}

	switch a.phase {
	case PhaseIdle:
		a.startListening(ctx, a.newSession(ctx, false, sd))
	case PhaseWaitingForWakeWord:
		s := a.sess
		s.SilenceDetection = sd
		if s.handle.Valid() {
			// The open run waits for a server-side wake word; replace it.
			_ = a.tr.Close(s.handle)
			s.handle = transport.Handle{}
			s.ID = a.newID()
			s.span.SetAttributes(observe.AttrSessionID.String(s.ID))
		}
		a.startListening(ctx, s)
	default:
		return ErrSessionActive
	}
	return nil
}

// StartContinuous enables continuous mode: the assistant waits for the wake
// word (or, without wake word, listens directly) and re-arms after every
// session until Stop.
func (a *Assistant) StartContinuous(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.continuous = true
	if a.phase == PhaseIdle {
		a.rearmAt = time.Time{}
		a.maybeArm(ctx)
	}
	return nil
}

// Stop ends the active session within the current step: unsent audio is
// discarded, the transport session is closed, playback is cut and the
// assistant is back in Idle when Stop returns. Continuous mode is switched
// off. Speech still draining from an earlier session is cut as well.
func (a *Assistant) Stop(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stop(ctx)
}

func (a *Assistant) stop(ctx context.Context) {
	a.continuous = false
	if a.phase != PhaseIdle {
		a.finish(ctx, outcomeStopped)
	}
	if a.sink != nil {
		a.sink.Abort()
	}
}

// FinishListening ends the utterance as if silence had been detected.
func (a *Assistant) FinishListening(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase != PhaseStreaming {
		return ErrNotStreaming
	}
	a.endUtterance(ctx)
	return nil
}

// SetVolume changes the playback multiplier. While a session is active the
// change waits until it has ended. Values <= 0 are ignored.
func (a *Assistant) SetVolume(v float64) {
	if v <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess != nil {
		a.nextVolume = v
		return
	}
	a.applyVolume(v)
}

func (a *Assistant) applyVolume(v float64) {
	a.cfg.VolumeMultiplier = v
	if a.sink != nil {
		a.sink.SetVolume(v)
	}
}

// ─── Scheduling ───────────────────────────────────────────────────────────────

// Run calls Tick every TickInterval until ctx is cancelled, then stops the
// active session and releases the detectors.
func (a *Assistant) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()

	slog.Info("assistant running",
		"wake_word", a.cfg.UseWakeWord,
		"local_wake_word", a.cfg.UseLocalWakeWord,
		"local_vad", a.cfg.VADThreshold != nil,
	)
	a.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			a.shutdown(context.WithoutCancel(ctx))
			return nil
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Tick runs one scheduling step: link state, server messages, up to
// FramesPerTick microphone frames, timeouts, playback, and re-arming.
func (a *Assistant) Tick(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.setConnected(ctx, a.tr.Connected())
	for range maxMessagesPerTick {
		m, ok := a.tr.Poll()
		if !ok {
			break
		}
		a.handleMessage(ctx, m)
	}
	a.pumpFrames(ctx)
	a.checkTimeout(ctx)
	a.stepPlayback(ctx)
	a.maybeArm(ctx)
	a.lastTick.Store(a.now().UnixNano())
}

// LastTick returns when the last Tick completed, or the zero time before the
// first one.
func (a *Assistant) LastTick() time.Time {
	n := a.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (a *Assistant) shutdown(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stop(ctx)
	if a.wake != nil {
		if err := a.wake.Close(); err != nil {
			slog.Warn("wake-word close error", "err", err)
		}
	}
}

// ─── Transitions ──────────────────────────────────────────────────────────────

func (a *Assistant) newSession(ctx context.Context, continuous, silenceDetection bool) *Session {
	id := a.newID()
	sctx, span := observe.StartSessionSpan(context.WithoutCancel(ctx), id, continuous)
	s := &Session{
		ID:               id,
		SilenceDetection: silenceDetection,
		Continuous:       continuous,
		StartedAt:        a.now(),
		ctx:              sctx,
		span:             span,
	}
	a.sess = s
	a.metrics.ActiveSessions.Add(sctx, 1)
	return s
}

func (a *Assistant) setPhase(ctx context.Context, p Phase) {
	a.phase = p
	if s := a.sess; s != nil {
		s.Phase = p
		s.span.AddEvent(p.String())
		ctx = s.ctx
	}
	a.metrics.RecordPhase(ctx, p.String())
}

func (a *Assistant) emit(t Trigger, ev Event) {
	ev.Trigger = t
	ev.Time = a.now()
	if ev.SessionID == "" && a.sess != nil {
		ev.SessionID = a.sess.ID
	}
	a.bus.Emit(ev)
}

// maybeArm leaves Idle on its own when wake-word or continuous mode asks for
// it and nothing prevents it (retry delay, missing link).
func (a *Assistant) maybeArm(ctx context.Context) {
	if a.phase != PhaseIdle || !(a.cfg.UseWakeWord || a.continuous) {
		return
	}
	if a.now().Before(a.rearmAt) {
		return
	}
	if a.wake == nil && !a.connected {
		return
	}
	if a.cfg.UseWakeWord {
		a.armWakeWord(ctx)
		return
	}
	a.startListening(ctx, a.newSession(ctx, true, true))
}

func (a *Assistant) armWakeWord(ctx context.Context) {
	s := a.newSession(ctx, a.continuous, a.cfg.SilenceDetection)
	a.setPhase(ctx, PhaseWaitingForWakeWord)
	if err := a.src.Start(); err != nil {
		a.fail(ctx, types.DeviceError, "microphone_unavailable", "microphone unavailable", err)
		return
	}
	if a.wake != nil {
		a.wake.Reset()
		return
	}
	if err := a.openRun(ctx, s, true); err != nil {
		a.failTransport(ctx, err)
	}
}

// startListening enters Listening and, immediately, Streaming.
func (a *Assistant) startListening(ctx context.Context, s *Session) {
	a.setPhase(ctx, PhaseListening)
	s.FramesDropped = 0
	a.emit(TriggerStart, Event{})
	a.emit(TriggerListening, Event{})

	if err := a.src.Start(); err != nil {
		a.fail(ctx, types.DeviceError, "microphone_unavailable", "microphone unavailable", err)
		return
	}
	if a.cfg.VADThreshold != nil {
		v, err := a.vadEngine.NewSession(a.cfg.vadConfig())
		if err != nil {
			a.fail(ctx, types.DeviceError, "vad_error", "voice activity detector failed", err)
			return
		}
		a.vadSess = v
	}
	if !s.handle.Valid() {
		if err := a.openRun(ctx, s, false); err != nil {
			a.failTransport(ctx, err)
			return
		}
	}
	a.setPhase(ctx, PhaseStreaming)
}

// openRun opens the server run for s. Audio arrives already noise suppressed
// and gain adjusted by the capture source, so the server is asked for
// neither.
func (a *Assistant) openRun(ctx context.Context, s *Session, wake bool) error {
	h, err := a.tr.OpenSession(ctx, transport.SessionOptions{
		SessionID:        s.ID,
		SampleRate:       a.cfg.SampleRate,
		WakeWord:         wake,
		SilenceDetection: s.SilenceDetection && a.cfg.VADThreshold == nil,
		VolumeMultiplier: a.cfg.VolumeMultiplier,
	})
	if err != nil {
		return err
	}
	s.handle = h
	return nil
}

// endUtterance moves Streaming to WaitingForServer. The microphone is
// released and Finalize is sent exactly once.
func (a *Assistant) endUtterance(ctx context.Context) {
	s := a.sess
	if a.pending != nil {
		if err := a.tr.SendFrame(s.handle, *a.pending); err == nil {
			s.FramesSent++
			a.metrics.FramesSent.Add(s.ctx, 1)
		} else {
			s.FramesDropped++
			a.metrics.RecordFrameDropped(s.ctx, "queue")
			observe.Logger(s.ctx).Warn("last frame not sent", "session_id", s.ID, "seq", a.pending.Seq, "err", err)
		}
		a.pending = nil
	}
	a.releaseCapture()
	a.closeVAD()
	if err := a.tr.Finalize(s.handle); err != nil {
		a.failTransport(ctx, err)
		return
	}
	s.finalizedAt = a.now()
	s.deadline = s.finalizedAt.Add(a.cfg.ResponseTimeout)
	a.setPhase(ctx, PhaseWaitingForServer)
}

// fail records err on the session, emits the error trigger and ends the
// session. Re-arming waits ErrorRetryDelay.
func (a *Assistant) fail(ctx context.Context, kind types.ErrorKind, code, msg string, err error) {
	s := a.sess
	if s == nil {
		return
	}
	e := types.NewError(kind, code, msg, err)
	s.Err = e
	a.setPhase(ctx, PhaseError)
	a.emit(TriggerError, Event{Kind: kind, Code: e.Code, Message: e.Message})

	observe.Logger(s.ctx).Warn("session failed", "session_id", s.ID, "kind", kind.String(), "code", e.Code, "err", err)
	a.metrics.RecordSessionError(s.ctx, kind.String(), e.Code)

	a.finish(ctx, outcomeError)
	a.rearmAt = a.now().Add(a.cfg.ErrorRetryDelay)
}

func (a *Assistant) failTransport(ctx context.Context, err error) {
	code := "transport_error"
	switch {
	case errors.Is(err, transport.ErrNotConnected):
		code = "not_connected"
	case errors.Is(err, transport.ErrSessionOpen):
		code = "session_open"
	}
	a.fail(ctx, types.TransportError, code, "server transport failed", err)
}

// finish passes through Ended to Idle and releases everything the session
// held. Playback of a completed response keeps draining.
func (a *Assistant) finish(ctx context.Context, outcome string) {
	s := a.sess
	a.pending = nil
	a.releaseCapture()
	a.closeVAD()
	if s != nil && s.handle.Valid() {
		if err := a.tr.Close(s.handle); err != nil {
			slog.Warn("transport close error", "session_id", s.ID, "err", err)
		}
	}
	if outcome != outcomeOK && a.sink != nil && s != nil && a.streamOwner == s.ID {
		a.sink.Abort()
	}

	a.setPhase(ctx, PhaseEnded)
	a.emit(TriggerEnd, Event{})
	if s != nil {
		a.metrics.RecordSessionEnd(s.ctx, outcome, a.now().Sub(s.StartedAt))
		a.metrics.ActiveSessions.Add(s.ctx, -1)
		observe.Logger(s.ctx).Info("session ended",
			"session_id", s.ID,
			"outcome", outcome,
			"frames_sent", s.FramesSent,
			"frames_dropped", s.FramesDropped,
		)
		var spanErr error
		if s.Err != nil {
			spanErr = s.Err
		}
		observe.EndSessionSpan(s.span, outcome, spanErr)
	}
	a.sess = nil
	if a.nextVolume > 0 {
		a.applyVolume(a.nextVolume)
		a.nextVolume = 0
	}
	a.setPhase(ctx, PhaseIdle)
}

func (a *Assistant) closeVAD() {
	if a.vadSess != nil {
		_ = a.vadSess.Close()
		a.vadSess = nil
	}
}

func (a *Assistant) releaseCapture() {
	if err := a.src.Stop(); err != nil {
		slog.Warn("microphone stop error", "err", err)
	}
}

// ─── Audio ────────────────────────────────────────────────────────────────────

func (a *Assistant) pumpFrames(ctx context.Context) {
	for range a.cfg.FramesPerTick {
		if a.phase != PhaseWaitingForWakeWord && a.phase != PhaseStreaming {
			return
		}
		frame, err := a.nextFrame()
		switch {
		case err == nil:
		case errors.Is(err, capture.ErrNotReady):
			return
		case errors.Is(err, capture.ErrFrameDropped):
			a.dropFrame(ctx)
			continue
		default:
			a.fail(ctx, types.DeviceError, "microphone_error", "microphone read failed", err)
			return
		}

		if a.phase == PhaseWaitingForWakeWord && a.wake != nil {
			ev, ok, err := a.wake.ProcessFrame(frame.Data)
			if err != nil {
				a.fail(ctx, types.DeviceError, "wake_word_error", "wake-word detector failed", err)
				return
			}
			if ok {
				ev.Timestamp = frame.Timestamp
				a.onDetection(ctx, ev, "local")
			}
			continue
		}

		if !a.forward(ctx, frame) {
			return
		}
		if a.phase == PhaseStreaming && a.vadSess != nil {
			res, err := a.vadSess.ProcessFrame(frame.Data)
			if err != nil {
				a.fail(ctx, types.DeviceError, "vad_error", "voice activity detector failed", err)
				return
			}
			switch res.Type {
			case types.VADSpeechStart:
				a.onDetection(ctx, types.DetectionEvent{Kind: types.DetectionSpeechStart, Confidence: res.Probability, HasConfidence: true, Timestamp: frame.Timestamp}, "local")
			case types.VADSpeechEnd:
				a.onDetection(ctx, types.DetectionEvent{Kind: types.DetectionSpeechEnd, Confidence: res.Probability, HasConfidence: true, Timestamp: frame.Timestamp}, "local")
			}
		}
	}
}

func (a *Assistant) nextFrame() (audio.AudioFrame, error) {
	if a.pending != nil {
		f := *a.pending
		a.pending = nil
		return f, nil
	}
	return a.src.NextFrame()
}

// forward sends frame to the server. A full send queue keeps the frame for
// the next step so sequence numbers reach the server without gaps.
func (a *Assistant) forward(ctx context.Context, frame audio.AudioFrame) bool {
	s := a.sess
	err := a.tr.SendFrame(s.handle, frame)
	switch {
	case err == nil:
		s.FramesSent++
		a.metrics.FramesSent.Add(s.ctx, 1)
		return true
	case errors.Is(err, transport.ErrQueueFull):
		a.pending = &frame
		return false
	default:
		a.failTransport(ctx, err)
		return false
	}
}

func (a *Assistant) dropFrame(ctx context.Context) {
	s := a.sess
	s.FramesDropped++
	a.metrics.RecordFrameDropped(s.ctx, "device")
	observe.Logger(s.ctx).Debug("frame dropped", "session_id", s.ID, "drops", s.FramesDropped)
	if s.FramesDropped > a.cfg.MaxFrameDrops {
		a.fail(ctx, types.DeviceError, "frame_drops",
			fmt.Sprintf("%d microphone frames dropped", s.FramesDropped), capture.ErrFrameDropped)
	}
}

// onDetection applies a detector result from the local detectors or the
// server.
func (a *Assistant) onDetection(ctx context.Context, ev types.DetectionEvent, source string) {
	s := a.sess
	switch ev.Kind {
	case types.DetectionWakeWord:
		if a.phase != PhaseWaitingForWakeWord {
			return
		}
		observe.Logger(s.ctx).Info("wake word detected", "session_id", s.ID, "source", source, "confidence", ev.Confidence)
		a.metrics.RecordWakeWord(s.ctx, source)
		a.emit(TriggerWakeWordDetected, Event{})
		a.startListening(ctx, s)

	case types.DetectionSpeechStart:
		if a.phase != PhaseStreaming || s.speech {
			return
		}
		s.speech = true
		a.emit(TriggerSTTVADStart, Event{})

	case types.DetectionSpeechEnd:
		if a.phase != PhaseStreaming || s.vadEnded {
			return
		}
		s.vadEnded = true
		if s.speech || source != "local" {
			a.emit(TriggerSTTVADEnd, Event{})
		} else {
			observe.Logger(s.ctx).Info("no speech heard", "session_id", s.ID)
		}
		if s.SilenceDetection {
			a.endUtterance(ctx)
		}
	}
}

// ─── Server messages ──────────────────────────────────────────────────────────

func (a *Assistant) setConnected(ctx context.Context, up bool) {
	if a.connected == up {
		return
	}
	a.connected = up
	a.metrics.SetConnected(ctx, up)
	if up {
		slog.Info("server connected")
		a.bus.Emit(Event{Trigger: TriggerClientConnected, Time: a.now()})
		return
	}
	slog.Warn("server disconnected")
	a.bus.Emit(Event{Trigger: TriggerClientDisconnected, Time: a.now()})
	if s := a.sess; s != nil && s.handle.Valid() {
		a.fail(ctx, types.TransportError, "disconnected", "connection to server lost", transport.ErrNotConnected)
	}
}

func (a *Assistant) handleMessage(ctx context.Context, m transport.Message) {
	switch m.Kind {
	case transport.ClientConnected:
		a.setConnected(ctx, true)
		return
	case transport.ClientDisconnected:
		a.setConnected(ctx, false)
		return
	}

	s := a.sess
	if s == nil || !s.handle.Valid() {
		return
	}
	if m.SessionID != s.ID {
		if m.Kind == transport.Error && m.SessionID == "" {
			a.fail(ctx, types.ServerError, m.Code, m.Message, nil)
		}
		return
	}
	if !s.finalizedAt.IsZero() {
		if !s.responded {
			s.responded = true
			a.metrics.ResponseLatency.Record(s.ctx, a.now().Sub(s.finalizedAt).Seconds())
		}
		s.deadline = a.now().Add(a.cfg.ResponseTimeout)
	}

	switch m.Kind {
	case transport.TranscriptChunk:
		s.Transcript = m.Text

	case transport.STTEnd:
		s.Transcript = m.Text
		if a.phase == PhaseStreaming {
			a.endUtterance(ctx)
			if a.sess != s {
				return
			}
		}
		a.emitSTTEnd(s)

	case transport.IntentStart:
		a.emit(TriggerIntentStart, Event{})

	case transport.IntentEnd:
		a.emit(TriggerIntentEnd, Event{})

	case transport.VADStart:
		a.onDetection(ctx, types.DetectionEvent{Kind: types.DetectionSpeechStart}, "remote")

	case transport.VADEnd:
		a.onDetection(ctx, types.DetectionEvent{Kind: types.DetectionSpeechEnd}, "remote")

	case transport.WakeWordDetected:
		a.onDetection(ctx, types.DetectionEvent{Kind: types.DetectionWakeWord}, "remote")

	case transport.TTSStart:
		if a.phase == PhaseStreaming {
			a.endUtterance(ctx)
			if a.sess != s {
				return
			}
		}
		if a.phase != PhaseWaitingForServer {
			return
		}
		a.emitSTTEnd(s)
		s.streamID = m.StreamID
		a.setPhase(ctx, PhaseTTSStreaming)
		a.emit(TriggerTTSStart, Event{Text: m.Text})
		if a.sink != nil {
			a.sink.Abort()
			if err := a.sink.BeginStream(m.StreamID); err != nil {
				slog.Warn("playback begin failed", "session_id", s.ID, "err", err)
			}
			a.streamOwner = s.ID
		}

	case transport.TTSChunk:
		if a.phase != PhaseTTSStreaming || m.StreamID != s.streamID {
			return
		}
		a.metrics.TTSChunks.Add(s.ctx, 1)
		if a.sink != nil {
			if err := a.sink.PushChunk(m.StreamID, m.Audio); err != nil {
				slog.Warn("playback chunk rejected", "session_id", s.ID, "err", err)
			}
		}

	case transport.TTSEnd:
		if a.phase != PhaseTTSStreaming {
			return
		}
		a.emit(TriggerTTSEnd, Event{Text: m.Text})
		if a.sink != nil {
			_ = a.sink.EndStream(s.streamID)
		}
		a.finish(ctx, outcomeOK)

	case transport.RunEnd:
		if a.phase == PhaseTTSStreaming && a.sink != nil {
			_ = a.sink.EndStream(s.streamID)
		}
		a.finish(ctx, outcomeOK)

	case transport.Error:
		a.fail(ctx, types.ServerError, m.Code, m.Message, nil)
	}
}

// emitSTTEnd fires stt_end once per session.
func (a *Assistant) emitSTTEnd(s *Session) {
	if s.sttEnded {
		return
	}
	s.sttEnded = true
	a.emit(TriggerSTTEnd, Event{Text: s.Transcript})
}

func (a *Assistant) checkTimeout(ctx context.Context) {
	if a.phase != PhaseWaitingForServer && a.phase != PhaseTTSStreaming {
		return
	}
	if a.cfg.ResponseTimeout <= 0 || !a.now().After(a.sess.deadline) {
		return
	}
	a.fail(ctx, types.TransportError, "timeout",
		fmt.Sprintf("no response from server within %s", a.cfg.ResponseTimeout), context.DeadlineExceeded)
}

// ─── Playback ─────────────────────────────────────────────────────────────────

func (a *Assistant) stepPlayback(ctx context.Context) {
	if a.sink == nil {
		return
	}
	if err := a.sink.Step(); err != nil {
		if s := a.sess; s != nil && s.ID == a.streamOwner {
			a.fail(ctx, types.DeviceError, "speaker_error", "speaker failed", err)
			return
		}
		slog.Warn("playback failed", "err", err)
	}
}

func (a *Assistant) onStreamStart(string) {
	a.bus.Emit(Event{Trigger: TriggerTTSStreamStart, SessionID: a.streamOwner, Time: a.now()})
}

func (a *Assistant) onStreamEnd(string) {
	a.bus.Emit(Event{Trigger: TriggerTTSStreamEnd, SessionID: a.streamOwner, Time: a.now()})
}
