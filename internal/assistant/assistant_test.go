package assistant_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/satellite/internal/assistant"
	"github.com/MrWong99/satellite/internal/observe"
	"github.com/MrWong99/satellite/pkg/audio"
	audiomock "github.com/MrWong99/satellite/pkg/audio/mock"
	"github.com/MrWong99/satellite/pkg/provider/vad/energy"
	vadmock "github.com/MrWong99/satellite/pkg/provider/vad/mock"
	wakemock "github.com/MrWong99/satellite/pkg/provider/wakeword/mock"
	"github.com/MrWong99/satellite/pkg/transport"
	transportmock "github.com/MrWong99/satellite/pkg/transport/mock"
	"github.com/MrWong99/satellite/pkg/types"
)

// ─── Harness ──────────────────────────────────────────────────────────────────

type harness struct {
	t   *testing.T
	ctx context.Context
	a   *assistant.Assistant
	mic *audiomock.Microphone
	spk *audiomock.Speaker
	tr  *transportmock.Transport

	clock time.Time

	mu     sync.Mutex
	events []assistant.Event
	ids    int
}

func newHarness(t *testing.T, cfg assistant.Config, opts ...assistant.Option) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		ctx:   context.Background(),
		mic:   &audiomock.Microphone{},
		spk:   &audiomock.Speaker{},
		tr:    transportmock.New(),
		clock: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	bus := assistant.NewBus()
	bus.OnAny(func(ev assistant.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, ev)
	})
	base := []assistant.Option{
		assistant.WithSpeaker(h.spk),
		assistant.WithBus(bus),
		assistant.WithClock(func() time.Time { return h.clock }),
		assistant.WithIDGenerator(func() string {
			h.ids++
			return fmt.Sprintf("s%d", h.ids)
		}),
	}
	a, err := assistant.New(h.mic, h.tr, cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	h.a = a
	return h
}

func (h *harness) tick(n int) {
	for range n {
		h.a.Tick(h.ctx)
	}
}

func (h *harness) advance(d time.Duration) { h.clock = h.clock.Add(d) }

func (h *harness) start() {
	h.t.Helper()
	if err := h.a.Start(h.ctx, nil); err != nil {
		h.t.Fatalf("Start() error: %v", err)
	}
}

func (h *harness) pushFrames(n int) {
	for i := range n {
		h.mic.Push(frame(int16(i + 1)))
	}
}

func (h *harness) triggers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.events))
	for _, ev := range h.events {
		out = append(out, ev.Trigger.String())
	}
	return out
}

func (h *harness) eventsFor(t assistant.Trigger) []assistant.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []assistant.Event
	for _, ev := range h.events {
		if ev.Trigger == t {
			out = append(out, ev)
		}
	}
	return out
}

func (h *harness) phase(want assistant.Phase) {
	h.t.Helper()
	if got := h.a.Phase(); got != want {
		h.t.Fatalf("Phase() = %s, want %s", got, want)
	}
}

func (h *harness) sentSeqs() []uint64 {
	var out []uint64
	for _, s := range h.tr.SentFrames() {
		out = append(out, s.Frame.Seq)
	}
	return out
}

func frame(v int16) audio.AudioFrame {
	return audio.AudioFrame{Data: audio.PCM([]int16{v, v, v, v}), SampleRate: 16000, Channels: 1}
}

func seqRange(from, to uint64) []uint64 {
	var out []uint64
	for s := from; s <= to; s++ {
		out = append(out, s)
	}
	return out
}

func u8(v uint8) *uint8 { return &v }

// ─── Construction ─────────────────────────────────────────────────────────────

func TestNew_MissingEngines(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  assistant.Config
	}{
		{"local wake word", assistant.Config{UseWakeWord: true, UseLocalWakeWord: true}},
		{"vad threshold", assistant.Config{VADThreshold: u8(3)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := assistant.New(&audiomock.Microphone{}, transportmock.New(), tt.cfg)
			if err == nil {
				t.Fatal("expected error")
			}
			if k := types.KindOf(err); k != types.ConfigurationError {
				t.Errorf("KindOf(err) = %s, want %s", k, types.ConfigurationError)
			}
		})
	}
}

func TestNew_WakeWordSessionSettings(t *testing.T) {
	t.Parallel()

	engine := &wakemock.Engine{}
	newHarness(t, assistant.Config{
		UseWakeWord:       true,
		UseLocalWakeWord:  true,
		WakeWordThreshold: 0.7,
		WakeWordWindow:    5,
	}, assistant.WithWakeWord(engine))

	if len(engine.NewSessionCalls) != 1 {
		t.Fatalf("NewSession calls = %d, want 1", len(engine.NewSessionCalls))
	}
	got := engine.NewSessionCalls[0]
	if got.Threshold != 0.7 || got.WindowLength != 5 || got.SampleRate != 16000 {
		t.Errorf("wake-word config = %+v", got)
	}
}

// ─── Direct start ─────────────────────────────────────────────────────────────

func TestStart_GoesStraightToStreaming(t *testing.T) {
	t.Parallel()

	h := newHarness(t, assistant.Config{SilenceDetection: true})
	h.tick(1)
	h.start()

	h.phase(assistant.PhaseStreaming)
	if !h.mic.Started {
		t.Error("microphone not started")
	}
	if len(h.tr.Opened) != 1 {
		t.Fatalf("OpenSession calls = %d, want 1", len(h.tr.Opened))
	}
	opened := h.tr.Opened[0]
	if opened.SessionID != "s1" || opened.WakeWord || !opened.SilenceDetection {
		t.Errorf("session options = %+v", opened)
	}
	want := []string{"client_connected", "start", "listening"}
	if got := h.triggers(); !slices.Equal(got, want) {
		t.Errorf("triggers = %v, want %v", got, want)
	}
	sess, ok := h.a.Session()
	if !ok || sess.ID != "s1" || sess.Phase != assistant.PhaseStreaming {
		t.Errorf("Session() = %+v, %v", sess, ok)
	}
}

func TestStart_LocalProcessingNotRepeatedByServer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, assistant.Config{NoiseSuppressionLevel: 2, AutoGain: 10, VolumeMultiplier: 0.5})
	h.tick(1)
	h.start()

	opened := h.tr.Opened[0]
	if opened.NoiseSuppressionLevel != 0 || opened.AutoGain != 0 {
		t.Errorf("server asked for noise suppression %d, auto gain %d; want 0, 0", opened.NoiseSuppressionLevel, opened.AutoGain)
	}
	if opened.VolumeMultiplier != 0.5 {
		t.Errorf("volume multiplier = %v, want 0.5", opened.VolumeMultiplier)
	}
}

func TestStart_SilenceDetectionOverride(t *testing.T) {
	t.Parallel()

	h := newHarness(t, assistant.Config{SilenceDetection: true})
	h.tick(1)
	off := false
	if err := h.a.Start(h.ctx, &off); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if h.tr.Opened[0].SilenceDetection {
		t.Error("server silence detection requested despite override")
	}

	// End of speech from the server is reported but does not end the
	// utterance.
	h.tr.Push(transport.Message{Kind: transport.VADEnd, SessionID: "s1"})
	h.tick(1)
	h.phase(assistant.PhaseStreaming)
	if len(h.eventsFor(assistant.TriggerSTTVADEnd)) != 1 {
		t.Error("stt_vad_end not emitted")
	}
	if len(h.tr.Finalized) != 0 {
		t.Errorf("Finalize calls = %d, want 0", len(h.tr.Finalized))
	}
}

func TestStart_RejectedWhileActive(t *testing.T) {
	t.Parallel()

	h := newHarness(t, assistant.Config{})
	h.tick(1)
	h.start()

	if err := h.a.Start(h.ctx, nil); !errors.Is(err, assistant.ErrSessionActive) {
		t.Fatalf("second Start() error = %v, want ErrSessionActive", err)
	}
	if len(h.tr.Opened) != 1 {
		t.Errorf("OpenSession calls = %d, want 1", len(h.tr.Opened))
	}
	sess, _ := h.a.Session()
	if sess.ID != "s1" {
		t.Errorf("session ID = %q, want s1", sess.ID)
	}
}

func TestStart_NotConnected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, assistant.Config{})
	h.tr.SetConnected(false)
	h.tick(1)

	h.start()

	h.phase(assistant.PhaseIdle)
	errs := h.eventsFor(assistant.TriggerError)
	if len(errs) != 1 {
		t.Fatalf("error triggers = %d, want 1", len(errs))
	}
	if errs[0].Kind != types.TransportError || errs[0].Code != "not_connected" {
		t.Errorf("error event = %+v", errs[0])
	}
	if h.mic.Started {
		t.Error("microphone still held after failed start")
	}
}

// ─── Audio forwarding ─────────────────────────────────────────────────────────

func TestFrames_ForwardedInOrderWithoutGaps(t *testing.T) {
	t.Parallel()

	h := newHarness(t, assistant.Config{FramesPerTick: 8})
	h.tick(1)
	h.start()
	h.pushFrames(20)

	h.tick(1)
	if got := len(h.tr.SentFrames()); got != 8 {
		t.Fatalf("frames after one step = %d, want 8", got)
	}
	h.tick(2)

	if got, want := h.sentSeqs(), seqRange(1, 20); !slices.Equal(got, want) {
		t.Errorf("sent seqs = %v, want %v", got, want)
	}
	sess, _ := h.a.Session()
	if sess.FramesSent != 20 {
		t.Errorf("FramesSent = %d, want 20", sess.FramesSent)
	}
}

func TestFrames_FullQueueRetriesSameFrame(t *testing.T) {
	t.Parallel()

	h := newHarness(t, assistant.Config{})
	h.tick(1)
	h.start()
	h.pushFrames(5)

	h.tr.SendErr = transport.ErrQueueFull
	h.tick(2)
	if got := len(h.tr.SentFrames()); got != 0 {
		t.Fatalf("frames sent while queue full = %d, want 0", got)
	}
	h.phase(assistant.PhaseStreaming)

	h.tr.SendErr = nil
	h.tick(1)
	if got, want := h.sentSeqs(), seqRange(1, 5); !slices.Equal(got, want) {
		t.Errorf("sent seqs = %v, want %v", got, want)
	}
}

func TestFrames_DropsWithinLimitAreTolerated(t *testing.T) {
	t.Parallel()

	h := newHarness(t, assistant.Config{MaxFrameDrops: 2})
	h.tick(1)
	h.start()
	h.mic.Push(frame(1))
	h.mic.PushError(audio.ErrOverrun)
	h.mic.PushError(audio.ErrOverrun)
	h.mic.Push(frame(2))
	h.tick(1)

	h.phase(assistant.PhaseStreaming)
	if got, want := h.sentSeqs(), seqRange(1, 2); !slices.Equal(got, want) {
		t.Errorf("sent seqs = %v, want %v", got, want)
	}
	sess, _ := h.a.Session()
	if sess.FramesDropped != 2 {
		t.Errorf("FramesDropped = %d, want 2", sess.FramesDropped)
	}
}

func TestFrames_TooManyDropsFailSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, assistant.Config{MaxFrameDrops: 2})
	h.tick(1)
	h.start()
	for range 3 {
		h.mic.PushError(audio.ErrOverrun)
	}
	h.tick(1)

	h.phase(assistant.PhaseIdle)
	errs := h.eventsFor(assistant.TriggerError)
	if len(errs) != 1 || errs[0].Kind != types.DeviceError || errs[0].Code != "frame_drops" {
		t.Fatalf("error triggers = %+v", errs)
	}
	if len(h.tr.Closed) != 1 {
		t.Errorf("Close calls = %d, want 1", len(h.tr.Closed))
	}
}

func TestFrames_MicrophoneErrorFailsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, assistant.Config{})
	h.tick(1)
	h.start()
	h.mic.PushError(errors.New("device unplugged"))
	h.tick(1)

	errs := h.eventsFor(assistant.TriggerError)
	if len(errs) != 1 || errs[0].Kind != types.DeviceError || errs[0].Code != "microphone_error" {
		t.Fatalf("error triggers = %+v", errs)
	}
	h.phase(assistant.PhaseIdle)
}

// ─── Stop ─────────────────────────────────────────────────────────────────────

func TestStop_EndsWithinOneCall(t *testing.T) {
	t.Parallel()

	h := newHarness(t, assistant.Config{})
	h.tick(1)
	h.start()
	h.pushFrames(6)

	h.a.Stop(h.ctx)

	h.phase(assistant.PhaseIdle)
	if h.a.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	if got := h.tr.SentFrames(); len(got) != 0 {
		t.Errorf("frames sent after Stop = %d, want 0", len(got))
	}
	if len(h.tr.Closed) != 1 || h.tr.Closed[0].SessionID != "s1" {
		t.Errorf("Closed = %v", h.tr.Closed)
	}
	if h.mic.Started {
		t.Error("microphone still held")
	}
	if got := h.eventsFor(assistant.TriggerEnd); len(got) != 1 || got[0].SessionID != "s1" {
		t.Errorf("end triggers = %+v", got)
	}

	h.tick(3)
	if got := h.tr.SentFrames(); len(got) != 0 {
		t.Errorf("frames sent after Stop = %d, want 0", len(got))
	}
	h.phase(assistant.PhaseIdle)
}

func TestStop_IdleIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, assistant.Config{})
	h.a.Stop(h.ctx)
	h.phase(assistant.PhaseIdle)
	if got := h.triggers(); len(got) != 0 {
		t.Errorf("triggers = %v, want none", got)
	}
}

func TestStop_CutsPlayback(t *testing.T) {
	t.Parallel()

	h := newHarness(t, assistant.Config{})
	h.spk.Capacity = 1
	h.tick(1)
	h.start()
	if err := h.a.FinishListening(h.ctx); err != nil {
		t.Fatalf("FinishListening() error: %v", err)
	}
	h.tr.Push(
		transport.Message{Kind: transport.TTSStart, SessionID: "s1", StreamID: "t1"},
		transport.Message{Kind: transport.TTSChunk, SessionID: "s1", StreamID: "t1", Audio: audio.PCM([]int16{1})},
		transport.Message{Kind: transport.TTSChunk, SessionID: "s1", StreamID: "t1", Audio: audio.PCM([]int16{2})},
	)
	h.tick(1)
	h.phase(assistant.PhaseTTSStreaming)

	h.a.Stop(h.ctx)
	h.spk.Consume(-1)
	h.tick(2)

	if got := len(h.spk.Accepted()); got != 1 {
		t.Errorf("chunks played = %d, want 1", got)
	}
	if got := h.eventsFor(assistant.TriggerTTSStreamEnd); len(got) != 1 {
		t.Errorf("tts_stream_end triggers = %d, want 1", len(got))
	}
}

// ─── Wake word ────────────────────────────────────────────────────────────────

func newLocalWakeHarness(t *testing.T, wake *wakemock.Session) *harness {
	t.Helper()
	return newHarness(t, assistant.Config{UseWakeWord: true, UseLocalWakeWord: true},
		assistant.WithWakeWord(&wakemock.Engine{Session: wake}))
}

func TestLocalWakeWord_SilenceKeepsWaiting(t *testing.T) {
	t.Parallel()

	wake := &wakemock.Session{}
	h := newLocalWakeHarness(t, wake)
	h.tick(1)
	h.phase(assistant.PhaseWaitingForWakeWord)

	h.pushFrames(30)
	h.tick(5)

	h.phase(assistant.PhaseWaitingForWakeWord)
	if wake.ProcessFrameCount != 30 {
		t.Errorf("frames to detector = %d, want 30", wake.ProcessFrameCount)
	}
	if len(h.tr.Opened) != 0 {
		t.Errorf("OpenSession calls = %d, want 0", len(h.tr.Opened))
	}
	if len(h.tr.SentFrames()) != 0 {
		t.Error("audio sent before wake word")
	}
	if got := h.triggers(); !slices.Equal(got, []string{"client_connected"}) {
		t.Errorf("triggers = %v", got)
	}
}

func TestLocalWakeWord_DetectionStartsSessionOnce(t *testing.T) {
	t.Parallel()

	wake := &wakemock.Session{}
	wake.DetectOnCall(3, 0.9)
	wake.DetectOnCall(4, 0.9)
	h := newLocalWakeHarness(t, wake)
	h.tick(1)
	if wake.ResetCallCount != 1 {
		t.Errorf("detector Reset calls = %d, want 1", wake.ResetCallCount)
	}

	h.pushFrames(6)
	h.tick(1)

	h.phase(assistant.PhaseStreaming)
	if got := len(h.eventsFor(assistant.TriggerWakeWordDetected)); got != 1 {
		t.Fatalf("wake_word_detected triggers = %d, want 1", got)
	}
	if wake.ProcessFrameCount != 3 {
		t.Errorf("frames to detector = %d, want 3", wake.ProcessFrameCount)
	}
	if len(h.tr.Opened) != 1 || h.tr.Opened[0].WakeWord {
		t.Fatalf("Opened = %+v", h.tr.Opened)
	}
	// Frames after the wake word go to the server; sequencing continues.
	if got, want := h.sentSeqs(), seqRange(4, 6); !slices.Equal(got, want) {
		t.Errorf("sent seqs = %v, want %v", got, want)
	}
	want := []string{"client_connected", "wake_word_detected", "start", "listening"}
	if got := h.triggers(); !slices.Equal(got, want) {
		t.Errorf("triggers = %v, want %v", got, want)
	}
}

func TestLocalWakeWord_RearmsAfterSession(t *testing.T) {
	t.Parallel()

	wake := &wakemock.Session{}
	wake.DetectOnCall(1, 0.9)
	h := newLocalWakeHarness(t, wake)
	h.tick(1)
	h.pushFrames(1)
	h.tick(1)
	h.phase(assistant.PhaseStreaming)

	h.tr.Push(transport.Message{Kind: transport.RunEnd, SessionID: "s1"})
	h.tick(1)

	h.phase(assistant.PhaseWaitingForWakeWord)
	if wake.ResetCallCount != 2 {
		t.Errorf("detector Reset calls = %d, want 2", wake.ResetCallCount)
	}
	sess, _ := h.a.Session()
	if sess.ID != "s2" {
		t.Errorf("session ID = %q, want s2", sess.ID)
	}
}

func TestLocalWakeWord_WorksWhileDisconnected(t *testing.T) {
	t.Parallel()

	h := newLocalWakeHarness(t, &wakemock.Session{})
	h.tr.SetConnected(false)
	h.tick(1)
	h.phase(assistant.PhaseWaitingForWakeWord)
}

func TestRemoteWakeWord(t *testing.T) {
	t.Parallel()

	h := newHarness(t, assistant.Config{UseWakeWord: true})
	h.tick(1)

	h.phase(assistant.PhaseWaitingForWakeWord)
	if len(h.tr.Opened) != 1 || !h.tr.Opened[0].WakeWord {
		t.Fatalf("Opened = %+v", h.tr.Opened)
	}

	h.pushFrames(3)
	h.tick(1)
	if got := len(h.tr.SentFrames()); got != 3 {
		t.Errorf("frames streamed while waiting = %d, want 3", got)
	}

	h.tr.Push(transport.Message{Kind: transport.WakeWordDetected, SessionID: "s1"})
	h.pushFrames(2)
	h.tick(1)

	h.phase(assistant.PhaseStreaming)
	if len(h.tr.Opened) != 1 {
		t.Errorf("OpenSession calls = %d, want 1", len(h.tr.Opened))
	}
	if got, want := h.sentSeqs(), seqRange(1, 5); !slices.Equal(got, want) {
		t.Errorf("sent seqs = %v, want %v", got, want)
	}
	if got := len(h.eventsFor(assistant.TriggerWakeWordDetected)); got != 1 {
		t.Errorf("wake_word_detected triggers = %d, want 1", got)
	}
}

func TestRemoteWakeWord_NotArmedWhileDisconnected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, assistant.Config{UseWakeWord: true})
	h.tr.SetConnected(false)
	h.tick(3)
	h.phase(assistant.PhaseIdle)

	h.tr.SetConnected(true)
	h.tick(1)
	h.phase(assistant.PhaseWaitingForWakeWord)
}

func TestStart_ReplacesRemoteWakeRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, assistant.Config{UseWakeWord: true})
	h.tick(1)
	h.start()

	h.phase(assistant.PhaseStreaming)
	if len(h.tr.Closed) != 1 || h.tr.Closed[0].SessionID != "s1" {
		t.Errorf("Closed = %v", h.tr.Closed)
	}
	if len(h.tr.Opened) != 2 || h.tr.Opened[1].SessionID != "s2" || h.tr.Opened[1].WakeWord {
		t.Fatalf("Opened = %+v", h.tr.Opened)
	}
	if got := h.eventsFor(assistant.TriggerStart); len(got) != 1 || got[0].SessionID != "s2" {
		t.Errorf("start triggers = %+v", got)
	}
}

// ─── End of utterance ─────────────────────────────────────────────────────────

func TestLocalVAD_SpeechEndFinalizesOnce(t *testing.T) {
	t.Parallel()

	vs := &vadmock.Session{Events: append(vadmock.Utterance(1, 2, 1), types.VADEvent{Type: types.VADSpeechEnd})}
	engine := &vadmock.Engine{Session: vs}
	h := newHarness(t, assistant.Config{SilenceDetection: true, VADThreshold: u8(2)}, assistant.WithVAD(engine))
	h.tick(1)
	h.start()

	if h.tr.Opened[0].SilenceDetection {
		t.Error("server silence detection requested with local VAD")
	}
	if cfg := engine.NewSessionCalls[0]; cfg.SpeechFrames != 2 || cfg.FrameSizeMs != 20 {
		t.Errorf("vad config = %+v", cfg)
	}

	h.pushFrames(6)
	h.tick(3)

	h.phase(assistant.PhaseWaitingForServer)
	if len(h.tr.Finalized) != 1 {
		t.Fatalf("Finalize calls = %d, want 1", len(h.tr.Finalized))
	}
	if got, want := h.sentSeqs(), seqRange(1, 4); !slices.Equal(got, want) {
		t.Errorf("sent seqs = %v, want %v", got, want)
	}
	if h.mic.Started {
		t.Error("microphone held while waiting for the server")
	}
	if n := len(h.eventsFor(assistant.TriggerSTTVADStart)); n != 1 {
		t.Errorf("stt_vad_start triggers = %d, want 1", n)
	}
	if n := len(h.eventsFor(assistant.TriggerSTTVADEnd)); n != 1 {
		t.Errorf("stt_vad_end triggers = %d, want 1", n)
	}
	if vs.Frames() != 4 {
		t.Errorf("frames to VAD = %d, want 4", vs.Frames())
	}
	if !vs.Closed() {
		t.Error("vad session not closed after finalize")
	}
}

func TestLocalVAD_NoSpeechEndsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, assistant.Config{
		SilenceDetection: true,
		VADThreshold:     u8(2),
		NoSpeechTimeout:  time.Second,
		ResponseTimeout:  5 * time.Second,
	}, assistant.WithVAD(energy.New()))
	h.tick(1)
	h.start()

	// 20 ms of silence per frame; the detector gives up after 50 of them.
	for range 60 {
		h.mic.Push(audio.AudioFrame{Data: make([]byte, 640), SampleRate: 16000, Channels: 1})
	}
	h.tick(8)

	h.phase(assistant.PhaseWaitingForServer)
	if len(h.tr.Finalized) != 1 {
		t.Fatalf("Finalize calls = %d, want 1", len(h.tr.Finalized))
	}
	if n := len(h.tr.SentFrames()); n != 50 {
		t.Errorf("frames sent = %d, want 50", n)
	}
	if n := len(h.eventsFor(assistant.TriggerSTTVADStart)) + len(h.eventsFor(assistant.TriggerSTTVADEnd)); n != 0 {
		t.Errorf("vad triggers = %d, want none without speech", n)
	}

	h.advance(6 * time.Second)
	h.tick(1)
	h.phase(assistant.PhaseIdle)
}

func TestServerVADEnd_Finalizes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, assistant.Config{SilenceDetection: true})
	h.tick(1)
	h.start()

	h.tr.Push(
		transport.Message{Kind: transport.VADStart, SessionID: "s1"},
		transport.Message{Kind: transport.VADEnd, SessionID: "s1"},
		transport.Message{Kind: transport.STTEnd, SessionID: "s1", Text: "what time is it"},
	)
	h.tick(1)

	h.phase(assistant.PhaseWaitingForServer)
	if len(h.tr.Finalized) != 1 {
		t.Errorf("Finalize calls = %d, want 1", len(h.tr.Finalized))
	}
	stt := h.eventsFor(assistant.TriggerSTTEnd)
	if len(stt) != 1 || stt[0].Text != "what time is it" {
		t.Errorf("stt_end triggers = %+v", stt)
	}
}

func TestSTTEnd_EndsUtterance(t *testing.T) {
	t.Parallel()

	h := newHarness(t, assistant.Config{})
	h.tick(1)
	h.start()
	h.tr.Push(
		transport.Message{Kind: transport.TranscriptChunk, SessionID: "s1", Text: "turn"},
		transport.Message{Kind: transport.TranscriptChunk, SessionID: "s1", Text: "turn on"},
	)
	h.tick(1)
	if sess, _ := h.a.Session(); sess.Transcript != "turn on" {
		t.Errorf("Transcript = %q, want %q", sess.Transcript, "turn on")
	}

	h.tr.Push(transport.Message{Kind: transport.STTEnd, SessionID: "s1", Text: "turn on the lights"})
	h.tick(1)

	h.phase(assistant.PhaseWaitingForServer)
	if len(h.tr.Finalized) != 1 {
		t.Errorf("Finalize calls = %d, want 1", len(h.tr.Finalized))
	}
}

func TestFinishListening(t *testing.T) {
	t.Parallel()

	h := newHarness(t, assistant.Config{})
	if err := h.a.FinishListening(h.ctx); !errors.Is(err, assistant.ErrNotStreaming) {
		t.Fatalf("FinishListening() while idle = %v, want ErrNotStreaming", err)
	}

	h.tick(1)
	h.start()
	h.pushFrames(2)
	h.tick(1)
	if err := h.a.FinishListening(h.ctx); err != nil {
		t.Fatalf("FinishListening() error: %v", err)
	}
	h.phase(assistant.PhaseWaitingForServer)
	if err := h.a.FinishListening(h.ctx); !errors.Is(err, assistant.ErrNotStreaming) {
		t.Errorf("second FinishListening() = %v, want ErrNotStreaming", err)
	}
	if len(h.tr.Finalized) != 1 {
		t.Errorf("Finalize calls = %d, want 1", len(h.tr.Finalized))
	}
}

// ─── Server response ──────────────────────────────────────────────────────────

func TestResponse_PlaysSpeechInOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, assistant.Config{VolumeMultiplier: 2})
	h.tick(1)
	h.start()
	if err := h.a.FinishListening(h.ctx); err != nil {
		t.Fatalf("FinishListening() error: %v", err)
	}

	h.tr.Push(
		transport.Message{Kind: transport.STTEnd, SessionID: "s1", Text: "hello"},
		transport.Message{Kind: transport.IntentStart, SessionID: "s1"},
		transport.Message{Kind: transport.IntentEnd, SessionID: "s1"},
		transport.Message{Kind: transport.TTSStart, SessionID: "s1", StreamID: "t1", Text: "hi there"},
		transport.Message{Kind: transport.TTSChunk, SessionID: "s1", StreamID: "t1", Audio: audio.PCM([]int16{100, 200})},
		transport.Message{Kind: transport.TTSChunk, SessionID: "s1", StreamID: "t1", Audio: audio.PCM([]int16{300})},
	)
	h.tick(1)
	h.phase(assistant.PhaseTTSStreaming)

	h.tr.Push(transport.Message{Kind: transport.TTSEnd, SessionID: "s1", StreamID: "t1"})
	h.tick(1)
	h.phase(assistant.PhaseIdle)

	chunks := h.spk.Accepted()
	want := [][]int16{{200, 400}, {600}}
	if len(chunks) != len(want) {
		t.Fatalf("chunks played = %d, want %d", len(chunks), len(want))
	}
	for i, c := range chunks {
		if got := audio.Samples(c); !slices.Equal(got, want[i]) {
			t.Errorf("chunk %d = %v, want %v", i, got, want[i])
		}
	}

	h.spk.Consume(-1)
	h.tick(1)

	wantTriggers := []string{
		"client_connected", "start", "listening",
		"stt_end", "intent_start", "intent_end", "tts_start", "tts_stream_start",
		"tts_end", "end", "tts_stream_end",
	}
	if got := h.triggers(); !slices.Equal(got, wantTriggers) {
		t.Errorf("triggers = %v\nwant %v", got, wantTriggers)
	}
	for _, ev := range h.eventsFor(assistant.TriggerTTSStreamEnd) {
		if ev.SessionID != "s1" {
			t.Errorf("tts_stream_end session = %q, want s1", ev.SessionID)
		}
	}
	if tts := h.eventsFor(assistant.TriggerTTSStart); len(tts) != 1 || tts[0].Text != "hi there" {
		t.Errorf("tts_start triggers = %+v", tts)
	}
}

func TestSetVolume_WaitsForSessionEnd(t *testing.T) {
	t.Parallel()

	h := newHarness(t, assistant.Config{VolumeMultiplier: 1})
	h.tick(1)
	respond := func(id, stream string) {
		t.Helper()
		if err := h.a.FinishListening(h.ctx); err != nil {
			t.Fatalf("FinishListening() error: %v", err)
		}
		h.tr.Push(
			transport.Message{Kind: transport.TTSStart, SessionID: id, StreamID: stream},
			transport.Message{Kind: transport.TTSChunk, SessionID: id, StreamID: stream, Audio: audio.PCM([]int16{1000})},
			transport.Message{Kind: transport.TTSEnd, SessionID: id, StreamID: stream},
		)
		h.tick(1)
		h.spk.Consume(-1)
		h.tick(1)
	}

	h.start()
	h.a.SetVolume(2)
	respond("s1", "t1")
	h.phase(assistant.PhaseIdle)

	h.start()
	if got := h.tr.Opened[1].VolumeMultiplier; got != 2 {
		t.Errorf("second run volume = %v, want 2", got)
	}
	respond("s2", "t2")

	var samples []int16
	for _, c := range h.spk.Accepted() {
		samples = append(samples, audio.Samples(c)...)
	}
	if !slices.Equal(samples, []int16{1000, 2000}) {
		t.Errorf("played samples = %v, want [1000 2000]", samples)
	}
}

func TestResponse_TTSStartWithoutSTTEndStillReportsIt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, assistant.Config{})
	h.tick(1)
	h.start()
	h.tr.Push(transport.Message{Kind: transport.TTSStart, SessionID: "s1", StreamID: "t1"})
	h.tick(1)

	h.phase(assistant.PhaseTTSStreaming)
	if len(h.tr.Finalized) != 1 {
		t.Errorf("Finalize calls = %d, want 1", len(h.tr.Finalized))
	}
	if n := len(h.eventsFor(assistant.TriggerSTTEnd)); n != 1 {
		t.Errorf("stt_end triggers = %d, want 1", n)
	}
}

func TestResponse_IgnoresOtherSessions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, assistant.Config{})
	h.tick(1)
	h.start()
	h.tr.Push(
		transport.Message{Kind: transport.STTEnd, SessionID: "old"},
		transport.Message{Kind: transport.Error, SessionID: "old", Code: "boom"},
		transport.Message{Kind: transport.RunEnd, SessionID: "old"},
	)
	h.tick(1)

	h.phase(assistant.PhaseStreaming)
	if len(h.eventsFor(assistant.TriggerError)) != 0 {
		t.Error("error from another session was applied")
	}
}

func TestResponse_Timeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, assistant.Config{ResponseTimeout: 5 * time.Second})
	h.tick(1)
	h.start()
	if err := h.a.FinishListening(h.ctx); err != nil {
		t.Fatalf("FinishListening() error: %v", err)
	}

	h.advance(4 * time.Second)
	h.tick(1)
	h.phase(assistant.PhaseWaitingForServer)

	// Any message for the session restarts the clock.
	h.tr.Push(transport.Message{Kind: transport.IntentStart, SessionID: "s1"})
	h.tick(1)
	h.advance(4 * time.Second)
	h.tick(1)
	h.phase(assistant.PhaseWaitingForServer)

	h.advance(2 * time.Second)
	h.tick(1)
	h.phase(assistant.PhaseIdle)
	errs := h.eventsFor(assistant.TriggerError)
	if len(errs) != 1 || errs[0].Kind != types.TransportError || errs[0].Code != "timeout" {
		t.Fatalf("error triggers = %+v", errs)
	}
}

// ─── Failures ─────────────────────────────────────────────────────────────────

func TestTransportLostMidStream(t *testing.T) {
	t.Parallel()

	h := newHarness(t, assistant.Config{})
	h.tick(1)
	h.start()
	h.pushFrames(3)
	h.tick(1)

	h.tr.SetConnected(false)
	h.pushFrames(3)
	h.tick(1)

	h.phase(assistant.PhaseIdle)
	if h.a.IsConnected() {
		t.Error("IsConnected() = true")
	}
	if h.mic.Started {
		t.Error("microphone still held after transport error")
	}
	want := []string{"client_connected", "start", "listening", "client_disconnected", "error", "end"}
	if got := h.triggers(); !slices.Equal(got, want) {
		t.Errorf("triggers = %v, want %v", got, want)
	}
	errs := h.eventsFor(assistant.TriggerError)
	if errs[0].Kind != types.TransportError || errs[0].Code != "disconnected" || errs[0].SessionID != "s1" {
		t.Errorf("error event = %+v", errs[0])
	}
	if got := len(h.tr.SentFrames()); got != 3 {
		t.Errorf("frames sent = %d, want 3", got)
	}
}

func TestTransportSendError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, assistant.Config{})
	h.tick(1)
	h.start()
	h.tr.SendErr = errors.New("broken pipe")
	h.pushFrames(1)
	h.tick(1)

	errs := h.eventsFor(assistant.TriggerError)
	if len(errs) != 1 || errs[0].Kind != types.TransportError || errs[0].Code != "transport_error" {
		t.Fatalf("error triggers = %+v", errs)
	}
}

func TestServerError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, assistant.Config{})
	h.tick(1)
	h.start()
	h.tr.Push(transport.Message{Kind: transport.Error, SessionID: "s1", Code: "stt-stream-failed", Message: "speech to text failed"})
	h.tick(1)

	h.phase(assistant.PhaseIdle)
	errs := h.eventsFor(assistant.TriggerError)
	if len(errs) != 1 {
		t.Fatalf("error triggers = %d, want 1", len(errs))
	}
	if errs[0].Kind != types.ServerError || errs[0].Code != "stt-stream-failed" || errs[0].Message != "speech to text failed" {
		t.Errorf("error event = %+v", errs[0])
	}
}

func TestError_RetryDelayBeforeRearm(t *testing.T) {
	t.Parallel()

	h := newHarness(t, assistant.Config{UseWakeWord: true, ErrorRetryDelay: 2 * time.Second})
	h.tick(1)
	h.phase(assistant.PhaseWaitingForWakeWord)

	h.tr.Push(transport.Message{Kind: transport.Error, SessionID: "s1", Code: "wake-word-timeout"})
	h.tick(1)
	h.phase(assistant.PhaseIdle)

	h.advance(time.Second)
	h.tick(1)
	h.phase(assistant.PhaseIdle)

	h.advance(2 * time.Second)
	h.tick(1)
	h.phase(assistant.PhaseWaitingForWakeWord)
	if len(h.tr.Opened) != 2 {
		t.Errorf("OpenSession calls = %d, want 2", len(h.tr.Opened))
	}
}

func TestSpeakerErrorFailsOwningSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, assistant.Config{})
	h.spk.PlayError = errors.New("alsa: device busy")
	h.tick(1)
	h.start()
	h.tr.Push(
		transport.Message{Kind: transport.TTSStart, SessionID: "s1", StreamID: "t1"},
		transport.Message{Kind: transport.TTSChunk, SessionID: "s1", StreamID: "t1", Audio: audio.PCM([]int16{1})},
	)
	h.tick(1)

	errs := h.eventsFor(assistant.TriggerError)
	if len(errs) != 1 || errs[0].Kind != types.DeviceError || errs[0].Code != "speaker_error" {
		t.Fatalf("error triggers = %+v", errs)
	}
	h.phase(assistant.PhaseIdle)
}

// ─── Continuous mode ──────────────────────────────────────────────────────────

func TestContinuous_RestartsAfterEachSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, assistant.Config{})
	h.tick(1)
	if err := h.a.StartContinuous(h.ctx); err != nil {
		t.Fatalf("StartContinuous() error: %v", err)
	}

	h.phase(assistant.PhaseStreaming)
	if !h.tr.Opened[0].SilenceDetection {
		t.Error("continuous session without silence detection")
	}
	if sess, _ := h.a.Session(); !sess.Continuous {
		t.Error("session not marked continuous")
	}

	h.tr.Push(transport.Message{Kind: transport.RunEnd, SessionID: "s1"})
	h.tick(1)
	h.phase(assistant.PhaseStreaming)
	if len(h.tr.Opened) != 2 || h.tr.Opened[1].SessionID != "s2" {
		t.Fatalf("Opened = %+v", h.tr.Opened)
	}

	h.a.Stop(h.ctx)
	h.tick(2)
	h.phase(assistant.PhaseIdle)
	if len(h.tr.Opened) != 2 {
		t.Errorf("OpenSession calls after Stop = %d, want 2", len(h.tr.Opened))
	}
}

// ─── Scheduling ───────────────────────────────────────────────────────────────

func TestRun_ReleasesEverythingOnCancel(t *testing.T) {
	t.Parallel()

	wake := &wakemock.Session{}
	a, err := assistant.New(&audiomock.Microphone{}, transportmock.New(),
		assistant.Config{UseWakeWord: true, UseLocalWakeWord: true, TickInterval: time.Millisecond},
		assistant.WithWakeWord(&wakemock.Engine{Session: wake}),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for a.Phase() != assistant.PhaseWaitingForWakeWord {
		if time.Now().After(deadline) {
			t.Fatal("assistant never armed")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if p := a.Phase(); p != assistant.PhaseIdle {
		t.Errorf("Phase() = %s, want idle", p)
	}
	if wake.CloseCallCount != 1 {
		t.Errorf("detector Close calls = %d, want 1", wake.CloseCallCount)
	}
}

// ─── Metrics ──────────────────────────────────────────────────────────────────

func TestMetrics_SessionRecorded(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics() error: %v", err)
	}
	h := newHarness(t, assistant.Config{}, assistant.WithMetrics(m))
	h.tick(1)
	h.start()
	h.pushFrames(3)
	h.tick(1)
	h.advance(2 * time.Second)
	h.a.Stop(h.ctx)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			switch met.Name {
			case "satellite.frames.sent":
				sum := met.Data.(metricdata.Sum[int64])
				if v := sum.DataPoints[0].Value; v != 3 {
					t.Errorf("frames sent = %d, want 3", v)
				}
			case "satellite.session.duration":
				hist := met.Data.(metricdata.Histogram[float64])
				dp := hist.DataPoints[0]
				if dp.Count != 1 || dp.Sum != 2 {
					t.Errorf("session duration count=%d sum=%v, want 1 and 2", dp.Count, dp.Sum)
				}
				if v, _ := dp.Attributes.Value("outcome"); v.AsString() != "stopped" {
					t.Errorf("outcome = %q, want stopped", v.AsString())
				}
			}
			found[met.Name] = true
		}
	}
	for _, name := range []string{"satellite.frames.sent", "satellite.session.duration", "satellite.phase.transitions"} {
		if !found[name] {
			t.Errorf("metric %s not recorded", name)
		}
	}
}

func TestLastTick(t *testing.T) {
	t.Parallel()

	h := newHarness(t, assistant.Config{})
	if !h.a.LastTick().IsZero() {
		t.Fatalf("LastTick before first tick = %v", h.a.LastTick())
	}
	h.tick(1)
	h.advance(time.Second)
	h.tick(1)
	if got := h.a.LastTick(); !got.Equal(h.clock) {
		t.Errorf("LastTick = %v, want %v", got, h.clock)
	}
}
