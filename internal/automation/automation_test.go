package automation_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/satellite/internal/assistant"
	"github.com/MrWong99/satellite/internal/automation"
	"github.com/MrWong99/satellite/internal/config"
	"github.com/MrWong99/satellite/internal/observe"
	"github.com/MrWong99/satellite/pkg/types"
)

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func runs(t *testing.T, reader *sdkmetric.ManualReader, status string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "satellite.automation.runs" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				if v, _ := dp.Attributes.Value("status"); v.AsString() == status {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func startRunner(t *testing.T, r *automation.Runner) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFile(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
			return string(data)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s was never written", path)
	return ""
}

func sh(script string) []string { return []string{"/bin/sh", "-c", script} }

func TestCompile(t *testing.T) {
	t.Parallel()

	rules, err := automation.Compile([]config.AutomationConfig{
		{On: "wake_word_detected", Command: []string{"aplay", "ding.wav"}},
		{On: "on_tts_stream_end", Command: []string{"led", "off"}, Timeout: time.Second},
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("rules = %d, want 2", len(rules))
	}
	if rules[0].Trigger != assistant.TriggerWakeWordDetected || rules[0].Timeout != config.DefaultAutomationTimeout {
		t.Errorf("rule 0 = %+v", rules[0])
	}
	if rules[1].Trigger != assistant.TriggerTTSStreamEnd || rules[1].Timeout != time.Second {
		t.Errorf("rule 1 = %+v", rules[1])
	}

	_, err = automation.Compile([]config.AutomationConfig{
		{On: "sneeze", Command: []string{"true"}},
		{On: "end"},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"automation[0]", "automation[1]: empty command"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestRunner_PassesEventInEnvironment(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "out")
	m, reader := newTestMetrics(t)
	r := automation.New([]automation.Rule{{
		Trigger: assistant.TriggerError,
		Command: sh(`printf '%s|%s|%s|%s|%s' "$SATELLITE_TRIGGER" "$SATELLITE_SESSION" "$SATELLITE_CODE" "$SATELLITE_MESSAGE" "$SATELLITE_ERROR_KIND" > ` + out),
		Timeout: 5 * time.Second,
	}}, automation.WithMetrics(m))
	startRunner(t, r)

	bus := assistant.NewBus()
	r.Attach(bus)
	bus.Emit(assistant.Event{Trigger: assistant.TriggerEnd, SessionID: "s0"})
	bus.Emit(assistant.Event{
		Trigger:   assistant.TriggerError,
		SessionID: "s1",
		Kind:      types.ServerError,
		Code:      "stt-stream-failed",
		Message:   "no text recognized",
	})

	got := waitFile(t, out)
	want := "error|s1|stt-stream-failed|no text recognized|server_error"
	if got != want {
		t.Errorf("env = %q, want %q", got, want)
	}

	deadline := time.Now().Add(2 * time.Second)
	for runs(t, reader, "ok") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("run not recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunner_RunsInTriggerOrder(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "out")
	r := automation.New([]automation.Rule{
		{Trigger: assistant.TriggerListening, Command: sh("echo listening >> " + out), Timeout: 5 * time.Second},
		{Trigger: assistant.TriggerSTTEnd, Command: sh(`echo "stt:$SATELLITE_TEXT" >> ` + out), Timeout: 5 * time.Second},
		{Trigger: assistant.TriggerEnd, Command: sh("echo end >> " + out + "; echo done > " + out + ".done"), Timeout: 5 * time.Second},
	}, automation.WithMetrics(mustMetrics(t)))

	r.Handle(assistant.Event{Trigger: assistant.TriggerListening})
	r.Handle(assistant.Event{Trigger: assistant.TriggerSTTEnd, Text: "lights on"})
	r.Handle(assistant.Event{Trigger: assistant.TriggerEnd})
	startRunner(t, r)

	waitFile(t, out+".done")
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got, want := string(data), "listening\nstt:lights on\nend\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestRunner_Timeout(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	r := automation.New([]automation.Rule{{
		Trigger: assistant.TriggerStart,
		Command: []string{"sleep", "10"},
		Timeout: 50 * time.Millisecond,
	}}, automation.WithMetrics(m))
	startRunner(t, r)

	r.Handle(assistant.Event{Trigger: assistant.TriggerStart})

	deadline := time.Now().Add(3 * time.Second)
	for runs(t, reader, "timeout") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("timeout not recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunner_FailingCommand(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	r := automation.New([]automation.Rule{{
		Trigger: assistant.TriggerStart,
		Command: sh("exit 3"),
		Timeout: time.Second,
	}}, automation.WithMetrics(m))
	startRunner(t, r)
	r.Handle(assistant.Event{Trigger: assistant.TriggerStart})

	deadline := time.Now().Add(3 * time.Second)
	for runs(t, reader, "error") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("failure not recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunner_FullQueueDrops(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	r := automation.New([]automation.Rule{{
		Trigger: assistant.TriggerStart,
		Command: []string{"true"},
		Timeout: time.Second,
	}}, automation.WithMetrics(m), automation.WithQueueSize(2))

	for range 5 {
		r.Handle(assistant.Event{Trigger: assistant.TriggerStart})
	}
	if got := runs(t, reader, "dropped"); got != 3 {
		t.Errorf("dropped = %d, want 3", got)
	}
}

func TestRunner_Replace(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	r := automation.New([]automation.Rule{{
		Trigger: assistant.TriggerStart,
		Command: []string{"true"},
		Timeout: time.Second,
	}}, automation.WithMetrics(m), automation.WithQueueSize(1))

	r.Replace(nil)
	r.Handle(assistant.Event{Trigger: assistant.TriggerStart})
	r.Handle(assistant.Event{Trigger: assistant.TriggerStart})
	if got := runs(t, reader, "dropped"); got != 0 {
		t.Errorf("events queued after Replace(nil): dropped = %d", got)
	}
}

func mustMetrics(t *testing.T) *observe.Metrics {
	m, _ := newTestMetrics(t)
	return m
}
