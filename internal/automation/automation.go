// Package automation runs user commands when assistant triggers fire, for
// example playing a chime on wake_word_detected or switching an LED ring on
// listening and off on end.
//
// Trigger handlers run inside the assistant's scheduling step, so the
// [Runner] only queues the event there. A single worker goroutine executes
// the commands in trigger order.
package automation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/satellite/internal/assistant"
	"github.com/MrWong99/satellite/internal/config"
	"github.com/MrWong99/satellite/internal/observe"
)

// defaultQueueSize bounds the events waiting for the worker.
const defaultQueueSize = 64

// Rule runs Command whenever Trigger fires.
type Rule struct {
	Trigger assistant.Trigger
	Command []string
	Timeout time.Duration
}

// Compile turns configuration entries into rules.
func Compile(entries []config.AutomationConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(entries))
	var errs []error
	for i, e := range entries {
		t, err := assistant.ParseTrigger(e.On)
		if err != nil {
			errs = append(errs, fmt.Errorf("automation[%d]: %w", i, err))
			continue
		}
		if len(e.Command) == 0 {
			errs = append(errs, fmt.Errorf("automation[%d]: empty command", i))
			continue
		}
		timeout := e.Timeout
		if timeout <= 0 {
			timeout = config.DefaultAutomationTimeout
		}
		rules = append(rules, Rule{Trigger: t, Command: e.Command, Timeout: timeout})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return rules, nil
}

// Option configures a [Runner].
type Option func(*Runner)

// WithMetrics records runs into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithQueueSize sets how many events may wait for the worker. Events
// arriving at a full queue are dropped.
func WithQueueSize(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

type job struct {
	rule Rule
	ev   assistant.Event
}

// Runner executes rules. Handle is safe to call from any goroutine.
type Runner struct {
	mu    sync.RWMutex
	rules map[assistant.Trigger][]Rule

	metrics   *observe.Metrics
	queueSize int
	queue     chan job
}

// New creates a runner for rules.
func New(rules []Rule, opts ...Option) *Runner {
	r := &Runner{queueSize: defaultQueueSize}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	r.queue = make(chan job, r.queueSize)
	r.Replace(rules)
	return r
}

// Replace swaps the rule set. Commands already queued still run.
func (r *Runner) Replace(rules []Rule) {
	byTrigger := make(map[assistant.Trigger][]Rule)
	for _, rule := range rules {
		byTrigger[rule.Trigger] = append(byTrigger[rule.Trigger], rule)
	}
	r.mu.Lock()
	r.rules = byTrigger
	r.mu.Unlock()
	slog.Info("automations loaded", "count", len(rules))
}

// Attach subscribes the runner to every trigger on bus.
func (r *Runner) Attach(bus *assistant.Bus) {
	bus.OnAny(r.Handle)
}

// Handle queues the commands registered for ev's trigger. It never blocks.
func (r *Runner) Handle(ev assistant.Event) {
	r.mu.RLock()
	rules := r.rules[ev.Trigger]
	r.mu.RUnlock()
	for _, rule := range rules {
		select {
		case r.queue <- job{rule: rule, ev: ev}:
		default:
			slog.Warn("automation queue full, dropping command", "trigger", ev.Trigger.String(), "command", rule.Command[0])
			r.metrics.RecordAutomationRun(context.Background(), ev.Trigger.String(), "dropped")
		}
	}
}

// Run executes queued commands until ctx is cancelled. A command still
// running at cancellation is killed.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-r.queue:
			r.exec(ctx, j)
		}
	}
}

func (r *Runner) exec(ctx context.Context, j job) {
	trigger := j.ev.Trigger.String()
	ctx, cancel := context.WithTimeout(ctx, j.rule.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, j.rule.Command[0], j.rule.Command[1:]...)
	cmd.Env = append(os.Environ(), env(j.ev)...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	status := "ok"
	switch {
	case err == nil:
		slog.Debug("automation ran", "trigger", trigger, "command", j.rule.Command[0], "took", time.Since(start))
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		status = "timeout"
		slog.Warn("automation timed out", "trigger", trigger, "command", j.rule.Command[0], "timeout", j.rule.Timeout)
	case ctx.Err() != nil:
		status = "cancelled"
	default:
		status = "error"
		slog.Warn("automation failed", "trigger", trigger, "command", j.rule.Command[0], "err", err,
			"output", strings.TrimSpace(out.String()))
	}
	r.metrics.RecordAutomationRun(context.WithoutCancel(ctx), trigger, status)
}

func env(ev assistant.Event) []string {
	vars := []string{
		"SATELLITE_TRIGGER=" + ev.Trigger.String(),
		"SATELLITE_SESSION=" + ev.SessionID,
		"SATELLITE_TEXT=" + ev.Text,
		"SATELLITE_CODE=" + ev.Code,
		"SATELLITE_MESSAGE=" + ev.Message,
	}
	if ev.Kind != 0 {
		vars = append(vars, "SATELLITE_ERROR_KIND="+ev.Kind.String())
	}
	return vars
}
