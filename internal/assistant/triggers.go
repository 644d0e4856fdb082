package assistant

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/satellite/pkg/types"
)

// Trigger names a lifecycle event of the assistant.
type Trigger int

const (
	TriggerListening Trigger = iota + 1
	TriggerStart
	TriggerWakeWordDetected
	TriggerSTTEnd
	TriggerTTSStart
	TriggerTTSEnd
	TriggerEnd
	TriggerError
	TriggerClientConnected
	TriggerClientDisconnected
	TriggerIntentStart
	TriggerIntentEnd
	TriggerSTTVADStart
	TriggerSTTVADEnd
	TriggerTTSStreamStart
	TriggerTTSStreamEnd
)

var triggerNames = map[Trigger]string{
	TriggerListening:          "listening",
	TriggerStart:              "start",
	TriggerWakeWordDetected:   "wake_word_detected",
	TriggerSTTEnd:             "stt_end",
	TriggerTTSStart:           "tts_start",
	TriggerTTSEnd:             "tts_end",
	TriggerEnd:                "end",
	TriggerError:              "error",
	TriggerClientConnected:    "client_connected",
	TriggerClientDisconnected: "client_disconnected",
	TriggerIntentStart:        "intent_start",
	TriggerIntentEnd:          "intent_end",
	TriggerSTTVADStart:        "stt_vad_start",
	TriggerSTTVADEnd:          "stt_vad_end",
	TriggerTTSStreamStart:     "tts_stream_start",
	TriggerTTSStreamEnd:       "tts_stream_end",
}

// String returns the configuration name of the trigger.
func (t Trigger) String() string {
	if n, ok := triggerNames[t]; ok {
		return n
	}
	return fmt.Sprintf("Trigger(%d)", int(t))
}

// Triggers returns every trigger in declaration order.
func Triggers() []Trigger {
	out := make([]Trigger, 0, len(triggerNames))
	for t := TriggerListening; t <= TriggerTTSStreamEnd; t++ {
		out = append(out, t)
	}
	return out
}

// ParseTrigger resolves a configuration name such as "wake_word_detected".
// The "on_" prefix used by automation YAML is accepted.
func ParseTrigger(name string) (Trigger, error) {
	name = strings.TrimPrefix(name, "on_")
	for t, n := range triggerNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("assistant: unknown trigger %q", name)
}

// Event is delivered to trigger handlers. Only the fields that make sense for
// the trigger are set: Text for stt_end, tts_start and tts_end; Kind, Code
// and Message for error.
type Event struct {
	Trigger   Trigger
	SessionID string
	Text      string
	Kind      types.ErrorKind
	Code      string
	Message   string
	Time      time.Time
}

// Bus dispatches trigger events to registered handlers. Handlers run
// synchronously, in registration order, on the goroutine that fired the
// event. They run while the assistant holds its lock and must not call back
// into it; hand work off to another goroutine instead.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Trigger][]func(Event)
	any      []func(Event)
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Trigger][]func(Event))}
}

// On registers fn for trigger t.
func (b *Bus) On(t Trigger, fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], fn)
}

// OnAny registers fn for every trigger. Catch-all handlers run after the
// trigger's own handlers.
func (b *Bus) OnAny(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.any = append(b.any, fn)
}

// Emit delivers ev to its handlers.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	hs := b.handlers[ev.Trigger]
	all := b.any
	b.mu.RUnlock()
	for _, fn := range hs {
		fn(ev)
	}
	for _, fn := range all {
		fn(ev)
	}
}
