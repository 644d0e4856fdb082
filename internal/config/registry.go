package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/satellite/pkg/audio"
	"github.com/MrWong99/satellite/pkg/provider/vad"
	"github.com/MrWong99/satellite/pkg/provider/wakeword"
)

// ErrProviderNotRegistered is returned by the Create methods for a name no
// factory was registered under.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

type (
	WakeWordFactory   func(ProviderEntry) (wakeword.Engine, error)
	VADFactory        func(ProviderEntry) (vad.Engine, error)
	MicrophoneFactory func(dev DeviceConfig, frameDur time.Duration) (audio.Microphone, error)
	SpeakerFactory    func(dev DeviceConfig) (audio.Speaker, error)
)

// Registry maps detector names and device backends to constructors. Builds
// that bundle extra detectors register them before the devices are built.
// It is safe for concurrent use.
type Registry struct {
	wakeWord    table[WakeWordFactory]
	vad         table[VADFactory]
	microphones table[MicrophoneFactory]
	speakers    table[SpeakerFactory]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		wakeWord:    table[WakeWordFactory]{kind: "wake_word"},
		vad:         table[VADFactory]{kind: "vad"},
		microphones: table[MicrophoneFactory]{kind: "microphone"},
		speakers:    table[SpeakerFactory]{kind: "speaker"},
	}
}

// RegisterWakeWord registers a wake-word engine, replacing any previous one
// of the same name.
func (r *Registry) RegisterWakeWord(name string, f WakeWordFactory) { r.wakeWord.put(name, f) }

func (r *Registry) RegisterVAD(name string, f VADFactory) { r.vad.put(name, f) }

func (r *Registry) RegisterMicrophone(backend string, f MicrophoneFactory) {
	r.microphones.put(backend, f)
}

func (r *Registry) RegisterSpeaker(backend string, f SpeakerFactory) { r.speakers.put(backend, f) }

// CreateWakeWord builds the wake-word engine named by entry.
func (r *Registry) CreateWakeWord(entry ProviderEntry) (wakeword.Engine, error) {
	f, err := r.wakeWord.get(entry.Name)
	if err != nil {
		return nil, err
	}
	return f(entry)
}

// CreateVAD builds the VAD engine named by entry.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	f, err := r.vad.get(entry.Name)
	if err != nil {
		return nil, err
	}
	return f(entry)
}

// CreateMicrophone opens the capture device described by dev.
func (r *Registry) CreateMicrophone(dev DeviceConfig, frameDur time.Duration) (audio.Microphone, error) {
	f, err := r.microphones.get(dev.Backend)
	if err != nil {
		return nil, err
	}
	return f(dev, frameDur)
}

// CreateSpeaker opens the playback device described by dev.
func (r *Registry) CreateSpeaker(dev DeviceConfig) (audio.Speaker, error) {
	f, err := r.speakers.get(dev.Backend)
	if err != nil {
		return nil, err
	}
	return f(dev)
}

// table is one name-to-factory map.
type table[F any] struct {
	kind string

	mu sync.RWMutex
	m  map[string]F
}

func (t *table[F]) put(name string, f F) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m == nil {
		t.m = make(map[string]F)
	}
	t.m[name] = f
}

// get returns the factory for name. The error lists what is registered.
func (t *table[F]) get(name string) (F, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.m[name]
	if !ok {
		known := slices.Sorted(maps.Keys(t.m))
		return f, fmt.Errorf("%w: %s/%q (registered: %s)", ErrProviderNotRegistered, t.kind, name, strings.Join(known, ", "))
	}
	return f, nil
}
