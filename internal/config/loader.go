package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/satellite/internal/assistant"
	"github.com/MrWong99/satellite/pkg/audio"
	"github.com/MrWong99/satellite/pkg/provider/wakeword"
	"github.com/MrWong99/satellite/pkg/types"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"wake_word": {"command"},
	"vad":       {"energy"},
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultSampleRate        = 16000
	DefaultFrameDuration     = 20 * time.Millisecond
	DefaultSilenceTimeout    = 800 * time.Millisecond
	DefaultNoSpeechTimeout   = 8 * time.Second
	DefaultMaxFrameDrops     = 10
	DefaultResponseTimeout   = 30 * time.Second
	DefaultErrorRetryDelay   = time.Second
	DefaultTickInterval      = 10 * time.Millisecond
	DefaultFramesPerTick     = 8
	DefaultConnectTimeout    = 10 * time.Second
	DefaultAutomationTimeout = 10 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, types.NewError(types.ConfigurationError, "open", fmt.Sprintf("config: open %q", path), err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, expands
// environment references and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, types.NewError(types.ConfigurationError, "decode", "config: decode yaml", err)
	}
	ApplyDefaults(cfg)
	cfg.Transport.URL = os.ExpandEnv(cfg.Transport.URL)
	cfg.Transport.APIKey = os.ExpandEnv(cfg.Transport.APIKey)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	a := &cfg.Assistant
	if a.VolumeMultiplier == 0 {
		a.VolumeMultiplier = 1.0
	}
	if a.SilenceTimeout == 0 {
		a.SilenceTimeout = DefaultSilenceTimeout
	}
	if a.NoSpeechTimeout == 0 {
		a.NoSpeechTimeout = DefaultNoSpeechTimeout
	}
	if a.WakeWordThreshold == 0 {
		a.WakeWordThreshold = wakeword.DefaultThreshold
	}
	if a.WakeWordWindow == 0 {
		a.WakeWordWindow = wakeword.DefaultWindowLength
	}
	if a.MaxFrameDrops == 0 {
		a.MaxFrameDrops = DefaultMaxFrameDrops
	}
	if a.ResponseTimeout == 0 {
		a.ResponseTimeout = DefaultResponseTimeout
	}
	if a.ErrorRetryDelay == 0 {
		a.ErrorRetryDelay = DefaultErrorRetryDelay
	}
	if a.TickInterval == 0 {
		a.TickInterval = DefaultTickInterval
	}
	if a.FramesPerTick == 0 {
		a.FramesPerTick = DefaultFramesPerTick
	}
	if a.UseLocalWakeWord {
		a.UseWakeWord = true
	}

	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.FrameDuration == 0 {
		cfg.Audio.FrameDuration = DefaultFrameDuration
	}
	deviceDefaults(&cfg.Audio.Microphone, cfg.Audio.SampleRate)
	if cfg.Audio.Speaker != nil {
		deviceDefaults(cfg.Audio.Speaker, cfg.Audio.SampleRate)
	}

	t := &cfg.Transport
	if t.Codec == "" {
		t.Codec = CodecPCM
	}
	if t.ConnectTimeout == 0 {
		t.ConnectTimeout = DefaultConnectTimeout
	}

	if cfg.Assistant.VADThreshold != nil && cfg.Providers.VAD.Name == "" {
		cfg.Providers.VAD.Name = "energy"
	}

	for i := range cfg.Automations {
		if cfg.Automations[i].Timeout == 0 {
			cfg.Automations[i].Timeout = DefaultAutomationTimeout
		}
	}
}

func deviceDefaults(d *DeviceConfig, rate int) {
	if d.SampleRate == 0 {
		d.SampleRate = rate
	}
	if d.Channels == 0 {
		d.Channels = 1
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a [types.ConfigurationError] joining all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Assistant
	a := cfg.Assistant
	if a.NoiseSuppressionLevel < 0 || a.NoiseSuppressionLevel > audio.MaxNoiseSuppressionLevel {
		errs = append(errs, fmt.Errorf("assistant.noise_suppression_level %d is out of range [0, %d]", a.NoiseSuppressionLevel, audio.MaxNoiseSuppressionLevel))
	}
	if a.AutoGain < 0 || a.AutoGain > audio.MaxAutoGainDBFS {
		errs = append(errs, fmt.Errorf("assistant.auto_gain %ddBFS is out of range [0, %d]", a.AutoGain, audio.MaxAutoGainDBFS))
	}
	if a.VolumeMultiplier <= 0 {
		errs = append(errs, fmt.Errorf("assistant.volume_multiplier %.2f must be greater than 0", a.VolumeMultiplier))
	}
	if a.VADSpeechLevel < 0 || a.VADSpeechLevel > 1 {
		errs = append(errs, fmt.Errorf("assistant.vad_speech_level %.3f is out of range [0, 1]", a.VADSpeechLevel))
	}
	if a.WakeWordThreshold <= 0 || a.WakeWordThreshold > 1 {
		errs = append(errs, fmt.Errorf("assistant.wake_word_threshold %.2f is out of range (0, 1]", a.WakeWordThreshold))
	}
	if a.WakeWordWindow < 1 {
		errs = append(errs, fmt.Errorf("assistant.wake_word_window %d must be at least 1", a.WakeWordWindow))
	}
	for name, d := range map[string]time.Duration{
		"silence_timeout":   a.SilenceTimeout,
		"no_speech_timeout": a.NoSpeechTimeout,
		"response_timeout":  a.ResponseTimeout,
		"error_retry_delay": a.ErrorRetryDelay,
		"tick_interval":     a.TickInterval,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("assistant.%s %s must not be negative", name, d))
		}
	}
	if a.MaxFrameDrops < 0 {
		errs = append(errs, fmt.Errorf("assistant.max_frame_drops %d must not be negative", a.MaxFrameDrops))
	}
	if a.FramesPerTick < 1 {
		errs = append(errs, fmt.Errorf("assistant.frames_per_tick %d must be at least 1", a.FramesPerTick))
	}
	if a.UseLocalWakeWord && cfg.Providers.WakeWord.Name == "" {
		errs = append(errs, errors.New("assistant.use_local_wake_word requires providers.wake_word to be configured"))
	}

	// Providers
	validateProviderName("wake_word", cfg.Providers.WakeWord.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	if cfg.Providers.VAD.Name != "" && a.VADThreshold == nil {
		slog.Warn("providers.vad is configured but assistant.vad_threshold is not set; local VAD stays disabled")
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameDuration <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_duration %s must be positive", cfg.Audio.FrameDuration))
	}
	errs = append(errs, validateDevice("audio.microphone", cfg.Audio.Microphone)...)
	if cfg.Audio.Speaker != nil {
		errs = append(errs, validateDevice("audio.speaker", *cfg.Audio.Speaker)...)
	}

	// Transport
	if cfg.Transport.URL == "" {
		errs = append(errs, errors.New("transport.url is required"))
	} else if u, err := url.Parse(cfg.Transport.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("transport.url %q must be a ws:// or wss:// URL", cfg.Transport.URL))
	}
	if !cfg.Transport.Codec.IsValid() {
		errs = append(errs, fmt.Errorf("transport.codec %q is invalid; valid values: pcm, opus", cfg.Transport.Codec))
	}
	if cfg.Transport.Reconnect.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("transport.reconnect.max_retries %d must not be negative", cfg.Transport.Reconnect.MaxRetries))
	}

	// Automations
	for i, auto := range cfg.Automations {
		prefix := fmt.Sprintf("automations[%d]", i)
		trig, err := assistant.ParseTrigger(auto.On)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s.on: %w", prefix, err))
		}
		if len(auto.Command) == 0 {
			errs = append(errs, fmt.Errorf("%s.command is required", prefix))
		}
		if (trig == assistant.TriggerTTSStreamStart || trig == assistant.TriggerTTSStreamEnd) && cfg.Audio.Speaker == nil {
			errs = append(errs, fmt.Errorf("%s: trigger %q requires audio.speaker to be configured", prefix, auto.On))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return types.NewError(types.ConfigurationError, "invalid", "config: validation failed", errors.Join(errs...))
}

func validateDevice(prefix string, d DeviceConfig) []error {
	var errs []error
	switch d.Backend {
	case "":
		errs = append(errs, fmt.Errorf("%s.backend is required", prefix))
	case BackendPipe:
		if d.Path == "" {
			errs = append(errs, fmt.Errorf("%s.path is required when backend is pipe", prefix))
		}
	case BackendCommand:
		if len(d.Command) == 0 {
			errs = append(errs, fmt.Errorf("%s.command is required when backend is command", prefix))
		}
	}
	if d.Channels < 1 || d.Channels > 2 {
		errs = append(errs, fmt.Errorf("%s.channels %d must be 1 or 2", prefix, d.Channels))
	}
	if d.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("%s.sample_rate %d must be positive", prefix, d.SampleRate))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
