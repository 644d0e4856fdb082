// Package config provides the configuration schema, loader, and provider registry
// for the satellite.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the satellite.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Codec selects the audio encoding on the server link.
type Codec string

const (
	CodecPCM  Codec = "pcm"
	CodecOpus Codec = "opus"
)

// IsValid reports whether c is a supported codec.
func (c Codec) IsValid() bool { return c == CodecPCM || c == CodecOpus }

// Device backends understood by the built-in audio registry entries.
const (
	BackendPipe    = "pipe"
	BackendCommand = "command"
)

// Config is the root configuration structure for the satellite.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
// Config is read-only once loaded.
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Assistant   AssistantConfig    `yaml:"assistant"`
	Audio       AudioConfig        `yaml:"audio"`
	Transport   TransportConfig    `yaml:"transport"`
	Providers   ProvidersConfig    `yaml:"providers"`
	Automations []AutomationConfig `yaml:"automations"`
}

// ServerConfig holds the local HTTP surface (health, metrics, control API)
// and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	// Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AssistantConfig holds the voice assistant behaviour.
type AssistantConfig struct {
	// UseWakeWord keeps the assistant listening for a wake phrase between
	// sessions.
	UseWakeWord bool `yaml:"use_wake_word"`

	// UseLocalWakeWord runs wake-word detection on the device instead of the
	// server. Requires providers.wake_word.
	UseLocalWakeWord bool `yaml:"use_local_wake_word"`

	// VADThreshold enables local voice activity detection: the number of
	// consecutive speech frames before speech is considered started. Unset
	// leaves voice activity detection to the server.
	VADThreshold *uint8 `yaml:"vad_threshold"`

	// VADSpeechLevel is the normalised RMS level treated as speech by the
	// energy detector.
	VADSpeechLevel float64 `yaml:"vad_speech_level"`

	// NoiseSuppressionLevel in [0, 4].
	NoiseSuppressionLevel int `yaml:"noise_suppression_level"`

	// AutoGain target in dBFS, [0, 31]. Accepts 10 or "10dBFS".
	AutoGain DBFS `yaml:"auto_gain"`

	// VolumeMultiplier scales TTS playback. Must be > 0; default 1.0.
	VolumeMultiplier float64 `yaml:"volume_multiplier"`

	// SilenceDetection is the default for sessions started without an
	// explicit choice. Default true.
	SilenceDetection *bool `yaml:"silence_detection"`

	// SilenceTimeout is how long the user must be silent before the
	// utterance ends.
	SilenceTimeout time.Duration `yaml:"silence_timeout"`

	// NoSpeechTimeout ends an utterance in which the local VAD heard no
	// speech. Default 8s.
	NoSpeechTimeout time.Duration `yaml:"no_speech_timeout"`

	// WakeWordThreshold is the smoothed probability cutoff, (0, 1].
	WakeWordThreshold float64 `yaml:"wake_word_threshold"`

	// WakeWordWindow is the sliding-mean length in inference strides.
	WakeWordWindow int `yaml:"wake_word_window"`

	// MaxFrameDrops aborts a session with a device error once exceeded.
	MaxFrameDrops int `yaml:"max_frame_drops"`

	// ResponseTimeout bounds the wait for the server after the utterance
	// ended.
	ResponseTimeout time.Duration `yaml:"response_timeout"`

	// ErrorRetryDelay postpones re-arming after a failed session.
	ErrorRetryDelay time.Duration `yaml:"error_retry_delay"`

	// TickInterval is the scheduling period of the assistant.
	TickInterval time.Duration `yaml:"tick_interval"`

	// FramesPerTick caps the frames processed in one scheduling step.
	FramesPerTick int `yaml:"frames_per_tick"`
}

// SilenceDetectionDefault returns the effective silence_detection value.
func (a AssistantConfig) SilenceDetectionDefault() bool {
	return a.SilenceDetection == nil || *a.SilenceDetection
}

// DBFS is an auto-gain target in dB below full scale.
type DBFS int

// UnmarshalYAML accepts plain integers and strings with a dBFS, dbfs or DBFS
// unit.
func (d *DBFS) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("auto_gain: expected a scalar, got %v", value.Tag)
	}
	s := strings.TrimSpace(value.Value)
	for _, unit := range []string{"dBFS", "dbfs", "DBFS"} {
		if rest, ok := strings.CutSuffix(s, unit); ok {
			s = strings.TrimSpace(rest)
			break
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("auto_gain: %q is not a whole number of dBFS", value.Value)
	}
	*d = DBFS(n)
	return nil
}

// AudioConfig describes the pipeline format and the audio devices.
type AudioConfig struct {
	// SampleRate of the pipeline (detectors and server stream). Default 16000.
	SampleRate int `yaml:"sample_rate"`

	// FrameDuration is the length of one captured frame. Default 20ms.
	FrameDuration time.Duration `yaml:"frame_duration"`

	Microphone DeviceConfig `yaml:"microphone"`

	// Speaker is optional; without it TTS is not played locally.
	Speaker *DeviceConfig `yaml:"speaker"`
}

// DeviceConfig selects and configures an audio device backend.
type DeviceConfig struct {
	// Backend names a registered device factory ("pipe", "command").
	Backend string `yaml:"backend"`

	// Path is the file or named pipe used by the pipe backend.
	Path string `yaml:"path"`

	// Command is the argv used by the command backend.
	Command []string `yaml:"command"`

	// SampleRate and Channels describe the device's native format. Defaults
	// to the pipeline format.
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// Queue is the number of frames buffered between device and pipeline.
	Queue int `yaml:"queue"`
}

// TransportConfig configures the link to the assistant server.
type TransportConfig struct {
	// URL of the server's websocket endpoint (ws:// or wss://).
	URL string `yaml:"url"`

	// APIKey is sent as a bearer token. ${VAR} references are expanded from
	// the environment.
	APIKey string `yaml:"api_key"`

	Codec          Codec         `yaml:"codec"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	SendQueue      int           `yaml:"send_queue"`
	RecvQueue      int           `yaml:"recv_queue"`

	Reconnect      ReconnectConfig      `yaml:"reconnect"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ReconnectConfig configures exponential backoff between connection attempts.
type ReconnectConfig struct {
	// MaxRetries is the number of consecutive failed attempts before the
	// supervisor gives up. Zero retries forever.
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// CircuitBreakerConfig guards connection attempts against a failing server.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// ProvidersConfig declares which detector implementation to use. Each field
// selects a named factory registered in the [Registry].
type ProvidersConfig struct {
	WakeWord ProviderEntry `yaml:"wake_word"`
	VAD      ProviderEntry `yaml:"vad"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "energy").
	Name string `yaml:"name"`

	// Model is a path to model weights, for providers that need one.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// AutomationConfig runs a command whenever a trigger fires.
type AutomationConfig struct {
	// On is the trigger name (e.g., "wake_word_detected", "tts_stream_start").
	On string `yaml:"on"`

	// Command is the argv to execute.
	Command []string `yaml:"command"`

	// Timeout kills the command after this long. Default 10s.
	Timeout time.Duration `yaml:"timeout"`
}
