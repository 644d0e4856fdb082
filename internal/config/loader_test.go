package config_test

import (
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/satellite/internal/config"
)

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		yaml    string
		mention string
	}{
		{"log level", "server:\n  log_level: verbose\n", "log_level"},
		{"noise suppression", "assistant:\n  noise_suppression_level: 5\n", "noise_suppression_level"},
		{"auto gain", "assistant:\n  auto_gain: 32\n", "auto_gain"},
		{"volume", "assistant:\n  volume_multiplier: -1\n", "volume_multiplier"},
		{"wake word threshold", "assistant:\n  wake_word_threshold: 1.5\n", "wake_word_threshold"},
		{"negative timeout", "assistant:\n  response_timeout: -1s\n", "response_timeout"},
		{"local wake word without provider", "assistant:\n  use_local_wake_word: true\n", "providers.wake_word"},
		{"url scheme", "transport:\n  url: http://localhost/\naudio:\n  microphone: {backend: pipe, path: /dev/stdin}\n", "ws://"},
		{"codec", "transport:\n  codec: mp3\n", "transport.codec"},
		{"pipe path", "audio:\n  microphone: {backend: pipe}\n", "audio.microphone.path"},
		{"command argv", "audio:\n  microphone: {backend: command}\n", "audio.microphone.command"},
		{"channels", "audio:\n  microphone: {backend: pipe, path: x, channels: 6}\n", "channels"},
		{"unknown trigger", "automations:\n  - on: sunrise\n    command: [true]\n", "sunrise"},
		{"automation command", "automations:\n  - on: wake_word_detected\n", "automations[0].command"},
		{"tts trigger without speaker", "automations:\n  - on: tts_stream_start\n    command: [true]\n", "audio.speaker"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			loadErr(t, tc.yaml, tc.mention)
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
assistant:
  noise_suppression_level: 9
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	for _, want := range []string{"log_level", "noise_suppression_level", "transport.url", "audio.microphone.backend"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidate_AcceptsRegisteredTriggers(t *testing.T) {
	t.Parallel()
	ok := `
audio:
  microphone: {backend: pipe, path: /dev/stdin}
  speaker: {backend: pipe, path: /tmp/out}
transport:
  url: wss://example.com/satellite
automations:
  - on: listening
    command: [led, blue]
  - on: tts_stream_start
    command: [led, green]
  - on: error
    command: [led, red]
`
	if _, err := config.LoadFromReader(strings.NewReader(ok)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for kind, name := range map[string]string{"vad": "energy", "wake_word": "command"} {
		if !slices.Contains(config.ValidProviderNames[kind], name) {
			t.Errorf("ValidProviderNames[%q] should contain %q", kind, name)
		}
	}
}
