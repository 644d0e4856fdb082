package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Only log level,
// playback volume and automations are applied at runtime, the volume once
// the active session has ended; any other change is listed in Restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VolumeChanged bool
	NewVolume     float64

	AutomationsChanged bool

	// Restart names the top-level sections whose changes only take effect
	// after a restart.
	Restart []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VolumeChanged && !d.AutomationsChanged && len(d.Restart) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Assistant.VolumeMultiplier != new.Assistant.VolumeMultiplier {
		d.VolumeChanged = true
		d.NewVolume = new.Assistant.VolumeMultiplier
	}
	if !slices.EqualFunc(old.Automations, new.Automations, func(a, b AutomationConfig) bool {
		return a.On == b.On && a.Timeout == b.Timeout && slices.Equal(a.Command, b.Command)
	}) {
		d.AutomationsChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.Restart = append(d.Restart, "server")
	}
	oldA, newA := old.Assistant, new.Assistant
	oldA.VolumeMultiplier, newA.VolumeMultiplier = 0, 0
	if !reflect.DeepEqual(oldA, newA) {
		d.Restart = append(d.Restart, "assistant")
	}
	if !reflect.DeepEqual(old.Audio, new.Audio) {
		d.Restart = append(d.Restart, "audio")
	}
	if !reflect.DeepEqual(old.Transport, new.Transport) {
		d.Restart = append(d.Restart, "transport")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.Restart = append(d.Restart, "providers")
	}

	return d
}
