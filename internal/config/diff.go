package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VoiceProcessingChanged bool
	NewVoiceProcessing     bool

	// RestartRequired lists sections whose changes are ignored until the
	// process restarts.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VoiceProcessingChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if vp := new.Engine.VoiceProcessingEnabled(); old.Engine.VoiceProcessingEnabled() != vp {
		d.VoiceProcessingChanged = true
		d.NewVoiceProcessing = vp
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !sameEngine(old.Engine, new.Engine) {
		d.RestartRequired = append(d.RestartRequired, "engine")
	}
	if old.Device != new.Device {
		d.RestartRequired = append(d.RestartRequired, "device")
	}
	if !sameAgent(old.Agent, new.Agent) {
		d.RestartRequired = append(d.RestartRequired, "agent")
	}
	return d
}

// sameEngine compares engine sections, ignoring the live voice-processing
// toggle.
func sameEngine(a, b EngineConfig) bool {
	a.VoiceProcessing, b.VoiceProcessing = nil, nil
	return a == b
}

func sameAgent(a, b AgentConfig) bool {
	if !slices.Equal(a.FallbackURLs, b.FallbackURLs) {
		return false
	}
	a.FallbackURLs, b.FallbackURLs = nil, nil
	return a == b
}
