// Package config provides the configuration schema, loader, and backend
// registry for the twowayaudio engine.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/twowayaudio/pkg/audio"
	"github.com/MrWong99/twowayaudio/pkg/duplex"
)

// LogLevel controls log verbosity.
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

// SlogLevel maps l to a [slog.Level]. Unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Codec selects how microphone audio travels to the voice agent.
type Codec string

const (
	// CodecPCM sends raw mono 16 kHz PCM16 in binary frames.
	CodecPCM Codec = "pcm"

	// CodecOpus sends 20 ms Opus packets.
	CodecOpus Codec = "opus"
)

// IsValid reports whether c is a recognised codec.
func (c Codec) IsValid() bool {
	return c == CodecPCM || c == CodecOpus
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server ServerConfig `yaml:"server"`
	Engine EngineConfig `yaml:"engine"`
	Device DeviceConfig `yaml:"device"`
	Agent  AgentConfig  `yaml:"agent"`
}

// ServerConfig holds the admin HTTP server and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the health and metrics server
	// (e.g., ":9090"). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// EngineConfig tunes the duplex engine.
type EngineConfig struct {
	// CaptureBufferFrames is the number of hardware frames per capture read.
	CaptureBufferFrames int `yaml:"capture_buffer_frames"`

	// DiscardWindow withholds mic input after playback starts. Negative
	// disables it.
	DiscardWindow time.Duration `yaml:"discard_window"`

	// VoiceProcessing enables echo cancellation and noise suppression.
	// Nil means enabled.
	VoiceProcessing *bool `yaml:"voice_processing"`

	// InputMeterWindow is the rolling window of the input level, in samples.
	InputMeterWindow int `yaml:"input_meter_window"`

	// ReferenceQueue bounds the render reference for software AEC, in frames.
	ReferenceQueue int `yaml:"reference_queue"`

	Meter MeterConfig `yaml:"meter"`
}

// MeterConfig shapes the volume curve.
type MeterConfig struct {
	FloorDB   float64 `yaml:"floor_db"`
	CeilingDB float64 `yaml:"ceiling_db"`
	Exponent  float64 `yaml:"exponent"`
}

// DeviceConfig selects the audio backend.
type DeviceConfig struct {
	// Backend is the registry name of the hardware backend
	// (e.g., "portaudio", "null").
	Backend string `yaml:"backend"`

	// InputDevice and OutputDevice name devices; empty uses the default.
	InputDevice  string `yaml:"input_device"`
	OutputDevice string `yaml:"output_device"`

	// FramesPerBuffer is the backend's output buffer size.
	FramesPerBuffer int `yaml:"frames_per_buffer"`

	// Loopback feeds output into input on backends that support it.
	Loopback bool `yaml:"loopback"`
}

// AgentConfig configures the optional WebSocket voice agent.
type AgentConfig struct {
	// URL is the ws:// or wss:// endpoint. Empty disables the bridge.
	URL string `yaml:"url"`

	// FallbackURLs are tried in order when the endpoints before them keep
	// failing.
	FallbackURLs []string `yaml:"fallback_urls"`

	// APIKey is sent as a bearer token.
	APIKey string `yaml:"api_key"`

	// Template selects the agent persona sent in StartConversation.
	Template string `yaml:"template"`

	// Codec is the uplink audio encoding. Defaults to pcm.
	Codec Codec `yaml:"codec"`

	// SendBuffer bounds the uplink queue, in messages.
	SendBuffer int `yaml:"send_buffer"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
	Breaker   BreakerConfig   `yaml:"breaker"`
}

// BreakerConfig controls the per-endpoint circuit breaker used for agent
// failover.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failed connection attempts
	// that take an endpoint out of rotation.
	MaxFailures int `yaml:"max_failures"`

	// Cooldown is how long a failing endpoint stays out of rotation.
	Cooldown time.Duration `yaml:"cooldown"`
}

// ReconnectConfig controls bridge reconnection with exponential backoff.
type ReconnectConfig struct {
	// MaxRetries is the number of attempts per outage. 0 means the default;
	// negative retries forever.
	MaxRetries int `yaml:"max_retries"`

	// Backoff is the initial delay between attempts.
	Backoff time.Duration `yaml:"backoff"`

	// MaxBackoff caps the delay.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultBackend     = "portaudio"
	DefaultSendBuffer  = 64
	DefaultMaxRetries  = 5
	DefaultBackoff     = 500 * time.Millisecond
	DefaultMaxBackoff  = 10 * time.Second
	DefaultFramesPerIO = 1024

	DefaultBreakerFailures = 3
	DefaultBreakerCooldown = 30 * time.Second
)

// ApplyDefaults fills zero fields with their defaults. Engine fields left
// at zero are defaulted later by [duplex.Config].
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Device.Backend == "" {
		cfg.Device.Backend = DefaultBackend
	}
	if cfg.Device.FramesPerBuffer == 0 {
		cfg.Device.FramesPerBuffer = DefaultFramesPerIO
	}
	if cfg.Agent.Codec == "" {
		cfg.Agent.Codec = CodecPCM
	}
	if cfg.Agent.SendBuffer == 0 {
		cfg.Agent.SendBuffer = DefaultSendBuffer
	}
	r := &cfg.Agent.Reconnect
	if r.MaxRetries == 0 {
		r.MaxRetries = DefaultMaxRetries
	}
	if r.Backoff == 0 {
		r.Backoff = DefaultBackoff
	}
	if r.MaxBackoff == 0 {
		r.MaxBackoff = DefaultMaxBackoff
	}
	b := &cfg.Agent.Breaker
	if b.MaxFailures == 0 {
		b.MaxFailures = DefaultBreakerFailures
	}
	if b.Cooldown == 0 {
		b.Cooldown = DefaultBreakerCooldown
	}
}

// VoiceProcessingEnabled reports whether AEC and NS should be on.
func (e EngineConfig) VoiceProcessingEnabled() bool {
	return e.VoiceProcessing == nil || *e.VoiceProcessing
}

// DuplexConfig converts the engine and device sections into a
// [duplex.Config].
func (c *Config) DuplexConfig() duplex.Config {
	return duplex.Config{
		CaptureFramesPerBuffer: c.Engine.CaptureBufferFrames,
		DiscardWindow:          c.Engine.DiscardWindow,
		InputMeterWindow:       c.Engine.InputMeterWindow,
		ReferenceQueue:         c.Engine.ReferenceQueue,
		Meter: audio.MeterConfig{
			FloorDB:   c.Engine.Meter.FloorDB,
			CeilingDB: c.Engine.Meter.CeilingDB,
			Exponent:  c.Engine.Meter.Exponent,
		},
		BypassVoiceProcessing: !c.Engine.VoiceProcessingEnabled(),
		InputDevice:           c.Device.InputDevice,
		OutputDevice:          c.Device.OutputDevice,
	}
}
