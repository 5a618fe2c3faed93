package duplex

import (
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/twowayaudio/pkg/audio"
)

// Config tunes an [Engine]. Zero fields take the defaults from
// [DefaultConfig].
type Config struct {
	// CaptureFramesPerBuffer is the number of hardware frames per capture
	// read. Default 1024.
	CaptureFramesPerBuffer int

	// DiscardWindow is how long mic input is withheld after the first
	// output frame starts playing. Default 2s. Negative disables it.
	DiscardWindow time.Duration

	// InputMeterWindow is the rolling window (in voice-rate samples) for
	// the input volume. Default 2048.
	InputMeterWindow int

	// ReferenceQueue bounds the render reference handed to software echo
	// cancellers. Default 32 frames.
	ReferenceQueue int

	// Meter shapes both volume curves.
	Meter audio.MeterConfig

	// BypassVoiceProcessing starts the engine with AEC and NS disabled.
	BypassVoiceProcessing bool

	// InputDevice and OutputDevice name hardware devices. Empty selects the
	// current route.
	InputDevice  string
	OutputDevice string
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		CaptureFramesPerBuffer: 1024,
		DiscardWindow:          2 * time.Second,
		InputMeterWindow:       audio.DefaultMeterWindow,
		ReferenceQueue:         32,
		Meter:                  audio.DefaultMeterConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CaptureFramesPerBuffer <= 0 {
		c.CaptureFramesPerBuffer = d.CaptureFramesPerBuffer
	}
	if c.DiscardWindow == 0 {
		c.DiscardWindow = d.DiscardWindow
	}
	if c.InputMeterWindow <= 0 {
		c.InputMeterWindow = d.InputMeterWindow
	}
	if c.ReferenceQueue <= 0 {
		c.ReferenceQueue = d.ReferenceQueue
	}
	if c.Meter == (audio.MeterConfig{}) {
		c.Meter = d.Meter
	}
	return c
}

// Option configures an [Engine].
type Option func(*Engine)

// WithConfig replaces the engine configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithMeterProvider sets the provider the engine creates its instruments
// on. Defaults to the global OpenTelemetry provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// WithTracerProvider sets the provider for lifecycle spans. Defaults to the
// global OpenTelemetry provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(instrumentationName) }
}

// WithPermissions sets the microphone permission collaborator. Defaults to
// one that always reports granted.
func WithPermissions(p Permissions) Option {
	return func(e *Engine) { e.permissions = p }
}
