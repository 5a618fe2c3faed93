package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// maxDiscardWindow is the discard window above which Validate warns.
const maxDiscardWindow = 10 * time.Second

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, validates it and applies
// defaults. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Engine
	e := cfg.Engine
	if e.CaptureBufferFrames < 0 {
		errs = append(errs, fmt.Errorf("engine.capture_buffer_frames %d must not be negative", e.CaptureBufferFrames))
	}
	if e.InputMeterWindow < 0 {
		errs = append(errs, fmt.Errorf("engine.input_meter_window %d must not be negative", e.InputMeterWindow))
	}
	if e.ReferenceQueue < 0 {
		errs = append(errs, fmt.Errorf("engine.reference_queue %d must not be negative", e.ReferenceQueue))
	}
	if e.Meter.FloorDB > 0 {
		errs = append(errs, fmt.Errorf("engine.meter.floor_db %.1f must be <= 0", e.Meter.FloorDB))
	}
	if e.Meter.CeilingDB != 0 && e.Meter.CeilingDB <= e.Meter.FloorDB {
		errs = append(errs, fmt.Errorf("engine.meter.ceiling_db %.1f must be above floor_db %.1f", e.Meter.CeilingDB, e.Meter.FloorDB))
	}
	if e.Meter.Exponent < 0 {
		errs = append(errs, fmt.Errorf("engine.meter.exponent %.2f must not be negative", e.Meter.Exponent))
	}
	if e.DiscardWindow > maxDiscardWindow {
		slog.Warn("engine.discard_window is unusually long; mic input will be withheld after playback starts",
			"discard_window", e.DiscardWindow)
	}

	// Device
	if cfg.Device.FramesPerBuffer < 0 {
		errs = append(errs, fmt.Errorf("device.frames_per_buffer %d must not be negative", cfg.Device.FramesPerBuffer))
	}

	// Agent
	a := cfg.Agent
	if a.Codec != "" && !a.Codec.IsValid() {
		errs = append(errs, fmt.Errorf("agent.codec %q is invalid; valid values: pcm, opus", a.Codec))
	}
	if a.URL != "" {
		errs = append(errs, validateAgentURL("agent.url", a.URL, a.APIKey))
		for i, fb := range a.FallbackURLs {
			errs = append(errs, validateAgentURL(fmt.Sprintf("agent.fallback_urls[%d]", i), fb, a.APIKey))
		}
	} else {
		if a.APIKey != "" {
			slog.Warn("agent.api_key is set but agent.url is empty; the agent bridge is disabled")
		}
		if len(a.FallbackURLs) > 0 {
			errs = append(errs, errors.New("agent.fallback_urls requires agent.url"))
		}
	}
	if a.Breaker.MaxFailures < 0 || a.Breaker.Cooldown < 0 {
		errs = append(errs, errors.New("agent.breaker values must not be negative"))
	}
	if a.SendBuffer < 0 {
		errs = append(errs, fmt.Errorf("agent.send_buffer %d must not be negative", a.SendBuffer))
	}
	if a.Reconnect.Backoff < 0 || a.Reconnect.MaxBackoff < 0 {
		errs = append(errs, errors.New("agent.reconnect backoff values must not be negative"))
	}
	if a.Reconnect.MaxBackoff > 0 && a.Reconnect.Backoff > a.Reconnect.MaxBackoff {
		errs = append(errs, fmt.Errorf("agent.reconnect.backoff %v exceeds max_backoff %v", a.Reconnect.Backoff, a.Reconnect.MaxBackoff))
	}

	return errors.Join(errs...)
}

func validateAgentURL(field, raw, apiKey string) error {
	u, err := url.Parse(raw)
	switch {
	case err != nil:
		return fmt.Errorf("%s: %w", field, err)
	case u.Scheme != "ws" && u.Scheme != "wss":
		return fmt.Errorf("%s scheme %q is invalid; valid values: ws, wss", field, u.Scheme)
	case u.Scheme == "ws" && apiKey != "":
		slog.Warn("agent.api_key is sent over an unencrypted ws:// connection", "url", raw)
	}
	return nil
}
