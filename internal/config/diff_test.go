package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/twowayaudio/internal/config"
)

func boolPtr(b bool) *bool { return &b }

func TestDiff(t *testing.T) {
	t.Parallel()

	base := func() *config.Config {
		cfg := &config.Config{}
		config.ApplyDefaults(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		check   func(t *testing.T, d config.ConfigDiff)
		isEmpty bool
	}{
		{
			name:    "identical",
			mutate:  func(*config.Config) {},
			isEmpty: true,
		},
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogWarn },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.LogLevelChanged || d.NewLogLevel != config.LogWarn {
					t.Errorf("got %+v", d)
				}
			},
		},
		{
			name:   "voice processing off",
			mutate: func(c *config.Config) { c.Engine.VoiceProcessing = boolPtr(false) },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.VoiceProcessingChanged || d.NewVoiceProcessing {
					t.Errorf("got %+v", d)
				}
				if len(d.RestartRequired) != 0 {
					t.Errorf("voice processing is live, got restart %v", d.RestartRequired)
				}
			},
		},
		{
			name:    "explicit true equals unset",
			mutate:  func(c *config.Config) { c.Engine.VoiceProcessing = boolPtr(true) },
			isEmpty: true,
		},
		{
			name:   "fallback URLs need restart",
			mutate: func(c *config.Config) { c.Agent.FallbackURLs = []string{"ws://backup/"} },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !slices.Equal(d.RestartRequired, []string{"agent"}) {
					t.Errorf("restart: got %v, want [agent]", d.RestartRequired)
				}
			},
		},
		{
			name: "restart sections",
			mutate: func(c *config.Config) {
				c.Engine.DiscardWindow = time.Second
				c.Device.Backend = "null"
				c.Agent.URL = "ws://localhost/"
				c.Server.ListenAddr = ":1"
			},
			check: func(t *testing.T, d config.ConfigDiff) {
				want := []string{"server.listen_addr", "engine", "device", "agent"}
				if !slices.Equal(d.RestartRequired, want) {
					t.Errorf("restart: got %v, want %v", d.RestartRequired, want)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			old, cur := base(), base()
			tt.mutate(cur)
			d := config.Diff(old, cur)
			if d.Empty() != tt.isEmpty {
				t.Errorf("Empty: got %v, want %v (%+v)", d.Empty(), tt.isEmpty, d)
			}
			if tt.check != nil {
				tt.check(t, d)
			}
		})
	}
}
