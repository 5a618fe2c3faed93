// Command twowayaudio runs a full-duplex voice engine on the local audio
// hardware, optionally bridged to a remote voice agent.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/twowayaudio/internal/app"
	"github.com/MrWong99/twowayaudio/internal/config"
	"github.com/MrWong99/twowayaudio/internal/media"
	"github.com/MrWong99/twowayaudio/internal/observe"
	"github.com/MrWong99/twowayaudio/pkg/audio/null"
	"github.com/MrWong99/twowayaudio/pkg/audio/portaudio"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	playPath := flag.String("play", "", "audio file (wav, aiff, mp3, ogg) to play once the engine is running")
	listBackends := flag.Bool("backends", false, "list the available audio backends and exit")
	flag.Parse()

	reg := config.NewRegistry()
	registerBackends(reg)
	if *listBackends {
		for _, name := range reg.Backends() {
			fmt.Println(name)
		}
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "twowayaudio: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "twowayaudio: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("twowayaudio starting",
		"version", version,
		"config", *configPath,
		"backend", cfg.Device.Backend,
		"agent", cfg.Agent.URL != "",
		"listen_addr", cfg.Server.ListenAddr,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(context.Background(), observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(tel.MeterProvider)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Media clip (optional) ─────────────────────────────────────────────────
	opts := []app.Option{
		app.WithMetrics(metrics),
		app.WithTelemetry(tel),
		app.WithLogLevel(&level),
	}
	if *playPath != "" {
		clip, err := media.Load(*playPath)
		if err != nil {
			slog.Error("failed to load clip", "err", err)
			return 1
		}
		opts = append(opts, app.WithClip(clip))
	}

	// ── Audio backend ─────────────────────────────────────────────────────────
	backend, err := reg.CreateBackend(cfg.Device)
	if err != nil {
		slog.Error("failed to open audio backend", "err", err)
		return 1
	}
	opts = append(opts, app.WithCloser(backend.Close))
	if backend.Watch != nil {
		opts = append(opts, app.WithDeviceWatch(backend.Watch))
	}

	application, err := app.New(cfg, backend.Hardware, backend.Session, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = backend.Close()
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("engine starting, press Ctrl+C to stop")
	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// registerBackends wires the built-in audio backends into reg.
func registerBackends(reg *config.Registry) {
	reg.RegisterBackend("portaudio", func(d config.DeviceConfig) (*config.Backend, error) {
		b, err := portaudio.Open(portaudio.Config{
			InputDevice:     d.InputDevice,
			OutputDevice:    d.OutputDevice,
			FramesPerBuffer: d.FramesPerBuffer,
		})
		if err != nil {
			return nil, err
		}
		sess := portaudio.NewSession(b)
		return &config.Backend{
			Hardware: b,
			Session:  sess,
			Close:    b.Close,
			Watch: func(ctx context.Context) {
				sess.Watch(ctx, portaudio.DefaultRescanInterval)
			},
		}, nil
	})

	reg.RegisterBackend("null", func(d config.DeviceConfig) (*config.Backend, error) {
		return &config.Backend{Hardware: &null.Hardware{Loopback: d.Loopback}, Session: &null.Session{}}, nil
	})
}
