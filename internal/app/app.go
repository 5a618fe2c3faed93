// Package app wires the duplex engine, the optional voice-agent bridge and
// the admin HTTP server into a running application.
//
// New builds everything without touching the hardware, Run initialises the
// engine and blocks until the context ends, and Shutdown tears down in order.
// Tests inject doubles through [Option] values.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/twowayaudio/internal/bridge"
	"github.com/MrWong99/twowayaudio/internal/config"
	"github.com/MrWong99/twowayaudio/internal/health"
	"github.com/MrWong99/twowayaudio/internal/media"
	"github.com/MrWong99/twowayaudio/internal/observe"
	"github.com/MrWong99/twowayaudio/pkg/audio"
	"github.com/MrWong99/twowayaudio/pkg/duplex"
)

const adminShutdownTimeout = 5 * time.Second

// App owns the engine and everything attached to it.
type App struct {
	cfg *config.Config

	engine  *duplex.Engine
	bridge  *bridge.Bridge
	metrics *observe.Metrics

	telemetry  *observe.Telemetry
	engineOpts []duplex.Option
	watchers   []func(context.Context)
	logLevel   *slog.LevelVar
	clip       *media.Clip

	admin   *http.Server
	handler http.Handler

	// closers run after the engine is torn down, in order.
	closers  []func() error
	stopOnce sync.Once
}

// Option configures an [App].
type Option func(*App)

// WithMetrics sets the metrics instance instead of the global default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTelemetry exposes t.Handler on /metrics and shuts t down last.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) { a.telemetry = t }
}

// WithEngineOptions appends opts to the options the engine is built with.
// They apply after the telemetry providers.
func WithEngineOptions(opts ...duplex.Option) Option {
	return func(a *App) { a.engineOpts = append(a.engineOpts, opts...) }
}

// WithDeviceWatch runs fn alongside the engine while Run is active, such as
// a backend polling for device changes.
func WithDeviceWatch(fn func(ctx context.Context)) Option {
	return func(a *App) { a.watchers = append(a.watchers, fn) }
}

// WithLogLevel lets config reloads change the log level through lv.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithClip queues clip for playback once the engine is running.
func WithClip(clip *media.Clip) Option {
	return func(a *App) { a.clip = clip }
}

// WithCloser registers fn to run during Shutdown after the engine is torn
// down, such as releasing the audio backend.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates the engine on hw and session and, when configured, the bridge
// and admin server. Nothing is started.
func New(cfg *config.Config, hw audio.Hardware, session audio.Session, opts ...Option) (*App, error) {
	if hw == nil || session == nil {
		return nil, errors.New("app: hardware and session are required")
	}
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	engineOpts := []duplex.Option{duplex.WithConfig(cfg.DuplexConfig())}
	if a.telemetry != nil {
		engineOpts = append(engineOpts,
			duplex.WithMeterProvider(a.telemetry.MeterProvider),
			duplex.WithTracerProvider(a.telemetry.TracerProvider),
		)
	}
	a.engine = duplex.New(hw, session, append(engineOpts, a.engineOpts...)...)
	a.engine.OnRecordingChange(func(on bool) {
		slog.Info("recording changed", "recording", on)
	})
	a.engine.OnAudioInterruption(func(kind duplex.Interruption) {
		slog.Info("audio interruption", "kind", string(kind))
	})
	a.engine.OnPipelineError(func(err error) {
		slog.Error("audio pipeline error", "err", err)
	})

	if cfg.Agent.URL != "" {
		a.bridge = bridge.New(bridge.Config{
			URL:             cfg.Agent.URL,
			FallbackURLs:    cfg.Agent.FallbackURLs,
			BreakerFailures: cfg.Agent.Breaker.MaxFailures,
			BreakerCooldown: cfg.Agent.Breaker.Cooldown,
			APIKey:          cfg.Agent.APIKey,
			Template:        cfg.Agent.Template,
			Codec:           string(cfg.Agent.Codec),
			SendBuffer:      cfg.Agent.SendBuffer,
			MaxRetries:      cfg.Agent.Reconnect.MaxRetries,
			Backoff:         cfg.Agent.Reconnect.Backoff,
			MaxBackoff:      cfg.Agent.Reconnect.MaxBackoff,
		}, a.engine,
			bridge.WithMetrics(a.metrics),
			bridge.WithTranscriptHandler(func(t bridge.Transcript) {
				if t.Partial {
					slog.Debug("partial transcript", "text", t.Text)
				}
			}),
		)
		a.engine.OnMicrophoneData(a.bridge.SendAudio)
	}

	a.handler = a.buildHandler()
	if cfg.Server.ListenAddr != "" {
		a.admin = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           a.handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return a, nil
}

// Engine returns the duplex engine.
func (a *App) Engine() *duplex.Engine { return a.engine }

// Handler returns the admin HTTP handler, whether or not a listener is
// configured.
func (a *App) Handler() http.Handler { return a.handler }

func (a *App) buildHandler() http.Handler {
	checkers := []health.Checker{health.EngineChecker(a.engine.State)}
	if a.bridge != nil {
		checkers = append(checkers, health.AgentChecker(a.bridge.Connected))
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	if a.telemetry != nil {
		mux.Handle("GET /metrics", a.telemetry.Handler)
	}
	mux.HandleFunc("GET /engine", a.handleStatus)
	mux.HandleFunc("POST /engine/{op}", a.handleControl)
	return observe.Middleware(a.metrics)(mux)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run initialises the engine, starts recording and serves until ctx is
// cancelled, the agent ends the conversation, or a component fails. A
// cancelled ctx or an agent-ended conversation returns nil.
func (a *App) Run(ctx context.Context) error {
	if err := a.engine.Initialize(ctx); err != nil {
		return fmt.Errorf("app: initialise engine: %w", err)
	}
	if !a.engine.ToggleRecording(ctx, true) {
		slog.Warn("recording did not start", "state", a.engine.State().String())
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.admin != nil {
		ln, err := net.Listen("tcp", a.admin.Addr)
		if err != nil {
			return fmt.Errorf("app: admin listen: %w", err)
		}
		slog.Info("admin server listening", "addr", ln.Addr().String())
		g.Go(func() error {
			if err := a.admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
			defer cancel()
			return a.admin.Shutdown(sctx)
		})
	}

	if a.bridge != nil {
		g.Go(func() error { return a.bridge.Run(gctx) })
	}

	for _, watch := range a.watchers {
		g.Go(func() error {
			watch(gctx)
			return nil
		})
	}

	if a.clip != nil {
		g.Go(func() error {
			slog.Info("playing clip", "duration", a.clip.Duration(), "source", a.clip.Source.String())
			if err := media.Play(gctx, a.engine, a.clip, media.DefaultChunkFrames); err != nil && gctx.Err() == nil {
				slog.Warn("clip playback stopped", "err", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, bridge.ErrConversationEnded) {
		slog.Info("voice agent ended the conversation")
		return nil
	}
	return err
}

// ApplyConfig applies the hot-reloadable parts of a config change. It has
// the shape of [config.ChangeFunc].
func (a *App) ApplyConfig(_, _ *config.Config, diff config.ConfigDiff) {
	if diff.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(diff.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", string(diff.NewLogLevel))
	}
	if diff.VoiceProcessingChanged {
		a.engine.BypassVoiceProcessing(!diff.NewVoiceProcessing)
		slog.Info("voice processing changed", "enabled", diff.NewVoiceProcessing)
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", diff.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down the engine, then runs the registered closers and
// flushes telemetry. Closers still pending when ctx expires are skipped and
// ctx's error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.engine.TearDown()

		for i, closer := range a.closers {
			if err := ctx.Err(); err != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = err
				return
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		if a.telemetry != nil {
			if err := a.telemetry.Shutdown(ctx); err != nil {
				slog.Warn("telemetry shutdown", "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── admin control ───────────────────────────────────────────────────────────

type engineStatus struct {
	State     string `json:"state"`
	Recording bool   `json:"recording"`
	Playing   bool   `json:"playing"`
	Route     string `json:"route,omitempty"`
	Agent     *bool  `json:"agent_connected,omitempty"`
}

func (a *App) status() engineStatus {
	st := engineStatus{
		State:     a.engine.State().String(),
		Recording: a.engine.IsRecording(),
		Playing:   a.engine.IsPlaying(),
		Route:     a.engine.Routing().Selected.Name,
	}
	if a.bridge != nil {
		c := a.bridge.Connected()
		st.Agent = &c
	}
	return st
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.status())
}

// handleControl runs one engine operation: record, mute, pause, resume or
// restart.
func (a *App) handleControl(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	switch op := r.PathValue("op"); op {
	case "record":
		a.engine.ToggleRecording(ctx, true)
	case "mute":
		a.engine.ToggleRecording(ctx, false)
	case "pause":
		a.engine.Pause()
	case "resume":
		err = a.engine.Resume(ctx)
	case "restart":
		err = a.engine.Restart(ctx)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown operation " + op})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, a.status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode admin response", "err", err)
	}
}
