// Package duplex implements a full-duplex voice audio engine: it captures
// microphone audio, hands it to the caller as mono 16 kHz PCM16, and plays
// caller-supplied PCM16 through the current output route while echo
// cancellation keeps the rendered audio out of the capture.
//
// An [Engine] is an explicit handle created by [Open] (or [New] followed by
// [Engine.Initialize]). It owns one capture pipeline, one playback pipeline,
// and a router that holds the OS audio session and reacts to device and
// interruption events.
//
// Handlers registered with the On* methods run synchronously on the audio
// goroutines and must not block. They must not call [Engine.TearDown],
// [Engine.Pause], [Engine.ToggleRecording] with false, or [Engine.Initialize];
// those wait for the same goroutines to exit. [Engine.PlayPCMData] and the
// query methods ([Engine.State], [Engine.IsRecording], [Engine.IsPlaying],
// [Engine.Routing]) are safe from anywhere, handlers included.
package duplex

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/twowayaudio/pkg/audio"
)

// Engine is a duplex voice audio engine. All methods are safe for
// concurrent use.
type Engine struct {
	hw          audio.Hardware
	session     audio.Session
	cfg         Config
	permissions Permissions

	meterProvider metric.MeterProvider
	metrics       *metrics
	tracer        trace.Tracer

	capture  *capture
	playback *playback
	router   *router

	// mu serialises control operations. The audio goroutines never take it.
	mu    sync.Mutex
	state atomic.Int32

	wantRecording   bool // capture should be running while Ready
	pausedRecording bool // capture was running when the engine paused
	interrupted     bool // paused by the session, not by the caller

	// initAt is the Unix time in nanoseconds at which the engine became
	// Ready. PlayPCMData reads it without taking mu.
	initAt atomic.Int64

	discardOnce sync.Once

	onMicData         atomic.Pointer[func([]byte)]
	onInputVolume     atomic.Pointer[func(float32)]
	onOutputVolume    atomic.Pointer[func(float32)]
	onRecordingChange atomic.Pointer[func(bool)]
	onInterruption    atomic.Pointer[func(Interruption)]
	onPipelineError   atomic.Pointer[func(error)]
}

// New creates an uninitialised engine on the given hardware and session.
func New(hw audio.Hardware, session audio.Session, opts ...Option) *Engine {
	e := &Engine{
		hw:      hw,
		session: session,
		cfg:     DefaultConfig(),
	}
	for _, o := range opts {
		o(e)
	}
	e.cfg = e.cfg.withDefaults()
	if e.meterProvider == nil {
		e.meterProvider = otel.GetMeterProvider()
	}
	e.metrics = mustMetrics(e.meterProvider)
	if e.tracer == nil {
		e.tracer = defaultTracer()
	}
	if e.permissions == nil {
		e.permissions = grantedPermissions{}
	}

	reference := make(chan []float32, e.cfg.ReferenceQueue)
	e.capture = newCapture(hw, e.cfg, e.metrics, captureSink{
		data:    e.emitMicData,
		volume:  e.emitInputVolume,
		failure: e.captureFailed,
	}, reference)
	e.playback = newPlayback(hw, e.cfg, e.metrics, playbackSink{
		volume:     e.emitOutputVolume,
		firstFrame: e.firstFramePlayed,
		failure:    e.emitPipelineError,
	}, reference)
	e.router = newRouter(session, e, e.metrics)
	return e
}

// Open creates an engine and initialises it.
func Open(ctx context.Context, hw audio.Hardware, session audio.Session, opts ...Option) (*Engine, error) {
	e := New(hw, session, opts...)
	if err := e.Initialize(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Initialize acquires the audio session, applies routing and opens the
// output stream. Capture stays stopped. Calling it on an initialised engine
// returns nil immediately, except that a failed output stream is reopened.
func (e *Engine) Initialize(ctx context.Context) error {
	ctx, span := e.startSpan(ctx, "duplex.Initialize")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.State() {
	case StateTornDown:
		return ErrTornDown
	case StateUninitialized:
	default:
		return e.playback.open(ctx)
	}

	if err := e.router.acquire(ctx); err != nil {
		recordSpanError(span, err)
		return err
	}
	if err := e.playback.open(ctx); err != nil {
		e.router.release()
		recordSpanError(span, err)
		return err
	}
	e.router.watch()

	e.initAt.Store(time.Now().UnixNano())
	e.state.Store(int32(StateReady))
	e.metrics.activeEngines.Add(ctx, 1)
	span.SetAttributes(attribute.String("route", e.router.State().Selected.Kind.String()))
	spanLogger(ctx).Info("audio engine initialized", "route", e.router.State().Selected.Name)
	return nil
}

// State returns the lifecycle state.
func (e *Engine) State() State {
	s := State(e.state.Load())
	if s == StateReady && e.capture.Running() {
		return StateRecording
	}
	return s
}

// IsRecording reports whether capture is running.
func (e *Engine) IsRecording() bool {
	if !e.ready() {
		return false
	}
	return e.capture.Running()
}

// IsPlaying reports whether the playback pipeline is draining.
func (e *Engine) IsPlaying() bool {
	if !e.ready() {
		return false
	}
	return e.playback.Draining()
}

// Routing returns the current output routing.
func (e *Engine) Routing() RoutingState {
	return e.router.State()
}

// ToggleRecording starts or stops capture and returns whether capture is
// running afterwards. While paused it records the choice for [Engine.Resume]
// and returns false. OnRecordingChange fires with the result.
func (e *Engine) ToggleRecording(ctx context.Context, want bool) bool {
	e.mu.Lock()
	switch e.State() {
	case StateUninitialized, StateTornDown:
		e.mu.Unlock()
		return false
	case StatePaused:
		e.pausedRecording = want
		e.mu.Unlock()
		return false
	}

	var startErr error
	if want {
		startErr = e.capture.start(ctx)
	} else {
		e.capture.stop()
	}
	e.wantRecording = want
	running := e.capture.Running()
	e.mu.Unlock()

	if startErr != nil {
		slog.Error("audio engine: start recording", "err", startErr)
		e.emitPipelineError(startErr)
	}
	e.emitRecordingChange(running)
	return running
}

// PlayPCMData enqueues mono 16 kHz PCM16 for playback and returns without
// waiting for it to play. The data is copied. A buffer with an odd byte
// count is rejected with an [*audio.FormatError]. It never waits for a
// control operation, so handlers may call it.
func (e *Engine) PlayPCMData(pcm []byte) error {
	if err := audio.ValidatePCM16(pcm); err != nil {
		return err
	}
	if len(pcm) == 0 {
		return nil
	}

	switch State(e.state.Load()) {
	case StateUninitialized:
		return ErrNotInitialized
	case StateTornDown:
		return ErrTornDown
	}
	return e.playback.enqueue(audio.Frame{
		Data:       slices.Clone(pcm),
		SampleRate: audio.VoiceSampleRate,
		Channels:   audio.VoiceChannels,
		Timestamp:  time.Duration(time.Now().UnixNano() - e.initAt.Load()),
	})
}

// BypassVoiceProcessing disables (true) or re-enables (false) echo
// cancellation and noise suppression. It applies to the running capture and
// to later starts.
func (e *Engine) BypassVoiceProcessing(bypass bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State() == StateTornDown {
		return
	}
	e.capture.setBypass(bypass)
}

// Pause stops capture and pauses playback. Queued audio is kept and plays
// after [Engine.Resume].
func (e *Engine) Pause() {
	e.mu.Lock()
	if s := e.State(); s != StateReady && s != StateRecording {
		e.mu.Unlock()
		return
	}
	wasRecording := e.capture.Running()
	e.pausedRecording = wasRecording
	e.interrupted = false
	e.capture.stop()
	e.playback.pause()
	e.state.Store(int32(StatePaused))
	e.mu.Unlock()

	slog.Info("audio engine paused", "was_recording", wasRecording)
	if wasRecording {
		e.emitRecordingChange(false)
	}
}

// Resume undoes [Engine.Pause]: playback continues and capture restarts if
// it was running before. It is a no-op unless the engine is paused.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	if e.State() != StatePaused {
		e.mu.Unlock()
		return nil
	}
	err := e.resumeLocked(ctx)
	restart, running := e.pausedRecording, e.capture.Running()
	e.mu.Unlock()

	if err != nil {
		e.emitPipelineError(err)
	}
	if restart {
		e.emitRecordingChange(running)
	}
	return err
}

// Restart re-activates the session, reopens a failed output stream, resumes
// playback and starts capture. It brings the engine back to recording from
// any initialised state.
func (e *Engine) Restart(ctx context.Context) error {
	e.mu.Lock()
	switch e.State() {
	case StateUninitialized:
		e.mu.Unlock()
		return ErrNotInitialized
	case StateTornDown:
		e.mu.Unlock()
		return ErrTornDown
	}
	err := e.router.reacquire(ctx)
	if err == nil {
		e.pausedRecording = true
		err = e.resumeLocked(ctx)
	}
	running := e.capture.Running()
	e.mu.Unlock()

	if err != nil {
		e.emitPipelineError(err)
	}
	e.emitRecordingChange(running)
	return err
}

// resumeLocked brings a paused (or ready) engine back to Ready, restarting
// capture when pausedRecording is set. Callers hold mu.
func (e *Engine) resumeLocked(ctx context.Context) error {
	if err := e.playback.open(ctx); err != nil {
		return err
	}
	e.playback.unpause()
	e.state.Store(int32(StateReady))
	e.interrupted = false
	e.wantRecording = e.pausedRecording
	if e.pausedRecording {
		return e.capture.start(ctx)
	}
	return nil
}

// TearDown stops both pipelines, releases the session and makes the engine
// unusable. It is idempotent. No handler runs after it returns.
func (e *Engine) TearDown() {
	ctx, span := e.startSpan(context.Background(), "duplex.TearDown")
	defer span.End()

	e.mu.Lock()
	prev := e.State()
	if prev == StateTornDown {
		e.mu.Unlock()
		return
	}
	e.state.Store(int32(StateTornDown))

	if prev != StateUninitialized {
		e.capture.stop()
		e.playback.close()
	}
	e.mu.Unlock()

	if prev != StateUninitialized {
		// The router goroutine may be waiting for mu; release it unlocked.
		e.router.release()
		e.metrics.activeEngines.Add(ctx, -1)
	}

	e.onMicData.Store(nil)
	e.onInputVolume.Store(nil)
	e.onOutputVolume.Store(nil)
	e.onRecordingChange.Store(nil)
	e.onInterruption.Store(nil)
	e.onPipelineError.Store(nil)
	spanLogger(ctx).Info("audio engine torn down")
}

// MicrophonePermissions reports the current microphone permission.
func (e *Engine) MicrophonePermissions(ctx context.Context) (PermissionResponse, error) {
	return e.permissions.MicrophonePermission(ctx)
}

// RequestMicrophonePermissions asks the host for microphone access.
func (e *Engine) RequestMicrophonePermissions(ctx context.Context) (PermissionResponse, error) {
	return e.permissions.RequestMicrophonePermission(ctx)
}

func (e *Engine) ready() bool {
	s := State(e.state.Load())
	return s != StateUninitialized && s != StateTornDown
}

// ─── session listener ─────────────────────────────────────────────────────────

func (e *Engine) interruptionBegan(kind Interruption) {
	ctx, span := e.startSpan(context.Background(), "duplex.interruption",
		trace.WithAttributes(attribute.String("kind", string(kind))))
	defer span.End()

	e.mu.Lock()
	s := e.State()
	if s == StateUninitialized || s == StateTornDown {
		e.mu.Unlock()
		return
	}
	wasRecording := e.capture.Running()
	if s != StatePaused {
		e.pausedRecording = wasRecording
		e.interrupted = true
	}
	e.capture.stop()
	e.playback.stop()
	// Audio enqueued during the interruption waits for the resume.
	e.playback.pause()
	e.state.Store(int32(StatePaused))
	e.mu.Unlock()

	spanLogger(ctx).Warn("audio session interrupted", "kind", string(kind), "was_recording", wasRecording)
	e.metrics.recordInterruption(ctx, kind)
	e.emitInterruption(kind)
	if wasRecording {
		e.emitRecordingChange(false)
	}
}

func (e *Engine) interruptionEnded(resume bool) {
	ctx, span := e.startSpan(context.Background(), "duplex.interruption",
		trace.WithAttributes(attribute.Bool("resume", resume)))
	defer span.End()

	e.mu.Lock()
	if e.State() != StatePaused || !e.interrupted {
		e.mu.Unlock()
		if resume {
			e.emitInterruption(InterruptionEnded)
		} else {
			e.emitInterruption(InterruptionBlocked)
		}
		return
	}
	if !resume {
		e.mu.Unlock()
		spanLogger(ctx).Warn("audio session interruption ended without resume")
		e.metrics.recordInterruption(ctx, InterruptionBlocked)
		e.emitInterruption(InterruptionBlocked)
		return
	}

	err := e.router.reacquire(ctx)
	if err == nil {
		err = e.resumeLocked(ctx)
	}
	restart, running := e.pausedRecording, e.capture.Running()
	e.mu.Unlock()

	if err != nil {
		recordSpanError(span, err)
		spanLogger(ctx).Error("audio engine: resume after interruption", "err", err)
		e.metrics.recordInterruption(ctx, InterruptionBlocked)
		e.emitPipelineError(err)
		e.emitInterruption(InterruptionBlocked)
		return
	}
	spanLogger(ctx).Info("audio session resumed", "recording", running)
	e.metrics.recordInterruption(ctx, InterruptionEnded)
	e.emitInterruption(InterruptionEnded)
	if restart {
		e.emitRecordingChange(running)
	}
}

func (e *Engine) sessionReset() {
	ctx, span := e.startSpan(context.Background(), "duplex.sessionReset")
	defer span.End()

	e.mu.Lock()
	s := e.State()
	if s == StateUninitialized || s == StateTornDown {
		e.mu.Unlock()
		return
	}
	wasRecording := e.capture.Running()
	e.capture.stop()
	e.playback.close()

	err := e.router.reacquire(ctx)
	if err == nil {
		err = e.playback.open(ctx)
	}
	if err == nil && s == StatePaused {
		// Keep the caller's pause across the rebuild.
		e.playback.pause()
	}
	if err == nil && wasRecording {
		err = e.capture.start(ctx)
	}
	if err != nil {
		e.pausedRecording = wasRecording
		e.interrupted = true
		e.state.Store(int32(StatePaused))
	}
	running := e.capture.Running()
	e.mu.Unlock()

	if err != nil {
		recordSpanError(span, err)
		spanLogger(ctx).Error("audio engine: rebuild after media reset", "err", err)
		e.emitPipelineError(err)
		e.emitInterruption(InterruptionBlocked)
	} else {
		spanLogger(ctx).Info("audio engine rebuilt after media reset", "recording", running)
	}
	if wasRecording != running {
		e.emitRecordingChange(running)
	}
}

// configurationChanged moves playback onto the current route and restarts
// capture the hardware stopped. A paused engine keeps its pause; its queued
// audio plays on the new route after Resume.
func (e *Engine) configurationChanged() {
	e.mu.Lock()
	s := State(e.state.Load())
	if s != StateReady && s != StatePaused {
		e.mu.Unlock()
		return
	}
	err := e.playback.reopen(context.Background())
	restarted := false
	if err == nil && s == StateReady && e.wantRecording && !e.capture.Running() {
		err = e.capture.start(context.Background())
		restarted = err == nil
	}
	e.mu.Unlock()

	if err != nil {
		slog.Error("audio engine: restart after configuration change", "err", err)
		e.emitPipelineError(err)
	}
	if restarted {
		slog.Info("audio engine: capture restarted after configuration change")
		e.emitRecordingChange(true)
	}
}

// ─── pipeline callbacks ───────────────────────────────────────────────────────

func (e *Engine) firstFramePlayed() {
	e.discardOnce.Do(func() {
		slog.Debug("audio engine: first output frame, withholding mic input",
			"window", e.cfg.DiscardWindow)
		e.capture.beginDiscard(e.cfg.DiscardWindow)
	})
}

func (e *Engine) captureFailed(err error) {
	e.emitRecordingChange(false)
	e.emitPipelineError(err)
}

// ─── handlers ─────────────────────────────────────────────────────────────────

// OnMicrophoneData registers cb to receive every captured buffer as mono
// 16 kHz PCM16. Only one callback may be registered at a time; subsequent
// calls replace the previous registration. The slice is owned by the callee.
func (e *Engine) OnMicrophoneData(cb func(pcm []byte)) { storeHandler(&e.onMicData, cb) }

// OnInputVolumeLevel registers cb to receive the input level in [0, 1].
func (e *Engine) OnInputVolumeLevel(cb func(level float32)) { storeHandler(&e.onInputVolume, cb) }

// OnOutputVolumeLevel registers cb to receive the output level in [0, 1].
// A final 0 is reported whenever the playback queue runs empty.
func (e *Engine) OnOutputVolumeLevel(cb func(level float32)) { storeHandler(&e.onOutputVolume, cb) }

// OnRecordingChange registers cb to learn whether capture is running after
// toggles, pauses, interruptions and failures.
func (e *Engine) OnRecordingChange(cb func(recording bool)) {
	storeHandler(&e.onRecordingChange, cb)
}

// OnAudioInterruption registers cb for session interruptions.
func (e *Engine) OnAudioInterruption(cb func(Interruption)) { storeHandler(&e.onInterruption, cb) }

// OnPipelineError registers cb for hardware errors that stopped a pipeline
// or prevented a restart.
func (e *Engine) OnPipelineError(cb func(error)) { storeHandler(&e.onPipelineError, cb) }

func storeHandler[T any](p *atomic.Pointer[T], cb T) {
	p.Store(&cb)
}

func (e *Engine) emitMicData(pcm []byte) {
	if cb := e.onMicData.Load(); cb != nil && *cb != nil {
		(*cb)(pcm)
	}
}

func (e *Engine) emitInputVolume(level float32) {
	if cb := e.onInputVolume.Load(); cb != nil && *cb != nil {
		(*cb)(level)
	}
}

func (e *Engine) emitOutputVolume(level float32) {
	if cb := e.onOutputVolume.Load(); cb != nil && *cb != nil {
		(*cb)(level)
	}
}

func (e *Engine) emitRecordingChange(on bool) {
	if cb := e.onRecordingChange.Load(); cb != nil && *cb != nil {
		(*cb)(on)
	}
}

func (e *Engine) emitInterruption(kind Interruption) {
	if cb := e.onInterruption.Load(); cb != nil && *cb != nil {
		(*cb)(kind)
	}
}

func (e *Engine) emitPipelineError(err error) {
	if cb := e.onPipelineError.Load(); cb != nil && *cb != nil {
		(*cb)(err)
	}
}
