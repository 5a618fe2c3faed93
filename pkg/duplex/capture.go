package duplex

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/twowayaudio/pkg/audio"
)

// captureSink receives everything the capture loop produces. All callbacks
// run on the capture goroutine.
type captureSink struct {
	data    func(pcm []byte)
	volume  func(level float32)
	failure func(err error)
}

// capture owns the input stream and the goroutine that reads it.
//
// States: stopped (no stream, no goroutine) and running. start and stop
// are serialised by mu; the loop itself never takes mu except when it
// stops on a hardware failure.
type capture struct {
	hw      audio.Hardware
	cfg     Config
	metrics *metrics
	sink    captureSink

	// reference carries rendered voice-rate samples from playback for
	// software echo cancellers.
	reference <-chan []float32

	mu      sync.Mutex
	running bool
	bypass  bool
	in      audio.InputStream
	effects []audio.Effect
	done    chan struct{}
	exited  chan struct{}

	// discardUntil is a UnixNano deadline; buffers read before it are not
	// forwarded.
	discardUntil atomic.Int64
}

func newCapture(hw audio.Hardware, cfg Config, m *metrics, sink captureSink, reference <-chan []float32) *capture {
	return &capture{
		hw:        hw,
		cfg:       cfg,
		metrics:   m,
		sink:      sink,
		reference: reference,
		bypass:    cfg.BypassVoiceProcessing,
	}
}

// Running reports whether the capture loop is active.
func (c *capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// start opens the input stream, attaches voice processing, and launches the
// loop. It is a no-op when already running.
func (c *capture) start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	in, err := c.hw.OpenInput(ctx, audio.StreamConfig{
		Channels:        audio.VoiceChannels,
		FramesPerBuffer: c.cfg.CaptureFramesPerBuffer,
		Device:          c.cfg.InputDevice,
	})
	if err != nil {
		return initError("open input", err)
	}

	effects := c.attachEffects(in.SessionID())
	if err := in.Start(); err != nil {
		releaseEffects(effects)
		_ = in.Close()
		return initError("start input", err)
	}

	c.drainReference()
	c.in = in
	c.effects = effects
	c.running = true
	c.done = make(chan struct{})
	c.exited = make(chan struct{})

	slog.Info("capture started",
		"format", in.Format().String(),
		"session_id", in.SessionID(),
		"effects", len(effects),
	)
	go c.loop(in, effects, c.done, c.exited)
	return nil
}

// stop halts the loop at the next buffer boundary, releases the stream and
// reports a final input volume of 0. It returns after the loop exited, so it
// must not be called from a capture handler.
func (c *capture) stop() {
	c.mu.Lock()
	if !c.running {
		// A loop that failed on its own may still be delivering its last
		// callbacks.
		exited := c.exited
		c.mu.Unlock()
		if exited != nil {
			<-exited
		}
		return
	}
	in, effects, done, exited := c.in, c.effects, c.done, c.exited
	c.clearLocked()
	close(done)
	c.mu.Unlock()

	// Closing the stream unblocks a pending Read.
	if err := in.Close(); err != nil {
		slog.Warn("capture: close input", "err", err)
	}
	<-exited
	releaseEffects(effects)
	c.sink.volume(0)
	slog.Info("capture stopped")
}

// setBypass enables or disables every attached effect and remembers the
// choice for future starts.
func (c *capture) setBypass(bypass bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bypass = bypass
	for _, e := range c.effects {
		if err := e.SetEnabled(!bypass); err != nil {
			slog.Warn("capture: toggle effect", "effect", e.Kind().String(), "err", err)
		}
	}
}

// beginDiscard withholds mic data for d from now.
func (c *capture) beginDiscard(d time.Duration) {
	if d <= 0 {
		return
	}
	c.discardUntil.Store(time.Now().Add(d).UnixNano())
}

func (c *capture) discarding() bool {
	return time.Now().UnixNano() < c.discardUntil.Load()
}

func (c *capture) attachEffects(sessionID int) []audio.Effect {
	fx, ok := c.hw.(audio.Effects)
	if !ok {
		slog.Debug("capture: hardware has no voice processing")
		return nil
	}
	var effects []audio.Effect
	for _, kind := range []audio.EffectKind{audio.EffectEchoCancel, audio.EffectNoiseSuppress} {
		e, ok := fx.TryEnable(kind, sessionID)
		if !ok {
			slog.Debug("capture: effect unavailable", "effect", kind.String())
			continue
		}
		if c.bypass {
			if err := e.SetEnabled(false); err != nil {
				slog.Warn("capture: disable effect", "effect", kind.String(), "err", err)
			}
		}
		effects = append(effects, e)
	}
	return effects
}

func (c *capture) loop(in audio.InputStream, effects []audio.Effect, done, exited chan struct{}) {
	defer close(exited)

	format := in.Format()
	conv := &audio.FormatConverter{Hardware: format}
	meter := audio.NewRollingMeter(c.cfg.InputMeterWindow, c.cfg.Meter)
	buf := make([]byte, bufferBytes(format, c.cfg.CaptureFramesPerBuffer))

	var processors []audio.Processor
	var sinks []audio.ReferenceSink
	for _, e := range effects {
		if p, ok := e.(audio.Processor); ok {
			processors = append(processors, p)
		}
		if s, ok := e.(audio.ReferenceSink); ok {
			sinks = append(sinks, s)
		}
	}

	ctx := context.Background()
	for {
		n, err := in.Read(buf)
		select {
		case <-done:
			return
		default:
		}
		if err != nil {
			if errors.Is(err, audio.ErrUnderrun) {
				slog.Debug("capture: underrun")
				continue
			}
			c.fail(in, effects, done, err)
			return
		}
		if n == 0 {
			continue
		}

		samples, err := conv.ToVoice(buf[:n])
		if err != nil {
			slog.Warn("capture: dropping malformed buffer", "bytes", n, "err", err)
			continue
		}
		c.feedReference(sinks)
		for _, p := range processors {
			p.Process(samples)
		}
		if c.discarding() {
			c.metrics.recordCapturedFrame(ctx, true)
			continue
		}
		meter.Push(samples)
		c.metrics.recordCapturedFrame(ctx, false)

		start := time.Now()
		c.sink.data(audio.FloatSamplesToBytes(samples))
		c.sink.volume(meter.Level())
		c.metrics.handlerDuration.Record(ctx, time.Since(start).Seconds(),
			withDirection(audio.DirectionInput))
	}
}

// fail stops the pipeline from inside the loop after a read error.
func (c *capture) fail(in audio.InputStream, effects []audio.Effect, done chan struct{}, cause error) {
	c.mu.Lock()
	if !c.running || c.done != done {
		// stop won the race and owns the teardown.
		c.mu.Unlock()
		return
	}
	c.clearLocked()
	close(done)
	c.mu.Unlock()

	_ = in.Close()
	releaseEffects(effects)

	err := &audio.HardwareRuntimeError{Direction: audio.DirectionInput, Err: cause}
	slog.Error("capture failed", "err", err)
	c.metrics.recordPipelineFailure(context.Background(), audio.DirectionInput)
	c.sink.volume(0)
	c.sink.failure(err)
}

func (c *capture) clearLocked() {
	c.running = false
	c.in = nil
	c.effects = nil
}

// feedReference hands every queued render frame to the echo cancellers.
func (c *capture) feedReference(sinks []audio.ReferenceSink) {
	for {
		select {
		case ref := <-c.reference:
			for _, s := range sinks {
				s.FeedFarEnd(ref)
			}
		default:
			return
		}
	}
}

// drainReference drops render frames queued while capture was stopped.
func (c *capture) drainReference() {
	c.feedReference(nil)
}

func releaseEffects(effects []audio.Effect) {
	for _, e := range effects {
		if err := e.Release(); err != nil {
			slog.Warn("capture: release effect", "effect", e.Kind().String(), "err", err)
		}
	}
}

func bufferBytes(f audio.Format, frames int) int {
	ch := max(f.Channels, 1)
	return frames * ch * audio.BytesPerSample
}

func initError(op string, err error) error {
	var hie *audio.HardwareInitError
	if errors.As(err, &hie) {
		return err
	}
	return &audio.HardwareInitError{Op: op, Err: err}
}
