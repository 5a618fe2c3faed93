package duplex

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/twowayaudio/pkg/audio"
)

// playbackSink receives everything the drain loop produces. All callbacks
// run on the drain goroutine.
type playbackSink struct {
	volume     func(level float32)
	firstFrame func()
	failure    func(err error)
}

// playback owns the output stream, an unbounded FIFO of frames, and at most
// one drain goroutine.
//
// States: idle (no goroutine) and draining. enqueue on an idle pipeline
// starts a drain goroutine; the goroutine returns to idle when the queue is
// empty. The blocking Write on the output stream is the only backpressure.
// While stop or reopen is winding a drain loop down, enqueue only appends;
// the operation restarts draining once the old loop has exited.
type playback struct {
	hw      audio.Hardware
	cfg     Config
	metrics *metrics
	sink    playbackSink

	// reference receives every rendered frame, in voice form, for software
	// echo cancellers. Sends never block.
	reference chan<- []float32

	mu        sync.Mutex
	out       audio.OutputStream
	conv      *audio.FormatConverter
	queue     []audio.Frame
	draining  bool
	stopping  bool
	rebinding bool
	paused    bool
	resume    chan struct{}
	exited    chan struct{}
	failed    error
	started   bool // first frame has been rendered
}

func newPlayback(hw audio.Hardware, cfg Config, m *metrics, sink playbackSink, reference chan<- []float32) *playback {
	return &playback{
		hw:        hw,
		cfg:       cfg,
		metrics:   m,
		sink:      sink,
		reference: reference,
	}
}

// open opens the output stream. A pipeline that is open and healthy is left
// alone; a failed one is reopened.
func (p *playback) open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out != nil && p.failed == nil {
		return nil
	}
	if p.out != nil {
		_ = p.out.Close()
		p.out = nil
	}

	out, err := p.hw.OpenOutput(ctx, audio.StreamConfig{
		Channels: audio.VoiceChannels,
		Device:   p.cfg.OutputDevice,
	})
	if err != nil {
		return initError("open output", err)
	}
	p.out = out
	p.conv = &audio.FormatConverter{Hardware: out.Format()}
	p.failed = nil
	slog.Info("playback opened", "format", out.Format().String())
	return nil
}

// Draining reports whether a drain goroutine is active.
func (p *playback) Draining() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draining
}

// enqueue appends f to the FIFO and starts draining if idle.
func (p *playback) enqueue(f audio.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failed != nil {
		return ErrPipelineFailed
	}
	if p.out == nil {
		return ErrNotInitialized
	}
	p.queue = append(p.queue, f)
	p.metrics.queueDepth.Add(context.Background(), 1)
	if !p.stopping && !p.rebinding {
		p.startLocked()
	}
	return nil
}

// startLocked starts a drain goroutine when frames are waiting and none is
// running.
func (p *playback) startLocked() {
	if p.draining || len(p.queue) == 0 || p.out == nil || p.failed != nil {
		return
	}
	p.draining = true
	p.exited = make(chan struct{})
	go p.drain(p.out, p.conv, p.exited)
}

func (p *playback) drain(out audio.OutputStream, conv *audio.FormatConverter, exited chan struct{}) {
	defer close(exited)
	ctx := context.Background()

	for {
		f, first, ok, detached := p.next()
		if !ok {
			if !detached {
				p.sink.volume(0)
			}
			return
		}

		samples, err := audio.BytesToFloatSamples(f.Data)
		if err != nil {
			slog.Warn("playback: dropping malformed frame", "bytes", len(f.Data), "err", err)
			continue
		}
		if f.SampleRate > 0 && f.SampleRate != audio.VoiceSampleRate {
			samples = audio.Resample(samples, f.SampleRate, audio.VoiceSampleRate)
		}
		pcm := conv.FromVoice(samples)

		if first {
			p.sink.firstFrame()
		}
		if _, err := out.Write(pcm); err != nil {
			if p.windingDown() {
				continue
			}
			if errors.Is(err, audio.ErrUnderrun) {
				slog.Debug("playback: underrun")
				continue
			}
			p.fail(err)
			return
		}
		p.metrics.framesPlayed.Add(ctx, 1)
		p.metrics.bytesPlayed.Add(ctx, int64(len(f.Data)))

		select {
		case p.reference <- samples:
		default:
			p.metrics.referenceDropped.Add(ctx, 1)
		}

		start := time.Now()
		p.sink.volume(audio.Level(samples, p.cfg.Meter))
		p.metrics.handlerDuration.Record(ctx, time.Since(start).Seconds(),
			withDirection(audio.DirectionOutput))
	}
}

// next pops the queue head, parking while paused. ok is false when the loop
// must exit; the pipeline is then idle. detached reports an exit for reopen,
// which keeps the queue.
func (p *playback) next() (f audio.Frame, first, ok, detached bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.paused && !p.stopping && !p.rebinding {
		resume := p.resume
		p.mu.Unlock()
		<-resume
		p.mu.Lock()
	}
	if p.rebinding {
		p.draining = false
		return audio.Frame{}, false, false, true
	}
	if p.stopping || len(p.queue) == 0 {
		p.dropQueueLocked()
		p.draining = false
		return audio.Frame{}, false, false, false
	}
	f = p.queue[0]
	p.queue[0] = audio.Frame{}
	p.queue = p.queue[1:]
	p.metrics.queueDepth.Add(context.Background(), -1)

	first = !p.started
	p.started = true
	return f, first, true, false
}

func (p *playback) windingDown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping || p.rebinding
}

// pause parks the drain loop between frames and pauses the device.
func (p *playback) pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused || p.out == nil {
		return
	}
	p.paused = true
	p.resume = make(chan struct{})
	if err := p.out.Pause(); err != nil {
		slog.Warn("playback: pause output", "err", err)
	}
}

// unpause releases a parked drain loop.
func (p *playback) unpause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return
	}
	p.paused = false
	close(p.resume)
	if p.out != nil {
		if err := p.out.Resume(); err != nil {
			slog.Warn("playback: resume output", "err", err)
		}
	}
}

// stop drops every queued frame, flushes the device and waits for the drain
// loop to exit. The output stream stays open. Frames enqueued while the loop
// winds down are kept and start a new loop. It must not be called from an
// output-volume handler.
func (p *playback) stop() {
	p.halt(false)
}

// close stops the pipeline and releases the output stream.
func (p *playback) close() {
	p.halt(true)
}

func (p *playback) halt(release bool) {
	p.mu.Lock()
	p.stopping = true
	p.dropQueueLocked()
	if p.paused {
		p.paused = false
		close(p.resume)
	}
	out, exited, draining := p.out, p.exited, p.draining
	p.mu.Unlock()

	if draining && out != nil {
		if err := out.Flush(); err != nil {
			slog.Warn("playback: flush output", "err", err)
		}
	}
	if exited != nil {
		<-exited
	}

	p.mu.Lock()
	p.stopping = false
	if release {
		p.dropQueueLocked()
		p.out = nil
	} else {
		out = nil
		p.startLocked()
	}
	p.mu.Unlock()

	if out != nil {
		if err := out.Close(); err != nil {
			slog.Warn("playback: close output", "err", err)
		}
	}
}

// reopen moves playback onto a newly opened output stream, for backends
// that bind the route when a stream opens. Queued frames and the pause state
// survive; a closed pipeline is opened as by open.
func (p *playback) reopen(ctx context.Context) error {
	p.mu.Lock()
	if p.out == nil {
		p.mu.Unlock()
		return p.open(ctx)
	}
	if p.rebinding {
		p.mu.Unlock()
		return nil
	}
	p.rebinding = true
	old, exited, draining, paused := p.out, p.exited, p.draining, p.paused
	if draining && paused {
		// Wake the parked loop without leaving the paused state.
		close(p.resume)
		p.resume = make(chan struct{})
	}
	p.mu.Unlock()

	if draining {
		// Unblocks a Write held by the old device; its buffered tail is lost
		// with the route.
		if err := old.Flush(); err != nil {
			slog.Warn("playback: flush output", "err", err)
		}
		<-exited
	}
	if err := old.Close(); err != nil {
		slog.Warn("playback: close output", "err", err)
	}

	out, err := p.hw.OpenOutput(ctx, audio.StreamConfig{
		Channels: audio.VoiceChannels,
		Device:   p.cfg.OutputDevice,
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	p.rebinding = false
	if err != nil {
		err = initError("reopen output", err)
		p.out = nil
		p.failed = err
		p.dropQueueLocked()
		return err
	}
	p.out = out
	p.conv = &audio.FormatConverter{Hardware: out.Format()}
	p.failed = nil
	if p.paused {
		if err := out.Pause(); err != nil {
			slog.Warn("playback: pause output", "err", err)
		}
	}
	p.startLocked()
	slog.Info("playback moved to a new output stream", "format", out.Format().String(), "queued", len(p.queue))
	return nil
}

func (p *playback) fail(cause error) {
	err := &audio.HardwareRuntimeError{Direction: audio.DirectionOutput, Err: cause}

	p.mu.Lock()
	p.failed = err
	p.dropQueueLocked()
	p.draining = false
	p.mu.Unlock()

	slog.Error("playback failed", "err", err)
	p.metrics.recordPipelineFailure(context.Background(), audio.DirectionOutput)
	p.sink.volume(0)
	p.sink.failure(err)
}

func (p *playback) dropQueueLocked() {
	if n := len(p.queue); n > 0 {
		p.metrics.queueDepth.Add(context.Background(), -int64(n))
	}
	p.queue = nil
}
