package duplex

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/twowayaudio/pkg/audio"
	"github.com/MrWong99/twowayaudio/pkg/audio/mock"
)

// farEndEffect is an echo-cancel effect that records the reference it is fed.
type farEndEffect struct {
	mock.Effect

	mu  sync.Mutex
	far int
}

func (f *farEndEffect) FeedFarEnd(samples []float32) {
	f.mu.Lock()
	f.far += len(samples)
	f.mu.Unlock()
}

func (f *farEndEffect) Process([]float32) {}

func (f *farEndEffect) farSamples() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.far
}

type farEndHardware struct {
	*mock.Hardware
	fx *farEndEffect
}

func (h farEndHardware) TryEnable(kind audio.EffectKind, sessionID int) (audio.Effect, bool) {
	if kind != audio.EffectEchoCancel {
		return nil, false
	}
	h.fx.KindResult = kind
	h.fx.SessionID = sessionID
	return h.fx, true
}

func nopMetrics() *metrics {
	return mustMetrics(noop.NewMeterProvider())
}

// readerMetrics returns instruments backed by a ManualReader.
func readerMetrics(t *testing.T) (*metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := newMetrics(mp)
	if err != nil {
		t.Fatalf("newMetrics: %v", err)
	}
	return m, reader
}

// counterTotal sums every data point of the named int64 counter.
func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func voiceFrame(n int, v int16) audio.Frame {
	return audio.Frame{Data: pcm16(n, v), SampleRate: audio.VoiceSampleRate, Channels: 1}
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func pcm16(n int, v int16) []byte {
	b := make([]byte, n*2)
	for i := range n {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(v))
	}
	return b
}

func TestCapture_FeedsPlaybackReference(t *testing.T) {
	t.Parallel()
	hw := farEndHardware{Hardware: &mock.Hardware{}, fx: &farEndEffect{}}
	cfg := DefaultConfig()
	cfg.DiscardWindow = -1
	m := nopMetrics()

	data := make(chan []byte, 8)
	reference := make(chan []float32, cfg.ReferenceQueue)
	c := newCapture(hw, cfg, m, captureSink{
		data:    func(pcm []byte) { data <- pcm },
		volume:  func(float32) {},
		failure: func(error) {},
	}, reference)
	p := newPlayback(hw, cfg, m, playbackSink{
		volume:     func(float32) {},
		firstFrame: func() {},
		failure:    func(error) {},
	}, reference)

	if err := c.start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.stop()
	if err := p.open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.close()

	if err := p.enqueue(audio.Frame{Data: pcm16(320, 1000), SampleRate: audio.VoiceSampleRate, Channels: 1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case <-hw.LastOutput().WriteSignal():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for playback write")
	}

	hw.LastInput().Feed(pcm16(160, 10))
	select {
	case <-data:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mic data")
	}
	if got := hw.fx.farSamples(); got != 320 {
		t.Errorf("far-end samples: got %d, want 320", got)
	}
}

func TestPlayback_ReferenceQueueDropsWhenFull(t *testing.T) {
	t.Parallel()
	hw := &mock.Hardware{}
	cfg := DefaultConfig()
	reference := make(chan []float32, 1)
	idle := make(chan struct{}, 8)
	p := newPlayback(hw, cfg, nopMetrics(), playbackSink{
		volume: func(level float32) {
			if level == 0 {
				idle <- struct{}{}
			}
		},
		firstFrame: func() {},
		failure:    func(error) {},
	}, reference)
	if err := p.open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.close()

	for range 3 {
		if err := p.enqueue(audio.Frame{Data: pcm16(160, 500), SampleRate: audio.VoiceSampleRate}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	select {
	case <-idle:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for idle playback")
	}
	// Writes never block on the reference queue.
	if len(reference) != 1 {
		t.Errorf("reference queue: got %d, want 1", len(reference))
	}
}

func TestPlayback_StopDropsQueue(t *testing.T) {
	t.Parallel()
	out := mock.NewOutputStream(audio.VoiceFormat)
	out.Gate = make(chan struct{})
	hw := &mock.Hardware{Output: out}
	p := newPlayback(hw, DefaultConfig(), nopMetrics(), playbackSink{
		volume:     func(float32) {},
		firstFrame: func() {},
		failure:    func(error) { t.Error("stop must not report a failure") },
	}, make(chan []float32, 4))
	if err := p.open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.close()

	for range 4 {
		if err := p.enqueue(audio.Frame{Data: pcm16(160, 500), SampleRate: audio.VoiceSampleRate}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	p.stop()

	if p.Draining() {
		t.Error("still draining after stop")
	}
	if n := len(out.Written()); n != 0 {
		t.Errorf("writes: got %d, want 0", n)
	}
	if out.CallCountFlush != 1 {
		t.Errorf("flushes: got %d, want 1", out.CallCountFlush)
	}

	// The pipeline stays usable.
	if err := p.enqueue(audio.Frame{Data: pcm16(160, 500), SampleRate: audio.VoiceSampleRate}); err != nil {
		t.Fatalf("enqueue after stop: %v", err)
	}
	out.Gate <- struct{}{}
	select {
	case <-out.WriteSignal():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write after stop")
	}
}

func TestPlayback_ResamplesForeignRate(t *testing.T) {
	t.Parallel()
	out := mock.NewOutputStream(audio.Format{SampleRate: 48000, Channels: 2})
	hw := &mock.Hardware{Output: out}
	p := newPlayback(hw, DefaultConfig(), nopMetrics(), playbackSink{
		volume:     func(float32) {},
		firstFrame: func() {},
		failure:    func(error) {},
	}, make(chan []float32, 4))
	if err := p.open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.close()

	if err := p.enqueue(audio.Frame{Data: pcm16(160, 500), SampleRate: audio.VoiceSampleRate}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case <-out.WriteSignal():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write")
	}
	// 160 voice samples -> 480 frames at 48 kHz, two channels each.
	if got := len(out.Written()[0]); got != 480*2*2 {
		t.Errorf("written bytes: got %d, want %d", got, 480*2*2)
	}
}

func TestCapture_DiscardWithholdsData(t *testing.T) {
	t.Parallel()
	hw := &mock.Hardware{}
	data := make(chan []byte, 8)
	c := newCapture(hw, DefaultConfig(), nopMetrics(), captureSink{
		data:    func(pcm []byte) { data <- pcm },
		volume:  func(float32) {},
		failure: func(error) {},
	}, make(chan []float32, 1))
	if err := c.start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.stop()

	c.beginDiscard(time.Hour)
	hw.LastInput().Feed(pcm16(160, 10))
	select {
	case <-data:
		t.Fatal("data forwarded while discarding")
	case <-time.After(50 * time.Millisecond):
	}

	c.discardUntil.Store(0)
	hw.LastInput().Feed(pcm16(160, 10))
	select {
	case <-data:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mic data")
	}
}

func TestPlayback_CountsOnlyWrittenBytes(t *testing.T) {
	t.Parallel()
	out := mock.NewOutputStream(audio.VoiceFormat)
	out.Gate = make(chan struct{})
	hw := &mock.Hardware{Output: out}
	m, reader := readerMetrics(t)
	p := newPlayback(hw, DefaultConfig(), m, playbackSink{
		volume:     func(float32) {},
		firstFrame: func() {},
		failure:    func(error) {},
	}, make(chan []float32, 4))
	if err := p.open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.close()

	for range 3 {
		if err := p.enqueue(voiceFrame(160, 500)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if got := counterTotal(t, reader, "twowayaudio.playback.bytes"); got != 0 {
		t.Errorf("bytes before any write: got %d, want 0", got)
	}

	out.Gate <- struct{}{}
	waitSignal(t, out.WriteSignal(), "first write")
	time.Sleep(10 * time.Millisecond) // the second frame is now held in Write
	// Neither remaining frame reaches the device.
	p.stop()

	if got := counterTotal(t, reader, "twowayaudio.playback.bytes"); got != 320 {
		t.Errorf("bytes played: got %d, want 320", got)
	}
	if got := counterTotal(t, reader, "twowayaudio.playback.frames"); got != 1 {
		t.Errorf("frames played: got %d, want 1", got)
	}
}

func TestPlayback_EnqueueWhileStoppingIsKept(t *testing.T) {
	t.Parallel()
	out := mock.NewOutputStream(audio.VoiceFormat)
	out.Gate = make(chan struct{})
	hw := &mock.Hardware{Output: out}

	var (
		p        *playback
		stopping atomic.Bool
		once     sync.Once
		enqueued = make(chan error, 1)
		writing  = make(chan struct{}, 1)
	)
	p = newPlayback(hw, DefaultConfig(), nopMetrics(), playbackSink{
		volume: func(level float32) {
			// The final zero of a stopping loop arrives before stop returns.
			if level == 0 && stopping.Load() {
				once.Do(func() { enqueued <- p.enqueue(voiceFrame(160, 700)) })
			}
		},
		firstFrame: func() { writing <- struct{}{} },
		failure:    func(err error) { t.Errorf("unexpected failure: %v", err) },
	}, make(chan []float32, 4))
	if err := p.open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.close()

	if err := p.enqueue(voiceFrame(160, 500)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitSignal(t, writing, "first frame")
	time.Sleep(10 * time.Millisecond) // let the drain loop block in Write
	stopping.Store(true)
	p.stop()
	stopping.Store(false)

	select {
	case err := <-enqueued:
		if err != nil {
			t.Fatalf("enqueue during stop: %v", err)
		}
	default:
		t.Fatal("volume callback did not run during stop")
	}
	if !p.Draining() {
		t.Fatal("frame enqueued during stop is not draining")
	}
	out.Gate <- struct{}{}
	waitSignal(t, out.WriteSignal(), "write of the frame enqueued during stop")
	got := out.Written()
	if len(got) != 1 {
		t.Fatalf("writes: got %d, want 1", len(got))
	}
	if s := int16(binary.LittleEndian.Uint16(got[0])); s < 699 || s > 701 {
		t.Errorf("written sample: got %d, want 700", s)
	}
}

func TestPlayback_ReopenKeepsQueue(t *testing.T) {
	t.Parallel()
	old := mock.NewOutputStream(audio.VoiceFormat)
	old.Gate = make(chan struct{})
	hw := &mock.Hardware{Output: old}
	writing := make(chan struct{}, 1)
	p := newPlayback(hw, DefaultConfig(), nopMetrics(), playbackSink{
		volume:     func(float32) {},
		firstFrame: func() { writing <- struct{}{} },
		failure:    func(err error) { t.Errorf("unexpected failure: %v", err) },
	}, make(chan []float32, 8))
	if err := p.open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.close()

	for _, v := range []int16{100, 200, 300} {
		if err := p.enqueue(voiceFrame(160, v)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	waitSignal(t, writing, "first frame")
	time.Sleep(10 * time.Millisecond) // let the drain loop block in Write
	replacement := mock.NewOutputStream(audio.VoiceFormat)
	hw.Output = replacement

	if err := p.reopen(context.Background()); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if old.CallCountClose != 1 {
		t.Errorf("old stream closes: got %d, want 1", old.CallCountClose)
	}
	if got := hw.OutputCount(); got != 2 {
		t.Errorf("output streams: got %d, want 2", got)
	}

	waitSignal(t, replacement.WriteSignal(), "first write on the new stream")
	waitSignal(t, replacement.WriteSignal(), "second write on the new stream")
	if n := len(old.Written()); n != 0 {
		t.Errorf("writes on the old stream: got %d, want 0", n)
	}
	got := replacement.Written()
	if len(got) != 2 {
		t.Fatalf("writes on the new stream: got %d, want 2", len(got))
	}
	for i, want := range []int16{200, 300} {
		if s := int16(binary.LittleEndian.Uint16(got[i])); s < want-1 || s > want+1 {
			t.Errorf("write %d: got %d, want %d", i, s, want)
		}
	}
}

func TestPlayback_ReopenWhilePausedWaitsForResume(t *testing.T) {
	t.Parallel()
	hw := &mock.Hardware{}
	p := newPlayback(hw, DefaultConfig(), nopMetrics(), playbackSink{
		volume:     func(float32) {},
		firstFrame: func() {},
		failure:    func(err error) { t.Errorf("unexpected failure: %v", err) },
	}, make(chan []float32, 8))
	if err := p.open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.close()

	p.pause()
	for range 2 {
		if err := p.enqueue(voiceFrame(160, 400)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := p.reopen(context.Background()); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	out := hw.LastOutput()
	if got := hw.OutputCount(); got != 2 {
		t.Fatalf("output streams: got %d, want 2", got)
	}
	if out.CallCountPause != 1 {
		t.Errorf("pauses on the new stream: got %d, want 1", out.CallCountPause)
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(out.Written()); n != 0 {
		t.Fatalf("writes while paused: got %d, want 0", n)
	}

	p.unpause()
	waitSignal(t, out.WriteSignal(), "first write after resume")
	waitSignal(t, out.WriteSignal(), "second write after resume")
}
