// Package null provides an [audio.Hardware] and [audio.Session] without any
// real device. Input streams deliver silence and output streams discard what
// they are given, both paced in real time so the engine behaves as it would
// on a sound card.
//
// With Loopback set, everything written to an output stream is heard again on
// the input streams, which is handy for exercising echo cancellation on a
// headless machine.
package null

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/twowayaudio/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Hardware = (*Hardware)(nil)
	_ audio.Session  = (*Session)(nil)
)

// Hardware implements [audio.Hardware] in the voice format.
type Hardware struct {
	// Loopback routes output audio back into every open input stream.
	Loopback bool

	mu     sync.Mutex
	nextID int
	echo   []byte
}

// OpenInput implements [audio.Hardware].
func (h *Hardware) OpenInput(_ context.Context, cfg audio.StreamConfig) (audio.InputStream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return &inputStream{
		hw:     h,
		id:     h.nextID,
		format: streamFormat(cfg),
		closed: make(chan struct{}),
	}, nil
}

// OpenOutput implements [audio.Hardware].
func (h *Hardware) OpenOutput(_ context.Context, cfg audio.StreamConfig) (audio.OutputStream, error) {
	return &outputStream{
		hw:      h,
		format:  streamFormat(cfg),
		resume:  closedChan(),
		flushed: make(chan struct{}),
		closed:  make(chan struct{}),
	}, nil
}

func (h *Hardware) loop(p []byte) {
	if !h.Loopback {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	// Keep at most one second so a stopped capture does not grow it forever.
	const limit = audio.VoiceSampleRate * audio.BytesPerSample
	h.echo = append(h.echo, p...)
	if over := len(h.echo) - limit; over > 0 {
		h.echo = h.echo[over:]
	}
}

func (h *Hardware) takeEcho(p []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := copy(p, h.echo)
	h.echo = h.echo[n:]
	return n
}

func streamFormat(cfg audio.StreamConfig) audio.Format {
	f := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	if f.SampleRate <= 0 {
		f.SampleRate = audio.VoiceSampleRate
	}
	if f.Channels <= 0 {
		f.Channels = audio.VoiceChannels
	}
	return f
}

// duration is the playing time of n PCM16 bytes in format f.
func duration(f audio.Format, n int) time.Duration {
	frames := n / (audio.BytesPerSample * f.Channels)
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

func closedChan() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

// ─── input ────────────────────────────────────────────────────────────────────

type inputStream struct {
	hw     *Hardware
	id     int
	format audio.Format

	once   sync.Once
	closed chan struct{}
	next   time.Time
}

func (s *inputStream) Format() audio.Format { return s.format }
func (s *inputStream) SessionID() int       { return s.id }
func (s *inputStream) Start() error         { s.next = time.Now(); return nil }

// Read fills p with silence (or loopback audio) once the buffer's worth of
// wall-clock time has passed.
func (s *inputStream) Read(p []byte) (int, error) {
	if s.next.IsZero() {
		s.next = time.Now()
	}
	s.next = s.next.Add(duration(s.format, len(p)))
	t := time.NewTimer(time.Until(s.next))
	defer t.Stop()
	select {
	case <-s.closed:
		return 0, audio.ErrClosed
	case <-t.C:
	}
	n := len(p) - len(p)%audio.BytesPerSample
	got := s.hw.takeEcho(p[:n])
	clear(p[got:n])
	return n, nil
}

func (s *inputStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// ─── output ───────────────────────────────────────────────────────────────────

type outputStream struct {
	hw     *Hardware
	format audio.Format

	mu      sync.Mutex
	resume  chan struct{} // closed while not paused
	flushed chan struct{} // closed and replaced on every Flush
	once    sync.Once
	closed  chan struct{}
}

func (s *outputStream) Format() audio.Format { return s.format }

// Write blocks for the playing time of p.
func (s *outputStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	resume, flushed := s.resume, s.flushed
	s.mu.Unlock()

	select {
	case <-resume:
	case <-flushed:
		return 0, audio.ErrClosed
	case <-s.closed:
		return 0, audio.ErrClosed
	}

	t := time.NewTimer(duration(s.format, len(p)))
	defer t.Stop()
	select {
	case <-t.C:
	case <-flushed:
		return 0, audio.ErrClosed
	case <-s.closed:
		return 0, audio.ErrClosed
	}
	s.hw.loop(p)
	return len(p), nil
}

func (s *outputStream) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.resume:
		s.resume = make(chan struct{})
	default:
	}
	return nil
}

func (s *outputStream) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.resume:
	default:
		close(s.resume)
	}
	return nil
}

func (s *outputStream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.flushed)
	s.flushed = make(chan struct{})
	return nil
}

func (s *outputStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// ─── session ──────────────────────────────────────────────────────────────────

// Speaker is the only device a null [Session] reports.
var Speaker = audio.Device{ID: "null", Name: "Null Output", Kind: audio.DeviceSpeaker}

// Session is an [audio.Session] with one fixed speaker and no events.
type Session struct {
	events chan audio.SessionEvent
	once   sync.Once
}

func (s *Session) Acquire(context.Context, audio.Category) error { return nil }
func (s *Session) Release() error                                { return nil }
func (s *Session) OutputDevices() []audio.Device                 { return []audio.Device{Speaker} }
func (s *Session) SetRoute(audio.Device) error                   { return nil }
func (s *Session) ClearRoute() error                             { return nil }

// Events implements [audio.Session]. Nothing is ever delivered.
func (s *Session) Events() <-chan audio.SessionEvent {
	s.once.Do(func() { s.events = make(chan audio.SessionEvent) })
	return s.events
}
