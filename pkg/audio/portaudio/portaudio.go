// Package portaudio implements [audio.Hardware] and [audio.Session] on top of
// PortAudio for desktop hosts.
//
// PortAudio offers no platform voice processing, so echo cancellation is
// provided in software by [aec.Provider]; noise suppression is reported as
// unavailable. Desktop hosts have no audio-session arbitration either: the
// [Session] lists PortAudio output devices and remembers the chosen route for
// streams opened afterwards.
package portaudio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/twowayaudio/pkg/audio"
	"github.com/MrWong99/twowayaudio/pkg/audio/aec"
)

// Compile-time interface assertions.
var (
	_ audio.Hardware = (*Backend)(nil)
	_ audio.Effects  = (*Backend)(nil)
	_ audio.Session  = (*Session)(nil)
)

// DefaultFramesPerBuffer is used when neither the stream nor the backend
// config names a buffer size.
const DefaultFramesPerBuffer = 1024

// DefaultRescanInterval is how often [Session.Watch] lists the devices.
const DefaultRescanInterval = 2 * time.Second

// Config selects devices and buffer sizes.
type Config struct {
	// InputDevice and OutputDevice are PortAudio device names. Empty uses the
	// host default.
	InputDevice  string
	OutputDevice string

	// FramesPerBuffer is the PortAudio buffer size for output streams and the
	// fallback for input streams.
	FramesPerBuffer int

	// EchoCancel tunes the software echo canceller.
	EchoCancel aec.Config
}

// Backend is a PortAudio host. Create it with [Open] and release it with
// [Backend.Close].
type Backend struct {
	aec.Provider

	cfg Config

	mu     sync.Mutex
	route  string // output device chosen by the session
	nextID int
}

// Open initialises PortAudio.
func Open(cfg Config) (*Backend, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, &audio.HardwareInitError{Op: "portaudio initialize", Err: err}
	}
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = DefaultFramesPerBuffer
	}
	slog.Info("portaudio initialized", "version", portaudio.VersionText())
	return &Backend{Provider: aec.Provider{Config: cfg.EchoCancel}, cfg: cfg}, nil
}

// Close terminates PortAudio. Every stream must be closed first.
func (b *Backend) Close() error {
	return portaudio.Terminate()
}

// OpenInput implements [audio.Hardware]. The stream runs at the device's
// default sample rate; conversion to the voice format happens in the engine.
func (b *Backend) OpenInput(_ context.Context, cfg audio.StreamConfig) (audio.InputStream, error) {
	name := firstNonEmpty(cfg.Device, b.cfg.InputDevice)
	dev, err := findDevice(name, true)
	if err != nil {
		return nil, err
	}
	format := audio.Format{
		SampleRate: orDefault(cfg.SampleRate, int(dev.DefaultSampleRate)),
		Channels:   min(orDefault(cfg.Channels, audio.VoiceChannels), dev.MaxInputChannels),
	}
	frames := orDefault(cfg.FramesPerBuffer, b.cfg.FramesPerBuffer)

	buf := make([]int16, frames*format.Channels)
	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = format.Channels
	params.SampleRate = float64(format.SampleRate)
	params.FramesPerBuffer = frames

	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, &audio.HardwareInitError{Op: "open input " + dev.Name, Err: err}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.mu.Unlock()

	slog.Debug("portaudio input opened", "device", dev.Name, "format", format.String(), "frames", frames)
	return &inputStream{stream: stream, buf: buf, format: format, id: id}, nil
}

// OpenOutput implements [audio.Hardware]. Without an explicit device the
// session route (or the host default) is used.
func (b *Backend) OpenOutput(_ context.Context, cfg audio.StreamConfig) (audio.OutputStream, error) {
	b.mu.Lock()
	route := b.route
	b.mu.Unlock()

	dev, err := findDevice(firstNonEmpty(cfg.Device, route, b.cfg.OutputDevice), false)
	if err != nil {
		return nil, err
	}
	format := audio.Format{
		SampleRate: orDefault(cfg.SampleRate, int(dev.DefaultSampleRate)),
		Channels:   min(orDefault(cfg.Channels, audio.VoiceChannels), dev.MaxOutputChannels),
	}
	frames := orDefault(cfg.FramesPerBuffer, b.cfg.FramesPerBuffer)

	buf := make([]int16, frames*format.Channels)
	params := portaudio.HighLatencyParameters(nil, dev)
	params.Output.Channels = format.Channels
	params.SampleRate = float64(format.SampleRate)
	params.FramesPerBuffer = frames

	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, &audio.HardwareInitError{Op: "open output " + dev.Name, Err: err}
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, &audio.HardwareInitError{Op: "start output " + dev.Name, Err: err}
	}

	slog.Debug("portaudio output opened", "device", dev.Name, "format", format.String(), "frames", frames)
	return &outputStream{stream: stream, buf: buf, format: format}, nil
}

func (b *Backend) setRoute(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.route = name
}

// findDevice returns the named device, or the host default when name is
// empty.
func findDevice(name string, input bool) (*portaudio.DeviceInfo, error) {
	op := "default output"
	if input {
		op = "default input"
	}
	if name == "" {
		var dev *portaudio.DeviceInfo
		var err error
		if input {
			dev, err = portaudio.DefaultInputDevice()
		} else {
			dev, err = portaudio.DefaultOutputDevice()
		}
		if err != nil {
			return nil, &audio.HardwareInitError{Op: op, Err: err}
		}
		return dev, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, &audio.HardwareInitError{Op: "list devices", Err: err}
	}
	for _, d := range devices {
		if d.Name != name {
			continue
		}
		if (input && d.MaxInputChannels > 0) || (!input && d.MaxOutputChannels > 0) {
			return d, nil
		}
	}
	return nil, &audio.HardwareInitError{Op: "find device", Err: fmt.Errorf("no device named %q", name)}
}

// firstNonEmpty returns the first non-empty string.
func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func orDefault(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// ─── input ────────────────────────────────────────────────────────────────────

type inputStream struct {
	stream *portaudio.Stream
	buf    []int16
	format audio.Format
	id     int

	readMu sync.Mutex // held across a blocking stream.Read
	closed atomic.Bool
	once   sync.Once
}

func (s *inputStream) Format() audio.Format { return s.format }
func (s *inputStream) SessionID() int       { return s.id }

func (s *inputStream) Start() error {
	return s.stream.Start()
}

// Read blocks for one PortAudio buffer and copies it into p as PCM16.
func (s *inputStream) Read(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, audio.ErrClosed
	}
	s.readMu.Lock()
	defer s.readMu.Unlock()
	if s.closed.Load() {
		return 0, audio.ErrClosed
	}

	err := s.stream.Read()
	if s.closed.Load() {
		return 0, audio.ErrClosed
	}
	if errors.Is(err, portaudio.InputOverflowed) {
		return 0, audio.ErrUnderrun
	}
	if err != nil {
		return 0, err
	}
	return int16sToBytes(p, s.buf), nil
}

// Close aborts the stream, waits for an in-flight Read and closes it.
func (s *inputStream) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		_ = s.stream.Abort()
		s.readMu.Lock()
		defer s.readMu.Unlock()
		err = s.stream.Close()
	})
	return err
}

// ─── output ───────────────────────────────────────────────────────────────────

type outputStream struct {
	stream *portaudio.Stream
	buf    []int16
	format audio.Format

	writeMu sync.Mutex // held across a blocking stream.Write
	mu      sync.Mutex
	paused  bool
	gen     atomic.Uint64 // bumped by Flush
	closed  atomic.Bool
	once    sync.Once
}

func (s *outputStream) Format() audio.Format { return s.format }

// Write plays p in PortAudio-sized chunks, padding the last one with silence.
func (s *outputStream) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, audio.ErrClosed
	}
	gen := s.gen.Load()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	written := 0
	chunk := len(s.buf) * audio.BytesPerSample
	for written < len(p) {
		end := min(written+chunk, len(p))
		n := bytesToInt16s(s.buf, p[written:end])
		clear(s.buf[n:])

		err := s.stream.Write()
		if s.closed.Load() || s.gen.Load() != gen {
			return written, audio.ErrClosed
		}
		if err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			return written, err
		}
		written = end
	}
	return written, nil
}

func (s *outputStream) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return nil
	}
	s.paused = true
	return s.stream.Stop()
}

func (s *outputStream) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return nil
	}
	s.paused = false
	return s.stream.Start()
}

// Flush drops audio buffered in the device. A blocked Write returns
// [audio.ErrClosed].
func (s *outputStream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen.Add(1)
	if err := s.stream.Abort(); err != nil {
		return err
	}
	if s.paused {
		return nil
	}
	return s.stream.Start()
}

func (s *outputStream) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		_ = s.stream.Abort()
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		err = s.stream.Close()
	})
	return err
}

func int16sToBytes(dst []byte, src []int16) int {
	n := min(len(src), len(dst)/audio.BytesPerSample)
	for i := range n {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(src[i]))
	}
	return n * audio.BytesPerSample
}

// bytesToInt16s decodes src into dst and returns the number of samples.
func bytesToInt16s(dst []int16, src []byte) int {
	n := min(len(dst), len(src)/audio.BytesPerSample)
	for i := range n {
		dst[i] = int16(binary.LittleEndian.Uint16(src[i*2:]))
	}
	return n
}

// ─── session ──────────────────────────────────────────────────────────────────

// Session is the desktop [audio.Session]. PortAudio has no device
// notifications, so device events only arise from [Session.Rescan], which
// [Session.Watch] runs periodically. A route only binds when a stream opens;
// moving it emits [audio.EventConfigurationChanged] so the engine reopens
// its output.
type Session struct {
	backend *Backend
	list    func() ([]audio.Device, error)

	mu      sync.Mutex
	devices []audio.Device
	routed  string // device ID of the last SetRoute, "" after ClearRoute
	events  chan audio.SessionEvent
}

// NewSession creates a session that routes streams opened by b.
func NewSession(b *Backend) *Session {
	return newSession(b, listOutputDevices)
}

func newSession(b *Backend, list func() ([]audio.Device, error)) *Session {
	return &Session{
		backend: b,
		list:    list,
		events:  make(chan audio.SessionEvent, 16),
	}
}

// Acquire implements [audio.Session]; it lists the output devices.
func (s *Session) Acquire(context.Context, audio.Category) error {
	devices, err := s.list()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.devices = devices
	s.mu.Unlock()
	return nil
}

// Release implements [audio.Session].
func (s *Session) Release() error { return nil }

// OutputDevices implements [audio.Session].
func (s *Session) OutputDevices() []audio.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Device(nil), s.devices...)
}

// SetRoute implements [audio.Session]. The route applies to output streams
// opened afterwards; moving an established route emits
// [audio.EventConfigurationChanged].
func (s *Session) SetRoute(d audio.Device) error {
	if s.backend != nil {
		s.backend.setRoute(d.ID)
	}
	s.mu.Lock()
	prev := s.routed
	s.routed = d.ID
	s.mu.Unlock()

	if prev != "" && prev != d.ID {
		slog.Info("portaudio: output route moved", "from", prev, "to", d.ID)
		s.emit(audio.SessionEvent{Kind: audio.EventConfigurationChanged, Device: d})
	}
	return nil
}

// ClearRoute implements [audio.Session].
func (s *Session) ClearRoute() error {
	if s.backend != nil {
		s.backend.setRoute("")
	}
	s.mu.Lock()
	s.routed = ""
	s.mu.Unlock()
	return nil
}

// Events implements [audio.Session].
func (s *Session) Events() <-chan audio.SessionEvent { return s.events }

// Rescan lists the devices again and emits added and removed events for the
// differences. Events that do not fit in the buffer are dropped.
func (s *Session) Rescan() error {
	devices, err := s.list()
	if err != nil {
		return err
	}
	s.mu.Lock()
	added, removed := diffDevices(s.devices, devices)
	s.devices = devices
	s.mu.Unlock()

	for _, d := range removed {
		s.emit(audio.SessionEvent{Kind: audio.EventDeviceRemoved, Device: d})
	}
	for _, d := range added {
		s.emit(audio.SessionEvent{Kind: audio.EventDeviceAdded, Device: d})
	}
	return nil
}

// Watch runs [Session.Rescan] every interval until ctx ends. A non-positive
// interval selects [DefaultRescanInterval].
func (s *Session) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRescanInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Rescan(); err != nil {
				slog.Warn("portaudio: rescan devices", "err", err)
			}
		}
	}
}

func (s *Session) emit(ev audio.SessionEvent) {
	select {
	case s.events <- ev:
	default:
		slog.Warn("portaudio: session event dropped", "kind", ev.Kind.String())
	}
}

func diffDevices(before, after []audio.Device) (added, removed []audio.Device) {
	seen := make(map[string]bool, len(before))
	for _, d := range before {
		seen[d.ID] = true
	}
	now := make(map[string]bool, len(after))
	for _, d := range after {
		now[d.ID] = true
		if !seen[d.ID] {
			added = append(added, d)
		}
	}
	for _, d := range before {
		if !now[d.ID] {
			removed = append(removed, d)
		}
	}
	return added, removed
}

func listOutputDevices() ([]audio.Device, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, &audio.HardwareInitError{Op: "list devices", Err: err}
	}
	var def string
	if d, err := portaudio.DefaultOutputDevice(); err == nil {
		def = d.Name
	}
	var out []audio.Device
	for _, d := range devices {
		if d.MaxOutputChannels == 0 {
			continue
		}
		out = append(out, audio.Device{ID: d.Name, Name: d.Name, Kind: classify(d.Name, d.Name == def)})
	}
	return out, nil
}

// classify guesses the device kind from its name.
func classify(name string, isDefault bool) audio.DeviceKind {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "bluetooth"), strings.Contains(n, "airpods"), strings.Contains(n, "a2dp"):
		return audio.DeviceBluetooth
	case strings.Contains(n, "headphone"), strings.Contains(n, "headset"), strings.Contains(n, "earphone"):
		return audio.DeviceWired
	case strings.Contains(n, "speaker"), isDefault:
		return audio.DeviceSpeaker
	default:
		return audio.DeviceUnknown
	}
}
