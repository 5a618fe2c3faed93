// Package mock provides in-memory mock implementations of the [audio.Hardware],
// [audio.InputStream], [audio.OutputStream], [audio.Effects] and
// [audio.Session] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	hw := &mock.Hardware{Available: map[audio.EffectKind]bool{audio.EffectEchoCancel: true}}
//	sess := mock.NewSession(mock.Speaker)
//	eng, err := duplex.Open(ctx, hw, sess)
//	...
//	hw.LastInput().Feed(pcm)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/twowayaudio/pkg/audio"
)

// ─── InputStream ──────────────────────────────────────────────────────────────

// InputStream is a mock implementation of [audio.InputStream]. Buffers passed
// to [InputStream.Feed] are returned by Read in order.
type InputStream struct {
	mu sync.Mutex

	// FormatResult is returned by Format.
	FormatResult audio.Format

	// SessionIDResult is returned by SessionID.
	SessionIDResult int

	// StartError is returned by Start.
	StartError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	buffers chan []byte
	errs    chan error
	closed  chan struct{}
	once    sync.Once
}

// NewInputStream creates an InputStream in the given format.
func NewInputStream(format audio.Format) *InputStream {
	return &InputStream{
		FormatResult: format,
		buffers:      make(chan []byte, 64),
		errs:         make(chan error, 4),
		closed:       make(chan struct{}),
	}
}

// Format implements [audio.InputStream].
func (s *InputStream) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FormatResult
}

// SessionID implements [audio.InputStream].
func (s *InputStream) SessionID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SessionIDResult
}

// Start implements [audio.InputStream].
func (s *InputStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	return s.StartError
}

// Read implements [audio.InputStream]. It blocks until a buffer is fed, an
// error is injected, or the stream is closed.
func (s *InputStream) Read(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, audio.ErrClosed
	default:
	}
	select {
	case err := <-s.errs:
		return 0, err
	case b := <-s.buffers:
		return copy(p, b), nil
	case <-s.closed:
		return 0, audio.ErrClosed
	}
}

// Close implements [audio.InputStream]. A blocked Read returns [audio.ErrClosed].
func (s *InputStream) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	s.mu.Unlock()
	s.once.Do(func() { close(s.closed) })
	return nil
}

// Feed queues pcm for a future Read.
func (s *InputStream) Feed(pcm []byte) {
	s.buffers <- pcm
}

// Fail makes the next Read return err.
func (s *InputStream) Fail(err error) {
	s.errs <- err
}

// Closed reports whether Close was called.
func (s *InputStream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// ─── OutputStream ─────────────────────────────────────────────────────────────

// OutputStream is a mock implementation of [audio.OutputStream]. Every Write is
// recorded. When Gate is non-nil each Write waits for one value on it, which
// lets tests hold the drain loop inside a blocking write.
type OutputStream struct {
	mu sync.Mutex

	// FormatResult is returned by Format.
	FormatResult audio.Format

	// WriteError, when set, is returned by every Write.
	WriteError error

	// Gate, when non-nil, must yield one value per Write.
	Gate chan struct{}

	// Writes holds a copy of every successfully written buffer.
	Writes [][]byte

	// CallCountPause records how many times Pause was called.
	CallCountPause int

	// CallCountResume records how many times Resume was called.
	CallCountResume int

	// CallCountFlush records how many times Flush was called.
	CallCountFlush int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	flushed chan struct{} // closed and replaced on every Flush
	written chan struct{}
}

// NewOutputStream creates an OutputStream in the given format.
func NewOutputStream(format audio.Format) *OutputStream {
	return &OutputStream{
		FormatResult: format,
		flushed:      make(chan struct{}),
		written:      make(chan struct{}, 1024),
	}
}

// Format implements [audio.OutputStream].
func (s *OutputStream) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FormatResult
}

// Write implements [audio.OutputStream].
func (s *OutputStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	gate, werr, flushed := s.Gate, s.WriteError, s.flushed
	s.mu.Unlock()

	if werr != nil {
		return 0, werr
	}
	if gate != nil {
		select {
		case <-gate:
		case <-flushed:
			return 0, audio.ErrClosed
		}
	}

	s.mu.Lock()
	s.Writes = append(s.Writes, append([]byte(nil), p...))
	s.mu.Unlock()
	select {
	case s.written <- struct{}{}:
	default:
	}
	return len(p), nil
}

// Pause implements [audio.OutputStream].
func (s *OutputStream) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountPause++
	return nil
}

// Resume implements [audio.OutputStream].
func (s *OutputStream) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountResume++
	return nil
}

// Flush implements [audio.OutputStream]. A Write blocked on Gate returns.
func (s *OutputStream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountFlush++
	close(s.flushed)
	s.flushed = make(chan struct{})
	return nil
}

// Close implements [audio.OutputStream].
func (s *OutputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return nil
}

// Written returns a copy of the recorded writes.
func (s *OutputStream) Written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.Writes))
	copy(out, s.Writes)
	return out
}

// WriteSignal receives one value per successful Write.
func (s *OutputStream) WriteSignal() <-chan struct{} {
	return s.written
}

// SetWriteError changes WriteError under the lock.
func (s *OutputStream) SetWriteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WriteError = err
}

// ─── Effect ───────────────────────────────────────────────────────────────────

// Effect is a mock implementation of [audio.Effect].
type Effect struct {
	mu sync.Mutex

	// KindResult is returned by Kind.
	KindResult audio.EffectKind

	// SessionID is the capture session the effect was attached to.
	SessionID int

	// Enabled reflects the last SetEnabled call. Effects start enabled.
	Enabled bool

	// Released is true once Release was called.
	Released bool
}

// Kind implements [audio.Effect].
func (e *Effect) Kind() audio.EffectKind { return e.KindResult }

// SetEnabled implements [audio.Effect].
func (e *Effect) SetEnabled(enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Enabled = enabled
	return nil
}

// Release implements [audio.Effect].
func (e *Effect) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Released = true
	return nil
}

// IsEnabled returns Enabled under the lock.
func (e *Effect) IsEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Enabled
}

// IsReleased returns Released under the lock.
func (e *Effect) IsReleased() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Released
}

// ─── Hardware ─────────────────────────────────────────────────────────────────

// Hardware is a mock implementation of [audio.Hardware] and [audio.Effects].
// Each OpenInput creates a fresh [InputStream]; OpenOutput creates (or
// returns) an [OutputStream].
type Hardware struct {
	mu sync.Mutex

	// InputFormat is the format of streams created by OpenInput.
	// Defaults to [audio.VoiceFormat].
	InputFormat audio.Format

	// OutputFormat is the format of streams created by OpenOutput.
	// Defaults to [audio.VoiceFormat].
	OutputFormat audio.Format

	// Output, when set, is returned by OpenOutput instead of a new stream.
	Output *OutputStream

	// OpenInputError is returned by OpenInput.
	OpenInputError error

	// OpenOutputError is returned by OpenOutput.
	OpenOutputError error

	// Available lists the effect kinds TryEnable grants.
	Available map[audio.EffectKind]bool

	// InputConfigs records the StreamConfig of every OpenInput call.
	InputConfigs []audio.StreamConfig

	// OutputConfigs records the StreamConfig of every OpenOutput call.
	OutputConfigs []audio.StreamConfig

	inputs  []*InputStream
	outputs []*OutputStream
	effects []*Effect
	nextID  int
}

// OpenInput implements [audio.Hardware].
func (h *Hardware) OpenInput(_ context.Context, cfg audio.StreamConfig) (audio.InputStream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.InputConfigs = append(h.InputConfigs, cfg)
	if h.OpenInputError != nil {
		return nil, h.OpenInputError
	}
	format := h.InputFormat
	if format.SampleRate == 0 {
		format = audio.VoiceFormat
	}
	h.nextID++
	in := NewInputStream(format)
	in.SessionIDResult = h.nextID
	h.inputs = append(h.inputs, in)
	return in, nil
}

// OpenOutput implements [audio.Hardware].
func (h *Hardware) OpenOutput(_ context.Context, cfg audio.StreamConfig) (audio.OutputStream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.OutputConfigs = append(h.OutputConfigs, cfg)
	if h.OpenOutputError != nil {
		return nil, h.OpenOutputError
	}
	out := h.Output
	if out == nil {
		format := h.OutputFormat
		if format.SampleRate == 0 {
			format = audio.VoiceFormat
		}
		out = NewOutputStream(format)
	}
	h.outputs = append(h.outputs, out)
	return out, nil
}

// TryEnable implements [audio.Effects].
func (h *Hardware) TryEnable(kind audio.EffectKind, sessionID int) (audio.Effect, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.Available[kind] {
		return nil, false
	}
	e := &Effect{KindResult: kind, SessionID: sessionID, Enabled: true}
	h.effects = append(h.effects, e)
	return e, true
}

// LastInput returns the most recently opened input stream, or nil.
func (h *Hardware) LastInput() *InputStream {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.inputs) == 0 {
		return nil
	}
	return h.inputs[len(h.inputs)-1]
}

// LastOutput returns the most recently opened output stream, or nil.
func (h *Hardware) LastOutput() *OutputStream {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.outputs) == 0 {
		return nil
	}
	return h.outputs[len(h.outputs)-1]
}

// InputCount returns how many input streams were opened.
func (h *Hardware) InputCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.inputs)
}

// OutputCount returns how many output streams were opened.
func (h *Hardware) OutputCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.outputs)
}

// Effects returns every effect granted by TryEnable.
func (h *Hardware) Effects() []*Effect {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Effect, len(h.effects))
	copy(out, h.effects)
	return out
}

// ─── Session ──────────────────────────────────────────────────────────────────

// Common devices for tests.
var (
	Speaker   = audio.Device{ID: "speaker", Name: "Built-in Speaker", Kind: audio.DeviceSpeaker}
	Earpiece  = audio.Device{ID: "earpiece", Name: "Earpiece", Kind: audio.DeviceEarpiece}
	Headset   = audio.Device{ID: "wired", Name: "Wired Headset", Kind: audio.DeviceWired}
	Bluetooth = audio.Device{ID: "bt", Name: "Bluetooth Headset", Kind: audio.DeviceBluetooth}
)

// Session is a mock implementation of [audio.Session].
type Session struct {
	mu sync.Mutex

	// Devices is returned by OutputDevices.
	Devices []audio.Device

	// AcquireError is returned by Acquire.
	AcquireError error

	// SetRouteErrors maps device IDs to the error SetRoute returns for them.
	SetRouteErrors map[string]error

	// AcquireCalls records the category of every Acquire call.
	AcquireCalls []audio.Category

	// SetRouteCalls records every device passed to SetRoute.
	SetRouteCalls []audio.Device

	// CallCountRelease records how many times Release was called.
	CallCountRelease int

	// CallCountClearRoute records how many times ClearRoute was called.
	CallCountClearRoute int

	events chan audio.SessionEvent
}

// NewSession creates a Session with the given connected devices.
func NewSession(devices ...audio.Device) *Session {
	return &Session{
		Devices: devices,
		events:  make(chan audio.SessionEvent, 16),
	}
}

// Acquire implements [audio.Session].
func (s *Session) Acquire(_ context.Context, category audio.Category) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AcquireCalls = append(s.AcquireCalls, category)
	return s.AcquireError
}

// Release implements [audio.Session].
func (s *Session) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountRelease++
	return nil
}

// OutputDevices implements [audio.Session].
func (s *Session) OutputDevices() []audio.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.Device, len(s.Devices))
	copy(out, s.Devices)
	return out
}

// SetRoute implements [audio.Session].
func (s *Session) SetRoute(d audio.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SetRouteCalls = append(s.SetRouteCalls, d)
	return s.SetRouteErrors[d.ID]
}

// ClearRoute implements [audio.Session].
func (s *Session) ClearRoute() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClearRoute++
	return nil
}

// Events implements [audio.Session].
func (s *Session) Events() <-chan audio.SessionEvent {
	return s.events
}

// Emit delivers ev on the event stream.
func (s *Session) Emit(ev audio.SessionEvent) {
	s.events <- ev
}

// Connect adds d to the device list and emits [audio.EventDeviceAdded].
func (s *Session) Connect(d audio.Device) {
	s.mu.Lock()
	s.Devices = append(s.Devices, d)
	s.mu.Unlock()
	s.Emit(audio.SessionEvent{Kind: audio.EventDeviceAdded, Device: d})
}

// Disconnect removes d from the device list and emits [audio.EventDeviceRemoved].
func (s *Session) Disconnect(d audio.Device) {
	s.mu.Lock()
	kept := s.Devices[:0]
	for _, existing := range s.Devices {
		if existing.ID != d.ID {
			kept = append(kept, existing)
		}
	}
	s.Devices = kept
	s.mu.Unlock()
	s.Emit(audio.SessionEvent{Kind: audio.EventDeviceRemoved, Device: d})
}

// Routes returns a copy of SetRouteCalls.
func (s *Session) Routes() []audio.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.Device, len(s.SetRouteCalls))
	copy(out, s.SetRouteCalls)
	return out
}

// Acquires returns how many times Acquire was called.
func (s *Session) Acquires() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.AcquireCalls)
}
