// Package audio defines the types, conversions and hardware seams shared by
// the duplex voice engine and its platform backends.
//
// The primary abstractions are:
//
//   - [Hardware]: opens capture and render streams on the current device.
//   - [InputStream] / [OutputStream]: blocking PCM16 I/O on one device.
//   - [Effects]: optional capability query for echo cancellation and noise
//     suppression bound to a capture session.
//   - [Session]: the OS audio session: category, routing, and the stream of
//     device and interruption events.
//
// Implementations are provided by backend packages (audio/portaudio,
// audio/null) and by audio/mock for tests.
//
// This package lives under pkg/ because external code (platform backends for
// mobile hosts) is expected to implement [Hardware] and [Session].
package audio

import "context"

// StreamConfig is a request for a hardware stream. The backend may grant a
// different format; callers read the result from Format on the returned
// stream.
type StreamConfig struct {
	// SampleRate is the preferred rate. Zero selects the device's native rate.
	SampleRate int

	// Channels is the preferred channel count. Zero selects mono.
	Channels int

	// FramesPerBuffer is the number of sample frames delivered per Read.
	FramesPerBuffer int

	// Device names a specific device. Empty selects the current route.
	Device string
}

// Hardware opens streams on the platform's audio devices.
//
// Implementations must be safe for concurrent use.
type Hardware interface {
	// OpenInput opens a capture stream. The stream is not started.
	OpenInput(ctx context.Context, cfg StreamConfig) (InputStream, error)

	// OpenOutput opens a render stream and starts it.
	OpenOutput(ctx context.Context, cfg StreamConfig) (OutputStream, error)
}

// InputStream is an open capture stream.
type InputStream interface {
	// Format reports the granted sample rate and channel count.
	Format() Format

	// SessionID identifies the capture session for effect binding.
	SessionID() int

	// Start begins capture.
	Start() error

	// Read blocks until the next hardware buffer is available and copies it
	// into p as interleaved PCM16. It returns [ErrUnderrun] for recoverable
	// glitches and [ErrClosed] after Close.
	Read(p []byte) (int, error)

	// Close stops capture and releases the device. A blocked Read returns.
	Close() error
}

// OutputStream is an open render stream.
type OutputStream interface {
	// Format reports the granted sample rate and channel count.
	Format() Format

	// Write blocks until the device accepts all of p. Blocking is the
	// playback backpressure.
	Write(p []byte) (int, error)

	// Pause suspends rendering. Writes block until Resume.
	Pause() error

	// Resume restarts rendering after Pause.
	Resume() error

	// Flush discards anything buffered in the device and unblocks a pending
	// Write.
	Flush() error

	// Close releases the device.
	Close() error
}

// EffectKind names a voice processing unit.
type EffectKind int

const (
	// EffectEchoCancel removes the render signal from the capture signal.
	EffectEchoCancel EffectKind = iota

	// EffectNoiseSuppress attenuates stationary background noise.
	EffectNoiseSuppress
)

// String returns the human-readable name of the effect kind.
func (k EffectKind) String() string {
	switch k {
	case EffectEchoCancel:
		return "AEC"
	case EffectNoiseSuppress:
		return "NS"
	default:
		return "UNKNOWN"
	}
}

// Effects is implemented by [Hardware] backends that can attach voice
// processing to a capture session. Absence of the interface, or a false
// return, means the effect is unavailable; that is never an error.
type Effects interface {
	TryEnable(kind EffectKind, sessionID int) (Effect, bool)
}

// Effect is an attached processing unit.
type Effect interface {
	Kind() EffectKind

	// SetEnabled toggles processing without detaching the unit.
	SetEnabled(enabled bool) error

	// Release detaches the unit.
	Release() error
}

// Processor is implemented by effects that run in software inside the
// capture loop rather than in the platform's audio stack.
type Processor interface {
	// Process filters mono voice-rate samples in place.
	Process(samples []float32)
}

// ReferenceSink is implemented by software echo cancellers that need the
// far-end (render) signal.
type ReferenceSink interface {
	// FeedFarEnd supplies mono voice-rate samples that were just rendered.
	FeedFarEnd(samples []float32)
}
