package duplex

import (
	"errors"

	"github.com/MrWong99/twowayaudio/pkg/audio"
)

var (
	// ErrNotInitialized is returned by operations that need a successful
	// [Engine.Initialize] first.
	ErrNotInitialized = errors.New("duplex: engine not initialized")

	// ErrTornDown is returned by every operation after [Engine.TearDown].
	ErrTornDown = errors.New("duplex: engine torn down")

	// ErrPipelineFailed is returned by [Engine.PlayPCMData] after the output
	// stream failed. Call [Engine.Initialize] again to reopen it.
	ErrPipelineFailed = errors.New("duplex: playback pipeline failed")
)

// State is the lifecycle state of an [Engine].
type State int

const (
	// StateUninitialized is the state of a new engine.
	StateUninitialized State = iota

	// StateReady means the session is held and both pipelines are built;
	// capture is stopped.
	StateReady

	// StateRecording means capture is running.
	StateRecording

	// StatePaused means both pipelines were stopped by Pause or an
	// interruption.
	StatePaused

	// StateTornDown is terminal.
	StateTornDown
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateReady:
		return "READY"
	case StateRecording:
		return "RECORDING"
	case StatePaused:
		return "PAUSED"
	case StateTornDown:
		return "TORN_DOWN"
	default:
		return "UNKNOWN"
	}
}

// Interruption is the value delivered to OnAudioInterruption handlers.
type Interruption string

const (
	// InterruptionBegan: another app or a call took the audio hardware.
	InterruptionBegan Interruption = "began"

	// InterruptionEnded: the interruption is over and the engine resumed.
	InterruptionEnded Interruption = "ended"

	// InterruptionBlocked: the engine lost the hardware and will not resume
	// on its own.
	InterruptionBlocked Interruption = "blocked"
)

// RoutingState is the router's view of the output devices.
type RoutingState struct {
	// Selected is the device output is routed to. Zero when nothing is
	// connected.
	Selected audio.Device

	// Connected lists the devices seen at the last evaluation.
	Connected []audio.Device
}

// External reports whether output goes to a headset-style device.
func (s RoutingState) External() bool {
	return s.Selected.Kind.External()
}
