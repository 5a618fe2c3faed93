package audio

import "context"

// Category selects the OS session behaviour.
type Category int

const (
	// CategoryVoiceCall is duplex communication with the platform's voice
	// processing enabled (iOS playAndRecord/voiceChat, Android
	// MODE_IN_COMMUNICATION with exclusive transient focus).
	CategoryVoiceCall Category = iota

	// CategoryPlayback is render-only media playback.
	CategoryPlayback
)

// DeviceKind classifies an output device for routing decisions.
type DeviceKind int

const (
	DeviceUnknown DeviceKind = iota
	DeviceEarpiece
	DeviceSpeaker
	DeviceWired
	DeviceBluetooth
)

// String returns the human-readable name of the device kind.
func (k DeviceKind) String() string {
	switch k {
	case DeviceEarpiece:
		return "earpiece"
	case DeviceSpeaker:
		return "speaker"
	case DeviceWired:
		return "wired"
	case DeviceBluetooth:
		return "bluetooth"
	default:
		return "unknown"
	}
}

// External reports whether the kind is a headset-style device that should be
// preferred over the built-in speaker.
func (k DeviceKind) External() bool {
	return k == DeviceWired || k == DeviceBluetooth
}

// Device is an output device known to the session.
type Device struct {
	ID   string
	Name string
	Kind DeviceKind
}

// SessionEventKind classifies notifications from a [Session].
type SessionEventKind int

const (
	// EventDeviceAdded is emitted when an output device connects.
	EventDeviceAdded SessionEventKind = iota

	// EventDeviceRemoved is emitted when an output device disconnects.
	EventDeviceRemoved

	// EventInterruptionBegan is emitted when another app or a call takes the
	// audio hardware.
	EventInterruptionBegan

	// EventInterruptionEnded is emitted when the interruption is over.
	// [SessionEvent.Resumable] tells whether the session may resume.
	EventInterruptionEnded

	// EventFocusLost is emitted when audio focus is lost without a pending
	// resume.
	EventFocusLost

	// EventSessionReset is emitted after the platform's media services
	// restarted. Every stream must be rebuilt.
	EventSessionReset

	// EventConfigurationChanged is emitted when the hardware configuration
	// changed underneath running streams.
	EventConfigurationChanged
)

// String returns the human-readable name of the event kind.
func (k SessionEventKind) String() string {
	switch k {
	case EventDeviceAdded:
		return "DEVICE_ADDED"
	case EventDeviceRemoved:
		return "DEVICE_REMOVED"
	case EventInterruptionBegan:
		return "INTERRUPTION_BEGAN"
	case EventInterruptionEnded:
		return "INTERRUPTION_ENDED"
	case EventFocusLost:
		return "FOCUS_LOST"
	case EventSessionReset:
		return "SESSION_RESET"
	case EventConfigurationChanged:
		return "CONFIGURATION_CHANGED"
	default:
		return "UNKNOWN"
	}
}

// SessionEvent is a single notification from a [Session].
type SessionEvent struct {
	Kind SessionEventKind

	// Device is set for device events.
	Device Device

	// Resumable is set for [EventInterruptionEnded].
	Resumable bool
}

// Session is the OS audio session shared by both directions of the engine.
//
// Implementations must be safe for concurrent use.
type Session interface {
	// Acquire activates the session with the given category. Calling it on
	// an active session re-activates it.
	Acquire(ctx context.Context, category Category) error

	// Release deactivates the session and notifies other apps.
	Release() error

	// OutputDevices lists the currently connected output devices in a
	// stable order.
	OutputDevices() []Device

	// SetRoute directs output to d.
	SetRoute(d Device) error

	// ClearRoute returns routing to the platform default.
	ClearRoute() error

	// Events returns the session's event stream. The same channel is
	// returned on every call and is never closed; consumers stop reading on
	// their own.
	Events() <-chan SessionEvent
}
