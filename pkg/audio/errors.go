package audio

import (
	"errors"
	"fmt"
)

// ErrSessionLost is returned when the OS audio session is revoked and cannot
// be reacquired (media-services reset, audio focus permanently lost).
var ErrSessionLost = errors.New("audio: session lost")

// ErrUnderrun is a transient glitch a hardware stream may report from Read or
// Write. It does not stop the pipeline.
var ErrUnderrun = errors.New("audio: buffer underrun")

// ErrClosed is returned by stream operations after Close.
var ErrClosed = errors.New("audio: stream closed")

// FormatError reports malformed PCM: an odd byte count, or a sample count that
// does not divide evenly into the stated channel count.
type FormatError struct {
	// Reason is a short human-readable description.
	Reason string

	// Bytes is the length of the offending buffer. For sample-domain checks it
	// holds the sample count instead.
	Bytes int
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("audio: format error: %s (len=%d)", e.Reason, e.Bytes)
}

// Direction names the side of the duplex a hardware error belongs to.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
	DirectionRoute  Direction = "route"
)

// HardwareInitError reports that a stream or the session could not be opened.
type HardwareInitError struct {
	// Op names the operation that failed (e.g. "open input").
	Op string
	// Err is the underlying backend error.
	Err error
}

func (e *HardwareInitError) Error() string {
	return fmt.Sprintf("audio: %s: %v", e.Op, e.Err)
}

func (e *HardwareInitError) Unwrap() error { return e.Err }

// HardwareRuntimeError reports that a running stream failed. The loop that
// observed it has stopped itself.
type HardwareRuntimeError struct {
	Direction Direction
	Err       error
}

func (e *HardwareRuntimeError) Error() string {
	return fmt.Sprintf("audio: %s stream failed: %v", e.Direction, e.Err)
}

func (e *HardwareRuntimeError) Unwrap() error { return e.Err }
