package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/twowayaudio/pkg/duplex"
)

// ErrAgentDisconnected is reported by [AgentChecker] while the bridge is
// between connections.
var ErrAgentDisconnected = errors.New("voice agent disconnected")

// EngineChecker passes while the engine holds the audio hardware: ready,
// recording or paused by an interruption.
func EngineChecker(state func() duplex.State) Checker {
	return Checker{
		Name: "engine",
		Check: func(context.Context) error {
			switch s := state(); s {
			case duplex.StateReady, duplex.StateRecording, duplex.StatePaused:
				return nil
			default:
				return fmt.Errorf("engine state %s", s)
			}
		},
	}
}

// AgentChecker passes while the voice agent bridge is connected.
func AgentChecker(connected func() bool) Checker {
	return Checker{
		Name: "agent",
		Check: func(context.Context) error {
			if !connected() {
				return ErrAgentDisconnected
			}
			return nil
		},
	}
}
