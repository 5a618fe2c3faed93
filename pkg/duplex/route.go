package duplex

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/twowayaudio/pkg/audio"
)

// sessionListener is notified by the router about session events that
// affect the pipelines. Calls arrive on the router goroutine, one at a time.
type sessionListener interface {
	// interruptionBegan stops both pipelines. kind is began or blocked.
	interruptionBegan(kind Interruption)
	// interruptionEnded resumes (resume true) or stays stopped.
	interruptionEnded(resume bool)
	// sessionReset rebuilds both pipelines.
	sessionReset()
	// configurationChanged moves playback to the current route and restarts
	// capture the hardware dropped.
	configurationChanged()
}

// router holds the OS audio session, keeps output routed to the best
// connected device, and turns session events into listener calls.
type router struct {
	session  audio.Session
	listener sessionListener
	metrics  *metrics

	mu      sync.Mutex
	state   RoutingState
	applied bool

	watchMu sync.Mutex
	done    chan struct{}
	exited  chan struct{}
}

func newRouter(session audio.Session, listener sessionListener, m *metrics) *router {
	return &router{session: session, listener: listener, metrics: m}
}

// acquire activates the session for voice calls and applies routing. Event
// handling starts with watch.
func (r *router) acquire(ctx context.Context) error {
	if err := r.session.Acquire(ctx, audio.CategoryVoiceCall); err != nil {
		return initError("acquire session", err)
	}
	r.reevaluate()
	return nil
}

// reacquire re-activates the session after an interruption without touching
// the watcher.
func (r *router) reacquire(ctx context.Context) error {
	if err := r.session.Acquire(ctx, audio.CategoryVoiceCall); err != nil {
		return initError("reacquire session", err)
	}
	r.reevaluate()
	return nil
}

// release stops watching, clears routing and deactivates the session. It
// must not be called from the router goroutine.
func (r *router) release() {
	r.unwatch()

	r.mu.Lock()
	r.state = RoutingState{}
	r.applied = false
	r.mu.Unlock()

	if err := r.session.ClearRoute(); err != nil {
		slog.Warn("route: clear route", "err", err)
	}
	if err := r.session.Release(); err != nil {
		slog.Warn("route: release session", "err", err)
	}
}

// State returns a copy of the current routing state.
func (r *router) State() RoutingState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RoutingState{
		Selected:  r.state.Selected,
		Connected: slices.Clone(r.state.Connected),
	}
}

// reevaluate picks the best output device and applies it. Evaluating the
// same device set twice makes no second SetRoute call.
func (r *router) reevaluate() {
	r.mu.Lock()
	defer r.mu.Unlock()

	devices := r.session.OutputDevices()
	r.state.Connected = devices

	best, ok := chooseRoute(devices)
	if !ok {
		r.state.Selected = audio.Device{}
		r.applied = false
		slog.Warn("route: no output device connected")
		return
	}
	if r.applied && best == r.state.Selected {
		return
	}

	if err := r.session.SetRoute(best); err != nil {
		slog.Warn("route: set device failed, falling back to speaker",
			"device", best.Name, "kind", best.Kind.String(), "err", err)
		speaker, found := findKind(devices, audio.DeviceSpeaker)
		if !found || speaker == best {
			return
		}
		if err := r.session.SetRoute(speaker); err != nil {
			slog.Error("route: speaker fallback failed", "err", err)
			return
		}
		best = speaker
	}

	r.state.Selected = best
	r.applied = true
	r.metrics.routeChanges.Add(context.Background(), 1,
		withKV("device", best.Kind.String()))
	slog.Info("route: output routed", "device", best.Name, "kind", best.Kind.String())
}

// chooseRoute prefers the first external device (wired or bluetooth), then
// the built-in speaker, then the earpiece.
func chooseRoute(devices []audio.Device) (audio.Device, bool) {
	for _, d := range devices {
		if d.Kind.External() {
			return d, true
		}
	}
	if d, ok := findKind(devices, audio.DeviceSpeaker); ok {
		return d, true
	}
	if d, ok := findKind(devices, audio.DeviceEarpiece); ok {
		return d, true
	}
	if len(devices) > 0 {
		return devices[0], true
	}
	return audio.Device{}, false
}

func findKind(devices []audio.Device, kind audio.DeviceKind) (audio.Device, bool) {
	for _, d := range devices {
		if d.Kind == kind {
			return d, true
		}
	}
	return audio.Device{}, false
}

func (r *router) watch() {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	if r.done != nil {
		return
	}
	r.done = make(chan struct{})
	r.exited = make(chan struct{})
	go r.run(r.session.Events(), r.done, r.exited)
}

func (r *router) unwatch() {
	r.watchMu.Lock()
	done, exited := r.done, r.exited
	r.done, r.exited = nil, nil
	r.watchMu.Unlock()
	if done == nil {
		return
	}
	close(done)
	<-exited
}

func (r *router) run(events <-chan audio.SessionEvent, done, exited chan struct{}) {
	defer close(exited)
	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.handle(ev)
		}
	}
}

func (r *router) handle(ev audio.SessionEvent) {
	slog.Debug("route: session event", "kind", ev.Kind.String(), "device", ev.Device.Name)
	switch ev.Kind {
	case audio.EventDeviceAdded, audio.EventDeviceRemoved:
		r.reevaluate()
	case audio.EventConfigurationChanged:
		r.reevaluate()
		r.listener.configurationChanged()
	case audio.EventInterruptionBegan:
		r.listener.interruptionBegan(InterruptionBegan)
	case audio.EventFocusLost:
		r.listener.interruptionBegan(InterruptionBlocked)
	case audio.EventInterruptionEnded:
		r.listener.interruptionEnded(ev.Resumable)
	case audio.EventSessionReset:
		r.listener.sessionReset()
	default:
		slog.Warn("route: unknown session event", "kind", int(ev.Kind))
	}
}
