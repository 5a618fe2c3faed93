// Package aec provides a software Normalized Least Mean Squares (NLMS) echo
// canceller for backends whose platform audio stack has no voice processing.
//
// The canceller runs inside the capture loop on mono voice-rate samples. The
// playback pipeline supplies the far-end reference through FeedFarEnd.
//
//	c := aec.New(aec.Config{})
//	c.FeedFarEnd(rendered) // playback side
//	c.Process(captured)    // capture side, in place
package aec

import (
	"sync"

	"github.com/MrWong99/twowayaudio/pkg/audio"
)

const (
	// DefaultDelay is the bulk delay (samples) between render and the echo
	// reaching the microphone. 640 samples = 40 ms at 16 kHz.
	DefaultDelay = 640

	// DefaultTaps is the NLMS filter length. 160 samples = 10 ms at 16 kHz.
	DefaultTaps = 160

	// DefaultStep is the NLMS step size mu (0 < mu < 2).
	DefaultStep = 0.1

	// MaxFrame is the longest frame Process filters. Longer frames pass
	// through unchanged.
	MaxFrame = audio.VoiceSampleRate
)

// Config tunes a [Canceller]. Zero fields take the defaults above.
type Config struct {
	Delay int
	Taps  int
	Step  float64
}

// Canceller is an NLMS acoustic echo canceller. It implements
// [audio.Effect], [audio.Processor] and [audio.ReferenceSink].
//
// The far-end ring is large enough that FeedFarEnd and Process touch
// disjoint regions, so the mutex is held only for the reference copy.
type Canceller struct {
	mu       sync.Mutex
	enabled  bool
	released bool
	reset    bool // clear weights before the next Process

	weights []float64 // only touched by Process
	taps    int
	step    float64

	far   []float32
	head  int
	delay int
}

// New creates a Canceller. It starts enabled.
func New(cfg Config) *Canceller {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	if cfg.Taps <= 0 {
		cfg.Taps = DefaultTaps
	}
	if cfg.Step <= 0 || cfg.Step >= 2 {
		cfg.Step = DefaultStep
	}
	return &Canceller{
		enabled: true,
		weights: make([]float64, cfg.Taps),
		taps:    cfg.Taps,
		step:    cfg.Step,
		far:     make([]float32, MaxFrame+cfg.Delay+cfg.Taps),
		delay:   cfg.Delay,
	}
}

// Kind implements [audio.Effect].
func (c *Canceller) Kind() audio.EffectKind { return audio.EffectEchoCancel }

// SetEnabled implements [audio.Effect]. Enabling resets the filter so it
// adapts from scratch.
func (c *Canceller) SetEnabled(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enabled && !c.enabled {
		c.reset = true
	}
	c.enabled = enabled
	return nil
}

// Release implements [audio.Effect]. A released canceller passes audio
// through.
func (c *Canceller) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = true
	c.enabled = false
	return nil
}

// FeedFarEnd implements [audio.ReferenceSink].
func (c *Canceller) FeedFarEnd(samples []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	for _, s := range samples {
		c.far[c.head] = s
		c.head = (c.head + 1) % len(c.far)
	}
}

// Process implements [audio.Processor].
//
// For sample i the echo estimate is Σ w[k]·ref[i+taps−1−k], where ref is
// the far-end window ending delay samples before the newest reference. The
// weights follow the normalised LMS update.
func (c *Canceller) Process(frame []float32) {
	n := len(frame)
	if n == 0 || n > MaxFrame {
		return
	}

	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return
	}
	reset := c.reset
	c.reset = false
	refLen := n + c.taps - 1
	ref := make([]float32, refLen)
	size := len(c.far)
	start := c.head - n - c.delay - c.taps + 1
	for j := range refLen {
		idx := ((start+j)%size + size) % size
		ref[j] = c.far[idx]
	}
	c.mu.Unlock()

	if reset {
		clear(c.weights)
	}
	for i := range frame {
		base := i + c.taps - 1
		var y, power float64
		for k := range c.taps {
			x := float64(ref[base-k])
			y += c.weights[k] * x
			power += x * x
		}
		e := float64(frame[i]) - y
		if power > 1e-10 {
			g := c.step * e / power
			for k := range c.taps {
				c.weights[k] += g * float64(ref[base-k])
			}
		}
		frame[i] = float32(e)
	}
}

// Provider is an [audio.Effects] that grants a fresh software [Canceller]
// for echo cancellation. It has no noise suppressor.
type Provider struct {
	Config Config
}

// TryEnable implements [audio.Effects].
func (p Provider) TryEnable(kind audio.EffectKind, _ int) (audio.Effect, bool) {
	if kind != audio.EffectEchoCancel {
		return nil, false
	}
	return New(p.Config), true
}
