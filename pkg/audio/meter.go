package audio

import "math"

// MeterConfig tunes the loudness curve used by [Level].
type MeterConfig struct {
	// FloorDB maps to level 0. Anything quieter is clamped.
	FloorDB float64

	// CeilingDB maps to level 1 (full scale is 0 dBFS).
	CeilingDB float64

	// Exponent shapes the normalised level. Values above 1 compress quiet
	// input toward zero.
	Exponent float64

	// Epsilon floors the RMS before the logarithm so silence stays finite.
	Epsilon float64
}

// DefaultMeterConfig returns a -80..0 dB range with a square-law curve.
func DefaultMeterConfig() MeterConfig {
	return MeterConfig{
		FloorDB:   -80,
		CeilingDB: 0,
		Exponent:  2.0,
		Epsilon:   1e-5,
	}
}

// withDefaults fills zero fields from [DefaultMeterConfig].
func (c MeterConfig) withDefaults() MeterConfig {
	d := DefaultMeterConfig()
	if c.FloorDB == 0 {
		c.FloorDB = d.FloorDB
	}
	if c.Exponent == 0 {
		c.Exponent = d.Exponent
	}
	if c.Epsilon == 0 {
		c.Epsilon = d.Epsilon
	}
	if c.CeilingDB <= c.FloorDB {
		c.CeilingDB = d.CeilingDB
	}
	return c
}

// Level returns a perceptual loudness in [0, 1] for samples. An empty buffer
// yields 0.
func Level(samples []float32, cfg MeterConfig) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return levelFromMeanSquare(sum/float64(len(samples)), cfg.withDefaults())
}

func levelFromMeanSquare(meanSquare float64, cfg MeterConfig) float32 {
	rms := math.Sqrt(meanSquare)
	if rms < cfg.Epsilon {
		rms = cfg.Epsilon
	}
	db := 20 * math.Log10(rms)
	norm := (db - cfg.FloorDB) / (cfg.CeilingDB - cfg.FloorDB)
	norm = min(max(norm, 0), 1)
	return float32(math.Pow(norm, cfg.Exponent))
}

// RollingMeter computes [Level] over the most recent Size samples of a
// continuous stream. The window starts out filled with silence.
// Not safe for concurrent use.
type RollingMeter struct {
	cfg    MeterConfig
	window []float32
	pos    int
	sumSq  float64
}

// DefaultMeterWindow is the rolling window length used for capture metering.
const DefaultMeterWindow = 2048

// NewRollingMeter creates a meter over a window of size samples. A
// non-positive size selects [DefaultMeterWindow].
func NewRollingMeter(size int, cfg MeterConfig) *RollingMeter {
	if size <= 0 {
		size = DefaultMeterWindow
	}
	return &RollingMeter{cfg: cfg.withDefaults(), window: make([]float32, size)}
}

// Push appends samples to the window, evicting the oldest.
func (m *RollingMeter) Push(samples []float32) {
	if len(samples) >= len(m.window) {
		copy(m.window, samples[len(samples)-len(m.window):])
		m.pos = 0
		m.recompute()
		return
	}
	for _, s := range samples {
		old := m.window[m.pos]
		m.sumSq += float64(s)*float64(s) - float64(old)*float64(old)
		m.window[m.pos] = s
		m.pos = (m.pos + 1) % len(m.window)
	}
	// Drift correction once per lap.
	if m.pos < len(samples) {
		m.recompute()
	}
}

// Level returns the loudness of the current window.
func (m *RollingMeter) Level() float32 {
	ms := m.sumSq / float64(len(m.window))
	if ms < 0 {
		ms = 0
	}
	return levelFromMeanSquare(ms, m.cfg)
}

// Reset fills the window with silence.
func (m *RollingMeter) Reset() {
	clear(m.window)
	m.pos = 0
	m.sumSq = 0
}

func (m *RollingMeter) recompute() {
	var sum float64
	for _, s := range m.window {
		sum += float64(s) * float64(s)
	}
	m.sumSq = sum
}
