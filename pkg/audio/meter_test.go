package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/twowayaudio/pkg/audio"
)

func TestLevel(t *testing.T) {
	cfg := audio.DefaultMeterConfig()

	square := make([]float32, 1024)
	for i := range square {
		if i%2 == 0 {
			square[i] = 1
		} else {
			square[i] = -1
		}
	}
	half := make([]float32, 1024)
	for i := range half {
		half[i] = 0.5
	}

	tests := []struct {
		name    string
		samples []float32
		want    float64
	}{
		{name: "empty", samples: nil, want: 0},
		{name: "silence", samples: make([]float32, 1024), want: 0},
		{name: "full scale square", samples: square, want: 1},
		// 0.5 RMS is -6.02 dB: ((80-6.02)/80)^2.
		{name: "half scale dc", samples: half, want: math.Pow((80-20*math.Log10(2))/80, 2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := audio.Level(tt.samples, cfg)
			if math.Abs(float64(got)-tt.want) > 1e-4 {
				t.Errorf("Level: got %v, want %v", got, tt.want)
			}
			if got < 0 || got > 1 {
				t.Errorf("Level %v outside [0,1]", got)
			}
		})
	}
}

func TestLevel_Monotonic(t *testing.T) {
	cfg := audio.DefaultMeterConfig()
	prev := float32(-1)
	for _, amp := range []float32{0, 0.0001, 0.001, 0.01, 0.1, 0.5, 1} {
		buf := make([]float32, 256)
		for i := range buf {
			buf[i] = amp
		}
		got := audio.Level(buf, cfg)
		if got < prev {
			t.Errorf("amplitude %v: level %v dropped below %v", amp, got, prev)
		}
		prev = got
	}
}

func TestLevel_ExponentOneIsLinearInDB(t *testing.T) {
	cfg := audio.DefaultMeterConfig()
	cfg.Exponent = 1
	buf := make([]float32, 128)
	for i := range buf {
		buf[i] = 0.01 // -40 dB
	}
	if got := audio.Level(buf, cfg); math.Abs(float64(got)-0.5) > 1e-4 {
		t.Errorf("got %v, want 0.5", got)
	}
}

func TestRollingMeter(t *testing.T) {
	m := audio.NewRollingMeter(2048, audio.DefaultMeterConfig())
	if got := m.Level(); got != 0 {
		t.Fatalf("empty window: got %v, want 0", got)
	}

	buf := make([]float32, 1024)
	for i := range buf {
		buf[i] = 0.5
	}
	m.Push(buf)
	first := m.Level()
	if first <= 0 || first >= 1 {
		t.Fatalf("half-filled window: got %v, want in (0,1)", first)
	}

	m.Push(buf)
	full := m.Level()
	want := audio.Level(append(append([]float32{}, buf...), buf...), audio.DefaultMeterConfig())
	if math.Abs(float64(full-want)) > 1e-4 {
		t.Errorf("full window: got %v, want %v", full, want)
	}
	if full <= first {
		t.Errorf("full window %v should be louder than half window %v", full, first)
	}

	m.Push(make([]float32, 4096))
	if got := m.Level(); got != 0 {
		t.Errorf("after silence: got %v, want 0", got)
	}

	m.Push(buf)
	m.Reset()
	if got := m.Level(); got != 0 {
		t.Errorf("after Reset: got %v, want 0", got)
	}
}
