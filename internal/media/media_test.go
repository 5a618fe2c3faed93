package media

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/aiff"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func writeWAV(t *testing.T, rate, channels int, data []int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	buf := &goaudio.IntBuffer{
		Data:           data,
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: rate},
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("wav write: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("wav close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func near(a, b float32) bool { return math.Abs(float64(a-b)) < 1e-3 }

func TestLoad_WAVStereoUpsampled(t *testing.T) {
	t.Parallel()

	// 100 stereo frames at 8 kHz, both channels at half scale.
	data := make([]int, 200)
	for i := range data {
		data[i] = 16384
	}
	clip, err := Load(writeWAV(t, 8000, 2, data))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if clip.Source.SampleRate != 8000 || clip.Source.Channels != 2 {
		t.Errorf("Source = %+v, want 8000 Hz stereo", clip.Source)
	}
	if len(clip.Samples) != 200 {
		t.Fatalf("samples = %d, want 200 after upsampling", len(clip.Samples))
	}
	for i, s := range clip.Samples {
		if !near(s, 0.5) {
			t.Fatalf("sample %d = %v, want 0.5", i, s)
		}
	}
	if got := clip.Duration(); got.Milliseconds() != 12 {
		t.Errorf("Duration = %v, want 12.5ms", got)
	}
}

func TestLoad_AIFFVoiceRate(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "clip.aiff")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc := aiff.NewEncoder(f, 16000, 16, 1)
	if err := enc.Write(&goaudio.IntBuffer{
		Data:           []int{0, 8192, -8192, 32767},
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: 16000},
		SourceBitDepth: 16,
	}); err != nil {
		t.Fatalf("aiff write: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("aiff close: %v", err)
	}
	f.Close()

	clip, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []float32{0, 0.25, -0.25, 32767.0 / 32768}
	if len(clip.Samples) != len(want) {
		t.Fatalf("samples = %d, want %d", len(clip.Samples), len(want))
	}
	for i := range want {
		if !near(clip.Samples[i], want[i]) {
			t.Errorf("sample %d = %v, want %v", i, clip.Samples[i], want[i])
		}
	}
}

func TestDecode_SniffsWithoutHint(t *testing.T) {
	t.Parallel()

	raw, err := os.ReadFile(writeWAV(t, 16000, 1, []int{1000, 2000}))
	if err != nil {
		t.Fatal(err)
	}
	clip, err := Decode(bytes.NewReader(raw), "")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(clip.Samples) != 2 {
		t.Errorf("samples = %d, want 2", len(clip.Samples))
	}
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()

	garbage := []byte("definitely not audio data")
	if _, err := Decode(bytes.NewReader(garbage), ""); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("sniff garbage: err = %v, want ErrUnknownFormat", err)
	}
	for _, hint := range []string{"wav", ".aiff", "mp3", "ogg"} {
		if _, err := Decode(bytes.NewReader(garbage), hint); err == nil {
			t.Errorf("Decode(garbage, %q): want error", hint)
		}
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.wav")); err == nil {
		t.Error("Load(missing): want error")
	}
}

func TestSniff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		head []byte
		want string
	}{
		{"wav", []byte("RIFF\x00\x00\x00\x00WAVE"), "wav"},
		{"aiff", []byte("FORM\x00\x00\x00\x00AIFF"), "aiff"},
		{"ogg", []byte("OggS\x00\x02"), "ogg"},
		{"mp3 id3", []byte("ID3\x04\x00"), "mp3"},
		{"mp3 sync", []byte{0xFF, 0xFB, 0x90, 0x00}, "mp3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bytes.NewReader(tt.head)
			got, err := sniff(r)
			if err != nil || got != tt.want {
				t.Errorf("sniff = %q, %v; want %q", got, err, tt.want)
			}
			if pos, _ := r.Seek(0, 1); pos != 0 {
				t.Errorf("reader not rewound: at %d", pos)
			}
		})
	}
}

type recordingPlayer struct {
	chunks [][]byte
	err    error
}

func (p *recordingPlayer) PlayPCMData(pcm []byte) error {
	if p.err != nil {
		return p.err
	}
	p.chunks = append(p.chunks, pcm)
	return nil
}

func TestPlay_Chunks(t *testing.T) {
	t.Parallel()

	clip := &Clip{Samples: make([]float32, 2500)}
	p := &recordingPlayer{}
	if err := Play(context.Background(), p, clip, 0); err != nil {
		t.Fatalf("Play: %v", err)
	}
	wantLens := []int{2048, 2048, 904}
	if len(p.chunks) != len(wantLens) {
		t.Fatalf("chunks = %d, want %d", len(p.chunks), len(wantLens))
	}
	for i, n := range wantLens {
		if len(p.chunks[i]) != n {
			t.Errorf("chunk %d = %d bytes, want %d", i, len(p.chunks[i]), n)
		}
	}
}

func TestPlay_Stops(t *testing.T) {
	t.Parallel()

	clip := &Clip{Samples: make([]float32, 4096)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &recordingPlayer{}
	if err := Play(ctx, p, clip, 1024); !errors.Is(err, context.Canceled) {
		t.Errorf("Play(cancelled) = %v, want context.Canceled", err)
	}
	if len(p.chunks) != 0 {
		t.Errorf("played %d chunks after cancel", len(p.chunks))
	}

	rejected := errors.New("pipeline failed")
	if err := Play(context.Background(), &recordingPlayer{err: rejected}, clip, 1024); !errors.Is(err, rejected) {
		t.Errorf("Play = %v, want wrapped player error", err)
	}
}
