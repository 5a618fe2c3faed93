// Package media decodes audio files into voice-format PCM for playback
// through a duplex engine.
//
// Supported containers are WAV and AIFF (integer PCM), MP3 and Ogg Vorbis.
// Files are decoded whole, downmixed to mono and resampled to
// [audio.VoiceSampleRate].
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/twowayaudio/pkg/audio"
)

// ErrUnknownFormat is returned when a file matches none of the decoders.
var ErrUnknownFormat = errors.New("media: unknown audio format")

// DefaultChunkFrames is the number of voice-rate frames per buffer handed to
// the player.
const DefaultChunkFrames = 1024

// Player accepts PCM16 voice audio. [duplex.Engine] satisfies it.
type Player interface {
	PlayPCMData(pcm []byte) error
}

// Clip is decoded audio in the voice format.
type Clip struct {
	// Samples are mono floats at [audio.VoiceSampleRate].
	Samples []float32

	// Source describes the file before conversion.
	Source audio.Format
}

// Duration returns the playing time of c.
func (c *Clip) Duration() time.Duration {
	return time.Duration(len(c.Samples)) * time.Second / audio.VoiceSampleRate
}

// Chunks splits c into PCM16 buffers of at most frames samples each.
func (c *Clip) Chunks(frames int) [][]byte {
	if frames <= 0 {
		frames = DefaultChunkFrames
	}
	var out [][]byte
	for start := 0; start < len(c.Samples); start += frames {
		end := min(start+frames, len(c.Samples))
		out = append(out, audio.FloatSamplesToBytes(c.Samples[start:end]))
	}
	return out
}

// decoded is what every container decoder produces.
type decoded struct {
	samples []float32 // interleaved, [-1, 1]
	format  audio.Format
}

type decodeFunc func(r io.ReadSeeker) (*decoded, error)

var decoders = map[string]decodeFunc{
	"wav":  decodeWAV,
	"aiff": decodeAIFF,
	"mp3":  decodeMP3,
	"ogg":  decodeOgg,
}

// Load decodes the file at path. The container is chosen by extension, then
// by content.
func Load(path string) (*Clip, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("media: read %s: %w", path, err)
	}
	clip, err := Decode(bytes.NewReader(data), filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("media: %s: %w", path, err)
	}
	return clip, nil
}

// Decode decodes r. hint is a file extension ("wav", ".mp3", ...) and may be
// empty.
func Decode(r io.ReadSeeker, hint string) (*Clip, error) {
	kind := formatFromExt(hint)
	if kind == "" {
		var err error
		if kind, err = sniff(r); err != nil {
			return nil, err
		}
	}

	d, err := decoders[kind](r)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	mono, err := audio.Downmix(d.samples, d.format.Channels)
	if err != nil {
		return nil, err
	}
	clip := &Clip{
		Samples: audio.Resample(mono, d.format.SampleRate, audio.VoiceSampleRate),
		Source:  d.format,
	}
	slog.Debug("media: decoded clip",
		"format", kind,
		"source", d.format.String(),
		"duration", clip.Duration(),
	)
	return clip, nil
}

// Play queues clip on p in chunks of frames samples. It stops early when ctx
// is cancelled or p rejects a buffer.
func Play(ctx context.Context, p Player, clip *Clip, frames int) error {
	for _, chunk := range clip.Chunks(frames) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.PlayPCMData(chunk); err != nil {
			return fmt.Errorf("media: play: %w", err)
		}
	}
	return nil
}

func formatFromExt(ext string) string {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "wav", "wave":
		return "wav"
	case "aif", "aiff":
		return "aiff"
	case "mp3":
		return "mp3"
	case "ogg", "oga":
		return "ogg"
	}
	return ""
}

// sniff identifies the container from its magic bytes and rewinds r.
func sniff(r io.ReadSeeker) (string, error) {
	head := make([]byte, 12)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", fmt.Errorf("%w: %w", ErrUnknownFormat, err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	head = head[:n]

	switch {
	case len(head) >= 12 && string(head[:4]) == "RIFF" && string(head[8:12]) == "WAVE":
		return "wav", nil
	case len(head) >= 12 && string(head[:4]) == "FORM" && (string(head[8:12]) == "AIFF" || string(head[8:12]) == "AIFC"):
		return "aiff", nil
	case bytes.HasPrefix(head, []byte("OggS")):
		return "ogg", nil
	case bytes.HasPrefix(head, []byte("ID3")),
		len(head) >= 2 && head[0] == 0xFF && head[1]&0xE0 == 0xE0:
		return "mp3", nil
	}
	return "", ErrUnknownFormat
}
