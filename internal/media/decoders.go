package media

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/aiff"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	gomp3 "github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"

	"github.com/MrWong99/twowayaudio/pkg/audio"
)

var (
	errNotWAV  = errors.New("not a WAV file")
	errNotAIFF = errors.New("not an AIFF file")
)

func decodeWAV(r io.ReadSeeker) (*decoded, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, errNotWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, err
	}
	return fromIntBuffer(buf, int(dec.BitDepth), true)
}

func decodeAIFF(r io.ReadSeeker) (*decoded, error) {
	dec := aiff.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, errNotAIFF
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, err
	}
	return fromIntBuffer(buf, int(dec.BitDepth), false)
}

// fromIntBuffer normalises go-audio integer samples by bit depth. unsigned8
// marks 8-bit data stored offset by 128, as WAV does.
func fromIntBuffer(buf *goaudio.IntBuffer, bitDepth int, unsigned8 bool) (*decoded, error) {
	if buf == nil || buf.Format == nil {
		return nil, errors.New("missing format")
	}
	if buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid format %d Hz x%d", buf.Format.SampleRate, buf.Format.NumChannels)
	}

	var scale float32
	switch bitDepth {
	case 8:
		scale = 1 << 7
	case 16:
		scale = 1 << 15
	case 24:
		scale = 1 << 23
	case 32:
		scale = 1 << 31
	default:
		return nil, fmt.Errorf("unsupported bit depth %d", bitDepth)
	}

	out := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		if bitDepth == 8 && unsigned8 {
			v -= 128
		}
		out[i] = float32(v) / scale
	}
	return &decoded{
		samples: out,
		format:  audio.Format{SampleRate: buf.Format.SampleRate, Channels: buf.Format.NumChannels},
	}, nil
}

// decodeMP3 reads the whole stream. go-mp3 always yields 16-bit stereo.
func decodeMP3(r io.ReadSeeker) (*decoded, error) {
	dec, err := gomp3.NewDecoder(r)
	if err != nil {
		return nil, err
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return nil, err
	}
	samples, err := audio.BytesToFloatSamples(pcm[:len(pcm)&^3])
	if err != nil {
		return nil, err
	}
	return &decoded{
		samples: samples,
		format:  audio.Format{SampleRate: dec.SampleRate(), Channels: 2},
	}, nil
}

func decodeOgg(r io.ReadSeeker) (*decoded, error) {
	samples, format, err := oggvorbis.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return &decoded{
		samples: samples,
		format:  audio.Format{SampleRate: format.SampleRate, Channels: format.Channels},
	}, nil
}
