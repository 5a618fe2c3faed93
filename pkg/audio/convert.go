package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// ValidatePCM16 reports a [*FormatError] when b cannot be PCM16 data.
func ValidatePCM16(b []byte) error {
	if len(b)%BytesPerSample != 0 {
		return &FormatError{Reason: "odd byte count for PCM16", Bytes: len(b)}
	}
	return nil
}

// BytesToFloatSamples decodes little-endian signed 16-bit PCM into samples in
// [-1, 1) by dividing by 32768.
func BytesToFloatSamples(b []byte) ([]float32, error) {
	if err := ValidatePCM16(b); err != nil {
		return nil, err
	}
	out := make([]float32, len(b)/BytesPerSample)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(b[i*2:]))
		out[i] = float32(s) / 32768.0
	}
	return out, nil
}

// FloatSamplesToBytes clamps each sample to [-1, 1], scales by 32767,
// truncates toward zero and encodes as little-endian PCM16.
func FloatSamplesToBytes(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, v := range samples {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*32767)))
	}
	return out
}

// Resample converts mono samples from fromRate to toRate using linear
// interpolation. The output holds round(N*toRate/fromRate) samples. When the
// rates are equal (or either is non-positive) the input is returned unchanged.
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate <= 0 || toRate <= 0 || fromRate == toRate {
		return samples
	}
	n := len(samples)
	if n == 0 {
		return nil
	}
	outLen := int(math.Round(float64(n) * float64(toRate) / float64(fromRate)))
	if outLen == 0 {
		return nil
	}

	out := make([]float32, outLen)
	ratio := float64(fromRate) / float64(toRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= n-1 {
			out[i] = samples[n-1]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}
	return out
}

// Downmix averages interleaved multi-channel samples into mono. A sample
// count that is not a multiple of channels is a [*FormatError].
func Downmix(interleaved []float32, channels int) ([]float32, error) {
	if channels <= 1 {
		return interleaved, nil
	}
	if len(interleaved)%channels != 0 {
		return nil, &FormatError{Reason: fmt.Sprintf("sample count not divisible by %d channels", channels), Bytes: len(interleaved)}
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	scale := 1 / float32(channels)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += interleaved[i*channels+c]
		}
		out[i] = sum * scale
	}
	return out, nil
}

// Upmix duplicates each mono sample across channels.
func Upmix(mono []float32, channels int) []float32 {
	if channels <= 1 {
		return mono
	}
	out := make([]float32, len(mono)*channels)
	for i, v := range mono {
		for c := range channels {
			out[i*channels+c] = v
		}
	}
	return out
}

// FormatConverter moves audio between a hardware stream format and the voice
// processing form (mono, [VoiceSampleRate], float). It logs a warning the first
// time the hardware format differs from the voice format.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	// Hardware is the format of the device side.
	Hardware       Format
	warnedMismatch sync.Once
}

// ToVoice decodes PCM16 in the hardware format into mono voice-rate samples.
func (c *FormatConverter) ToVoice(pcm []byte) ([]float32, error) {
	samples, err := BytesToFloatSamples(pcm)
	if err != nil {
		return nil, err
	}
	c.warnOnce()
	mono, err := Downmix(samples, c.Hardware.Channels)
	if err != nil {
		return nil, err
	}
	return Resample(mono, c.Hardware.SampleRate, VoiceSampleRate), nil
}

// FromVoice converts mono voice-rate samples into PCM16 in the hardware
// format. Resampling happens before channel expansion.
func (c *FormatConverter) FromVoice(samples []float32) []byte {
	c.warnOnce()
	out := Resample(samples, VoiceSampleRate, c.Hardware.SampleRate)
	return FloatSamplesToBytes(Upmix(out, c.Hardware.Channels))
}

func (c *FormatConverter) warnOnce() {
	if c.Hardware == VoiceFormat || c.Hardware.SampleRate == 0 {
		return
	}
	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"hardware", c.Hardware.String(),
			"voice", VoiceFormat.String(),
		)
	})
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
