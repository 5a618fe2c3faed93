package audio

import "time"

// Voice channel constants. Every frame that crosses the engine boundary (mic
// data handed to callers, PCM accepted for playback) uses this format.
const (
	// VoiceSampleRate is the wire sample rate in Hz.
	VoiceSampleRate = 16000

	// VoiceChannels is the wire channel count (mono).
	VoiceChannels = 1

	// BytesPerSample is the size of one PCM16 sample.
	BytesPerSample = 2
)

// VoiceFormat is the [Format] of the wire form.
var VoiceFormat = Format{SampleRate: VoiceSampleRate, Channels: VoiceChannels}

// Frame is a single buffer of audio in wire form: signed 16-bit little-endian
// PCM. Frames are treated as immutable once handed to another component; a
// consumer that needs to modify the data copies it first.
type Frame struct {
	// PCM audio data.
	Data []byte

	// SampleRate in Hz (16000 for the voice channel).
	SampleRate int

	// Channels: 1 for the voice channel; hardware streams may carry more.
	Channels int

	// Timestamp marks when this frame was captured or enqueued, relative to
	// the start of the owning stream.
	Timestamp time.Duration
}

// Format returns the frame's sample rate and channel count.
func (f Frame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Samples returns the number of samples per channel carried by the frame.
func (f Frame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / (BytesPerSample * f.Channels)
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}
