package bridge

import (
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/twowayaudio/pkg/audio"
)

// Codec names accepted by [Config].
const (
	CodecPCM  = "pcm"
	CodecOpus = "opus"
)

const (
	// opusFrameSamples is one 20 ms Opus frame of voice audio.
	opusFrameSamples = audio.VoiceSampleRate * 20 / 1000 // 320
	opusFrameBytes   = opusFrameSamples * audio.BytesPerSample

	// opusMaxDecode is the longest frame Opus can carry (120 ms).
	opusMaxDecode = audio.VoiceSampleRate * 120 / 1000

	opusMaxPacket = 4000
)

// codec converts between engine PCM and wire payloads. A codec carries state
// across calls and belongs to a single connection.
type codec interface {
	format() audioFormat
	encode(pcm []byte) ([][]byte, error)
	decode(payload []byte) ([]byte, error)
}

func newCodec(name string) (codec, error) {
	switch name {
	case "", CodecPCM:
		return pcmCodec{}, nil
	case CodecOpus:
		return newOpusCodec()
	default:
		return nil, fmt.Errorf("bridge: unknown codec %q", name)
	}
}

// pcmCodec sends engine buffers unchanged.
type pcmCodec struct{}

func (pcmCodec) format() audioFormat {
	return audioFormat{Type: "raw", Encoding: "pcm_s16le", SampleRate: audio.VoiceSampleRate}
}

func (pcmCodec) encode(pcm []byte) ([][]byte, error) { return [][]byte{pcm}, nil }

func (pcmCodec) decode(payload []byte) ([]byte, error) {
	if err := audio.ValidatePCM16(payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// opusCodec re-chunks engine buffers into 20 ms frames and encodes each as
// one Opus packet.
type opusCodec struct {
	enc     *gopus.Encoder
	dec     *gopus.Decoder
	pending []byte
}

func newOpusCodec() (*opusCodec, error) {
	enc, err := gopus.NewEncoder(audio.VoiceSampleRate, audio.VoiceChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("bridge: create opus encoder: %w", err)
	}
	dec, err := gopus.NewDecoder(audio.VoiceSampleRate, audio.VoiceChannels)
	if err != nil {
		return nil, fmt.Errorf("bridge: create opus decoder: %w", err)
	}
	return &opusCodec{enc: enc, dec: dec}, nil
}

func (c *opusCodec) format() audioFormat {
	return audioFormat{Type: "opus", SampleRate: audio.VoiceSampleRate}
}

// encode returns zero or more packets; a partial frame waits for the next
// call.
func (c *opusCodec) encode(pcm []byte) ([][]byte, error) {
	c.pending = append(c.pending, pcm...)
	var packets [][]byte
	for len(c.pending) >= opusFrameBytes {
		pkt, err := c.enc.Encode(bytesToInt16s(c.pending[:opusFrameBytes]), opusFrameSamples, opusMaxPacket)
		if err != nil {
			return packets, fmt.Errorf("bridge: opus encode: %w", err)
		}
		packets = append(packets, pkt)
		c.pending = c.pending[opusFrameBytes:]
	}
	// Keep the remainder at the front of a fresh array.
	c.pending = append([]byte(nil), c.pending...)
	return packets, nil
}

func (c *opusCodec) decode(payload []byte) ([]byte, error) {
	pcm, err := c.dec.Decode(payload, opusMaxDecode, false)
	if err != nil {
		return nil, fmt.Errorf("bridge: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*audio.BytesPerSample)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/audio.BytesPerSample)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return pcm
}
