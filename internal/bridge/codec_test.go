package bridge

import (
	"bytes"
	"testing"
)

func TestNewCodec(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"", CodecPCM, CodecOpus} {
		if _, err := newCodec(name); err != nil {
			t.Errorf("newCodec(%q): %v", name, err)
		}
	}
	if _, err := newCodec("flac"); err == nil {
		t.Error("newCodec(flac): want error")
	}
}

func TestPCMCodec(t *testing.T) {
	t.Parallel()

	c := pcmCodec{}
	in := []byte{1, 2, 3, 4}
	packets, err := c.encode(in)
	if err != nil || len(packets) != 1 || !bytes.Equal(packets[0], in) {
		t.Fatalf("encode = %v, %v", packets, err)
	}
	if _, err := c.decode([]byte{1, 2, 3}); err == nil {
		t.Error("decode of odd-length payload: want error")
	}
}

func TestOpusCodec_Chunks(t *testing.T) {
	t.Parallel()

	c, err := newOpusCodec()
	if err != nil {
		t.Fatalf("newOpusCodec: %v", err)
	}
	if f := c.format(); f.Type != "opus" || f.SampleRate != 16000 {
		t.Errorf("format = %+v", f)
	}

	// 700 bytes: one frame plus 60 bytes carried over.
	packets, err := c.encode(make([]byte, 700))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("packets = %d, want 1", len(packets))
	}
	if len(c.pending) != 60 {
		t.Errorf("pending = %d bytes, want 60", len(c.pending))
	}

	packets, err = c.encode(make([]byte, opusFrameBytes-60))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(packets) != 1 || len(c.pending) != 0 {
		t.Errorf("packets = %d pending = %d, want 1 and 0", len(packets), len(c.pending))
	}

	pcm, err := c.decode(packets[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(pcm) != opusFrameBytes {
		t.Errorf("decoded %d bytes, want %d", len(pcm), opusFrameBytes)
	}
}

func TestSampleConversion(t *testing.T) {
	t.Parallel()

	samples := []int16{0, 1, -1, 32767, -32768}
	if got := bytesToInt16s(int16sToBytes(samples)); len(got) != len(samples) {
		t.Fatalf("len = %d", len(got))
	} else {
		for i := range samples {
			if got[i] != samples[i] {
				t.Errorf("sample %d = %d, want %d", i, got[i], samples[i])
			}
		}
	}
}
