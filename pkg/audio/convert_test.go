package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/zeroscript/zeroscript/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestStereoToMono(t *testing.T) {
	stereo := samplesToBytes([]int16{100, 200, -100, -200})
	got := audio.BytesToInt16s(audio.StereoToMono(stereo))
	want := []int16{150, -150}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono_NoOverflow(t *testing.T) {
	stereo := samplesToBytes([]int16{32767, 32767, -32768, -32768})
	got := audio.BytesToInt16s(audio.StereoToMono(stereo))
	if got[0] != 32767 || got[1] != -32768 {
		t.Errorf("got %v, want [32767 -32768]", got)
	}
}

func TestResampleMono16(t *testing.T) {
	tests := []struct {
		name    string
		src     int
		dst     int
		samples int
		want    int
	}{
		{"same rate", 16000, 16000, 160, 160},
		{"downsample 48k", 48000, 16000, 480, 160},
		{"upsample 8k", 8000, 16000, 80, 160},
		{"zero dst", 16000, 0, 160, 160},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pcm := samplesToBytes(make([]int16, tc.samples))
			out := audio.ResampleMono16(pcm, tc.src, tc.dst)
			if got := len(out) / 2; got != tc.want {
				t.Errorf("samples = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestResampleMono16_Interpolates(t *testing.T) {
	pcm := samplesToBytes([]int16{0, 100})
	got := audio.BytesToInt16s(audio.ResampleMono16(pcm, 8000, 16000))
	want := []int16{0, 50, 100, 100}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestNormalizer(t *testing.T) {
	t.Run("passthrough", func(t *testing.T) {
		n := &audio.Normalizer{Source: audio.Mono16k, Target: audio.Mono16k}
		in := samplesToBytes([]int16{1, 2, 3})
		if out := n.Normalize(in); &out[0] != &in[0] {
			t.Error("expected the input slice to be returned unchanged")
		}
	})
	t.Run("stereo 32k to mono 16k", func(t *testing.T) {
		n := &audio.Normalizer{Source: audio.Format{SampleRate: 32000, Channels: 2}, Target: audio.Mono16k}
		out := n.Normalize(samplesToBytes(make([]int16, 640)))
		if got := len(out) / 2; got != 160 {
			t.Errorf("samples = %d, want 160", got)
		}
	})
	t.Run("odd byte count dropped", func(t *testing.T) {
		n := &audio.Normalizer{Source: audio.Mono16k, Target: audio.Mono16k}
		if out := n.Normalize([]byte{1, 2, 3}); out != nil {
			t.Errorf("expected nil, got %d bytes", len(out))
		}
	})
}

func TestFormatFrameBytes(t *testing.T) {
	if got := audio.Mono16k.FrameBytes(100_000_000); got != 3200 {
		t.Errorf("FrameBytes(100ms) = %d, want 3200", got)
	}
	if got := audio.Mono16k.String(); got != "16000Hz mono" {
		t.Errorf("String() = %q", got)
	}
}
