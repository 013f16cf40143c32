package whisper

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestFloatMono_Empty(t *testing.T) {
	if out := floatMono(nil, 1); len(out) != 0 {
		t.Fatalf("expected 0 samples, got %d", len(out))
	}
}

func TestFloatMono_FullScale(t *testing.T) {
	tests := []struct {
		name  string
		value int16
		want  float32
	}{
		{"max positive", 32767, 32767.0 / 32768.0},
		{"max negative", -32768, -1.0},
		{"zero", 0, 0.0},
		{"mid positive", 16384, 0.5},
		{"mid negative", -16384, -0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pcm := make([]byte, 2)
			binary.LittleEndian.PutUint16(pcm, uint16(tt.value))
			out := floatMono(pcm, 1)
			if len(out) != 1 {
				t.Fatalf("expected 1 sample, got %d", len(out))
			}
			if math.Abs(float64(out[0]-tt.want)) > 1e-6 {
				t.Errorf("sample = %f; want %f", out[0], tt.want)
			}
		})
	}
}

func TestFloatMono_MultipleSamples(t *testing.T) {
	values := []int16{0, 100, -100, 32767, -32768}
	pcm := make([]byte, len(values)*2)
	for i, v := range values {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	out := floatMono(pcm, 1)
	if len(out) != len(values) {
		t.Fatalf("expected %d samples, got %d", len(values), len(out))
	}
	for i, v := range values {
		want := float32(v) / 32768.0
		if math.Abs(float64(out[i]-want)) > 1e-6 {
			t.Errorf("sample[%d] = %f; want %f", i, out[i], want)
		}
	}
}

func TestFloatMono_StereoDownmix(t *testing.T) {
	// One stereo frame: left = 16384 (0.5), right = -16384 (-0.5) → mean 0.
	pcm := make([]byte, 4)
	left, right := int16(16384), int16(-16384)
	binary.LittleEndian.PutUint16(pcm[0:], uint16(left))
	binary.LittleEndian.PutUint16(pcm[2:], uint16(right))

	out := floatMono(pcm, 2)
	if len(out) != 1 {
		t.Fatalf("expected 1 mono frame, got %d", len(out))
	}
	if math.Abs(float64(out[0])) > 1e-6 {
		t.Errorf("downmixed sample = %f; want 0", out[0])
	}
}

func TestFloatMono_TrailingPartialFrameIgnored(t *testing.T) {
	// 3 bytes for stereo input: not even one full frame.
	out := floatMono([]byte{0x01, 0x02, 0x03}, 2)
	if len(out) != 0 {
		t.Fatalf("expected 0 frames, got %d", len(out))
	}
}

func TestFloatMono_ZeroChannelsTreatedAsMono(t *testing.T) {
	pcm := make([]byte, 2)
	binary.LittleEndian.PutUint16(pcm, uint16(int16(16384)))
	out := floatMono(pcm, 0)
	if len(out) != 1 || math.Abs(float64(out[0]-0.5)) > 1e-6 {
		t.Errorf("floatMono(pcm, 0) = %v; want [0.5]", out)
	}
}
