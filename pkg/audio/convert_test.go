package audio_test

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/airea/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestDecodePCM16(t *testing.T) {
	t.Parallel()
	src := append(samplesToBytes([]int16{100, -200, math.MinInt16, math.MaxInt16}), 0x7f)
	dst := make([]int16, 8)
	n := audio.DecodePCM16(dst, src)
	if n != 4 {
		t.Fatalf("decoded %d samples, want 4", n)
	}
	want := []int16{100, -200, math.MinInt16, math.MaxInt16}
	for i := range want {
		if dst[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, dst[i], want[i])
		}
	}
}

func TestDecodePCM16_ShortDestination(t *testing.T) {
	t.Parallel()
	dst := make([]int16, 2)
	if n := audio.DecodePCM16(dst, samplesToBytes([]int16{1, 2, 3})); n != 2 {
		t.Errorf("decoded %d samples, want 2", n)
	}
}

func TestEncodePCM16_RoundTrip(t *testing.T) {
	t.Parallel()
	in := []int16{0, 1, -1, 12345, math.MinInt16}
	buf := make([]byte, len(in)*2)
	if n := audio.EncodePCM16(buf, in); n != len(buf) {
		t.Fatalf("encoded %d bytes, want %d", n, len(buf))
	}
	out := make([]int16, len(in))
	audio.DecodePCM16(out, buf)
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d: got %d, want %d", i, out[i], in[i])
		}
	}
}

func TestDownmixToMono(t *testing.T) {
	t.Parallel()
	got := audio.DownmixToMono([]int16{100, 200, -100, -200, 32767, 32767}, 2)
	want := []int16{150, -150, 32767}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestDownmixToMono_Mono(t *testing.T) {
	t.Parallel()
	in := []int16{1, 2, 3}
	if got := audio.DownmixToMono(in, 1); len(got) != 3 {
		t.Errorf("mono input changed length to %d", len(got))
	}
}

func TestResampleMono16(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      int
		src     int
		dst     int
		wantLen int
	}{
		{"same rate", 480, 48000, 48000, 480},
		{"downsample 48k to 16k", 480, 48000, 16000, 160},
		{"upsample 8k to 16k", 80, 8000, 16000, 160},
		{"invalid rate", 10, 0, 16000, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := audio.ResampleMono16(make([]int16, tt.in), tt.src, tt.dst)
			if len(got) != tt.wantLen {
				t.Errorf("got %d samples, want %d", len(got), tt.wantLen)
			}
		})
	}
}

func TestResampleMono16_Interpolates(t *testing.T) {
	t.Parallel()
	got := audio.ResampleMono16([]int16{0, 1000}, 8000, 16000)
	want := []int16{0, 500, 1000, 1000}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestMeanAbs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   []int16
		want float64
	}{
		{"empty", nil, 0},
		{"silence", []int16{0, 0, 0, 0}, 0},
		{"mixed sign", []int16{100, -100, 200, -200}, 150},
		{"min int16", []int16{math.MinInt16, math.MinInt16}, 32768},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := audio.MeanAbs(tt.in); got != tt.want {
				t.Errorf("MeanAbs = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPeak(t *testing.T) {
	t.Parallel()
	peak, idx := audio.Peak([]int16{10, -300, 300, 5})
	if peak != 300 || idx != 1 {
		t.Errorf("Peak = (%d, %d), want (300, 1)", peak, idx)
	}
	peak, idx = audio.Peak(nil)
	if peak != 0 || idx != -1 {
		t.Errorf("Peak(nil) = (%d, %d), want (0, -1)", peak, idx)
	}
	peak, _ = audio.Peak([]int16{math.MinInt16})
	if peak != 32768 {
		t.Errorf("Peak(min int16) = %d, want 32768", peak)
	}
}

func TestDBFS(t *testing.T) {
	t.Parallel()
	if got := audio.DBFS(32768); got != 0 {
		t.Errorf("DBFS(full scale) = %v, want 0", got)
	}
	if got := audio.DBFS(0); got != -96 {
		t.Errorf("DBFS(0) = %v, want -96", got)
	}
	if got := audio.DBFS(16384); math.Abs(got-(-6.0206)) > 0.001 {
		t.Errorf("DBFS(half scale) = %v, want about -6.02", got)
	}
}

func TestClampInt16(t *testing.T) {
	t.Parallel()
	if got := audio.ClampInt16(40000); got != math.MaxInt16 {
		t.Errorf("ClampInt16(40000) = %d", got)
	}
	if got := audio.ClampInt16(-40000); got != math.MinInt16 {
		t.Errorf("ClampInt16(-40000) = %d", got)
	}
	if got := audio.ClampInt16(-5); got != -5 {
		t.Errorf("ClampInt16(-5) = %d", got)
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()
	f := audio.Format{SampleRate: 16000, Channels: 1, BlockSize: 512}
	if err := f.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := f.BlockDuration(); got != 32*time.Millisecond {
		t.Errorf("BlockDuration = %v, want 32ms", got)
	}
	if got := f.String(); got != "16000Hz mono/512" {
		t.Errorf("String = %q", got)
	}
	if err := (audio.Format{SampleRate: 16000, Channels: 2, BlockSize: 512}).Validate(); err == nil {
		t.Error("expected error for stereo format")
	}
	if err := (audio.Format{}).Validate(); err == nil {
		t.Error("expected error for zero format")
	}
}
