package audio_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

func TestRMS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		samples []int16
		want    float64
		wantOK  bool
	}{
		{name: "empty", samples: nil, wantOK: false},
		{name: "all zeros", samples: make([]int16, 100), wantOK: false},
		{name: "constant", samples: []int16{100, -100, 100, -100}, want: 100, wantOK: true},
		{name: "clipped", samples: []int16{32767, -32768}, want: 32000, wantOK: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := audio.RMS(tt.samples)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("RMS = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAmplify_Saturates(t *testing.T) {
	t.Parallel()

	in := []int16{10, -10, 20000, -20000}
	got := audio.Amplify(in, 4)
	want := []int16{40, -40, 32767, -32768}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
	if in[0] != 10 {
		t.Error("Amplify modified its input")
	}
}

func TestFrame_Duration(t *testing.T) {
	t.Parallel()

	f := audio.AudioFrame{Samples: make([]int16, 2000), SampleRate: 16000, Channels: 1}
	if got := f.Duration(); got != 125*time.Millisecond {
		t.Errorf("Duration = %v, want 125ms", got)
	}
	if got := (audio.AudioFrame{}).Duration(); got != 0 {
		t.Errorf("zero frame Duration = %v, want 0", got)
	}
}

func TestBytesRoundTrip(t *testing.T) {
	t.Parallel()

	in := []int16{0, 1, -1, 32767, -32768}
	out := audio.FromBytes(audio.Bytes(in))
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d = %d, want %d", i, out[i], in[i])
		}
	}
}

func TestFloat32_Range(t *testing.T) {
	t.Parallel()

	got := audio.Float32([]int16{-32768, 0, 16384})
	if got[0] != -1 || got[1] != 0 || got[2] != 0.5 {
		t.Errorf("Float32 = %v", got)
	}
}

func TestDecibels(t *testing.T) {
	t.Parallel()

	if got := audio.Decibels(100); math.Abs(got-40) > 1e-9 {
		t.Errorf("Decibels(100) = %v, want 40", got)
	}
	if got := audio.Decibels(0); !math.IsInf(got, -1) {
		t.Errorf("Decibels(0) = %v, want -Inf", got)
	}
}

func TestTone(t *testing.T) {
	t.Parallel()

	tone := audio.Tone(1200, 100*time.Millisecond, 44100, 0.8)
	if len(tone.Samples) != 4410 {
		t.Fatalf("samples = %d, want 4410", len(tone.Samples))
	}
	if tone.Samples[0] != 0 {
		t.Errorf("first sample = %d, want faded-in 0", tone.Samples[0])
	}
	level, ok := tone.RMS()
	if !ok || level < 1000 {
		t.Errorf("tone RMS = %v, want audible level", level)
	}
	var peak int16
	for _, s := range tone.Samples {
		peak = max(peak, s)
	}
	if float64(peak) > 0.8*math.MaxInt16+1 {
		t.Errorf("peak %d exceeds volume", peak)
	}
}

func TestDeviceError(t *testing.T) {
	t.Parallel()

	base := errors.New("no default input device")
	err := error(&audio.DeviceError{Op: "open stream", Err: base})
	if !errors.Is(err, base) {
		t.Error("DeviceError should unwrap to the driver error")
	}
	var de *audio.DeviceError
	if !errors.As(err, &de) || de.Op != "open stream" {
		t.Errorf("errors.As failed: %v", err)
	}
	if got := err.Error(); got != "audio: open stream: no default input device" {
		t.Errorf("Error() = %q", got)
	}
}
