package audio

import (
	"math"
	"time"

	"github.com/mjibson/go-dsp/window"
)

// fadeFraction is the share of a tone's length spent fading in and out.
const fadeFraction = 0.1

// Tone synthesises a mono sine burst at freq Hz. volume is in [0, 1]. The
// attack and release are shaped with the halves of a Hann window so that the
// indicator does not click.
func Tone(freq float64, d time.Duration, sampleRate int, volume float64) AudioFrame {
	n := int(float64(sampleRate) * d.Seconds())
	if n <= 0 || sampleRate <= 0 {
		return AudioFrame{SampleRate: sampleRate, Channels: 1}
	}
	volume = math.Max(0, math.Min(1, volume))

	env := make([]float64, n)
	for i := range env {
		env[i] = 1
	}
	fade := int(float64(n) * fadeFraction)
	if fade > 1 {
		hann := window.Hann(2 * fade)
		for i := range fade {
			env[i] = hann[i]
			env[n-1-i] = hann[i]
		}
	}

	samples := make([]int16, n)
	for i := range samples {
		t := float64(i) / float64(sampleRate)
		v := math.Sin(2*math.Pi*freq*t) * volume * env[i]
		samples[i] = saturate(v * math.MaxInt16)
	}
	return AudioFrame{Samples: samples, SampleRate: sampleRate, Channels: 1}
}
