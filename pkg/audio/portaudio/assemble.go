package portaudio

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

// chunkReader fills a fixed buffer with the next block of device samples.
// *portaudio.Stream satisfies it.
type chunkReader interface {
	Read() error
}

// assembler cuts a stream of fixed-size device chunks into frames of any
// size. Samples left over from the last chunk are kept in carry and start the
// next frame, so consecutive frames are gapless. It is not safe for
// concurrent use; Source guards it with its mutex.
type assembler struct {
	src    chunkReader
	chunk  []int16 // buffer src writes into
	carry  []int16
	native audio.Format
	conv   *audio.Converter // nil when native is already the target format
	target audio.Format

	// emitted counts native samples handed out so far.
	emitted int64
}

// nativeSamples returns how many device samples make up want target samples.
// It rounds up so that resampling never comes up short.
func (a *assembler) nativeSamples(want int) int {
	if a.native.SampleRate == a.target.SampleRate || a.target.SampleRate <= 0 {
		return want
	}
	n := int64(want) * int64(a.native.SampleRate)
	t := int64(a.target.SampleRate)
	return int((n + t - 1) / t)
}

// frame returns the next want samples in the target format. On error any
// samples read so far stay in carry for the next call.
func (a *assembler) frame(ctx context.Context, want int) (audio.AudioFrame, error) {
	need := a.nativeSamples(want)
	for len(a.carry) < need {
		if err := ctx.Err(); err != nil {
			return audio.AudioFrame{}, err
		}
		if err := a.src.Read(); err != nil {
			return audio.AudioFrame{}, fmt.Errorf("portaudio: read: %w", err)
		}
		a.carry = append(a.carry, a.chunk...)
	}

	samples := make([]int16, need)
	copy(samples, a.carry)
	a.carry = append(a.carry[:0], a.carry[need:]...)

	rate := max(int64(a.native.SampleRate), 1)
	frame := audio.AudioFrame{
		Samples:    samples,
		SampleRate: a.native.SampleRate,
		Channels:   1,
		Timestamp: time.Duration(a.emitted/rate)*time.Second +
			time.Duration(a.emitted%rate)*time.Second/time.Duration(rate),
	}
	a.emitted += int64(need)
	if a.conv != nil {
		frame = a.conv.Convert(frame)
		if len(frame.Samples) > want {
			frame.Samples = frame.Samples[:want]
		}
	}
	return frame, nil
}
