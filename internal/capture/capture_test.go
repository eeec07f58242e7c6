package capture_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/MrWong99/earshot/internal/capture"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/mock"
	"github.com/MrWong99/earshot/pkg/provider/vad"
)

func loud(n int) []mock.Step  { return mock.Repeat(mock.Constant(2000, 1000), n) }
func quiet(n int) []mock.Step { return mock.Repeat(mock.Constant(2000, 0), n) }

func concat(parts ...[]mock.Step) []mock.Step {
	var out []mock.Step
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestRecord_EndsOnSilence(t *testing.T) {
	t.Parallel()

	src := &mock.Source{Frames: concat(quiet(2), loud(3), quiet(20))}
	r := capture.New(vad.NewAmplitude())

	var onSpeech int
	res, err := r.Record(context.Background(), src, capture.Window{OnSpeech: func() { onSpeech++ }, Language: "nl"})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if res.End != capture.EndSilence {
		t.Errorf("End = %v, want silence", res.End)
	}
	// 2 quiet + 3 loud + 3 grace + 7 silent.
	if res.Recording.Frames != 15 {
		t.Errorf("Frames = %d, want 15", res.Recording.Frames)
	}
	if !res.Recording.SpeechDetected {
		t.Error("SpeechDetected = false")
	}
	if got := len(res.Recording.Samples); got != 13*2000 {
		t.Errorf("samples = %d, want %d (from first speech on)", got, 13*2000)
	}
	if onSpeech != 1 {
		t.Errorf("OnSpeech calls = %d, want 1", onSpeech)
	}
	if res.Recording.Language != "nl" || res.Recording.SampleRate != 16000 {
		t.Errorf("recording = %+v", res.Recording)
	}
	if sizes := src.FrameSizes(); len(sizes) != 1 || sizes[0] != capture.DefaultFrameSamples {
		t.Errorf("frame sizes = %v", sizes)
	}
}

func TestRecord_NoSpeech(t *testing.T) {
	t.Parallel()

	src := &mock.Source{Tail: mock.Constant(2000, 0)}
	res, err := capture.New(vad.NewAmplitude()).Record(context.Background(), src, capture.Window{})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if res.Recording.SpeechDetected || !res.Recording.Empty() {
		t.Errorf("recording = %+v, want empty", res.Recording)
	}
	if res.Recording.Frames != 7 {
		t.Errorf("Frames = %d, want 7", res.Recording.Frames)
	}
}

func TestRecord_CapsAtMaxFrames(t *testing.T) {
	t.Parallel()

	src := &mock.Source{Tail: mock.Constant(2000, 1000)}
	r := capture.New(vad.NewAmplitude(), capture.WithMaxFrames(10))
	res, err := r.Record(context.Background(), src, capture.Window{})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if res.End != capture.EndCap || res.Recording.Frames != 10 {
		t.Errorf("End = %v after %d frames, want cap after 10", res.End, res.Recording.Frames)
	}
	if src.Reads() != 10 {
		t.Errorf("reads = %d, want 10", src.Reads())
	}
	if r.MaxDuration(16000) != 1250*time.Millisecond {
		t.Errorf("MaxDuration = %v", r.MaxDuration(16000))
	}
}

func TestRecord_ReadErrorsRetried(t *testing.T) {
	t.Parallel()

	boom := errors.New("input overflowed")
	steps := concat(loud(1), []mock.Step{{Err: boom}, {Err: boom}}, loud(1), quiet(20))
	res, err := capture.New(vad.NewAmplitude()).Record(context.Background(), &mock.Source{Frames: steps}, capture.Window{})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if res.ReadErrors != 2 || res.End != capture.EndSilence || !res.Recording.SpeechDetected {
		t.Errorf("result = %+v", res)
	}
}

func TestRecord_AbandonedWhenBudgetExhaustedByErrors(t *testing.T) {
	t.Parallel()

	steps := loud(2)
	for range 10 {
		steps = append(steps, mock.Step{Err: errors.New("device hiccup")})
	}
	r := capture.New(vad.NewAmplitude(), capture.WithMaxFrames(8))
	res, err := r.Record(context.Background(), &mock.Source{Frames: steps}, capture.Window{})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if res.End != capture.EndAbandoned {
		t.Errorf("End = %v, want abandoned", res.End)
	}
	if !res.Recording.Empty() {
		t.Error("abandoned window must read as no speech")
	}
}

func TestRecord_StopCheck(t *testing.T) {
	t.Parallel()

	src := &mock.Source{Tail: mock.Constant(2000, 1000)}
	reads := 0
	stop := func() bool { return reads >= 3 }
	src.OnRead = func(int) { reads++ }

	res, err := capture.New(vad.NewAmplitude()).Record(context.Background(), src, capture.Window{Stopped: stop})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if res.End != capture.EndStopped || res.Recording.Frames != 3 {
		t.Errorf("End = %v after %d frames, want stopped after 3", res.End, res.Recording.Frames)
	}
}

func TestRecord_BetweenFramesHook(t *testing.T) {
	t.Parallel()

	var calls int
	src := &mock.Source{Frames: concat(loud(1), quiet(10))}
	res, err := capture.New(vad.NewAmplitude()).Record(context.Background(), src, capture.Window{BetweenFrames: func() { calls++ }})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if calls != res.Recording.Frames {
		t.Errorf("hook calls = %d, want %d", calls, res.Recording.Frames)
	}
}

func TestRecord_SourceErrors(t *testing.T) {
	t.Parallel()

	r := capture.New(vad.NewAmplitude())
	if _, err := r.Record(context.Background(), &mock.Source{}, capture.Window{}); !errors.Is(err, audio.ErrClosed) {
		t.Errorf("closed source: err = %v", err)
	}
	eof := &mock.Source{Frames: []mock.Step{{Err: io.EOF}}}
	if _, err := r.Record(context.Background(), eof, capture.Window{}); !errors.Is(err, io.EOF) {
		t.Errorf("exhausted source: err = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Record(ctx, &mock.Source{Tail: mock.Constant(2000, 1)}, capture.Window{}); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled: err = %v", err)
	}
}

func TestRecord_DownmixesStereo(t *testing.T) {
	t.Parallel()

	stereo := audio.AudioFrame{Samples: make([]int16, 4000), SampleRate: 16000, Channels: 2}
	for i := range stereo.Samples {
		stereo.Samples[i] = 1000
	}
	steps := concat([]mock.Step{{Frame: stereo}}, quiet(20))
	res, err := capture.New(vad.NewAmplitude()).Record(context.Background(), &mock.Source{Frames: steps}, capture.Window{})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if res.Recording.Samples[0] != 1000 || len(res.Recording.Samples) != 2000+10*2000 {
		t.Errorf("samples = %d, first %d", len(res.Recording.Samples), res.Recording.Samples[0])
	}
}

func TestEnd_String(t *testing.T) {
	t.Parallel()

	for e, want := range map[capture.End]string{
		capture.EndSilence:   "silence",
		capture.EndCap:       "cap",
		capture.EndStopped:   "stopped",
		capture.EndAbandoned: "abandoned",
		capture.End(9):       "End(9)",
	} {
		if got := e.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}
