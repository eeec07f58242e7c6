package vad_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/earshot/pkg/audio"
	audiomock "github.com/MrWong99/earshot/pkg/audio/mock"
	"github.com/MrWong99/earshot/pkg/provider/vad"
	vadmock "github.com/MrWong99/earshot/pkg/provider/vad/mock"
)

// gain 1 and threshold 100 keep the arithmetic obvious in these tests.
func newTestAmplitude(opts ...vad.AmplitudeOption) *vad.Amplitude {
	base := []vad.AmplitudeOption{vad.WithGain(1), vad.WithThreshold(100)}
	return vad.NewAmplitude(append(base, opts...)...)
}

var (
	loud  = audiomock.Constant(2000, 500)
	quiet = audiomock.Constant(2000, 20)
	zero  = audiomock.Constant(2000, 0)
)

func TestMaxSilentFrames(t *testing.T) {
	t.Parallel()

	tests := []struct {
		delay float64
		want  int
	}{
		{delay: 4, want: 6},
		{delay: 3, want: 4},
		{delay: 1, want: 1},
		{delay: 0, want: 0},
	}
	for _, tt := range tests {
		if got := vad.MaxSilentFrames(tt.delay); got != tt.want {
			t.Errorf("MaxSilentFrames(%v) = %d, want %d", tt.delay, got, tt.want)
		}
	}
}

func TestAmplitude_SilenceLatchesExactlyOnce(t *testing.T) {
	t.Parallel()

	a := newTestAmplitude(vad.WithMaxSilentFrames(6))
	w := a.NewWindow(vad.WindowConfig{})
	ctx := context.Background()

	transitions := 0
	prev := false
	for i := range 20 {
		d := w.ProcessFrame(ctx, quiet)
		if d.IsSilence && !prev {
			transitions++
			if i != 6 {
				t.Errorf("silence declared at frame %d, want frame 6 (7th quiet frame)", i)
			}
		}
		if prev && !d.IsSilence {
			t.Fatalf("silence un-latched at frame %d", i)
		}
		prev = d.IsSilence
	}
	if transitions != 1 {
		t.Errorf("silence transitions = %d, want 1", transitions)
	}
	if !w.State().IsSilence {
		t.Error("State() should report the latched silence")
	}
}

func TestAmplitude_LatchIgnoresLaterSpeech(t *testing.T) {
	t.Parallel()

	a := newTestAmplitude(vad.WithMaxSilentFrames(0))
	w := a.NewWindow(vad.WindowConfig{})
	ctx := context.Background()

	if d := w.ProcessFrame(ctx, quiet); !d.IsSilence {
		t.Fatal("expected silence after one quiet frame with limit 0")
	}
	d := w.ProcessFrame(ctx, loud)
	if !d.IsSilence || d.SpeechDetected {
		t.Errorf("after latch got %+v, want silence without speech", d)
	}
}

func TestAmplitude_GraceNeverDeclaresSilence(t *testing.T) {
	t.Parallel()

	a := newTestAmplitude(vad.WithMaxSilentFrames(0), vad.WithGraceFrames(3))
	w := a.NewWindow(vad.WindowConfig{})
	ctx := context.Background()

	if d := w.ProcessFrame(ctx, loud); !d.Speech || !d.SpeechDetected {
		t.Fatalf("loud frame: %+v", d)
	}
	for i := range 3 {
		d := w.ProcessFrame(ctx, quiet)
		if d.IsSilence {
			t.Fatalf("silence declared during grace frame %d", i)
		}
		if d.SilentFrames != 0 {
			t.Errorf("grace frame %d counted as silent", i)
		}
	}
	if d := w.ProcessFrame(ctx, quiet); !d.IsSilence {
		t.Errorf("expected silence once grace is spent: %+v", d)
	}
}

func TestAmplitude_SpeechResetsCounters(t *testing.T) {
	t.Parallel()

	a := newTestAmplitude(vad.WithMaxSilentFrames(6), vad.WithGraceFrames(0))
	w := a.NewWindow(vad.WindowConfig{})
	ctx := context.Background()

	for range 5 {
		w.ProcessFrame(ctx, quiet)
	}
	if got := w.State().SilentFrames; got != 5 {
		t.Fatalf("silent frames = %d, want 5", got)
	}
	d := w.ProcessFrame(ctx, loud)
	if d.SilentFrames != 0 {
		t.Errorf("silent frames after speech = %d, want 0", d.SilentFrames)
	}
}

func TestAmplitude_ZeroFramesAreQuiet(t *testing.T) {
	t.Parallel()

	a := newTestAmplitude(vad.WithMaxSilentFrames(2), vad.WithGraceFrames(0))
	w := a.NewWindow(vad.WindowConfig{})
	ctx := context.Background()

	var d vad.Decision
	for range 3 {
		d = w.ProcessFrame(ctx, zero)
	}
	if !d.IsSilence || d.SpeechDetected {
		t.Errorf("zero frames: %+v, want silence without speech", d)
	}
}

func TestAmplitude_OnSpeechFiresOncePerWindow(t *testing.T) {
	t.Parallel()

	a := newTestAmplitude()
	calls := 0
	ctx := context.Background()

	w := a.NewWindow(vad.WindowConfig{OnSpeech: func() { calls++ }})
	w.ProcessFrame(ctx, loud)
	w.ProcessFrame(ctx, quiet)
	w.ProcessFrame(ctx, loud)
	if calls != 1 {
		t.Errorf("OnSpeech calls = %d, want 1", calls)
	}

	w2 := a.NewWindow(vad.WindowConfig{OnSpeech: func() { calls++ }})
	w2.ProcessFrame(ctx, loud)
	if calls != 2 {
		t.Errorf("OnSpeech calls after second window = %d, want 2", calls)
	}
}

func TestAmplitude_FreshWindowState(t *testing.T) {
	t.Parallel()

	a := newTestAmplitude(vad.WithMaxSilentFrames(1))
	ctx := context.Background()
	w := a.NewWindow(vad.WindowConfig{})
	w.ProcessFrame(ctx, loud)
	for range 10 {
		w.ProcessFrame(ctx, quiet)
	}
	if !w.State().IsSilence {
		t.Fatal("first window should be silent")
	}

	st := a.NewWindow(vad.WindowConfig{}).State()
	if st.IsSilence || st.SpeechDetected || st.SilentFrames != 0 {
		t.Errorf("new window state = %+v, want zero", st)
	}
}

func TestAmplitude_GainAndThreshold(t *testing.T) {
	t.Parallel()

	a := vad.NewAmplitude(vad.WithThreshold(100))
	if a.Gain() != vad.DefaultGain {
		t.Errorf("Gain = %v, want %v", a.Gain(), vad.DefaultGain)
	}
	ctx := context.Background()
	// 30 * 4 = 120 > 100.
	if d := a.NewWindow(vad.WindowConfig{}).ProcessFrame(ctx, audiomock.Constant(100, 30)); !d.Speech {
		t.Errorf("amplified frame should be speech: %+v", d)
	}

	a.SetThreshold(200)
	if a.Threshold() != 200 {
		t.Errorf("Threshold = %v, want 200", a.Threshold())
	}
	if d := a.NewWindow(vad.WindowConfig{}).ProcessFrame(ctx, audiomock.Constant(100, 30)); d.Speech {
		t.Errorf("frame below raised threshold should be quiet: %+v", d)
	}
	a.SetThreshold(-1)
	if a.Threshold() != 200 {
		t.Error("non-positive threshold should be ignored")
	}
}

func TestModel_TimestampsDriveCounters(t *testing.T) {
	t.Parallel()

	speech := vadmock.ModelResult{Segments: []vad.Segment{{Start: 0, End: 0.1}}}
	model := &vadmock.Model{Results: []vadmock.ModelResult{speech, {}, {}, speech, {}, {}, {}}}
	e := vad.NewModel(model, newTestAmplitude(vad.WithMaxSilentFrames(2)))
	w := e.NewWindow(vad.WindowConfig{})
	ctx := context.Background()

	wantSilent := []int{0, 1, 2, 0, 1, 2, 3}
	for i, want := range wantSilent {
		d := w.ProcessFrame(ctx, zero)
		if d.Method != vad.MethodModel {
			t.Errorf("frame %d method = %q", i, d.Method)
		}
		if d.SilentFrames != want {
			t.Errorf("frame %d silent = %d, want %d", i, d.SilentFrames, want)
		}
	}
	if !w.State().IsSilence {
		t.Error("expected silence after exceeding the limit")
	}
}

func TestModel_FallbackSharesWindowState(t *testing.T) {
	t.Parallel()

	boom := errors.New("onnx runtime failure")
	model := &vadmock.Model{Results: []vadmock.ModelResult{
		{},
		{},
		{Err: boom},
		{Err: boom},
	}}
	var modelErrs int
	e := vad.NewModel(model, newTestAmplitude(vad.WithMaxSilentFrames(10), vad.WithGraceFrames(0)),
		vad.WithOnModelError(func(error) { modelErrs++ }))
	w := e.NewWindow(vad.WindowConfig{})
	ctx := context.Background()

	w.ProcessFrame(ctx, zero)
	w.ProcessFrame(ctx, zero)
	d := w.ProcessFrame(ctx, quiet)
	if d.Method != vad.MethodAmplitude {
		t.Errorf("method = %q, want amplitude fallback", d.Method)
	}
	if d.SilentFrames != 3 {
		t.Errorf("silent = %d, want 3 (counter continued across fallback)", d.SilentFrames)
	}
	d = w.ProcessFrame(ctx, loud)
	if !d.Speech || d.SilentFrames != 0 {
		t.Errorf("fallback speech frame: %+v", d)
	}
	if modelErrs != 2 {
		t.Errorf("model error hook calls = %d, want 2", modelErrs)
	}
}

func TestModel_ResamplesToModelRate(t *testing.T) {
	t.Parallel()

	model := &vadmock.Model{}
	e := vad.NewModel(model, newTestAmplitude())
	w := e.NewWindow(vad.WindowConfig{})
	w.ProcessFrame(context.Background(), audio.AudioFrame{Samples: make([]int16, 4410), SampleRate: 44100, Channels: 1})

	calls := model.Calls()
	if len(calls) != 1 || calls[0] != 1600 {
		t.Errorf("model calls = %v, want one call with 1600 samples", calls)
	}
}

func TestModel_OnSpeechAndThreshold(t *testing.T) {
	t.Parallel()

	speech := vadmock.ModelResult{Segments: []vad.Segment{{End: 0.1}}}
	model := &vadmock.Model{Default: speech}
	amp := newTestAmplitude()
	e := vad.NewModel(model, amp)

	calls := 0
	w := e.NewWindow(vad.WindowConfig{OnSpeech: func() { calls++ }})
	w.ProcessFrame(context.Background(), zero)
	w.ProcessFrame(context.Background(), zero)
	if calls != 1 {
		t.Errorf("OnSpeech calls = %d, want 1", calls)
	}

	e.SetThreshold(42)
	if amp.Threshold() != 42 || e.Threshold() != 42 {
		t.Error("SetThreshold should reach the fallback engine")
	}
}
