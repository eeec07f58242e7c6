package calibrate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/MrWong99/earshot/internal/calibrate"
	"github.com/MrWong99/earshot/pkg/audio/mock"
)

func levels(vs ...int) []mock.Step {
	steps := make([]mock.Step, 0, len(vs))
	for _, v := range vs {
		steps = append(steps, mock.Step{Frame: mock.Constant(4000, int16(v))})
	}
	return steps
}

func TestCompute_ThresholdAtLeastFloorAndMedian(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		levels []float64
		margin float64
	}{
		{name: "quiet room", levels: []float64{1, 1.2, 0.9, 1.1, 1}, margin: 3.5},
		{name: "noisy room", levels: []float64{120, 130, 125, 128, 122}, margin: 3.5},
		{name: "single outlier", levels: []float64{50, 51, 52, 49, 50, 900}, margin: 3.5},
		{name: "tiny margin", levels: []float64{40, 60, 80, 100}, margin: 0.1},
		{name: "one sample", levels: []float64{7}, margin: 3.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := calibrate.New(calibrate.WithMargin(tt.margin))
			p := c.Compute(tt.levels)
			if p.Threshold < calibrate.Floor {
				t.Errorf("Threshold = %v, below floor %v", p.Threshold, calibrate.Floor)
			}
			if p.Threshold < p.Median {
				t.Errorf("Threshold = %v, below median %v", p.Threshold, p.Median)
			}
			if p.Fallback {
				t.Error("Fallback = true for measured levels")
			}
		})
	}
}

func TestCompute_FiltersOutliers(t *testing.T) {
	t.Parallel()

	c := calibrate.New()
	p := c.Compute([]float64{50, 51, 52, 49, 50, 900})
	if p.WakeThreshold != 52 {
		t.Errorf("WakeThreshold = %v, want 52 (outlier excluded)", p.WakeThreshold)
	}
	if p.Threshold != 52*calibrate.DefaultMargin {
		t.Errorf("Threshold = %v, want %v", p.Threshold, 52*calibrate.DefaultMargin)
	}
}

func TestCompute_Percentiles(t *testing.T) {
	t.Parallel()

	p := calibrate.New().Compute([]float64{4, 1, 3, 2})
	if p.Q1 != 1.75 || p.Q3 != 3.25 {
		t.Errorf("Q1/Q3 = %v/%v, want 1.75/3.25", p.Q1, p.Q3)
	}
	if p.Median != 2.5 {
		t.Errorf("Median = %v, want 2.5", p.Median)
	}
}

func TestCompute_EmptyFallsBackToFloor(t *testing.T) {
	t.Parallel()

	p := calibrate.New(calibrate.WithFloor(25)).Compute(nil)
	if !p.Fallback || p.Threshold != 25 {
		t.Errorf("got %+v, want fallback at 25", p)
	}
}

func TestCalibrate_MeasuresFrames(t *testing.T) {
	t.Parallel()

	src := &mock.Source{Frames: levels(100, 100, 100, 100, 100)}
	c := calibrate.New(calibrate.WithFrames(5), calibrate.WithInterval(0))
	p, err := c.Calibrate(context.Background(), src)
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if p.Samples != 5 {
		t.Errorf("Samples = %d, want 5", p.Samples)
	}
	if p.Threshold != 350 {
		t.Errorf("Threshold = %v, want 350", p.Threshold)
	}
	if sizes := src.FrameSizes(); len(sizes) != 1 || sizes[0] != calibrate.DefaultFrameSamples {
		t.Errorf("frame sizes = %v, want [%d]", sizes, calibrate.DefaultFrameSamples)
	}
}

func TestCalibrate_GainScalesLevels(t *testing.T) {
	t.Parallel()

	src := &mock.Source{Frames: levels(100, 100, 100)}
	c := calibrate.New(calibrate.WithFrames(3), calibrate.WithInterval(0), calibrate.WithGain(4))
	p, err := c.Calibrate(context.Background(), src)
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if p.WakeThreshold != 400 {
		t.Errorf("WakeThreshold = %v, want 400", p.WakeThreshold)
	}
}

func TestCalibrate_SkipsUnusableFrames(t *testing.T) {
	t.Parallel()

	steps := levels(0, 80, 0)
	steps = append(steps, mock.Step{Err: errors.New("overflow")})
	src := &mock.Source{Frames: steps}
	c := calibrate.New(calibrate.WithFrames(4), calibrate.WithInterval(0))
	p, err := c.Calibrate(context.Background(), src)
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if p.Samples != 1 || p.WakeThreshold != 80 {
		t.Errorf("got %+v, want one sample at 80", p)
	}
}

func TestCalibrate_NoUsableFramesUsesFloor(t *testing.T) {
	t.Parallel()

	src := &mock.Source{Frames: levels(0, 0, 0)}
	c := calibrate.New(calibrate.WithFrames(3), calibrate.WithInterval(0))
	p, err := c.Calibrate(context.Background(), src)
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if !p.Fallback || p.Threshold != calibrate.Floor {
		t.Errorf("got %+v, want floor fallback", p)
	}
}

func TestCalibrate_ClosedSourceUsesFloor(t *testing.T) {
	t.Parallel()

	src := &mock.Source{}
	p, err := calibrate.New(calibrate.WithFrames(3), calibrate.WithInterval(0)).Calibrate(context.Background(), src)
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if !p.Fallback {
		t.Error("expected fallback when every read fails")
	}
}

func TestCalibrate_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &mock.Source{Tail: mock.Constant(4000, 10)}
	if _, err := calibrate.New().Calibrate(ctx, src); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestStore_RoundTripAndAge(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	now := time.Now()
	s := calibrate.NewStore(fsys, "state/profile.json", time.Hour)

	if _, ok, err := s.Load(); ok || err != nil {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}

	p := calibrate.New(calibrate.WithClock(func() time.Time { return now })).Compute([]float64{20, 21, 22})
	if err := s.Save(p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, ok, err := s.Load()
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if got.Threshold != p.Threshold {
		t.Errorf("Threshold = %v, want %v", got.Threshold, p.Threshold)
	}

	old := calibrate.New(calibrate.WithClock(func() time.Time { return now.Add(-2 * time.Hour) })).Compute([]float64{20})
	if err := s.Save(old); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, ok, _ := s.Load(); ok {
		t.Error("stale profile was reused")
	}
}

func TestStore_SkipsFallback(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	s := calibrate.NewStore(fsys, "profile.json", time.Hour)
	if err := s.Save(calibrate.Profile{Fallback: true, Threshold: 10}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if ok, _ := afero.Exists(fsys, "profile.json"); ok {
		t.Error("fallback profile was written")
	}
}

func TestStore_CorruptFile(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	_ = afero.WriteFile(fsys, "profile.json", []byte("{"), 0o644)
	if _, _, err := calibrate.NewStore(fsys, "profile.json", time.Hour).Load(); err == nil {
		t.Error("expected decode error")
	}
}

func TestTune(t *testing.T) {
	t.Parallel()
	c := calibrate.New(calibrate.WithFrames(1))

	c.Tune(2, 0)
	if got := c.Compute([]float64{100}).Threshold; got != 200 {
		t.Errorf("threshold after margin 2 = %v, want 200", got)
	}

	c.Tune(0, 500)
	if got := c.Compute([]float64{100}).Threshold; got != 500 {
		t.Errorf("threshold after floor 500 = %v, want 500", got)
	}

	c.Tune(0, 1)
	if got := c.Compute(nil).Threshold; got != calibrate.Floor {
		t.Errorf("floor below minimum = %v, want %v", got, float64(calibrate.Floor))
	}
}
