package silero_test

import (
	"context"
	"math"
	"os"
	"testing"

	"github.com/MrWong99/earshot/pkg/provider/vad/silero"
)

// testModelPath returns the Silero ONNX model path from SILERO_MODEL_PATH or
// skips the test.
func testModelPath(t *testing.T) string {
	t.Helper()
	p := os.Getenv("SILERO_MODEL_PATH")
	if p == "" {
		t.Skip("SILERO_MODEL_PATH not set; skipping native silero test")
	}
	return p
}

func TestNew_EmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := silero.New(""); err == nil {
		t.Fatal("expected error for empty model path")
	}
}

func TestSpeechTimestamps_Silence(t *testing.T) {
	m, err := silero.New(testModelPath(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	segs, err := m.SpeechTimestamps(context.Background(), make([]float32, 2000), 16000)
	if err != nil {
		t.Fatalf("SpeechTimestamps: %v", err)
	}
	if len(segs) != 0 {
		t.Errorf("segments for silence = %v, want none", segs)
	}
}

func TestSpeechTimestamps_WrongRate(t *testing.T) {
	m, err := silero.New(testModelPath(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	if _, err := m.SpeechTimestamps(context.Background(), make([]float32, 100), 8000); err == nil {
		t.Fatal("expected error for unsupported rate")
	}
}

func TestSpeechTimestamps_Tone(t *testing.T) {
	m, err := silero.New(testModelPath(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	samples := make([]float32, 16000)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*220*float64(i)/16000))
	}
	segs, err := m.SpeechTimestamps(context.Background(), samples, 16000)
	if err != nil {
		t.Fatalf("SpeechTimestamps: %v", err)
	}
	t.Logf("segments for tone: %v", segs)
}

func TestClose_Idempotent(t *testing.T) {
	m, err := silero.New(testModelPath(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
