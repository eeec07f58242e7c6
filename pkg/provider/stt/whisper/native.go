// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/stt"
)

// nativeSampleRate is the only input rate whisper.cpp accepts.
const nativeSampleRate = 16000

var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider runs whisper.cpp in-process. The model is loaded once and a
// fresh inference context is created per recording; inference is serialised
// because whisper.cpp saturates the CPU on its own.
type NativeProvider struct {
	mu       sync.Mutex
	model    whisperlib.Model
	language string
	threads  uint
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the language code for transcription. Defaults to
// "en". A recording's own language hint takes precedence.
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeThreads sets the number of inference threads. Zero keeps the
// library default.
func WithNativeThreads(n uint) NativeOption {
	return func(p *NativeProvider) { p.threads = n }
}

// NewNative loads the whisper.cpp model at modelPath. The caller must call
// Close when the provider is no longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	p := &NativeProvider{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements [stt.Provider].
func (p *NativeProvider) Name() string { return "whisper-native" }

// Close releases the whisper model.
func (p *NativeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil
	}
	err := p.model.Close()
	p.model = nil
	return err
}

// Transcribe implements [stt.Provider]. Cancellation is observed before
// inference starts and between segments; whisper.cpp itself cannot be
// interrupted mid-run.
func (p *NativeProvider) Transcribe(ctx context.Context, rec stt.Recording) (stt.Result, error) {
	if rec.Empty() {
		return stt.Result{}, nil
	}
	if err := ctx.Err(); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return stt.Result{}, errors.New("whisper: provider closed")
	}

	samples := rec.Samples
	if rec.SampleRate != nativeSampleRate {
		samples = audio.Resample(samples, 1, rec.SampleRate, nativeSampleRate)
	}

	wctx, err := p.model.NewContext()
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create context: %w", err)
	}
	lang := cmpOr(rec.Language, p.language)
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "err", err)
	}
	if p.threads > 0 {
		wctx.SetThreads(p.threads)
	}

	if err := wctx.Process(audio.Float32(samples), nil, nil, nil); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var words []stt.Word
	for {
		if err := ctx.Err(); err != nil {
			return stt.Result{}, fmt.Errorf("whisper: %w", err)
		}
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stt.Result{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		words = append(words, stt.Word{Text: text, Start: seg.Start, End: seg.End})
	}
	return stt.Result{Text: stt.JoinText(words), Words: words, Provider: p.Name()}, nil
}
