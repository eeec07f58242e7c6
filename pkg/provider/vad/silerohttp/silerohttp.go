// Package silerohttp asks a remote Silero VAD service for speech timestamps.
//
// The service accepts a multipart POST to /vad with the audio as a WAV file in
// the "file" field and the detection parameters as form fields. It answers
// with JSON listing the detected speech segments in seconds.
package silerohttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/wavfile"
	"github.com/MrWong99/earshot/pkg/provider/vad"
)

const (
	defaultThreshold    = 0.3
	defaultMinSpeechMs  = 100
	defaultMinSilenceMs = 100
	defaultTimeout      = 2 * time.Second
)

// Option configures a [Model].
type Option func(*Model)

// WithThreshold sets the speech probability threshold. Default: 0.3.
func WithThreshold(t float64) Option {
	return func(m *Model) { m.threshold = t }
}

// WithMinSpeechMs sets the minimum segment length. Default: 100.
func WithMinSpeechMs(ms int) Option {
	return func(m *Model) { m.minSpeechMs = ms }
}

// WithMinSilenceMs sets the silence needed to split segments. Default: 100.
func WithMinSilenceMs(ms int) Option {
	return func(m *Model) { m.minSilenceMs = ms }
}

// WithHTTPClient replaces the default client, which has a 2 s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Model) { m.client = c }
}

type segment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

type response struct {
	HasVoice   bool      `json:"has_voice"`
	Confidence float64   `json:"confidence"`
	Segments   []segment `json:"segments"`
}

// Model is a remote [vad.SpeechModel].
type Model struct {
	baseURL      string
	threshold    float64
	minSpeechMs  int
	minSilenceMs int
	client       *http.Client
}

var _ vad.SpeechModel = (*Model)(nil)

// New returns a model that talks to the service at baseURL.
func New(baseURL string, opts ...Option) (*Model, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("silerohttp: base URL must not be empty")
	}
	m := &Model{
		baseURL:      strings.TrimRight(baseURL, "/"),
		threshold:    defaultThreshold,
		minSpeechMs:  defaultMinSpeechMs,
		minSilenceMs: defaultMinSilenceMs,
		client:       &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// SpeechTimestamps implements [vad.SpeechModel].
func (m *Model) SpeechTimestamps(ctx context.Context, samples []float32, sampleRate int) ([]vad.Segment, error) {
	pcm := make([]int16, len(samples))
	for i, s := range samples {
		pcm[i] = int16(max(-1, min(s, 32767.0/32768)) * 32768)
	}
	wav, err := wavfile.Encode(pcm, sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("silerohttp: %w", err)
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("silerohttp: create form file: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return nil, fmt.Errorf("silerohttp: write audio: %w", err)
	}
	fields := map[string]string{
		"threshold":               strconv.FormatFloat(m.threshold, 'f', 3, 64),
		"min_speech_duration_ms":  strconv.Itoa(m.minSpeechMs),
		"min_silence_duration_ms": strconv.Itoa(m.minSilenceMs),
		"sampling_rate":           strconv.Itoa(sampleRate),
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("silerohttp: write field %s: %w", k, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("silerohttp: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/vad", &body)
	if err != nil {
		return nil, fmt.Errorf("silerohttp: build request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("silerohttp: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("silerohttp: service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("silerohttp: decode response: %w", err)
	}

	out := make([]vad.Segment, 0, len(r.Segments))
	for _, s := range r.Segments {
		out = append(out, vad.Segment{Start: s.Start, End: s.End})
	}
	if len(out) == 0 && r.HasVoice {
		out = append(out, vad.Segment{End: audio.AudioFrame{Samples: pcm, SampleRate: sampleRate, Channels: 1}.Duration().Seconds()})
	}
	return out, nil
}
