// Package remote talks to the companion transcription server that accepts a
// WAV upload on /save_audio and answers with timed segments.
//
// Request: multipart POST with the recording in the "audio" field.
// Response:
//
//	{"transcription": [{"text": "...", "start": 0.0, "end": 1.2}, ...]}
//
// The first segment's text is the utterance; every segment becomes a timed
// [stt.Word].
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/earshot/pkg/audio/wavfile"
	"github.com/MrWong99/earshot/pkg/provider/stt"
)

const defaultTimeout = 10 * time.Second

var _ stt.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient replaces the default client (10 s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithJoinSegments makes the result text the concatenation of all segments
// instead of only the first.
func WithJoinSegments() Option {
	return func(p *Provider) { p.joinSegments = true }
}

// Provider is a companion-server [stt.Provider].
type Provider struct {
	baseURL      string
	httpClient   *http.Client
	joinSegments bool
}

// New creates a Provider for the server at baseURL.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("remote: baseURL must not be empty")
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements [stt.Provider].
func (p *Provider) Name() string { return "remote" }

type saveAudioResponse struct {
	Transcription []struct {
		Text  string  `json:"text"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"transcription"`
}

// Transcribe implements [stt.Provider].
func (p *Provider) Transcribe(ctx context.Context, rec stt.Recording) (stt.Result, error) {
	if rec.Empty() {
		return stt.Result{}, nil
	}
	wav, err := wavfile.Encode(rec.Samples, rec.SampleRate, 1)
	if err != nil {
		return stt.Result{}, fmt.Errorf("remote: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("audio", "audio.wav")
	if err != nil {
		return stt.Result{}, fmt.Errorf("remote: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return stt.Result{}, fmt.Errorf("remote: write wav data: %w", err)
	}
	if err := mw.Close(); err != nil {
		return stt.Result{}, fmt.Errorf("remote: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/save_audio", &body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("remote: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return stt.Result{}, fmt.Errorf("remote: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return stt.Result{}, fmt.Errorf("remote: server returned HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("remote: read response body: %w", err)
	}
	var parsed saveAudioResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return stt.Result{}, fmt.Errorf("remote: parse JSON response: %w", err)
	}
	if len(parsed.Transcription) == 0 {
		return stt.Result{Provider: p.Name()}, nil
	}

	words := make([]stt.Word, 0, len(parsed.Transcription))
	for _, s := range parsed.Transcription {
		words = append(words, stt.Word{
			Text:  strings.TrimSpace(s.Text),
			Start: time.Duration(s.Start * float64(time.Second)),
			End:   time.Duration(s.End * float64(time.Second)),
		})
	}
	text := strings.TrimSpace(parsed.Transcription[0].Text)
	if p.joinSegments {
		text = stt.JoinText(words)
	}
	return stt.Result{Text: text, Words: words, Provider: p.Name()}, nil
}
