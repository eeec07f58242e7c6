// Package deepgram transcribes recordings with Deepgram's live WebSocket API.
//
// Each recording opens one connection, streams the PCM in short chunks, asks
// Deepgram to flush with a CloseStream message and collects every final result
// until the server closes the connection.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/stt"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en"
	defaultKeyBoost  = 2.0
	chunkDuration    = 100 * time.Millisecond
)

var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the language code for recognition (e.g., "nl", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithKeywords boosts recognition of the given words, typically the wake
// names, so they survive into utterance text.
func WithKeywords(words ...string) Option {
	return func(p *Provider) { p.keywords = append(p.keywords, words...) }
}

// WithEndpoint overrides the WebSocket endpoint. Used by tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// Provider is a Deepgram [stt.Provider].
type Provider struct {
	apiKey   string
	endpoint string
	model    string
	language string
	keywords []string
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		endpoint: deepgramEndpoint,
		model:    defaultModel,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements [stt.Provider].
func (p *Provider) Name() string { return "deepgram" }

// buildURL constructs the listen endpoint URL for a recording.
func (p *Provider) buildURL(rec stt.Recording) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	lang := rec.Language
	if lang == "" {
		lang = p.language
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(rec.SampleRate))
	q.Set("channels", "1")
	for _, kw := range p.keywords {
		q.Add("keywords", fmt.Sprintf("%s:%g", kw, defaultKeyBoost))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Transcribe implements [stt.Provider].
func (p *Provider) Transcribe(ctx context.Context, rec stt.Recording) (stt.Result, error) {
	if rec.Empty() {
		return stt.Result{}, nil
	}
	wsURL, err := p.buildURL(rec)
	if err != nil {
		return stt.Result{}, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return stt.Result{}, fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.CloseNow()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- stream(ctx, conn, rec)
	}()

	res := stt.Result{Provider: p.Name()}
	var texts []string
	var confSum float64
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				break
			}
			if ctx.Err() != nil {
				return stt.Result{}, fmt.Errorf("deepgram: %w", ctx.Err())
			}
			// Deepgram closes with 1000 after CloseStream; anything else after
			// at least one final still yields the collected text.
			if len(texts) > 0 {
				break
			}
			return stt.Result{}, fmt.Errorf("deepgram: read: %w", err)
		}
		final, ok := parseDeepgramResponse(msg)
		if !ok || !final.final {
			continue
		}
		if t := strings.TrimSpace(final.text); t != "" {
			texts = append(texts, t)
			confSum += final.confidence
		}
		res.Words = append(res.Words, final.words...)
	}

	if err := <-writeErr; err != nil && len(texts) == 0 {
		return stt.Result{}, err
	}
	res.Text = strings.Join(texts, " ")
	if len(texts) > 0 {
		res.Confidence = confSum / float64(len(texts))
	}
	conn.Close(websocket.StatusNormalClosure, "done")
	return res, nil
}

// stream sends the recording in chunkDuration pieces followed by CloseStream.
func stream(ctx context.Context, conn *websocket.Conn, rec stt.Recording) error {
	step := max(int(float64(rec.SampleRate)*chunkDuration.Seconds()), 1)
	for off := 0; off < len(rec.Samples); off += step {
		end := min(off+step, len(rec.Samples))
		if err := conn.Write(ctx, websocket.MessageBinary, audio.Bytes(rec.Samples[off:end])); err != nil {
			return fmt.Errorf("deepgram: write audio: %w", err)
		}
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		return fmt.Errorf("deepgram: close stream: %w", err)
	}
	return nil
}

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type parsedResult struct {
	text       string
	final      bool
	confidence float64
	words      []stt.Word
}

// parseDeepgramResponse extracts the first alternative of a Results message.
// Other message types report false.
func parseDeepgramResponse(data []byte) (parsedResult, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return parsedResult{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return parsedResult{}, false
	}
	alt := resp.Channel.Alternatives[0]
	words := make([]stt.Word, 0, len(alt.Words))
	for _, w := range alt.Words {
		words = append(words, stt.Word{
			Text:       w.Word,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			Confidence: w.Confidence,
		})
	}
	return parsedResult{
		text:       alt.Transcript,
		final:      resp.IsFinal,
		confidence: alt.Confidence,
		words:      words,
	}, true
}
