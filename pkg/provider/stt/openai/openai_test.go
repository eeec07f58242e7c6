package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/earshot/pkg/provider/stt"
	"github.com/MrWong99/earshot/pkg/provider/stt/openai"
)

type captured struct {
	mu       sync.Mutex
	calls    int
	auth     string
	model    string
	language string
	format   string
	fileName string
}

func newServer(t *testing.T, status int, body any, c *captured) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(1 << 22); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "missing file", http.StatusBadRequest)
			return
		}
		c.mu.Lock()
		c.calls++
		c.auth = r.Header.Get("Authorization")
		c.model = r.FormValue("model")
		c.language = r.FormValue("language")
		c.format = r.FormValue("response_format")
		c.fileName = hdr.Filename
		c.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func speech() stt.Recording {
	pcm := make([]int16, 8000)
	for i := range pcm {
		if i%2 == 0 {
			pcm[i] = 3000
		} else {
			pcm[i] = -3000
		}
	}
	return stt.Recording{Samples: pcm, SampleRate: 16000, SpeechDetected: true}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := openai.New(""); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := openai.New("key", openai.WithModel("")); err == nil {
		t.Error("expected error for empty model")
	}
	p, err := openai.New("key", openai.WithTimeout(time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "openai" {
		t.Errorf("Name() = %q, want openai", p.Name())
	}
}

func TestTranscribe_Success(t *testing.T) {
	t.Parallel()

	c := &captured{}
	srv := newServer(t, http.StatusOK, map[string]any{
		"text":     " Hoe laat is het? ",
		"language": "dutch",
		"segments": []map[string]any{
			{"start": 0.0, "end": 0.6, "text": " Hoe laat"},
			{"start": 0.6, "end": 1.1, "text": " is het?"},
		},
	}, c)

	p, err := openai.New("sk-test",
		openai.WithBaseURL(srv.URL+"/"),
		openai.WithLanguage("nl"),
		openai.WithMaxRetries(0),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := p.Transcribe(context.Background(), speech())
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "Hoe laat is het?" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.Provider != "openai" {
		t.Errorf("Provider = %q", res.Provider)
	}
	if len(res.Words) != 2 || res.Words[1].End != 1100*time.Millisecond {
		t.Errorf("Words = %+v", res.Words)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.auth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", c.auth)
	}
	if c.model != "whisper-1" {
		t.Errorf("model = %q, want whisper-1", c.model)
	}
	if c.language != "nl" {
		t.Errorf("language = %q, want nl", c.language)
	}
	if c.format != "verbose_json" {
		t.Errorf("response_format = %q, want verbose_json", c.format)
	}
	if c.fileName != "audio.wav" {
		t.Errorf("file name = %q, want audio.wav", c.fileName)
	}
}

func TestTranscribe_RecordingLanguageWins(t *testing.T) {
	t.Parallel()

	c := &captured{}
	srv := newServer(t, http.StatusOK, map[string]any{"text": "hello"}, c)
	p, err := openai.New("k", openai.WithBaseURL(srv.URL+"/"), openai.WithLanguage("nl"), openai.WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := speech()
	rec.Language = "en"
	if _, err := p.Transcribe(context.Background(), rec); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.language != "en" {
		t.Errorf("language = %q, want en", c.language)
	}
}

func TestTranscribe_NoSpeechSkipsServer(t *testing.T) {
	t.Parallel()

	c := &captured{}
	srv := newServer(t, http.StatusOK, map[string]any{"text": "ghost"}, c)
	p, _ := openai.New("k", openai.WithBaseURL(srv.URL+"/"), openai.WithMaxRetries(0))

	rec := speech()
	rec.SpeechDetected = false
	res, err := p.Transcribe(context.Background(), rec)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if !res.NoSpeech() {
		t.Errorf("expected empty result, got %q", res.Text)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls != 0 {
		t.Errorf("server called %d times, want 0", c.calls)
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	t.Parallel()

	c := &captured{}
	srv := newServer(t, http.StatusInternalServerError, map[string]any{
		"error": map[string]any{"message": "boom", "type": "server_error"},
	}, c)
	p, _ := openai.New("k", openai.WithBaseURL(srv.URL+"/"), openai.WithMaxRetries(0))

	if _, err := p.Transcribe(context.Background(), speech()); err == nil {
		t.Fatal("expected error for HTTP 500")
	}
}
