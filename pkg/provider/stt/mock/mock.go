// Package mock provides a test double for [stt.Provider].
//
// Provider replays scripted results and records every recording it receives,
// so tests can assert both on how often the backend was invoked and on what it
// was given.
//
// Example:
//
//	p := &mock.Provider{Results: []mock.Response{
//	    {Result: stt.Result{Text: "hallo"}},
//	    {Err: errors.New("backend down")},
//	}}
//	res, err := p.Transcribe(ctx, rec)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earshot/pkg/provider/stt"
)

// Response is one scripted answer from [Provider].
type Response struct {
	Result stt.Result
	Err    error

	// Block makes Transcribe wait for ctx to be cancelled and return its error.
	Block bool
}

// Provider is a scripted [stt.Provider]. Responses are served in order for
// every call, including calls whose recording has no speech. Once exhausted,
// Default is returned.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Results is the scripted sequence of answers.
	Results []Response

	// Default is returned after Results is exhausted.
	Default Response

	// OnTranscribe, when set, runs at the start of every call.
	OnTranscribe func(rec stt.Recording)

	calls  []stt.Recording
	served int
}

var _ stt.Provider = (*Provider)(nil)

// Name implements [stt.Provider].
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Transcribe implements [stt.Provider].
func (p *Provider) Transcribe(ctx context.Context, rec stt.Recording) (stt.Result, error) {
	p.mu.Lock()
	p.calls = append(p.calls, rec)
	resp := p.Default
	if p.served < len(p.Results) {
		resp = p.Results[p.served]
	}
	p.served++
	hook := p.OnTranscribe
	p.mu.Unlock()

	if hook != nil {
		hook(rec)
	}
	if resp.Block {
		<-ctx.Done()
		return stt.Result{}, ctx.Err()
	}
	return resp.Result, resp.Err
}

// Calls returns a copy of every recording received, in order.
func (p *Provider) Calls() []stt.Recording {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]stt.Recording, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount returns how many times Transcribe was called.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// ResetCalls clears the recorded calls without touching the script position.
func (p *Provider) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}
