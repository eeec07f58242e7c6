package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/earshot/pkg/provider/stt"
)

// STTFailover is an [stt.Provider] that tries a primary backend and then its
// fallbacks, each behind its own circuit breaker.
type STTFailover struct {
	group *Group[stt.Provider]
}

var _ stt.Provider = (*STTFailover)(nil)

// NewSTTFailover chains providers in the given order. The first is the
// primary.
func NewSTTFailover(providers []stt.Provider, opts ...GroupOption) (*STTFailover, error) {
	names := make([]string, len(providers))
	for i, p := range providers {
		if p == nil {
			return nil, errors.New("resilience: nil stt provider")
		}
		names[i] = p.Name()
	}
	g, err := NewGroup(names, providers, opts...)
	if err != nil {
		return nil, err
	}
	return &STTFailover{group: g}, nil
}

// Name returns the primary's name.
func (f *STTFailover) Name() string {
	return f.group.members[0].Name
}

// Transcribe sends rec to the first healthy backend. Recordings without
// speech return an empty result without touching any breaker. The result's
// Provider names the backend that answered.
func (f *STTFailover) Transcribe(ctx context.Context, rec stt.Recording) (stt.Result, error) {
	if rec.Empty() {
		return stt.Result{Provider: f.Name()}, nil
	}
	res, name, err := Do(ctx, f.group, func(ctx context.Context, p stt.Provider) (stt.Result, error) {
		return p.Transcribe(ctx, rec)
	})
	if err != nil {
		return stt.Result{}, err
	}
	if res.Provider == "" {
		res.Provider = name
	}
	return res, nil
}

// Breakers returns each backend's breaker in try order, for readiness checks.
func (f *STTFailover) Breakers() []*CircuitBreaker {
	out := make([]*CircuitBreaker, len(f.group.members))
	for i, m := range f.group.members {
		out[i] = m.breaker
	}
	return out
}
