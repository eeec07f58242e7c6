package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/earshot/internal/observe"
)

// ErrAllFailed is returned when every member of a [Group] failed or was
// skipped because its circuit was open.
var ErrAllFailed = errors.New("resilience: all providers failed")

// Member is one entry of a [Group].
type Member[T any] struct {
	Name    string
	Value   T
	breaker *CircuitBreaker
}

// Breaker returns the member's circuit breaker.
func (m *Member[T]) Breaker() *CircuitBreaker { return m.breaker }

// Group tries its members in order until one succeeds. Members are fixed
// after construction.
type Group[T any] struct {
	members []*Member[T]
	onFail  func(ctx context.Context, name string, err error)
}

// GroupOption configures a [Group].
type GroupOption func(*groupOptions)

type groupOptions struct {
	breaker BreakerConfig
	onFail  func(ctx context.Context, name string, err error)
}

// WithBreaker sets the configuration copied into every member's breaker. The
// Name field is replaced by the member's name.
func WithBreaker(cfg BreakerConfig) GroupOption {
	return func(o *groupOptions) { o.breaker = cfg }
}

// WithFailureHook calls fn for every member that fails or is skipped.
func WithFailureHook(fn func(ctx context.Context, name string, err error)) GroupOption {
	return func(o *groupOptions) { o.onFail = fn }
}

// NewGroup builds a group from named values tried in the given order.
func NewGroup[T any](names []string, values []T, opts ...GroupOption) (*Group[T], error) {
	if len(names) != len(values) {
		return nil, fmt.Errorf("resilience: %d names for %d values", len(names), len(values))
	}
	if len(values) == 0 {
		return nil, errors.New("resilience: group needs at least one member")
	}
	var o groupOptions
	for _, opt := range opts {
		opt(&o)
	}
	g := &Group[T]{onFail: o.onFail}
	for i, v := range values {
		cfg := o.breaker
		cfg.Name = names[i]
		g.members = append(g.members, &Member[T]{Name: names[i], Value: v, breaker: NewCircuitBreaker(cfg)})
	}
	return g, nil
}

// Members returns the members in try order.
func (g *Group[T]) Members() []*Member[T] {
	return g.members
}

// Do calls fn for each member in order and returns the name of the member
// that succeeded. It stops early when ctx is done.
func Do[T, R any](ctx context.Context, g *Group[T], fn func(context.Context, T) (R, error)) (R, string, error) {
	var (
		zero R
		errs []error
	)
	for _, m := range g.members {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		var out R
		err := m.breaker.Execute(func() error {
			var err error
			out, err = fn(ctx, m.Value)
			return err
		})
		if err == nil {
			return out, m.Name, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.Name, err))
		if errors.Is(err, ErrCircuitOpen) {
			observe.Logger(ctx).Debug("resilience: skipping provider", "provider", m.Name)
		} else {
			observe.Logger(ctx).Warn("resilience: provider failed, trying next", "provider", m.Name, "err", err)
		}
		if g.onFail != nil {
			g.onFail(ctx, m.Name, err)
		}
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
