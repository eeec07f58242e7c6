// Package natsbus publishes conversation events to NATS and relays
// collaborator intents back.
//
// Events go out as JSON on "<prefix>.<kind>", e.g. "earshot.wake_detected".
// Intents arrive as plain-text payloads ("reset_silence", "sleep",
// "recalibrate") on "<prefix>.intent".
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/earshot/internal/dispatch"
)

// DefaultPrefix is the subject prefix when none is configured.
const DefaultPrefix = "earshot"

// Conn is the subset of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

var _ Conn = (*nats.Conn)(nil)

// Publisher is a [dispatch.Sink] that forwards events to NATS.
type Publisher struct {
	conn   Conn
	prefix string
}

var _ dispatch.Sink = (*Publisher)(nil)

// Connect dials url and returns a Publisher using prefix.
func Connect(url, prefix string) (*Publisher, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url,
		nats.Name("earshot"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("natsbus: disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("natsbus: reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect %q: %w", url, err)
	}
	return New(conn, prefix), nil
}

// New wraps an existing connection.
func New(conn Conn, prefix string) *Publisher {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Publisher{conn: conn, prefix: prefix}
}

// Name implements [dispatch.Sink].
func (p *Publisher) Name() string { return "nats" }

// Subject returns the subject used for kind.
func (p *Publisher) Subject(kind dispatch.Kind) string {
	return p.prefix + "." + string(kind)
}

// Handle implements [dispatch.Sink].
func (p *Publisher) Handle(_ context.Context, ev dispatch.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("natsbus: marshal %s: %w", ev.Kind, err)
	}
	subject := p.Subject(ev.Kind)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("natsbus: publish to %s: %w", subject, err)
	}
	return nil
}

// SubscribeIntents calls fn with the trimmed payload of every message on
// "<prefix>.intent".
func (p *Publisher) SubscribeIntents(fn func(intent string)) (*nats.Subscription, error) {
	subject := p.prefix + ".intent"
	sub, err := p.conn.Subscribe(subject, func(msg *nats.Msg) {
		fn(strings.TrimSpace(string(msg.Data)))
	})
	if err != nil {
		return nil, fmt.Errorf("natsbus: subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// Close drains the connection.
func (p *Publisher) Close() error {
	if err := p.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("natsbus: drain: %w", err)
	}
	return nil
}
