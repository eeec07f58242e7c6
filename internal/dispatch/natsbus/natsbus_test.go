package natsbus_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/earshot/internal/dispatch"
	"github.com/MrWong99/earshot/internal/dispatch/natsbus"
)

type fakeConn struct {
	mu         sync.Mutex
	published  map[string][][]byte
	handlers   map[string]nats.MsgHandler
	publishErr error
	drained    bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{published: map[string][][]byte{}, handlers: map[string]nats.MsgHandler{}}
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published[subject] = append(c.published[subject], data)
	return nil
}

func (c *fakeConn) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[subject] = cb
	return &nats.Subscription{Subject: subject}, nil
}

func (c *fakeConn) Drain() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drained = true
	return nil
}

func TestPublisher_Handle(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	p := natsbus.New(conn, "home.")
	err := p.Handle(context.Background(), dispatch.Event{Kind: dispatch.KindWakeDetected, Identity: "mirza", Text: "hoi mirza"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	msgs := conn.published["home.wake_detected"]
	if len(msgs) != 1 {
		t.Fatalf("published = %v", conn.published)
	}
	var ev dispatch.Event
	if err := json.Unmarshal(msgs[0], &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Identity != "mirza" || ev.Text != "hoi mirza" {
		t.Errorf("event = %+v", ev)
	}
}

func TestPublisher_DefaultPrefixAndErrors(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	conn.publishErr = errors.New("no responders")
	p := natsbus.New(conn, "")
	if got := p.Subject(dispatch.KindSilenceEscalation); got != "earshot.silence_escalation" {
		t.Errorf("Subject = %q", got)
	}
	if err := p.Handle(context.Background(), dispatch.Event{Kind: dispatch.KindStateChanged}); err == nil {
		t.Error("expected publish error")
	}
	if err := p.Close(); err != nil || !conn.drained {
		t.Errorf("Close = %v drained=%v", err, conn.drained)
	}
}

func TestPublisher_SubscribeIntents(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	p := natsbus.New(conn, "earshot")
	var got []string
	if _, err := p.SubscribeIntents(func(intent string) { got = append(got, intent) }); err != nil {
		t.Fatalf("SubscribeIntents: %v", err)
	}
	h := conn.handlers["earshot.intent"]
	if h == nil {
		t.Fatal("no handler on earshot.intent")
	}
	h(&nats.Msg{Data: []byte(" sleep\n")})
	if len(got) != 1 || got[0] != "sleep" {
		t.Errorf("intents = %q", got)
	}
}
