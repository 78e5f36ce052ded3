package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeTransport struct {
	mu        sync.Mutex
	conns     []*fakeConn
	dials     int
	failDials int
	dialed    chan *fakeConn
	tokens    []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{dialed: make(chan *fakeConn, 16)}
}

func (t *fakeTransport) Dial(_ context.Context, token string) (Conn, error) {
	t.mu.Lock()
	t.dials++
	t.tokens = append(t.tokens, token)
	if t.failDials > 0 {
		t.failDials--
		t.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	conn := &fakeConn{inbound: make(chan Frame, 64), closed: make(chan struct{})}
	t.conns = append(t.conns, conn)
	t.mu.Unlock()
	t.dialed <- conn
	return conn, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) waitDial(tb testing.TB) *fakeConn {
	tb.Helper()
	select {
	case conn := <-t.dialed:
		return conn
	case <-time.After(2 * time.Second):
		tb.Fatalf("timed out waiting for dial")
		return nil
	}
}

type fakeConn struct {
	inbound   chan Frame
	mu        sync.Mutex
	sent      []Frame
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *fakeConn) Send(_ context.Context, frame Frame) error {
	select {
	case <-c.closed:
		return errors.New("closed")
	default:
	}
	c.mu.Lock()
	c.sent = append(c.sent, frame)
	c.mu.Unlock()
	if frame.Command == CommandConnect {
		c.inbound <- NewFrame(CommandConnected, "version", "1.2")
	}
	return nil
}

func (c *fakeConn) Receive(ctx context.Context) (Frame, error) {
	select {
	case frame := <-c.inbound:
		return frame, nil
	case <-c.closed:
		return Frame{}, errors.New("connection closed")
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) count(command string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, frame := range c.sent {
		if frame.Command == command {
			total++
		}
	}
	return total
}

func (c *fakeConn) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, frame := range c.sent {
		if frame.Command == CommandSubscribe && frame.Header("destination") == topic {
			return true
		}
	}
	return false
}

func (c *fakeConn) push(subscription *Subscription, messageID, body string) {
	frame := NewFrame(CommandMessage,
		"subscription", subscription.ID(),
		"destination", subscription.Topic(),
		"message-id", messageID)
	frame.Body = []byte(body)
	c.inbound <- frame
}

func waitFor(tb testing.TB, description string, condition func() bool) {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			tb.Fatalf("timed out waiting for %s", description)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
