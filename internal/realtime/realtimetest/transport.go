// Package realtimetest provides an in-memory STOMP transport for tests of code built on
// realtime.Channel.
package realtimetest

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/marketsync/internal/realtime"
)

var errClosed = errors.New("realtimetest: connection closed")

// Transport accepts every dial and answers CONNECT with CONNECTED.
type Transport struct {
	mu     sync.Mutex
	conns  []*Conn
	dialed chan *Conn
}

func NewTransport() *Transport {
	return &Transport{dialed: make(chan *Conn, 16)}
}

func (t *Transport) Dial(_ context.Context, _ string) (realtime.Conn, error) {
	conn := &Conn{inbound: make(chan realtime.Frame, 256), closed: make(chan struct{})}
	t.mu.Lock()
	t.conns = append(t.conns, conn)
	t.mu.Unlock()
	select {
	case t.dialed <- conn:
	default:
	}
	return conn, nil
}

// WaitConn returns the next dialed connection.
func (t *Transport) WaitConn(tb testing.TB) *Conn {
	tb.Helper()
	select {
	case conn := <-t.dialed:
		return conn
	case <-time.After(2 * time.Second):
		tb.Fatalf("timed out waiting for dial")
		return nil
	}
}

// Dials counts connection attempts.
func (t *Transport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Conn is one fake connection.
type Conn struct {
	inbound   chan realtime.Frame
	mu        sync.Mutex
	sent      []realtime.Frame
	sequence  int
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *Conn) Send(_ context.Context, frame realtime.Frame) error {
	select {
	case <-c.closed:
		return errClosed
	default:
	}
	c.mu.Lock()
	c.sent = append(c.sent, frame)
	c.mu.Unlock()
	if frame.Command == realtime.CommandConnect {
		c.inbound <- realtime.NewFrame(realtime.CommandConnected, "version", "1.2")
	}
	return nil
}

func (c *Conn) Receive(ctx context.Context) (realtime.Frame, error) {
	select {
	case frame := <-c.inbound:
		return frame, nil
	case <-c.closed:
		return realtime.Frame{}, errClosed
	case <-ctx.Done():
		return realtime.Frame{}, ctx.Err()
	}
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Push delivers payload, JSON-encoded unless it already is a []byte, to topic.
func (c *Conn) Push(tb testing.TB, topic string, payload any) {
	tb.Helper()
	body, ok := payload.([]byte)
	if !ok {
		encoded, err := json.Marshal(payload)
		if err != nil {
			tb.Fatalf("failed to encode push: %v", err)
		}
		body = encoded
	}
	c.mu.Lock()
	c.sequence++
	messageID := "msg-" + strconv.Itoa(c.sequence)
	c.mu.Unlock()
	frame := realtime.NewFrame(realtime.CommandMessage, "destination", topic, "message-id", messageID)
	frame.Body = body
	c.inbound <- frame
}

// Count reports how many frames with command were sent by the client.
func (c *Conn) Count(command string) int {
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

// Subscribed reports whether the client subscribed to topic on this connection.
func (c *Conn) Subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, frame := range c.sent {
		if frame.Command == realtime.CommandSubscribe && frame.Header("destination") == topic {
			return true
		}
	}
	return false
}

// WaitSubscribed blocks until the client subscribed to topic.
func (c *Conn) WaitSubscribed(tb testing.TB, topic string) {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !c.Subscribed(topic) {
		if time.Now().After(deadline) {
			tb.Fatalf("timed out waiting for subscription to %s", topic)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
