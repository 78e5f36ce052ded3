package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/marketsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/marketsync/internal/session"
)

func newTestChannel(t *testing.T, transport Transport, mutate func(*Config)) *Channel {
	t.Helper()
	cfg := Config{
		Transport:   transport,
		Credentials: session.NewStatic("token-1", "7"),
		Backoff:     FixedBackoff(10 * time.Millisecond),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	channel, err := NewChannel(cfg)
	if err != nil {
		t.Fatalf("failed to construct channel: %v", err)
	}
	t.Cleanup(func() { _ = channel.Close() })
	return channel
}

func TestOpenSharesOneTransportSubscriptionPerTopic(t *testing.T) {
	transport := newFakeTransport()
	channel := newTestChannel(t, transport, nil)
	ctx := context.Background()

	before, err := channel.Open(ctx, "/queue/notifications/7")
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	if err := channel.Connect(ctx); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
	conn := transport.waitDial(t)
	waitFor(t, "connected", channel.Connected)

	again, err := channel.Open(ctx, "/queue/notifications/7")
	if err != nil || again.ID() != before.ID() {
		t.Fatalf("expected the existing transport subscription, got %s vs %s (%v)", again.ID(), before.ID(), err)
	}
	topic := MessagesTopic(ConversationID("7", "3", "11"))
	first, _ := channel.Open(ctx, topic)
	second, _ := channel.Open(ctx, topic)
	if first == second || first.ID() != second.ID() {
		t.Fatalf("expected separate owners of one transport subscription")
	}
	if got := conn.count(CommandSubscribe); got != 2 {
		t.Fatalf("expected exactly two live transport subscriptions, got %d", got)
	}
	if transport.tokens[0] != "token-1" {
		t.Fatalf("expected credentials on dial, got %q", transport.tokens[0])
	}
}

func TestSubscriptionsToOneTopicFanOut(t *testing.T) {
	transport := newFakeTransport()
	channel := newTestChannel(t, transport, nil)
	ctx := context.Background()
	topic := NotificationsTopic("7")

	first, _ := channel.Open(ctx, topic)
	second, _ := channel.Open(ctx, topic)
	firstEvents := make(chan string, 4)
	secondEvents := make(chan string, 4)
	first.OnMessage(func(event Event) { firstEvents <- event.MessageID })
	second.OnMessage(func(event Event) { secondEvents <- event.MessageID })

	_ = channel.Connect(ctx)
	conn := transport.waitDial(t)
	waitFor(t, "subscribe", func() bool { return conn.subscribed(topic) })

	conn.push(first, "n-1", `{}`)
	conn.push(first, "n-1", `{}`)
	for name, events := range map[string]chan string{"first": firstEvents, "second": secondEvents} {
		select {
		case id := <-events:
			if id != "n-1" {
				t.Fatalf("%s: unexpected event %s", name, id)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: timed out waiting for the event", name)
		}
	}

	first.Close()
	if got := conn.count(CommandUnsubscribe); got != 0 {
		t.Fatalf("expected the topic to stay subscribed for the remaining owner, got %d unsubscribes", got)
	}
	if topics := channel.Topics(); len(topics) != 1 {
		t.Fatalf("expected the topic to stay open, got %v", topics)
	}
	conn.push(second, "n-2", `{}`)
	select {
	case id := <-secondEvents:
		if id != "n-2" {
			t.Fatalf("unexpected event %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the remaining owner")
	}
	select {
	case id := <-firstEvents:
		t.Fatalf("closed subscription received %s", id)
	case <-time.After(20 * time.Millisecond):
	}

	second.Close()
	if got := conn.count(CommandUnsubscribe); got != 1 {
		t.Fatalf("expected one unsubscribe after the last owner closed, got %d", got)
	}
	if topics := channel.Topics(); len(topics) != 0 {
		t.Fatalf("expected no open topics, got %v", topics)
	}
}

func TestEventsDeliveredInTransportOrderOnce(t *testing.T) {
	transport := newFakeTransport()
	channel := newTestChannel(t, transport, nil)
	ctx := context.Background()

	subscription, _ := channel.Open(ctx, "/topic/messages/1_2_3")
	var mu sync.Mutex
	var received []string
	subscription.OnMessage(func(event Event) {
		var payload struct {
			Seq int `json:"seq"`
		}
		if err := event.Decode(&payload); err != nil {
			t.Errorf("decode failed: %v", err)
		}
		mu.Lock()
		received = append(received, fmt.Sprintf("%s:%d", event.MessageID, payload.Seq))
		mu.Unlock()
	})
	_ = channel.Connect(ctx)
	conn := transport.waitDial(t)
	waitFor(t, "subscribe", func() bool { return conn.subscribed("/topic/messages/1_2_3") })

	const total = 40
	for seq := 0; seq < total; seq++ {
		conn.push(subscription, fmt.Sprintf("m-%d", seq), fmt.Sprintf(`{"seq":%d}`, seq))
		if seq == 10 {
			conn.push(subscription, "m-10", `{"seq":10}`)
		}
	}
	waitFor(t, "all events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) >= total
	})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != total {
		t.Fatalf("expected %d deliveries, got %d", total, len(received))
	}
	for seq, entry := range received {
		if want := fmt.Sprintf("m-%d:%d", seq, seq); entry != want {
			t.Fatalf("delivery %d out of order: %s", seq, entry)
		}
	}
}

func TestReconnectResubscribesWithFixedDelay(t *testing.T) {
	transport := newFakeTransport()
	var states []State
	var statesMu sync.Mutex
	channel := newTestChannel(t, transport, func(cfg *Config) {
		cfg.OnStateChange = func(state State) {
			statesMu.Lock()
			states = append(states, state)
			statesMu.Unlock()
		}
	})
	ctx := context.Background()

	_, _ = channel.Open(ctx, "/queue/notifications/7")
	_ = channel.Connect(ctx)
	first := transport.waitDial(t)
	waitFor(t, "connected", channel.Connected)

	first.Close()
	second := transport.waitDial(t)
	waitFor(t, "resubscribe", func() bool { return second.subscribed("/queue/notifications/7") })
	waitFor(t, "reconnected", channel.Connected)

	statesMu.Lock()
	defer statesMu.Unlock()
	want := []State{StateConnecting, StateConnected, StateReconnecting, StateConnected}
	if len(states) < len(want) {
		t.Fatalf("expected states %v, got %v", want, states)
	}
	for index, state := range want {
		if states[index] != state {
			t.Fatalf("expected states %v, got %v", want, states)
		}
	}
}

func TestMaxAttemptsEndsDisconnected(t *testing.T) {
	transport := newFakeTransport()
	transport.failDials = 100
	var reconnects atomic.Int32
	channel := newTestChannel(t, transport, func(cfg *Config) {
		cfg.MaxAttempts = 3
		cfg.Observer = observerFunc(func(int, time.Duration) { reconnects.Add(1) })
	})
	_ = channel.Connect(context.Background())

	waitFor(t, "attempts exhausted", func() bool {
		return transport.dialCount() == 3 && channel.State() == StateDisconnected
	})
	time.Sleep(30 * time.Millisecond)
	if transport.dialCount() != 3 {
		t.Fatalf("expected no dial after exhaustion, got %d", transport.dialCount())
	}
	if reconnects.Load() != 2 {
		t.Fatalf("expected two scheduled reconnects, got %d", reconnects.Load())
	}
	if !errors.Is(channel.LastError(), apperr.ErrNetwork) {
		t.Fatalf("expected last error to be a network failure, got %v", channel.LastError())
	}
}

func TestMissingCredentialsDoNotDial(t *testing.T) {
	transport := newFakeTransport()
	authFailures := make(chan error, 1)
	channel := newTestChannel(t, transport, func(cfg *Config) {
		cfg.Credentials = session.NewStatic("", "")
		cfg.OnAuthFailure = func(err error) { authFailures <- err }
	})
	_ = channel.Connect(context.Background())

	select {
	case err := <-authFailures:
		if !errors.Is(err, apperr.ErrAuth) {
			t.Fatalf("expected auth failure, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for auth failure")
	}
	waitFor(t, "disconnected", func() bool { return channel.State() == StateDisconnected })
	if transport.dialCount() != 0 {
		t.Fatalf("expected no dial without credentials")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	idle := newTestChannel(t, newFakeTransport(), nil)
	if err := idle.Close(); err != nil {
		t.Fatalf("closing an unconnected channel failed: %v", err)
	}
	if err := idle.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}

	transport := newFakeTransport()
	channel := newTestChannel(t, transport, nil)
	ctx := context.Background()
	subscription, _ := channel.Open(ctx, "/queue/notifications/7")
	_ = channel.Connect(ctx)
	conn := transport.waitDial(t)
	waitFor(t, "connected", channel.Connected)

	subscription.Close()
	subscription.Close()
	if got := conn.count(CommandUnsubscribe); got != 1 {
		t.Fatalf("expected one unsubscribe, got %d", got)
	}

	_ = channel.Close()
	_ = channel.Close()
	if channel.State() != StateDisconnected || channel.Connected() {
		t.Fatalf("expected closed channel to be disconnected")
	}
	if conn.count(CommandDisconnect) != 1 {
		t.Fatalf("expected a single DISCONNECT frame")
	}
	if _, err := channel.Open(ctx, "/queue/notifications/7"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := channel.Connect(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on reconnect, got %v", err)
	}
}

type observerFunc func(attempt int, delay time.Duration)

func (f observerFunc) StateChanged(State) {}

func (f observerFunc) ReconnectScheduled(attempt int, delay time.Duration) {
	f(attempt, delay)
}
