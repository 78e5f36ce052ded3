// Package realtime maintains topic subscriptions over one persistent STOMP connection and
// delivers pushed events, in transport order, to the views that opened them.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/marketsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/marketsync/internal/session"
	"go.uber.org/zap"
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultHost           = "/"
	eventBufferSize       = 256
	seenWindow            = 256
)

var (
	// ErrClosed is returned when a closed channel is used.
	ErrClosed = errors.New("realtime: channel closed")
	// ErrBroker wraps ERROR frames sent by the broker.
	ErrBroker = errors.New("realtime: broker error")

	errMissingTransport   = errors.New("realtime: transport required")
	errMissingCredentials = errors.New("realtime: credentials required")
)

// State is the connection state of a Channel.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Event is one server push.
type Event struct {
	Topic     string
	MessageID string
	Headers   map[string]string
	Body      []byte
}

// Decode unmarshals the JSON body into out.
func (e Event) Decode(out any) error {
	return json.Unmarshal(e.Body, out)
}

// Handler consumes events of one subscription.
type Handler func(Event)

// Observer receives connection lifecycle signals, typically for metrics.
type Observer interface {
	StateChanged(state State)
	ReconnectScheduled(attempt int, delay time.Duration)
}

// Config describes the dependencies of a Channel. OnStateChange runs on the connection
// goroutine and must not call Close.
type Config struct {
	Transport      Transport
	Credentials    session.Credentials
	Backoff        Backoff
	MaxAttempts    int
	ConnectTimeout time.Duration
	Host           string
	Logger         *zap.Logger
	Observer       Observer
	OnStateChange  func(State)
	OnAuthFailure  func(error)
}

// Channel multiplexes subscriptions over one connection and reconnects after drops.
type Channel struct {
	transport      Transport
	credentials    session.Credentials
	backoff        Backoff
	maxAttempts    int
	connectTimeout time.Duration
	host           string
	logger         *zap.Logger
	observer       Observer
	onStateChange  func(State)
	onAuthFailure  func(error)

	state     atomic.Int32
	connected atomic.Bool

	mu      sync.Mutex
	conn    Conn
	topics  map[string]*topicSubscription
	byID    map[string]*topicSubscription
	nextSub int
	started bool
	closed  bool
	lastErr error
	cancel  context.CancelFunc

	events chan delivery
	stop   chan struct{}
	done   chan struct{}
}

type delivery struct {
	entry *topicSubscription
	event Event
}

// NewChannel validates cfg and returns a disconnected Channel.
func NewChannel(cfg Config) (*Channel, error) {
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	if cfg.Credentials == nil {
		return nil, errMissingCredentials
	}
	backoff := cfg.Backoff
	if backoff == nil {
		backoff = FixedBackoff(defaultReconnectDelay)
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	host := cfg.Host
	if host == "" {
		host = defaultHost
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		transport:      cfg.Transport,
		credentials:    cfg.Credentials,
		backoff:        backoff,
		maxAttempts:    cfg.MaxAttempts,
		connectTimeout: connectTimeout,
		host:           host,
		logger:         logger,
		observer:       cfg.Observer,
		onStateChange:  cfg.OnStateChange,
		onAuthFailure:  cfg.OnAuthFailure,
		topics:         make(map[string]*topicSubscription),
		byID:           make(map[string]*topicSubscription),
		events:         make(chan delivery, eventBufferSize),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}, nil
}

// Connect starts the connection loop. It returns immediately; progress is reported through
// State, Connected and the state change callback. Calling it again is a no-op.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.dispatch()
	go c.run(runCtx)
	return nil
}

// Open returns a new subscription to topic. Every open of the same topic shares one transport
// subscription and receives each event; the transport subscription ends when the last of them
// is closed.
func (c *Channel) Open(ctx context.Context, topic string) (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	entry, ok := c.topics[topic]
	if !ok {
		c.nextSub++
		entry = &topicSubscription{
			id:    fmt.Sprintf("sub-%d", c.nextSub),
			topic: topic,
			seen:  make(map[string]struct{}),
		}
		c.topics[topic] = entry
		c.byID[entry.id] = entry
		if c.conn != nil {
			if err := c.conn.Send(ctx, subscribeFrame(entry)); err != nil {
				c.logger.Warn("subscribe failed; will retry after reconnect",
					zap.String("topic", topic),
					zap.Error(err))
			}
		}
	}
	subscription := &Subscription{channel: c, entry: entry}
	entry.add(subscription)
	return subscription, nil
}

// Close disconnects and ends every subscription. It is safe to call repeatedly and on a
// channel that never connected.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	if c.conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = c.conn.Send(ctx, NewFrame(CommandDisconnect))
		cancel()
	}
	for _, entry := range c.topics {
		for _, subscription := range entry.drain() {
			subscription.markClosed()
		}
	}
	c.topics = make(map[string]*topicSubscription)
	c.byID = make(map[string]*topicSubscription)
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	if started {
		<-c.done
		close(c.stop)
	}
	c.setState(StateDisconnected)
	return nil
}

// Connected gates affordances that need a live connection, such as sending chat messages.
func (c *Channel) Connected() bool {
	return c.connected.Load()
}

func (c *Channel) State() State {
	return State(c.state.Load())
}

// LastError is the most recent connection failure.
func (c *Channel) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Topics lists the open topics.
func (c *Channel) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	defer c.setState(StateDisconnected)

	attempt := 0
	state := StateConnecting
	for {
		c.setState(state)
		conn, err := c.connect(ctx)
		if err == nil {
			attempt = 0
			c.attach(ctx, conn)
			err = c.serve(ctx, conn)
			c.detach(conn)
			_ = conn.Close()
		}
		if ctx.Err() != nil {
			return
		}
		c.recordError(err)
		if errors.Is(err, apperr.ErrAuth) {
			c.logger.Warn("realtime credentials rejected", zap.Error(err))
			if c.onAuthFailure != nil {
				go c.onAuthFailure(err)
			}
			return
		}

		attempt++
		if c.maxAttempts > 0 && attempt >= c.maxAttempts {
			c.logger.Warn("realtime reconnect attempts exhausted",
				zap.Int("attempts", attempt),
				zap.Error(err))
			return
		}
		delay := c.backoff.Delay(attempt)
		c.logger.Info("realtime connection lost; reconnecting",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if c.observer != nil {
			c.observer.ReconnectScheduled(attempt, delay)
		}
		state = StateReconnecting
		c.setState(state)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Channel) connect(ctx context.Context) (Conn, error) {
	token, err := c.credentials.Token(ctx)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	conn, err := c.transport.Dial(dialCtx, token)
	if err != nil {
		return nil, apperr.Network(err)
	}
	connectFrame := NewFrame(CommandConnect,
		"accept-version", "1.2",
		"host", c.host,
		"heart-beat", "0,0",
		"Authorization", "Bearer "+token)
	if err := conn.Send(dialCtx, connectFrame); err != nil {
		_ = conn.Close()
		return nil, apperr.Network(err)
	}
	reply, err := conn.Receive(dialCtx)
	if err != nil {
		_ = conn.Close()
		return nil, apperr.Network(err)
	}
	switch reply.Command {
	case CommandConnected:
		return conn, nil
	case CommandError:
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrBroker, reply.Header("message"))
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("%w: unexpected %s frame during connect", ErrBroker, reply.Command)
	}
}

// attach publishes conn and resubscribes every open topic on it.
func (c *Channel) attach(ctx context.Context, conn Conn) {
	c.mu.Lock()
	c.conn = conn
	entries := make([]*topicSubscription, 0, len(c.topics))
	for _, entry := range c.topics {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })
	for _, entry := range entries {
		if err := conn.Send(ctx, subscribeFrame(entry)); err != nil {
			c.logger.Warn("resubscribe failed", zap.String("topic", entry.topic), zap.Error(err))
		}
	}
	c.lastErr = nil
	c.mu.Unlock()

	c.connected.Store(true)
	c.setState(StateConnected)
}

func (c *Channel) detach(conn Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	c.connected.Store(false)
}

func (c *Channel) serve(ctx context.Context, conn Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		frame, err := conn.Receive(ctx)
		if err != nil {
			return apperr.Network(err)
		}
		switch frame.Command {
		case CommandMessage:
			entry := c.lookup(frame.Header("subscription"), frame.Header("destination"))
			if entry == nil {
				continue
			}
			event := Event{
				Topic:     entry.topic,
				MessageID: frame.Header("message-id"),
				Headers:   frame.Headers,
				Body:      frame.Body,
			}
			select {
			case c.events <- delivery{entry: entry, event: event}:
			case <-ctx.Done():
				return ctx.Err()
			}
		case CommandError:
			return fmt.Errorf("%w: %s", ErrBroker, frame.Header("message"))
		}
	}
}

func (c *Channel) dispatch() {
	for {
		select {
		case next := <-c.events:
			next.entry.deliver(next.event)
		case <-c.stop:
			return
		}
	}
}

func (c *Channel) lookup(subscriptionID, destination string) *topicSubscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.byID[subscriptionID]; ok {
		return entry
	}
	return c.topics[destination]
}

// release detaches subscription from its topic and unsubscribes the transport once no other
// subscription holds the topic.
func (c *Channel) release(subscription *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := subscription.entry
	if entry.remove(subscription) > 0 {
		return
	}
	if current, ok := c.byID[entry.id]; !ok || current != entry {
		return
	}
	delete(c.byID, entry.id)
	delete(c.topics, entry.topic)
	if c.conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.connectTimeout)
		defer cancel()
		if err := c.conn.Send(ctx, NewFrame(CommandUnsubscribe, "id", entry.id)); err != nil {
			c.logger.Debug("unsubscribe failed", zap.String("topic", entry.topic), zap.Error(err))
		}
	}
}

func (c *Channel) recordError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Channel) setState(state State) {
	previous := State(c.state.Swap(int32(state)))
	if previous == state {
		return
	}
	c.logger.Debug("realtime state changed",
		zap.Stringer("from", previous),
		zap.Stringer("to", state))
	if c.observer != nil {
		c.observer.StateChanged(state)
	}
	if c.onStateChange != nil {
		c.onStateChange(state)
	}
}

func subscribeFrame(entry *topicSubscription) Frame {
	return NewFrame(CommandSubscribe,
		"id", entry.id,
		"destination", entry.topic,
		"ack", "auto")
}

// topicSubscription is the transport subscription of one topic. Redelivered message ids are
// dropped before fan-out.
type topicSubscription struct {
	id    string
	topic string

	mu     sync.Mutex
	owners []*Subscription
	seen   map[string]struct{}
	order  []string
}

func (t *topicSubscription) add(subscription *Subscription) {
	t.mu.Lock()
	t.owners = append(t.owners, subscription)
	t.mu.Unlock()
}

// remove drops subscription and returns the number of remaining owners.
func (t *topicSubscription) remove(subscription *Subscription) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.owners = slices.DeleteFunc(t.owners, func(owner *Subscription) bool { return owner == subscription })
	return len(t.owners)
}

func (t *topicSubscription) drain() []*Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	owners := t.owners
	t.owners = nil
	return owners
}

// deliver runs on the channel's dispatch goroutine.
func (t *topicSubscription) deliver(event Event) {
	t.mu.Lock()
	if event.MessageID != "" {
		if _, duplicate := t.seen[event.MessageID]; duplicate {
			t.mu.Unlock()
			return
		}
		t.seen[event.MessageID] = struct{}{}
		t.order = append(t.order, event.MessageID)
		if len(t.order) > seenWindow {
			delete(t.seen, t.order[0])
			t.order = t.order[1:]
		}
	}
	owners := slices.Clone(t.owners)
	t.mu.Unlock()
	for _, owner := range owners {
		owner.deliver(event)
	}
}

// Subscription is one owner's hold on a topic, typically for the lifetime of a mounted view.
type Subscription struct {
	channel *Channel
	entry   *topicSubscription

	mu      sync.Mutex
	handler Handler
	closed  bool
}

func (s *Subscription) Topic() string {
	return s.entry.topic
}

// ID is the STOMP subscription id, shared by every subscription to the same topic.
func (s *Subscription) ID() string {
	return s.entry.id
}

// OnMessage installs handler, replacing this subscription's previous one. Events that arrive
// before a handler is installed are dropped.
func (s *Subscription) OnMessage(handler Handler) {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

// Close ends the subscription. Other subscriptions to the topic keep receiving. It is safe to
// call repeatedly.
func (s *Subscription) Close() {
	if !s.markClosed() {
		return
	}
	s.channel.release(s)
}

// Closed reports whether the subscription ended.
func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Subscription) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

func (s *Subscription) deliver(event Event) {
	s.mu.Lock()
	handler := s.handler
	closed := s.closed
	s.mu.Unlock()
	if closed || handler == nil {
		return
	}
	handler(event)
}
