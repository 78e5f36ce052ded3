// Package chat keeps one listing conversation between two users in sync and sends messages
// optimistically: a pending entry is shown at once and reconciled with the server's echo.
package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/marketsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/marketsync/internal/collection"
	"github.com/MarcoPoloResearchLab/marketsync/internal/realtime"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	historyEndpoint      = "/api/messages/history/%s"
	sendEndpoint         = "/api/messages/send"
	temporaryIDPrefix    = "temp_"
	defaultEchoWindow    = time.Minute
	fieldSender          = "sender"
	fieldReceiver        = "receiver"
	fieldListing         = "listing"
	fieldContent         = "content"
	fieldTimestamp       = "timestamp"
	maxMessageContentLen = 2000
)

var (
	errMissingRemote  = errors.New("chat: remote required")
	errMissingChannel = errors.New("chat: realtime channel required")
	errMissingPeers   = errors.New("chat: self, peer and listing ids required")
	errSelfChat       = errors.New("chat: cannot open a conversation with yourself")
)

// MessageSchema decodes history items and pushed events. Both the nested
// {sender:{userId}} and the flat {senderId} shapes are accepted.
var MessageSchema = collection.Schema{
	IDPath:         "id",
	TimestampField: fieldTimestamp,
	Fields: []collection.Field{
		{Name: fieldSender, Path: "sender.userId", Fallbacks: []string{"senderId", "sender.id"}, Kind: collection.FieldText},
		{Name: fieldReceiver, Path: "receiver.userId", Fallbacks: []string{"receiverId", "receiver.id"}, Kind: collection.FieldText},
		{Name: fieldListing, Path: "listing.id", Fallbacks: []string{"listingId", "listing.listingId"}, Kind: collection.FieldText},
		{Name: fieldContent, Path: "content", Kind: collection.FieldText},
		{Name: fieldTimestamp, Path: "timestamp", Fallbacks: []string{"sentAt", "createdAt"}, Kind: collection.FieldTime},
	},
	SearchFields: []string{fieldContent},
}

// Remote is the slice of the REST adapter a thread needs.
type Remote interface {
	collection.Remote
}

// Subscriber opens realtime topics.
type Subscriber interface {
	Open(ctx context.Context, topic string) (*realtime.Subscription, error)
	Connected() bool
}

// Config describes a conversation and its dependencies.
type Config struct {
	Remote        Remote
	Channel       Subscriber
	SelfID        string
	PeerID        string
	ListingID     string
	EchoWindow    time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
	Observer      collection.Observer
	OnAuthFailure func(error)
}

// Thread is one conversation (self, peer, listing).
type Thread struct {
	remote         Remote
	channel        Subscriber
	client         *collection.Client
	messages       *collection.Collection
	selfID         string
	peerID         string
	listingID      string
	conversationID string
	window         time.Duration
	now            func() time.Time
	logger         *zap.Logger
	onAuthFailure  func(error)

	mu           sync.Mutex
	subscription *realtime.Subscription
	closed       bool
}

// NewThread validates cfg and returns a Thread. Nothing is fetched until Open.
func NewThread(cfg Config) (*Thread, error) {
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	if cfg.Channel == nil {
		return nil, errMissingChannel
	}
	selfID, peerID, listingID := strings.TrimSpace(cfg.SelfID), strings.TrimSpace(cfg.PeerID), strings.TrimSpace(cfg.ListingID)
	if selfID == "" || peerID == "" || listingID == "" {
		return nil, errMissingPeers
	}
	if selfID == peerID {
		return nil, errSelfChat
	}
	window := cfg.EchoWindow
	if window <= 0 {
		window = defaultEchoWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	conversationID := realtime.ConversationID(selfID, peerID, listingID)
	messages := collection.New()
	client, err := collection.NewClient(collection.ClientConfig{
		Name:          "chat",
		Remote:        cfg.Remote,
		Collection:    messages,
		Schema:        MessageSchema,
		Logger:        logger,
		Observer:      cfg.Observer,
		OnAuthFailure: cfg.OnAuthFailure,
	})
	if err != nil {
		return nil, err
	}
	return &Thread{
		remote:         cfg.Remote,
		channel:        cfg.Channel,
		client:         client,
		messages:       messages,
		selfID:         selfID,
		peerID:         peerID,
		listingID:      listingID,
		conversationID: conversationID,
		window:         window,
		now:            clock,
		logger:         logger.With(zap.String("conversation_id", conversationID)),
		onAuthFailure:  cfg.OnAuthFailure,
	}, nil
}

// ConversationID is the shared key of this conversation.
func (t *Thread) ConversationID() string {
	return t.conversationID
}

// Open subscribes to the conversation topic and loads the history. The subscription stays
// open when the history fetch fails so pushes are not missed.
func (t *Thread) Open(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return realtime.ErrClosed
	}
	if t.subscription == nil {
		subscription, err := t.channel.Open(ctx, realtime.MessagesTopic(t.conversationID))
		if err != nil {
			t.mu.Unlock()
			return err
		}
		subscription.OnMessage(t.handlePush)
		t.subscription = subscription
	}
	t.mu.Unlock()
	return t.Reload(ctx)
}

// Reload refetches the history. Pending entries survive the replace.
func (t *Thread) Reload(ctx context.Context) error {
	err := t.client.Fetch(ctx, fmt.Sprintf(historyEndpoint, t.conversationID), nil)
	if errors.Is(err, collection.ErrStale) {
		return nil
	}
	return err
}

// CanSend reports whether the realtime connection is up; views disable sending otherwise.
func (t *Thread) CanSend() bool {
	return t.channel.Connected()
}

// Send inserts one pending entry and posts the message. On success the entry is replaced by
// the confirmed message (or removed, when the backend returns none, to be filled in by the
// echo). On failure it is rolled back and the error returned.
func (t *Thread) Send(ctx context.Context, content string) (collection.Record, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return collection.Record{}, apperr.Validation("message must not be empty")
	}
	if len([]rune(content)) > maxMessageContentLen {
		return collection.Record{}, apperr.Validation(fmt.Sprintf("message must be at most %d characters", maxMessageContentLen))
	}

	pending := t.newRecord(temporaryIDPrefix+ulid.Make().String(), content, t.now().UTC())
	pending.Pending = true
	t.messages.Upsert(pending)

	payload := map[string]any{
		"senderId":   wireID(t.selfID),
		"receiverId": wireID(t.peerID),
		"listingId":  wireID(t.listingID),
		"content":    content,
	}
	var confirmed map[string]any
	err := t.remote.Do(ctx, http.MethodPost, sendEndpoint, payload, &confirmed)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.messages.Remove(pending.ID)
		t.logger.Warn("message send failed; pending entry rolled back", zap.Error(err))
		if t.onAuthFailure != nil && errors.Is(err, apperr.ErrAuth) {
			t.onAuthFailure(err)
		}
		return collection.Record{}, err
	}
	if record, decodeErr := MessageSchema.Decode(confirmed); decodeErr == nil {
		record = t.fillKey(record, pending)
		t.messages.Swap(pending.ID, record)
		return record, nil
	}
	t.messages.Remove(pending.ID)
	return pending, nil
}

// Messages returns the conversation in chronological order.
func (t *Thread) Messages() []collection.Record {
	messages := t.messages.Snapshot()
	slices.SortStableFunc(messages, func(a, b collection.Record) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return messages
}

// Pending counts optimistic entries awaiting confirmation.
func (t *Thread) Pending() int {
	count := 0
	for _, message := range t.messages.Snapshot() {
		if message.Pending {
			count++
		}
	}
	return count
}

// Collection exposes the message cache, e.g. for change subscriptions.
func (t *Thread) Collection() *collection.Collection {
	return t.messages
}

// LastError is the failure of the latest history fetch.
func (t *Thread) LastError() error {
	return t.client.LastError()
}

// Close ends the subscription. It is safe to call repeatedly.
func (t *Thread) Close() {
	t.mu.Lock()
	subscription := t.subscription
	t.subscription = nil
	t.closed = true
	t.mu.Unlock()
	if subscription != nil {
		subscription.Close()
	}
}

// handlePush applies one echo: duplicates are ignored, an echo matching a pending entry
// replaces it, anything else is inserted.
func (t *Thread) handlePush(event realtime.Event) {
	var item map[string]any
	if err := event.Decode(&item); err != nil {
		t.logger.Warn("dropping undecodable chat event", zap.Error(err))
		return
	}
	record, err := MessageSchema.Decode(item)
	if err != nil {
		t.logger.Warn("dropping chat event without id", zap.Error(err))
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.messages.Get(record.ID); ok && !existing.Pending {
		return
	}
	match, found := t.messages.Find(func(candidate collection.Record) bool {
		return candidate.Pending && t.sameMessage(candidate, record)
	})
	if found {
		t.messages.Swap(match.ID, t.fillKey(record, match))
		return
	}
	t.messages.Upsert(record)
}

// sameMessage compares natural keys: sender, receiver, listing, content, and a timestamp
// within the echo window. Attributes missing from the echo do not veto a match.
func (t *Thread) sameMessage(pending, echo collection.Record) bool {
	for _, field := range []string{fieldSender, fieldReceiver, fieldListing} {
		if value := echo.Texts[field]; value != "" && value != pending.Texts[field] {
			return false
		}
	}
	if echo.Texts[fieldContent] != pending.Texts[fieldContent] {
		return false
	}
	if echo.Timestamp.IsZero() {
		return true
	}
	delta := echo.Timestamp.Sub(pending.Timestamp)
	if delta < 0 {
		delta = -delta
	}
	return delta <= t.window
}

// fillKey copies natural key attributes the server omitted from the pending entry.
func (t *Thread) fillKey(record, pending collection.Record) collection.Record {
	for _, field := range []string{fieldSender, fieldReceiver, fieldListing, fieldContent} {
		if record.Texts[field] == "" {
			record.Texts[field] = pending.Texts[field]
		}
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = pending.Timestamp
		record.Times[fieldTimestamp] = pending.Timestamp
	}
	return record
}

func (t *Thread) newRecord(id, content string, at time.Time) collection.Record {
	return collection.Record{
		ID:        id,
		Timestamp: at,
		Texts: map[string]string{
			fieldSender:   t.selfID,
			fieldReceiver: t.peerID,
			fieldListing:  t.listingID,
			fieldContent:  content,
		},
		Numbers: map[string]float64{},
		Times:   map[string]time.Time{fieldTimestamp: at},
		Fields:  map[string]any{"id": id, "content": content, "temporary": true},
	}
}

// wireID sends numeric ids as JSON numbers, as the backend expects.
func wireID(id string) any {
	if number, err := strconv.ParseInt(id, 10, 64); err == nil {
		return number
	}
	return id
}
