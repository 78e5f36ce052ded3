// Package notify keeps a user's notification feed and unread badge in sync.
package notify

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/marketsync/internal/collection"
	"github.com/MarcoPoloResearchLab/marketsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/marketsync/internal/remote"
	"go.uber.org/zap"
)

const (
	feedEndpoint     = "/api/notifications/{userId}"
	markReadEndpoint = "/api/notifications/mark-as-read/{id}"
	fieldMessage     = "message"
	fieldRead        = "read"
	fieldCreatedAt   = "createdAt"
)

var (
	errMissingRemote  = errors.New("notify: remote required")
	errMissingChannel = errors.New("notify: realtime channel required")
	errMissingUser    = errors.New("notify: user id required")
)

// Schema decodes notification items and pushes.
var Schema = collection.Schema{
	IDPath:         "id",
	TimestampField: fieldCreatedAt,
	StatusPath:     "type",
	Fields: []collection.Field{
		{Name: fieldMessage, Path: "message", Fallbacks: []string{"content"}, Kind: collection.FieldText},
		{Name: fieldRead, Path: "read", Fallbacks: []string{"isRead"}, Kind: collection.FieldText},
		{Name: fieldCreatedAt, Path: "createdAt", Fallbacks: []string{"timestamp"}, Kind: collection.FieldTime},
	},
	SearchFields: []string{fieldMessage},
}

// Subscriber opens realtime topics.
type Subscriber interface {
	Open(ctx context.Context, topic string) (*realtime.Subscription, error)
}

// Config describes the dependencies of a Feed.
type Config struct {
	Remote         collection.Remote
	Channel        Subscriber
	UserID         string
	Logger         *zap.Logger
	Observer       collection.Observer
	OnAuthFailure  func(error)
	OnNotification func(collection.Record)
}

// Feed is the notification list of one user plus its unread badge.
type Feed struct {
	client         *collection.Client
	channel        Subscriber
	userID         string
	logger         *zap.Logger
	onNotification func(collection.Record)

	mu           sync.Mutex
	subscription *realtime.Subscription
}

func NewFeed(cfg Config) (*Feed, error) {
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	if cfg.Channel == nil {
		return nil, errMissingChannel
	}
	userID := strings.TrimSpace(cfg.UserID)
	if userID == "" {
		return nil, errMissingUser
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := collection.NewClient(collection.ClientConfig{
		Name:          "notifications",
		Remote:        cfg.Remote,
		Collection:    collection.New(),
		Schema:        Schema,
		Logger:        logger,
		Observer:      cfg.Observer,
		OnAuthFailure: cfg.OnAuthFailure,
	})
	if err != nil {
		return nil, err
	}
	return &Feed{
		client:         client,
		channel:        cfg.Channel,
		userID:         userID,
		logger:         logger,
		onNotification: cfg.OnNotification,
	}, nil
}

// Open subscribes to the user's queue and loads the existing notifications.
func (f *Feed) Open(ctx context.Context) error {
	f.mu.Lock()
	if f.subscription == nil {
		subscription, err := f.channel.Open(ctx, realtime.NotificationsTopic(f.userID))
		if err != nil {
			f.mu.Unlock()
			return err
		}
		subscription.OnMessage(f.handlePush)
		f.subscription = subscription
	}
	f.mu.Unlock()
	return f.Refresh(ctx)
}

// Refresh refetches the feed.
func (f *Feed) Refresh(ctx context.Context) error {
	endpoint, err := remote.ResolvePath(feedEndpoint, map[string]string{"userId": f.userID})
	if err != nil {
		return err
	}
	if err := f.client.Fetch(ctx, endpoint, nil); err != nil && !errors.Is(err, collection.ErrStale) {
		return err
	}
	return nil
}

// MarkRead marks one notification read and refetches the feed.
func (f *Feed) MarkRead(ctx context.Context, id string) error {
	endpoint, err := remote.ResolvePath(markReadEndpoint, map[string]string{"id": id})
	if err != nil {
		return err
	}
	if err := f.client.Mutate(ctx, http.MethodPost, endpoint, nil); err != nil {
		return err
	}
	if !f.client.Fetched() {
		return f.Refresh(ctx)
	}
	return nil
}

// Unread is the badge count.
func (f *Feed) Unread() int {
	unread := 0
	for _, notification := range f.client.Collection().Snapshot() {
		if !IsRead(notification) {
			unread++
		}
	}
	return unread
}

// Notifications returns the feed newest first.
func (f *Feed) Notifications() []collection.Record {
	notifications := f.client.Collection().Snapshot()
	slices.SortStableFunc(notifications, func(a, b collection.Record) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	return notifications
}

// Collection exposes the feed cache.
func (f *Feed) Collection() *collection.Collection {
	return f.client.Collection()
}

// LastError is the failure of the latest fetch.
func (f *Feed) LastError() error {
	return f.client.LastError()
}

// Close ends the subscription. It is safe to call repeatedly.
func (f *Feed) Close() {
	f.mu.Lock()
	subscription := f.subscription
	f.subscription = nil
	f.mu.Unlock()
	if subscription != nil {
		subscription.Close()
	}
}

// IsRead reports the read flag of a notification record.
func IsRead(notification collection.Record) bool {
	return strings.EqualFold(notification.Texts[fieldRead], "true")
}

// Message is the display text of a notification record.
func Message(notification collection.Record) string {
	return notification.Texts[fieldMessage]
}

func (f *Feed) handlePush(event realtime.Event) {
	var item map[string]any
	if err := event.Decode(&item); err != nil {
		f.logger.Warn("dropping undecodable notification", zap.Error(err))
		return
	}
	notification, err := Schema.Decode(item)
	if err != nil {
		f.logger.Warn("dropping notification without id", zap.Error(err))
		return
	}
	f.client.Collection().Upsert(notification)
	if f.onNotification != nil {
		f.onNotification(notification)
	}
}
