package notify

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/marketsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/marketsync/internal/collection"
	"github.com/MarcoPoloResearchLab/marketsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/marketsync/internal/realtime/realtimetest"
	"github.com/MarcoPoloResearchLab/marketsync/internal/session"
)

type fakeBackend struct {
	mu            sync.Mutex
	notifications []map[string]any
	marked        []string
	markErr       error
}

func (b *fakeBackend) GetCollection(_ context.Context, endpoint string, _ url.Values) ([]map[string]any, int, error) {
	if endpoint != "/api/notifications/7" {
		return nil, 0, apperr.Server(404, "not found")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	items := make([]map[string]any, len(b.notifications))
	copy(items, b.notifications)
	return items, len(items), nil
}

func (b *fakeBackend) Do(_ context.Context, method, endpoint string, _ any, _ any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.markErr != nil {
		return b.markErr
	}
	b.marked = append(b.marked, method+" "+endpoint)
	for _, notification := range b.notifications {
		if "/api/notifications/mark-as-read/"+collection.FormatID(notification["id"]) == endpoint {
			notification["read"] = true
		}
	}
	return nil
}

func newTestFeed(t *testing.T, backend *fakeBackend, onNotification func(collection.Record)) (*Feed, *realtimetest.Conn) {
	t.Helper()
	ctx := context.Background()
	transport := realtimetest.NewTransport()
	channel, err := realtime.NewChannel(realtime.Config{Transport: transport, Credentials: session.NewStatic("token", "7")})
	if err != nil {
		t.Fatalf("failed to construct channel: %v", err)
	}
	t.Cleanup(func() { _ = channel.Close() })
	_ = channel.Connect(ctx)
	conn := transport.WaitConn(t)

	feed, err := NewFeed(Config{Remote: backend, Channel: channel, UserID: "7", OnNotification: onNotification})
	if err != nil {
		t.Fatalf("failed to construct feed: %v", err)
	}
	t.Cleanup(feed.Close)
	if err := feed.Open(ctx); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	conn.WaitSubscribed(t, "/queue/notifications/7")
	return feed, conn
}

func TestFeedBadgeCountsUnread(t *testing.T) {
	backend := &fakeBackend{notifications: []map[string]any{
		{"id": 1, "message": "New bid on Desk", "read": false, "createdAt": "2024-03-01T10:00:00"},
		{"id": 2, "message": "Order shipped", "read": true, "createdAt": "2024-03-02T10:00:00"},
	}}
	pushed := make(chan collection.Record, 1)
	feed, conn := newTestFeed(t, backend, func(record collection.Record) { pushed <- record })

	if feed.Unread() != 1 {
		t.Fatalf("expected one unread notification, got %d", feed.Unread())
	}

	conn.Push(t, "/queue/notifications/7", map[string]any{"id": 3, "message": "Your bid was countered", "read": false, "createdAt": "2024-03-03T10:00:00"})
	select {
	case record := <-pushed:
		if Message(record) != "Your bid was countered" {
			t.Fatalf("unexpected pushed message %q", Message(record))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for push")
	}
	if feed.Unread() != 2 {
		t.Fatalf("expected badge to grow with the push, got %d", feed.Unread())
	}
	if newest := feed.Notifications()[0]; newest.ID != "3" {
		t.Fatalf("expected newest first, got %s", newest.ID)
	}
}

func TestMarkReadRefetches(t *testing.T) {
	backend := &fakeBackend{notifications: []map[string]any{
		{"id": 1, "message": "New bid", "read": false},
		{"id": 2, "message": "New message", "read": false},
	}}
	feed, _ := newTestFeed(t, backend, nil)

	if err := feed.MarkRead(context.Background(), "1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if feed.Unread() != 1 {
		t.Fatalf("expected refetched badge of 1, got %d", feed.Unread())
	}
	if len(backend.marked) != 1 || backend.marked[0] != "POST /api/notifications/mark-as-read/1" {
		t.Fatalf("unexpected mark calls %v", backend.marked)
	}

	backend.markErr = apperr.Network(errors.New("offline"))
	if err := feed.MarkRead(context.Background(), "2"); !errors.Is(err, apperr.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	if feed.Unread() != 1 {
		t.Fatalf("expected failed mark to leave the feed untouched")
	}
}
