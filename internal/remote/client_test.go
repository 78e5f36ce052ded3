package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/MarcoPoloResearchLab/marketsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/marketsync/internal/session"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(Config{
		BaseURL:     server.URL,
		Credentials: session.NewStatic("test-token", "42"),
	})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	return client
}

func TestGetCollectionDecodesArrayWithBearerHeader(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/api/orders/user/42" || r.URL.Query().Get("status") != "PENDING" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"orderId":1},{"orderId":2}]`))
	})

	items, total, err := client.GetCollection(context.Background(), "/api/orders/user/42", url.Values{"status": {"PENDING"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 || total != 2 {
		t.Fatalf("expected 2 items, got %d (total %d)", len(items), total)
	}
}

func TestGetCollectionDecodesEnvelope(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"items":[{"id":1}],"totalCount":31}`))
	})
	items, total, err := client.GetCollection(context.Background(), "api/listings?keyword=desk", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 1 || total != 31 {
		t.Fatalf("expected 1 item with total 31, got %d/%d", len(items), total)
	}
}

func TestGetCollectionNoContentIsEmpty(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	items, total, err := client.GetCollection(context.Background(), "/api/messages/history/1_2_3", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 0 || total != 0 {
		t.Fatalf("expected empty collection, got %d/%d", len(items), total)
	}
}

func TestFailureTaxonomy(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		target  error
		message string
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, body: "", target: apperr.ErrAuth, message: "session expired"},
		{name: "server message", status: http.StatusBadRequest, body: `{"message":"Bid must exceed current highest bid"}`, target: apperr.ErrServer, message: "Bid must exceed current highest bid"},
		{name: "server error field", status: http.StatusConflict, body: `{"error":"already in cart"}`, target: apperr.ErrServer, message: "already in cart"},
		{name: "plain text", status: http.StatusInternalServerError, body: "Failed to place bid", target: apperr.ErrServer, message: "Failed to place bid"},
		{name: "fallback", status: http.StatusBadGateway, body: "<html></html>", target: apperr.ErrServer, message: "request failed with status 502"},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(testCase.status)
				_, _ = w.Write([]byte(testCase.body))
			})
			err := client.Do(context.Background(), http.MethodPost, "/api/bids/7", map[string]any{"amount": 10}, nil)
			if !errors.Is(err, testCase.target) {
				t.Fatalf("expected %v, got %v", testCase.target, err)
			}
			if apperr.Message(err) != testCase.message {
				t.Fatalf("expected message %q, got %q", testCase.message, apperr.Message(err))
			}
		})
	}
}

func TestNetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	client, err := NewClient(Config{BaseURL: baseURL, Credentials: session.NewStatic("t", "1")})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	if _, _, err := client.GetCollection(context.Background(), "/api/bids/user", nil); !errors.Is(err, apperr.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestMissingTokenFailsBeforeRequest(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	t.Cleanup(server.Close)
	client, err := NewClient(Config{BaseURL: server.URL, Credentials: session.NewStatic("", "")})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	if _, _, err := client.GetCollection(context.Background(), "/api/cart/1", nil); !errors.Is(err, apperr.ErrAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if called {
		t.Fatalf("expected no request without a token")
	}
}

func TestResolvePath(t *testing.T) {
	resolved, err := ResolvePath("/api/orders/user/{userId}", map[string]string{"userId": "42"})
	if err != nil || resolved != "/api/orders/user/42" {
		t.Fatalf("unexpected resolution %q %v", resolved, err)
	}
	if _, err := ResolvePath("/api/cart/{userId}", nil); err == nil {
		t.Fatalf("expected missing placeholder to fail")
	}
}
