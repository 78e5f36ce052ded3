package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/marketsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/marketsync/internal/assets"
	"github.com/MarcoPoloResearchLab/marketsync/internal/collection"
	"github.com/MarcoPoloResearchLab/marketsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/marketsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/marketsync/internal/remote"
	"github.com/MarcoPoloResearchLab/marketsync/internal/session"
	"github.com/MarcoPoloResearchLab/marketsync/internal/views"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type backendStub struct {
	mu     sync.Mutex
	orders []gin.H
}

func newBackendStub() *backendStub {
	stub := &backendStub{}
	for index := 1; index <= 12; index++ {
		status := "COMPLETED"
		if index%3 == 0 {
			status = "PENDING"
		}
		stub.orders = append(stub.orders, gin.H{
			"orderId":   index,
			"status":    status,
			"createdAt": []int{2024, 3, index, 12, 0, 0},
			"total":     index * 5,
		})
	}
	return stub
}

func (s *backendStub) handler() http.Handler {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(func(c *gin.Context) {
		if c.GetHeader("Authorization") != "Bearer server-token" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "session expired"})
			return
		}
		c.Next()
	})
	router.GET("/api/orders/user/:userId", func(c *gin.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()
		c.JSON(http.StatusOK, s.orders)
	})
	router.POST("/api/orders/:id/complete", func(c *gin.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, order := range s.orders {
			if c.Param("id") == strconv.Itoa(order["orderId"].(int)) {
				order["status"] = "COMPLETED"
			}
		}
		c.Status(http.StatusOK)
	})
	router.GET("/api/listings", func(c *gin.Context) {
		c.JSON(http.StatusOK, []gin.H{{"id": 4, "title": "Chair", "price": 40, "createdAt": "2024-03-01T10:00:00Z"}})
	})
	router.GET("/api/listings/:id/images", func(c *gin.Context) {
		c.JSON(http.StatusOK, []gin.H{{"id": 1, "url": "/blobs/" + c.Param("id"), "isPrimary": true}})
	})
	router.GET("/blobs/:id", func(c *gin.Context) {
		c.Data(http.StatusOK, "image/jpeg", []byte("jpeg-"+c.Param("id")))
	})
	return router
}

type feedStub struct {
	mu     sync.Mutex
	unread map[string]bool
	err    error
}

func (f *feedStub) Unread() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, unread := range f.unread {
		if unread {
			count++
		}
	}
	return count
}

func (f *feedStub) Notifications() []collection.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	records := make([]collection.Record, 0, len(f.unread))
	for id := range f.unread {
		records = append(records, collection.Record{ID: id, Fields: map[string]any{"message": "bid received"}})
	}
	return records
}

func (f *feedStub) MarkRead(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.unread[id] = false
	return nil
}

func (f *feedStub) Refresh(context.Context) error { return nil }

func (f *feedStub) LastError() error { return nil }

type cartStub struct {
	count       int
	invalidated int
}

func (c *cartStub) Count() int       { return c.count }
func (c *cartStub) LastError() error { return nil }
func (c *cartStub) Invalidate()      { c.invalidated++ }

type connectionStub struct{}

func (connectionStub) State() realtime.State { return realtime.StateConnected }

type testServer struct {
	url      string
	resolver *assets.Resolver
	registry *views.Registry
	feed     *feedStub
	cart     *cartStub
	events   *EventDispatcher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	backend := httptest.NewServer(newBackendStub().handler())
	t.Cleanup(backend.Close)

	client, err := remote.NewClient(remote.Config{
		BaseURL:     backend.URL,
		Credentials: session.NewStatic("server-token", "9"),
	})
	if err != nil {
		t.Fatalf("remote client: %v", err)
	}
	collector := metrics.New()
	resolver, err := assets.NewResolver(assets.ResolverConfig{Fetcher: client, Observer: collector})
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	registry := views.NewRegistry(views.Config{
		Remote:      client,
		Credentials: client.Credentials(),
		Resolver:    resolver,
		PageSize:    5,
		Observer:    collector,
	})
	t.Cleanup(registry.Close)

	feed := &feedStub{unread: map[string]bool{"n1": true, "n2": true}}
	cart := &cartStub{count: 3}
	events := NewEventDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		Views:      registry,
		Resolver:   resolver,
		Feed:       feed,
		Cart:       cart,
		Connection: connectionStub{},
		Events:     events,
		Metrics:    collector.Handler(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testServer{url: server.URL, resolver: resolver, registry: registry, feed: feed, cart: cart, events: events}
}

func doJSON(t *testing.T, method, target string, body string, out any) int {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	request, err := http.NewRequest(method, target, reader)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	defer response.Body.Close()
	if out != nil {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", target, err)
		}
	}
	return response.StatusCode
}

type renderBody struct {
	View  string `json:"view"`
	State struct {
		StatusFilter string `json:"statusFilter"`
		PageIndex    int    `json:"pageIndex"`
	} `json:"state"`
	Page struct {
		TotalMatchCount int `json:"totalMatchCount"`
		TotalPages      int `json:"totalPages"`
	} `json:"page"`
	Records []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"records"`
	Error *errorPayload `json:"error"`
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Fatalf("expected missing registry to fail")
	}
	if _, err := NewHTTPHandler(Dependencies{Views: views.NewRegistry(views.Config{})}); err == nil {
		t.Fatalf("expected missing resolver to fail")
	}
}

func TestRenderViewFromQuery(t *testing.T) {
	server := newTestServer(t)

	var body renderBody
	status := doJSON(t, http.MethodGet, server.url+"/views/orders?status=pending&sort=total&dir=asc", "", &body)
	if status != http.StatusOK {
		t.Fatalf("unexpected status %d", status)
	}
	if body.View != "orders" || body.State.StatusFilter != "PENDING" {
		t.Fatalf("unexpected view state %+v", body.State)
	}
	if body.Page.TotalMatchCount != 4 || len(body.Records) != 4 {
		t.Fatalf("expected 4 pending orders, got %d (%d records)", body.Page.TotalMatchCount, len(body.Records))
	}
	if body.Records[0].ID != "3" || body.Records[3].ID != "12" {
		t.Fatalf("expected ascending totals, got %s..%s", body.Records[0].ID, body.Records[3].ID)
	}

	status = doJSON(t, http.MethodGet, server.url+"/views/orders?status=all&page=9", "", &body)
	if status != http.StatusOK || body.State.PageIndex != 1 || body.Page.TotalPages != 3 {
		t.Fatalf("expected clamped first page of 3, got status %d state %+v page %+v", status, body.State, body.Page)
	}

	doJSON(t, http.MethodGet, server.url+"/views/orders?status=all&page=2", "", &body)
	status = doJSON(t, http.MethodGet, server.url+"/views/orders?status=all", "", &body)
	if status != http.StatusOK || body.State.PageIndex != 2 {
		t.Fatalf("expected a repeated filter to stay on page 2, got status %d state %+v", status, body.State)
	}
}

func TestRenderRejectsInvalidQuery(t *testing.T) {
	server := newTestServer(t)

	var failure struct {
		Error errorPayload `json:"error"`
	}
	status := doJSON(t, http.MethodGet, server.url+"/views/orders?min=50&max=10", "", &failure)
	if status != http.StatusBadRequest || failure.Error.Kind != string(apperr.KindValidation) {
		t.Fatalf("expected validation failure, got %d %+v", status, failure)
	}
	status = doJSON(t, http.MethodGet, server.url+"/views/unknown", "", &failure)
	if status != http.StatusBadRequest {
		t.Fatalf("expected unknown view to be rejected, got %d", status)
	}
}

func TestActionRefetchesView(t *testing.T) {
	server := newTestServer(t)

	var body renderBody
	if status := doJSON(t, http.MethodPost, server.url+"/views/orders/actions/complete", `{"id":"3"}`, &body); status != http.StatusOK {
		t.Fatalf("unexpected action status %d", status)
	}
	view, err := server.registry.Get(context.Background(), "orders", nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	record, ok := view.Client().Collection().Get("3")
	if !ok || record.Status != "COMPLETED" {
		t.Fatalf("expected order 3 to be completed after refetch, got %q", record.Status)
	}

	var failure struct {
		Error errorPayload `json:"error"`
	}
	if status := doJSON(t, http.MethodPost, server.url+"/views/orders/actions/accept", `{"id":"3"}`, &failure); status != http.StatusBadRequest {
		t.Fatalf("expected unsupported action to be rejected, got %d", status)
	}
}

func TestImagesServedThroughAssetRoute(t *testing.T) {
	server := newTestServer(t)

	var images struct {
		Images map[string]string `json:"images"`
	}
	if status := doJSON(t, http.MethodGet, server.url+"/views/listings/images", "", &images); status != http.StatusOK {
		t.Fatalf("unexpected images status %d", status)
	}
	assetPath, ok := images.Images["4"]
	if !ok {
		t.Fatalf("expected an image for listing 4, got %v", images.Images)
	}

	response, err := http.Get(server.url + assetPath)
	if err != nil {
		t.Fatalf("asset: %v", err)
	}
	data, _ := io.ReadAll(response.Body)
	response.Body.Close()
	if response.StatusCode != http.StatusOK || string(data) != "jpeg-4" || response.Header.Get("Content-Type") != "image/jpeg" {
		t.Fatalf("unexpected asset response %d %q %q", response.StatusCode, data, response.Header.Get("Content-Type"))
	}

	server.registry.Close()
	if server.resolver.Live() != 0 {
		t.Fatalf("expected handles released when views unmount")
	}
	response, err = http.Get(server.url + assetPath)
	if err != nil {
		t.Fatalf("asset after release: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected released asset to be gone, got %d", response.StatusCode)
	}

	if status := doJSON(t, http.MethodGet, server.url+"/views/orders/images", "", nil); status != http.StatusNotFound {
		t.Fatalf("expected orders to have no images, got %d", status)
	}
}

func TestNotificationAndCartRoutes(t *testing.T) {
	server := newTestServer(t)

	var notifications struct {
		Unread        int             `json:"unread"`
		Notifications []recordPayload `json:"notifications"`
	}
	if status := doJSON(t, http.MethodGet, server.url+"/notifications", "", &notifications); status != http.StatusOK {
		t.Fatalf("unexpected status %d", status)
	}
	if notifications.Unread != 2 || len(notifications.Notifications) != 2 {
		t.Fatalf("unexpected notifications %+v", notifications)
	}

	var marked struct {
		Unread int `json:"unread"`
	}
	if status := doJSON(t, http.MethodPost, server.url+"/notifications/n1/read", "", &marked); status != http.StatusOK || marked.Unread != 1 {
		t.Fatalf("expected unread 1 after mark-read, got %d (status %d)", marked.Unread, status)
	}

	server.feed.mu.Lock()
	server.feed.err = apperr.Server(http.StatusInternalServerError, "notification store down")
	server.feed.mu.Unlock()
	var failure struct {
		Error errorPayload `json:"error"`
	}
	if status := doJSON(t, http.MethodPost, server.url+"/notifications/n2/read", "", &failure); status != http.StatusBadGateway || failure.Error.Message != "notification store down" {
		t.Fatalf("expected backend failure to surface, got %d %+v", status, failure)
	}

	var cart struct {
		Count int `json:"count"`
	}
	if status := doJSON(t, http.MethodGet, server.url+"/cart", "", &cart); status != http.StatusOK || cart.Count != 3 {
		t.Fatalf("unexpected cart response %d %+v", status, cart)
	}
	if status := doJSON(t, http.MethodPost, server.url+"/cart/refresh", "", nil); status != http.StatusAccepted || server.cart.invalidated != 1 {
		t.Fatalf("expected cart invalidation, got status %d", status)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	server := newTestServer(t)

	var health struct {
		Status   string `json:"status"`
		Realtime string `json:"realtime"`
	}
	if status := doJSON(t, http.MethodGet, server.url+"/healthz", "", &health); status != http.StatusOK {
		t.Fatalf("unexpected health status %d", status)
	}
	if health.Status != "ok" || health.Realtime != realtime.StateConnected.String() {
		t.Fatalf("unexpected health payload %+v", health)
	}

	doJSON(t, http.MethodGet, server.url+"/views/orders", "", nil)
	response, err := http.Get(server.url + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	data, _ := io.ReadAll(response.Body)
	response.Body.Close()
	if !strings.Contains(string(data), `marketsync_fetches_total{outcome="ok",view="orders"} 1`) {
		t.Fatalf("expected the orders fetch to be counted:\n%s", data)
	}
}
