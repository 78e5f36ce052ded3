package views

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/marketsync/internal/remote"
	"github.com/MarcoPoloResearchLab/marketsync/internal/session"
	"github.com/gin-gonic/gin"
)

const (
	testToken  = "view-token"
	testUserID = "7"
)

type marketBackend struct {
	mu        sync.Mutex
	orders    []gin.H
	listings  []gin.H
	cartItems int
	counters  []float64
	requests  []string
}

func newMarketBackend() *marketBackend {
	backend := &marketBackend{}
	base := time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)
	for index := 1; index <= 25; index++ {
		status := OrderCompleted
		if index <= 10 {
			status = OrderPending
		}
		backend.orders = append(backend.orders, gin.H{
			"orderId":       index,
			"status":        status,
			"orderDate":     base.Add(time.Duration(index) * time.Hour).Format(time.RFC3339),
			"amount":        float64(index * 10),
			"paymentMethod": "card",
		})
	}
	backend.listings = []gin.H{
		{"id": 1, "title": "Oak desk", "description": "solid wood", "price": 120, "createdAt": "2024-03-01T10:00:00Z"},
		{"id": 2, "title": "Desk lamp", "description": "warm light", "price": 25, "createdAt": "2024-03-02T10:00:00Z"},
		{"id": 3, "title": "Bike", "description": "road bike", "price": 300, "createdAt": "2024-03-03T10:00:00Z"},
	}
	return backend
}

func (b *marketBackend) record(request *http.Request) {
	b.mu.Lock()
	b.requests = append(b.requests, request.Method+" "+request.URL.Path)
	b.mu.Unlock()
}

func (b *marketBackend) requested(line string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, request := range b.requests {
		if request == line {
			return true
		}
	}
	return false
}

func (b *marketBackend) router() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(func(c *gin.Context) {
		if c.GetHeader("Authorization") != "Bearer "+testToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "session expired"})
			return
		}
		b.record(c.Request)
		c.Next()
	})

	router.GET("/api/orders/user/:userId", func(c *gin.Context) {
		if c.Param("userId") != testUserID {
			c.JSON(http.StatusForbidden, gin.H{"message": "not your orders"})
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		c.JSON(http.StatusOK, b.orders)
	})
	router.POST("/api/orders/:id/cancel", func(c *gin.Context) {
		id, _ := strconv.Atoi(c.Param("id"))
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, order := range b.orders {
			if order["orderId"] == id {
				order["status"] = OrderCancelled
				c.Status(http.StatusNoContent)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"message": "order not found"})
	})

	router.GET("/api/listings", func(c *gin.Context) {
		keyword := strings.ToLower(c.Query("keyword"))
		b.mu.Lock()
		defer b.mu.Unlock()
		matched := []gin.H{}
		for _, listing := range b.listings {
			if keyword == "" || strings.Contains(strings.ToLower(listing["title"].(string)), keyword) {
				matched = append(matched, listing)
			}
		}
		c.JSON(http.StatusOK, matched)
	})
	router.GET("/api/listings/:id/images", func(c *gin.Context) {
		id := c.Param("id")
		c.JSON(http.StatusOK, []gin.H{
			{"id": 10, "url": "/images/" + id + "/thumb", "isPrimary": false},
			{"id": 11, "url": "/images/" + id + "/main", "isPrimary": true},
		})
	})
	router.GET("/images/:id/:variant", func(c *gin.Context) {
		c.Data(http.StatusOK, "image/png", []byte(fmt.Sprintf("png-%s-%s", c.Param("id"), c.Param("variant"))))
	})

	router.GET("/api/bids/listing/:listingId", func(c *gin.Context) {
		c.JSON(http.StatusOK, []gin.H{
			{"id": 100, "status": BidPending, "proposedPrice": 90, "createdAt": "2024-03-01T10:00:00Z", "bidder": gin.H{"username": "ana"}},
			{"id": 101, "status": BidPending, "proposedPrice": 95, "createdAt": "2024-03-01T11:00:00Z", "bidder": gin.H{"username": "ben"}},
		})
	})
	router.POST("/api/bids/:id/counter", func(c *gin.Context) {
		var body struct {
			Amount float64 `json:"amount"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": "bad counter"})
			return
		}
		b.mu.Lock()
		b.counters = append(b.counters, body.Amount)
		b.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "status": BidCountered})
	})
	router.POST("/api/bids/listing/:listingId/finalize", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	router.GET("/api/cart/:userId", func(c *gin.Context) {
		b.mu.Lock()
		defer b.mu.Unlock()
		items := make([]gin.H, 0, b.cartItems)
		for index := 0; index < b.cartItems; index++ {
			items = append(items, gin.H{"id": index})
		}
		c.JSON(http.StatusOK, gin.H{"cartItems": items})
	})
	return router
}

func newBackendServer(t *testing.T, backend *marketBackend) string {
	t.Helper()
	server := httptest.NewServer(backend.router())
	t.Cleanup(server.Close)
	return server.URL
}

func newBackendClient(t *testing.T, backend *marketBackend) *remote.Client {
	t.Helper()
	client, err := remote.NewClient(remote.Config{
		BaseURL:     newBackendServer(t, backend),
		Credentials: session.NewStatic(testToken, testUserID),
	})
	if err != nil {
		t.Fatalf("failed to construct remote client: %v", err)
	}
	return client
}
