package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/marketsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/marketsync/internal/assets"
	"github.com/MarcoPoloResearchLab/marketsync/internal/collection"
	"github.com/MarcoPoloResearchLab/marketsync/internal/projection"
	"github.com/MarcoPoloResearchLab/marketsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/marketsync/internal/views"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	heartbeatInterval = 25 * time.Second
	listingIDParam    = "listingId"
)

var (
	errMissingViews    = errors.New("view registry dependency required")
	errMissingResolver = errors.New("asset resolver dependency required")
)

// NotificationFeed is the notification surface the server exposes.
type NotificationFeed interface {
	Unread() int
	Notifications() []collection.Record
	MarkRead(ctx context.Context, id string) error
	Refresh(ctx context.Context) error
	LastError() error
}

// CartCount is the polled cart badge.
type CartCount interface {
	Count() int
	LastError() error
	Invalidate()
}

// ConnectionState reports the realtime channel state.
type ConnectionState interface {
	State() realtime.State
}

type Dependencies struct {
	Views          *views.Registry
	Resolver       *assets.Resolver
	Feed           NotificationFeed
	Cart           CartCount
	Connection     ConnectionState
	Events         *EventDispatcher
	Metrics        http.Handler
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the local view server.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Views == nil {
		return nil, errMissingViews
	}
	if deps.Resolver == nil {
		return nil, errMissingResolver
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = NewEventDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		views:      deps.Views,
		resolver:   deps.Resolver,
		feed:       deps.Feed,
		cart:       deps.Cart,
		connection: deps.Connection,
		events:     events,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/views", handler.handleListViews)
	router.GET("/views/:name", handler.handleRender)
	router.POST("/views/:name/refresh", handler.handleRefresh)
	router.POST("/views/:name/actions/:action", handler.handleAction)
	router.GET("/views/:name/images", handler.handleImages)
	router.GET("/views/:name/stream", handler.handleViewStream)
	router.GET("/assets/:id", handler.handleAsset)
	router.GET("/events", handler.handleEvents)
	if deps.Feed != nil {
		router.GET("/notifications", handler.handleNotifications)
		router.POST("/notifications/:id/read", handler.handleMarkRead)
	}
	if deps.Cart != nil {
		router.GET("/cart", handler.handleCart)
		router.POST("/cart/refresh", handler.handleCartRefresh)
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	return router, nil
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	views      *views.Registry
	resolver   *assets.Resolver
	feed       NotificationFeed
	cart       CartCount
	connection ConnectionState
	events     *EventDispatcher
	logger     *zap.Logger
}

type recordPayload struct {
	ID        string         `json:"id"`
	Status    string         `json:"status,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitzero"`
	Pending   bool           `json:"pending,omitempty"`
	Data      map[string]any `json:"data"`
}

type renderResponse struct {
	View    string               `json:"view"`
	State   projection.ViewState `json:"state"`
	Page    projection.Page      `json:"page"`
	Records []recordPayload      `json:"records"`
	Stale   bool                 `json:"stale"`
	Error   *errorPayload        `json:"error,omitempty"`
}

type errorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type actionRequestPayload struct {
	ID     string  `json:"id"`
	Amount float64 `json:"amount"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	response := gin.H{"status": "ok", "views": h.views.Mounted()}
	if h.connection != nil {
		response["realtime"] = h.connection.State().String()
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleListViews(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"views": views.Names()})
}

func (h *httpHandler) handleRender(c *gin.Context) {
	view, ok := h.view(c)
	if !ok {
		return
	}
	if len(c.Request.URL.Query()) > 0 {
		state, err := projection.FromQuery(c.Request.URL.Query(), view.State())
		if err != nil {
			h.writeError(c, err)
			return
		}
		if err := view.SetState(c.Request.Context(), state); err != nil && apperr.KindOf(err) == apperr.KindValidation {
			h.writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, h.render(view))
}

func (h *httpHandler) handleRefresh(c *gin.Context) {
	view, ok := h.view(c)
	if !ok {
		return
	}
	if err := view.Refresh(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.render(view))
}

func (h *httpHandler) handleAction(c *gin.Context) {
	view, ok := h.view(c)
	if !ok {
		return
	}
	var request actionRequestPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	err := view.Perform(c.Request.Context(), views.ActionRequest{
		Name:   c.Param("action"),
		ID:     request.ID,
		Amount: request.Amount,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.render(view))
}

func (h *httpHandler) handleImages(c *gin.Context) {
	view, ok := h.view(c)
	if !ok {
		return
	}
	page, _ := view.Render()
	handles, err := view.Images(c.Request.Context(), page.Records)
	if errors.Is(err, views.ErrNoImages) {
		c.JSON(http.StatusNotFound, gin.H{"error": "view_has_no_images"})
		return
	}
	if err != nil {
		h.logger.Warn("some images could not be resolved", zap.String("view", view.Name()), zap.Error(err))
	}
	urls := make(map[string]string, len(handles))
	for recordID, handle := range handles {
		urls[recordID] = "/assets/" + handle.ID()
	}
	c.JSON(http.StatusOK, gin.H{"images": urls})
}

func (h *httpHandler) handleAsset(c *gin.Context) {
	handle, ok := h.resolver.Lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "asset_not_found"})
		return
	}
	data, err := handle.Bytes()
	if err != nil {
		c.JSON(http.StatusGone, gin.H{"error": "asset_released"})
		return
	}
	contentType := handle.ContentType()
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, contentType, data)
}

func (h *httpHandler) handleViewStream(c *gin.Context) {
	view, ok := h.view(c)
	if !ok {
		return
	}
	changes, cleanup := view.Client().Collection().Subscribe(c.Request.Context())
	defer cleanup()

	h.prepareStream(c)
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case change, ok := <-changes:
			if !ok {
				return false
			}
			c.SSEvent(string(change.Kind), gin.H{
				"view":    view.Name(),
				"ids":     change.IDs,
				"version": change.Version,
				"source":  eventSource,
			})
			return true
		case <-heartbeat.C:
			c.SSEvent(eventHeartbeat, gin.H{"ts": time.Now().UTC().Unix()})
			return true
		}
	})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	topic := strings.TrimSpace(c.Query("topic"))
	if topic == "" {
		topic = TopicEvents
	}
	stream, cleanup := h.events.Subscribe(c.Request.Context(), topic)
	defer cleanup()

	h.prepareStream(c)
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			payload := gin.H{
				"ids":    message.IDs,
				"ts":     message.Timestamp.Unix(),
				"source": eventSource,
			}
			for key, value := range message.Data {
				payload[key] = value
			}
			c.SSEvent(message.EventType, payload)
			return true
		case <-heartbeat.C:
			c.SSEvent(eventHeartbeat, gin.H{"ts": time.Now().UTC().Unix()})
			return true
		}
	})
}

func (h *httpHandler) handleNotifications(c *gin.Context) {
	if c.Query("refresh") == "true" {
		if err := h.feed.Refresh(c.Request.Context()); err != nil && !errors.Is(err, collection.ErrStale) {
			h.writeError(c, err)
			return
		}
	}
	notifications := h.feed.Notifications()
	records := make([]recordPayload, 0, len(notifications))
	for _, record := range notifications {
		records = append(records, toRecordPayload(record))
	}
	response := gin.H{"unread": h.feed.Unread(), "notifications": records}
	if payload := toErrorPayload(h.feed.LastError()); payload != nil {
		response["error"] = payload
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	if err := h.feed.MarkRead(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": h.feed.Unread()})
}

func (h *httpHandler) handleCart(c *gin.Context) {
	response := gin.H{"count": h.cart.Count()}
	if payload := toErrorPayload(h.cart.LastError()); payload != nil {
		response["error"] = payload
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleCartRefresh(c *gin.Context) {
	h.cart.Invalidate()
	c.JSON(http.StatusAccepted, gin.H{"count": h.cart.Count()})
}

func (h *httpHandler) view(c *gin.Context) (*views.View, bool) {
	var vars map[string]string
	if listingID := strings.TrimSpace(c.Query(listingIDParam)); listingID != "" {
		vars = map[string]string{listingIDParam: listingID}
	}
	view, err := h.views.Get(c.Request.Context(), c.Param("name"), vars)
	if err != nil {
		h.writeError(c, err)
		return nil, false
	}
	return view, true
}

func (h *httpHandler) render(view *views.View) renderResponse {
	page, state := view.Render()
	records := make([]recordPayload, 0, len(page.Records))
	for _, record := range page.Records {
		records = append(records, toRecordPayload(record))
	}
	return renderResponse{
		View:    view.Name(),
		State:   state,
		Page:    page,
		Records: records,
		Stale:   view.Client().Stale(),
		Error:   toErrorPayload(view.LastError()),
	}
}

func (h *httpHandler) prepareStream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": toErrorPayload(err)})
}

func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAuth:
		return http.StatusUnauthorized
	case apperr.KindNetwork, apperr.KindServer:
		return http.StatusBadGateway
	}
	if errors.Is(err, views.ErrNotMounted) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func toErrorPayload(err error) *errorPayload {
	if err == nil {
		return nil
	}
	kind := string(apperr.KindOf(err))
	if kind == "" {
		kind = "internal"
	}
	return &errorPayload{Kind: kind, Message: apperr.Message(err)}
}

func toRecordPayload(record collection.Record) recordPayload {
	return recordPayload{
		ID:        record.ID,
		Status:    record.Status,
		Timestamp: record.Timestamp,
		Pending:   record.Pending,
		Data:      record.Fields,
	}
}
