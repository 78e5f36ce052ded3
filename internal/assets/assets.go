// Package assets resolves authenticated binary resources into locally scoped handles that are
// released exactly once, when their owner unmounts or when a newer handle supersedes them.
package assets

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const handleURLPrefix = "blob:marketsync/"

var (
	// ErrReleased is returned when a handle is used after release.
	ErrReleased = errors.New("assets: handle released")
	// ErrNoImage is returned when a resource has no images.
	ErrNoImage = errors.New("assets: no image available")

	errMissingFetcher = errors.New("assets: fetcher required")
)

// Fetcher is the slice of the REST adapter the resolver needs.
type Fetcher interface {
	GetJSON(ctx context.Context, endpoint string, params url.Values, out any) error
	GetBytes(ctx context.Context, resource string) ([]byte, string, error)
}

// Observer tracks live handles, typically for metrics.
type Observer interface {
	HandleAcquired()
	HandleReleased()
}

// Image is one entry of a resource's image list.
type Image struct {
	ID        any    `json:"id"`
	URL       string `json:"url"`
	IsPrimary bool   `json:"isPrimary"`
}

// Handle is a locally addressable copy of a binary resource.
type Handle struct {
	id          string
	source      string
	contentType string

	mu        sync.RWMutex
	data      []byte
	released  atomic.Bool
	once      sync.Once
	onRelease func(*Handle)
}

func (h *Handle) ID() string {
	return h.id
}

// URL is the local reference handed to renderers in place of the remote url.
func (h *Handle) URL() string {
	return handleURLPrefix + h.id
}

// Source is the remote url the bytes were fetched from.
func (h *Handle) Source() string {
	return h.source
}

func (h *Handle) ContentType() string {
	return h.contentType
}

// Bytes returns the payload or ErrReleased.
func (h *Handle) Bytes() ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.released.Load() {
		return nil, ErrReleased
	}
	return h.data, nil
}

// Released reports whether Release has run.
func (h *Handle) Released() bool {
	return h.released.Load()
}

// Release frees the payload. Only the first call has an effect; it reports whether this call
// performed the release.
func (h *Handle) Release() bool {
	released := false
	h.once.Do(func() {
		h.mu.Lock()
		h.released.Store(true)
		h.data = nil
		h.mu.Unlock()
		released = true
		if h.onRelease != nil {
			h.onRelease(h)
		}
	})
	return released
}

// ResolverConfig describes the dependencies of a Resolver.
type ResolverConfig struct {
	Fetcher  Fetcher
	Logger   *zap.Logger
	Observer Observer
}

// Resolver fetches images and tracks every live handle so they can be served by id.
type Resolver struct {
	fetcher  Fetcher
	logger   *zap.Logger
	observer Observer

	mu   sync.RWMutex
	live map[string]*Handle
}

// NewResolver validates cfg and returns a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Fetcher == nil {
		return nil, errMissingFetcher
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		fetcher:  cfg.Fetcher,
		logger:   logger,
		observer: cfg.Observer,
		live:     make(map[string]*Handle),
	}, nil
}

// SelectPrimary picks the image flagged primary, else the first one.
func SelectPrimary(images []Image) (Image, bool) {
	if len(images) == 0 {
		return Image{}, false
	}
	for _, image := range images {
		if image.IsPrimary {
			return image, true
		}
	}
	return images[0], true
}

// ResolvePrimary lists the images at imagesEndpoint, picks the primary one and fetches its
// bytes with the caller's credentials.
func (r *Resolver) ResolvePrimary(ctx context.Context, imagesEndpoint string) (*Handle, error) {
	var images []Image
	if err := r.fetcher.GetJSON(ctx, imagesEndpoint, nil, &images); err != nil {
		return nil, err
	}
	image, ok := SelectPrimary(images)
	if !ok || image.URL == "" {
		return nil, ErrNoImage
	}
	return r.Resolve(ctx, image.URL)
}

// Resolve fetches resource and wraps it in a new handle.
func (r *Resolver) Resolve(ctx context.Context, resource string) (*Handle, error) {
	data, contentType, err := r.fetcher.GetBytes(ctx, resource)
	if err != nil {
		return nil, err
	}
	handle := &Handle{
		id:          uuid.NewString(),
		source:      resource,
		contentType: contentType,
		data:        data,
		onRelease:   r.forget,
	}
	r.mu.Lock()
	r.live[handle.id] = handle
	r.mu.Unlock()
	if r.observer != nil {
		r.observer.HandleAcquired()
	}
	r.logger.Debug("asset handle acquired",
		zap.String("handle_id", handle.id),
		zap.String("source", resource),
		zap.Int("bytes", len(data)))
	return handle, nil
}

// Lookup returns a live handle by id.
func (r *Resolver) Lookup(id string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handle, ok := r.live[id]
	return handle, ok
}

// Live counts handles that have not been released.
func (r *Resolver) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

func (r *Resolver) forget(handle *Handle) {
	r.mu.Lock()
	delete(r.live, handle.id)
	r.mu.Unlock()
	if r.observer != nil {
		r.observer.HandleReleased()
	}
	r.logger.Debug("asset handle released", zap.String("handle_id", handle.id))
}
