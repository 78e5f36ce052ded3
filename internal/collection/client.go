package collection

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/marketsync/internal/apperr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrStale reports that a response arrived after a newer request was issued and was discarded.
	ErrStale = errors.New("collection: response superseded by a newer request")
	// ErrNoRequest is returned by Refresh before any Fetch was issued.
	ErrNoRequest = errors.New("collection: no request to refresh")

	errMissingRemote     = errors.New("collection: remote required")
	errMissingCollection = errors.New("collection: collection required")
)

// Remote is the slice of the REST adapter the client needs.
type Remote interface {
	GetCollection(ctx context.Context, endpoint string, params url.Values) ([]map[string]any, int, error)
	Do(ctx context.Context, method, endpoint string, payload any, out any) error
}

// Observer receives fetch outcomes, typically for metrics.
type Observer interface {
	FetchCompleted(name string, err error, elapsed time.Duration)
	StaleDiscarded(name string)
}

// ClientConfig describes the dependencies of a Client.
type ClientConfig struct {
	Name          string
	Remote        Remote
	Collection    *Collection
	Schema        Schema
	Logger        *zap.Logger
	Observer      Observer
	OnAuthFailure func(error)
}

// Client keeps one Collection in sync with a remote collection endpoint.
type Client struct {
	name          string
	remote        Remote
	collection    *Collection
	schema        Schema
	logger        *zap.Logger
	observer      Observer
	onAuthFailure func(error)
	group         singleflight.Group

	mu         sync.Mutex
	flights    map[string]*flight
	generation uint64
	endpoint   string
	params     url.Values
	lastErr    error
	total      int
	stale      bool
	fetched    bool
}

type fetchResult struct {
	records []Record
	total   int
}

// flight carries the context of one shared backend call. It is cancelled once every caller
// waiting on the call has gone.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	if cfg.Collection == nil {
		return nil, errMissingCollection
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		name:          cfg.Name,
		remote:        cfg.Remote,
		collection:    cfg.Collection,
		schema:        cfg.Schema,
		logger:        logger,
		observer:      cfg.Observer,
		onAuthFailure: cfg.OnAuthFailure,
		flights:       make(map[string]*flight),
		stale:         true,
	}, nil
}

// Collection returns the cache this client writes into.
func (c *Client) Collection() *Collection {
	return c.collection
}

// Fetch loads endpoint with params and replaces the collection wholesale. Identical in-flight
// requests share one backend call, which runs until its last waiting caller is done. Only the most recently issued request may apply its result;
// older responses return ErrStale and leave the collection alone. Failures leave the
// collection untouched and are kept as LastError.
func (c *Client) Fetch(ctx context.Context, endpoint string, params url.Values) error {
	params = cloneValues(params)
	c.mu.Lock()
	c.generation++
	generation := c.generation
	c.endpoint = endpoint
	c.params = params
	c.mu.Unlock()

	started := time.Now()
	key := endpoint + "?" + params.Encode()
	shared, leave := c.join(ctx, key)
	results := c.group.DoChan(key, func() (any, error) {
		items, total, err := c.remote.GetCollection(shared, endpoint, params)
		if err != nil {
			return nil, err
		}
		return fetchResult{records: c.decode(items), total: total}, nil
	})
	var value any
	var err error
	select {
	case result := <-results:
		value, err = result.Val, result.Err
	case <-ctx.Done():
		err = apperr.Network(ctx.Err())
	}
	leave()

	c.mu.Lock()
	if generation != c.generation {
		c.mu.Unlock()
		c.logger.Debug("discarding stale response",
			zap.String("collection", c.name),
			zap.String("endpoint", endpoint))
		if c.observer != nil {
			c.observer.StaleDiscarded(c.name)
		}
		return ErrStale
	}
	if err != nil {
		c.lastErr = err
		c.mu.Unlock()
		c.report(err, started)
		return err
	}
	result := value.(fetchResult)
	// Applied under c.mu so a newer request cannot interleave its own Replace.
	c.collection.Replace(result.records)
	c.lastErr = nil
	c.total = result.total
	c.stale = false
	c.fetched = true
	c.mu.Unlock()
	c.report(nil, started)
	return nil
}

// join registers the caller on the shared call for key and returns the call's context. The
// returned func must run once the caller stops waiting.
func (c *Client) join(ctx context.Context, key string) (context.Context, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.flights[key]
	if !ok {
		shared, cancel := context.WithCancel(context.WithoutCancel(ctx))
		current = &flight{ctx: shared, cancel: cancel}
		c.flights[key] = current
	}
	current.waiters++
	return current.ctx, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		current.waiters--
		if current.waiters > 0 {
			return
		}
		current.cancel()
		if c.flights[key] == current {
			delete(c.flights, key)
			// A cancelled call must not be joined by later callers.
			c.group.Forget(key)
		}
	}
}

// Refresh re-issues the latest request.
func (c *Client) Refresh(ctx context.Context) error {
	c.mu.Lock()
	endpoint, params := c.endpoint, c.params
	c.mu.Unlock()
	if endpoint == "" {
		return ErrNoRequest
	}
	return c.Fetch(ctx, endpoint, params)
}

// Mutate performs a mutating call and then refetches the whole collection instead of
// patching the local copy. A failed call leaves the collection untouched.
func (c *Client) Mutate(ctx context.Context, method, endpoint string, payload any) error {
	if err := c.remote.Do(ctx, method, endpoint, payload, nil); err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		c.notifyAuth(err)
		return err
	}
	c.Invalidate()
	if err := c.Refresh(ctx); err != nil && !errors.Is(err, ErrNoRequest) && !errors.Is(err, ErrStale) {
		return fmt.Errorf("refetch after %s %s: %w", method, endpoint, err)
	}
	return nil
}

// Invalidate marks the cache as stale, e.g. after a realtime push hinted at a change.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()
}

// Stale reports whether the cache needs a refetch.
func (c *Client) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale
}

// LastError is the failure of the latest applied request, or nil.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Total is the server's total count from the latest applied response.
func (c *Client) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Fetched reports whether at least one response was applied.
func (c *Client) Fetched() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetched
}

func (c *Client) decode(items []map[string]any) []Record {
	records := make([]Record, 0, len(items))
	for index, item := range items {
		record, err := c.schema.Decode(item)
		if err != nil {
			c.logger.Warn("skipping undecodable record",
				zap.String("collection", c.name),
				zap.Int("index", index),
				zap.Error(err))
			continue
		}
		records = append(records, record)
	}
	return records
}

func (c *Client) report(err error, started time.Time) {
	if c.observer != nil {
		c.observer.FetchCompleted(c.name, err, time.Since(started))
	}
	if err == nil {
		return
	}
	c.logger.Warn("collection fetch failed",
		zap.String("collection", c.name),
		zap.String("kind", string(apperr.KindOf(err))),
		zap.Error(err))
	c.notifyAuth(err)
}

func (c *Client) notifyAuth(err error) {
	if c.onAuthFailure != nil && errors.Is(err, apperr.ErrAuth) {
		c.onAuthFailure(err)
	}
}

func cloneValues(values url.Values) url.Values {
	clone := make(url.Values, len(values))
	for key, entries := range values {
		clone[key] = append([]string(nil), entries...)
	}
	return clone
}
