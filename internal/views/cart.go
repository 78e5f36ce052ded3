package views

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/marketsync/internal/poller"
	"github.com/MarcoPoloResearchLab/marketsync/internal/remote"
	"github.com/MarcoPoloResearchLab/marketsync/internal/session"
	"go.uber.org/zap"
)

const cartEndpoint = "/api/cart/{userId}"

var errMissingFetcher = errors.New("views: cart fetcher required")

// JSONGetter fetches one JSON document.
type JSONGetter interface {
	GetJSON(ctx context.Context, endpoint string, params url.Values, out any) error
}

// CartConfig describes a CartCounter.
type CartConfig struct {
	Remote      JSONGetter
	Credentials session.Credentials
	Interval    time.Duration
	Logger      *zap.Logger
	// OnChange runs after each poll whose count differs from the previous one.
	OnChange func(count int)
}

// CartCounter polls the user's cart and exposes the number of items in it.
type CartCounter struct {
	remote      JSONGetter
	credentials session.Credentials
	onChange    func(int)
	poller      *poller.Poller

	mu    sync.Mutex
	count int
	known bool
}

type cartPayload struct {
	CartItems []json.RawMessage `json:"cartItems"`
}

func NewCartCounter(cfg CartConfig) (*CartCounter, error) {
	if cfg.Remote == nil {
		return nil, errMissingFetcher
	}
	if cfg.Credentials == nil {
		return nil, errMissingCredentials
	}
	counter := &CartCounter{
		remote:      cfg.Remote,
		credentials: cfg.Credentials,
		onChange:    cfg.OnChange,
	}
	p, err := poller.New(poller.Config{
		Name:     "cart",
		Interval: cfg.Interval,
		Task:     counter.poll,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	counter.poller = p
	return counter, nil
}

// Start begins polling until Stop or ctx ends.
func (c *CartCounter) Start(ctx context.Context) {
	c.poller.Start(ctx)
}

// Stop ends polling and waits for an in-flight poll.
func (c *CartCounter) Stop() {
	c.poller.Stop()
}

// Invalidate polls right away, e.g. after an item was added to the cart.
func (c *CartCounter) Invalidate() {
	c.poller.Trigger()
}

// Count is the latest known number of cart items.
func (c *CartCounter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// LastError is the error of the latest poll.
func (c *CartCounter) LastError() error {
	return c.poller.LastError()
}

func (c *CartCounter) poll(ctx context.Context) error {
	userID, err := c.credentials.UserID(ctx)
	if err != nil {
		return err
	}
	endpoint, err := remote.ResolvePath(cartEndpoint, map[string]string{"userId": userID})
	if err != nil {
		return err
	}
	var cart cartPayload
	if err := c.remote.GetJSON(ctx, endpoint, nil, &cart); err != nil {
		return err
	}

	count := len(cart.CartItems)
	c.mu.Lock()
	changed := !c.known || c.count != count
	c.count, c.known = count, true
	c.mu.Unlock()
	if changed && c.onChange != nil {
		c.onChange(count)
	}
	return nil
}
