package views

import (
	"context"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"sync"

	"github.com/MarcoPoloResearchLab/marketsync/internal/apperr"
)

// Registry mounts catalogue views on first use and unmounts them together.
type Registry struct {
	base Config

	mu    sync.Mutex
	views map[string]*View
}

// NewRegistry returns a registry whose views share base; base.Definition is ignored.
func NewRegistry(base Config) *Registry {
	return &Registry{base: base, views: make(map[string]*View)}
}

// Get returns the mounted view for name and vars, mounting it if needed. Each distinct set
// of vars (e.g. one listingId) is its own view. A view whose first fetch failed on the network
// or the server stays mounted with an empty collection and the failure as its LastError. Any
// other mount failure drops the view, so the next Get retries.
func (r *Registry) Get(ctx context.Context, name string, vars map[string]string) (*View, error) {
	definition, ok := Lookup(name)
	if !ok {
		return nil, apperr.Validation(fmt.Sprintf("unknown view %q", name))
	}
	merged := maps.Clone(r.base.Vars)
	if merged == nil {
		merged = make(map[string]string, len(vars))
	}
	maps.Copy(merged, vars)
	key := registryKey(name, merged)

	r.mu.Lock()
	if view, ok := r.views[key]; ok {
		r.mu.Unlock()
		return view, nil
	}
	cfg := r.base
	cfg.Definition = definition
	cfg.Vars = merged
	view, err := New(cfg)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.views[key] = view
	r.mu.Unlock()

	if err := view.Mount(ctx); err != nil {
		if apperr.IsRetryable(err) {
			return view, nil
		}
		r.mu.Lock()
		if r.views[key] == view {
			delete(r.views, key)
		}
		r.mu.Unlock()
		view.Unmount()
		return nil, err
	}
	return view, nil
}

// Mounted lists the keys of the currently mounted views, e.g. "bids?listingId=5".
func (r *Registry) Mounted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := slices.Collect(maps.Keys(r.views))
	slices.Sort(keys)
	return keys
}

func registryKey(name string, vars map[string]string) string {
	if len(vars) == 0 {
		return name
	}
	values := url.Values{}
	for key, value := range vars {
		values.Set(key, value)
	}
	return name + "?" + values.Encode()
}

// Close unmounts every view.
func (r *Registry) Close() {
	r.mu.Lock()
	mounted := r.views
	r.views = make(map[string]*View)
	r.mu.Unlock()
	for _, view := range mounted {
		view.Unmount()
	}
}
