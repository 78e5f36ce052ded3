package views

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/marketsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/marketsync/internal/assets"
	"github.com/MarcoPoloResearchLab/marketsync/internal/collection"
	"github.com/MarcoPoloResearchLab/marketsync/internal/projection"
	"github.com/MarcoPoloResearchLab/marketsync/internal/remote"
	"github.com/MarcoPoloResearchLab/marketsync/internal/session"
	"go.uber.org/zap"
)

var (
	// ErrNotMounted is returned by operations on a view that is not mounted.
	ErrNotMounted = errors.New("views: view is not mounted")
	// ErrNoImages is returned by Images for views without an image endpoint.
	ErrNoImages = errors.New("views: view has no images")

	errMissingDefinition  = errors.New("views: definition required")
	errMissingRemote      = errors.New("views: remote required")
	errMissingCredentials = errors.New("views: credentials required")
)

// Config describes the dependencies of a View.
type Config struct {
	Definition  Definition
	Remote      collection.Remote
	Credentials session.Credentials
	// Resolver enables image resolution; nil disables it.
	Resolver *assets.Resolver
	// Vars fills endpoint placeholders other than {userId}, such as {listingId}.
	Vars          map[string]string
	PageSize      int
	Logger        *zap.Logger
	Observer      collection.Observer
	OnAuthFailure func(error)
}

// View is one mounted list screen: the collection it owns, the client keeping it in sync,
// the user's ViewState, and the image handles acquired while mounted.
type View struct {
	definition  Definition
	client      *collection.Client
	credentials session.Credentials
	resolver    *assets.Resolver
	vars        map[string]string
	logger      *zap.Logger

	mu       sync.Mutex
	state    projection.ViewState
	endpoint string
	scope    *assets.Scope
	lifetime context.Context
	cancel   context.CancelFunc
}

// New builds an unmounted view.
func New(cfg Config) (*View, error) {
	if cfg.Definition.Name == "" || cfg.Definition.Endpoint == "" {
		return nil, errMissingDefinition
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	if cfg.Credentials == nil {
		return nil, errMissingCredentials
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("view", cfg.Definition.Name))
	client, err := collection.NewClient(collection.ClientConfig{
		Name:          cfg.Definition.Name,
		Remote:        cfg.Remote,
		Collection:    collection.New(),
		Schema:        cfg.Definition.Schema,
		Logger:        logger,
		Observer:      cfg.Observer,
		OnAuthFailure: cfg.OnAuthFailure,
	})
	if err != nil {
		return nil, err
	}
	vars := make(map[string]string, len(cfg.Vars)+1)
	maps.Copy(vars, cfg.Vars)
	return &View{
		definition:  cfg.Definition,
		client:      client,
		credentials: cfg.Credentials,
		resolver:    cfg.Resolver,
		vars:        vars,
		logger:      logger,
		state:       projection.Defaults(cfg.Definition.SortField, cfg.Definition.Direction, cfg.PageSize),
	}, nil
}

// Name is the catalogue name of the view.
func (v *View) Name() string {
	return v.definition.Name
}

// Definition returns the view's catalogue entry.
func (v *View) Definition() Definition {
	return v.definition
}

// Client returns the collection client of the view.
func (v *View) Client() *collection.Client {
	return v.client
}

// Mount starts the view's lifetime and loads its collection. Mounting a mounted view only
// refetches.
func (v *View) Mount(ctx context.Context) error {
	endpoint, err := v.resolveEndpoint(ctx)
	if err != nil {
		return err
	}
	v.mu.Lock()
	if v.cancel == nil {
		v.lifetime, v.cancel = context.WithCancel(context.Background())
		if v.resolver != nil {
			v.scope = assets.NewScope(v.resolver)
		}
	}
	v.endpoint = endpoint
	v.mu.Unlock()
	return v.fetch(ctx)
}

// Mounted reports whether the view is between Mount and Unmount.
func (v *View) Mounted() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cancel != nil
}

// Unmount ends the lifetime: in-flight requests are cancelled and every image handle is
// released. It is safe to call more than once.
func (v *View) Unmount() {
	v.mu.Lock()
	cancel, scope := v.cancel, v.scope
	v.cancel, v.scope, v.lifetime = nil, nil, nil
	v.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if scope != nil {
		scope.Close()
	}
	v.logger.Debug("view unmounted")
}

// State returns the current ViewState.
func (v *View) State() projection.ViewState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// SetState validates next and makes it current. Views that search on the server refetch
// when the search text changes; the rest only re-project.
func (v *View) SetState(ctx context.Context, next projection.ViewState) error {
	if err := next.Validate(v.definition.Schema); err != nil {
		return err
	}
	if !v.definition.AllowsStatus(next.StatusFilter) {
		return apperr.Validation(fmt.Sprintf("unknown status %q", next.StatusFilter))
	}
	v.mu.Lock()
	previous := v.state
	v.state = next
	mounted := v.cancel != nil
	v.mu.Unlock()

	if mounted && v.definition.SearchParam != "" && previous.SearchText != next.SearchText {
		return v.fetch(ctx)
	}
	return nil
}

// Refresh refetches the collection with the current state. A response superseded by a newer
// request is discarded without error.
func (v *View) Refresh(ctx context.Context) error {
	return v.fetch(ctx)
}

// Render projects the cached collection through the current state. When a filter change
// left the page index beyond the last page, the state is reset to the first page and the
// projection is repeated.
func (v *View) Render() (projection.Page, projection.ViewState) {
	v.mu.Lock()
	state := v.state
	v.mu.Unlock()

	records := v.client.Collection().Snapshot()
	page := projection.Project(records, state, v.definition.Schema)
	clamped, changed := projection.ClampPage(state, page)
	if !changed {
		return page, state
	}
	v.mu.Lock()
	if v.state == state {
		v.state = clamped
	}
	v.mu.Unlock()
	return projection.Project(records, clamped, v.definition.Schema), clamped
}

// Images resolves the primary image of every record into the view's scope, keyed by record
// id. Handles of records resolved again replace and release the earlier ones. Records whose
// image cannot be resolved are skipped and their errors joined.
func (v *View) Images(ctx context.Context, records []collection.Record) (map[string]*assets.Handle, error) {
	if v.definition.ImagesEndpoint == "" || v.resolver == nil {
		return nil, ErrNoImages
	}
	v.mu.Lock()
	scope := v.scope
	v.mu.Unlock()
	if scope == nil {
		return nil, ErrNotMounted
	}

	ctx, done := v.bind(ctx)
	defer done()

	handles := make(map[string]*assets.Handle, len(records))
	var failures []error
	for _, record := range records {
		raw, ok := collection.Lookup(record.Fields, v.definition.ImageIDPath)
		if !ok {
			continue
		}
		endpoint, err := remote.ResolvePath(v.definition.ImagesEndpoint, map[string]string{"id": collection.FormatID(raw)})
		if err != nil {
			failures = append(failures, err)
			continue
		}
		handle, err := scope.ResolvePrimary(ctx, record.ID, endpoint)
		if err != nil {
			if !errors.Is(err, assets.ErrNoImage) {
				failures = append(failures, fmt.Errorf("record %s: %w", record.ID, err))
			}
			continue
		}
		handles[record.ID] = handle
	}
	return handles, errors.Join(failures...)
}

// LastError is the failure of the latest fetch or action.
func (v *View) LastError() error {
	return v.client.LastError()
}

func (v *View) fetch(ctx context.Context) error {
	v.mu.Lock()
	endpoint, state, mounted := v.endpoint, v.state, v.cancel != nil
	v.mu.Unlock()
	if !mounted {
		return ErrNotMounted
	}
	ctx, done := v.bind(ctx)
	defer done()
	err := v.client.Fetch(ctx, endpoint, v.params(state))
	if errors.Is(err, collection.ErrStale) {
		// A newer request owns the collection now.
		return nil
	}
	return err
}

func (v *View) params(state projection.ViewState) url.Values {
	params := url.Values{}
	if v.definition.SearchParam != "" {
		if text := strings.TrimSpace(state.SearchText); text != "" {
			params.Set(v.definition.SearchParam, text)
		}
	}
	return params
}

// bind derives a context that also ends when the view unmounts.
func (v *View) bind(ctx context.Context) (context.Context, func()) {
	v.mu.Lock()
	lifetime := v.lifetime
	v.mu.Unlock()
	ctx, cancel := context.WithCancel(ctx)
	if lifetime == nil {
		cancel()
		return ctx, cancel
	}
	stop := context.AfterFunc(lifetime, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (v *View) resolveEndpoint(ctx context.Context) (string, error) {
	vars, err := v.templateVars(ctx)
	if err != nil {
		return "", err
	}
	endpoint, err := remote.ResolvePath(v.definition.Endpoint, vars)
	if err != nil {
		return "", apperr.Validation(err.Error())
	}
	return endpoint, nil
}

func (v *View) templateVars(ctx context.Context) (map[string]string, error) {
	vars := maps.Clone(v.vars)
	if strings.Contains(v.definition.Endpoint, "{userId}") || hasUserAction(v.definition) {
		userID, err := v.credentials.UserID(ctx)
		if err != nil {
			return nil, err
		}
		vars["userId"] = userID
	}
	return vars, nil
}
