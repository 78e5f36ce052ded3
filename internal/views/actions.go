package views

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/marketsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/marketsync/internal/remote"
	"go.uber.org/zap"
)

// Action names.
const (
	ActionAccept   = "accept"
	ActionReject   = "reject"
	ActionCounter  = "counter"
	ActionFinalize = "finalize"
	ActionCancel   = "cancel"
	ActionComplete = "complete"
	ActionRemove   = "remove"
)

// Action is a mutating call a view offers on one of its records. Endpoint placeholders are
// {id} for the target record plus the view's own variables.
type Action struct {
	Name     string
	Method   string
	Endpoint string
	// NeedsAmount marks actions whose body is {"amount": n}.
	NeedsAmount bool
}

// ActionRequest carries the arguments of one Perform call.
type ActionRequest struct {
	Name   string
	ID     string
	Amount float64
}

var (
	bidActions = []Action{
		{Name: ActionAccept, Method: http.MethodPost, Endpoint: "/api/bids/{id}/accept"},
		{Name: ActionReject, Method: http.MethodPost, Endpoint: "/api/bids/{id}/reject"},
		{Name: ActionCounter, Method: http.MethodPost, Endpoint: "/api/bids/{id}/counter", NeedsAmount: true},
		{Name: ActionFinalize, Method: http.MethodPost, Endpoint: "/api/bids/listing/{listingId}/finalize"},
	}
	orderActions = []Action{
		{Name: ActionCancel, Method: http.MethodPost, Endpoint: "/api/orders/{id}/cancel"},
		{Name: ActionComplete, Method: http.MethodPost, Endpoint: "/api/orders/{id}/complete"},
	}
	wishlistActions = []Action{
		{Name: ActionRemove, Method: http.MethodDelete, Endpoint: "/api/wishlist/{userId}/items/{id}"},
	}
)

// Action looks up a named action of the definition.
func (d Definition) Action(name string) (Action, bool) {
	for _, action := range d.Actions {
		if action.Name == name {
			return action, true
		}
	}
	return Action{}, false
}

func hasUserAction(d Definition) bool {
	for _, action := range d.Actions {
		if strings.Contains(action.Endpoint, "{userId}") {
			return true
		}
	}
	return false
}

// Perform runs a named action and then refetches the whole collection. Arguments are checked
// before any network call.
func (v *View) Perform(ctx context.Context, request ActionRequest) error {
	action, ok := v.definition.Action(request.Name)
	if !ok {
		return apperr.Validation(fmt.Sprintf("view %s has no action %q", v.definition.Name, request.Name))
	}
	if !v.Mounted() {
		return ErrNotMounted
	}
	vars, err := v.templateVars(ctx)
	if err != nil {
		return err
	}
	if strings.Contains(action.Endpoint, "{id}") {
		id := strings.TrimSpace(request.ID)
		if id == "" {
			return apperr.Validation(fmt.Sprintf("%s requires a record id", action.Name))
		}
		vars["id"] = id
	}
	endpoint, err := remote.ResolvePath(action.Endpoint, vars)
	if err != nil {
		return apperr.Validation(err.Error())
	}

	var payload any
	if action.NeedsAmount {
		if request.Amount <= 0 {
			return apperr.Validation(fmt.Sprintf("%s requires a positive amount", action.Name))
		}
		payload = map[string]float64{"amount": request.Amount}
	}

	ctx, done := v.bind(ctx)
	defer done()
	v.logger.Info("performing view action",
		zap.String("action", action.Name),
		zap.String("endpoint", endpoint))
	return v.client.Mutate(ctx, action.Method, endpoint, payload)
}

// AcceptBid accepts one bid on the listing.
func (v *View) AcceptBid(ctx context.Context, bidID string) error {
	return v.Perform(ctx, ActionRequest{Name: ActionAccept, ID: bidID})
}

// RejectBid rejects one bid on the listing.
func (v *View) RejectBid(ctx context.Context, bidID string) error {
	return v.Perform(ctx, ActionRequest{Name: ActionReject, ID: bidID})
}

// CounterBid answers a bid with a counter offer.
func (v *View) CounterBid(ctx context.Context, bidID string, amount float64) error {
	return v.Perform(ctx, ActionRequest{Name: ActionCounter, ID: bidID, Amount: amount})
}

// FinalizeBidding closes bidding on the view's listing.
func (v *View) FinalizeBidding(ctx context.Context) error {
	return v.Perform(ctx, ActionRequest{Name: ActionFinalize})
}

// CancelOrder cancels one order.
func (v *View) CancelOrder(ctx context.Context, orderID string) error {
	return v.Perform(ctx, ActionRequest{Name: ActionCancel, ID: orderID})
}

// CompleteOrder marks one order as completed.
func (v *View) CompleteOrder(ctx context.Context, orderID string) error {
	return v.Perform(ctx, ActionRequest{Name: ActionComplete, ID: orderID})
}

// RemoveFromWishlist drops one listing from the user's wishlist.
func (v *View) RemoveFromWishlist(ctx context.Context, listingID string) error {
	return v.Perform(ctx, ActionRequest{Name: ActionRemove, ID: listingID})
}
