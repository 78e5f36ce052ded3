// Package views binds the marketplace list screens to the sync core: each named view pairs
// a backend collection endpoint with a record schema and the projection defaults the
// screen starts with.
package views

import (
	"slices"

	"github.com/MarcoPoloResearchLab/marketsync/internal/collection"
	"github.com/MarcoPoloResearchLab/marketsync/internal/notify"
	"github.com/MarcoPoloResearchLab/marketsync/internal/projection"
)

// Bid statuses reported by the backend.
const (
	BidPending   = "PENDING"
	BidAccepted  = "ACCEPTED"
	BidRejected  = "REJECTED"
	BidCountered = "COUNTERED"
	BidExpired   = "EXPIRED"
	BidPaid      = "PAID"
)

// Order statuses reported by the backend.
const (
	OrderPending   = "PENDING"
	OrderCompleted = "COMPLETED"
	OrderCancelled = "CANCELLED"
)

var bidStatuses = []string{BidPending, BidAccepted, BidRejected, BidCountered, BidExpired, BidPaid}

// Definition describes one list screen.
type Definition struct {
	Name     string
	Endpoint string
	Schema   collection.Schema
	// SortField and Direction are the initial ordering.
	SortField string
	Direction projection.Direction
	Statuses  []string
	// SearchParam, when set, forwards the search text to the backend under this query key
	// and refetches whenever it changes.
	SearchParam string
	// ImagesEndpoint is the image list of one record; {id} is filled from ImageIDPath.
	ImagesEndpoint string
	ImageIDPath    string
	Actions        []Action
}

// SortFields lists the fields the view can be ordered by.
func (d Definition) SortFields() []string {
	fields := make([]string, 0, len(d.Schema.Fields)+1)
	for _, field := range d.Schema.Fields {
		fields = append(fields, field.Name)
	}
	if d.Schema.StatusPath != "" {
		fields = append(fields, "status")
	}
	return fields
}

// AllowsStatus reports whether status is a valid filter value for the view. Views without
// a declared status set accept any value.
func (d Definition) AllowsStatus(status string) bool {
	if status == "" || status == projection.StatusAll || len(d.Statuses) == 0 {
		return true
	}
	return slices.Contains(d.Statuses, status)
}

var catalogue = map[string]Definition{
	"orders": {
		Name:     "orders",
		Endpoint: "/api/orders/user/{userId}",
		Schema: collection.Schema{
			IDPath:         "orderId",
			TimestampField: "createdAt",
			StatusPath:     "status",
			Fields: []collection.Field{
				{Name: "orderId", Path: "orderId", Kind: collection.FieldNumber},
				{Name: "createdAt", Path: "createdAt", Fallbacks: []string{"orderDate"}, Kind: collection.FieldTime},
				{Name: "total", Path: "total", Fallbacks: []string{"amount", "totalPrice"}, Kind: collection.FieldNumber},
				{Name: "orderRef", Path: "orderId", Kind: collection.FieldText},
				{Name: "statusText", Path: "status", Kind: collection.FieldText},
				{Name: "paymentMethod", Path: "paymentMethod", Kind: collection.FieldText},
			},
			SearchFields: []string{"orderRef", "statusText", "paymentMethod"},
			RangeField:   "total",
		},
		SortField: "createdAt",
		Direction: projection.Desc,
		Statuses:  []string{OrderPending, OrderCompleted, OrderCancelled},
		Actions:   orderActions,
	},
	"bids": {
		Name:     "bids",
		Endpoint: "/api/bids/listing/{listingId}",
		Schema: collection.Schema{
			IDPath:         "id",
			TimestampField: "createdAt",
			StatusPath:     "status",
			Fields: []collection.Field{
				{Name: "createdAt", Path: "createdAt", Kind: collection.FieldTime},
				{Name: "proposedPrice", Path: "proposedPrice", Kind: collection.FieldNumber},
				{Name: "bidder", Path: "bidder.username", Fallbacks: []string{"bidderName", "bidder.email"}, Kind: collection.FieldText},
				{Name: "additionalTerms", Path: "additionalTerms", Kind: collection.FieldText},
			},
			SearchFields: []string{"bidder", "additionalTerms"},
			RangeField:   "proposedPrice",
		},
		SortField: "createdAt",
		Direction: projection.Desc,
		Statuses:  bidStatuses,
		Actions:   bidActions,
	},
	"my-bids": {
		Name:     "my-bids",
		Endpoint: "/api/bids/user",
		Schema: collection.Schema{
			IDPath:         "id",
			TimestampField: "createdAt",
			StatusPath:     "status",
			Fields: []collection.Field{
				{Name: "createdAt", Path: "createdAt", Kind: collection.FieldTime},
				{Name: "proposedPrice", Path: "proposedPrice", Kind: collection.FieldNumber},
				{Name: "title", Path: "listing.title", Kind: collection.FieldText},
				{Name: "additionalTerms", Path: "additionalTerms", Kind: collection.FieldText},
			},
			SearchFields: []string{"title", "additionalTerms"},
			RangeField:   "proposedPrice",
		},
		SortField:      "createdAt",
		Direction:      projection.Desc,
		Statuses:       bidStatuses,
		ImagesEndpoint: "/api/listings/{id}/images",
		ImageIDPath:    "listing.id",
	},
	"biddable": {
		Name:     "biddable",
		Endpoint: "/api/listings/biddable",
		Schema: collection.Schema{
			IDPath:         "id",
			TimestampField: "createdAt",
			StatusPath:     "status",
			Fields: []collection.Field{
				{Name: "createdAt", Path: "createdAt", Kind: collection.FieldTime},
				{Name: "endDate", Path: "biddingEndDate", Fallbacks: []string{"endDate"}, Kind: collection.FieldTime},
				{Name: "startingBid", Path: "startingBid", Kind: collection.FieldNumber},
				{Name: "bidsCount", Path: "bidsCount", Kind: collection.FieldNumber},
				{Name: "title", Path: "title", Kind: collection.FieldText},
				{Name: "description", Path: "description", Kind: collection.FieldText},
			},
			SearchFields: []string{"title", "description"},
			RangeField:   "startingBid",
		},
		SortField:      "createdAt",
		Direction:      projection.Desc,
		ImagesEndpoint: "/api/listings/{id}/images",
		ImageIDPath:    "id",
	},
	"reviews": {
		Name:     "reviews",
		Endpoint: "/api/reviews/listing/{listingId}",
		Schema: collection.Schema{
			IDPath:         "id",
			TimestampField: "createdAt",
			Fields: []collection.Field{
				{Name: "createdAt", Path: "createdAt", Kind: collection.FieldTime},
				{Name: "rating", Path: "rating", Kind: collection.FieldNumber},
				{Name: "reviewText", Path: "reviewText", Fallbacks: []string{"comment"}, Kind: collection.FieldText},
				{Name: "reviewer", Path: "user.username", Fallbacks: []string{"username"}, Kind: collection.FieldText},
			},
			SearchFields: []string{"reviewText", "reviewer"},
			RangeField:   "rating",
		},
		SortField: "createdAt",
		Direction: projection.Desc,
	},
	"listings": {
		Name:     "listings",
		Endpoint: "/api/listings",
		Schema: collection.Schema{
			IDPath:         "id",
			TimestampField: "createdAt",
			StatusPath:     "status",
			Fields: []collection.Field{
				{Name: "createdAt", Path: "createdAt", Kind: collection.FieldTime},
				{Name: "price", Path: "price", Kind: collection.FieldNumber},
				{Name: "title", Path: "title", Kind: collection.FieldText},
				{Name: "description", Path: "description", Kind: collection.FieldText},
			},
			SearchFields: []string{"title", "description"},
			RangeField:   "price",
		},
		SortField:      "createdAt",
		Direction:      projection.Desc,
		SearchParam:    "keyword",
		ImagesEndpoint: "/api/listings/{id}/images",
		ImageIDPath:    "id",
	},
	"wishlist": {
		Name:     "wishlist",
		Endpoint: "/api/wishlist/{userId}",
		Schema: collection.Schema{
			IDPath:         "listing.id",
			TimestampField: "addedAt",
			Fields: []collection.Field{
				{Name: "addedAt", Path: "addedAt", Fallbacks: []string{"createdAt"}, Kind: collection.FieldTime},
				{Name: "price", Path: "listing.price", Kind: collection.FieldNumber},
				{Name: "title", Path: "listing.title", Kind: collection.FieldText},
				{Name: "description", Path: "listing.description", Kind: collection.FieldText},
			},
			SearchFields: []string{"title", "description"},
			RangeField:   "price",
		},
		SortField:      "addedAt",
		Direction:      projection.Desc,
		ImagesEndpoint: "/api/listings/{id}/images",
		ImageIDPath:    "listing.id",
		Actions:        wishlistActions,
	},
	"notifications": {
		Name:      "notifications",
		Endpoint:  "/api/notifications/{userId}",
		Schema:    notify.Schema,
		SortField: "createdAt",
		Direction: projection.Desc,
	},
}

// Lookup returns the definition registered under name.
func Lookup(name string) (Definition, bool) {
	definition, ok := catalogue[name]
	return definition, ok
}

// Names lists the registered views in lexical order.
func Names() []string {
	names := make([]string, 0, len(catalogue))
	for name := range catalogue {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
