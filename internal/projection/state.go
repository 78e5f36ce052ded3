package projection

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/marketsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/marketsync/internal/collection"
	"github.com/go-playground/validator/v10"
)

// Direction is the sort direction of a ViewState.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// StatusAll is the status filter value that disables status filtering.
const StatusAll = "ALL"

const maxPageSize = 100

var validate = validator.New()

// Range bounds the designated numeric field. A nil bound is unset.
type Range struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// Active reports whether either bound is set.
func (r Range) Active() bool {
	return r.Min != nil || r.Max != nil
}

// ViewState is the user-controlled projection input of one mounted view.
type ViewState struct {
	SearchText    string    `json:"searchText" validate:"max=200"`
	SortField     string    `json:"sortField"`
	SortDirection Direction `json:"sortDirection" validate:"oneof=asc desc"`
	StatusFilter  string    `json:"statusFilter"`
	Range         Range     `json:"range"`
	StartDate     time.Time `json:"startDate,omitzero"`
	EndDate       time.Time `json:"endDate,omitzero"`
	PageIndex     int       `json:"pageIndex" validate:"gte=1"`
	PageSize      int       `json:"pageSize" validate:"gte=1,lte=100"`
}

// Defaults is the state a view starts with when it mounts.
func Defaults(sortField string, direction Direction, pageSize int) ViewState {
	if direction == "" {
		direction = Desc
	}
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = 10
	}
	return ViewState{
		SortField:     sortField,
		SortDirection: direction,
		StatusFilter:  StatusAll,
		PageIndex:     1,
		PageSize:      pageSize,
	}
}

// WithSearch changes the search text. A different text returns to the first page.
func (s ViewState) WithSearch(text string) ViewState {
	if text == s.SearchText {
		return s
	}
	s.SearchText = text
	s.PageIndex = 1
	return s
}

// WithStatus changes the status filter. A different filter returns to the first page.
func (s ViewState) WithStatus(status string) ViewState {
	status = strings.TrimSpace(status)
	if status == s.StatusFilter {
		return s
	}
	s.StatusFilter = status
	s.PageIndex = 1
	return s
}

// WithRange changes the numeric range. A different range returns to the first page.
func (s ViewState) WithRange(min, max *float64) ViewState {
	if sameBound(s.Range.Min, min) && sameBound(s.Range.Max, max) {
		return s
	}
	s.Range = Range{Min: min, Max: max}
	s.PageIndex = 1
	return s
}

// WithDates changes the date range. Zero times are unset. A different range returns to the
// first page.
func (s ViewState) WithDates(start, end time.Time) ViewState {
	if start.Equal(s.StartDate) && end.Equal(s.EndDate) {
		return s
	}
	s.StartDate = start
	s.EndDate = end
	s.PageIndex = 1
	return s
}

// WithSort sets field and direction. A different ordering returns to the first page.
func (s ViewState) WithSort(field string, direction Direction) ViewState {
	if field == s.SortField && direction == s.SortDirection {
		return s
	}
	s.SortField = field
	s.SortDirection = direction
	s.PageIndex = 1
	return s
}

func sameBound(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// ToggleSort flips the direction when field is already the sort field, otherwise sorts by
// field descending. Either way the view returns to the first page.
func (s ViewState) ToggleSort(field string) ViewState {
	if s.SortField == field {
		if s.SortDirection == Asc {
			return s.WithSort(field, Desc)
		}
		return s.WithSort(field, Asc)
	}
	return s.WithSort(field, Desc)
}

// WithPage moves to page index without touching anything else.
func (s ViewState) WithPage(index int) ViewState {
	s.PageIndex = index
	return s
}

// WithPageSize changes the page size. The page index is kept; callers clamp with ClampPage.
func (s ViewState) WithPageSize(size int) ViewState {
	s.PageSize = size
	return s
}

// Validate rejects states that cannot be projected, before any network call is made.
func (s ViewState) Validate(schema collection.Schema) error {
	if err := validate.Struct(s); err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
			return apperr.Validation(describe(fieldErrors[0]))
		}
		return apperr.Validation(err.Error())
	}
	if s.Range.Min != nil && *s.Range.Min < 0 {
		return apperr.Validation("minimum must not be negative")
	}
	if s.Range.Min != nil && s.Range.Max != nil && *s.Range.Min > *s.Range.Max {
		return apperr.Validation("minimum must not exceed maximum")
	}
	if !s.StartDate.IsZero() && !s.EndDate.IsZero() && s.StartDate.After(s.EndDate) {
		return apperr.Validation("start date must not be after end date")
	}
	if s.SortField != "" && s.SortField != statusSortField {
		if _, ok := schema.Field(s.SortField); !ok {
			return apperr.Validation(fmt.Sprintf("unknown sort field %q", s.SortField))
		}
	}
	return nil
}

func describe(fieldError validator.FieldError) string {
	field := strings.ToLower(fieldError.Field())
	switch fieldError.Tag() {
	case "oneof":
		return fmt.Sprintf("%s must be one of %s", field, fieldError.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, fieldError.Param())
	case "lte", "max":
		return fmt.Sprintf("%s must be at most %s", field, fieldError.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
