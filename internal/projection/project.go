// Package projection turns a cached collection and a ViewState into one page of records.
// Everything here is a pure function of its inputs.
package projection

import (
	"cmp"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/marketsync/internal/collection"
)

const statusSortField = "status"

// Page is the projection result.
type Page struct {
	Records         []collection.Record `json:"-"`
	TotalMatchCount int                 `json:"totalMatchCount"`
	TotalPages      int                 `json:"totalPages"`
	PageIndex       int                 `json:"pageIndex"`
	PageSize        int                 `json:"pageSize"`
}

// Project filters by search text, status, numeric range and date range, in that order, then
// stable-sorts and slices the requested page. It never clamps the page index: a page beyond
// the end is empty and still carries the correct TotalMatchCount.
func Project(records []collection.Record, state ViewState, schema collection.Schema) Page {
	matched := make([]collection.Record, 0, len(records))
	needle := strings.ToLower(state.SearchText)
	endOfDay := endOfDay(state.EndDate)
	for _, record := range records {
		if !matchesSearch(record, needle, schema.SearchFields) {
			continue
		}
		if !matchesStatus(record, state.StatusFilter) {
			continue
		}
		if !matchesRange(record, state.Range, schema.RangeField) {
			continue
		}
		if !matchesDates(record, state.StartDate, endOfDay) {
			continue
		}
		matched = append(matched, record)
	}

	if state.SortField != "" {
		compare := comparator(state.SortField, schema)
		if state.SortDirection == Desc {
			slices.SortStableFunc(matched, func(a, b collection.Record) int { return compare(b, a) })
		} else {
			slices.SortStableFunc(matched, compare)
		}
	}

	page := Page{
		TotalMatchCount: len(matched),
		PageIndex:       state.PageIndex,
		PageSize:        state.PageSize,
		Records:         []collection.Record{},
	}
	if state.PageSize <= 0 {
		return page
	}
	page.TotalPages = (len(matched) + state.PageSize - 1) / state.PageSize
	start := (state.PageIndex - 1) * state.PageSize
	if state.PageIndex < 1 || start >= len(matched) {
		return page
	}
	end := min(start+state.PageSize, len(matched))
	page.Records = append(page.Records, matched[start:end]...)
	return page
}

// ClampPage is the caller-side policy for a page index left beyond the last page by a filter
// change: it resets the state to the first page.
func ClampPage(state ViewState, page Page) (ViewState, bool) {
	if state.PageIndex <= 1 {
		return state, false
	}
	if page.TotalPages == 0 || state.PageIndex > page.TotalPages {
		return state.WithPage(1), true
	}
	return state, false
}

func matchesSearch(record collection.Record, needle string, fields []string) bool {
	if needle == "" {
		return true
	}
	for _, field := range fields {
		if strings.Contains(strings.ToLower(record.Texts[field]), needle) {
			return true
		}
	}
	return false
}

func matchesStatus(record collection.Record, status string) bool {
	if status == "" || status == StatusAll {
		return true
	}
	return record.Status == status
}

func matchesRange(record collection.Record, bounds Range, field string) bool {
	if !bounds.Active() || field == "" {
		return true
	}
	value, ok := record.Numbers[field]
	if !ok {
		return false
	}
	low, high := 0.0, math.Inf(1)
	if bounds.Min != nil {
		low = *bounds.Min
	}
	if bounds.Max != nil {
		high = *bounds.Max
	}
	return value >= low && value <= high
}

func matchesDates(record collection.Record, start, end time.Time) bool {
	if start.IsZero() && end.IsZero() {
		return true
	}
	if record.Timestamp.IsZero() {
		return false
	}
	if !start.IsZero() && record.Timestamp.Before(start) {
		return false
	}
	if !end.IsZero() && record.Timestamp.After(end) {
		return false
	}
	return true
}

// endOfDay moves a bound to 23:59:59.999 of its day so single-day ranges are inclusive.
func endOfDay(bound time.Time) time.Time {
	if bound.IsZero() {
		return bound
	}
	year, month, day := bound.Date()
	return time.Date(year, month, day, 23, 59, 59, int(999*time.Millisecond), bound.Location())
}

func comparator(field string, schema collection.Schema) func(a, b collection.Record) int {
	if field == statusSortField {
		if _, declared := schema.Field(field); !declared {
			return func(a, b collection.Record) int { return cmp.Compare(a.Status, b.Status) }
		}
	}
	declared, _ := schema.Field(field)
	switch declared.Kind {
	case collection.FieldNumber:
		return func(a, b collection.Record) int { return cmp.Compare(a.Numbers[field], b.Numbers[field]) }
	case collection.FieldTime:
		return func(a, b collection.Record) int { return a.Times[field].Compare(b.Times[field]) }
	default:
		return func(a, b collection.Record) int {
			return cmp.Compare(strings.ToLower(a.Texts[field]), strings.ToLower(b.Texts[field]))
		}
	}
}
