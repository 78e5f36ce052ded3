package projection

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/marketsync/internal/apperr"
)

const dateLayout = "2006-01-02"

// FromQuery overlays query parameters (q, status, min, max, from, to, sort, dir, page,
// pageSize) on base. Malformed values are validation failures.
func FromQuery(values url.Values, base ViewState) (ViewState, error) {
	state := base
	if values.Has("q") {
		state = state.WithSearch(values.Get("q"))
	}
	if values.Has("status") {
		state = state.WithStatus(strings.ToUpper(values.Get("status")))
	}
	if values.Has("min") || values.Has("max") {
		low, err := optionalNumber(values, "min")
		if err != nil {
			return ViewState{}, err
		}
		high, err := optionalNumber(values, "max")
		if err != nil {
			return ViewState{}, err
		}
		state = state.WithRange(low, high)
	}
	if values.Has("from") || values.Has("to") {
		start, err := optionalDate(values, "from")
		if err != nil {
			return ViewState{}, err
		}
		end, err := optionalDate(values, "to")
		if err != nil {
			return ViewState{}, err
		}
		state = state.WithDates(start, end)
	}
	if values.Has("sort") || values.Has("dir") {
		field := state.SortField
		if values.Has("sort") {
			field = values.Get("sort")
		}
		direction := state.SortDirection
		if values.Has("dir") {
			direction = Direction(strings.ToLower(values.Get("dir")))
		}
		state = state.WithSort(field, direction)
	}
	if values.Has("pageSize") {
		size, err := strconv.Atoi(values.Get("pageSize"))
		if err != nil {
			return ViewState{}, apperr.Validation("pageSize must be an integer")
		}
		state = state.WithPageSize(size)
	}
	if values.Has("page") {
		index, err := strconv.Atoi(values.Get("page"))
		if err != nil {
			return ViewState{}, apperr.Validation("page must be an integer")
		}
		state = state.WithPage(index)
	}
	return state, nil
}

// Query renders state back into the parameters accepted by FromQuery.
func Query(state ViewState) url.Values {
	values := url.Values{}
	if state.SearchText != "" {
		values.Set("q", state.SearchText)
	}
	if state.StatusFilter != "" && state.StatusFilter != StatusAll {
		values.Set("status", state.StatusFilter)
	}
	if state.Range.Min != nil {
		values.Set("min", strconv.FormatFloat(*state.Range.Min, 'f', -1, 64))
	}
	if state.Range.Max != nil {
		values.Set("max", strconv.FormatFloat(*state.Range.Max, 'f', -1, 64))
	}
	if !state.StartDate.IsZero() {
		values.Set("from", state.StartDate.Format(dateLayout))
	}
	if !state.EndDate.IsZero() {
		values.Set("to", state.EndDate.Format(dateLayout))
	}
	if state.SortField != "" {
		values.Set("sort", state.SortField)
		values.Set("dir", string(state.SortDirection))
	}
	values.Set("page", strconv.Itoa(state.PageIndex))
	values.Set("pageSize", strconv.Itoa(state.PageSize))
	return values
}

func optionalNumber(values url.Values, key string) (*float64, error) {
	raw := strings.TrimSpace(values.Get(key))
	if raw == "" {
		return nil, nil
	}
	number, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, apperr.Validation(fmt.Sprintf("%s must be a number", key))
	}
	return &number, nil
}

func optionalDate(values url.Values, key string) (time.Time, error) {
	raw := strings.TrimSpace(values.Get(key))
	if raw == "" {
		return time.Time{}, nil
	}
	if parsed, err := time.Parse(dateLayout, raw); err == nil {
		return parsed, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, apperr.Validation(fmt.Sprintf("%s must be a date (YYYY-MM-DD)", key))
	}
	return parsed, nil
}
