package collection

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// FieldKind selects the comparator used for a field.
type FieldKind int

const (
	// FieldText compares lexicographically.
	FieldText FieldKind = iota
	// FieldNumber compares numerically.
	FieldNumber
	// FieldTime compares chronologically.
	FieldTime
)

var (
	errMissingID     = errors.New("collection: record id missing")
	errUnknownSchema = errors.New("collection: schema requires an id path")
)

// Field maps a named attribute onto a (dotted) JSON path of the backend payload. Fallbacks
// are tried in order when Path is absent.
type Field struct {
	Name      string
	Path      string
	Fallbacks []string
	Kind      FieldKind
}

func (f Field) lookup(item map[string]any) (any, bool) {
	if raw, ok := Lookup(item, f.Path); ok && raw != nil {
		return raw, true
	}
	for _, path := range f.Fallbacks {
		if raw, ok := Lookup(item, path); ok && raw != nil {
			return raw, true
		}
	}
	return nil, false
}

// Schema describes how raw backend items become Records.
type Schema struct {
	IDPath         string
	TimestampField string
	StatusPath     string
	Fields         []Field
	SearchFields   []string
	RangeField     string
}

// Record is one application entity held in a Collection.
type Record struct {
	ID        string
	Timestamp time.Time
	Status    string
	Texts     map[string]string
	Numbers   map[string]float64
	Times     map[string]time.Time
	Pending   bool
	Fields    map[string]any
}

// Field looks up a declared field by name.
func (s Schema) Field(name string) (Field, bool) {
	for _, field := range s.Fields {
		if field.Name == name {
			return field, true
		}
	}
	return Field{}, false
}

// Decode converts a raw item into a Record. Unparseable optional attributes are left unset.
func (s Schema) Decode(item map[string]any) (Record, error) {
	if strings.TrimSpace(s.IDPath) == "" {
		return Record{}, errUnknownSchema
	}
	rawID, ok := Lookup(item, s.IDPath)
	if !ok {
		return Record{}, errMissingID
	}
	id := FormatID(rawID)
	if id == "" {
		return Record{}, errMissingID
	}

	record := Record{
		ID:      id,
		Texts:   make(map[string]string),
		Numbers: make(map[string]float64),
		Times:   make(map[string]time.Time),
		Fields:  item,
	}
	if s.StatusPath != "" {
		if raw, ok := Lookup(item, s.StatusPath); ok {
			record.Status = FormatID(raw)
		}
	}
	for _, field := range s.Fields {
		raw, ok := field.lookup(item)
		if !ok {
			continue
		}
		switch field.Kind {
		case FieldText:
			record.Texts[field.Name] = FormatID(raw)
		case FieldNumber:
			if number, ok := ParseNumber(raw); ok {
				record.Numbers[field.Name] = number
			}
		case FieldTime:
			if moment, ok := ParseTime(raw); ok {
				record.Times[field.Name] = moment
			}
		}
	}
	if s.TimestampField != "" {
		record.Timestamp = record.Times[s.TimestampField]
	}
	return record, nil
}

// Lookup resolves a dotted path such as "listing.title" inside nested JSON objects.
func Lookup(item map[string]any, path string) (any, bool) {
	if item == nil || path == "" {
		return nil, false
	}
	var current any = item
	for _, segment := range strings.Split(path, ".") {
		object, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = object[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// FormatID renders scalar JSON values as strings; integral numbers lose their fraction.
func FormatID(raw any) string {
	switch value := raw.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case json.Number:
		return value.String()
	case int:
		return strconv.Itoa(value)
	case int64:
		return strconv.FormatInt(value, 10)
	case bool:
		return strconv.FormatBool(value)
	default:
		return fmt.Sprint(value)
	}
}

// ParseNumber accepts JSON numbers and numeric strings.
func ParseNumber(raw any) (float64, bool) {
	switch value := raw.(type) {
	case float64:
		return value, !math.IsNaN(value)
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	case json.Number:
		number, err := value.Float64()
		return number, err == nil
	case string:
		number, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		return number, err == nil && !math.IsNaN(number)
	default:
		return 0, false
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime accepts RFC 3339 strings, zone-less local date-times (read as UTC), epoch
// milliseconds and the [y, m, d, h, min, s, nanos] array form some JSON mappers emit.
func ParseTime(raw any) (time.Time, bool) {
	switch value := raw.(type) {
	case string:
		trimmed := strings.TrimSpace(value)
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, trimmed); err == nil {
				return parsed.UTC(), true
			}
		}
		return time.Time{}, false
	case float64:
		return time.UnixMilli(int64(value)).UTC(), true
	case int64:
		return time.UnixMilli(value).UTC(), true
	case []any:
		return parseTimeParts(value)
	default:
		return time.Time{}, false
	}
}

func parseTimeParts(parts []any) (time.Time, bool) {
	if len(parts) < 3 {
		return time.Time{}, false
	}
	fields := [7]int{0, 1, 1, 0, 0, 0, 0}
	for index := 0; index < len(parts) && index < len(fields); index++ {
		number, ok := ParseNumber(parts[index])
		if !ok {
			return time.Time{}, false
		}
		fields[index] = int(number)
	}
	return time.Date(fields[0], time.Month(fields[1]), fields[2], fields[3], fields[4], fields[5], fields[6], time.UTC), true
}

// Clone returns a copy whose maps can be modified without affecting the receiver. Fields is
// shared because it is never mutated after decoding.
func (r Record) Clone() Record {
	clone := r
	clone.Texts = make(map[string]string, len(r.Texts))
	for key, value := range r.Texts {
		clone.Texts[key] = value
	}
	clone.Numbers = make(map[string]float64, len(r.Numbers))
	for key, value := range r.Numbers {
		clone.Numbers[key] = value
	}
	clone.Times = make(map[string]time.Time, len(r.Times))
	for key, value := range r.Times {
		clone.Times[key] = value
	}
	return clone
}
