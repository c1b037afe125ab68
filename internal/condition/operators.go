package condition

import (
	"cmp"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

// dateLayouts are tried in order when coercing a string to an instant.
// Layouts without a zone are read as UTC.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

func isNull(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// toNumber coerces numeric values and numeric strings to float64.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

// toInstant coerces time values and date-like strings to a UTC instant.
func toInstant(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	case string:
		s := strings.TrimSpace(t)
		if len(s) < len("2006-01-02") {
			return time.Time{}, false
		}
		for _, layout := range dateLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

// equal compares by value: instants for date fields, then numbers, then
// booleans, then string form. null equals only null.
func equal(left, right any, dateField bool) bool {
	ln, rn := isNull(left), isNull(right)
	if ln || rn {
		return ln && rn
	}
	if dateField {
		lt, lok := toInstant(left)
		rt, rok := toInstant(right)
		if lok && rok {
			return lt.Equal(rt)
		}
	}
	lf, lok := toNumber(left)
	rf, rok := toNumber(right)
	if lok && rok {
		return math.Abs(lf-rf) < 1e-9
	}
	lb, lok := toBool(left)
	rb, rok := toBool(right)
	if lok && rok {
		return lb == rb
	}
	return fmt.Sprint(left) == fmt.Sprint(right)
}

// order compares left to right numerically, then as instants, then
// lexicographically. ok is false when either side is null.
func order(left, right any) (c int, ok bool) {
	if isNull(left) || isNull(right) {
		return 0, false
	}
	lf, lok := toNumber(left)
	rf, rok := toNumber(right)
	if lok && rok {
		return cmp.Compare(lf, rf), true
	}
	lt, lok := toInstant(left)
	rt, rok := toInstant(right)
	if lok && rok {
		return lt.Compare(rt), true
	}
	return strings.Compare(fmt.Sprint(left), fmt.Sprint(right)), true
}

// containsOp is substring search for strings and element membership for
// sequences. Anything else never contains.
func containsOp(haystack, needle any) bool {
	if isNull(haystack) || isNull(needle) {
		return false
	}
	if s, ok := haystack.(string); ok {
		return strings.Contains(s, fmt.Sprint(needle))
	}
	rv := reflect.ValueOf(haystack)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if equal(rv.Index(i).Interface(), needle, false) {
				return true
			}
		}
	}
	return false
}

// isDateField consults the declared field types, falling back to naming
// conventions (created_at, due_date, start_time, date).
func isDateField(field string, types rule.FieldTypes) bool {
	if ft, ok := types[field]; ok {
		return ft == rule.FieldDate
	}
	name := strings.ToLower(field)
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return name == "date" ||
		strings.HasSuffix(name, "_at") ||
		strings.HasSuffix(name, "_date") ||
		strings.HasSuffix(name, "_time")
}
