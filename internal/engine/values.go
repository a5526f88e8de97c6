package engine

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
	"time"

	"records-backend/internal/metadata"
	"records-backend/internal/store"
)

// normalizeRow converts driver values to canonical engine values using the
// entity's field kinds, so postgres and sqlite rows look the same.
func normalizeRow(entity *metadata.Entity, row map[string]any) map[string]any {
	for name, v := range row {
		if v == nil {
			continue
		}
		f := entity.GetField(name)
		if f == nil {
			continue
		}
		row[name] = normalizeValue(f, v)
	}
	return row
}

func normalizeValue(f *metadata.Field, v any) any {
	switch f.Kind() {
	case metadata.KindNumber:
		return normalizeNumber(f, v)
	case metadata.KindBool:
		switch b := v.(type) {
		case int64:
			return b != 0
		case string:
			return b == "1" || strings.EqualFold(b, "true") || b == "t"
		}
	case metadata.KindTime:
		switch t := v.(type) {
		case time.Time:
			return t.UTC()
		case string:
			if parsed, err := time.Parse(store.TimeLayout, t); err == nil {
				return parsed
			}
			if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
				return parsed.UTC()
			}
		}
	case metadata.KindJSON:
		if s, ok := v.(string); ok {
			var out any
			if err := json.Unmarshal([]byte(s), &out); err == nil {
				return out
			}
		}
	}
	return v
}

func normalizeNumber(f *metadata.Field, v any) any {
	switch n := v.(type) {
	case int64:
		if f.IsInteger() {
			return n
		}
		return float64(n)
	case int32:
		return normalizeNumber(f, int64(n))
	case float64:
		if f.IsInteger() {
			return int64(n)
		}
		return n
	case string:
		if f.IsInteger() {
			if i, err := strconv.ParseInt(n, 10, 64); err == nil {
				return i
			}
		}
		if fl, err := strconv.ParseFloat(n, 64); err == nil {
			return fl
		}
	}
	return v
}

// toFloat reports the numeric value of v, if it has one.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// compareValues orders two non-null canonical values of the same kind.
// The bool result is false when they are not comparable.
func compareValues(a, b any) (int, bool) {
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case time.Time:
		y, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return x.Compare(y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		default:
			return 1, true
		}
	}
	fa, ok1 := toFloat(a)
	fb, ok2 := toFloat(b)
	if !ok1 || !ok2 {
		return 0, false
	}
	switch {
	case fa < fb:
		return -1, true
	case fa > fb:
		return 1, true
	}
	return 0, true
}

// valuesEqual compares canonical values; numbers compare by value and
// json documents structurally.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if c, ok := compareValues(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(jsonRoundTrip(a), jsonRoundTrip(b))
}

func jsonRoundTrip(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
