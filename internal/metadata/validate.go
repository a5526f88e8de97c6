package metadata

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
)

// FieldError describes why a value was rejected by a field.
type FieldError struct {
	Field   string
	Rule    string
	Message string
}

func (e *FieldError) Error() string {
	return e.Message
}

var (
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	slugPattern  = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)
)

type fieldValidator struct {
	check  *vm.Program
	schema *gojsonschema.Schema
	enum   map[string]bool
}

// compile prepares the check expression and JSON schema once at load time.
func (f *Field) compile() error {
	v := &fieldValidator{}
	if f.Check != "" {
		prog, err := expr.Compile(f.Check, expr.AsBool())
		if err != nil {
			return fmt.Errorf("field %s: compile check: %w", f.Name, err)
		}
		v.check = prog
	}
	if f.Schema != "" {
		if f.Kind() != KindJSON {
			return fmt.Errorf("field %s: schema is only valid on json fields", f.Name)
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(f.Schema))
		if err != nil {
			return fmt.Errorf("field %s: compile schema: %w", f.Name, err)
		}
		v.schema = schema
	}
	if len(f.Enum) > 0 {
		v.enum = make(map[string]bool, len(f.Enum))
		for _, e := range f.Enum {
			v.enum[e] = true
		}
	}
	f.val = v
	return nil
}

// Coerce converts a decoded JSON or query-string value to the field's
// canonical Go type: string, int64, float64, bool, time.Time or any (json).
// nil passes through.
func (f *Field) Coerce(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch f.Kind() {
	case KindNumber:
		return f.coerceNumber(value)
	case KindBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, f.invalid("must be a boolean")
			}
			return b, nil
		case int64:
			return v != 0, nil
		}
		return nil, f.invalid("must be a boolean")
	case KindTime:
		switch v := value.(type) {
		case time.Time:
			return v.UTC(), nil
		case string:
			return f.parseTime(v)
		}
		return nil, f.invalid("must be a timestamp string")
	case KindJSON:
		return value, nil
	default:
		s, ok := value.(string)
		if !ok {
			return nil, f.invalid("must be a string")
		}
		if f.Type == "uuid" {
			if _, err := uuid.Parse(s); err != nil {
				return nil, f.invalid("must be a UUID")
			}
		}
		return s, nil
	}
}

func (f *Field) coerceNumber(value any) (any, error) {
	var n float64
	switch v := value.(type) {
	case float64:
		n = v
	case float32:
		n = float64(v)
	case int:
		n = float64(v)
	case int32:
		n = float64(v)
	case int64:
		if f.IsInteger() {
			return v, nil
		}
		n = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return nil, f.invalid("must be a number")
		}
		n = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, f.invalid("must be a number")
		}
		n = parsed
	default:
		return nil, f.invalid("must be a number")
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return nil, f.invalid("must be a finite number")
	}
	if f.IsInteger() {
		if n != math.Trunc(n) {
			return nil, f.invalid("must be an integer")
		}
		return int64(n), nil
	}
	return n, nil
}

func (f *Field) parseTime(s string) (time.Time, error) {
	layouts := []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			if f.Type == "date" {
				y, m, d := t.Date()
				return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
			}
			return t.UTC(), nil
		}
	}
	return time.Time{}, f.invalid("must be an RFC 3339 timestamp or YYYY-MM-DD date")
}

// Validate coerces value and applies the field's constraints: enum, format,
// check expression and JSON schema. A nil value is returned unchanged;
// required-ness is decided by the caller.
func (f *Field) Validate(value any) (any, error) {
	v, err := f.Coerce(value)
	if err != nil || v == nil {
		return v, err
	}
	val := f.val
	if val == nil {
		val = &fieldValidator{}
	}

	if val.enum != nil {
		s := fmt.Sprintf("%v", v)
		if !val.enum[s] {
			return nil, &FieldError{Field: f.Name, Rule: "enum",
				Message: fmt.Sprintf("%s must be one of: %s", f.Name, strings.Join(f.Enum, ", "))}
		}
	}

	if f.Format != "" {
		if err := f.checkFormat(v); err != nil {
			return nil, err
		}
	}

	if val.check != nil {
		out, err := expr.Run(val.check, map[string]any{"value": v})
		if err != nil {
			return nil, &FieldError{Field: f.Name, Rule: "check",
				Message: fmt.Sprintf("%s: check evaluation error: %v", f.Name, err)}
		}
		if ok, _ := out.(bool); !ok {
			return nil, &FieldError{Field: f.Name, Rule: "check",
				Message: fmt.Sprintf("%s failed check: %s", f.Name, f.Check)}
		}
	}

	if val.schema != nil {
		result, err := val.schema.Validate(gojsonschema.NewGoLoader(v))
		if err != nil {
			return nil, &FieldError{Field: f.Name, Rule: "schema",
				Message: fmt.Sprintf("%s: schema validation error: %v", f.Name, err)}
		}
		if !result.Valid() {
			var msgs []string
			for _, desc := range result.Errors() {
				msgs = append(msgs, desc.String())
			}
			return nil, &FieldError{Field: f.Name, Rule: "schema",
				Message: fmt.Sprintf("%s does not match schema: %s", f.Name, strings.Join(msgs, "; "))}
		}
	}

	return v, nil
}

func (f *Field) checkFormat(v any) error {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	valid := true
	switch f.Format {
	case "email":
		valid = emailPattern.MatchString(s)
	case "url":
		u, err := url.ParseRequestURI(s)
		valid = err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
	case "uuid":
		_, err := uuid.Parse(s)
		valid = err == nil
	case "slug":
		valid = slugPattern.MatchString(s)
	}
	if !valid {
		return &FieldError{Field: f.Name, Rule: "format",
			Message: fmt.Sprintf("%s must be a valid %s", f.Name, f.Format)}
	}
	return nil
}

func (f *Field) invalid(msg string) error {
	return &FieldError{Field: f.Name, Rule: "invalid_value", Message: fmt.Sprintf("%s %s", f.Name, msg)}
}
