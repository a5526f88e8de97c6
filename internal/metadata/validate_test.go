package metadata

import (
	"errors"
	"testing"
	"time"
)

func compiled(t *testing.T, f Field) *Field {
	t.Helper()
	if err := f.compile(); err != nil {
		t.Fatalf("compile %s: %v", f.Name, err)
	}
	return &f
}

func TestCoerce_Numbers(t *testing.T) {
	qty := compiled(t, Field{Name: "qty", Type: "int"})
	v, err := qty.Coerce(float64(3))
	if err != nil || v != int64(3) {
		t.Fatalf("expected int64(3), got %v (%v)", v, err)
	}
	if _, err := qty.Coerce(3.5); err == nil {
		t.Fatal("expected fractional value to be rejected for int field")
	}
	if v, _ := qty.Coerce("42"); v != int64(42) {
		t.Fatalf("expected string 42 to coerce, got %v", v)
	}

	total := compiled(t, Field{Name: "total", Type: "decimal"})
	if v, _ := total.Coerce(int64(7)); v != float64(7) {
		t.Fatalf("expected float64(7), got %v", v)
	}
	if _, err := total.Coerce("abc"); err == nil {
		t.Fatal("expected non-numeric string to be rejected")
	}
}

func TestCoerce_TextRejectsNumbers(t *testing.T) {
	name := compiled(t, Field{Name: "name", Type: "string"})
	_, err := name.Coerce(float64(1))
	var fe *FieldError
	if !errors.As(err, &fe) || fe.Rule != "invalid_value" {
		t.Fatalf("expected invalid_value FieldError, got %v", err)
	}
}

func TestCoerce_Times(t *testing.T) {
	ts := compiled(t, Field{Name: "at", Type: "timestamp"})
	v, err := ts.Coerce("2024-03-01T10:00:00+02:00")
	if err != nil {
		t.Fatalf("coerce: %v", err)
	}
	want := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	if !v.(time.Time).Equal(want) {
		t.Fatalf("expected %v, got %v", want, v)
	}

	d := compiled(t, Field{Name: "day", Type: "date"})
	v, err = d.Coerce("2024-03-01")
	if err != nil || v.(time.Time).Day() != 1 {
		t.Fatalf("expected date to parse, got %v (%v)", v, err)
	}
	if _, err := d.Coerce("yesterday"); err == nil {
		t.Fatal("expected invalid date to be rejected")
	}
}

func TestValidate_Enum(t *testing.T) {
	status := compiled(t, Field{Name: "status", Type: "string", Enum: []string{"open", "closed"}})
	if _, err := status.Validate("open"); err != nil {
		t.Fatalf("expected open to pass, got %v", err)
	}
	_, err := status.Validate("pending")
	var fe *FieldError
	if !errors.As(err, &fe) || fe.Rule != "enum" {
		t.Fatalf("expected enum error, got %v", err)
	}
}

func TestValidate_Formats(t *testing.T) {
	tests := []struct {
		format string
		good   string
		bad    string
	}{
		{"email", "a@b.com", "not-an-email"},
		{"url", "https://example.com/x", "example.com"},
		{"uuid", "0190a5b2-7c4e-7a1b-9c3d-1234567890ab", "1234"},
		{"slug", "hello-world", "Hello World"},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			f := compiled(t, Field{Name: "v", Type: "string", Format: tt.format})
			if _, err := f.Validate(tt.good); err != nil {
				t.Fatalf("expected %q to pass, got %v", tt.good, err)
			}
			_, err := f.Validate(tt.bad)
			var fe *FieldError
			if !errors.As(err, &fe) || fe.Rule != "format" {
				t.Fatalf("expected format error for %q, got %v", tt.bad, err)
			}
		})
	}
}

func TestValidate_CheckExpression(t *testing.T) {
	total := compiled(t, Field{Name: "total", Type: "decimal", Check: "value >= 0"})
	if _, err := total.Validate(float64(10)); err != nil {
		t.Fatalf("expected pass, got %v", err)
	}
	_, err := total.Validate(float64(-1))
	var fe *FieldError
	if !errors.As(err, &fe) || fe.Rule != "check" {
		t.Fatalf("expected check error, got %v", err)
	}
}

func TestValidate_CheckCompileErrorFailsLoad(t *testing.T) {
	f := Field{Name: "total", Type: "decimal", Check: "value >="}
	if err := f.compile(); err == nil {
		t.Fatal("expected compile error for malformed check")
	}
}

func TestValidate_JSONSchema(t *testing.T) {
	meta := compiled(t, Field{Name: "meta", Type: "json",
		Schema: `{"type":"object","required":["sku"],"properties":{"sku":{"type":"string"}}}`})
	if _, err := meta.Validate(map[string]any{"sku": "A-1"}); err != nil {
		t.Fatalf("expected valid document, got %v", err)
	}
	_, err := meta.Validate(map[string]any{"qty": float64(1)})
	var fe *FieldError
	if !errors.As(err, &fe) || fe.Rule != "schema" {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestValidate_NilPassesThrough(t *testing.T) {
	f := compiled(t, Field{Name: "email", Type: "string", Format: "email", Required: true})
	v, err := f.Validate(nil)
	if v != nil || err != nil {
		t.Fatalf("expected nil, nil; got %v, %v", v, err)
	}
}
