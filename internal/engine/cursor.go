package engine

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"records-backend/internal/metadata"
)

// SortKey is one ORDER BY term.
type SortKey struct {
	Field *metadata.Field
	Desc  bool
}

type cursorToken struct {
	Sig    string `json:"s"`
	Values []any  `json:"k"`
}

// sortSignature identifies a sort spec so cursors cannot be replayed
// against a different ordering.
func sortSignature(keys []SortKey) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		dir := "asc"
		if k.Desc {
			dir = "desc"
		}
		parts[i] = k.Field.Name + ":" + dir
	}
	return strings.Join(parts, ",")
}

// encodeCursor derives an opaque token from the sort-key tuple of row.
func encodeCursor(keys []SortKey, row map[string]any) (string, error) {
	tok := cursorToken{Sig: sortSignature(keys), Values: make([]any, len(keys))}
	for i, k := range keys {
		v := row[k.Field.Name]
		if t, ok := v.(time.Time); ok {
			v = t.UTC().Format(time.RFC3339Nano)
		}
		tok.Values[i] = v
	}
	raw, err := json.Marshal(tok)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// decodeCursor validates a token against keys and returns the canonical
// sort-key values it carries.
func decodeCursor(token string, keys []SortKey) ([]any, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, InvalidValueError("cursor", "Malformed cursor")
	}
	var tok cursorToken
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, InvalidValueError("cursor", "Malformed cursor")
	}
	if tok.Sig != sortSignature(keys) || len(tok.Values) != len(keys) {
		return nil, InvalidValueError("cursor", "Cursor does not match the requested sort")
	}
	values := make([]any, len(keys))
	for i, k := range keys {
		v, err := k.Field.Coerce(tok.Values[i])
		if err != nil {
			return nil, InvalidValueError("cursor", "Malformed cursor")
		}
		values[i] = v
	}
	return values, nil
}
