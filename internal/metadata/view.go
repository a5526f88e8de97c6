package metadata

import "encoding/json"

// View is a saved filter/sort configuration for one entity.
type View struct {
	Name   string          `json:"name"`
	Entity string          `json:"entity"`
	Filter json.RawMessage `json:"filter,omitempty"`
	Sort   []string        `json:"sort,omitempty"` // "-field" for descending
	Fields []string        `json:"fields,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}
