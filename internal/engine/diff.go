package engine

import "sort"

// Change is the before and after value of one field.
type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Diff maps changed field names to their change.
type Diff map[string]Change

// ComputeDiff returns the fields of incoming whose value differs from
// current. Fields absent from incoming are untouched and not reported.
func ComputeDiff(current, incoming map[string]any) Diff {
	diff := Diff{}
	for name, next := range incoming {
		prev := current[name]
		if valuesEqual(prev, next) {
			continue
		}
		diff[name] = Change{Old: prev, New: next}
	}
	return diff
}

// Fields returns the changed field names in sorted order.
func (d Diff) Fields() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
