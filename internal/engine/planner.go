package engine

import (
	"fmt"
	"strings"

	"records-backend/internal/metadata"
)

// DeletedMode selects rows by soft-delete state.
type DeletedMode string

const (
	DeletedExclude DeletedMode = "false"
	DeletedInclude DeletedMode = "true"
	DeletedOnly    DeletedMode = "only"
)

// ParseDeletedMode accepts "", "false", "true" and "only".
func ParseDeletedMode(s string) (DeletedMode, error) {
	switch strings.ToLower(s) {
	case "", "false", "0":
		return DeletedExclude, nil
	case "true", "1":
		return DeletedInclude, nil
	case "only":
		return DeletedOnly, nil
	}
	return "", InvalidValueError("includeDeleted", fmt.Sprintf("includeDeleted must be false, true or only, got %q", s))
}

// Aggregate functions.
var aggregateFuncs = map[string]bool{"sum": true, "count": true, "avg": true, "min": true, "max": true}

// AggregateSpec requests one aggregate. Field may be empty or "*" for count.
type AggregateSpec struct {
	Function string `json:"function"`
	Field    string `json:"field,omitempty"`
}

// Alias is the result key for the aggregate, e.g. "sum_total".
func (a AggregateSpec) Alias() string {
	if a.Field == "" || a.Field == "*" {
		return a.Function
	}
	return a.Function + "_" + a.Field
}

// ParseAggregates reads "fn:field" entries, e.g. "sum:total,count".
func ParseAggregates(s string) []AggregateSpec {
	var out []AggregateSpec
	for _, part := range splitList(s) {
		fn, field, _ := strings.Cut(part, ":")
		out = append(out, AggregateSpec{Function: strings.ToLower(fn), Field: field})
	}
	return out
}

// QueryRequest is a read request before validation.
type QueryRequest struct {
	Filter         *FilterExpr
	Where          []*FilterExpr // AND-combined with Filter
	View           string
	Sort           []string // "-field" for descending
	Limit          int
	Offset         int
	Page           int
	Cursor         string
	Fields         []string
	GroupBy        string
	Aggregates     []AggregateSpec
	IncludeDeleted DeletedMode
}

// Plan is a validated read intent for one table.
type Plan struct {
	Entity      *metadata.Entity
	Where       *Predicate
	Deleted     DeletedMode
	Sort        []SortKey // always ends with id ascending
	Fields      []string  // output columns, id first
	Limit       int
	Offset      int
	After       []any // cursor sort-key tuple, nil for offset pagination
	GroupBy     *metadata.Field
	Aggregates  []AggregateSpec
	aggFields   []*metadata.Field
	selectExtra []string // sort columns fetched for cursors but not returned
}

// Plan validates req against the table schema and the caller's permissions.
func (e *Engine) Plan(rc *RequestContext, table string, req QueryRequest) (*Plan, error) {
	entity, err := e.resolve(table)
	if err != nil {
		return nil, err
	}
	if err := rc.authorize(entity.Name, metadata.ActionRead); err != nil {
		return nil, err
	}
	readable := rc.Perms.ReadableFields(rc.User, entity)

	var view *metadata.View
	if req.View != "" {
		view = e.registry.GetView(entity.Name, req.View)
		if view == nil {
			return nil, InvalidValueError("view", fmt.Sprintf("Unknown view %s for %s", req.View, entity.Name))
		}
	}

	plan := &Plan{Entity: entity, Deleted: req.IncludeDeleted}
	if plan.Deleted == "" {
		plan.Deleted = DeletedExclude
	}

	// View and request filters compile independently, then AND together.
	var preds []*Predicate
	if view != nil && len(view.Filter) > 0 {
		vf, err := ParseFilter(view.Filter)
		if err != nil {
			return nil, err
		}
		p, err := CompileFilter(vf, entity, readable)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	p, err := CompileFilter(And(append([]*FilterExpr{req.Filter}, req.Where...)...), entity, readable)
	if err != nil {
		return nil, err
	}
	preds = append(preds, p)

	rowCond, err := conditionPredicate(rc.Perms.RowConditions(rc.User, entity.Name, metadata.ActionRead), entity)
	if err != nil {
		return nil, err
	}
	preds = append(preds, rowCond)
	plan.Where = andPredicates(preds...)

	sortSpec := req.Sort
	if len(sortSpec) == 0 && view != nil {
		sortSpec = view.Sort
	}
	if plan.Sort, err = planSort(entity, readable, sortSpec); err != nil {
		return nil, err
	}

	fields := req.Fields
	if len(fields) == 0 && view != nil {
		fields = view.Fields
	}
	if plan.Fields, err = planFields(entity, readable, fields); err != nil {
		return nil, err
	}
	selected := make(map[string]bool, len(plan.Fields))
	for _, f := range plan.Fields {
		selected[f] = true
	}
	for _, k := range plan.Sort {
		if !selected[k.Field.Name] {
			plan.selectExtra = append(plan.selectExtra, k.Field.Name)
			selected[k.Field.Name] = true
		}
	}

	limit := req.Limit
	if limit <= 0 && view != nil && view.Limit > 0 {
		limit = view.Limit
	}
	plan.Limit = e.clampLimit(limit)
	if req.Offset < 0 {
		return nil, InvalidValueError("offset", "offset must not be negative")
	}
	plan.Offset = req.Offset
	if req.Page > 1 && plan.Offset == 0 {
		plan.Offset = (req.Page - 1) * plan.Limit
	}

	if req.GroupBy != "" {
		f := entity.GetField(req.GroupBy)
		if f == nil || !readable[req.GroupBy] {
			return nil, InvalidFieldError(req.GroupBy, fmt.Sprintf("Unknown groupBy field: %s", req.GroupBy))
		}
		if !f.IsSortable() {
			return nil, InvalidFieldError(req.GroupBy, fmt.Sprintf("Field %s cannot be grouped", req.GroupBy))
		}
		plan.GroupBy = f
	}
	for _, agg := range req.Aggregates {
		f, err := planAggregate(entity, readable, agg)
		if err != nil {
			return nil, err
		}
		plan.Aggregates = append(plan.Aggregates, agg)
		plan.aggFields = append(plan.aggFields, f)
	}

	if req.Cursor != "" {
		if plan.Offset != 0 {
			return nil, InvalidValueError("cursor", "cursor cannot be combined with offset or page")
		}
		if plan.After, err = decodeCursor(req.Cursor, plan.Sort); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

func (e *Engine) clampLimit(limit int) int {
	if limit <= 0 {
		return e.opts.DefaultLimit
	}
	if limit > e.opts.MaxLimit {
		return e.opts.MaxLimit
	}
	return limit
}

func planSort(entity *metadata.Entity, readable map[string]bool, spec []string) ([]SortKey, error) {
	var keys []SortKey
	seen := make(map[string]bool)
	for _, part := range spec {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		desc := false
		name := part
		switch {
		case strings.HasPrefix(part, "-"):
			desc = true
			name = part[1:]
		case strings.HasPrefix(part, "+"):
			name = part[1:]
		}
		f := entity.GetField(name)
		if f == nil || !readable[name] {
			return nil, InvalidFieldError(name, fmt.Sprintf("Unknown sort field: %s", name))
		}
		if !f.IsSortable() {
			return nil, InvalidFieldError(name, fmt.Sprintf("Field %s is not sortable", name))
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		keys = append(keys, SortKey{Field: f, Desc: desc})
	}
	if !seen[metadata.FieldID] {
		keys = append(keys, SortKey{Field: entity.GetField(metadata.FieldID)})
	}
	return keys, nil
}

// planFields resolves the output columns. Unknown names are rejected;
// unreadable names are dropped; id is always first.
func planFields(entity *metadata.Entity, readable map[string]bool, requested []string) ([]string, error) {
	out := []string{metadata.FieldID}
	if len(requested) == 0 {
		for _, name := range entity.FieldNames() {
			if name != metadata.FieldID && readable[name] {
				out = append(out, name)
			}
		}
		return out, nil
	}
	seen := map[string]bool{metadata.FieldID: true}
	for _, name := range requested {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if !entity.HasField(name) {
			return nil, InvalidFieldError(name, fmt.Sprintf("Unknown field: %s", name))
		}
		if seen[name] || !readable[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out, nil
}

func planAggregate(entity *metadata.Entity, readable map[string]bool, agg AggregateSpec) (*metadata.Field, error) {
	if !aggregateFuncs[agg.Function] {
		return nil, InvalidValueError("aggregate", fmt.Sprintf("Unknown aggregate function: %s", agg.Function))
	}
	if agg.Function == "count" && (agg.Field == "" || agg.Field == "*") {
		return nil, nil
	}
	f := entity.GetField(agg.Field)
	if f == nil || !readable[agg.Field] {
		return nil, InvalidFieldError(agg.Field, fmt.Sprintf("Unknown aggregate field: %s", agg.Field))
	}
	switch agg.Function {
	case "sum", "avg":
		if f.Kind() != metadata.KindNumber {
			return nil, InvalidOperatorError(agg.Field, agg.Function)
		}
	case "min", "max":
		if !f.IsSortable() || f.Kind() == metadata.KindBool {
			return nil, InvalidOperatorError(agg.Field, agg.Function)
		}
	}
	return f, nil
}

// splitList splits a comma separated list, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
