package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"records-backend/internal/metadata"
	"records-backend/internal/store"
)

// Logic node kinds.
const (
	LogicAnd = "AND"
	LogicOr  = "OR"
)

// FilterExpr is the wire form of a filter: either a logic node
// {logic, children} or a leaf {field, operator, value}.
type FilterExpr struct {
	Logic    string        `json:"logic,omitempty"`
	Children []*FilterExpr `json:"children,omitempty"`
	Field    string        `json:"field,omitempty"`
	Operator string        `json:"operator,omitempty"`
	Value    any           `json:"value,omitempty"`
}

// ParseFilter decodes a JSON filter. Empty input yields nil.
func ParseFilter(raw []byte) (*FilterExpr, error) {
	if len(strings.TrimSpace(string(raw))) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var f FilterExpr
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, InvalidValueError("filter", fmt.Sprintf("Invalid filter JSON: %v", err))
	}
	return &f, nil
}

// And combines filters with implicit AND, skipping nils.
func And(filters ...*FilterExpr) *FilterExpr {
	var children []*FilterExpr
	for _, f := range filters {
		if f != nil {
			children = append(children, f)
		}
	}
	if len(children) == 0 {
		return nil
	}
	if len(children) == 1 {
		return children[0]
	}
	return &FilterExpr{Logic: LogicAnd, Children: children}
}

// Predicate is a validated filter bound to a table schema.
type Predicate struct {
	Logic    string
	Children []*Predicate

	Field *metadata.Field
	Op    string
	Value any // canonical value; []any for in, not_in and between
}

// operator applicability by field kind
var operatorKinds = map[string][]metadata.Kind{
	"eq":          {metadata.KindText, metadata.KindNumber, metadata.KindBool, metadata.KindTime},
	"neq":         {metadata.KindText, metadata.KindNumber, metadata.KindBool, metadata.KindTime},
	"gt":          {metadata.KindText, metadata.KindNumber, metadata.KindTime},
	"gte":         {metadata.KindText, metadata.KindNumber, metadata.KindTime},
	"lt":          {metadata.KindText, metadata.KindNumber, metadata.KindTime},
	"lte":         {metadata.KindText, metadata.KindNumber, metadata.KindTime},
	"between":     {metadata.KindText, metadata.KindNumber, metadata.KindTime},
	"contains":    {metadata.KindText},
	"starts_with": {metadata.KindText},
	"in":          {metadata.KindText, metadata.KindNumber, metadata.KindBool, metadata.KindTime},
	"not_in":      {metadata.KindText, metadata.KindNumber, metadata.KindBool, metadata.KindTime},
	"is_null":     {metadata.KindText, metadata.KindNumber, metadata.KindBool, metadata.KindTime, metadata.KindJSON},
	"not_null":    {metadata.KindText, metadata.KindNumber, metadata.KindBool, metadata.KindTime, metadata.KindJSON},
}

// CompileFilter validates f against entity and returns its predicate tree.
// When readable is non-nil, every leaf field must be in it; an unreadable
// field is reported exactly like an unknown one.
func CompileFilter(f *FilterExpr, entity *metadata.Entity, readable map[string]bool) (*Predicate, error) {
	if f == nil {
		return nil, nil
	}
	if f.Logic != "" || f.Children != nil && f.Field == "" {
		logic := strings.ToUpper(f.Logic)
		if logic == "" {
			logic = LogicAnd
		}
		if logic != LogicAnd && logic != LogicOr {
			return nil, InvalidValueError("logic", fmt.Sprintf("Unknown logic %q; expected AND or OR", f.Logic))
		}
		p := &Predicate{Logic: logic, Children: make([]*Predicate, 0, len(f.Children))}
		for _, child := range f.Children {
			if child == nil {
				continue
			}
			cp, err := CompileFilter(child, entity, readable)
			if err != nil {
				return nil, err
			}
			p.Children = append(p.Children, cp)
		}
		return p, nil
	}
	return compileLeaf(f, entity, readable)
}

func compileLeaf(f *FilterExpr, entity *metadata.Entity, readable map[string]bool) (*Predicate, error) {
	field := entity.GetField(f.Field)
	if field == nil || (readable != nil && !readable[f.Field]) {
		return nil, InvalidFieldError(f.Field, fmt.Sprintf("Unknown filter field: %s", f.Field))
	}

	op := strings.ToLower(f.Operator)
	if op == "" {
		op = "eq"
	}
	if f.Value == nil {
		switch op {
		case "eq":
			op = "is_null"
		case "neq":
			op = "not_null"
		}
	}
	kinds, ok := operatorKinds[op]
	if !ok || !kindIn(field.Kind(), kinds) {
		return nil, InvalidOperatorError(f.Field, op)
	}

	p := &Predicate{Field: field, Op: op}
	switch op {
	case "is_null", "not_null":
		return p, nil
	case "in", "not_in", "between":
		list, ok := f.Value.([]any)
		if !ok {
			return nil, InvalidValueError(f.Field, fmt.Sprintf("%s requires an array value", op))
		}
		if op == "between" && len(list) != 2 {
			return nil, InvalidValueError(f.Field, "between requires exactly two values")
		}
		values := make([]any, len(list))
		for i, item := range list {
			v, err := coerceOperand(field, item)
			if err != nil {
				return nil, err
			}
			if v == nil {
				return nil, InvalidValueError(f.Field, fmt.Sprintf("%s values must not be null", op))
			}
			values[i] = v
		}
		p.Value = values
		return p, nil
	case "contains", "starts_with":
		s, ok := f.Value.(string)
		if !ok {
			return nil, InvalidValueError(f.Field, fmt.Sprintf("%s requires a string value", op))
		}
		p.Value = s
		return p, nil
	}

	v, err := coerceOperand(field, f.Value)
	if err != nil {
		return nil, err
	}
	p.Value = v
	return p, nil
}

func coerceOperand(field *metadata.Field, value any) (any, error) {
	v, err := field.Coerce(value)
	if err != nil {
		return nil, InvalidValueError(field.Name, err.Error())
	}
	return v, nil
}

func kindIn(k metadata.Kind, kinds []metadata.Kind) bool {
	for _, c := range kinds {
		if c == k {
			return true
		}
	}
	return false
}

// andPredicates joins non-nil predicates with AND.
func andPredicates(preds ...*Predicate) *Predicate {
	var children []*Predicate
	for _, p := range preds {
		if p != nil {
			children = append(children, p)
		}
	}
	switch len(children) {
	case 0:
		return nil
	case 1:
		return children[0]
	}
	return &Predicate{Logic: LogicAnd, Children: children}
}

// conditionPredicate compiles row-level permission condition groups into
// OR-of-AND form. A nil groups value means unrestricted.
func conditionPredicate(groups [][]metadata.PermissionCondition, entity *metadata.Entity) (*Predicate, error) {
	if groups == nil {
		return nil, nil
	}
	or := &FilterExpr{Logic: LogicOr, Children: []*FilterExpr{}}
	for _, group := range groups {
		and := &FilterExpr{Logic: LogicAnd, Children: []*FilterExpr{}}
		for _, c := range group {
			and.Children = append(and.Children, &FilterExpr{Field: c.Field, Operator: c.Operator, Value: c.Value})
		}
		or.Children = append(or.Children, and)
	}
	p, err := CompileFilter(or, entity, nil)
	if err != nil {
		return nil, fmt.Errorf("permission condition on %s: %w", entity.Name, err)
	}
	return p, nil
}

// SQL renders the predicate as a WHERE fragment. Empty AND is true and
// empty OR is false.
func (p *Predicate) SQL(d store.Dialect, pb store.ParamBuilder) string {
	if p.Logic != "" {
		if len(p.Children) == 0 {
			if p.Logic == LogicOr {
				return "1=0"
			}
			return "1=1"
		}
		parts := make([]string, len(p.Children))
		for i, c := range p.Children {
			parts[i] = c.SQL(d, pb)
		}
		return "(" + strings.Join(parts, " "+p.Logic+" ") + ")"
	}

	col := p.Field.Name
	switch p.Op {
	case "is_null":
		return col + " IS NULL"
	case "not_null":
		return col + " IS NOT NULL"
	case "contains":
		return d.ContainsExpr(col, pb, p.Value.(string))
	case "starts_with":
		return d.PrefixExpr(col, pb, p.Value.(string))
	case "in", "not_in":
		list := p.Value.([]any)
		bound := make([]any, len(list))
		for i, v := range list {
			bound[i] = d.BindValue(v)
		}
		if p.Op == "in" {
			return d.InExpr(col, pb, bound)
		}
		return d.NotInExpr(col, pb, bound)
	case "between":
		list := p.Value.([]any)
		return fmt.Sprintf("(%s >= %s AND %s <= %s)",
			col, pb.Add(d.BindValue(list[0])), col, pb.Add(d.BindValue(list[1])))
	}
	return fmt.Sprintf("%s %s %s", col, sqlOperators[p.Op], pb.Add(d.BindValue(p.Value)))
}

var sqlOperators = map[string]string{
	"eq": "=", "neq": "!=", "gt": ">", "gte": ">=", "lt": "<", "lte": "<=",
}

// Matches evaluates the predicate against a normalized record with the same
// semantics as the SQL form: comparisons against null are false.
func (p *Predicate) Matches(record map[string]any) bool {
	if p.Logic != "" {
		if p.Logic == LogicOr {
			for _, c := range p.Children {
				if c.Matches(record) {
					return true
				}
			}
			return false
		}
		for _, c := range p.Children {
			if !c.Matches(record) {
				return false
			}
		}
		return true
	}

	v := record[p.Field.Name]
	switch p.Op {
	case "is_null":
		return v == nil
	case "not_null":
		return v != nil
	}
	if v == nil {
		return false
	}

	switch p.Op {
	case "contains":
		s, ok := v.(string)
		return ok && strings.Contains(foldASCII(s), foldASCII(p.Value.(string)))
	case "starts_with":
		s, ok := v.(string)
		return ok && strings.HasPrefix(foldASCII(s), foldASCII(p.Value.(string)))
	case "in", "not_in":
		found := false
		for _, item := range p.Value.([]any) {
			if valuesEqual(v, item) {
				found = true
				break
			}
		}
		return found == (p.Op == "in")
	case "between":
		list := p.Value.([]any)
		lo, ok1 := compareValues(v, list[0])
		hi, ok2 := compareValues(v, list[1])
		return ok1 && ok2 && lo >= 0 && hi <= 0
	case "eq":
		return valuesEqual(v, p.Value)
	case "neq":
		return !valuesEqual(v, p.Value)
	}

	c, ok := compareValues(v, p.Value)
	if !ok {
		return false
	}
	switch p.Op {
	case "gt":
		return c > 0
	case "gte":
		return c >= 0
	case "lt":
		return c < 0
	case "lte":
		return c <= 0
	}
	return false
}

// ParseBracketFilters turns query parameters of the form filter[field] or
// filter[field.op] into AND-combined leaves. Values of in, not_in and
// between are comma separated.
func ParseBracketFilters(queries map[string]string) []*FilterExpr {
	keys := make([]string, 0, len(queries))
	for k := range queries {
		if strings.HasPrefix(k, "filter[") && strings.HasSuffix(k, "]") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]*FilterExpr, 0, len(keys))
	for _, key := range keys {
		inner := key[len("filter[") : len(key)-1]
		field, op := parseFilterKey(inner)
		val := queries[key]
		leaf := &FilterExpr{Field: field, Operator: op, Value: val}
		switch op {
		case "in", "not_in", "between":
			parts := strings.Split(val, ",")
			list := make([]any, 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					list = append(list, p)
				}
			}
			leaf.Value = list
		case "is_null", "not_null":
			leaf.Value = nil
		}
		out = append(out, leaf)
	}
	return out
}

// parseFilterKey splits "total.gte" into ("total", "gte") or "status" into ("status", "eq").
func parseFilterKey(key string) (string, string) {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return key, "eq"
}

// foldASCII lowercases ASCII letters only, the folding SQLite's LIKE applies.
func foldASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
