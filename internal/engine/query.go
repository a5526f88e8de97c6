package engine

import (
	"context"
	"fmt"
	"strings"

	"records-backend/internal/metadata"
	"records-backend/internal/store"
)

// QueryMeta describes the page returned by Query.
type QueryMeta struct {
	Limit      int              `json:"limit"`
	Offset     int              `json:"offset"`
	Total      int64            `json:"total"`
	NextCursor string           `json:"next_cursor,omitempty"`
	Groups     []map[string]any `json:"groups,omitempty"`
	Aggregates map[string]any   `json:"aggregates,omitempty"`
}

// QueryResult is one page of records plus its metadata.
type QueryResult struct {
	Data []map[string]any `json:"data"`
	Meta QueryMeta        `json:"meta"`
}

type sqlQuery struct {
	SQL    string
	Params []any
}

// Query plans and runs a read against table.
func (e *Engine) Query(ctx context.Context, rc *RequestContext, table string, req QueryRequest) (*QueryResult, error) {
	plan, err := e.Plan(rc, table, req)
	if err != nil {
		return nil, err
	}
	ctx, cancel := e.readContext(ctx, rc)
	defer cancel()
	return e.execute(ctx, e.store.DB, plan)
}

func (e *Engine) execute(ctx context.Context, q store.Querier, plan *Plan) (*QueryResult, error) {
	d := e.store.Dialect
	entity := plan.Entity

	sel := BuildSelectSQL(plan, d)
	rows, err := store.QueryRows(ctx, q, sel.SQL, sel.Params...)
	if err != nil {
		return nil, toAppError(fmt.Errorf("query %s: %w", entity.Name, err))
	}
	result := &QueryResult{
		Data: make([]map[string]any, 0, len(rows)),
		Meta: QueryMeta{Limit: plan.Limit, Offset: plan.Offset},
	}
	for _, row := range rows {
		result.Data = append(result.Data, normalizeRow(entity, row))
	}
	if len(result.Data) == plan.Limit {
		cursor, err := encodeCursor(plan.Sort, result.Data[len(result.Data)-1])
		if err != nil {
			return nil, toAppError(err)
		}
		result.Meta.NextCursor = cursor
	}
	for _, row := range result.Data {
		for _, extra := range plan.selectExtra {
			delete(row, extra)
		}
	}

	cnt := BuildCountSQL(plan, d)
	countRow, err := store.QueryRow(ctx, q, cnt.SQL, cnt.Params...)
	if err != nil {
		return nil, toAppError(fmt.Errorf("count %s: %w", entity.Name, err))
	}
	if n, ok := toFloat(countRow["count"]); ok {
		result.Meta.Total = int64(n)
	}

	if plan.GroupBy != nil {
		g := BuildGroupSQL(plan, d)
		groups, err := store.QueryRows(ctx, q, g.SQL, g.Params...)
		if err != nil {
			return nil, toAppError(fmt.Errorf("group %s: %w", entity.Name, err))
		}
		result.Meta.Groups = make([]map[string]any, 0, len(groups))
		for _, row := range groups {
			result.Meta.Groups = append(result.Meta.Groups, plan.groupRow(row))
		}
	} else if len(plan.Aggregates) > 0 {
		g := BuildGroupSQL(plan, d)
		row, err := store.QueryRow(ctx, q, g.SQL, g.Params...)
		if err != nil {
			return nil, toAppError(fmt.Errorf("aggregate %s: %w", entity.Name, err))
		}
		agg := plan.groupRow(row)
		delete(agg, "name")
		result.Meta.Aggregates = agg
	}
	return result, nil
}

// BuildSelectSQL builds the page query: filters, soft-delete state, the
// cursor position, a total ORDER BY and LIMIT/OFFSET.
func BuildSelectSQL(plan *Plan, d store.Dialect) sqlQuery {
	pb := d.NewParamBuilder()
	columns := append(append([]string{}, plan.Fields...), plan.selectExtra...)

	sqlStr := fmt.Sprintf("SELECT %s FROM %s", strings.Join(columns, ", "), plan.Entity.Table)
	sqlStr += whereSQL(plan, d, pb, true)
	sqlStr += " ORDER BY " + orderSQL(plan.Sort)
	sqlStr += fmt.Sprintf(" LIMIT %s OFFSET %s", pb.Add(plan.Limit), pb.Add(plan.Offset))
	return sqlQuery{SQL: sqlStr, Params: pb.Params()}
}

// BuildCountSQL counts every row matching the filters, ignoring pagination.
func BuildCountSQL(plan *Plan, d store.Dialect) sqlQuery {
	pb := d.NewParamBuilder()
	sqlStr := fmt.Sprintf("SELECT COUNT(*) AS count FROM %s", plan.Entity.Table)
	sqlStr += whereSQL(plan, d, pb, false)
	return sqlQuery{SQL: sqlStr, Params: pb.Params()}
}

// BuildGroupSQL computes per-group counts and aggregates, or a single row
// over the whole filtered set when the plan has no group field.
func BuildGroupSQL(plan *Plan, d store.Dialect) sqlQuery {
	pb := d.NewParamBuilder()
	var cols []string
	if plan.GroupBy != nil {
		cols = append(cols, plan.GroupBy.Name+" AS g_name")
	}
	cols = append(cols, "COUNT(*) AS g_count")
	for i, agg := range plan.Aggregates {
		arg := "*"
		if f := plan.aggFields[i]; f != nil {
			arg = f.Name
		}
		cols = append(cols, fmt.Sprintf("%s(%s) AS g_agg%d", strings.ToUpper(agg.Function), arg, i))
	}

	sqlStr := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), plan.Entity.Table)
	sqlStr += whereSQL(plan, d, pb, false)
	if plan.GroupBy != nil {
		sqlStr += fmt.Sprintf(" GROUP BY %s ORDER BY %s ASC NULLS LAST", plan.GroupBy.Name, plan.GroupBy.Name)
	}
	return sqlQuery{SQL: sqlStr, Params: pb.Params()}
}

// groupRow converts a raw group row into {name, count, <alias>: value}.
func (p *Plan) groupRow(row map[string]any) map[string]any {
	out := map[string]any{"name": nil, "count": int64(0)}
	if p.GroupBy != nil && row["g_name"] != nil {
		out["name"] = normalizeValue(p.GroupBy, row["g_name"])
	}
	if n, ok := toFloat(row["g_count"]); ok {
		out["count"] = int64(n)
	}
	for i, agg := range p.Aggregates {
		out[agg.Alias()] = aggregateValue(agg, p.aggFields[i], row[fmt.Sprintf("g_agg%d", i)])
	}
	return out
}

func aggregateValue(agg AggregateSpec, f *metadata.Field, v any) any {
	if v == nil {
		return nil
	}
	switch agg.Function {
	case "count":
		n, _ := toFloat(v)
		return int64(n)
	case "avg":
		n, _ := toFloat(v)
		return n
	case "sum":
		n, ok := toFloat(v)
		if !ok {
			return v
		}
		if f.IsInteger() {
			return int64(n)
		}
		return n
	}
	return normalizeValue(f, v)
}

func whereSQL(plan *Plan, d store.Dialect, pb store.ParamBuilder, withCursor bool) string {
	var where []string
	switch plan.Deleted {
	case DeletedExclude:
		where = append(where, metadata.FieldDeletedAt+" IS NULL")
	case DeletedOnly:
		where = append(where, metadata.FieldDeletedAt+" IS NOT NULL")
	}
	if plan.Where != nil {
		where = append(where, plan.Where.SQL(d, pb))
	}
	if withCursor && plan.After != nil {
		where = append(where, keysetSQL(plan.Sort, plan.After, d, pb))
	}
	if len(where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(where, " AND ")
}

func orderSQL(keys []SortKey) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		dir := "ASC"
		if k.Desc {
			dir = "DESC"
		}
		parts[i] = fmt.Sprintf("%s %s NULLS LAST", k.Field.Name, dir)
	}
	return strings.Join(parts, ", ")
}

// keysetSQL selects rows strictly after the tuple in ORDER BY order, with
// nulls sorting last in both directions.
func keysetSQL(keys []SortKey, after []any, d store.Dialect, pb store.ParamBuilder) string {
	var ors []string
	for i, k := range keys {
		if after[i] == nil {
			continue // nothing sorts after null on this key
		}
		var ands []string
		for j := 0; j < i; j++ {
			col := keys[j].Field.Name
			if after[j] == nil {
				ands = append(ands, col+" IS NULL")
			} else {
				ands = append(ands, fmt.Sprintf("%s = %s", col, pb.Add(d.BindValue(after[j]))))
			}
		}
		op := ">"
		if k.Desc {
			op = "<"
		}
		col := k.Field.Name
		ands = append(ands, fmt.Sprintf("(%s %s %s OR %s IS NULL)", col, op, pb.Add(d.BindValue(after[i])), col))
		ors = append(ors, "("+strings.Join(ands, " AND ")+")")
	}
	if len(ors) == 0 {
		return "1=0"
	}
	return "(" + strings.Join(ors, " OR ") + ")"
}
