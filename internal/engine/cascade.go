package engine

import (
	"context"
	"fmt"
	"strings"

	"records-backend/internal/activity"
	"records-backend/internal/metadata"
	"records-backend/internal/store"
)

type cascadeMode int

const (
	cascadeSoftDelete cascadeMode = iota
	cascadePermanentDelete
	cascadeRestore
)

// inChunk bounds the number of ids bound into one IN list.
const inChunk = 500

// cascadeNode is a set of rows of one table reached by the walk.
type cascadeNode struct {
	entity *metadata.Entity
	ids    []string
	parent string // "table/id" of the root for cascaded nodes
}

// setNullStep clears one foreign key on the listed child rows.
type setNullStep struct {
	entity *metadata.Entity
	field  string
	rows   []map[string]any // id and previous key value
}

// cascadePlan is the full effect of one root transition, computed before
// any row is written.
type cascadePlan struct {
	mode  cascadeMode
	op    string // deletion operation id
	nodes []cascadeNode
	nulls []setNullStep
}

// planCascade walks outgoing relations breadth-first from the root. It only
// reads, so a restrict violation anywhere in the closure fails the whole
// operation before any write.
func (e *Engine) planCascade(ctx context.Context, q store.Querier, mode cascadeMode, entity *metadata.Entity, rootID, op string) (*cascadePlan, error) {
	plan := &cascadePlan{mode: mode, op: op}
	root := entity.Name + "/" + rootID
	queue := []cascadeNode{{entity: entity, ids: []string{rootID}}}
	visited := map[string]bool{root: true}

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		plan.nodes = append(plan.nodes, node)

		for _, rel := range e.registry.GetRelationsForSource(node.entity.Name) {
			child := e.registry.GetEntity(rel.Target)
			if child == nil {
				continue
			}
			policy := rel.Policy()
			if mode == cascadeRestore && policy != metadata.OnDeleteCascade {
				continue
			}

			switch policy {
			case metadata.OnDeleteRestrict:
				n, err := e.countChildren(ctx, q, child, rel.TargetKey, node.ids)
				if err != nil {
					return nil, err
				}
				if n > 0 {
					return nil, RestrictedDeleteError(node.entity.Name, n, child.Name)
				}

			case metadata.OnDeleteSetNull:
				rows, err := e.childRowsState(ctx, q, child, rel.TargetKey, node.ids, "", "")
				if err != nil {
					return nil, err
				}
				if len(rows) > 0 {
					plan.nulls = append(plan.nulls, setNullStep{entity: child, field: rel.TargetKey, rows: rows})
				}

			case metadata.OnDeleteCascade:
				var state string
				switch mode {
				case cascadeSoftDelete:
					state = "active"
				case cascadeRestore:
					state = "op"
				}
				rows, err := e.childRowsState(ctx, q, child, rel.TargetKey, node.ids, state, op)
				if err != nil {
					return nil, err
				}
				next := cascadeNode{entity: child, parent: root}
				for _, row := range rows {
					id := fmt.Sprint(row["id"])
					key := child.Name + "/" + id
					if visited[key] {
						continue
					}
					visited[key] = true
					next.ids = append(next.ids, id)
				}
				if len(next.ids) > 0 {
					queue = append(queue, next)
				}
			}
		}
	}
	return plan, nil
}

func (e *Engine) countChildren(ctx context.Context, q store.Querier, child *metadata.Entity, key string, parentIDs []string) (int64, error) {
	var total int64
	for _, chunk := range chunkIDs(parentIDs) {
		pb := e.store.Dialect.NewParamBuilder()
		sqlStr := fmt.Sprintf("SELECT COUNT(*) AS count FROM %s WHERE %s AND deleted_at IS NULL",
			child.Table, e.store.Dialect.InExpr(key, pb, chunk))
		row, err := store.QueryRow(ctx, q, sqlStr, pb.Params()...)
		if err != nil {
			return 0, fmt.Errorf("count %s children: %w", child.Name, err)
		}
		n, _ := toFloat(row["count"])
		total += int64(n)
	}
	return total, nil
}

// childRowsState lists id and key of children of parentIDs. state is
// "active", "op" (deleted by operation op) or "" for every row.
func (e *Engine) childRowsState(ctx context.Context, q store.Querier, child *metadata.Entity, key string, parentIDs []string, state, op string) ([]map[string]any, error) {
	var out []map[string]any
	for _, chunk := range chunkIDs(parentIDs) {
		pb := e.store.Dialect.NewParamBuilder()
		where := []string{e.store.Dialect.InExpr(key, pb, chunk)}
		switch state {
		case "active":
			where = append(where, "deleted_at IS NULL")
		case "op":
			where = append(where, "deleted_at IS NOT NULL", fmt.Sprintf("%s = %s", metadata.ColumnDeletionID, pb.Add(op)))
		}
		sqlStr := fmt.Sprintf("SELECT id, %s FROM %s WHERE %s ORDER BY id",
			key, child.Table, strings.Join(where, " AND "))
		rows, err := store.QueryRows(ctx, q, sqlStr, pb.Params()...)
		if err != nil {
			return nil, fmt.Errorf("list %s children: %w", child.Name, err)
		}
		out = append(out, rows...)
	}
	return out, nil
}

// applyCascade writes the plan. It reports whether the root row changed;
// false means another operation in the same transaction got there first.
func (e *Engine) applyCascade(ctx context.Context, q store.Querier, rc *RequestContext, plan *cascadePlan) (bool, []activity.Entry, error) {
	d := e.store.Dialect
	now := rc.now()
	var entries []activity.Entry

	nodes := plan.nodes
	if plan.mode == cascadePermanentDelete {
		// children first
		nodes = make([]cascadeNode, len(plan.nodes))
		for i, n := range plan.nodes {
			nodes[len(plan.nodes)-1-i] = n
		}
	}

	rootChanged := false
	for _, node := range nodes {
		ids := make([]any, len(node.ids))
		for i, id := range node.ids {
			ids[i] = id
		}
		var affected int64
		for _, chunk := range chunkAny(ids) {
			pb := d.NewParamBuilder()
			var sqlStr string
			switch plan.mode {
			case cascadeSoftDelete:
				sqlStr = fmt.Sprintf("UPDATE %s SET deleted_at = %s, deleted_by = %s, %s = %s WHERE %s AND deleted_at IS NULL",
					node.entity.Table, pb.Add(d.BindValue(now)), pb.Add(rc.userID()),
					metadata.ColumnDeletionID, pb.Add(plan.op), d.InExpr("id", pb, chunk))
			case cascadeRestore:
				sqlStr = fmt.Sprintf("UPDATE %s SET deleted_at = NULL, deleted_by = NULL, %s = NULL WHERE %s AND deleted_at IS NOT NULL",
					node.entity.Table, metadata.ColumnDeletionID, d.InExpr("id", pb, chunk))
			case cascadePermanentDelete:
				sqlStr = fmt.Sprintf("DELETE FROM %s WHERE %s", node.entity.Table, d.InExpr("id", pb, chunk))
			}
			n, err := store.Exec(ctx, q, sqlStr, pb.Params()...)
			if err != nil {
				return false, nil, fmt.Errorf("cascade %s: %w", node.entity.Name, err)
			}
			affected += n
		}
		if node.parent == "" {
			rootChanged = affected > 0
			if !rootChanged {
				return false, nil, nil
			}
		}

		for _, id := range node.ids {
			var diff any
			if node.parent != "" {
				diff = map[string]any{"cascaded_from": node.parent}
			}
			entries = append(entries, e.entry(rc, node.entity.Name, id, plan.action(), diff))
		}
	}

	for _, step := range plan.nulls {
		ids := make([]any, len(step.rows))
		for i, row := range step.rows {
			ids[i] = fmt.Sprint(row["id"])
		}
		for _, chunk := range chunkAny(ids) {
			pb := d.NewParamBuilder()
			sqlStr := fmt.Sprintf("UPDATE %s SET %s = NULL WHERE %s",
				step.entity.Table, step.field, d.InExpr("id", pb, chunk))
			if _, err := store.Exec(ctx, q, sqlStr, pb.Params()...); err != nil {
				return false, nil, fmt.Errorf("set null %s.%s: %w", step.entity.Name, step.field, err)
			}
		}
		for _, row := range step.rows {
			diff := Diff{step.field: {Old: row[step.field], New: nil}}
			entries = append(entries, e.entry(rc, step.entity.Name, fmt.Sprint(row["id"]), activity.ActionUpdate, diff))
		}
	}
	return rootChanged, entries, nil
}

func (p *cascadePlan) action() string {
	switch p.mode {
	case cascadeRestore:
		return activity.ActionRestore
	case cascadePermanentDelete:
		return activity.ActionPermanentDelete
	}
	return activity.ActionDelete
}

func chunkIDs(ids []string) [][]any {
	all := make([]any, len(ids))
	for i, id := range ids {
		all[i] = id
	}
	return chunkAny(all)
}

func chunkAny(values []any) [][]any {
	var out [][]any
	for len(values) > inChunk {
		out = append(out, values[:inChunk])
		values = values[inChunk:]
	}
	if len(values) > 0 {
		out = append(out, values)
	}
	return out
}
