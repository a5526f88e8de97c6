package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"records-backend/internal/metadata"
	"records-backend/internal/store"
)

// Upsert operations.
const (
	OperationCreated = "created"
	OperationUpdated = "updated"
)

// UpsertResult reports which branch an upsert took.
type UpsertResult struct {
	Record    map[string]any
	Operation string
	Changes   Diff
}

// Upsert updates the single active record whose matchFields equal the
// payload's values, or creates one when none match. More than one match is
// an AmbiguousMatch error.
func (e *Engine) Upsert(ctx context.Context, rc *RequestContext, table string, payload map[string]any, matchFields []string) (*UpsertResult, error) {
	rc = rc.begin()
	entity, err := e.resolve(table)
	if err != nil {
		return nil, err
	}
	match, err := upsertMatch(entity, payload, matchFields)
	if err != nil {
		return nil, err
	}
	pred, err := CompileFilter(match, entity, nil)
	if err != nil {
		return nil, err
	}

	res, err := e.upsertOnce(ctx, rc, entity, pred, payload)
	if err != nil && errors.Is(err, store.ErrUniqueViolation) {
		// A concurrent writer created the match between our read and insert.
		log.Printf("WARN: upsert %s: unique violation, retrying as update", entity.Name)
		res, err = e.upsertOnce(ctx, rc, entity, pred, payload)
	}
	if err != nil {
		return nil, toAppError(err)
	}
	return res, nil
}

func (e *Engine) upsertOnce(ctx context.Context, rc *RequestContext, entity *metadata.Entity, pred *Predicate, payload map[string]any) (*UpsertResult, error) {
	var out *outcome
	err := e.store.WithTx(ctx, e.timeout(rc), func(ctx context.Context, tx *sql.Tx) error {
		id, err := e.findMatch(ctx, tx, entity, pred)
		if err != nil {
			return err
		}
		var m mutation
		if id == "" {
			if err := rc.authorize(entity.Name, metadata.ActionCreate); err != nil {
				return err
			}
			m = &createMutation{e: e, rc: rc, entity: entity, payload: payload}
		} else {
			if err := rc.authorize(entity.Name, metadata.ActionUpdate); err != nil {
				return err
			}
			m = &updateMutation{e: e, rc: rc, entity: entity, id: id, payload: payload}
		}
		if err := m.prepare(ctx, tx); err != nil {
			return err
		}
		out, err = m.apply(ctx, tx)
		return err
	})
	if err != nil {
		return nil, store.MapError(e.store.Dialect, err)
	}
	e.emit(out.Entries)

	op := OperationUpdated
	if out.Created {
		op = OperationCreated
	}
	return &UpsertResult{Record: present(rc, entity, out.Record), Operation: op, Changes: out.Changes}, nil
}

// findMatch returns the id of the single active record matching pred, ""
// when none does.
func (e *Engine) findMatch(ctx context.Context, q store.Querier, entity *metadata.Entity, pred *Predicate) (string, error) {
	d := e.store.Dialect
	pb := d.NewParamBuilder()
	sqlStr := fmt.Sprintf("SELECT id FROM %s WHERE deleted_at IS NULL AND %s ORDER BY id LIMIT 2",
		entity.Table, pred.SQL(d, pb))
	rows, err := store.QueryRows(ctx, q, sqlStr, pb.Params()...)
	if err != nil {
		return "", fmt.Errorf("match %s: %w", entity.Name, err)
	}
	switch len(rows) {
	case 0:
		return "", nil
	case 1:
		return fmt.Sprint(rows[0]["id"]), nil
	}
	return "", AmbiguousMatchError(entity.Name, len(rows))
}

// upsertMatch builds the equality filter over matchFields.
func upsertMatch(entity *metadata.Entity, payload map[string]any, matchFields []string) (*FilterExpr, error) {
	if len(matchFields) == 0 {
		return nil, InvalidValueError("matchFields", "matchFields must name at least one field")
	}
	match := &FilterExpr{Logic: LogicAnd}
	for _, name := range matchFields {
		if !entity.HasField(name) {
			return nil, InvalidFieldError(name, fmt.Sprintf("Unknown match field: %s", name))
		}
		v, ok := payload[name]
		if !ok || v == nil {
			return nil, InvalidValueError(name, fmt.Sprintf("Match field %s requires a value in fields", name))
		}
		match.Children = append(match.Children, &FilterExpr{Field: name, Operator: "eq", Value: v})
	}
	return match, nil
}
