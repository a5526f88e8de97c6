package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"records-backend/internal/metadata"
	"records-backend/internal/store"
)

// planWrite validates a caller payload against entity and returns the
// canonical user-field values to write. System fields are ignored. On
// create, defaults fill omitted fields and required fields must be present.
func planWrite(entity *metadata.Entity, payload map[string]any, isCreate bool) (map[string]any, []ErrorDetail) {
	fields := make(map[string]any, len(payload))
	var errs []ErrorDetail

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if metadata.IsSystemField(key) {
			continue
		}
		f := entity.GetField(key)
		if f == nil {
			errs = append(errs, ErrorDetail{
				Field:   key,
				Rule:    "unknown",
				Message: fmt.Sprintf("Unknown field: %s", key),
			})
			continue
		}
		v, err := f.Validate(payload[key])
		if err != nil {
			errs = append(errs, fieldErrorDetail(f.Name, err))
			continue
		}
		if v == nil && f.Required && !f.Nullable {
			errs = append(errs, requiredDetail(f.Name))
			continue
		}
		fields[key] = v
	}

	if isCreate {
		for _, f := range entity.UserFields() {
			if _, ok := payload[f.Name]; ok {
				continue
			}
			if f.Default != nil {
				v, err := f.Validate(f.Default)
				if err != nil {
					errs = append(errs, fieldErrorDetail(f.Name, err))
					continue
				}
				fields[f.Name] = v
				continue
			}
			if f.Required {
				errs = append(errs, requiredDetail(f.Name))
			}
		}
	}
	return fields, errs
}

func fieldErrorDetail(field string, err error) ErrorDetail {
	var fe *metadata.FieldError
	if errors.As(err, &fe) {
		return ErrorDetail{Field: field, Rule: fe.Rule, Message: fe.Message}
	}
	return ErrorDetail{Field: field, Rule: "invalid_value", Message: err.Error()}
}

func requiredDetail(field string) ErrorDetail {
	return ErrorDetail{Field: field, Rule: "required", Message: fmt.Sprintf("%s is required", field)}
}

// checkReferences verifies that every non-null foreign key in fields points
// at an existing, active parent record.
func (e *Engine) checkReferences(ctx context.Context, q store.Querier, entity *metadata.Entity, fields map[string]any) ([]ErrorDetail, error) {
	parents := make(map[string]string)
	for _, f := range entity.UserFields() {
		if f.References != "" {
			parents[f.Name] = f.References
		}
	}
	for _, rel := range e.registry.GetRelationsForTarget(entity.Name) {
		parents[rel.TargetKey] = rel.Source
	}

	names := make([]string, 0, len(parents))
	for name := range parents {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []ErrorDetail
	for _, field := range names {
		v, ok := fields[field]
		if !ok || v == nil {
			continue
		}
		parent := e.registry.GetEntity(parents[field])
		if parent == nil {
			continue
		}
		pb := e.store.Dialect.NewParamBuilder()
		sqlStr := fmt.Sprintf("SELECT id FROM %s WHERE id = %s AND deleted_at IS NULL",
			parent.Table, pb.Add(e.store.Dialect.BindValue(v)))
		_, err := store.QueryRow(ctx, q, sqlStr, pb.Params()...)
		if errors.Is(err, store.ErrNotFound) {
			errs = append(errs, ErrorDetail{
				Field:   field,
				Rule:    "reference",
				Message: fmt.Sprintf("%s references a %s record that does not exist or is deleted", field, parent.Name),
			})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("check reference %s: %w", field, err)
		}
	}
	return errs, nil
}

// fetchRecord loads one row by id regardless of soft-delete state, including
// the hidden deletion_id column. The row is locked for update where the
// store supports it.
func fetchRecord(ctx context.Context, q store.Querier, d store.Dialect, entity *metadata.Entity, id string) (map[string]any, error) {
	columns := append(entity.FieldNames(), metadata.ColumnDeletionID)
	pb := d.NewParamBuilder()
	sqlStr := fmt.Sprintf("SELECT %s FROM %s WHERE id = %s",
		strings.Join(columns, ", "), entity.Table, pb.Add(id))
	if d.Name() == "postgres" {
		sqlStr += " FOR UPDATE"
	}
	row, err := store.QueryRow(ctx, q, sqlStr, pb.Params()...)
	if err != nil {
		return nil, err
	}
	return normalizeRow(entity, row), nil
}

// buildInsertSQL inserts the record's columns in schema order.
func buildInsertSQL(d store.Dialect, entity *metadata.Entity, record map[string]any) sqlQuery {
	pb := d.NewParamBuilder()
	var cols, phs []string
	for _, name := range entity.FieldNames() {
		v, ok := record[name]
		if !ok {
			continue
		}
		cols = append(cols, name)
		phs = append(phs, pb.Add(d.BindValue(v)))
	}
	sqlStr := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		entity.Table, strings.Join(cols, ", "), strings.Join(phs, ", "))
	return sqlQuery{SQL: sqlStr, Params: pb.Params()}
}

// buildUpdateSQL updates an active row; set keys are written in sorted order.
func buildUpdateSQL(d store.Dialect, entity *metadata.Entity, id string, set map[string]any) sqlQuery {
	pb := d.NewParamBuilder()
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s = %s", k, pb.Add(d.BindValue(set[k])))
	}
	sqlStr := fmt.Sprintf("UPDATE %s SET %s WHERE id = %s AND deleted_at IS NULL",
		entity.Table, strings.Join(parts, ", "), pb.Add(id))
	return sqlQuery{SQL: sqlStr, Params: pb.Params()}
}

// present strips hidden columns and fields the caller may not read.
func present(rc *RequestContext, entity *metadata.Entity, record map[string]any) map[string]any {
	if record == nil {
		return nil
	}
	readable := rc.Perms.ReadableFields(rc.User, entity)
	out := make(map[string]any, len(record))
	for k, v := range record {
		if k == metadata.ColumnDeletionID || !readable[k] {
			continue
		}
		out[k] = v
	}
	out[metadata.FieldID] = record[metadata.FieldID]
	return out
}

// checkRowConditions fails with 403 when the record is outside the rows
// the caller's policy for action covers.
func checkRowConditions(rc *RequestContext, entity *metadata.Entity, action metadata.Action, record map[string]any) error {
	pred, err := conditionPredicate(rc.Perms.RowConditions(rc.User, entity.Name, action), entity)
	if err != nil {
		return err
	}
	if pred != nil && !pred.Matches(record) {
		return ForbiddenError(fmt.Sprintf("Permission denied for %s on this %s record", action, entity.Name))
	}
	return nil
}
