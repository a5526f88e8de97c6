package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"records-backend/internal/activity"
	"records-backend/internal/metadata"
	"records-backend/internal/store"
)

// outcome is the committed effect of one mutation.
type outcome struct {
	ID      string
	Record  map[string]any
	Changes Diff
	Created bool
	Skipped bool
	Entries []activity.Entry
}

// mutation is one record write split into a read-only validation phase and
// a write phase, so a batch can validate every item before writing any.
type mutation interface {
	prepare(ctx context.Context, q store.Querier) error
	apply(ctx context.Context, q store.Querier) (*outcome, error)
}

// run executes a single mutation in its own transaction and emits its
// activity after commit.
func (e *Engine) run(ctx context.Context, rc *RequestContext, m mutation) (*outcome, error) {
	var out *outcome
	err := e.inTx(ctx, rc, func(ctx context.Context, tx store.Querier) error {
		if err := m.prepare(ctx, tx); err != nil {
			return err
		}
		var err error
		out, err = m.apply(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.emit(out.Entries)
	return out, nil
}

// loadRecord fetches a row for mutation, mapping absence to 404.
func (e *Engine) loadRecord(ctx context.Context, q store.Querier, entity *metadata.Entity, id string) (map[string]any, error) {
	row, err := fetchRecord(ctx, q, e.store.Dialect, entity, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, NotFoundError(entity.Name, id)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", entity.Name, id, err)
	}
	return row, nil
}

// --- create ---

type createMutation struct {
	e       *Engine
	rc      *RequestContext
	entity  *metadata.Entity
	payload map[string]any

	fields map[string]any
	record map[string]any
}

func (m *createMutation) prepare(ctx context.Context, q store.Querier) error {
	fields, errs := planWrite(m.entity, m.payload, true)
	if len(errs) > 0 {
		return ValidationError(errs)
	}
	refErrs, err := m.e.checkReferences(ctx, q, m.entity, fields)
	if err != nil {
		return err
	}
	if len(refErrs) > 0 {
		return ValidationError(refErrs)
	}

	now := m.rc.now()
	record := map[string]any{
		metadata.FieldID:        newRecordID(),
		metadata.FieldCreatedAt: now,
		metadata.FieldUpdatedAt: now,
		metadata.FieldDeletedAt: nil,
		metadata.FieldCreatedBy: m.rc.userID(),
		metadata.FieldUpdatedBy: m.rc.userID(),
		metadata.FieldDeletedBy: nil,
	}
	for _, f := range m.entity.UserFields() {
		record[f.Name] = fields[f.Name]
	}
	if err := checkRowConditions(m.rc, m.entity, metadata.ActionCreate, record); err != nil {
		return err
	}
	m.fields = fields
	m.record = record
	return nil
}

func (m *createMutation) apply(ctx context.Context, q store.Querier) (*outcome, error) {
	ins := buildInsertSQL(m.e.store.Dialect, m.entity, m.record)
	if _, err := store.Exec(ctx, q, ins.SQL, ins.Params...); err != nil {
		return nil, fmt.Errorf("insert %s: %w", m.entity.Name, m.e.store.Dialect.MapError(err))
	}
	id := m.record[metadata.FieldID].(string)
	changes := ComputeDiff(map[string]any{}, m.fields)
	return &outcome{
		ID:      id,
		Record:  m.record,
		Changes: changes,
		Created: true,
		Entries: []activity.Entry{m.e.entry(m.rc, m.entity.Name, id, activity.ActionCreate, changes)},
	}, nil
}

// --- update ---

type updateMutation struct {
	e       *Engine
	rc      *RequestContext
	entity  *metadata.Entity
	id      string
	payload map[string]any

	current map[string]any
	diff    Diff
}

func (m *updateMutation) prepare(ctx context.Context, q store.Querier) error {
	current, err := m.e.loadRecord(ctx, q, m.entity, m.id)
	if err != nil {
		return err
	}
	if current[metadata.FieldDeletedAt] != nil {
		return NotFoundError(m.entity.Name, m.id)
	}
	if err := checkRowConditions(m.rc, m.entity, metadata.ActionUpdate, current); err != nil {
		return err
	}
	fields, errs := planWrite(m.entity, m.payload, false)
	if len(errs) > 0 {
		return ValidationError(errs)
	}
	diff := ComputeDiff(current, fields)
	changed := make(map[string]any, len(diff))
	for name, c := range diff {
		changed[name] = c.New
	}
	refErrs, err := m.e.checkReferences(ctx, q, m.entity, changed)
	if err != nil {
		return err
	}
	if len(refErrs) > 0 {
		return ValidationError(refErrs)
	}
	m.current = current
	m.diff = diff
	return nil
}

func (m *updateMutation) apply(ctx context.Context, q store.Querier) (*outcome, error) {
	record := make(map[string]any, len(m.current))
	for k, v := range m.current {
		record[k] = v
	}
	if len(m.diff) == 0 {
		return &outcome{ID: m.id, Record: record, Changes: m.diff}, nil
	}

	now := m.rc.now()
	set := map[string]any{
		metadata.FieldUpdatedAt: now,
		metadata.FieldUpdatedBy: m.rc.userID(),
	}
	for name, c := range m.diff {
		set[name] = c.New
		record[name] = c.New
	}
	record[metadata.FieldUpdatedAt] = now
	record[metadata.FieldUpdatedBy] = m.rc.userID()

	upd := buildUpdateSQL(m.e.store.Dialect, m.entity, m.id, set)
	n, err := store.Exec(ctx, q, upd.SQL, upd.Params...)
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", m.entity.Name, m.id, m.e.store.Dialect.MapError(err))
	}
	if n == 0 {
		return nil, NotFoundError(m.entity.Name, m.id)
	}
	return &outcome{
		ID:      m.id,
		Record:  record,
		Changes: m.diff,
		Entries: []activity.Entry{m.e.entry(m.rc, m.entity.Name, m.id, activity.ActionUpdate, m.diff)},
	}, nil
}

// --- delete ---

type deleteMutation struct {
	e         *Engine
	rc        *RequestContext
	entity    *metadata.Entity
	id        string
	permanent bool
	batch     bool // already-deleted targets are skipped rather than 404

	current map[string]any
	skip    bool
}

func (m *deleteMutation) mode() cascadeMode {
	if m.permanent {
		return cascadePermanentDelete
	}
	return cascadeSoftDelete
}

func (m *deleteMutation) prepare(ctx context.Context, q store.Querier) error {
	m.skip = false
	current, err := m.e.loadRecord(ctx, q, m.entity, m.id)
	if err != nil {
		return err
	}
	if !m.permanent && current[metadata.FieldDeletedAt] != nil {
		if !m.batch {
			return NotFoundError(m.entity.Name, m.id)
		}
		m.skip = true
		return nil
	}
	action := metadata.ActionDelete
	if m.permanent {
		action = metadata.ActionPermanentDelete
	}
	if err := checkRowConditions(m.rc, m.entity, action, current); err != nil {
		return err
	}
	if _, err := m.e.planCascade(ctx, q, m.mode(), m.entity, m.id, ""); err != nil {
		return err
	}
	m.current = current
	return nil
}

func (m *deleteMutation) apply(ctx context.Context, q store.Querier) (*outcome, error) {
	if m.skip {
		return &outcome{ID: m.id, Skipped: true}, nil
	}
	// Re-plan against the current transaction state; earlier items of a
	// batch may already have cascaded over this record.
	plan, err := m.e.planCascade(ctx, q, m.mode(), m.entity, m.id, newRecordID())
	if err != nil {
		return nil, err
	}
	changed, entries, err := m.e.applyCascade(ctx, q, m.rc, plan)
	if err != nil {
		return nil, err
	}
	if !changed {
		if !m.batch {
			return nil, NotFoundError(m.entity.Name, m.id)
		}
		return &outcome{ID: m.id, Skipped: true}, nil
	}
	record := m.current
	if !m.permanent {
		record[metadata.FieldDeletedAt] = m.rc.now()
		record[metadata.FieldDeletedBy] = m.rc.userID()
	}
	return &outcome{ID: m.id, Record: record, Entries: entries}, nil
}

// --- restore ---

type restoreMutation struct {
	e      *Engine
	rc     *RequestContext
	entity *metadata.Entity
	id     string

	current map[string]any
	skip    bool
}

func (m *restoreMutation) prepare(ctx context.Context, q store.Querier) error {
	m.skip = false
	current, err := m.e.loadRecord(ctx, q, m.entity, m.id)
	if err != nil {
		return err
	}
	m.current = current
	if current[metadata.FieldDeletedAt] == nil {
		m.skip = true
		return nil
	}
	if err := checkRowConditions(m.rc, m.entity, metadata.ActionRestore, current); err != nil {
		return err
	}
	return m.e.checkParentsActive(ctx, q, m.entity, current)
}

func (m *restoreMutation) apply(ctx context.Context, q store.Querier) (*outcome, error) {
	if m.skip {
		return &outcome{ID: m.id, Record: m.current, Skipped: true}, nil
	}
	op, _ := m.current[metadata.ColumnDeletionID].(string)
	plan, err := m.e.planCascade(ctx, q, cascadeRestore, m.entity, m.id, op)
	if err != nil {
		return nil, err
	}
	changed, entries, err := m.e.applyCascade(ctx, q, m.rc, plan)
	if err != nil {
		return nil, fmt.Errorf("restore %s/%s: %w", m.entity.Name, m.id, m.e.store.Dialect.MapError(err))
	}
	record := m.current
	if !changed {
		return &outcome{ID: m.id, Record: record, Skipped: true}, nil
	}
	record[metadata.FieldDeletedAt] = nil
	record[metadata.FieldDeletedBy] = nil
	return &outcome{ID: m.id, Record: record, Entries: entries}, nil
}

// checkParentsActive refuses to restore a record whose parent is still
// soft-deleted or no longer exists.
func (e *Engine) checkParentsActive(ctx context.Context, q store.Querier, entity *metadata.Entity, record map[string]any) error {
	for _, rel := range e.registry.GetRelationsForTarget(entity.Name) {
		fk := record[rel.TargetKey]
		if fk == nil {
			continue
		}
		parent := e.registry.GetEntity(rel.Source)
		if parent == nil {
			continue
		}
		pb := e.store.Dialect.NewParamBuilder()
		sqlStr := fmt.Sprintf("SELECT id, deleted_at FROM %s WHERE id = %s",
			parent.Table, pb.Add(e.store.Dialect.BindValue(fk)))
		row, err := store.QueryRow(ctx, q, sqlStr, pb.Params()...)
		if errors.Is(err, store.ErrNotFound) {
			return ConflictError(fmt.Sprintf("Cannot restore %s %v: parent %s %v no longer exists",
				entity.Name, record[metadata.FieldID], parent.Name, fk))
		}
		if err != nil {
			return fmt.Errorf("check parent %s: %w", parent.Name, err)
		}
		if row[metadata.FieldDeletedAt] != nil {
			return ConflictError(fmt.Sprintf("Cannot restore %s %v: parent %s %v is deleted",
				entity.Name, record[metadata.FieldID], parent.Name, fk))
		}
	}
	return nil
}

// --- entry points ---

// Get returns one record. Soft-deleted records are 404 unless includeDeleted.
func (e *Engine) Get(ctx context.Context, rc *RequestContext, table, id string, includeDeleted bool) (map[string]any, error) {
	entity, err := e.resolve(table)
	if err != nil {
		return nil, err
	}
	if err := rc.authorize(entity.Name, metadata.ActionRead); err != nil {
		return nil, err
	}
	ctx, cancel := e.readContext(ctx, rc)
	defer cancel()

	pb := e.store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("SELECT %s FROM %s WHERE id = %s",
		strings.Join(entity.FieldNames(), ", "), entity.Table, pb.Add(id))
	if !includeDeleted {
		sqlStr += " AND deleted_at IS NULL"
	}
	row, err := store.QueryRow(ctx, e.store.DB, sqlStr, pb.Params()...)
	if errors.Is(err, store.ErrNotFound) {
		return nil, NotFoundError(entity.Name, id)
	}
	if err != nil {
		return nil, toAppError(fmt.Errorf("get %s/%s: %w", entity.Name, id, err))
	}
	record := normalizeRow(entity, row)

	pred, err := conditionPredicate(rc.Perms.RowConditions(rc.User, entity.Name, metadata.ActionRead), entity)
	if err != nil {
		return nil, toAppError(err)
	}
	if pred != nil && !pred.Matches(record) {
		return nil, NotFoundError(entity.Name, id)
	}
	return present(rc, entity, record), nil
}

// Create inserts one record and returns it.
func (e *Engine) Create(ctx context.Context, rc *RequestContext, table string, payload map[string]any) (map[string]any, error) {
	rc = rc.begin()
	entity, err := e.resolve(table)
	if err != nil {
		return nil, err
	}
	if err := rc.authorize(entity.Name, metadata.ActionCreate); err != nil {
		return nil, err
	}
	out, err := e.run(ctx, rc, &createMutation{e: e, rc: rc, entity: entity, payload: payload})
	if err != nil {
		return nil, err
	}
	return present(rc, entity, out.Record), nil
}

// Update applies a partial update and returns the record with the
// field-level changes. An update that changes nothing writes nothing.
func (e *Engine) Update(ctx context.Context, rc *RequestContext, table, id string, payload map[string]any) (map[string]any, Diff, error) {
	rc = rc.begin()
	entity, err := e.resolve(table)
	if err != nil {
		return nil, nil, err
	}
	if err := rc.authorize(entity.Name, metadata.ActionUpdate); err != nil {
		return nil, nil, err
	}
	out, err := e.run(ctx, rc, &updateMutation{e: e, rc: rc, entity: entity, id: id, payload: payload})
	if err != nil {
		return nil, nil, err
	}
	return present(rc, entity, out.Record), out.Changes, nil
}

// Delete soft-deletes a record, or removes it when permanent, applying the
// table's cascade policies in the same transaction.
func (e *Engine) Delete(ctx context.Context, rc *RequestContext, table, id string, permanent bool) error {
	rc = rc.begin()
	entity, err := e.resolve(table)
	if err != nil {
		return err
	}
	action := metadata.ActionDelete
	if permanent {
		action = metadata.ActionPermanentDelete
	}
	if err := rc.authorize(entity.Name, action); err != nil {
		return err
	}
	_, err = e.run(ctx, rc, &deleteMutation{e: e, rc: rc, entity: entity, id: id, permanent: permanent})
	return err
}

// Restore reactivates a soft-deleted record and the children its deletion
// cascaded to. Restoring an active record is a no-op.
func (e *Engine) Restore(ctx context.Context, rc *RequestContext, table, id string) (map[string]any, error) {
	rc = rc.begin()
	entity, err := e.resolve(table)
	if err != nil {
		return nil, err
	}
	if err := rc.authorize(entity.Name, metadata.ActionRestore); err != nil {
		return nil, err
	}
	out, err := e.run(ctx, rc, &restoreMutation{e: e, rc: rc, entity: entity, id: id})
	if err != nil {
		return nil, err
	}
	return present(rc, entity, out.Record), nil
}

// History returns the activity recorded for one record, newest first.
func (e *Engine) History(ctx context.Context, rc *RequestContext, table, id string, limit int) ([]activity.Entry, error) {
	entity, err := e.resolve(table)
	if err != nil {
		return nil, err
	}
	if err := rc.authorize(entity.Name, metadata.ActionRead); err != nil {
		return nil, err
	}
	ctx, cancel := e.readContext(ctx, rc)
	defer cancel()
	entries, err := activity.History(ctx, e.store.DB, e.store.Dialect, entity.Name, id, limit)
	if err != nil {
		return nil, toAppError(err)
	}
	return entries, nil
}
