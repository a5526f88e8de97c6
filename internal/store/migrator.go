package store

import (
	"context"
	"fmt"
	"strings"

	"records-backend/internal/metadata"
)

type Migrator struct {
	store *Store
}

func NewMigrator(store *Store) *Migrator {
	return &Migrator{store: store}
}

// MigrateAll migrates every registered entity and indexes relation keys.
func (m *Migrator) MigrateAll(ctx context.Context, reg *metadata.Registry) error {
	entities := reg.AllEntities()
	for _, e := range entities {
		if err := m.Migrate(ctx, e); err != nil {
			return err
		}
	}
	for _, e := range entities {
		for _, rel := range reg.GetRelationsForSource(e.Name) {
			if err := m.MigrateRelation(ctx, rel, reg.GetEntity(rel.Target)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Migrate ensures the table matches the entity metadata.
// Creates the table if it doesn't exist, or adds missing columns.
func (m *Migrator) Migrate(ctx context.Context, entity *metadata.Entity) error {
	exists, err := m.store.Dialect.TableExists(ctx, m.store.DB, entity.Table)
	if err != nil {
		return fmt.Errorf("check table exists: %w", err)
	}

	if !exists {
		return m.createTable(ctx, entity)
	}

	return m.alterTable(ctx, entity)
}

// MigrateRelation indexes the child's foreign key so cascade walks do not
// scan the whole child table.
func (m *Migrator) MigrateRelation(ctx context.Context, rel *metadata.Relation, target *metadata.Entity) error {
	if target == nil {
		return fmt.Errorf("relation %s: unknown target %s", rel.Name, rel.Target)
	}
	sql := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)",
		target.Table, rel.TargetKey, target.Table, rel.TargetKey)
	if _, err := m.store.DB.ExecContext(ctx, sql); err != nil {
		return fmt.Errorf("create relation index %s: %w", rel.Name, err)
	}
	return nil
}

func (m *Migrator) createTable(ctx context.Context, entity *metadata.Entity) error {
	var cols []string
	for _, name := range entity.FieldNames() {
		cols = append(cols, m.buildColumnDef(entity.GetField(name)))
	}
	cols = append(cols, metadata.ColumnDeletionID+" TEXT")

	sql := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", entity.Table, strings.Join(cols, ",\n  "))

	if _, err := m.store.DB.ExecContext(ctx, sql); err != nil {
		return fmt.Errorf("create table %s: %w", entity.Table, err)
	}

	if err := m.createIndexes(ctx, entity); err != nil {
		return fmt.Errorf("create indexes for %s: %w", entity.Table, err)
	}

	return nil
}

func (m *Migrator) alterTable(ctx context.Context, entity *metadata.Entity) error {
	existing, err := m.store.Dialect.GetColumns(ctx, m.store.DB, entity.Table)
	if err != nil {
		return fmt.Errorf("get columns for %s: %w", entity.Table, err)
	}

	for _, name := range entity.FieldNames() {
		if _, ok := existing[name]; ok {
			continue
		}
		f := entity.GetField(name)
		// Added columns stay nullable; existing rows have no value for them.
		sql := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", entity.Table, f.Name, m.columnType(f))
		if _, err := m.store.DB.ExecContext(ctx, sql); err != nil {
			return fmt.Errorf("add column %s.%s: %w", entity.Table, f.Name, err)
		}
	}
	if _, ok := existing[metadata.ColumnDeletionID]; !ok {
		sql := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT", entity.Table, metadata.ColumnDeletionID)
		if _, err := m.store.DB.ExecContext(ctx, sql); err != nil {
			return fmt.Errorf("add %s column to %s: %w", metadata.ColumnDeletionID, entity.Table, err)
		}
	}

	if err := m.createIndexes(ctx, entity); err != nil {
		return fmt.Errorf("create indexes for %s: %w", entity.Table, err)
	}

	return nil
}

func (m *Migrator) columnType(f *metadata.Field) string {
	return m.store.Dialect.ColumnType(f.Type, f.Precision)
}

func (m *Migrator) buildColumnDef(f *metadata.Field) string {
	col := f.Name + " " + m.columnType(f)

	switch {
	case f.Name == metadata.FieldID:
		col += " PRIMARY KEY"
	case f.Name == metadata.FieldCreatedAt || f.Name == metadata.FieldUpdatedAt:
		col += " NOT NULL"
	case f.Required && !f.Nullable:
		col += " NOT NULL"
	}
	return col
}

// createIndexes adds unique indexes scoped to live rows, so a soft-deleted
// record never blocks reuse of its unique values.
func (m *Migrator) createIndexes(ctx context.Context, entity *metadata.Entity) error {
	for _, name := range entity.UniqueFields() {
		sql := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS uq_%s_%s ON %s (%s) WHERE %s IS NULL",
			entity.Table, name, entity.Table, name, metadata.FieldDeletedAt)
		if _, err := m.store.DB.ExecContext(ctx, sql); err != nil {
			return fmt.Errorf("create unique index on %s.%s: %w", entity.Table, name, err)
		}
	}

	stmts := []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_deleted_at ON %s (%s)",
			entity.Table, entity.Table, metadata.FieldDeletedAt),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)",
			entity.Table, metadata.ColumnDeletionID, entity.Table, metadata.ColumnDeletionID),
	}
	for _, sql := range stmts {
		if _, err := m.store.DB.ExecContext(ctx, sql); err != nil {
			return fmt.Errorf("create index on %s: %w", entity.Table, err)
		}
	}
	return nil
}
