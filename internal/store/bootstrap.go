package store

import (
	"context"
	"encoding/json"
	"fmt"

	"records-backend/internal/metadata"
)

// Bootstrap creates the system tables if they do not exist.
func (s *Store) Bootstrap(ctx context.Context) error {
	for _, stmt := range s.Dialect.SystemTablesSQL() {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap system tables: %w", err)
		}
	}
	return nil
}

// SaveDefinitions upserts entity, relation, permission and view definitions
// into the system tables in one transaction.
func (s *Store) SaveDefinitions(ctx context.Context, defs metadata.Definitions) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	ph := s.Dialect.Placeholder
	for _, e := range defs.Entities {
		table := e.Table
		if table == "" {
			table = e.Name
		}
		q := fmt.Sprintf(`INSERT INTO _entities (name, table_name, definition) VALUES (%s, %s, %s)
ON CONFLICT (name) DO UPDATE SET table_name = excluded.table_name, definition = excluded.definition`, ph(1), ph(2), ph(3))
		if err := s.execJSON(ctx, tx, q, e, e.Name, table); err != nil {
			return fmt.Errorf("save entity %s: %w", e.Name, err)
		}
	}
	for _, r := range defs.Relations {
		q := fmt.Sprintf(`INSERT INTO _relations (name, source, target, definition) VALUES (%s, %s, %s, %s)
ON CONFLICT (name) DO UPDATE SET source = excluded.source, target = excluded.target, definition = excluded.definition`, ph(1), ph(2), ph(3), ph(4))
		if err := s.execJSON(ctx, tx, q, r, r.Name, r.Source, r.Target); err != nil {
			return fmt.Errorf("save relation %s: %w", r.Name, err)
		}
	}
	for _, p := range defs.Permissions {
		if p.ID == "" {
			p.ID = fmt.Sprintf("%s:%s", p.Entity, p.Action)
		}
		q := fmt.Sprintf(`INSERT INTO _permissions (id, definition) VALUES (%s, %s)
ON CONFLICT (id) DO UPDATE SET definition = excluded.definition`, ph(1), ph(2))
		if err := s.execJSON(ctx, tx, q, p, p.ID); err != nil {
			return fmt.Errorf("save permission %s: %w", p.ID, err)
		}
	}
	for _, v := range defs.Views {
		q := fmt.Sprintf(`INSERT INTO _views (name, entity, definition) VALUES (%s, %s, %s)
ON CONFLICT (entity, name) DO UPDATE SET definition = excluded.definition`, ph(1), ph(2), ph(3))
		if err := s.execJSON(ctx, tx, q, v, v.Name, v.Entity); err != nil {
			return fmt.Errorf("save view %s: %w", v.Name, err)
		}
	}
	return tx.Commit()
}

// execJSON runs q with keys followed by def encoded as JSON.
func (s *Store) execJSON(ctx context.Context, q Querier, stmt string, def any, keys ...any) error {
	b, err := json.Marshal(def)
	if err != nil {
		return err
	}
	args := append(keys, string(b))
	_, err = q.ExecContext(ctx, stmt, args...)
	return err
}
