package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
)

// Querier is the subset of *sql.DB used to read definitions.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// LoadAll reads entities, relations, permissions and views from the system
// tables and loads them into the registry.
func LoadAll(ctx context.Context, q Querier, reg *Registry) error {
	var defs Definitions
	var err error

	if defs.Entities, err = loadDefinitions[Entity](ctx, q, "SELECT name, definition FROM _entities ORDER BY name"); err != nil {
		return fmt.Errorf("load entities: %w", err)
	}
	if defs.Relations, err = loadDefinitions[Relation](ctx, q, "SELECT name, definition FROM _relations ORDER BY name"); err != nil {
		return fmt.Errorf("load relations: %w", err)
	}
	if defs.Permissions, err = loadDefinitions[Permission](ctx, q, "SELECT id, definition FROM _permissions ORDER BY id"); err != nil {
		return fmt.Errorf("load permissions: %w", err)
	}
	if defs.Views, err = loadDefinitions[View](ctx, q, "SELECT name, definition FROM _views ORDER BY entity, name"); err != nil {
		return fmt.Errorf("load views: %w", err)
	}

	if err := reg.Load(defs); err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	log.Printf("Loaded %d entities, %d relations, %d permissions, %d views into registry",
		len(defs.Entities), len(defs.Relations), len(defs.Permissions), len(defs.Views))
	return nil
}

// Reload is an alias for LoadAll, called after schema changes.
func Reload(ctx context.Context, q Querier, reg *Registry) error {
	return LoadAll(ctx, q, reg)
}

func loadDefinitions[T any](ctx context.Context, q Querier, query string) ([]*T, error) {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var name string
		var defJSON []byte
		if err := rows.Scan(&name, &defJSON); err != nil {
			return nil, fmt.Errorf("scan definition row: %w", err)
		}

		var def T
		if err := json.Unmarshal(defJSON, &def); err != nil {
			log.Printf("WARN: skipping definition %s (invalid JSON): %v", name, err)
			continue
		}
		out = append(out, &def)
	}
	return out, rows.Err()
}
