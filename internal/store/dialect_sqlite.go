package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SQLiteDialect implements Dialect for SQLite via modernc.org/sqlite.
type SQLiteDialect struct{}

func (d *SQLiteDialect) Name() string       { return "sqlite" }
func (d *SQLiteDialect) DriverName() string { return "sqlite" }

func (d *SQLiteDialect) Placeholder(index int) string {
	return fmt.Sprintf("?%d", index)
}

func (d *SQLiteDialect) NewParamBuilder() ParamBuilder {
	return &sqliteParamBuilder{}
}

// TxOptions returns nil: SQLite transactions are serializable and the
// driver rejects explicit isolation levels.
func (d *SQLiteDialect) TxOptions() *sql.TxOptions { return nil }

func (d *SQLiteDialect) ColumnType(fieldType string, precision int) string {
	switch fieldType {
	case "string", "text", "reference", "uuid":
		return "TEXT"
	case "int", "integer", "bigint", "boolean":
		return "INTEGER"
	case "float", "decimal":
		return "REAL"
	default:
		// timestamp, date and json are stored as text
		return "TEXT"
	}
}

func (d *SQLiteDialect) SystemTablesSQL() []string {
	return sqliteSystemTablesSQL
}

func (d *SQLiteDialect) TableExists(ctx context.Context, q Querier, tableName string) (bool, error) {
	var name string
	err := q.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?1",
		tableName,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *SQLiteDialect) GetColumns(ctx context.Context, q Querier, tableName string) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]string)
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull int
		var dfltValue any
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		cols[name] = colType
	}
	return cols, rows.Err()
}

func (d *SQLiteDialect) InExpr(field string, pb ParamBuilder, values []any) string {
	if len(values) == 0 {
		return "1=0" // always false
	}
	return fmt.Sprintf("%s IN (%s)", field, expandParams(pb, values))
}

func (d *SQLiteDialect) NotInExpr(field string, pb ParamBuilder, values []any) string {
	if len(values) == 0 {
		return "1=1" // always true
	}
	return fmt.Sprintf("%s NOT IN (%s)", field, expandParams(pb, values))
}

// SQLite LIKE is case-insensitive for ASCII.
func (d *SQLiteDialect) ContainsExpr(field string, pb ParamBuilder, value string) string {
	ph := pb.Add("%" + likePattern(value) + "%")
	return fmt.Sprintf("%s LIKE %s ESCAPE '\\'", field, ph)
}

func (d *SQLiteDialect) PrefixExpr(field string, pb ParamBuilder, value string) string {
	ph := pb.Add(likePattern(value) + "%")
	return fmt.Sprintf("%s LIKE %s ESCAPE '\\'", field, ph)
}

func (d *SQLiteDialect) BindValue(v any) any {
	switch val := v.(type) {
	case time.Time:
		return FormatTime(val)
	case bool:
		if val {
			return int64(1)
		}
		return int64(0)
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return nil
		}
		return string(b)
	default:
		return v
	}
}

func (d *SQLiteDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	errStr := err.Error()
	if strings.Contains(errStr, "UNIQUE constraint failed") || strings.Contains(errStr, "constraint failed: UNIQUE") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	if strings.Contains(errStr, "SQLITE_BUSY") || strings.Contains(errStr, "database is locked") {
		return fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	return err
}

// --- SQLite DDL ---

var sqliteSystemTablesSQL = []string{
	`CREATE TABLE IF NOT EXISTS _entities (
    name        TEXT PRIMARY KEY,
    table_name  TEXT NOT NULL UNIQUE,
    definition  TEXT NOT NULL,
    created_at  TEXT DEFAULT (datetime('now')),
    updated_at  TEXT DEFAULT (datetime('now'))
)`,
	`CREATE TABLE IF NOT EXISTS _relations (
    name        TEXT PRIMARY KEY,
    source      TEXT NOT NULL REFERENCES _entities(name) ON DELETE CASCADE,
    target      TEXT NOT NULL REFERENCES _entities(name) ON DELETE CASCADE,
    definition  TEXT NOT NULL,
    created_at  TEXT DEFAULT (datetime('now')),
    updated_at  TEXT DEFAULT (datetime('now'))
)`,
	`CREATE TABLE IF NOT EXISTS _permissions (
    id          TEXT PRIMARY KEY,
    definition  TEXT NOT NULL,
    created_at  TEXT DEFAULT (datetime('now')),
    updated_at  TEXT DEFAULT (datetime('now'))
)`,
	`CREATE TABLE IF NOT EXISTS _views (
    entity      TEXT NOT NULL,
    name        TEXT NOT NULL,
    definition  TEXT NOT NULL,
    created_at  TEXT DEFAULT (datetime('now')),
    updated_at  TEXT DEFAULT (datetime('now')),
    PRIMARY KEY (entity, name)
)`,
	`CREATE TABLE IF NOT EXISTS _activity_log (
    id          TEXT PRIMARY KEY,
    table_name  TEXT NOT NULL,
    record_id   TEXT NOT NULL,
    action      TEXT NOT NULL,
    diff        TEXT,
    user_id     TEXT,
    created_at  TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_log_record ON _activity_log (table_name, record_id)`,
}
