package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"records-backend/internal/config"
	"records-backend/internal/metadata"
)

func testSQLite(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := New(ctx, config.DatabaseConfig{Driver: "sqlite", Path: t.TempDir(), Name: "store"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return s
}

func TestPostgresMapError(t *testing.T) {
	d := &PostgresDialect{}
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unique", &pgconn.PgError{Code: "23505"}, ErrUniqueViolation},
		{"serialization", &pgconn.PgError{Code: "40001"}, ErrSerialization},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, ErrSerialization},
		{"wrapped unique", fmt.Errorf("exec: %w", &pgconn.PgError{Code: "23505"}), ErrUniqueViolation},
		{"string fallback", errors.New("duplicate key value violates unique constraint"), ErrUniqueViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.MapError(tt.err)
			if !errors.Is(got, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			var pgErr *pgconn.PgError
			if _, isPg := tt.err.(*pgconn.PgError); isPg && !errors.As(got, &pgErr) {
				t.Fatal("original PgError should stay reachable")
			}
		})
	}

	other := &pgconn.PgError{Code: "23503"}
	if got := d.MapError(other); errors.Is(got, ErrUniqueViolation) || errors.Is(got, ErrSerialization) {
		t.Fatalf("foreign key violation should not map to a sentinel: %v", got)
	}
	if d.MapError(nil) != nil {
		t.Fatal("nil should map to nil")
	}
}

func TestSQLiteMapError(t *testing.T) {
	d := &SQLiteDialect{}
	if !errors.Is(d.MapError(errors.New("constraint failed: UNIQUE constraint failed: users.email (2067)")), ErrUniqueViolation) {
		t.Fatal("expected unique violation")
	}
	if !errors.Is(d.MapError(errors.New("database is locked (5) (SQLITE_BUSY)")), ErrSerialization) {
		t.Fatal("expected serialization failure")
	}
}

func TestParamBuilders(t *testing.T) {
	pg := (&PostgresDialect{}).NewParamBuilder()
	if ph := pg.Add(1); ph != "$1" {
		t.Fatalf("expected $1, got %s", ph)
	}
	if ph := pg.Add("x"); ph != "$2" {
		t.Fatalf("expected $2, got %s", ph)
	}
	if pg.Count() != 2 || len(pg.Params()) != 2 {
		t.Fatalf("unexpected params: %v", pg.Params())
	}

	lite := (&SQLiteDialect{}).NewParamBuilder()
	lite.Add(1)
	if ph := lite.Add(2); ph != "?2" {
		t.Fatalf("expected ?2, got %s", ph)
	}
}

func TestLikePattern(t *testing.T) {
	if got := likePattern(`50%_off\`); got != `50\%\_off\\` {
		t.Fatalf("unexpected escape: %s", got)
	}
}

func TestSQLiteBindValue(t *testing.T) {
	d := &SQLiteDialect{}
	ts := time.Date(2024, 5, 6, 7, 8, 9, 10, time.FixedZone("x", 3600))
	if got := d.BindValue(ts); got != "2024-05-06T06:08:09.000000010Z" {
		t.Fatalf("unexpected time encoding %v", got)
	}
	if got := d.BindValue(true); got != int64(1) {
		t.Fatalf("expected 1, got %v", got)
	}
	if got := d.BindValue(map[string]any{"a": float64(1)}); got != `{"a":1}` {
		t.Fatalf("unexpected json encoding %v", got)
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := testSQLite(t)
	ctx := context.Background()
	if _, err := s.DB.ExecContext(ctx, "CREATE TABLE t (v TEXT)"); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err := s.WithTx(ctx, time.Second, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO t (v) VALUES ('a')"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	assertCount(t, s, "t", 0)

	if err := s.WithTx(ctx, time.Second, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO t (v) VALUES ('b')")
		return err
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	assertCount(t, s, "t", 1)
}

func TestWithTx_RollsBackOnPanic(t *testing.T) {
	s := testSQLite(t)
	ctx := context.Background()
	if _, err := s.DB.ExecContext(ctx, "CREATE TABLE t (v TEXT)"); err != nil {
		t.Fatal(err)
	}

	func() {
		defer func() { _ = recover() }()
		_ = s.WithTx(ctx, time.Second, func(ctx context.Context, tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, "INSERT INTO t (v) VALUES ('a')"); err != nil {
				return err
			}
			panic("mid-transaction")
		})
	}()
	assertCount(t, s, "t", 0)
}

func TestWithTx_CancelledContext(t *testing.T) {
	s := testSQLite(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.WithTx(ctx, time.Second, func(ctx context.Context, tx *sql.Tx) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMigrator_PartialUniqueIndex(t *testing.T) {
	s := testSQLite(t)
	ctx := context.Background()

	reg := metadata.NewRegistry()
	if err := reg.Load(metadata.Definitions{Entities: []*metadata.Entity{{
		Name:   "users",
		Fields: []metadata.Field{{Name: "email", Type: "string", Unique: true, Required: true}},
	}}}); err != nil {
		t.Fatal(err)
	}
	if err := NewMigrator(s).MigrateAll(ctx, reg); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	insert := func(id string, deleted any) error {
		_, err := s.DB.ExecContext(ctx,
			"INSERT INTO users (id, created_at, updated_at, deleted_at, email) VALUES (?1, ?2, ?2, ?3, ?4)",
			id, FormatTime(time.Now()), deleted, "a@b.com")
		return s.Dialect.MapError(err)
	}
	if err := insert("1", FormatTime(time.Now())); err != nil {
		t.Fatalf("insert deleted row: %v", err)
	}
	if err := insert("2", nil); err != nil {
		t.Fatalf("live row should not conflict with a deleted one: %v", err)
	}
	if err := insert("3", nil); !errors.Is(err, ErrUniqueViolation) {
		t.Fatalf("expected unique violation between live rows, got %v", err)
	}

	cols, err := s.Dialect.GetColumns(ctx, s.DB, "users")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"id", "deleted_by", metadata.ColumnDeletionID, "email"} {
		if _, ok := cols[want]; !ok {
			t.Fatalf("missing column %s in %v", want, cols)
		}
	}

	// Migrating again is a no-op.
	if err := NewMigrator(s).MigrateAll(ctx, reg); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestSaveDefinitionsRoundTrip(t *testing.T) {
	s := testSQLite(t)
	ctx := context.Background()
	defs := metadata.Definitions{
		Entities: []*metadata.Entity{
			{Name: "customers", Fields: []metadata.Field{{Name: "name", Type: "string"}}},
			{Name: "orders", Fields: []metadata.Field{{Name: "customer_id", Type: "reference"}}},
		},
		Relations: []*metadata.Relation{
			{Name: "customer_orders", Source: "customers", Target: "orders", TargetKey: "customer_id", OnDelete: "cascade"},
		},
		Permissions: []*metadata.Permission{
			{Entity: "orders", Action: metadata.ActionRead, Roles: []string{"viewer"}},
		},
		Views: []*metadata.View{{Name: "recent", Entity: "orders", Sort: []string{"-created_at"}}},
	}
	if err := s.SaveDefinitions(ctx, defs); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Saving twice updates in place.
	if err := s.SaveDefinitions(ctx, defs); err != nil {
		t.Fatalf("save again: %v", err)
	}

	reg := metadata.NewRegistry()
	if err := metadata.LoadAll(ctx, s.DB, reg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if reg.GetEntity("orders") == nil || reg.GetRelation("customer_orders") == nil {
		t.Fatal("expected entities and relations to load")
	}
	if len(reg.Permissions()) != 1 || reg.GetView("orders", "recent") == nil {
		t.Fatal("expected permissions and views to load")
	}
}

func assertCount(t *testing.T, s *Store, table string, want int) {
	t.Helper()
	var n int
	if err := s.DB.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != want {
		t.Fatalf("expected %d rows in %s, got %d", want, table, n)
	}
}
