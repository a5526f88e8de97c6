package metadata

import (
	"errors"
	"strings"
	"testing"
)

func testEntities() []*Entity {
	return []*Entity{
		{Name: "customer", Fields: []Field{
			{Name: "email", Type: "string", Required: true, Unique: true, Format: "email"},
			{Name: "name", Type: "string"},
		}},
		{Name: "orders", Fields: []Field{
			{Name: "customer_id", Type: "reference", References: "customer"},
			{Name: "total", Type: "decimal"},
		}},
		{Name: "order_item", Fields: []Field{
			{Name: "order_id", Type: "reference", References: "orders", Required: true},
		}},
	}
}

func TestRegistryLoad_ResolvesTables(t *testing.T) {
	reg := NewRegistry()
	err := reg.Load(Definitions{
		Entities: testEntities(),
		Relations: []*Relation{
			{Name: "customer_orders", Source: "customer", Target: "orders", TargetKey: "customer_id", OnDelete: "cascade"},
			{Name: "order_items", Source: "orders", Target: "order_item", TargetKey: "order_id", OnDelete: "cascade"},
		},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	e, err := reg.GetTable("customer")
	if err != nil {
		t.Fatalf("get table: %v", err)
	}
	if e.Table != "customer" {
		t.Fatalf("expected table name to default to entity name, got %s", e.Table)
	}
	if !e.HasField("id") || !e.HasField("deleted_at") || !e.HasField("email") {
		t.Fatal("expected system and user fields to resolve")
	}
	if !e.GetField("id").IsSystem() || e.GetField("email").IsSystem() {
		t.Fatal("system flag mismatch")
	}
	if got := len(reg.GetRelationsForSource("customer")); got != 1 {
		t.Fatalf("expected 1 relation for customer, got %d", got)
	}

	if _, err := reg.GetTable("nope"); !errors.Is(err, ErrUnknownTable) {
		t.Fatalf("expected ErrUnknownTable, got %v", err)
	}
}

func TestRegistryLoad_RejectsCascadeCycle(t *testing.T) {
	reg := NewRegistry()
	err := reg.Load(Definitions{
		Entities: testEntities(),
		Relations: []*Relation{
			{Name: "a", Source: "customer", Target: "orders", TargetKey: "customer_id", OnDelete: "cascade"},
			{Name: "b", Source: "orders", Target: "order_item", TargetKey: "order_id", OnDelete: "cascade"},
			{Name: "c", Source: "order_item", Target: "customer", TargetKey: "name", OnDelete: "cascade"},
		},
	})
	if err == nil || !strings.Contains(err.Error(), "cyclic cascade") {
		t.Fatalf("expected cyclic cascade error, got %v", err)
	}
}

func TestRegistryLoad_NonCascadeLoopIsAllowed(t *testing.T) {
	reg := NewRegistry()
	err := reg.Load(Definitions{
		Entities: testEntities(),
		Relations: []*Relation{
			{Name: "a", Source: "customer", Target: "orders", TargetKey: "customer_id", OnDelete: "cascade"},
			{Name: "b", Source: "orders", Target: "customer", TargetKey: "name", OnDelete: "set_null"},
		},
	})
	if err != nil {
		t.Fatalf("expected set_null back-edge to load, got %v", err)
	}
}

func TestRegistryLoad_FailedLoadKeepsPreviousState(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Load(Definitions{Entities: testEntities()}); err != nil {
		t.Fatalf("load: %v", err)
	}
	err := reg.Load(Definitions{Entities: []*Entity{{Name: "Bad-Name"}}})
	if err == nil {
		t.Fatal("expected invalid entity name to be rejected")
	}
	if reg.GetEntity("customer") == nil {
		t.Fatal("expected registry to keep previous entities after failed load")
	}
}

func TestRegistryLoad_ValidatesRelations(t *testing.T) {
	tests := []struct {
		name string
		rel  *Relation
		want string
	}{
		{"unknown source", &Relation{Name: "r", Source: "ghost", Target: "orders", TargetKey: "customer_id"}, "unknown source"},
		{"unknown target", &Relation{Name: "r", Source: "customer", Target: "ghost", TargetKey: "x"}, "unknown target"},
		{"missing key", &Relation{Name: "r", Source: "customer", Target: "orders", TargetKey: "nope"}, "has no field"},
		{"set null on required", &Relation{Name: "r", Source: "orders", Target: "order_item", TargetKey: "order_id", OnDelete: "set_null"}, "set_null on required"},
		{"bad policy", &Relation{Name: "r", Source: "customer", Target: "orders", TargetKey: "customer_id", OnDelete: "explode"}, "unknown on_delete"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			err := reg.Load(Definitions{Entities: testEntities(), Relations: []*Relation{tt.rel}})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestRegistryLoad_RejectsReservedFieldNames(t *testing.T) {
	reg := NewRegistry()
	err := reg.Load(Definitions{Entities: []*Entity{
		{Name: "thing", Fields: []Field{{Name: "deleted_at", Type: "timestamp"}}},
	}})
	if err == nil || !strings.Contains(err.Error(), "reserved") {
		t.Fatalf("expected reserved field error, got %v", err)
	}
}

func TestRegistryGetView(t *testing.T) {
	reg := NewRegistry()
	err := reg.Load(Definitions{
		Entities: testEntities(),
		Views:    []*View{{Name: "big", Entity: "orders", Sort: []string{"-total"}}},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if v := reg.GetView("orders", "big"); v == nil || v.Sort[0] != "-total" {
		t.Fatalf("expected view, got %+v", v)
	}
	if reg.GetView("customer", "big") != nil {
		t.Fatal("views are scoped to their entity")
	}
}

func TestRegistrySnapshot(t *testing.T) {
	reg := NewRegistry()
	err := reg.Load(Definitions{
		Entities: testEntities(),
		Relations: []*Relation{
			{Name: "order_items", Source: "orders", Target: "order_item", TargetKey: "order_id", OnDelete: "cascade"},
			{Name: "customer_orders", Source: "customer", Target: "orders", TargetKey: "customer_id", OnDelete: "cascade"},
		},
		Permissions: []*Permission{{Entity: "orders", Action: ActionRead, Roles: []string{"viewer"}}},
		Views:       []*View{{Name: "recent", Entity: "orders", Sort: []string{"-created_at"}}},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	snap := reg.Snapshot()
	if len(snap.Entities) != 3 || snap.Entities[0].Name != "customer" {
		t.Fatalf("unexpected entities: %d", len(snap.Entities))
	}
	if len(snap.Relations) != 2 || snap.Relations[0].Name != "customer_orders" {
		t.Fatalf("relations should be sorted by name: %+v", snap.Relations)
	}
	if len(snap.Permissions) != 1 || len(snap.Views) != 1 {
		t.Fatalf("unexpected permissions/views: %d/%d", len(snap.Permissions), len(snap.Views))
	}

	// A snapshot reloads into an equivalent registry.
	again := NewRegistry()
	if err := again.Load(snap); err != nil {
		t.Fatalf("reload snapshot: %v", err)
	}
	if again.GetView("orders", "recent") == nil || again.GetRelation("order_items") == nil {
		t.Fatal("snapshot lost definitions")
	}
}
