package engine

import (
	"context"
	"testing"

	"records-backend/internal/activity"
)

type orderTree struct {
	customer string
	orders   []string
	items    []string
}

func seedOrderTree(t *testing.T, env *testEnv, name string) orderTree {
	t.Helper()
	c := env.create(t, "customers", map[string]any{"name": name})
	tree := orderTree{customer: c["id"].(string)}
	for i := 0; i < 2; i++ {
		o := env.create(t, "orders", map[string]any{"customer_id": tree.customer, "total": 10 * (i + 1)})
		tree.orders = append(tree.orders, o["id"].(string))
		for j := 0; j < 2; j++ {
			it := env.create(t, "order_items", map[string]any{"order_id": o["id"], "sku": "sku", "qty": j + 1})
			tree.items = append(tree.items, it["id"].(string))
		}
	}
	return tree
}

func (env *testEnv) active(t *testing.T, table, id string) bool {
	t.Helper()
	rec, err := env.get(table, id, true)
	if err != nil {
		t.Fatalf("get %s/%s: %v", table, id, err)
	}
	return rec["deleted_at"] == nil
}

func TestSoftDelete_CascadesToClosure(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	tree := seedOrderTree(t, env, "Ada")
	other := seedOrderTree(t, env, "Bob")

	if err := env.engine.Delete(ctx, env.rc, "customers", tree.customer, false); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for _, id := range tree.orders {
		if env.active(t, "orders", id) {
			t.Errorf("order %s should be soft-deleted", id)
		}
	}
	for _, id := range tree.items {
		if env.active(t, "order_items", id) {
			t.Errorf("item %s should be soft-deleted", id)
		}
	}
	if !env.active(t, "customers", other.customer) || !env.active(t, "orders", other.orders[0]) || !env.active(t, "order_items", other.items[3]) {
		t.Fatal("unrelated records touched")
	}

	if got := len(env.sink.actions("order_items")); got != 8+4 {
		t.Fatalf("expected 8 creates and 4 cascaded deletes for items, got %d", got)
	}
}

func TestRestore_OnlyRestoresSameDeletion(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	tree := seedOrderTree(t, env, "Ada")

	// One item was deleted on its own before the customer.
	independent := tree.items[0]
	if err := env.engine.Delete(ctx, env.rc, "order_items", independent, false); err != nil {
		t.Fatalf("delete item: %v", err)
	}
	if err := env.engine.Delete(ctx, env.rc, "customers", tree.customer, false); err != nil {
		t.Fatalf("delete customer: %v", err)
	}
	if _, err := env.engine.Restore(ctx, env.rc, "customers", tree.customer); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if !env.active(t, "customers", tree.customer) {
		t.Fatal("customer should be active")
	}
	for _, id := range tree.orders {
		if !env.active(t, "orders", id) {
			t.Errorf("order %s should be restored", id)
		}
	}
	for _, id := range tree.items[1:] {
		if !env.active(t, "order_items", id) {
			t.Errorf("item %s should be restored", id)
		}
	}
	if env.active(t, "order_items", independent) {
		t.Fatal("independently deleted item must stay deleted")
	}

	restores := 0
	for _, a := range env.sink.actions("order_items") {
		if a == activity.ActionRestore {
			restores++
		}
	}
	if restores != 3 {
		t.Fatalf("expected 3 cascaded item restores, got %d", restores)
	}
}

func TestRestore_RefusedWhileParentDeleted(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	tree := seedOrderTree(t, env, "Ada")

	if err := env.engine.Delete(ctx, env.rc, "customers", tree.customer, false); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err := env.engine.Restore(ctx, env.rc, "orders", tree.orders[0])
	if code := appErrCode(t, err); code != "CONFLICT" {
		t.Fatalf("expected CONFLICT, got %s", code)
	}
	if env.active(t, "orders", tree.orders[0]) {
		t.Fatal("order must stay deleted")
	}
}

func TestRestore_RefusedWhenParentGone(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	c := env.create(t, "customers", map[string]any{"name": "Ada"})
	inv := env.create(t, "invoices", map[string]any{"customer_id": c["id"], "amount": 12.5})
	invID := inv["id"].(string)

	if err := env.engine.Delete(ctx, env.rc, "invoices", invID, false); err != nil {
		t.Fatalf("delete invoice: %v", err)
	}
	// A deleted invoice does not hold the customer back.
	if err := env.engine.Delete(ctx, env.rc, "customers", c["id"].(string), true); err != nil {
		t.Fatalf("permanent delete customer: %v", err)
	}

	_, err := env.engine.Restore(ctx, env.rc, "invoices", invID)
	if code := appErrCode(t, err); code != "CONFLICT" {
		t.Fatalf("expected CONFLICT, got %s", code)
	}
	if env.active(t, "invoices", invID) {
		t.Fatal("invoice must stay deleted")
	}
}

func TestDelete_Restrict(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	tree := seedOrderTree(t, env, "Ada")
	inv := env.create(t, "invoices", map[string]any{"customer_id": tree.customer, "amount": 12.5})

	err := env.engine.Delete(ctx, env.rc, "customers", tree.customer, false)
	if code := appErrCode(t, err); code != "RESTRICTED_DELETE" {
		t.Fatalf("expected RESTRICTED_DELETE, got %s", code)
	}
	if !env.active(t, "customers", tree.customer) || !env.active(t, "orders", tree.orders[0]) {
		t.Fatal("restricted delete must not write anything")
	}

	// Soft-deleted children no longer block the parent.
	if err := env.engine.Delete(ctx, env.rc, "invoices", inv["id"].(string), false); err != nil {
		t.Fatalf("delete invoice: %v", err)
	}
	if err := env.engine.Delete(ctx, env.rc, "customers", tree.customer, false); err != nil {
		t.Fatalf("delete after clearing restrict: %v", err)
	}
}

func TestDelete_SetNull(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	c := env.create(t, "customers", map[string]any{"name": "Ada"})
	r := env.create(t, "reviews", map[string]any{"customer_id": c["id"], "body": "great"})

	if err := env.engine.Delete(ctx, env.rc, "customers", c["id"].(string), false); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := env.get("reviews", r["id"].(string), false)
	if err != nil {
		t.Fatalf("review should stay active: %v", err)
	}
	if got["customer_id"] != nil {
		t.Fatalf("expected customer_id cleared, got %v", got["customer_id"])
	}
	if got["updated_at"] != r["updated_at"] {
		t.Fatal("set_null should not touch updated_at")
	}
	acts := env.sink.actions("reviews")
	if len(acts) != 2 || acts[1] != activity.ActionUpdate {
		t.Fatalf("expected create then update for review, got %v", acts)
	}

	// Restoring the parent does not reattach the child.
	if _, err := env.engine.Restore(ctx, env.rc, "customers", c["id"].(string)); err != nil {
		t.Fatalf("restore: %v", err)
	}
	got, _ = env.get("reviews", r["id"].(string), false)
	if got["customer_id"] != nil {
		t.Fatal("set_null is not reversed by restore")
	}
}

func TestPlanCascade_PermanentIncludesDeletedChildren(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	tree := seedOrderTree(t, env, "Ada")

	if err := env.engine.Delete(ctx, env.rc, "orders", tree.orders[0], false); err != nil {
		t.Fatalf("delete order: %v", err)
	}
	entity := env.engine.Registry().GetEntity("customers")
	plan, err := env.engine.planCascade(ctx, env.store.DB, cascadePermanentDelete, entity, tree.customer, "")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	count := 0
	for _, n := range plan.nodes {
		count += len(n.ids)
	}
	if want := 1 + len(tree.orders) + len(tree.items); count != want {
		t.Fatalf("expected %d rows in permanent closure, got %d", want, count)
	}

	soft, err := env.engine.planCascade(ctx, env.store.DB, cascadeSoftDelete, entity, tree.customer, "")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	count = 0
	for _, n := range soft.nodes {
		count += len(n.ids)
	}
	if want := 1 + 1 + 2; count != want {
		t.Fatalf("soft closure should skip deleted rows: expected %d, got %d", want, count)
	}
}

func TestChunkAny(t *testing.T) {
	values := make([]any, inChunk*2+1)
	chunks := chunkAny(values)
	if len(chunks) != 3 || len(chunks[0]) != inChunk || len(chunks[2]) != 1 {
		t.Fatalf("unexpected chunking: %d chunks", len(chunks))
	}
	if len(chunkAny(nil)) != 0 {
		t.Fatal("no values should give no chunks")
	}
}
