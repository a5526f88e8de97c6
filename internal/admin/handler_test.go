package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"records-backend/internal/authz"
	"records-backend/internal/config"
	"records-backend/internal/engine"
	"records-backend/internal/metadata"
	"records-backend/internal/store"
)

const notesDefinitions = `{
	"entities": [{"name": "notes", "fields": [
		{"name": "title", "type": "string", "required": true},
		{"name": "author_id", "type": "reference", "references": "authors"}
	]}, {"name": "authors", "fields": [{"name": "name", "type": "string"}]}],
	"relations": [{"name": "author_notes", "source": "authors", "target": "notes", "target_key": "author_id", "on_delete": "cascade"}],
	"permissions": [{"entity": "notes", "action": "read", "roles": ["viewer"]}]
}`

type adminEnv struct {
	app      *fiber.App
	store    *store.Store
	registry *metadata.Registry
	policies *authz.Evaluator
}

func newAdminEnv(t *testing.T) *adminEnv {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{Driver: "sqlite", Path: t.TempDir(), Name: "admin"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	reg := metadata.NewRegistry()
	policies, err := authz.New(nil, "admin")
	if err != nil {
		t.Fatalf("authz: %v", err)
	}

	app := fiber.New(fiber.Config{ErrorHandler: engine.ErrorHandler})
	withUser := func(c *fiber.Ctx) error {
		if role := c.Get("X-Role"); role != "" {
			c.Locals(engine.UserLocalsKey, &metadata.UserContext{ID: "u1", Roles: []string{role}})
		}
		return c.Next()
	}
	RegisterAdminRoutes(app, NewHandler(s, reg, policies), withUser, RequireRole("admin"))
	return &adminEnv{app: app, store: s, registry: reg, policies: policies}
}

func (env *adminEnv) do(t *testing.T, method, path, body, role string) (*http.Response, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, _ := http.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if role != "" {
		req.Header.Set("X-Role", role)
	}
	resp, err := env.app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp, out
}

func errCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestApplyDefinitions_MigratesAndReloads(t *testing.T) {
	env := newAdminEnv(t)
	ctx := context.Background()

	resp, body := env.do(t, "POST", "/api/_admin/definitions", notesDefinitions, "admin")
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, body)
	}
	if env.registry.GetEntity("notes") == nil || env.registry.GetRelation("author_notes") == nil {
		t.Fatal("registry not reloaded")
	}
	if _, err := store.Exec(ctx, env.store.DB, "INSERT INTO notes (id, title, created_at, updated_at) VALUES ('n1', 'hello', 'now', 'now')"); err != nil {
		t.Fatalf("notes table should exist: %v", err)
	}

	viewer := &metadata.UserContext{ID: "u2", Roles: []string{"viewer"}}
	if !env.policies.Allowed(viewer, "notes", metadata.ActionRead) {
		t.Fatal("policies should be reloaded with the new permission")
	}

	resp, body = env.do(t, "GET", "/api/_admin/entities/notes", "", "admin")
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	data, _ := body["data"].(map[string]any)
	if data["name"] != "notes" {
		t.Fatalf("unexpected entity: %v", data)
	}
}

func TestApplyDefinitions_MergesWithStored(t *testing.T) {
	env := newAdminEnv(t)
	if resp, body := env.do(t, "POST", "/api/_admin/definitions", notesDefinitions, "admin"); resp.StatusCode != 200 {
		t.Fatalf("first apply: %d %v", resp.StatusCode, body)
	}

	// Adding a field to notes keeps authors and the relation.
	update := `{"entities": [{"name": "notes", "fields": [
		{"name": "title", "type": "string", "required": true},
		{"name": "author_id", "type": "reference", "references": "authors"},
		{"name": "pinned", "type": "boolean"}
	]}]}`
	if resp, body := env.do(t, "POST", "/api/_admin/definitions", update, "admin"); resp.StatusCode != 200 {
		t.Fatalf("second apply: %d %v", resp.StatusCode, body)
	}
	if env.registry.GetEntity("authors") == nil || env.registry.GetRelation("author_notes") == nil {
		t.Fatal("merge dropped stored definitions")
	}
	if env.registry.GetEntity("notes").GetField("pinned") == nil {
		t.Fatal("new field missing")
	}
	if _, err := store.Exec(context.Background(), env.store.DB, "UPDATE notes SET pinned = 1"); err != nil {
		t.Fatalf("pinned column should be added: %v", err)
	}

	resp, body := env.do(t, "GET", "/api/_admin/definitions", "", "admin")
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	data, _ := body["data"].(map[string]any)
	if entities, _ := data["entities"].([]any); len(entities) != 2 {
		t.Fatalf("expected 2 entities, got %v", data["entities"])
	}
}

func TestApplyDefinitions_RejectsInvalid(t *testing.T) {
	env := newAdminEnv(t)
	if resp, _ := env.do(t, "POST", "/api/_admin/definitions", notesDefinitions, "admin"); resp.StatusCode != 200 {
		t.Fatalf("seed apply: %d", resp.StatusCode)
	}

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"malformed", `{"entities":`, 400, "INVALID_PAYLOAD"},
		{"empty", `{}`, 400, "INVALID_PAYLOAD"},
		{"unknown relation target", `{"relations": [{"name": "bad", "source": "notes", "target": "ghosts", "target_key": "note_id", "on_delete": "cascade"}]}`, 422, "INVALID_DEFINITIONS"},
		{"cascade cycle", `{"relations": [{"name": "note_authors", "source": "notes", "target": "authors", "target_key": "name", "on_delete": "cascade"}]}`, 422, "INVALID_DEFINITIONS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, "POST", "/api/_admin/definitions", tt.body, "admin")
			if resp.StatusCode != tt.status || errCode(body) != tt.code {
				t.Fatalf("expected %d %s, got %d %v", tt.status, tt.code, resp.StatusCode, body)
			}
		})
	}

	if env.registry.GetRelation("bad") != nil || env.registry.GetRelation("note_authors") != nil {
		t.Fatal("rejected definitions must not reach the registry")
	}
	rows, err := store.QueryRows(context.Background(), env.store.DB, "SELECT name FROM _relations")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("rejected relations must not be stored, got %v", rows)
	}
}

func TestAdminRoutes_RequireAdminRole(t *testing.T) {
	env := newAdminEnv(t)

	resp, body := env.do(t, "GET", "/api/_admin/entities", "", "")
	if resp.StatusCode != 401 || errCode(body) != "UNAUTHORIZED" {
		t.Fatalf("expected 401, got %d %v", resp.StatusCode, body)
	}
	resp, body = env.do(t, "GET", "/api/_admin/entities", "", "viewer")
	if resp.StatusCode != 403 || errCode(body) != "FORBIDDEN" {
		t.Fatalf("expected 403, got %d %v", resp.StatusCode, body)
	}
	resp, _ = env.do(t, "GET", "/api/_admin/entities", "", "admin")
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp, body = env.do(t, "GET", "/api/_admin/entities/ghosts", "", "admin")
	if resp.StatusCode != 404 || errCode(body) != "UNKNOWN_ENTITY" {
		t.Fatalf("expected 404, got %d %v", resp.StatusCode, body)
	}
}
