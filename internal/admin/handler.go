package admin

import (
	"context"
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"

	"records-backend/internal/auth"
	"records-backend/internal/engine"
	"records-backend/internal/metadata"
	"records-backend/internal/store"
)

// PolicyLoader is refreshed with the permission set after every apply.
type PolicyLoader interface {
	Load(perms []*metadata.Permission) error
}

type Handler struct {
	store    *store.Store
	registry *metadata.Registry
	policies PolicyLoader
}

// NewHandler builds the definitions admin handler. policies may be nil when
// authorization is disabled.
func NewHandler(s *store.Store, reg *metadata.Registry, policies PolicyLoader) *Handler {
	return &Handler{store: s, registry: reg, policies: policies}
}

func RegisterAdminRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	admin := app.Group("/api/_admin", middleware...)

	admin.Get("/definitions", h.GetDefinitions)
	admin.Post("/definitions", h.ApplyDefinitions)

	admin.Get("/entities", h.ListEntities)
	admin.Get("/entities/:name", h.GetEntity)
}

// RequireRole rejects requests whose user does not hold role.
func RequireRole(role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		user := auth.GetUser(c)
		if user == nil {
			return engine.UnauthorizedError("Authentication required")
		}
		if !user.HasRole(role) {
			return engine.ForbiddenError("Admin access required")
		}
		return c.Next()
	}
}

func (h *Handler) GetDefinitions(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.registry.Snapshot()})
}

// ApplyDefinitions merges the posted definitions into the stored set,
// migrates tables and reloads the registry.
func (h *Handler) ApplyDefinitions(c *fiber.Ctx) error {
	var defs metadata.Definitions
	if err := c.BodyParser(&defs); err != nil {
		return engine.InvalidPayloadError("Invalid JSON body")
	}
	if len(defs.Entities)+len(defs.Relations)+len(defs.Permissions)+len(defs.Views) == 0 {
		return engine.InvalidPayloadError("No definitions supplied")
	}

	if err := Apply(c.UserContext(), h.store, h.registry, defs); err != nil {
		return err
	}
	if h.policies != nil {
		if err := h.policies.Load(h.registry.Permissions()); err != nil {
			return fmt.Errorf("reload policies: %w", err)
		}
	}
	return c.JSON(fiber.Map{"data": h.registry.Snapshot()})
}

func (h *Handler) ListEntities(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.registry.AllEntities()})
}

func (h *Handler) GetEntity(c *fiber.Ctx) error {
	entity := h.registry.GetEntity(c.Params("name"))
	if entity == nil {
		return engine.UnknownEntityError(c.Params("name"))
	}
	return c.JSON(fiber.Map{"data": entity})
}

// Apply validates defs merged over the stored definitions, saves them,
// reloads reg from the system tables and migrates every table.
// Nothing is written when validation fails.
func Apply(ctx context.Context, s *store.Store, reg *metadata.Registry, defs metadata.Definitions) error {
	// Work on a private copy so the live registry's entities are not re-prepared.
	current := metadata.NewRegistry()
	if err := metadata.LoadAll(ctx, s.DB, current); err != nil {
		return fmt.Errorf("load stored definitions: %w", err)
	}
	merged := merge(current.Snapshot(), defs)
	if err := metadata.NewRegistry().Load(merged); err != nil {
		return engine.NewAppError("INVALID_DEFINITIONS", fiber.StatusUnprocessableEntity, err.Error())
	}

	if err := s.SaveDefinitions(ctx, defs); err != nil {
		return fmt.Errorf("save definitions: %w", err)
	}
	if err := metadata.Reload(ctx, s.DB, reg); err != nil {
		return fmt.Errorf("reload registry: %w", err)
	}
	if err := store.NewMigrator(s).MigrateAll(ctx, reg); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	log.Printf("Applied %d entities, %d relations, %d permissions, %d views",
		len(defs.Entities), len(defs.Relations), len(defs.Permissions), len(defs.Views))
	return nil
}

// merge overlays next on cur using the same keys SaveDefinitions upserts by.
func merge(cur, next metadata.Definitions) metadata.Definitions {
	var out metadata.Definitions
	out.Entities = overlay(cur.Entities, next.Entities, func(e *metadata.Entity) string { return e.Name })
	out.Relations = overlay(cur.Relations, next.Relations, func(r *metadata.Relation) string { return r.Name })
	out.Permissions = overlay(cur.Permissions, next.Permissions, permissionKey)
	out.Views = overlay(cur.Views, next.Views, func(v *metadata.View) string { return v.Entity + "/" + v.Name })
	return out
}

func permissionKey(p *metadata.Permission) string {
	if p.ID != "" {
		return p.ID
	}
	return fmt.Sprintf("%s:%s", p.Entity, p.Action)
}

func overlay[T any](cur, next []*T, key func(*T) string) []*T {
	pos := make(map[string]int, len(cur))
	out := make([]*T, 0, len(cur)+len(next))
	for _, item := range cur {
		pos[key(item)] = len(out)
		out = append(out, item)
	}
	for _, item := range next {
		if i, ok := pos[key(item)]; ok {
			out[i] = item
			continue
		}
		pos[key(item)] = len(out)
		out = append(out, item)
	}
	return out
}
