package engine

import "github.com/gofiber/fiber/v2"

// RegisterRecordRoutes mounts the records API. Static batch and upsert paths
// are registered before the :id routes so they are not captured as ids.
func RegisterRecordRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	records := app.Group("/api/tables/:table/records", middleware...)

	records.Get("/", h.List)
	records.Post("/", h.Create)

	records.Post("/batch", h.BatchCreate)
	records.Patch("/batch", h.BatchUpdate)
	records.Delete("/batch", h.BatchDelete)
	records.Post("/batch/restore", h.BatchRestore)
	records.Post("/upsert", h.Upsert)

	records.Get("/:id", h.Get)
	records.Patch("/:id", h.Update)
	records.Delete("/:id", h.Delete)
	records.Post("/:id/restore", h.Restore)
	records.Get("/:id/activity", h.History)
}
