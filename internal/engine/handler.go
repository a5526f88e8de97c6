package engine

import (
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"records-backend/internal/metadata"
)

type Handler struct {
	engine *Engine
	perms  PermissionEvaluator
}

func NewHandler(e *Engine, perms PermissionEvaluator) *Handler {
	return &Handler{engine: e, perms: perms}
}

func (h *Handler) requestContext(c *fiber.Ctx) *RequestContext {
	user, _ := c.Locals(UserLocalsKey).(*metadata.UserContext)
	return &RequestContext{User: user, Perms: h.perms, Now: time.Now()}
}

// List handles GET /api/tables/:table/records
func (h *Handler) List(c *fiber.Ctx) error {
	req, err := parseQueryRequest(c)
	if err != nil {
		return err
	}
	result, err := h.engine.Query(c.UserContext(), h.requestContext(c), c.Params("table"), req)
	if err != nil {
		return err
	}
	return c.JSON(result)
}

// Get handles GET /api/tables/:table/records/:id
func (h *Handler) Get(c *fiber.Ctx) error {
	mode, err := ParseDeletedMode(queryAlias(c, "includeDeleted", "include_deleted"))
	if err != nil {
		return err
	}
	record, err := h.engine.Get(c.UserContext(), h.requestContext(c), c.Params("table"), c.Params("id"), mode != DeletedExclude)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": record})
}

// Create handles POST /api/tables/:table/records
func (h *Handler) Create(c *fiber.Ctx) error {
	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return InvalidPayloadError("Invalid JSON body")
	}
	record, err := h.engine.Create(c.UserContext(), h.requestContext(c), c.Params("table"), body)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": record})
}

// Update handles PATCH /api/tables/:table/records/:id
func (h *Handler) Update(c *fiber.Ctx) error {
	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return InvalidPayloadError("Invalid JSON body")
	}
	record, changes, err := h.engine.Update(c.UserContext(), h.requestContext(c), c.Params("table"), c.Params("id"), body)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": record, "changes": changes})
}

// Delete handles DELETE /api/tables/:table/records/:id
func (h *Handler) Delete(c *fiber.Ctx) error {
	permanent, err := parseBool(c.Query("permanent"))
	if err != nil {
		return err
	}
	if err := h.engine.Delete(c.UserContext(), h.requestContext(c), c.Params("table"), c.Params("id"), permanent); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Restore handles POST /api/tables/:table/records/:id/restore
func (h *Handler) Restore(c *fiber.Ctx) error {
	record, err := h.engine.Restore(c.UserContext(), h.requestContext(c), c.Params("table"), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": record})
}

type upsertBody struct {
	Fields           map[string]any `json:"fields"`
	MatchFields      []string       `json:"matchFields"`
	MatchFieldsSnake []string       `json:"match_fields"`
}

// Upsert handles POST /api/tables/:table/records/upsert
func (h *Handler) Upsert(c *fiber.Ctx) error {
	var body upsertBody
	if err := c.BodyParser(&body); err != nil {
		return InvalidPayloadError("Invalid JSON body")
	}
	if body.Fields == nil {
		return InvalidPayloadError("Upsert body requires fields")
	}
	match := body.MatchFields
	if len(match) == 0 {
		match = body.MatchFieldsSnake
	}
	res, err := h.engine.Upsert(c.UserContext(), h.requestContext(c), c.Params("table"), body.Fields, match)
	if err != nil {
		return err
	}
	status := fiber.StatusOK
	if res.Operation == OperationCreated {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{"data": res.Record, "operation": res.Operation, "changes": res.Changes})
}

// batchFlags are the options shared by every batch body. mode is accepted as
// an alias of transactionMode.
type batchFlags struct {
	TransactionMode string `json:"transactionMode"`
	Mode            string `json:"mode"`
	ReturnRecords   *bool  `json:"returnRecords"`
}

// options resolves the flags; records is the default for returnRecords.
func (f batchFlags) options(c *fiber.Ctx, records bool) (BatchOptions, error) {
	raw := f.TransactionMode
	if raw == "" {
		raw = f.Mode
	}
	if raw == "" {
		raw = queryAlias(c, "transactionMode", "mode")
	}
	mode, err := ParseBatchMode(raw)
	if err != nil {
		return BatchOptions{}, err
	}
	if f.ReturnRecords != nil {
		records = *f.ReturnRecords
	}
	return BatchOptions{Mode: mode, ReturnRecords: records}, nil
}

type batchCreateBody struct {
	batchFlags
	Records []map[string]any `json:"records"`
}

// BatchCreate handles POST /api/tables/:table/records/batch
func (h *Handler) BatchCreate(c *fiber.Ctx) error {
	var body batchCreateBody
	if err := c.BodyParser(&body); err != nil {
		return InvalidPayloadError("Invalid JSON body")
	}
	opts, err := body.options(c, true)
	if err != nil {
		return err
	}
	res, err := h.engine.BatchCreate(c.UserContext(), h.requestContext(c), c.Params("table"), body.Records, opts)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

type batchUpdateBody struct {
	batchFlags
	Records []BatchUpdateItem `json:"records"`
}

// BatchUpdate handles PATCH /api/tables/:table/records/batch
func (h *Handler) BatchUpdate(c *fiber.Ctx) error {
	var body batchUpdateBody
	if err := c.BodyParser(&body); err != nil {
		return InvalidPayloadError("Invalid JSON body")
	}
	opts, err := body.options(c, true)
	if err != nil {
		return err
	}
	res, err := h.engine.BatchUpdate(c.UserContext(), h.requestContext(c), c.Params("table"), body.Records, opts)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(res)
}

type batchIDsBody struct {
	batchFlags
	IDs       []string `json:"ids"`
	Permanent bool     `json:"permanent"`
}

// BatchDelete handles DELETE /api/tables/:table/records/batch
func (h *Handler) BatchDelete(c *fiber.Ctx) error {
	var body batchIDsBody
	if err := c.BodyParser(&body); err != nil {
		return InvalidPayloadError("Invalid JSON body")
	}
	opts, err := body.options(c, false)
	if err != nil {
		return err
	}
	res, err := h.engine.BatchDelete(c.UserContext(), h.requestContext(c), c.Params("table"), body.IDs, body.Permanent, opts)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(res)
}

// BatchRestore handles POST /api/tables/:table/records/batch/restore
func (h *Handler) BatchRestore(c *fiber.Ctx) error {
	var body batchIDsBody
	if err := c.BodyParser(&body); err != nil {
		return InvalidPayloadError("Invalid JSON body")
	}
	opts, err := body.options(c, true)
	if err != nil {
		return err
	}
	res, err := h.engine.BatchRestore(c.UserContext(), h.requestContext(c), c.Params("table"), body.IDs, opts)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(res)
}

// History handles GET /api/tables/:table/records/:id/activity
func (h *Handler) History(c *fiber.Ctx) error {
	limit, err := parseInt(c, "limit")
	if err != nil {
		return err
	}
	entries, err := h.engine.History(c.UserContext(), h.requestContext(c), c.Params("table"), c.Params("id"), limit)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": entries})
}

// ErrorHandler renders engine errors as {"error": {...}} and hides
// everything else behind INTERNAL_ERROR.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) && fiberErr.Code < fiber.StatusInternalServerError {
		return c.Status(fiberErr.Code).JSON(ErrorResponse{
			Error: &AppError{Code: strings.ToUpper(strings.ReplaceAll(utils.StatusMessage(fiberErr.Code), " ", "_")), Message: fiberErr.Message},
		})
	}

	log.Printf("ERROR: %v", err)
	return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
		Error: &AppError{
			Code:    "INTERNAL_ERROR",
			Message: "Internal server error",
		},
	})
}

func parseQueryRequest(c *fiber.Ctx) (QueryRequest, error) {
	var req QueryRequest
	var err error

	if raw := c.Query("filter"); raw != "" {
		if req.Filter, err = ParseFilter([]byte(raw)); err != nil {
			return req, err
		}
	}
	req.Where = ParseBracketFilters(c.Queries())
	req.View = c.Query("view")
	req.Sort = splitList(c.Query("sort"))
	req.Fields = splitList(c.Query("fields"))
	req.Cursor = c.Query("cursor")
	req.GroupBy = queryAlias(c, "groupBy", "group_by")
	req.Aggregates = ParseAggregates(c.Query("aggregate"))

	if req.Limit, err = parseInt(c, "limit"); err != nil {
		return req, err
	}
	if req.Offset, err = parseInt(c, "offset"); err != nil {
		return req, err
	}
	if req.Page, err = parseInt(c, "page"); err != nil {
		return req, err
	}
	if req.IncludeDeleted, err = ParseDeletedMode(queryAlias(c, "includeDeleted", "include_deleted")); err != nil {
		return req, err
	}
	return req, nil
}

func queryAlias(c *fiber.Ctx, names ...string) string {
	for _, n := range names {
		if v := c.Query(n); v != "" {
			return v
		}
	}
	return ""
}

func parseInt(c *fiber.Ctx, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, InvalidValueError(name, name+" must be an integer")
	}
	return n, nil
}

func parseBool(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, InvalidValueError("permanent", "permanent must be a boolean")
	}
	return b, nil
}
