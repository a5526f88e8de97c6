package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"records-backend/internal/store"
)

type AppError struct {
	Code      string        `json:"code"`
	Status    int           `json:"-"`
	Message   string        `json:"message"`
	Retryable bool          `json:"retryable,omitempty"`
	Details   []ErrorDetail `json:"details,omitempty"`
}

type ErrorDetail struct {
	Index   *int   `json:"index,omitempty"` // batch item position
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

func NewAppError(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

func NotFoundError(entity, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Status:  404,
		Message: fmt.Sprintf("%s with id %s not found", entity, id),
	}
}

func UnknownEntityError(name string) *AppError {
	return &AppError{
		Code:    "UNKNOWN_ENTITY",
		Status:  404,
		Message: fmt.Sprintf("Unknown entity: %s", name),
	}
}

func ValidationError(details []ErrorDetail) *AppError {
	return &AppError{
		Code:    "VALIDATION_FAILED",
		Status:  400,
		Message: "Validation failed",
		Details: details,
	}
}

func InvalidFieldError(field, msg string) *AppError {
	return &AppError{
		Code:    "INVALID_FIELD",
		Status:  400,
		Message: msg,
		Details: []ErrorDetail{{Field: field, Rule: "invalid_field", Message: msg}},
	}
}

func InvalidOperatorError(field, op string) *AppError {
	msg := fmt.Sprintf("Operator %s is not supported for field %s", op, field)
	return &AppError{
		Code:    "INVALID_OPERATOR",
		Status:  400,
		Message: msg,
		Details: []ErrorDetail{{Field: field, Rule: "invalid_operator", Message: msg}},
	}
}

func InvalidValueError(field, msg string) *AppError {
	return &AppError{
		Code:    "INVALID_VALUE",
		Status:  400,
		Message: msg,
		Details: []ErrorDetail{{Field: field, Rule: "invalid_value", Message: msg}},
	}
}

func InvalidPayloadError(msg string) *AppError {
	return NewAppError("INVALID_PAYLOAD", 400, msg)
}

func BatchTooLargeError(size, max int) *AppError {
	return NewAppError("BATCH_TOO_LARGE", 400,
		fmt.Sprintf("Batch of %d items exceeds the maximum of %d", size, max))
}

func UnauthorizedError(msg string) *AppError {
	return NewAppError("UNAUTHORIZED", 401, msg)
}

func ForbiddenError(msg string) *AppError {
	return NewAppError("FORBIDDEN", 403, msg)
}

func ConflictError(msg string) *AppError {
	return NewAppError("CONFLICT", 409, msg)
}

func AmbiguousMatchError(table string, n int) *AppError {
	return NewAppError("AMBIGUOUS_MATCH", 409,
		fmt.Sprintf("Upsert matched %d active %s records; expected at most one", n, table))
}

func RestrictedDeleteError(table string, count int64, child string) *AppError {
	return NewAppError("RESTRICTED_DELETE", 409,
		fmt.Sprintf("Cannot delete %s: %d active %s records reference it", table, count, child))
}

func TransactionError(msg string) *AppError {
	return &AppError{Code: "TRANSACTION_FAILED", Status: 503, Message: msg, Retryable: true}
}

// toAppError classifies err for the API. Storage failures become
// TRANSACTION_FAILED; nothing was committed when they are returned.
func toAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, store.ErrUniqueViolation) {
		msg := "A record with this value already exists"
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Detail != "" {
			msg = pgErr.Detail
		}
		return ConflictError(msg)
	}
	if errors.Is(err, store.ErrSerialization) {
		return TransactionError("Concurrent write conflict; the operation was rolled back")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TransactionError("Operation timed out; the operation was rolled back")
	}
	if errors.Is(err, context.Canceled) {
		return TransactionError("Operation cancelled; the operation was rolled back")
	}
	log.Printf("ERROR: %v", err)
	return TransactionError("Storage failure; the operation was rolled back")
}

// withIndex copies e, tagging every detail with a batch item index.
func withIndex(e *AppError, index int) *AppError {
	out := *e
	i := index
	if len(e.Details) == 0 {
		out.Details = []ErrorDetail{{Index: &i, Rule: strings.ToLower(e.Code), Message: e.Message}}
		return &out
	}
	out.Details = make([]ErrorDetail, len(e.Details))
	for k, d := range e.Details {
		d.Index = &i
		out.Details[k] = d
	}
	return &out
}
