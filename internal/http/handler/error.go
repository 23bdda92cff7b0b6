package handler

import (
	"context"
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"vqlapi/internal/database"
	"vqlapi/internal/definition"
	"vqlapi/internal/http/middleware"
	"vqlapi/internal/logging"
	"vqlapi/internal/model"
	"vqlapi/internal/procedure"
	"vqlapi/internal/repository"
	"vqlapi/internal/service"
)

// errorPayload defines the standardized error response body.
type errorPayload struct {
	RequestID string        `json:"request_id"`
	Error     errorEnvelope `json:"error"`
}

type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// requestIDFromCtx extracts request_id previously stored by middleware.RequestID.
func requestIDFromCtx(c *fiber.Ctx) string {
	if v := c.Locals(middleware.RequestIDLocalKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// writeError writes a standardized JSON error response without leaking internal errors.
//
// Parameters:
// - status: HTTP status code to return
// - code: machine-readable short error code (e.g., "INVALID_NAME", "NOT_FOUND", "INTERNAL_ERROR")
// - message: human-readable safe message (no internal details)
func writeError(c *fiber.Ctx, status int, code, message string) error {
	res := errorPayload{
		RequestID: requestIDFromCtx(c),
		Error: errorEnvelope{
			Code:    code,
			Message: message,
		},
	}
	return c.Status(status).JSON(res)
}

// writeServiceError maps a service error onto the standardized response.
// Messages of client errors are passed through; everything answered with a
// 5xx is logged and replaced by a generic message.
func writeServiceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrDefinitionNotFound):
		return writeError(c, fiber.StatusNotFound, "NOT_FOUND", "query definition not found")
	case errors.Is(err, repository.ErrInvalidName):
		return writeError(c, fiber.StatusBadRequest, "INVALID_NAME", "invalid query name")
	case errors.Is(err, procedure.ErrInvalidCriteria):
		return writeError(c, fiber.StatusBadRequest, "INVALID_CRITERIA", err.Error())
	case errors.Is(err, procedure.ErrMissingParameter):
		return writeError(c, fiber.StatusBadRequest, "MISSING_PARAMETER", err.Error())
	case errors.Is(err, service.ErrOperationUndefined):
		return writeError(c, fiber.StatusBadRequest, "OPERATION_NOT_DEFINED", err.Error())
	case errors.Is(err, model.ErrUnsupportedFormat):
		return writeError(c, fiber.StatusBadRequest, "INVALID_FORMAT", "format must be json or csv")
	case errors.Is(err, service.ErrHalt):
		return writeError(c, fiber.StatusConflict, "HALTED", "request halted by pre-processor")
	case errors.Is(err, service.ErrExportUnavailable):
		return writeError(c, fiber.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "export storage is not configured")
	case errors.Is(err, context.DeadlineExceeded):
		return writeError(c, fiber.StatusGatewayTimeout, "TIMEOUT", "query timed out")
	}

	if class, ok := sqlStateClass(err); ok {
		switch class {
		case "23":
			return writeError(c, fiber.StatusConflict, "CONSTRAINT_VIOLATION", "constraint violation")
		case "22":
			return writeError(c, fiber.StatusBadRequest, "INVALID_DATA", "invalid data")
		case "42":
			return writeError(c, fiber.StatusBadRequest, "INVALID_QUERY", "query rejected by the database")
		}
	}

	fields := logging.Fields{"request_id": requestIDFromCtx(c), "path": c.Path()}
	switch {
	case errors.Is(err, definition.ErrInvalidDefinition),
		errors.Is(err, definition.ErrUnknownHook),
		errors.Is(err, database.ErrUnknownConnection):
		logging.Default().Error("definition_invalid", err, fields)
		return writeError(c, fiber.StatusInternalServerError, "INVALID_DEFINITION", "query definition is misconfigured")
	default:
		logging.Default().Error("request_failed", err, fields)
		return writeError(c, fiber.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

// sqlStateClass returns the two-character SQLSTATE class of a database error
// raised through pgx, lib/pq or go-sql-driver/mysql.
func sqlStateClass(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		return pgErr.Code[:2], true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && len(pqErr.Code) >= 2 {
		return string(pqErr.Code.Class()), true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.SQLState != [5]byte{} {
		return string(myErr.SQLState[:2]), true
	}
	return "", false
}

// ErrorHandler returns a Fiber global error handler that standardizes error responses.
// Errors that are not *fiber.Error go through the service error mapping.
func ErrorHandler() fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		e, ok := err.(*fiber.Error)
		if !ok {
			return writeServiceError(c, err)
		}

		switch e.Code {
		case fiber.StatusBadRequest:
			return writeError(c, e.Code, "BAD_REQUEST", "bad request")
		case fiber.StatusNotFound:
			return writeError(c, e.Code, "NOT_FOUND", "resource not found")
		case fiber.StatusMethodNotAllowed:
			return writeError(c, e.Code, "METHOD_NOT_ALLOWED", "method not allowed")
		case fiber.StatusRequestEntityTooLarge:
			return writeError(c, e.Code, "BODY_TOO_LARGE", "request body too large")
		default:
			return writeError(c, e.Code, "INTERNAL_ERROR", "internal server error")
		}
	}
}
