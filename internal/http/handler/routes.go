package handler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vqlapi/internal/model"
	"vqlapi/internal/procedure"
	"vqlapi/internal/repository"
	"vqlapi/internal/service"
)

// QueryVersionHeader carries the definition version on execute responses.
// Clients may cache results until the version changes; it is omitted for
// version 0, which means "do not cache".
const QueryVersionHeader = "X-Query-Version"

// RegisterRoutes attaches HTTP routes to the provided Fiber app.
// db is the default connection's handle, used for the health check.
func RegisterRoutes(app *fiber.App, db *sql.DB, svc service.QueryService) {
	app.Get("/health", HealthCheck(db))
	app.Get("/healthz", LivenessProbe())

	app.Get("/queries", ListQueries(svc))
	app.Post("/queries/:name", ExecuteQuery(svc))
	app.Post("/queries/:name/export", ExportQuery(svc))
}

// HealthCheck checks DB connectivity only.
//
// @Summary Readiness check
// @Tags health
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 503 {object} errorPayload
// @Router /health [get]
func HealthCheck(db *sql.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if db == nil || db.PingContext(ctx) != nil {
			return writeError(c, fiber.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "dependency unavailable")
		}
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "healthy"})
	}
}

// LivenessProbe always answers 200 while the process is up.
//
// @Summary Liveness probe
// @Tags health
// @Success 200
// @Router /healthz [get]
func LivenessProbe() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	}
}

// MetricsHandler exposes g in the Prometheus text format.
func MetricsHandler(g prometheus.Gatherer) fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}

type listResponse struct {
	Items []service.DefinitionSummary `json:"data"`
	Total int                         `json:"total"`
}

// ListQueries lists the available query definitions.
//
// @Summary List query definitions
// @Tags queries
// @Produce json
// @Success 200 {object} listResponse
// @Failure 500 {object} errorPayload
// @Router /queries [get]
func ListQueries(svc service.QueryService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		items, err := svc.List(c.UserContext())
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(listResponse{Items: items, Total: len(items)})
	}
}

// ExecuteQuery runs the procedures named in the request body against a
// definition.
//
// @Summary Execute a query definition
// @Tags queries
// @Accept json
// @Produce json
// @Param name path string true "Definition name"
// @Success 200 {object} map[string]interface{}
// @Success 204
// @Failure 400 {object} errorPayload
// @Failure 404 {object} errorPayload
// @Failure 409 {object} errorPayload
// @Router /queries/{name} [post]
func ExecuteQuery(svc service.QueryService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		name := c.Params("name")
		if !repository.ValidName(name) {
			return writeError(c, fiber.StatusBadRequest, "INVALID_NAME", "invalid query name")
		}

		var req service.Request
		if err := decodeBody(c, &req); err != nil {
			return writeBodyError(c, err)
		}

		resp, err := svc.Execute(c.UserContext(), name, req)
		if err != nil {
			return writeServiceError(c, err)
		}

		if resp.Version > 0 {
			c.Set(QueryVersionHeader, strconv.Itoa(resp.Version))
		}
		payload := resp.Payload()
		if payload == nil {
			return c.SendStatus(fiber.StatusNoContent)
		}
		return c.JSON(payload)
	}
}

// ExportQuery writes a model snapshot to object storage.
//
// @Summary Export a query definition's model
// @Tags queries
// @Accept json
// @Produce json
// @Param name path string true "Definition name"
// @Param format query string false "json or csv"
// @Success 201 {object} service.ExportResult
// @Failure 400 {object} errorPayload
// @Failure 404 {object} errorPayload
// @Failure 503 {object} errorPayload
// @Router /queries/{name}/export [post]
func ExportQuery(svc service.QueryService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		name := c.Params("name")
		if !repository.ValidName(name) {
			return writeError(c, fiber.StatusBadRequest, "INVALID_NAME", "invalid query name")
		}
		format, err := model.ParseFormat(c.Query("format"))
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, "INVALID_FORMAT", "format must be json or csv")
		}

		var criteria procedure.Criteria
		if err := decodeBody(c, &criteria); err != nil {
			return writeBodyError(c, err)
		}

		res, err := svc.Export(c.UserContext(), name, criteria, format)
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(res)
	}
}

// decodeBody unmarshals a non-empty body into v. An empty body leaves v untouched.
func decodeBody(c *fiber.Ctx, v any) error {
	body := bytes.TrimSpace(c.Body())
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}

func writeBodyError(c *fiber.Ctx, err error) error {
	if errors.Is(err, procedure.ErrInvalidCriteria) {
		return writeError(c, fiber.StatusBadRequest, "INVALID_CRITERIA", err.Error())
	}
	return writeError(c, fiber.StatusBadRequest, "INVALID_BODY", "request body must be valid JSON")
}
