package middleware

import (
	"io"
	"time"

	"github.com/gofiber/fiber/v2"

	"vqlapi/internal/logging"
)

// Logger logs each HTTP request as one JSON line through the default logger.
// Fields:
// - request_id (taken from context locals set by RequestID middleware)
// - method
// - path
// - status
// - latency (in milliseconds, as float)
// - query_version, when the response carries X-Query-Version
func Logger() fiber.Handler {
	return LoggerWith(logging.Default())
}

// LoggerWithWriter is Logger writing to w with timestamps in loc.
func LoggerWithWriter(w io.Writer, loc *time.Location) fiber.Handler {
	return LoggerWith(logging.New(w, loc))
}

// LoggerWith is Logger writing through l.
func LoggerWith(l *logging.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		rid, _ := c.Locals(RequestIDLocalKey).(string)
		status := c.Response().StatusCode()
		if fe, ok := err.(*fiber.Error); ok {
			status = fe.Code
		}

		level := "info"
		switch {
		case status >= fiber.StatusInternalServerError:
			level = "error"
		case status >= fiber.StatusBadRequest:
			level = "warn"
		}

		entry := logging.Fields{
			"level":      level,
			"msg":        "http_request",
			"request_id": rid,
			"method":     c.Method(),
			"path":       c.Path(),
			"status":     status,
			"latency":    float64(time.Since(start).Microseconds()) / 1000.0,
		}
		if v := c.GetRespHeader("X-Query-Version"); v != "" {
			entry["query_version"] = v
		}
		l.Log(entry)

		return err
	}
}
