package api

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/botemu/internal/metrics"
	"github.com/p-blackswan/botemu/internal/requestid"
)

// requestLogger logs every request with its status and latency and feeds
// the HTTP metrics.
func requestLogger(logger zerolog.Logger, m *metrics.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		elapsed := time.Since(start)

		status := c.Response().StatusCode()
		if err != nil {
			status = fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			}
		}
		m.ObserveHTTP(c.Method(), strconv.Itoa(status), elapsed.Seconds())

		if isProbe(c.Path()) {
			return err
		}
		logger.Info().
			Str("method", c.Method()).
			Str("path", c.OriginalURL()).
			Int("status", status).
			Dur("latency", elapsed).
			Str("ip", c.IP()).
			Str("request_id", requestid.FromFiber(c)).
			Msg("api request")
		return err
	}
}

// requireJSON rejects POST bodies that are not declared as JSON.
func requireJSON() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost {
			return c.Next()
		}
		ct := strings.ToLower(c.Get(fiber.HeaderContentType))
		if !strings.HasPrefix(ct, fiber.MIMEApplicationJSON) {
			return problemResponse(c, fiber.StatusBadRequest,
				"invalid_content_type", "Bad Request",
				"Content-Type must be application/json")
		}
		return c.Next()
	}
}

// problemResponse returns an RFC 7807 Problem Detail error response.
func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}

func sessionNotFound(c *fiber.Ctx) error {
	return problemResponse(c, fiber.StatusNotFound,
		"session_not_found", "Not Found",
		"Bot session not found")
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Str("request_id", requestid.FromFiber(c)).
			Msg("unhandled error")

		detail := err.Error()
		title, errType := statusTitle(code), "request_error"
		if code == fiber.StatusInternalServerError {
			// Don't leak internal details
			detail, errType = "Something went wrong", "internal_error"
		}

		return c.Status(code).JSON(ProblemDetail{
			Type:     errType,
			Title:    title,
			Status:   code,
			Detail:   detail,
			Instance: c.Path(),
		})
	}
}

func statusTitle(code int) string {
	switch code {
	case fiber.StatusNotFound:
		return "Not Found"
	case fiber.StatusMethodNotAllowed:
		return "Method Not Allowed"
	case fiber.StatusRequestEntityTooLarge:
		return "Payload Too Large"
	case fiber.StatusBadRequest:
		return "Bad Request"
	case fiber.StatusInternalServerError:
		return "Internal Server Error"
	}
	return "Request Error"
}
