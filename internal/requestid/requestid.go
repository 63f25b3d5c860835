// Package requestid propagates a per-request correlation ID through
// contexts, Fiber handlers and log lines.
package requestid

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Header is the HTTP header carrying the request ID.
const Header = "X-Request-ID"

const localsKey = "requestid"

type ctxKey struct{}

// WithRequestID returns a context with the given request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the request ID from context, or generates a new one.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// New generates a new request ID and returns the enriched context and ID.
func New(ctx context.Context) (context.Context, string) {
	id := uuid.New().String()
	return WithRequestID(ctx, id), id
}

// Middleware reuses an inbound X-Request-ID or mints one, echoes it on the
// response and stores it on the request's user context.
func Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(Header)
		if id == "" || len(id) > 128 {
			id = uuid.New().String()
		}
		c.Locals(localsKey, id)
		c.SetUserContext(WithRequestID(c.UserContext(), id))
		c.Set(Header, id)
		return c.Next()
	}
}

// FromFiber returns the ID assigned by Middleware, or "" outside it.
func FromFiber(c *fiber.Ctx) string {
	id, _ := c.Locals(localsKey).(string)
	return id
}

// Logger returns logger tagged with the request ID carried by ctx, if any.
func Logger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return logger.With().Str("request_id", id).Logger()
	}
	return logger
}
