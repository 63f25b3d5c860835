package api

import (
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// RateLimitConfig holds rate limiter configuration.
type RateLimitConfig struct {
	Window time.Duration // length of one counting window
	Max    int           // requests allowed per client per window
}

type rateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*window
	cfg       RateLimitConfig
	now       func() time.Time
	lastSweep time.Time
}

type window struct {
	start time.Time
	count int
}

func newRateLimiter(cfg RateLimitConfig, now func() time.Time) *rateLimiter {
	if now == nil {
		now = time.Now
	}
	return &rateLimiter{
		clients:   make(map[string]*window),
		cfg:       cfg,
		now:       now,
		lastSweep: now(),
	}
}

// allow counts one request for key and reports whether it fits in the
// current window, how many remain, and when the window resets.
func (rl *rateLimiter) allow(key string) (bool, int, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) > rl.cfg.Window {
		for k, w := range rl.clients {
			if now.Sub(w.start) >= rl.cfg.Window {
				delete(rl.clients, k)
			}
		}
		rl.lastSweep = now
	}

	w, ok := rl.clients[key]
	if !ok || now.Sub(w.start) >= rl.cfg.Window {
		w = &window{start: now}
		rl.clients[key] = w
	}
	reset := w.start.Add(rl.cfg.Window)

	if w.count >= rl.cfg.Max {
		return false, 0, reset
	}
	w.count++
	return true, rl.cfg.Max - w.count, reset
}

// NewRateLimitMiddleware returns a per-IP fixed-window rate limiter.
func NewRateLimitMiddleware(cfg RateLimitConfig, logger zerolog.Logger) fiber.Handler {
	return newRateLimitMiddleware(newRateLimiter(cfg, nil), logger)
}

func newRateLimitMiddleware(rl *rateLimiter, logger zerolog.Logger) fiber.Handler {
	limit := strconv.Itoa(rl.cfg.Max)
	return func(c *fiber.Ctx) error {
		if isProbe(c.Path()) {
			return c.Next()
		}

		allowed, remaining, reset := rl.allow(c.IP())
		resetSecs := int(reset.Sub(rl.now()).Seconds() + 0.5)
		if resetSecs < 0 {
			resetSecs = 0
		}
		c.Set("RateLimit-Limit", limit)
		c.Set("RateLimit-Remaining", strconv.Itoa(remaining))
		c.Set("RateLimit-Reset", strconv.Itoa(resetSecs))

		if !allowed {
			logger.Warn().Str("ip", c.IP()).Msg("rate limit exceeded")
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(resetSecs))
			return problemResponse(c, fiber.StatusTooManyRequests,
				"rate_limit_exceeded", "Too Many Requests",
				"Too many requests from this IP, please try again later.")
		}
		return c.Next()
	}
}

func isProbe(path string) bool {
	return path == "/healthz" || path == "/readyz"
}
