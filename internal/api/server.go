package api

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/botemu/internal/metrics"
	"github.com/p-blackswan/botemu/internal/requestid"
)

// ServerConfig holds configuration for the emulator API server.
type ServerConfig struct {
	ListenAddr     string
	AllowedOrigins []string
	RateLimit      RateLimitConfig
	BodyLimit      int
}

// Server is the emulator's Fiber application.
type Server struct {
	app      *fiber.App
	handlers *Handlers
	logger   zerolog.Logger
	config   ServerConfig
}

// NewServer creates and configures the API server.
func NewServer(cfg ServerConfig, deps Deps, m *metrics.Metrics, logger zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		BodyLimit:             cfg.BodyLimit,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	handlers := NewHandlers(deps, logger)

	s := &Server{
		app:      app,
		handlers: handlers,
		logger:   logger.With().Str("component", "api_server").Logger(),
		config:   cfg,
	}

	s.setupMiddleware(cfg, m, logger)
	s.setupRoutes(handlers)

	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig, m *metrics.Metrics, logger zerolog.Logger) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(requestid.Middleware())

	origins := "*"
	if len(cfg.AllowedOrigins) > 0 {
		origins = strings.Join(cfg.AllowedOrigins, ", ")
	}
	s.app.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowHeaders:  "Origin, Content-Type, Accept, " + requestid.Header,
		AllowMethods:  "GET, POST, DELETE, OPTIONS",
		ExposeHeaders: "RateLimit-Limit, RateLimit-Remaining, RateLimit-Reset, " + requestid.Header,
	}))

	s.app.Use(requestLogger(logger, m))

	if cfg.RateLimit.Max > 0 && cfg.RateLimit.Window > 0 {
		s.app.Use(NewRateLimitMiddleware(cfg.RateLimit, logger))
	}

	s.app.Use(requireJSON())
}

func (s *Server) setupRoutes(h *Handlers) {
	// Probes
	s.app.Get("/healthz", h.Liveness)
	s.app.Get("/readyz", h.Readiness)

	api := s.app.Group("/api")
	api.Get("/health", h.Health)

	bots := api.Group("/bots")
	bots.Post("", h.CreateBot)
	bots.Get("", h.ListBots)
	bots.Get("/:sessionId", h.GetBot)
	bots.Delete("/:sessionId", h.DeleteBot)
	bots.Post("/:sessionId/sendMessage", h.SendMessage)
	bots.Post("/:sessionId/botMessage", h.BotMessage)
	bots.Get("/:sessionId/messages", h.GetMessages)
	bots.Get("/:sessionId/deliveries", h.GetDeliveries)

	s.app.Use(h.NotFound)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":3000"
	}
	s.logger.Info().Str("addr", addr).Msg("api server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("api server shutting down")
	return s.app.ShutdownWithContext(ctx)
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}
