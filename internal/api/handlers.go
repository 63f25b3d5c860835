package api

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"github.com/mymmrac/telego"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/botemu/internal/commands"
	"github.com/p-blackswan/botemu/internal/conversation"
	"github.com/p-blackswan/botemu/internal/delivery"
	berrors "github.com/p-blackswan/botemu/internal/errors"
	"github.com/p-blackswan/botemu/internal/health"
	"github.com/p-blackswan/botemu/internal/ledger"
	"github.com/p-blackswan/botemu/internal/realtime"
	"github.com/p-blackswan/botemu/internal/requestid"
	"github.com/p-blackswan/botemu/internal/sanitize"
	"github.com/p-blackswan/botemu/internal/session"
	"github.com/p-blackswan/botemu/internal/validate"
)

// DeliveryLister reads recorded webhook deliveries.
type DeliveryLister interface {
	ListBySession(ctx context.Context, sessionID string, limit int) ([]ledger.Delivery, error)
	Count(ctx context.Context, sessionID string) (int, error)
}

// Broadcaster pushes realtime frames to a session's sockets.
type Broadcaster interface {
	Broadcast(sessionID string, msg realtime.SocketMessage) int
}

// HistoryLimits bounds GET /messages.
type HistoryLimits struct {
	Default int
	Max     int
}

// Deps are the collaborators the handlers drive.
type Deps struct {
	Store      *session.Store
	Engine     *conversation.Engine
	Notifier   *delivery.Notifier
	Commands   *commands.Registry
	Deliveries DeliveryLister // optional
	Realtime   Broadcaster    // optional
	Checker    *health.Checker
	History    HistoryLimits
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	deps      Deps
	logger    zerolog.Logger
	startTime time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Deps, logger zerolog.Logger) *Handlers {
	if deps.History.Default <= 0 {
		deps.History.Default = session.DefaultHistoryLimit
	}
	if deps.History.Max < deps.History.Default {
		deps.History.Max = deps.History.Default
	}
	return &Handlers{
		deps:      deps,
		logger:    logger.With().Str("component", "handlers").Logger(),
		startTime: time.Now(),
	}
}

func (h *Handlers) log(c *fiber.Ctx) *zerolog.Logger {
	l := requestid.Logger(c.UserContext(), h.logger)
	return &l
}

func botConfigResponse(bot session.BotConfig) BotConfigResponse {
	return BotConfigResponse{
		Username:       bot.Username,
		WebhookURL:     bot.WebhookURL,
		AllowedUpdates: bot.AllowedUpdates,
		Commands:       bot.Commands.BotCommands(),
	}
}

// CreateBot handles POST /api/bots.
func (h *Handlers) CreateBot(c *fiber.Ctx) error {
	var req validate.BotConfigInput
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	if err := validate.BotConfig(req); err != nil {
		return validationProblem(c, "invalid_bot_config", "Invalid bot configuration", err)
	}

	bot := session.BotConfig{
		Token:          req.Token,
		Username:       req.Username,
		WebhookURL:     req.WebhookURL,
		AllowedUpdates: req.AllowedUpdates,
		Commands:       h.deps.Commands,
	}
	id := h.deps.Store.Create(bot)

	h.log(c).Info().Str("session_id", id).Str("username", bot.Username).Msg("created bot session")

	return c.Status(fiber.StatusCreated).JSON(CreateBotResponse{
		SessionID: id,
		BotConfig: botConfigResponse(bot),
	})
}

// ListBots handles GET /api/bots.
func (h *Handlers) ListBots(c *fiber.Ctx) error {
	sessions := h.deps.Store.List()
	bots := make([]BotSummary, 0, len(sessions))
	for _, s := range sessions {
		st := s.Stats()
		bots = append(bots, BotSummary{
			SessionID:    s.ID,
			Username:     s.Bot.Username,
			CreatedAt:    s.CreatedAt,
			LastActivity: s.LastActivity,
			Stats: BotCounts{
				MessagesCount: st.MessagesCount,
				UsersCount:    st.UsersCount,
				ChatsCount:    st.ChatsCount,
			},
		})
	}
	return c.JSON(BotListResponse{Bots: bots})
}

// GetBot handles GET /api/bots/:sessionId.
func (h *Handlers) GetBot(c *fiber.Ctx) error {
	id := c.Params("sessionId")
	sess, ok := h.deps.Store.Get(id)
	if !ok {
		return sessionNotFound(c)
	}
	return c.JSON(BotInfoResponse{
		SessionID: id,
		BotConfig: botConfigResponse(sess.Bot),
		Stats:     sess.Stats(),
	})
}

// DeleteBot handles DELETE /api/bots/:sessionId.
func (h *Handlers) DeleteBot(c *fiber.Ctx) error {
	id := c.Params("sessionId")
	if !h.deps.Store.Delete(id) {
		return sessionNotFound(c)
	}
	h.log(c).Info().Str("session_id", id).Msg("deleted bot session")
	return c.JSON(DeleteBotResponse{Message: "Bot session deleted successfully"})
}

// SendMessage handles POST /api/bots/:sessionId/sendMessage: a user message
// enters the conversation and the bot's reply comes back.
func (h *Handlers) SendMessage(c *fiber.Ctx) error {
	id := c.Params("sessionId")

	var in telego.Message
	if err := c.BodyParser(&in); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	if err := validate.Message(in); err != nil {
		return validationProblem(c, "invalid_message", "Invalid message format", err)
	}

	if in.From != nil {
		h.deps.Store.AddParticipant(id, *in.From)
	}
	if !h.deps.Store.AddChat(id, in.Chat) {
		return sessionNotFound(c)
	}
	h.broadcast(id, realtime.TypeMessage, in)

	reply, err := h.deps.Engine.ProcessMessage(c.UserContext(), id, in)
	if err != nil {
		if errors.Is(err, berrors.ErrSessionNotFound) {
			return sessionNotFound(c)
		}
		return err
	}

	update, delivered := h.deps.Notifier.Publish(c.UserContext(), id, *reply)
	h.log(c).Debug().
		Str("session_id", id).
		Int("update_id", update.UpdateID).
		Bool("webhook", delivered).
		Msg("message processed")

	return c.JSON(SendResult{OK: true, Result: reply})
}

// BotMessage handles POST /api/bots/:sessionId/botMessage: the bot posts
// into a chat it already knows.
func (h *Handlers) BotMessage(c *fiber.Ctx) error {
	id := c.Params("sessionId")

	var req BotMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return botAPIFailure(c, fiber.StatusBadRequest, "Bad Request: invalid JSON body")
	}
	if req.Text == "" {
		return botAPIFailure(c, fiber.StatusBadRequest, "Bad Request: message text is empty")
	}
	if utf8.RuneCountInString(req.Text) > sanitize.MaxTextLength {
		return botAPIFailure(c, fiber.StatusBadRequest, "Bad Request: message is too long")
	}

	msg, err := h.deps.Engine.SendBotMessage(c.UserContext(), id, req.ChatID, req.Text)
	if err != nil {
		var apiErr *berrors.BotAPIError
		if errors.As(err, &apiErr) {
			return botAPIFailure(c, apiErr.Code, apiErr.Description)
		}
		return err
	}

	h.deps.Notifier.Publish(c.UserContext(), id, *msg)
	return c.JSON(SendResult{OK: true, Result: msg})
}

// GetMessages handles GET /api/bots/:sessionId/messages?limit=N.
func (h *Handlers) GetMessages(c *fiber.Ctx) error {
	id := c.Params("sessionId")
	limit := c.QueryInt("limit", h.deps.History.Default)
	if limit <= 0 {
		limit = h.deps.History.Default
	}
	if limit > h.deps.History.Max {
		limit = h.deps.History.Max
	}

	sess, ok := h.deps.Store.Get(id)
	if !ok {
		return sessionNotFound(c)
	}
	return c.JSON(HistoryResponse{
		Messages: h.deps.Store.RecentMessages(id, limit),
		Total:    len(sess.Messages),
	})
}

// GetDeliveries handles GET /api/bots/:sessionId/deliveries?limit=N.
func (h *Handlers) GetDeliveries(c *fiber.Ctx) error {
	id := c.Params("sessionId")
	if _, ok := h.deps.Store.Get(id); !ok {
		return sessionNotFound(c)
	}

	out := DeliveriesResponse{Deliveries: []ledger.Delivery{}}
	if h.deps.Deliveries != nil {
		list, err := h.deps.Deliveries.ListBySession(c.UserContext(), id, c.QueryInt("limit", ledger.DefaultListLimit))
		if err != nil {
			h.log(c).Error().Err(err).Str("session_id", id).Msg("listing deliveries")
			return problemResponse(c, fiber.StatusServiceUnavailable,
				"ledger_unavailable", "Service Unavailable",
				"Delivery ledger is unavailable")
		}
		total, err := h.deps.Deliveries.Count(c.UserContext(), id)
		if err != nil {
			h.log(c).Error().Err(err).Str("session_id", id).Msg("counting deliveries")
			return problemResponse(c, fiber.StatusServiceUnavailable,
				"ledger_unavailable", "Service Unavailable",
				"Delivery ledger is unavailable")
		}
		out.Deliveries = list
		out.Total = total
	}
	return c.JSON(out)
}

// Health handles GET /api/health.
func (h *Handlers) Health(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).Seconds(),
	})
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	if h.deps.Checker == nil {
		return c.JSON(fiber.Map{"status": "ready"})
	}
	report := h.deps.Checker.RunAll(c.UserContext())
	if report.Status != "ready" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(report)
	}
	return c.JSON(report)
}

// NotFound is the JSON fallback for unmatched routes.
func (h *Handlers) NotFound(c *fiber.Ctx) error {
	return problemResponse(c, fiber.StatusNotFound,
		"not_found", "Not Found",
		"Not found")
}

func (h *Handlers) broadcast(sessionID, kind string, payload any) {
	if h.deps.Realtime == nil {
		return
	}
	h.deps.Realtime.Broadcast(sessionID, realtime.SocketMessage{Type: kind, Payload: payload})
}

func validationProblem(c *fiber.Ctx, errType, detail string, err error) error {
	p := ProblemDetail{
		Type:     errType,
		Title:    "Bad Request",
		Status:   fiber.StatusBadRequest,
		Detail:   detail,
		Instance: c.Path(),
	}
	var fieldErrs validate.Errors
	if errors.As(err, &fieldErrs) {
		p.Errors = fieldErrs
	}
	return c.Status(fiber.StatusBadRequest).JSON(p)
}

func botAPIFailure(c *fiber.Ctx, code int, description string) error {
	return c.Status(code).JSON(BotAPIFailure{OK: false, ErrorCode: code, Description: description})
}
