package api

import (
	"time"

	"github.com/mymmrac/telego"

	"github.com/p-blackswan/botemu/internal/ledger"
	"github.com/p-blackswan/botemu/internal/session"
	"github.com/p-blackswan/botemu/internal/validate"
)

// BotConfigResponse is the public view of a bot's configuration.
type BotConfigResponse struct {
	Username       string              `json:"username"`
	WebhookURL     string              `json:"webhook_url,omitempty"`
	AllowedUpdates []string            `json:"allowed_updates,omitempty"`
	Commands       []telego.BotCommand `json:"commands"`
}

// CreateBotResponse is returned by POST /api/bots.
type CreateBotResponse struct {
	SessionID string            `json:"sessionId"`
	BotConfig BotConfigResponse `json:"botConfig"`
}

// BotInfoResponse is returned by GET /api/bots/:sessionId.
type BotInfoResponse struct {
	SessionID string            `json:"sessionId"`
	BotConfig BotConfigResponse `json:"botConfig"`
	Stats     session.Stats     `json:"stats"`
}

// BotCounts are the per-bot counters shown in listings.
type BotCounts struct {
	MessagesCount int `json:"messagesCount"`
	UsersCount    int `json:"usersCount"`
	ChatsCount    int `json:"chatsCount"`
}

// BotSummary is one entry of GET /api/bots.
type BotSummary struct {
	SessionID    string    `json:"sessionId"`
	Username     string    `json:"username"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	Stats        BotCounts `json:"stats"`
}

// BotListResponse is returned by GET /api/bots.
type BotListResponse struct {
	Bots []BotSummary `json:"bots"`
}

// DeleteBotResponse is returned by DELETE /api/bots/:sessionId.
type DeleteBotResponse struct {
	Message string `json:"message"`
}

// SendResult is the Bot API style success envelope.
type SendResult struct {
	OK     bool            `json:"ok"`
	Result *telego.Message `json:"result"`
}

// BotAPIFailure is the Bot API style failure envelope.
type BotAPIFailure struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// BotMessageRequest is the body of POST /api/bots/:sessionId/botMessage.
type BotMessageRequest struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

// HistoryResponse is returned by GET /api/bots/:sessionId/messages.
type HistoryResponse struct {
	Messages []telego.Message `json:"messages"`
	Total    int              `json:"total"`
}

// DeliveriesResponse is returned by GET /api/bots/:sessionId/deliveries.
// Total counts every recorded delivery, not just the returned page.
type DeliveriesResponse struct {
	Deliveries []ledger.Delivery `json:"deliveries"`
	Total      int               `json:"total"`
}

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    float64   `json:"uptime"`
}

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string                `json:"type"`
	Title    string                `json:"title"`
	Status   int                   `json:"status"`
	Detail   string                `json:"detail,omitempty"`
	Instance string                `json:"instance,omitempty"`
	Errors   []validate.FieldError `json:"errors,omitempty"`
}
