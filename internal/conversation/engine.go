// Package conversation turns inbound user messages into bot replies and
// keeps both sides in the session log.
package conversation

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/mymmrac/telego"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/botemu/internal/commands"
	berrors "github.com/p-blackswan/botemu/internal/errors"
	"github.com/p-blackswan/botemu/internal/metrics"
	"github.com/p-blackswan/botemu/internal/requestid"
	"github.com/p-blackswan/botemu/internal/sanitize"
	"github.com/p-blackswan/botemu/internal/session"
)

// BotUserID is the synthetic sender id of every bot-authored message.
const BotUserID int64 = 123456789

// Reply texts.
const (
	EchoPrefix         = "Echo: "
	ErrorPrefix        = "❌ Error: "
	HandlerFailureText = "An error occurred processing your command."
)

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for message dates.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics counts messages and commands.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine dispatches inbound messages. It owns the process-wide message id
// sequence used for bot-authored messages.
type Engine struct {
	store       *session.Store
	metrics     *metrics.Metrics
	now         func() time.Time
	nextMessage atomic.Int64
	logger      zerolog.Logger
}

// NewEngine creates an engine over store. Message ids start at 1.
func NewEngine(store *session.Store, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		now:    time.Now,
		logger: logger.With().Str("component", "conversation").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ProcessMessage stores in, computes the bot's reply, stores and returns it.
// It fails with errors.ErrSessionNotFound if the session does not exist, or
// stopped existing while a command handler ran.
func (e *Engine) ProcessMessage(ctx context.Context, sessionID string, in telego.Message) (*telego.Message, error) {
	log := requestid.Logger(ctx, e.logger).With().Str("session_id", sessionID).Logger()

	sess, ok := e.store.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("processing message: %w", berrors.ErrSessionNotFound)
	}

	e.store.AppendMessage(sessionID, in)
	e.metrics.RecordMessage("inbound")

	var reply telego.Message
	if name, _, isCommand := commands.Parse(in.Text); isCommand {
		reply = e.dispatch(ctx, log, sess, name, in)
	} else {
		reply = e.botMessage(sess.Bot.Username, in.Chat, EchoPrefix+sanitize.Text(in.Text))
	}

	// The handler may have run for a while; the session can be gone by now.
	if !e.store.AppendMessage(sessionID, reply) {
		log.Warn().Msg("session removed before reply was stored")
		return nil, fmt.Errorf("storing reply: %w", berrors.ErrSessionNotFound)
	}
	e.metrics.RecordMessage("outbound")
	return &reply, nil
}

func (e *Engine) dispatch(ctx context.Context, log zerolog.Logger, sess *session.Session, name string, in telego.Message) telego.Message {
	cmd, err := sess.Bot.Commands.Resolve(name)
	if err != nil {
		log.Debug().Err(err).Msg("command not dispatched")
		e.metrics.RecordCommand("unknown", "unknown")
		return e.errorMessage(sess.Bot.Username, in.Chat, "Unknown command: /"+name)
	}

	reply, err := commands.Invoke(ctx, cmd, in)
	if err != nil {
		log.Error().Err(err).Str("command", name).Msg("command handler failed")
		e.metrics.RecordCommand(name, "error")
		return e.errorMessage(sess.Bot.Username, in.Chat, HandlerFailureText)
	}
	e.metrics.RecordCommand(name, "ok")

	if reply.IsMessage() {
		return *reply.Message
	}
	return e.botMessage(sess.Bot.Username, in.Chat, sanitize.Text(reply.Text))
}

// SendBotMessage posts text from the bot into a chat already known to the
// session. Failures are Bot API style errors: 404 for an unknown session,
// 400 for an unknown chat.
func (e *Engine) SendBotMessage(ctx context.Context, sessionID string, chatID int64, text string) (*telego.Message, error) {
	sess, ok := e.store.Get(sessionID)
	if !ok {
		return nil, berrors.NewBotAPIError(http.StatusNotFound, "Session not found", berrors.ErrSessionNotFound)
	}
	chat, ok := sess.Chats[chatID]
	if !ok {
		return nil, berrors.NewBotAPIError(http.StatusBadRequest, "Bad Request: chat not found", berrors.ErrChatNotFound)
	}

	msg := e.botMessage(sess.Bot.Username, chat, sanitize.Text(text))
	if !e.store.AppendMessage(sessionID, msg) {
		return nil, berrors.NewBotAPIError(http.StatusNotFound, "Session not found", berrors.ErrSessionNotFound)
	}
	e.metrics.RecordMessage("outbound")
	log := requestid.Logger(ctx, e.logger)
	log.Debug().
		Str("session_id", sessionID).
		Int64("chat_id", chatID).
		Int("message_id", msg.MessageID).
		Msg("bot message sent")
	return &msg, nil
}

func (e *Engine) errorMessage(username string, chat telego.Chat, reason string) telego.Message {
	return e.botMessage(username, chat, sanitize.Text(ErrorPrefix+reason))
}

func (e *Engine) botMessage(username string, chat telego.Chat, text string) telego.Message {
	return telego.Message{
		MessageID: int(e.nextMessage.Add(1)),
		From: &telego.User{
			ID:        BotUserID,
			IsBot:     true,
			FirstName: username,
			Username:  username,
		},
		Date: e.now().Unix(),
		Chat: chat,
		Text: text,
	}
}
