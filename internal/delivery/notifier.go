// Package delivery turns produced bot messages into updates and simulates
// pushing them to the session's subscribers: the configured webhook and any
// joined realtime sockets. No outbound HTTP request is ever made.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/mymmrac/telego"
	"github.com/rs/zerolog"

	berrors "github.com/p-blackswan/botemu/internal/errors"
	"github.com/p-blackswan/botemu/internal/ledger"
	"github.com/p-blackswan/botemu/internal/metrics"
	"github.com/p-blackswan/botemu/internal/retry"
	"github.com/p-blackswan/botemu/internal/session"
)

// Delivery outcomes, used as the metrics result label.
const (
	ResultSimulated = "simulated"
	ResultSkipped   = "skipped"
	ResultFailed    = "failed"
)

// WebhookPayload is the request that would have been sent to the webhook.
type WebhookPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    telego.Update     `json:"body"`
}

// Sessions resolves a session's current webhook configuration.
type Sessions interface {
	Get(id string) (*session.Session, bool)
}

// Recorder persists simulated deliveries.
type Recorder interface {
	Record(ctx context.Context, d *ledger.Delivery) error
}

// Broadcaster pushes updates and delivery failures to realtime subscribers
// of a session.
type Broadcaster interface {
	BroadcastUpdate(sessionID string, update telego.Update)
	BroadcastError(sessionID, message string)
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithRecorder records every simulated delivery.
func WithRecorder(r Recorder) Option {
	return func(n *Notifier) { n.recorder = r }
}

// WithBroadcaster fans every update out to realtime subscribers.
func WithBroadcaster(b Broadcaster) Option {
	return func(n *Notifier) { n.broadcaster = b }
}

// WithMetrics counts delivery outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

// WithRetry overrides the retry policy for ledger writes.
func WithRetry(cfg retry.Config) Option {
	return func(n *Notifier) { n.retry = cfg }
}

// Notifier owns the process-wide update id sequence.
type Notifier struct {
	sessions    Sessions
	recorder    Recorder
	broadcaster Broadcaster
	metrics     *metrics.Metrics
	retry       retry.Config
	nextUpdate  atomic.Int64
	logger      zerolog.Logger
}

// NewNotifier creates a notifier. Update ids start at 1.
func NewNotifier(sessions Sessions, logger zerolog.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		sessions: sessions,
		retry:    retry.DefaultConfig(),
		logger:   logger.With().Str("component", "delivery").Logger(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NotifyUpdate wraps msg in an update with a fresh id and broadcasts it to
// the session's realtime subscribers.
func (n *Notifier) NotifyUpdate(sessionID string, msg telego.Message) telego.Update {
	update := telego.Update{
		UpdateID: int(n.nextUpdate.Add(1)),
		Message:  &msg,
	}
	if n.broadcaster != nil {
		n.broadcaster.BroadcastUpdate(sessionID, update)
	}
	return update
}

// SimulateDelivery records that update would be POSTed to the session's
// webhook. It returns false when the session is gone, has no webhook, or the
// delivery could not be recorded.
func (n *Notifier) SimulateDelivery(ctx context.Context, sessionID string, update telego.Update) bool {
	return n.Deliver(ctx, sessionID, update) == nil
}

// Deliver is SimulateDelivery with the reason for a skipped or failed
// delivery: berrors.ErrSessionNotFound, berrors.ErrNoWebhook, or the
// recording error.
func (n *Notifier) Deliver(ctx context.Context, sessionID string, update telego.Update) error {
	log := n.logger.With().Str("session_id", sessionID).Int("update_id", update.UpdateID).Logger()

	sess, ok := n.sessions.Get(sessionID)
	if !ok {
		log.Warn().Err(berrors.ErrSessionNotFound).Msg("delivery skipped")
		n.metrics.RecordDelivery(ResultSkipped)
		return berrors.ErrSessionNotFound
	}
	if !sess.Bot.HasWebhook() {
		log.Warn().Err(berrors.ErrNoWebhook).Msg("delivery skipped")
		n.metrics.RecordDelivery(ResultSkipped)
		return berrors.ErrNoWebhook
	}

	payload := WebhookPayload{
		URL:    sess.Bot.WebhookURL,
		Method: http.MethodPost,
		Headers: map[string]string{
			"Content-Type": "application/json",
			"User-Agent":   "botemu-webhook/1.0",
		},
		Body: update,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("marshaling webhook payload")
		n.metrics.RecordDelivery(ResultFailed)
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	log.Info().Str("url", payload.URL).RawJSON("payload", body).Msg("webhook delivery simulated")

	if n.recorder != nil {
		rec := &ledger.Delivery{
			SessionID: sessionID,
			UpdateID:  update.UpdateID,
			URL:       payload.URL,
			Payload:   body,
		}
		err := retry.Do(ctx, n.retry, log, func(ctx context.Context) error {
			return n.recorder.Record(ctx, rec)
		})
		if err != nil {
			log.Error().Err(err).Msg("recording delivery failed")
			n.metrics.RecordDelivery(ResultFailed)
			if n.broadcaster != nil {
				n.broadcaster.BroadcastError(sessionID, deliveryFailure(update, err))
			}
			return err
		}
	}

	n.metrics.RecordDelivery(ResultSimulated)
	return nil
}

func deliveryFailure(update telego.Update, err error) string {
	if errors.Is(err, berrors.ErrUnavailable) {
		return fmt.Sprintf("Webhook delivery for update %d not recorded: ledger busy", update.UpdateID)
	}
	return fmt.Sprintf("Webhook delivery for update %d not recorded", update.UpdateID)
}

// Publish runs NotifyUpdate then SimulateDelivery.
func (n *Notifier) Publish(ctx context.Context, sessionID string, msg telego.Message) (telego.Update, bool) {
	update := n.NotifyUpdate(sessionID, msg)
	return update, n.SimulateDelivery(ctx, sessionID, update)
}
