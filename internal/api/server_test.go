package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/mymmrac/telego"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/botemu/internal/commands"
	"github.com/p-blackswan/botemu/internal/conversation"
	"github.com/p-blackswan/botemu/internal/delivery"
	"github.com/p-blackswan/botemu/internal/health"
	"github.com/p-blackswan/botemu/internal/ledger"
	"github.com/p-blackswan/botemu/internal/realtime"
	"github.com/p-blackswan/botemu/internal/session"
)

const testToken = "123456789:ABCDEF1234567890abcdef1234567890abcdef"

type recordingHub struct {
	mu      sync.Mutex
	frames  []realtime.SocketMessage
	updates []telego.Update
}

func (r *recordingHub) Broadcast(sessionID string, msg realtime.SocketMessage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, msg)
	return 1
}

func (r *recordingHub) BroadcastUpdate(sessionID string, update telego.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
}

func (r *recordingHub) BroadcastError(sessionID, message string) {
	r.Broadcast(sessionID, realtime.SocketMessage{Type: realtime.TypeError, Payload: message})
}

type testEnv struct {
	app    *fiber.App
	store  *session.Store
	ledger *ledger.Ledger
	hub    *recordingHub
}

func newTestEnv(t *testing.T, rl RateLimitConfig, logger zerolog.Logger) *testEnv {
	t.Helper()

	store := session.NewStore(logger)
	led, err := ledger.New(filepath.Join(t.TempDir(), "ledger.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	registry, err := commands.Default(time.Now)
	require.NoError(t, err)

	hub := &recordingHub{}
	checker := health.NewChecker(logger)
	checker.Register("ledger", health.PingCheck(led))

	srv := NewServer(ServerConfig{
		ListenAddr: ":0",
		RateLimit:  rl,
		BodyLimit:  64 * 1024,
	}, Deps{
		Store:  store,
		Engine: conversation.NewEngine(store, logger),
		Notifier: delivery.NewNotifier(store, logger,
			delivery.WithRecorder(led),
			delivery.WithBroadcaster(hub)),
		Commands:   registry,
		Deliveries: led,
		Realtime:   hub,
		Checker:    checker,
		History:    HistoryLimits{Default: 3, Max: 4},
	}, nil, logger)

	return &testEnv{app: srv.App(), store: store, ledger: led, hub: hub}
}

func defaultEnv(t *testing.T) *testEnv {
	return newTestEnv(t, RateLimitConfig{Window: 15 * time.Minute, Max: 1000}, zerolog.Nop())
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, _ := http.NewRequest(method, path, rd)
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (e *testEnv) createBot(t *testing.T, webhook string) string {
	t.Helper()
	body := fmt.Sprintf(`{"token":%q,"username":"test_bot"`, testToken)
	if webhook != "" {
		body += fmt.Sprintf(`,"webhook_url":%q`, webhook)
	}
	body += "}"
	resp := e.do(t, http.MethodPost, "/api/bots", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[CreateBotResponse](t, resp).SessionID
}

func userMessage(id int, text string) string {
	return fmt.Sprintf(`{"message_id":%d,"date":1700000000,`+
		`"from":{"id":42,"is_bot":false,"first_name":"John"},`+
		`"chat":{"id":42,"type":"private","first_name":"John"},"text":%q}`, id, text)
}

func TestServer_CreateBot(t *testing.T) {
	env := defaultEnv(t)

	body := fmt.Sprintf(`{"token":%q,"username":"test_bot","webhook_url":"https://example.com/hook"}`, testToken)
	resp := env.do(t, http.MethodPost, "/api/bots", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	out := decode[CreateBotResponse](t, resp)
	assert.NotEmpty(t, out.SessionID)
	assert.Equal(t, "test_bot", out.BotConfig.Username)
	assert.Equal(t, "https://example.com/hook", out.BotConfig.WebhookURL)
	assert.NotEmpty(t, out.BotConfig.Commands)
	assert.Equal(t, 1, env.store.Len())
}

func TestServer_CreateBot_Invalid(t *testing.T) {
	env := defaultEnv(t)

	resp := env.do(t, http.MethodPost, "/api/bots", `{"token":"bad","username":"ab"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	p := decode[ProblemDetail](t, resp)
	assert.Equal(t, "invalid_bot_config", p.Type)
	assert.Equal(t, "Invalid bot configuration", p.Detail)
	fields := make([]string, 0, len(p.Errors))
	for _, fe := range p.Errors {
		fields = append(fields, fe.Field)
	}
	assert.Contains(t, fields, "token")
	assert.Contains(t, fields, "username")
	assert.Equal(t, 0, env.store.Len())
}

func TestServer_CreateBot_MalformedBody(t *testing.T) {
	env := defaultEnv(t)

	resp := env.do(t, http.MethodPost, "/api/bots", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_body", decode[ProblemDetail](t, resp).Type)
}

func TestServer_RequiresJSONContentType(t *testing.T) {
	env := defaultEnv(t)

	req, _ := http.NewRequest(http.MethodPost, "/api/bots", strings.NewReader("token=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	p := decode[ProblemDetail](t, resp)
	assert.Equal(t, "invalid_content_type", p.Type)
	assert.Equal(t, "Content-Type must be application/json", p.Detail)
}

func TestServer_ListAndGetBot(t *testing.T) {
	env := defaultEnv(t)
	id := env.createBot(t, "")
	env.do(t, http.MethodPost, "/api/bots/"+id+"/sendMessage", userMessage(1, "hello"))

	resp := env.do(t, http.MethodGet, "/api/bots", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[BotListResponse](t, resp)
	require.Len(t, list.Bots, 1)
	assert.Equal(t, id, list.Bots[0].SessionID)
	assert.Equal(t, "test_bot", list.Bots[0].Username)
	assert.Equal(t, BotCounts{MessagesCount: 2, UsersCount: 1, ChatsCount: 1}, list.Bots[0].Stats)

	resp = env.do(t, http.MethodGet, "/api/bots/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decode[BotInfoResponse](t, resp)
	assert.Equal(t, id, info.SessionID)
	assert.Equal(t, 2, info.Stats.MessagesCount)

	resp = env.do(t, http.MethodGet, "/api/bots/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "session_not_found", decode[ProblemDetail](t, resp).Type)
}

func TestServer_ListBots_Empty(t *testing.T) {
	env := defaultEnv(t)

	resp := env.do(t, http.MethodGet, "/api/bots", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"bots":[]}`, string(body))
}

func TestServer_DeleteBot(t *testing.T) {
	env := defaultEnv(t)
	id := env.createBot(t, "")

	resp := env.do(t, http.MethodDelete, "/api/bots/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Bot session deleted successfully", decode[DeleteBotResponse](t, resp).Message)

	resp = env.do(t, http.MethodDelete, "/api/bots/"+id, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_SendMessage_Echo(t *testing.T) {
	env := defaultEnv(t)
	id := env.createBot(t, "")

	resp := env.do(t, http.MethodPost, "/api/bots/"+id+"/sendMessage", userMessage(1, "<b>hello</b>"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decode[SendResult](t, resp)
	assert.True(t, out.OK)
	require.NotNil(t, out.Result)
	assert.Equal(t, "Echo: hello", out.Result.Text)
	assert.Equal(t, int64(42), out.Result.Chat.ID)
	require.NotNil(t, out.Result.From)
	assert.True(t, out.Result.From.IsBot)
	assert.Equal(t, conversation.BotUserID, out.Result.From.ID)

	env.hub.mu.Lock()
	defer env.hub.mu.Unlock()
	require.Len(t, env.hub.frames, 1)
	assert.Equal(t, realtime.TypeMessage, env.hub.frames[0].Type)
	require.Len(t, env.hub.updates, 1)
	assert.Equal(t, "Echo: hello", env.hub.updates[0].Message.Text)
}

func TestServer_SendMessage_Commands(t *testing.T) {
	env := defaultEnv(t)
	id := env.createBot(t, "")

	resp := env.do(t, http.MethodPost, "/api/bots/"+id+"/sendMessage", userMessage(1, "/ping"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, commands.PongText, decode[SendResult](t, resp).Result.Text)

	resp = env.do(t, http.MethodPost, "/api/bots/"+id+"/sendMessage", userMessage(2, "/bogus"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, conversation.ErrorPrefix+"Unknown command: /bogus", decode[SendResult](t, resp).Result.Text)
}

func TestServer_SendMessage_Errors(t *testing.T) {
	env := defaultEnv(t)
	id := env.createBot(t, "")

	resp := env.do(t, http.MethodPost, "/api/bots/missing/sendMessage", userMessage(1, "hi"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/bots/"+id+"/sendMessage",
		`{"message_id":0,"date":1700000000,"chat":{"id":1,"type":"nope"},"text":"hi"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	p := decode[ProblemDetail](t, resp)
	assert.Equal(t, "invalid_message", p.Type)
	assert.NotEmpty(t, p.Errors)

	sess, ok := env.store.Get(id)
	require.True(t, ok)
	assert.Empty(t, sess.Messages)
}

func TestServer_SendMessage_RecordsDelivery(t *testing.T) {
	env := defaultEnv(t)
	id := env.createBot(t, "https://example.com/hook")
	plain := env.createBot(t, "")

	env.do(t, http.MethodPost, "/api/bots/"+id+"/sendMessage", userMessage(1, "hello"))
	env.do(t, http.MethodPost, "/api/bots/"+plain+"/sendMessage", userMessage(1, "hello"))

	resp := env.do(t, http.MethodGet, "/api/bots/"+id+"/deliveries", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[DeliveriesResponse](t, resp)
	require.Equal(t, 1, out.Total)
	assert.Equal(t, "https://example.com/hook", out.Deliveries[0].URL)
	assert.Contains(t, string(out.Deliveries[0].Payload), "Echo: hello")

	resp = env.do(t, http.MethodGet, "/api/bots/"+plain+"/deliveries", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, decode[DeliveriesResponse](t, resp).Total)

	resp = env.do(t, http.MethodGet, "/api/bots/missing/deliveries", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_GetDeliveries_TotalIgnoresLimit(t *testing.T) {
	env := defaultEnv(t)
	id := env.createBot(t, "https://example.com/hook")
	for i := 1; i <= 3; i++ {
		env.do(t, http.MethodPost, "/api/bots/"+id+"/sendMessage", userMessage(i, fmt.Sprintf("m%d", i)))
	}

	resp := env.do(t, http.MethodGet, "/api/bots/"+id+"/deliveries?limit=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[DeliveriesResponse](t, resp)
	require.Len(t, out.Deliveries, 1)
	assert.Equal(t, 3, out.Total)
	assert.Contains(t, string(out.Deliveries[0].Payload), "Echo: m3")
}

func TestServer_GetMessages_Limits(t *testing.T) {
	env := defaultEnv(t)
	id := env.createBot(t, "")
	for i := 1; i <= 3; i++ {
		env.do(t, http.MethodPost, "/api/bots/"+id+"/sendMessage", userMessage(i, fmt.Sprintf("m%d", i)))
	}

	cases := []struct {
		query string
		want  int
	}{
		{"", 3},
		{"?limit=0", 3},
		{"?limit=-5", 3},
		{"?limit=2", 2},
		{"?limit=1000", 4},
	}
	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			resp := env.do(t, http.MethodGet, "/api/bots/"+id+"/messages"+tc.query, "")
			require.Equal(t, http.StatusOK, resp.StatusCode)
			out := decode[HistoryResponse](t, resp)
			assert.Len(t, out.Messages, tc.want)
			assert.Equal(t, 6, out.Total)
		})
	}

	resp := env.do(t, http.MethodGet, "/api/bots/"+id+"/messages?limit=1", "")
	out := decode[HistoryResponse](t, resp)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "Echo: m3", out.Messages[0].Text)

	resp = env.do(t, http.MethodGet, "/api/bots/missing/messages", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_BotMessage(t *testing.T) {
	env := defaultEnv(t)
	id := env.createBot(t, "")
	env.do(t, http.MethodPost, "/api/bots/"+id+"/sendMessage", userMessage(1, "hello"))

	resp := env.do(t, http.MethodPost, "/api/bots/"+id+"/botMessage", `{"chat_id":42,"text":"Reminder"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[SendResult](t, resp)
	assert.True(t, out.OK)
	assert.Equal(t, "Reminder", out.Result.Text)
	assert.Equal(t, int64(42), out.Result.Chat.ID)

	sess, _ := env.store.Get(id)
	assert.Len(t, sess.Messages, 3)
}

func TestServer_BotMessage_Failures(t *testing.T) {
	env := defaultEnv(t)
	id := env.createBot(t, "")

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		desc   string
	}{
		{"unknown chat", "/api/bots/" + id + "/botMessage", `{"chat_id":999,"text":"hi"}`, 400, "Bad Request: chat not found"},
		{"unknown session", "/api/bots/missing/botMessage", `{"chat_id":1,"text":"hi"}`, 404, "Session not found"},
		{"empty text", "/api/bots/" + id + "/botMessage", `{"chat_id":1,"text":""}`, 400, "Bad Request: message text is empty"},
		{"too long", "/api/bots/" + id + "/botMessage",
			fmt.Sprintf(`{"chat_id":1,"text":%q}`, strings.Repeat("a", 4097)), 400, "Bad Request: message is too long"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, tt.path, tt.body)
			require.Equal(t, tt.status, resp.StatusCode)
			out := decode[BotAPIFailure](t, resp)
			assert.False(t, out.OK)
			assert.Equal(t, tt.status, out.ErrorCode)
			assert.Equal(t, tt.desc, out.Description)
		})
	}
}

func TestServer_Health(t *testing.T) {
	env := defaultEnv(t)

	resp := env.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h := decode[HealthResponse](t, resp)
	assert.Equal(t, "ok", h.Status)
	assert.GreaterOrEqual(t, h.Uptime, 0.0)
	assert.False(t, h.Timestamp.IsZero())

	resp = env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decode[health.Report](t, resp)
	assert.Equal(t, "ready", report.Status)
	assert.Contains(t, report.Checks, "ledger")
}

func TestServer_Readyz_LedgerDown(t *testing.T) {
	env := defaultEnv(t)
	require.NoError(t, env.ledger.Close())

	resp := env.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_RequestIDHeader(t *testing.T) {
	env := defaultEnv(t)

	req, _ := http.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, "abc-123", resp.Header.Get("X-Request-ID"))

	resp = env.do(t, http.MethodGet, "/api/health", "")
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestServer_HandlerLogsCarryRequestID(t *testing.T) {
	var buf bytes.Buffer
	env := newTestEnv(t, RateLimitConfig{Window: time.Minute, Max: 100}, zerolog.New(&buf))

	body := fmt.Sprintf(`{"token":%q,"username":"test_bot"}`, testToken)
	req, _ := http.NewRequest(http.MethodPost, "/api/bots", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "req-create")
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry["message"] == "created bot session" {
			created = entry
		}
	}
	require.NotNil(t, created)
	assert.Equal(t, "req-create", created["request_id"])
}

func TestServer_NotFoundFallback(t *testing.T) {
	env := defaultEnv(t)

	resp := env.do(t, http.MethodGet, "/nope", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decode[ProblemDetail](t, resp).Type)
}

func TestServer_RateLimit(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{Window: time.Minute, Max: 2}, zerolog.Nop())

	for i := 0; i < 2; i++ {
		resp := env.do(t, http.MethodGet, "/api/bots", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "2", resp.Header.Get("RateLimit-Limit"))
	}

	resp := env.do(t, http.MethodGet, "/api/bots", "")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "0", resp.Header.Get("RateLimit-Remaining"))
	p := decode[ProblemDetail](t, resp)
	assert.Equal(t, "rate_limit_exceeded", p.Type)

	// Probes are exempt.
	resp = env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimiter_WindowResets(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := newRateLimiter(RateLimitConfig{Window: time.Minute, Max: 2}, func() time.Time { return now })

	ok, remaining, reset := rl.allow("1.2.3.4")
	assert.True(t, ok)
	assert.Equal(t, 1, remaining)
	assert.Equal(t, now.Add(time.Minute), reset)

	ok, remaining, _ = rl.allow("1.2.3.4")
	assert.True(t, ok)
	assert.Equal(t, 0, remaining)

	ok, _, _ = rl.allow("1.2.3.4")
	assert.False(t, ok)

	ok, _, _ = rl.allow("5.6.7.8")
	assert.True(t, ok, "other clients keep their own window")

	now = now.Add(time.Minute)
	ok, remaining, _ = rl.allow("1.2.3.4")
	assert.True(t, ok)
	assert.Equal(t, 1, remaining)
}

func TestRateLimiter_SweepsStaleClients(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := newRateLimiter(RateLimitConfig{Window: time.Minute, Max: 5}, func() time.Time { return now })

	for i := 0; i < 10; i++ {
		rl.allow(fmt.Sprintf("10.0.0.%d", i))
	}
	now = now.Add(2 * time.Minute)
	rl.allow("10.0.1.1")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Len(t, rl.clients, 1)
}
