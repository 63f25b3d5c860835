// Package session owns the emulator's in-memory session records: bot
// configuration, known participants and chats, and the bounded message log.
package session

import (
	"maps"
	"slices"
	"time"

	"github.com/mymmrac/telego"

	"github.com/p-blackswan/botemu/internal/commands"
)

// MaxMessages caps each session's message log. Oldest entries go first.
const MaxMessages = 1000

// DefaultHistoryLimit is used when RecentMessages is called with limit <= 0.
const DefaultHistoryLimit = 50

// BotConfig describes the emulated bot that owns a session.
type BotConfig struct {
	Token          string
	Username       string
	WebhookURL     string
	AllowedUpdates []string
	Commands       *commands.Registry
}

// HasWebhook reports whether deliveries should be simulated for this bot.
func (b BotConfig) HasWebhook() bool {
	return b.WebhookURL != ""
}

// Session is one emulated bot's isolated conversation state.
type Session struct {
	ID           string
	Bot          BotConfig
	Participants map[int64]telego.User
	Chats        map[int64]telego.Chat
	Messages     []telego.Message
	CreatedAt    time.Time
	LastActivity time.Time
}

// Stats summarises a session for listings.
type Stats struct {
	MessagesCount int       `json:"messagesCount"`
	UsersCount    int       `json:"usersCount"`
	ChatsCount    int       `json:"chatsCount"`
	CreatedAt     time.Time `json:"createdAt"`
	LastActivity  time.Time `json:"lastActivity"`
}

// Stats returns the counters shown by the info and list endpoints.
func (s *Session) Stats() Stats {
	return Stats{
		MessagesCount: len(s.Messages),
		UsersCount:    len(s.Participants),
		ChatsCount:    len(s.Chats),
		CreatedAt:     s.CreatedAt,
		LastActivity:  s.LastActivity,
	}
}

// snapshot returns a copy that shares nothing mutable with the stored record.
// Messages are values and are never edited after append, so a slice copy is enough.
func (s *Session) snapshot() *Session {
	cp := *s
	cp.Bot.AllowedUpdates = slices.Clone(s.Bot.AllowedUpdates)
	cp.Participants = maps.Clone(s.Participants)
	cp.Chats = maps.Clone(s.Chats)
	cp.Messages = slices.Clone(s.Messages)
	return &cp
}
