package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mymmrac/telego"
	"github.com/rs/zerolog"
)

// Removal reasons passed to the remove hook.
const (
	RemovedDeleted = "deleted"
	RemovedExpired = "expired"
)

// RemoveHook is notified after a session leaves the store.
type RemoveHook func(sessionID, reason string)

// Store maps session IDs to session records. Every operation runs as one
// turn under the store lock, and every lookup refreshes LastActivity.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
	onRemove RemoveHook
	logger   zerolog.Logger
}

// StoreOption is a functional option for Store.
type StoreOption func(*Store)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// WithRemoveHook registers a callback fired after delete or expiry.
// The hook runs outside the store lock.
func WithRemoveHook(fn RemoveHook) StoreOption {
	return func(s *Store) {
		s.onRemove = fn
	}
}

// NewStore creates an empty session store.
func NewStore(logger zerolog.Logger, opts ...StoreOption) *Store {
	s := &Store{
		sessions: make(map[string]*Session),
		now:      time.Now,
		logger:   logger.With().Str("component", "session_store").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create allocates a new session for bot and returns its ID.
func (s *Store) Create(bot BotConfig) string {
	id := uuid.New().String()
	now := s.now()

	s.mu.Lock()
	s.sessions[id] = &Session{
		ID:           id,
		Bot:          bot,
		Participants: make(map[int64]telego.User),
		Chats:        make(map[int64]telego.Chat),
		Messages:     make([]telego.Message, 0),
		CreatedAt:    now,
		LastActivity: now,
	}
	s.mu.Unlock()

	s.logger.Info().Str("session_id", id).Str("bot", bot.Username).Msg("session created")
	return id
}

// Get returns a snapshot of the session and bumps its LastActivity.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.touch(id)
	if sess == nil {
		return nil, false
	}
	return sess.snapshot(), true
}

// Delete removes a session. Returns true if it existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !ok {
		return false
	}
	s.logger.Info().Str("session_id", id).Msg("session deleted")
	s.notifyRemoved(id, RemovedDeleted)
	return true
}

// List returns snapshots of every session, oldest first. Listing does not
// count as activity.
func (s *Store) List() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.snapshot())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// AddParticipant upserts a participant profile. Last write wins.
func (s *Store) AddParticipant(id string, user telego.User) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.touch(id)
	if sess == nil {
		return false
	}
	sess.Participants[user.ID] = user
	return true
}

// AddChat upserts a chat profile. Last write wins.
func (s *Store) AddChat(id string, chat telego.Chat) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.touch(id)
	if sess == nil {
		return false
	}
	sess.Chats[chat.ID] = chat
	return true
}

// AppendMessage pushes msg onto the session log and trims the log to
// MaxMessages, dropping the oldest entries.
func (s *Store) AppendMessage(id string, msg telego.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.touch(id)
	if sess == nil {
		return false
	}
	sess.Messages = append(sess.Messages, msg)
	if over := len(sess.Messages) - MaxMessages; over > 0 {
		trimmed := make([]telego.Message, MaxMessages)
		copy(trimmed, sess.Messages[over:])
		sess.Messages = trimmed
	}
	return true
}

// RecentMessages returns up to limit of the newest messages, oldest first.
// Callers clamp limit; limit <= 0 means DefaultHistoryLimit.
func (s *Store) RecentMessages(id string, limit int) []telego.Message {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.touch(id)
	if sess == nil {
		return []telego.Message{}
	}
	start := len(sess.Messages) - limit
	if start < 0 {
		start = 0
	}
	out := make([]telego.Message, len(sess.Messages)-start)
	copy(out, sess.Messages[start:])
	return out
}

// ExpireStale deletes every session whose LastActivity is older than
// now - retention and returns the removed IDs.
func (s *Store) ExpireStale(now time.Time, retention time.Duration) []string {
	cutoff := now.Add(-retention)

	s.mu.Lock()
	var removed []string
	for id, sess := range s.sessions {
		if sess.LastActivity.Before(cutoff) {
			delete(s.sessions, id)
			removed = append(removed, id)
		}
	}
	s.mu.Unlock()

	for _, id := range removed {
		s.logger.Info().Str("session_id", id).Msg("session expired")
		s.notifyRemoved(id, RemovedExpired)
	}
	return removed
}

// touch returns the live record and refreshes its activity timestamp.
// Caller must hold the write lock.
func (s *Store) touch(id string) *Session {
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	sess.LastActivity = s.now()
	return sess
}

func (s *Store) notifyRemoved(id, reason string) {
	if s.onRemove != nil {
		s.onRemove(id, reason)
	}
}
