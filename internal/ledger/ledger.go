// Package ledger keeps an SQLite record of simulated webhook deliveries.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	berrors "github.com/p-blackswan/botemu/internal/errors"
)

// DefaultListLimit caps ListBySession when the caller passes no limit.
const DefaultListLimit = 100

// Delivery is one recorded webhook delivery.
type Delivery struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId"`
	UpdateID  int             `json:"updateId"`
	URL       string          `json:"url"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Ledger manages the SQLite database.
type Ledger struct {
	db     *sql.DB
	logger zerolog.Logger
	mu     sync.RWMutex
}

// New opens (or creates) the ledger database and runs migrations.
func New(dsn string, logger zerolog.Logger) (*Ledger, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	// An in-memory database lives only as long as its connection.
	if isMemory(dsn) {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping ledger: %w", err)
	}

	l := &Ledger{
		db:     db,
		logger: logger.With().Str("component", "ledger").Logger(),
	}

	pragmas := []string{
		"PRAGMA busy_timeout=5000",
	}
	if !isMemory(dsn) {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	l.logger.Info().Bool("memory", isMemory(dsn)).Msg("ledger initialized")
	return l, nil
}

func isMemory(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

// Ping reports whether the database is reachable.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Record stores d and fills in its ID and CreatedAt.
func (l *Ledger) Record(ctx context.Context, d *Delivery) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	payload := d.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	res, err := l.db.ExecContext(ctx, `
	INSERT INTO deliveries (session_id, update_id, url, payload, created_at)
	VALUES (?, ?, ?, ?, ?)`,
		d.SessionID, d.UpdateID, d.URL, string(payload), d.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record delivery: %w", classify(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read delivery id: %w", err)
	}
	d.ID = id
	return nil
}

// ListBySession returns the newest deliveries for a session, newest first.
func (l *Ledger) ListBySession(ctx context.Context, sessionID string, limit int) ([]Delivery, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := l.db.QueryContext(ctx, `
	SELECT id, session_id, update_id, url, payload, created_at
	FROM deliveries
	WHERE session_id = ?
	ORDER BY id DESC
	LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	out := make([]Delivery, 0)
	for rows.Next() {
		var (
			d       Delivery
			payload string
			created int64
		)
		if err := rows.Scan(&d.ID, &d.SessionID, &d.UpdateID, &d.URL, &payload, &created); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		d.Payload = json.RawMessage(payload)
		d.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

// Count returns the number of deliveries recorded for a session.
func (l *Ledger) Count(ctx context.Context, sessionID string) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deliveries WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count deliveries: %w", err)
	}
	return n, nil
}

// classify marks lock contention as ErrUnavailable so retry policies built on
// berrors.IsRetryable pick it up.
func classify(err error) error {
	if IsBusy(err) {
		return fmt.Errorf("%w: %w", berrors.ErrUnavailable, err)
	}
	return err
}

// IsBusy reports whether err is SQLite lock contention worth retrying.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked")
}
