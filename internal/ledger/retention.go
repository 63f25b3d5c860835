package ledger

import (
	"context"
	"fmt"
	"time"
)

// RunRetention deletes deliveries recorded before cutoff and reports how
// many rows were removed.
func (l *Ledger) RunRetention(ctx context.Context, cutoff time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.ExecContext(ctx,
		"DELETE FROM deliveries WHERE created_at < ?",
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old deliveries: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		l.logger.Info().Int64("removed", n).Time("cutoff", cutoff).Msg("purged old deliveries")
	}
	return n, nil
}

// DBSizeBytes returns the database size in bytes.
func (l *Ledger) DBSizeBytes() (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var pageCount, pageSize int64
	if err := l.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	if err := l.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("failed to get page size: %w", err)
	}
	return pageCount * pageSize, nil
}
