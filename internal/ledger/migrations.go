package ledger

import (
	"fmt"
)

func (l *Ledger) migrate() error {
	return l.migrateV1()
}

func (l *Ledger) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS deliveries (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		update_id  INTEGER NOT NULL,
		url        TEXT NOT NULL,
		payload    TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_deliveries_session ON deliveries(session_id, id);
	CREATE INDEX IF NOT EXISTS idx_deliveries_created ON deliveries(created_at);

	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}
	return nil
}
