package collab

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

var sqliteDialect = sqlDialect{
	driver: "sqlite",
	createTable: `CREATE TABLE IF NOT EXISTS %s (
		state_key TEXT PRIMARY KEY,
		snapshot TEXT NOT NULL,
		idea_count INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	selectState: `SELECT snapshot FROM %s WHERE state_key = ?`,
	upsertState: `INSERT INTO %s (state_key, snapshot, idea_count, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (state_key) DO UPDATE
		SET snapshot = excluded.snapshot, idea_count = excluded.idea_count, updated_at = CURRENT_TIMESTAMP`,
	prepare: func(path string) error {
		if dir := filepath.Dir(path); dir != "." {
			return os.MkdirAll(dir, 0o755)
		}
		return nil
	},
	// One connection keeps the server's own writers from hitting SQLITE_BUSY.
	configure: func(db *sql.DB) { db.SetMaxOpenConns(1) },
}

// SQLiteStateBackend stores the snapshot in an embedded SQLite database file.
type SQLiteStateBackend struct {
	sqlStateBackend
}

func NewSQLiteStateBackend(path string) (StateBackend, error) {
	b := &SQLiteStateBackend{}
	if err := b.init(sqliteDialect, path); err != nil {
		return nil, err
	}
	return b, nil
}
