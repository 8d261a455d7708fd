package collab

import (
	_ "github.com/lib/pq"
)

var postgresDialect = sqlDialect{
	driver: "postgres",
	createTable: `CREATE TABLE IF NOT EXISTS %s (
		state_key TEXT PRIMARY KEY,
		snapshot TEXT NOT NULL,
		idea_count INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	selectState: `SELECT snapshot FROM %s WHERE state_key = $1`,
	upsertState: `INSERT INTO %s (state_key, snapshot, idea_count, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (state_key) DO UPDATE
		SET snapshot = EXCLUDED.snapshot, idea_count = EXCLUDED.idea_count, updated_at = NOW()`,
}

// PostgresStateBackend keeps the snapshot in PostgreSQL, for deployments
// where several server processes share one database.
type PostgresStateBackend struct {
	sqlStateBackend
}

func NewPostgresStateBackend(dsn string) (StateBackend, error) {
	b := &PostgresStateBackend{}
	if err := b.init(postgresDialect, dsn); err != nil {
		return nil, err
	}
	return b, nil
}
