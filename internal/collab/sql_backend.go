package collab

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	sqlStateTableName   = "ideasync_state"
	sqlStateKey         = "default"
	sqlOperationTimeout = 5 * time.Second
)

// sqlDialect holds what differs between the SQL engines that can hold the
// snapshot. Statements take the quoted table name through %s.
type sqlDialect struct {
	driver      string
	createTable string
	selectState string
	upsertState string
	// prepare runs before the first open, configure right after it.
	prepare   func(dsn string) error
	configure func(db *sql.DB)
}

// sqlStateBackend keeps the snapshot as one JSON row keyed by stateKey. The
// connection and table are set up on first use; a failed setup is retried
// on the next call.
type sqlStateBackend struct {
	dialect   sqlDialect
	dsn       string
	tableName string
	stateKey  string

	mu sync.Mutex
	db *sql.DB
}

func (b *sqlStateBackend) init(dialect sqlDialect, dsn string) error {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return ErrInvalidInput
	}
	b.dialect = dialect
	b.dsn = dsn
	b.tableName = sqlStateTableName
	b.stateKey = sqlStateKey
	return nil
}

func (b *sqlStateBackend) Load() (*persistedState, error) {
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	var payload string
	err = db.QueryRowContext(ctx, b.statement(b.dialect.selectState), b.stateKey).Scan(&payload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("load %s state: %w", b.dialect.driver, err)
	}
	var snapshot persistedState
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, fmt.Errorf("decode %s state: %w", b.dialect.driver, err)
	}
	return &snapshot, nil
}

func (b *sqlStateBackend) Save(state *persistedState) error {
	if state == nil {
		return nil
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	db, err := b.conn()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, b.statement(b.dialect.upsertState), b.stateKey, string(payload), len(state.Ideas)); err != nil {
		return fmt.Errorf("save %s state: %w", b.dialect.driver, err)
	}
	return nil
}

func (b *sqlStateBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

func (b *sqlStateBackend) conn() (*sql.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		return b.db, nil
	}
	if b.dialect.prepare != nil {
		if err := b.dialect.prepare(b.dsn); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open(b.dialect.driver, b.dsn)
	if err != nil {
		return nil, err
	}
	if b.dialect.configure != nil {
		b.dialect.configure(db)
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, b.statement(b.dialect.createTable)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create %s state table: %w", b.dialect.driver, err)
	}
	b.db = db
	return db, nil
}

func (b *sqlStateBackend) statement(format string) string {
	return fmt.Sprintf(format, quoteIdentifier(b.tableName))
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
