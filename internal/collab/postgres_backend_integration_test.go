package collab

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationStateBackendRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresStateBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres state backend: %v", err)
	}
	pg, ok := backend.(*PostgresStateBackend)
	if !ok {
		t.Fatalf("expected *PostgresStateBackend, got %T", backend)
	}
	pg.tableName = postgresIntegrationTableName("ideasync_state_it")
	pg.stateKey = "it"
	t.Cleanup(func() {
		_ = pg.Close()
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})

	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected nil initial snapshot, got %+v", snapshot)
	}

	saved := &persistedState{
		Ideas:     []Idea{{ID: "one", Text: "community garden", Username: "ana"}},
		TempIndex: map[string]string{"tmp-1": "one"},
	}
	if err := backend.Save(saved); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	if loaded == nil || len(loaded.Ideas) != 1 || loaded.TempIndex["tmp-1"] != "one" {
		t.Fatalf("unexpected loaded snapshot: %+v", loaded)
	}

	loaded.Ideas = append(loaded.Ideas, Idea{ID: "two", Text: "solar canopy", Username: "ben"})
	if err := backend.Save(loaded); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	reloaded, err := backend.Load()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded == nil || len(reloaded.Ideas) != 2 {
		t.Fatalf("expected two ideas after update, got %+v", reloaded)
	}
}

func TestPostgresIntegrationStoreRestart(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	table := postgresIntegrationTableName("ideasync_restart_it")
	t.Cleanup(func() { postgresIntegrationDropTable(t, dsn, table) })

	open := func() *Store {
		backend, err := NewPostgresStateBackend(dsn)
		if err != nil {
			t.Fatalf("new postgres state backend: %v", err)
		}
		backend.(*PostgresStateBackend).tableName = table
		store, err := NewStoreWithOptions(StoreOptions{StateBackend: backend})
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		return store
	}

	first := open()
	if _, err := first.Submit("shared bikes", "ana", "tmp-a"); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	_ = first.Close()

	second := open()
	defer second.Close()
	if second.Count() != 1 {
		t.Fatalf("expected restored idea, got %d", second.Count())
	}
	result, err := second.Submit("shared bikes", "ana", "tmp-a")
	if err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	if result.Created {
		t.Fatalf("expected temp id dedup to survive restart")
	}
}

func TestQuoteIdentifier(t *testing.T) {
	if got := quoteIdentifier(`ideas"state`); got != `"ideas""state"` {
		t.Fatalf("unexpected quoted identifier %s", got)
	}
	if got := quoteIdentifier(" "); got != `""` {
		t.Fatalf("unexpected quoted empty identifier %s", got)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("IDEASYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set IDEASYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	if strings.TrimSpace(dsn) == "" || strings.TrimSpace(tableName) == "" {
		return
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
