package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("IDEASYNC_TEST_INT", "42")
	got := intEnv("IDEASYNC_TEST_INT", 7)
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	envWarnings = nil
	t.Setenv("IDEASYNC_TEST_INT_BAD", "not-a-number")
	got := intEnv("IDEASYNC_TEST_INT_BAD", 7)
	if got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
	if len(envWarnings) != 1 || !strings.Contains(envWarnings[0], "IDEASYNC_TEST_INT_BAD") {
		t.Fatalf("expected a recorded warning, got %v", envWarnings)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("IDEASYNC_TEST_DURATION", "150ms")
	got := durationEnv("IDEASYNC_TEST_DURATION", time.Second)
	if got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("IDEASYNC_TEST_DURATION_BAD", "soon")
	got := durationEnv("IDEASYNC_TEST_DURATION_BAD", 2*time.Second)
	if got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("IDEASYNC_TEST_INT_UNSET")
	_ = os.Unsetenv("IDEASYNC_TEST_FLOAT_UNSET")
	_ = os.Unsetenv("IDEASYNC_TEST_BOOL_UNSET")

	if got := intEnv("IDEASYNC_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := floatEnv("IDEASYNC_TEST_FLOAT_UNSET", 0.5); got != 0.5 {
		t.Fatalf("expected fallback 0.5, got %v", got)
	}
	if got := boolEnv("IDEASYNC_TEST_BOOL_UNSET", true); !got {
		t.Fatalf("expected fallback true")
	}
}

func TestStorageProfileDefaults(t *testing.T) {
	dataDir := filepath.Join("var", "ideasync")
	cases := []struct {
		profile string
		want    string
	}{
		{profile: "", want: ""},
		{profile: "memory", want: "memory://"},
		{profile: "durable-local", want: "file://" + filepath.Join(dataDir, "state.json")},
		{profile: "SQLite", want: "sqlite://" + filepath.Join(dataDir, "ideas.db")},
	}
	for _, tc := range cases {
		got, err := storageProfileDefaults(tc.profile, dataDir)
		if err != nil {
			t.Fatalf("profile %q: %v", tc.profile, err)
		}
		if got != tc.want {
			t.Fatalf("profile %q: expected %q, got %q", tc.profile, tc.want, got)
		}
	}
	if _, err := storageProfileDefaults("cassandra", dataDir); err == nil {
		t.Fatalf("expected unsupported profile error")
	}
}

func TestStorageProfileProductionRequiresDSN(t *testing.T) {
	t.Setenv("IDEASYNC_POSTGRES_DSN", "")
	if _, err := storageProfileDefaults("production", ""); err == nil {
		t.Fatalf("expected error without IDEASYNC_POSTGRES_DSN")
	}
	t.Setenv("IDEASYNC_POSTGRES_DSN", "postgres://localhost/ideas")
	got, err := storageProfileDefaults("prod", "")
	if err != nil || got != "postgres://localhost/ideas" {
		t.Fatalf("expected postgres dsn, got %q, %v", got, err)
	}
}

func TestResolveStateDSNPrefersExplicitDSN(t *testing.T) {
	got, err := resolveStateDSN(serverConfig{StateDSN: " memory:// ", BackendProfile: "durable-local"})
	if err != nil || got != "memory://" {
		t.Fatalf("expected explicit dsn to win, got %q, %v", got, err)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a.example.com, ,b.example.com ")
	if len(got) != 2 || got[0] != "a.example.com" || got[1] != "b.example.com" {
		t.Fatalf("unexpected list %v", got)
	}
}

func TestRunServesAndShutsDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	statePath := filepath.Join(t.TempDir(), "state.json")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, serverConfig{
			StateDSN:        "file://" + statePath,
			ShutdownTimeout: time.Second,
			MaxTextLength:   2000,
		}, zap.NewNop(), ln)
	}()

	baseURL := fmt.Sprintf("http://%s", ln.Addr().String())
	client := &http.Client{Timeout: 2 * time.Second}
	var health struct {
		Status  string `json:"status"`
		Backend string `json:"backend"`
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := client.Get(baseURL + "/api/health")
		if err == nil {
			err = json.NewDecoder(resp.Body).Decode(&health)
			resp.Body.Close()
			if err == nil {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never became healthy: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if health.Status != "healthy" || health.Backend != "file" {
		t.Fatalf("unexpected health: %+v", health)
	}

	resp, err := client.Post(baseURL+"/api/submit_idea", "application/json",
		strings.NewReader(`{"idea_text":"Shared tool shed","username":"ana"}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
	if _, err := os.Stat(statePath); err != nil {
		t.Fatalf("expected persisted state file: %v", err)
	}
}
