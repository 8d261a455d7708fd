package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/kaleidoscope/ideasync/internal/collab"
	"github.com/kaleidoscope/ideasync/internal/httpapi"
)

type serverConfig struct {
	Addr            string
	StateDSN        string
	BackendProfile  string
	DataDir         string
	RateLimitRPS    float64
	RateLimitBurst  int
	MaxBodyBytes    int64
	MaxTextLength   int
	SubscriberQueue int
	OriginPatterns  []string
	ShutdownTimeout time.Duration
	Debug           bool
}

// envWarnings collects malformed environment values seen while building
// flag defaults, before a logger exists.
var envWarnings []string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := serverConfig{}
	var origins string
	cmd := &cobra.Command{
		Use:          "ideasync-server",
		Short:        "Reference collaboration server for the brainstorming dashboard",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.OriginPatterns = splitList(origins)
			logger, err := buildLogger(cfg.Debug)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			for _, warning := range envWarnings {
				logger.Warn(warning)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ln, err := net.Listen("tcp", cfg.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.Addr, err)
			}
			return run(ctx, cfg, logger, ln)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&cfg.Addr, "addr", envOrDefault("IDEASYNC_ADDR", ":5000"), "listen address")
	flags.StringVar(&cfg.StateDSN, "state-dsn", strings.TrimSpace(os.Getenv("IDEASYNC_STATE_BACKEND_DSN")), "state backend DSN (memory://, file://, sqlite://, postgres://)")
	flags.StringVar(&cfg.BackendProfile, "backend-profile", strings.TrimSpace(os.Getenv("IDEASYNC_BACKEND_PROFILE")), "backend profile: memory, durable-local, sqlite, production")
	flags.StringVar(&cfg.DataDir, "data-dir", envOrDefault("IDEASYNC_DATA_DIR", ".ideasync"), "data directory for local profiles")
	flags.Float64Var(&cfg.RateLimitRPS, "rate-limit", floatEnv("IDEASYNC_RATE_LIMIT_RPS", 0), "requests per second per client (0 disables)")
	flags.IntVar(&cfg.RateLimitBurst, "rate-burst", intEnv("IDEASYNC_RATE_LIMIT_BURST", 10), "rate limit burst")
	flags.Int64Var(&cfg.MaxBodyBytes, "max-body-bytes", int64Env("IDEASYNC_MAX_BODY_BYTES", 0), "request body limit")
	flags.IntVar(&cfg.MaxTextLength, "max-text-length", intEnv("IDEASYNC_MAX_TEXT_LENGTH", 2000), "idea text limit in characters")
	flags.IntVar(&cfg.SubscriberQueue, "subscriber-queue", intEnv("IDEASYNC_SUBSCRIBER_QUEUE", 64), "per push client event queue")
	flags.StringVar(&origins, "origins", strings.TrimSpace(os.Getenv("IDEASYNC_ALLOWED_ORIGINS")), "comma separated browser origins allowed on /ws")
	flags.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", durationEnv("IDEASYNC_SHUTDOWN_TIMEOUT", 10*time.Second), "graceful shutdown bound")
	flags.BoolVar(&cfg.Debug, "debug", boolEnv("IDEASYNC_DEBUG", false), "debug logging")
	return cmd
}

func run(ctx context.Context, cfg serverConfig, logger *zap.Logger, ln net.Listener) error {
	dsn, err := resolveStateDSN(cfg)
	if err != nil {
		return err
	}
	backend, err := collab.BuildStateBackendFromDSN(dsn)
	if err != nil {
		return fmt.Errorf("state backend: %w", err)
	}
	store, err := collab.NewStoreWithOptions(collab.StoreOptions{
		StateBackend:     backend,
		Logger:           logger.Named("store"),
		SubscriberBuffer: cfg.SubscriberQueue,
		MaxTextLength:    cfg.MaxTextLength,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	profile := collab.BackendProfile(dsn)
	handler := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		Backend:            profile,
		RateLimitPerSecond: cfg.RateLimitRPS,
		RateLimitBurst:     cfg.RateLimitBurst,
		MaxBodyBytes:       cfg.MaxBodyBytes,
		MaxTextLength:      cfg.MaxTextLength,
		OriginPatterns:     cfg.OriginPatterns,
		Logger:             logger.Named("http"),
	})
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("ideasync server listening",
			zap.String("addr", ln.Addr().String()),
			zap.String("backend", profile),
			zap.Int("ideas", store.Count()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		logger.Info("ideasync server stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		// Push connections are hijacked, so Shutdown does not wait for them;
		// closing the store ends their event streams.
		if closeErr := store.Close(); err == nil {
			err = closeErr
		}
		return err
	})
	return group.Wait()
}

func resolveStateDSN(cfg serverConfig) (string, error) {
	if dsn := strings.TrimSpace(cfg.StateDSN); dsn != "" {
		return dsn, nil
	}
	return storageProfileDefaults(cfg.BackendProfile, cfg.DataDir)
}

func storageProfileDefaults(profile, dataDir string) (string, error) {
	profile = strings.ToLower(strings.TrimSpace(profile))
	if strings.TrimSpace(dataDir) == "" {
		dataDir = ".ideasync"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state.json"), nil
	case "sqlite":
		return "sqlite://" + filepath.Join(dataDir, "ideas.db"), nil
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("IDEASYNC_POSTGRES_DSN"))
		if dsn == "" {
			return "", fmt.Errorf("IDEASYNC_POSTGRES_DSN is required when the backend profile is %s", profile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported backend profile: %s", profile)
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if debug {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		envWarnings = append(envWarnings, fmt.Sprintf("invalid %s=%q, using fallback %d", name, raw, fallback))
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		envWarnings = append(envWarnings, fmt.Sprintf("invalid %s=%q, using fallback %d", name, raw, fallback))
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		envWarnings = append(envWarnings, fmt.Sprintf("invalid %s=%q, using fallback %g", name, raw, fallback))
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		envWarnings = append(envWarnings, fmt.Sprintf("invalid %s=%q, using fallback %s", name, raw, fallback))
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		envWarnings = append(envWarnings, fmt.Sprintf("invalid %s=%q, using fallback %t", name, raw, fallback))
		return fallback
	}
	return value
}
