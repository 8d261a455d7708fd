package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/kaleidoscope/ideasync/internal/ideasync"
)

// envWarnings collects malformed environment values seen while building
// flag defaults, before a logger exists.
var envWarnings []string

type cli struct {
	flags      clientConfig
	configPath string
	push       bool
	debug      bool

	cfg    clientConfig
	logger *zap.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:          "ideasync",
		Short:        "Live client for the brainstorming dashboard",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&c.flags.BaseURL, "base-url", envOrDefault("IDEASYNC_BASE_URL", "http://127.0.0.1:5000"), "collaboration server base URL")
	flags.StringVar(&c.flags.Username, "username", strings.TrimSpace(os.Getenv("IDEASYNC_USERNAME")), "identity used for presence and submissions")
	flags.StringVar(&c.configPath, "config", strings.TrimSpace(os.Getenv("IDEASYNC_CONFIG")), "optional YAML config file, reloaded on change by watch")
	flags.DurationVar(&c.flags.PollInterval, "poll-interval", durationEnv("IDEASYNC_POLL_INTERVAL", ideasync.DefaultPollInterval), "poll fallback interval")
	flags.Float64Var(&c.flags.PollJitter, "poll-jitter", floatEnv("IDEASYNC_POLL_JITTER", 0), "poll interval jitter ratio (0.0-1.0)")
	flags.BoolVar(&c.push, "push", boolEnv("IDEASYNC_PUSH", true), "use the websocket push channel")
	flags.DurationVar(&c.flags.BackoffBase, "backoff-base", durationEnv("IDEASYNC_BACKOFF_BASE", ideasync.DefaultBackoffBase), "first reconnect delay")
	flags.DurationVar(&c.flags.BackoffMax, "backoff-max", durationEnv("IDEASYNC_BACKOFF_MAX", ideasync.DefaultBackoffMax), "reconnect delay cap")
	flags.DurationVar(&c.flags.Timeout, "timeout", durationEnv("IDEASYNC_TIMEOUT", 15*time.Second), "per-request timeout")
	flags.BoolVar(&c.debug, "debug", boolEnv("IDEASYNC_DEBUG", false), "debug logging")

	root.AddCommand(c.watchCmd(), c.submitCmd(), c.snapshotCmd(), c.healthCmd())
	return root
}

func (c *cli) setup(cmd *cobra.Command) error {
	config := zap.NewProductionConfig()
	if c.debug {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := config.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	c.logger = logger
	for _, warning := range envWarnings {
		logger.Warn(warning)
	}

	file, err := loadConfigFile(c.configPath)
	if err != nil {
		return err
	}
	flagValues := c.flags
	push := c.push
	flagValues.Push = &push
	c.cfg = mergeConfig(flagValues, file, func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	})
	c.cfg.PollJitter = clampJitterRatio(c.cfg.PollJitter)
	if c.cfg.Timeout <= 0 {
		c.cfg.Timeout = 15 * time.Second
	}
	return nil
}

func (c *cli) newEngine(push bool, metrics *ideasync.Metrics) (*ideasync.Engine, error) {
	opts := ideasync.Options{
		Identity:     ideasync.Identity{Username: c.cfg.Username},
		Remote:       ideasync.NewHTTPClient(c.cfg.BaseURL, &http.Client{Timeout: c.cfg.Timeout}),
		PollInterval: c.cfg.PollInterval,
		PollJitter:   c.cfg.PollJitter,
		Backoff:      ideasync.BackoffPolicy{Base: c.cfg.BackoffBase, Max: c.cfg.BackoffMax},
		Logger:       c.logger.Named("engine"),
		Metrics:      metrics,
	}
	if push {
		pushURL, err := ideasync.PushURL(c.cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("push url: %w", err)
		}
		opts.Dialer = ideasync.WebSocketDialer{URL: pushURL}
	}
	return ideasync.New(opts)
}

func (c *cli) requireUsername() error {
	if strings.TrimSpace(c.cfg.Username) == "" {
		return errors.New("username is required (--username, IDEASYNC_USERNAME or the config file)")
	}
	return nil
}

func (c *cli) watchCmd() *cobra.Command {
	var jsonOutput bool
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the live idea feed until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			push := c.cfg.pushEnabled()
			if push {
				if err := c.requireUsername(); err != nil {
					return err
				}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			registry := prometheus.NewRegistry()
			engine, err := c.newEngine(push, ideasync.NewMetrics(registry))
			if err != nil {
				return err
			}
			printer := newViewPrinter(cmd.OutOrStdout(), jsonOutput)
			unsubscribe := engine.OnChange(printer.Print)
			defer unsubscribe()
			engine.Start()

			group, gctx := errgroup.WithContext(ctx)
			group.Go(func() error {
				<-gctx.Done()
				engine.Stop()
				engine.Wait()
				return nil
			})
			if c.configPath != "" {
				group.Go(func() error {
					return watchConfig(gctx, c.configPath, c.logger, func(next clientConfig) {
						if next.PollInterval > 0 {
							engine.SetPollInterval(next.PollInterval)
							c.logger.Info("poll interval updated", zap.Duration("interval", next.PollInterval))
						}
					})
				})
			}
			if metricsAddr != "" {
				group.Go(func() error {
					return serveMetrics(gctx, metricsAddr, registry, c.logger)
				})
			}
			return group.Wait()
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print every view as a JSON line")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", strings.TrimSpace(os.Getenv("IDEASYNC_METRICS_ADDR")), "serve client metrics on this address")
	return cmd
}

func (c *cli) submitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit TEXT...",
		Short: "Submit one idea",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireUsername(); err != nil {
				return err
			}
			engine, err := c.newEngine(false, nil)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), c.cfg.Timeout)
			defer cancel()
			result, err := engine.Submit(ctx, strings.Join(args, " "), c.cfg.Username)
			var rejected *ideasync.SubmissionRejectedError
			if errors.As(err, &rejected) {
				return fmt.Errorf("idea %q was rejected: %s", rejected.Text, rejected.Reason)
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if result.Pending {
				fmt.Fprintf(out, "pending %s (server unreachable, not confirmed)\n", result.ClientTempID)
				return nil
			}
			fmt.Fprintf(out, "confirmed %s\n", result.Idea.ID)
			return nil
		},
	}
}

func (c *cli) snapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Fetch the current state once and print it as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := c.newEngine(false, nil)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), c.cfg.Timeout)
			defer cancel()
			if err := engine.Refresh(ctx); err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(engine.View())
		},
	}
}

func (c *cli) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Query the server health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := ideasync.NewHTTPClient(c.cfg.BaseURL, &http.Client{Timeout: c.cfg.Timeout})
			ctx, cancel := context.WithTimeout(cmd.Context(), c.cfg.Timeout)
			defer cancel()
			health, err := client.Health(ctx)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(health)
		},
	}
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving client metrics", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
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

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		envWarnings = append(envWarnings, fmt.Sprintf("invalid %s=%q, using fallback %f", name, raw, fallback))
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

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
