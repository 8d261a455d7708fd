package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const configReloadDebounce = 200 * time.Millisecond

// clientConfig is the resolved client configuration. The YAML file uses
// the same field names as the long flags, with underscores.
type clientConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Username     string        `yaml:"username"`
	PollInterval time.Duration `yaml:"poll_interval"`
	PollJitter   float64       `yaml:"poll_jitter"`
	Push         *bool         `yaml:"push"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffMax   time.Duration `yaml:"backoff_max"`
	Timeout      time.Duration `yaml:"timeout"`
}

func (c clientConfig) pushEnabled() bool {
	return c.Push == nil || *c.Push
}

func loadConfigFile(path string) (clientConfig, error) {
	var cfg clientConfig
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return clientConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.PollJitter < 0 || cfg.PollJitter > 1 {
		return clientConfig{}, fmt.Errorf("parse config %s: poll_jitter must be within [0,1]", path)
	}
	return cfg, nil
}

// mergeConfig overlays file values onto the flag values. A flag the user set
// explicitly beats the file; flag defaults, which already carry environment
// fallbacks, lose to it.
func mergeConfig(flags, file clientConfig, changed func(flag string) bool) clientConfig {
	out := flags
	if file.BaseURL != "" && !changed("base-url") {
		out.BaseURL = file.BaseURL
	}
	if file.Username != "" && !changed("username") {
		out.Username = file.Username
	}
	if file.PollInterval > 0 && !changed("poll-interval") {
		out.PollInterval = file.PollInterval
	}
	if file.PollJitter > 0 && !changed("poll-jitter") {
		out.PollJitter = file.PollJitter
	}
	if file.Push != nil && !changed("push") {
		push := *file.Push
		out.Push = &push
	}
	if file.BackoffBase > 0 && !changed("backoff-base") {
		out.BackoffBase = file.BackoffBase
	}
	if file.BackoffMax > 0 && !changed("backoff-max") {
		out.BackoffMax = file.BackoffMax
	}
	if file.Timeout > 0 && !changed("timeout") {
		out.Timeout = file.Timeout
	}
	return out
}

// watchConfig re-reads path whenever it changes and hands the parsed result
// to apply. The parent directory is watched so editors that save by rename
// are still seen. It returns when ctx is done.
func watchConfig(ctx context.Context, path string, logger *zap.Logger, apply func(clientConfig)) error {
	target, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(configReloadDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", zap.Error(err))
		case <-debounce:
			debounce = nil
			cfg, err := loadConfigFile(target)
			if err != nil {
				logger.Warn("config reload failed", zap.String("path", target), zap.Error(err))
				continue
			}
			logger.Info("config reloaded", zap.String("path", target))
			apply(cfg)
		}
	}
}
