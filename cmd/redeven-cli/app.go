package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/floegence/redeven-cli/internal/ai/backend"
	"github.com/floegence/redeven-cli/internal/config"
	"github.com/floegence/redeven-cli/internal/settings"
)

// app is what every command needs: config, secrets and a configured registry.
type app struct {
	cfgPath  string
	cfg      *config.Config
	secrets  *settings.SecretsStore
	log      *slog.Logger
	registry *backend.Registry
}

type appOptions struct {
	ConfigPath string
	LogFormat  string
	LogLevel   string
	// Preferred overrides preferred_backend for this process only.
	Preferred string
}

func loadApp(ctx context.Context, opts appOptions) (*app, error) {
	cfgPath := filepath.Clean(opts.ConfigPath)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if p := strings.TrimSpace(opts.Preferred); p != "" {
		cfg.PreferredBackend = p
	}

	format := firstNonEmpty(opts.LogFormat, cfg.LogFormat, "text")
	level := firstNonEmpty(opts.LogLevel, cfg.LogLevel, "warn")
	log, err := newLogger(os.Stderr, format, level)
	if err != nil {
		return nil, err
	}

	secrets := settings.NewSecretsStore(config.DefaultSecretsPath(cfgPath))
	reg := backend.NewRegistry(backend.RegistryOptions{Log: log})
	if err := reg.Configure(ctx, cfg, &settings.Credentials{Store: secrets, Log: log}); err != nil {
		return nil, fmt.Errorf("configure backends: %w", err)
	}
	return &app{cfgPath: cfgPath, cfg: cfg, secrets: secrets, log: log, registry: reg}, nil
}

func (a *app) Close() {
	if err := a.registry.Close(context.Background()); err != nil {
		a.log.Warn("close backends failed", "error", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
