package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"concierge/internal/breaker"
	"concierge/internal/config"
	"concierge/internal/db"
	"concierge/internal/engine"
	"concierge/internal/lock"
	"concierge/internal/migrate"
	"concierge/internal/notify"
	"concierge/internal/policy"
	"concierge/internal/repo"
	"concierge/internal/tools"
)

// Context is the assembled process: store, breakers, gateway, locks, policy
// and engine, all built from one Config.
type Context struct {
	Workspace string
	Config    *config.Config
	Logger    *slog.Logger
	DB        *sql.DB
	Repo      repo.Repo
	Breakers  *breaker.Registry
	Gateway   *tools.Gateway
	Locks     lock.Locker
	Policy    policy.Policy
	Engine    engine.Engine
	// Notifier is nil when no webhook is configured.
	Notifier  *notify.Dispatcher

	closers []func() error
}

// Build opens and migrates the store and wires the engine. Callers must
// Close the returned Context.
func Build(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (*Context, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Context{Workspace: workspace, Config: cfg, Logger: logger}

	conn, err := db.Open(db.Config{Path: cfg.Store.Path, Workspace: workspace})
	if err != nil {
		return nil, err
	}
	a.DB = conn
	a.closers = append(a.closers, conn.Close)
	if err := migrate.Migrate(ctx, conn); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.Repo = repo.New(conn)

	a.Breakers = breaker.NewRegistry(
		breaker.WithThreshold(cfg.Breaker.FailureThreshold),
		breaker.WithCooldown(cfg.Breaker.Cooldown),
	)
	a.Gateway = tools.NewGateway(tools.GatewayOptions{
		Tools:    tools.Simulated(cfg.Tools.Latency),
		Breakers: a.Breakers,
		Timeout:  cfg.Tools.Timeout,
		Auditor:  a.Repo,
		Logger:   logger.With("component", "gateway"),
	})

	if a.Locks, err = a.buildLocker(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.Policy = buildPolicy(cfg, logger)
	a.Engine = engine.New(a.Repo, a.Policy, a.Gateway, a.Locks, cfg, logger.With("component", "engine"))
	a.Notifier = notify.NewDispatcher(a.Repo, cfg.Webhooks, notify.Options{Logger: logger.With("component", "webhooks")})
	return a, nil
}

func (a *Context) buildLocker(ctx context.Context) (lock.Locker, error) {
	if a.Config.Lock.RedisURL == "" {
		return lock.NewLocal(), nil
	}
	r, err := lock.DialRedis(ctx, a.Config.Lock.RedisURL, lock.RedisOptions{
		TTL:    a.Config.Lock.TTL,
		Retry:  a.Config.Lock.Retry,
		Logger: a.Logger.With("component", "lock"),
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, r.Close)
	a.Logger.Info("using redis turn lock", "ttl", a.Config.Lock.TTL)
	return r, nil
}

// buildPolicy prefers the model-backed planner when an API key is present in
// the configured environment variable and falls back to the rule table.
func buildPolicy(cfg *config.Config, logger *slog.Logger) policy.Policy {
	rules := policy.NewRuleBased(cfg.Turn.LowConfidenceThreshold)
	if cfg.Planner.BaseURL == "" || cfg.Planner.APIKeyEnv == "" {
		return rules
	}
	key := os.Getenv(cfg.Planner.APIKeyEnv)
	if key == "" {
		logger.Warn("planner configured but API key is empty; using rule table", "env", cfg.Planner.APIKeyEnv)
		return rules
	}
	model := policy.NewModel(policy.ModelConfig{
		BaseURL: cfg.Planner.BaseURL,
		Model:   cfg.Planner.Model,
		APIKey:  key,
		AppName: cfg.Planner.AppName,
		Timeout: cfg.Planner.Timeout,
		Logger:  logger.With("component", "planner"),
	})
	return policy.WithFallback(model, rules, logger.With("component", "policy"))
}

// Close releases resources in reverse order of acquisition.
func (a *Context) Close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}
