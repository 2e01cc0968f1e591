// Package app wires storage, the configuration registry, notifications and
// the domain services from one Config.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"driftline/internal/access"
	"driftline/internal/approval"
	"driftline/internal/catalog"
	"driftline/internal/config"
	"driftline/internal/db"
	"driftline/internal/drift"
	"driftline/internal/events"
	"driftline/internal/instance"
	"driftline/internal/kv"
	"driftline/internal/migrate"
	"driftline/internal/notify"
	"driftline/internal/occ"
	"driftline/internal/registry"
	"driftline/internal/repo"
	"driftline/internal/sweeper"
)

// Options replace externally backed dependencies, mostly for tests.
type Options struct {
	Registry registry.Client
	Notifier notify.Notifier
	Now      func() time.Time
}

type App struct {
	Config *config.Config
	Logger *zap.Logger
	DB     *sql.DB
	Repo   repo.Repo

	Access    access.Filter
	Catalog   catalog.Catalog
	Detector  drift.Detector
	Instances instance.Registry
	Approvals approval.Engine
	KV        kv.KV
	Sweeper   *sweeper.Sweeper

	closers []func() error
}

// New opens and migrates the workspace database and builds every service.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}
	conn, err := db.Open(db.Config{Workspace: cfg.Storage.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.DB = conn
	a.closers = append(a.closers, conn.Close)
	if n, err := migrate.Migrate(ctx, conn); err != nil {
		return nil, multierr.Append(fmt.Errorf("migrate: %w", err), a.Close())
	} else if n > 0 {
		logger.Info("applied migrations", zap.Int("count", n))
	}

	client := opts.Registry
	if client == nil {
		if client, err = a.registryClient(ctx); err != nil {
			return nil, multierr.Append(err, a.Close())
		}
	}
	notifier := opts.Notifier
	if notifier == nil {
		if notifier, err = a.notifier(); err != nil {
			return nil, multierr.Append(err, a.Close())
		}
	}

	policy := occ.DefaultPolicy()
	if cfg.Approvals.MaxRetries > 0 {
		policy.Attempts = cfg.Approvals.MaxRetries
	}
	a.Repo = repo.Repo{DB: conn, Events: events.Writer{Now: opts.Now}}
	a.Access = access.Filter{Store: a.Repo, Now: opts.Now}
	a.Catalog = catalog.Catalog{
		Store: a.Repo, Access: a.Access, GovernanceEnabled: cfg.Approvals.GovernanceEnabled,
		Retry: policy, Now: opts.Now, Logger: logger.Named("catalog"),
	}
	a.Detector = drift.Detector{
		Registry: client, Store: a.Repo, Access: a.Access,
		DefaultSeverity: cfg.Drift.DefaultSeverity, Retention: cfg.Drift.Retention, FetchTimeout: cfg.Registry.Timeout,
		Retry: policy, Now: opts.Now, Logger: logger.Named("drift"),
	}
	a.Instances = instance.Registry{
		Store: a.Repo, Detector: a.Detector, Access: a.Access, Notifier: notifier,
		TTL: cfg.Instances.TTL, Retry: policy, Now: opts.Now, Logger: logger.Named("instances"),
	}
	a.Approvals = approval.Engine{
		Store: a.Repo, Access: a.Access, Notifier: notifier, DefaultGates: cfg.Gates(),
		Retry: policy, Now: opts.Now, Logger: logger.Named("approvals"),
	}
	a.KV = kv.KV{Store: a.Repo, Access: a.Access, Retry: policy, Logger: logger.Named("kv")}

	interval := cfg.Sweeper.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	a.Sweeper, err = sweeper.New(logger.Named("sweeper"), 10*time.Second,
		sweeper.Job{Name: "instances.expire", Interval: interval, Run: a.Instances.Sweep},
		sweeper.Job{Name: "drift.purge", Interval: interval, Run: a.Detector.Purge},
		sweeper.Job{Name: "shares.expire", Interval: interval, Run: func(ctx context.Context) (int64, error) {
			return a.Repo.PurgeExpiredShares(ctx, a.Repo.Events.Clock())
		}},
	)
	if err != nil {
		return nil, multierr.Append(err, a.Close())
	}
	return a, nil
}

func (a *App) registryClient(ctx context.Context) (registry.Client, error) {
	rc := a.Config.Registry
	var client registry.Client
	switch rc.Kind {
	case config.RegistryHTTP:
		client = registry.HTTP{BaseURL: rc.URL, Timeout: rc.Timeout}
	case config.RegistryConsul:
		c, err := registry.NewConsul(registry.ConsulConfig{
			Address: rc.Consul.Address, Datacenter: rc.Consul.Datacenter, Token: rc.Consul.Token, Prefix: rc.Consul.Prefix,
		})
		if err != nil {
			return nil, err
		}
		client = c
	default:
		client = registry.Static{Configs: rc.Static}
	}
	if a.Config.Cache.RedisURL == "" {
		return client, nil
	}
	rdb, err := registry.NewRedisClient(ctx, a.Config.Cache.RedisURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, rdb.Close)
	a.Logger.Info("caching expected configuration in redis", zap.String("registry", rc.Kind), zap.Duration("ttl", a.Config.Cache.TTL))
	return registry.NewCached(client, rdb, a.Config.Cache.TTL, a.Logger.Named("registry")), nil
}

func (a *App) notifier() (notify.Notifier, error) {
	if a.Config.Notify.NATSURL == "" {
		return notify.Nop{}, nil
	}
	n, err := notify.NewNATS(notify.NATSConfig{URL: a.Config.Notify.NATSURL, SubjectPrefix: a.Config.Notify.SubjectPrefix}, a.Logger.Named("notify"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, n.Close)
	return n, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var err error
	if a.Sweeper != nil {
		a.Sweeper.Stop(context.Background())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}
