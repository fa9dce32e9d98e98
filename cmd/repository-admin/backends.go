package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/dd0wney/cluso-repository/pkg/config"
	"github.com/dd0wney/cluso-repository/pkg/containment"
	"github.com/dd0wney/cluso-repository/pkg/health"
	"github.com/dd0wney/cluso-repository/pkg/kernel"
	"github.com/dd0wney/cluso-repository/pkg/lock"
	"github.com/dd0wney/cluso-repository/pkg/logging"
	"github.com/dd0wney/cluso-repository/pkg/metrics"
	"github.com/dd0wney/cluso-repository/pkg/wal"
)

// backends holds the stores selected by configuration and what is needed
// to probe and close them.
type backends struct {
	index   containment.Index
	locks   kernel.LockManager
	checks  map[string]health.CheckFunc
	closers []func() error
}

func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openBackends(ctx context.Context, cfg *config.Config, logger logging.Logger, reg *metrics.Registry) (b *backends, err error) {
	b = &backends{checks: make(map[string]health.CheckFunc)}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	if err := b.openIndex(ctx, cfg.Containment, logger, reg); err != nil {
		return nil, err
	}
	if err := b.openLocks(ctx, cfg.Locks, logger, reg); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *backends) openIndex(ctx context.Context, cfg config.ContainmentConfig, logger logging.Logger, reg *metrics.Registry) error {
	switch cfg.Backend {
	case config.BackendPostgres:
		store, err := containment.NewPGStore(ctx, containment.PGOptions{
			URL:           cfg.Postgres.URL,
			MaxConns:      cfg.Postgres.MaxConns,
			ContainsLimit: cfg.ContainsLimit,
			Logger:        logger,
			Metrics:       reg,
		})
		if err != nil {
			return fmt.Errorf("failed to open containment store: %w", err)
		}
		b.index = store
		b.closers = append(b.closers, store.Close)
		b.checks["postgres"] = health.PingCheck(store.Ping)
		logger.Info("containment index backed by postgres")

	default:
		opts := containment.Options{ContainsLimit: cfg.ContainsLimit, Logger: logger, Metrics: reg}
		if cfg.WAL.Dir != "" {
			journal, err := wal.Open(cfg.WAL.Dir, wal.Options{Compressed: cfg.WAL.Compressed, Logger: logger})
			if err != nil {
				return fmt.Errorf("failed to open containment journal: %w", err)
			}
			b.closers = append(b.closers, journal.Close)
			opts.Journal = journal
		}
		index, err := containment.OpenMemoryIndex(opts)
		if err != nil {
			return fmt.Errorf("failed to replay containment journal: %w", err)
		}
		b.index = index
		logger.Info("containment index held in memory",
			logging.String("wal_dir", cfg.WAL.Dir),
			logging.Bool("compressed", cfg.WAL.Compressed))
	}
	return nil
}

func (b *backends) openLocks(ctx context.Context, cfg config.LocksConfig, logger logging.Logger, reg *metrics.Registry) error {
	if cfg.Backend != config.BackendRedis {
		b.locks = lock.NewMemoryManager(logger, reg)
		return nil
	}
	locks, err := lock.NewRedisManager(ctx, lock.RedisOptions{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TTL:      cfg.Redis.TTL,
	}, logger, reg)
	if err != nil {
		return err
	}
	b.locks = locks
	b.closers = append(b.closers, locks.Close)
	b.checks["redis"] = health.PingCheck(locks.Ping)
	logger.Info("resource locks held in redis", logging.String("addr", cfg.Redis.Address))
	return nil
}
