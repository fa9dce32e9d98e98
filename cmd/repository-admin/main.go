// Command repository-admin hosts the transaction coordinator and the
// containment index, and serves health, metrics and inspection endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/cluso-repository/pkg/config"
	"github.com/dd0wney/cluso-repository/pkg/events"
	"github.com/dd0wney/cluso-repository/pkg/health"
	"github.com/dd0wney/cluso-repository/pkg/logging"
	"github.com/dd0wney/cluso-repository/pkg/metrics"
	"github.com/dd0wney/cluso-repository/pkg/pubsub"
	"github.com/dd0wney/cluso-repository/pkg/server"
	"github.com/dd0wney/cluso-repository/pkg/session"
	"github.com/dd0wney/cluso-repository/pkg/transaction"
	"github.com/dd0wney/cluso-repository/pkg/typecache"
)

const version = "1.0.0"

// backlogLimit is the number of open transactions above which the
// coordinator reports itself degraded.
const backlogLimit = 10000

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("repository-admin v%s\n", version)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "repository-admin: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.NewJSONLogger(os.Stdout, logging.ParseLevel(cfg.LogLevel))
	reg := metrics.NewRegistry()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := openBackends(ctx, cfg, logger, reg)
	if err != nil {
		return err
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Error("failed to close backends", logging.Error(err))
		}
	}()

	broker := pubsub.NewBroker[events.Event](0)
	defer broker.Shutdown()

	retryPolicy := transaction.RetryPolicy{
		MaxRetries: cfg.Transactions.CommitRetry.MaxRetries,
		BaseDelay:  cfg.Transactions.CommitRetry.BaseDelay,
	}
	mgr, err := transaction.NewManager(transaction.Services{
		Containment: stores.index,
		Sessions:    session.NewMemoryManager(logger),
		Locks:       stores.locks,
		Events:      events.NewAccumulator(broker, logger),
		Types:       typecache.New(),
	}, transaction.Options{
		SessionTimeout:  cfg.Transactions.SessionTimeout,
		CleanupInterval: cfg.Transactions.CleanupInterval,
		GracePeriod:     cfg.Transactions.GracePeriod,
		Retry:           &retryPolicy,
		Logger:          logger,
		Metrics:         reg,
	})
	if err != nil {
		return fmt.Errorf("failed to create transaction manager: %w", err)
	}

	checker := health.NewChecker(health.DefaultTimeout)
	for name, check := range stores.checks {
		checker.RegisterReadiness(name, check)
	}
	checker.Register("transactions", health.TransactionBacklogCheck(mgr.OpenCount, backlogLimit))
	checker.Register("event_delivery", health.EventDeliveryCheck(broker.Dropped))
	checker.Register("memory", health.MemoryCheck())

	api := &adminAPI{mgr: mgr, index: stores.index, checker: checker, metrics: reg, logger: logger}
	srv := server.NewGracefulServer(cfg.Admin.Listen, api.routes(), logger)
	srv.SetConfigReloadFunc(func() error {
		next, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger.SetLevel(logging.ParseLevel(next.LogLevel))
		stores.index.SetContainsLimit(next.Containment.ContainsLimit)
		return nil
	})

	logger.Info("repository-admin starting",
		logging.String("version", version),
		logging.String("containment_backend", cfg.Containment.Backend),
		logging.String("lock_backend", cfg.Locks.Backend))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error {
		srv.WatchReload(ctx)
		return nil
	})
	g.Go(func() error { return logEvents(ctx, broker, logger) })

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("repository-admin stopped")
	return nil
}

// logEvents writes every emitted resource event to the debug log.
func logEvents(ctx context.Context, broker *pubsub.Broker[events.Event], logger logging.Logger) error {
	sub, err := broker.Subscribe(ctx, events.Topic)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Channel():
			if !ok {
				return nil
			}
			types := make([]string, len(ev.Types))
			for i, t := range ev.Types {
				types[i] = string(t)
			}
			logger.Debug("resource event",
				logging.String("event_id", ev.ID),
				logging.TxID(ev.TxID),
				logging.ResourceID(ev.ResourceID.FullID()),
				logging.Any("types", types))
		}
	}
}
