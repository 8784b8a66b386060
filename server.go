package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/jdziat/priority-jobs/pkg/config"
	"github.com/jdziat/priority-jobs/pkg/dispatcher"
	"github.com/jdziat/priority-jobs/pkg/handler"
	"github.com/jdziat/priority-jobs/pkg/notify"
	"github.com/jdziat/priority-jobs/pkg/observability"
	"github.com/jdziat/priority-jobs/pkg/storage"
	"github.com/jdziat/priority-jobs/pkg/worker"
)

// Server hosts a dispatcher and worker pool built from a config.Config,
// plus the Redis event relay and the metrics collector when enabled.
type Server struct {
	Config     *config.Config
	Storage    *storage.GormStorage
	Dispatcher *dispatcher.Dispatcher
	Registry   *handler.Registry
	Pool       *worker.Pool

	logger    *slog.Logger
	redis     *redis.Client
	relay     *notify.Relay
	collector *observability.Collector
}

// NewServer opens the store, registers the declared queues and wires the
// optional components. Handlers must be registered on registry before Run.
func NewServer(ctx context.Context, cfg *config.Config, registry *handler.Registry, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = handler.NewRegistry()
	}

	store, err := cfg.OpenStorage(ctx)
	if err != nil {
		return nil, err
	}
	store.SetLogger(logger)
	s := &Server{
		Config:   cfg,
		Storage:  store,
		Registry: registry,
		logger:   logger,
	}

	s.Dispatcher = dispatcher.New(store, cfg.DispatcherOptions(logger)...)
	if err := cfg.EnsureQueues(ctx, s.Dispatcher); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.Pool = worker.NewPool(s.Dispatcher, registry, cfg.WorkerOptions(logger)...)

	if cfg.Redis.URL != "" {
		client, err := notify.Dial(ctx, cfg.Redis.URL)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.redis = client
		s.relay = notify.NewRelay(client, notify.WithPrefix(cfg.Redis.ChannelPrefix), notify.WithLogger(logger))
	}

	if cfg.Metrics {
		collector, err := observability.NewCollector()
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("metrics: %w", err)
		}
		if err := collector.ObserveBroker(s.Dispatcher.Broker()); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("metrics: %w", err)
		}
		s.collector = collector
	}

	return s, nil
}

// Run runs the worker pool and the optional relay and collector until ctx is
// cancelled, then drains the pool within the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if s.relay != nil {
		sub := s.Dispatcher.Subscribe()
		defer sub.Close()
		g.Go(func() error { return s.relay.Run(gctx, sub) })
	}
	if s.collector != nil {
		sub := s.Dispatcher.Subscribe()
		defer sub.Close()
		g.Go(func() error { return s.collector.Run(gctx, sub) })
	}
	g.Go(func() error { return s.Pool.Run(gctx) })

	s.logger.Info("server started",
		"worker_id", s.Pool.WorkerID(),
		"relay", s.relay != nil,
		"metrics", s.collector != nil,
	)
	err := g.Wait()
	s.logger.Info("server stopped")
	return err
}

// Close releases the dispatcher, the Redis client and the database.
func (s *Server) Close() error {
	var errs []error
	if s.Dispatcher != nil {
		s.Dispatcher.Close()
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.Storage != nil {
		if sqlDB, err := s.Storage.DB().DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}
