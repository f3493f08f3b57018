// Package dispatch wires the event-sourced session core into a runnable
// daemon: store selection, event service, adapter registry, orchestrator,
// websocket transport, and the observability server.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fwdslsh/dispatch/internal/config"
	"github.com/fwdslsh/dispatch/internal/transport"
	"github.com/fwdslsh/dispatch/pkg/adapter"
	"github.com/fwdslsh/dispatch/pkg/eventlog"
	"github.com/fwdslsh/dispatch/pkg/observability"
	"github.com/fwdslsh/dispatch/pkg/session"
)

// Version is set via ldflags at build time.
var Version = "dev"

// App is the assembled daemon.
type App struct {
	cfg       config.Config
	logger    *slog.Logger
	store     eventlog.Store
	events    *eventlog.Service
	registry  *adapter.Registry
	orch      *session.Orchestrator
	mediator  *transport.Server
	obsServer *observability.Server
	wsServer  *http.Server
}

// New builds an App from configuration. The registry is supplied by the
// caller so backend modules stay external to the core.
func New(cfg config.Config, registry *adapter.Registry, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, ping, err := buildStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	observability.InitMetrics()
	checker := observability.NewHealthChecker(Version)
	checker.RegisterCheck(observability.PingCheck())
	if ping != nil {
		checker.RegisterCheck(observability.StoreCheck("event-store", ping))
	}

	events := eventlog.NewService(store, eventlog.ServiceConfig{
		QueueSize:        cfg.Session.QueueSize,
		SubscriberBuffer: cfg.Session.SubscriberBuffer,
		Logger:           logger,
	})

	repo := session.NewMemoryRepository()
	orch := session.NewOrchestrator(registry, events, repo, session.OrchestratorConfig{
		CloseGrace: cfg.Session.CloseGrace,
		Logger:     logger,
	})

	mediator := transport.NewServer(orch, transport.ServerConfig{
		Logger: logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", mediator.Handler())

	return &App{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		events:    events,
		registry:  registry,
		orch:      orch,
		mediator:  mediator,
		obsServer: observability.NewServer(cfg.Server.MetricsPort, checker),
		wsServer: &http.Server{
			Addr:         cfg.Server.Listen,
			Handler:      mux,
			ReadTimeout:  0, // websocket connections are long-lived
			IdleTimeout:  120 * time.Second,
		},
	}, nil
}

// Orchestrator exposes the session orchestrator (tests, embedding).
func (a *App) Orchestrator() *session.Orchestrator {
	return a.orch
}

// Run serves until ctx is cancelled, then shuts everything down in
// dependency order: transport first, then sessions, then the event
// service and store.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("websocket server listening", "addr", a.cfg.Server.Listen)
		if err := a.wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("websocket server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.logger.Info("observability server listening", "port", a.cfg.Server.MetricsPort)
		if err := a.obsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("observability server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		_ = a.wsServer.Shutdown(shutdownCtx)
		a.mediator.Shutdown()
		if err := a.orch.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("session shutdown", "error", err)
		}
		a.events.Close()
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close", "error", err)
		}
		_ = a.obsServer.Shutdown(shutdownCtx)
		return nil
	})

	return g.Wait()
}

// buildStore constructs the configured event log backend and returns its
// health ping, when it has one.
func buildStore(cfg config.StoreConfig) (eventlog.Store, func(context.Context) error, error) {
	switch cfg.Backend {
	case "memory":
		return eventlog.NewMemoryStore(), nil, nil

	case "redis":
		store, err := eventlog.NewRedisStore(eventlog.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Prefix:    cfg.Redis.Prefix,
			StreamTTL: cfg.Redis.TTL,
			PoolSize:  cfg.Redis.PoolSize,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("redis store: %w", err)
		}
		return store, store.Ping, nil

	case "sqlite":
		store, err := eventlog.NewSQLiteStore(cfg.SQLite.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite store: %w", err)
		}
		return store, store.Ping, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
