package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/studioloom/conductor/internal/api"
	"github.com/studioloom/conductor/internal/core/config"
	"github.com/studioloom/conductor/internal/core/domain"
	"github.com/studioloom/conductor/internal/core/worker"
	"github.com/studioloom/conductor/internal/infra/storage"
	"github.com/studioloom/conductor/internal/infra/storage/memory"
	"github.com/studioloom/conductor/internal/infra/storage/postgres"
	"github.com/studioloom/conductor/internal/infra/storage/redisstore"
	"github.com/studioloom/conductor/internal/orchestration/health"
	"github.com/studioloom/conductor/internal/orchestration/registry"
	"github.com/studioloom/conductor/internal/orchestration/retry"
	"github.com/studioloom/conductor/internal/orchestration/session"
	"github.com/studioloom/conductor/internal/orchestration/wizard"
)

// Conductor is the main application struct. It wires storage, the instance
// registry, session store, wizard engine and API server together and manages
// their lifecycle.
type Conductor struct {
	cfg      *config.AppConfig
	kv       storage.Store
	db       *postgres.Store
	registry *registry.Registry
	monitor  *registry.Monitor
	sessions *session.Store
	sweeper  *worker.Sweeper
	engine   *wizard.Engine
	server   *api.Server
	log      *slog.Logger
}

// New creates a Conductor with all dependencies initialized.
func New(ctx context.Context, cfg *config.AppConfig, log *slog.Logger) (*Conductor, error) {
	if log == nil {
		log = slog.Default()
	}

	// 1. Initialize storage
	var kv storage.Store
	var db *postgres.Store
	switch cfg.Storage.Backend {
	case "redis":
		rs, err := redisstore.NewStore(cfg.Storage.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		kv = rs
		log.Info("Using Redis storage")
	case "postgres":
		ps, err := postgres.NewStore(ctx, cfg.Storage.Postgres)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		kv, db = ps, ps
		log.Info("Using PostgreSQL storage")
	default:
		kv = memory.NewStore()
		log.Info("Using Memory storage")
	}

	// 2. Wizard catalog and session store
	types := wizard.NewTypeRegistry()
	if err := wizard.RegisterBuiltins(types); err != nil {
		return nil, fmt.Errorf("failed to register wizard types: %w", err)
	}
	sessions := session.NewStore(kv, cfg.Sessions, types, log)

	// 3. Instance registry with health probing and balancing
	checker := health.NewChecker(cfg.Registry.Health, log)
	reg := registry.New(kv, checker, registry.NewBalancer(cfg.Registry.Policy), log)

	if err := reg.Restore(ctx); err != nil {
		return nil, fmt.Errorf("failed to restore instances: %w", err)
	}
	if err := seedInstances(ctx, reg, cfg.Instances, log); err != nil {
		return nil, err
	}

	monitor := registry.NewMonitor(reg, checker, cfg.Registry.Health.Interval, log)

	// 4. Retry executor and wizard engine
	executor := retry.NewExecutor(cfg.Retry, log)
	engine := wizard.NewEngine(reg, sessions, executor, types, log)

	// 5. API server and session sweeper
	server := api.NewServer(reg, sessions, engine, cfg.Server.Port, log)
	sweeper := worker.NewSweeper(sessions, time.Duration(cfg.Sessions.ExpirationHours)*time.Hour, log)

	return &Conductor{
		cfg:      cfg,
		kv:       kv,
		db:       db,
		registry: reg,
		monitor:  monitor,
		sessions: sessions,
		sweeper:  sweeper,
		engine:   engine,
		server:   server,
		log:      log,
	}, nil
}

// seedInstances registers configured instances that are not already known.
// Restored instances win; a seed whose name is present is skipped, so
// restarting with the same config never duplicates instances.
func seedInstances(ctx context.Context, reg *registry.Registry, seeds []domain.InstanceConfig, log *slog.Logger) error {
	existing := make(map[string]bool)
	for _, inst := range reg.List() {
		existing[inst.Config.Name] = true
	}

	for _, seed := range seeds {
		if existing[seed.Name] {
			continue
		}
		inst, err := reg.Create(ctx, seed)
		if err != nil {
			return fmt.Errorf("failed to seed instance %q: %w", seed.Name, err)
		}
		log.Info("Seeded instance", "name", inst.Config.Name, "id", inst.ID)
	}
	return nil
}

// Start starts the conductor and all its components.
func (c *Conductor) Start(ctx context.Context) error {
	go func() {
		if err := c.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Error("API server failed", "error", err)
		}
	}()

	go c.monitor.Start(ctx)
	go c.sweeper.Start(ctx)

	if c.db != nil {
		c.db.StartMetricsCollector(ctx)
	}

	c.log.Info("Conductor started",
		"port", c.cfg.Server.Port,
		"storage", c.cfg.Storage.Backend,
		"policy", string(c.registry.Policy()),
		"instances", len(c.registry.List()),
	)
	return nil
}

// Stop stops the conductor. Background workers exit with the context passed
// to Start; Stop drains the API server and releases storage.
func (c *Conductor) Stop(ctx context.Context) error {
	c.log.Info("Stopping Conductor...")

	if err := c.server.Stop(ctx); err != nil {
		c.log.Warn("Failed to stop API server", "error", err)
	}
	return c.kv.Close()
}
