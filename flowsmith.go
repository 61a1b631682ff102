// Package flowsmith assembles the session, checkpoint, and rollback
// subsystem into a single runtime: one call builds the crypto provider,
// audit sinks, node catalog, session store, and operation engine from a
// configuration, and optionally runs the expiry sweeper and the
// metrics/probe server alongside them.
package flowsmith

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/flowsmith-dev/flowsmith/pkg/audit"
	"github.com/flowsmith-dev/flowsmith/pkg/builder"
	"github.com/flowsmith-dev/flowsmith/pkg/catalog"
	"github.com/flowsmith-dev/flowsmith/pkg/config"
	"github.com/flowsmith-dev/flowsmith/pkg/crypto"
	"github.com/flowsmith-dev/flowsmith/pkg/observability"
	"github.com/flowsmith-dev/flowsmith/pkg/session"
)

// Options carries the collaborators and overrides a Runtime needs beyond
// its file configuration.
type Options struct {
	// Persister is the external workflow-persistence collaborator. Required.
	Persister builder.Persister
	// Executor is the external workflow-execution collaborator. Optional.
	Executor builder.Executor
	// Catalog overrides the catalog loaded from cfg.CatalogPath.
	Catalog catalog.Catalog
	// Provider overrides the default AES-GCM crypto provider.
	Provider crypto.Provider
	// Logger receives structured operational logs. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Runtime is a fully wired subsystem instance.
type Runtime struct {
	cfg     *config.Config
	engine  *builder.Engine
	store   *session.Store
	auditor audit.Logger
	sweeper *session.Sweeper
	obs     *observability.Server
	logger  *slog.Logger
}

// New wires a runtime from configuration. Background components (sweeper,
// observability server) are constructed but not started; call Start.
func New(cfg *config.Config, opts Options) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Persister == nil {
		return nil, errors.New("persistence collaborator is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	provider := opts.Provider
	if provider == nil {
		provider = crypto.NewAEADProvider()
	}

	cat := opts.Catalog
	if cat == nil {
		if cfg.CatalogPath == "" {
			return nil, errors.New("node catalog is required (set catalog_path or Options.Catalog)")
		}
		loaded, err := catalog.Load(cfg.CatalogPath)
		if err != nil {
			return nil, fmt.Errorf("load node catalog: %w", err)
		}
		cat = loaded
	}

	auditor, err := buildAuditor(cfg, logger)
	if err != nil {
		return nil, err
	}

	store, err := session.NewStore(session.Config{
		Provider:            provider,
		Audit:               auditor,
		Logger:              logger,
		TTL:                 cfg.SessionTTL(),
		OperationsPerMinute: cfg.Session.OperationsPerMinute,
	})
	if err != nil {
		return nil, fmt.Errorf("build session store: %w", err)
	}

	engine, err := builder.NewEngine(builder.EngineConfig{
		Store:          store,
		Catalog:        cat,
		Provider:       provider,
		Persister:      opts.Persister,
		Executor:       opts.Executor,
		Audit:          auditor,
		Logger:         logger,
		ExecuteTimeout: cfg.ExecutionTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}

	rt := &Runtime{
		cfg:     cfg,
		engine:  engine,
		store:   store,
		auditor: auditor,
		logger:  logger,
	}

	if cfg.Session.SweepSchedule != "" {
		sweeper, err := session.NewSweeper(store, cfg.Session.SweepSchedule)
		if err != nil {
			return nil, err
		}
		rt.sweeper = sweeper
	}

	if cfg.Observability.Enabled {
		observability.InitMetrics()
		rt.obs = observability.NewServer(cfg.Observability.Port, func(context.Context) error {
			return nil
		})
	}

	return rt, nil
}

func buildAuditor(cfg *config.Config, logger *slog.Logger) (audit.Logger, error) {
	sinks := []audit.Logger{audit.NewSlogLogger(logger)}

	if rc := cfg.Audit.Redis; rc != nil {
		redisLogger, err := audit.NewRedisLogger(audit.RedisConfig{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
			Prefix:   rc.Prefix,
			TTL:      cfg.RedisAuditTTL(),
		})
		if err != nil {
			return nil, fmt.Errorf("connect redis audit sink: %w", err)
		}
		sinks = append(sinks, redisLogger)
	}

	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return audit.NewMultiLogger(sinks...), nil
}

// Engine returns the operation engine.
func (rt *Runtime) Engine() *builder.Engine {
	return rt.engine
}

// Store returns the session store.
func (rt *Runtime) Store() *session.Store {
	return rt.store
}

// Start launches the background components that the configuration enables.
func (rt *Runtime) Start() error {
	if rt.sweeper != nil {
		rt.sweeper.Start()
		rt.logger.Info("session sweeper started", "schedule", rt.cfg.Session.SweepSchedule)
	}
	if rt.obs != nil {
		go func() {
			if err := rt.obs.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rt.logger.Error("observability server failed", "error", err)
			}
		}()
		rt.logger.Info("observability server started", "port", rt.cfg.Observability.Port)
	}
	return nil
}

// Shutdown stops background components and closes the audit sinks.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	var firstErr error

	if rt.sweeper != nil {
		rt.sweeper.Stop()
	}
	if rt.obs != nil {
		if err := rt.obs.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := rt.auditor.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
