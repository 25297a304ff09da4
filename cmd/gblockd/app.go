package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"

	"github.com/haukened/gblock/internal/gblock/common/clock"
	"github.com/haukened/gblock/internal/gblock/common/log"
	"github.com/haukened/gblock/internal/gblock/config"
	"github.com/haukened/gblock/internal/gblock/domain"
	"github.com/haukened/gblock/internal/gblock/gateways/httpapi"
	"github.com/haukened/gblock/internal/gblock/gateways/identity"
	"github.com/haukened/gblock/internal/gblock/repos/registry"
	"github.com/haukened/gblock/internal/gblock/repos/registry/bloom"
	"github.com/haukened/gblock/internal/gblock/repos/registry/bolt"
	"github.com/haukened/gblock/internal/gblock/repos/registry/sqlstore"
	"github.com/haukened/gblock/internal/gblock/services/lookup"
)

// Application holds all the components of the lookup service
type Application struct {
	config    *config.AppConfig
	snapshot  lookup.Snapshot
	registry  registry.Registry
	directory *identity.Directory
	lookup    *lookup.Lookup
	server    *httpapi.Server
	logger    log.Logger
}

// buildApplication constructs all components and wires them together
func buildApplication(cfg *config.AppConfig) (*Application, error) {
	logger := log.GetLogger().With(map[string]any{"partition": cfg.Partition})

	snapshot, err := lookup.SnapshotFromConfig(cfg.Lookup)
	if err != nil {
		return nil, err
	}

	reg, err := openRegistry(cfg.Registry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}

	dir, err := identity.Open(cfg.Identity, cfg.Partition, logger)
	if err != nil {
		_ = reg.Close()
		return nil, fmt.Errorf("failed to open account directory: %w", err)
	}

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engine := lookup.New(lookup.Options{
		Store:      reg,
		Identities: dir,
		Snapshot:   snapshot,
		Clock:      clock.System{},
		Logger:     logger,
		Registerer: metrics,
	})

	var gatherer prometheus.Gatherer
	if cfg.HTTP.Metrics {
		gatherer = metrics
	}
	handler := httpapi.NewHandler(httpapi.Options{
		Lookup:    engine,
		JWTSecret: cfg.HTTP.JWTSecret,
		CacheSize: cfg.Lookup.CacheSize,
		Gatherer:  gatherer,
		Logger:    logger,
	})

	logger.Info(map[string]any{
		"backend":         cfg.Registry.Backend,
		"trust_forwarded": snapshot.TrustForwarded,
		"allowed_ranges":  len(snapshot.AllowedRanges),
		"cache_size":      cfg.Lookup.CacheSize,
	}, "lookup_engine_configured")

	return &Application{
		config:    cfg,
		snapshot:  snapshot,
		registry:  reg,
		directory: dir,
		lookup:    engine,
		server:    httpapi.NewServer(cfg.HTTP.Addr, cfg.HTTP.MaxConns, handler, logger),
		logger:    logger,
	}, nil
}

// openRegistry selects the registry backend named by the configuration.
func openRegistry(cfg config.RegistryConfig, logger log.Logger) (registry.Registry, error) {
	switch cfg.Backend {
	case "bolt":
		opts := bolt.Options{Path: cfg.BoltPath, Logger: logger}
		if cfg.BloomFPRate > 0 {
			opts.Prefilter = bloom.NewFactory(cfg.BloomFPRate)
		}
		return bolt.New(opts)
	case "sql":
		s, err := sqlstore.Open(cfg, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unsupported registry backend %q", domain.ErrConfiguration, cfg.Backend)
	}
}

// Run serves the HTTP API and blocks until ctx is cancelled
func (app *Application) Run(ctx context.Context) error {
	app.logger.Info(map[string]any{
		"version": version,
		"env":     app.config.Env,
		"address": app.config.HTTP.Addr,
	}, "gblockd_starting")

	if err := app.server.Run(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	app.logger.Info(nil, "gblockd_stopped")
	return nil
}

// Close releases the registry and the account directory.
func (app *Application) Close() error {
	return multierr.Combine(app.registry.Close(), app.directory.Close())
}
