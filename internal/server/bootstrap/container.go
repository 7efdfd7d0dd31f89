// Package bootstrap assembles the server from configuration: cache backend,
// session manager, policy engine, tool registry, execution engine and the
// HTTP transport around them.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"atp/internal/cachestore"
	"atp/internal/config"
	"atp/internal/engine"
	"atp/internal/logging"
	"atp/internal/observability"
	"atp/internal/policy"
	"atp/internal/provenance"
	"atp/internal/server/app"
	"atp/internal/session"
	"atp/internal/toolregistry"
	"atp/internal/tools/builtin"
)

// Container holds every long-lived component of a running server.
type Container struct {
	Config      *config.Config
	Store       cachestore.Store
	Sessions    *session.Manager
	Registry    *toolregistry.Registry
	Policies    *policy.Engine
	Tracker     *provenance.Tracker
	Engine      *engine.Engine
	Coordinator *app.Coordinator
	Metrics     *observability.Metrics
	Tracing     *observability.Tracing

	logger logging.Logger
}

// BuildContainer wires all components. Every failure here is fatal; a server
// that cannot build its container must not come up.
func BuildContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	logger := logging.NewComponentLogger("Bootstrap")

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("cache store: %w", err)
	}

	sessions, err := session.NewManager([]byte(cfg.Session.JWTSecret), session.Config{
		TokenTTL: time.Duration(cfg.Session.TokenTTLMs) * time.Millisecond,
	}, store)
	if err != nil {
		return nil, fmt.Errorf("session manager: %w", err)
	}

	var tracker *provenance.Tracker
	if cfg.Execution.ProvenanceMode != "none" {
		tracker, err = provenance.NewTracker([]byte(cfg.Provenance.Secret), provenance.Config{
			TokenTTL:  time.Duration(cfg.Provenance.TokenTTLMs) * time.Millisecond,
			MaxTokens: cfg.Provenance.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("provenance tracker: %w", err)
		}
	}

	policies, err := buildPolicies(cfg)
	if err != nil {
		return nil, fmt.Errorf("security policies: %w", err)
	}

	registry := toolregistry.New()
	if err := builtin.RegisterAll(registry, builtin.Config{
		FetchTimeout:      time.Duration(cfg.Tools.FetchTimeoutMs) * time.Millisecond,
		MaxContentBytes:   cfg.Tools.MaxContentBytes,
		AllowPrivateHosts: cfg.Tools.AllowPrivateHosts,
	}); err != nil {
		return nil, fmt.Errorf("builtin tools: %w", err)
	}
	registry.Seal()

	search, err := toolregistry.NewSearchIndex(ctx, registry, nil)
	if err != nil {
		return nil, fmt.Errorf("tool search index: %w", err)
	}

	eng := engine.New(store, registry, policies, tracker, nil, engine.Config{
		DefaultTimeout:      time.Duration(cfg.Execution.TimeoutMs) * time.Millisecond,
		MaxTimeout:          time.Duration(cfg.Execution.MaxTimeoutMs) * time.Millisecond,
		DefaultMemoryBytes:  cfg.Execution.MemoryBytes,
		DefaultLLMCalls:     cfg.Execution.LLMCalls,
		ProvenanceMode:      cfg.Execution.ProvenanceMode,
		MaxProvenanceTokens: cfg.Provenance.MaxTokens,
	})

	var metrics *observability.Metrics
	if cfg.Observability.Metrics {
		metrics = observability.NewMetrics()
	}

	tracing, err := observability.SetupTracing(ctx, cfg.Observability.OTLPEndpoint)
	if err != nil {
		logger.Warn("tracing disabled: %v", err)
	}

	coordinator := app.NewCoordinator(sessions, eng, registry, search, app.NewEventBroadcaster(), metrics)

	return &Container{
		Config:      cfg,
		Store:       store,
		Sessions:    sessions,
		Registry:    registry,
		Policies:    policies,
		Tracker:     tracker,
		Engine:      eng,
		Coordinator: coordinator,
		Metrics:     metrics,
		Tracing:     tracing,
		logger:      logger,
	}, nil
}

// Shutdown releases held resources.
func (c *Container) Shutdown(ctx context.Context) error {
	if c.Tracing != nil {
		if err := c.Tracing.Shutdown(ctx); err != nil {
			c.logger.Warn("tracing shutdown: %v", err)
		}
	}
	return c.Store.Close()
}

func buildStore(ctx context.Context, cfg *config.Config) (cachestore.Store, error) {
	switch cfg.Providers.Cache {
	case "memory":
		return cachestore.NewMemoryStore(0), nil
	case "file":
		return cachestore.NewFileStore(cfg.Providers.File.Dir)
	case "redis":
		return cachestore.NewRedisStore(ctx, cachestore.RedisConfig{
			Addr:     cfg.Providers.Redis.Addr,
			Password: cfg.Providers.Redis.Password,
			DB:       cfg.Providers.Redis.DB,
		})
	default:
		return nil, fmt.Errorf("unknown cache provider %q", cfg.Providers.Cache)
	}
}

func buildPolicies(cfg *config.Config) (*policy.Engine, error) {
	var list []policy.Policy
	if cfg.PoliciesFile != "" {
		loaded, err := config.LoadPolicies(cfg.PoliciesFile)
		if err != nil {
			return nil, err
		}
		list = loaded
	} else {
		list = config.DefaultPolicies()
	}
	eng := policy.NewEngine(list...)
	eng.Seal()
	return eng, nil
}
