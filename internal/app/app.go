// Package app assembles the orchestrator from configuration. Both binaries
// build through it so they run the same engine.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"adgen-orchestrator/internal/aggregator"
	"adgen-orchestrator/internal/backoff"
	"adgen-orchestrator/internal/cache"
	"adgen-orchestrator/internal/config"
	"adgen-orchestrator/internal/controller"
	"adgen-orchestrator/internal/cost"
	"adgen-orchestrator/internal/generation"
	"adgen-orchestrator/internal/logger"
	"adgen-orchestrator/internal/ratelimit"
	"adgen-orchestrator/internal/scheduler"
	"adgen-orchestrator/internal/selection"
	"adgen-orchestrator/internal/storage"
	"adgen-orchestrator/internal/store"
)

// App is a fully wired orchestrator.
type App struct {
	Config     config.Config
	Store      store.Store
	Redis      *redis.Client
	Cache      *cache.StatusCache
	Limiter    *ratelimit.ClipBudget
	Controller *controller.Controller
}

// Overrides replaces configured collaborators, mainly for dry runs.
type Overrides struct {
	Provider generation.Provider
	Selector selection.Selector
	Store    store.Store
}

// NewLogger builds the process logger from cfg and installs it as default.
func NewLogger(cfg config.Config, service string) *logger.Logger {
	l := logger.New(&logger.Config{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		ServiceName: service,
		Environment: cfg.Env,
		File:        cfg.LogFile,
		MaxSize:     cfg.LogMaxSize,
		MaxBackups:  cfg.LogMaxBackups,
		MaxAge:      cfg.LogMaxAge,
	})
	logger.SetDefaultLogger(l)
	return l
}

// Build connects every dependency named by cfg.
func Build(ctx context.Context, cfg config.Config, o Overrides) (*App, error) {
	log := logger.FromContext(ctx)
	a := &App{Config: cfg}

	st, err := openStore(ctx, cfg, o.Store)
	if err != nil {
		return nil, err
	}
	a.Store = st

	if cfg.RedisAddr != "" {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("redis unreachable; status reads will go to the store")
		}
		a.Cache = cache.New(a.Redis, cfg.StatusCacheTTL)
		a.Limiter = ratelimit.NewClipBudget(a.Redis, cfg.ClipBudgetCapacity, cfg.ClipBudgetRefill, time.Hour)
	}

	provider := o.Provider
	if provider == nil {
		provider = generation.NewHTTPProvider(generation.HTTPProviderConfig{
			BaseURL: cfg.ProviderBaseURL,
			APIKey:  cfg.ProviderAPIKey,
			Timeout: cfg.ProviderTimeout,
		})
	}
	selector := o.Selector
	if selector == nil {
		selector = selection.Sequential{}
		if cfg.SelectorURL != "" {
			selector = selection.NewHTTPSelector(cfg.SelectorURL, cfg.ProviderTimeout)
		}
	}

	uploader, err := storage.New(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init deliverable storage: %w", err)
	}

	registry := cost.DefaultRegistry()
	tracker := cost.NewTracker(registry, cfg.CostVarianceThreshold)
	client := generation.NewClient(provider, backoff.Schedule(cfg.PollIntervals), cfg.PollEscalateAfter)
	sched := scheduler.New(client, a.Store, a.Cache, tracker, scheduler.Options{
		MaxAttempts:     cfg.MaxAttempts,
		RetryBackoff:    backoff.Schedule(cfg.RetryBackoff),
		MaxPollDuration: cfg.MaxPollDuration,
	})
	agg := aggregator.New(
		aggregator.NewHTTPFetcher(5*time.Minute, cfg.ArtifactMaxBytes, cfg.ArtifactLocalRoot),
		aggregator.NewFFmpegCombiner(cfg.FFmpegPath),
		uploader,
		cfg.WorkDir,
	)

	a.Controller = controller.New(controller.Deps{
		Store:      a.Store,
		Cache:      a.Cache,
		Selector:   selector,
		Scheduler:  sched,
		Aggregator: agg,
		Registry:   registry,
		Tracker:    tracker,
	}, controller.Options{
		MinCandidates: cfg.MinCandidates,
		DefaultModel:  cfg.DefaultModel,
	})

	log.WithFields(logger.Fields{
		"store":         cfg.StoreDriver,
		"cache":         a.Cache != nil,
		"max_attempts":  cfg.MaxAttempts,
		"poll_schedule": cfg.PollIntervals,
	}).Info("orchestrator ready")
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config, override store.Store) (store.Store, error) {
	if override != nil {
		return override, nil
	}
	switch cfg.StoreDriver {
	case "memory":
		return store.NewMemory(), nil
	case "postgres", "":
		pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return pg, nil
	}
	return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
}

// Close releases connections. Call it after Controller.Wait.
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Store != nil {
		a.Store.Close()
	}
}
