package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"adstudio/server/internal/agent"
	"adstudio/server/internal/api"
	"adstudio/server/internal/assets"
	"adstudio/server/internal/config"
	"adstudio/server/internal/distlock"
	"adstudio/server/internal/events"
	"adstudio/server/internal/lifecycle"
	"adstudio/server/internal/pipeline"
	"adstudio/server/internal/production"
	"adstudio/server/internal/provider"
	"adstudio/server/internal/store"
	"adstudio/server/internal/store/bolt"
	"adstudio/server/internal/store/postgres"
	"adstudio/server/internal/telemetry"
	"adstudio/server/internal/webhook"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const eventBacklog = 500

// app holds every long-lived component of one server process.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	metrics *telemetry.Metrics

	store      *store.CampaignStore
	hub        *events.Hub
	lifecycle  *lifecycle.Controller
	pipeline   *pipeline.Runner
	reconciler *production.Reconciler
	sweeper    *production.Sweeper

	closers []func() error
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: logger, metrics: telemetry.NewMetrics()}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	db, docs, err := a.openDocuments(ctx)
	if err != nil {
		return nil, err
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
		}
		a.closers = append(a.closers, rdb.Close)
	}
	locks := distlock.NewFactory(rdb, db, cfg.Redis.LockTTL)

	runner, err := a.agentRunner(ctx)
	if err != nil {
		return nil, err
	}
	gen := a.generationClient()
	persister, err := a.assetPersister(ctx)
	if err != nil {
		return nil, err
	}
	signer := webhook.NewSigner(cfg.Server.PublicBaseURL, cfg.Server.CallbackSecret, cfg.Server.CallbackTokenTTL)

	a.store = store.NewCampaignStore(docs, logger, store.WithTTL(cfg.Cache.TTL), store.WithMetrics(a.metrics))
	a.hub = events.NewHub(eventBacklog)
	a.lifecycle = lifecycle.NewController(a.store, a.hub, logger)
	a.pipeline = pipeline.NewRunner(a.store, runner, a.lifecycle, a.hub, a.metrics, logger, cfg.Agent.Parallel)
	a.reconciler = production.NewReconciler(a.store, gen, persister, signer, a.hub, a.metrics, logger, production.Config{
		MaxConcurrentSubmits: cfg.Production.MaxConcurrentSubmits,
		PollParallel:         cfg.Production.PollParallel,
	})
	a.sweeper = production.NewSweeper(a.reconciler, a.store, locks, cfg.Production.SweepInterval, logger)

	logger.Info("components_ready",
		zap.String("store_driver", cfg.Store.Driver),
		zap.String("lock_backend", locks.Backend()),
		zap.String("agent_provider", cfg.Agent.Provider),
		zap.Bool("generation_mock", cfg.Generation.Mock),
		zap.Bool("signed_callbacks", signer.Enabled()),
		zap.Bool("asset_bucket", cfg.Assets.Bucket != ""),
	)
	ok = true
	return a, nil
}

func (a *app) openDocuments(ctx context.Context) (*sql.DB, store.DocumentStore, error) {
	switch a.cfg.Store.Driver {
	case "postgres":
		db, err := postgres.Open(ctx, a.cfg.Store.DSN, a.cfg.Store.MaxOpenConns)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, db.Close)
		docs := postgres.NewDocuments(db)
		if err := docs.Migrate(ctx); err != nil {
			return nil, nil, err
		}
		return db, docs, nil
	case "bolt":
		docs, err := bolt.Open(a.cfg.Store.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, docs.Close)
		return nil, docs, nil
	default:
		return nil, store.NewMemoryDocuments(), nil
	}
}

func (a *app) agentRunner(ctx context.Context) (agent.Runner, error) {
	switch a.cfg.Agent.Provider {
	case "bedrock":
		m, err := agent.NewBedrock(ctx, a.cfg.Agent.Region, a.cfg.Agent.Model)
		if err != nil {
			return nil, err
		}
		return agent.NewModelRunner(m, a.log), nil
	case "genai":
		m, err := agent.NewGenAI(ctx, a.cfg.Agent.APIKey, a.cfg.Agent.Model)
		if err != nil {
			return nil, err
		}
		return agent.NewModelRunner(m, a.log), nil
	default:
		return agent.NewScriptedRunner(), nil
	}
}

func (a *app) generationClient() provider.Client {
	g := a.cfg.Generation
	if g.Mock {
		m := provider.NewMockClient(g.MockDelay, a.log, provider.WithCallbacks(g.MockCallbacks))
		a.closers = append(a.closers, func() error { m.Close(); return nil })
		return m
	}
	return provider.NewHTTPClient(provider.HTTPConfig{
		BaseURL:     g.BaseURL,
		APIKey:      g.APIKey,
		ImageModel:  g.ImageModel,
		VideoModel:  g.VideoModel,
		Timeout:     g.Timeout,
		PollRetries: g.PollRetries,
	}, a.log)
}

func (a *app) assetPersister(ctx context.Context) (assets.Persister, error) {
	if a.cfg.Assets.Bucket == "" {
		return assets.Passthrough{}, nil
	}
	return assets.NewS3(ctx, assets.S3Config{
		Bucket:        a.cfg.Assets.Bucket,
		Region:        a.cfg.Assets.Region,
		Prefix:        a.cfg.Assets.Prefix,
		PublicBaseURL: a.cfg.Assets.PublicBaseURL,
	}, a.log)
}

func (a *app) server() *api.Server {
	return api.NewServer(api.Deps{
		Store:      a.store,
		Pipeline:   a.pipeline,
		Production: a.reconciler,
		Lifecycle:  a.lifecycle,
		Hub:        a.hub,
		Metrics:    a.metrics,
		Logger:     a.log,
	})
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
