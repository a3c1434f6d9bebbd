// Package app wires the configured store and indicator sources for the
// peakflow binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/lucasjlepore/peakflow/config"
	"github.com/lucasjlepore/peakflow/indicators"
	"github.com/lucasjlepore/peakflow/storage"
	"github.com/lucasjlepore/peakflow/stress"
)

// Runtime holds the open backends. Close releases all of them.
type Runtime struct {
	Store    storage.Store
	Resolver *stress.Resolver
	Zones    stress.Zones
	Logger   *slog.Logger

	// Indicators is where user indicators are written: Postgres (through
	// the Redis cache) when configured, else the document store.
	Indicators indicators.Writer

	closers []func(context.Context) error
}

// Options selects how Open builds the runtime.
type Options struct {
	// DryRun replaces MongoDB with an in-memory store and skips Postgres
	// and Redis.
	DryRun bool
}

// Open connects the store and builds the indicator chain: Postgres
// (optionally behind Redis) first, then indicator documents in the store.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger, opts Options) (*Runtime, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	rt := &Runtime{Logger: logger, Zones: ZonesFromConfig(cfg.Zones)}

	if opts.DryRun {
		mem := storage.NewMemoryStore(nil)
		mem.SetBatchSize(cfg.BatchSize)
		rt.Store = mem
		docs := indicators.NewDocumentSource(mem)
		rt.Resolver = stress.NewResolver(docs, logger)
		rt.Indicators = docs
		logger.Info("dry run: using in-memory store")
		return rt, nil
	}

	mopts, err := cfg.MongoOptions()
	if err != nil {
		return nil, err
	}
	mopts.Logger = logger
	mongoStore, err := storage.NewMongoStore(ctx, mopts)
	if err != nil {
		return nil, err
	}
	rt.Store = mongoStore
	rt.closers = append(rt.closers, mongoStore.Close)
	if err := mongoStore.EnsureIndexes(ctx); err != nil {
		logger.Warn("ensure indexes failed", "error", err)
	}

	var chain indicators.Chain
	if cfg.Postgres.DSN != "" {
		repo, err := indicators.OpenPostgres(ctx, cfg.Postgres.DSN)
		if err != nil {
			_ = rt.Close(ctx)
			return nil, fmt.Errorf("indicators: %w", err)
		}
		rt.closers = append(rt.closers, func(context.Context) error { return repo.Close() })
		if err := repo.EnsureSchema(ctx); err != nil {
			_ = rt.Close(ctx)
			return nil, fmt.Errorf("indicators: %w", err)
		}

		var src interface {
			stress.IndicatorSource
			indicators.Writer
		} = repo
		if cfg.Redis.Addr != "" {
			client := indicators.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			rt.closers = append(rt.closers, closeRedis(client))
			src = indicators.NewRedisCache(client, repo, cfg.Redis.TTL, logger)
		}
		chain = append(chain, src)
		rt.Indicators = src
	}
	docs := indicators.NewDocumentSource(mongoStore)
	chain = append(chain, docs)
	rt.Resolver = stress.NewResolver(chain, logger)
	if rt.Indicators == nil {
		rt.Indicators = docs
	}

	logger.Info("runtime ready",
		"database", cfg.Mongo.Database,
		"postgres", cfg.Postgres.DSN != "",
		"redis", cfg.Redis.Addr != "")
	return rt, nil
}

// Service returns a TSS service over the runtime's store, resolver and
// configured zone tables.
func (rt *Runtime) Service() *stress.Service {
	return stress.NewService(rt.Store, rt.Resolver, rt.Logger).WithZones(rt.Zones)
}

// ZonesFromConfig converts configured zone tables for threshold resolution.
func ZonesFromConfig(c config.ZonesConfig) stress.Zones {
	return stress.Zones{
		Power:     zoneTable(c.Power),
		HeartRate: zoneTable(c.HeartRate),
		Pace:      zoneTable(c.Pace),
	}
}

func zoneTable(in map[string][2]float64) map[string]stress.ZoneRange {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]stress.ZoneRange, len(in))
	for name, r := range in {
		out[name] = stress.ZoneRange(r)
	}
	return out
}

// Close releases backends in reverse order of opening.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func closeRedis(c *redis.Client) func(context.Context) error {
	return func(context.Context) error { return c.Close() }
}
