package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cryptosim/sim-engine/internal/autotrader"
	"github.com/cryptosim/sim-engine/internal/clock"
	"github.com/cryptosim/sim-engine/internal/config"
	"github.com/cryptosim/sim-engine/internal/ledger"
	"github.com/cryptosim/sim-engine/internal/oracle"
	"github.com/cryptosim/sim-engine/internal/signal"
	"github.com/cryptosim/sim-engine/internal/store"
	"github.com/cryptosim/sim-engine/internal/trade"
)

const cacheTTL = 30 * time.Second

// app is the wired component graph.
type app struct {
	clock  clock.Clock
	store  store.Store
	oracle oracle.Oracle
	hub    *trade.WSHub
	ledger *ledger.Ledger
	engine *trade.Engine
	trader *autotrader.Trader

	cleanup []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{clock: clock.System{}}

	st, err := a.openStore(ctx, cfg, logger)
	if err != nil {
		a.close()
		return nil, exitWith(exitPersistence, err)
	}
	a.store = store.WithTimeout(st, cfg.PersistTimeout)

	var o oracle.Oracle
	if cfg.StaticPrices != "" {
		prices, err := oracle.ParseStatic(cfg.StaticPrices)
		if err != nil {
			a.close()
			return nil, exitWith(exitConfig, fmt.Errorf("STATIC_PRICES: %w", err))
		}
		o = oracle.NewStatic(prices)
		logger.Warn().Int("symbols", len(prices)).Msg("using static prices")
	} else {
		o = oracle.NewBinance(cfg.PriceAPIURL)
	}
	a.oracle = oracle.WithTimeout(o, cfg.OracleTimeout)

	var provider signal.Provider = signal.None{}
	if cfg.SignalAPIURL != "" {
		provider = signal.NewHTTP(cfg.SignalAPIURL, cfg.OracleTimeout)
	} else {
		logger.Info().Msg("SIGNAL_API_URL not set, auto trader will see no signals")
	}

	a.hub = trade.NewWSHub(logger)
	a.ledger = ledger.New(a.store, a.clock, logger, cfg.InitialBalance)
	if err := a.ledger.Load(ctx); err != nil {
		a.close()
		return nil, exitWith(exitPersistence, err)
	}
	a.engine = trade.NewEngine(a.ledger, a.oracle, a.clock, cfg.FeePct, a.hub, logger)
	a.trader = autotrader.New(a.engine, a.ledger, provider, a.store, a.clock, logger)
	if err := a.trader.Load(ctx); err != nil {
		a.close()
		return nil, exitWith(exitPersistence, err)
	}
	return a, nil
}

// openStore selects the document store: Postgres when DATABASE_URL is set,
// the file store otherwise, optionally fronted by Redis.
func (a *app) openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Store, error) {
	var st store.Store

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Ping(ctx); err != nil {
			return nil, fmt.Errorf("database ping: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("database migrate: %w", err)
		}
		st = pg
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		fs := store.NewFileStore(cfg.PersistDir)
		if err := fs.Ping(ctx); err != nil {
			return nil, err
		}
		st = fs
		logger.Info().Str("dir", fs.Dir()).Msg("using file store")
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		st = store.NewCachedStore(st, rdb, cacheTTL)
		logger.Info().Msg("Redis cache enabled")
	}
	return st, nil
}

func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
