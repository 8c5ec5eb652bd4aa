// Package app assembles a portfolio manager from configuration: store,
// broker adapter, position limits, and chain policy.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/portfolio-engine/internal/broker"
	"github.com/atmx/portfolio-engine/internal/chain"
	"github.com/atmx/portfolio-engine/internal/config"
	"github.com/atmx/portfolio-engine/internal/correlation"
	"github.com/atmx/portfolio-engine/internal/portfolio"
	"github.com/atmx/portfolio-engine/internal/store"
)

// App is an opened portfolio and the resources behind it.
type App struct {
	Store     store.Store
	Manager   *portfolio.Manager
	Simulator *broker.Simulator // nil unless broker.mode is sim

	cleanup []func()
}

// Open builds the store and the manager. extra options are applied after
// the configured ones.
func Open(ctx context.Context, conf *config.Config, logger *slog.Logger, extra ...portfolio.Option) (*App, error) {
	a := &App{}

	st, err := a.openStore(ctx, conf, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = st

	opts := []portfolio.Option{
		portfolio.WithLogger(logger),
		portfolio.WithInitialCash(config.Dec(conf.Portfolio.InitialCash)),
		portfolio.WithFundsCheck(conf.Portfolio.CheckFunds),
	}
	if conf.Portfolio.ChainPolicy == "highest" {
		opts = append(opts, portfolio.WithChainPolicy(chain.HighestChainID))
	}

	// --- Position limits ---
	maxPerSymbol := config.Dec(conf.Limits.MaxPerSymbol)
	maxCorrelated := config.Dec(conf.Limits.MaxCorrelated)
	if maxPerSymbol.IsPositive() || maxCorrelated.IsPositive() {
		opts = append(opts, portfolio.WithLimiter(correlation.NewPositionLimiter(maxPerSymbol, maxCorrelated, nil)))
	}

	// --- Broker ---
	if conf.Broker.Mode == "sim" {
		a.Simulator = broker.NewSimulator(broker.WithSlippage(config.Dec(conf.Broker.SlippageBps)))
		var adapter broker.Adapter = a.Simulator
		if bc := conf.Broker.Breaker; bc.Enabled {
			adapter = broker.NewBreaker(a.Simulator, broker.BreakerSettings{
				MaxRequests:  bc.MaxRequests,
				Interval:     bc.Interval,
				Timeout:      bc.Timeout,
				FailureRatio: bc.FailureRatio,
				MinRequests:  bc.MinRequests,
			})
		}
		if conf.Broker.Execute {
			opts = append(opts, portfolio.WithExecution(adapter))
		}
		if conf.Broker.SeedHoldings {
			opts = append(opts, portfolio.WithBrokerHoldings(adapter))
		}
		logger.Info("simulated broker enabled",
			"execute", conf.Broker.Execute,
			"seed_holdings", conf.Broker.SeedHoldings,
			"slippage_bps", conf.Broker.SlippageBps,
		)
	}

	pm, err := portfolio.New(ctx, st, append(opts, extra...)...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Manager = pm
	return a, nil
}

func (a *App) openStore(ctx context.Context, conf *config.Config, logger *slog.Logger) (store.Store, error) {
	sc := conf.Store
	switch sc.Driver {
	case "file":
		fs, err := store.NewFileStore(sc.SnapshotPath, sc.LedgerPath, sc.Columns)
		if err != nil {
			return nil, err
		}
		logger.Info("using file store", "snapshot", sc.SnapshotPath, "ledger", sc.LedgerPath)
		return fs, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, sc.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)

		ps := store.NewPostgresStore(pool, conf.Portfolio.ID)
		if err := ps.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		logger.Info("connected to PostgreSQL", "portfolio", conf.Portfolio.ID)

		// Wrap with Redis read-through cache if configured.
		if sc.RedisURL == "" {
			return ps, nil
		}
		opt, err := redis.ParseURL(sc.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
		logger.Info("Redis cache enabled", "ttl", sc.CacheTTL)
		return store.NewCachedStore(ps, rdb, conf.Portfolio.ID, sc.CacheTTL), nil
	}

	logger.Warn("using in-memory store (data will not persist)")
	return store.NewMemoryStore(), nil
}

// Close releases pooled connections.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}

// NewLogger builds the slog logger described by conf.
func NewLogger(conf config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(conf.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if conf.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
