// Package backends opens the configured storage implementations.
package backends

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"krx-trend-lab/internal/config"
	"krx-trend-lab/internal/storage"
	chstore "krx-trend-lab/internal/storage/clickhouse"
	"krx-trend-lab/internal/storage/memory"
	"krx-trend-lab/internal/storage/migrations"
	pqstore "krx-trend-lab/internal/storage/parquet"
	pgstore "krx-trend-lab/internal/storage/postgres"
	sqlitestore "krx-trend-lab/internal/storage/sqlite"
)

// ErrNoMarketData is returned when neither ClickHouse nor a data directory is configured.
var ErrNoMarketData = errors.New("no market data source configured")

// MarketData is the bar and indicator source of a run.
type MarketData struct {
	Bars       storage.BarStore
	Indicators storage.IndicatorStore
	Backend    string // "clickhouse" or "parquet"
	close      func() error
}

// Close releases the underlying connection.
func (m *MarketData) Close() error {
	if m.close == nil {
		return nil
	}
	return m.close()
}

// OpenMarketData uses ClickHouse when a DSN is configured, otherwise the
// Parquet directory. With migrate set, the ClickHouse database and tables
// are created first.
func OpenMarketData(ctx context.Context, cfg config.Storage, migrate bool) (*MarketData, error) {
	if dsn := cfg.ClickhouseDSN; dsn != "" {
		if migrate {
			if err := chstore.EnsureDatabase(ctx, dsn); err != nil {
				return nil, err
			}
		}
		conn, err := chstore.NewConn(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if migrate {
			if err := migrations.RunClickhouseMigrations(ctx, conn); err != nil {
				conn.Close()
				return nil, err
			}
		}
		return &MarketData{
			Bars:       chstore.NewBarStore(conn),
			Indicators: chstore.NewIndicatorStore(conn),
			Backend:    "clickhouse",
			close:      conn.Close,
		}, nil
	}

	if cfg.DataDir == "" {
		return nil, ErrNoMarketData
	}
	store := pqstore.NewStore(cfg.DataDir)
	return &MarketData{
		Bars:       store,
		Indicators: store.Indicators(),
		Backend:    "parquet",
	}, nil
}

// Repository is an open run repository.
type Repository struct {
	Runs    storage.RunRepository
	Backend string // "postgres", "sqlite" or "memory"
	close   func() error
}

// Close releases the underlying connection.
func (r *Repository) Close() error {
	if r.close == nil {
		return nil
	}
	return r.close()
}

// Durable reports whether runs outlive the process.
func (r *Repository) Durable() bool {
	return r.Backend != "memory"
}

// OpenRepository prefers Postgres, then SQLite, then an in-memory
// repository. Schema migrations run on open.
func OpenRepository(ctx context.Context, logger *zap.Logger, cfg config.Storage) (*Repository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch {
	case cfg.PostgresDSN != "":
		pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		logger.Info("run repository: postgres")
		return &Repository{
			Runs:    pgstore.NewRunRepository(pool),
			Backend: "postgres",
			close:   func() error { pool.Close(); return nil },
		}, nil

	case cfg.SQLitePath != "":
		db, err := sqlitestore.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("run repository: sqlite", zap.String("path", cfg.SQLitePath))
		return &Repository{
			Runs:    sqlitestore.NewRunRepository(db),
			Backend: "sqlite",
			close:   db.Close,
		}, nil

	default:
		logger.Warn("no repository configured, runs are kept in memory only")
		return &Repository{Runs: memory.NewRunRepository(), Backend: "memory"}, nil
	}
}
