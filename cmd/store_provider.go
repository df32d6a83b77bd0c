package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xkilldash9x/scalpel-iast/internal/config"
	"github.com/xkilldash9x/scalpel-iast/internal/iast/vulnerability"
	"github.com/xkilldash9x/scalpel-iast/internal/observability"
	"github.com/xkilldash9x/scalpel-iast/internal/store"
)

// batchStore is the part of store.Store the commands use.
type batchStore interface {
	vulnerability.Publisher
	GetVulnerabilitiesByBatchID(ctx context.Context, batchID string) ([]store.StoredVulnerability, error)
	CountByType(ctx context.Context) (map[string]int, error)
}

// storeProvider abstracts creating the store so tests can inject a mock
// instead of a live database connection.
type storeProvider interface {
	// Create returns the store and a cleanup function that releases it.
	Create(ctx context.Context, cfg config.Interface) (batchStore, func(), error)
}

// defaultStoreProvider connects to PostgreSQL.
type defaultStoreProvider struct{}

func NewStoreProvider() storeProvider {
	return &defaultStoreProvider{}
}

func (p *defaultStoreProvider) Create(ctx context.Context, cfg config.Interface) (batchStore, func(), error) {
	logger := observability.GetLogger()
	if cfg.Database().URL == "" {
		return nil, nil, fmt.Errorf("database URL is not configured (%s_DATABASE_URL)", config.EnvPrefix)
	}

	pool, err := pgxpool.New(ctx, cfg.Database().URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	storeService, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to initialize store service: %w", err)
	}
	if err := storeService.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	cleanup := func() {
		pool.Close()
		logger.Debug("Database connection pool closed.")
	}
	return storeService, cleanup, nil
}
