// Package storage provides the transactional sink behind the
// domain.Store interface. Engines share the same upsert semantics: writes
// are keyed by id, re-applying a record is a no-op, and only mutable
// columns (score, fetched_at, body/title refresh) change on conflict.
package storage

import (
	"context"
	"fmt"

	"github.com/qepting91/reddit-harvester/internal/config"
	"github.com/qepting91/reddit-harvester/internal/domain"
)

// New creates a store instance based on configuration.
func New(ctx context.Context, cfg config.StorageConfig) (domain.Store, error) {
	switch cfg.Engine {
	case "sqlite":
		return NewSQLite(cfg.SQLitePath)
	case "postgres":
		return NewPostgres(ctx, cfg.PostgresDSN)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported storage engine: %s", cfg.Engine)
	}
}
