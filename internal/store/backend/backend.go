// Package backend picks the storage implementation from a DSN.
package backend

import (
	"context"
	"strings"

	"qms/clinic-queue/internal/store"
	"qms/clinic-queue/internal/store/postgres"
	"qms/clinic-queue/internal/store/sqlite"
)

// Backend is a store that can also migrate and close itself.
type Backend interface {
	store.Store
	Migrate(ctx context.Context, logFn func(version int, name string)) (int, error)
	Close() error
}

// Kind reports which implementation a DSN selects.
func Kind(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}

// Open connects to PostgreSQL for postgres:// DSNs and opens a SQLite file otherwise.
// A sqlite:// prefix is accepted and stripped.
func Open(ctx context.Context, dsn string, options store.Options) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if Kind(dsn) == "postgres" {
		st, err := postgres.Open(ctx, dsn, options)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	st, err := sqlite.Open(ctx, strings.TrimPrefix(dsn, "sqlite://"), options)
	if err != nil {
		return nil, err
	}
	return st, nil
}
