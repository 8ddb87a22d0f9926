// Package visibility records which virtual paths are publicly viewable
// without a token. One backend is selected at startup; all backends
// share the same idempotent semantics.
package visibility

import (
	"context"
	"fmt"
	"strings"

	"picnode/internal/apierr"
	"picnode/internal/config"
)

// MaxPathBytes bounds stored paths; backends with fixed-width key
// columns cannot index longer values.
const MaxPathBytes = 768

// Store is the public-path set. SetPublic is idempotent in both
// directions, and List reflects the latest successful SetPublic for the
// embedded backends (remote backends propagate whatever consistency
// their store offers).
type Store interface {
	List(ctx context.Context) ([]string, error)
	SetPublic(ctx context.Context, path string, enabled bool) error
	Close(ctx context.Context) error
}

// CheckPath validates a path before it reaches a backend.
func CheckPath(path string) error {
	if len(path) > MaxPathBytes {
		return apierr.ErrBadRequest.WithMessage("path too long")
	}
	return nil
}

// New builds the backend selected by cfg.DB.Type and verifies it is
// reachable.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.DB.Type)) {
	case "", "sqlite":
		return NewSQLite(ctx, cfg.DB.SQLite.File)
	case "memory":
		return NewMemory(), nil
	case "postgres", "postgresql":
		return NewPostgres(ctx, cfg.DB.Postgres.URL)
	case "redis":
		return NewRedis(ctx, cfg.DB.Redis.URL, cfg.DB.Redis.Key)
	case "mongo", "mongodb":
		return NewMongo(ctx, cfg.DB.Mongo.URI, cfg.DB.Mongo.Database)
	default:
		return nil, fmt.Errorf("unknown db type %q", cfg.DB.Type)
	}
}

// Contains is a convenience exact-match lookup over List.
func Contains(ctx context.Context, s Store, path string) (bool, error) {
	paths, err := s.List(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range paths {
		if p == path {
			return true, nil
		}
	}
	return false, nil
}
