package visibility

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"picnode/internal/apierr"
)

// Postgres backs the public-path set with a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	if url == "" {
		return nil, fmt.Errorf("postgres url is required")
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS public_paths (path TEXT PRIMARY KEY)`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres init: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) List(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT path FROM public_paths`)
	if err != nil {
		return nil, apierr.ErrStorageUnavailable.Wrap(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, apierr.ErrStorageUnavailable.Wrap(err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) SetPublic(ctx context.Context, path string, enabled bool) error {
	if err := CheckPath(path); err != nil {
		return err
	}
	var err error
	if enabled {
		_, err = p.pool.Exec(ctx,
			`INSERT INTO public_paths (path) VALUES ($1) ON CONFLICT (path) DO NOTHING`, path)
	} else {
		_, err = p.pool.Exec(ctx, `DELETE FROM public_paths WHERE path=$1`, path)
	}
	if err != nil {
		return apierr.ErrStorageUnavailable.Wrap(err)
	}
	return nil
}

func (p *Postgres) Close(_ context.Context) error {
	p.pool.Close()
	return nil
}
