package visibility

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"picnode/internal/apierr"
)

// SQLite is the default embedded backend: one table keyed by path.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(ctx context.Context, file string) (*SQLite, error) {
	if file == "" {
		file = "data/sqlite.db"
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite dir: %w", err)
	}
	db, err := sql.Open("sqlite", file)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The driver serializes access per connection; a single connection
	// avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS public_paths (path TEXT PRIMARY KEY)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite init: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM public_paths`)
	if err != nil {
		return nil, apierr.ErrStorageUnavailable.Wrap(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, apierr.ErrStorageUnavailable.Wrap(err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) SetPublic(ctx context.Context, path string, enabled bool) error {
	if err := CheckPath(path); err != nil {
		return err
	}
	var err error
	if enabled {
		_, err = s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO public_paths (path) VALUES (?)`, path)
	} else {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM public_paths WHERE path=?`, path)
	}
	if err != nil {
		return apierr.ErrStorageUnavailable.Wrap(err)
	}
	return nil
}

func (s *SQLite) Close(_ context.Context) error { return s.db.Close() }
