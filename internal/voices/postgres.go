package voices

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore backs the voice library with PostgreSQL, for deployments
// where voices are managed centrally rather than dropped in a directory.
type PostgresStore struct {
	pool      *pgxpool.Pool
	defaultID string
}

func NewPostgresStore(ctx context.Context, databaseURL, defaultID string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, defaultID: strings.TrimSpace(defaultID)}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS voices (
			voice_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			sample_path TEXT NOT NULL,
			language TEXT NOT NULL DEFAULT 'en',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_voices_name ON voices (name);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init voices schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Resolve(ctx context.Context, ref string) (Voice, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		ref = s.defaultID
	}

	var v Voice
	err := s.pool.QueryRow(ctx,
		`SELECT voice_id, name, sample_path, language
		 FROM voices WHERE voice_id=$1 OR name=$1 LIMIT 1`,
		ref,
	).Scan(&v.ID, &v.Name, &v.SamplePath, &v.Language)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Voice{}, fmt.Errorf("%w: %q", ErrNotFound, ref)
		}
		return Voice{}, fmt.Errorf("resolve voice: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Voice, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT voice_id, name, sample_path, language FROM voices ORDER BY voice_id`)
	if err != nil {
		return nil, fmt.Errorf("list voices: %w", err)
	}
	defer rows.Close()

	var out []Voice
	for rows.Next() {
		var v Voice
		if err := rows.Scan(&v.ID, &v.Name, &v.SamplePath, &v.Language); err != nil {
			return nil, fmt.Errorf("scan voice row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate voice rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
