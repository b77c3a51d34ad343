package session

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore backs Store with a table anastasis-httpd creates on
// first use, adapted from the teacher's internal/db migration style
// (CREATE TABLE IF NOT EXISTS plus a schema_migrations-free upsert,
// since the one-table schema needs no migration history of its own).
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	s := &PostgresStore{pool: pool}
	if err := s.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS anastasis_sessions (
		id text PRIMARY KEY,
		state jsonb NOT NULL,
		updated_at timestamptz NOT NULL DEFAULT now()
	)`)
	return err
}

func (s *PostgresStore) Save(ctx context.Context, id string, state []byte) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO anastasis_sessions (id, state, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, updated_at = now()`, id, state)
	return err
}

func (s *PostgresStore) Load(ctx context.Context, id string) ([]byte, error) {
	var state []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM anastasis_sessions WHERE id = $1`, id).Scan(&state)
	if err != nil {
		return nil, ErrNotFound
	}
	return state, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM anastasis_sessions WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
