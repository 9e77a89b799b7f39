package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxStore is a Store backed by a native pgx connection pool.
type PgxStore struct {
	pool *pgxpool.Pool
}

// OpenPgx opens a pgx pool limited to maxConns connections.
func OpenPgx(ctx context.Context, dsn string, maxConns int) (*PgxStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: invalid pgx dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: failed to create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: failed to ping postgres: %w", err)
	}

	return &PgxStore{pool: pool}, nil
}

// Exec implements Executor.
func (s *PgxStore) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// QueryInt64s implements Store.
func (s *PgxStore) QueryInt64s(ctx context.Context, query string, args ...any) ([][]int64, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) ([]int64, error) {
		values := make([]int64, len(row.FieldDescriptions()))
		ptrs := make([]any, len(values))
		for i := range values {
			ptrs[i] = &values[i]
		}
		err := row.Scan(ptrs...)
		return values, err
	})
}

// InTx implements Store.
func (s *PgxStore) InTx(ctx context.Context, fn func(Executor) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(pgxTx{tx})
	})
}

// Dialect implements Store.
func (s *PgxStore) Dialect() Dialect {
	return Postgres
}

// Close implements Store.
func (s *PgxStore) Close() error {
	s.pool.Close()
	return nil
}

type pgxTx struct {
	tx pgx.Tx
}

func (t pgxTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
