package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore is a Store backed by database/sql. It serves both the sqlite3
// and the lib/pq postgres drivers.
type SQLStore struct {
	mu sync.RWMutex

	db      *sql.DB
	dialect Dialect

	// closed indicates if the store has been closed
	closed bool
}

// OpenSQL opens a database/sql pool for driverName and verifies connectivity.
func OpenSQL(ctx context.Context, driverName, dsn string, dialect Dialect, maxConns int) (*SQLStore, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open %s: %w", driverName, err)
	}

	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to ping %s: %w", driverName, err)
	}

	return NewSQLStore(db, dialect), nil
}

// NewSQLStore wraps an already opened *sql.DB.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Exec implements Executor.
func (s *SQLStore) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}
	return execRows(ctx, s.db, query, args...)
}

// QueryInt64s implements Store.
func (s *SQLStore) QueryInt64s(ctx context.Context, query string, args ...any) ([][]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var result [][]int64
	for rows.Next() {
		values := make([]int64, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		result = append(result, values)
	}
	return result, rows.Err()
}

// InTx implements Store.
func (s *SQLStore) InTx(ctx context.Context, fn func(Executor) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}

	if err := fn(sqlTx{tx}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Dialect implements Store.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// DB exposes the underlying pool.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Close closes the pool. It is safe to call more than once.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type sqlTx struct {
	tx *sql.Tx
}

func (t sqlTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return execRows(ctx, t.tx, query, args...)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execRows(ctx context.Context, e execer, query string, args ...any) (int64, error) {
	res, err := e.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
