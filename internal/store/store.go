// Package store provides the storage capability the harness drives: pooled
// statement execution reporting affected rows, plus the small read surface the
// installer and polling backends need.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// Common errors for storage operations.
var (
	ErrClosed            = errors.New("store: closed")
	ErrUnsupportedDriver = errors.New("store: unsupported driver")
)

// Executor executes a single statement and reports the number of affected rows.
type Executor interface {
	Exec(ctx context.Context, query string, args ...any) (int64, error)
}

// Store is a connection-pooled database handle.
type Store interface {
	Executor

	// QueryInt64s runs a query whose columns are all integers and returns
	// every row as a slice of column values.
	QueryInt64s(ctx context.Context, query string, args ...any) ([][]int64, error)

	// InTx runs fn inside a transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(Executor) error) error

	// Dialect describes how statements must be written for this store.
	Dialect() Dialect

	Close() error
}

// Dialect renders the driver-specific parts of SQL text.
type Dialect struct {
	Name string

	// placeholderPrefix is "$" for postgres and "?" for sqlite numbered params
	placeholderPrefix string
}

var (
	// Postgres numbers parameters as $1, $2, ...
	Postgres = Dialect{Name: "postgres", placeholderPrefix: "$"}

	// SQLite numbers parameters as ?1, ?2, ... so a parameter may repeat in one statement
	SQLite = Dialect{Name: "sqlite", placeholderPrefix: "?"}
)

// Placeholder returns the n-th (1-based) positional parameter marker.
func (d Dialect) Placeholder(n int) string {
	return d.placeholderPrefix + strconv.Itoa(n)
}

// Config holds store connection settings.
type Config struct {
	// Driver is one of sqlite3, postgres, pgx
	Driver string

	// DSN is the driver-specific connection string
	DSN string

	// MaxConns bounds the pool
	MaxConns int
}

// Open opens a store for the configured driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "sqlite3":
		return OpenSQL(ctx, "sqlite3", cfg.DSN, SQLite, cfg.MaxConns)
	case "postgres":
		return OpenSQL(ctx, "postgres", cfg.DSN, Postgres, cfg.MaxConns)
	case "pgx":
		return OpenPgx(ctx, cfg.DSN, cfg.MaxConns)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, cfg.Driver)
	}
}
