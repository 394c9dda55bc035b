// Package db defines the abstract connection-pool interface the session
// binder and migration guard are written against. Production code uses the
// pgx-backed implementation; tests substitute in-memory fakes so pool
// discipline can be exercised without a live database.
package db

import (
	"context"
)

// Row represents a single row returned by a query.
type Row interface {
	Scan(dest ...any) error
}

// Rows represents a set of rows returned by a query.
type Rows interface {
	// Next advances to the next row, returning false when exhausted.
	Next() bool
	// Scan reads column values from the current row.
	Scan(dest ...any) error
	// Err returns any error encountered during iteration.
	Err() error
	// Close releases the rows.
	Close()
}

// Result describes the outcome of an executed statement.
type Result interface {
	// RowsAffected returns the number of rows affected by the statement.
	RowsAffected() int64
}

// Executor can execute queries and statements. Pooled connections and
// transactions both satisfy this interface.
type Executor interface {
	// Exec executes a statement that does not return rows.
	Exec(ctx context.Context, sql string, args ...any) (Result, error)
	// QueryRow executes a query expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...any) Row
	// Query executes a query that returns multiple rows.
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
}

// Tx represents a database transaction. Implementations must ensure that
// Commit or Rollback is called exactly once.
type Tx interface {
	Executor
	// Commit commits the transaction.
	Commit(ctx context.Context) error
	// Rollback rolls back the transaction.
	Rollback(ctx context.Context) error
}

// PooledConn is a single physical connection checked out of the pool.
// Exactly one of Release or Destroy must be called when the caller is done:
// Release returns the connection for reuse, Destroy closes it so the pool
// replaces it with a fresh one. A connection whose session state cannot be
// trusted must be destroyed, never released.
type PooledConn interface {
	Executor
	// Begin starts a transaction on this connection.
	Begin(ctx context.Context) (Tx, error)
	// Release returns the connection to the pool for reuse.
	Release()
	// Destroy closes the underlying connection instead of reusing it.
	Destroy()
}

// Pool hands out pooled connections. Acquire must honor the caller's
// context deadline while waiting on an exhausted pool.
type Pool interface {
	Acquire(ctx context.Context) (PooledConn, error)
}
