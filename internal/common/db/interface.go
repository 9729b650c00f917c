package db

import (
	"context"
	"database/sql"
)

// Querier abstracts database operations for both database and transaction.
type Querier interface {
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) Row
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)

	// Get scans a single row into dest using `db` struct tags.
	Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	// Select scans all rows into the slice pointed to by dest.
	Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// Database is a pooled connection handle.
type Database interface {
	Querier

	// Transaction runs fn inside a transaction, committing when fn returns nil.
	Transaction(ctx context.Context, opts *TxOptions, fn func(tx Transaction) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Transaction is an open transaction.
type Transaction interface {
	Querier
	// Prepare creates a statement bound to the transaction.
	Prepare(ctx context.Context, query string) (Stmt, error)
	Commit() error
	Rollback() error
}

// Rows iterates over a query result.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	// SliceScan returns the current row as driver values in column order.
	SliceScan() ([]interface{}, error)
	Columns() ([]string, error)
	Err() error
	Close() error
}

// Stmt is a prepared statement.
type Stmt interface {
	Exec(ctx context.Context, args ...interface{}) (Result, error)
	Close() error
}

// Row is the result of QueryRow.
type Row interface {
	Scan(dest ...interface{}) error
}

// Result summarizes an executed statement.
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}

// TxOptions holds transaction settings.
type TxOptions struct {
	Isolation sql.IsolationLevel
	ReadOnly  bool
}

func (o *TxOptions) toSQL() *sql.TxOptions {
	if o == nil {
		return nil
	}
	return &sql.TxOptions{Isolation: o.Isolation, ReadOnly: o.ReadOnly}
}
