// Package repository implements raw-SQL persistence for the approval
// engine over sqlite. Mutations that must be atomic accept an explicit
// *sql.Tx; passing nil runs them against the pooled connection.
package repository

import (
	"context"
	"database/sql"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func pick(db *sql.DB, tx *sql.Tx) dbtx {
	if tx != nil {
		return tx
	}
	return db
}
