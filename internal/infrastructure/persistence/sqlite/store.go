package sqlite

import (
	"context"
	"database/sql"

	"github.com/reviewpipe/reviewpipe/internal/application/dispatch"
	"github.com/reviewpipe/reviewpipe/internal/application/worker"
)

// Store is the SQLite implementation of every persistence contract in the
// review pipeline. It mirrors the PostgreSQL store's semantics on a single
// node: claims are serialized through immediate transactions instead of
// FOR UPDATE SKIP LOCKED, and the process clock replaces now() since there
// is no server clock to disagree with.
//
// Intended for tests and single-host deployments.
type Store struct {
	db *sql.DB
}

// Compile-time verification that Store implements all persistence contracts.
var (
	_ worker.Coordinator     = (*Store)(nil)
	_ worker.OutboxStore     = (*Store)(nil)
	_ worker.ReconcilerStore = (*Store)(nil)
	_ dispatch.Repository    = (*Store)(nil)
)

// dbtx is the querying surface shared by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
