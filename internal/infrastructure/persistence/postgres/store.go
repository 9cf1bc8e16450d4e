package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reviewpipe/reviewpipe/internal/application/dispatch"
	"github.com/reviewpipe/reviewpipe/internal/application/worker"
)

// dbtx is the querying surface shared by pgxpool.Pool and pgx.Tx, so row
// helpers can run standalone or inside a transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the PostgreSQL implementation of every persistence contract in
// the review pipeline:
//
//   - worker.Coordinator (work queue, leases, stage chaining, dead letters)
//   - worker.OutboxStore and worker.ReconcilerStore (notification outbox)
//   - dispatch.Repository (job intake, version gates, replay workflow)
//
// Multi-row transitions run in a single transaction so a crash can never
// strand a job between states. Claim contention is resolved with
// FOR UPDATE SKIP LOCKED; everything after a claim is guarded by
// (id, claimed_by, status = 'running') predicates.
type Store struct {
	pool *pgxpool.Pool
}

// Compile-time verification that Store implements all persistence contracts.
var (
	_ worker.Coordinator     = (*Store)(nil)
	_ worker.OutboxStore     = (*Store)(nil)
	_ worker.ReconcilerStore = (*Store)(nil)
	_ dispatch.Repository    = (*Store)(nil)
)

// NewStore creates a store on an existing connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// finalizeTx rolls back on error and commits on success.
// Panics are handled in withTx before this runs.
func finalizeTx(ctx context.Context, tx pgx.Tx, err *error) {
	if *err != nil {
		slog.DebugContext(ctx, "transaction rolling back", "error", *err)
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			slog.ErrorContext(ctx, "rollback failed",
				"original_error", *err,
				"rollback_error", rbErr)
			*err = fmt.Errorf("transaction failed: %w (rollback error: %v)", *err, rbErr)
		}
	} else {
		*err = tx.Commit(ctx)
		if *err != nil {
			slog.ErrorContext(ctx, "transaction commit failed", "error", *err)
		}
	}
}

// withTx executes fn within a transaction with panic recovery.
func (s *Store) withTx(ctx context.Context, operation string, fn func(tx pgx.Tx) error) (err error) {
	start := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			slog.ErrorContext(ctx, "transaction panic, rolling back",
				"operation", operation,
				"panic", p)
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				slog.ErrorContext(ctx, "rollback after panic failed",
					"operation", operation,
					"rollback_error", rbErr)
			}
			panic(p)
		}

		finalizeTx(ctx, tx, &err)
		if err == nil {
			slog.DebugContext(ctx, "transaction completed",
				"operation", operation,
				"duration_ms", time.Since(start).Milliseconds())
		}
	}()

	err = fn(tx)
	return
}
