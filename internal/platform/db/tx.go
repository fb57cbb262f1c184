package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const txKey contextKey = "db_tx"

// TxFromContext returns the transaction opened by WithTx, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey).(pgx.Tx)
	return tx
}

// TxRunner runs fn so that every repository call made with the derived
// context joins the same transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PoolTxRunner opens transactions on a pgx pool. A call nested inside an
// outer WithTx runs in a savepoint of the outer transaction, so a failed
// nested call rolls back only its own statements.
type PoolTxRunner struct {
	pool beginner
}

func NewTxRunner(pool *pgxpool.Pool) *PoolTxRunner {
	return &PoolTxRunner{pool: pool}
}

func (r *PoolTxRunner) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if outer := TxFromContext(ctx); outer != nil {
		return runTx(ctx, outer, "savepoint", fn)
	}
	return runTx(ctx, r.pool, "transaction", fn)
}

func runTx(ctx context.Context, b beginner, kind string, fn func(ctx context.Context) error) error {
	tx, err := b.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin %s: %w", kind, err)
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, txKey, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s: %w", kind, err)
	}
	return nil
}

// NoTxRunner calls fn directly. It backs in-memory repositories in tests.
type NoTxRunner struct{}

func (NoTxRunner) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
