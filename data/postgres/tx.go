package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vortex-fintech/dbqueue/foundation/errx"
)

// ErrRollback, returned from a WithTx callback, rolls the transaction back
// without failing the call.
var ErrRollback = errors.New("postgres: rollback requested")

const rollbackTimeout = 5 * time.Second

// TxConfig holds per-transaction settings applied with SET LOCAL.
type TxConfig struct {
	ReadOnly         bool
	StatementTimeout time.Duration
}

// Beginner starts transactions; Conn, *Lease and *pgx.Conn all satisfy it.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// BeginTx starts a transaction and applies cfg.
func BeginTx(ctx context.Context, b Beginner, cfg TxConfig) (pgx.Tx, error) {
	tx, err := b.Begin(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.ReadOnly {
		if _, err := tx.Exec(ctx, "SET TRANSACTION READ ONLY"); err != nil {
			RollbackQuietly(tx)
			return nil, err
		}
	}
	if cfg.StatementTimeout > 0 {
		ms := cfg.StatementTimeout.Milliseconds()
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", ms)); err != nil {
			RollbackQuietly(tx)
			return nil, err
		}
	}
	return tx, nil
}

// RollbackQuietly rolls back on a context detached from the caller, so a
// cancelled request still ends its transaction.
func RollbackQuietly(tx pgx.Tx) {
	ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	defer cancel()
	_ = tx.Rollback(ctx)
}

// WithTx runs fn in a panic-safe transaction. fn's error is returned as is
// after rollback; ErrRollback rolls back and returns nil. A failed commit is
// reported as an errx commit error, since its outcome is unknown.
func WithTx(ctx context.Context, b Beginner, cfg TxConfig, fn func(tx pgx.Tx) error) (err error) {
	tx, err := BeginTx(ctx, b, cfg)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			RollbackQuietly(tx)
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		RollbackQuietly(tx)
		if errors.Is(err, ErrRollback) {
			return nil
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		RollbackQuietly(tx)
		return errx.Wrap(errx.KindCommit, "commit", err)
	}
	return nil
}
