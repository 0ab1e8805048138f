package postgres

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Lease is one connection handed out by a Manager. Release it exactly once;
// further calls are no-ops.
type Lease struct {
	conn    Conn
	release releaseFunc
	m       *Manager

	once    sync.Once
	discard atomic.Bool
}

// Release returns the connection to the pool, or closes it in standalone
// mode and for leases that outlived a drain.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.release(l.discard.Load())
		l.m.untrack(l)
	})
}

func (l *Lease) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return l.conn.Exec(ctx, sql, args...)
}

func (l *Lease) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return l.conn.Query(ctx, sql, args...)
}

func (l *Lease) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return l.conn.QueryRow(ctx, sql, args...)
}

func (l *Lease) Begin(ctx context.Context) (pgx.Tx, error) {
	return l.conn.Begin(ctx)
}

func (l *Lease) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	return l.conn.WaitForNotification(ctx)
}
