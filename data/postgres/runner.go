package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Runner is the statement surface shared by connections and transactions.
type Runner interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Conn is what queue and SQL operations need from a leased connection.
// *pgx.Conn and *Lease both satisfy it.
type Conn interface {
	Runner
	Begin(ctx context.Context) (pgx.Tx, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
}

var (
	_ Conn = (*pgx.Conn)(nil)
	_ Conn = (*Lease)(nil)
)
