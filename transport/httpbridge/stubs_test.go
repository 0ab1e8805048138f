package httpbridge

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type rowsStub struct {
	cols []string
	data [][]any
	i    int
}

func (r *rowsStub) Close()     {}
func (r *rowsStub) Err() error { return nil }
func (r *rowsStub) CommandTag() pgconn.CommandTag {
	return pgconn.NewCommandTag(fmt.Sprintf("SELECT %d", len(r.data)))
}
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription {
	out := make([]pgconn.FieldDescription, len(r.cols))
	for i, c := range r.cols {
		out[i] = pgconn.FieldDescription{Name: c}
	}
	return out
}
func (r *rowsStub) Next() bool {
	if r.i >= len(r.data) {
		return false
	}
	r.i++
	return true
}
func (r *rowsStub) Values() ([]any, error) { return r.data[r.i-1], nil }
func (r *rowsStub) RawValues() [][]byte    { return nil }
func (r *rowsStub) Conn() *pgx.Conn        { return nil }
func (r *rowsStub) Scan(dest ...any) error {
	row := r.data[r.i-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(row))
	}
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(row[i]))
	}
	return nil
}

type txStub struct {
	pgx.Tx // unused methods panic

	rows       *rowsStub
	commitErr  error
	execs      []string
	committed  bool
	rolledBack bool
}

func (t *txStub) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, sql)
	return pgconn.CommandTag{}, nil
}
func (t *txStub) Query(context.Context, string, ...any) (pgx.Rows, error) {
	if t.rows == nil {
		return &rowsStub{}, nil
	}
	return t.rows, nil
}
func (t *txStub) Commit(context.Context) error {
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}
func (t *txStub) Rollback(context.Context) error {
	t.rolledBack = true
	return nil
}

type sessionStub struct {
	tx       *txStub
	mu       sync.Mutex
	released int
}

func (s *sessionStub) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (s *sessionStub) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (s *sessionStub) QueryRow(context.Context, string, ...any) pgx.Row { return nil }
func (s *sessionStub) Begin(context.Context) (pgx.Tx, error)            { return s.tx, nil }
func (s *sessionStub) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (s *sessionStub) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
}

func (s *sessionStub) releases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

type sessionsStub struct {
	sess     *sessionStub
	err      error
	mu       sync.Mutex
	acquired int
}

func (s *sessionsStub) Acquire(context.Context) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.acquired++
	return s.sess, nil
}

func (s *sessionsStub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired
}
