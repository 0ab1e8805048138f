package queue

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type execCall struct {
	sql  string
	args []any
}

type txStub struct {
	mu         sync.Mutex
	execs      []execCall
	queries    []execCall
	rows       [][]any
	execErr    error
	queryErr   error
	commitErr  error
	committed  bool
	rolledBack bool
}

func (t *txStub) Begin(context.Context) (pgx.Tx, error) { return nil, errors.New("not implemented") }
func (t *txStub) Commit(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}
func (t *txStub) Rollback(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolledBack = true
	return nil
}
func (t *txStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.execs = append(t.execs, execCall{sql, args})
	return pgconn.CommandTag{}, t.execErr
}
func (t *txStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queries = append(t.queries, execCall{sql, args})
	if t.queryErr != nil {
		return nil, t.queryErr
	}
	return &rowsStub{data: t.rows}, nil
}
func (t *txStub) QueryRow(context.Context, string, ...any) pgx.Row { return nil }
func (t *txStub) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *txStub) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *txStub) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *txStub) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *txStub) Conn() *pgx.Conn { return nil }

type rowsStub struct {
	data   [][]any
	i      int
	closed bool
}

func (r *rowsStub) Close()                                       { r.closed = true }
func (r *rowsStub) Err() error                                   { return nil }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) RawValues() [][]byte                          { return nil }
func (r *rowsStub) Conn() *pgx.Conn                              { return nil }
func (r *rowsStub) Next() bool {
	if r.closed || r.i >= len(r.data) {
		return false
	}
	r.i++
	return true
}
func (r *rowsStub) Values() ([]any, error) { return r.data[r.i-1], nil }
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

// connStub hands out txs in order; once they run out every Begin gets an
// empty one. Notifications are delivered from notes.
type connStub struct {
	mu       sync.Mutex
	txs      []*txStub
	begun    []*txStub
	execs    []string
	beginErr error
	notes    chan *pgconn.Notification
}

func (c *connStub) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = append(c.execs, sql)
	return pgconn.NewCommandTag("DELETE 3"), nil
}
func (c *connStub) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (c *connStub) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (c *connStub) Begin(ctx context.Context) (pgx.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.beginErr != nil {
		return nil, c.beginErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx := &txStub{}
	if len(c.txs) > 0 {
		tx, c.txs = c.txs[0], c.txs[1:]
	}
	c.begun = append(c.begun, tx)
	return tx, nil
}
func (c *connStub) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case n := <-c.notes:
		return n, nil
	}
}

func (c *connStub) began() []*txStub {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*txStub(nil), c.begun...)
}

func (c *connStub) statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.execs...)
}

type metricsStub struct {
	mu       sync.Mutex
	enqueued map[string]int
	dequeued map[string]int
	errors   map[string]int
}

func newMetricsStub() *metricsStub {
	return &metricsStub{enqueued: map[string]int{}, dequeued: map[string]int{}, errors: map[string]int{}}
}

func (m *metricsStub) IncEnqueued(q string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueued[q] += n
}
func (m *metricsStub) IncDequeued(q string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dequeued[q] += n
}
func (m *metricsStub) IncError(op, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[op+"/"+kind]++
}
