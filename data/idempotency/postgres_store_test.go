package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestClaim_RequiresIdentity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rec  Record
		want error
	}{
		{"queue", Record{IdempotencyKey: "k1", RequestHash: "h1"}, ErrQueueRequired},
		{"key", Record{Queue: "orders", IdempotencyKey: "  ", RequestHash: "h1"}, ErrIdempotencyKeyRequired},
		{"hash", Record{Queue: "orders", IdempotencyKey: "k1"}, ErrRequestHashRequired},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := &runnerStub{}
			_, err := NewPostgresStore().Claim(context.Background(), r, tc.rec)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if len(r.queryRowArgs) != 0 {
				t.Fatalf("expected no query")
			}
		})
	}
}

func TestClaim_RejectsExpiryBeforeCreation(t *testing.T) {
	t.Parallel()

	now := time.Now()
	_, err := NewPostgresStore().Claim(context.Background(), &runnerStub{}, Record{
		Queue: "orders", IdempotencyKey: "k1", RequestHash: "h1",
		CreatedAt: now, ExpiresAt: now.Add(-time.Minute),
	})
	if !errors.Is(err, ErrExpiresAtInvalid) {
		t.Fatalf("expected ErrExpiresAtInvalid, got %v", err)
	}
}

func TestClaim_InsertSuccess(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	fromDB := Record{Queue: "orders", IdempotencyKey: "k1", RequestHash: "h1", Count: 2, CreatedAt: now, ExpiresAt: now.Add(DefaultTTL)}
	r := &runnerStub{rows: []pgx.Row{rowStub{scanFn: scanRecord(fromDB)}}}

	res, err := NewPostgresStore().Claim(context.Background(), r, Record{
		Queue: "orders", IdempotencyKey: "k1", RequestHash: "h1", Count: 2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Claimed || res.Record == nil || res.Record.Count != 2 {
		t.Fatalf("expected claimed record, got %+v", res)
	}

	args := r.queryRowArgs[0]
	createdAt, ok := args[4].(time.Time)
	if !ok || createdAt.Location() != time.UTC {
		t.Fatalf("expected created_at argument in UTC")
	}
	expiresAt := args[5].(time.Time)
	if got := expiresAt.Sub(createdAt); got != DefaultTTL {
		t.Fatalf("expected default ttl, got %v", got)
	}
}

func TestClaim_LiveKeyReplays(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	existing := Record{Queue: "orders", IdempotencyKey: "k1", RequestHash: "h1", Count: 3, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	r := &runnerStub{rows: []pgx.Row{
		rowStub{err: pgx.ErrNoRows},
		rowStub{scanFn: scanRecord(existing)},
	}}

	res, err := NewPostgresStore().Claim(context.Background(), r, Record{
		Queue: "orders", IdempotencyKey: "k1", RequestHash: "h1", Count: 3,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Claimed {
		t.Fatalf("expected Claimed=false for a live key")
	}
	if res.Record == nil || res.Record.Count != 3 {
		t.Fatalf("expected existing record, got %+v", res.Record)
	}
}

func TestClaim_HashMismatch(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	existing := Record{Queue: "orders", IdempotencyKey: "k1", RequestHash: "other", Count: 1, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	r := &runnerStub{rows: []pgx.Row{
		rowStub{err: pgx.ErrNoRows},
		rowStub{scanFn: scanRecord(existing)},
	}}

	_, err := NewPostgresStore().Claim(context.Background(), r, Record{
		Queue: "orders", IdempotencyKey: "k1", RequestHash: "h1", Count: 1,
	})
	if !errors.Is(err, ErrRequestHashMismatch) {
		t.Fatalf("expected ErrRequestHashMismatch, got %v", err)
	}
}

func TestClaim_ConflictWithoutRowIsInconsistent(t *testing.T) {
	t.Parallel()

	r := &runnerStub{rows: []pgx.Row{rowStub{err: pgx.ErrNoRows}, rowStub{err: pgx.ErrNoRows}}}
	_, err := NewPostgresStore().Claim(context.Background(), r, Record{
		Queue: "orders", IdempotencyKey: "k1", RequestHash: "h1",
	})
	if !errors.Is(err, ErrInconsistentState) {
		t.Fatalf("expected ErrInconsistentState, got %v", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	t.Parallel()

	r := &runnerStub{rows: []pgx.Row{rowStub{err: pgx.ErrNoRows}}}
	rec, err := NewPostgresStore().Get(context.Background(), r, "orders", "k1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record when not found")
	}
}

func TestDeleteExpired(t *testing.T) {
	t.Parallel()

	r := &runnerStub{execResults: []execResult{{tag: mustTag("DELETE 3")}}}
	n, err := NewPostgresStore().DeleteExpired(context.Background(), r, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 deleted rows, got %d", n)
	}
}

func TestNilRunner(t *testing.T) {
	t.Parallel()

	var r *runnerStub
	if _, err := NewPostgresStore().DeleteExpired(context.Background(), r, time.Time{}); !errors.Is(err, ErrNilRunner) {
		t.Fatalf("expected ErrNilRunner, got %v", err)
	}
}

func TestRequestHash(t *testing.T) {
	t.Parallel()

	a := RequestHash([][]byte{[]byte(`{"a":1}`)}, []string{"billing"})
	if a != RequestHash([][]byte{[]byte(`{"a":1}`)}, []string{"billing"}) {
		t.Fatalf("expected deterministic hash")
	}
	if a == RequestHash([][]byte{[]byte(`{"a":1}`)}, nil) {
		t.Fatalf("recipients must change the hash")
	}
	if RequestHash([][]byte{[]byte("ab"), []byte("c")}, nil) == RequestHash([][]byte{[]byte("a"), []byte("bc")}, nil) {
		t.Fatalf("payload boundaries must change the hash")
	}
}

type execResult struct {
	tag pgconn.CommandTag
	err error
}

type runnerStub struct {
	rows         []pgx.Row
	queryRowArgs [][]any
	execResults  []execResult
	execCalls    int
}

func (r *runnerStub) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	if r.execCalls >= len(r.execResults) {
		return mustTag("DELETE 0"), nil
	}
	res := r.execResults[r.execCalls]
	r.execCalls++
	return res.tag, res.err
}

func (r *runnerStub) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (r *runnerStub) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	r.queryRowArgs = append(r.queryRowArgs, args)
	if len(r.rows) == 0 {
		return rowStub{err: pgx.ErrNoRows}
	}
	out := r.rows[0]
	r.rows = r.rows[1:]
	return out
}

type rowStub struct {
	err    error
	scanFn func(dest ...any) error
}

func (r rowStub) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return nil
}

func scanRecord(rec Record) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = rec.Queue
		*(dest[1].(*string)) = rec.IdempotencyKey
		*(dest[2].(*string)) = rec.RequestHash
		*(dest[3].(*int)) = rec.Count
		*(dest[4].(*time.Time)) = rec.CreatedAt
		*(dest[5].(*time.Time)) = rec.ExpiresAt
		return nil
	}
}

func mustTag(v string) pgconn.CommandTag {
	return pgconn.NewCommandTag(v)
}
