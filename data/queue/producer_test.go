package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/vortex-fintech/dbqueue/data/idempotency"
	"github.com/vortex-fintech/dbqueue/data/postgres"
	"github.com/vortex-fintech/dbqueue/foundation/errx"
)

func msgs(payloads ...string) []Message {
	out := make([]Message, len(payloads))
	for i, p := range payloads {
		out[i] = Message{Payload: json.RawMessage(p)}
	}
	return out
}

func TestEnqueue_EmptyBatchFailsBeforeIO(t *testing.T) {
	t.Parallel()

	conn := &connStub{}
	for _, batch := range [][]Message{nil, {}} {
		n, err := NewProducer(Config{}).Enqueue(context.Background(), conn, "orders", batch, EnqueueOptions{})
		require.ErrorIs(t, err, errx.ErrValidation)
		require.Zero(t, n)
	}
	require.Empty(t, conn.began())

	// The connection is not even required to reject the batch.
	_, err := NewProducer(Config{}).Enqueue(context.Background(), nil, "orders", nil, EnqueueOptions{})
	require.ErrorIs(t, err, errx.ErrValidation)
}

func TestEnqueue_CommitsBatch(t *testing.T) {
	t.Parallel()

	tx := &txStub{}
	conn := &connStub{txs: []*txStub{tx}}
	m := newMetricsStub()
	cid := uuid.New()

	batch := msgs(`{"a":1}`, `{"b":2}`)
	batch[1].CorrelationID = cid

	n, err := NewProducer(Config{Metrics: m}).Enqueue(context.Background(), conn, " orders ", batch,
		EnqueueOptions{Recipients: []string{"billing", " ", "billing", "audit"}})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.True(t, tx.committed)
	require.Len(t, tx.execs, 2)

	insert := tx.execs[0]
	require.Equal(t, enqueueSQL, insert.sql)
	require.Equal(t, "orders", insert.args[0])
	require.Equal(t, []string{"billing", "audit"}, insert.args[1])
	ids := insert.args[2].([]uuid.UUID)
	require.Len(t, ids, 2)
	require.NotEqual(t, uuid.Nil, ids[0])
	require.Equal(t, cid, ids[1])
	require.Equal(t, []string{`{"a":1}`, `{"b":2}`}, insert.args[3])

	require.Equal(t, notifySQL, tx.execs[1].sql)
	require.Equal(t, []any{NotifyChannel, "orders"}, tx.execs[1].args)

	require.Equal(t, 2, m.enqueued["orders"])
}

func TestEnqueue_CommitFailureIsCommitError(t *testing.T) {
	t.Parallel()

	tx := &txStub{commitErr: errors.New("connection reset by peer")}
	conn := &connStub{txs: []*txStub{tx}}
	m := newMetricsStub()

	n, err := NewProducer(Config{Metrics: m}).Enqueue(context.Background(), conn, "orders", msgs(`{"a":1}`, `{"b":2}`), EnqueueOptions{})
	require.Zero(t, n)
	require.ErrorIs(t, err, errx.ErrCommit)
	require.NotErrorIs(t, err, errx.ErrEnqueue)
	require.Contains(t, err.Error(), `queue "orders"`)
	require.Len(t, tx.execs, 2)
	require.Equal(t, 1, m.errors["enqueue/commit"])
	require.Zero(t, m.enqueued["orders"])
}

func TestEnqueue_SubmitFailureIsEnqueueError(t *testing.T) {
	t.Parallel()

	tx := &txStub{execErr: &pgconn.PgError{Code: "42P01", Message: `relation "dbqueue_messages" does not exist`}}
	conn := &connStub{txs: []*txStub{tx}}

	_, err := NewProducer(Config{}).Enqueue(context.Background(), conn, "orders", msgs(`1`), EnqueueOptions{})
	require.ErrorIs(t, err, errx.ErrEnqueue)
	require.Equal(t, "42P01", errx.CodeOf(err))
	require.Contains(t, err.Error(), "run migrate")
	require.True(t, tx.rolledBack)
	require.False(t, tx.committed)
}

func TestEnqueue_BeginFailure(t *testing.T) {
	t.Parallel()

	conn := &connStub{beginErr: errors.New("conn busy")}
	_, err := NewProducer(Config{}).Enqueue(context.Background(), conn, "orders", msgs(`1`), EnqueueOptions{})
	require.ErrorIs(t, err, errx.ErrEnqueue)
	require.True(t, errx.Retryable(err))
}

func TestEnqueue_RejectsBadInput(t *testing.T) {
	t.Parallel()

	conn := &connStub{}
	p := NewProducer(Config{})

	_, err := p.Enqueue(context.Background(), conn, "  ", msgs(`1`), EnqueueOptions{})
	require.ErrorIs(t, err, errx.ErrValidation)

	_, err = p.Enqueue(context.Background(), conn, "orders", msgs(`{"a":`), EnqueueOptions{})
	require.ErrorIs(t, err, errx.ErrValidation)

	_, err = p.Enqueue(context.Background(), nil, "orders", msgs(`1`), EnqueueOptions{})
	require.ErrorIs(t, err, errx.ErrConfig)

	require.Empty(t, conn.began())
}

type keysStub struct {
	claimed []idempotency.Record
	result  idempotency.ClaimResult
	err     error
}

func (k *keysStub) Claim(_ context.Context, _ postgres.Runner, rec idempotency.Record) (idempotency.ClaimResult, error) {
	k.claimed = append(k.claimed, rec)
	if k.err != nil {
		return idempotency.ClaimResult{}, k.err
	}
	if k.result.Record == nil {
		return idempotency.ClaimResult{Claimed: true, Record: &rec}, nil
	}
	return k.result, nil
}
func (k *keysStub) Get(context.Context, postgres.Runner, string, string) (*idempotency.Record, error) {
	return nil, nil
}
func (k *keysStub) DeleteExpired(context.Context, postgres.Runner, time.Time) (int64, error) {
	return 0, nil
}

func TestEnqueue_IdempotencyKey(t *testing.T) {
	t.Parallel()

	t.Run("fresh key enqueues", func(t *testing.T) {
		t.Parallel()
		tx := &txStub{}
		conn := &connStub{txs: []*txStub{tx}}
		keys := &keysStub{}

		n, err := NewProducer(Config{Keys: keys, KeyTTL: time.Hour}).Enqueue(context.Background(), conn, "orders",
			msgs(`1`, `2`), EnqueueOptions{IdempotencyKey: " k1 ", Recipients: []string{"billing"}})
		require.NoError(t, err)
		require.Equal(t, 2, n)
		require.True(t, tx.committed)
		require.Len(t, tx.execs, 2)

		require.Len(t, keys.claimed, 1)
		rec := keys.claimed[0]
		require.Equal(t, "orders", rec.Queue)
		require.Equal(t, "k1", rec.IdempotencyKey)
		require.Equal(t, 2, rec.Count)
		require.Equal(t, idempotency.RequestHash([][]byte{[]byte(`1`), []byte(`2`)}, []string{"billing"}), rec.RequestHash)
		require.WithinDuration(t, time.Now().Add(time.Hour), rec.ExpiresAt, time.Minute)
	})

	t.Run("known key replays without insert", func(t *testing.T) {
		t.Parallel()
		tx := &txStub{}
		conn := &connStub{txs: []*txStub{tx}}
		m := newMetricsStub()
		keys := &keysStub{result: idempotency.ClaimResult{Record: &idempotency.Record{Count: 2}}}

		n, err := NewProducer(Config{Keys: keys, Metrics: m}).Enqueue(context.Background(), conn, "orders",
			msgs(`1`, `2`), EnqueueOptions{IdempotencyKey: "k1"})
		require.NoError(t, err)
		require.Equal(t, 2, n)
		require.Empty(t, tx.execs)
		require.False(t, tx.committed)
		require.True(t, tx.rolledBack)
		require.Zero(t, m.enqueued["orders"])
	})

	t.Run("reused key with another batch is rejected", func(t *testing.T) {
		t.Parallel()
		tx := &txStub{}
		conn := &connStub{txs: []*txStub{tx}}
		keys := &keysStub{err: fmt.Errorf("%w: queue=%q", idempotency.ErrRequestHashMismatch, "orders")}

		_, err := NewProducer(Config{Keys: keys}).Enqueue(context.Background(), conn, "orders",
			msgs(`1`), EnqueueOptions{IdempotencyKey: "k1"})
		require.ErrorIs(t, err, errx.ErrValidation)
		require.ErrorIs(t, err, idempotency.ErrRequestHashMismatch)
		require.True(t, tx.rolledBack)
	})

	t.Run("no key skips the store", func(t *testing.T) {
		t.Parallel()
		keys := &keysStub{}
		_, err := NewProducer(Config{Keys: keys}).Enqueue(context.Background(), &connStub{}, "orders", msgs(`1`), EnqueueOptions{})
		require.NoError(t, err)
		require.Empty(t, keys.claimed)
	})
}
