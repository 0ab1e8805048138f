package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vortex-fintech/dbqueue/data/postgres"
	"github.com/vortex-fintech/dbqueue/foundation/errx"
)

// dequeueSQL picks up to $3 messages of queue $1 visible to consumer $2,
// records the consumption and returns the picked rows in id order.
const dequeueSQL = `
	WITH picked AS (
		SELECT m.id
		  FROM dbqueue_messages m
		 WHERE m.queue_name = $1
		   AND (cardinality(m.recipients) = 0 OR $2 = ANY(m.recipients))
		   AND NOT EXISTS (
		       SELECT 1 FROM dbqueue_consumptions c
		        WHERE c.message_id = m.id AND c.consumer = $2)
		 ORDER BY m.id
		 LIMIT $3
		   FOR UPDATE OF m SKIP LOCKED
	), consumed AS (
		INSERT INTO dbqueue_consumptions (message_id, consumer)
		SELECT id, $2 FROM picked
		ON CONFLICT DO NOTHING
		RETURNING message_id, consumed_at
	)
	SELECT m.id, m.correlation_id::text, m.queue_name, m.payload, m.enqueued_at, c.consumed_at
	  FROM consumed c
	  JOIN dbqueue_messages m ON m.id = c.message_id
	 ORDER BY m.id
`

const unlistenTimeout = 5 * time.Second

type Consumer struct {
	d deps
}

func NewConsumer(cfg Config) *Consumer {
	return &Consumer{d: cfg.deps()}
}

// Dequeue receives up to opts.MaxBatch messages and commits their
// consumption. A bounded wait that elapses returns an empty slice and no
// error. Cancelling ctx aborts any wait without committing.
func (c *Consumer) Dequeue(ctx context.Context, conn postgres.Conn, queue string, opts DequeueOptions) ([]Envelope, error) {
	ctx, span := c.d.tracer.Start(ctx, "dbqueue.dequeue", trace.WithAttributes(
		attribute.String("dbqueue.queue", queue),
		attribute.Int("dbqueue.max_batch", opts.MaxBatch),
		attribute.String("dbqueue.wait", opts.Wait.String()),
		attribute.String("dbqueue.consumer", opts.ConsumerGroup),
	))
	defer span.End()

	envs, err := c.dequeue(ctx, conn, queue, opts)
	if err != nil {
		return nil, c.d.fail(span, "dequeue", err)
	}
	span.SetAttributes(attribute.Int("dbqueue.received", len(envs)))
	return envs, nil
}

func (c *Consumer) dequeue(ctx context.Context, conn postgres.Conn, queue string, opts DequeueOptions) ([]Envelope, error) {
	queue, err := validateQueueName("dequeue", queue)
	if err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, errx.New(errx.KindConfig, "dequeue", "connection is required")
	}

	batch := opts.MaxBatch
	if batch > MaxDequeueBatch {
		batch = MaxDequeueBatch
	}
	consumer := opts.ConsumerGroup

	// Subscribe before the first look so an enqueue committed in between
	// still wakes us.
	if opts.Wait.blocks() {
		if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
			return nil, errx.WrapQueue(errx.KindReceive, "listen", queue, err)
		}
		defer c.unlisten(ctx, conn, queue)
	}

	var deadline time.Time
	if d := opts.Wait.Timeout(); d > 0 {
		deadline = time.Now().Add(d)
	}

	for {
		envs, err := c.receive(ctx, conn, queue, consumer, batch)
		if err != nil {
			return nil, err
		}
		if len(envs) > 0 {
			c.d.metrics.IncDequeued(queue, len(envs))
			c.d.log.Debug("dequeued",
				zap.String("queue", queue),
				zap.String("consumer", consumer),
				zap.Int("count", len(envs)),
			)
			return envs, nil
		}
		if !opts.Wait.blocks() {
			return []Envelope{}, nil
		}

		wait := c.d.poll
		if !opts.Wait.IsForever() {
			left := time.Until(deadline)
			if left <= 0 {
				return []Envelope{}, nil
			}
			wait = min(wait, left)
		}
		if err := c.await(ctx, conn, queue, wait); err != nil {
			return nil, err
		}
	}
}

// receive runs one transaction: pick, mark consumed, commit. An empty pick is
// rolled back.
func (c *Consumer) receive(ctx context.Context, conn postgres.Conn, queue, consumer string, batch int) ([]Envelope, error) {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, wrapStoreErr(errx.KindReceive, "dequeue", queue, err)
	}
	committed := false
	defer func() {
		if !committed {
			postgres.RollbackQuietly(tx)
		}
	}()

	rows, err := tx.Query(ctx, dequeueSQL, queue, consumer, batch)
	if err != nil {
		return nil, wrapStoreErr(errx.KindReceive, "dequeue", queue, err)
	}
	envs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Envelope, error) {
		var (
			e       Envelope
			cid     string
			payload []byte
		)
		if err := row.Scan(&e.ID, &cid, &e.Queue, &payload, &e.EnqueuedAt, &e.DequeuedAt); err != nil {
			return Envelope{}, err
		}
		id, err := uuid.Parse(cid)
		if err != nil {
			return Envelope{}, err
		}
		e.CorrelationID = id
		e.Payload = payload
		e.Consumer = consumer
		return e, nil
	})
	if err != nil {
		return nil, wrapStoreErr(errx.KindReceive, "dequeue", queue, err)
	}
	if len(envs) == 0 {
		return nil, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errx.WrapQueue(errx.KindCommit, "dequeue", queue, err)
	}
	committed = true
	return envs, nil
}

// await blocks until a notification for queue arrives or wait elapses. Only
// cancellation of ctx is an error.
func (c *Consumer) await(ctx context.Context, conn postgres.Conn, queue string, wait time.Duration) error {
	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	for {
		n, err := conn.WaitForNotification(wctx)
		switch {
		case ctx.Err() != nil:
			return errx.WrapQueue(errx.KindReceive, "dequeue", queue, ctx.Err())
		case errors.Is(err, context.DeadlineExceeded) || wctx.Err() != nil:
			return nil
		case err != nil:
			return errx.WrapQueue(errx.KindReceive, "dequeue", queue, err)
		case n.Payload == queue:
			return nil
		}
	}
}

func (c *Consumer) unlisten(ctx context.Context, conn postgres.Conn, queue string) {
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unlistenTimeout)
	defer cancel()
	if _, err := conn.Exec(uctx, "UNLISTEN "+NotifyChannel); err != nil {
		c.d.log.Warn("unlisten failed", zap.String("queue", queue), zap.Error(err))
	}
}
