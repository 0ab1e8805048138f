package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vortex-fintech/dbqueue/data/idempotency"
	"github.com/vortex-fintech/dbqueue/data/postgres"
	"github.com/vortex-fintech/dbqueue/foundation/errx"
	"github.com/vortex-fintech/dbqueue/foundation/validator"
)

const enqueueSQL = `
	INSERT INTO dbqueue_messages (queue_name, recipients, correlation_id, payload)
	SELECT $1, $2::text[], m.correlation_id, m.payload
	  FROM unnest($3::uuid[], $4::jsonb[]) WITH ORDINALITY AS m(correlation_id, payload, ord)
	 ORDER BY m.ord
`

const notifySQL = `SELECT pg_notify($1, $2)`

type Producer struct {
	d deps
}

func NewProducer(cfg Config) *Producer {
	return &Producer{d: cfg.deps()}
}

// Enqueue submits msgs as one batch and commits. The count is returned only
// after the commit succeeded.
func (p *Producer) Enqueue(ctx context.Context, conn postgres.Conn, queue string, msgs []Message, opts EnqueueOptions) (int, error) {
	ctx, span := p.d.tracer.Start(ctx, "dbqueue.enqueue", trace.WithAttributes(
		attribute.String("dbqueue.queue", queue),
		attribute.Int("dbqueue.batch_size", len(msgs)),
	))
	defer span.End()

	n, err := p.enqueue(ctx, conn, queue, msgs, opts)
	if err != nil {
		return 0, p.d.fail(span, "enqueue", err)
	}
	return n, nil
}

func (p *Producer) enqueue(ctx context.Context, conn postgres.Conn, queue string, msgs []Message, opts EnqueueOptions) (int, error) {
	queue, err := validateQueueName("enqueue", queue)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, errx.Validation("enqueue", "payload must be a non-empty array")
	}
	if conn == nil {
		return 0, errx.New(errx.KindConfig, "enqueue", "connection is required")
	}

	ids := make([]uuid.UUID, len(msgs))
	payloads := make([]string, len(msgs))
	for i, m := range msgs {
		if !json.Valid(m.Payload) {
			return 0, errx.Validation("enqueue", "message payload is not valid JSON")
		}
		cid := m.CorrelationID
		if cid == uuid.Nil {
			cid = uuid.New()
		}
		ids[i] = cid
		payloads[i] = string(m.Payload)
	}
	recipients := cleanRecipients(opts.Recipients)

	key := strings.TrimSpace(opts.IdempotencyKey)
	if validator.Var(key, maxNameTag) != "" {
		return 0, errx.Validation("enqueue", "idempotency key is too long")
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, wrapStoreErr(errx.KindEnqueue, "enqueue", queue, err)
	}
	committed := false
	defer func() {
		if !committed {
			postgres.RollbackQuietly(tx)
		}
	}()

	if key != "" {
		raw := make([][]byte, len(msgs))
		for i, m := range msgs {
			raw[i] = m.Payload
		}
		claim, err := p.d.keys.Claim(ctx, tx, idempotency.Record{
			Queue:          queue,
			IdempotencyKey: key,
			RequestHash:    idempotency.RequestHash(raw, recipients),
			Count:          len(msgs),
			ExpiresAt:      time.Now().Add(p.d.keyTTL),
		})
		if errors.Is(err, idempotency.ErrRequestHashMismatch) {
			return 0, errx.WrapQueue(errx.KindValidation, "enqueue", queue, err)
		}
		if err != nil {
			return 0, wrapStoreErr(errx.KindEnqueue, "enqueue", queue, err)
		}
		if !claim.Claimed {
			p.d.log.Debug("enqueue replayed",
				zap.String("queue", queue),
				zap.String("idempotency_key", key),
				zap.Int("count", claim.Record.Count),
			)
			return claim.Record.Count, nil
		}
	}

	if _, err := tx.Exec(ctx, enqueueSQL, queue, recipients, ids, payloads); err != nil {
		return 0, wrapStoreErr(errx.KindEnqueue, "enqueue", queue, err)
	}
	if _, err := tx.Exec(ctx, notifySQL, NotifyChannel, queue); err != nil {
		return 0, wrapStoreErr(errx.KindEnqueue, "enqueue", queue, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, errx.WrapQueue(errx.KindCommit, "enqueue", queue, err)
	}
	committed = true

	p.d.metrics.IncEnqueued(queue, len(msgs))
	p.d.log.Debug("enqueued",
		zap.String("queue", queue),
		zap.Int("count", len(msgs)),
		zap.Int("recipients", len(recipients)),
	)
	return len(msgs), nil
}

// wrapStoreErr attaches a hint when the queue tables are missing.
func wrapStoreErr(kind errx.Kind, op, queue string, err error) error {
	if postgres.IsUndefinedTable(err) {
		return &errx.Error{Kind: kind, Op: op, Queue: queue, Msg: "queue tables missing; run migrate", Err: err}
	}
	return errx.WrapQueue(kind, op, queue, err)
}
