package queue

import (
	"context"
	"time"

	"github.com/vortex-fintech/dbqueue/data/idempotency"
	"github.com/vortex-fintech/dbqueue/data/postgres"
	"github.com/vortex-fintech/dbqueue/foundation/errx"
)

// schemaSQL is idempotent; it is safe to run on every start.
var schemaSQL = []string{
	`CREATE TABLE IF NOT EXISTS dbqueue_messages (
		id             BIGSERIAL PRIMARY KEY,
		queue_name     TEXT        NOT NULL,
		correlation_id UUID        NOT NULL,
		recipients     TEXT[]      NOT NULL DEFAULT '{}',
		payload        JSONB       NOT NULL,
		enqueued_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS dbqueue_messages_queue_id_idx
		ON dbqueue_messages (queue_name, id)`,
	`CREATE INDEX IF NOT EXISTS dbqueue_messages_enqueued_at_idx
		ON dbqueue_messages (enqueued_at)`,
	`CREATE TABLE IF NOT EXISTS dbqueue_consumptions (
		message_id  BIGINT      NOT NULL REFERENCES dbqueue_messages (id) ON DELETE CASCADE,
		consumer    TEXT        NOT NULL,
		consumed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (message_id, consumer)
	)`,
}

// EnsureSchema creates the queue tables and indexes when missing.
func EnsureSchema(ctx context.Context, run postgres.Runner) error {
	if run == nil {
		return errx.New(errx.KindConfig, "migrate", "connection is required")
	}
	for _, stmt := range append(schemaSQL, idempotency.SchemaSQL...) {
		if _, err := run.Exec(ctx, stmt); err != nil {
			return errx.Wrap(errx.KindConfig, "migrate", err)
		}
	}
	return nil
}

// Purge deletes messages of queue enqueued before the given time, consumed or
// not, and returns how many were removed. A zero before means now.
func Purge(ctx context.Context, run postgres.Runner, queue string, before time.Time) (int64, error) {
	queue, err := validateQueueName("purge", queue)
	if err != nil {
		return 0, err
	}
	if run == nil {
		return 0, errx.New(errx.KindConfig, "purge", "connection is required")
	}
	if before.IsZero() {
		before = time.Now()
	}

	res, err := run.Exec(ctx, `
		DELETE FROM dbqueue_messages
		 WHERE queue_name = $1
		   AND enqueued_at < $2
	`, queue, before.UTC())
	if err != nil {
		return 0, wrapStoreErr(errx.KindEnqueue, "purge", queue, err)
	}
	return res.RowsAffected(), nil
}
