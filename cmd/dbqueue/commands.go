package main

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/vortex-fintech/dbqueue/data/idempotency"
	"github.com/vortex-fintech/dbqueue/data/postgres"
	"github.com/vortex-fintech/dbqueue/data/queue"
	"github.com/vortex-fintech/dbqueue/data/sqlexec"
	"github.com/vortex-fintech/dbqueue/foundation/errx"
	"github.com/vortex-fintech/dbqueue/foundation/logger"
	"github.com/vortex-fintech/dbqueue/foundation/retry"
)

// withLease runs fn on one leased connection and drains the manager after.
// Leasing is retried briefly; fn itself is not.
func withLease(c *cli.Context, fn func(ctx context.Context, cfg Config, log *zap.Logger, conn postgres.Conn) error) error {
	cfg, log, mgr, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.SafeSync(log)
	defer mgr.Drain(cfg.DrainTimeout)

	ctx := c.Context
	var lease *postgres.Lease
	err = retry.Fast(ctx, func(ctx context.Context) error {
		l, err := mgr.Lease(ctx)
		if err != nil {
			return err
		}
		lease = l
		return nil
	})
	if err != nil {
		return err
	}
	defer lease.Release()

	return fn(ctx, cfg, log, lease)
}

func queueArg(c *cli.Context) (string, error) {
	name := strings.TrimSpace(c.Args().First())
	if name == "" {
		return "", errx.Validation(c.Command.Name, "queue name argument is required")
	}
	return name, nil
}

func printJSON(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

func migrate(c *cli.Context) error {
	return withLease(c, func(ctx context.Context, _ Config, log *zap.Logger, conn postgres.Conn) error {
		if err := queue.EnsureSchema(ctx, conn); err != nil {
			return err
		}
		log.Info("queue schema ready")
		return nil
	})
}

func enqueue(c *cli.Context) error {
	name, err := queueArg(c)
	if err != nil {
		return err
	}
	raw := []byte(c.String("payload"))
	if c.String("payload") == "-" {
		if raw, err = io.ReadAll(os.Stdin); err != nil {
			return err
		}
	}
	msgs, err := queue.DecodeBatch(raw)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return errx.Validation("enqueue", "payload must be a non-empty array")
	}

	return withLease(c, func(ctx context.Context, cfg Config, log *zap.Logger, conn postgres.Conn) error {
		n, err := queue.NewProducer(queueConfig(cfg, log, nil)).Enqueue(ctx, conn, name, msgs, queue.EnqueueOptions{
			Recipients:     c.StringSlice("recipient"),
			IdempotencyKey: c.String("idempotency-key"),
		})
		if err != nil {
			return err
		}
		return printJSON(c.App.Writer, map[string]int{"count": n})
	})
}

type envelopeOut struct {
	ID            int64           `json:"id"`
	CorrelationID string          `json:"correlationId"`
	Queue         string          `json:"queue"`
	Consumer      string          `json:"consumer,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
	DequeuedAt    time.Time       `json:"dequeuedAt"`
}

func dequeue(c *cli.Context) error {
	name, err := queueArg(c)
	if err != nil {
		return err
	}
	opts := queue.DequeueOptions{
		MaxBatch:      c.Int("max-batch"),
		Wait:          waitPolicy(c),
		ConsumerGroup: strings.TrimSpace(c.String("consumer")),
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	return withLease(c, func(ctx context.Context, cfg Config, log *zap.Logger, conn postgres.Conn) error {
		envs, err := queue.NewConsumer(queueConfig(cfg, log, nil)).Dequeue(ctx, conn, name, opts)
		if err != nil {
			return err
		}
		for _, e := range envs {
			if err := printJSON(c.App.Writer, envelopeOut{
				ID:            e.ID,
				CorrelationID: e.CorrelationID.String(),
				Queue:         e.Queue,
				Consumer:      e.Consumer,
				Payload:       e.Payload,
				EnqueuedAt:    e.EnqueuedAt,
				DequeuedAt:    e.DequeuedAt,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func purge(c *cli.Context) error {
	name, err := queueArg(c)
	if err != nil {
		return err
	}
	before := time.Now().Add(-c.Duration("older-than"))

	return withLease(c, func(ctx context.Context, _ Config, log *zap.Logger, conn postgres.Conn) error {
		n, err := queue.Purge(ctx, conn, name, before)
		if err != nil {
			return err
		}
		keys, err := idempotency.NewPostgresStore().DeleteExpired(ctx, conn, time.Time{})
		if err != nil {
			return errx.WrapQueue(errx.KindQuery, "purge", name, err)
		}
		log.Info("purged",
			zap.String("queue", name),
			zap.Int64("messages", n),
			zap.Int64("expired_keys", keys),
		)
		return printJSON(c.App.Writer, map[string]int64{"messages": n, "expiredKeys": keys})
	})
}

func runSQL(c *cli.Context) error {
	st := sqlexec.Statement{
		SQL:     c.String("sql"),
		Binds:   json.RawMessage(c.String("binds")),
		MaxRows: c.Int("max-rows"),
		Commit:  c.Bool("commit"),
		Timeout: c.Duration("timeout"),
	}
	if _, err := sqlexec.DecodeBinds(st.Binds); err != nil {
		return err
	}

	return withLease(c, func(ctx context.Context, _ Config, _ *zap.Logger, conn postgres.Conn) error {
		res, err := sqlexec.Execute(ctx, conn, st)
		if err != nil {
			return err
		}
		return printJSON(c.App.Writer, map[string]any{
			"columns":      res.Columns,
			"rows":         res.Rows,
			"rowsAffected": res.RowsAffected,
			"truncated":    res.Truncated,
		})
	})
}
