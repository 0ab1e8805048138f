//go:build integration

package queue_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/vortex-fintech/dbqueue/data/auth"
	"github.com/vortex-fintech/dbqueue/data/postgres"
	"github.com/vortex-fintech/dbqueue/data/queue"
	"github.com/vortex-fintech/dbqueue/foundation/errx"
)

const (
	postgresImage = "postgres:16-alpine"
	testTimeout   = 2 * time.Minute
)

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        postgresImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "dbqueue",
				"POSTGRES_PASSWORD": "dbqueue",
				"POSTGRES_DB":       "dbqueue",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(testTimeout),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://%s:%s/dbqueue?sslmode=disable", host, port.Port())
}

func newManager(t *testing.T, target string, pooled bool) *postgres.Manager {
	t.Helper()
	m, err := postgres.NewManager(postgres.ManagerConfig{
		UsePool: pooled,
		Auth: auth.Config{
			Type:          auth.TypeBasic,
			ConnectTarget: target,
			Username:      "dbqueue",
			Password:      "dbqueue",
		},
		PoolMax:        4,
		QueueTimeoutMs: 5000,
	}, postgres.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { m.Drain(time.Second) })
	return m
}

func lease(t *testing.T, m *postgres.Manager) *postgres.Lease {
	t.Helper()
	l, err := m.Lease(context.Background())
	require.NoError(t, err)
	t.Cleanup(l.Release)
	return l
}

func TestQueue_Integration(t *testing.T) {
	target := startPostgres(t)
	m := newManager(t, target, true)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	conn := lease(t, m)
	require.NoError(t, queue.EnsureSchema(ctx, conn))
	require.NoError(t, queue.EnsureSchema(ctx, conn), "schema bootstrap is repeatable")

	cfg := queue.Config{Logger: zaptest.NewLogger(t), PollInterval: 200 * time.Millisecond}
	p := queue.NewProducer(cfg)
	c := queue.NewConsumer(cfg)

	batch, err := queue.DecodeBatch([]byte(`[{"n":1},{"n":2}]`))
	require.NoError(t, err)

	t.Run("enqueue then poll returns the batch in order", func(t *testing.T) {
		n, err := p.Enqueue(ctx, conn, "orders", batch, queue.EnqueueOptions{})
		require.NoError(t, err)
		require.Equal(t, 2, n)

		envs, err := c.Dequeue(ctx, conn, "orders", queue.DequeueOptions{MaxBatch: 5, Wait: queue.Bounded(0)})
		require.NoError(t, err)
		require.Len(t, envs, 2)
		require.JSONEq(t, `{"n":1}`, string(envs[0].Payload))
		require.JSONEq(t, `{"n":2}`, string(envs[1].Payload))
		require.Less(t, envs[0].ID, envs[1].ID)

		envs, err = c.Dequeue(ctx, conn, "orders", queue.DequeueOptions{MaxBatch: 5, Wait: queue.Bounded(0)})
		require.NoError(t, err)
		require.Empty(t, envs)
	})

	t.Run("recipients limit delivery", func(t *testing.T) {
		_, err := p.Enqueue(ctx, conn, "billing", batch[:1], queue.EnqueueOptions{Recipients: []string{"invoices"}})
		require.NoError(t, err)

		envs, err := c.Dequeue(ctx, conn, "billing", queue.DequeueOptions{MaxBatch: 1, ConsumerGroup: "audit"})
		require.NoError(t, err)
		require.Empty(t, envs)

		envs, err = c.Dequeue(ctx, conn, "billing", queue.DequeueOptions{MaxBatch: 1, ConsumerGroup: "invoices"})
		require.NoError(t, err)
		require.Len(t, envs, 1)
		require.Equal(t, "invoices", envs[0].Consumer)
	})

	t.Run("idempotency key replays", func(t *testing.T) {
		opts := queue.EnqueueOptions{IdempotencyKey: "batch-1"}
		n, err := p.Enqueue(ctx, conn, "replay", batch, opts)
		require.NoError(t, err)
		require.Equal(t, 2, n)

		n, err = p.Enqueue(ctx, conn, "replay", batch, opts)
		require.NoError(t, err)
		require.Equal(t, 2, n)

		envs, err := c.Dequeue(ctx, conn, "replay", queue.DequeueOptions{MaxBatch: 10})
		require.NoError(t, err)
		require.Len(t, envs, 2, "the replay must not enqueue again")

		_, err = p.Enqueue(ctx, conn, "replay", batch[:1], opts)
		require.ErrorIs(t, err, errx.ErrValidation)
	})

	t.Run("forever wait wakes on enqueue", func(t *testing.T) {
		waiter := lease(t, m)

		var (
			wg   sync.WaitGroup
			envs []queue.Envelope
			derr error
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			envs, derr = c.Dequeue(ctx, waiter, "wake", queue.DequeueOptions{MaxBatch: 1, Wait: queue.Forever()})
		}()

		time.Sleep(300 * time.Millisecond)
		payload, _ := json.Marshal([]map[string]string{{"hello": "world"}})
		msgs, err := queue.DecodeBatch(payload)
		require.NoError(t, err)
		_, err = p.Enqueue(ctx, conn, "wake", msgs, queue.EnqueueOptions{})
		require.NoError(t, err)

		wg.Wait()
		require.NoError(t, derr)
		require.Len(t, envs, 1)
	})

	t.Run("cancelled wait does not consume", func(t *testing.T) {
		// A cancelled wait can close the connection, so use a lease of its own.
		idle := lease(t, m)
		wctx, wcancel := context.WithTimeout(ctx, 300*time.Millisecond)
		defer wcancel()
		_, err := c.Dequeue(wctx, idle, "idle", queue.DequeueOptions{MaxBatch: 1, Wait: queue.Forever()})
		require.ErrorIs(t, err, errx.ErrReceive)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("purge", func(t *testing.T) {
		_, err := p.Enqueue(ctx, conn, "old", batch, queue.EnqueueOptions{})
		require.NoError(t, err)
		n, err := queue.Purge(ctx, conn, "old", time.Now().Add(time.Minute))
		require.NoError(t, err)
		require.EqualValues(t, 2, n)
	})
}

func TestStandaloneLease_Integration(t *testing.T) {
	target := startPostgres(t)
	m := newManager(t, target, false)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, m.Ping(ctx))
	require.Nil(t, m.PoolStat())

	m.Drain(time.Second)
	_, err := m.Lease(ctx)
	require.ErrorIs(t, err, postgres.ErrManagerClosed)
}
