package idempotency

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vortex-fintech/dbqueue/data/postgres"
)

// SchemaSQL creates the key table; queue.EnsureSchema runs it.
var SchemaSQL = []string{
	`CREATE TABLE IF NOT EXISTS dbqueue_enqueue_keys (
		queue_name      TEXT        NOT NULL,
		idempotency_key TEXT        NOT NULL,
		request_hash    TEXT        NOT NULL,
		message_count   INTEGER     NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL,
		expires_at      TIMESTAMPTZ NOT NULL,
		CONSTRAINT dbqueue_enqueue_keys_pkey PRIMARY KEY (queue_name, idempotency_key),
		CONSTRAINT dbqueue_enqueue_keys_expiry_chk CHECK (expires_at > created_at)
	)`,
	`CREATE INDEX IF NOT EXISTS dbqueue_enqueue_keys_expires_at_idx
		ON dbqueue_enqueue_keys (expires_at)`,
}

type PostgresStore struct{}

func NewPostgresStore() *PostgresStore {
	return &PostgresStore{}
}

var _ Store = (*PostgresStore)(nil)

// Claim inserts rec, or takes over a record whose expiry has passed. A live
// record with the same hash is returned with Claimed=false; a different hash
// is ErrRequestHashMismatch. Run it on the enqueue transaction: a concurrent
// claim of the same key blocks until that transaction ends.
func (s *PostgresStore) Claim(ctx context.Context, run postgres.Runner, rec Record) (ClaimResult, error) {
	ctx = ensureContext(ctx)

	if err := validateRunner(run); err != nil {
		return ClaimResult{}, err
	}
	if err := validateIdentity(rec.Queue, rec.IdempotencyKey); err != nil {
		return ClaimResult{}, err
	}
	if strings.TrimSpace(rec.RequestHash) == "" {
		return ClaimResult{}, ErrRequestHashRequired
	}

	now := nowUTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	} else {
		rec.CreatedAt = normalizeUTC(rec.CreatedAt)
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = rec.CreatedAt.Add(DefaultTTL)
	}
	rec.ExpiresAt = normalizeUTC(rec.ExpiresAt)
	if !rec.ExpiresAt.After(rec.CreatedAt) {
		return ClaimResult{}, ErrExpiresAtInvalid
	}

	err := run.QueryRow(ctx, `
		INSERT INTO dbqueue_enqueue_keys (
			queue_name, idempotency_key, request_hash,
			message_count, created_at, expires_at
		) VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (queue_name, idempotency_key) DO UPDATE
		   SET request_hash  = EXCLUDED.request_hash,
		       message_count = EXCLUDED.message_count,
		       created_at    = EXCLUDED.created_at,
		       expires_at    = EXCLUDED.expires_at
		 WHERE dbqueue_enqueue_keys.expires_at <= EXCLUDED.created_at
		RETURNING queue_name, idempotency_key, request_hash, message_count, created_at, expires_at
	`,
		rec.Queue,
		rec.IdempotencyKey,
		rec.RequestHash,
		rec.Count,
		rec.CreatedAt,
		rec.ExpiresAt,
	).Scan(
		&rec.Queue,
		&rec.IdempotencyKey,
		&rec.RequestHash,
		&rec.Count,
		&rec.CreatedAt,
		&rec.ExpiresAt,
	)
	if err == nil {
		return ClaimResult{Claimed: true, Record: &rec}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ClaimResult{}, err
	}

	existing, getErr := s.Get(ctx, run, rec.Queue, rec.IdempotencyKey)
	if getErr != nil {
		return ClaimResult{}, getErr
	}
	if existing == nil {
		return ClaimResult{}, ErrInconsistentState
	}
	if existing.RequestHash != rec.RequestHash {
		return ClaimResult{}, fmt.Errorf("%w: queue=%q idempotency_key=%q",
			ErrRequestHashMismatch, rec.Queue, rec.IdempotencyKey)
	}
	return ClaimResult{Claimed: false, Record: existing}, nil
}

// Get returns the record for the key, or nil when there is none.
func (s *PostgresStore) Get(ctx context.Context, run postgres.Runner, queue, idemKey string) (*Record, error) {
	ctx = ensureContext(ctx)

	if err := validateRunner(run); err != nil {
		return nil, err
	}
	if err := validateIdentity(queue, idemKey); err != nil {
		return nil, err
	}

	var rec Record
	err := run.QueryRow(ctx, `
		SELECT queue_name, idempotency_key, request_hash, message_count, created_at, expires_at
		  FROM dbqueue_enqueue_keys
		 WHERE queue_name = $1
		   AND idempotency_key = $2
	`, queue, idemKey).Scan(
		&rec.Queue,
		&rec.IdempotencyKey,
		&rec.RequestHash,
		&rec.Count,
		&rec.CreatedAt,
		&rec.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = normalizeUTC(rec.CreatedAt)
	rec.ExpiresAt = normalizeUTC(rec.ExpiresAt)
	return &rec, nil
}

// DeleteExpired removes keys that expired at or before the given time; zero
// means now.
func (s *PostgresStore) DeleteExpired(ctx context.Context, run postgres.Runner, before time.Time) (int64, error) {
	ctx = ensureContext(ctx)

	if err := validateRunner(run); err != nil {
		return 0, err
	}
	if before.IsZero() {
		before = nowUTC()
	} else {
		before = normalizeUTC(before)
	}

	res, err := run.Exec(ctx, `DELETE FROM dbqueue_enqueue_keys WHERE expires_at <= $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func validateIdentity(queue, idemKey string) error {
	if strings.TrimSpace(queue) == "" {
		return ErrQueueRequired
	}
	if strings.TrimSpace(idemKey) == "" {
		return ErrIdempotencyKeyRequired
	}
	return nil
}

func validateRunner(run postgres.Runner) error {
	if run == nil {
		return ErrNilRunner
	}
	rv := reflect.ValueOf(run)
	switch rv.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		if rv.IsNil() {
			return ErrNilRunner
		}
	}
	return nil
}

func nowUTC() time.Time {
	return normalizeUTC(time.Now())
}

func normalizeUTC(v time.Time) time.Time {
	return v.UTC().Truncate(time.Microsecond)
}
