// Package idempotency records enqueue keys. A key is claimed inside the
// enqueue transaction, so it exists exactly when the batch it names was
// committed, and a retry carrying the same key replays the stored count.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/vortex-fintech/dbqueue/data/postgres"
	"github.com/vortex-fintech/dbqueue/foundation/hash"
)

// DefaultTTL is how long a claimed key is remembered.
const DefaultTTL = 24 * time.Hour

var (
	ErrNilRunner              = errors.New("idempotency: runner is required")
	ErrQueueRequired          = errors.New("idempotency: queue is required")
	ErrIdempotencyKeyRequired = errors.New("idempotency: idempotency key is required")
	ErrRequestHashRequired    = errors.New("idempotency: request hash is required")
	ErrExpiresAtInvalid       = errors.New("idempotency: expires_at must be after created_at")
	ErrRequestHashMismatch    = errors.New("idempotency: idempotency key reused with a different batch")
	ErrInconsistentState      = errors.New("idempotency: inconsistent state")
)

type Record struct {
	Queue          string
	IdempotencyKey string
	RequestHash    string
	// Count is the number of messages the original batch enqueued.
	Count     int
	CreatedAt time.Time
	ExpiresAt time.Time
}

type ClaimResult struct {
	// Claimed is false when a live record for the key already existed.
	Claimed bool
	Record  *Record
}

type Store interface {
	Claim(ctx context.Context, run postgres.Runner, rec Record) (ClaimResult, error)
	Get(ctx context.Context, run postgres.Runner, queue, idemKey string) (*Record, error)
	DeleteExpired(ctx context.Context, run postgres.Runner, before time.Time) (int64, error)
}

// RequestHash fingerprints a batch: payloads in order, then recipients.
func RequestHash(payloads [][]byte, recipients []string) string {
	parts := make([][]byte, 0, len(payloads)+len(recipients)+1)
	parts = append(parts, payloads...)
	parts = append(parts, []byte(hash.CanonicalStrings(recipients...)))
	return hash.Canonical(parts...)
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
