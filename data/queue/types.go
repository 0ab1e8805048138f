package queue

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/vortex-fintech/dbqueue/foundation/errx"
	"github.com/vortex-fintech/dbqueue/foundation/netutil"
	"github.com/vortex-fintech/dbqueue/foundation/validator"
)

const (
	// MaxDequeueBatch caps one receive, matching the SQL executor's row cap.
	MaxDequeueBatch = 1000

	// NotifyChannel carries the queue name of every committed enqueue.
	NotifyChannel = "dbqueue"

	maxNameTag = "max=128"
)

// Message is one item to enqueue. A zero CorrelationID is replaced by a
// random one.
type Message struct {
	Payload       json.RawMessage
	CorrelationID uuid.UUID
}

// Envelope is a dequeued message.
type Envelope struct {
	ID            int64
	CorrelationID uuid.UUID
	Queue         string
	Consumer      string
	Payload       json.RawMessage
	EnqueuedAt    time.Time
	DequeuedAt    time.Time
}

type EnqueueOptions struct {
	// Recipients limits delivery to these consumer groups. Empty means every
	// consumer, including anonymous ones.
	Recipients []string
	// IdempotencyKey, when set, makes a retry of the same batch replay the
	// first result instead of enqueueing again.
	IdempotencyKey string
}

// WaitPolicy says how long Dequeue waits for a message.
type WaitPolicy struct {
	forever bool
	seconds int
}

// Bounded waits up to seconds; 0 polls without blocking.
func Bounded(seconds int) WaitPolicy { return WaitPolicy{seconds: seconds} }

// Forever waits until a message arrives or the context ends.
func Forever() WaitPolicy { return WaitPolicy{forever: true} }

func (w WaitPolicy) IsForever() bool { return w.forever }

// Timeout is the bounded wait; zero for polls and forever waits.
func (w WaitPolicy) Timeout() time.Duration {
	if w.forever {
		return 0
	}
	return netutil.Seconds(w.seconds)
}

func (w WaitPolicy) blocks() bool { return w.forever || w.seconds > 0 }

func (w WaitPolicy) String() string {
	if w.forever {
		return "forever"
	}
	return fmt.Sprintf("%ds", w.seconds)
}

type DequeueOptions struct {
	MaxBatch      int `validate:"gte=1"`
	Wait          WaitPolicy
	ConsumerGroup string `validate:"max=128"`
}

// Validate checks the options without touching a connection.
func (o DequeueOptions) Validate() error {
	if bad := validator.Validate(o); len(bad) > 0 {
		if _, ok := bad["MaxBatch"]; ok {
			return errx.Validation("dequeue", "maxBatch must be at least 1")
		}
		return errx.Validation("dequeue", "consumer group name is too long")
	}
	if !o.Wait.forever && o.Wait.seconds < 0 {
		return errx.Validation("dequeue", "wait seconds must be >= 0")
	}
	return nil
}

// DecodeBatch parses a workflow payload into messages. Anything other than a
// JSON array, including null, is a validation error.
func DecodeBatch(raw []byte) ([]Message, error) {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, errx.Validation("enqueue", "payload must be a JSON array")
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, errx.Validation("enqueue", "payload is not valid JSON")
	}

	msgs := make([]Message, len(items))
	for i, it := range items {
		msgs[i] = Message{Payload: it}
	}
	return msgs, nil
}

func validateQueueName(op, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errx.Validation(op, "queue name is required")
	}
	if validator.Var(name, maxNameTag) != "" {
		return "", errx.Validation(op, "queue name is too long")
	}
	return name, nil
}

// cleanRecipients trims, drops blanks and removes duplicates, keeping order.
func cleanRecipients(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
