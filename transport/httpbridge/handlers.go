package httpbridge

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/vortex-fintech/dbqueue/data/queue"
	"github.com/vortex-fintech/dbqueue/data/sqlexec"
	apierr "github.com/vortex-fintech/dbqueue/foundation/errors"
	"github.com/vortex-fintech/dbqueue/foundation/errx"
	"github.com/vortex-fintech/dbqueue/foundation/netutil"
	"github.com/vortex-fintech/dbqueue/foundation/validator"
)

type enqueueRequest struct {
	Payload    json.RawMessage `json:"payload"`
	Recipients []string        `json:"recipients" validate:"omitempty,dive,max=128"`
}

type enqueueResponse struct {
	Count int `json:"count"`
}

type dequeueRequest struct {
	MaxBatch      int    `json:"maxBatch" validate:"gte=0"`
	WaitSeconds   int    `json:"waitSeconds" validate:"gte=0"`
	WaitForever   bool   `json:"waitForever"`
	ConsumerGroup string `json:"consumerGroup" validate:"max=128"`
}

type envelope struct {
	ID            int64           `json:"id"`
	CorrelationID string          `json:"correlationId"`
	Queue         string          `json:"queue"`
	Consumer      string          `json:"consumer,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
	DequeuedAt    time.Time       `json:"dequeuedAt"`
}

type dequeueResponse struct {
	Messages []envelope `json:"messages"`
}

type sqlRequest struct {
	SQL       string          `json:"sql" validate:"required"`
	Binds     json.RawMessage `json:"binds"`
	MaxRows   int             `json:"maxRows" validate:"gte=0"`
	Commit    bool            `json:"commit"`
	TimeoutMs int64           `json:"timeoutMs" validate:"gte=0"`
}

type sqlResponse struct {
	Columns      []string         `json:"columns"`
	Rows         []map[string]any `json:"rows"`
	RowsAffected int64            `json:"rowsAffected"`
	Truncated    bool             `json:"truncated"`
}

func (b *bridge) enqueue(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("queue")

	var req enqueueRequest
	if err := decode(r, &req, false); err != nil {
		writeError(w, r, b.log, decodeError("enqueue", err))
		return
	}
	if bad := validator.Validate(req); bad != nil {
		writeError(w, r, b.log, apierr.ValidationFields(bad))
		return
	}
	msgs, err := queue.DecodeBatch(req.Payload)
	if err != nil {
		writeError(w, r, b.log, err)
		return
	}
	if len(msgs) == 0 {
		writeError(w, r, b.log, errx.Validation("enqueue", "payload must be a non-empty array"))
		return
	}

	sess, err := b.cfg.Sessions.Acquire(r.Context())
	if err != nil {
		writeError(w, r, b.log, err)
		return
	}
	defer sess.Release()

	n, err := b.cfg.Producer.Enqueue(r.Context(), sess, name, msgs, queue.EnqueueOptions{
		Recipients:     req.Recipients,
		IdempotencyKey: r.Header.Get(idempotencyKeyHeader),
	})
	if err != nil {
		writeError(w, r, b.log, err)
		return
	}
	writeJSON(w, http.StatusOK, enqueueResponse{Count: n})
}

func (b *bridge) dequeue(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("queue")

	var req dequeueRequest
	if err := decode(r, &req, true); err != nil {
		writeError(w, r, b.log, decodeError("dequeue", err))
		return
	}
	if bad := validator.Validate(req); bad != nil {
		writeError(w, r, b.log, apierr.ValidationFields(bad))
		return
	}

	opts := queue.DequeueOptions{
		MaxBatch:      req.MaxBatch,
		Wait:          queue.Bounded(req.WaitSeconds),
		ConsumerGroup: strings.TrimSpace(req.ConsumerGroup),
	}
	if opts.MaxBatch == 0 {
		opts.MaxBatch = 1
	}
	if req.WaitForever {
		opts.Wait = queue.Forever()
	}

	sess, err := b.cfg.Sessions.Acquire(r.Context())
	if err != nil {
		writeError(w, r, b.log, err)
		return
	}
	defer sess.Release()

	envs, err := b.cfg.Consumer.Dequeue(r.Context(), sess, name, opts)
	if err != nil {
		writeError(w, r, b.log, err)
		return
	}

	out := dequeueResponse{Messages: make([]envelope, len(envs))}
	for i, e := range envs {
		out.Messages[i] = envelope{
			ID:            e.ID,
			CorrelationID: e.CorrelationID.String(),
			Queue:         e.Queue,
			Consumer:      e.Consumer,
			Payload:       e.Payload,
			EnqueuedAt:    e.EnqueuedAt,
			DequeuedAt:    e.DequeuedAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (b *bridge) sql(w http.ResponseWriter, r *http.Request) {
	var req sqlRequest
	if err := decode(r, &req, false); err != nil {
		writeError(w, r, b.log, decodeError("sql", err))
		return
	}
	req.SQL = strings.TrimSpace(req.SQL)
	if bad := validator.Validate(req); bad != nil {
		writeError(w, r, b.log, apierr.ValidationFields(bad))
		return
	}
	if _, err := sqlexec.DecodeBinds(req.Binds); err != nil {
		writeError(w, r, b.log, err)
		return
	}

	sess, err := b.cfg.Sessions.Acquire(r.Context())
	if err != nil {
		writeError(w, r, b.log, err)
		return
	}
	defer sess.Release()

	res, err := sqlexec.Execute(r.Context(), sess, sqlexec.Statement{
		SQL:     req.SQL,
		Binds:   req.Binds,
		MaxRows: req.MaxRows,
		Commit:  req.Commit,
		Timeout: netutil.BoundTimeout(netutil.Millis(req.TimeoutMs), b.cfg.SQLTimeout, maxSQLTimeout),
	})
	if err != nil {
		writeError(w, r, b.log, err)
		return
	}
	writeJSON(w, http.StatusOK, sqlResponse{
		Columns:      res.Columns,
		Rows:         res.Rows,
		RowsAffected: res.RowsAffected,
		Truncated:    res.Truncated,
	})
}

// decode reads one JSON object and rejects unknown fields. An empty body is
// accepted only when allowEmpty is set.
func decode(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			if allowEmpty {
				return nil
			}
			return errors.New("empty body")
		}
		return err
	}
	return nil
}
