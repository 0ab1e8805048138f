package queue

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vortex-fintech/dbqueue/data/idempotency"
	"github.com/vortex-fintech/dbqueue/foundation/errx"
)

const (
	tracerName = "github.com/vortex-fintech/dbqueue/data/queue"

	// DefaultPollInterval bounds a single notification wait, so a consumer
	// that missed a NOTIFY (or skipped a row locked by another group) looks
	// again.
	DefaultPollInterval = 5 * time.Second
)

// Config is shared by Producer and Consumer. The zero value is usable.
type Config struct {
	Logger         *zap.Logger
	Metrics        Metrics
	TracerProvider trace.TracerProvider
	PollInterval   time.Duration

	// Keys stores enqueue idempotency keys; nil uses the Postgres store.
	Keys idempotency.Store
	// KeyTTL is how long a key is remembered; zero means idempotency.DefaultTTL.
	KeyTTL time.Duration
}

type deps struct {
	log     *zap.Logger
	metrics Metrics
	tracer  trace.Tracer
	poll    time.Duration
	keys    idempotency.Store
	keyTTL  time.Duration
}

func (c Config) deps() deps {
	d := deps{log: c.Logger, metrics: c.Metrics, poll: c.PollInterval, keys: c.Keys, keyTTL: c.KeyTTL}
	if d.log == nil {
		d.log = zap.NewNop()
	}
	if d.metrics == nil {
		d.metrics = nopMetrics{}
	}
	tp := c.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	d.tracer = tp.Tracer(tracerName)
	if d.poll <= 0 {
		d.poll = DefaultPollInterval
	}
	if d.keys == nil {
		d.keys = idempotency.NewPostgresStore()
	}
	if d.keyTTL <= 0 {
		d.keyTTL = idempotency.DefaultTTL
	}
	return d
}

// fail records err on the span and the error counter and returns it.
func (d deps) fail(span trace.Span, op string, err error) error {
	kind := string(errx.KindOf(err))
	if kind == "" {
		kind = "unknown"
	}
	d.metrics.IncError(op, kind)
	span.RecordError(err)
	span.SetStatus(codes.Error, kind)
	return err
}
