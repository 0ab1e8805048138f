// Package prommetrics exposes queue counters and connection pool statistics
// to Prometheus.
package prommetrics

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vortex-fintech/dbqueue/data/queue"
)

func registerCollector(reg prometheus.Registerer, c prometheus.Collector) error {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return nil
		}
		return fmt.Errorf("register collector: %w", err)
	}
	return nil
}

// QueueMetrics implements queue.Metrics.
type QueueMetrics struct {
	enqueued *prometheus.CounterVec
	dequeued *prometheus.CounterVec
	errors   *prometheus.CounterVec
}

var _ queue.Metrics = (*QueueMetrics)(nil)

// NewQueueMetrics registers:
//   - {namespace}_enqueued_messages_total{queue}
//   - {namespace}_dequeued_messages_total{queue}
//   - {namespace}_operation_errors_total{op, kind}
func NewQueueMetrics(reg prometheus.Registerer, namespace string) (*QueueMetrics, error) {
	if reg == nil {
		return nil, errors.New("prometheus registerer is nil")
	}

	qm := &QueueMetrics{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enqueued_messages_total", Help: "Messages committed to a queue",
		}, []string{"queue"}),
		dequeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dequeued_messages_total", Help: "Messages received and committed from a queue",
		}, []string{"queue"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total", Help: "Failed queue operations by error kind",
		}, []string{"op", "kind"}),
	}

	for _, c := range []prometheus.Collector{qm.enqueued, qm.dequeued, qm.errors} {
		if err := registerCollector(reg, c); err != nil {
			return nil, err
		}
	}
	return qm, nil
}

func (m *QueueMetrics) IncEnqueued(q string, n int) { m.enqueued.WithLabelValues(q).Add(float64(n)) }
func (m *QueueMetrics) IncDequeued(q string, n int) { m.dequeued.WithLabelValues(q).Add(float64(n)) }
func (m *QueueMetrics) IncError(op, kind string)    { m.errors.WithLabelValues(op, kind).Inc() }

// StatSource is implemented by *postgres.Manager.
type StatSource interface {
	Pooled() bool
	PoolStat() *pgxpool.Stat
	Outstanding() int
}

// PoolCollector reads pool statistics on every scrape.
type PoolCollector struct {
	src StatSource

	outstanding  *prometheus.Desc
	pooled       *prometheus.Desc
	acquired     *prometheus.Desc
	idle         *prometheus.Desc
	total        *prometheus.Desc
	max          *prometheus.Desc
	acquireCount *prometheus.Desc
	acquireWait  *prometheus.Desc
	canceled     *prometheus.Desc
	emptyAcquire *prometheus.Desc
}

func NewPoolCollector(src StatSource, namespace string) *PoolCollector {
	d := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "pool", name), help, labels, nil)
	}
	return &PoolCollector{
		src:          src,
		outstanding:  d("outstanding_leases", "Leases handed out and not yet released"),
		pooled:       d("mode", "Connection mode; 1 for the active one", "mode"),
		acquired:     d("acquired_conns", "Connections currently acquired from the pool"),
		idle:         d("idle_conns", "Idle connections in the pool"),
		total:        d("total_conns", "All connections owned by the pool"),
		max:          d("max_conns", "Configured pool size limit"),
		acquireCount: d("acquire_total", "Successful acquires"),
		acquireWait:  d("acquire_duration_seconds_total", "Time spent in successful acquires"),
		canceled:     d("canceled_acquire_total", "Acquires canceled by context"),
		emptyAcquire: d("empty_acquire_total", "Acquires that had to wait for a connection"),
	}
}

// Register adds the collector to reg, tolerating a repeat registration.
func (c *PoolCollector) Register(reg prometheus.Registerer) error {
	return registerCollector(reg, c)
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.outstanding, c.pooled, c.acquired, c.idle, c.total, c.max,
		c.acquireCount, c.acquireWait, c.canceled, c.emptyAcquire,
	} {
		ch <- d
	}
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.outstanding, prometheus.GaugeValue, float64(c.src.Outstanding()))

	pooled := c.src.Pooled()
	ch <- prometheus.MustNewConstMetric(c.pooled, prometheus.GaugeValue, boolFloat(pooled), "pool")
	ch <- prometheus.MustNewConstMetric(c.pooled, prometheus.GaugeValue, boolFloat(!pooled), "standalone")

	s := c.src.PoolStat()
	if s == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.GaugeValue, float64(s.AcquiredConns()))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.IdleConns()))
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(s.TotalConns()))
	ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(s.MaxConns()))
	ch <- prometheus.MustNewConstMetric(c.acquireCount, prometheus.CounterValue, float64(s.AcquireCount()))
	ch <- prometheus.MustNewConstMetric(c.acquireWait, prometheus.CounterValue, s.AcquireDuration().Seconds())
	ch <- prometheus.MustNewConstMetric(c.canceled, prometheus.CounterValue, float64(s.CanceledAcquireCount()))
	ch <- prometheus.MustNewConstMetric(c.emptyAcquire, prometheus.CounterValue, float64(s.EmptyAcquireCount()))
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
