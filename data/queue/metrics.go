package queue

// Metrics receives queue counters. data/prommetrics provides a Prometheus
// implementation.
type Metrics interface {
	IncEnqueued(queue string, n int)
	IncDequeued(queue string, n int)
	IncError(op, kind string)
}

type nopMetrics struct{}

func (nopMetrics) IncEnqueued(string, int) {}
func (nopMetrics) IncDequeued(string, int) {}
func (nopMetrics) IncError(string, string) {}
