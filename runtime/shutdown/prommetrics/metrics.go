package prommetrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vortex-fintech/dbqueue/runtime/shutdown"
)

// PromMetrics implements shutdown.Metrics.
type PromMetrics struct {
	stopTotal     *prometheus.CounterVec
	serveErrors   *prometheus.CounterVec
	stopResult    *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
}

var _ shutdown.Metrics = (*PromMetrics)(nil)

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

// New registers:
//   - {namespace}_shutdown_stop_total{result}: shutdowns by result (success/force)
//   - {namespace}_shutdown_serve_errors_total{name}: non-normal serve errors
//   - {namespace}_shutdown_component_stop_total{name, result}: per-component stop result
//   - {namespace}_shutdown_phase_duration_seconds{phase}: time spent per stop phase
func New(reg prometheus.Registerer, namespace string) (*PromMetrics, error) {
	if reg == nil {
		return nil, errors.New("prometheus registerer is nil")
	}
	const subsystem = "shutdown"

	pm := &PromMetrics{
		stopTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "stop_total", Help: "Shutdowns by result",
		}, []string{"result"}),

		serveErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "serve_errors_total", Help: "Non-normal serve errors by component",
		}, []string{"name"}),

		stopResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "component_stop_total", Help: "Per-component stop result",
		}, []string{"name", "result"}),

		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name:    "phase_duration_seconds",
			Help:    "Time spent stopping each phase",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"phase"}),
	}

	for _, c := range []prometheus.Collector{pm.stopTotal, pm.serveErrors, pm.stopResult, pm.phaseDuration} {
		if err := registerCollector(reg, c); err != nil {
			return nil, err
		}
	}
	return pm, nil
}

func (p *PromMetrics) IncStopTotal(result string) {
	p.stopTotal.WithLabelValues(result).Inc()
}

func (p *PromMetrics) ObservePhaseDuration(phase string, d time.Duration) {
	p.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (p *PromMetrics) IncServeError(name string) {
	p.serveErrors.WithLabelValues(name).Inc()
}

func (p *PromMetrics) IncServerStopResult(name, result string) {
	p.stopResult.WithLabelValues(name, result).Inc()
}
