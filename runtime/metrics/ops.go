// Package metrics serves the operational endpoint: Prometheus metrics plus
// liveness and readiness checks backed by the connection manager.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	healthCheckConcurrencyLimit = 64
	defaultCheckTimeout         = 2 * time.Second
)

type CheckFunc func(ctx context.Context) error

type Options struct {
	Registry *prometheus.Registry
	Register func(reg prometheus.Registerer) error

	// Health and Ready must return promptly once ctx is done, otherwise
	// stuck checks exhaust healthCheckConcurrencyLimit.
	Health CheckFunc
	Ready  CheckFunc

	MetricsPath string
	HealthPath  string
	ReadyPath   string

	// CheckTimeout bounds one Health or Ready call. A database ping needs a
	// lease, so the default is wider than a plain in-process check.
	CheckTimeout time.Duration

	Logger *zap.Logger
}

func registerCollector(reg prometheus.Registerer, c prometheus.Collector) error {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return nil
		}
		return err
	}
	return nil
}

func normalizePath(p, def string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		p = def
	}
	if p[0] != '/' {
		p = "/" + p
	}
	return p
}

func writeError(w http.ResponseWriter, msg string, status int, headOnly bool) {
	if headOnly {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(status)
		return
	}
	http.Error(w, msg, status)
}

// New builds the ops handler. Process, Go runtime and build info collectors
// are always registered; opts.Register adds the application's own.
func New(opts Options) (http.Handler, *prometheus.Registry, error) {
	metricsPath := normalizePath(opts.MetricsPath, "/metrics")
	healthPath := normalizePath(opts.HealthPath, "/health")
	readyPath := normalizePath(opts.ReadyPath, "/ready")

	timeout := opts.CheckTimeout
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	for name, c := range map[string]prometheus.Collector{
		"process":    collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		"go":         collectors.NewGoCollector(),
		"build_info": collectors.NewBuildInfoCollector(),
	} {
		if err := registerCollector(reg, c); err != nil {
			return nil, nil, fmt.Errorf("register %s collector: %w", name, err)
		}
	}
	if opts.Register != nil {
		if err := opts.Register(reg); err != nil {
			return nil, nil, fmt.Errorf("register application metrics: %w", err)
		}
	}

	mux := http.NewServeMux()
	sem := make(chan struct{}, healthCheckConcurrencyLimit)
	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})

	mux.Handle("GET "+metricsPath, withLog(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		metricsHandler.ServeHTTP(w, r)
	}), metricsPath, log))

	mux.Handle("GET "+healthPath, withLog(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		runCheck(w, r, opts.Health, timeout, sem)
	}), healthPath, log))

	mux.Handle("GET "+readyPath, withLog(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		runCheck(w, r, opts.Ready, timeout, sem)
	}), readyPath, log))

	return mux, reg, nil
}

func runCheck(w http.ResponseWriter, r *http.Request, check CheckFunc, timeout time.Duration, sem chan struct{}) {
	headOnly := r.Method == http.MethodHead
	if check == nil {
		w.WriteHeader(http.StatusOK)
		if !headOnly {
			_, _ = w.Write([]byte("OK"))
		}
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	select {
	case sem <- struct{}{}:
	default:
		w.Header().Set("Retry-After", "1")
		writeError(w, "health check busy", http.StatusServiceUnavailable, headOnly)
		return
	}

	done := make(chan error, 1)
	go func() {
		defer func() { <-sem }()
		done <- check(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			writeError(w, err.Error(), http.StatusServiceUnavailable, headOnly)
			return
		}
		w.WriteHeader(http.StatusOK)
		if !headOnly {
			_, _ = w.Write([]byte("OK"))
		}
	case <-ctx.Done():
		w.Header().Set("Retry-After", "1")
		writeError(w, "health check timeout", http.StatusServiceUnavailable, headOnly)
	}
}

func withLog(h http.Handler, path string, log *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusRecorder{ResponseWriter: w}
		h.ServeHTTP(lrw, r)
		if lrw.status == 0 {
			lrw.status = http.StatusOK
		}
		fields := []zap.Field{
			zap.String("path", path),
			zap.String("method", r.Method),
			zap.Int("status", lrw.status),
			zap.Duration("took", time.Since(start)),
		}
		switch {
		case lrw.status >= 500:
			log.Warn("ops request failed", fields...)
		default:
			log.Debug("ops request", fields...)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(p)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
