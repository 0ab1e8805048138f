package shutdown

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Server is anything Manager runs and stops: the HTTP bridge, the ops
// endpoint, the connection manager.
type Server interface {
	Serve(ctx context.Context) error
	GracefulStopWithTimeout(ctx context.Context) error
	ForceStop()
	Name() string
}

// Stop phases. Front-line servers stop first so in-flight requests can still
// release their leases; resources added with AddResource stop after them.
const (
	PhaseServers   = "servers"
	PhaseResources = "resources"
)

// Metrics collects shutdown statistics.
type Metrics interface {
	IncStopTotal(result string)
	ObservePhaseDuration(phase string, d time.Duration)
	IncServeError(name string)
	IncServerStopResult(name, result string)
}

type Config struct {
	// ShutdownTimeout bounds the whole stop, both phases together.
	// If 0, everything is force-stopped immediately.
	ShutdownTimeout time.Duration

	// HandleSignals enables automatic handling of SIGINT and SIGTERM.
	HandleSignals bool

	// IsNormalError determines if an error from Serve() is expected during shutdown.
	// Default: DefaultIsNormalErr.
	IsNormalError func(error) bool

	Logger  *zap.Logger
	Metrics Metrics
}

// Manager coordinates Serve, GracefulStopWithTimeout and ForceStop calls.
type Manager struct {
	cfg       Config
	log       *zap.Logger
	mu        sync.Mutex
	servers   []Server
	resources []Server
	stopped   bool
}

func New(cfg Config) *Manager {
	if cfg.IsNormalError == nil {
		cfg.IsNormalError = DefaultIsNormalErr
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{cfg: cfg, log: log.Named("shutdown")}
}

// Add registers a front-line server. Nil servers are ignored.
func (m *Manager) Add(s Server) {
	if s == nil {
		return
	}
	m.servers = append(m.servers, s)
}

// AddResource registers a server that stops only after every front-line
// server has stopped. Nil servers are ignored.
func (m *Manager) AddResource(s Server) {
	if s == nil {
		return
	}
	m.resources = append(m.resources, s)
}

// Run serves everything and blocks until ctx is done, a signal arrives or a
// server fails; then it calls Stop. It returns the first non-normal serve
// error, or nil on clean shutdown.
func (m *Manager) Run(ctx context.Context) error {
	if m.cfg.HandleSignals {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
	}

	all := make([]Server, 0, len(m.servers)+len(m.resources))
	all = append(all, m.servers...)
	all = append(all, m.resources...)

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range all {
		g.Go(func() error {
			name := safeName(srv)
			m.log.Info("serve start", zap.String("name", name))
			err := srv.Serve(gctx)
			if err != nil && !m.cfg.IsNormalError(err) && gctx.Err() == nil {
				m.log.Error("serve error", zap.String("name", name), zap.Error(err))
				if m.cfg.Metrics != nil {
					m.cfg.Metrics.IncServeError(name)
				}
				return err
			}
			m.log.Info("serve stop", zap.String("name", name), zap.String("err", errString(err)))
			return nil
		})
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- g.Wait() }()

	var groupDone bool
	var groupErr error

	select {
	case <-ctx.Done():
		m.log.Info("context done; starting graceful stop")
	case err := <-waitCh:
		groupDone, groupErr = true, err
		if err != nil && !m.cfg.IsNormalError(err) {
			m.log.Warn("group finished with error; starting graceful stop", zap.Error(err))
		} else {
			m.log.Info("group finished; starting graceful stop")
		}
	}

	m.Stop()

	if groupDone {
		if groupErr != nil && !m.cfg.IsNormalError(groupErr) {
			return groupErr
		}
		return nil
	}

	select {
	case err := <-waitCh:
		if err != nil && !m.cfg.IsNormalError(err) {
			return err
		}
		return nil
	case <-time.After(m.cfg.ShutdownTimeout + 2*time.Second):
		return fmt.Errorf("shutdown: wait group timeout after %s", m.cfg.ShutdownTimeout)
	}
}

// Stop stops front-line servers, then resources, within one ShutdownTimeout.
// A server that does not stop in time is force-stopped. Only the first call
// does anything.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	started := time.Now()
	globalCtx, globalCancel := context.WithTimeout(context.Background(), m.cfg.ShutdownTimeout)
	defer globalCancel()

	forced := m.stopPhase(globalCtx, PhaseServers, m.servers)
	if m.stopPhase(globalCtx, PhaseResources, m.resources) {
		forced = true
	}

	if m.cfg.Metrics != nil {
		result := "success"
		if forced {
			result = "force"
		}
		m.cfg.Metrics.IncStopTotal(result)
	}
	m.log.Info("shutdown complete", zap.Duration("took", time.Since(started)), zap.Bool("forced", forced))
}

func (m *Manager) stopPhase(globalCtx context.Context, phase string, servers []Server) bool {
	if len(servers) == 0 {
		return false
	}
	started := time.Now()
	var forcedAny atomic.Bool

	deadline, hasDeadline := globalCtx.Deadline()

	var g errgroup.Group
	for _, srv := range servers {
		g.Go(func() error {
			name := safeName(srv)

			var srvCtx context.Context
			var cancel context.CancelFunc
			if hasDeadline {
				srvCtx, cancel = context.WithDeadline(context.Background(), deadline)
			} else {
				srvCtx, cancel = context.WithCancel(context.Background())
			}
			defer cancel()

			graceDone := make(chan error, 1)
			go func() { graceDone <- srv.GracefulStopWithTimeout(srvCtx) }()

			var err error
			select {
			case err = <-graceDone:
			case <-srvCtx.Done():
				err = srvCtx.Err()
			}

			if err != nil {
				m.log.Warn("graceful stop failed; forcing",
					zap.String("phase", phase), zap.String("name", name), zap.Error(err))
				srv.ForceStop()
				forcedAny.Store(true)
				m.stopResult(name, "force")
				return nil
			}
			m.log.Info("graceful stop done", zap.String("phase", phase), zap.String("name", name))
			m.stopResult(name, "success")
			return nil
		})
	}
	_ = g.Wait()

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ObservePhaseDuration(phase, time.Since(started))
	}
	return forcedAny.Load()
}

func (m *Manager) stopResult(name, result string) {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.IncServerStopResult(name, result)
	}
}

// DefaultIsNormalErr reports whether an error is expected during normal shutdown:
// http.ErrServerClosed, context cancellation, and closed-listener errors.
func DefaultIsNormalErr(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}

func safeName(s Server) string {
	if s == nil {
		return "server"
	}
	if n := s.Name(); n != "" {
		return n
	}
	return "server"
}
