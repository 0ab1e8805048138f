package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/vortex-fintech/dbqueue/data/auth"
	"github.com/vortex-fintech/dbqueue/foundation/errx"
)

// ErrManagerClosed is returned by Lease after Drain has started.
var ErrManagerClosed = errx.New(errx.KindPoolUnavailable, "lease", "connection manager is closed")

// releaseFunc hands a physical connection back. discard closes it instead of
// returning it to the pool.
type releaseFunc func(discard bool)

// Test hooks (replaceable in unit tests).
var (
	newPool     = pgxpool.NewWithConfig
	pingPool    = func(ctx context.Context, p *pgxpool.Pool) error { return p.Ping(ctx) }
	closePool   = func(p *pgxpool.Pool) { p.Close() }
	acquireConn = func(ctx context.Context, p *pgxpool.Pool) (Conn, releaseFunc, error) {
		pc, err := p.Acquire(ctx)
		if err != nil {
			return nil, nil, err
		}
		return pc.Conn(), func(discard bool) {
			if !discard {
				pc.Release()
				return
			}
			closeConn(pc.Hijack())
		}, nil
	}
	connect = func(ctx context.Context, cfg *pgx.ConnConfig) (Conn, releaseFunc, error) {
		c, err := pgx.ConnectConfig(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return c, func(bool) { closeConn(c) }, nil
	}
)

func closeConn(c *pgx.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.Close(ctx)
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithTokenSource supplies credentials for token-based auth strategies.
func WithTokenSource(ts auth.TokenSource) Option {
	return func(m *Manager) { m.tokens = ts }
}

// Manager hands out connections either from a lazily created pool or as
// fresh standalone connections, and drains them on shutdown.
type Manager struct {
	cfg    ManagerConfig
	opts   auth.ConnectOptions
	tokens auth.TokenSource
	log    *zap.Logger

	initMu sync.Mutex
	pool   atomic.Pointer[pgxpool.Pool]

	mu         sync.Mutex
	closed     bool
	leases     map[*Lease]struct{}
	idle       chan struct{}
	idleClosed bool

	drainOnce sync.Once
	drainErr  error
}

// NewManager validates cfg and resolves its auth strategy. No connection is
// opened until the first Lease.
func NewManager(cfg ManagerConfig, opts ...Option) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	co, err := auth.Resolve(cfg.Auth)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:    cfg,
		opts:   co,
		log:    zap.NewNop(),
		leases: map[*Lease]struct{}{},
		idle:   make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}

	if co.TokenBased() && m.tokens == nil {
		return nil, errx.Config(string(co.Token.Strategy.Type()) + " auth needs a token source")
	}
	// Parse once up front so a malformed target fails here, not on first use.
	if _, err := m.connConfig(); err != nil {
		return nil, err
	}

	fields := make([]zap.Field, 0, 8)
	for k, v := range co.LogFields() {
		fields = append(fields, zap.String(k, v))
	}
	fields = append(fields,
		zap.Bool("use_pool", cfg.UsePool),
		zap.Int32("pool_min", cfg.PoolMin),
		zap.Int32("pool_max", cfg.PoolMax),
		zap.Int32("pool_increment", cfg.PoolIncrement),
		zap.Int("queue_timeout_ms", cfg.QueueTimeoutMs),
	)
	m.log.Debug("connection manager configured", fields...)
	return m, nil
}

// Pooled reports whether leases come from a shared pool.
func (m *Manager) Pooled() bool { return m.cfg.UsePool }

// Lease returns a connection the caller must Release, typically via defer.
func (m *Manager) Lease(ctx context.Context) (*Lease, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if m.isClosed() {
		return nil, ErrManagerClosed
	}

	var (
		conn Conn
		rel  releaseFunc
		err  error
	)
	if m.cfg.UsePool {
		conn, rel, err = m.leasePooled(ctx)
	} else {
		conn, rel, err = m.leaseStandalone(ctx)
	}
	if err != nil {
		return nil, err
	}

	l := &Lease{conn: conn, release: rel, m: m}
	if !m.track(l) {
		rel(true)
		return nil, ErrManagerClosed
	}
	return l, nil
}

func (m *Manager) leaseStandalone(ctx context.Context) (Conn, releaseFunc, error) {
	cc, err := m.connConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := m.applyToken(ctx, cc); err != nil {
		return nil, nil, errx.Wrap(errx.KindConnect, "connect", err)
	}
	conn, rel, err := connect(ctx, cc)
	if err != nil {
		return nil, nil, errx.Wrap(errx.KindConnect, "connect", err)
	}
	return conn, rel, nil
}

func (m *Manager) leasePooled(ctx context.Context) (Conn, releaseFunc, error) {
	p, err := m.poolHandle(ctx)
	if err != nil {
		return nil, nil, err
	}

	actx := ctx
	if d := m.cfg.QueueTimeout(); d > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	conn, rel, err := acquireConn(actx, p)
	switch {
	case err == nil:
		return conn, rel, nil
	case ctx.Err() != nil:
		// The caller gave up; the pool was not necessarily saturated.
		return nil, nil, fmt.Errorf("acquire: %w", ctx.Err())
	case errors.Is(err, context.DeadlineExceeded) || actx.Err() != nil:
		return nil, nil, &errx.Error{
			Kind: errx.KindPoolTimeout,
			Op:   "acquire",
			Msg:  fmt.Sprintf("no connection available within %dms", m.cfg.QueueTimeoutMs),
			Err:  err,
		}
	default:
		return nil, nil, errx.Wrap(errx.KindPoolUnavailable, "acquire", err)
	}
}

// poolHandle creates the pool on first use. Concurrent first callers see a
// single pool; a failed creation is not remembered.
func (m *Manager) poolHandle(ctx context.Context) (*pgxpool.Pool, error) {
	if p := m.pool.Load(); p != nil {
		return p, nil
	}

	m.initMu.Lock()
	defer m.initMu.Unlock()

	if p := m.pool.Load(); p != nil {
		return p, nil
	}
	if m.isClosed() {
		return nil, ErrManagerClosed
	}

	pcfg, err := m.poolConfig()
	if err != nil {
		return nil, err
	}
	p, err := newPool(ctx, pcfg)
	if err != nil {
		m.log.Warn("pool creation failed", zap.Error(err))
		return nil, errx.Wrap(errx.KindPoolUnavailable, "create pool", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, poolPingTimeout)
	defer cancel()
	if err := pingPool(pingCtx, p); err != nil {
		closePool(p)
		m.log.Warn("pool creation failed", zap.Error(err))
		return nil, errx.Wrap(errx.KindPoolUnavailable, "create pool", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		closePool(p)
		return nil, ErrManagerClosed
	}
	m.pool.Store(p)
	m.mu.Unlock()

	m.log.Info("connection pool created",
		zap.Int32("max_conns", pcfg.MaxConns),
		zap.Int32("min_conns", pcfg.MinConns),
	)
	return p, nil
}

func (m *Manager) connConfig() (*pgx.ConnConfig, error) {
	cc, err := pgx.ParseConfig(m.opts.ConnectTarget)
	if err != nil {
		return nil, errx.New(errx.KindConfig, "parse target", "invalid connect target")
	}
	m.prepare(cc)
	return cc, nil
}

func (m *Manager) poolConfig() (*pgxpool.Config, error) {
	pcfg, err := pgxpool.ParseConfig(m.opts.ConnectTarget)
	if err != nil {
		return nil, errx.New(errx.KindConfig, "parse target", "invalid connect target")
	}
	m.prepare(pcfg.ConnConfig)

	if m.cfg.PoolMax > 0 {
		pcfg.MaxConns = m.cfg.PoolMax
	}
	pcfg.MinConns = m.cfg.PoolMin
	if pcfg.MinConns > pcfg.MaxConns {
		pcfg.MaxConns = pcfg.MinConns
	}
	if m.opts.TokenBased() {
		pcfg.BeforeConnect = m.applyToken
	}
	return pcfg, nil
}

// prepare applies static credentials and session defaults.
func (m *Manager) prepare(cc *pgx.ConnConfig) {
	if !m.opts.TokenBased() {
		cc.User = m.opts.User
		cc.Password = m.opts.Password
	}
	if cc.RuntimeParams == nil {
		cc.RuntimeParams = map[string]string{}
	}
	if _, ok := cc.RuntimeParams["application_name"]; !ok {
		name := m.cfg.ApplicationName
		if name == "" {
			name = DefaultApplicationName
		}
		cc.RuntimeParams["application_name"] = name
	}
	if _, ok := cc.RuntimeParams["TimeZone"]; !ok {
		cc.RuntimeParams["TimeZone"] = "UTC"
	}
}

// applyToken fetches a fresh credential for one physical connection.
func (m *Manager) applyToken(ctx context.Context, cc *pgx.ConnConfig) error {
	if !m.opts.TokenBased() {
		return nil
	}
	req := *m.opts.Token
	req.Endpoint = net.JoinHostPort(cc.Host, strconv.Itoa(int(cc.Port)))
	req.User = cc.User

	cred, err := m.tokens.Token(ctx, req)
	if err != nil {
		return err
	}
	if cred.User != "" {
		cc.User = cred.User
	}
	cc.Password = cred.Password
	return nil
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) track(l *Lease) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.leases[l] = struct{}{}
	return true
}

func (m *Manager) untrack(l *Lease) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, l)
	m.signalIdleLocked()
}

func (m *Manager) signalIdleLocked() {
	if m.closed && len(m.leases) == 0 && !m.idleClosed {
		m.idleClosed = true
		close(m.idle)
	}
}

// Outstanding is the number of leases not yet released.
func (m *Manager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leases)
}

// PoolStat returns pool statistics, or nil before the pool exists and in
// standalone mode.
func (m *Manager) PoolStat() *pgxpool.Stat {
	p := m.pool.Load()
	if p == nil {
		return nil
	}
	return p.Stat()
}

// Ping leases a connection and runs a trivial statement.
func (m *Manager) Ping(ctx context.Context) error {
	l, err := m.Lease(ctx)
	if err != nil {
		return err
	}
	defer l.Release()
	_, err = l.Exec(ctx, "SELECT 1")
	return err
}

// Drain stops new leases, waits up to timeout for outstanding ones and then
// closes the pool. It never fails: leases still out when the grace period
// ends are discarded on release and a warning is logged.
func (m *Manager) Drain(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_ = m.DrainContext(ctx)
}

// DrainContext is Drain bounded by ctx. Only the first call does any work;
// every call returns its result. The error is ctx's error when the grace
// period ended with leases outstanding or the pool still closing; the drain
// itself has completed either way.
func (m *Manager) DrainContext(ctx context.Context) error {
	m.drainOnce.Do(func() { m.drainErr = m.drain(ctx) })
	return m.drainErr
}

func (m *Manager) drain(ctx context.Context) error {
	var graceErr error
	m.mu.Lock()
	m.closed = true
	m.signalIdleLocked()
	m.mu.Unlock()

	select {
	case <-m.idle:
	case <-ctx.Done():
		m.mu.Lock()
		for l := range m.leases {
			l.discard.Store(true)
		}
		n := len(m.leases)
		m.mu.Unlock()
		graceErr = ctx.Err()
		m.log.Warn("drain grace period elapsed; outstanding leases will be discarded",
			zap.Int("outstanding", n),
			zap.Error(graceErr),
		)
	}

	m.initMu.Lock()
	p := m.pool.Load()
	m.initMu.Unlock()
	if p == nil {
		m.log.Info("connection manager drained")
		return graceErr
	}

	// Read the hook here; the goroutine may outlive this call.
	closeFn := closePool
	done := make(chan struct{})
	go func() {
		defer close(done)
		closeFn(p)
	}()
	select {
	case <-done:
		m.log.Info("connection pool closed")
		return graceErr
	case <-ctx.Done():
		m.log.Warn("connection pool close still in progress after grace period")
		return ctx.Err()
	}
}
