// Package httpbridge exposes the queue and the SQL executor over HTTP.
// Every request leases its own connection and releases it before the
// response is finished.
package httpbridge

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vortex-fintech/dbqueue/data/postgres"
	"github.com/vortex-fintech/dbqueue/data/queue"
	"github.com/vortex-fintech/dbqueue/foundation/logger"
)

const (
	defaultMaxBodyBytes = 8 << 20
	defaultSQLTimeout   = 30 * time.Second
	maxSQLTimeout       = 5 * time.Minute

	requestIDHeader      = "X-Request-ID"
	idempotencyKeyHeader = "Idempotency-Key"
)

// Session is one leased connection.
type Session interface {
	postgres.Conn
	Release()
}

// Sessions hands out sessions; *postgres.Manager does through FromManager.
type Sessions interface {
	Acquire(ctx context.Context) (Session, error)
}

type managerSessions struct{ m *postgres.Manager }

// FromManager adapts a connection manager to Sessions.
func FromManager(m *postgres.Manager) Sessions { return managerSessions{m: m} }

func (s managerSessions) Acquire(ctx context.Context) (Session, error) {
	l, err := s.m.Lease(ctx)
	if err != nil {
		return nil, err
	}
	return l, nil
}

type Config struct {
	Sessions Sessions
	Producer *queue.Producer
	Consumer *queue.Consumer
	Logger   *zap.Logger

	// SQLEnabled exposes POST /v1/sql.
	SQLEnabled bool
	// SQLTimeout is the statement timeout when a request names none; requests
	// may not exceed five minutes.
	SQLTimeout time.Duration

	MaxBodyBytes int64
}

type bridge struct {
	cfg Config
	log *zap.Logger
}

// New returns the bridge handler.
func New(cfg Config) http.Handler {
	if cfg.Producer == nil {
		cfg.Producer = queue.NewProducer(queue.Config{Logger: cfg.Logger})
	}
	if cfg.Consumer == nil {
		cfg.Consumer = queue.NewConsumer(queue.Config{Logger: cfg.Logger})
	}
	if cfg.SQLTimeout <= 0 {
		cfg.SQLTimeout = defaultSQLTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	b := &bridge{cfg: cfg, log: log.Named("bridge")}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/queues/{queue}/messages", b.enqueue)
	mux.HandleFunc("POST /v1/queues/{queue}/dequeue", b.dequeue)
	if cfg.SQLEnabled {
		mux.HandleFunc("POST /v1/sql", b.sql)
	}
	return b.middleware(mux)
}

func (b *bridge) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		r = r.WithContext(logger.ContextWithRequestID(r.Context(), id))
		r.Body = http.MaxBytesReader(w, r.Body, b.cfg.MaxBodyBytes)

		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				logger.FromContext(r.Context(), b.log).Error("handler panic",
					zap.Any("panic", p), zap.String("path", r.URL.Path))
				writeError(w, r, b.log, errPanic)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
