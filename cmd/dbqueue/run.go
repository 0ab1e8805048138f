package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/vortex-fintech/dbqueue/data/auth/iamtoken"
	"github.com/vortex-fintech/dbqueue/data/postgres"
	dataprom "github.com/vortex-fintech/dbqueue/data/prommetrics"
	"github.com/vortex-fintech/dbqueue/data/queue"
	"github.com/vortex-fintech/dbqueue/foundation/logger"
	"github.com/vortex-fintech/dbqueue/foundation/retry"
	"github.com/vortex-fintech/dbqueue/runtime/metrics"
	"github.com/vortex-fintech/dbqueue/runtime/shutdown"
	"github.com/vortex-fintech/dbqueue/runtime/shutdown/adapters"
	shutdownprom "github.com/vortex-fintech/dbqueue/runtime/shutdown/prommetrics"
	"github.com/vortex-fintech/dbqueue/transport/httpbridge"
)

const metricsNamespace = "dbqueue"

// setup loads the configuration, applies flags and builds the logger and the
// connection manager. The caller drains the manager.
func setup(c *cli.Context) (Config, *zap.Logger, *postgres.Manager, error) {
	cfg, err := loadConfig(c.String("config"), env.ToMap(os.Environ()))
	if err != nil {
		return Config{}, nil, nil, err
	}
	applyFlags(c, &cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, nil, nil, err
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return Config{}, nil, nil, err
	}

	mgr, err := postgres.NewManager(cfg.Database,
		postgres.WithLogger(log),
		postgres.WithTokenSource(iamtoken.NewRouter()),
	)
	if err != nil {
		logger.SafeSync(log)
		return Config{}, nil, nil, err
	}
	return cfg, log, mgr, nil
}

func queueConfig(cfg Config, log *zap.Logger, m queue.Metrics) queue.Config {
	return queue.Config{
		Logger:       log,
		Metrics:      m,
		PollInterval: cfg.Queue.PollInterval,
		KeyTTL:       cfg.Queue.KeyTTL,
	}
}

// bootstrap waits for the database and optionally creates the queue tables.
func bootstrap(ctx context.Context, log *zap.Logger, mgr *postgres.Manager, migrate bool) error {
	notify := func(err error, next time.Duration) {
		log.Warn("database not ready, retrying", zap.Error(err), zap.Duration("next", next))
	}
	return retry.Startup(ctx, notify, func(ctx context.Context) error {
		if !migrate {
			return mgr.Ping(ctx)
		}
		l, err := mgr.Lease(ctx)
		if err != nil {
			return err
		}
		defer l.Release()
		return queue.EnsureSchema(ctx, l)
	})
}

func serve(c *cli.Context) error {
	cfg, log, mgr, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.SafeSync(log)

	ctx := c.Context
	if err := bootstrap(ctx, log, mgr, cfg.Queue.MigrateOnStart); err != nil {
		mgr.Drain(cfg.DrainTimeout)
		return fmt.Errorf("database bootstrap: %w", err)
	}

	reg := prometheus.NewRegistry()
	qm, err := dataprom.NewQueueMetrics(reg, metricsNamespace)
	if err != nil {
		mgr.Drain(cfg.DrainTimeout)
		return err
	}
	sm, err := shutdownprom.New(reg, metricsNamespace)
	if err != nil {
		mgr.Drain(cfg.DrainTimeout)
		return err
	}

	qcfg := queueConfig(cfg, log, qm)
	bridge := httpbridge.New(httpbridge.Config{
		Sessions:     httpbridge.FromManager(mgr),
		Producer:     queue.NewProducer(qcfg),
		Consumer:     queue.NewConsumer(qcfg),
		Logger:       log,
		SQLEnabled:   cfg.HTTP.SQLEnabled,
		SQLTimeout:   cfg.HTTP.SQLTimeout,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
	})

	shut := shutdown.New(shutdown.Config{
		ShutdownTimeout: cfg.ShutdownTimeout,
		HandleSignals:   true,
		Logger:          log,
		Metrics:         sm,
	})
	shut.Add(&adapters.HTTP{NameStr: "bridge", Srv: &http.Server{Addr: cfg.HTTP.ListenAddr, Handler: bridge}})

	if cfg.HTTP.OpsAddr != "" {
		ops, _, err := metrics.New(metrics.Options{
			Registry: reg,
			Register: dataprom.NewPoolCollector(mgr, metricsNamespace).Register,
			Ready:    mgr.Ping,
			Logger:   log,
		})
		if err != nil {
			mgr.Drain(cfg.DrainTimeout)
			return err
		}
		shut.Add(&adapters.HTTP{NameStr: "ops", Srv: &http.Server{Addr: cfg.HTTP.OpsAddr, Handler: ops}})
	}
	shut.AddResource(&adapters.Pool{Mgr: drainBound{mgr: mgr, timeout: cfg.DrainTimeout}})

	log.Info("serving",
		zap.String("listen_addr", cfg.HTTP.ListenAddr),
		zap.String("ops_addr", cfg.HTTP.OpsAddr),
		zap.Bool("pooled", mgr.Pooled()),
		zap.Bool("sql_enabled", cfg.HTTP.SQLEnabled),
	)
	err = shut.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// drainBound caps the pool's share of the shutdown budget at the configured
// drain timeout.
type drainBound struct {
	mgr     *postgres.Manager
	timeout time.Duration
}

func (d drainBound) DrainContext(ctx context.Context) error {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	return d.mgr.DrainContext(ctx)
}
