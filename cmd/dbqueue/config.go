package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/vortex-fintech/dbqueue/data/auth"
	"github.com/vortex-fintech/dbqueue/data/postgres"
	"github.com/vortex-fintech/dbqueue/foundation/logger"
	"github.com/vortex-fintech/dbqueue/foundation/validator"
)

// Config is the daemon configuration. Precedence, lowest first: built-in
// defaults, the YAML file, DBQ_* environment variables, command-line flags.
type Config struct {
	Database postgres.ManagerConfig `yaml:"database"`
	Log      logger.Config          `yaml:"log"`
	HTTP     HTTPConfig             `yaml:"http"`
	Queue    QueueConfig            `yaml:"queue"`

	// DrainTimeout is how long the pool waits for outstanding leases.
	DrainTimeout time.Duration `yaml:"drain_timeout" env:"DBQ_DRAIN_TIMEOUT" validate:"gte=0"`
	// ShutdownTimeout bounds the whole stop; it must leave room for the drain.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"DBQ_SHUTDOWN_TIMEOUT" validate:"gte=0"`
}

type HTTPConfig struct {
	ListenAddr   string        `yaml:"listen_addr"    env:"DBQ_LISTEN_ADDR"    validate:"required,hostname_port"`
	OpsAddr      string        `yaml:"ops_addr"       env:"DBQ_OPS_ADDR"       validate:"omitempty,hostname_port"`
	SQLEnabled   bool          `yaml:"sql_enabled"    env:"DBQ_SQL_ENABLED"`
	SQLTimeout   time.Duration `yaml:"sql_timeout"    env:"DBQ_SQL_TIMEOUT"    validate:"gte=0"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" env:"DBQ_MAX_BODY_BYTES" validate:"gte=0"`
}

type QueueConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"    env:"DBQ_POLL_INTERVAL"    validate:"gte=0"`
	KeyTTL         time.Duration `yaml:"key_ttl"          env:"DBQ_KEY_TTL"          validate:"gte=0"`
	MigrateOnStart bool          `yaml:"migrate_on_start" env:"DBQ_MIGRATE_ON_START"`
}

func defaultConfig() Config {
	return Config{
		Database: postgres.ManagerConfig{
			UsePool: true,
			Auth:    auth.Config{Type: auth.TypeBasic},
		},
		Log: logger.Config{Service: "dbqueue", Env: "production"},
		HTTP: HTTPConfig{
			ListenAddr: ":8080",
			OpsAddr:    ":9090",
			SQLTimeout: 30 * time.Second,
		},
		Queue:           QueueConfig{MigrateOnStart: true},
		DrainTimeout:    postgres.DefaultDrainTimeout,
		ShutdownTimeout: 30 * time.Second,
	}
}

// loadConfig reads path (optional) and then environ over the defaults.
func loadConfig(path string, environ map[string]string) (Config, error) {
	cfg := defaultConfig()

	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	bad := validator.Validate(c)
	if len(bad) == 0 {
		return nil
	}
	parts := make([]string, 0, len(bad))
	for f, code := range bad {
		parts = append(parts, f+" "+code)
	}
	sort.Strings(parts)
	return fmt.Errorf("invalid config: %s", strings.Join(parts, ", "))
}
