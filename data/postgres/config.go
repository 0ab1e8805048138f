package postgres

import (
	"sort"
	"strings"
	"time"

	"github.com/vortex-fintech/dbqueue/data/auth"
	"github.com/vortex-fintech/dbqueue/foundation/errx"
	"github.com/vortex-fintech/dbqueue/foundation/netutil"
	"github.com/vortex-fintech/dbqueue/foundation/validator"
)

const (
	DefaultApplicationName = "dbqueue"
	DefaultDrainTimeout    = 10 * time.Second
	poolPingTimeout        = 5 * time.Second
)

// ManagerConfig is fixed for the lifetime of a Manager.
type ManagerConfig struct {
	UsePool bool        `yaml:"use_pool" env:"DBQ_USE_POOL"`
	Auth    auth.Config `yaml:",inline"`

	PoolMin        int32 `yaml:"pool_min"         env:"DBQ_POOL_MIN"         validate:"gte=0"`
	PoolMax        int32 `yaml:"pool_max"         env:"DBQ_POOL_MAX"         validate:"gte=0"`
	PoolIncrement  int32 `yaml:"pool_increment"   env:"DBQ_POOL_INCREMENT"   validate:"gte=0"`
	QueueTimeoutMs int   `yaml:"queue_timeout_ms" env:"DBQ_QUEUE_TIMEOUT_MS" validate:"gte=0"`

	// ApplicationName is reported in pg_stat_activity. Empty means DefaultApplicationName.
	ApplicationName string `yaml:"application_name" env:"DBQ_APPLICATION_NAME"`
}

var errPoolMinExceedsMax = errx.Config("pool min must be <= pool max")

func (c ManagerConfig) validate() error {
	if bad := validator.Validate(c); len(bad) > 0 {
		parts := make([]string, 0, len(bad))
		for f, code := range bad {
			parts = append(parts, f+" "+code)
		}
		sort.Strings(parts)
		return errx.Config("invalid manager config: " + strings.Join(parts, ", "))
	}
	if c.PoolMax > 0 && c.PoolMin > c.PoolMax {
		return errPoolMinExceedsMax
	}
	return nil
}

// QueueTimeout is the pooled acquire bound; zero means wait for the caller's context.
func (c ManagerConfig) QueueTimeout() time.Duration {
	return netutil.Millis(int64(c.QueueTimeoutMs))
}
