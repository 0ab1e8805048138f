package main

import (
	"time"

	"github.com/urfave/cli/v2"

	"github.com/vortex-fintech/dbqueue/data/queue"
	"github.com/vortex-fintech/dbqueue/data/sqlexec"
)

// globalFlags apply to every command and override file and env settings.
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to the YAML config file",
			EnvVars: []string{"DBQ_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "connect-target",
			Usage: "Database URL or keyword DSN",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level (debug, info, warn, error)",
		},
		&cli.BoolFlag{
			Name:  "verbose",
			Usage: "Shorthand for --log-level=debug",
		},
	}
}

func serveFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "listen",
			Usage: "Bridge listen address",
		},
		&cli.StringFlag{
			Name:  "ops-listen",
			Usage: "Metrics and health listen address; empty disables it",
		},
		&cli.BoolFlag{
			Name:  "enable-sql",
			Usage: "Expose POST /v1/sql",
		},
		&cli.BoolFlag{
			Name:  "migrate",
			Usage: "Create the queue tables before serving",
			Value: true,
		},
	}
}

func enqueueFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "payload",
			Aliases:  []string{"p"},
			Usage:    "JSON array of messages; - reads standard input",
			Required: true,
		},
		&cli.StringSliceFlag{
			Name:    "recipient",
			Aliases: []string{"r"},
			Usage:   "Consumer group allowed to receive the batch (repeatable)",
		},
		&cli.StringFlag{
			Name:  "idempotency-key",
			Usage: "Replay the first result when the same batch is sent again",
		},
	}
}

func dequeueFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:    "max-batch",
			Aliases: []string{"n"},
			Usage:   "Most messages to receive",
			Value:   1,
		},
		&cli.DurationFlag{
			Name:  "wait",
			Usage: "How long to wait for a message; 0 polls once",
		},
		&cli.BoolFlag{
			Name:  "wait-forever",
			Usage: "Wait until a message arrives or the command is interrupted",
		},
		&cli.StringFlag{
			Name:  "consumer",
			Usage: "Consumer group name; empty is the anonymous consumer",
		},
	}
}

func purgeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.DurationFlag{
			Name:  "older-than",
			Usage: "Delete messages enqueued at least this long ago",
			Value: 7 * 24 * time.Hour,
		},
	}
}

func sqlFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "sql",
			Usage:    "Statement to run",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "binds",
			Usage: "JSON array of positional parameters",
		},
		&cli.IntFlag{
			Name:  "max-rows",
			Usage: "Most rows to return",
			Value: sqlexec.MaxRows,
		},
		&cli.BoolFlag{
			Name:  "commit",
			Usage: "Keep the statement's effects instead of rolling back",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "Statement timeout",
			Value: 30 * time.Second,
		},
	}
}

// waitPolicy turns the dequeue wait flags into a queue.WaitPolicy.
func waitPolicy(c *cli.Context) queue.WaitPolicy {
	if c.Bool("wait-forever") {
		return queue.Forever()
	}
	return queue.Bounded(int(c.Duration("wait").Round(time.Second) / time.Second))
}

// applyFlags overrides cfg with global and serve flags the user set.
func applyFlags(c *cli.Context, cfg *Config) {
	if c.IsSet("connect-target") {
		cfg.Database.Auth.ConnectTarget = c.String("connect-target")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.Bool("verbose") {
		cfg.Log.Level = "debug"
	}
	if c.IsSet("listen") {
		cfg.HTTP.ListenAddr = c.String("listen")
	}
	if c.IsSet("ops-listen") {
		cfg.HTTP.OpsAddr = c.String("ops-listen")
	}
	if c.IsSet("enable-sql") {
		cfg.HTTP.SQLEnabled = c.Bool("enable-sql")
	}
	if c.IsSet("migrate") {
		cfg.Queue.MigrateOnStart = c.Bool("migrate")
	}
}
