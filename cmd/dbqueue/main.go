// Command dbqueue serves the queue bridge and runs one-shot queue commands
// against the same configuration.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "dbqueue: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "dbqueue",
		Usage: "Transactional message queue and SQL bridge over a pooled PostgreSQL connection",
		Flags: globalFlags(),
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP bridge with metrics and graceful shutdown",
				Flags:  serveFlags(),
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "Create the queue tables and indexes",
				Action: migrate,
			},
			{
				Name:      "enqueue",
				Usage:     "Enqueue a JSON array of messages",
				ArgsUsage: "<queue>",
				Flags:     enqueueFlags(),
				Action:    enqueue,
			},
			{
				Name:      "dequeue",
				Usage:     "Receive messages and print one JSON envelope per line",
				ArgsUsage: "<queue>",
				Flags:     dequeueFlags(),
				Action:    dequeue,
			},
			{
				Name:      "purge",
				Usage:     "Delete old messages of a queue and expired idempotency keys",
				ArgsUsage: "<queue>",
				Flags:     purgeFlags(),
				Action:    purge,
			},
			{
				Name:   "sql",
				Usage:  "Run one ad-hoc statement and print the rows",
				Flags:  sqlFlags(),
				Action: runSQL,
			},
		},
	}
}
