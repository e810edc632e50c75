// Command hubctl listens to and pushes updates through a sitepulse hub.
package main

import (
	"fmt"
	"os"

	"github.com/pscheid92/sitepulse/internal/platform/logging"
	"github.com/pscheid92/sitepulse/internal/platform/version"
	"github.com/urfave/cli/v2"
)

func newApp() *cli.App {
	return &cli.App{
		Name:    "hubctl",
		Usage:   "Listen to and broadcast sitepulse updates",
		Version: version.Get().String(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level: debug, info, warn, error",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "info",
			},
		},
		Before: func(c *cli.Context) error {
			logging.InitLogger(c.String("log-level"), "text")
			return nil
		},
		Commands: []*cli.Command{
			listenCommand(),
			broadcastCommand(),
			sessionsCommand(),
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
