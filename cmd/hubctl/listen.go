package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/pscheid92/sitepulse/internal/client"
	"github.com/pscheid92/sitepulse/internal/protocol"
	"github.com/urfave/cli/v2"
)

const statePollInterval = 500 * time.Millisecond

func listenCommand() *cli.Command {
	return &cli.Command{
		Name:  "listen",
		Usage: "Open a session for a domain and print every message it receives",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Usage:   "Hub WebSocket endpoint",
				EnvVars: []string{"HUB_WS_URL"},
				Value:   "ws://localhost:8080/ws",
			},
			&cli.StringFlag{Name: "domain", Aliases: []string{"d"}, Usage: "Tenant domain", Required: true},
			&cli.IntFlag{Name: "max-attempts", Usage: "Reconnect attempts before giving up", Value: client.DefaultMaxAttempts},
			&cli.DurationFlag{Name: "base-delay", Usage: "First reconnect delay", Value: client.DefaultBaseDelay},
			&cli.DurationFlag{Name: "max-delay", Usage: "Reconnect delay cap", Value: client.DefaultMaxDelay},
			&cli.DurationFlag{Name: "heartbeat", Usage: "Application ping interval", Value: client.DefaultHeartbeatInterval},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return listen(ctx, c.App.Writer, client.Config{
				URL:               c.String("url"),
				Domain:            c.String("domain"),
				MaxAttempts:       c.Int("max-attempts"),
				BaseDelay:         c.Duration("base-delay"),
				MaxDelay:          c.Duration("max-delay"),
				HeartbeatInterval: c.Duration("heartbeat"),
			})
		},
	}
}

// listen prints inbound messages as JSON lines until ctx is done or the reconnector gives up.
func listen(ctx context.Context, out io.Writer, cfg client.Config) error {
	lines := make(chan []byte, 64)
	cfg.OnMessage = func(msg protocol.Message) {
		b, err := json.Marshal(msg)
		if err != nil {
			return
		}
		select {
		case lines <- b:
		default:
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r, err := client.New(loopCtx, cfg)
	if err != nil {
		return err
	}
	r.Connect()
	defer r.Close()

	ticker := time.NewTicker(statePollInterval)
	defer ticker.Stop()

	for {
		select {
		case b := <-lines:
			if _, err := fmt.Fprintln(out, string(b)); err != nil {
				return err
			}
		case <-ticker.C:
			// Connect was posted before the first tick, so Idle here means the budget is spent.
			if r.Snapshot().State == client.StateIdle {
				return fmt.Errorf("gave up connecting to %s: %w", r.URL(), client.ErrMaxAttemptsExceeded)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
