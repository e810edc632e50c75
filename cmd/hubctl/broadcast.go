package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pscheid92/sitepulse/internal/adapter/httpserver"
	"github.com/pscheid92/sitepulse/internal/protocol"
	"github.com/urfave/cli/v2"
)

const requestTimeout = 10 * time.Second

var apiFlag = &cli.StringFlag{
	Name:    "api",
	Usage:   "Hub HTTP base URL",
	EnvVars: []string{"HUB_API_URL"},
	Value:   "http://localhost:8080",
}

func broadcastCommand() *cli.Command {
	return &cli.Command{
		Name:      "broadcast",
		Usage:     "Push an update to every session of a domain",
		ArgsUsage: "[data-json]",
		Flags: []cli.Flag{
			apiFlag,
			&cli.StringFlag{Name: "domain", Aliases: []string{"d"}, Usage: "Tenant domain, sent as the X-Domain fallback"},
			&cli.StringFlag{Name: "type", Aliases: []string{"t"}, Usage: "Update type, e.g. POSTS_UPDATE", Required: true},
		},
		Action: func(c *cli.Context) error {
			data := c.Args().First()
			if data == "" {
				data = "null"
			}
			if !json.Valid([]byte(data)) {
				return errors.New("data must be valid JSON")
			}

			msgType := protocol.Type(c.String("type"))
			if !protocol.IsUpdate(msgType) {
				fmt.Fprintf(c.App.ErrWriter, "warning: %s is not a known update type\n", msgType)
			}

			body, err := json.Marshal(map[string]any{"type": msgType, "data": json.RawMessage(data)})
			if err != nil {
				return err
			}

			header := http.Header{"Content-Type": []string{"application/json"}}
			if d := c.String("domain"); d != "" {
				header.Set(httpserver.DomainHeader, d)
			}
			return call(c.Context, c.App.Writer, http.MethodPost, c.String("api"), "/api/broadcast", header, body)
		},
	}
}

func sessionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "sessions",
		Usage: "Show the session count of a domain on one instance",
		Flags: []cli.Flag{
			apiFlag,
			&cli.StringFlag{Name: "domain", Aliases: []string{"d"}, Usage: "Tenant domain", Required: true},
		},
		Action: func(c *cli.Context) error {
			path := "/api/domains/" + url.PathEscape(c.String("domain")) + "/sessions"
			return call(c.Context, c.App.Writer, http.MethodGet, c.String("api"), path, nil, nil)
		},
	}
}

// call performs one API request and copies the response body to out. Non-2xx is an error.
func call(ctx context.Context, out io.Writer, method, base, path string, header http.Header, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(base, "/")+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(respBody)))
	}

	_, err = fmt.Fprintln(out, strings.TrimSpace(string(respBody)))
	return err
}
