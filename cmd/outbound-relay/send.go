package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"

	"outbound-relay-go/internal/client"
	"outbound-relay-go/internal/config"
	"outbound-relay-go/internal/model"
	"outbound-relay-go/internal/pipeline"
	"outbound-relay-go/internal/transport"
)

type sendCmd struct {
	Method  string   `kong:"short='X',default='GET',help='HTTP method.'"`
	Headers []string `kong:"short='H',name='header',sep='none',help='Request header as Name: value (repeatable).'"`
	Data    string   `kong:"short='d',help='Request body; @file reads it from a file.'"`
	Timeout float64  `kong:"help='Timeout in seconds for this call (overrides pipeline.timeout).'"`
	Include bool     `kong:"short='i',help='Print the response status line and headers.'"`
	URL     string   `kong:"arg,help='Absolute URL, or a path relative to upstream.base_url.'"`
}

// Run sends a single request through the configured pipeline. The body is
// written to stdout; the status line and headers go to stderr when -i is set.
func (s *sendCmd) Run(globals *config.CLI) error {
	cfg, err := config.Load(globals)
	if err != nil {
		return err
	}
	// stdout carries the response body.
	logger := buildLogger(cfg, os.Stderr)

	c, err := client.New(cfg, transport.NewHTTP(cfg, logger), logger, nil, nil)
	if err != nil {
		return err
	}

	req, err := s.request(cfg)
	if err != nil {
		return err
	}

	sc := pipeline.NewScope()
	if s.Timeout > 0 {
		sc = sc.WithTimeoutSeconds(s.Timeout)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	resp, err := c.Send(ctx, req, sc)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Close() }()

	if s.Include {
		writeHead(os.Stderr, resp)
	}
	if _, err := io.Copy(os.Stdout, resp.Body()); err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	return nil
}

func (s *sendCmd) request(cfg *config.Config) (*model.Request, error) {
	target := s.URL
	if strings.HasPrefix(target, "/") {
		target = strings.TrimSuffix(cfg.Upstream.BaseURL, "/") + target
	}

	var body io.Reader
	switch {
	case strings.HasPrefix(s.Data, "@"):
		f, err := os.Open(strings.TrimPrefix(s.Data, "@"))
		if err != nil {
			return nil, fmt.Errorf("open request body: %w", err)
		}
		body = f
	case s.Data != "":
		body = strings.NewReader(s.Data)
	}

	req, err := model.NewRequest(s.Method, target, body)
	if err != nil {
		return nil, err
	}

	for _, h := range s.Headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q: want Name: value", h)
		}
		req = req.WithAddedHeader(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return req, nil
}

func writeHead(w io.Writer, resp *model.Response) {
	fmt.Fprintf(w, "%d %s\n", resp.StatusCode(), resp.Reason())
	h := resp.Header()
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range h[name] {
			fmt.Fprintf(w, "%s: %s\n", name, v)
		}
	}
	fmt.Fprintln(w)
}
