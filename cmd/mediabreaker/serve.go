package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/RalkeyOfficial/MediaBreaker/internal/server"
)

type serveOptions struct {
	listen    string
	rateLimit int
}

func newServeCmd(opts *options, stderr io.Writer) *cobra.Command {
	so := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve resolutions over HTTP",
		Long: `Start an HTTP server that resolves addresses on request.

Routes:
  GET /resolve?url=<address>        resolved source as JSON
  GET /playlist.m3u8?url=<address>  decoded media playlist with absolute URIs
  GET /health                       health check
  GET /metrics                      Prometheus metrics`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageError{fmt.Errorf("serve takes no arguments, got %d", len(args))}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts, so, stderr)
		},
	}

	f := cmd.Flags()
	f.StringVar(&so.listen, "listen", "", "listen address (default :8080)")
	f.IntVar(&so.rateLimit, "rate-limit", 0, "resolve requests per minute per client IP, 0 to disable (default 60)")
	return cmd
}

func runServe(cmd *cobra.Command, opts *options, so *serveOptions, stderr io.Writer) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("listen") {
		cfg.Server.Listen = so.listen
	}
	if cmd.Flags().Changed("rate-limit") {
		cfg.Server.RateLimit = so.rateLimit
	}
	if err := cfg.Validate(); err != nil {
		return usageError{err}
	}

	a, err := newApp(ctx, cfg, stderr)
	if err != nil {
		return err
	}
	defer a.close()

	srv := server.New(a.resolver, server.Config{
		Addr:      cfg.Server.Listen,
		RateLimit: cfg.Server.RateLimit,
		Retry:     cfg.RetryPolicy(),
	}, a.metrics, a.logger)

	a.logger.Info("MediaBreaker server ready",
		"version", version,
		"resolve", fmt.Sprintf("http://%s/resolve?url=", cfg.Server.Listen),
		"health", fmt.Sprintf("http://%s/health", cfg.Server.Listen),
	)

	// Start server (blocks until shutdown)
	return srv.Start(ctx)
}
