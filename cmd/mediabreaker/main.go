// The mediabreaker command resolves a video page or HLS playlist address to a
// media playlist and saves the stream as an MP4 file through ffmpeg.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/RalkeyOfficial/MediaBreaker/internal/config"
	"github.com/RalkeyOfficial/MediaBreaker/internal/failure"
	"github.com/RalkeyOfficial/MediaBreaker/internal/fetch"
	"github.com/RalkeyOfficial/MediaBreaker/internal/generic"
	"github.com/RalkeyOfficial/MediaBreaker/internal/metrics"
	"github.com/RalkeyOfficial/MediaBreaker/internal/naming"
	"github.com/RalkeyOfficial/MediaBreaker/internal/pipeline"
	"github.com/RalkeyOfficial/MediaBreaker/internal/selector"
	"github.com/RalkeyOfficial/MediaBreaker/internal/telemetry"
	"github.com/RalkeyOfficial/MediaBreaker/internal/transcode"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// options holds flag values shared by the root and serve commands.
type options struct {
	configPath string
	verbose    bool
	logFormat  string
	timeout    time.Duration
	retries    uint
	quality    string

	output        string
	outputDir     string
	mode          string
	ffmpegPath    string
	listQualities bool
	info          bool
	dryRun        bool
}

// usageError marks errors caused by bad command-line input.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// execute runs the command line and returns the process exit status.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return failure.ExitOK
	}

	fmt.Fprintf(stderr, "Error: %v\n", err)

	var ue usageError
	switch {
	case errors.As(err, &ue):
		fmt.Fprintln(stderr, "Run 'mediabreaker --help' for usage.")
		return failure.ExitUsage
	case transcode.IsError(err):
		return failure.ExitTranscode
	}
	return failure.ExitCode(err)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "mediabreaker [flags] <url>",
		Short: "Save an HLS video as MP4",
		Long: `MediaBreaker resolves a video address to an HLS media playlist and saves it as MP4.

The address is either a direct playlist URL (ending in .m3u8 or .m3u) or an embed
page whose JSON-LD VideoObject points at the playlist. For master playlists the
highest-bandwidth variant is used unless --quality says otherwise.`,
		Example: `  mediabreaker https://iframe.mediadelivery.net/embed/1234/5a0c2e1f-8f3e-4c21-9d6b-3c8f0e2d1a77
  mediabreaker -o lecture https://cdn.example.com/video/playlist.m3u8
  mediabreaker -q https://cdn.example.com/video/playlist.m3u8
  mediabreaker --quality 720p --output-dir videos https://example.com/watch/42`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageError{fmt.Errorf("expected exactly one URL, got %d arguments", len(args))}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(cmd, opts, args[0], stdout, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "path to YAML configuration file (env "+config.EnvConfigPath+")")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose logging")
	pf.StringVar(&opts.logFormat, "log-format", "", "log format: text or json")
	pf.DurationVar(&opts.timeout, "timeout", 0, "per-request timeout (default 30s)")
	pf.UintVar(&opts.retries, "retries", 0, "attempts for network failures (default 3)")
	pf.StringVar(&opts.quality, "quality", "", "variant to use: best, worst or a height such as 720p")

	f := cmd.Flags()
	f.StringVarP(&opts.output, "output", "o", "", "output file name (default: video title or identifier)")
	f.StringVar(&opts.outputDir, "output-dir", "", "directory for the output file")
	f.StringVar(&opts.mode, "mode", "", "transcode mode: auto, copy or reencode")
	f.StringVar(&opts.ffmpegPath, "ffmpeg", "", "path to the ffmpeg binary")
	f.BoolVarP(&opts.listQualities, "list-qualities", "q", false, "list available qualities and exit")
	f.BoolVar(&opts.info, "info", false, "print the resolved source as JSON and exit")
	f.BoolVar(&opts.dryRun, "dry-run", false, "resolve and name the output without running ffmpeg")

	cmd.AddCommand(newServeCmd(opts, stderr))
	return cmd
}

// loadConfig loads the configuration and applies flags that were set.
func loadConfig(cmd *cobra.Command, opts *options) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return cfg, usageError{err}
	}

	flags := cmd.Flags()
	if flags.Changed("timeout") {
		cfg.Timeout = opts.timeout
	}
	if flags.Changed("retries") {
		cfg.Retry.MaxAttempts = opts.retries
	}
	if flags.Changed("quality") {
		cfg.Quality = opts.quality
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = opts.logFormat
	}
	if opts.verbose {
		cfg.Log.Level = "debug"
	}
	if flags.Changed("output-dir") {
		cfg.OutputDir = opts.outputDir
	}
	if flags.Changed("mode") {
		cfg.Mode = opts.mode
	}
	if flags.Changed("ffmpeg") {
		cfg.FFmpegPath = opts.ffmpegPath
	}

	if err := cfg.Validate(); err != nil {
		return cfg, usageError{err}
	}
	return cfg, nil
}

// newLogger builds the process logger on w.
func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// app is what both commands need once configuration is loaded.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	metrics   *metrics.Recorder
	client    *fetch.Client
	resolver  *pipeline.Resolver
	telemetry *telemetry.Provider
}

func newApp(ctx context.Context, cfg config.Config, stderr io.Writer) (*app, error) {
	logger := newLogger(stderr, cfg.Log)

	tp, err := telemetry.NewProvider(ctx, cfg.TelemetryConfig(version))
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	pref, err := selector.ParsePreference(cfg.Quality)
	if err != nil {
		return nil, usageError{err}
	}

	m := metrics.New()
	client := fetch.New(cfg.FetchConfig(), logger)
	strategy := generic.NewJSONLD(client, cfg.PlaylistName, logger)
	resolver := pipeline.New(client, strategy, logger,
		pipeline.WithQuality(pref),
		pipeline.WithMetrics(m),
	)

	return &app{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		client:    client,
		resolver:  resolver,
		telemetry: tp,
	}, nil
}

func (a *app) close() {
	if err := a.telemetry.Shutdown(context.Background()); err != nil {
		a.logger.Warn("failed to flush traces", "error", err)
	}
	if err := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
		a.logger.Warn("failed to write metrics textfile", "path", a.cfg.Metrics.Textfile, "error", err)
	}
}

func runResolve(cmd *cobra.Command, opts *options, address string, stdout, stderr io.Writer) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	requested, err := transcode.ParseMode(cfg.Mode)
	if err != nil {
		return usageError{err}
	}

	a, err := newApp(ctx, cfg, stderr)
	if err != nil {
		return err
	}
	defer a.close()

	logger := a.logger
	logger.Debug("MediaBreaker starting", "version", version, "url", address)

	rs, err := fetch.Retry(ctx, cfg.RetryPolicy(), logger, func(ctx context.Context) (*pipeline.ResolvedSource, error) {
		return a.resolver.Resolve(ctx, address)
	})
	if err != nil {
		if failure.PageStructure(err) {
			logger.Warn("the page did not carry the expected video metadata; the remote site may have changed", "url", address)
		}
		return err
	}

	if opts.listQualities {
		return printQualities(stdout, rs)
	}
	if opts.info {
		return printInfo(stdout, rs)
	}

	// An explicit name makes the title and identifier irrelevant.
	var base string
	if opts.output == "" {
		if base, err = rs.BaseName(); err != nil {
			return err
		}
	}
	outputPath := naming.OutputPath(base, opts.output, cfg.OutputDir)
	mode := transcode.ModeFor(requested, rs.Metadata)

	if rs.Metadata.Encryption.Encrypted() {
		logger.Info("stream is encrypted", "method", rs.Metadata.Encryption.Method)
	}

	if opts.dryRun {
		return printPlan(stdout, rs, outputPath, mode)
	}

	tr := transcode.New(transcode.Config{
		FFmpegPath: cfg.FFmpegPath,
		LogOutput:  stderr,
		Verbose:    opts.verbose,
	}, logger, a.metrics)

	err = tr.Run(ctx, transcode.Job{
		PlaylistURL: rs.PlaylistURL,
		Media:       rs.Media,
		OutputPath:  outputPath,
		Mode:        mode,
		Headers:     a.client.Headers(),
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout, outputPath)
	return nil
}
