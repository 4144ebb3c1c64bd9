// Package config loads MediaBreaker settings. Sources are applied in order:
// built-in defaults, an optional YAML file, MEDIABREAKER_* environment
// variables. Command-line flags are applied by the caller afterwards.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/RalkeyOfficial/MediaBreaker/internal/fetch"
	"github.com/RalkeyOfficial/MediaBreaker/internal/selector"
	"github.com/RalkeyOfficial/MediaBreaker/internal/telemetry"
	"github.com/RalkeyOfficial/MediaBreaker/internal/transcode"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "MEDIABREAKER_"

// EnvConfigPath names the config file when --config is not given.
const EnvConfigPath = EnvPrefix + "CONFIG"

// Config holds all settings.
type Config struct {
	// Timeout bounds each HTTP request
	Timeout time.Duration `yaml:"timeout"`

	// UserAgent, Referer and Origin are sent with every request
	UserAgent string `yaml:"userAgent"`
	Referer   string `yaml:"referer"`
	Origin    string `yaml:"origin"`

	// MaxBodyBytes caps a decoded response body
	MaxBodyBytes int64 `yaml:"maxBodyBytes"`

	// PlaylistName replaces the thumbnail file name to derive the playlist address
	PlaylistName string `yaml:"playlistName"`

	// Quality is "best", "worst" or a height such as "720p"
	Quality string `yaml:"quality"`

	// Mode is "auto", "copy" or "reencode"
	Mode string `yaml:"mode"`

	// OutputDir is where output files are written (default: working directory)
	OutputDir string `yaml:"outputDir"`

	// FFmpegPath is the transcoder binary
	FFmpegPath string `yaml:"ffmpegPath"`

	Retry     RetryConfig     `yaml:"retry"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Server    ServerConfig    `yaml:"server"`
}

// RetryConfig controls retries of network failures around a resolution.
type RetryConfig struct {
	MaxAttempts     uint          `yaml:"maxAttempts"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
}

// LogConfig selects the slog level and handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelemetryConfig mirrors telemetry.Config.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
}

// MetricsConfig controls metric output for CLI runs.
type MetricsConfig struct {
	// Textfile, when set, receives the registry after each run
	Textfile string `yaml:"textfile"`
}

// ServerConfig configures `mediabreaker serve`.
type ServerConfig struct {
	Listen string `yaml:"listen"`

	// RateLimit is the number of requests per minute allowed per client IP; 0 disables it
	RateLimit int `yaml:"rateLimit"`
}

// Default returns the built-in configuration.
func Default() Config {
	f := fetch.DefaultConfig()
	r := fetch.DefaultRetryPolicy()
	return Config{
		Timeout:      f.Timeout,
		UserAgent:    f.UserAgent,
		Referer:      f.Referer,
		Origin:       f.Origin,
		MaxBodyBytes: f.MaxBodyBytes,
		Quality:      string(selector.Best),
		Mode:         string(transcode.ModeAuto),
		FFmpegPath:   transcode.DefaultFFmpegPath,
		Retry: RetryConfig{
			MaxAttempts:     r.MaxAttempts,
			InitialInterval: r.InitialInterval,
			MaxInterval:     r.MaxInterval,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Telemetry: TelemetryConfig{
			Exporter:     "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
		},
		Server: ServerConfig{Listen: ":8080", RateLimit: 60},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

type envReader struct {
	errs []error
}

func (r *envReader) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (r *envReader) string(name string, dst *string) {
	if v, ok := r.lookup(name); ok {
		*dst = v
	}
}

func (r *envReader) duration(name string, dst *time.Duration) {
	if v, ok := r.lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = d
	}
}

func (r *envReader) int64(name string, dst *int64) {
	if v, ok := r.lookup(name); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = n
	}
}

func (r *envReader) int(name string, dst *int) {
	n := int64(*dst)
	r.int64(name, &n)
	*dst = int(n)
}

func (r *envReader) uint(name string, dst *uint) {
	if v, ok := r.lookup(name); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = uint(n)
	}
}

func (r *envReader) bool(name string, dst *bool) {
	if v, ok := r.lookup(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = b
	}
}

func (r *envReader) float(name string, dst *float64) {
	if v, ok := r.lookup(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = f
	}
}

func applyEnv(cfg *Config) error {
	r := &envReader{}

	r.duration("TIMEOUT", &cfg.Timeout)
	r.string("USER_AGENT", &cfg.UserAgent)
	r.string("REFERER", &cfg.Referer)
	r.string("ORIGIN", &cfg.Origin)
	r.int64("MAX_BODY_BYTES", &cfg.MaxBodyBytes)
	r.string("PLAYLIST_NAME", &cfg.PlaylistName)
	r.string("QUALITY", &cfg.Quality)
	r.string("MODE", &cfg.Mode)
	r.string("OUTPUT_DIR", &cfg.OutputDir)
	r.string("FFMPEG_PATH", &cfg.FFmpegPath)

	r.uint("RETRY_MAX_ATTEMPTS", &cfg.Retry.MaxAttempts)
	r.duration("RETRY_INITIAL_INTERVAL", &cfg.Retry.InitialInterval)
	r.duration("RETRY_MAX_INTERVAL", &cfg.Retry.MaxInterval)

	r.string("LOG_LEVEL", &cfg.Log.Level)
	r.string("LOG_FORMAT", &cfg.Log.Format)

	r.bool("TELEMETRY_ENABLED", &cfg.Telemetry.Enabled)
	r.string("TELEMETRY_EXPORTER", &cfg.Telemetry.Exporter)
	r.string("TELEMETRY_ENDPOINT", &cfg.Telemetry.Endpoint)
	r.float("TELEMETRY_SAMPLING_RATE", &cfg.Telemetry.SamplingRate)

	r.string("METRICS_TEXTFILE", &cfg.Metrics.Textfile)

	r.string("SERVER_LISTEN", &cfg.Server.Listen)
	r.int("SERVER_RATE_LIMIT", &cfg.Server.RateLimit)

	return errors.Join(r.errs...)
}

// Validate checks the configuration and fills zero values with defaults.
func (c *Config) Validate() error {
	d := Default()

	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", c.Timeout)
	}
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("maxBodyBytes must not be negative, got %d", c.MaxBodyBytes)
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	if strings.ContainsAny(c.PlaylistName, "/?#") {
		return fmt.Errorf("playlistName must be a plain file name, got %q", c.PlaylistName)
	}

	if _, err := selector.ParsePreference(c.Quality); err != nil {
		return err
	}
	if _, err := transcode.ParseMode(c.Mode); err != nil {
		return err
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = d.FFmpegPath
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 1
	}
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = d.Retry.InitialInterval
	}
	if c.Retry.MaxInterval < c.Retry.InitialInterval {
		c.Retry.MaxInterval = c.Retry.InitialInterval
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "":
		c.Log.Format = d.Log.Format
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q (want text or json)", c.Log.Format)
	}

	if c.Telemetry.Enabled {
		switch c.Telemetry.Exporter {
		case "grpc", "http":
		default:
			return fmt.Errorf("invalid telemetry exporter %q (want grpc or http)", c.Telemetry.Exporter)
		}
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry endpoint is required when telemetry is enabled")
		}
	}
	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		return fmt.Errorf("telemetry samplingRate must be between 0 and 1, got %v", c.Telemetry.SamplingRate)
	}

	if c.Server.Listen == "" {
		c.Server.Listen = d.Server.Listen
	}
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return fmt.Errorf("invalid server listen address %q: %w", c.Server.Listen, err)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server rateLimit must not be negative, got %d", c.Server.RateLimit)
	}

	return nil
}

// ParseLevel maps a level name to a slog level. An empty name means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid log level %q", s)
}

// FetchConfig returns the HTTP client settings.
func (c *Config) FetchConfig() fetch.Config {
	return fetch.Config{
		Timeout:      c.Timeout,
		UserAgent:    c.UserAgent,
		Referer:      c.Referer,
		Origin:       c.Origin,
		MaxBodyBytes: c.MaxBodyBytes,
	}
}

// RetryPolicy returns the retry settings.
func (c *Config) RetryPolicy() fetch.RetryPolicy {
	return fetch.RetryPolicy{
		MaxAttempts:     c.Retry.MaxAttempts,
		InitialInterval: c.Retry.InitialInterval,
		MaxInterval:     c.Retry.MaxInterval,
	}
}

// TelemetryConfig returns the tracing settings for the given build version.
func (c *Config) TelemetryConfig(version string) telemetry.Config {
	return telemetry.Config{
		Enabled:        c.Telemetry.Enabled,
		ServiceName:    "mediabreaker",
		ServiceVersion: version,
		Exporter:       c.Telemetry.Exporter,
		Endpoint:       c.Telemetry.Endpoint,
		SamplingRate:   c.Telemetry.SamplingRate,
	}
}
