package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RalkeyOfficial/MediaBreaker/internal/fetch"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(EnvConfigPath, "")

	cfg, err := Load("")
	require.NoError(t, err)

	want := Default()
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Load(\"\") mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, fetch.DefaultTimeout, cfg.Timeout)
	assert.Equal(t, "best", cfg.Quality)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeConfig(t, `
timeout: 10s
referer: https://player.example.com/
playlistName: master.m3u8
quality: 720p
retry:
  maxAttempts: 5
  initialInterval: 250ms
log:
  level: debug
server:
  listen: 127.0.0.1:9000
`)
	t.Setenv(EnvPrefix+"TIMEOUT", "45s")
	t.Setenv(EnvPrefix+"SERVER_RATE_LIMIT", "10")
	t.Setenv(EnvPrefix+"TELEMETRY_ENABLED", "true")
	t.Setenv(EnvPrefix+"TELEMETRY_EXPORTER", "http")
	t.Setenv(EnvPrefix+"TELEMETRY_ENDPOINT", "localhost:4318")

	cfg, err := Load(path)
	require.NoError(t, err)

	// Environment wins over the file.
	assert.Equal(t, 45*time.Second, cfg.Timeout)

	// File values override defaults.
	assert.Equal(t, "https://player.example.com/", cfg.Referer)
	assert.Equal(t, "master.m3u8", cfg.PlaylistName)
	assert.Equal(t, "720p", cfg.Quality)
	assert.Equal(t, uint(5), cfg.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.InitialInterval)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Listen)
	assert.Equal(t, 10, cfg.Server.RateLimit)

	// Untouched values keep their defaults.
	assert.Equal(t, fetch.DefaultUserAgent, cfg.UserAgent)
	assert.Equal(t, Default().Retry.MaxInterval, cfg.Retry.MaxInterval)

	tc := cfg.TelemetryConfig("1.2.3")
	assert.True(t, tc.Enabled)
	assert.Equal(t, "http", tc.Exporter)
	assert.Equal(t, "1.2.3", tc.ServiceVersion)
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	path := writeConfig(t, "outputDir: /tmp/videos\n")
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/videos", cfg.OutputDir)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
	}{
		{name: "unknown field", file: "timeout: 5s\nspeed: fast\n"},
		{name: "multiple documents", file: "timeout: 5s\n---\ntimeout: 6s\n"},
		{name: "bad duration in file", file: "timeout: soon\n"},
		{name: "bad duration in env", env: map[string]string{"TIMEOUT": "soon"}},
		{name: "bad bool in env", env: map[string]string{"TELEMETRY_ENABLED": "maybe"}},
		{name: "bad quality", env: map[string]string{"QUALITY": "ultra"}},
		{name: "bad mode", env: map[string]string{"MODE": "fast"}},
		{name: "bad log format", file: "log:\n  format: xml\n"},
		{name: "bad sampling rate", file: "telemetry:\n  samplingRate: 2\n"},
		{name: "bad listen address", file: "server:\n  listen: nowhere\n"},
		{name: "playlist name with path", file: "playlistName: a/b.m3u8\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvConfigPath, "")
			for k, v := range tt.env {
				t.Setenv(EnvPrefix+k, v)
			}
			path := ""
			if tt.file != "" {
				path = writeConfig(t, tt.file)
			}
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default().Timeout, cfg.Timeout)
}

func TestValidate_FillsDefaults(t *testing.T) {
	var cfg Config
	require.NoError(t, cfg.Validate())

	assert.Equal(t, fetch.DefaultTimeout, cfg.Timeout)
	assert.Equal(t, int64(fetch.DefaultMaxBodyBytes), cfg.MaxBodyBytes)
	assert.Equal(t, uint(1), cfg.Retry.MaxAttempts)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.GreaterOrEqual(t, cfg.Retry.MaxInterval, cfg.Retry.InitialInterval)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestFetchConfig(t *testing.T) {
	cfg := Default()
	cfg.Origin = "https://player.example.com"

	fc := cfg.FetchConfig()
	assert.Equal(t, cfg.Timeout, fc.Timeout)
	assert.Equal(t, "https://player.example.com", fc.Origin)

	rp := cfg.RetryPolicy()
	assert.Equal(t, cfg.Retry.MaxAttempts, rp.MaxAttempts)
}
