package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RalkeyOfficial/MediaBreaker/internal/config"
	"github.com/RalkeyOfficial/MediaBreaker/internal/failure"
)

const videoID = "5a0c2e1f-8f3e-4c21-9d6b-3c8f0e2d1a77"

// newSite serves an embed page, a master playlist and its media playlists.
func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/embed/"+videoID, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><head><script type="application/ld+json">
{"@type":"VideoObject","name":"Lecture 1.mp4","thumbnailUrl":"/%s/thumbnail.jpg"}
</script></head></html>`, videoID)
	})
	mux.HandleFunc("/embed/broken", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Nothing here</title></head></html>`)
	})
	mux.HandleFunc("/"+videoID+"/playlist.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n"+
			"#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360\n360p/video.m3u8\n"+
			"#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720,CODECS=\"avc1.64001f,mp4a.40.2\"\n720p/video.m3u8\n")
	})
	media := func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-TARGETDURATION:4\n#EXTINF:4.0,\nseg0.ts\n#EXTINF:4.0,\nseg1.ts\n#EXT-X-ENDLIST\n")
	}
	mux.HandleFunc("/"+videoID+"/360p/video.m3u8", media)
	mux.HandleFunc("/"+videoID+"/720p/video.m3u8", media)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

// isolate keeps the developer's configuration out of the test.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv(config.EnvConfigPath, "")
	t.Setenv(config.EnvPrefix+"METRICS_TEXTFILE", "")
}

func run(t *testing.T, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code = execute(context.Background(), args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestExecute_Usage(t *testing.T) {
	isolate(t)

	tests := []struct {
		name string
		args []string
	}{
		{"no url", nil},
		{"two urls", []string{"https://a/x.m3u8", "https://b/y.m3u8"}},
		{"unknown flag", []string{"--speed", "fast", "https://a/x.m3u8"}},
		{"bad quality", []string{"--quality", "ultra", "https://a/x.m3u8"}},
		{"bad mode", []string{"--mode", "fast", "https://a/x.m3u8"}},
		{"serve with args", []string{"serve", "extra"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := run(t, tt.args...)
			assert.Equal(t, failure.ExitUsage, code, "stderr: %s", stderr)
			assert.Contains(t, stderr, "Error:")
		})
	}
}

func TestExecute_Version(t *testing.T) {
	code, stdout, _ := run(t, "--version")
	assert.Equal(t, failure.ExitOK, code)
	assert.Contains(t, stdout, version)
}

func TestExecute_Info(t *testing.T) {
	isolate(t)
	server := newSite(t)

	code, stdout, stderr := run(t, "--info", server.URL+"/embed/"+videoID)
	require.Equal(t, failure.ExitOK, code, "stderr: %s", stderr)

	var info struct {
		Source      string
		Title       string
		PlaylistURL string
		Variants    []json.RawMessage
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.Equal(t, "generic", info.Source)
	assert.Equal(t, "Lecture 1", info.Title)
	assert.Equal(t, server.URL+"/"+videoID+"/720p/video.m3u8", info.PlaylistURL)
	assert.Len(t, info.Variants, 2)
}

func TestExecute_ListQualities(t *testing.T) {
	isolate(t)
	server := newSite(t)

	code, stdout, stderr := run(t, "-q", server.URL+"/"+videoID+"/playlist.m3u8")
	require.Equal(t, failure.ExitOK, code, "stderr: %s", stderr)

	assert.Contains(t, stdout, "RESOLUTION")
	assert.Contains(t, stdout, "640x360")
	assert.Contains(t, stdout, "1280x720")
	assert.Contains(t, stdout, "2.50 Mbps")
	assert.Contains(t, stdout, "*")

	code, stdout, _ = run(t, "-q", server.URL+"/"+videoID+"/720p/video.m3u8")
	require.Equal(t, failure.ExitOK, code)
	assert.Contains(t, stdout, "single quality")
}

func TestExecute_DryRun(t *testing.T) {
	isolate(t)
	server := newSite(t)
	dir := t.TempDir()

	code, stdout, stderr := run(t, "--dry-run", "--output-dir", dir, "--quality", "worst", server.URL+"/"+videoID+"/playlist.m3u8")
	require.Equal(t, failure.ExitOK, code, "stderr: %s", stderr)

	// No title on a direct address: the identifier names the file.
	assert.Contains(t, stdout, filepath.Join(dir, videoID+".mp4"))
	assert.Contains(t, stdout, "/360p/video.m3u8")
	assert.Contains(t, stdout, "mode:       copy")
	assert.Contains(t, stdout, "encryption: NONE")
	assert.NoFileExists(t, filepath.Join(dir, videoID+".mp4"))

	code, stdout, _ = run(t, "--dry-run", "-o", "custom", server.URL+"/embed/"+videoID)
	require.Equal(t, failure.ExitOK, code)
	assert.Contains(t, stdout, "custom.mp4")
}

func TestExecute_Failures(t *testing.T) {
	isolate(t)
	server := newSite(t)

	tests := []struct {
		name     string
		address  string
		wantCode int
		wantLog  string
	}{
		{"missing playlist", server.URL + "/nothing/playlist.m3u8", failure.ExitNetwork, ""},
		{"missing page", server.URL + "/embed/none", failure.ExitNetwork, ""},
		{"page without metadata", server.URL + "/embed/broken", failure.ExitPage, "remote site may have changed"},
		{"missing variant", server.URL + "/x/720p/video.m3u8", failure.ExitNetwork, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := run(t, "--retries", "1", "--dry-run", tt.address)
			assert.Equal(t, tt.wantCode, code, "stderr: %s", stderr)
			if tt.wantLog != "" {
				assert.Contains(t, stderr, tt.wantLog)
			}
		})
	}
}

func TestExecute_NoIdentifier(t *testing.T) {
	isolate(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/video/stream.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-TARGETDURATION:4\n#EXTINF:4.0,\nseg0.ts\n#EXT-X-ENDLIST\n")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	code, _, stderr := run(t, "--dry-run", server.URL+"/video/stream.m3u8")
	assert.Equal(t, failure.ExitUnresolved, code, "stderr: %s", stderr)

	code, stdout, _ := run(t, "--dry-run", "-o", "named", server.URL+"/video/stream.m3u8")
	assert.Equal(t, failure.ExitOK, code)
	assert.Contains(t, stdout, "named.mp4")
}

// writeFakeFFmpeg writes a stand-in ffmpeg that touches every .mp4 argument
// and exits with status 1 when fail is set.
func writeFakeFFmpeg(t *testing.T, fail bool) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in requires a POSIX shell")
	}
	status := "0"
	if fail {
		status = "1"
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\nfor a in \"$@\"; do case \"$a\" in *.mp4) : > \"$a\";; esac; done\nexit " + status + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestExecute_Transcode(t *testing.T) {
	isolate(t)
	server := newSite(t)
	dir := t.TempDir()
	textfile := filepath.Join(dir, "mediabreaker.prom")
	t.Setenv(config.EnvPrefix+"METRICS_TEXTFILE", textfile)

	ffmpeg := writeFakeFFmpeg(t, false)
	code, stdout, stderr := run(t, "--ffmpeg", ffmpeg, "--output-dir", dir, server.URL+"/embed/"+videoID)
	require.Equal(t, failure.ExitOK, code, "stderr: %s", stderr)

	want := filepath.Join(dir, "Lecture 1.mp4")
	assert.Equal(t, want, strings.TrimSpace(stdout))
	assert.FileExists(t, want)

	metrics, err := os.ReadFile(textfile)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "mediabreaker_transcodes_total")

	ffmpeg = writeFakeFFmpeg(t, true)
	code, _, _ = run(t, "--ffmpeg", ffmpeg, "--output-dir", dir, server.URL+"/embed/"+videoID)
	assert.Equal(t, failure.ExitTranscode, code)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, config.LogConfig{Level: "debug", Format: "json"})
	logger.Debug("hello", "key", "value")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "value", entry["key"])

	buf.Reset()
	logger = newLogger(&buf, config.LogConfig{Level: "warn", Format: "text"})
	logger.Info("hidden")
	assert.Empty(t, buf.String())
}
