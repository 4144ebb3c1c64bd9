// Package integration provides integration testing utilities for MediaBreaker.
package integration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/RalkeyOfficial/MediaBreaker/internal/fetch"
	"github.com/RalkeyOfficial/MediaBreaker/internal/generic"
	"github.com/RalkeyOfficial/MediaBreaker/internal/metrics"
	"github.com/RalkeyOfficial/MediaBreaker/internal/pipeline"
	"github.com/RalkeyOfficial/MediaBreaker/internal/server"
)

// TestHarness manages an origin site and a MediaBreaker server for
// integration tests.
type TestHarness struct {
	t          *testing.T
	originPort int
	serverPort int
	origin     *http.Server
	files      map[string]originFile
	hits       map[string]int
	mu         sync.Mutex
	metrics    *metrics.Recorder
	cancel     context.CancelFunc
	done       chan error
}

// originFile is one response served by the origin.
type originFile struct {
	body     []byte
	encoding string
	delay    time.Duration
}

// NewTestHarness creates a new test harness.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	return &TestHarness{
		t:          t,
		originPort: findAvailablePort(t),
		serverPort: findAvailablePort(t),
		files:      make(map[string]originFile),
		hits:       make(map[string]int),
	}
}

// OriginURL returns the absolute origin URL for path.
func (h *TestHarness) OriginURL(path string) string {
	return fmt.Sprintf("http://localhost:%d/%s", h.originPort, strings.TrimPrefix(path, "/"))
}

// AddFile serves content at path on the origin.
func (h *TestHarness) AddFile(path, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files["/"+strings.TrimPrefix(path, "/")] = originFile{body: []byte(content)}
}

// AddSlowFile serves content at path after delay.
func (h *TestHarness) AddSlowFile(path, content string, delay time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files["/"+strings.TrimPrefix(path, "/")] = originFile{body: []byte(content), delay: delay}
}

// AddZstdFile serves content at path compressed with zstd.
func (h *TestHarness) AddZstdFile(path, content string) {
	h.t.Helper()

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		h.t.Fatalf("failed to create zstd encoder: %v", err)
	}
	body := enc.EncodeAll([]byte(content), nil)
	enc.Close()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.files["/"+strings.TrimPrefix(path, "/")] = originFile{body: body, encoding: "zstd"}
}

// Hits reports how many times path was requested from the origin.
func (h *TestHarness) Hits(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hits["/"+strings.TrimPrefix(path, "/")]
}

// StartOrigin starts the HTTP server standing in for the remote site.
func (h *TestHarness) StartOrigin() {
	h.t.Helper()

	h.origin = &http.Server{
		Addr:    fmt.Sprintf(":%d", h.originPort),
		Handler: http.HandlerFunc(h.serveOrigin),
	}

	go func() {
		if err := h.origin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.t.Logf("origin server error: %v", err)
		}
	}()

	h.waitForServer(h.OriginURL("/"), 5*time.Second)
	h.t.Logf("origin started on port %d", h.originPort)
}

func (h *TestHarness) serveOrigin(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.hits[r.URL.Path]++
	f, ok := h.files[r.URL.Path]
	h.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.encoding != "" {
		w.Header().Set("Content-Encoding", f.encoding)
	}
	w.Write(f.body)
}

// StartServer starts a MediaBreaker server wired the way the serve command
// wires it.
func (h *TestHarness) StartServer() {
	h.t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	h.metrics = metrics.New()

	client := fetch.New(fetch.DefaultConfig(), logger)
	resolver := pipeline.New(client, generic.NewJSONLD(client, "", logger), logger,
		pipeline.WithMetrics(h.metrics),
	)
	srv := server.New(resolver, server.Config{
		Addr:  fmt.Sprintf(":%d", h.serverPort),
		Retry: fetch.RetryPolicy{MaxAttempts: 1},
	}, h.metrics, logger)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() {
		h.done <- srv.Start(ctx)
	}()

	h.waitForServer(fmt.Sprintf("http://localhost:%d/health", h.serverPort), 10*time.Second)
	h.t.Logf("MediaBreaker server started on port %d", h.serverPort)
}

// Get requests path from the MediaBreaker server and returns the status and
// body.
func (h *TestHarness) Get(path string) (int, string) {
	h.t.Helper()

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d%s", h.serverPort, path))
	if err != nil {
		h.t.Fatalf("failed to fetch %s: %v", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("failed to read %s body: %v", path, err)
	}
	return resp.StatusCode, string(body)
}

// Cleanup stops all running services.
func (h *TestHarness) Cleanup() {
	h.t.Helper()

	if h.cancel != nil {
		h.cancel()
		select {
		case err := <-h.done:
			if err != nil && !errors.Is(err, context.Canceled) {
				h.t.Errorf("server shutdown: %v", err)
			}
		case <-time.After(15 * time.Second):
			h.t.Error("server did not shut down")
		}
	}

	if h.origin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.origin.Shutdown(ctx)
	}
}

// waitForServer waits for a server to become available.
func (h *TestHarness) waitForServer(url string, timeout time.Duration) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	h.t.Fatalf("server at %s did not become available within %v", url, timeout)
}

// findAvailablePort finds an available TCP port.
func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}
