// Package fetch performs the single HTTP read behind each resolution step and
// reverses the content encodings delivery platforms apply to playlists.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/RalkeyOfficial/MediaBreaker/internal/failure"
)

const (
	// DefaultUserAgent mimics a desktop browser; some CDNs refuse bare clients.
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36"

	// DefaultReferer is the embed origin of the delivery platform.
	DefaultReferer = "https://iframe.mediadelivery.net/"

	// DefaultTimeout bounds each request.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxBodyBytes caps decoded bodies.
	DefaultMaxBodyBytes = 10 << 20

	acceptEncoding = "gzip, deflate, br, zstd"
	acceptHTML     = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
)

// Resource selects the header profile of a request.
type Resource int

const (
	// Playlist requests ask for any content type with every supported encoding.
	Playlist Resource = iota
	// Page requests ask for HTML.
	Page
)

func (r Resource) String() string {
	if r == Page {
		return "page"
	}
	return "playlist"
}

// Config controls the HTTP client.
type Config struct {
	Timeout        time.Duration
	UserAgent      string
	Referer        string
	Origin         string
	AcceptLanguage string
	MaxBodyBytes   int64
}

// DefaultConfig returns the browser-like defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:        DefaultTimeout,
		UserAgent:      DefaultUserAgent,
		Referer:        DefaultReferer,
		Origin:         strings.TrimSuffix(DefaultReferer, "/"),
		AcceptLanguage: "en-US,en;q=0.9",
		MaxBodyBytes:   DefaultMaxBodyBytes,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	if c.AcceptLanguage == "" {
		c.AcceptLanguage = d.AcceptLanguage
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
}

// Document is a fetched and decoded response body.
type Document struct {
	// URL is the final address after redirects
	URL string

	// Body is the decoded content
	Body []byte

	// ContentType is the response Content-Type header
	ContentType string

	// Encoding is the content encoding that was reversed, empty for identity
	Encoding string
}

// Getter is the read side of Client, satisfied by test doubles.
type Getter interface {
	Get(ctx context.Context, address string, res Resource) (*Document, error)
}

// Client fetches pages and playlists.
type Client struct {
	http   *http.Client
	config Config
	logger *slog.Logger
}

var _ Getter = (*Client)(nil)

// New creates a Client. The transport is instrumented with OpenTelemetry.
func New(cfg Config, logger *slog.Logger) *Client {
	cfg.applyDefaults()

	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   4,
		// Encodings are handled by decodeBody so that zstd and br work too.
		DisableCompression: true,
	}

	return &Client{
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(&browserTransport{base: base, config: cfg}),
		},
		config: cfg,
		logger: logger,
	}
}

// Get performs one GET for address and returns the decoded body.
// Non-2xx responses and transport errors are Network failures; encoding
// problems are Decode failures.
func (c *Client) Get(ctx context.Context, address string, res Resource) (*Document, error) {
	op := "fetch " + res.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, address, nil)
	if err != nil {
		return nil, &failure.Error{Kind: failure.Network, Op: op, URL: address, Err: err}
	}
	req.Header.Set("Accept-Encoding", acceptEncoding)
	if res == Page {
		req.Header.Set("Accept", acceptHTML)
	} else {
		req.Header.Set("Accept", "*/*")
		if c.config.Origin != "" {
			req.Header.Set("Origin", c.config.Origin)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &failure.Error{Kind: failure.Network, Op: op, URL: address, Err: unwrapURLError(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, failure.HTTPStatus(op, address, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBodyBytes+1))
	if err != nil {
		return nil, &failure.Error{Kind: failure.Network, Op: op, URL: address, Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(raw)) > c.config.MaxBodyBytes {
		return nil, &failure.Error{Kind: failure.Decode, Op: op, URL: address,
			Err: fmt.Errorf("body exceeds %d bytes", c.config.MaxBodyBytes)}
	}

	encoding := resp.Header.Get("Content-Encoding")
	body, applied, err := decodeBody(encoding, raw, c.config.MaxBodyBytes)
	if err != nil {
		return nil, &failure.Error{Kind: failure.Decode, Op: op, URL: address, Err: err}
	}

	final := address
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}

	c.logger.Debug("fetched",
		"resource", res.String(),
		"url", final,
		"status", resp.StatusCode,
		"encoding", applied,
		"bytes", len(body),
		"elapsed", time.Since(start),
	)

	return &Document{
		URL:         final,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		Encoding:    applied,
	}, nil
}

// unwrapURLError strips the *url.Error wrapper, whose message repeats the URL
// that the failure already carries.
func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}

// browserTransport sets the request headers a browser embedding the player would send.
type browserTransport struct {
	base   http.RoundTripper
	config Config
}

func (t *browserTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.config.UserAgent)
	}
	if req.Header.Get("Accept-Language") == "" {
		req.Header.Set("Accept-Language", t.config.AcceptLanguage)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "*/*")
	}
	if req.Header.Get("Referer") == "" && t.config.Referer != "" {
		req.Header.Set("Referer", t.config.Referer)
	}
	return t.base.RoundTrip(req)
}

// Headers returns the request headers a downstream consumer (the transcoder)
// should send to reach the same resources.
func (c *Client) Headers() http.Header {
	h := http.Header{}
	h.Set("User-Agent", c.config.UserAgent)
	if c.config.Referer != "" {
		h.Set("Referer", c.config.Referer)
	}
	if c.config.Origin != "" {
		h.Set("Origin", c.config.Origin)
	}
	return h
}
