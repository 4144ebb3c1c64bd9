// Package generic resolves opaque video page addresses into playlist addresses
// by reading the structured metadata embedded in the page.
package generic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/RalkeyOfficial/MediaBreaker/internal/failure"
	"github.com/RalkeyOfficial/MediaBreaker/internal/fetch"
)

const (
	opExtract = "extract page metadata"

	// DefaultPlaylistName is the file name the delivery platform serves
	// next to a video's thumbnail.
	DefaultPlaylistName = "playlist.m3u8"
)

// Result is what a page revealed about its video.
type Result struct {
	// PageURL is the final page address after redirects
	PageURL string

	// PlaylistURL is the derived absolute playlist address
	PlaylistURL string

	// Title is the video name with any container extension removed, empty if unset
	Title string `json:",omitempty"`

	Description string `json:",omitempty"`
	UploadDate  string `json:",omitempty"`

	// Duration is the ISO-8601 duration as published (e.g. "PT1M30S")
	Duration string `json:",omitempty"`
}

// Strategy turns a page address into a playlist address.
type Strategy interface {
	Resolve(ctx context.Context, address string) (Result, error)
}

// JSONLD reads the schema.org VideoObject from a page's ld+json scripts.
type JSONLD struct {
	getter       fetch.Getter
	playlistName string
	logger       *slog.Logger
}

var _ Strategy = (*JSONLD)(nil)

// NewJSONLD creates the JSON-LD strategy. An empty playlistName selects DefaultPlaylistName.
func NewJSONLD(getter fetch.Getter, playlistName string, logger *slog.Logger) *JSONLD {
	if playlistName == "" {
		playlistName = DefaultPlaylistName
	}
	return &JSONLD{getter: getter, playlistName: playlistName, logger: logger}
}

// Resolve fetches the page once and extracts the playlist address and title.
func (j *JSONLD) Resolve(ctx context.Context, address string) (Result, error) {
	doc, err := j.getter.Get(ctx, address, fetch.Page)
	if err != nil {
		return Result{}, err
	}

	res, err := Extract(doc.Body, doc.URL, j.playlistName)
	if err != nil {
		return Result{}, err
	}

	j.logger.Debug("resolved page metadata",
		"page", res.PageURL,
		"playlist", res.PlaylistURL,
		"title", res.Title,
	)
	return res, nil
}

// Extract finds the VideoObject in page and derives a Result from it.
// pageURL resolves relative thumbnail addresses.
func Extract(page []byte, pageURL, playlistName string) (Result, error) {
	blocks, err := ldJSONBlocks(page)
	if err != nil {
		return Result{}, &failure.Error{Kind: failure.MetadataNotFound, Op: opExtract, URL: pageURL, Err: fmt.Errorf("parse html: %w", err)}
	}

	var (
		objects  []map[string]any
		firstErr error
	)
	for i, block := range blocks {
		var v any
		if err := json.Unmarshal([]byte(block), &v); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("ld+json block %d: %w", i, err)
			}
			continue
		}
		collectVideoObjects(v, &objects)
	}

	if len(objects) == 0 {
		cause := firstErr
		if cause == nil {
			cause = fmt.Errorf("no VideoObject in %d ld+json block(s)", len(blocks))
		}
		return Result{}, &failure.Error{Kind: failure.MetadataNotFound, Op: opExtract, URL: pageURL, Err: cause}
	}

	var (
		chosen   *Result
		fieldErr error
	)
	for _, obj := range objects {
		res, err := fromVideoObject(obj, pageURL, playlistName)
		if err != nil {
			if fieldErr == nil {
				fieldErr = err
			}
			continue
		}
		if chosen == nil {
			chosen = &res
			continue
		}
		if res.PlaylistURL != chosen.PlaylistURL {
			return Result{}, &failure.Error{
				Kind: failure.MetadataNotFound,
				Op:   opExtract,
				URL:  pageURL,
				Err:  fmt.Errorf("ambiguous: VideoObjects point at %s and %s", chosen.PlaylistURL, res.PlaylistURL),
			}
		}
	}

	if chosen == nil {
		return Result{}, fieldErr
	}
	return *chosen, nil
}

// ldJSONBlocks returns the text of every <script type="application/ld+json">.
func ldJSONBlocks(page []byte) ([]string, error) {
	root, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return nil, err
	}

	var blocks []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "script" && isLDJSON(n) {
			var b strings.Builder
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.TextNode {
					b.WriteString(c.Data)
				}
			}
			if text := strings.TrimSpace(b.String()); text != "" {
				blocks = append(blocks, text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return blocks, nil
}

func isLDJSON(n *html.Node) bool {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, "type") {
			mediaType, _, _ := strings.Cut(a.Val, ";")
			return strings.EqualFold(strings.TrimSpace(mediaType), "application/ld+json")
		}
	}
	return false
}

// collectVideoObjects walks objects, arrays and @graph containers.
func collectVideoObjects(v any, out *[]map[string]any) {
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			collectVideoObjects(item, out)
		}
	case map[string]any:
		if isVideoObject(t["@type"]) {
			*out = append(*out, t)
		}
		if graph, ok := t["@graph"]; ok {
			collectVideoObjects(graph, out)
		}
	}
}

func isVideoObject(typ any) bool {
	switch t := typ.(type) {
	case string:
		return t == "VideoObject" || strings.HasSuffix(t, ":VideoObject") || strings.HasSuffix(t, "/VideoObject")
	case []any:
		for _, item := range t {
			if isVideoObject(item) {
				return true
			}
		}
	}
	return false
}

func fromVideoObject(obj map[string]any, pageURL, playlistName string) (Result, error) {
	missing := func(cause error) error {
		return &failure.Error{Kind: failure.MissingField, Op: opExtract, URL: pageURL, Field: "thumbnailUrl", Err: cause}
	}

	thumb := thumbnail(obj["thumbnailUrl"])
	if thumb == "" {
		return Result{}, missing(nil)
	}

	playlistURL, err := playlistFromThumbnail(thumb, pageURL, playlistName)
	if err != nil {
		return Result{}, missing(err)
	}

	return Result{
		PageURL:     pageURL,
		PlaylistURL: playlistURL,
		Title:       cleanTitle(stringField(obj, "name")),
		Description: strings.TrimSpace(stringField(obj, "description")),
		UploadDate:  stringField(obj, "uploadDate"),
		Duration:    stringField(obj, "duration"),
	}, nil
}

// thumbnail accepts a URL string, a list of them, or an ImageObject.
func thumbnail(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		for _, item := range t {
			if s := thumbnail(item); s != "" {
				return s
			}
		}
	case map[string]any:
		for _, key := range []string{"url", "contentUrl"} {
			if s, ok := t[key].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// playlistFromThumbnail replaces the file name of the thumbnail address with
// the playlist name. Query and fragment are dropped.
func playlistFromThumbnail(thumb, pageURL, playlistName string) (string, error) {
	ref, err := url.Parse(thumb)
	if err != nil {
		return "", fmt.Errorf("invalid thumbnail URL %q: %w", thumb, err)
	}
	if !ref.IsAbs() {
		base, err := url.Parse(pageURL)
		if err != nil {
			return "", fmt.Errorf("relative thumbnail %q with invalid page URL: %w", thumb, err)
		}
		ref = base.ResolveReference(ref)
	}

	if ref.Scheme != "http" && ref.Scheme != "https" {
		return "", fmt.Errorf("thumbnail URL %q is not http(s)", thumb)
	}
	if ref.Host == "" {
		return "", fmt.Errorf("thumbnail URL %q has no host", thumb)
	}
	if ref.Path == "" {
		return "", errors.New("thumbnail URL has no path to rewrite")
	}

	// Resolving keeps the escaped directory as published.
	return ref.ResolveReference(&url.URL{Path: playlistName}).String(), nil
}

var containerExts = []string{".mp4", ".m4v", ".mkv", ".mov", ".webm", ".avi", ".ts"}

// cleanTitle strips one trailing container extension.
func cleanTitle(name string) string {
	name = strings.TrimSpace(name)
	for _, ext := range containerExts {
		if len(name) > len(ext) && strings.EqualFold(name[len(name)-len(ext):], ext) {
			name = name[:len(name)-len(ext)]
			break
		}
	}
	return strings.TrimSpace(name)
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}
