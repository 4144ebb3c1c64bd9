// Package playlist holds the parsed form of an HLS playlist and renders it back to text.
package playlist

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/RalkeyOfficial/MediaBreaker/internal/segment"
	"github.com/RalkeyOfficial/MediaBreaker/internal/variant"
)

// Kind tells master and media playlists apart.
type Kind int

const (
	// Media is a playlist of segments.
	Media Kind = iota
	// Master is a playlist of variant streams.
	Master
)

func (k Kind) String() string {
	if k == Master {
		return "master"
	}
	return "media"
}

// MarshalText lets Kind appear by name in JSON output.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Playlist is a decoded HLS playlist. Exactly one of Variants and Segments
// is populated, according to Kind.
type Playlist struct {
	Kind Kind

	// URL is the final address the playlist was fetched from
	URL string

	// BaseURL is the directory of URL, used to resolve relative references
	BaseURL string

	// HasHeader is set when the text started with #EXTM3U
	HasHeader bool

	// Version is the EXT-X-VERSION value, 0 if absent
	Version uint8

	// ContentEncoding is the HTTP content encoding that was reversed to read the playlist
	ContentEncoding string `json:",omitempty"`

	// Variants lists the variant streams of a master playlist in manifest order
	Variants []variant.Variant `json:",omitempty"`

	// Segments lists the segments of a media playlist with absolute URIs
	Segments []segment.Segment `json:"-"`

	// Key is the first EXT-X-KEY of a media playlist, nil when there is none
	Key *segment.Key `json:",omitempty"`

	// TargetDuration is EXT-X-TARGETDURATION in seconds
	TargetDuration float64

	// MediaSequence is EXT-X-MEDIA-SEQUENCE
	MediaSequence uint64

	// Type is EXT-X-PLAYLIST-TYPE ("VOD", "EVENT") or empty when not declared
	Type string `json:",omitempty"`

	// Ended is set when EXT-X-ENDLIST was present
	Ended bool
}

// IsMaster reports whether p lists variant streams.
func (p *Playlist) IsMaster() bool {
	return p.Kind == Master
}

// Duration returns the summed segment durations in seconds.
func (p *Playlist) Duration() float64 {
	var total float64
	for _, seg := range p.Segments {
		total += seg.Duration
	}
	return total
}

// BaseURL returns the directory part of address: scheme, host and the path up
// to and including its last "/". Query and fragment are dropped.
func BaseURL(address string) (string, error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("invalid playlist URL: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("playlist URL %q is not absolute", address)
	}

	dir := "/"
	if p := u.EscapedPath(); strings.Contains(p, "/") {
		dir = p[:strings.LastIndex(p, "/")+1]
	}

	base := url.URL{Scheme: u.Scheme, User: u.User, Host: u.Host}
	return base.String() + dir, nil
}

// ResolveURL resolves a possibly relative URL against a base URL.
func ResolveURL(baseURL, relativeURL string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	rel, err := url.Parse(relativeURL)
	if err != nil {
		return "", fmt.Errorf("invalid relative URL: %w", err)
	}

	resolved := base.ResolveReference(rel)
	if resolved.Scheme == "" || resolved.Host == "" {
		return "", fmt.Errorf("reference %q does not resolve to an absolute URL", relativeURL)
	}
	return resolved.String(), nil
}
