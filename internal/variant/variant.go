// Package variant defines data structures for HLS variant streams in master playlists.
package variant

import (
	"fmt"
	"strconv"
	"strings"
)

// Resolution is a video frame size in pixels.
type Resolution struct {
	Width  int
	Height int
}

// ParseResolution parses a RESOLUTION attribute such as "1920x1080".
func ParseResolution(s string) (*Resolution, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return nil, fmt.Errorf("invalid resolution %q", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil || width < 0 {
		return nil, fmt.Errorf("invalid resolution width %q", s)
	}
	height, err := strconv.Atoi(h)
	if err != nil || height < 0 {
		return nil, fmt.Errorf("invalid resolution height %q", s)
	}
	return &Resolution{Width: width, Height: height}, nil
}

// Area returns the pixel count; a nil resolution has area 0.
func (r *Resolution) Area() int64 {
	if r == nil {
		return 0
	}
	return int64(r.Width) * int64(r.Height)
}

func (r *Resolution) String() string {
	if r == nil {
		return ""
	}
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// MarshalText renders the resolution as "WIDTHxHEIGHT".
func (r Resolution) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%dx%d", r.Width, r.Height)), nil
}

// Variant represents a single variant stream in an HLS master playlist.
// Each variant typically represents a different quality level (bitrate/resolution).
type Variant struct {
	// Bandwidth is the peak segment bitrate in bits per second
	Bandwidth int64

	// AverageBandwidth is the AVERAGE-BANDWIDTH attribute, 0 if absent
	AverageBandwidth int64

	// Resolution is the video resolution, nil if not specified in the master playlist
	Resolution *Resolution `json:",omitempty"`

	// Codecs is the codec string (e.g., "avc1.4d401f,mp4a.40.2")
	// Empty string if not specified in master playlist
	Codecs string

	// FrameRate is the FRAME-RATE attribute, 0 if absent
	FrameRate float64

	// URI is the variant's media playlist address as written in the master
	URI string

	// Index is the variant's position in the master playlist
	Index int
}

// Label is a short human readable description such as "1280x720 2.5 Mbps".
func (v Variant) Label() string {
	mbps := float64(v.Bandwidth) / 1_000_000
	if v.Resolution == nil {
		return fmt.Sprintf("%.2f Mbps", mbps)
	}
	return fmt.Sprintf("%s %.2f Mbps", v.Resolution, mbps)
}
