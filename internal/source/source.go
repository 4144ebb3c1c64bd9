// Package source classifies user-supplied video addresses.
package source

import (
	"net/url"
	"path"
	"strings"
)

// Kind is the class of an input address.
type Kind int

const (
	// Generic is a page address whose playlist must be discovered.
	Generic Kind = iota
	// Direct is an address that already points at an HLS playlist.
	Direct
)

func (k Kind) String() string {
	if k == Direct {
		return "direct"
	}
	return "generic"
}

// MarshalText lets Kind appear by name in JSON output.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Classify reports whether address points straight at a playlist.
// The decision looks only at the path extension, ignoring query and fragment.
func Classify(address string) Kind {
	p := address
	if u, err := url.Parse(strings.TrimSpace(address)); err == nil {
		p = u.Path
	} else if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}

	switch strings.ToLower(path.Ext(p)) {
	case ".m3u8", ".m3u":
		return Direct
	}
	return Generic
}
