// Package segment defines data structures for HLS media segments and their keys.
package segment

// Key describes an EXT-X-KEY tag.
type Key struct {
	// Method is the encryption method (e.g. "AES-128", "SAMPLE-AES", "NONE")
	Method string

	// URI is the key location, absolute once the playlist has been parsed
	URI string

	// IV is the initialization vector as written in the playlist, empty if absent
	IV string

	// KeyFormat and KeyFormatVersions are copied through when present
	KeyFormat         string
	KeyFormatVersions string
}

// Encrypted reports whether the key actually encrypts media.
func (k *Key) Encrypted() bool {
	return k != nil && k.Method != "" && k.Method != "NONE"
}

// Segment represents a single HLS media segment.
type Segment struct {
	// URI is the segment address, absolute once the playlist has been parsed
	URI string

	// Duration is the segment duration in seconds
	Duration float64

	// Title is the optional EXTINF title
	Title string

	// Sequence is the media sequence number of the segment
	Sequence uint64

	// Discontinuity is set when EXT-X-DISCONTINUITY precedes the segment
	Discontinuity bool

	// Key is the key in effect for this segment, nil when unencrypted
	Key *Key
}
