// Package metadata summarizes a resolved media playlist: encryption, codecs and segment timing.
package metadata

import (
	"strings"
	"time"

	"github.com/RalkeyOfficial/MediaBreaker/internal/playlist"
	"github.com/RalkeyOfficial/MediaBreaker/internal/variant"
)

// MethodNone is reported when a playlist carries no key.
const MethodNone = "NONE"

// Encryption describes the key of a media playlist.
type Encryption struct {
	Method    string
	KeyURI    string `json:",omitempty"`
	IV        string `json:",omitempty"`
	KeyFormat string `json:",omitempty"`
}

// Encrypted reports whether media segments need a key to play.
func (e Encryption) Encrypted() bool {
	return e.Method != "" && e.Method != MethodNone
}

// Codec describes the stream picked from a master playlist. Every field is
// zero when the input was a media playlist.
type Codec struct {
	Bandwidth  int64
	Resolution *variant.Resolution `json:",omitempty"`
	Codecs     string              `json:",omitempty"`
	VideoCodec string              `json:",omitempty"`
	AudioCodec string              `json:",omitempty"`
}

// Segments summarizes segment timing.
type Segments struct {
	TotalSegments  int
	TotalDuration  time.Duration
	TargetDuration float64
	MediaSequence  uint64
	PlaylistType   string
	Ended          bool
}

// Metadata is everything downstream steps need to know about a media playlist.
type Metadata struct {
	Encryption Encryption
	Codec      Codec
	Segments   Segments
}

var (
	videoPrefixes = []string{"avc1", "avc3", "hvc1", "hev1", "av01", "vp09"}
	audioPrefixes = []string{"mp4a", "ac-3", "ec-3", "opus", "flac"}
)

// Extract derives Metadata from a media playlist and, when the playlist was
// reached through a master, the variant that was selected. It never fails;
// absent values are reported as their documented defaults.
func Extract(media *playlist.Playlist, from *variant.Variant) Metadata {
	var m Metadata
	m.Encryption.Method = MethodNone

	if from != nil {
		m.Codec = Codec{
			Bandwidth:  from.Bandwidth,
			Resolution: from.Resolution,
			Codecs:     from.Codecs,
		}
		m.Codec.VideoCodec, m.Codec.AudioCodec = SplitCodecs(from.Codecs)
	}

	if media == nil {
		return m
	}
	if media.IsMaster() {
		m.Segments.PlaylistType = "master"
		return m
	}

	if k := media.Key; k != nil && k.Method != "" {
		m.Encryption = Encryption{
			Method:    k.Method,
			KeyURI:    k.URI,
			IV:        k.IV,
			KeyFormat: k.KeyFormat,
		}
	}

	m.Segments = Segments{
		TotalSegments:  len(media.Segments),
		TotalDuration:  time.Duration(media.Duration() * float64(time.Second)),
		TargetDuration: media.TargetDuration,
		MediaSequence:  media.MediaSequence,
		PlaylistType:   playlistType(media),
		Ended:          media.Ended,
	}
	return m
}

func playlistType(p *playlist.Playlist) string {
	switch {
	case p.Type != "":
		return p.Type
	case p.Ended:
		return "VOD"
	}
	return "LIVE"
}

// SplitCodecs picks the first video and first audio codec out of a CODECS
// attribute. Unknown entries are ignored.
func SplitCodecs(codecs string) (video, audio string) {
	for _, c := range strings.Split(codecs, ",") {
		c = strings.TrimSpace(c)
		lc := strings.ToLower(c)
		switch {
		case video == "" && hasAnyPrefix(lc, videoPrefixes):
			video = c
		case audio == "" && hasAnyPrefix(lc, audioPrefixes):
			audio = c
		}
	}
	return video, audio
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
