package playlist

import (
	"fmt"
	"math"
	"strings"

	"github.com/RalkeyOfficial/MediaBreaker/internal/segment"
)

// Render writes p back out as HLS text. Every URI in the output is absolute,
// so the result can be served or stored away from the original host.
func Render(p *Playlist) (string, error) {
	if p == nil {
		return "", fmt.Errorf("cannot render nil playlist")
	}
	if p.IsMaster() {
		return renderMaster(p)
	}
	return renderMedia(p)
}

func version(p *Playlist) uint8 {
	if p.Version == 0 {
		return 3
	}
	return p.Version
}

func renderMaster(p *Playlist) (string, error) {
	if len(p.Variants) == 0 {
		return "", fmt.Errorf("cannot render master playlist with zero variants")
	}

	var b strings.Builder

	// HLS master playlist header
	b.WriteString("#EXTM3U\n")
	fmt.Fprintf(&b, "#EXT-X-VERSION:%d\n", version(p))

	for _, v := range p.Variants {
		uri, err := ResolveURL(p.BaseURL, v.URI)
		if err != nil {
			return "", fmt.Errorf("variant %d: %w", v.Index, err)
		}

		b.WriteString("#EXT-X-STREAM-INF:")
		fmt.Fprintf(&b, "BANDWIDTH=%d", v.Bandwidth)
		if v.AverageBandwidth > 0 {
			fmt.Fprintf(&b, ",AVERAGE-BANDWIDTH=%d", v.AverageBandwidth)
		}
		if v.Resolution != nil {
			fmt.Fprintf(&b, ",RESOLUTION=%s", v.Resolution)
		}
		if v.FrameRate > 0 {
			fmt.Fprintf(&b, ",FRAME-RATE=%.3f", v.FrameRate)
		}
		if v.Codecs != "" {
			fmt.Fprintf(&b, ",CODECS=\"%s\"", v.Codecs)
		}
		b.WriteString("\n")
		b.WriteString(uri)
		b.WriteString("\n")
	}

	return b.String(), nil
}

func renderMedia(p *Playlist) (string, error) {
	if len(p.Segments) == 0 && !p.Ended {
		return "", fmt.Errorf("cannot render media playlist with zero segments")
	}

	var b strings.Builder

	// HLS playlist header
	b.WriteString("#EXTM3U\n")
	fmt.Fprintf(&b, "#EXT-X-VERSION:%d\n", version(p))
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(p.TargetDuration)))
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", p.MediaSequence)
	if p.Type != "" {
		fmt.Fprintf(&b, "#EXT-X-PLAYLIST-TYPE:%s\n", p.Type)
	}

	var current *segment.Key
	for _, seg := range p.Segments {
		if seg.Discontinuity {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		if !sameKey(current, seg.Key) {
			writeKey(&b, seg.Key)
			current = seg.Key
		}

		fmt.Fprintf(&b, "#EXTINF:%.3f,%s\n", seg.Duration, seg.Title)
		b.WriteString(seg.URI)
		b.WriteString("\n")
	}

	if p.Ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	return b.String(), nil
}

func sameKey(a, b *segment.Key) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// writeKey emits an EXT-X-KEY line. A nil key after an encrypted run is
// written as METHOD=NONE so later segments are not read as encrypted.
func writeKey(b *strings.Builder, k *segment.Key) {
	if k == nil {
		b.WriteString("#EXT-X-KEY:METHOD=NONE\n")
		return
	}

	fmt.Fprintf(b, "#EXT-X-KEY:METHOD=%s", k.Method)
	if k.URI != "" {
		fmt.Fprintf(b, ",URI=\"%s\"", k.URI)
	}
	if k.IV != "" {
		fmt.Fprintf(b, ",IV=%s", k.IV)
	}
	if k.KeyFormat != "" {
		fmt.Fprintf(b, ",KEYFORMAT=\"%s\"", k.KeyFormat)
	}
	if k.KeyFormatVersions != "" {
		fmt.Fprintf(b, ",KEYFORMATVERSIONS=\"%s\"", k.KeyFormatVersions)
	}
	b.WriteString("\n")
}
