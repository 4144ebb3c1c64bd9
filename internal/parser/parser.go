// Package parser provides HLS playlist parsing and validation.
package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/grafov/m3u8"

	"github.com/RalkeyOfficial/MediaBreaker/internal/failure"
	"github.com/RalkeyOfficial/MediaBreaker/internal/fetch"
	"github.com/RalkeyOfficial/MediaBreaker/internal/playlist"
	"github.com/RalkeyOfficial/MediaBreaker/internal/segment"
	"github.com/RalkeyOfficial/MediaBreaker/internal/variant"
)

const opValidate = "validate playlist"

// FetchAndParse fetches the playlist at address with one network read,
// decodes it and validates its structure.
func FetchAndParse(ctx context.Context, getter fetch.Getter, address string) (*playlist.Playlist, error) {
	doc, err := getter.Get(ctx, address, fetch.Playlist)
	if err != nil {
		return nil, err
	}

	p, err := Parse(doc.Body, doc.URL)
	if err != nil {
		return nil, err
	}
	p.ContentEncoding = doc.Encoding

	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Parse decodes playlist text fetched from address. Relative segment and key
// URIs are resolved against the directory of address. Parse does not check
// structural rules; call Validate for that.
func Parse(data []byte, address string) (*playlist.Playlist, error) {
	data = bytes.TrimPrefix(data, []byte("\ufeff"))

	linted, err := lint(data)
	hasHeader := linted.hasHeader
	if err != nil {
		if !hasHeader {
			return nil, notPlaylist(address, err)
		}
		return nil, err
	}

	base, err := playlist.BaseURL(address)
	if err != nil {
		return nil, &failure.Error{Kind: failure.Validation, Op: opParse, URL: address, Err: err}
	}

	decoded, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), false)
	if err != nil {
		if !hasHeader {
			return nil, notPlaylist(address, err)
		}
		return nil, &failure.Error{Kind: failure.Parse, Op: opParse, URL: address, Err: err}
	}

	p := &playlist.Playlist{
		URL:       address,
		BaseURL:   base,
		HasHeader: hasHeader,
	}

	switch listType {
	case m3u8.MASTER:
		master, ok := decoded.(*m3u8.MasterPlaylist)
		if !ok {
			return nil, &failure.Error{Kind: failure.Parse, Op: opParse, URL: address, Err: errors.New("unexpected playlist type")}
		}
		fillMaster(p, master)
	case m3u8.MEDIA:
		media, ok := decoded.(*m3u8.MediaPlaylist)
		if !ok {
			return nil, &failure.Error{Kind: failure.Parse, Op: opParse, URL: address, Err: errors.New("unexpected playlist type")}
		}
		if err := fillMedia(p, media); err != nil {
			return nil, err
		}
		// Zero when the tag is absent, which Validate rejects.
		p.TargetDuration = linted.targetDuration
	default:
		return nil, &failure.Error{Kind: failure.Parse, Op: opParse, URL: address, Err: errors.New("unknown playlist type")}
	}

	return p, nil
}

// notPlaylist reports text that does not look like HLS at all.
func notPlaylist(address string, cause error) error {
	return &failure.Error{
		Kind: failure.Validation,
		Op:   opParse,
		URL:  address,
		Err:  fmt.Errorf("missing #EXTM3U header: %w", cause),
	}
}

func fillMaster(p *playlist.Playlist, master *m3u8.MasterPlaylist) {
	p.Kind = playlist.Master
	p.Version = master.Version()

	for _, v := range master.Variants {
		// I-frame-only streams cannot be played on their own.
		if v == nil || v.Iframe {
			continue
		}

		var res *variant.Resolution
		if v.Resolution != "" {
			// A malformed RESOLUTION is treated as absent rather than fatal.
			res, _ = variant.ParseResolution(v.Resolution)
		}

		p.Variants = append(p.Variants, variant.Variant{
			Bandwidth:        int64(v.Bandwidth),
			AverageBandwidth: int64(v.AverageBandwidth),
			Resolution:       res,
			Codecs:           v.Codecs,
			FrameRate:        v.FrameRate,
			URI:              strings.TrimSpace(v.URI),
			Index:            len(p.Variants),
		})
	}
}

func fillMedia(p *playlist.Playlist, media *m3u8.MediaPlaylist) error {
	p.Kind = playlist.Media
	p.Version = media.Version()
	p.MediaSequence = media.SeqNo
	p.Ended = media.Closed

	switch media.MediaType {
	case m3u8.VOD:
		p.Type = "VOD"
	case m3u8.EVENT:
		p.Type = "EVENT"
	}

	// The decoder attaches a key only to the segment that follows the tag;
	// it stays in effect until the next key tag.
	var (
		current *segment.Key
		err     error
	)
	for i, seg := range media.Segments {
		if seg == nil {
			break
		}

		if seg.Key != nil {
			if current, err = convertKey(seg.Key, p.BaseURL); err != nil {
				return err
			}
		}
		if current != nil && p.Key == nil {
			p.Key = current
		}

		uri, err := playlist.ResolveURL(p.BaseURL, strings.TrimSpace(seg.URI))
		if err != nil {
			return &failure.Error{Kind: failure.Validation, Op: opParse, URL: p.URL, Fragment: seg.URI, Err: err}
		}

		p.Segments = append(p.Segments, segment.Segment{
			URI:           uri,
			Duration:      seg.Duration,
			Title:         seg.Title,
			Sequence:      media.SeqNo + uint64(i),
			Discontinuity: seg.Discontinuity,
			Key:           current,
		})
	}

	// An ended playlist without segments may still declare a key.
	if len(p.Segments) == 0 {
		if p.Key, err = convertKey(media.Key, p.BaseURL); err != nil {
			return err
		}
	}
	return nil
}

// convertKey copies an m3u8 key, resolving its URI. METHOD=NONE yields nil.
func convertKey(k *m3u8.Key, base string) (*segment.Key, error) {
	if k == nil || strings.EqualFold(k.Method, "NONE") || k.Method == "" {
		return nil, nil
	}

	key := &segment.Key{
		Method:            k.Method,
		URI:               k.URI,
		IV:                k.IV,
		KeyFormat:         k.Keyformat,
		KeyFormatVersions: k.Keyformatversions,
	}
	if k.URI != "" {
		uri, err := playlist.ResolveURL(base, k.URI)
		if err != nil {
			return nil, &failure.Error{Kind: failure.Validation, Op: opParse, Fragment: k.URI, Err: fmt.Errorf("key URI: %w", err)}
		}
		key.URI = uri
	}
	return key, nil
}

// Validate checks the structural rules a usable playlist must meet.
func Validate(p *playlist.Playlist) error {
	invalid := func(fragment, format string, args ...any) error {
		return &failure.Error{
			Kind:     failure.Validation,
			Op:       opValidate,
			URL:      p.URL,
			Fragment: fragment,
			Err:      fmt.Errorf(format, args...),
		}
	}

	if !p.HasHeader {
		return invalid("", "missing #EXTM3U header")
	}

	// An empty master passes; variant selection reports it as NoVariants.
	if p.IsMaster() {
		for _, v := range p.Variants {
			if v.URI == "" {
				return invalid(fmt.Sprintf("BANDWIDTH=%d", v.Bandwidth), "variant %d has no URI", v.Index)
			}
			if _, err := playlist.ResolveURL(p.BaseURL, v.URI); err != nil {
				return invalid(v.URI, "variant %d URI does not resolve: %v", v.Index, err)
			}
		}
		return nil
	}

	if p.TargetDuration <= 0 {
		return invalid("#EXT-X-TARGETDURATION", "media playlist has no positive target duration")
	}
	if len(p.Segments) == 0 && !p.Ended {
		return invalid("", "media playlist has no segments and is not ended")
	}
	return nil
}
