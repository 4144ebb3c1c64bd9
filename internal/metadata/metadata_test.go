package metadata

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/RalkeyOfficial/MediaBreaker/internal/playlist"
	"github.com/RalkeyOfficial/MediaBreaker/internal/segment"
	"github.com/RalkeyOfficial/MediaBreaker/internal/variant"
)

func mediaPlaylist(key *segment.Key, durations ...float64) *playlist.Playlist {
	p := &playlist.Playlist{
		Kind:           playlist.Media,
		HasHeader:      true,
		TargetDuration: 6,
		MediaSequence:  3,
		Key:            key,
	}
	for i, d := range durations {
		p.Segments = append(p.Segments, segment.Segment{URI: "s.ts", Duration: d, Sequence: uint64(3 + i), Key: key})
	}
	return p
}

func TestExtract_DefaultsToNoEncryption(t *testing.T) {
	// Any media playlist without a key reports METHOD=NONE, never an empty method.
	for _, p := range []*playlist.Playlist{
		mediaPlaylist(nil, 4, 4),
		mediaPlaylist(nil),
		{Kind: playlist.Media},
		nil,
	} {
		m := Extract(p, nil)
		if m.Encryption.Method != MethodNone {
			t.Errorf("Expected method NONE, got %q", m.Encryption.Method)
		}
		if m.Encryption.Encrypted() {
			t.Error("Expected unencrypted")
		}
	}
}

func TestExtract_MediaPlaylist(t *testing.T) {
	key := &segment.Key{Method: "AES-128", URI: "https://cdn.example.com/key", IV: "0x01", KeyFormat: "identity"}
	p := mediaPlaylist(key, 6, 6, 2.5)
	p.Ended = true

	from := &variant.Variant{
		Bandwidth:  2500000,
		Resolution: &variant.Resolution{Width: 1280, Height: 720},
		Codecs:     "avc1.64001f,mp4a.40.2",
	}

	got := Extract(p, from)
	want := Metadata{
		Encryption: Encryption{Method: "AES-128", KeyURI: "https://cdn.example.com/key", IV: "0x01", KeyFormat: "identity"},
		Codec: Codec{
			Bandwidth:  2500000,
			Resolution: &variant.Resolution{Width: 1280, Height: 720},
			Codecs:     "avc1.64001f,mp4a.40.2",
			VideoCodec: "avc1.64001f",
			AudioCodec: "mp4a.40.2",
		},
		Segments: Segments{
			TotalSegments:  3,
			TotalDuration:  14500 * time.Millisecond,
			TargetDuration: 6,
			MediaSequence:  3,
			PlaylistType:   "VOD",
			Ended:          true,
		},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Extract() mismatch (-want +got):\n%s", diff)
	}
	if !got.Encryption.Encrypted() {
		t.Error("Expected encrypted")
	}
}

func TestExtract_PlaylistType(t *testing.T) {
	live := mediaPlaylist(nil, 4)
	if got := Extract(live, nil).Segments.PlaylistType; got != "LIVE" {
		t.Errorf("Expected LIVE for open playlist, got %q", got)
	}

	event := mediaPlaylist(nil, 4)
	event.Type = "EVENT"
	if got := Extract(event, nil).Segments.PlaylistType; got != "EVENT" {
		t.Errorf("Expected declared EVENT, got %q", got)
	}

	m := Extract(&playlist.Playlist{Kind: playlist.Master}, nil)
	if m.Segments.PlaylistType != "master" || m.Segments.TotalSegments != 0 {
		t.Errorf("Unexpected master summary %+v", m.Segments)
	}
}

func TestExtract_DirectMediaHasNoCodec(t *testing.T) {
	m := Extract(mediaPlaylist(nil, 4), nil)
	if diff := cmp.Diff(Codec{}, m.Codec); diff != "" {
		t.Errorf("Expected zero codec (-want +got):\n%s", diff)
	}
}

func TestSplitCodecs(t *testing.T) {
	tests := []struct {
		in         string
		wantVideo  string
		wantAudio  string
	}{
		{"avc1.4d401f,mp4a.40.2", "avc1.4d401f", "mp4a.40.2"},
		{"mp4a.40.2, hvc1.1.6.L93.B0", "hvc1.1.6.L93.B0", "mp4a.40.2"},
		{"ac-3", "", "ac-3"},
		{"av01.0.08M.08", "av01.0.08M.08", ""},
		{"ec-3,avc1.64001f,mp4a.40.2", "avc1.64001f", "ec-3"},
		{"wvtt", "", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		video, audio := SplitCodecs(tt.in)
		if video != tt.wantVideo || audio != tt.wantAudio {
			t.Errorf("SplitCodecs(%q) = %q, %q; want %q, %q", tt.in, video, audio, tt.wantVideo, tt.wantAudio)
		}
	}
}
