package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/RalkeyOfficial/MediaBreaker/internal/failure"
	"github.com/RalkeyOfficial/MediaBreaker/internal/fetch"
	"github.com/RalkeyOfficial/MediaBreaker/internal/generic"
	"github.com/RalkeyOfficial/MediaBreaker/internal/metrics"
	"github.com/RalkeyOfficial/MediaBreaker/internal/selector"
	"github.com/RalkeyOfficial/MediaBreaker/internal/source"
)

const videoID = "5a0c2e1f-8f3e-4c21-9d6b-3c8f0e2d1a77"

const masterBody = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360,CODECS="avc1.4d401e,mp4a.40.2"
360p/video.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720,CODECS="avc1.64001f,mp4a.40.2"
720p/video.m3u8
`

const mediaBody = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:4
#EXT-X-PLAYLIST-TYPE:VOD
#EXT-X-KEY:METHOD=AES-128,URI="key.bin"
#EXTINF:4.0,
seg0.ts
#EXTINF:4.0,
seg1.ts
#EXTINF:2.0,
seg2.ts
#EXT-X-ENDLIST
`

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only show errors in tests
	}))
}

func zstdBytes(t *testing.T, s string) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll([]byte(s), nil)
}

// newSite serves an embed page, a master playlist and zstd media playlists.
func newSite(t *testing.T, pageTitle string) *httptest.Server {
	t.Helper()
	compressed := zstdBytes(t, mediaBody)

	mux := http.NewServeMux()
	var server *httptest.Server
	mux.HandleFunc("/embed/"+videoID, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<html><head>
<script type="application/ld+json">
{"@context":"https://schema.org","@type":"VideoObject","name":%q,
 "thumbnailUrl":"%s/%s/thumbnail.jpg"}
</script></head><body></body></html>`, pageTitle, server.URL, videoID)
	})
	mux.HandleFunc("/"+videoID+"/playlist.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(masterBody))
	})
	mux.HandleFunc("/"+videoID+"/720p/video.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "zstd")
		w.Write(compressed)
	})
	mux.HandleFunc("/"+videoID+"/360p/video.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "zstd")
		w.Write(compressed)
	})
	mux.HandleFunc("/nested/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\ninner.m3u8\n"))
	})
	mux.HandleFunc("/nested/inner.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\ndeeper.m3u8\n"))
	})
	mux.HandleFunc("/empty/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXT-X-I-FRAME-STREAM-INF:BANDWIDTH=90000,URI=\"iframe.m3u8\"\n"))
	})
	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newResolver(opts ...Option) *Resolver {
	client := fetch.New(fetch.DefaultConfig(), createTestLogger())
	return New(client, generic.NewJSONLD(client, "", createTestLogger()), createTestLogger(), opts...)
}

func TestResolve_GenericPage(t *testing.T) {
	server := newSite(t, "My Video.mp4")
	reg := metrics.New()
	r := newResolver(WithMetrics(reg))

	rs, err := r.Resolve(context.Background(), server.URL+"/embed/"+videoID)
	require.NoError(t, err)

	assert.Equal(t, source.Generic, rs.Source)
	require.NotNil(t, rs.Page)
	assert.Equal(t, "My Video", rs.Title)
	assert.Equal(t, server.URL+"/"+videoID+"/playlist.m3u8", rs.MasterURL)
	assert.Len(t, rs.Variants, 2)

	// Highest bandwidth wins.
	require.NotNil(t, rs.Selected)
	assert.Equal(t, 1, rs.Selected.Index)
	assert.Equal(t, server.URL+"/"+videoID+"/720p/video.m3u8", rs.PlaylistURL)

	md := rs.Metadata
	assert.Equal(t, "AES-128", md.Encryption.Method)
	assert.Equal(t, server.URL+"/"+videoID+"/720p/key.bin", md.Encryption.KeyURI)
	assert.Equal(t, int64(2500000), md.Codec.Bandwidth)
	assert.Equal(t, 3, md.Segments.TotalSegments)
	assert.Equal(t, 10*time.Second, md.Segments.TotalDuration)
	assert.Equal(t, "VOD", md.Segments.PlaylistType)

	name, err := rs.BaseName()
	require.NoError(t, err)
	assert.Equal(t, "My Video", name)

	count, err := testutil.GatherAndCount(reg.Registry(), "mediabreaker_resolutions_total", "mediabreaker_playlist_encoding_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count) // one resolution, identity master, zstd media
}

func TestResolve_DirectMaster(t *testing.T) {
	server := newSite(t, "")
	r := newResolver(WithQuality(selector.Worst))

	rs, err := r.Resolve(context.Background(), server.URL+"/"+videoID+"/playlist.m3u8")
	require.NoError(t, err)

	assert.Equal(t, source.Direct, rs.Source)
	assert.Nil(t, rs.Page)
	require.NotNil(t, rs.Selected)
	assert.Equal(t, 0, rs.Selected.Index)
	assert.True(t, strings.HasSuffix(rs.PlaylistURL, "/360p/video.m3u8"))
	assert.Equal(t, "zstd", rs.Media.ContentEncoding)

	// No title: the name comes from the identifier in the path.
	name, err := rs.BaseName()
	require.NoError(t, err)
	assert.Equal(t, videoID, name)
}

func TestResolve_DirectMedia(t *testing.T) {
	server := newSite(t, "")
	r := newResolver()

	rs, err := r.Resolve(context.Background(), server.URL+"/"+videoID+"/720p/video.m3u8")
	require.NoError(t, err)

	assert.Empty(t, rs.MasterURL)
	assert.Nil(t, rs.Selected)
	assert.Equal(t, 3, rs.Metadata.Segments.TotalSegments)
	assert.Empty(t, rs.Metadata.Codec.Codecs)
}

func TestResolve_Failures(t *testing.T) {
	server := newSite(t, "")

	tests := []struct {
		name    string
		address string
		want    failure.Kind
	}{
		{"page missing", server.URL + "/embed/missing", failure.Network},
		{"playlist missing", server.URL + "/gone/playlist.m3u8", failure.Network},
		{"nested master", server.URL + "/nested/master.m3u8", failure.Validation},
		{"empty master", server.URL + "/empty/master.m3u8", failure.NoVariants},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs, err := newResolver().Resolve(context.Background(), tt.address)
			require.Error(t, err)
			assert.Nil(t, rs)
			assert.Equal(t, tt.want, failure.KindOf(err), "err: %v", err)
		})
	}
}

type stubStrategy struct {
	calls  atomic.Int32
	result generic.Result
	err    error
}

func (s *stubStrategy) Resolve(ctx context.Context, address string) (generic.Result, error) {
	s.calls.Add(1)
	return s.result, s.err
}

type countingGetter struct {
	calls atomic.Int32
}

func (g *countingGetter) Get(ctx context.Context, address string, res fetch.Resource) (*fetch.Document, error) {
	g.calls.Add(1)
	return nil, errors.New("unexpected fetch")
}

func TestResolve_PageFailureStopsPipeline(t *testing.T) {
	getter := &countingGetter{}
	strategy := &stubStrategy{err: failure.Newf(failure.MetadataNotFound, "resolve page", "no VideoObject")}

	r := New(getter, strategy, createTestLogger())
	_, err := r.Resolve(context.Background(), "https://example.com/watch/abc")

	assert.True(t, failure.Is(err, failure.MetadataNotFound))
	assert.Equal(t, int32(1), strategy.calls.Load())
	assert.Zero(t, getter.calls.Load(), "no playlist fetch after a page failure")
}

func TestResolve_Spans(t *testing.T) {
	server := newSite(t, "Clip")
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	r := newResolver(WithTracer(tp.Tracer("test")))
	_, err := r.Resolve(context.Background(), server.URL+"/embed/"+videoID)
	require.NoError(t, err)

	// The HTTP client spans come from the fetcher, one per request, and hang
	// off the stage spans.
	var names []string
	clientSpans := 0
	for _, s := range recorder.Ended() {
		if s.SpanKind() == trace.SpanKindClient {
			clientSpans++
			assert.True(t, s.Parent().IsValid(), "client span %q has no parent", s.Name())
			continue
		}
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{StagePage, StagePlaylist, StageSelect, StageMedia, "resolve"}, names)
	assert.Equal(t, 3, clientSpans) // page, master, media
}
