// Package pipeline runs the resolution stages in order and assembles the
// ResolvedSource handed to the transcoder.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/RalkeyOfficial/MediaBreaker/internal/failure"
	"github.com/RalkeyOfficial/MediaBreaker/internal/fetch"
	"github.com/RalkeyOfficial/MediaBreaker/internal/generic"
	"github.com/RalkeyOfficial/MediaBreaker/internal/metadata"
	"github.com/RalkeyOfficial/MediaBreaker/internal/metrics"
	"github.com/RalkeyOfficial/MediaBreaker/internal/naming"
	"github.com/RalkeyOfficial/MediaBreaker/internal/parser"
	"github.com/RalkeyOfficial/MediaBreaker/internal/playlist"
	"github.com/RalkeyOfficial/MediaBreaker/internal/selector"
	"github.com/RalkeyOfficial/MediaBreaker/internal/source"
	"github.com/RalkeyOfficial/MediaBreaker/internal/telemetry"
	"github.com/RalkeyOfficial/MediaBreaker/internal/variant"
)

// Stage names, used for spans and latency metrics.
const (
	StagePage     = "resolve_page"
	StagePlaylist = "fetch_playlist"
	StageSelect   = "select_variant"
	StageMedia    = "fetch_media_playlist"
)

// ResolvedSource is the outcome of one resolution. It is not modified after
// Resolve returns.
type ResolvedSource struct {
	// InputURL is the address the user supplied
	InputURL string

	// Source is the classification of InputURL
	Source source.Kind

	// Page is what the generic resolver found, nil for direct input
	Page *generic.Result `json:",omitempty"`

	// MasterURL is the master playlist address when one was involved
	MasterURL string `json:",omitempty"`

	// Variants lists every variant of the master, in manifest order
	Variants []variant.Variant `json:",omitempty"`

	// Selected is the chosen variant, nil for a direct media playlist
	Selected *variant.Variant `json:",omitempty"`

	// PlaylistURL is the absolute media playlist address
	PlaylistURL string

	// Title is the page title, empty when unset
	Title string `json:",omitempty"`

	Metadata metadata.Metadata

	// Media is the parsed media playlist
	Media *playlist.Playlist `json:"-"`
}

// BaseName resolves the output file name without extension.
func (rs *ResolvedSource) BaseName() (string, error) {
	return naming.ResolveName(rs.Title, rs.InputURL, rs.PlaylistURL, rs.MasterURL)
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithQuality sets the variant preference; the default picks the highest.
func WithQuality(p selector.Preference) Option {
	return func(r *Resolver) { r.quality = p }
}

// WithMetrics records stage latencies and outcomes.
func WithMetrics(m *metrics.Recorder) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(r *Resolver) { r.tracer = t }
}

// Resolver runs the pipeline. It holds no per-run state and may be shared.
type Resolver struct {
	getter   fetch.Getter
	strategy generic.Strategy
	quality  selector.Preference
	metrics  *metrics.Recorder
	tracer   trace.Tracer
	logger   *slog.Logger
}

// New creates a Resolver.
func New(getter fetch.Getter, strategy generic.Strategy, logger *slog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		getter:   getter,
		strategy: strategy,
		quality:  selector.Best,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.tracer == nil {
		r.tracer = telemetry.Tracer()
	}
	return r
}

// Resolve turns address into a ResolvedSource. It stops at the first failure;
// a failed page lookup never falls back to guessing a playlist address.
func (r *Resolver) Resolve(ctx context.Context, address string) (_ *ResolvedSource, err error) {
	kind := source.Classify(address)

	ctx, span := r.tracer.Start(ctx, "resolve", trace.WithAttributes(
		attribute.String("mediabreaker.input", address),
		attribute.String("mediabreaker.source", kind.String()),
	))
	defer func() {
		r.metrics.Resolution(kind.String(), err)
		telemetry.End(span, err)
	}()

	out := &ResolvedSource{InputURL: address, Source: kind}
	playlistURL := address

	if kind == source.Generic {
		if r.strategy == nil {
			return nil, failure.New(failure.MetadataNotFound, "resolve page", errors.New("no page strategy configured"))
		}
		err = r.stage(ctx, StagePage, func(ctx context.Context) error {
			page, err := r.strategy.Resolve(ctx, address)
			if err != nil {
				return err
			}
			out.Page = &page
			out.Title = page.Title
			playlistURL = page.PlaylistURL
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	var top *playlist.Playlist
	err = r.stage(ctx, StagePlaylist, func(ctx context.Context) error {
		top, err = parser.FetchAndParse(ctx, r.getter, playlistURL)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.metrics.PlaylistEncoding(top.ContentEncoding)

	media := top
	if top.IsMaster() {
		out.MasterURL = top.URL
		out.Variants = top.Variants

		var mediaURL string
		err = r.stage(ctx, StageSelect, func(ctx context.Context) error {
			v, uri, err := selector.Select(top, r.quality)
			if err != nil {
				return err
			}
			out.Selected = &v
			mediaURL = uri
			return nil
		})
		if err != nil {
			return nil, err
		}

		r.logger.Debug("selected variant",
			"index", out.Selected.Index,
			"bandwidth", out.Selected.Bandwidth,
			"resolution", out.Selected.Resolution.String(),
			"url", mediaURL,
		)

		err = r.stage(ctx, StageMedia, func(ctx context.Context) error {
			media, err = parser.FetchAndParse(ctx, r.getter, mediaURL)
			if err != nil {
				return err
			}
			if media.IsMaster() {
				return &failure.Error{
					Kind: failure.Validation,
					Op:   "select variant",
					URL:  mediaURL,
					Err:  errors.New("variant playlist is itself a master playlist; nested masters are not supported"),
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		r.metrics.PlaylistEncoding(media.ContentEncoding)
	}

	out.PlaylistURL = media.URL
	out.Media = media
	out.Metadata = metadata.Extract(media, out.Selected)

	r.logger.Info("resolved",
		"input", address,
		"source", kind.String(),
		"playlist", out.PlaylistURL,
		"segments", out.Metadata.Segments.TotalSegments,
		"duration", out.Metadata.Segments.TotalDuration,
		"encryption", out.Metadata.Encryption.Method,
	)
	return out, nil
}

func (r *Resolver) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, name)
	start := time.Now()
	err := fn(ctx)
	r.metrics.ObserveStage(name, time.Since(start))
	telemetry.End(span, err)
	return err
}
