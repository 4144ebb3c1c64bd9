// Package metrics records resolution outcomes and stage latencies in Prometheus form.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/RalkeyOfficial/MediaBreaker/internal/failure"
)

// Recorder holds the collectors. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	resolutions       *prometheus.CounterVec
	failures          *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	playlistEncodings *prometheus.CounterVec
	transcodes        *prometheus.CounterVec
}

// New creates a Recorder on a fresh registry that also carries the Go and
// process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mediabreaker_resolutions_total",
			Help: "Total number of resolutions by input kind and result",
		}, []string{"source", "result"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mediabreaker_failures_total",
			Help: "Total number of failed resolutions by failure kind",
		}, []string{"kind"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediabreaker_stage_duration_seconds",
			Help:    "Duration of each resolution stage",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),
		playlistEncodings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mediabreaker_playlist_encoding_total",
			Help: "Total number of playlists read by content encoding",
		}, []string{"encoding"}),
		transcodes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mediabreaker_transcodes_total",
			Help: "Total number of transcoder runs by mode and result",
		}, []string{"mode", "result"}),
	}
}

// Registry exposes the underlying registry for HTTP exposition.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveStage records how long a stage took.
func (r *Recorder) ObserveStage(stage string, d time.Duration) {
	if r == nil {
		return
	}
	r.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Resolution records the outcome of one resolution.
func (r *Recorder) Resolution(source string, err error) {
	if r == nil {
		return
	}
	if err == nil {
		r.resolutions.WithLabelValues(source, "ok").Inc()
		return
	}
	r.resolutions.WithLabelValues(source, "error").Inc()
	r.failures.WithLabelValues(kindLabel(err)).Inc()
}

// PlaylistEncoding counts a playlist read with the given content encoding.
func (r *Recorder) PlaylistEncoding(encoding string) {
	if r == nil {
		return
	}
	if encoding == "" {
		encoding = "identity"
	}
	r.playlistEncodings.WithLabelValues(encoding).Inc()
}

// Transcode records one transcoder run.
func (r *Recorder) Transcode(mode string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.transcodes.WithLabelValues(mode, result).Inc()
}

func kindLabel(err error) string {
	if k := failure.KindOf(err); k != "" {
		return string(k)
	}
	return "other"
}

// WriteTextfile writes the registry in the node exporter textfile format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.registry)
}
