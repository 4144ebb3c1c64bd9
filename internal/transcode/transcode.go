// Package transcode hands a resolved media playlist to ffmpeg and waits for
// the output file. Segment download, decryption and muxing all happen inside
// ffmpeg; only success or failure is reported back.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/RalkeyOfficial/MediaBreaker/internal/metadata"
	"github.com/RalkeyOfficial/MediaBreaker/internal/metrics"
	"github.com/RalkeyOfficial/MediaBreaker/internal/playlist"
)

// Mode selects between stream copy and re-encoding.
type Mode string

const (
	ModeAuto     Mode = "auto"
	ModeCopy     Mode = "copy"
	ModeReencode Mode = "reencode"
)

// DefaultFFmpegPath is looked up on PATH when no explicit binary is configured.
const DefaultFFmpegPath = "ffmpeg"

// localProtocols are the protocols ffmpeg may open when reading a playlist
// rendered to a local file.
const localProtocols = "file,http,https,tcp,tls,crypto"

// ParseMode parses a --mode value.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeCopy, ModeReencode:
		return m, nil
	}
	return "", fmt.Errorf("invalid mode %q (want auto, copy or reencode)", s)
}

// ModeFor picks copy or reencode for the given metadata. Streams are copied
// unless the variant declares a codec that cannot be carried in MP4.
func ModeFor(requested Mode, md metadata.Metadata) Mode {
	if requested == ModeCopy || requested == ModeReencode {
		return requested
	}
	for _, c := range strings.Split(md.Codec.Codecs, ",") {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if video, audio := metadata.SplitCodecs(c); video == "" && audio == "" {
			return ModeReencode
		}
	}
	return ModeCopy
}

// NeedsLocalPlaylist reports whether ffmpeg cannot read a playlist served
// with the given content encoding directly.
func NeedsLocalPlaylist(encoding string) bool {
	switch strings.ToLower(encoding) {
	case "zstd", "br":
		return true
	}
	return false
}

// Error reports a failed ffmpeg run.
type Error struct {
	Output string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transcode %s: %v", e.Output, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Config holds transcoder configuration.
type Config struct {
	// FFmpegPath is the ffmpeg binary; DefaultFFmpegPath when empty
	FFmpegPath string

	// LogOutput receives ffmpeg's stderr through an hclog logger (default: os.Stderr)
	LogOutput io.Writer

	// Verbose lowers the ffmpeg log level so progress lines are shown
	Verbose bool
}

// Job describes one transcoder run.
type Job struct {
	// PlaylistURL is the absolute media playlist address
	PlaylistURL string

	// Media is the parsed playlist. It is rendered to a local file when its
	// content encoding cannot be read by ffmpeg.
	Media *playlist.Playlist

	// OutputPath is the file to write
	OutputPath string

	// Mode must be ModeCopy or ModeReencode; ModeAuto is treated as copy
	Mode Mode

	// Headers are sent with every ffmpeg HTTP request
	Headers http.Header
}

// Transcoder runs ffmpeg.
type Transcoder struct {
	ffmpegPath string
	ffmpegLog  hclog.Logger
	verbose    bool
	metrics    *metrics.Recorder
	logger     *slog.Logger
}

// New creates a Transcoder. m may be nil.
func New(cfg Config, logger *slog.Logger, m *metrics.Recorder) *Transcoder {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = DefaultFFmpegPath
	}
	if cfg.LogOutput == nil {
		cfg.LogOutput = os.Stderr
	}
	return &Transcoder{
		ffmpegPath: cfg.FFmpegPath,
		ffmpegLog:  newFFmpegLogger(cfg.LogOutput, cfg.Verbose),
		verbose:    cfg.Verbose,
		metrics:    m,
		logger:     logger,
	}
}

func newFFmpegLogger(out io.Writer, verbose bool) hclog.Logger {
	level := hclog.Info
	if verbose {
		level = hclog.Debug
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   "ffmpeg",
		Level:  level,
		Output: out,
	})
}

// Run transcodes job.PlaylistURL into job.OutputPath. It blocks until ffmpeg
// exits or ctx is done.
func (t *Transcoder) Run(ctx context.Context, job Job) (err error) {
	mode := job.Mode
	if mode != ModeReencode {
		mode = ModeCopy
	}
	defer func() { t.metrics.Transcode(string(mode), err) }()

	binary, err := exec.LookPath(t.ffmpegPath)
	if err != nil {
		return &Error{Output: job.OutputPath, Err: err}
	}

	input := job.PlaylistURL
	local := false
	if job.Media != nil && NeedsLocalPlaylist(job.Media.ContentEncoding) {
		path, cleanup, err := writeLocalPlaylist(job.Media)
		if err != nil {
			return &Error{Output: job.OutputPath, Err: err}
		}
		defer cleanup()
		input = path
		local = true
		t.logger.Debug("using rendered playlist", "path", path, "encoding", job.Media.ContentEncoding)
	}

	if dir := filepath.Dir(job.OutputPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &Error{Output: job.OutputPath, Err: err}
		}
	}

	args := t.Args(input, job.OutputPath, mode, job.Headers, local)
	t.logger.Info("starting transcoder", "output", job.OutputPath, "mode", mode)
	t.logger.Debug("ffmpeg command", "binary", binary, "args", args)

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = t.ffmpegLog.StandardWriter(&hclog.StandardLoggerOptions{InferLevels: true})

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		return &Error{Output: job.OutputPath, Err: err}
	}

	t.logger.Info("transcode finished", "output", job.OutputPath, "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// Args builds the ffmpeg argument list.
func (t *Transcoder) Args(input, output string, mode Mode, headers http.Header, local bool) []string {
	logLevel := "warning"
	if t.verbose {
		logLevel = "info"
	}

	in := ffmpeg.KwArgs{}
	if h := headerLines(headers); h != "" {
		in["headers"] = h
	}
	if ua := headers.Get("User-Agent"); ua != "" {
		in["user_agent"] = ua
	}
	if local {
		in["protocol_whitelist"] = localProtocols
	}

	var out ffmpeg.KwArgs
	switch mode {
	case ModeReencode:
		out = ffmpeg.KwArgs{
			"c:v":      "libx264",
			"preset":   "veryfast",
			"crf":      "20",
			"c:a":      "aac",
			"b:a":      "160k",
			"movflags": "+faststart",
		}
	default:
		out = ffmpeg.KwArgs{
			"c":        "copy",
			"bsf:a":    "aac_adtstoasc",
			"movflags": "+faststart",
		}
	}

	return ffmpeg.Input(input, in).
		Output(output, out).
		GlobalArgs("-hide_banner", "-nostdin", "-loglevel", logLevel).
		OverWriteOutput().
		GetArgs()
}

// headerLines formats headers for ffmpeg's -headers option. User-Agent is
// passed separately.
func headerLines(h http.Header) string {
	keys := make([]string, 0, len(h))
	for k := range h {
		if http.CanonicalHeaderKey(k) == "User-Agent" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		for _, v := range h[k] {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	return b.String()
}

func writeLocalPlaylist(p *playlist.Playlist) (string, func(), error) {
	text, err := playlist.Render(p)
	if err != nil {
		return "", nil, fmt.Errorf("failed to render playlist: %w", err)
	}

	f, err := os.CreateTemp("", "mediabreaker-*.m3u8")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create playlist file: %w", err)
	}
	cleanup := func() { os.Remove(f.Name()) }

	if _, err := f.WriteString(text); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("failed to write playlist file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to write playlist file: %w", err)
	}
	return f.Name(), cleanup, nil
}

// IsError reports whether err came from a transcoder run.
func IsError(err error) bool {
	var te *Error
	return errors.As(err, &te)
}
