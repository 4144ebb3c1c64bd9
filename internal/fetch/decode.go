package fetch

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// zstdMagic starts every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// decodeBody reverses the Content-Encoding of raw. Bodies carrying the zstd
// frame magic are decoded even when the header is missing, since some CDNs
// send compressed playlists as application/octet-stream. The returned name is
// the encoding that was reversed.
func decodeBody(encoding string, raw []byte, limit int64) ([]byte, string, error) {
	name := strings.ToLower(strings.TrimSpace(encoding))

	// Stacked encodings ("gzip, br") are not sent by the platforms we read.
	if strings.Contains(name, ",") {
		return nil, name, fmt.Errorf("unsupported stacked content encoding %q", encoding)
	}

	if (name == "" || name == "identity") && bytes.HasPrefix(raw, zstdMagic) {
		name = "zstd"
	}

	var (
		r   io.Reader
		err error
	)
	switch name {
	case "", "identity":
		return raw, "", nil
	case "zstd":
		var dec *zstd.Decoder
		dec, err = zstd.NewReader(bytes.NewReader(raw),
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(uint64(limit)),
		)
		if err != nil {
			return nil, name, fmt.Errorf("zstd: %w", err)
		}
		defer dec.Close()
		r = dec
	case "br":
		r = brotli.NewReader(bytes.NewReader(raw))
	case "gzip", "x-gzip":
		var zr *gzip.Reader
		zr, err = gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, name, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		r = zr
	case "deflate":
		var zr io.ReadCloser
		zr, err = zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, name, fmt.Errorf("deflate: %w", err)
		}
		defer zr.Close()
		r = zr
	default:
		return nil, name, fmt.Errorf("unsupported content encoding %q", encoding)
	}

	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, name, fmt.Errorf("%s: %w", name, err)
	}
	if int64(len(out)) > limit {
		return nil, name, fmt.Errorf("%s: decoded body exceeds %d bytes", name, limit)
	}
	return out, name, nil
}
