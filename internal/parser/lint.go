package parser

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/RalkeyOfficial/MediaBreaker/internal/failure"
)

const opParse = "parse playlist"

// lintResult carries what lint learns besides syntax errors.
type lintResult struct {
	hasHeader bool

	// targetDuration is the declared EXT-X-TARGETDURATION, 0 when absent
	targetDuration float64
}

// lint walks the playlist line by line and reports the first syntax error
// with its line number. The m3u8 decoder is lenient in non-strict mode and
// does not report positions, so malformed tags are caught here first.
// It also reports whether the text begins with the #EXTM3U marker and the
// declared target duration, which the decoder replaces with the longest
// segment.
func lint(data []byte) (res lintResult, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		lineNo      int
		seenContent bool
		pendingInf  int // line of an EXTINF still waiting for its URI
		pendingVar  int // line of an EXT-X-STREAM-INF still waiting for its URI
		pendingText string
	)

	parseErr := func(line int, fragment string, cause error) error {
		return &failure.Error{Kind: failure.Parse, Op: opParse, Line: line, Fragment: fragment, Err: cause}
	}

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if lineNo == 1 {
			line = strings.TrimPrefix(line, "\ufeff")
		}
		if line == "" {
			continue
		}
		if !seenContent {
			seenContent = true
			res.hasHeader = strings.HasPrefix(line, "#EXTM3U")
		}

		tag, value, _ := strings.Cut(line, ":")
		switch {
		case !strings.HasPrefix(line, "#"):
			pendingInf, pendingVar = 0, 0

		case tag == "#EXTINF":
			if pendingInf != 0 {
				return res, parseErr(pendingInf, pendingText, fmt.Errorf("EXTINF without segment URI"))
			}
			duration, _, _ := strings.Cut(value, ",")
			if _, err := strconv.ParseFloat(strings.TrimSpace(duration), 64); err != nil {
				return res, parseErr(lineNo, line, fmt.Errorf("invalid segment duration %q", duration))
			}
			pendingInf, pendingText = lineNo, line

		case tag == "#EXT-X-STREAM-INF":
			if pendingVar != 0 {
				return res, parseErr(pendingVar, pendingText, fmt.Errorf("EXT-X-STREAM-INF without variant URI"))
			}
			attrs := parseAttributes(value)
			bw, ok := attrs["BANDWIDTH"]
			if !ok {
				return res, parseErr(lineNo, line, fmt.Errorf("missing BANDWIDTH attribute"))
			}
			if _, err := strconv.ParseUint(bw, 10, 64); err != nil {
				return res, parseErr(lineNo, line, fmt.Errorf("invalid BANDWIDTH %q", bw))
			}
			pendingVar, pendingText = lineNo, line

		case tag == "#EXT-X-TARGETDURATION":
			d, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
			if err != nil {
				return res, parseErr(lineNo, line, fmt.Errorf("invalid target duration %q", value))
			}
			res.targetDuration = d

		case tag == "#EXT-X-MEDIA-SEQUENCE":
			if _, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64); err != nil {
				return res, parseErr(lineNo, line, fmt.Errorf("invalid media sequence %q", value))
			}

		case tag == "#EXT-X-VERSION":
			if _, err := strconv.ParseUint(strings.TrimSpace(value), 10, 8); err != nil {
				return res, parseErr(lineNo, line, fmt.Errorf("invalid version %q", value))
			}

		case tag == "#EXT-X-KEY":
			if _, ok := parseAttributes(value)["METHOD"]; !ok {
				return res, parseErr(lineNo, line, fmt.Errorf("missing METHOD attribute"))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return res, parseErr(lineNo+1, "", err)
	}

	if pendingInf != 0 {
		return res, parseErr(pendingInf, pendingText, fmt.Errorf("EXTINF without segment URI"))
	}
	if pendingVar != 0 {
		return res, parseErr(pendingVar, pendingText, fmt.Errorf("EXT-X-STREAM-INF without variant URI"))
	}
	return res, nil
}

// parseAttributes splits an HLS attribute list (KEY=VALUE,KEY="QUOTED,VALUE").
// Quotes are removed from quoted values.
func parseAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	for len(s) > 0 {
		name, rest, ok := strings.Cut(s, "=")
		if !ok {
			break
		}
		name = strings.ToUpper(strings.TrimSpace(name))

		var value string
		if strings.HasPrefix(rest, `"`) {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				value, s = rest[1:], ""
			} else {
				value = rest[1 : end+1]
				s = strings.TrimPrefix(rest[end+2:], ",")
			}
		} else {
			value, s, _ = strings.Cut(rest, ",")
			value = strings.TrimSpace(value)
		}
		attrs[name] = value
	}
	return attrs
}
