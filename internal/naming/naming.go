// Package naming derives a safe output file name for a resolved video.
package naming

import (
	"errors"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/RalkeyOfficial/MediaBreaker/internal/failure"
)

// Extension is appended to every output name.
const Extension = ".mp4"

var (
	whitespace   = regexp.MustCompile(`[\s\p{Zs}]+`)
	illegalChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F\x7F]`)
)

// Reserved device names on Windows, compared case-insensitively without extension.
var reserved = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// Sanitize makes title safe to use as a file name on common file systems.
// Sanitize(Sanitize(s)) == Sanitize(s).
func Sanitize(title string) string {
	s := norm.NFC.String(title)
	s = whitespace.ReplaceAllString(s, " ")
	s = illegalChars.ReplaceAllString(s, "_")
	s = strings.Trim(s, " .")

	stem, rest, dotted := strings.Cut(s, ".")
	if reserved[strings.ToUpper(stem)] {
		s = stem + "_"
		if dotted {
			s += "." + rest
		}
	}
	return s
}

// ResolveName picks the output base name: the sanitized title when it is
// usable, otherwise the first 36-character identifier found in the path of
// any of addresses, tried in order.
func ResolveName(title string, addresses ...string) (string, error) {
	if name := Sanitize(title); name != "" {
		return name, nil
	}

	for _, address := range addresses {
		if id, ok := Identifier(address); ok {
			return id, nil
		}
	}

	return "", &failure.Error{
		Kind: failure.NoIdentifier,
		Op:   "resolve output name",
		Err:  errors.New("no title and no identifier in the address path"),
	}
}

// Identifier returns the first path segment of address that is a hyphenated
// 36-character UUID, lower-cased.
func Identifier(address string) (string, bool) {
	p := address
	if u, err := url.Parse(address); err == nil {
		p = u.Path
	}

	for _, seg := range strings.Split(p, "/") {
		if len(seg) != 36 {
			continue
		}
		id, err := uuid.Parse(seg)
		if err != nil {
			continue
		}
		return id.String(), true
	}
	return "", false
}

// OutputPath returns where the transcoder writes. An explicit name overrides
// baseName. The extension is enforced and the result is joined under dir.
func OutputPath(baseName, explicit, dir string) string {
	name := baseName
	if explicit != "" {
		name = explicit
	}
	if !strings.EqualFold(filepath.Ext(name), Extension) {
		name += Extension
	}
	if dir == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}
