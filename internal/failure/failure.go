// Package failure defines the typed errors returned by every resolution stage.
package failure

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a resolution failure.
type Kind string

const (
	// Network covers transport errors, timeouts and non-success HTTP statuses.
	Network Kind = "network"
	// Decode covers unsupported or corrupt content encodings.
	Decode Kind = "decode"
	// Parse covers malformed playlist syntax.
	Parse Kind = "parse"
	// Validation covers well-formed playlists that violate structural rules.
	Validation Kind = "validation"
	// MetadataNotFound means a page carried no usable embedded video metadata.
	MetadataNotFound Kind = "metadata_not_found"
	// MissingField means embedded metadata lacked a required field.
	MissingField Kind = "missing_field"
	// NoVariants means a master playlist listed no variants.
	NoVariants Kind = "no_variants"
	// NoIdentifier means neither a title nor an identifier could name the output.
	NoIdentifier Kind = "no_identifier"
)

// Error is the error value produced by the resolution stages.
type Error struct {
	// Kind classifies the failure
	Kind Kind

	// Op names the step that failed (e.g. "fetch playlist", "extract metadata")
	Op string

	// URL is the address involved, when there is one
	URL string

	// StatusCode is the HTTP status for Network failures caused by a response
	StatusCode int

	// Field names the missing or invalid metadata field
	Field string

	// Fragment is the offending text for Parse and Validation failures
	Fragment string

	// Line is the 1-based playlist line for Parse failures, 0 if unknown
	Line int

	// Err is the underlying cause, may be nil
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))

	switch {
	case e.StatusCode != 0:
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	case e.Field != "":
		fmt.Fprintf(&b, " (field %q)", e.Field)
	}
	if e.Line > 0 {
		fmt.Fprintf(&b, " at line %d", e.Line)
	}
	if e.Fragment != "" {
		fmt.Fprintf(&b, " near %q", e.Fragment)
	}
	if e.URL != "" {
		fmt.Fprintf(&b, " [%s]", e.URL)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a failure of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf creates a failure whose cause is a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// HTTPStatus builds a Network failure for an unexpected response status.
func HTTPStatus(op, url string, status int) *Error {
	return &Error{Kind: Network, Op: op, URL: url, StatusCode: status}
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf returns the failure kind of err, or "" when err is not a failure.
func KindOf(err error) Kind {
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	return ""
}

// Is reports whether err is a failure of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether repeating the same request might succeed.
// Only network failures qualify; client errors other than 408 and 429 do not.
func Retryable(err error) bool {
	fe, ok := As(err)
	if !ok || fe.Kind != Network {
		return false
	}
	switch {
	case fe.StatusCode == 0:
		return true
	case fe.StatusCode == http.StatusRequestTimeout, fe.StatusCode == http.StatusTooManyRequests:
		return true
	case fe.StatusCode >= 500:
		return true
	}
	return false
}

// PageStructure reports whether err indicates that a page no longer carries
// the metadata layout the generic resolver expects.
func PageStructure(err error) bool {
	switch KindOf(err) {
	case MetadataNotFound, MissingField:
		return true
	}
	return false
}

// Process exit codes.
const (
	ExitOK         = 0
	ExitOther      = 1
	ExitUsage      = 2
	ExitNetwork    = 3
	ExitManifest   = 4
	ExitPage       = 5
	ExitUnresolved = 6
	ExitTranscode  = 7
)

// ExitCode maps err to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case Network:
		return ExitNetwork
	case Decode, Parse, Validation:
		return ExitManifest
	case MetadataNotFound, MissingField:
		return ExitPage
	case NoVariants, NoIdentifier:
		return ExitUnresolved
	}
	return ExitOther
}
