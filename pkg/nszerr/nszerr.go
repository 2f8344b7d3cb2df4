// Package nszerr defines the typed error kinds produced by the container,
// crypto, and codec packages. Every parser and codec function is total: it
// returns one of these instead of panicking on malformed input.
package nszerr

import "fmt"

// ContainerFormatError reports a structural violation in a parsed
// container, NCA header, or NCZ stream — a magic mismatch, an
// out-of-bounds offset, a missing NUL terminator, and so on.
type ContainerFormatError struct {
	// What names the file or region being parsed (e.g. "PFS0", "NCA header",
	// "NCZBLOCK").
	What string
	// Reason describes the specific constraint that was violated.
	Reason string
}

func (e ContainerFormatError) Error() string {
	return fmt.Sprintf("%s: %s", e.What, e.Reason)
}

// MissingKeyError reports that a required key material entry (a master
// key, a title kek, a key-area key, or a ticket) was not available.
type MissingKeyError struct {
	Name string
}

func (e MissingKeyError) Error() string {
	return fmt.Sprintf("missing required key: %s", e.Name)
}

// UnsupportedFeatureError reports an input that is structurally valid but
// asks for a capability this implementation does not provide — an
// out-of-range block-size exponent, an unrecognized ticket signature type.
type UnsupportedFeatureError struct {
	Feature string
	Detail  string
}

func (e UnsupportedFeatureError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("unsupported %s: %s", e.Feature, e.Detail)
	}
	return fmt.Sprintf("unsupported %s", e.Feature)
}

// HashMismatchError reports that a verified payload's SHA-256 prefix does
// not match the prefix encoded in its file name.
type HashMismatchError struct {
	Name            string
	ExpectedSHA256  string
	ActualSHA256    string
	FirstDiffOffset int64
}

func (e HashMismatchError) Error() string {
	return fmt.Sprintf("hash mismatch for %s: expected %s, got %s", e.Name, e.ExpectedSHA256, e.ActualSHA256)
}

// EntryError wraps an error encountered while processing a named entry
// inside a container, so operation drivers can surface which entry failed
// without callers re-deriving it from the error chain.
type EntryError struct {
	Entry string
	Err   error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("entry %q: %v", e.Entry, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}
