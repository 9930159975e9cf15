// Package errors defines the sentinel errors shared by the index core, the
// document store and the HTTP front ends, and maps them to HTTP statuses.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrSegmentNotFound  = errors.New("segment not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrEncoding         = errors.New("content not representable in index encoding")
	ErrMergeFailure     = errors.New("segment merge failed")
	ErrFlushFailure     = errors.New("index flush failed")
	ErrBuilderClosed    = errors.New("parallel builder closed")
	ErrBuildFailed      = errors.New("parallel build failed")
	ErrIndexClosed      = errors.New("index closed")
)

// EncodingError reports content that cannot round-trip through the index's
// 7-bit ASCII encoding. Offset is the first offending byte.
type EncodingError struct {
	Offset int
	Byte   byte
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("non-ASCII byte 0x%02x at offset %d", e.Byte, e.Offset)
}

func (e *EncodingError) Unwrap() error {
	return ErrEncoding
}

// IsNotFound reports whether err means the requested document or segment is
// absent. Soft-deleted documents are reported as absent too.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDocumentNotFound) || errors.Is(err, ErrSegmentNotFound)
}

// statusBySentinel is checked in order; the first match wins.
var statusBySentinel = []struct {
	err    error
	status int
}{
	{ErrDocumentNotFound, http.StatusNotFound},
	{ErrSegmentNotFound, http.StatusNotFound},
	{ErrInvalidInput, http.StatusBadRequest},
	{ErrEncoding, http.StatusBadRequest},
	{ErrMergeFailure, http.StatusServiceUnavailable},
	{ErrFlushFailure, http.StatusServiceUnavailable},
	{ErrIndexClosed, http.StatusServiceUnavailable},
	{ErrBuilderClosed, http.StatusServiceUnavailable},
}

// HTTPStatusCode picks the response status for err. Anything unrecognised,
// including ErrBuildFailed, is a 500.
func HTTPStatusCode(err error) int {
	for _, m := range statusBySentinel {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}
