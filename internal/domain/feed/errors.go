package feed

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingLastModified is returned when the feed server does not report
	// a modification time for the archive.
	ErrMissingLastModified = errors.New("feed response has no Last-Modified header")

	// ErrShapeIDInvariant signals a broken shape id mapping: two original ids
	// sharing one numeric id, or an id left unmapped after allocation. It is
	// a defect, never a recoverable condition.
	ErrShapeIDInvariant = errors.New("shape id mapping invariant violated")

	// ErrMissingColumn is returned when a transform needs a column the table
	// does not carry.
	ErrMissingColumn = errors.New("missing required column")
)

// HTTPStatusError reports a non-success status from the feed server.
type HTTPStatusError struct {
	Method     string
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
}

// BackendError is a failure reported by the warehouse while executing the
// merge procedure. It carries the server's own diagnostics.
type BackendError struct {
	Code    string
	Message string
	Detail  string
	Where   string
	Err     error
}

func (e *BackendError) Error() string {
	msg := fmt.Sprintf("backend error %s: %s", e.Code, e.Message)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Where != "" {
		msg += " at " + e.Where
	}
	return msg
}

func (e *BackendError) Unwrap() error { return e.Err }
