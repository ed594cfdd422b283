package upos

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

var (
	// ErrIO is returned when the source file can't be read.
	ErrIO = errors.New("read source file")
	// ErrTransient marks failures that are expected to succeed on retry: timeouts, 5xx, 429, connection resets.
	ErrTransient = errors.New("transient network error")
	// ErrFatal marks failures that are not retried: 4xx responses and malformed or unsuccessful response bodies.
	ErrFatal = errors.New("fatal upload error")
	// ErrCancelled is returned when the upload was cancelled by the caller.
	ErrCancelled = errors.New("upload cancelled")
	// ErrUploadFailed is returned by the scheduler when a part could not be uploaded.
	ErrUploadFailed = errors.New("upload failed")
)

// Phase names a step of the upload.
type Phase string

const (
	PhaseRead   Phase = "read source file"
	PhaseOpen   Phase = "open session"
	PhaseUpload Phase = "upload parts"
	PhaseCommit Phase = "commit"
)

// PhaseError identifies which phase of the upload failed.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// ResponseError is an unexpected response from the storage endpoint.
type ResponseError struct {
	StatusCode int
	Body       string
}

func (e *ResponseError) Error() string {
	if e.StatusCode == http.StatusOK {
		return fmt.Sprintf("unsuccessful response: %s", e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Is reports the error kind, so callers can use errors.Is(err, ErrTransient).
func (e *ResponseError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return isTransientStatus(e.StatusCode)
	case ErrFatal:
		return !isTransientStatus(e.StatusCode)
	}
	return false
}

func isTransientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == 0 || (code >= 500 && code != http.StatusNotImplemented)
}

const maxErrorBodySize = 4096

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		return fmt.Errorf("%w: read error response: %w", ErrTransient, err)
	}
	return &ResponseError{StatusCode: resp.StatusCode, Body: string(errorResp)}
}
