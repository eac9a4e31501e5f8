package chat

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrValidation marks bad input (empty or oversized file, wrong type,
	// empty message). Never retried.
	ErrValidation = errors.New("validation failed")
	// ErrTransientNetwork marks timeouts and dropped connections. Retried.
	ErrTransientNetwork = errors.New("transient network error")
	// ErrAuthExpired is retried after refreshing credentials.
	ErrAuthExpired = errors.New("auth credential expired")
	// ErrServerRejected marks a write the server refused. Never retried.
	ErrServerRejected = errors.New("server rejected request")
	ErrNotFound       = errors.New("not found")
)

// ServerError is an HTTP-level failure from the hosted store.
type ServerError struct {
	Status  int
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Unwrap maps the HTTP status onto the error taxonomy.
func (e *ServerError) Unwrap() error {
	switch {
	case e.Status == http.StatusUnauthorized:
		return ErrAuthExpired
	case e.Status == http.StatusRequestTimeout,
		e.Status == http.StatusTooManyRequests,
		e.Status >= 500:
		return ErrTransientNetwork
	case e.Status == http.StatusNotFound:
		return ErrNotFound
	case e.Status == http.StatusRequestEntityTooLarge:
		return ErrValidation
	default:
		return ErrServerRejected
	}
}

// UploadFailedError is returned when a single attachment could not be
// uploaded, either terminally or after exhausting retries.
type UploadFailedError struct {
	FileName string
	Attempts int
	Cause    error
}

func (e *UploadFailedError) Error() string {
	name := e.FileName
	if name == "" {
		name = "attachment"
	}
	return fmt.Sprintf("failed to upload %s: %v", name, e.Cause)
}

func (e *UploadFailedError) Unwrap() error {
	return e.Cause
}

// PartialUploadError reports which attachment of a multi-attachment send
// failed. The remaining queue was not attempted.
type PartialUploadError struct {
	Index    int
	Total    int
	FileName string
	Cause    error
}

func (e *PartialUploadError) Error() string {
	return fmt.Sprintf("attachment %d of %d (%s) failed: %v", e.Index+1, e.Total, e.FileName, e.Cause)
}

func (e *PartialUploadError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientNetwork) || errors.Is(err, ErrAuthExpired)
}
