package upstream

import (
	"errors"
	"fmt"

	"github.com/antoniostano/chatrelay/internal/reliability"
)

// ErrStreamClosed is returned by Read after the final chunk was delivered or the
// stream was closed.
var ErrStreamClosed = errors.New("upstream stream closed")

// Kind separates upstream rejections from network failures.
type Kind string

const (
	// KindStatus means the upstream answered with a non-2xx status.
	KindStatus Kind = "non_success_status"
	// KindTransport means the connection failed before or while streaming.
	KindTransport Kind = "transport_failure"
)

// Error is the single error type surfaced by the adapter.
type Error struct {
	Kind       Kind
	StatusCode int
	// Body holds the (size-limited) error body of a rejected request.
	Body  string
	Cause error
}

func (e *Error) Error() string {
	if e.Kind == KindStatus {
		if e.Body == "" {
			return fmt.Sprintf("upstream http status %d", e.StatusCode)
		}
		return fmt.Sprintf("upstream http status %d: %s", e.StatusCode, e.Body)
	}
	if e.Cause == nil {
		return "upstream transport failure"
	}
	return "upstream transport failure: " + e.Cause.Error()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether a fresh session might succeed. The adapter never
// retries by itself.
func (e *Error) Retryable() bool {
	if e.Kind == KindStatus {
		return reliability.IsRetryableHTTPStatus(e.StatusCode)
	}
	return true
}

// Label is a short metrics label for the failure.
func (e *Error) Label() string {
	if e.Kind == KindStatus {
		return fmt.Sprintf("status_%d", e.StatusCode)
	}
	return reliability.TransportCause(e.Cause)
}

func statusError(code int, body string) *Error {
	return &Error{Kind: KindStatus, StatusCode: code, Body: body}
}

func transportError(cause error) *Error {
	return &Error{Kind: KindTransport, Cause: cause}
}

// AsError unwraps err into an adapter error.
func AsError(err error) (*Error, bool) {
	var ue *Error
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}
