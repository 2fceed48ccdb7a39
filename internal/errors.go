package gateway

import "errors"

// Sentinel errors for the gateway domain (spec.md §7 error taxonomy).
var (
	ErrValidation   = errors.New("validation error")
	ErrTimeout      = errors.New("timeout")
	ErrQueueFull    = errors.New("queue full")
	ErrQueueTimeout = errors.New("queue item timed out")
	ErrPoolClosed   = errors.New("pool closed")
	ErrUpstream     = errors.New("upstream error")
	ErrProtocol     = errors.New("protocol error")
	ErrExhausted    = errors.New("no credential available")
	ErrInternal     = errors.New("internal error")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrNoBackend    = errors.New("no backend available")
)

// httpStatusError is implemented by errors that carry their own HTTP
// status code, so the transport layer can map errors without a type
// switch over the sentinel set.
type httpStatusError interface {
	error
	HTTPStatus() int
}

// StatusError pairs a sentinel error with an HTTP status and an optional
// client-safe detail message. Detail is never the raw text of an
// internal failure; it is bounded and never echoes user input verbatim
// (spec.md §7).
type StatusError struct {
	Err    error
	Status int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return e.Err.Error()
}

func (e *StatusError) Unwrap() error { return e.Err }

func (e *StatusError) HTTPStatus() int { return e.Status }

// NewStatusError builds a StatusError, truncating detail defensively.
func NewStatusError(err error, status int, detail string) *StatusError {
	const maxDetail = 2000
	if len(detail) > maxDetail {
		detail = detail[:maxDetail]
	}
	return &StatusError{Err: err, Status: status, Detail: detail}
}

// HTTPStatusFor maps an error to a status code per spec.md §7, falling
// back to 500 for anything that doesn't carry its own mapping.
func HTTPStatusFor(err error) int {
	var hse httpStatusError
	if errors.As(err, &hse) {
		return hse.HTTPStatus()
	}
	switch {
	case errors.Is(err, ErrValidation):
		return 400
	case errors.Is(err, ErrTimeout):
		return 504
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrQueueTimeout), errors.Is(err, ErrPoolClosed):
		return 503
	case errors.Is(err, ErrUpstream), errors.Is(err, ErrProtocol):
		return 502
	case errors.Is(err, ErrExhausted), errors.Is(err, ErrNoBackend):
		return 503
	default:
		return 500
	}
}
