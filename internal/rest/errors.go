package rest

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/pincer-org/restgate/internal/ratelimit"
)

// Terminal error kinds. A *StatusError unwraps to exactly one of these.
var (
	ErrNotModified      = errors.New("not modified")
	ErrBadRequest       = errors.New("bad request")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrMethodNotAllowed = errors.New("method not allowed")
	ErrClientError      = errors.New("client error")
)

var (
	// ErrRetriesExhausted is matched by every *RetriesExhaustedError.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrClosed is returned by calls on a closed Client.
	ErrClosed = errors.New("client closed")
	// ErrDecode wraps failures to serialize a payload or parse a response.
	ErrDecode = errors.New("decode failed")

	errServerError = errors.New("server error")
)

var statusKinds = map[int]error{
	http.StatusNotModified:      ErrNotModified,
	http.StatusBadRequest:       ErrBadRequest,
	http.StatusUnauthorized:     ErrUnauthorized,
	http.StatusForbidden:        ErrForbidden,
	http.StatusNotFound:         ErrNotFound,
	http.StatusMethodNotAllowed: ErrMethodNotAllowed,
}

// StatusError is a non-success response from the API.
type StatusError struct {
	Kind       error
	StatusCode int
	Reason     string
	Route      ratelimit.Route
	Body       []byte
}

func newStatusError(route ratelimit.Route, resp *Response) *StatusError {
	kind, ok := statusKinds[resp.StatusCode]
	switch {
	case ok:
	case resp.StatusCode >= 500:
		kind = errServerError
	default:
		kind = ErrClientError
	}
	return &StatusError{
		Kind:       kind,
		StatusCode: resp.StatusCode,
		Reason:     http.StatusText(resp.StatusCode),
		Route:      route,
		Body:       resp.Body,
	}
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.Route, e.StatusCode, e.Reason)
}

func (e *StatusError) Unwrap() error {
	return e.Kind
}

// RetriesExhaustedError reports that a request used up its attempt budget.
// Last holds the failure of the final attempt, if any was made.
type RetriesExhaustedError struct {
	Route   ratelimit.Route
	Ceiling int
	Last    error
}

func (e *RetriesExhaustedError) Error() string {
	msg := fmt.Sprintf("%s has reached the maximum retry count of %d", e.Route, e.Ceiling)
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *RetriesExhaustedError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrRetriesExhausted}
	}
	return []error{ErrRetriesExhausted, e.Last}
}

// StatusCodeOf returns the HTTP status carried by err, or 0.
func StatusCodeOf(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}
