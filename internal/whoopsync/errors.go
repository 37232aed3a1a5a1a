package whoopsync

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized means the access token was rejected even though the
	// token manager ran first; the subject needs a full re-authorization.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means a grant is missing for the requested data.
	ErrForbidden = errors.New("forbidden")
	// ErrBadRequest indicates malformed request parameters, which is always a
	// caller bug rather than an operational condition.
	ErrBadRequest = errors.New("bad request")
	// ErrRateLimited is returned once the bounded 429 retry budget is spent.
	ErrRateLimited = errors.New("rate limited")
	// ErrTransient covers 5xx responses and network failures after retries;
	// the subject may succeed on the next scheduled pass.
	ErrTransient = errors.New("transient remote failure")
	// ErrTokenRefreshFailed means the refresh grant was rejected or could not
	// be completed; the stored credentials were left untouched.
	ErrTokenRefreshFailed = errors.New("token refresh failed")
	// ErrNoBaseline means the subject has no persisted rows yet, so there is
	// no watermark to sync from; run a historical backfill first.
	ErrNoBaseline = errors.New("no persisted baseline for subject")
)

// APIError is a non-2xx response from the remote, classified into one of the
// sentinel kinds above so callers can branch with errors.Is.
type APIError struct {
	StatusCode int
	Message    string
	kind       error
}

func newAPIError(statusCode int, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		Message:    message,
		kind:       classifyStatus(statusCode),
	}
}

func classifyStatus(statusCode int) error {
	switch {
	case statusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case statusCode == http.StatusForbidden:
		return ErrForbidden
	case statusCode == http.StatusBadRequest:
		return ErrBadRequest
	case statusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return ErrTransient
	}
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("whoop api: http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("whoop api: http %d", e.StatusCode)
}

func (e *APIError) Unwrap() error { return e.kind }
