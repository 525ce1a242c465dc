package exchange

import (
	"errors"
	"fmt"
)

// ErrNoCredentials is returned by private operations on a key-less gateway.
// The check happens before any network traffic, so misconfiguration surfaces
// immediately instead of as an exchange rejection.
var ErrNoCredentials = errors.New("exchange credentials not configured")

// APIError is a non-zero retCode from the exchange envelope.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange api error %d: %s", e.Code, e.Msg)
}

// StatusError is a non-2xx HTTP response without a decodable envelope.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("exchange http status %d", e.Status)
}

// Exchange retCodes that signal throttling rather than a bad request.
const (
	retCodeTooManyVisits = 10006
	retCodeIPRateLimited = 10018
)

// IsRateLimit reports whether err is a throttling rejection, either the HTTP
// 429 status or one of the rate-limit retCodes.
func IsRateLimit(err error) bool {
	var api *APIError
	if errors.As(err, &api) {
		return api.Code == retCodeTooManyVisits || api.Code == retCodeIPRateLimited
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Status == 429
	}
	return false
}

// isRetryable marks failures worth one extra attempt: server-side statuses
// and transport errors, but never client-side rejections.
func isRetryable(err error) bool {
	var api *APIError
	if errors.As(err, &api) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Status >= 500
	}
	return !errors.Is(err, ErrNoCredentials)
}
