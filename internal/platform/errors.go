package platform

import (
	"errors"
	"fmt"
)

// ErrCredentialDenied marks a 4xx from the token mint endpoint. Retrying
// cannot help; the summary path surfaces it as a permanent failure.
var ErrCredentialDenied = errors.New("platform: credential denied")

// APIError is a non-2xx platform API response.
type APIError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform: %s returned %d: %s", e.URL, e.StatusCode, e.Body)
}

// Temporary reports whether the failure is worth retrying (5xx).
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500
}

// IsTemporary reports whether err is a retryable upstream failure: a 5xx
// APIError or a transport-level error.
func IsTemporary(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	// Non-API errors from the HTTP client are network-level; treat as
	// transient.
	return !errors.Is(err, ErrCredentialDenied)
}
