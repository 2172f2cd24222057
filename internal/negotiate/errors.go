package negotiate

import (
	"errors"
	"fmt"
)

var (
	ErrInsecureEndpoint = errors.New("negotiate endpoint must use https")
	ErrMissingBearer    = errors.New("negotiate requires a bearer token")
)

// AuthFailedError marks a 401/403 from the negotiate endpoint. Retrying
// with the same stale credential cannot succeed, so it is never retried.
type AuthFailedError struct {
	StatusCode int
	Status     string
}

func (e *AuthFailedError) Error() string {
	if e == nil {
		return "negotiate authentication failed"
	}
	return fmt.Sprintf("negotiate authentication failed: %s", e.Status)
}

func IsAuthFailed(err error) bool {
	var authErr *AuthFailedError
	return errors.As(err, &authErr)
}

// HTTPStatusError is a retryable non-auth HTTP failure.
type HTTPStatusError struct {
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "negotiate request failed"
	}
	if e.Status != "" {
		return e.Status
	}
	return fmt.Sprintf("http status %d", e.StatusCode)
}

// ExhaustedError aggregates a retry run that used up its budget.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	if e == nil {
		return "negotiate retries exhausted"
	}
	return fmt.Sprintf("negotiate failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }
