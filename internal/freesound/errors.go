package freesound

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited is matched by every *RateLimitError.
	ErrRateLimited = errors.New("rate limited")

	// ErrNotAuthenticated is returned when no usable OAuth2 token is stored.
	ErrNotAuthenticated = errors.New("not authenticated with Freesound")
)

// APIError is a non-2xx response from the Freesound API.
type APIError struct {
	Op     string // "Upload", "Edit", ...
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s failed: %d - %s", e.Op, e.Status, e.Body)
}

// RateLimitError is returned once the retry budget for HTTP 429 responses is
// spent.
type RateLimitError struct {
	Op         string
	Attempts   int
	RetryAfter time.Duration // server hint, 0 if none was sent
}

func (e *RateLimitError) Error() string {
	msg := fmt.Sprintf("%s failed: 429 Too Many Requests after %d attempts", e.Op, e.Attempts)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	return msg
}

// Is makes errors.Is(err, ErrRateLimited) hold.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// IsRateLimited reports whether err signals server-side throttling.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
