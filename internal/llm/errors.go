package llm

import (
	"errors"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RateLimitError marks a provider quota or throttling failure. Callers retry
// these with backoff instead of failing the job.
type RateLimitError struct {
	Err error
}

func (e *RateLimitError) Error() string {
	return "rate limited: " + e.Err.Error()
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// rateLimitMarkers are matched case-insensitively against error text when the
// error carries no structured status.
var rateLimitMarkers = []string{
	"429",
	"ratelimiterror",
	"rate-limited",
	"rate limit",
	"resource exhausted",
	"resource_exhausted",
}

// Classify wraps err in a RateLimitError when it looks like throttling.
func Classify(err error) error {
	if err == nil || !looksRateLimited(err) {
		return err
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return err
	}
	return &RateLimitError{Err: err}
}

// IsRateLimit reports whether err, or anything it wraps, is a rate limit.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	return looksRateLimited(err)
}

func looksRateLimited(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusTooManyRequests {
		return true
	}
	if st, ok := status.FromError(err); ok && st.Code() == codes.ResourceExhausted {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
