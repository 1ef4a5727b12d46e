package reliability

import (
	"errors"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableBrainError reports whether a remote model failure is worth another attempt.
func IsRetryableBrainError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return IsRetryableHTTPStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return IsRetryableHTTPStatus(reqErr.HTTPStatusCode)
	}
	return false
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
