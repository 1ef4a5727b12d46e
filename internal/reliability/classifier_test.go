package reliability

import (
	"errors"
	"fmt"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		if !IsRetryableHTTPStatus(code) {
			t.Fatalf("IsRetryableHTTPStatus(%d) = false, want true", code)
		}
	}
	for _, code := range []int{200, 400, 401, 404} {
		if IsRetryableHTTPStatus(code) {
			t.Fatalf("IsRetryableHTTPStatus(%d) = true, want false", code)
		}
	}
}

func TestIsRetryableBrainError(t *testing.T) {
	rateLimited := fmt.Errorf("respond: %w", &openai.APIError{HTTPStatusCode: 429, Message: "slow down"})
	if !IsRetryableBrainError(rateLimited) {
		t.Fatalf("429 APIError should be retryable")
	}
	badRequest := &openai.APIError{HTTPStatusCode: 400, Message: "bad schema"}
	if IsRetryableBrainError(badRequest) {
		t.Fatalf("400 APIError should not be retryable")
	}
	gateway := &openai.RequestError{HTTPStatusCode: 502, Err: errors.New("bad gateway")}
	if !IsRetryableBrainError(gateway) {
		t.Fatalf("502 RequestError should be retryable")
	}
	if IsRetryableBrainError(errors.New("boom")) {
		t.Fatalf("plain error should not be retryable")
	}
}

func TestExponentialBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	limit := time.Second
	if got := ExponentialBackoff(0, base, limit); got != base {
		t.Fatalf("attempt 0 = %s, want %s", got, base)
	}
	if got := ExponentialBackoff(2, base, limit); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 = %s, want 400ms", got)
	}
	if got := ExponentialBackoff(10, base, limit); got != limit {
		t.Fatalf("attempt 10 = %s, want %s", got, limit)
	}
}
