package upstream

import (
	"fmt"
	"time"
)

// RateLimitedError reports an upstream 429. It carries the upstream's
// retry-after hint and must surface to the caller: retrying internally would
// amplify exactly the traffic the governor exists to prevent.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("upstream rate limited, retry after %s", e.RetryAfter)
}

// UpstreamError covers any other non-success upstream outcome, including
// error-action payloads delivered with an HTTP 200.
type UpstreamError struct {
	StatusCode int
	ErrType    string
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.ErrType != "" {
		return fmt.Sprintf("upstream error %d (%s): %s", e.StatusCode, e.ErrType, e.Message)
	}
	return fmt.Sprintf("upstream error %d: %s", e.StatusCode, e.Message)
}
