package graph

import (
	"fmt"
	"net/http"
	"time"
)

// RemoteError is a structured failure from the remote workbook API. It
// carries the numeric status and any server-directed retry-after delay so the
// retry policy and callers can classify it.
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote API error %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether another attempt can succeed: 429 and transient
// server errors are retryable, every other 4xx is not.
func (e *RemoteError) Retryable() bool {
	if e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return e.StatusCode < 400 || e.StatusCode >= 500
}

// RetryAfterHint returns the server-directed delay, when present.
func (e *RemoteError) RetryAfterHint() (time.Duration, bool) {
	return e.RetryAfter, e.RetryAfter > 0
}

// Throttled reports a 429 response.
func (e *RemoteError) Throttled() bool { return e.StatusCode == http.StatusTooManyRequests }

// Conflict reports a 409: the document was modified concurrently; the caller
// should refresh and resubmit.
func (e *RemoteError) Conflict() bool { return e.StatusCode == http.StatusConflict }

// Locked reports a 423: the document is locked by another session. Surfaced
// distinctly from conflict.
func (e *RemoteError) Locked() bool { return e.StatusCode == http.StatusLocked }
