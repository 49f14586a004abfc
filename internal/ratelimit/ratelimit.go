// Package ratelimit provides per-user sliding-window admission control.
//
// Each user has a window of recent request timestamps. A check drops entries
// older than the window, denies when the survivor count meets the quota, and
// otherwise records the request. Checks are serialized, so concurrent checks
// can never over-admit. Windows of idle users are swept out so the map does
// not grow for the process lifetime.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// LimitExceededError carries deny metadata so callers can back off until
// ResetAt.
type LimitExceededError struct {
	UserID    string
	Remaining int
	ResetAt   time.Time
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for user %s, resets at %s", e.UserID, e.ResetAt.Format(time.RFC3339))
}

// Retryable marks the error non-retryable for the retry policy; the caller,
// not this process, is expected to back off.
func (e *LimitExceededError) Retryable() bool { return false }

// Limiter tracks sliding windows for many users. Safe for concurrent use.
type Limiter struct {
	logger *zap.Logger

	mu        sync.Mutex
	windows   map[string][]time.Time
	lastSweep time.Time

	// now is replaceable for tests.
	now func() time.Time
}

// NewLimiter creates a rate limiter.
func NewLimiter(logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		logger:  logger,
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Check admits or denies one request for the user against quota requests per
// windowDur. On denial, ResetAt is when the oldest surviving entry leaves the
// window.
func (l *Limiter) Check(userID string, quota int, windowDur time.Duration) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-windowDur)
	l.sweep(now, cutoff, windowDur)

	stamps := l.windows[userID]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= quota {
		l.windows[userID] = kept
		resetAt := kept[0].Add(windowDur)
		l.logger.Debug("rate limit exceeded",
			zap.String("user_id", userID),
			zap.Int("quota", quota),
			zap.Time("reset_at", resetAt),
		)
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}
	}

	kept = append(kept, now)
	l.windows[userID] = kept
	return Decision{
		Allowed:   true,
		Remaining: quota - len(kept),
		ResetAt:   kept[0].Add(windowDur),
	}
}

// sweep removes windows whose stamps have all aged out. Runs at most once per
// window duration; callers hold the limiter lock.
func (l *Limiter) sweep(now, cutoff time.Time, windowDur time.Duration) {
	if now.Sub(l.lastSweep) < windowDur {
		return
	}
	l.lastSweep = now

	for id, stamps := range l.windows {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(l.windows, id)
		}
	}
}
