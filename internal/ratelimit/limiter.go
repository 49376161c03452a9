// Package ratelimit guards the provider send quota with a fixed-window
// counter. Admission (check plus increment) is a single atomic step, so the
// number of allowed acquisitions in one window can never exceed the limit
// regardless of how many workers race on it.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrInvalidLimit is returned when a limiter is constructed with a zero
// limit or window.
var ErrInvalidLimit = errors.New("ratelimit: limit and window must be positive")

// Admission is the result of one Acquire call. When Allowed is false,
// ResetAt tells the caller when the window rolls over so it can schedule a
// wait instead of busy-polling.
type Admission struct {
	Allowed   bool
	Remaining uint
	ResetAt   time.Time
}

// Limiter is the quota gate consulted before every provider call.
type Limiter interface {
	// Acquire atomically checks capacity and consumes one unit.
	Acquire(ctx context.Context) (Admission, error)

	// Release returns one unit consumed by Acquire. Used to compensate a
	// send the provider never accepted. Never drives the count negative.
	Release(ctx context.Context) error
}

// WindowLimiter is an in-process fixed-window limiter. The mutex is held
// only for the check-and-increment; callers do network I/O outside it.
type WindowLimiter struct {
	mu          sync.Mutex
	count       uint
	windowStart time.Time
	window      time.Duration
	limit       uint

	now func() time.Time // overridable in tests
}

// NewWindowLimiter creates a limiter allowing limit acquisitions per window.
func NewWindowLimiter(limit uint, window time.Duration) (*WindowLimiter, error) {
	if limit == 0 || window <= 0 {
		return nil, ErrInvalidLimit
	}
	return &WindowLimiter{
		window: window,
		limit:  limit,
		now:    time.Now,
	}, nil
}

// Acquire consumes one unit of quota if the current window has capacity.
func (l *WindowLimiter) Acquire(_ context.Context) (Admission, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.rollWindow(now)

	resetAt := l.windowStart.Add(l.window)
	if l.count >= l.limit {
		return Admission{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	l.count++
	return Admission{
		Allowed:   true,
		Remaining: l.limit - l.count,
		ResetAt:   resetAt,
	}, nil
}

// Release returns one unit of quota to the current window.
func (l *WindowLimiter) Release(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollWindow(l.now())
	if l.count > 0 {
		l.count--
	}
	return nil
}

// rollWindow resets the counter lazily once the window has elapsed.
// Caller must hold l.mu.
func (l *WindowLimiter) rollWindow(now time.Time) {
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.count = 0
	}
}
