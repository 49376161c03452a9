// Package dispatch drives a single message through suppression checks,
// rate limiting, and the provider client with retry.
package dispatch

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/pkg/logger"
	"github.com/ignite/mailflow/internal/provider"
	"github.com/ignite/mailflow/internal/ratelimit"
)

// SuppressionChecker answers the pre-send suppression check.
type SuppressionChecker interface {
	IsSuppressed(ctx context.Context, email string) (bool, error)
}

// Options tunes retry and quota behavior. Zero values fall back to the
// defaults noted on each field.
type Options struct {
	MaxRetries int           // provider retries after the first call (default 3)
	RetryBase  time.Duration // first backoff delay (default 500ms)
	JitterMax  time.Duration // random addition to each delay (default 250ms)
	MaxDelay   time.Duration // per-delay cap (default 30s)

	// WaitForQuota makes a denied rate limit acquire block until the window
	// resets instead of returning a rate_limited outcome. The wait is capped
	// at MaxQuotaWait (default 5m) and honors context cancellation.
	WaitForQuota bool
	MaxQuotaWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.JitterMax <= 0 {
		o.JitterMax = 250 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.MaxQuotaWait <= 0 {
		o.MaxQuotaWait = 5 * time.Minute
	}
	return o
}

// Dispatcher sends one message at a time. It is safe for concurrent use;
// retries for a given message are sequential, never parallel.
type Dispatcher struct {
	provider     provider.Client
	limiter      ratelimit.Limiter
	suppressions SuppressionChecker
	opts         Options

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher builds a Dispatcher. All three collaborators are required.
func NewDispatcher(p provider.Client, l ratelimit.Limiter, s SuppressionChecker, opts Options) *Dispatcher {
	return &Dispatcher{
		provider:     p,
		limiter:      l,
		suppressions: s,
		opts:         opts.withDefaults(),
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

// Send dispatches a message and reports what happened. Suppressed and
// rate-limited are ordinary outcomes: the error return is reserved for
// infrastructure failures (suppression store or limiter unreachable).
func (d *Dispatcher) Send(ctx context.Context, msg *domain.OutboundMessage) (domain.SendOutcome, error) {
	start := d.now()

	// Suppressed recipients consume no quota and never reach the provider.
	suppressed, err := d.suppressions.IsSuppressed(ctx, msg.Email)
	if err != nil {
		return domain.SendOutcome{}, err
	}
	if suppressed {
		logger.Debug("send skipped, recipient suppressed", "email", msg.Email, "message_id", msg.ID)
		return domain.SendOutcome{
			Kind:    domain.OutcomeSuppressed,
			Elapsed: d.now().Sub(start),
		}, nil
	}

	adm, err := d.acquire(ctx)
	if err != nil {
		return domain.SendOutcome{}, err
	}
	if !adm.Allowed {
		return domain.SendOutcome{
			Kind:    domain.OutcomeRateLimited,
			RetryAt: adm.ResetAt,
			Elapsed: d.now().Sub(start),
		}, nil
	}

	outcome := d.sendWithRetry(ctx, msg)
	outcome.Elapsed = d.now().Sub(start)
	return outcome, nil
}

// acquire runs the limiter, optionally blocking through one window reset.
func (d *Dispatcher) acquire(ctx context.Context) (ratelimit.Admission, error) {
	adm, err := d.limiter.Acquire(ctx)
	if err != nil {
		return ratelimit.Admission{}, err
	}
	if adm.Allowed || !d.opts.WaitForQuota {
		return adm, nil
	}

	wait := time.Until(adm.ResetAt)
	if wait > d.opts.MaxQuotaWait {
		wait = d.opts.MaxQuotaWait
	}
	if wait > 0 {
		logger.Debug("quota exhausted, waiting for window reset", "wait", wait.String())
		if err := d.sleep(ctx, wait); err != nil {
			return adm, nil // canceled while waiting: report the denial
		}
	}
	return d.limiter.Acquire(ctx)
}

// sendWithRetry makes the provider calls. A permanent failure returns the
// unused quota unit; retryable failures keep it, since each retry is still
// one provider call in the same window.
func (d *Dispatcher) sendWithRetry(ctx context.Context, msg *domain.OutboundMessage) domain.SendOutcome {
	var lastErr error

	for attempt := 0; attempt <= d.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := d.retryDelay(attempt-1, lastErr)
			logger.Debug("retrying send",
				"message_id", msg.ID,
				"attempt", attempt,
				"delay", delay.String())
			if err := d.sleep(ctx, delay); err != nil {
				return domain.SendOutcome{
					Kind:      domain.OutcomeFailed,
					Attempts:  attempt,
					LastError: lastErr.Error(),
				}
			}
		}

		receipt, err := d.provider.Send(ctx, msg)
		if err == nil {
			return domain.SendOutcome{
				Kind:              domain.OutcomeSent,
				ProviderMessageID: receipt.ProviderMessageID,
				Attempts:          attempt + 1,
			}
		}
		lastErr = err

		if ctx.Err() != nil {
			return domain.SendOutcome{
				Kind:      domain.OutcomeFailed,
				Attempts:  attempt + 1,
				LastError: err.Error(),
			}
		}
		if !provider.IsRetryable(err) {
			// The message was never accepted, so the quota unit goes back.
			if rerr := d.limiter.Release(ctx); rerr != nil {
				logger.Warn("quota release failed", "error", rerr.Error())
			}
			return domain.SendOutcome{
				Kind:      domain.OutcomeFailed,
				Attempts:  attempt + 1,
				LastError: err.Error(),
			}
		}
	}

	logger.Warn("send retries exhausted",
		"message_id", msg.ID,
		"email", msg.Email,
		"attempts", d.opts.MaxRetries+1,
		"error", lastErr.Error())
	return domain.SendOutcome{
		Kind:      domain.OutcomeFailed,
		Attempts:  d.opts.MaxRetries + 1,
		LastError: lastErr.Error(),
	}
}

// retryDelay computes the wait before retry number attempt+1. A provider
// Retry-After hint replaces the exponential schedule, bounded by MaxDelay
// plus a small buffer so a hinted window is respected but never unbounded.
func (d *Dispatcher) retryDelay(attempt int, lastErr error) time.Duration {
	if hint, ok := provider.RetryAfterOf(lastErr); ok && hint > 0 {
		capped := d.opts.MaxDelay + time.Second
		if hint > capped {
			hint = capped
		}
		return hint + time.Duration(rand.Int63n(int64(100*time.Millisecond)))
	}

	exp := float64(d.opts.RetryBase) * math.Pow(2, float64(attempt))
	if exp > float64(d.opts.MaxDelay) {
		exp = float64(d.opts.MaxDelay)
	}
	return time.Duration(exp) + time.Duration(rand.Int63n(int64(d.opts.JitterMax)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
