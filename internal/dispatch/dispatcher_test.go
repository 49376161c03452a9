package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/provider"
	"github.com/ignite/mailflow/internal/ratelimit"
)

// scriptedProvider returns one scripted result per call.
type scriptedProvider struct {
	mu      sync.Mutex
	errs    []error // nil entry means success
	calls   int
	lastMsg *domain.OutboundMessage
}

func (p *scriptedProvider) Send(_ context.Context, msg *domain.OutboundMessage) (*provider.SendReceipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	p.lastMsg = msg
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	return &provider.SendReceipt{ProviderMessageID: "pm-ok", AcceptedAt: time.Now()}, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// stubChecker marks a fixed set of addresses suppressed.
type stubChecker struct {
	suppressed map[string]bool
	calls      int
}

func (c *stubChecker) IsSuppressed(_ context.Context, email string) (bool, error) {
	c.calls++
	return c.suppressed[email], nil
}

// stubLimiter scripts admissions and counts releases.
type stubLimiter struct {
	mu         sync.Mutex
	admissions []ratelimit.Admission
	acquires   int
	releases   int
}

func (l *stubLimiter) Acquire(context.Context) (ratelimit.Admission, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.acquires
	l.acquires++
	if i < len(l.admissions) {
		return l.admissions[i], nil
	}
	return ratelimit.Admission{Allowed: true}, nil
}

func (l *stubLimiter) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
	return nil
}

func allow() ratelimit.Admission { return ratelimit.Admission{Allowed: true, Remaining: 1} }

func newTestDispatcher(p provider.Client, l ratelimit.Limiter, c SuppressionChecker, opts Options) (*Dispatcher, *[]time.Duration) {
	d := NewDispatcher(p, l, c, opts)
	var slept []time.Duration
	d.sleep = func(_ context.Context, dur time.Duration) error {
		slept = append(slept, dur)
		return nil
	}
	return d, &slept
}

func msg() *domain.OutboundMessage {
	return &domain.OutboundMessage{
		ID:         "m-1",
		CampaignID: "c-1",
		Email:      "user@example.com",
		FromEmail:  "news@sender.example.com",
		Subject:    "hi",
	}
}

func TestDispatcher_SendSucceedsFirstTry(t *testing.T) {
	p := &scriptedProvider{}
	d, slept := newTestDispatcher(p, &stubLimiter{}, &stubChecker{}, Options{})

	out, err := d.Send(context.Background(), msg())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSent, out.Kind)
	assert.Equal(t, "pm-ok", out.ProviderMessageID)
	assert.Equal(t, 1, out.Attempts)
	assert.Empty(t, *slept)
}

func TestDispatcher_RetriesTransientThenSucceeds(t *testing.T) {
	p := &scriptedProvider{errs: []error{
		provider.NewHTTPError("sparkpost", 500, "boom"),
		provider.NewHTTPError("sparkpost", 503, "still down"),
		nil,
	}}
	lim := &stubLimiter{}
	d, slept := newTestDispatcher(p, lim, &stubChecker{}, Options{
		RetryBase: 100 * time.Millisecond,
		JitterMax: 50 * time.Millisecond,
	})

	out, err := d.Send(context.Background(), msg())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSent, out.Kind)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, p.callCount())
	assert.Equal(t, 0, lim.releases, "retryable failures keep the quota unit")

	// Exponential: first delay in [100,150)ms, second in [200,250)ms.
	require.Len(t, *slept, 2)
	assert.GreaterOrEqual(t, (*slept)[0], 100*time.Millisecond)
	assert.Less(t, (*slept)[0], 150*time.Millisecond)
	assert.GreaterOrEqual(t, (*slept)[1], 200*time.Millisecond)
	assert.Less(t, (*slept)[1], 250*time.Millisecond)
}

func TestDispatcher_PermanentFailureReleasesQuota(t *testing.T) {
	p := &scriptedProvider{errs: []error{
		provider.NewHTTPError("sparkpost", 422, "bad recipient"),
	}}
	lim := &stubLimiter{}
	d, slept := newTestDispatcher(p, lim, &stubChecker{}, Options{})

	out, err := d.Send(context.Background(), msg())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFailed, out.Kind)
	assert.Equal(t, 1, out.Attempts)
	assert.Contains(t, out.LastError, "bad recipient")
	assert.Equal(t, 1, p.callCount(), "permanent failures must not be retried")
	assert.Equal(t, 1, lim.releases)
	assert.Empty(t, *slept)
}

func TestDispatcher_RetriesExhausted(t *testing.T) {
	p := &scriptedProvider{errs: []error{
		provider.NewHTTPError("sparkpost", 500, "a"),
		provider.NewHTTPError("sparkpost", 500, "b"),
		provider.NewHTTPError("sparkpost", 500, "c"),
		provider.NewHTTPError("sparkpost", 500, "final"),
	}}
	d, _ := newTestDispatcher(p, &stubLimiter{}, &stubChecker{}, Options{MaxRetries: 3})

	out, err := d.Send(context.Background(), msg())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFailed, out.Kind)
	assert.Equal(t, 4, out.Attempts)
	assert.Contains(t, out.LastError, "final")
}

func TestDispatcher_SuppressedSkipsProviderAndQuota(t *testing.T) {
	p := &scriptedProvider{}
	lim := &stubLimiter{}
	checker := &stubChecker{suppressed: map[string]bool{"user@example.com": true}}
	d, _ := newTestDispatcher(p, lim, checker, Options{})

	out, err := d.Send(context.Background(), msg())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSuppressed, out.Kind)
	assert.Equal(t, 0, out.Attempts)
	assert.Equal(t, 0, p.callCount())
	assert.Equal(t, 0, lim.acquires, "suppressed sends must not consume quota")
}

func TestDispatcher_RateLimitedOutcome(t *testing.T) {
	reset := time.Now().Add(40 * time.Second)
	lim := &stubLimiter{admissions: []ratelimit.Admission{{Allowed: false, ResetAt: reset}}}
	p := &scriptedProvider{}
	d, _ := newTestDispatcher(p, lim, &stubChecker{}, Options{})

	out, err := d.Send(context.Background(), msg())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRateLimited, out.Kind)
	assert.Equal(t, reset, out.RetryAt)
	assert.Equal(t, 0, p.callCount())
}

func TestDispatcher_WaitForQuotaRetriesOnce(t *testing.T) {
	lim := &stubLimiter{admissions: []ratelimit.Admission{
		{Allowed: false, ResetAt: time.Now().Add(2 * time.Second)},
		{Allowed: true, Remaining: 9},
	}}
	p := &scriptedProvider{}
	d, slept := newTestDispatcher(p, lim, &stubChecker{}, Options{WaitForQuota: true})

	out, err := d.Send(context.Background(), msg())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSent, out.Kind)
	assert.Equal(t, 2, lim.acquires)
	require.Len(t, *slept, 1)
	assert.LessOrEqual(t, (*slept)[0], 2*time.Second)
}

func TestDispatcher_WaitForQuotaCapped(t *testing.T) {
	lim := &stubLimiter{admissions: []ratelimit.Admission{
		{Allowed: false, ResetAt: time.Now().Add(time.Hour)},
		{Allowed: false, ResetAt: time.Now().Add(time.Hour)},
	}}
	d, slept := newTestDispatcher(&scriptedProvider{}, lim, &stubChecker{}, Options{
		WaitForQuota: true,
		MaxQuotaWait: 3 * time.Second,
	})

	out, err := d.Send(context.Background(), msg())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRateLimited, out.Kind)
	require.Len(t, *slept, 1)
	assert.Equal(t, 3*time.Second, (*slept)[0])
}

func TestDispatcher_RetryAfterHintOverridesBackoff(t *testing.T) {
	rateLimited := provider.NewHTTPError("sparkpost", 429, "slow down")
	rateLimited.RetryAfter = 7 * time.Second
	p := &scriptedProvider{errs: []error{rateLimited, nil}}
	d, slept := newTestDispatcher(p, &stubLimiter{}, &stubChecker{}, Options{
		RetryBase: 100 * time.Millisecond,
		JitterMax: 50 * time.Millisecond,
	})

	out, err := d.Send(context.Background(), msg())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSent, out.Kind)
	require.Len(t, *slept, 1)
	assert.GreaterOrEqual(t, (*slept)[0], 7*time.Second)
	assert.Less(t, (*slept)[0], 7*time.Second+200*time.Millisecond)
}

func TestDispatcher_CanceledContextStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &scriptedProvider{errs: []error{provider.NewHTTPError("sparkpost", 500, "boom")}}
	d := NewDispatcher(p, &stubLimiter{}, &stubChecker{}, Options{})
	d.sleep = func(context.Context, time.Duration) error {
		cancel()
		return ctx.Err()
	}

	out, err := d.Send(ctx, msg())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFailed, out.Kind)
	assert.Equal(t, 1, p.callCount())
}

// Three concurrent sends against a shared window of two: exactly two reach
// the provider and one comes back rate limited.
func TestDispatcher_ConcurrentSendsShareWindow(t *testing.T) {
	lim, err := ratelimit.NewWindowLimiter(2, time.Minute)
	require.NoError(t, err)
	p := &scriptedProvider{}
	d, _ := newTestDispatcher(p, lim, &stubChecker{}, Options{})

	var wg sync.WaitGroup
	outcomes := make([]domain.SendOutcome, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := d.Send(context.Background(), msg())
			require.NoError(t, err)
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	sent, limited := 0, 0
	for _, out := range outcomes {
		switch out.Kind {
		case domain.OutcomeSent:
			sent++
		case domain.OutcomeRateLimited:
			limited++
			assert.False(t, out.RetryAt.IsZero())
		}
	}
	assert.Equal(t, 2, sent)
	assert.Equal(t, 1, limited)
	assert.Equal(t, 2, p.callCount())
}
