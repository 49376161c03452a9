package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/suppression"
)

// memRepo is an in-memory Repository with rollback semantics: mutations
// inside a failed InTx callback are discarded.
type memRepo struct {
	mu       sync.Mutex
	dedup    map[string]time.Time
	statuses map[string]domain.MessageStatus
	details  []domain.TrackingDetail
	contacts map[string]domain.RecipientStatus

	statusWrites int
}

func newMemRepo() *memRepo {
	return &memRepo{
		dedup:    make(map[string]time.Time),
		statuses: make(map[string]domain.MessageStatus),
		contacts: make(map[string]domain.RecipientStatus),
	}
}

type memTx struct {
	repo *memRepo
	// staged mutations, committed only when the callback succeeds
	dedup    map[string]time.Time
	statuses map[string]domain.MessageStatus
	details  []domain.TrackingDetail
	contacts map[string]domain.RecipientStatus
	writes   int
}

func (r *memRepo) InTx(_ context.Context, fn func(tx Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memTx{
		repo:     r,
		dedup:    make(map[string]time.Time),
		statuses: make(map[string]domain.MessageStatus),
		contacts: make(map[string]domain.RecipientStatus),
	}
	if err := fn(tx); err != nil {
		return err
	}
	for k, v := range tx.dedup {
		r.dedup[k] = v
	}
	for k, v := range tx.statuses {
		r.statuses[k] = v
	}
	for k, v := range tx.contacts {
		r.contacts[k] = v
	}
	r.details = append(r.details, tx.details...)
	r.statusWrites += tx.writes
	return nil
}

func (t *memTx) InsertDedup(_ context.Context, key string, firstSeen time.Time) (bool, error) {
	if _, ok := t.repo.dedup[key]; ok {
		return false, nil
	}
	if _, ok := t.dedup[key]; ok {
		return false, nil
	}
	t.dedup[key] = firstSeen
	return true, nil
}

func (t *memTx) UpdateStatusIfNotRegressed(_ context.Context, pmID string, status domain.MessageStatus, _ time.Time) error {
	current, ok := t.statuses[pmID]
	if !ok {
		current = t.repo.statuses[pmID]
	}
	if current == "" {
		current = domain.StatusSent
	}
	if status.Supersedes(current) {
		t.statuses[pmID] = status
		t.writes++
	}
	return nil
}

func (t *memTx) InsertTrackingDetail(_ context.Context, d *domain.TrackingDetail) error {
	t.details = append(t.details, *d)
	return nil
}

func (t *memTx) SetRecipientStatus(_ context.Context, email string, status domain.RecipientStatus) error {
	t.contacts[email] = status
	return nil
}

func (r *memRepo) status(pmID string) domain.MessageStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[pmID]
}

// stubSuppressor records calls; optionally fails.
type stubSuppressor struct {
	mu        sync.Mutex
	events    []domain.DeliveryEvent
	direct    []string
	sources   []domain.SuppressionSource
	failWith  error
	decisions map[domain.EventType]suppression.Decision
}

func (s *stubSuppressor) RecordEvent(_ context.Context, ev *domain.DeliveryEvent) (suppression.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return suppression.Decision{}, s.failWith
	}
	s.events = append(s.events, *ev)
	if s.decisions != nil {
		return s.decisions[ev.Type], nil
	}
	return suppression.Decision{}, nil
}

func (s *stubSuppressor) Suppress(_ context.Context, email string, _ domain.SuppressionReason, source domain.SuppressionSource, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.direct = append(s.direct, email)
	s.sources = append(s.sources, source)
	return nil
}

func event(typ domain.EventType, pmID string, at time.Time) *domain.DeliveryEvent {
	return &domain.DeliveryEvent{
		ProviderMessageID: pmID,
		Email:             "user@example.com",
		Type:              typ,
		OccurredAt:        at,
	}
}

func TestReconciler_DeliveredAdvancesStatus(t *testing.T) {
	repo := newMemRepo()
	rec := NewReconciler(repo, &stubSuppressor{}, nil)

	err := rec.Apply(context.Background(), event(domain.EventDelivered, "pm-1", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, repo.status("pm-1"))
}

// Re-applying the identical event must be a no-op: same dedup key, one
// status write, ErrDuplicateEvent returned.
func TestReconciler_DuplicateIsAbsorbed(t *testing.T) {
	repo := newMemRepo()
	rec := NewReconciler(repo, &stubSuppressor{}, nil)
	ev := event(domain.EventDelivered, "pm-1", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	require.NoError(t, rec.Apply(context.Background(), ev))
	writesAfterFirst := repo.statusWrites

	err := rec.Apply(context.Background(), ev)
	assert.ErrorIs(t, err, domain.ErrDuplicateEvent)
	assert.Equal(t, writesAfterFirst, repo.statusWrites, "duplicate must not mutate state")
	assert.Equal(t, int64(1), rec.Stats()["duplicates"])
}

// An out-of-order Delivered arriving after Opened must not regress.
func TestReconciler_OutOfOrderDeliveredDoesNotRegress(t *testing.T) {
	repo := newMemRepo()
	rec := NewReconciler(repo, &stubSuppressor{}, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, rec.Apply(context.Background(), event(domain.EventOpened, "pm-1", base.Add(time.Minute))))
	require.NoError(t, rec.Apply(context.Background(), event(domain.EventDelivered, "pm-1", base)))

	assert.Equal(t, domain.StatusOpened, repo.status("pm-1"))
}

func TestReconciler_EveryClickKeepsItsOwnRow(t *testing.T) {
	repo := newMemRepo()
	rec := NewReconciler(repo, &stubSuppressor{}, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		ev := event(domain.EventClicked, "pm-1", base.Add(time.Duration(i)*time.Second))
		ev.ClickedURL = "https://shop.example.com/deal"
		require.NoError(t, rec.Apply(context.Background(), ev))
	}

	assert.Len(t, repo.details, 3)
	assert.Equal(t, domain.StatusClicked, repo.status("pm-1"))
}

func TestReconciler_HardBounceDrivesSuppression(t *testing.T) {
	repo := newMemRepo()
	sup := &stubSuppressor{decisions: map[domain.EventType]suppression.Decision{
		domain.EventBounced: {Suppress: true, Reason: domain.ReasonHardBounce},
	}}
	rec := NewReconciler(repo, sup, nil)

	ev := event(domain.EventBounced, "pm-1", time.Now())
	ev.BounceKind = domain.BounceHard
	require.NoError(t, rec.Apply(context.Background(), ev))

	assert.Equal(t, domain.StatusBounced, repo.status("pm-1"))
	require.Len(t, sup.events, 1)
	assert.Equal(t, int64(1), rec.Stats()["suppressions"])
}

func TestReconciler_ComplaintBecomesFailed(t *testing.T) {
	repo := newMemRepo()
	sup := &stubSuppressor{}
	rec := NewReconciler(repo, sup, nil)

	require.NoError(t, rec.Apply(context.Background(), event(domain.EventComplaint, "pm-1", time.Now())))
	assert.Equal(t, domain.StatusFailed, repo.status("pm-1"))
	assert.Len(t, sup.events, 1)
}

// Bounced is terminal: a later Opened for the same message is recorded as
// a detail row but cannot resurrect the status.
func TestReconciler_TerminalStatusStaysTerminal(t *testing.T) {
	repo := newMemRepo()
	rec := NewReconciler(repo, &stubSuppressor{}, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ev := event(domain.EventBounced, "pm-1", base)
	ev.BounceKind = domain.BounceHard
	require.NoError(t, rec.Apply(context.Background(), ev))
	require.NoError(t, rec.Apply(context.Background(), event(domain.EventOpened, "pm-1", base.Add(time.Minute))))

	assert.Equal(t, domain.StatusBounced, repo.status("pm-1"))
}

func TestReconciler_UnsubscribeSetsRecipientStatusAndSuppresses(t *testing.T) {
	repo := newMemRepo()
	sup := &stubSuppressor{}
	rec := NewReconciler(repo, sup, nil)

	require.NoError(t, rec.Apply(context.Background(), event(domain.EventUnsubscribed, "pm-1", time.Now())))

	assert.Equal(t, domain.RecipientUnsubscribed, repo.contacts["user@example.com"])
	assert.Equal(t, []string{"user@example.com"}, sup.direct)
	assert.Equal(t, []domain.SuppressionSource{domain.SourceWebhook}, sup.sources)
}

func TestReconciler_TrackingUnsubscribeRecordsTrackingSource(t *testing.T) {
	repo := newMemRepo()
	sup := &stubSuppressor{}
	rec := NewReconciler(repo, sup, nil)

	ev := event(domain.EventUnsubscribed, "pm-1", time.Now())
	ev.Origin = domain.OriginTracking
	require.NoError(t, rec.Apply(context.Background(), ev))

	assert.Equal(t, []domain.SuppressionSource{domain.SourceTracking}, sup.sources)
}

// An unsubscribe without a resolvable address cannot suppress anything;
// applying it would write an empty-email suppression row.
func TestReconciler_UnsubscribeWithoutEmailRejected(t *testing.T) {
	repo := newMemRepo()
	sup := &stubSuppressor{}
	rec := NewReconciler(repo, sup, nil)

	ev := event(domain.EventUnsubscribed, "pm-1", time.Now())
	ev.Email = ""
	err := rec.Apply(context.Background(), ev)
	require.Error(t, err)
	assert.Empty(t, sup.direct)
	assert.Empty(t, repo.dedup)
}

// A suppression failure rolls back the dedup record, so the provider's
// redelivery is applied cleanly instead of being swallowed as a duplicate.
func TestReconciler_SuppressionFailureRollsBackDedup(t *testing.T) {
	repo := newMemRepo()
	sup := &stubSuppressor{failWith: errors.New("store down")}
	rec := NewReconciler(repo, sup, nil)

	ev := event(domain.EventBounced, "pm-1", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ev.BounceKind = domain.BounceHard
	err := rec.Apply(context.Background(), ev)
	require.Error(t, err)
	assert.Empty(t, repo.dedup)
	assert.Empty(t, repo.statuses)

	// Redelivery succeeds once the suppression store recovers.
	sup.failWith = nil
	require.NoError(t, rec.Apply(context.Background(), ev))
	assert.Equal(t, domain.StatusBounced, repo.status("pm-1"))
}

func TestReconciler_UnknownEventTypeRejected(t *testing.T) {
	rec := NewReconciler(newMemRepo(), &stubSuppressor{}, nil)
	err := rec.Apply(context.Background(), event("teleported", "pm-1", time.Now()))
	assert.Error(t, err)
}

type uaBotDetector struct{}

func (uaBotDetector) IsBot(ua string) bool { return ua == "GoogleImageProxy" }

func TestReconciler_BotOpensFlagged(t *testing.T) {
	repo := newMemRepo()
	rec := NewReconciler(repo, &stubSuppressor{}, uaBotDetector{})

	ev := event(domain.EventOpened, "pm-1", time.Now())
	ev.UserAgent = "GoogleImageProxy"
	require.NoError(t, rec.Apply(context.Background(), ev))

	require.Len(t, repo.details, 1)
	assert.True(t, repo.details[0].IsBot)
}
