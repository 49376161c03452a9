// Package reconcile folds provider delivery events into per-message
// status, engagement detail rows, and suppression state.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/pkg/logger"
	"github.com/ignite/mailflow/internal/suppression"
)

// Tx is the slice of repository operations available inside one
// reconciliation transaction.
type Tx interface {
	// InsertDedup records the event as seen. It returns false when the key
	// already exists, which marks the event a duplicate.
	InsertDedup(ctx context.Context, key string, firstSeen time.Time) (bool, error)

	// UpdateStatusIfNotRegressed applies a monotonic status transition: the
	// store only moves the message forward in the lifecycle, never back.
	UpdateStatusIfNotRegressed(ctx context.Context, providerMessageID string, status domain.MessageStatus, at time.Time) error

	InsertTrackingDetail(ctx context.Context, d *domain.TrackingDetail) error
	SetRecipientStatus(ctx context.Context, email string, status domain.RecipientStatus) error
}

// Repository opens reconciliation transactions. The dedup insert and the
// status transition commit or roll back together, so a crash between them
// cannot leave a half-applied event that a redelivery would then skip.
type Repository interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Suppressor is the suppression service surface the reconciler drives.
type Suppressor interface {
	RecordEvent(ctx context.Context, ev *domain.DeliveryEvent) (suppression.Decision, error)
	Suppress(ctx context.Context, email string, reason domain.SuppressionReason, source domain.SuppressionSource, campaignID string) error
}

// BotDetector flags non-human user agents on engagement events.
type BotDetector interface {
	IsBot(userAgent string) bool
}

// Reconciler applies delivery events. Safe for concurrent use; events for
// different dedup keys may be applied in parallel, and a concurrent race
// on the same key is settled by the store's unique dedup constraint.
type Reconciler struct {
	repo       Repository
	suppressor Suppressor
	bots       BotDetector // optional

	// Stats
	applied    int64
	duplicates int64
	suppressed int64
}

// NewReconciler builds a Reconciler. bots may be nil.
func NewReconciler(repo Repository, suppressor Suppressor, bots BotDetector) *Reconciler {
	return &Reconciler{repo: repo, suppressor: suppressor, bots: bots}
}

// Apply reconciles one event. A redelivered event returns
// domain.ErrDuplicateEvent and changes nothing. Suppression runs inside
// the same transaction scope: if it fails, the dedup record rolls back and
// the provider's redelivery gets a clean retry.
func (r *Reconciler) Apply(ctx context.Context, ev *domain.DeliveryEvent) error {
	if !domain.ValidEventType(ev.Type) {
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	if ev.Type == domain.EventUnsubscribed && ev.Email == "" {
		// Suppressing an empty address would satisfy nothing and leave
		// the real recipient mailable.
		return fmt.Errorf("unsubscribe event without email for message %s", ev.ProviderMessageID)
	}

	err := r.repo.InTx(ctx, func(tx Tx) error {
		firstSeen, err := tx.InsertDedup(ctx, ev.DedupKey(), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("dedup insert: %w", err)
		}
		if !firstSeen {
			return domain.ErrDuplicateEvent
		}
		if err := r.transition(ctx, tx, ev); err != nil {
			return err
		}
		return r.sideEffects(ctx, ev)
	})

	switch {
	case err == nil:
		atomic.AddInt64(&r.applied, 1)
		return nil
	case errors.Is(err, domain.ErrDuplicateEvent):
		atomic.AddInt64(&r.duplicates, 1)
		logger.Debug("duplicate event absorbed",
			"provider_message_id", ev.ProviderMessageID,
			"type", string(ev.Type))
		return domain.ErrDuplicateEvent
	default:
		return err
	}
}

// transition maps the event type to its status change and detail rows.
func (r *Reconciler) transition(ctx context.Context, tx Tx, ev *domain.DeliveryEvent) error {
	switch ev.Type {
	case domain.EventDelivered:
		return tx.UpdateStatusIfNotRegressed(ctx, ev.ProviderMessageID, domain.StatusDelivered, ev.OccurredAt)

	case domain.EventOpened:
		if err := tx.InsertTrackingDetail(ctx, r.detail(ev)); err != nil {
			return err
		}
		return tx.UpdateStatusIfNotRegressed(ctx, ev.ProviderMessageID, domain.StatusOpened, ev.OccurredAt)

	case domain.EventClicked:
		// Every click gets its own row; repeat clicks are data, not noise.
		if err := tx.InsertTrackingDetail(ctx, r.detail(ev)); err != nil {
			return err
		}
		return tx.UpdateStatusIfNotRegressed(ctx, ev.ProviderMessageID, domain.StatusClicked, ev.OccurredAt)

	case domain.EventBounced:
		return tx.UpdateStatusIfNotRegressed(ctx, ev.ProviderMessageID, domain.StatusBounced, ev.OccurredAt)

	case domain.EventComplaint:
		return tx.UpdateStatusIfNotRegressed(ctx, ev.ProviderMessageID, domain.StatusFailed, ev.OccurredAt)

	case domain.EventUnsubscribed:
		return tx.SetRecipientStatus(ctx, ev.Email, domain.RecipientUnsubscribed)
	}
	return nil
}

// sideEffects drives the suppression service for the event types that
// feed it. Engagement events pass through RecordEvent too so a delivery
// resets the recipient's soft bounce run.
func (r *Reconciler) sideEffects(ctx context.Context, ev *domain.DeliveryEvent) error {
	switch ev.Type {
	case domain.EventDelivered, domain.EventBounced, domain.EventComplaint:
		decision, err := r.suppressor.RecordEvent(ctx, ev)
		if err != nil {
			return fmt.Errorf("suppression: %w", err)
		}
		if decision.Suppress {
			atomic.AddInt64(&r.suppressed, 1)
		}
		return nil

	case domain.EventUnsubscribed:
		if err := r.suppressor.Suppress(ctx, ev.Email, domain.ReasonUnsubscribe, suppressionSource(ev.Origin), ""); err != nil {
			return fmt.Errorf("suppression: %w", err)
		}
		atomic.AddInt64(&r.suppressed, 1)
		return nil
	}
	return nil
}

// suppressionSource maps the ingestion surface to the suppression source
// recorded on the entry.
func suppressionSource(origin domain.EventOrigin) domain.SuppressionSource {
	if origin == domain.OriginTracking {
		return domain.SourceTracking
	}
	return domain.SourceWebhook
}

func (r *Reconciler) detail(ev *domain.DeliveryEvent) *domain.TrackingDetail {
	d := &domain.TrackingDetail{
		ID:                uuid.NewString(),
		ProviderMessageID: ev.ProviderMessageID,
		EventType:         ev.Type,
		URL:               ev.ClickedURL,
		IPAddress:         ev.IPAddress,
		UserAgent:         ev.UserAgent,
		OccurredAt:        ev.OccurredAt,
	}
	if r.bots != nil {
		d.IsBot = r.bots.IsBot(ev.UserAgent)
	}
	return d
}

// Stats returns reconciliation counters.
func (r *Reconciler) Stats() map[string]int64 {
	return map[string]int64{
		"events_applied": atomic.LoadInt64(&r.applied),
		"duplicates":     atomic.LoadInt64(&r.duplicates),
		"suppressions":   atomic.LoadInt64(&r.suppressed),
	}
}
