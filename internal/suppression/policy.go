package suppression

import (
	"time"

	"github.com/ignite/mailflow/internal/domain"
)

// DefaultSoftBounceThreshold is the number of consecutive soft bounces,
// with no intervening delivery, that suppresses a recipient.
const DefaultSoftBounceThreshold = 5

// Decision is the outcome of evaluating an event against a recipient's
// bounce history.
type Decision struct {
	Suppress bool
	Reason   domain.SuppressionReason
}

// Policy holds the thresholds for automatic suppression.
type Policy struct {
	// SoftBounceThreshold is the consecutive soft bounce count at which a
	// recipient is suppressed. Zero means DefaultSoftBounceThreshold.
	SoftBounceThreshold int
}

func (p Policy) threshold() int {
	if p.SoftBounceThreshold > 0 {
		return p.SoftBounceThreshold
	}
	return DefaultSoftBounceThreshold
}

// Evaluate maps a delivery event and the recipient's bounce history to a
// suppression decision. It is pure: no I/O, no clock reads.
//
// The history passed in must already include the event being evaluated.
// A hard bounce or a complaint suppresses immediately. Soft bounces
// suppress once the consecutive count reaches the threshold; a delivery
// in between resets the count, which the caller reflects in history.
func (p Policy) Evaluate(event *domain.DeliveryEvent, history domain.BounceHistory) Decision {
	switch event.Type {
	case domain.EventComplaint:
		return Decision{Suppress: true, Reason: domain.ReasonComplaint}
	case domain.EventBounced:
		if event.BounceKind == domain.BounceHard {
			return Decision{Suppress: true, Reason: domain.ReasonHardBounce}
		}
		if history.SoftBounceCount >= p.threshold() {
			return Decision{Suppress: true, Reason: domain.ReasonExcessiveSoftBounce}
		}
	}
	return Decision{}
}

// NextHistory folds a delivery event into a recipient's bounce history.
// Deliveries reset the consecutive soft bounce count; soft bounces
// increment it; other event types leave it untouched.
func NextHistory(history domain.BounceHistory, event *domain.DeliveryEvent) domain.BounceHistory {
	switch event.Type {
	case domain.EventDelivered:
		history.SoftBounceCount = 0
		at := event.OccurredAt
		history.LastDeliveredAt = &at
	case domain.EventBounced:
		if event.BounceKind == domain.BounceSoft {
			history.SoftBounceCount++
		}
		at := event.OccurredAt
		history.LastBounceAt = &at
	}
	if history.Email == "" {
		history.Email = event.Email
	}
	return history
}

// suppressionFor builds the record a positive decision persists.
func suppressionFor(email string, d Decision, source domain.SuppressionSource, now time.Time) *domain.Suppression {
	return &domain.Suppression{
		Email:     email,
		Reason:    d.Reason,
		Source:    source,
		CreatedAt: now,
	}
}
