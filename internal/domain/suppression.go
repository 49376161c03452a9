package domain

import "time"

// SuppressionReason enumerates why an email was suppressed.
type SuppressionReason string

const (
	ReasonHardBounce          SuppressionReason = "hard_bounce"
	ReasonComplaint           SuppressionReason = "spam_complaint"
	ReasonExcessiveSoftBounce SuppressionReason = "excessive_soft_bounce"
	ReasonUnsubscribe         SuppressionReason = "unsubscribe"
	ReasonManual              SuppressionReason = "manual"
)

// SuppressionSource indicates where the suppression signal originated.
type SuppressionSource string

const (
	SourceWebhook  SuppressionSource = "provider_webhook"
	SourceTracking SuppressionSource = "tracking_unsubscribe"
	SourceManual   SuppressionSource = "manual"
	SourceImport   SuppressionSource = "import"
)

// Suppression represents a single entry on the suppression list. Once
// created it blocks every future send to the address; only an explicit
// administrative removal clears it.
type Suppression struct {
	ID         string            `json:"id" db:"id"`
	Email      string            `json:"email" db:"email"`
	Reason     SuppressionReason `json:"reason" db:"reason"`
	Source     SuppressionSource `json:"source" db:"source"`
	CampaignID string            `json:"campaign_id,omitempty" db:"campaign_id"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
}

// BounceHistory is the per-recipient bounce state the suppression policy
// evaluates. SoftBounceCount counts consecutive soft bounces since the last
// successful delivery; a delivery resets it.
type BounceHistory struct {
	Email           string     `json:"email"`
	SoftBounceCount int        `json:"soft_bounce_count"`
	LastBounceAt    *time.Time `json:"last_bounce_at,omitempty"`
	LastDeliveredAt *time.Time `json:"last_delivered_at,omitempty"`
}

// RecipientStatus tracks a recipient's subscription state, distinct from
// delivery-status suppression.
type RecipientStatus string

const (
	RecipientActive       RecipientStatus = "active"
	RecipientUnsubscribed RecipientStatus = "unsubscribed"
)
