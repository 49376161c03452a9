package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrDuplicateEvent marks a redelivered callback that was already applied.
// Callers acknowledge it as a success so the provider stops retrying.
var ErrDuplicateEvent = errors.New("delivery event already applied")

// EventType enumerates the provider callback types the engine reconciles.
type EventType string

const (
	EventDelivered    EventType = "delivered"
	EventOpened       EventType = "opened"
	EventClicked      EventType = "clicked"
	EventBounced      EventType = "bounced"
	EventComplaint    EventType = "complaint"
	EventUnsubscribed EventType = "unsubscribed"
)

// ValidEventType reports whether t is a recognized callback type.
func ValidEventType(t EventType) bool {
	switch t {
	case EventDelivered, EventOpened, EventClicked, EventBounced, EventComplaint, EventUnsubscribed:
		return true
	}
	return false
}

// BounceKind distinguishes permanent from transient bounces.
type BounceKind string

const (
	BounceHard BounceKind = "hard"
	BounceSoft BounceKind = "soft"
)

// EventOrigin says which ingestion surface produced the event. Suppression
// entries record it as their source. The zero value means webhook, the
// dominant path.
type EventOrigin string

const (
	OriginWebhook  EventOrigin = "webhook"
	OriginTracking EventOrigin = "tracking"
)

// DeliveryEvent is a provider callback after gateway validation. It is
// immutable once admitted. Events arrive out of order and may be redelivered;
// DedupKey identifies redeliveries of the same event.
type DeliveryEvent struct {
	ProviderMessageID string          `json:"provider_message_id"`
	Email             string          `json:"email"`
	Type              EventType       `json:"type"`
	OccurredAt        time.Time       `json:"occurred_at"`
	BounceKind        BounceKind      `json:"bounce_kind,omitempty"`
	ClickedURL        string          `json:"clicked_url,omitempty"`
	IPAddress         string          `json:"ip_address,omitempty"`
	UserAgent         string          `json:"user_agent,omitempty"`
	Origin            EventOrigin     `json:"origin,omitempty"`
	RawPayload        json.RawMessage `json:"raw_payload,omitempty"`
}

// DedupKey returns the stable identity of this event: a SHA-256 over the
// provider message id, event type, and occurrence time. Redelivered copies
// of the same callback hash to the same key.
func (e DeliveryEvent) DedupKey() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d",
		e.ProviderMessageID, e.Type, e.OccurredAt.UTC().UnixNano())))
	return hex.EncodeToString(sum[:])
}

// DedupRecord marks an event as already applied. Records older than the
// retention window may be pruned.
type DedupRecord struct {
	DedupKey    string    `json:"dedup_key" db:"dedup_key"`
	FirstSeenAt time.Time `json:"first_seen_at" db:"first_seen_at"`
}

// TrackingDetail is one engagement row attached to a message. Every click
// gets its own row; opens record the first client details seen.
// Location is a coarse geo label; it starts empty and is filled by offline
// enrichment from the IP, never on the hot path.
type TrackingDetail struct {
	ID                string    `json:"id"`
	ProviderMessageID string    `json:"provider_message_id"`
	EventType         EventType `json:"event_type"`
	URL               string    `json:"url,omitempty"`
	IPAddress         string    `json:"ip_address,omitempty"`
	UserAgent         string    `json:"user_agent,omitempty"`
	Location          string    `json:"location,omitempty"`
	IsBot             bool      `json:"is_bot"`
	OccurredAt        time.Time `json:"occurred_at"`
}
