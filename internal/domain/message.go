package domain

import "time"

// MessageStatus tracks the per-message delivery lifecycle. Later events
// refine the status but never regress it: Bounced and Failed are terminal,
// and Opened/Clicked supersede Delivered.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusOpened    MessageStatus = "opened"
	StatusClicked   MessageStatus = "clicked"
	StatusBounced   MessageStatus = "bounced"
	StatusFailed    MessageStatus = "failed"
)

// statusRank orders statuses for monotonic updates. A transition is applied
// only when the new status outranks the current one.
var statusRank = map[MessageStatus]int{
	StatusSent:      1,
	StatusDelivered: 2,
	StatusOpened:    3,
	StatusClicked:   4,
	StatusBounced:   5,
	StatusFailed:    5,
}

// Rank returns the ordering weight of a status. Unknown statuses rank 0.
func (s MessageStatus) Rank() int { return statusRank[s] }

// Terminal reports whether the status accepts no further transitions.
func (s MessageStatus) Terminal() bool {
	return s == StatusBounced || s == StatusFailed
}

// Supersedes reports whether s outranks other in the delivery lifecycle.
func (s MessageStatus) Supersedes(other MessageStatus) bool {
	if other.Terminal() {
		return false
	}
	return s.Rank() > other.Rank()
}

// OutboundMessage is the fully-resolved message ready for a provider client.
// By the time a message reaches this struct, all template substitution,
// tracking injection, and header generation is complete.
type OutboundMessage struct {
	ID          string            `json:"id"`
	CampaignID  string            `json:"campaign_id"`
	RecipientID string            `json:"recipient_id"`
	Email       string            `json:"email"`
	FromName    string            `json:"from_name"`
	FromEmail   string            `json:"from_email"`
	ReplyTo     string            `json:"reply_to"`
	Subject     string            `json:"subject"`
	HTMLContent string            `json:"html_content"`
	TextContent string            `json:"text_content"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// OutcomeKind classifies the result of a dispatch call. Suppressed and
// RateLimited are expected terminal outcomes, not errors.
type OutcomeKind string

const (
	OutcomeSent        OutcomeKind = "sent"
	OutcomeSuppressed  OutcomeKind = "suppressed"
	OutcomeRateLimited OutcomeKind = "rate_limited"
	OutcomeFailed      OutcomeKind = "failed"
)

// SendOutcome is the result of dispatching one message.
//
// Attempts counts provider calls actually made. LastError holds the final
// provider error message when Kind is OutcomeFailed; campaign reporting uses
// it to distinguish "never sent" from "sent but failed downstream".
//
// The engine guarantees at most one in-flight provider call per message, but
// a process crash between a provider call and the outcome being persisted
// leaves the terminal status ambiguous. That window is a known limitation;
// recovery is the queue's stale-lock reclaim, not a dispatch-level guarantee.
type SendOutcome struct {
	Kind              OutcomeKind   `json:"kind"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`
	Attempts          int           `json:"attempts"`
	LastError         string        `json:"last_error,omitempty"`
	RetryAt           time.Time     `json:"retry_at,omitzero"`
	Elapsed           time.Duration `json:"elapsed"`
}

// QueuedMessage is a message claimed from the outbound queue.
type QueuedMessage struct {
	QueueID     string
	Message     OutboundMessage
	Attempts    int
	ScheduledAt time.Time
}
