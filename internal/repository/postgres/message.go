package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/mailflow/internal/domain"
)

// MessageRepo records sent messages and answers status queries.
type MessageRepo struct{ db *sql.DB }

func NewMessageRepo(db *sql.DB) *MessageRepo { return &MessageRepo{db: db} }

// RecordSent writes the message log row after the provider accepts a
// send. The provider message id is the join key for every later
// delivery event.
func (r *MessageRepo) RecordSent(ctx context.Context, msg *domain.OutboundMessage, providerMessageID string, sentAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO message_log
		(message_id, provider_message_id, campaign_id, recipient_id, email, subject, status, status_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'sent', $7, NOW())
		ON CONFLICT (message_id) DO UPDATE SET provider_message_id = $2, status_at = $7
	`, msg.ID, providerMessageID, msg.CampaignID, msg.RecipientID, msg.Email, msg.Subject, sentAt)
	if err != nil {
		return fmt.Errorf("record sent: %w", err)
	}
	return nil
}

// Status returns the current delivery status of a message, or "" when the
// provider message id is unknown.
func (r *MessageRepo) Status(ctx context.Context, providerMessageID string) (domain.MessageStatus, error) {
	var status string
	err := r.db.QueryRowContext(ctx,
		`SELECT status FROM message_log WHERE provider_message_id = $1`,
		providerMessageID,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("message status: %w", err)
	}
	return domain.MessageStatus(status), nil
}

// CampaignCounts aggregates message statuses for one campaign.
func (r *MessageRepo) CampaignCounts(ctx context.Context, campaignID string) (map[domain.MessageStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM message_log WHERE campaign_id = $1 GROUP BY status
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign counts: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.MessageStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[domain.MessageStatus(status)] = n
	}
	return out, rows.Err()
}
