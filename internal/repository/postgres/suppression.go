package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/suppression"
)

// SuppressionRepo persists the suppression list and per-recipient bounce
// history. It implements suppression.Repository.
type SuppressionRepo struct{ db *sql.DB }

func NewSuppressionRepo(db *sql.DB) *SuppressionRepo { return &SuppressionRepo{db: db} }

// Add inserts a suppression entry. Re-suppressing an already-suppressed
// address is a no-op: the first reason and timestamp are preserved.
func (r *SuppressionRepo) Add(ctx context.Context, s *domain.Suppression) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO suppressions (id, email, reason, source, campaign_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (email) DO NOTHING
	`, s.ID, normalizeEmail(s.Email), s.Reason, s.Source, s.CampaignID, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("add suppression: %w", err)
	}
	return nil
}

// Remove deletes a suppression entry. This is the only path off the list.
func (r *SuppressionRepo) Remove(ctx context.Context, email string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM suppressions WHERE email = $1`, normalizeEmail(email))
	if err != nil {
		return fmt.Errorf("remove suppression: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return suppression.ErrNotSuppressed
	}
	return nil
}

func (r *SuppressionRepo) IsSuppressed(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM suppressions WHERE email = $1)`,
		normalizeEmail(email),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check suppression: %w", err)
	}
	return exists, nil
}

func (r *SuppressionRepo) Get(ctx context.Context, email string) (*domain.Suppression, error) {
	var s domain.Suppression
	var campaignID sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, email, reason, source, campaign_id, created_at
		FROM suppressions WHERE email = $1
	`, normalizeEmail(email)).Scan(&s.ID, &s.Email, &s.Reason, &s.Source, &campaignID, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, suppression.ErrNotSuppressed
	}
	if err != nil {
		return nil, fmt.Errorf("get suppression: %w", err)
	}
	s.CampaignID = campaignID.String
	return &s, nil
}

// BounceHistory returns the recipient's bounce state, or a zero history
// when the address has never bounced.
func (r *SuppressionRepo) BounceHistory(ctx context.Context, email string) (domain.BounceHistory, error) {
	email = normalizeEmail(email)
	h := domain.BounceHistory{Email: email}
	var lastBounce, lastDelivered sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT soft_bounce_count, last_bounce_at, last_delivered_at
		FROM bounce_history WHERE email = $1
	`, email).Scan(&h.SoftBounceCount, &lastBounce, &lastDelivered)
	if err == sql.ErrNoRows {
		return h, nil
	}
	if err != nil {
		return h, fmt.Errorf("bounce history: %w", err)
	}
	if lastBounce.Valid {
		h.LastBounceAt = &lastBounce.Time
	}
	if lastDelivered.Valid {
		h.LastDeliveredAt = &lastDelivered.Time
	}
	return h, nil
}

func (r *SuppressionRepo) SaveBounceHistory(ctx context.Context, h domain.BounceHistory) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO bounce_history (email, soft_bounce_count, last_bounce_at, last_delivered_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (email) DO UPDATE SET
			soft_bounce_count = $2, last_bounce_at = $3, last_delivered_at = $4, updated_at = NOW()
	`, normalizeEmail(h.Email), h.SoftBounceCount, h.LastBounceAt, h.LastDeliveredAt)
	if err != nil {
		return fmt.Errorf("save bounce history: %w", err)
	}
	return nil
}

// AllEmails streams every suppressed address for cache warmup.
func (r *SuppressionRepo) AllEmails(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT email FROM suppressions`)
	if err != nil {
		return nil, fmt.Errorf("list suppressions: %w", err)
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		emails = append(emails, email)
	}
	return emails, rows.Err()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
