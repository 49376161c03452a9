package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/mailflow/internal/domain"
)

// RecipientRepo answers recipient lookups for the tracking endpoints and
// updates subscription state.
type RecipientRepo struct{ db *sql.DB }

func NewRecipientRepo(db *sql.DB) *RecipientRepo { return &RecipientRepo{db: db} }

// EmailForRecipient resolves a recipient id to its address. Returns ""
// for unknown ids; tracking events without a resolvable address still
// reconcile by provider message id.
func (r *RecipientRepo) EmailForRecipient(ctx context.Context, recipientID string) (string, error) {
	var email string
	err := r.db.QueryRowContext(ctx,
		`SELECT email FROM recipients WHERE id = $1`, recipientID).Scan(&email)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("recipient email: %w", err)
	}
	return email, nil
}

func (r *RecipientRepo) SetStatus(ctx context.Context, email string, status domain.RecipientStatus) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE recipients SET status = $2, updated_at = NOW() WHERE email = $1
	`, normalizeEmail(email), status)
	if err != nil {
		return fmt.Errorf("set recipient status: %w", err)
	}
	return nil
}
