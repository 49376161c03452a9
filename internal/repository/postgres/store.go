// Package postgres is the persistence layer: message log, send queue,
// webhook dedup, suppression list, and recipient state.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/reconcile"
)

// Open connects to Postgres and verifies the connection.
func Open(url string, maxOpenConns, maxIdleConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Store opens reconciliation transactions over the shared database.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// InTx runs fn inside one transaction. The dedup insert and the status
// transition commit together; any error from fn rolls everything back.
func (s *Store) InTx(ctx context.Context, fn func(tx reconcile.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	t := &reconTx{tx: sqlTx}
	if err := fn(t); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// reconTx implements reconcile.Tx over one sql.Tx.
type reconTx struct {
	tx *sql.Tx
}

// resolveMessageID maps whichever id the event carries to the provider
// message id the log is keyed by. Webhook events carry the provider's id;
// tracking links carry our internal message id. Unknown ids pass through
// unchanged so the guarded UPDATE below affects zero rows.
func (t *reconTx) resolveMessageID(ctx context.Context, id string) (string, error) {
	var pid sql.NullString
	err := t.tx.QueryRowContext(ctx, `
		SELECT provider_message_id FROM message_log
		WHERE provider_message_id = $1 OR message_id = $1
	`, id).Scan(&pid)
	switch {
	case err == sql.ErrNoRows:
		return id, nil
	case err != nil:
		return "", fmt.Errorf("resolve message id: %w", err)
	case !pid.Valid:
		return id, nil
	}
	return pid.String, nil
}

func (t *reconTx) InsertDedup(ctx context.Context, key string, firstSeen time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO webhook_dedup (dedup_key, first_seen_at)
		VALUES ($1, $2)
		ON CONFLICT (dedup_key) DO NOTHING
	`, key, firstSeen)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// statusRankSQL orders statuses inside the update guard; it mirrors
// domain.MessageStatus.Rank.
const statusRankSQL = `CASE %s
	WHEN 'sent' THEN 1
	WHEN 'delivered' THEN 2
	WHEN 'opened' THEN 3
	WHEN 'clicked' THEN 4
	WHEN 'bounced' THEN 5
	WHEN 'failed' THEN 5
	ELSE 0 END`

func (t *reconTx) UpdateStatusIfNotRegressed(ctx context.Context, providerMessageID string, status domain.MessageStatus, at time.Time) error {
	resolved, err := t.resolveMessageID(ctx, providerMessageID)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		UPDATE message_log
		SET status = $2, status_at = $3, updated_at = NOW()
		WHERE provider_message_id = $1
		  AND status NOT IN ('bounced', 'failed')
		  AND `+statusRankSQL+` < `+statusRankSQL,
		"status", "$2")
	_, err = t.tx.ExecContext(ctx, query, resolved, string(status), at)
	return err
}

func (t *reconTx) InsertTrackingDetail(ctx context.Context, d *domain.TrackingDetail) error {
	resolved, err := t.resolveMessageID(ctx, d.ProviderMessageID)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO tracking_details
		(id, provider_message_id, event_type, url, ip_address, user_agent, location, is_bot, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, d.ID, resolved, string(d.EventType), d.URL, d.IPAddress, d.UserAgent, d.Location, d.IsBot, d.OccurredAt)
	return err
}

func (t *reconTx) SetRecipientStatus(ctx context.Context, email string, status domain.RecipientStatus) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE recipients SET status = $2, updated_at = NOW() WHERE email = $1
	`, email, string(status))
	return err
}
