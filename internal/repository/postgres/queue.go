package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ignite/mailflow/internal/domain"
)

// QueueRepo is the outbound send queue. Workers claim batches with
// FOR UPDATE SKIP LOCKED so concurrent workers never contend for the
// same rows.
type QueueRepo struct{ db *sql.DB }

func NewQueueRepo(db *sql.DB) *QueueRepo { return &QueueRepo{db: db} }

// Enqueue schedules a message for delivery.
func (r *QueueRepo) Enqueue(ctx context.Context, msg *domain.OutboundMessage, scheduledAt time.Time) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO send_queue (message_id, campaign_id, email, payload, status, attempts, scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, 'pending', 0, $5, NOW())
		ON CONFLICT (message_id) DO NOTHING
	`, msg.ID, msg.CampaignID, msg.Email, payload, scheduledAt)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// ClaimBatch atomically claims up to limit due messages and marks them
// processing. SKIP LOCKED keeps claims disjoint across workers.
func (r *QueueRepo) ClaimBatch(ctx context.Context, limit int) ([]domain.QueuedMessage, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE send_queue SET status = 'processing', locked_at = NOW()
		WHERE id IN (
			SELECT id FROM send_queue
			WHERE status = 'pending' AND scheduled_at <= NOW()
			ORDER BY scheduled_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, payload, attempts, scheduled_at
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var batch []domain.QueuedMessage
	for rows.Next() {
		var qm domain.QueuedMessage
		var id int64
		var payload []byte
		if err := rows.Scan(&id, &payload, &qm.Attempts, &qm.ScheduledAt); err != nil {
			return nil, err
		}
		qm.QueueID = strconv.FormatInt(id, 10)
		if err := json.Unmarshal(payload, &qm.Message); err != nil {
			return nil, fmt.Errorf("unmarshal queued message %s: %w", qm.QueueID, err)
		}
		batch = append(batch, qm)
	}
	return batch, rows.Err()
}

func (r *QueueRepo) MarkSent(ctx context.Context, queueID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE send_queue SET status = 'sent', completed_at = NOW(), locked_at = NULL
		WHERE id = $1
	`, queueID)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

// Requeue puts a claimed message back on the queue for a later retry.
func (r *QueueRepo) Requeue(ctx context.Context, queueID string, retryAt time.Time, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE send_queue SET status = 'pending', attempts = attempts + 1,
			scheduled_at = $2, error_message = $3, locked_at = NULL
		WHERE id = $1
	`, queueID, retryAt, lastError)
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	return nil
}

// MarkFailed records a terminal failure. The row stays for reporting.
func (r *QueueRepo) MarkFailed(ctx context.Context, queueID, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE send_queue SET status = 'failed', error_message = $2,
			completed_at = NOW(), locked_at = NULL
		WHERE id = $1
	`, queueID, lastError)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// MarkDeadLetter parks a message that exhausted its queue-level retries.
// Dead-lettered rows keep attempts and the last error for inspection.
func (r *QueueRepo) MarkDeadLetter(ctx context.Context, queueID, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE send_queue SET status = 'dead_letter', error_message = $2,
			completed_at = NOW(), locked_at = NULL
		WHERE id = $1
	`, queueID, lastError)
	if err != nil {
		return fmt.Errorf("mark dead letter: %w", err)
	}
	return nil
}

// MarkSuppressed records a send skipped by the suppression list.
func (r *QueueRepo) MarkSuppressed(ctx context.Context, queueID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE send_queue SET status = 'suppressed', completed_at = NOW(), locked_at = NULL
		WHERE id = $1
	`, queueID)
	if err != nil {
		return fmt.Errorf("mark suppressed: %w", err)
	}
	return nil
}

// ReclaimStale returns messages stuck in processing longer than maxAge
// to pending. Covers workers that died mid-batch.
func (r *QueueRepo) ReclaimStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE send_queue SET status = 'pending', locked_at = NULL
		WHERE status = 'processing' AND locked_at < $1
	`, time.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("reclaim stale: %w", err)
	}
	return res.RowsAffected()
}

// PendingCount reports how many messages are waiting to send.
func (r *QueueRepo) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM send_queue WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}
