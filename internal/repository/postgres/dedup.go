package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DedupRepo maintains the webhook dedup table outside of reconciliation
// transactions. Inserts happen inside Store.InTx; this repo only prunes.
type DedupRepo struct{ db *sql.DB }

func NewDedupRepo(db *sql.DB) *DedupRepo { return &DedupRepo{db: db} }

// PruneBefore deletes dedup records first seen before the cutoff and
// returns how many rows were removed. Events older than the retention
// window can no longer be redelivered by the provider, so their records
// are dead weight.
func (r *DedupRepo) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM webhook_dedup WHERE first_seen_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune dedup: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the current dedup table size, for the stats endpoint.
func (r *DedupRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_dedup`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count dedup: %w", err)
	}
	return n, nil
}
