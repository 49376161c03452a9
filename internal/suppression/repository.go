package suppression

import (
	"context"
	"errors"

	"github.com/ignite/mailflow/internal/domain"
)

var (
	// ErrNotSuppressed is returned by Remove when no entry exists.
	ErrNotSuppressed = errors.New("email is not suppressed")
)

// Repository persists suppression entries and bounce history.
//
// Add must be an upsert that preserves the first reason: re-suppressing an
// already suppressed address is a no-op, not an overwrite.
type Repository interface {
	Add(ctx context.Context, s *domain.Suppression) error
	Remove(ctx context.Context, email string) error
	IsSuppressed(ctx context.Context, email string) (bool, error)
	Get(ctx context.Context, email string) (*domain.Suppression, error)

	BounceHistory(ctx context.Context, email string) (domain.BounceHistory, error)
	SaveBounceHistory(ctx context.Context, h domain.BounceHistory) error

	// AllEmails streams every suppressed address, for cache warm-up.
	AllEmails(ctx context.Context) ([]string, error)
}
