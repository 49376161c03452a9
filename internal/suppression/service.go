package suppression

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/pkg/logger"
)

// Service applies the suppression policy against persistent state and
// answers the dispatcher's pre-send check.
type Service struct {
	repo   Repository
	policy Policy
	cache  *Cache

	now func() time.Time
}

// NewService builds a Service. The policy's zero value uses the default
// soft bounce threshold.
func NewService(repo Repository, policy Policy) *Service {
	return &Service{
		repo:   repo,
		policy: policy,
		now:    time.Now,
	}
}

// WarmCache loads every suppressed address into an in-memory bloom cache.
// Until it is called, checks go straight to the repository.
func (s *Service) WarmCache(ctx context.Context) error {
	emails, err := s.repo.AllEmails(ctx)
	if err != nil {
		return fmt.Errorf("load suppression list: %w", err)
	}
	s.cache = NewCache(emails)
	logger.Info("suppression cache warmed", "entries", len(emails))
	return nil
}

// IsSuppressed reports whether an address must not be mailed.
//
// A cache miss is authoritative (bloom filters have no false negatives).
// A cache hit is verified against the repository because entries can be
// removed administratively after warm-up.
func (s *Service) IsSuppressed(ctx context.Context, email string) (bool, error) {
	if s.cache != nil && !s.cache.Contains(email) {
		return false, nil
	}
	return s.repo.IsSuppressed(ctx, email)
}

// RecordEvent folds a delivery event into the recipient's bounce history,
// evaluates the policy, and persists a suppression entry when the decision
// is positive. It returns the decision so callers can log or count it.
func (s *Service) RecordEvent(ctx context.Context, event *domain.DeliveryEvent) (Decision, error) {
	history, err := s.repo.BounceHistory(ctx, event.Email)
	if err != nil {
		return Decision{}, fmt.Errorf("load bounce history: %w", err)
	}

	history = NextHistory(history, event)
	if err := s.repo.SaveBounceHistory(ctx, history); err != nil {
		return Decision{}, fmt.Errorf("save bounce history: %w", err)
	}

	decision := s.policy.Evaluate(event, history)
	if !decision.Suppress {
		return decision, nil
	}

	if err := s.apply(ctx, event.Email, decision, domain.SourceWebhook, ""); err != nil {
		return decision, err
	}
	return decision, nil
}

// Suppress adds an address outside the event flow: unsubscribe links,
// manual operator action, list imports.
func (s *Service) Suppress(ctx context.Context, email string, reason domain.SuppressionReason, source domain.SuppressionSource, campaignID string) error {
	return s.apply(ctx, email, Decision{Suppress: true, Reason: reason}, source, campaignID)
}

func (s *Service) apply(ctx context.Context, email string, d Decision, source domain.SuppressionSource, campaignID string) error {
	entry := suppressionFor(email, d, source, s.now())
	entry.ID = uuid.NewString()
	entry.CampaignID = campaignID
	if err := s.repo.Add(ctx, entry); err != nil {
		return fmt.Errorf("add suppression: %w", err)
	}
	if s.cache != nil {
		s.cache.Add(email)
	}
	logger.Info("recipient suppressed",
		"email", email,
		"reason", string(d.Reason),
		"source", string(source))
	return nil
}

// Remove deletes a suppression entry. This is the explicit administrative
// path; automatic events never unsuppress. The cache keeps the address as
// a false positive until the next warm-up, which IsSuppressed tolerates by
// verifying hits against the repository.
func (s *Service) Remove(ctx context.Context, email string) error {
	if err := s.repo.Remove(ctx, email); err != nil {
		return err
	}
	logger.Info("suppression removed", "email", email)
	return nil
}
