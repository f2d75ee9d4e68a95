package subscription

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/ethpandaops/warehouse/pkg/credential"
	"github.com/ethpandaops/warehouse/pkg/store"
)

// probeSuffix resembles the tail of a typical episode release name.
const probeSuffix = ".S01E02.720p.1080p"

var (
	// ErrInvalidPattern is returned for patterns that do not compile.
	ErrInvalidPattern = errors.New("invalid regular expression")

	// ErrPatternTooBroad is returned for patterns matching arbitrary names.
	ErrPatternTooBroad = errors.New("pattern is too broad")

	// ErrNotFound is returned when a subscription does not exist or is not
	// accessible to the caller.
	ErrNotFound = errors.New("invalid subscription ID")
)

// Store is the persistence required by the Service.
type Store interface {
	ListSubscriptions(ctx context.Context) ([]store.Subscription, error)
	ListSubscriptionsByUser(ctx context.Context, userID uint) ([]store.Subscription, error)
	CreateSubscription(ctx context.Context, sub *store.Subscription) error
	DeleteSubscription(ctx context.Context, id uint, ownerID *uint) (bool, error)
}

// Service manages user subscriptions.
type Service struct {
	store Store
}

// NewService creates a new subscription Service.
func NewService(s Store) *Service {
	return &Service{store: s}
}

// ValidatePattern rejects patterns that fail to compile or that match a
// random release name.
func ValidatePattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPattern, err)
	}

	token, err := credential.GeneratePassword()
	if err != nil {
		return err
	}

	if re.MatchString(token + probeSuffix) {
		return ErrPatternTooBroad
	}

	return nil
}

// ListAll returns every subscription.
func (s *Service) ListAll(ctx context.Context) ([]store.Subscription, error) {
	return s.store.ListSubscriptions(ctx)
}

// ListByUser returns the subscriptions of one user.
func (s *Service) ListByUser(
	ctx context.Context, userID uint,
) ([]store.Subscription, error) {
	return s.store.ListSubscriptionsByUser(ctx, userID)
}

// Create validates and stores a subscription for the user.
func (s *Service) Create(
	ctx context.Context, userID uint, pattern string, category *string,
) (*store.Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}

	sub := &store.Subscription{
		UserID:    userID,
		Pattern:   pattern,
		Category:  category,
		CreatedAt: time.Now(),
	}

	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	return sub, nil
}

// Delete removes a subscription. A non-nil ownerID restricts deletion to
// that user's subscriptions.
func (s *Service) Delete(ctx context.Context, id uint, ownerID *uint) error {
	deleted, err := s.store.DeleteSubscription(ctx, id, ownerID)
	if err != nil {
		return err
	}

	if !deleted {
		return ErrNotFound
	}

	return nil
}
