// Package queue holds the claim-retry discipline shared by the database-backed task queues.
package queue

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/court-crawler/internal/court"
	"github.com/JakeFAU/court-crawler/internal/metrics"
	"github.com/JakeFAU/court-crawler/internal/policy/retry"
)

// DefaultClaimRetries bounds how often a claim that lost a race is re-attempted.
const DefaultClaimRetries = 5

// ErrConflict is returned by a single claim attempt when the conditional update touched no row
// because another worker claimed the selected task first.
var ErrConflict = errors.New("claim conflict")

// ClaimFunc performs one select-then-conditionally-update claim attempt.
type ClaimFunc func(ctx context.Context) (court.Claim, error)

// Claimer retries ClaimFunc on ErrConflict with backoff.
type Claimer struct {
	retries int
	policy  retry.Policy
	logger  *zap.Logger
}

// NewClaimer builds a Claimer. Non-positive retries fall back to DefaultClaimRetries and a nil
// policy uses the default exponential policy.
func NewClaimer(retries int, policy retry.Policy, logger *zap.Logger) *Claimer {
	if retries <= 0 {
		retries = DefaultClaimRetries
	}
	if policy == nil {
		policy = retry.NewExponentialRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Claimer{retries: retries, policy: policy, logger: logger}
}

// Claim runs attempt until it wins, finds the queue empty, or fails. After retries lost races
// it returns court.ErrClaimContention, never court.ErrQueueEmpty.
func (c *Claimer) Claim(ctx context.Context, attempt ClaimFunc) (court.Claim, error) {
	for i := 1; i <= c.retries; i++ {
		claim, err := attempt(ctx)
		if err == nil {
			return claim, nil
		}
		if !errors.Is(err, ErrConflict) {
			return court.Claim{}, err
		}
		metrics.ObserveClaimConflict()
		c.logger.Debug("claim lost race", zap.Int("attempt", i))
		if i == c.retries {
			break
		}
		if err := retry.Sleep(ctx, c.policy.Backoff(i)); err != nil {
			return court.Claim{}, fmt.Errorf("claim backoff: %w", err)
		}
	}
	return court.Claim{}, fmt.Errorf("claim after %d attempts: %w", c.retries, court.ErrClaimContention)
}

// Categories expands a family filter into the category names a store query matches.
func Categories(family court.Family) []string {
	cats := court.AllCategories
	if family != "" {
		cats = family.Categories()
	}
	out := make([]string, 0, len(cats))
	for _, c := range cats {
		out = append(out, string(c))
	}
	return out
}
