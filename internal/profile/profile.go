// Package profile assembles read-only customer historical aggregate
// snapshots for scoring.
package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// daysPerMonth converts a monthly spending baseline into a daily estimate.
const daysPerMonth = 30.0

// epsilon guards the velocity ratio against a zero baseline.
const epsilon = 1e-9

// Service loads customer profile snapshots with a cache-aside strategy.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
	ttl   time.Duration
}

// NewService creates a profile service. The cache may be nil.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
		ttl:   5 * time.Minute,
	}
}

// GetProfile returns the customer's historical snapshot, or nil if the
// customer has no history yet.
func (s *Service) GetProfile(ctx context.Context, tenantID, customerID string) (*domain.CustomerProfile, error) {
	if tenantID == "" || customerID == "" {
		return nil, fmt.Errorf("tenantID and customerID are required")
	}

	if s.cache != nil {
		if p, err := s.cache.GetProfile(ctx, tenantID, customerID); err == nil && p != nil {
			return p, nil
		}
	}

	if s.repo == nil {
		return nil, nil
	}
	p, err := s.repo.GetProfile(ctx, tenantID, customerID)
	if errors.Is(err, domain.ErrNotFound) {
		// No history yet; scoring falls back to population baselines.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if p != nil && s.cache != nil {
		_ = s.cache.SetProfile(ctx, tenantID, customerID, p, s.ttl)
	}
	return p, nil
}

// VelocityRatio compares a day's spend against the customer's monthly
// baseline converted to a daily estimate. A zero baseline yields a very
// large ratio rather than a division error.
func VelocityRatio(dailyAmount, monthlyBaseline float64) float64 {
	dailyBaseline := monthlyBaseline / daysPerMonth
	if dailyBaseline <= 0 {
		dailyBaseline = epsilon
	}
	return dailyAmount / dailyBaseline
}

// Enrich attaches the customer profile snapshot to a feature vector and
// derives the daily velocity ratio when the upstream pipeline did not supply
// one. Enrichment happens before the vector is handed to the scorer; the
// scorer itself never mutates its input.
func (s *Service) Enrich(ctx context.Context, fv *domain.FeatureVector) error {
	if fv.Profile == nil && fv.CustomerID != "" {
		p, err := s.GetProfile(ctx, fv.TenantID, fv.CustomerID)
		if err != nil {
			return err
		}
		fv.Profile = p
	}

	if fv.Profile == nil {
		return nil
	}
	if _, have := fv.Feature("daily_velocity_ratio"); !have {
		if amount, okAmt := fv.Feature("amount"); okAmt {
			if fv.Features == nil {
				fv.Features = map[string]float64{}
			}
			fv.Features["daily_velocity_ratio"] = VelocityRatio(amount, fv.Profile.MonthlyBaseline)
		}
	}
	return nil
}
