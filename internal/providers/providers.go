// Package providers derives submission metrics from claim history.
package providers

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fraud"
)

// Service records evaluated claims and computes provider metrics over a
// sliding window. Computed metrics are cached for CacheTTL.
type Service struct {
	repo   domain.Repository
	cache  *cache.Typed[domain.ProviderMetrics]
	window time.Duration
	ttl    time.Duration
	now    func() time.Time
}

// NewService creates a provider history service. cache may be nil.
func NewService(repo domain.Repository, c domain.Cache, cfg domain.ProvidersConfig) *Service {
	window := time.Duration(cfg.WindowSecs) * time.Second
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	s := &Service{
		repo:   repo,
		window: window,
		ttl:    ttl,
		now:    time.Now,
	}
	if c != nil {
		s.cache = cache.NewTyped[domain.ProviderMetrics](c, MetricsKeyPrefix)
	}
	return s
}

// MetricsKeyPrefix namespaces provider metrics in the shared cache.
const MetricsKeyPrefix = "provider-metrics:"

// Record stores a claim in the provider's history and drops the provider's
// cached metrics.
func (s *Service) Record(ctx context.Context, claim *domain.NormalizedClaim) error {
	if err := s.repo.SaveClaim(ctx, claim); err != nil {
		return fmt.Errorf("failed to record claim %s: %w", claim.ID, err)
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, claim.ProviderID); err != nil {
			slog.Warn("failed to invalidate provider metrics",
				"provider_id", claim.ProviderID,
				"error", err,
			)
		}
	}
	return nil
}

// ProviderMetrics returns metrics for a provider. A provider with no claims
// in the window yields fraud.ErrMetricsNotFound.
func (s *Service) ProviderMetrics(ctx context.Context, providerID string) (*domain.ProviderMetrics, error) {
	if providerID == "" {
		return nil, fmt.Errorf("provider id is required")
	}

	if s.cache != nil {
		m, err := s.cache.Get(ctx, providerID)
		if err != nil {
			slog.Debug("provider metrics cache read failed", "provider_id", providerID, "error", err)
		} else if m != nil {
			return m, nil
		}
	}

	since := s.now().Add(-s.window)
	claims, err := s.repo.ListClaimsByProvider(ctx, providerID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load history for provider %s: %w", providerID, err)
	}
	if len(claims) == 0 {
		return nil, fmt.Errorf("%w: provider %s has no claims since %s", fraud.ErrMetricsNotFound, providerID, since.Format(time.RFC3339))
	}

	m := Compute(providerID, claims, s.window)
	m.ComputedAt = s.now().UTC()

	if s.cache != nil {
		if err := s.cache.Set(ctx, providerID, m, s.ttl); err != nil {
			slog.Warn("failed to cache provider metrics", "provider_id", providerID, "error", err)
		}
	}
	return m, nil
}

// Compute derives metrics from a provider's claims within one window.
//
// AmountVariance is the coefficient of variation of claim amounts.
// ConcentrationRatio is the share of claims belonging to the provider's most
// frequent member.
func Compute(providerID string, claims []*domain.NormalizedClaim, window time.Duration) *domain.ProviderMetrics {
	m := &domain.ProviderMetrics{
		ProviderID:        providerID,
		RecentSubmissions: int64(len(claims)),
		WindowSecs:        int(window / time.Second),
	}
	if len(claims) == 0 {
		return m
	}

	var sum float64
	members := make(map[string]int, len(claims))
	top := 0
	for _, c := range claims {
		sum += c.Amount
		members[c.MemberID]++
		if members[c.MemberID] > top {
			top = members[c.MemberID]
		}
	}

	n := float64(len(claims))
	mean := sum / n
	if mean > 0 {
		var sq float64
		for _, c := range claims {
			d := c.Amount - mean
			sq += d * d
		}
		m.AmountVariance = math.Sqrt(sq/n) / mean
	}
	m.ConcentrationRatio = float64(top) / n

	return m
}
