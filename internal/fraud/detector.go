// Package fraud scores a claim against provider submission patterns.
package fraud

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/snapshot"
)

// ErrMetricsNotFound is returned by a source that has no history for a provider.
var ErrMetricsNotFound = errors.New("provider metrics not found")

// ProviderMetricsSource supplies historical provider submission metrics.
type ProviderMetricsSource interface {
	ProviderMetrics(ctx context.Context, providerID string) (*domain.ProviderMetrics, error)
}

// Detector evaluates fraud rules over provider metrics.
type Detector struct {
	source ProviderMetricsSource
}

// NewDetector creates a detector. A nil source means metrics must be supplied
// per evaluation.
func NewDetector(source ProviderMetricsSource) *Detector {
	return &Detector{source: source}
}

// Evaluate raises a red flag for every enabled fraud rule whose metric meets
// its threshold. hint, when non-nil, is used instead of the source.
func (d *Detector) Evaluate(ctx context.Context, claim *domain.NormalizedClaim, snap *snapshot.Snapshot, hint *domain.ProviderMetrics) domain.LayerResult {
	start := time.Now()

	metrics, reason := d.resolve(ctx, claim.ProviderID, hint)
	if err := ctx.Err(); err != nil {
		return domain.Failed(domain.LayerFraud, fmt.Sprintf("provider metrics lookup interrupted: %v", err))
	}
	if metrics == nil {
		return domain.LayerResult{
			Layer:      domain.LayerFraud,
			Status:     domain.StatusDegraded,
			Score:      0,
			Reasons:    []string{reason},
			DurationMs: time.Since(start).Milliseconds(),
			Fraud: &domain.FraudAnalysis{
				ProviderID: claim.ProviderID,
				RiskLevel:  domain.RiskLow,
			},
		}
	}

	tunables := snap.Tunables()
	values := Metrics(claim, metrics, tunables)

	analysis := &domain.FraudAnalysis{
		ProviderID:       claim.ProviderID,
		ProviderPatterns: describe(values, metrics),
	}
	result := domain.LayerResult{
		Layer:  domain.LayerFraud,
		Status: domain.StatusOK,
		Fraud:  analysis,
	}

	sum := 0.0
	for _, fr := range snap.FraudRules() {
		metric := values[fr.PatternType]
		if metric < fr.Threshold {
			continue
		}

		severity := snap.Severity(fr.PatternType)
		flag := domain.RedFlag{
			RuleID:       fr.ID,
			Pattern:      fr.PatternType,
			Metric:       metric,
			Threshold:    fr.Threshold,
			Severity:     severity,
			Contribution: fr.Threshold * severity,
		}
		analysis.RedFlags = append(analysis.RedFlags, flag)
		result.Flags = append(result.Flags, string(fr.PatternType)+":"+fr.ID)
		sum += flag.Contribution
	}

	result.Score = math.Min(1.0, sum)
	analysis.RiskLevel = domain.LevelFor(result.Score)
	result.DurationMs = time.Since(start).Milliseconds()

	return result
}

func (d *Detector) resolve(ctx context.Context, providerID string, hint *domain.ProviderMetrics) (*domain.ProviderMetrics, string) {
	if hint != nil {
		return hint, ""
	}
	if d.source == nil {
		return nil, "provider metrics unavailable: no metrics source configured"
	}

	metrics, err := d.source.ProviderMetrics(ctx, providerID)
	switch {
	case errors.Is(err, ErrMetricsNotFound):
		return nil, fmt.Sprintf("provider metrics missing for %s", providerID)
	case err != nil:
		return nil, fmt.Sprintf("provider metrics unavailable for %s: %v", providerID, err)
	case metrics == nil:
		return nil, fmt.Sprintf("provider metrics missing for %s", providerID)
	}
	return metrics, ""
}

// Metrics normalizes the raw provider metrics into [0,1] per pattern type.
func Metrics(claim *domain.NormalizedClaim, m *domain.ProviderMetrics, t domain.Tunables) map[domain.PatternType]float64 {
	return map[domain.PatternType]float64{
		domain.PatternFrequency:             clamp(float64(m.RecentSubmissions) / t.FrequencyCeiling),
		domain.PatternAmountOutlier:         clamp(m.AmountVariance),
		domain.PatternProviderConcentration: clamp(m.ConcentrationRatio),
		domain.PatternServiceVolume:         clamp(float64(len(claim.LineItems)) / t.ServiceVolumeCeiling),
	}
}

var patternOrder = []domain.PatternType{
	domain.PatternFrequency,
	domain.PatternAmountOutlier,
	domain.PatternProviderConcentration,
	domain.PatternServiceVolume,
}

func describe(values map[domain.PatternType]float64, m *domain.ProviderMetrics) []domain.ProviderPattern {
	out := make([]domain.ProviderPattern, 0, len(patternOrder))
	for _, p := range patternOrder {
		var desc string
		switch p {
		case domain.PatternFrequency:
			desc = fmt.Sprintf("%d submissions in the last %s", m.RecentSubmissions, time.Duration(m.WindowSecs)*time.Second)
		case domain.PatternAmountOutlier:
			desc = fmt.Sprintf("billed amount variation %.2f", m.AmountVariance)
		case domain.PatternProviderConcentration:
			desc = fmt.Sprintf("%.0f%% of submissions from one member", m.ConcentrationRatio*100)
		case domain.PatternServiceVolume:
			desc = fmt.Sprintf("service volume %.2f of ceiling", values[p])
		}
		out = append(out, domain.ProviderPattern{Pattern: p, Metric: values[p], Description: desc})
	}
	return out
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
