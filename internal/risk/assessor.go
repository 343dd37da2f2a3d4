// Package risk computes the weighted financial and clinical risk of a claim.
package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/snapshot"
)

// Coverage is the rule engine's coverage score handed to the assessor.
// OK is false when the rule engine did not produce a usable score.
type Coverage struct {
	Score float64
	OK    bool
}

// Assessor scores claims against the snapshot's risk parameters.
type Assessor struct {
	lookup SeverityLookup
}

// NewAssessor creates an assessor. A nil lookup degrades every evaluation.
func NewAssessor(lookup SeverityLookup) *Assessor {
	return &Assessor{lookup: lookup}
}

// Evaluate waits for the coverage score, then computes the weighted risk score.
func (a *Assessor) Evaluate(ctx context.Context, claim *domain.NormalizedClaim, snap *snapshot.Snapshot, coverage <-chan Coverage) domain.LayerResult {
	start := time.Now()
	tunables := snap.Tunables()

	var cov Coverage
	select {
	case c, ok := <-coverage:
		if ok {
			cov = c
		}
	case <-ctx.Done():
		return domain.Failed(domain.LayerRisk, fmt.Sprintf("waiting for coverage score: %v", ctx.Err()))
	}

	result := domain.LayerResult{
		Layer:  domain.LayerRisk,
		Status: domain.StatusOK,
	}

	probability := 0.0
	if cov.OK {
		probability = clamp(cov.Score)
	} else {
		result.Status = domain.StatusDegraded
		result.Reasons = append(result.Reasons, "coverage score unavailable, assuming no coverage")
	}

	clinical, degraded, err := a.clinicalRisk(ctx, claim, snap)
	if err != nil {
		return domain.Failed(domain.LayerRisk, err.Error())
	}
	if degraded != "" {
		result.Status = domain.StatusDegraded
		result.Reasons = append(result.Reasons, degraded)
	}

	billed := claim.BilledTotal()
	atRisk := billed * (1 - probability)

	sub := map[domain.RiskFactor]float64{
		domain.FactorFinancial:     clamp(atRisk / tunables.FinancialCeiling),
		domain.FactorClinical:      clamp(clinical),
		domain.FactorCoverageGap:   clamp(1 - probability),
		domain.FactorServiceVolume: clamp(float64(len(claim.LineItems)) / tunables.ServiceVolumeCeiling),
	}

	analysis := &domain.RiskAnalysis{
		BilledTotal:         billed,
		AmountAtRisk:        atRisk,
		CoverageProbability: probability,
		ClinicalRisk:        clinical,
	}

	score := 0.0
	for _, p := range snap.RiskParameters() {
		driver := domain.RiskDriver{
			ParameterID:  p.ID,
			Factor:       p.Factor,
			Weight:       p.Weight,
			SubScore:     sub[p.Factor],
			Contribution: p.Weight * sub[p.Factor],
		}
		analysis.Drivers = append(analysis.Drivers, driver)
		score += driver.Contribution
	}

	// Weights may sum to 1.01 within tolerance.
	result.Score = clamp(score)
	analysis.RiskLevel = domain.LevelFor(result.Score)
	result.Risk = analysis
	result.DurationMs = time.Since(start).Milliseconds()

	return result
}

// clinicalRisk averages diagnosis severities. Snapshot overrides win over the
// lookup; unknown codes use the snapshot default. The returned string is set
// when the lookup was unavailable.
func (a *Assessor) clinicalRisk(ctx context.Context, claim *domain.NormalizedClaim, snap *snapshot.Snapshot) (float64, string, error) {
	def := snap.Tunables().DefaultDiagnosisSeverity
	if len(claim.Diagnoses) == 0 {
		return def, "", nil
	}

	var degraded string
	sum := 0.0
	for _, code := range claim.Diagnoses {
		if sev, ok := snap.DiagnosisSeverity(code); ok {
			sum += sev
			continue
		}

		if a.lookup == nil {
			degraded = "diagnosis severity lookup unavailable"
			sum += def
			continue
		}

		sev, ok, err := a.lookup.Severity(ctx, code)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, "", fmt.Errorf("severity lookup interrupted: %w", ctxErr)
		}
		switch {
		case err != nil:
			degraded = fmt.Sprintf("diagnosis severity lookup failed: %v", err)
			sum += def
		case !ok:
			sum += def
		default:
			sum += clamp(sev)
		}
	}

	return sum / float64(len(claim.Diagnoses)), degraded, nil
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
