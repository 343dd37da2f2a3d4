// Package snapshottest provides a reference policy bundle for tests.
package snapshottest

import (
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/snapshot"
)

// Bundle returns a small, valid policy:
//
//	deny-cosmetic        p0  DENY    service_code in [15780, 15781]
//	review-high-cost     p5  REVIEW  billed_amount >= 20000
//	approve-office-visit p10 APPROVE service_code in [99213, 99214, 99215]
//	approve-knee         p20 APPROVE service_code == 27447
//	approve-lab          p20 APPROVE service_code in [80053, 85025]
//	approve-x-disabled   p1  APPROVE (disabled, matches everything)
func Bundle() domain.PolicyBundle {
	highCost := 20000.0
	return domain.PolicyBundle{
		Rules: []domain.Rule{
			{
				ID: "deny-cosmetic", Name: "Cosmetic procedures", Priority: 0, Enabled: true,
				Action:    domain.ActionDeny,
				Condition: domain.Condition{{Kind: domain.ClauseIn, Field: domain.FieldServiceCode, Values: []string{"15780", "15781"}}},
			},
			{
				ID: "review-high-cost", Name: "High cost item", Priority: 5, Enabled: true,
				Action:    domain.ActionReview,
				Condition: domain.Condition{{Kind: domain.ClauseRange, Field: domain.FieldBilledAmount, Min: &highCost}},
			},
			{
				ID: "approve-office-visit", Name: "Office visits", Priority: 10, Enabled: true,
				Action:    domain.ActionApprove,
				Condition: domain.Condition{{Kind: domain.ClauseIn, Field: domain.FieldServiceCode, Values: []string{"99213", "99214", "99215"}}},
			},
			{
				ID: "approve-knee", Name: "Knee arthroplasty", Priority: 20, Enabled: true,
				Action:    domain.ActionApprove,
				Condition: domain.Condition{{Kind: domain.ClauseEquals, Field: domain.FieldServiceCode, Value: "27447"}},
			},
			{
				ID: "approve-lab", Name: "Routine labs", Priority: 20, Enabled: true,
				Action:    domain.ActionApprove,
				Condition: domain.Condition{{Kind: domain.ClauseIn, Field: domain.FieldServiceCode, Values: []string{"80053", "85025"}}},
			},
			{
				ID: "approve-x-disabled", Name: "Disabled catch-all", Priority: 1, Enabled: false,
				Action: domain.ActionApprove,
			},
		},
		FraudRules: []domain.FraudRule{
			{ID: "fr-frequency", Name: "Submission frequency", PatternType: domain.PatternFrequency, Threshold: 0.5, Enabled: true},
			{ID: "fr-outlier", Name: "Amount outlier", PatternType: domain.PatternAmountOutlier, Threshold: 0.6, Enabled: true},
			{ID: "fr-concentration", Name: "Member concentration", PatternType: domain.PatternProviderConcentration, Threshold: 0.7, Enabled: true},
			{ID: "fr-volume", Name: "Service volume", PatternType: domain.PatternServiceVolume, Threshold: 0.9, Enabled: true},
		},
		RiskParameters: []domain.RiskParameter{
			{ID: "rp-financial", Name: "Financial exposure", Factor: domain.FactorFinancial, Weight: 0.4, Enabled: true},
			{ID: "rp-clinical", Name: "Clinical severity", Factor: domain.FactorClinical, Weight: 0.3, Enabled: true},
			{ID: "rp-gap", Name: "Coverage gap", Factor: domain.FactorCoverageGap, Weight: 0.2, Enabled: true},
			{ID: "rp-volume", Name: "Service volume", Factor: domain.FactorServiceVolume, Weight: 0.1, Enabled: true},
		},
	}
}

// Build builds the bundle at the given version with default tunables.
func Build(t testing.TB, version int64, bundle domain.PolicyBundle) *snapshot.Snapshot {
	t.Helper()
	snap, err := snapshot.Build(version, bundle, domain.DefaultTunables())
	if err != nil {
		t.Fatalf("failed to build snapshot: %v", err)
	}
	return snap
}

// Default builds the reference bundle at version 1.
func Default(t testing.TB) *snapshot.Snapshot {
	t.Helper()
	return Build(t, 1, Bundle())
}

// Claim returns a valid three-item claim covered entirely by APPROVE rules.
func Claim() *domain.NormalizedClaim {
	return &domain.NormalizedClaim{
		ID:         "clm-1001",
		Currency:   "USD",
		Amount:     450,
		ProviderID: "prv-77",
		MemberID:   "mbr-12",
		Diagnoses:  []string{"E11.9", "I10"},
		LineItems: []domain.LineItem{
			{Index: 0, ServiceCode: "99213", BilledAmount: 150, DiagnosisRefs: []string{"E11.9"}},
			{Index: 1, ServiceCode: "80053", BilledAmount: 120, DiagnosisRefs: []string{"E11.9"}},
			{Index: 2, ServiceCode: "85025", BilledAmount: 180, DiagnosisRefs: []string{"I10"}},
		},
	}
}
