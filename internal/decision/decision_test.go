package decision

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/snapshot/snapshottest"
)

func rulesLayer(items ...domain.ItemDecision) domain.LayerResult {
	cov := &domain.CoverageAnalysis{TotalItems: len(items), Items: items}
	for _, it := range items {
		switch it.Action {
		case domain.ActionApprove:
			cov.Covered++
		case domain.ActionDeny:
			cov.Denied++
		default:
			cov.RequiresReview++
		}
	}
	score := 0.0
	if len(items) > 0 {
		score = float64(cov.Covered) / float64(len(items))
	}
	return domain.LayerResult{Layer: domain.LayerRules, Status: domain.StatusOK, Score: score, Coverage: cov}
}

func approve(idx int, rule string) domain.ItemDecision {
	return domain.ItemDecision{ItemIndex: idx, ServiceCode: "99213", Action: domain.ActionApprove, RuleID: rule, Priority: 10}
}

func fraudLayer(score float64) domain.LayerResult {
	return domain.LayerResult{
		Layer: domain.LayerFraud, Status: domain.StatusOK, Score: score,
		Fraud: &domain.FraudAnalysis{ProviderID: "prv-77", RiskLevel: domain.LevelFor(score)},
	}
}

func riskLayer(score float64) domain.LayerResult {
	return domain.LayerResult{
		Layer: domain.LayerRisk, Status: domain.StatusOK, Score: score,
		Risk: &domain.RiskAnalysis{
			BilledTotal: 450, CoverageProbability: 1, RiskLevel: domain.LevelFor(score),
			Drivers: []domain.RiskDriver{{ParameterID: "rp-clinical", Factor: domain.FactorClinical, Weight: 1, SubScore: score, Contribution: score}},
		},
	}
}

func input(t *testing.T, layers domain.DecisionLayers) *Input {
	return &Input{
		ClaimID:   "clm-1001",
		TraceID:   "trace-1",
		Snapshot:  snapshottest.Default(t),
		Layers:    layers,
		StartTime: time.Now(),
	}
}

func TestScenarios(t *testing.T) {
	syn := NewSynthesizer()
	ctx := context.Background()

	t.Run("A_AllApprovedLowRisk", func(t *testing.T) {
		d := syn.Process(ctx, input(t, domain.DecisionLayers{
			Rules: rulesLayer(approve(0, "r-a"), approve(1, "r-a"), approve(2, "r-b")),
			Fraud: fraudLayer(0.1),
			Risk:  riskLayer(0.2),
		}))

		if d.Recommendation != domain.RecommendApproved {
			t.Fatalf("expected APPROVED, got %s: %v", d.Recommendation, d.Reasoning)
		}
		if d.Confidence < 0.8 {
			t.Errorf("expected confidence >= 0.8, got %v", d.Confidence)
		}
		if d.Metadata.PolicyStep != StepBlendedApprove {
			t.Errorf("expected step %s, got %s", StepBlendedApprove, d.Metadata.PolicyStep)
		}
	})

	t.Run("B_CriticalDeny", func(t *testing.T) {
		deny := domain.ItemDecision{ItemIndex: 0, ServiceCode: "15780", Action: domain.ActionDeny, RuleID: "deny-cosmetic", Priority: 0, Critical: true}
		d := syn.Process(ctx, input(t, domain.DecisionLayers{
			Rules: rulesLayer(deny),
			Fraud: fraudLayer(0),
			Risk:  riskLayer(0.1),
		}))

		if d.Recommendation != domain.RecommendRejected {
			t.Fatalf("expected REJECTED, got %s", d.Recommendation)
		}
		if !strings.Contains(strings.Join(d.Reasoning, "\n"), "deny-cosmetic") {
			t.Errorf("expected reasoning to cite deny-cosmetic: %v", d.Reasoning)
		}
		if d.Confidence != 0.95 {
			t.Errorf("expected override confidence 0.95, got %v", d.Confidence)
		}
	})

	t.Run("C_FraudHigh", func(t *testing.T) {
		d := syn.Process(ctx, input(t, domain.DecisionLayers{
			Rules: rulesLayer(approve(0, "r-a"), approve(1, "r-a")),
			Fraud: fraudLayer(0.7),
			Risk:  riskLayer(0.05),
		}))

		if d.Recommendation != domain.RecommendRequiresReview {
			t.Fatalf("expected REQUIRES_REVIEW, got %s", d.Recommendation)
		}
		if d.Metadata.PolicyStep != StepFraudHigh {
			t.Errorf("expected step %s, got %s", StepFraudHigh, d.Metadata.PolicyStep)
		}
	})

	t.Run("D_RiskTimedOut", func(t *testing.T) {
		d := syn.Process(ctx, input(t, domain.DecisionLayers{
			Rules: rulesLayer(approve(0, "r-a")),
			Fraud: fraudLayer(0),
			Risk:  domain.Failed(domain.LayerRisk, "layer risk_assessor timed out after 2s"),
		}))

		if d.Recommendation != domain.RecommendRequiresReview {
			t.Fatalf("expected REQUIRES_REVIEW, got %s", d.Recommendation)
		}
		if d.Metadata.PolicyStep != StepIncompleteEvidence {
			t.Errorf("expected step %s, got %s", StepIncompleteEvidence, d.Metadata.PolicyStep)
		}
		if d.Confidence != 0 {
			t.Errorf("expected conservative confidence 0, got %v", d.Confidence)
		}
	})
}

func TestOverridePrecedence(t *testing.T) {
	syn := NewSynthesizer()
	deny := domain.ItemDecision{ItemIndex: 1, ServiceCode: "15780", Action: domain.ActionDeny, RuleID: "deny-cosmetic", Critical: true}

	// Critical deny wins over HIGH fraud and a failed layer.
	d := syn.Process(context.Background(), input(t, domain.DecisionLayers{
		Rules: rulesLayer(approve(0, "r-a"), deny),
		Fraud: fraudLayer(0.9),
		Risk:  domain.Failed(domain.LayerRisk, "boom"),
	}))
	if d.Recommendation != domain.RecommendRejected || d.Metadata.PolicyStep != StepCriticalOverride {
		t.Errorf("expected critical override, got %s via %s", d.Recommendation, d.Metadata.PolicyStep)
	}

	// A non-critical deny does not override.
	deny.Critical = false
	deny.Priority = 5
	d = syn.Process(context.Background(), input(t, domain.DecisionLayers{
		Rules: rulesLayer(approve(0, "r-a"), deny),
		Fraud: fraudLayer(0),
		Risk:  riskLayer(0),
	}))
	if d.Recommendation == domain.RecommendApproved || d.Metadata.PolicyStep == StepCriticalOverride {
		t.Errorf("non-critical deny produced %s via %s", d.Recommendation, d.Metadata.PolicyStep)
	}
}

func TestNeverApprovedOnIncompleteEvidence(t *testing.T) {
	syn := NewSynthesizer()
	statuses := []domain.LayerStatus{domain.StatusOK, domain.StatusDegraded, domain.StatusFailed}

	for _, rs := range statuses {
		for _, fs := range statuses {
			for _, ks := range statuses {
				if rs == domain.StatusOK && fs == domain.StatusOK && ks == domain.StatusOK {
					continue
				}
				layers := domain.DecisionLayers{
					Rules: rulesLayer(approve(0, "r-a")),
					Fraud: fraudLayer(0),
					Risk:  riskLayer(0),
				}
				layers.Rules.Status = rs
				layers.Fraud.Status = fs
				layers.Risk.Status = ks

				d := syn.Process(context.Background(), input(t, layers))
				if d.Recommendation == domain.RecommendApproved {
					t.Errorf("APPROVED with statuses %s/%s/%s", rs, fs, ks)
				}
				if d.Confidence < 0 || d.Confidence > 1 {
					t.Errorf("confidence %v out of range", d.Confidence)
				}
			}
		}
	}
}

func TestBlendedThresholds(t *testing.T) {
	syn := NewSynthesizer()

	cases := []struct {
		name string
		risk float64
		want domain.Recommendation
	}{
		{"Approve", 0.1, domain.RecommendApproved},
		{"Review", 0.3, domain.RecommendRequiresReview},
		{"Reject", 0.65, domain.RecommendRejected},
		{"ApproveAtThreshold", 0.2, domain.RecommendApproved},
		{"ReviewJustBelowApprove", 0.2000001, domain.RecommendRequiresReview},
		{"ReviewAtRejectThreshold", 0.6, domain.RecommendRequiresReview},
		{"RejectJustBelowThreshold", 0.6000001, domain.RecommendRejected},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := syn.Process(context.Background(), input(t, domain.DecisionLayers{
				Rules: rulesLayer(approve(0, "r-a")),
				Fraud: fraudLayer(0),
				Risk:  riskLayer(tc.risk),
			}))
			if d.Recommendation != tc.want {
				t.Errorf("expected %s, got %s (confidence %v)", tc.want, d.Recommendation, d.Confidence)
			}
		})
	}

	t.Run("LowCoverageRejects", func(t *testing.T) {
		review := domain.ItemDecision{ItemIndex: 1, ServiceCode: "J3490", Action: domain.ActionReview, Priority: -1}
		d := syn.Process(context.Background(), input(t, domain.DecisionLayers{
			Rules: rulesLayer(review, review, review, approve(3, "r-a")),
			Fraud: fraudLayer(0),
			Risk:  riskLayer(0),
		}))
		if d.Recommendation != domain.RecommendRejected {
			t.Errorf("expected REJECTED at coverage 0.25, got %s", d.Recommendation)
		}
	})
}

func TestReasoningOrder(t *testing.T) {
	syn := NewSynthesizer()
	fraud := fraudLayer(0.15)
	fraud.Fraud.RedFlags = []domain.RedFlag{{RuleID: "fr-frequency", Pattern: domain.PatternFrequency, Metric: 0.75, Threshold: 0.5, Severity: 0.3, Contribution: 0.15}}

	layers := domain.DecisionLayers{
		Rules: rulesLayer(approve(0, "approve-office-visit")),
		Fraud: fraud,
		Risk:  riskLayer(0.1),
	}

	first := syn.Process(context.Background(), input(t, layers))
	second := syn.Process(context.Background(), input(t, layers))

	if !reflect.DeepEqual(first.Reasoning, second.Reasoning) || first.Recommendation != second.Recommendation {
		t.Fatalf("decisions differ:\n%v\n%v", first.Reasoning, second.Reasoning)
	}

	joined := strings.Join(first.Reasoning, "\n")
	iRule := strings.Index(joined, "approve-office-visit")
	iFlag := strings.Index(joined, "fr-frequency")
	iDriver := strings.Index(joined, "rp-clinical")
	iPolicy := strings.Index(joined, "policy ")
	if !(iRule < iFlag && iFlag < iDriver && iDriver < iPolicy) {
		t.Errorf("reasoning out of layer order: %v", first.Reasoning)
	}
	if first.SnapshotVersion != 1 {
		t.Errorf("expected snapshot version 1, got %d", first.SnapshotVersion)
	}
}
