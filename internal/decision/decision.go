// Package decision merges layer results into a final claim decision.
//
// The merge policy is applied in a fixed order:
//
//  1. a DENY from a critical-priority rule rejects the claim
//  2. a HIGH fraud risk level requires review
//  3. any DEGRADED or FAILED layer requires review
//  4. otherwise the blended confidence decides
package decision

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/snapshot"
)

// EngineVersion is reported in decision metadata.
const EngineVersion = "kestrel-1.0"

// Policy steps recorded in decision metadata.
const (
	StepCriticalOverride   = "critical_override"
	StepFraudHigh          = "fraud_high"
	StepIncompleteEvidence = "incomplete_evidence"
	StepBlendedApprove     = "blended_approve"
	StepBlendedReject      = "blended_reject"
	StepBlendedReview      = "blended_review"
)

// Synthesizer produces decisions from layer results.
type Synthesizer struct{}

// NewSynthesizer creates a new synthesizer.
func NewSynthesizer() *Synthesizer {
	return &Synthesizer{}
}

// Input contains all data needed for a decision.
type Input struct {
	ClaimID   string
	TraceID   string
	Snapshot  *snapshot.Snapshot
	Layers    domain.DecisionLayers
	StartTime time.Time
}

// Process applies the merge policy and assembles the decision.
func (s *Synthesizer) Process(ctx context.Context, in *Input) *domain.Decision {
	start := time.Now()
	tunables := in.Snapshot.Tunables()
	layers := in.Layers

	d := &domain.Decision{
		ID:              uuid.New().String(),
		ClaimID:         in.ClaimID,
		Layers:          layers,
		EvaluatedAt:     time.Now().UTC(),
		SnapshotVersion: in.Snapshot.Version(),
	}

	d.Reasoning = append(d.Reasoning, ruleReasons(layers.Rules)...)
	d.Reasoning = append(d.Reasoning, fraudReasons(layers.Fraud)...)
	d.Reasoning = append(d.Reasoning, riskReasons(layers.Risk)...)

	blended := Blended(layers)
	var step, why string

	switch critical := criticalDeny(layers.Rules); {
	case critical != nil:
		step = StepCriticalOverride
		why = fmt.Sprintf("priority-%d DENY from %s on item %d", critical.Priority, critical.RuleID, critical.ItemIndex)
		d.Recommendation = domain.RecommendRejected
		d.Confidence = tunables.CriticalOverrideConfidence

	case fraudHigh(layers.Fraud):
		step = StepFraudHigh
		why = fmt.Sprintf("fraud risk level HIGH (score %.2f)", layers.Fraud.Score)
		d.Recommendation = domain.RecommendRequiresReview
		d.Confidence = blended

	case !complete(layers):
		step = StepIncompleteEvidence
		why = "incomplete evidence: " + statusSummary(layers)
		d.Recommendation = domain.RecommendRequiresReview
		d.Confidence = blended

	default:
		d.Confidence = blended
		denied := 0
		if layers.Rules.Coverage != nil {
			denied = layers.Rules.Coverage.Denied
		}

		switch {
		case blended >= tunables.ApproveConfidence && denied == 0:
			step = StepBlendedApprove
			d.Recommendation = domain.RecommendApproved
		case blended < tunables.RejectConfidence:
			step = StepBlendedReject
			d.Recommendation = domain.RecommendRejected
		default:
			step = StepBlendedReview
			d.Recommendation = domain.RecommendRequiresReview
		}
		why = fmt.Sprintf("blended confidence %.2f (approve >= %.2f, reject < %.2f, denied items %d)",
			blended, tunables.ApproveConfidence, tunables.RejectConfidence, denied)
	}

	d.Reasoning = append(d.Reasoning, fmt.Sprintf("policy %s: %s => %s", step, why, d.Recommendation))

	d.Metadata = domain.DecisionMetadata{
		TraceID:       in.TraceID,
		PolicyStep:    step,
		RulesMs:       layers.Rules.DurationMs,
		FraudMs:       layers.Fraud.DurationMs,
		RiskMs:        layers.Risk.DurationMs,
		DecisionMs:    time.Since(start).Milliseconds(),
		EngineVersion: EngineVersion,
	}
	if !in.StartTime.IsZero() {
		d.Metadata.TotalMs = time.Since(in.StartTime).Milliseconds()
	}

	return d
}

// Blended returns 1 - max(fraud, risk, 1 - coverage), substituting the
// worst value for any layer that is not OK.
func Blended(layers domain.DecisionLayers) float64 {
	coverage, fraud, risk := 0.0, 1.0, 1.0
	if layers.Rules.Status == domain.StatusOK {
		coverage = layers.Rules.Score
	}
	if layers.Fraud.Status == domain.StatusOK {
		fraud = layers.Fraud.Score
	}
	if layers.Risk.Status == domain.StatusOK {
		risk = layers.Risk.Score
	}

	worst := math.Max(fraud, math.Max(risk, 1-coverage))
	return math.Max(0, math.Min(1, 1-worst))
}

// NeedsReview reports whether a decision must go to a human reviewer.
func NeedsReview(d *domain.Decision) bool {
	return d.Recommendation == domain.RecommendRequiresReview
}

func criticalDeny(rules domain.LayerResult) *domain.ItemDecision {
	if rules.Coverage == nil {
		return nil
	}
	for i := range rules.Coverage.Items {
		item := &rules.Coverage.Items[i]
		if item.Action == domain.ActionDeny && item.Critical {
			return item
		}
	}
	return nil
}

func fraudHigh(fraud domain.LayerResult) bool {
	return fraud.Status == domain.StatusOK && fraud.Fraud != nil && fraud.Fraud.RiskLevel == domain.RiskHigh
}

func complete(layers domain.DecisionLayers) bool {
	for _, l := range layers.All() {
		if l.Status != domain.StatusOK {
			return false
		}
	}
	return true
}

func statusSummary(layers domain.DecisionLayers) string {
	var s string
	for _, l := range layers.All() {
		if l.Status == domain.StatusOK {
			continue
		}
		if s != "" {
			s += ", "
		}
		s += fmt.Sprintf("%s %s", l.Layer, l.Status)
	}
	return s
}
