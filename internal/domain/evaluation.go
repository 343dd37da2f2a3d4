package domain

import (
	"time"
)

// LayerName identifies one scoring layer.
type LayerName string

const (
	LayerRules LayerName = "rule_engine"
	LayerFraud LayerName = "fraud_detector"
	LayerRisk  LayerName = "risk_assessor"
)

// LayerStatus reports how completely a layer ran.
type LayerStatus string

const (
	StatusOK       LayerStatus = "OK"
	StatusDegraded LayerStatus = "DEGRADED"
	StatusFailed   LayerStatus = "FAILED"
)

// LayerResult is the output of one scoring layer.
// Score is always in [0,1]; its meaning is layer-specific.
type LayerResult struct {
	Layer      LayerName   `json:"layer"`
	Status     LayerStatus `json:"status"`
	Score      float64     `json:"score"`
	Flags      []string    `json:"flags,omitempty"`
	Reasons    []string    `json:"reasons,omitempty"`
	DurationMs int64       `json:"durationMs"`

	Coverage *CoverageAnalysis `json:"coverageAnalysis,omitempty"`
	Fraud    *FraudAnalysis    `json:"fraudAnalysis,omitempty"`
	Risk     *RiskAnalysis     `json:"riskAnalysis,omitempty"`
}

// Failed builds a FAILED result for a layer.
func Failed(layer LayerName, reason string) LayerResult {
	return LayerResult{
		Layer:   layer,
		Status:  StatusFailed,
		Reasons: []string{reason},
	}
}

// ItemDecision is the coverage outcome of one line item.
type ItemDecision struct {
	ItemIndex   int    `json:"itemIndex"`
	ServiceCode string `json:"serviceCode"`
	Action      Action `json:"action"`

	// RuleID is empty when no rule matched and the item defaulted to REVIEW.
	RuleID   string `json:"ruleId,omitempty"`
	Priority int    `json:"priority"`
	Critical bool   `json:"critical"`
}

// CoverageAnalysis tallies item decisions.
// Covered + Denied + RequiresReview always equals TotalItems.
type CoverageAnalysis struct {
	Covered        int            `json:"covered"`
	Denied         int            `json:"denied"`
	RequiresReview int            `json:"requiresReview"`
	TotalItems     int            `json:"totalItems"`
	Items          []ItemDecision `json:"items"`
}

// RiskLevel buckets a [0,1] score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// LevelFor maps a score onto LOW (<0.33), MEDIUM (<0.66) or HIGH.
func LevelFor(score float64) RiskLevel {
	switch {
	case score < 0.33:
		return RiskLow
	case score < 0.66:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// RedFlag is raised when a fraud metric reaches its rule threshold.
type RedFlag struct {
	RuleID       string      `json:"ruleId"`
	Pattern      PatternType `json:"pattern"`
	Metric       float64     `json:"metric"`
	Threshold    float64     `json:"threshold"`
	Severity     float64     `json:"severity"`
	Contribution float64     `json:"contribution"` // threshold * severity
}

// ProviderPattern describes one observed provider metric.
type ProviderPattern struct {
	Pattern     PatternType `json:"pattern"`
	Metric      float64     `json:"metric"`
	Description string      `json:"description"`
}

// FraudAnalysis is the detail attached to the fraud layer result.
type FraudAnalysis struct {
	ProviderID       string            `json:"providerId"`
	RiskLevel        RiskLevel         `json:"riskLevel"`
	RedFlags         []RedFlag         `json:"redFlags,omitempty"`
	ProviderPatterns []ProviderPattern `json:"providerPatterns,omitempty"`
}

// RiskDriver shows how one parameter contributed to the overall risk.
type RiskDriver struct {
	ParameterID  string     `json:"parameterId"`
	Factor       RiskFactor `json:"factor"`
	Weight       float64    `json:"weight"`
	SubScore     float64    `json:"subScore"`
	Contribution float64    `json:"contribution"` // weight * subScore
}

// RiskAnalysis is the detail attached to the risk layer result.
type RiskAnalysis struct {
	BilledTotal         float64      `json:"billedTotal"`
	AmountAtRisk        float64      `json:"amountAtRisk"`
	CoverageProbability float64      `json:"coverageProbability"`
	ClinicalRisk        float64      `json:"clinicalRisk"`
	RiskLevel           RiskLevel    `json:"riskLevel"`
	Drivers             []RiskDriver `json:"drivers,omitempty"`
}

// Recommendation is the final adjudication outcome.
type Recommendation string

const (
	RecommendApproved       Recommendation = "APPROVED"
	RecommendRejected       Recommendation = "REJECTED"
	RecommendRequiresReview Recommendation = "REQUIRES_REVIEW"
)

// Decision is the merged adjudication result for one claim.
type Decision struct {
	ID              string           `json:"id"`
	ClaimID         string           `json:"claimId"`
	Recommendation  Recommendation   `json:"recommendation"`
	Confidence      float64          `json:"confidence"`
	Reasoning       []string         `json:"reasoning"`
	Layers          DecisionLayers   `json:"layers"`
	EvaluatedAt     time.Time        `json:"evaluatedAt"`
	SnapshotVersion int64            `json:"snapshotVersion"`
	Metadata        DecisionMetadata `json:"metadata"`
}

// DecisionLayers holds the three layer results in evaluation order.
type DecisionLayers struct {
	Rules LayerResult `json:"rules"`
	Fraud LayerResult `json:"fraud"`
	Risk  LayerResult `json:"risk"`
}

// All returns the layer results in evaluation order.
func (l DecisionLayers) All() []LayerResult {
	return []LayerResult{l.Rules, l.Fraud, l.Risk}
}

// DecisionMetadata contains processing information.
type DecisionMetadata struct {
	TraceID       string `json:"traceId,omitempty"`
	PolicyStep    string `json:"policyStep"`
	RulesMs       int64  `json:"rulesMs"`
	FraudMs       int64  `json:"fraudMs"`
	RiskMs        int64  `json:"riskMs"`
	DecisionMs    int64  `json:"decisionMs"`
	TotalMs       int64  `json:"totalMs"`
	EngineVersion string `json:"engineVersion"`
}
