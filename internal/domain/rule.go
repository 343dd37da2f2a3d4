package domain

import "time"

// Action is the outcome a coverage rule assigns to a line item.
type Action string

const (
	ActionApprove Action = "APPROVE"
	ActionDeny    Action = "DENY"
	ActionReview  Action = "REVIEW"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionApprove, ActionDeny, ActionReview:
		return true
	}
	return false
}

// Field names a line item attribute a condition clause can inspect.
type Field string

const (
	FieldServiceCode  Field = "service_code"
	FieldBilledAmount Field = "billed_amount"
	FieldItemIndex    Field = "item_index"
	FieldDiagnosisRef Field = "diagnosis_ref"
)

// Numeric reports whether the field holds a number.
func (f Field) Numeric() bool {
	return f == FieldBilledAmount || f == FieldItemIndex
}

// Valid reports whether f is a known field.
func (f Field) Valid() bool {
	switch f {
	case FieldServiceCode, FieldBilledAmount, FieldItemIndex, FieldDiagnosisRef:
		return true
	}
	return false
}

// ClauseKind selects the variant of a condition clause.
type ClauseKind string

const (
	ClauseEquals ClauseKind = "equals"
	ClauseIn     ClauseKind = "in"
	ClauseRange  ClauseKind = "range"
)

// Clause is one test against a line item field.
//   - equals: Field == Value
//   - in:     Field is one of Values
//   - range:  Min <= Field <= Max (either bound may be omitted)
//
// For diagnosis_ref the clause matches when any referenced diagnosis passes.
type Clause struct {
	Kind   ClauseKind `json:"kind" yaml:"kind"`
	Field  Field      `json:"field" yaml:"field"`
	Value  string     `json:"value,omitempty" yaml:"value,omitempty"`
	Values []string   `json:"values,omitempty" yaml:"values,omitempty"`
	Min    *float64   `json:"min,omitempty" yaml:"min,omitempty"`
	Max    *float64   `json:"max,omitempty" yaml:"max,omitempty"`
}

// Condition is an ordered conjunction of clauses. An empty condition
// matches every line item.
type Condition []Clause

// Rule is a per-line-item coverage rule.
type Rule struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Condition   Condition `json:"condition" yaml:"condition"`
	Action      Action    `json:"action" yaml:"action"`

	// Priority orders evaluation; lower values are evaluated first.
	Priority int  `json:"priority" yaml:"priority"`
	Enabled  bool `json:"enabled" yaml:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt,omitempty" yaml:"-"`
}

// PatternType identifies the metric a fraud rule inspects.
type PatternType string

const (
	PatternFrequency             PatternType = "FREQUENCY"
	PatternAmountOutlier         PatternType = "AMOUNT_OUTLIER"
	PatternProviderConcentration PatternType = "PROVIDER_CONCENTRATION"
	PatternServiceVolume         PatternType = "SERVICE_VOLUME"
)

// Valid reports whether p is a known pattern type.
func (p PatternType) Valid() bool {
	switch p {
	case PatternFrequency, PatternAmountOutlier, PatternProviderConcentration, PatternServiceVolume:
		return true
	}
	return false
}

// FraudRule raises a red flag when its pattern metric reaches Threshold.
type FraudRule struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	PatternType PatternType `json:"patternType" yaml:"pattern_type"`
	Threshold   float64     `json:"threshold" yaml:"threshold"` // 0.0 to 1.0
	Enabled     bool        `json:"enabled" yaml:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt,omitempty" yaml:"-"`
}

// RiskFactor identifies the sub-score a risk parameter weighs.
type RiskFactor string

const (
	FactorFinancial     RiskFactor = "FINANCIAL"
	FactorClinical      RiskFactor = "CLINICAL"
	FactorCoverageGap   RiskFactor = "COVERAGE_GAP"
	FactorServiceVolume RiskFactor = "SERVICE_VOLUME"
)

// Valid reports whether f is a known risk factor.
func (f RiskFactor) Valid() bool {
	switch f {
	case FactorFinancial, FactorClinical, FactorCoverageGap, FactorServiceVolume:
		return true
	}
	return false
}

// RiskParameter weighs one risk factor in the overall risk score.
// Enabled weights must sum to 1.0 within WeightTolerance.
type RiskParameter struct {
	ID          string     `json:"id" yaml:"id"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Factor      RiskFactor `json:"factor" yaml:"factor"`
	Weight      float64    `json:"weight" yaml:"weight"` // 0.0 to 1.0
	Enabled     bool       `json:"enabled" yaml:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt,omitempty" yaml:"-"`
}

// WeightTolerance is the allowed deviation of enabled risk weights from 1.0.
const WeightTolerance = 0.01

// PolicyBundle is a complete rule and parameter configuration, as loaded
// from a policy file or the repository.
type PolicyBundle struct {
	Rules          []Rule             `json:"rules" yaml:"rules"`
	FraudRules     []FraudRule        `json:"fraudRules" yaml:"fraud_rules"`
	RiskParameters []RiskParameter    `json:"riskParameters" yaml:"risk_parameters"`
	Tunables       *Tunables          `json:"tunables,omitempty" yaml:"tunables,omitempty"`
	Severities     map[string]float64 `json:"severities,omitempty" yaml:"severities,omitempty"`
}
