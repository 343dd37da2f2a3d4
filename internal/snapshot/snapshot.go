// Package snapshot builds immutable, versioned views of the policy configuration.
//
// A Snapshot is taken once per evaluation and shared read-only across the
// analysis layers. Nothing in this package mutates a Snapshot after Build.
package snapshot

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/condition"
	"github.com/opensource-finance/kestrel/internal/domain"
)

const component = "snapshot"

var compiler = sync.OnceValues(condition.NewCompiler)

// CompiledRule is an enabled coverage rule with its condition compiled.
type CompiledRule struct {
	Rule     domain.Rule
	Program  *condition.Program
	Critical bool
}

// Snapshot is an immutable configuration version.
type Snapshot struct {
	version    int64
	builtAt    time.Time
	rules      []CompiledRule
	fraudRules []domain.FraudRule
	riskParams []domain.RiskParameter
	tunables   domain.Tunables
	severities map[string]float64
}

// Build validates the bundle and produces a snapshot at the given version.
// Disabled entries are dropped. Malformed definitions yield a
// *domain.ValidationError; inconsistent configurations yield a
// *domain.ConfigurationError.
func Build(version int64, bundle domain.PolicyBundle, tunables domain.Tunables) (*Snapshot, error) {
	if version <= 0 {
		return nil, domain.NewConfigurationError(component, "version must be positive, got %d", version)
	}
	if err := ValidateTunables(tunables); err != nil {
		return nil, err
	}

	rules, err := compileRules(bundle.Rules, tunables.CriticalPriority)
	if err != nil {
		return nil, err
	}

	fraudRules, err := enabledFraudRules(bundle.FraudRules)
	if err != nil {
		return nil, err
	}

	riskParams, err := enabledRiskParameters(bundle.RiskParameters)
	if err != nil {
		return nil, err
	}

	severities := make(map[string]float64, len(bundle.Severities))
	for code, sev := range bundle.Severities {
		if !unit(sev) {
			return nil, domain.NewConfigurationError(component, "severity for %s must be within [0,1], got %v", code, sev)
		}
		severities[strings.ToUpper(strings.TrimSpace(code))] = sev
	}

	severity := make(map[domain.PatternType]float64, len(tunables.Severity))
	for k, v := range tunables.Severity {
		severity[k] = v
	}
	tunables.Severity = severity

	return &Snapshot{
		version:    version,
		builtAt:    time.Now().UTC(),
		rules:      rules,
		fraudRules: fraudRules,
		riskParams: riskParams,
		tunables:   tunables,
		severities: severities,
	}, nil
}

// WithVersion returns a copy of the snapshot renumbered to version. The copy
// shares the compiled rules, which are never mutated.
func (s *Snapshot) WithVersion(version int64) (*Snapshot, error) {
	if version <= 0 {
		return nil, domain.NewConfigurationError(component, "version must be positive, got %d", version)
	}
	cp := *s
	cp.version = version
	cp.builtAt = time.Now().UTC()
	return &cp, nil
}

// Version returns the monotonic snapshot version.
func (s *Snapshot) Version() int64 { return s.version }

// BuiltAt returns when the snapshot was built.
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// Rules returns enabled coverage rules sorted by (priority, id).
// The slice is shared and must not be modified.
func (s *Snapshot) Rules() []CompiledRule { return s.rules }

// FraudRules returns enabled fraud rules sorted by id.
// The slice is shared and must not be modified.
func (s *Snapshot) FraudRules() []domain.FraudRule { return s.fraudRules }

// RiskParameters returns enabled risk parameters sorted by id.
// The slice is shared and must not be modified.
func (s *Snapshot) RiskParameters() []domain.RiskParameter { return s.riskParams }

// Tunables returns the thresholds and ceilings in effect.
func (s *Snapshot) Tunables() domain.Tunables { return s.tunables }

// Threshold returns the threshold of the enabled fraud rule for a pattern.
func (s *Snapshot) Threshold(pattern domain.PatternType) (float64, bool) {
	for _, fr := range s.fraudRules {
		if fr.PatternType == pattern {
			return fr.Threshold, true
		}
	}
	return 0, false
}

// Severity returns the pattern severity multiplier.
func (s *Snapshot) Severity(pattern domain.PatternType) float64 {
	return s.tunables.Severity[pattern]
}

// DiagnosisSeverity returns a configured override for a diagnosis code.
func (s *Snapshot) DiagnosisSeverity(code string) (float64, bool) {
	sev, ok := s.severities[strings.ToUpper(strings.TrimSpace(code))]
	return sev, ok
}

// Summary is the JSON view of a snapshot used by the admin API and CLI.
type Summary struct {
	Version        int64                  `json:"version"`
	BuiltAt        time.Time              `json:"builtAt"`
	Rules          []domain.Rule          `json:"rules"`
	FraudRules     []domain.FraudRule     `json:"fraudRules"`
	RiskParameters []domain.RiskParameter `json:"riskParameters"`
	Tunables       domain.Tunables        `json:"tunables"`
}

// Summary returns a JSON-friendly copy of the snapshot contents.
func (s *Snapshot) Summary() Summary {
	rules := make([]domain.Rule, 0, len(s.rules))
	for _, cr := range s.rules {
		rules = append(rules, cr.Rule)
	}
	return Summary{
		Version:        s.version,
		BuiltAt:        s.builtAt,
		Rules:          rules,
		FraudRules:     append([]domain.FraudRule(nil), s.fraudRules...),
		RiskParameters: append([]domain.RiskParameter(nil), s.riskParams...),
		Tunables:       s.tunables,
	}
}

// ValidateRule checks a single coverage rule definition, including its condition.
func ValidateRule(r *domain.Rule) error {
	c, err := compiler()
	if err != nil {
		return &domain.ConfigurationError{Component: component, Message: "condition compiler unavailable", Err: err}
	}
	_, err = compileRule(c, r)
	return err
}

// compileRule validates a rule definition and returns its compiled condition.
// Disabled rules are compiled too so a bad condition is caught before the rule
// is switched on.
func compileRule(c *condition.Compiler, r *domain.Rule) (*condition.Program, error) {
	if r == nil {
		return nil, domain.NewValidationError("rule", "is required")
	}
	if strings.TrimSpace(r.ID) == "" {
		return nil, domain.NewValidationError("id", "is required")
	}
	if !r.Action.Valid() {
		return nil, domain.NewValidationError("action", "unknown action %q", r.Action)
	}
	if r.Priority < 0 {
		return nil, domain.NewValidationError("priority", "must not be negative")
	}

	program, err := c.Compile(r.Condition)
	if err != nil {
		return nil, &domain.ConfigurationError{Component: component, Message: fmt.Sprintf("rule %s", r.ID), Err: err}
	}
	return program, nil
}

// ValidateFraudRule checks a single fraud rule definition.
func ValidateFraudRule(r *domain.FraudRule) error {
	if r == nil {
		return domain.NewValidationError("fraudRule", "is required")
	}
	if strings.TrimSpace(r.ID) == "" {
		return domain.NewValidationError("id", "is required")
	}
	if !r.PatternType.Valid() {
		return domain.NewValidationError("patternType", "unknown pattern %q", r.PatternType)
	}
	if !unit(r.Threshold) {
		return domain.NewValidationError("threshold", "must be within [0,1], got %v", r.Threshold)
	}
	return nil
}

// ValidateRiskParameter checks a single risk parameter definition.
func ValidateRiskParameter(p *domain.RiskParameter) error {
	if p == nil {
		return domain.NewValidationError("riskParameter", "is required")
	}
	if strings.TrimSpace(p.ID) == "" {
		return domain.NewValidationError("id", "is required")
	}
	if !p.Factor.Valid() {
		return domain.NewValidationError("factor", "unknown risk factor %q", p.Factor)
	}
	if !unit(p.Weight) {
		return domain.NewValidationError("weight", "must be within [0,1], got %v", p.Weight)
	}
	return nil
}

// ValidateTunables checks thresholds, severities and ceilings.
func ValidateTunables(t domain.Tunables) error {
	for pattern, sev := range t.Severity {
		if !pattern.Valid() {
			return domain.NewConfigurationError(component, "severity for unknown pattern %q", pattern)
		}
		if !unit(sev) {
			return domain.NewConfigurationError(component, "severity for %s must be within [0,1], got %v", pattern, sev)
		}
	}
	if !unit(t.ApproveConfidence) || t.ApproveConfidence == 0 {
		return domain.NewConfigurationError(component, "approve confidence must be within (0,1], got %v", t.ApproveConfidence)
	}
	if !unit(t.RejectConfidence) || t.RejectConfidence >= t.ApproveConfidence {
		return domain.NewConfigurationError(component, "reject confidence %v must be within [0,%v)", t.RejectConfidence, t.ApproveConfidence)
	}
	if !unit(t.CriticalOverrideConfidence) {
		return domain.NewConfigurationError(component, "critical override confidence must be within [0,1], got %v", t.CriticalOverrideConfidence)
	}
	if t.CriticalPriority < 0 {
		return domain.NewConfigurationError(component, "critical priority must not be negative")
	}
	for name, ceiling := range map[string]float64{
		"frequency ceiling":      t.FrequencyCeiling,
		"service volume ceiling": t.ServiceVolumeCeiling,
		"financial ceiling":      t.FinancialCeiling,
	} {
		if !(ceiling > 0) || math.IsInf(ceiling, 0) {
			return domain.NewConfigurationError(component, "%s must be positive, got %v", name, ceiling)
		}
	}
	if !unit(t.DefaultDiagnosisSeverity) {
		return domain.NewConfigurationError(component, "default diagnosis severity must be within [0,1], got %v", t.DefaultDiagnosisSeverity)
	}
	if t.LayerTimeout <= 0 {
		return domain.NewConfigurationError(component, "layer timeout must be positive, got %s", t.LayerTimeout)
	}
	return nil
}

// ValidateWeights checks that enabled risk weights sum to 1.0 within tolerance.
func ValidateWeights(params []domain.RiskParameter) error {
	sum := 0.0
	enabled := 0
	for _, p := range params {
		if p.Enabled {
			sum += p.Weight
			enabled++
		}
	}
	if enabled == 0 {
		return domain.NewConfigurationError(component, "at least one risk parameter must be enabled")
	}
	if math.Abs(sum-1.0) > domain.WeightTolerance {
		return domain.NewConfigurationError(component, "enabled risk weights sum to %.4f, want 1.0", sum)
	}
	return nil
}

func compileRules(defs []domain.Rule, criticalPriority int) ([]CompiledRule, error) {
	c, err := compiler()
	if err != nil {
		return nil, &domain.ConfigurationError{Component: component, Message: "condition compiler unavailable", Err: err}
	}

	seen := make(map[string]bool, len(defs))
	out := make([]CompiledRule, 0, len(defs))
	for i := range defs {
		r := defs[i]
		if seen[r.ID] {
			return nil, domain.NewValidationError("id", "duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true

		program, err := compileRule(c, &r)
		if err != nil {
			return nil, err
		}
		if !r.Enabled {
			continue
		}
		out = append(out, CompiledRule{
			Rule:     r,
			Program:  program,
			Critical: r.Priority == criticalPriority,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Rule.Priority != out[j].Rule.Priority {
			return out[i].Rule.Priority < out[j].Rule.Priority
		}
		return out[i].Rule.ID < out[j].Rule.ID
	})
	return out, nil
}

func enabledFraudRules(defs []domain.FraudRule) ([]domain.FraudRule, error) {
	seen := make(map[string]bool, len(defs))
	patterns := make(map[domain.PatternType]string)
	out := make([]domain.FraudRule, 0, len(defs))
	for i := range defs {
		r := defs[i]
		if seen[r.ID] {
			return nil, domain.NewValidationError("id", "duplicate fraud rule id %q", r.ID)
		}
		seen[r.ID] = true

		if err := ValidateFraudRule(&r); err != nil {
			return nil, err
		}
		if !r.Enabled {
			continue
		}
		if other, ok := patterns[r.PatternType]; ok {
			return nil, domain.NewConfigurationError(component, "fraud rules %s and %s both enable pattern %s", other, r.ID, r.PatternType)
		}
		patterns[r.PatternType] = r.ID
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func enabledRiskParameters(defs []domain.RiskParameter) ([]domain.RiskParameter, error) {
	seen := make(map[string]bool, len(defs))
	for i := range defs {
		if seen[defs[i].ID] {
			return nil, domain.NewValidationError("id", "duplicate risk parameter id %q", defs[i].ID)
		}
		seen[defs[i].ID] = true
		if err := ValidateRiskParameter(&defs[i]); err != nil {
			return nil, err
		}
	}
	if err := ValidateWeights(defs); err != nil {
		return nil, err
	}

	out := make([]domain.RiskParameter, 0, len(defs))
	for _, p := range defs {
		if p.Enabled {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func unit(v float64) bool {
	return v >= 0 && v <= 1
}
