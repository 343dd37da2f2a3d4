package domain

import "time"

// Tunables holds the numeric policy constants that travel with a snapshot.
type Tunables struct {
	// Severity weighs each fraud pattern's contribution.
	Severity map[PatternType]float64 `json:"severity" yaml:"severity"`

	// ApproveConfidence is the blended confidence required to approve. Both
	// confidence thresholds are compared exactly, with no tolerance.
	ApproveConfidence float64 `json:"approveConfidence" yaml:"approve_confidence"`

	// RejectConfidence is the blended confidence below which a claim is rejected.
	RejectConfidence float64 `json:"rejectConfidence" yaml:"reject_confidence"`

	// CriticalPriority marks rules whose DENY is a hard override.
	CriticalPriority int `json:"criticalPriority" yaml:"critical_priority"`

	// CriticalOverrideConfidence is reported for a hard override rejection.
	CriticalOverrideConfidence float64 `json:"criticalOverrideConfidence" yaml:"critical_override_confidence"`

	// FrequencyCeiling is the submission count that normalises to 1.0.
	FrequencyCeiling float64 `json:"frequencyCeiling" yaml:"frequency_ceiling"`

	// ServiceVolumeCeiling is the line item count that normalises to 1.0.
	ServiceVolumeCeiling float64 `json:"serviceVolumeCeiling" yaml:"service_volume_ceiling"`

	// FinancialCeiling is the amount at risk that normalises to 1.0.
	FinancialCeiling float64 `json:"financialCeiling" yaml:"financial_ceiling"`

	// DefaultDiagnosisSeverity is used for codes missing from the lookup.
	DefaultDiagnosisSeverity float64 `json:"defaultDiagnosisSeverity" yaml:"default_diagnosis_severity"`

	// LayerTimeout bounds each layer of one evaluation.
	LayerTimeout time.Duration `json:"layerTimeout" yaml:"layer_timeout"`
}

// DefaultTunables returns the stock policy constants.
func DefaultTunables() Tunables {
	return Tunables{
		Severity: map[PatternType]float64{
			PatternFrequency:             0.3,
			PatternAmountOutlier:         0.4,
			PatternProviderConcentration: 0.3,
			PatternServiceVolume:         0.2,
		},
		ApproveConfidence:          0.8,
		RejectConfidence:           0.4,
		CriticalPriority:           0,
		CriticalOverrideConfidence: 0.95,
		FrequencyCeiling:           20,
		ServiceVolumeCeiling:       10,
		FinancialCeiling:           100000,
		DefaultDiagnosisSeverity:   0.5,
		LayerTimeout:               2 * time.Second,
	}
}

// WithDefaults fills zero-valued fields from DefaultTunables.
// CriticalPriority has no zero sentinel and is kept as is.
func (t Tunables) WithDefaults() Tunables {
	def := DefaultTunables()
	if t.Severity == nil {
		t.Severity = def.Severity
	} else {
		merged := make(map[PatternType]float64, len(def.Severity))
		for k, v := range def.Severity {
			merged[k] = v
		}
		for k, v := range t.Severity {
			merged[k] = v
		}
		t.Severity = merged
	}
	if t.ApproveConfidence == 0 {
		t.ApproveConfidence = def.ApproveConfidence
	}
	if t.RejectConfidence == 0 {
		t.RejectConfidence = def.RejectConfidence
	}
	if t.CriticalOverrideConfidence == 0 {
		t.CriticalOverrideConfidence = def.CriticalOverrideConfidence
	}
	if t.FrequencyCeiling == 0 {
		t.FrequencyCeiling = def.FrequencyCeiling
	}
	if t.ServiceVolumeCeiling == 0 {
		t.ServiceVolumeCeiling = def.ServiceVolumeCeiling
	}
	if t.FinancialCeiling == 0 {
		t.FinancialCeiling = def.FinancialCeiling
	}
	if t.DefaultDiagnosisSeverity == 0 {
		t.DefaultDiagnosisSeverity = def.DefaultDiagnosisSeverity
	}
	if t.LayerTimeout == 0 {
		t.LayerTimeout = def.LayerTimeout
	}
	return t
}
