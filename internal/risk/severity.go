package risk

import (
	"context"
	"strings"
)

// SeverityLookup resolves a diagnosis code to a clinical severity multiplier in [0,1].
type SeverityLookup interface {
	Severity(ctx context.Context, code string) (float64, bool, error)
}

// Severity levels used by the built-in table.
const (
	SeverityCritical = 1.0
	SeverityHigh     = 0.75
	SeverityMedium   = 0.5
	SeverityLow      = 0.25
)

// StaticTable is an in-memory severity lookup keyed by ICD-10 code.
// Lookups fall back from the full code to its three-character category and
// then to its chapter letter.
type StaticTable struct {
	entries map[string]float64
}

// NewStaticTable creates a table from code → severity entries.
func NewStaticTable(entries map[string]float64) *StaticTable {
	t := &StaticTable{entries: make(map[string]float64, len(entries))}
	for code, sev := range entries {
		t.entries[normalizeCode(code)] = sev
	}
	return t
}

// DefaultTable returns the built-in table of conditions that carry
// elevated clinical risk.
func DefaultTable() *StaticTable {
	return NewStaticTable(map[string]float64{
		"E10": SeverityHigh,     // type 1 diabetes
		"E11": SeverityHigh,     // type 2 diabetes
		"I10": SeverityMedium,   // essential hypertension
		"I25": SeverityCritical, // chronic ischemic heart disease
		"I50": SeverityCritical, // heart failure
		"J44": SeverityHigh,     // COPD
		"J45": SeverityMedium,   // asthma
		"N18": SeverityCritical, // chronic kidney disease
		"K70": SeverityHigh,     // alcoholic liver disease
		"M05": SeverityMedium,   // rheumatoid arthritis
		"G40": SeverityHigh,     // epilepsy
		"F20": SeverityHigh,     // schizophrenia
		"F31": SeverityHigh,     // bipolar disorder
		"C":   SeverityCritical, // malignant neoplasms
		"Z00": SeverityLow,      // general examination
	})
}

// Severity implements SeverityLookup.
func (t *StaticTable) Severity(_ context.Context, code string) (float64, bool, error) {
	code = normalizeCode(code)
	for _, key := range candidates(code) {
		if sev, ok := t.entries[key]; ok {
			return sev, true, nil
		}
	}
	return 0, false, nil
}

func candidates(code string) []string {
	keys := []string{code}
	if i := strings.IndexByte(code, '.'); i > 0 {
		keys = append(keys, code[:i])
	}
	if len(code) > 3 {
		keys = append(keys, code[:3])
	}
	if len(code) > 1 {
		keys = append(keys, code[:1])
	}
	return keys
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
