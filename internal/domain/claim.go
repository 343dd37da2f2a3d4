package domain

import (
	"math"
	"time"
)

// NormalizedClaim is a pre-authorization claim already resolved from the
// clinical document format. It is treated as immutable once validated.
type NormalizedClaim struct {
	ID          string     `json:"id"`
	Currency    string     `json:"currency"`
	Amount      float64    `json:"amount"`
	LineItems   []LineItem `json:"lineItems"`
	Diagnoses   []string   `json:"diagnoses"`
	ProviderID  string     `json:"providerId"`
	MemberID    string     `json:"memberId"`
	SubmittedAt time.Time  `json:"submittedAt"`
}

// LineItem is one billed service within a claim.
type LineItem struct {
	Index         int      `json:"index"`
	ServiceCode   string   `json:"serviceCode"`
	Description   string   `json:"description,omitempty"`
	BilledAmount  float64  `json:"billedAmount"`
	DiagnosisRefs []string `json:"diagnosisRefs,omitempty"`

	// Attachments carries extracted attachment text. It is passed through
	// untouched and never interpreted by the engine.
	Attachments []string `json:"attachments,omitempty"`
}

// Validate checks that the claim is complete enough to be evaluated.
// It returns a *ValidationError describing the first problem found.
func (c *NormalizedClaim) Validate() error {
	if c == nil {
		return NewValidationError("claim", "claim is required")
	}
	if c.ID == "" {
		return NewValidationError("id", "claim id is required")
	}
	if c.ProviderID == "" {
		return NewValidationError("providerId", "provider id is required")
	}
	if c.MemberID == "" {
		return NewValidationError("memberId", "member id is required")
	}
	if len(c.Currency) != 3 {
		return NewValidationError("currency", "currency must be a 3-letter code, got %q", c.Currency)
	}
	if !finite(c.Amount) || c.Amount < 0 {
		return NewValidationError("amount", "amount must be a non-negative number")
	}
	if len(c.LineItems) == 0 {
		return NewValidationError("lineItems", "at least one line item is required")
	}

	diagnoses := make(map[string]struct{}, len(c.Diagnoses))
	for i, code := range c.Diagnoses {
		if code == "" {
			return NewValidationError("diagnoses", "diagnosis %d has an empty code", i)
		}
		diagnoses[code] = struct{}{}
	}

	seen := make(map[int]struct{}, len(c.LineItems))
	for _, item := range c.LineItems {
		if _, dup := seen[item.Index]; dup {
			return NewValidationError("lineItems", "duplicate line item index %d", item.Index)
		}
		seen[item.Index] = struct{}{}

		if item.ServiceCode == "" {
			return NewValidationError("lineItems", "line item %d has no service code", item.Index)
		}
		if !finite(item.BilledAmount) || item.BilledAmount < 0 {
			return NewValidationError("lineItems", "line item %d has an invalid billed amount", item.Index)
		}
		for _, ref := range item.DiagnosisRefs {
			if _, ok := diagnoses[ref]; !ok {
				return NewValidationError("lineItems", "line item %d references unknown diagnosis %q", item.Index, ref)
			}
		}
	}

	return nil
}

// BilledTotal returns the sum of billed amounts across all line items.
func (c *NormalizedClaim) BilledTotal() float64 {
	var total float64
	for _, item := range c.LineItems {
		total += item.BilledAmount
	}
	return total
}

// ProviderMetrics is a read-only summary of a provider's recent submissions.
type ProviderMetrics struct {
	ProviderID string `json:"providerId"`

	// RecentSubmissions is the number of claims seen within the window.
	RecentSubmissions int64 `json:"recentSubmissions"`

	// AmountVariance is the coefficient of variation of claim amounts.
	AmountVariance float64 `json:"amountVariance"`

	// ConcentrationRatio is the share of submissions attributed to the
	// provider's most frequent member (0.0-1.0).
	ConcentrationRatio float64 `json:"concentrationRatio"`

	WindowSecs int       `json:"windowSecs"`
	ComputedAt time.Time `json:"computedAt"`
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
