// Package rules provides the coverage rule engine.
package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/snapshot"
)

// Engine evaluates coverage rules against each line item of a claim.
type Engine struct {
	maxWorkers int
}

// NewEngine creates a new rule engine.
// Line items are evaluated in parallel, bounded by maxWorkers.
func NewEngine(maxWorkers int) *Engine {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	return &Engine{maxWorkers: maxWorkers}
}

type itemOutcome struct {
	decision domain.ItemDecision
	errs     []string
}

// Evaluate decides every line item using the snapshot's enabled rules.
// The first matching rule in (priority, id) order decides an item; an item no
// rule matches requires review. The layer score is the covered fraction.
func (e *Engine) Evaluate(ctx context.Context, claim *domain.NormalizedClaim, snap *snapshot.Snapshot) domain.LayerResult {
	start := time.Now()
	rules := snap.Rules()

	outcomes := make([]itemOutcome, len(claim.LineItems))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i := range claim.LineItems {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			outcomes[idx] = decideItem(claim.LineItems[idx], rules)
		}(i)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return domain.Failed(domain.LayerRules, fmt.Sprintf("rule evaluation interrupted: %v", err))
	}

	analysis := &domain.CoverageAnalysis{
		TotalItems: len(outcomes),
		Items:      make([]domain.ItemDecision, 0, len(outcomes)),
	}
	result := domain.LayerResult{
		Layer:    domain.LayerRules,
		Status:   domain.StatusOK,
		Coverage: analysis,
	}

	for _, out := range outcomes {
		d := out.decision
		analysis.Items = append(analysis.Items, d)
		result.Reasons = append(result.Reasons, out.errs...)

		switch d.Action {
		case domain.ActionApprove:
			analysis.Covered++
		case domain.ActionDeny:
			analysis.Denied++
			if d.Critical {
				result.Flags = append(result.Flags, "CRITICAL_DENY:"+d.RuleID)
			}
		default:
			analysis.RequiresReview++
		}
	}

	if analysis.TotalItems > 0 {
		result.Score = float64(analysis.Covered) / float64(analysis.TotalItems)
	}
	result.DurationMs = time.Since(start).Milliseconds()

	return result
}

// decideItem walks rules in order. A rule whose program errors is treated as
// not matching.
func decideItem(item domain.LineItem, rules []snapshot.CompiledRule) itemOutcome {
	var out itemOutcome

	for _, r := range rules {
		matched, err := r.Program.Match(item)
		if err != nil {
			out.errs = append(out.errs, fmt.Sprintf("rule %s on item %d: %v", r.Rule.ID, item.Index, err))
			continue
		}
		if !matched {
			continue
		}

		out.decision = domain.ItemDecision{
			ItemIndex:   item.Index,
			ServiceCode: item.ServiceCode,
			Action:      r.Rule.Action,
			RuleID:      r.Rule.ID,
			Priority:    r.Rule.Priority,
			Critical:    r.Critical,
		}
		return out
	}

	out.decision = domain.ItemDecision{
		ItemIndex:   item.Index,
		ServiceCode: item.ServiceCode,
		Action:      domain.ActionReview,
		Priority:    -1,
	}
	return out
}
