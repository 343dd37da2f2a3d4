package configstore

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/snapshot"
)

// ListRules returns all coverage rules, enabled or not.
func (s *Store) ListRules(ctx context.Context) ([]*domain.Rule, error) {
	return s.repo.ListRules(ctx)
}

// GetRule returns one coverage rule.
func (s *Store) GetRule(ctx context.Context, id string) (*domain.Rule, error) {
	return s.repo.GetRule(ctx, id)
}

// CreateRule adds a new coverage rule. The id must be unused.
func (s *Store) CreateRule(ctx context.Context, rule *domain.Rule) (*snapshot.Snapshot, error) {
	if err := snapshot.ValidateRule(rule); err != nil {
		return nil, err
	}
	return s.commit(ctx, func(b *domain.PolicyBundle) error {
		if ruleIndex(b.Rules, rule.ID) >= 0 {
			return fmt.Errorf("%w: rule %s", ErrExists, rule.ID)
		}
		b.Rules = append(b.Rules, *rule)
		return nil
	}, func(ctx context.Context) error {
		return s.repo.SaveRule(ctx, rule)
	})
}

// UpdateRule replaces an existing coverage rule.
func (s *Store) UpdateRule(ctx context.Context, rule *domain.Rule) (*snapshot.Snapshot, error) {
	if err := snapshot.ValidateRule(rule); err != nil {
		return nil, err
	}
	return s.commit(ctx, func(b *domain.PolicyBundle) error {
		i := ruleIndex(b.Rules, rule.ID)
		if i < 0 {
			return fmt.Errorf("%w: rule %s", repository.ErrNotFound, rule.ID)
		}
		b.Rules[i] = *rule
		return nil
	}, func(ctx context.Context) error {
		return s.repo.SaveRule(ctx, rule)
	})
}

// DeleteRule removes a coverage rule.
func (s *Store) DeleteRule(ctx context.Context, id string) (*snapshot.Snapshot, error) {
	return s.commit(ctx, func(b *domain.PolicyBundle) error {
		i := ruleIndex(b.Rules, id)
		if i < 0 {
			return fmt.Errorf("%w: rule %s", repository.ErrNotFound, id)
		}
		b.Rules = append(b.Rules[:i], b.Rules[i+1:]...)
		return nil
	}, func(ctx context.Context) error {
		return s.repo.DeleteRule(ctx, id)
	})
}

// ToggleRule enables or disables a coverage rule.
func (s *Store) ToggleRule(ctx context.Context, id string, enabled bool) (*snapshot.Snapshot, error) {
	var updated domain.Rule
	return s.commit(ctx, func(b *domain.PolicyBundle) error {
		i := ruleIndex(b.Rules, id)
		if i < 0 {
			return fmt.Errorf("%w: rule %s", repository.ErrNotFound, id)
		}
		b.Rules[i].Enabled = enabled
		updated = b.Rules[i]
		return nil
	}, func(ctx context.Context) error {
		return s.repo.SaveRule(ctx, &updated)
	})
}

// ListFraudRules returns all fraud rules, enabled or not.
func (s *Store) ListFraudRules(ctx context.Context) ([]*domain.FraudRule, error) {
	return s.repo.ListFraudRules(ctx)
}

// GetFraudRule returns one fraud rule.
func (s *Store) GetFraudRule(ctx context.Context, id string) (*domain.FraudRule, error) {
	return s.repo.GetFraudRule(ctx, id)
}

// CreateFraudRule adds a new fraud rule. The id must be unused.
func (s *Store) CreateFraudRule(ctx context.Context, rule *domain.FraudRule) (*snapshot.Snapshot, error) {
	if err := snapshot.ValidateFraudRule(rule); err != nil {
		return nil, err
	}
	return s.commit(ctx, func(b *domain.PolicyBundle) error {
		if fraudIndex(b.FraudRules, rule.ID) >= 0 {
			return fmt.Errorf("%w: fraud rule %s", ErrExists, rule.ID)
		}
		b.FraudRules = append(b.FraudRules, *rule)
		return nil
	}, func(ctx context.Context) error {
		return s.repo.SaveFraudRule(ctx, rule)
	})
}

// UpdateFraudRule replaces an existing fraud rule.
func (s *Store) UpdateFraudRule(ctx context.Context, rule *domain.FraudRule) (*snapshot.Snapshot, error) {
	if err := snapshot.ValidateFraudRule(rule); err != nil {
		return nil, err
	}
	return s.commit(ctx, func(b *domain.PolicyBundle) error {
		i := fraudIndex(b.FraudRules, rule.ID)
		if i < 0 {
			return fmt.Errorf("%w: fraud rule %s", repository.ErrNotFound, rule.ID)
		}
		b.FraudRules[i] = *rule
		return nil
	}, func(ctx context.Context) error {
		return s.repo.SaveFraudRule(ctx, rule)
	})
}

// DeleteFraudRule removes a fraud rule.
func (s *Store) DeleteFraudRule(ctx context.Context, id string) (*snapshot.Snapshot, error) {
	return s.commit(ctx, func(b *domain.PolicyBundle) error {
		i := fraudIndex(b.FraudRules, id)
		if i < 0 {
			return fmt.Errorf("%w: fraud rule %s", repository.ErrNotFound, id)
		}
		b.FraudRules = append(b.FraudRules[:i], b.FraudRules[i+1:]...)
		return nil
	}, func(ctx context.Context) error {
		return s.repo.DeleteFraudRule(ctx, id)
	})
}

// ToggleFraudRule enables or disables a fraud rule.
func (s *Store) ToggleFraudRule(ctx context.Context, id string, enabled bool) (*snapshot.Snapshot, error) {
	var updated domain.FraudRule
	return s.commit(ctx, func(b *domain.PolicyBundle) error {
		i := fraudIndex(b.FraudRules, id)
		if i < 0 {
			return fmt.Errorf("%w: fraud rule %s", repository.ErrNotFound, id)
		}
		b.FraudRules[i].Enabled = enabled
		updated = b.FraudRules[i]
		return nil
	}, func(ctx context.Context) error {
		return s.repo.SaveFraudRule(ctx, &updated)
	})
}

// ListRiskParameters returns all risk parameters, enabled or not.
func (s *Store) ListRiskParameters(ctx context.Context) ([]*domain.RiskParameter, error) {
	return s.repo.ListRiskParameters(ctx)
}

// ReplaceRiskParameters swaps the whole parameter set. The enabled weights of
// the new set must sum to 1.0.
func (s *Store) ReplaceRiskParameters(ctx context.Context, params []domain.RiskParameter) (*snapshot.Snapshot, error) {
	for i := range params {
		if err := snapshot.ValidateRiskParameter(&params[i]); err != nil {
			return nil, err
		}
	}
	return s.commit(ctx, func(b *domain.PolicyBundle) error {
		b.RiskParameters = append([]domain.RiskParameter(nil), params...)
		return nil
	}, func(ctx context.Context) error {
		ptrs := make([]*domain.RiskParameter, 0, len(params))
		for i := range params {
			ptrs = append(ptrs, &params[i])
		}
		return s.repo.ReplaceRiskParameters(ctx, ptrs)
	})
}

// ToggleRiskParameter enables or disables one risk parameter. The toggle is
// rejected when the remaining enabled weights no longer sum to 1.0.
func (s *Store) ToggleRiskParameter(ctx context.Context, id string, enabled bool) (*snapshot.Snapshot, error) {
	var next []domain.RiskParameter
	return s.commit(ctx, func(b *domain.PolicyBundle) error {
		i := paramIndex(b.RiskParameters, id)
		if i < 0 {
			return fmt.Errorf("%w: risk parameter %s", repository.ErrNotFound, id)
		}
		b.RiskParameters[i].Enabled = enabled
		next = b.RiskParameters
		return nil
	}, func(ctx context.Context) error {
		ptrs := make([]*domain.RiskParameter, 0, len(next))
		for i := range next {
			ptrs = append(ptrs, &next[i])
		}
		return s.repo.ReplaceRiskParameters(ctx, ptrs)
	})
}

func ruleIndex(rules []domain.Rule, id string) int {
	for i := range rules {
		if rules[i].ID == id {
			return i
		}
	}
	return -1
}

func fraudIndex(rules []domain.FraudRule, id string) int {
	for i := range rules {
		if rules[i].ID == id {
			return i
		}
	}
	return -1
}

func paramIndex(params []domain.RiskParameter, id string) int {
	for i := range params {
		if params[i].ID == id {
			return i
		}
	}
	return -1
}
