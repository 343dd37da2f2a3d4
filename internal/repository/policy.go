package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveRule creates or updates a coverage rule.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.Rule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	condition, err := json.Marshal(rule.Condition)
	if err != nil {
		return fmt.Errorf("failed to encode condition: %w", err)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO coverage_rules (
			id, name, description, condition_json, action, priority, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			condition_json = excluded.condition_json,
			action = excluded.action,
			priority = excluded.priority,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, string(condition),
		string(rule.Action), rule.Priority, boolToInt(rule.Enabled),
		now, now,
	)
	return err
}

const selectRule = `
	SELECT id, name, description, condition_json, action, priority, enabled, created_at, updated_at
	FROM coverage_rules
`

// GetRule retrieves a coverage rule, enabled or not.
func (r *SQLRepository) GetRule(ctx context.Context, ruleID string) (*domain.Rule, error) {
	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(selectRule+" WHERE id = ?"), ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListRules returns all coverage rules ordered by priority then id.
func (r *SQLRepository) ListRules(ctx context.Context) ([]*domain.Rule, error) {
	rows, err := r.db.QueryContext(ctx, selectRule+" ORDER BY priority, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// DeleteRule removes a coverage rule.
func (r *SQLRepository) DeleteRule(ctx context.Context, ruleID string) error {
	return r.deleteByID(ctx, "coverage_rules", ruleID)
}

func scanRule(row scanner) (*domain.Rule, error) {
	var rule domain.Rule
	var description sql.NullString
	var condition, action string
	var enabled int

	if err := row.Scan(
		&rule.ID, &rule.Name, &description, &condition, &action,
		&rule.Priority, &enabled, &rule.CreatedAt, &rule.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rule.Description = description.String
	rule.Action = domain.Action(action)
	rule.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(condition), &rule.Condition); err != nil {
		return nil, fmt.Errorf("failed to parse condition for rule %s: %w", rule.ID, err)
	}
	return &rule, nil
}

// SaveFraudRule creates or updates a fraud rule.
func (r *SQLRepository) SaveFraudRule(ctx context.Context, rule *domain.FraudRule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: fraud rule id is required", ErrInvalidInput)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO fraud_rules (
			id, name, description, pattern_type, threshold, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			pattern_type = excluded.pattern_type,
			threshold = excluded.threshold,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, string(rule.PatternType),
		rule.Threshold, boolToInt(rule.Enabled), now, now,
	)
	return err
}

const selectFraudRule = `
	SELECT id, name, description, pattern_type, threshold, enabled, created_at, updated_at
	FROM fraud_rules
`

// GetFraudRule retrieves a fraud rule, enabled or not.
func (r *SQLRepository) GetFraudRule(ctx context.Context, ruleID string) (*domain.FraudRule, error) {
	rule, err := scanFraudRule(r.db.QueryRowContext(ctx, r.rebind(selectFraudRule+" WHERE id = ?"), ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListFraudRules returns all fraud rules ordered by id.
func (r *SQLRepository) ListFraudRules(ctx context.Context) ([]*domain.FraudRule, error) {
	rows, err := r.db.QueryContext(ctx, selectFraudRule+" ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.FraudRule
	for rows.Next() {
		rule, err := scanFraudRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// DeleteFraudRule removes a fraud rule.
func (r *SQLRepository) DeleteFraudRule(ctx context.Context, ruleID string) error {
	return r.deleteByID(ctx, "fraud_rules", ruleID)
}

func scanFraudRule(row scanner) (*domain.FraudRule, error) {
	var rule domain.FraudRule
	var description sql.NullString
	var pattern string
	var enabled int

	if err := row.Scan(
		&rule.ID, &rule.Name, &description, &pattern, &rule.Threshold,
		&enabled, &rule.CreatedAt, &rule.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rule.Description = description.String
	rule.PatternType = domain.PatternType(pattern)
	rule.Enabled = enabled == 1
	return &rule, nil
}

// ReplaceRiskParameters swaps the whole parameter set in one transaction.
func (r *SQLRepository) ReplaceRiskParameters(ctx context.Context, params []*domain.RiskParameter) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM risk_parameters"); err != nil {
		return err
	}

	query := r.rebind(`
		INSERT INTO risk_parameters (
			id, name, description, factor, weight, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)

	now := time.Now().UTC()
	for _, p := range params {
		if p == nil || p.ID == "" {
			return fmt.Errorf("%w: risk parameter id is required", ErrInvalidInput)
		}
		created := p.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := tx.ExecContext(ctx, query,
			p.ID, p.Name, p.Description, string(p.Factor), p.Weight,
			boolToInt(p.Enabled), created.UTC(), now,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListRiskParameters returns all risk parameters ordered by id.
func (r *SQLRepository) ListRiskParameters(ctx context.Context) ([]*domain.RiskParameter, error) {
	query := `
		SELECT id, name, description, factor, weight, enabled, created_at, updated_at
		FROM risk_parameters
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var params []*domain.RiskParameter
	for rows.Next() {
		var p domain.RiskParameter
		var description sql.NullString
		var factor string
		var enabled int

		if err := rows.Scan(
			&p.ID, &p.Name, &description, &factor, &p.Weight,
			&enabled, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}

		p.Description = description.String
		p.Factor = domain.RiskFactor(factor)
		p.Enabled = enabled == 1
		params = append(params, &p)
	}

	return params, rows.Err()
}

// NextSnapshotVersion allocates the next snapshot version. Versions keep
// increasing across restarts.
func (r *SQLRepository) NextSnapshotVersion(ctx context.Context) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var current int64
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM snapshot_versions").Scan(&current); err != nil {
		return 0, err
	}

	next := current + 1
	if _, err := tx.ExecContext(ctx,
		r.rebind("INSERT INTO snapshot_versions (version, created_at) VALUES (?, ?)"),
		next, time.Now().UTC(),
	); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

func (r *SQLRepository) deleteByID(ctx context.Context, table, id string) error {
	result, err := r.db.ExecContext(ctx, r.rebind("DELETE FROM "+table+" WHERE id = ?"), id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}
