package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/saffron/internal/common"
	"github.com/Veraticus/saffron/internal/model"
)

const ruleColumns = `id, name, expression, target_category_id, priority,
	requires_further_evidence, active, description, created_at, updated_at`

func scanRule(row interface{ Scan(...any) error }) (model.ClassificationRule, error) {
	var r model.ClassificationRule
	err := row.Scan(&r.ID, &r.Name, &r.Expression, &r.TargetCategoryID, &r.Priority,
		&r.RequiresFurtherEvidence, &r.Active, &r.Description, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

// CreateRule stores a new classification rule and sets its ID.
func (s *SQLiteStorage) CreateRule(ctx context.Context, rule *model.ClassificationRule) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateRule(rule); err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := categoryExists(ctx, tx, rule.TargetCategoryID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: target category %d: %w", ErrInvalidRule, rule.TargetCategoryID, common.ErrNotFound)
		}

		now := time.Now().UTC()
		result, err := tx.ExecContext(ctx, `
			INSERT INTO classification_rules
			(name, expression, target_category_id, priority, requires_further_evidence, active, description, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rule.Name, rule.Expression, rule.TargetCategoryID, rule.Priority,
			rule.RequiresFurtherEvidence, rule.Active, rule.Description, now, now)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("rule %q: %w", rule.Name, common.ErrDuplicateEntry)
			}
			return fmt.Errorf("failed to insert rule: %w", err)
		}

		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get rule ID: %w", err)
		}
		rule.ID = id
		rule.CreatedAt = now
		rule.UpdatedAt = now

		slog.Info("created rule", "id", id, "name", rule.Name, "priority", rule.Priority)
		return nil
	})
}

// GetRule returns a rule by ID.
func (s *SQLiteStorage) GetRule(ctx context.Context, id int64) (*model.ClassificationRule, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rule, err := scanRule(s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM classification_rules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %d: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return &rule, nil
}

// ListRules returns rules in evaluation order: ascending priority, then ID.
func (s *SQLiteStorage) ListRules(ctx context.Context, activeOnly bool) ([]model.ClassificationRule, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	query := `SELECT ` + ruleColumns + ` FROM classification_rules`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY priority, id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []model.ClassificationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return rules, nil
}

// RuleRevision returns a counter that changes whenever any rule is created,
// updated or deleted, from this process or another.
func (s *SQLiteStorage) RuleRevision(ctx context.Context) (int64, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}
	var revision int64
	if err := s.db.QueryRowContext(ctx, `SELECT revision FROM rule_set_revision WHERE id = 1`).Scan(&revision); err != nil {
		return 0, fmt.Errorf("failed to read rule revision: %w", err)
	}
	return revision, nil
}

// SetRuleActive enables or disables a rule.
func (s *SQLiteStorage) SetRuleActive(ctx context.Context, id int64, active bool) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE classification_rules SET active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return expectOneRow(result, fmt.Errorf("rule %d: %w", id, common.ErrNotFound))
}

// DeleteRule removes a rule. Assignments made by it keep their category but
// lose the rule reference.
func (s *SQLiteStorage) DeleteRule(ctx context.Context, id int64) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE category_assignments SET rule_id = NULL WHERE rule_id = ?`, id); err != nil {
			return fmt.Errorf("failed to detach assignments: %w", err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM classification_rules WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete rule: %w", err)
		}
		return expectOneRow(result, fmt.Errorf("rule %d: %w", id, common.ErrNotFound))
	})
}

// expectOneRow returns notFound when result touched no rows.
func expectOneRow(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
