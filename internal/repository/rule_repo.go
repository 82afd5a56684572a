package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coreledger/approvalflow/internal/domain/approval"
	"github.com/coreledger/approvalflow/pkg/database"
)

// RuleRepository handles workflow_rules persistence
type RuleRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewRuleRepository creates a new rule repository
func NewRuleRepository(db *database.DB, logger *zap.Logger) *RuleRepository {
	return &RuleRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new workflow rule
func (r *RuleRepository) Create(ctx context.Context, rule *approval.WorkflowRule) error {
	conditionsJSON, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("failed to marshal conditions: %w", err)
	}

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	query := `
		INSERT INTO workflow_rules (
			id, organization_id, entity_type, name, priority, logic,
			conditions, workflow_id, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, query,
		rule.ID,
		rule.OrganizationID,
		rule.EntityType,
		rule.Name,
		rule.Priority,
		string(rule.Logic),
		string(conditionsJSON),
		rule.WorkflowID,
		rule.IsActive,
		rule.CreatedAt,
		rule.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create rule", zap.Error(err))
		return fmt.Errorf("failed to create rule: %w", err)
	}
	return nil
}

// Update persists changes to an existing rule
func (r *RuleRepository) Update(ctx context.Context, rule *approval.WorkflowRule) error {
	conditionsJSON, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("failed to marshal conditions: %w", err)
	}
	rule.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE workflow_rules
		SET name = ?, priority = ?, logic = ?, conditions = ?,
		    workflow_id = ?, is_active = ?, updated_at = ?
		WHERE id = ? AND organization_id = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		rule.Name,
		rule.Priority,
		string(rule.Logic),
		string(conditionsJSON),
		rule.WorkflowID,
		rule.IsActive,
		rule.UpdatedAt,
		rule.ID,
		rule.OrganizationID,
	)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("rule %s: %w", rule.ID, approval.ErrNotFound)
	}
	return nil
}

// Delete removes a rule
func (r *RuleRepository) Delete(ctx context.Context, id, organizationID string) error {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM workflow_rules WHERE id = ? AND organization_id = ?",
		id, organizationID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("rule %s: %w", id, approval.ErrNotFound)
	}
	return nil
}

// GetByID retrieves a rule by primary key
func (r *RuleRepository) GetByID(ctx context.Context, id, organizationID string) (*approval.WorkflowRule, error) {
	query := `
		SELECT id, organization_id, entity_type, name, priority, logic,
		       conditions, workflow_id, is_active, created_at, updated_at
		FROM workflow_rules
		WHERE id = ? AND organization_id = ?
	`
	rule, err := scanRule(r.db.QueryRowContext(ctx, query, id, organizationID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule %s: %w", id, approval.ErrNotFound)
	}
	return rule, err
}

// ListActive returns active rules for an (organization, entity type) pair,
// ordered by the matcher's total order: priority ascending, then creation
// order as the stable tie-break.
func (r *RuleRepository) ListActive(ctx context.Context, organizationID, entityType string) ([]*approval.WorkflowRule, error) {
	query := `
		SELECT id, organization_id, entity_type, name, priority, logic,
		       conditions, workflow_id, is_active, created_at, updated_at
		FROM workflow_rules
		WHERE organization_id = ? AND entity_type = ? AND is_active = 1
		ORDER BY priority ASC, rowid ASC
	`
	rows, err := r.db.QueryContext(ctx, query, organizationID, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []*approval.WorkflowRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*approval.WorkflowRule, error) {
	rule := &approval.WorkflowRule{}
	var logic, conditionsJSON string

	err := row.Scan(
		&rule.ID,
		&rule.OrganizationID,
		&rule.EntityType,
		&rule.Name,
		&rule.Priority,
		&logic,
		&conditionsJSON,
		&rule.WorkflowID,
		&rule.IsActive,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Logic = approval.RuleLogic(logic)
	if err := json.Unmarshal([]byte(conditionsJSON), &rule.Conditions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conditions: %w", err)
	}
	return rule, nil
}
