package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coreledger/approvalflow/internal/domain/approval"
	"github.com/coreledger/approvalflow/pkg/database"
)

// WorkflowRepository handles approval_workflows and their step definitions
type WorkflowRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewWorkflowRepository creates a new workflow repository
func NewWorkflowRepository(db *database.DB, logger *zap.Logger) *WorkflowRepository {
	return &WorkflowRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a workflow and all of its step definitions in one
// transaction.
func (r *WorkflowRepository) Create(ctx context.Context, wf *approval.WorkflowWithSteps) error {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	wf.CreatedAt = now
	wf.UpdatedAt = now

	return r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO approval_workflows (
				id, organization_id, entity_type, name, is_active, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			wf.ID,
			wf.OrganizationID,
			wf.EntityType,
			wf.Name,
			wf.IsActive,
			wf.CreatedAt,
			wf.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create workflow: %w", err)
		}

		for i := range wf.Steps {
			def := &wf.Steps[i]
			if def.ID == "" {
				def.ID = uuid.NewString()
			}
			def.WorkflowID = wf.ID

			_, err := tx.ExecContext(ctx, `
				INSERT INTO workflow_step_definitions (
					id, workflow_id, step_order, step_type, approver_type,
					approver_ref, min_approvals, reject_policy, is_active
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				def.ID,
				def.WorkflowID,
				def.StepOrder,
				string(def.StepType),
				string(def.ApproverType),
				def.ApproverRef,
				def.MinApprovals,
				string(def.RejectPolicy),
				def.IsActive,
			)
			if err != nil {
				return fmt.Errorf("failed to create step definition %d: %w", def.StepOrder, err)
			}
		}
		return nil
	})
}

// GetWithSteps loads a workflow and its active step definitions ordered by
// step_order.
func (r *WorkflowRepository) GetWithSteps(ctx context.Context, workflowID, organizationID string) (*approval.WorkflowWithSteps, error) {
	wf := &approval.WorkflowWithSteps{}

	err := r.db.QueryRowContext(ctx, `
		SELECT id, organization_id, entity_type, name, is_active, created_at, updated_at
		FROM approval_workflows
		WHERE id = ? AND organization_id = ?`,
		workflowID, organizationID,
	).Scan(
		&wf.ID,
		&wf.OrganizationID,
		&wf.EntityType,
		&wf.Name,
		&wf.IsActive,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, approval.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, workflow_id, step_order, step_type, approver_type,
		       approver_ref, min_approvals, reject_policy, is_active
		FROM workflow_step_definitions
		WHERE workflow_id = ? AND is_active = 1
		ORDER BY step_order ASC`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get step definitions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var def approval.StepDefinition
		var stepType, approverType, rejectPolicy string
		err := rows.Scan(
			&def.ID,
			&def.WorkflowID,
			&def.StepOrder,
			&stepType,
			&approverType,
			&def.ApproverRef,
			&def.MinApprovals,
			&rejectPolicy,
			&def.IsActive,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step definition: %w", err)
		}
		def.StepType = approval.StepType(stepType)
		def.ApproverType = approval.ApproverType(approverType)
		def.RejectPolicy = approval.RejectPolicy(rejectPolicy)
		wf.Steps = append(wf.Steps, def)
	}
	return wf, rows.Err()
}

// List returns all workflows for an organization
func (r *WorkflowRepository) List(ctx context.Context, organizationID string) ([]*approval.ApprovalWorkflow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, organization_id, entity_type, name, is_active, created_at, updated_at
		FROM approval_workflows
		WHERE organization_id = ?
		ORDER BY entity_type ASC, name ASC`,
		organizationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*approval.ApprovalWorkflow
	for rows.Next() {
		wf := &approval.ApprovalWorkflow{}
		err := rows.Scan(
			&wf.ID,
			&wf.OrganizationID,
			&wf.EntityType,
			&wf.Name,
			&wf.IsActive,
			&wf.CreatedAt,
			&wf.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// SetActive toggles a workflow's active flag
func (r *WorkflowRepository) SetActive(ctx context.Context, workflowID, organizationID string, active bool) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE approval_workflows
		SET is_active = ?, updated_at = ?
		WHERE id = ? AND organization_id = ?`,
		active, time.Now().UTC(), workflowID, organizationID)
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("workflow %s: %w", workflowID, approval.ErrNotFound)
	}
	return nil
}
