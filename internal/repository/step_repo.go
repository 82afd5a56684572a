package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/coreledger/approvalflow/internal/domain/approval"
	"github.com/coreledger/approvalflow/pkg/database"
)

// StepRepository handles approval_steps persistence. Terminal transitions
// are compare-and-swap updates guarded by status = 'pending' so that two
// racing actors can never both action the same step.
type StepRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewStepRepository creates a new step repository
func NewStepRepository(db *database.DB, logger *zap.Logger) *StepRepository {
	return &StepRepository{
		db:     db,
		logger: logger,
	}
}

const stepColumns = `
	id, request_id, step_order, step_type, approver_id, delegated_to,
	min_approvals, required_approvers, reject_policy, status, comments, action_at
`

// CreateAll inserts every planned step for a request
func (r *StepRepository) CreateAll(ctx context.Context, tx *sql.Tx, steps []approval.ApprovalStep) error {
	query := `
		INSERT INTO approval_steps (` + stepColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	q := pick(r.db.DB, tx)
	for i := range steps {
		s := &steps[i]
		_, err := q.ExecContext(ctx, query,
			s.ID,
			s.RequestID,
			s.StepOrder,
			string(s.StepType),
			s.ApproverID,
			s.DelegatedTo,
			s.MinApprovals,
			s.RequiredApprovers,
			string(s.RejectPolicy),
			string(s.Status),
			s.Comments,
			s.ActionAt,
		)
		if err != nil {
			r.logger.Error("Failed to create step", zap.Error(err), zap.Int("step_order", s.StepOrder))
			return fmt.Errorf("failed to create step: %w", err)
		}
	}
	return nil
}

// ListByRequest returns all steps for a request ordered by step_order
func (r *StepRepository) ListByRequest(ctx context.Context, tx *sql.Tx, requestID string) ([]approval.ApprovalStep, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM approval_steps
		WHERE request_id = ?
		ORDER BY step_order ASC, rowid ASC
	`
	rows, err := pick(r.db.DB, tx).QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []approval.ApprovalStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *step)
	}
	return steps, rows.Err()
}

// FindActionable returns the pending step with the lowest step order that
// the actor owns or holds by delegation. sql.ErrNoRows maps to
// approval.ErrNotFound.
func (r *StepRepository) FindActionable(ctx context.Context, tx *sql.Tx, requestID, actorID string) (*approval.ApprovalStep, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM approval_steps
		WHERE request_id = ?
		  AND status = 'pending'
		  AND (approver_id = ? OR delegated_to = ?)
		ORDER BY step_order ASC, rowid ASC
		LIMIT 1
	`
	row := pick(r.db.DB, tx).QueryRowContext(ctx, query, requestID, actorID, actorID)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no actionable step for actor %s: %w", actorID, approval.ErrNotFound)
	}
	return step, err
}

// MarkActioned flips a step to a terminal status. The WHERE clause
// re-checks pending status; zero affected rows means another actor got
// there first.
func (r *StepRepository) MarkActioned(ctx context.Context, tx *sql.Tx, stepID string, status approval.StepStatus, comments *string, at time.Time) (int64, error) {
	query := `
		UPDATE approval_steps
		SET status = ?, comments = ?, action_at = ?
		WHERE id = ? AND status = 'pending'
	`
	result, err := pick(r.db.DB, tx).ExecContext(ctx, query, string(status), comments, at, stepID)
	if err != nil {
		return 0, fmt.Errorf("failed to action step: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n, nil
}

// Delegate reassigns action rights while the step is still pending. Status
// and action_at are untouched; re-delegation simply overwrites
// delegated_to.
func (r *StepRepository) Delegate(ctx context.Context, tx *sql.Tx, stepID, delegateTo string, comments *string) (int64, error) {
	query := `
		UPDATE approval_steps
		SET delegated_to = ?, comments = ?
		WHERE id = ? AND status = 'pending'
	`
	result, err := pick(r.db.DB, tx).ExecContext(ctx, query, delegateTo, comments, stepID)
	if err != nil {
		return 0, fmt.Errorf("failed to delegate step: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n, nil
}

// PendingStep is a pending approval joined with its request, for approver
// work queues.
type PendingStep struct {
	Step    approval.ApprovalStep
	Request approval.ApprovalRequest
}

// ListPendingForApprover returns every pending step an actor can act on
// across still-pending requests in an organization.
func (r *StepRepository) ListPendingForApprover(ctx context.Context, organizationID, approverID string) ([]PendingStep, error) {
	query := `
		SELECT s.id, s.request_id, s.step_order, s.step_type, s.approver_id,
		       s.delegated_to, s.min_approvals, s.required_approvers,
		       s.reject_policy, s.status, s.comments, s.action_at,
		       q.id, q.organization_id, q.workflow_id, q.entity_type,
		       q.entity_id, q.entity_data, q.requested_by, q.status,
		       q.submitted_at, q.completed_at
		FROM approval_steps s
		JOIN approval_requests q ON q.id = s.request_id
		WHERE q.organization_id = ?
		  AND q.status = 'pending'
		  AND s.status = 'pending'
		  AND (s.approver_id = ? OR s.delegated_to = ?)
		ORDER BY q.submitted_at ASC, s.step_order ASC
	`
	rows, err := r.db.QueryContext(ctx, query, organizationID, approverID, approverID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending steps: %w", err)
	}
	defer rows.Close()

	var pending []PendingStep
	for rows.Next() {
		var p PendingStep
		var stepType, stepStatus, rejectPolicy, reqStatus string
		var delegatedTo, comments sql.NullString
		var actionAt, completedAt sql.NullTime

		err := rows.Scan(
			&p.Step.ID,
			&p.Step.RequestID,
			&p.Step.StepOrder,
			&stepType,
			&p.Step.ApproverID,
			&delegatedTo,
			&p.Step.MinApprovals,
			&p.Step.RequiredApprovers,
			&rejectPolicy,
			&stepStatus,
			&comments,
			&actionAt,
			&p.Request.ID,
			&p.Request.OrganizationID,
			&p.Request.WorkflowID,
			&p.Request.EntityType,
			&p.Request.EntityID,
			&p.Request.EntityData,
			&p.Request.RequestedBy,
			&reqStatus,
			&p.Request.SubmittedAt,
			&completedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending step: %w", err)
		}

		p.Step.StepType = approval.StepType(stepType)
		p.Step.RejectPolicy = approval.RejectPolicy(rejectPolicy)
		p.Step.Status = approval.StepStatus(stepStatus)
		if delegatedTo.Valid {
			p.Step.DelegatedTo = &delegatedTo.String
		}
		if comments.Valid {
			p.Step.Comments = &comments.String
		}
		if actionAt.Valid {
			p.Step.ActionAt = &actionAt.Time
		}
		p.Request.Status = approval.RequestStatus(reqStatus)
		if completedAt.Valid {
			p.Request.CompletedAt = &completedAt.Time
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

func scanStep(row rowScanner) (*approval.ApprovalStep, error) {
	s := &approval.ApprovalStep{}
	var stepType, status, rejectPolicy string
	var delegatedTo, comments sql.NullString
	var actionAt sql.NullTime

	err := row.Scan(
		&s.ID,
		&s.RequestID,
		&s.StepOrder,
		&stepType,
		&s.ApproverID,
		&delegatedTo,
		&s.MinApprovals,
		&s.RequiredApprovers,
		&rejectPolicy,
		&status,
		&comments,
		&actionAt,
	)
	if err != nil {
		return nil, err
	}

	s.StepType = approval.StepType(stepType)
	s.RejectPolicy = approval.RejectPolicy(rejectPolicy)
	s.Status = approval.StepStatus(status)
	if delegatedTo.Valid {
		s.DelegatedTo = &delegatedTo.String
	}
	if comments.Valid {
		s.Comments = &comments.String
	}
	if actionAt.Valid {
		s.ActionAt = &actionAt.Time
	}
	return s, nil
}
