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

// RequestRepository handles approval_requests persistence
type RequestRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewRequestRepository creates a new request repository
func NewRequestRepository(db *database.DB, logger *zap.Logger) *RequestRepository {
	return &RequestRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new approval request
func (r *RequestRepository) Create(ctx context.Context, tx *sql.Tx, req *approval.ApprovalRequest) error {
	query := `
		INSERT INTO approval_requests (
			id, organization_id, workflow_id, entity_type, entity_id,
			entity_data, requested_by, status, submitted_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := pick(r.db.DB, tx).ExecContext(ctx, query,
		req.ID,
		req.OrganizationID,
		req.WorkflowID,
		req.EntityType,
		req.EntityID,
		req.EntityData,
		req.RequestedBy,
		string(req.Status),
		req.SubmittedAt,
		req.CompletedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create request", zap.Error(err))
		return fmt.Errorf("failed to create request: %w", err)
	}
	return nil
}

// GetByID retrieves a request scoped to an organization
func (r *RequestRepository) GetByID(ctx context.Context, tx *sql.Tx, id, organizationID string) (*approval.ApprovalRequest, error) {
	query := `
		SELECT id, organization_id, workflow_id, entity_type, entity_id,
		       entity_data, requested_by, status, submitted_at, completed_at
		FROM approval_requests
		WHERE id = ? AND organization_id = ?
	`
	return r.scanRequest(pick(r.db.DB, tx).QueryRowContext(ctx, query, id, organizationID), id)
}

// GetByIDUnscoped retrieves a request by id alone. Used by delegation,
// whose contract carries no organization id.
func (r *RequestRepository) GetByIDUnscoped(ctx context.Context, tx *sql.Tx, id string) (*approval.ApprovalRequest, error) {
	query := `
		SELECT id, organization_id, workflow_id, entity_type, entity_id,
		       entity_data, requested_by, status, submitted_at, completed_at
		FROM approval_requests
		WHERE id = ?
	`
	return r.scanRequest(pick(r.db.DB, tx).QueryRowContext(ctx, query, id), id)
}

// MarkCompleted writes a terminal status, guarded by the row still being
// pending. Returns the number of rows affected: zero means the request was
// already terminal and the caller lost the race.
func (r *RequestRepository) MarkCompleted(ctx context.Context, tx *sql.Tx, id string, status approval.RequestStatus, at time.Time) (int64, error) {
	query := `
		UPDATE approval_requests
		SET status = ?, completed_at = ?
		WHERE id = ? AND status = 'pending'
	`
	result, err := pick(r.db.DB, tx).ExecContext(ctx, query, string(status), at, id)
	if err != nil {
		return 0, fmt.Errorf("failed to complete request: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n, nil
}

// ListByEntity returns all requests ever submitted for a business entity,
// newest first.
func (r *RequestRepository) ListByEntity(ctx context.Context, organizationID, entityType, entityID string) ([]*approval.ApprovalRequest, error) {
	query := `
		SELECT id, organization_id, workflow_id, entity_type, entity_id,
		       entity_data, requested_by, status, submitted_at, completed_at
		FROM approval_requests
		WHERE organization_id = ? AND entity_type = ? AND entity_id = ?
		ORDER BY submitted_at DESC, rowid DESC
	`
	rows, err := r.db.QueryContext(ctx, query, organizationID, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	var requests []*approval.ApprovalRequest
	for rows.Next() {
		req, err := r.scanRequestRow(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

func (r *RequestRepository) scanRequest(row *sql.Row, id string) (*approval.ApprovalRequest, error) {
	req := &approval.ApprovalRequest{}
	var status string
	var completedAt sql.NullTime

	err := row.Scan(
		&req.ID,
		&req.OrganizationID,
		&req.WorkflowID,
		&req.EntityType,
		&req.EntityID,
		&req.EntityData,
		&req.RequestedBy,
		&status,
		&req.SubmittedAt,
		&completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("request %s: %w", id, approval.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}

	req.Status = approval.RequestStatus(status)
	if completedAt.Valid {
		req.CompletedAt = &completedAt.Time
	}
	return req, nil
}

func (r *RequestRepository) scanRequestRow(rows *sql.Rows) (*approval.ApprovalRequest, error) {
	req := &approval.ApprovalRequest{}
	var status string
	var completedAt sql.NullTime

	err := rows.Scan(
		&req.ID,
		&req.OrganizationID,
		&req.WorkflowID,
		&req.EntityType,
		&req.EntityID,
		&req.EntityData,
		&req.RequestedBy,
		&status,
		&req.SubmittedAt,
		&completedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan request: %w", err)
	}

	req.Status = approval.RequestStatus(status)
	if completedAt.Valid {
		req.CompletedAt = &completedAt.Time
	}
	return req, nil
}
