package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coreledger/approvalflow/internal/domain/approval"
	"github.com/coreledger/approvalflow/pkg/database"
)

// Membership assigns a user to a role or team within an organization.
type Membership struct {
	ID             string
	OrganizationID string
	GroupType      approval.ApproverType // role | team
	GroupKey       string
	UserID         string
	CreatedAt      time.Time
}

// MembershipRepository backs the approver directory with an
// org_memberships table. It satisfies service.ApproverDirectory.
type MembershipRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewMembershipRepository creates a new membership repository
func NewMembershipRepository(db *database.DB, logger *zap.Logger) *MembershipRepository {
	return &MembershipRepository{
		db:     db,
		logger: logger,
	}
}

// Add records a membership
func (r *MembershipRepository) Add(ctx context.Context, m *Membership) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO org_memberships (id, organization_id, group_type, group_key, user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		m.ID,
		m.OrganizationID,
		string(m.GroupType),
		m.GroupKey,
		m.UserID,
		m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add membership: %w", err)
	}
	return nil
}

// Remove deletes a membership
func (r *MembershipRepository) Remove(ctx context.Context, organizationID string, groupType approval.ApproverType, groupKey, userID string) error {
	query := `
		DELETE FROM org_memberships
		WHERE organization_id = ? AND group_type = ? AND group_key = ? AND user_id = ?
	`
	result, err := r.db.ExecContext(ctx, query, organizationID, string(groupType), groupKey, userID)
	if err != nil {
		return fmt.Errorf("failed to remove membership: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("membership: %w", approval.ErrNotFound)
	}
	return nil
}

// ResolveApprovers returns the user ids in a role or team, in membership
// creation order so planning output is deterministic.
func (r *MembershipRepository) ResolveApprovers(ctx context.Context, organizationID string, approverType approval.ApproverType, ref string) ([]string, error) {
	query := `
		SELECT user_id
		FROM org_memberships
		WHERE organization_id = ? AND group_type = ? AND group_key = ?
		ORDER BY rowid ASC
	`
	rows, err := r.db.QueryContext(ctx, query, organizationID, string(approverType), ref)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve approvers: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		users = append(users, userID)
	}
	return users, rows.Err()
}
