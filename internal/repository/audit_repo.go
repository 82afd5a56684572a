package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coreledger/approvalflow/pkg/database"
)

// AuditEntry is one immutable record of a state transition.
type AuditEntry struct {
	ID             string                 `json:"id"`
	OrganizationID string                 `json:"organization_id"`
	RequestID      string                 `json:"request_id"`
	StepID         *string                `json:"step_id,omitempty"`
	EntityType     string                 `json:"entity_type"`
	EntityID       string                 `json:"entity_id"`
	Action         string                 `json:"action"` // submitted | approved | rejected | delegated | cancelled
	ActorID        string                 `json:"actor_id"`
	Details        map[string]interface{} `json:"details,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// AuditRepository is the append-only approval audit trail
type AuditRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *database.DB, logger *zap.Logger) *AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

// Append writes a single audit record
func (r *AuditRepository) Append(ctx context.Context, tx *sql.Tx, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var details sql.NullString
	if entry.Details != nil {
		raw, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal audit details: %w", err)
		}
		details = sql.NullString{String: string(raw), Valid: true}
	}

	query := `
		INSERT INTO approval_audit (
			id, organization_id, request_id, step_id, entity_type,
			entity_id, action, actor_id, details, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := pick(r.db.DB, tx).ExecContext(ctx, query,
		entry.ID,
		entry.OrganizationID,
		entry.RequestID,
		entry.StepID,
		entry.EntityType,
		entry.EntityID,
		entry.Action,
		entry.ActorID,
		details,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListByEntity returns the full trail for a business entity in
// chronological order.
func (r *AuditRepository) ListByEntity(ctx context.Context, organizationID, entityType, entityID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, organization_id, request_id, step_id, entity_type,
		       entity_id, action, actor_id, details, created_at
		FROM approval_audit
		WHERE organization_id = ? AND entity_type = ? AND entity_id = ?
		ORDER BY created_at ASC, rowid ASC
	`
	return r.list(ctx, query, organizationID, entityType, entityID)
}

// ListByRequest returns the trail for a single request in chronological
// order.
func (r *AuditRepository) ListByRequest(ctx context.Context, organizationID, requestID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, organization_id, request_id, step_id, entity_type,
		       entity_id, action, actor_id, details, created_at
		FROM approval_audit
		WHERE organization_id = ? AND request_id = ?
		ORDER BY created_at ASC, rowid ASC
	`
	return r.list(ctx, query, organizationID, requestID)
}

func (r *AuditRepository) list(ctx context.Context, query string, args ...interface{}) ([]*AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		var stepID, details sql.NullString

		err := rows.Scan(
			&entry.ID,
			&entry.OrganizationID,
			&entry.RequestID,
			&stepID,
			&entry.EntityType,
			&entry.EntityID,
			&entry.Action,
			&entry.ActorID,
			&details,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}

		if stepID.Valid {
			entry.StepID = &stepID.String
		}
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &entry.Details); err != nil {
				r.logger.Warn("Malformed audit details", zap.String("id", entry.ID), zap.Error(err))
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
