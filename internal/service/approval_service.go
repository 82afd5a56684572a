package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coreledger/approvalflow/internal/domain/approval"
	"github.com/coreledger/approvalflow/internal/repository"
	"github.com/coreledger/approvalflow/pkg/database"
)

// SubmitInput is the payload for submitting an entity for approval.
type SubmitInput struct {
	EntityType string
	EntityID   string
	EntityData map[string]interface{}
}

// SubmitResult is returned from a successful submission.
type SubmitResult struct {
	RequestID  string                 `json:"request_id"`
	WorkflowID string                 `json:"workflow_id"`
	Status     approval.RequestStatus `json:"status"`
	Message    string                 `json:"message"`
}

// ActionInput carries optional fields for approve/reject.
type ActionInput struct {
	Comments *string
}

// ActionResult is returned from approve/reject.
type ActionResult struct {
	Success       bool                   `json:"success"`
	Message       string                 `json:"message"`
	RequestStatus approval.RequestStatus `json:"request_status"`
}

// DelegateInput carries delegation parameters.
type DelegateInput struct {
	DelegateTo string
	Comments   *string
}

// DelegateResult is returned from a successful delegation.
type DelegateResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ApprovalService orchestrates submission and action processing. Every
// operation is a synchronous transactional unit of work; concurrency
// safety comes from the guarded updates in the repositories, so no state
// is cached between calls.
type ApprovalService struct {
	db       *database.DB
	matcher  *RuleMatcher
	planner  *StepPlanner
	requests *repository.RequestRepository
	steps    *repository.StepRepository
	audit    *repository.AuditRepository
	logger   *zap.Logger
}

// NewApprovalService creates a new approval service
func NewApprovalService(
	db *database.DB,
	matcher *RuleMatcher,
	planner *StepPlanner,
	requests *repository.RequestRepository,
	steps *repository.StepRepository,
	audit *repository.AuditRepository,
	logger *zap.Logger,
) *ApprovalService {
	return &ApprovalService{
		db:       db,
		matcher:  matcher,
		planner:  planner,
		requests: requests,
		steps:    steps,
		audit:    audit,
		logger:   logger,
	}
}

// SubmitForApproval matches a rule, plans the steps and persists the
// request with all of its steps atomically. Submission is not idempotent:
// every call creates an independent request.
func (s *ApprovalService) SubmitForApproval(ctx context.Context, organizationID, requestedBy string, in SubmitInput) (*SubmitResult, error) {
	if in.EntityType == "" || in.EntityID == "" {
		return nil, fmt.Errorf("entity type and entity id are required: %w", approval.ErrInvalidInput)
	}

	wf, rule, err := s.matcher.Match(ctx, organizationID, in.EntityType, in.EntityData)
	if err != nil {
		return nil, err
	}

	planned, err := s.planner.Plan(ctx, wf)
	if err != nil {
		return nil, err
	}
	if len(planned) == 0 {
		return nil, fmt.Errorf("planning produced no steps: %w", approval.ErrInvalidInput)
	}

	snapshot := "{}"
	if in.EntityData != nil {
		raw, err := json.Marshal(in.EntityData)
		if err != nil {
			return nil, fmt.Errorf("entity data is not serializable: %w", approval.ErrInvalidInput)
		}
		snapshot = string(raw)
	}

	req := &approval.ApprovalRequest{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		WorkflowID:     wf.ID,
		EntityType:     in.EntityType,
		EntityID:       in.EntityID,
		EntityData:     snapshot,
		RequestedBy:    requestedBy,
		Status:         approval.RequestPending,
		SubmittedAt:    time.Now().UTC(),
	}
	for i := range planned {
		planned[i].ID = uuid.NewString()
		planned[i].RequestID = req.ID
	}

	err = s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		if err := s.requests.Create(ctx, tx, req); err != nil {
			return err
		}
		return s.steps.CreateAll(ctx, tx, planned)
	})
	if err != nil {
		s.logger.Error("Failed to persist submission",
			zap.String("entity_type", in.EntityType),
			zap.String("entity_id", in.EntityID),
			zap.Error(err))
		return nil, err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		OrganizationID: organizationID,
		RequestID:      req.ID,
		EntityType:     in.EntityType,
		EntityID:       in.EntityID,
		Action:         "submitted",
		ActorID:        requestedBy,
		Details: map[string]interface{}{
			"workflow_id": wf.ID,
			"rule_id":     rule.ID,
			"step_count":  len(planned),
		},
	})

	s.logger.Info("Approval request submitted",
		zap.String("request_id", req.ID),
		zap.String("workflow_id", wf.ID),
		zap.String("entity_type", in.EntityType),
		zap.Int("steps", len(planned)))

	// The planner stamps each step with its group's resolved pool size, so
	// the first planned step carries the step-1 approver count.
	return &SubmitResult{
		RequestID:  req.ID,
		WorkflowID: wf.ID,
		Status:     approval.RequestPending,
		Message:    fmt.Sprintf("%s submitted for approval (%d approver(s))", in.EntityType, planned[0].RequiredApprovers),
	}, nil
}

// Approve records approval on the actor's pending step and derives the
// request outcome from a transactionally consistent read of all steps.
func (s *ApprovalService) Approve(ctx context.Context, organizationID, actorID, requestID string, in ActionInput) (*ActionResult, error) {
	return s.act(ctx, organizationID, actorID, requestID, approval.StepApproved, in.Comments)
}

// Reject records rejection on the actor's pending step. Single steps and
// short_circuit groups reject the whole request immediately; tolerant
// groups reject it only once quorum becomes unreachable.
func (s *ApprovalService) Reject(ctx context.Context, organizationID, actorID, requestID string, in ActionInput) (*ActionResult, error) {
	return s.act(ctx, organizationID, actorID, requestID, approval.StepRejected, in.Comments)
}

func (s *ApprovalService) act(ctx context.Context, organizationID, actorID, requestID string, action approval.StepStatus, comments *string) (*ActionResult, error) {
	var (
		req       *approval.ApprovalRequest
		step      *approval.ApprovalStep
		reqStatus approval.RequestStatus
	)

	err := s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		var err error
		req, err = s.requests.GetByID(ctx, tx, requestID, organizationID)
		if err != nil {
			return err
		}
		if req.Status != approval.RequestPending {
			return fmt.Errorf("request is not pending: %w", approval.ErrInvalidInput)
		}

		step, err = s.steps.FindActionable(ctx, tx, requestID, actorID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		n, err := s.steps.MarkActioned(ctx, tx, step.ID, action, comments, now)
		if err != nil {
			return err
		}
		if n == 0 {
			// Lost the optimistic race: indistinguishable from "nothing
			// to act on" from the caller's perspective.
			return fmt.Errorf("step already actioned: %w", approval.ErrNotFound)
		}

		all, err := s.steps.ListByRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}

		reqStatus = deriveRequestStatus(all, step, action)
		if reqStatus.IsTerminal() {
			updated, err := s.requests.MarkCompleted(ctx, tx, requestID, reqStatus, now)
			if err != nil {
				return err
			}
			if updated == 0 {
				return fmt.Errorf("request is not pending: %w", approval.ErrInvalidInput)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		OrganizationID: organizationID,
		RequestID:      requestID,
		StepID:         &step.ID,
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		Action:         string(action),
		ActorID:        actorID,
		Details: map[string]interface{}{
			"step_order":     step.StepOrder,
			"request_status": string(reqStatus),
		},
	})

	s.logger.Info("Approval action processed",
		zap.String("request_id", requestID),
		zap.String("actor_id", actorID),
		zap.String("action", string(action)),
		zap.String("request_status", string(reqStatus)))

	return &ActionResult{
		Success:       true,
		Message:       fmt.Sprintf("%s %s", req.EntityType, action),
		RequestStatus: reqStatus,
	}, nil
}

// deriveRequestStatus computes the request outcome after one step flipped
// to a terminal state. Steps are grouped by step order; the request
// approves only when every group has met its quorum, which also enforces
// that no earlier group is still unresolved.
func deriveRequestStatus(all []approval.ApprovalStep, acted *approval.ApprovalStep, action approval.StepStatus) approval.RequestStatus {
	if action == approval.StepRejected {
		if acted.StepType == approval.StepSingle || acted.RejectPolicy != approval.RejectTolerant {
			return approval.RequestRejected
		}
	}

	groups := make(map[int][]approval.ApprovalStep)
	var orders []int
	for _, st := range all {
		if _, seen := groups[st.StepOrder]; !seen {
			orders = append(orders, st.StepOrder)
		}
		groups[st.StepOrder] = append(groups[st.StepOrder], st)
	}
	sort.Ints(orders)

	allApproved := true
	for _, order := range orders {
		switch approval.ResolveGroup(groups[order]) {
		case approval.GroupRejected:
			return approval.RequestRejected
		case approval.GroupPending:
			allApproved = false
		}
	}
	if allApproved {
		return approval.RequestApproved
	}
	return approval.RequestPending
}

// Delegate reassigns action rights on the actor's pending step. The step
// stays pending and may be re-delegated while it remains so; a terminal
// step is no longer actionable and surfaces as ErrNotFound.
func (s *ApprovalService) Delegate(ctx context.Context, actorID, requestID string, in DelegateInput) (*DelegateResult, error) {
	if in.DelegateTo == "" {
		return nil, fmt.Errorf("delegate user id is required: %w", approval.ErrInvalidInput)
	}

	var (
		req  *approval.ApprovalRequest
		step *approval.ApprovalStep
	)

	err := s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		var err error
		req, err = s.requests.GetByIDUnscoped(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if req.Status != approval.RequestPending {
			return fmt.Errorf("request is not pending: %w", approval.ErrInvalidInput)
		}

		step, err = s.steps.FindActionable(ctx, tx, requestID, actorID)
		if err != nil {
			return err
		}

		n, err := s.steps.Delegate(ctx, tx, step.ID, in.DelegateTo, in.Comments)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("step already actioned: %w", approval.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		OrganizationID: req.OrganizationID,
		RequestID:      requestID,
		StepID:         &step.ID,
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		Action:         "delegated",
		ActorID:        actorID,
		Details: map[string]interface{}{
			"delegated_to": in.DelegateTo,
			"step_order":   step.StepOrder,
		},
	})

	return &DelegateResult{
		Success: true,
		Message: fmt.Sprintf("step delegated to %s", in.DelegateTo),
	}, nil
}

// Cancel lets the original submitter withdraw a still-pending request.
// The terminal write uses the same pending guard as approve/reject, so an
// external escalation actor racing a cancel resolves to exactly one
// terminal transition.
func (s *ApprovalService) Cancel(ctx context.Context, organizationID, actorID, requestID string) (*ActionResult, error) {
	var req *approval.ApprovalRequest

	err := s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		var err error
		req, err = s.requests.GetByID(ctx, tx, requestID, organizationID)
		if err != nil {
			return err
		}
		if req.Status != approval.RequestPending {
			return fmt.Errorf("request is not pending: %w", approval.ErrInvalidInput)
		}
		if req.RequestedBy != actorID {
			return fmt.Errorf("only the submitter can cancel a request: %w", approval.ErrInvalidInput)
		}

		n, err := s.requests.MarkCompleted(ctx, tx, requestID, approval.RequestCancelled, time.Now().UTC())
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("request is not pending: %w", approval.ErrInvalidInput)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		OrganizationID: organizationID,
		RequestID:      requestID,
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		Action:         "cancelled",
		ActorID:        actorID,
	})

	return &ActionResult{
		Success:       true,
		Message:       fmt.Sprintf("%s cancelled", req.EntityType),
		RequestStatus: approval.RequestCancelled,
	}, nil
}

// GetRequest returns a request with all of its steps, org-scoped.
func (s *ApprovalService) GetRequest(ctx context.Context, organizationID, requestID string) (*approval.RequestWithSteps, error) {
	req, err := s.requests.GetByID(ctx, nil, requestID, organizationID)
	if err != nil {
		return nil, err
	}
	steps, err := s.steps.ListByRequest(ctx, nil, requestID)
	if err != nil {
		return nil, err
	}
	return &approval.RequestWithSteps{
		ApprovalRequest: *req,
		Steps:           steps,
	}, nil
}

// ListPendingForApprover returns every step awaiting action from a user.
func (s *ApprovalService) ListPendingForApprover(ctx context.Context, organizationID, approverID string) ([]repository.PendingStep, error) {
	return s.steps.ListPendingForApprover(ctx, organizationID, approverID)
}

// ListEntityRequests returns all requests ever submitted for an entity.
func (s *ApprovalService) ListEntityRequests(ctx context.Context, organizationID, entityType, entityID string) ([]*approval.ApprovalRequest, error) {
	return s.requests.ListByEntity(ctx, organizationID, entityType, entityID)
}

// GetEntityTrail returns the full audit trail for an entity.
func (s *ApprovalService) GetEntityTrail(ctx context.Context, organizationID, entityType, entityID string) ([]*repository.AuditEntry, error) {
	return s.audit.ListByEntity(ctx, organizationID, entityType, entityID)
}

// appendAudit writes an audit entry, logging a warning on failure. The
// trail is observability, not control flow, so a write failure never
// fails the action that produced it.
func (s *ApprovalService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.audit.Append(ctx, nil, entry); err != nil {
		s.logger.Warn("Failed to write audit entry",
			zap.String("request_id", entry.RequestID),
			zap.String("action", entry.Action),
			zap.Error(err))
	}
}
