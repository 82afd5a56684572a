package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/coreledger/approvalflow/internal/domain/approval"
	"github.com/coreledger/approvalflow/internal/repository"
)

// AdminService manages the configuration side of the engine: workflow
// rules, workflow definitions and the membership directory. It validates
// what the repositories would otherwise accept blindly.
type AdminService struct {
	rules     *repository.RuleRepository
	workflows *repository.WorkflowRepository
	members   *repository.MembershipRepository
	// applied to step definitions created without an explicit policy
	defaultRejectPolicy approval.RejectPolicy
	logger              *zap.Logger
}

// NewAdminService creates a new admin service
func NewAdminService(
	rules *repository.RuleRepository,
	workflows *repository.WorkflowRepository,
	members *repository.MembershipRepository,
	defaultRejectPolicy approval.RejectPolicy,
	logger *zap.Logger,
) *AdminService {
	if defaultRejectPolicy == "" {
		defaultRejectPolicy = approval.RejectShortCircuit
	}
	return &AdminService{
		rules:               rules,
		workflows:           workflows,
		members:             members,
		defaultRejectPolicy: defaultRejectPolicy,
		logger:              logger,
	}
}

// CreateRule validates and persists a workflow rule.
func (s *AdminService) CreateRule(ctx context.Context, rule *approval.WorkflowRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	if _, err := s.workflows.GetWithSteps(ctx, rule.WorkflowID, rule.OrganizationID); err != nil {
		return fmt.Errorf("target workflow: %w", err)
	}
	if err := s.rules.Create(ctx, rule); err != nil {
		return err
	}
	s.logger.Info("Workflow rule created",
		zap.String("rule_id", rule.ID),
		zap.String("entity_type", rule.EntityType),
		zap.Int("priority", rule.Priority))
	return nil
}

// UpdateRule validates and replaces an existing rule.
func (s *AdminService) UpdateRule(ctx context.Context, rule *approval.WorkflowRule) error {
	if rule.ID == "" {
		return fmt.Errorf("rule id is required: %w", approval.ErrInvalidInput)
	}
	if err := validateRule(rule); err != nil {
		return err
	}
	return s.rules.Update(ctx, rule)
}

// DeleteRule removes a rule.
func (s *AdminService) DeleteRule(ctx context.Context, ruleID, organizationID string) error {
	return s.rules.Delete(ctx, ruleID, organizationID)
}

// GetRule returns a single rule.
func (s *AdminService) GetRule(ctx context.Context, ruleID, organizationID string) (*approval.WorkflowRule, error) {
	return s.rules.GetByID(ctx, ruleID, organizationID)
}

// ListRules returns the active rules for an entity type in evaluation
// order.
func (s *AdminService) ListRules(ctx context.Context, organizationID, entityType string) ([]*approval.WorkflowRule, error) {
	return s.rules.ListActive(ctx, organizationID, entityType)
}

func validateRule(rule *approval.WorkflowRule) error {
	if rule == nil {
		return fmt.Errorf("rule is required: %w", approval.ErrInvalidInput)
	}
	if rule.OrganizationID == "" || rule.EntityType == "" || rule.Name == "" {
		return fmt.Errorf("organization, entity type and name are required: %w", approval.ErrInvalidInput)
	}
	if rule.WorkflowID == "" {
		return fmt.Errorf("workflow id is required: %w", approval.ErrInvalidInput)
	}
	if rule.Logic == "" {
		rule.Logic = approval.LogicAnd
	}
	if rule.Logic != approval.LogicAnd && rule.Logic != approval.LogicOr {
		return fmt.Errorf("unknown condition logic %q: %w", rule.Logic, approval.ErrInvalidInput)
	}
	for i, cond := range rule.Conditions {
		if cond.Type == "" {
			return fmt.Errorf("condition %d has no type: %w", i, approval.ErrInvalidInput)
		}
	}
	return nil
}

// CreateWorkflow validates and persists a workflow with its step
// definitions.
func (s *AdminService) CreateWorkflow(ctx context.Context, wf *approval.WorkflowWithSteps) error {
	if wf != nil {
		for i := range wf.Steps {
			if wf.Steps[i].RejectPolicy == "" {
				wf.Steps[i].RejectPolicy = s.defaultRejectPolicy
			}
		}
	}
	if err := validateWorkflow(wf); err != nil {
		return err
	}
	if err := s.workflows.Create(ctx, wf); err != nil {
		return err
	}
	s.logger.Info("Workflow created",
		zap.String("workflow_id", wf.ID),
		zap.String("entity_type", wf.EntityType),
		zap.Int("steps", len(wf.Steps)))
	return nil
}

// GetWorkflow returns a workflow with its active step definitions.
func (s *AdminService) GetWorkflow(ctx context.Context, workflowID, organizationID string) (*approval.WorkflowWithSteps, error) {
	return s.workflows.GetWithSteps(ctx, workflowID, organizationID)
}

// ListWorkflows returns all workflows for an organization.
func (s *AdminService) ListWorkflows(ctx context.Context, organizationID string) ([]*approval.ApprovalWorkflow, error) {
	return s.workflows.List(ctx, organizationID)
}

// SetWorkflowActive toggles a workflow. Deactivated workflows stop
// matching new submissions; in-flight requests are untouched.
func (s *AdminService) SetWorkflowActive(ctx context.Context, workflowID, organizationID string, active bool) error {
	return s.workflows.SetActive(ctx, workflowID, organizationID, active)
}

func validateWorkflow(wf *approval.WorkflowWithSteps) error {
	if wf == nil {
		return fmt.Errorf("workflow is required: %w", approval.ErrInvalidInput)
	}
	if wf.OrganizationID == "" || wf.EntityType == "" || wf.Name == "" {
		return fmt.Errorf("organization, entity type and name are required: %w", approval.ErrInvalidInput)
	}
	if len(wf.Steps) == 0 {
		return fmt.Errorf("workflow needs at least one step definition: %w", approval.ErrInvalidInput)
	}
	seen := make(map[int]bool, len(wf.Steps))
	for i, def := range wf.Steps {
		if def.StepOrder < 1 {
			return fmt.Errorf("step %d: order must be >= 1: %w", i, approval.ErrInvalidInput)
		}
		if seen[def.StepOrder] {
			return fmt.Errorf("duplicate step order %d: %w", def.StepOrder, approval.ErrInvalidInput)
		}
		seen[def.StepOrder] = true

		switch def.StepType {
		case approval.StepSingle, approval.StepParallel, approval.StepAny:
		default:
			return fmt.Errorf("step %d: unknown step type %q: %w", i, def.StepType, approval.ErrInvalidInput)
		}
		switch def.ApproverType {
		case approval.ApproverUser, approval.ApproverRole, approval.ApproverTeam:
		default:
			return fmt.Errorf("step %d: unknown approver type %q: %w", i, def.ApproverType, approval.ErrInvalidInput)
		}
		if def.ApproverRef == "" {
			return fmt.Errorf("step %d: approver ref is required: %w", i, approval.ErrInvalidInput)
		}
		switch def.RejectPolicy {
		case approval.RejectShortCircuit, approval.RejectTolerant:
		default:
			return fmt.Errorf("step %d: unknown reject policy %q: %w", i, def.RejectPolicy, approval.ErrInvalidInput)
		}
	}
	return nil
}

// AddMembership registers a user in a role or team.
func (s *AdminService) AddMembership(ctx context.Context, m *repository.Membership) error {
	if m == nil || m.OrganizationID == "" || m.GroupKey == "" || m.UserID == "" {
		return fmt.Errorf("organization, group key and user id are required: %w", approval.ErrInvalidInput)
	}
	if m.GroupType != approval.ApproverRole && m.GroupType != approval.ApproverTeam {
		return fmt.Errorf("unknown group type %q: %w", m.GroupType, approval.ErrInvalidInput)
	}
	return s.members.Add(ctx, m)
}

// RemoveMembership drops a user from a role or team.
func (s *AdminService) RemoveMembership(ctx context.Context, organizationID string, groupType approval.ApproverType, groupKey, userID string) error {
	return s.members.Remove(ctx, organizationID, groupType, groupKey, userID)
}
