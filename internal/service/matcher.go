package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/coreledger/approvalflow/internal/domain/approval"
	"github.com/coreledger/approvalflow/internal/repository"
)

// RuleMatcher selects the workflow that applies to a submission.
type RuleMatcher struct {
	rules     *repository.RuleRepository
	workflows *repository.WorkflowRepository
	logger    *zap.Logger
}

// NewRuleMatcher creates a new rule matcher
func NewRuleMatcher(rules *repository.RuleRepository, workflows *repository.WorkflowRepository, logger *zap.Logger) *RuleMatcher {
	return &RuleMatcher{
		rules:     rules,
		workflows: workflows,
		logger:    logger,
	}
}

// Match evaluates the active rules for (organization, entity type) against
// the entity data snapshot and resolves the winning rule's workflow.
// Candidates arrive in the matcher's total order (priority ascending,
// creation order as tie-break), so the first match wins deterministically.
//
// Returns ErrNotFound when no rule matches. A matched rule whose workflow
// is inactive or has no active step definitions returns ErrInvalidInput:
// the rule applied, but its policy is misconfigured.
func (m *RuleMatcher) Match(ctx context.Context, organizationID, entityType string, entityData map[string]interface{}) (*approval.WorkflowWithSteps, *approval.WorkflowRule, error) {
	rules, err := m.rules.ListActive(ctx, organizationID, entityType)
	if err != nil {
		return nil, nil, err
	}

	var winner *approval.WorkflowRule
	for _, rule := range rules {
		if rule.Matches(entityData) {
			winner = rule
			break
		}
	}
	if winner == nil {
		return nil, nil, fmt.Errorf("no approval rule matches %s submission: %w", entityType, approval.ErrNotFound)
	}

	wf, err := m.workflows.GetWithSteps(ctx, winner.WorkflowID, organizationID)
	if err != nil {
		return nil, nil, err
	}
	if !wf.IsActive || len(wf.Steps) == 0 {
		m.logger.Warn("Matched rule points at unusable workflow",
			zap.String("rule_id", winner.ID),
			zap.String("workflow_id", winner.WorkflowID))
		return nil, nil, fmt.Errorf("workflow %s has no active steps: %w", winner.WorkflowID, approval.ErrInvalidInput)
	}

	return wf, winner, nil
}
