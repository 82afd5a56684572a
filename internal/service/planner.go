package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/coreledger/approvalflow/internal/domain/approval"
)

// ApproverDirectory resolves role and team references to concrete user
// ids. The membership repository implements it; deployments integrating an
// external directory supply their own.
type ApproverDirectory interface {
	ResolveApprovers(ctx context.Context, organizationID string, approverType approval.ApproverType, ref string) ([]string, error)
}

// StepPlanner expands a workflow's step definitions into the concrete
// approval steps persisted for one request instance.
type StepPlanner struct {
	directory ApproverDirectory
	logger    *zap.Logger
}

// NewStepPlanner creates a new step planner
func NewStepPlanner(directory ApproverDirectory, logger *zap.Logger) *StepPlanner {
	return &StepPlanner{
		directory: directory,
		logger:    logger,
	}
}

// Plan resolves every step definition's approvers and fans parallel/any
// steps out to one step per approver, all sharing the definition's
// StepOrder. Output preserves StepOrder ascending.
func (p *StepPlanner) Plan(ctx context.Context, wf *approval.WorkflowWithSteps) ([]approval.ApprovalStep, error) {
	var planned []approval.ApprovalStep

	for _, def := range wf.Steps {
		approvers, err := p.resolve(ctx, wf.OrganizationID, def)
		if err != nil {
			return nil, err
		}
		if len(approvers) == 0 {
			return nil, fmt.Errorf("step %d resolved zero approvers: %w", def.StepOrder, approval.ErrInvalidInput)
		}
		if def.StepType == approval.StepSingle && len(approvers) != 1 {
			return nil, fmt.Errorf("single step %d resolved %d approvers: %w", def.StepOrder, len(approvers), approval.ErrInvalidInput)
		}

		quorum := def.MinApprovals
		if quorum < 1 {
			quorum = 1
		}
		if quorum > len(approvers) {
			quorum = len(approvers)
		}

		policy := def.RejectPolicy
		if def.StepType == approval.StepSingle || policy == "" {
			policy = approval.RejectShortCircuit
		}

		for _, userID := range approvers {
			planned = append(planned, approval.ApprovalStep{
				StepOrder:         def.StepOrder,
				StepType:          def.StepType,
				ApproverID:        userID,
				MinApprovals:      quorum,
				RequiredApprovers: len(approvers),
				RejectPolicy:      policy,
				Status:            approval.StepPending,
			})
		}
	}

	return planned, nil
}

func (p *StepPlanner) resolve(ctx context.Context, organizationID string, def approval.StepDefinition) ([]string, error) {
	switch def.ApproverType {
	case approval.ApproverUser:
		if def.ApproverRef == "" {
			return nil, nil
		}
		return []string{def.ApproverRef}, nil
	case approval.ApproverRole, approval.ApproverTeam:
		return p.directory.ResolveApprovers(ctx, organizationID, def.ApproverType, def.ApproverRef)
	}
	return nil, fmt.Errorf("unknown approver type %q: %w", def.ApproverType, approval.ErrInvalidInput)
}
