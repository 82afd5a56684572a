package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coreledger/approvalflow/internal/domain/approval"
	"github.com/coreledger/approvalflow/internal/repository"
	"github.com/coreledger/approvalflow/pkg/database"
)

type testEnv struct {
	svc       *ApprovalService
	rules     *repository.RuleRepository
	workflows *repository.WorkflowRepository
	members   *repository.MembershipRepository
	audit     *repository.AuditRepository
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvConns(t, 4)
}

func newTestEnvConns(t *testing.T, maxConns int) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	db, err := database.New(database.Config{
		Path:            filepath.Join(t.TempDir(), "approvalflow_test.db"),
		MaxOpenConns:    maxConns,
		MaxIdleConns:    maxConns,
		ConnMaxLifetime: time.Minute,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, database.NewMigrator(db, logger).RunMigrations("../../migrations"))

	rules := repository.NewRuleRepository(db, logger)
	workflows := repository.NewWorkflowRepository(db, logger)
	requests := repository.NewRequestRepository(db, logger)
	steps := repository.NewStepRepository(db, logger)
	audit := repository.NewAuditRepository(db, logger)
	members := repository.NewMembershipRepository(db, logger)

	matcher := NewRuleMatcher(rules, workflows, logger)
	planner := NewStepPlanner(members, logger)
	svc := NewApprovalService(db, matcher, planner, requests, steps, audit, logger)

	return &testEnv{
		svc:       svc,
		rules:     rules,
		workflows: workflows,
		members:   members,
		audit:     audit,
	}
}

func (e *testEnv) createWorkflow(t *testing.T, org, entityType string, defs ...approval.StepDefinition) string {
	t.Helper()
	wf := &approval.WorkflowWithSteps{
		ApprovalWorkflow: approval.ApprovalWorkflow{
			OrganizationID: org,
			EntityType:     entityType,
			Name:           entityType + " workflow",
			IsActive:       true,
		},
		Steps: defs,
	}
	require.NoError(t, e.workflows.Create(context.Background(), wf))
	return wf.ID
}

func (e *testEnv) createRule(t *testing.T, org, entityType, workflowID string, priority int, conditions ...approval.Condition) {
	t.Helper()
	rule := &approval.WorkflowRule{
		OrganizationID: org,
		EntityType:     entityType,
		Name:           "rule",
		Priority:       priority,
		Logic:          approval.LogicAnd,
		Conditions:     conditions,
		WorkflowID:     workflowID,
		IsActive:       true,
	}
	require.NoError(t, e.rules.Create(context.Background(), rule))
}

func singleStep(order int, approver string) approval.StepDefinition {
	return approval.StepDefinition{
		StepOrder:    order,
		StepType:     approval.StepSingle,
		ApproverType: approval.ApproverUser,
		ApproverRef:  approver,
		MinApprovals: 1,
		RejectPolicy: approval.RejectShortCircuit,
		IsActive:     true,
	}
}

func manual() approval.Condition {
	return approval.Condition{Type: approval.ConditionManual}
}

func TestSubmitForApproval_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wfID := env.createWorkflow(t, "org-a", "invoice", singleStep(1, "u-approver"))
	env.createRule(t, "org-a", "invoice", wfID, 10, manual())

	result, err := env.svc.SubmitForApproval(ctx, "org-a", "u-submitter", SubmitInput{
		EntityType: "invoice",
		EntityID:   "inv-1",
		EntityData: map[string]interface{}{"amount": 1000.0, "currency": "USD"},
	})
	require.NoError(t, err)
	assert.Equal(t, approval.RequestPending, result.Status)
	assert.Equal(t, wfID, result.WorkflowID)
	assert.Contains(t, result.Message, "1 approver(s)")

	comments := "Looks good!"
	action, err := env.svc.Approve(ctx, "org-a", "u-approver", result.RequestID, ActionInput{Comments: &comments})
	require.NoError(t, err)
	assert.True(t, action.Success)
	assert.Equal(t, approval.RequestApproved, action.RequestStatus)

	req, err := env.svc.GetRequest(ctx, "org-a", result.RequestID)
	require.NoError(t, err)
	assert.Equal(t, approval.RequestApproved, req.Status)
	require.NotNil(t, req.CompletedAt)
	require.Len(t, req.Steps, 1)
	assert.Equal(t, approval.StepApproved, req.Steps[0].Status)
	require.NotNil(t, req.Steps[0].Comments)
	assert.Equal(t, "Looks good!", *req.Steps[0].Comments)
	require.NotNil(t, req.Steps[0].ActionAt)

	// Acting on a resolved request is invalid, for any actor.
	_, err = env.svc.Approve(ctx, "org-a", "u-approver", result.RequestID, ActionInput{})
	assert.ErrorIs(t, err, approval.ErrInvalidInput)
	_, err = env.svc.Approve(ctx, "org-a", "u-other", result.RequestID, ActionInput{})
	assert.ErrorIs(t, err, approval.ErrInvalidInput)
}

func TestSubmitForApproval_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.SubmitForApproval(ctx, "org-a", "u1", SubmitInput{EntityType: "", EntityID: "x"})
	assert.ErrorIs(t, err, approval.ErrInvalidInput)

	_, err = env.svc.SubmitForApproval(ctx, "org-a", "u1", SubmitInput{EntityType: "invoice", EntityID: ""})
	assert.ErrorIs(t, err, approval.ErrInvalidInput)

	// No rules configured at all.
	_, err = env.svc.SubmitForApproval(ctx, "org-a", "u1", SubmitInput{EntityType: "invoice", EntityID: "inv-1"})
	assert.ErrorIs(t, err, approval.ErrNotFound)
}

func TestSubmitForApproval_MisconfiguredWorkflow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Workflow with zero step definitions: the rule matches but planning
	// cannot proceed.
	wfID := env.createWorkflow(t, "org-a", "invoice")
	env.createRule(t, "org-a", "invoice", wfID, 10, manual())

	_, err := env.svc.SubmitForApproval(ctx, "org-a", "u1", SubmitInput{EntityType: "invoice", EntityID: "inv-1"})
	assert.ErrorIs(t, err, approval.ErrInvalidInput)
}

func TestRuleMatcher_PriorityOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wfLow := env.createWorkflow(t, "org-a", "invoice", singleStep(1, "u-low"))
	wfHigh := env.createWorkflow(t, "org-a", "invoice", singleStep(1, "u-high"))

	// Both rules match; the one with the lower priority value must win
	// even though it was created second.
	env.createRule(t, "org-a", "invoice", wfHigh, 50, manual())
	env.createRule(t, "org-a", "invoice", wfLow, 5, manual())

	result, err := env.svc.SubmitForApproval(ctx, "org-a", "u1", SubmitInput{
		EntityType: "invoice",
		EntityID:   "inv-1",
	})
	require.NoError(t, err)
	assert.Equal(t, wfLow, result.WorkflowID)

	// Determinism: repeated submissions select the same workflow.
	for i := 0; i < 3; i++ {
		r, err := env.svc.SubmitForApproval(ctx, "org-a", "u1", SubmitInput{
			EntityType: "invoice",
			EntityID:   "inv-1",
		})
		require.NoError(t, err)
		assert.Equal(t, wfLow, r.WorkflowID)
	}
}

func TestRuleMatcher_EqualPriorityTieBreak(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wfFirst := env.createWorkflow(t, "org-a", "invoice", singleStep(1, "u1"))
	wfSecond := env.createWorkflow(t, "org-a", "invoice", singleStep(1, "u2"))

	env.createRule(t, "org-a", "invoice", wfFirst, 10, manual())
	env.createRule(t, "org-a", "invoice", wfSecond, 10, manual())

	result, err := env.svc.SubmitForApproval(ctx, "org-a", "u1", SubmitInput{
		EntityType: "invoice",
		EntityID:   "inv-1",
	})
	require.NoError(t, err)
	assert.Equal(t, wfFirst, result.WorkflowID, "equal priority must fall back to creation order")
}

func TestRuleMatcher_ConditionSelection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wfBig := env.createWorkflow(t, "org-a", "invoice", singleStep(1, "u-cfo"))
	wfSmall := env.createWorkflow(t, "org-a", "invoice", singleStep(1, "u-manager"))

	env.createRule(t, "org-a", "invoice", wfBig, 1,
		approval.Condition{Type: approval.ConditionAmount, Operator: approval.OpGT, Value: 10000.0})
	env.createRule(t, "org-a", "invoice", wfSmall, 2, manual())

	big, err := env.svc.SubmitForApproval(ctx, "org-a", "u1", SubmitInput{
		EntityType: "invoice",
		EntityID:   "inv-big",
		EntityData: map[string]interface{}{"amount": 50000.0},
	})
	require.NoError(t, err)
	assert.Equal(t, wfBig, big.WorkflowID)

	small, err := env.svc.SubmitForApproval(ctx, "org-a", "u1", SubmitInput{
		EntityType: "invoice",
		EntityID:   "inv-small",
		EntityData: map[string]interface{}{"amount": 100.0},
	})
	require.NoError(t, err)
	assert.Equal(t, wfSmall, small.WorkflowID)
}

func TestReject_ShortCircuitsRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wfID := env.createWorkflow(t, "org-a", "invoice",
		singleStep(1, "u-first"),
		singleStep(2, "u-second"),
	)
	env.createRule(t, "org-a", "invoice", wfID, 10, manual())

	result, err := env.svc.SubmitForApproval(ctx, "org-a", "u1", SubmitInput{EntityType: "invoice", EntityID: "inv-1"})
	require.NoError(t, err)

	action, err := env.svc.Reject(ctx, "org-a", "u-first", result.RequestID, ActionInput{})
	require.NoError(t, err)
	assert.Equal(t, approval.RequestRejected, action.RequestStatus)

	req, err := env.svc.GetRequest(ctx, "org-a", result.RequestID)
	require.NoError(t, err)
	assert.Equal(t, approval.RequestRejected, req.Status)
	require.NotNil(t, req.CompletedAt)

	// The second approver's step survives as pending but is unactionable.
	_, err = env.svc.Approve(ctx, "org-a", "u-second", result.RequestID, ActionInput{})
	assert.ErrorIs(t, err, approval.ErrInvalidInput)
}

func TestApprove_SequentialSteps(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wfID := env.createWorkflow(t, "org-a", "expense",
		singleStep(1, "u-first"),
		singleStep(2, "u-second"),
	)
	env.createRule(t, "org-a", "expense", wfID, 10, manual())

	result, err := env.svc.SubmitForApproval(ctx, "org-a", "u1", SubmitInput{EntityType: "expense", EntityID: "e-1"})
	require.NoError(t, err)
	// The count covers the first group only, not all planned steps.
	assert.Contains(t, result.Message, "1 approver(s)")

	first, err := env.svc.Approve(ctx, "org-a", "u-first", result.RequestID, ActionInput{})
	require.NoError(t, err)
	assert.Equal(t, approval.RequestPending, first.RequestStatus)

	second, err := env.svc.Approve(ctx, "org-a", "u-second", result.RequestID, ActionInput{})
	require.NoError(t, err)
	assert.Equal(t, approval.RequestApproved, second.RequestStatus)
}

func TestApprove_OutOfOrderStillRequiresAllGroups(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wfID := env.createWorkflow(t, "org-a", "expense",
		singleStep(1, "u-first"),
		singleStep(2, "u-second"),
	)
	env.createRule(t, "org-a", "expense", wfID, 10, manual())

	result, err := env.svc.SubmitForApproval(ctx, "org-a", "u1", SubmitInput{EntityType: "expense", EntityID: "e-1"})
	require.NoError(t, err)

	// Acting is order-tolerant: the later step may resolve first, but the
	// request only approves once every group has.
	second, err := env.svc.Approve(ctx, "org-a", "u-second", result.RequestID, ActionInput{})
	require.NoError(t, err)
	assert.Equal(t, approval.RequestPending, second.RequestStatus)

	first, err := env.svc.Approve(ctx, "org-a", "u-first", result.RequestID, ActionInput{})
	require.NoError(t, err)
	assert.Equal(t, approval.RequestApproved, first.RequestStatus)
}

func TestApprove_WrongActor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wfID := env.createWorkflow(t, "org-a", "invoice", singleStep(1, "u-approver"))
	env.createRule(t, "org-a", "invoice", wfID, 10, manual())

	result, err := env.svc.SubmitForApproval(ctx, "org-a", "u1", SubmitInput{EntityType: "invoice", EntityID: "inv-1"})
	require.NoError(t, err)

	_, err = env.svc.Approve(ctx, "org-a", "u-stranger", result.RequestID, ActionInput{})
	assert.ErrorIs(t, err, approval.ErrNotFound)
}

func TestApprove_UnknownRequest(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Approve(context.Background(), "org-a", "u1", "nope", ActionInput{})
	assert.ErrorIs(t, err, approval.ErrNotFound)
}

func TestApprove_EmptyCommentsStaysNull(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wfID := env.createWorkflow(t, "org-a", "invoice", singleStep(1, "u-approver"))
	env.createRule(t, "org-a", "invoice", wfID, 10, manual())

	result, err := env.svc.SubmitForApproval(ctx, "org-a", "u1", SubmitInput{EntityType: "invoice", EntityID: "inv-1"})
	require.NoError(t, err)

	_, err = env.svc.Approve(ctx, "org-a", "u-approver", result.RequestID, ActionInput{})
	require.NoError(t, err)

	req, err := env.svc.GetRequest(ctx, "org-a", result.RequestID)
	require.NoError(t, err)
	require.Len(t, req.Steps, 1)
	assert.Nil(t, req.Steps[0].Comments)
}

func TestCrossOrganizationIsolation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wfID := env.createWorkflow(t, "org-a", "invoice", singleStep(1, "u-approver"))
	env.createRule(t, "org-a", "invoice", wfID, 10, manual())

	result, err := env.svc.SubmitForApproval(ctx, "org-a", "u1", SubmitInput{EntityType: "invoice", EntityID: "inv-1"})
	require.NoError(t, err)

	_, err = env.svc.Approve(ctx, "org-b", "u-approver", result.RequestID, ActionInput{})
	assert.ErrorIs(t, err, approval.ErrNotFound)

	_, err = env.svc.Reject(ctx, "org-b", "u-approver", result.RequestID, ActionInput{})
	assert.ErrorIs(t, err, approval.ErrNotFound)

	_, err = env.svc.GetRequest(ctx, "org-b", result.RequestID)
	assert.ErrorIs(t, err, approval.ErrNotFound)
}

func TestDelegation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wfID := env.createWorkflow(t, "org-a", "invoice", singleStep(1, "u-owner"))
	env.createRule(t, "org-a", "invoice", wfID, 10, manual())

	result, err := env.svc.SubmitForApproval(ctx, "org-a", "u1", SubmitInput{EntityType: "invoice", EntityID: "inv-1"})
	require.NoError(t, err)

	// Delegate, then re-delegate: latest delegate wins, status untouched.
	_, err = env.svc.Delegate(ctx, "u-owner", result.RequestID, DelegateInput{DelegateTo: "u-del1"})
	require.NoError(t, err)

	req, err := env.svc.GetRequest(ctx, "org-a", result.RequestID)
	require.NoError(t, err)
	require.NotNil(t, req.Steps[0].DelegatedTo)
	assert.Equal(t, "u-del1", *req.Steps[0].DelegatedTo)
	assert.Equal(t, approval.StepPending, req.Steps[0].Status)
	assert.Nil(t, req.Steps[0].ActionAt)

	_, err = env.svc.Delegate(ctx, "u-owner", result.RequestID, DelegateInput{DelegateTo: "u-del2"})
	require.NoError(t, err)

	req, err = env.svc.GetRequest(ctx, "org-a", result.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "u-del2", *req.Steps[0].DelegatedTo)

	// Displaced delegate can no longer act; the current one approves.
	_, err = env.svc.Approve(ctx, "org-a", "u-del1", result.RequestID, ActionInput{})
	assert.ErrorIs(t, err, approval.ErrNotFound)

	action, err := env.svc.Approve(ctx, "org-a", "u-del2", result.RequestID, ActionInput{})
	require.NoError(t, err)
	assert.Equal(t, approval.RequestApproved, action.RequestStatus)

	// Terminal step is no longer delegable.
	_, err = env.svc.Delegate(ctx, "u-owner", result.RequestID, DelegateInput{DelegateTo: "u-del3"})
	assert.ErrorIs(t, err, approval.ErrInvalidInput)
}

func TestDelegate_RequiresDelegatee(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Delegate(context.Background(), "u1", "req-1", DelegateInput{})
	assert.ErrorIs(t, err, approval.ErrInvalidInput)
}

func TestDelegate_TerminalStepNotFound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wfID := env.createWorkflow(t, "org-a", "expense",
		singleStep(1, "u-first"),
		singleStep(2, "u-second"),
	)
	env.createRule(t, "org-a", "expense", wfID, 10, manual())

	result, err := env.svc.SubmitForApproval(ctx, "org-a", "u1", SubmitInput{EntityType: "expense", EntityID: "e-1"})
	require.NoError(t, err)

	action, err := env.svc.Approve(ctx, "org-a", "u-first", result.RequestID, ActionInput{})
	require.NoError(t, err)
	require.Equal(t, approval.RequestPending, action.RequestStatus)

	// The request is still pending, but u-first's own step is terminal:
	// there is nothing actionable left for them to hand off.
	_, err = env.svc.Delegate(ctx, "u-first", result.RequestID, DelegateInput{DelegateTo: "u-del"})
	assert.ErrorIs(t, err, approval.ErrNotFound)

	// The open step is unaffected and still delegable.
	_, err = env.svc.Delegate(ctx, "u-second", result.RequestID, DelegateInput{DelegateTo: "u-del"})
	require.NoError(t, err)
}

func TestConcurrentApproveReject_SingleTerminalTransition(t *testing.T) {
	// One pooled connection serializes the two transactions, so the loser
	// deterministically runs against committed state and must surface a
	// typed error from the pending guards rather than a second transition.
	env := newTestEnvConns(t, 1)
	ctx := context.Background()

	wfID := env.createWorkflow(t, "org-a", "invoice", singleStep(1, "u-approver"))
	env.createRule(t, "org-a", "invoice", wfID, 10, manual())

	for i := 0; i < 20; i++ {
		result, err := env.svc.SubmitForApproval(ctx, "org-a", "u1", SubmitInput{
			EntityType: "invoice",
			EntityID:   fmt.Sprintf("inv-%d", i),
		})
		require.NoError(t, err)

		var (
			wg         sync.WaitGroup
			approveErr error
			rejectErr  error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, approveErr = env.svc.Approve(ctx, "org-a", "u-approver", result.RequestID, ActionInput{})
		}()
		go func() {
			defer wg.Done()
			_, rejectErr = env.svc.Reject(ctx, "org-a", "u-approver", result.RequestID, ActionInput{})
		}()
		wg.Wait()

		// Exactly one actor wins.
		if approveErr == nil {
			require.Error(t, rejectErr, "round %d: both actions succeeded", i)
		} else {
			require.NoError(t, rejectErr, "round %d: both actions failed: %v / %v", i, approveErr, rejectErr)
		}

		loser := approveErr
		if loser == nil {
			loser = rejectErr
		}
		assert.Truef(t,
			errors.Is(loser, approval.ErrNotFound) || errors.Is(loser, approval.ErrInvalidInput),
			"round %d: loser error is untyped: %v", i, loser)

		// Final state reflects the winner's transition and nothing else.
		req, err := env.svc.GetRequest(ctx, "org-a", result.RequestID)
		require.NoError(t, err)
		require.True(t, req.Status.IsTerminal())
		require.Len(t, req.Steps, 1)
		if approveErr == nil {
			assert.Equal(t, approval.RequestApproved, req.Status)
			assert.Equal(t, approval.StepApproved, req.Steps[0].Status)
		} else {
			assert.Equal(t, approval.RequestRejected, req.Status)
			assert.Equal(t, approval.StepRejected, req.Steps[0].Status)
		}
		require.NotNil(t, req.CompletedAt)
	}
}

func TestParallelQuorum(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, user := range []string{"u-a", "u-b", "u-c"} {
		require.NoError(t, env.members.Add(ctx, &repository.Membership{
			OrganizationID: "org-a",
			GroupType:      approval.ApproverRole,
			GroupKey:       "finance",
			UserID:         user,
		}))
	}

	wfID := env.createWorkflow(t, "org-a", "invoice", approval.StepDefinition{
		StepOrder:    1,
		StepType:     approval.StepParallel,
		ApproverType: approval.ApproverRole,
		ApproverRef:  "finance",
		MinApprovals: 2,
		RejectPolicy: approval.RejectTolerant,
		IsActive:     true,
	})
	env.createRule(t, "org-a", "invoice", wfID, 10, manual())

	result, err := env.svc.SubmitForApproval(ctx, "org-a", "u1", SubmitInput{EntityType: "invoice", EntityID: "inv-1"})
	require.NoError(t, err)
	assert.Contains(t, result.Message, "3 approver(s)")

	req, err := env.svc.GetRequest(ctx, "org-a", result.RequestID)
	require.NoError(t, err)
	require.Len(t, req.Steps, 3)
	for _, step := range req.Steps {
		assert.Equal(t, 1, step.StepOrder)
		assert.Equal(t, 2, step.MinApprovals)
		assert.Equal(t, 3, step.RequiredApprovers)
	}

	first, err := env.svc.Approve(ctx, "org-a", "u-a", result.RequestID, ActionInput{})
	require.NoError(t, err)
	assert.Equal(t, approval.RequestPending, first.RequestStatus)

	second, err := env.svc.Approve(ctx, "org-a", "u-b", result.RequestID, ActionInput{})
	require.NoError(t, err)
	assert.Equal(t, approval.RequestApproved, second.RequestStatus)

	// Quorum already met; the third approver has nothing left to decide.
	_, err = env.svc.Approve(ctx, "org-a", "u-c", result.RequestID, ActionInput{})
	assert.ErrorIs(t, err, approval.ErrInvalidInput)
}

func TestParallelReject_TolerantPolicy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, user := range []string{"u-a", "u-b", "u-c"} {
		require.NoError(t, env.members.Add(ctx, &repository.Membership{
			OrganizationID: "org-a",
			GroupType:      approval.ApproverRole,
			GroupKey:       "finance",
			UserID:         user,
		}))
	}

	wfID := env.createWorkflow(t, "org-a", "invoice", approval.StepDefinition{
		StepOrder:    1,
		StepType:     approval.StepParallel,
		ApproverType: approval.ApproverRole,
		ApproverRef:  "finance",
		MinApprovals: 2,
		RejectPolicy: approval.RejectTolerant,
		IsActive:     true,
	})
	env.createRule(t, "org-a", "invoice", wfID, 10, manual())

	result, err := env.svc.SubmitForApproval(ctx, "org-a", "u1", SubmitInput{EntityType: "invoice", EntityID: "inv-1"})
	require.NoError(t, err)

	// One rejection out of three leaves quorum reachable.
	first, err := env.svc.Reject(ctx, "org-a", "u-a", result.RequestID, ActionInput{})
	require.NoError(t, err)
	assert.Equal(t, approval.RequestPending, first.RequestStatus)

	// Second rejection makes 2-of-3 unreachable: request rejected.
	second, err := env.svc.Reject(ctx, "org-a", "u-b", result.RequestID, ActionInput{})
	require.NoError(t, err)
	assert.Equal(t, approval.RequestRejected, second.RequestStatus)
}

func TestParallelReject_ShortCircuitPolicy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, user := range []string{"u-a", "u-b"} {
		require.NoError(t, env.members.Add(ctx, &repository.Membership{
			OrganizationID: "org-a",
			GroupType:      approval.ApproverTeam,
			GroupKey:       "audit",
			UserID:         user,
		}))
	}

	wfID := env.createWorkflow(t, "org-a", "case", approval.StepDefinition{
		StepOrder:    1,
		StepType:     approval.StepParallel,
		ApproverType: approval.ApproverTeam,
		ApproverRef:  "audit",
		MinApprovals: 2,
		RejectPolicy: approval.RejectShortCircuit,
		IsActive:     true,
	})
	env.createRule(t, "org-a", "case", wfID, 10, manual())

	result, err := env.svc.SubmitForApproval(ctx, "org-a", "u1", SubmitInput{EntityType: "case", EntityID: "c-1"})
	require.NoError(t, err)

	action, err := env.svc.Reject(ctx, "org-a", "u-a", result.RequestID, ActionInput{})
	require.NoError(t, err)
	assert.Equal(t, approval.RequestRejected, action.RequestStatus)
}

func TestAnyStep_QuorumOfOne(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, user := range []string{"u-a", "u-b"} {
		require.NoError(t, env.members.Add(ctx, &repository.Membership{
			OrganizationID: "org-a",
			GroupType:      approval.ApproverRole,
			GroupKey:       "manager",
			UserID:         user,
		}))
	}

	wfID := env.createWorkflow(t, "org-a", "leave", approval.StepDefinition{
		StepOrder:    1,
		StepType:     approval.StepAny,
		ApproverType: approval.ApproverRole,
		ApproverRef:  "manager",
		MinApprovals: 1,
		RejectPolicy: approval.RejectTolerant,
		IsActive:     true,
	})
	env.createRule(t, "org-a", "leave", wfID, 10, manual())

	result, err := env.svc.SubmitForApproval(ctx, "org-a", "u1", SubmitInput{EntityType: "leave", EntityID: "l-1"})
	require.NoError(t, err)

	action, err := env.svc.Approve(ctx, "org-a", "u-b", result.RequestID, ActionInput{})
	require.NoError(t, err)
	assert.Equal(t, approval.RequestApproved, action.RequestStatus)
}

func TestPlanner_ZeroApproversFailsSubmission(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Role with no members.
	wfID := env.createWorkflow(t, "org-a", "invoice", approval.StepDefinition{
		StepOrder:    1,
		StepType:     approval.StepParallel,
		ApproverType: approval.ApproverRole,
		ApproverRef:  "ghost-role",
		MinApprovals: 1,
		IsActive:     true,
	})
	env.createRule(t, "org-a", "invoice", wfID, 10, manual())

	_, err := env.svc.SubmitForApproval(ctx, "org-a", "u1", SubmitInput{EntityType: "invoice", EntityID: "inv-1"})
	assert.ErrorIs(t, err, approval.ErrInvalidInput)
}

func TestPlanner_SingleStepNeedsExactlyOneApprover(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, user := range []string{"u-a", "u-b"} {
		require.NoError(t, env.members.Add(ctx, &repository.Membership{
			OrganizationID: "org-a",
			GroupType:      approval.ApproverRole,
			GroupKey:       "cfo",
			UserID:         user,
		}))
	}

	wfID := env.createWorkflow(t, "org-a", "invoice", approval.StepDefinition{
		StepOrder:    1,
		StepType:     approval.StepSingle,
		ApproverType: approval.ApproverRole,
		ApproverRef:  "cfo",
		MinApprovals: 1,
		IsActive:     true,
	})
	env.createRule(t, "org-a", "invoice", wfID, 10, manual())

	_, err := env.svc.SubmitForApproval(ctx, "org-a", "u1", SubmitInput{EntityType: "invoice", EntityID: "inv-1"})
	assert.ErrorIs(t, err, approval.ErrInvalidInput)
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wfID := env.createWorkflow(t, "org-a", "invoice", singleStep(1, "u-approver"))
	env.createRule(t, "org-a", "invoice", wfID, 10, manual())

	result, err := env.svc.SubmitForApproval(ctx, "org-a", "u-submitter", SubmitInput{EntityType: "invoice", EntityID: "inv-1"})
	require.NoError(t, err)

	// Only the submitter may cancel.
	_, err = env.svc.Cancel(ctx, "org-a", "u-approver", result.RequestID)
	assert.ErrorIs(t, err, approval.ErrInvalidInput)

	action, err := env.svc.Cancel(ctx, "org-a", "u-submitter", result.RequestID)
	require.NoError(t, err)
	assert.Equal(t, approval.RequestCancelled, action.RequestStatus)

	// Cancelled request is unactionable.
	_, err = env.svc.Approve(ctx, "org-a", "u-approver", result.RequestID, ActionInput{})
	assert.ErrorIs(t, err, approval.ErrInvalidInput)

	_, err = env.svc.Cancel(ctx, "org-a", "u-submitter", result.RequestID)
	assert.ErrorIs(t, err, approval.ErrInvalidInput)
}

func TestResubmissionCreatesIndependentRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wfID := env.createWorkflow(t, "org-a", "invoice", singleStep(1, "u-approver"))
	env.createRule(t, "org-a", "invoice", wfID, 10, manual())

	first, err := env.svc.SubmitForApproval(ctx, "org-a", "u1", SubmitInput{EntityType: "invoice", EntityID: "inv-1"})
	require.NoError(t, err)
	second, err := env.svc.SubmitForApproval(ctx, "org-a", "u1", SubmitInput{EntityType: "invoice", EntityID: "inv-1"})
	require.NoError(t, err)
	assert.NotEqual(t, first.RequestID, second.RequestID)

	requests, err := env.svc.ListEntityRequests(ctx, "org-a", "invoice", "inv-1")
	require.NoError(t, err)
	assert.Len(t, requests, 2)
}

func TestListPendingForApprover(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wfID := env.createWorkflow(t, "org-a", "invoice",
		singleStep(1, "u-approver"),
		singleStep(2, "u-later"),
	)
	env.createRule(t, "org-a", "invoice", wfID, 10, manual())

	result, err := env.svc.SubmitForApproval(ctx, "org-a", "u1", SubmitInput{EntityType: "invoice", EntityID: "inv-1"})
	require.NoError(t, err)

	pending, err := env.svc.ListPendingForApprover(ctx, "org-a", "u-approver")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, result.RequestID, pending[0].Request.ID)
	assert.Equal(t, 1, pending[0].Step.StepOrder)

	// Steps on other orgs or resolved requests never show up.
	pending, err = env.svc.ListPendingForApprover(ctx, "org-b", "u-approver")
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = env.svc.Approve(ctx, "org-a", "u-approver", result.RequestID, ActionInput{})
	require.NoError(t, err)

	pending, err = env.svc.ListPendingForApprover(ctx, "org-a", "u-approver")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wfID := env.createWorkflow(t, "org-a", "invoice", singleStep(1, "u-approver"))
	env.createRule(t, "org-a", "invoice", wfID, 10, manual())

	result, err := env.svc.SubmitForApproval(ctx, "org-a", "u-submitter", SubmitInput{EntityType: "invoice", EntityID: "inv-1"})
	require.NoError(t, err)

	_, err = env.svc.Delegate(ctx, "u-approver", result.RequestID, DelegateInput{DelegateTo: "u-del"})
	require.NoError(t, err)
	_, err = env.svc.Approve(ctx, "org-a", "u-del", result.RequestID, ActionInput{})
	require.NoError(t, err)

	trail, err := env.svc.GetEntityTrail(ctx, "org-a", "invoice", "inv-1")
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, "submitted", trail[0].Action)
	assert.Equal(t, "delegated", trail[1].Action)
	assert.Equal(t, "approved", trail[2].Action)
	assert.Equal(t, "u-del", trail[2].ActorID)
}
