package approval

import "time"

// StepType controls how a step definition expands at planning time and how
// its approvals are counted.
type StepType string

const (
	// StepSingle requires exactly one named approver.
	StepSingle StepType = "single"
	// StepParallel fans out to every resolved approver; MinApprovals of
	// them must approve.
	StepParallel StepType = "parallel"
	// StepAny fans out like parallel but is conventionally configured with
	// MinApprovals = 1.
	StepAny StepType = "any"
)

// ApproverType says how a step definition's ApproverRef is interpreted.
type ApproverType string

const (
	ApproverUser ApproverType = "user"
	ApproverRole ApproverType = "role"
	ApproverTeam ApproverType = "team"
)

// RejectPolicy controls what a rejection inside a parallel/any group does.
type RejectPolicy string

const (
	// RejectShortCircuit rejects the whole request on the first rejection.
	// This is the only behavior for single steps.
	RejectShortCircuit RejectPolicy = "short_circuit"
	// RejectTolerant keeps the group alive until quorum becomes
	// unreachable (approved + still-pending < MinApprovals).
	RejectTolerant RejectPolicy = "tolerant"
)

// ApprovalWorkflow is an ordered approval policy for a class of entities.
type ApprovalWorkflow struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	EntityType     string    `json:"entity_type"`
	Name           string    `json:"name"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// StepDefinition is one step template within a workflow.
type StepDefinition struct {
	ID           string       `json:"id"`
	WorkflowID   string       `json:"workflow_id"`
	StepOrder    int          `json:"step_order"` // 1-based, unique within the workflow
	StepType     StepType     `json:"step_type"`
	ApproverType ApproverType `json:"approver_type"`
	ApproverRef  string       `json:"approver_ref"`  // user id, or role/team key
	MinApprovals int          `json:"min_approvals"` // quorum; meaningful for parallel/any
	RejectPolicy RejectPolicy `json:"reject_policy"`
	IsActive     bool         `json:"is_active"`
}

// WorkflowWithSteps bundles a workflow with its active step definitions
// ordered by StepOrder.
type WorkflowWithSteps struct {
	ApprovalWorkflow
	Steps []StepDefinition `json:"steps"`
}
