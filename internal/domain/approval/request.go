package approval

import "time"

// ApprovalRequest is one submission of a business entity through a matched
// workflow. EntityData is the JSON snapshot used at match time only; it is
// never re-evaluated after submission.
type ApprovalRequest struct {
	ID             string        `json:"id"`
	OrganizationID string        `json:"organization_id"`
	WorkflowID     string        `json:"workflow_id"`
	EntityType     string        `json:"entity_type"`
	EntityID       string        `json:"entity_id"`
	EntityData     string        `json:"entity_data"` // opaque JSON snapshot
	RequestedBy    string        `json:"requested_by"`
	Status         RequestStatus `json:"status"`
	SubmittedAt    time.Time     `json:"submitted_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"` // set iff status is terminal
}

// ApprovalStep is one unit of required approval. Parallel/any step
// definitions fan out to multiple rows sharing StepOrder, one per resolved
// approver.
type ApprovalStep struct {
	ID                string       `json:"id"`
	RequestID         string       `json:"request_id"`
	StepOrder         int          `json:"step_order"`
	StepType          StepType     `json:"step_type"`
	ApproverID        string       `json:"approver_id"`            // concrete resolved user
	DelegatedTo       *string      `json:"delegated_to,omitempty"` // nullable; may change while pending
	MinApprovals      int          `json:"min_approvals"`
	RequiredApprovers int          `json:"required_approvers"` // size of the resolved approver pool
	RejectPolicy      RejectPolicy `json:"reject_policy"`
	Status            StepStatus   `json:"status"`
	Comments          *string      `json:"comments,omitempty"`
	ActionAt          *time.Time   `json:"action_at,omitempty"` // set on terminal transition
}

// AuthorizedActor reports whether userID may act on this step: the formal
// owner, or the current delegate if one is set.
func (s *ApprovalStep) AuthorizedActor(userID string) bool {
	if s.ApproverID == userID {
		return true
	}
	return s.DelegatedTo != nil && *s.DelegatedTo == userID
}

// RequestWithSteps is the read-model projection of a request and all of its
// steps ordered by StepOrder.
type RequestWithSteps struct {
	ApprovalRequest
	Steps []ApprovalStep `json:"steps"`
}

// GroupOutcome is the resolution state of one stepOrder group.
type GroupOutcome int

const (
	// GroupPending means the group has not met quorum and can still do so.
	GroupPending GroupOutcome = iota
	// GroupApproved means approvals reached the group quorum.
	GroupApproved
	// GroupRejected means quorum can no longer be reached.
	GroupRejected
)

// ResolveGroup derives the outcome of a stepOrder group from its rows.
// Quorum is met once approved count reaches MinApprovals; it becomes
// unreachable once approved plus still-pending rows fall below it.
func ResolveGroup(steps []ApprovalStep) GroupOutcome {
	if len(steps) == 0 {
		return GroupPending
	}
	quorum := steps[0].MinApprovals
	if quorum < 1 {
		quorum = 1
	}

	var approved, pending int
	for _, s := range steps {
		switch s.Status {
		case StepApproved:
			approved++
		case StepPending:
			pending++
		}
	}

	if approved >= quorum {
		return GroupApproved
	}
	if approved+pending < quorum {
		return GroupRejected
	}
	return GroupPending
}
