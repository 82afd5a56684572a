package approval

import "time"

// RuleLogic combines a rule's conditions.
type RuleLogic string

const (
	LogicAnd RuleLogic = "AND"
	LogicOr  RuleLogic = "OR"
)

// WorkflowRule selects which workflow applies to a submission. Rules are
// evaluated per (organization, entity type) in priority order.
type WorkflowRule struct {
	ID             string      `json:"id"`
	OrganizationID string      `json:"organization_id"`
	EntityType     string      `json:"entity_type"`
	Name           string      `json:"name"`
	Priority       int         `json:"priority"` // lower value wins
	Logic          RuleLogic   `json:"logic"`
	Conditions     []Condition `json:"conditions"`
	WorkflowID     string      `json:"workflow_id"`
	IsActive       bool        `json:"is_active"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Matches evaluates the rule's condition set against an entity data
// snapshot. An empty condition list never matches, so a rule cannot
// silently apply to everything.
func (r *WorkflowRule) Matches(entityData map[string]interface{}) bool {
	if len(r.Conditions) == 0 {
		return false
	}

	switch r.Logic {
	case LogicOr:
		for _, c := range r.Conditions {
			if Evaluate(c, entityData) {
				return true
			}
		}
		return false
	default: // AND
		for _, c := range r.Conditions {
			if !Evaluate(c, entityData) {
				return false
			}
		}
		return true
	}
}

// LessRule is the total order used to pick a winner among matching rules:
// lower priority value first, then creation order as a stable tie-break.
func LessRule(a, b *WorkflowRule) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
