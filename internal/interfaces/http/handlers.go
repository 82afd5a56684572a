package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/coreledger/approvalflow/internal/domain/approval"
	"github.com/coreledger/approvalflow/internal/export"
	"github.com/coreledger/approvalflow/internal/repository"
	"github.com/coreledger/approvalflow/internal/service"
)

// Callers identify themselves through headers; authentication itself is
// upstream's concern.
const (
	headerOrganization = "X-Organization-ID"
	headerUser         = "X-User-ID"
)

// Handlers contains all HTTP request handlers
type Handlers struct {
	approvals *service.ApprovalService
	admin     *service.AdminService
	exporter  *export.TrailExporter
	logger    *zap.Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(
	approvals *service.ApprovalService,
	admin *service.AdminService,
	exporter *export.TrailExporter,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		approvals: approvals,
		admin:     admin,
		exporter:  exporter,
		logger:    logger,
	}
}

// Response represents a standard JSON response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

// SubmitRequest is the submission payload.
type SubmitRequest struct {
	EntityType string                 `json:"entity_type" binding:"required"`
	EntityID   string                 `json:"entity_id" binding:"required"`
	EntityData map[string]interface{} `json:"entity_data"`
}

// ActionRequest carries the optional comment for approve/reject.
type ActionRequest struct {
	Comments *string `json:"comments"`
}

// DelegateRequest carries delegation parameters.
type DelegateRequest struct {
	DelegateTo string  `json:"delegate_to" binding:"required"`
	Comments   *string `json:"comments"`
}

// RequestResponse represents an approval request in API responses.
type RequestResponse struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	WorkflowID     string         `json:"workflow_id"`
	EntityType     string         `json:"entity_type"`
	EntityID       string         `json:"entity_id"`
	RequestedBy    string         `json:"requested_by"`
	Status         string         `json:"status"`
	SubmittedAt    string         `json:"submitted_at"`
	CompletedAt    *string        `json:"completed_at,omitempty"`
	Steps          []StepResponse `json:"steps,omitempty"`
}

// StepResponse represents an approval step in API responses.
type StepResponse struct {
	ID           string  `json:"id"`
	StepOrder    int     `json:"step_order"`
	StepType     string  `json:"step_type"`
	ApproverID   string  `json:"approver_id"`
	DelegatedTo  *string `json:"delegated_to,omitempty"`
	MinApprovals int     `json:"min_approvals"`
	Status       string  `json:"status"`
	Comments     *string `json:"comments,omitempty"`
	ActionAt     *string `json:"action_at,omitempty"`
}

// RuleRequest is the admin payload for creating or updating a rule.
type RuleRequest struct {
	EntityType string               `json:"entity_type" binding:"required"`
	Name       string               `json:"name" binding:"required"`
	Priority   int                  `json:"priority"`
	Logic      string               `json:"logic"`
	Conditions []approval.Condition `json:"conditions"`
	WorkflowID string               `json:"workflow_id" binding:"required"`
	IsActive   *bool                `json:"is_active"`
}

// WorkflowRequest is the admin payload for creating a workflow.
type WorkflowRequest struct {
	EntityType string               `json:"entity_type" binding:"required"`
	Name       string               `json:"name" binding:"required"`
	Steps      []StepDefinitionBody `json:"steps" binding:"required"`
}

// StepDefinitionBody is one step template in a WorkflowRequest.
type StepDefinitionBody struct {
	StepOrder    int    `json:"step_order"`
	StepType     string `json:"step_type"`
	ApproverType string `json:"approver_type"`
	ApproverRef  string `json:"approver_ref"`
	MinApprovals int    `json:"min_approvals"`
	RejectPolicy string `json:"reject_policy"`
}

// MembershipRequest is the admin payload for directory changes.
type MembershipRequest struct {
	GroupType string `json:"group_type" binding:"required"`
	GroupKey  string `json:"group_key" binding:"required"`
	UserID    string `json:"user_id" binding:"required"`
}

// identity pulls the caller's organization and user from headers. Both
// are required on every /api route.
func (h *Handlers) identity(c *gin.Context) (orgID, userID string, ok bool) {
	orgID = c.GetHeader(headerOrganization)
	userID = c.GetHeader(headerUser)
	if orgID == "" || userID == "" {
		c.JSON(http.StatusBadRequest, Response{
			Success: false,
			Error:   "missing " + headerOrganization + " or " + headerUser + " header",
		})
		return "", "", false
	}
	return orgID, userID, true
}

// fail maps domain errors onto status codes.
func (h *Handlers) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, approval.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, approval.ErrInvalidInput):
		status = http.StatusBadRequest
	default:
		h.logger.Error("Request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
	}
	c.JSON(status, Response{Success: false, Error: err.Error()})
}

func (h *Handlers) badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, Response{Success: false, Error: msg})
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data: HealthResponse{
			Status:    "healthy",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Version:   "1.0.0",
		},
	})
}

// Submit handles POST /api/approvals
func (h *Handlers) Submit(c *gin.Context) {
	orgID, userID, ok := h.identity(c)
	if !ok {
		return
	}

	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body: "+err.Error())
		return
	}

	result, err := h.approvals.SubmitForApproval(c.Request.Context(), orgID, userID, service.SubmitInput{
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		EntityData: req.EntityData,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, Response{Success: true, Data: result})
}

// GetRequest handles GET /api/approvals/:id
func (h *Handlers) GetRequest(c *gin.Context) {
	orgID, _, ok := h.identity(c)
	if !ok {
		return
	}

	req, err := h.approvals.GetRequest(c.Request.Context(), orgID, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: toRequestResponse(req)})
}

// Approve handles POST /api/approvals/:id/approve
func (h *Handlers) Approve(c *gin.Context) {
	h.action(c, h.approvals.Approve)
}

// Reject handles POST /api/approvals/:id/reject
func (h *Handlers) Reject(c *gin.Context) {
	h.action(c, h.approvals.Reject)
}

func (h *Handlers) action(c *gin.Context, do func(ctx context.Context, orgID, actorID, requestID string, in service.ActionInput) (*service.ActionResult, error)) {
	orgID, userID, ok := h.identity(c)
	if !ok {
		return
	}

	var req ActionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.badRequest(c, "invalid request body: "+err.Error())
			return
		}
	}

	result, err := do(c.Request.Context(), orgID, userID, c.Param("id"), service.ActionInput{Comments: req.Comments})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: result})
}

// Delegate handles POST /api/approvals/:id/delegate
func (h *Handlers) Delegate(c *gin.Context) {
	_, userID, ok := h.identity(c)
	if !ok {
		return
	}

	var req DelegateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body: "+err.Error())
		return
	}

	result, err := h.approvals.Delegate(c.Request.Context(), userID, c.Param("id"), service.DelegateInput{
		DelegateTo: req.DelegateTo,
		Comments:   req.Comments,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: result})
}

// Cancel handles POST /api/approvals/:id/cancel
func (h *Handlers) Cancel(c *gin.Context) {
	orgID, userID, ok := h.identity(c)
	if !ok {
		return
	}

	result, err := h.approvals.Cancel(c.Request.Context(), orgID, userID, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: result})
}

// ListPending handles GET /api/approvals/pending
func (h *Handlers) ListPending(c *gin.Context) {
	orgID, userID, ok := h.identity(c)
	if !ok {
		return
	}

	pending, err := h.approvals.ListPendingForApprover(c.Request.Context(), orgID, userID)
	if err != nil {
		h.fail(c, err)
		return
	}

	type pendingItem struct {
		Step    StepResponse    `json:"step"`
		Request RequestResponse `json:"request"`
	}
	items := make([]pendingItem, 0, len(pending))
	for _, p := range pending {
		items = append(items, pendingItem{
			Step:    toStepResponse(p.Step),
			Request: toRequestResponse(&approval.RequestWithSteps{ApprovalRequest: p.Request}),
		})
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: items})
}

// ListEntityRequests handles GET /api/entities/:type/:id/requests
func (h *Handlers) ListEntityRequests(c *gin.Context) {
	orgID, _, ok := h.identity(c)
	if !ok {
		return
	}

	requests, err := h.approvals.ListEntityRequests(c.Request.Context(), orgID, c.Param("type"), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	items := make([]RequestResponse, 0, len(requests))
	for _, r := range requests {
		items = append(items, toRequestResponse(&approval.RequestWithSteps{ApprovalRequest: *r}))
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: items})
}

// GetEntityTrail handles GET /api/entities/:type/:id/trail
func (h *Handlers) GetEntityTrail(c *gin.Context) {
	orgID, _, ok := h.identity(c)
	if !ok {
		return
	}

	trail, err := h.approvals.GetEntityTrail(c.Request.Context(), orgID, c.Param("type"), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: trail})
}

// ExportEntityTrail handles GET /api/entities/:type/:id/trail.xlsx. The
// workbook covers the entity's most recent request plus the full trail.
func (h *Handlers) ExportEntityTrail(c *gin.Context) {
	orgID, _, ok := h.identity(c)
	if !ok {
		return
	}

	entityType, entityID := c.Param("type"), c.Param("id")
	ctx := c.Request.Context()

	requests, err := h.approvals.ListEntityRequests(ctx, orgID, entityType, entityID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if len(requests) == 0 {
		h.fail(c, approval.ErrNotFound)
		return
	}

	latest, err := h.approvals.GetRequest(ctx, orgID, requests[0].ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	trail, err := h.approvals.GetEntityTrail(ctx, orgID, entityType, entityID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="approval-trail.xlsx"`)
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	if err := h.exporter.Write(c.Writer, latest, trail); err != nil {
		h.logger.Error("Failed to stream trail export",
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err))
	}
}

// CreateRule handles POST /api/admin/rules
func (h *Handlers) CreateRule(c *gin.Context) {
	orgID, _, ok := h.identity(c)
	if !ok {
		return
	}

	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body: "+err.Error())
		return
	}

	rule := req.toDomain(orgID, "")
	if err := h.admin.CreateRule(c.Request.Context(), rule); err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, Response{Success: true, Data: gin.H{"id": rule.ID}})
}

// UpdateRule handles PUT /api/admin/rules/:id
func (h *Handlers) UpdateRule(c *gin.Context) {
	orgID, _, ok := h.identity(c)
	if !ok {
		return
	}

	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body: "+err.Error())
		return
	}

	if err := h.admin.UpdateRule(c.Request.Context(), req.toDomain(orgID, c.Param("id"))); err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, Response{Success: true})
}

// DeleteRule handles DELETE /api/admin/rules/:id
func (h *Handlers) DeleteRule(c *gin.Context) {
	orgID, _, ok := h.identity(c)
	if !ok {
		return
	}

	if err := h.admin.DeleteRule(c.Request.Context(), c.Param("id"), orgID); err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, Response{Success: true})
}

// GetRule handles GET /api/admin/rules/:id
func (h *Handlers) GetRule(c *gin.Context) {
	orgID, _, ok := h.identity(c)
	if !ok {
		return
	}

	rule, err := h.admin.GetRule(c.Request.Context(), c.Param("id"), orgID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: rule})
}

// ListRules handles GET /api/admin/rules?entity_type=...
func (h *Handlers) ListRules(c *gin.Context) {
	orgID, _, ok := h.identity(c)
	if !ok {
		return
	}

	entityType := c.Query("entity_type")
	if entityType == "" {
		h.badRequest(c, "entity_type query parameter is required")
		return
	}

	rules, err := h.admin.ListRules(c.Request.Context(), orgID, entityType)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: rules})
}

// CreateWorkflow handles POST /api/admin/workflows
func (h *Handlers) CreateWorkflow(c *gin.Context) {
	orgID, _, ok := h.identity(c)
	if !ok {
		return
	}

	var req WorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body: "+err.Error())
		return
	}

	wf := &approval.WorkflowWithSteps{
		ApprovalWorkflow: approval.ApprovalWorkflow{
			OrganizationID: orgID,
			EntityType:     req.EntityType,
			Name:           req.Name,
			IsActive:       true,
		},
	}
	for _, body := range req.Steps {
		wf.Steps = append(wf.Steps, approval.StepDefinition{
			StepOrder:    body.StepOrder,
			StepType:     approval.StepType(body.StepType),
			ApproverType: approval.ApproverType(body.ApproverType),
			ApproverRef:  body.ApproverRef,
			MinApprovals: body.MinApprovals,
			RejectPolicy: approval.RejectPolicy(body.RejectPolicy),
			IsActive:     true,
		})
	}

	if err := h.admin.CreateWorkflow(c.Request.Context(), wf); err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, Response{Success: true, Data: gin.H{"id": wf.ID}})
}

// GetWorkflow handles GET /api/admin/workflows/:id
func (h *Handlers) GetWorkflow(c *gin.Context) {
	orgID, _, ok := h.identity(c)
	if !ok {
		return
	}

	wf, err := h.admin.GetWorkflow(c.Request.Context(), c.Param("id"), orgID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: wf})
}

// ListWorkflows handles GET /api/admin/workflows
func (h *Handlers) ListWorkflows(c *gin.Context) {
	orgID, _, ok := h.identity(c)
	if !ok {
		return
	}

	workflows, err := h.admin.ListWorkflows(c.Request.Context(), orgID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: workflows})
}

// SetWorkflowActive handles PATCH /api/admin/workflows/:id/active
func (h *Handlers) SetWorkflowActive(c *gin.Context) {
	orgID, _, ok := h.identity(c)
	if !ok {
		return
	}

	var req struct {
		IsActive *bool `json:"is_active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body: "+err.Error())
		return
	}

	if err := h.admin.SetWorkflowActive(c.Request.Context(), c.Param("id"), orgID, *req.IsActive); err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, Response{Success: true})
}

// AddMembership handles POST /api/admin/memberships
func (h *Handlers) AddMembership(c *gin.Context) {
	orgID, _, ok := h.identity(c)
	if !ok {
		return
	}

	var req MembershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body: "+err.Error())
		return
	}

	m := &repository.Membership{
		OrganizationID: orgID,
		GroupType:      approval.ApproverType(req.GroupType),
		GroupKey:       req.GroupKey,
		UserID:         req.UserID,
	}
	if err := h.admin.AddMembership(c.Request.Context(), m); err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, Response{Success: true, Data: gin.H{"id": m.ID}})
}

// RemoveMembership handles DELETE /api/admin/memberships
func (h *Handlers) RemoveMembership(c *gin.Context) {
	orgID, _, ok := h.identity(c)
	if !ok {
		return
	}

	var req MembershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body: "+err.Error())
		return
	}

	err := h.admin.RemoveMembership(c.Request.Context(), orgID, approval.ApproverType(req.GroupType), req.GroupKey, req.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, Response{Success: true})
}

func (r RuleRequest) toDomain(orgID, id string) *approval.WorkflowRule {
	active := true
	if r.IsActive != nil {
		active = *r.IsActive
	}
	return &approval.WorkflowRule{
		ID:             id,
		OrganizationID: orgID,
		EntityType:     r.EntityType,
		Name:           r.Name,
		Priority:       r.Priority,
		Logic:          approval.RuleLogic(r.Logic),
		Conditions:     r.Conditions,
		WorkflowID:     r.WorkflowID,
		IsActive:       active,
	}
}

func toRequestResponse(req *approval.RequestWithSteps) RequestResponse {
	resp := RequestResponse{
		ID:             req.ID,
		OrganizationID: req.OrganizationID,
		WorkflowID:     req.WorkflowID,
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		RequestedBy:    req.RequestedBy,
		Status:         req.Status.String(),
		SubmittedAt:    req.SubmittedAt.Format(time.RFC3339),
	}
	if req.CompletedAt != nil {
		completed := req.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &completed
	}
	for _, step := range req.Steps {
		resp.Steps = append(resp.Steps, toStepResponse(step))
	}
	return resp
}

func toStepResponse(step approval.ApprovalStep) StepResponse {
	resp := StepResponse{
		ID:           step.ID,
		StepOrder:    step.StepOrder,
		StepType:     string(step.StepType),
		ApproverID:   step.ApproverID,
		DelegatedTo:  step.DelegatedTo,
		MinApprovals: step.MinApprovals,
		Status:       step.Status.String(),
		Comments:     step.Comments,
	}
	if step.ActionAt != nil {
		at := step.ActionAt.Format(time.RFC3339)
		resp.ActionAt = &at
	}
	return resp
}
