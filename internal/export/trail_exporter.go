package export

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/coreledger/approvalflow/internal/domain/approval"
	"github.com/coreledger/approvalflow/internal/repository"
)

const (
	sheetRequest = "Request"
	sheetSteps   = "Steps"
	sheetTrail   = "Audit Trail"

	timeLayout = "2006-01-02 15:04:05"
)

// TrailExporter renders an approval request and its audit trail as an
// Excel workbook, one sheet each for the request summary, the step
// assignments and the chronological audit entries.
type TrailExporter struct {
	logger *zap.Logger
}

// NewTrailExporter creates a new trail exporter
func NewTrailExporter(logger *zap.Logger) *TrailExporter {
	return &TrailExporter{logger: logger}
}

// Build assembles the workbook in memory.
func (e *TrailExporter) Build(req *approval.RequestWithSteps, trail []*repository.AuditEntry) (*excelize.File, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required: %w", approval.ErrInvalidInput)
	}

	f := excelize.NewFile()
	if err := f.SetSheetName(f.GetSheetName(0), sheetRequest); err != nil {
		return nil, fmt.Errorf("failed to rename sheet: %w", err)
	}

	e.fillRequestSheet(f, req)

	if _, err := f.NewSheet(sheetSteps); err != nil {
		return nil, fmt.Errorf("failed to add steps sheet: %w", err)
	}
	e.fillStepsSheet(f, req.Steps)

	if _, err := f.NewSheet(sheetTrail); err != nil {
		return nil, fmt.Errorf("failed to add trail sheet: %w", err)
	}
	e.fillTrailSheet(f, trail)

	return f, nil
}

// Write builds the workbook and streams it to w.
func (e *TrailExporter) Write(w io.Writer, req *approval.RequestWithSteps, trail []*repository.AuditEntry) error {
	f, err := e.Build(req, trail)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}

	e.logger.Info("Approval trail exported",
		zap.String("request_id", req.ID),
		zap.Int("steps", len(req.Steps)),
		zap.Int("audit_entries", len(trail)))
	return nil
}

func (e *TrailExporter) fillRequestSheet(f *excelize.File, req *approval.RequestWithSteps) {
	rows := [][2]string{
		{"Request ID", req.ID},
		{"Organization", req.OrganizationID},
		{"Workflow ID", req.WorkflowID},
		{"Entity Type", req.EntityType},
		{"Entity ID", req.EntityID},
		{"Requested By", req.RequestedBy},
		{"Status", req.Status.String()},
		{"Submitted At", req.SubmittedAt.Format(timeLayout)},
		{"Completed At", formatOptionalTime(req.CompletedAt)},
	}
	for i, row := range rows {
		e.setCell(f, sheetRequest, fmt.Sprintf("A%d", i+1), row[0])
		e.setCell(f, sheetRequest, fmt.Sprintf("B%d", i+1), row[1])
	}
}

func (e *TrailExporter) fillStepsSheet(f *excelize.File, steps []approval.ApprovalStep) {
	headers := []string{"Step Order", "Type", "Approver", "Delegated To", "Status", "Comments", "Action At"}
	for i, h := range headers {
		e.setCell(f, sheetSteps, cellRef(i, 1), h)
	}
	for r, step := range steps {
		row := r + 2
		e.setCell(f, sheetSteps, cellRef(0, row), fmt.Sprintf("%d", step.StepOrder))
		e.setCell(f, sheetSteps, cellRef(1, row), string(step.StepType))
		e.setCell(f, sheetSteps, cellRef(2, row), step.ApproverID)
		e.setCell(f, sheetSteps, cellRef(3, row), derefString(step.DelegatedTo))
		e.setCell(f, sheetSteps, cellRef(4, row), step.Status.String())
		e.setCell(f, sheetSteps, cellRef(5, row), derefString(step.Comments))
		e.setCell(f, sheetSteps, cellRef(6, row), formatOptionalTime(step.ActionAt))
	}
}

func (e *TrailExporter) fillTrailSheet(f *excelize.File, trail []*repository.AuditEntry) {
	headers := []string{"Time", "Action", "Actor", "Entity Type", "Entity ID"}
	for i, h := range headers {
		e.setCell(f, sheetTrail, cellRef(i, 1), h)
	}
	for r, entry := range trail {
		row := r + 2
		e.setCell(f, sheetTrail, cellRef(0, row), entry.CreatedAt.Format(timeLayout))
		e.setCell(f, sheetTrail, cellRef(1, row), entry.Action)
		e.setCell(f, sheetTrail, cellRef(2, row), entry.ActorID)
		e.setCell(f, sheetTrail, cellRef(3, row), entry.EntityType)
		e.setCell(f, sheetTrail, cellRef(4, row), entry.EntityID)
	}
}

// setCell sets a cell value, logging instead of failing on bad refs.
func (e *TrailExporter) setCell(f *excelize.File, sheet, cell, value string) {
	if err := f.SetCellValue(sheet, cell, value); err != nil {
		e.logger.Warn("Failed to set cell value",
			zap.String("sheet", sheet),
			zap.String("cell", cell),
			zap.Error(err))
	}
}

func cellRef(col, row int) string {
	name, _ := excelize.CoordinatesToCellName(col+1, row)
	return name
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(timeLayout)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
