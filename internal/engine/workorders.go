package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"canopy/internal/domain"
	"canopy/internal/events"
)

// WorkOrderCreateOptions are parameters for generating a work order from a
// plan.
type WorkOrderCreateOptions struct {
	PlanID     string
	Title      string
	AssigneeID string
	DueDate    string
	Priority   string
	ActorID    string
}

// WorkOrderResult identifies the pair of records produced by generation.
type WorkOrderResult struct {
	WorkOrderID string `json:"work_order_id"`
	TaskID      string `json:"task_id"`
}

// CreateWorkOrderFromPlan converts an approved plan into a work order plus
// its initial task. The two inserts and the plan status change share one
// transaction; a work order without a task is never observable. Leaving
// AssigneeID empty puts the task in the installation pool.
func (e Engine) CreateWorkOrderFromPlan(ctx context.Context, opts WorkOrderCreateOptions) (WorkOrderResult, error) {
	if e.Config == nil {
		return WorkOrderResult{}, errors.New("config not loaded")
	}
	p, err := e.Repo.GetPlan(ctx, opts.PlanID)
	if err != nil {
		return WorkOrderResult{}, err
	}
	if p.TreeID == nil || *p.TreeID == "" {
		return WorkOrderResult{}, ValidationError{Field: "tree_id", Reason: "plan has no target tree"}
	}
	switch p.Status {
	case "APPROVED", "IN_PROGRESS":
	default:
		return WorkOrderResult{}, InvalidTransitionError{Entity: "plan", From: p.Status, To: "IN_PROGRESS"}
	}
	priority := opts.Priority
	if priority == "" {
		priority = "MEDIUM"
	}
	title := opts.Title
	if title == "" {
		title = fmt.Sprintf("%s %s", p.InterventionType, p.Code)
	}
	now := e.nowRFC3339()
	wo := domain.WorkOrder{
		ID:             uuid.New().String(),
		PlanID:         p.ID,
		InstallationID: p.InstallationID,
		Title:          title,
		Status:         "PENDING",
		AssigneeID:     optionalString(opts.AssigneeID),
		DueDate:        optionalString(normalizeEndDate(opts.DueDate)),
		CreatedBy:      opts.ActorID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	t := domain.Task{
		ID:             uuid.New().String(),
		WorkOrderID:    wo.ID,
		InstallationID: p.InstallationID,
		Status:         "NOT_STARTED",
		Priority:       priority,
		AssigneeID:     optionalString(opts.AssigneeID),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return WorkOrderResult{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertWorkOrder(ctx, tx, wo); err != nil {
		return WorkOrderResult{}, err
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return WorkOrderResult{}, err
	}
	if p.Status != "IN_PROGRESS" {
		p.Status = "IN_PROGRESS"
		p.UpdatedAt = now
		if err := e.Repo.UpdatePlan(ctx, tx, p); err != nil {
			return WorkOrderResult{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "workorder.created", wo.InstallationID, "workorder", wo.ID, opts.ActorID, events.EventPayload{
		"plan_id": p.ID,
		"task_id": t.ID,
	}); err != nil {
		return WorkOrderResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return WorkOrderResult{}, err
	}
	return WorkOrderResult{WorkOrderID: wo.ID, TaskID: t.ID}, nil
}

// ReopenResult reports the outcome of reopening a terminal work order.
type ReopenResult struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	NewTaskID string `json:"new_task_id,omitempty"`
}

// ReopenWorkOrder reverses a COMPLETED or CANCELLED work order back into
// execution. The reason is mandatory. Prior tasks, evidence and progress
// logs stay untouched; a fresh NOT_STARTED task carries the new cycle.
func (e Engine) ReopenWorkOrder(ctx context.Context, workOrderID, reason, newStart, newDue, actorID string) (ReopenResult, error) {
	if reason == "" {
		return ReopenResult{}, ValidationError{Field: "reason", Reason: "required"}
	}
	wo, err := e.Repo.GetWorkOrder(ctx, workOrderID)
	if err != nil {
		return ReopenResult{}, err
	}
	switch wo.Status {
	case "COMPLETED", "CANCELLED":
	default:
		return ReopenResult{}, InvalidTransitionError{Entity: "workorder", From: wo.Status, To: "IN_PROGRESS"}
	}

	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ReopenResult{}, err
	}
	defer tx.Rollback()

	if err := e.requireManager(ctx, tx, wo.InstallationID, actorID, "workorder.reopen"); err != nil {
		return ReopenResult{}, err
	}

	// Re-read inside the transaction so a concurrent transition loses
	// cleanly instead of silently overwriting.
	wo, err = e.Repo.GetWorkOrderTx(ctx, tx, workOrderID)
	if err != nil {
		return ReopenResult{}, err
	}
	if wo.Status != "COMPLETED" && wo.Status != "CANCELLED" {
		return ReopenResult{}, InvalidTransitionError{Entity: "workorder", From: wo.Status, To: "IN_PROGRESS"}
	}
	prevStatus := wo.Status
	wo.Status = "IN_PROGRESS"
	wo.UpdatedAt = now
	if newDue != "" {
		wo.DueDate = optionalString(normalizeEndDate(newDue))
	}
	if err := e.Repo.UpdateWorkOrder(ctx, tx, wo); err != nil {
		return ReopenResult{}, err
	}

	t := domain.Task{
		ID:             uuid.New().String(),
		WorkOrderID:    wo.ID,
		InstallationID: wo.InstallationID,
		Status:         "NOT_STARTED",
		Priority:       "MEDIUM",
		AssigneeID:     wo.AssigneeID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return ReopenResult{}, err
	}

	p, err := e.Repo.GetPlanTx(ctx, tx, wo.PlanID)
	if err != nil {
		return ReopenResult{}, err
	}
	p.Status = "IN_PROGRESS"
	if newStart != "" {
		p.ScheduleStart = normalizeDate(newStart)
	}
	p.UpdatedAt = now
	if err := e.Repo.UpdatePlan(ctx, tx, p); err != nil {
		return ReopenResult{}, err
	}

	if err := e.Events.Append(ctx, tx, "workorder.reopened", wo.InstallationID, "workorder", wo.ID, actorID, events.EventPayload{
		"reason":      reason,
		"from_status": prevStatus,
		"new_task_id": t.ID,
		"new_start":   newStart,
		"new_due":     newDue,
	}); err != nil {
		return ReopenResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ReopenResult{}, err
	}
	return ReopenResult{
		Success:   true,
		Message:   fmt.Sprintf("work order %s reopened", wo.ID),
		NewTaskID: t.ID,
	}, nil
}

// CancelWorkOrder cancels a work order along with its open tasks. The
// owning plan is left as-is; cancelling one execution cycle does not
// abandon the plan.
func (e Engine) CancelWorkOrder(ctx context.Context, workOrderID, actorID string) (domain.WorkOrder, error) {
	wo, err := e.Repo.GetWorkOrder(ctx, workOrderID)
	if err != nil {
		return wo, err
	}
	switch wo.Status {
	case "COMPLETED", "CANCELLED":
		return wo, InvalidTransitionError{Entity: "workorder", From: wo.Status, To: "CANCELLED"}
	}
	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return wo, err
	}
	defer tx.Rollback()
	tasks, err := e.Repo.ListWorkOrderTasksTx(ctx, tx, wo.ID)
	if err != nil {
		return wo, err
	}
	for _, t := range tasks {
		if t.Status == "COMPLETED" || t.Status == "CANCELLED" {
			continue
		}
		t.Status = "CANCELLED"
		t.UpdatedAt = now
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return wo, err
		}
	}
	wo.Status = "CANCELLED"
	wo.UpdatedAt = now
	if err := e.Repo.UpdateWorkOrder(ctx, tx, wo); err != nil {
		return wo, err
	}
	if err := e.Events.Append(ctx, tx, "workorder.cancelled", wo.InstallationID, "workorder", wo.ID, actorID, events.EventPayload{}); err != nil {
		return wo, err
	}
	if err := tx.Commit(); err != nil {
		return wo, err
	}
	return wo, nil
}

// DeleteWorkOrder removes a work order whose execution never started.
// Anything past that point is history and must be cancelled instead.
func (e Engine) DeleteWorkOrder(ctx context.Context, workOrderID, actorID string) error {
	wo, err := e.Repo.GetWorkOrder(ctx, workOrderID)
	if err != nil {
		return err
	}
	tasks, err := e.Repo.ListWorkOrderTasks(ctx, wo.ID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status != "NOT_STARTED" {
			return ValidationError{Field: "workorder", Reason: "execution started; cancel instead of delete"}
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteWorkOrder(ctx, tx, wo.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "workorder.deleted", wo.InstallationID, "workorder", wo.ID, actorID, events.EventPayload{"plan_id": wo.PlanID}); err != nil {
		return err
	}
	return tx.Commit()
}
