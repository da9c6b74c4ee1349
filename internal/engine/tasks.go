package engine

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"canopy/internal/domain"
	"canopy/internal/engine/auth"
	"canopy/internal/events"
)

func ensureTaskTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case "NOT_STARTED":
		if newStatus == "IN_PROGRESS" || newStatus == "CANCELLED" {
			return nil
		}
	case "IN_PROGRESS":
		if newStatus == "PENDING_APPROVAL" || newStatus == "BLOCKED" || newStatus == "CANCELLED" {
			return nil
		}
	case "BLOCKED":
		if newStatus == "IN_PROGRESS" || newStatus == "CANCELLED" {
			return nil
		}
	case "PENDING_APPROVAL":
		if newStatus == "COMPLETED" || newStatus == "IN_PROGRESS" || newStatus == "CANCELLED" {
			return nil
		}
	}
	return InvalidTransitionError{Entity: "task", From: oldStatus, To: newStatus}
}

// requireManager rejects actors without a manager-class role in the
// installation.
func (e Engine) requireManager(ctx context.Context, tx *sql.Tx, installationID, actorID, perm string) error {
	roles, err := e.Auth.ActorRoles(ctx, tx, installationID, actorID)
	if err != nil {
		return err
	}
	if !auth.IsManagerRole(roles) {
		return auth.ForbiddenError{Permission: perm}
	}
	return nil
}

// StartTask moves a NOT_STARTED task into execution and stamps the start
// time. An unassigned pool task is claimed by whoever starts it.
func (e Engine) StartTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if err := ensureTaskTransition(t.Status, "IN_PROGRESS"); err != nil {
		return t, err
	}
	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if err := ensureTaskTransition(t.Status, "IN_PROGRESS"); err != nil {
		return t, err
	}
	t.Status = "IN_PROGRESS"
	t.StartedAt = &now
	t.UpdatedAt = now
	if t.AssigneeID == nil && actorID != "" {
		t.AssigneeID = &actorID
	}
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	wo, err := e.Repo.GetWorkOrderTx(ctx, tx, t.WorkOrderID)
	if err != nil {
		return t, err
	}
	if wo.Status == "PENDING" {
		wo.Status = "IN_PROGRESS"
		wo.UpdatedAt = now
		if err := e.Repo.UpdateWorkOrder(ctx, tx, wo); err != nil {
			return t, err
		}
	}
	if err := e.Events.Append(ctx, tx, "task.started", t.InstallationID, "task", t.ID, actorID, events.EventPayload{}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// LogProgress appends an audit entry while the task is IN_PROGRESS. The
// entry also refreshes the task's current percent but never changes its
// status.
func (e Engine) LogProgress(ctx context.Context, taskID, actorID string, percent int, notes string) (domain.ProgressEntry, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.ProgressEntry{}, err
	}
	if t.Status != "IN_PROGRESS" {
		return domain.ProgressEntry{}, InvalidTransitionError{Entity: "task", From: t.Status, To: t.Status}
	}
	percent = clampPercent(percent)
	now := e.nowRFC3339()
	entry := domain.ProgressEntry{
		ID:              uuid.New().String(),
		TaskID:          t.ID,
		ActorID:         actorID,
		ProgressPercent: percent,
		Notes:           notes,
		LoggedAt:        now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return entry, err
	}
	defer tx.Rollback()
	t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return entry, err
	}
	if t.Status != "IN_PROGRESS" {
		return entry, InvalidTransitionError{Entity: "task", From: t.Status, To: t.Status}
	}
	if err := e.Repo.InsertProgressEntry(ctx, tx, entry); err != nil {
		return entry, err
	}
	t.ProgressPercent = percent
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return entry, err
	}
	if err := e.Events.Append(ctx, tx, "task.progress", t.InstallationID, "task", t.ID, actorID, events.EventPayload{"percent": percent}); err != nil {
		return entry, err
	}
	if err := tx.Commit(); err != nil {
		return entry, err
	}
	return entry, nil
}

// CompleteTask submits an IN_PROGRESS task for approval. The evidence
// guard re-reads the ledger inside the transaction so a photo uploaded a
// moment earlier counts and a cached snapshot never decides the outcome.
func (e Engine) CompleteTask(ctx context.Context, taskID, actorID string, percent *int, notes string) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if err := ensureTaskTransition(t.Status, "PENDING_APPROVAL"); err != nil {
		return t, err
	}
	finalPercent := 100
	if percent != nil {
		finalPercent = clampPercent(*percent)
	}
	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	// Re-read so a transition committed between the first read and this
	// transaction cannot be overwritten.
	t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if err := ensureTaskTransition(t.Status, "PENDING_APPROVAL"); err != nil {
		return t, err
	}

	counts, err := e.Repo.CountEvidenceByStage(ctx, tx, t.ID)
	if err != nil {
		return t, err
	}
	for _, stage := range e.requiredStages() {
		if counts[stage] == 0 {
			return t, ValidationError{Field: "evidence", Reason: "required evidence missing: " + stage}
		}
	}

	t.Status = "PENDING_APPROVAL"
	t.ProgressPercent = finalPercent
	t.CompletedAt = &now
	t.UpdatedAt = now
	if notes != "" {
		t.Notes = notes
	}
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.completed", t.InstallationID, "task", t.ID, actorID, events.EventPayload{
		"percent": t.ProgressPercent,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

func (e Engine) requiredStages() []string {
	if e.Config != nil && len(e.Config.Evidence.Completion.Require) > 0 {
		return e.Config.Evidence.Completion.Require
	}
	return []string{"before", "after"}
}

// BlockTask records an external impediment. Raising an alert is a separate
// call; a block may exist without one.
func (e Engine) BlockTask(ctx context.Context, taskID, actorID, reason string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if err := ensureTaskTransition(t.Status, "BLOCKED"); err != nil {
		return t, err
	}
	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if err := ensureTaskTransition(t.Status, "BLOCKED"); err != nil {
		return t, err
	}
	t.Status = "BLOCKED"
	if reason != "" {
		t.Notes = reason
	}
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.blocked", t.InstallationID, "task", t.ID, actorID, events.EventPayload{"reason": reason}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// ResumeTask returns a BLOCKED task to execution.
func (e Engine) ResumeTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if t.Status != "BLOCKED" {
		return t, InvalidTransitionError{Entity: "task", From: t.Status, To: "IN_PROGRESS"}
	}
	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if t.Status != "BLOCKED" {
		return t, InvalidTransitionError{Entity: "task", From: t.Status, To: "IN_PROGRESS"}
	}
	t.Status = "IN_PROGRESS"
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.resumed", t.InstallationID, "task", t.ID, actorID, events.EventPayload{}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// ApproveTask accepts submitted work. The task and its work order reach
// COMPLETED in the same transaction; when that was the plan's last open
// order the plan completes too. Manager-class roles only.
func (e Engine) ApproveTask(ctx context.Context, taskID, approverID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if err := ensureTaskTransition(t.Status, "COMPLETED"); err != nil {
		return t, err
	}
	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.requireManager(ctx, tx, t.InstallationID, approverID, "task.approve"); err != nil {
		return t, err
	}
	// Re-read so an approval racing a rejection cannot double-apply.
	t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if err := ensureTaskTransition(t.Status, "COMPLETED"); err != nil {
		return t, err
	}
	t.Status = "COMPLETED"
	t.CompletedAt = &now
	t.RejectionReason = nil
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}

	wo, err := e.Repo.GetWorkOrderTx(ctx, tx, t.WorkOrderID)
	if err != nil {
		return t, err
	}
	wo.Status = "COMPLETED"
	wo.UpdatedAt = now
	if err := e.Repo.UpdateWorkOrder(ctx, tx, wo); err != nil {
		return t, err
	}
	if err := e.completePlanIfDone(ctx, tx, wo.PlanID, now); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.approved", t.InstallationID, "task", t.ID, approverID, events.EventPayload{"work_order_id": wo.ID}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

func (e Engine) completePlanIfDone(ctx context.Context, tx *sql.Tx, planID, now string) error {
	rows, err := tx.QueryContext(ctx, `SELECT count(*) FROM work_orders WHERE plan_id=? AND status NOT IN ('COMPLETED','CANCELLED')`, planID)
	if err != nil {
		return err
	}
	defer rows.Close()
	open := 0
	if rows.Next() {
		if err := rows.Scan(&open); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if open > 0 {
		return nil
	}
	p, err := e.Repo.GetPlanTx(ctx, tx, planID)
	if err != nil {
		return err
	}
	if p.Status == "COMPLETED" || p.Status == "CANCELLED" {
		return nil
	}
	p.Status = "COMPLETED"
	p.UpdatedAt = now
	return e.Repo.UpdatePlan(ctx, tx, p)
}

// RejectTask sends submitted work back for rework with a recorded reason.
// Manager-class roles only.
func (e Engine) RejectTask(ctx context.Context, taskID, approverID, reason string) (domain.Task, error) {
	if reason == "" {
		return domain.Task{}, ValidationError{Field: "reason", Reason: "required"}
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if err := ensureTaskTransition(t.Status, "IN_PROGRESS"); err != nil {
		return t, err
	}
	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.requireManager(ctx, tx, t.InstallationID, approverID, "task.reject"); err != nil {
		return t, err
	}
	t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if err := ensureTaskTransition(t.Status, "IN_PROGRESS"); err != nil {
		return t, err
	}
	t.Status = "IN_PROGRESS"
	t.RejectionReason = &reason
	t.CompletedAt = nil
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.rejected", t.InstallationID, "task", t.ID, approverID, events.EventPayload{"reason": reason}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// CancelTask cancels an open task. When no open tasks remain the work
// order is cancelled with it.
func (e Engine) CancelTask(ctx context.Context, taskID, actorID, reason string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if err := ensureTaskTransition(t.Status, "CANCELLED"); err != nil {
		return t, err
	}
	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if err := ensureTaskTransition(t.Status, "CANCELLED"); err != nil {
		return t, err
	}
	t.Status = "CANCELLED"
	if reason != "" {
		t.Notes = reason
	}
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	siblings, err := e.Repo.ListWorkOrderTasksTx(ctx, tx, t.WorkOrderID)
	if err != nil {
		return t, err
	}
	open := false
	for _, s := range siblings {
		if s.ID == t.ID {
			continue
		}
		if s.Status != "COMPLETED" && s.Status != "CANCELLED" {
			open = true
			break
		}
	}
	if !open {
		wo, err := e.Repo.GetWorkOrderTx(ctx, tx, t.WorkOrderID)
		if err != nil {
			return t, err
		}
		if wo.Status != "COMPLETED" && wo.Status != "CANCELLED" {
			wo.Status = "CANCELLED"
			wo.UpdatedAt = now
			if err := e.Repo.UpdateWorkOrder(ctx, tx, wo); err != nil {
				return t, err
			}
		}
	}
	if err := e.Events.Append(ctx, tx, "task.cancelled", t.InstallationID, "task", t.ID, actorID, events.EventPayload{"reason": reason}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}
