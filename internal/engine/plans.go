package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"canopy/internal/domain"
	"canopy/internal/events"
	"canopy/internal/repo"
)

// PlanCreateOptions are parameters for creating an intervention plan.
type PlanCreateOptions struct {
	ID                 string
	InstallationID     string
	TreeID             string
	InterventionType   string
	ScheduleStart      string
	ScheduleEnd        string
	MobilizationDays   int
	ExecutionDays      int
	DemobilizationDays int
	Responsible        string
	ResponsibleTitle   string
	Justification      string
	Techniques         []string
	Tools              []string
	PPE                []string
	ActorID            string
}

// CreatePlan persists a DRAFT plan with a freshly allocated code. The
// returned conflict, when non-nil, is an advisory same-day collision; the
// plan is saved regardless.
func (e Engine) CreatePlan(ctx context.Context, opts PlanCreateOptions) (domain.Plan, *domain.Conflict, error) {
	if e.Config == nil {
		return domain.Plan{}, nil, errors.New("config not loaded")
	}
	if opts.InstallationID == "" {
		return domain.Plan{}, nil, ValidationError{Field: "installation_id", Reason: "required"}
	}
	if opts.InterventionType == "" {
		return domain.Plan{}, nil, ValidationError{Field: "intervention_type", Reason: "required"}
	}
	if opts.ScheduleStart == "" {
		return domain.Plan{}, nil, ValidationError{Field: "schedule_start", Reason: "required"}
	}
	start, err := time.Parse("2006-01-02", normalizeDate(opts.ScheduleStart))
	if err != nil {
		return domain.Plan{}, nil, ValidationError{Field: "schedule_start", Reason: "invalid date"}
	}
	conflict, err := e.CheckPlanConflict(ctx, opts.InstallationID, ConflictCandidate{
		Date:        opts.ScheduleStart,
		TreeID:      opts.TreeID,
		Responsible: opts.Responsible,
	})
	if err != nil {
		return domain.Plan{}, nil, err
	}

	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowRFC3339()
	p := domain.Plan{
		ID:                 id,
		InstallationID:     opts.InstallationID,
		TreeID:             optionalString(opts.TreeID),
		Status:             "DRAFT",
		InterventionType:   opts.InterventionType,
		ScheduleStart:      start.Format("2006-01-02"),
		ScheduleEnd:        optionalString(normalizeEndDate(opts.ScheduleEnd)),
		MobilizationDays:   opts.MobilizationDays,
		ExecutionDays:      opts.ExecutionDays,
		DemobilizationDays: opts.DemobilizationDays,
		Responsible:        opts.Responsible,
		ResponsibleTitle:   opts.ResponsibleTitle,
		Justification:      opts.Justification,
		Techniques:         opts.Techniques,
		Tools:              opts.Tools,
		PPE:                opts.PPE,
		CreatedBy:          opts.ActorID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Plan{}, nil, err
	}
	defer tx.Rollback()

	p.Code, err = e.Repo.NextPlanCode(ctx, tx, p.InstallationID, start.Year())
	if err != nil {
		return domain.Plan{}, nil, err
	}
	if err := e.Repo.InsertPlan(ctx, tx, p); err != nil {
		return domain.Plan{}, nil, err
	}
	payload := events.EventPayload{"code": p.Code, "schedule_start": p.ScheduleStart}
	if conflict != nil {
		payload["conflict_type"] = conflict.Type
		payload["conflicting_plan_id"] = conflict.ConflictingPlanID
	}
	if err := e.Events.Append(ctx, tx, "plan.created", p.InstallationID, "plan", p.ID, opts.ActorID, payload); err != nil {
		return domain.Plan{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Plan{}, nil, err
	}
	return p, conflict, nil
}

func normalizeEndDate(v string) string {
	if v == "" {
		return ""
	}
	return normalizeDate(v)
}

// PlanUpdateOptions encapsulates allowed plan updates. Nil pointers leave
// the field untouched.
type PlanUpdateOptions struct {
	ID                 string
	TreeID             *string
	InterventionType   *string
	ScheduleStart      *string
	ScheduleEnd        *string
	MobilizationDays   *int
	ExecutionDays      *int
	DemobilizationDays *int
	Responsible        *string
	ResponsibleTitle   *string
	Justification      *string
	Techniques         []string
	Tools              []string
	PPE                []string
	ActorID            string
}

func (e Engine) UpdatePlan(ctx context.Context, opts PlanUpdateOptions) (domain.Plan, *domain.Conflict, error) {
	if e.Config == nil {
		return domain.Plan{}, nil, errors.New("config not loaded")
	}
	p, err := e.Repo.GetPlan(ctx, opts.ID)
	if err != nil {
		return p, nil, err
	}
	switch p.Status {
	case "COMPLETED", "CANCELLED":
		return p, nil, InvalidTransitionError{Entity: "plan", From: p.Status, To: p.Status}
	}
	if opts.TreeID != nil {
		if *opts.TreeID == "" {
			p.TreeID = nil
		} else {
			p.TreeID = opts.TreeID
		}
	}
	if opts.InterventionType != nil {
		if *opts.InterventionType == "" {
			return p, nil, ValidationError{Field: "intervention_type", Reason: "required"}
		}
		p.InterventionType = *opts.InterventionType
	}
	if opts.ScheduleStart != nil {
		start, err := time.Parse("2006-01-02", normalizeDate(*opts.ScheduleStart))
		if err != nil {
			return p, nil, ValidationError{Field: "schedule_start", Reason: "invalid date"}
		}
		p.ScheduleStart = start.Format("2006-01-02")
	}
	if opts.ScheduleEnd != nil {
		p.ScheduleEnd = optionalString(normalizeEndDate(*opts.ScheduleEnd))
	}
	if opts.MobilizationDays != nil {
		p.MobilizationDays = *opts.MobilizationDays
	}
	if opts.ExecutionDays != nil {
		p.ExecutionDays = *opts.ExecutionDays
	}
	if opts.DemobilizationDays != nil {
		p.DemobilizationDays = *opts.DemobilizationDays
	}
	if opts.Responsible != nil {
		p.Responsible = *opts.Responsible
	}
	if opts.ResponsibleTitle != nil {
		p.ResponsibleTitle = *opts.ResponsibleTitle
	}
	if opts.Justification != nil {
		p.Justification = *opts.Justification
	}
	if opts.Techniques != nil {
		p.Techniques = opts.Techniques
	}
	if opts.Tools != nil {
		p.Tools = opts.Tools
	}
	if opts.PPE != nil {
		p.PPE = opts.PPE
	}

	candidate := ConflictCandidate{Date: p.ScheduleStart, Responsible: p.Responsible, ExcludePlanID: p.ID}
	if p.TreeID != nil {
		candidate.TreeID = *p.TreeID
	}
	conflict, err := e.CheckPlanConflict(ctx, p.InstallationID, candidate)
	if err != nil {
		return p, nil, err
	}

	p.UpdatedAt = e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdatePlan(ctx, tx, p); err != nil {
		return p, nil, err
	}
	if err := e.Events.Append(ctx, tx, "plan.updated", p.InstallationID, "plan", p.ID, opts.ActorID, events.EventPayload{
		"schedule_start": p.ScheduleStart,
	}); err != nil {
		return p, nil, err
	}
	if err := tx.Commit(); err != nil {
		return p, nil, err
	}
	return p, conflict, nil
}

// ApprovePlan moves a DRAFT plan to APPROVED, making it eligible for
// work-order generation.
func (e Engine) ApprovePlan(ctx context.Context, planID, actorID string) (domain.Plan, error) {
	p, err := e.Repo.GetPlan(ctx, planID)
	if err != nil {
		return p, err
	}
	if p.Status != "DRAFT" {
		return p, InvalidTransitionError{Entity: "plan", From: p.Status, To: "APPROVED"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	p.Status = "APPROVED"
	p.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdatePlan(ctx, tx, p); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, "plan.approved", p.InstallationID, "plan", p.ID, actorID, events.EventPayload{"code": p.Code}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return p, nil
}

// DeletePlan removes a plan that has no work orders yet.
func (e Engine) DeletePlan(ctx context.Context, planID, actorID string) error {
	p, err := e.Repo.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	orders, err := e.Repo.ListWorkOrders(ctx, repo.WorkOrderFilters{PlanID: planID, Limit: 1})
	if err != nil {
		return err
	}
	if len(orders) > 0 {
		return ValidationError{Field: "plan", Reason: "has work orders; cancel them first"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeletePlan(ctx, tx, planID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "plan.deleted", p.InstallationID, "plan", p.ID, actorID, events.EventPayload{"code": p.Code}); err != nil {
		return err
	}
	return tx.Commit()
}
