package server

import (
	"encoding/json"

	"canopy/internal/config"
	"canopy/internal/domain"
	"canopy/internal/engine"
)

// Request payloads

type CreatePlanRequest struct {
	TreeID             *string  `json:"tree_id,omitempty"`
	InterventionType   string   `json:"intervention_type"`
	ScheduleStart      string   `json:"schedule_start" format:"date"`
	ScheduleEnd        *string  `json:"schedule_end,omitempty" format:"date"`
	MobilizationDays   int      `json:"mobilization_days,omitempty"`
	ExecutionDays      int      `json:"execution_days,omitempty"`
	DemobilizationDays int      `json:"demobilization_days,omitempty"`
	Responsible        *string  `json:"responsible,omitempty"`
	ResponsibleTitle   *string  `json:"responsible_title,omitempty"`
	Justification      *string  `json:"justification,omitempty"`
	Techniques         []string `json:"techniques,omitempty"`
	Tools              []string `json:"tools,omitempty"`
	PPE                []string `json:"ppe,omitempty"`
}

type UpdatePlanRequest struct {
	TreeID             *string  `json:"tree_id,omitempty"`
	InterventionType   *string  `json:"intervention_type,omitempty"`
	ScheduleStart      *string  `json:"schedule_start,omitempty" format:"date"`
	ScheduleEnd        *string  `json:"schedule_end,omitempty" format:"date"`
	MobilizationDays   *int     `json:"mobilization_days,omitempty"`
	ExecutionDays      *int     `json:"execution_days,omitempty"`
	DemobilizationDays *int     `json:"demobilization_days,omitempty"`
	Responsible        *string  `json:"responsible,omitempty"`
	ResponsibleTitle   *string  `json:"responsible_title,omitempty"`
	Justification      *string  `json:"justification,omitempty"`
	Techniques         []string `json:"techniques,omitempty"`
	Tools              []string `json:"tools,omitempty"`
	PPE                []string `json:"ppe,omitempty"`
}

type ConflictCheckRequest struct {
	Date          string  `json:"date" format:"date"`
	TreeID        *string `json:"tree_id,omitempty"`
	Responsible   *string `json:"responsible,omitempty"`
	ExcludePlanID *string `json:"exclude_plan_id,omitempty"`
}

type CreateWorkOrderRequest struct {
	PlanID     string  `json:"plan_id"`
	Title      *string `json:"title,omitempty"`
	AssigneeID *string `json:"assignee_id,omitempty"`
	DueDate    *string `json:"due_date,omitempty" format:"date"`
	Priority   *string `json:"priority,omitempty" enum:"LOW,MEDIUM,HIGH,CRITICAL"`
}

// Reason is schema-optional here and in RejectTaskRequest: the engine
// guard owns the empty-reason rule and reports it as a 422.
type ReopenWorkOrderRequest struct {
	Reason   *string `json:"reason,omitempty"`
	NewStart *string `json:"new_start,omitempty" format:"date"`
	NewDue   *string `json:"new_due,omitempty" format:"date"`
}

type ProgressRequest struct {
	Percent int     `json:"percent" minimum:"0" maximum:"100"`
	Notes   *string `json:"notes,omitempty"`
}

type CompleteTaskRequest struct {
	Percent *int    `json:"percent,omitempty" minimum:"0" maximum:"100"`
	Notes   *string `json:"notes,omitempty"`
}

type BlockTaskRequest struct {
	Reason string `json:"reason"`
}

type RejectTaskRequest struct {
	Reason *string `json:"reason,omitempty"`
}

type AddEvidenceRequest struct {
	Stage    string         `json:"stage" enum:"before,during_1,during_2,after,completion"`
	PhotoRef string         `json:"photo_ref"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Notes    *string        `json:"notes,omitempty"`
	Lat      *float64       `json:"lat,omitempty"`
	Lng      *float64       `json:"lng,omitempty"`
}

type CreateAlertRequest struct {
	TaskID  *string  `json:"task_id,omitempty"`
	Type    string   `json:"type" enum:"ENVIRONMENTAL,TECHNICAL,OPERATIONAL,SAFETY_ISSUE,OTHER"`
	Message string   `json:"message"`
	Lat     *float64 `json:"lat,omitempty"`
	Lng     *float64 `json:"lng,omitempty"`
}

type ResolveAlertRequest struct {
	Notes *string `json:"notes,omitempty"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type PlanResponse struct {
	ID                 string   `json:"id"`
	Code               string   `json:"code"`
	InstallationID     string   `json:"installation_id"`
	TreeID             *string  `json:"tree_id,omitempty"`
	Status             string   `json:"status" enum:"DRAFT,APPROVED,IN_PROGRESS,COMPLETED,CANCELLED"`
	InterventionType   string   `json:"intervention_type"`
	ScheduleStart      string   `json:"schedule_start" format:"date"`
	ScheduleEnd        *string  `json:"schedule_end,omitempty" format:"date"`
	MobilizationDays   int      `json:"mobilization_days"`
	ExecutionDays      int      `json:"execution_days"`
	DemobilizationDays int      `json:"demobilization_days"`
	Responsible        string   `json:"responsible,omitempty"`
	ResponsibleTitle   string   `json:"responsible_title,omitempty"`
	Justification      string   `json:"justification,omitempty"`
	Techniques         []string `json:"techniques"`
	Tools              []string `json:"tools"`
	PPE                []string `json:"ppe"`
	CreatedBy          string   `json:"created_by"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
	UpdatedAt          string   `json:"updated_at" format:"date-time"`
}

type ConflictResponse struct {
	Type              string `json:"type" enum:"tree,responsible"`
	ConflictingPlanID string `json:"conflicting_plan_id"`
	ConflictingCode   string `json:"conflicting_code"`
	Message           string `json:"message"`
}

type PlanWithConflictResponse struct {
	Plan     PlanResponse      `json:"plan"`
	Conflict *ConflictResponse `json:"conflict,omitempty"`
}

type WorkOrderResponse struct {
	ID             string  `json:"id"`
	PlanID         string  `json:"plan_id"`
	InstallationID string  `json:"installation_id"`
	Title          string  `json:"title"`
	Status         string  `json:"status" enum:"PENDING,IN_PROGRESS,COMPLETED,CANCELLED"`
	AssigneeID     *string `json:"assignee_id,omitempty"`
	DueDate        *string `json:"due_date,omitempty" format:"date"`
	CreatedBy      string  `json:"created_by"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type TaskResponse struct {
	ID              string  `json:"id"`
	WorkOrderID     string  `json:"work_order_id"`
	InstallationID  string  `json:"installation_id"`
	Status          string  `json:"status" enum:"NOT_STARTED,IN_PROGRESS,PENDING_APPROVAL,COMPLETED,BLOCKED,CANCELLED"`
	Priority        string  `json:"priority" enum:"LOW,MEDIUM,HIGH,CRITICAL"`
	AssigneeID      *string `json:"assignee_id,omitempty"`
	ProgressPercent int     `json:"progress_percent"`
	EvidenceStage   string  `json:"evidence_stage" enum:"none,before,during,after,completed"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
	Notes           string  `json:"notes,omitempty"`
	StartedAt       *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt     *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

type EvidenceResponse struct {
	ID           string         `json:"id"`
	TaskID       string         `json:"task_id"`
	Stage        string         `json:"stage" enum:"before,during_1,during_2,after,completion"`
	DisplayStage string         `json:"display_stage" enum:"before,during,after,completion"`
	PhotoRef     string         `json:"photo_ref"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Notes        string         `json:"notes,omitempty"`
	Lat          *float64       `json:"lat,omitempty"`
	Lng          *float64       `json:"lng,omitempty"`
	CapturedBy   string         `json:"captured_by"`
	CapturedAt   string         `json:"captured_at" format:"date-time"`
}

type ProgressEntryResponse struct {
	ID      string `json:"id"`
	TaskID  string `json:"task_id"`
	ActorID string `json:"actor_id"`
	Percent int    `json:"percent"`
	Notes   string `json:"notes,omitempty"`
	TS      string `json:"ts" format:"date-time"`
}

type AlertResponse struct {
	ID              string   `json:"id"`
	TaskID          *string  `json:"task_id,omitempty"`
	InstallationID  string   `json:"installation_id"`
	ActorID         string   `json:"actor_id"`
	Type            string   `json:"type"`
	Message         string   `json:"message"`
	Lat             *float64 `json:"lat,omitempty"`
	Lng             *float64 `json:"lng,omitempty"`
	Resolved        bool     `json:"resolved"`
	ResolvedAt      *string  `json:"resolved_at,omitempty" format:"date-time"`
	ResolvedBy      *string  `json:"resolved_by,omitempty"`
	ResolutionNotes string   `json:"resolution_notes,omitempty"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID             int64          `json:"id"`
	TS             string         `json:"ts" format:"date-time"`
	Type           string         `json:"type"`
	InstallationID string         `json:"installation_id,omitempty"`
	EntityKind     string         `json:"entity_kind"`
	EntityID       string         `json:"entity_id,omitempty"`
	ActorID        string         `json:"actor_id"`
	Payload        map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type InstallationConfigResponse struct {
	Installation struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"installation"`
	EvidenceStages     []string `json:"evidence_stages"`
	CompletionRequires []string `json:"completion_requires"`
	AlertTypes         []string `json:"alert_types"`
	Roles              []string `json:"roles"`
}

type paginatedPlans struct {
	Items      []PlanResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedWorkOrders struct {
	Items      []WorkOrderResponse `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func planResponse(p domain.Plan) PlanResponse {
	return PlanResponse{
		ID:                 p.ID,
		Code:               p.Code,
		InstallationID:     p.InstallationID,
		TreeID:             p.TreeID,
		Status:             p.Status,
		InterventionType:   p.InterventionType,
		ScheduleStart:      p.ScheduleStart,
		ScheduleEnd:        p.ScheduleEnd,
		MobilizationDays:   p.MobilizationDays,
		ExecutionDays:      p.ExecutionDays,
		DemobilizationDays: p.DemobilizationDays,
		Responsible:        p.Responsible,
		ResponsibleTitle:   p.ResponsibleTitle,
		Justification:      p.Justification,
		Techniques:         nonNilSlice(p.Techniques),
		Tools:              nonNilSlice(p.Tools),
		PPE:                nonNilSlice(p.PPE),
		CreatedBy:          p.CreatedBy,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}
}

func conflictResponse(c *domain.Conflict) *ConflictResponse {
	if c == nil {
		return nil
	}
	return &ConflictResponse{
		Type:              c.Type,
		ConflictingPlanID: c.ConflictingPlanID,
		ConflictingCode:   c.ConflictingCode,
		Message:           c.Message,
	}
}

func workOrderResponse(wo domain.WorkOrder) WorkOrderResponse {
	return WorkOrderResponse(wo)
}

func taskResponse(t domain.Task, evidence []domain.Evidence) TaskResponse {
	return TaskResponse{
		ID:              t.ID,
		WorkOrderID:     t.WorkOrderID,
		InstallationID:  t.InstallationID,
		Status:          t.Status,
		Priority:        t.Priority,
		AssigneeID:      t.AssigneeID,
		ProgressPercent: t.ProgressPercent,
		EvidenceStage:   engine.EvidenceStageOf(evidence),
		RejectionReason: t.RejectionReason,
		Notes:           t.Notes,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

func evidenceResponse(ev domain.Evidence) EvidenceResponse {
	return EvidenceResponse{
		ID:           ev.ID,
		TaskID:       ev.TaskID,
		Stage:        ev.Stage,
		DisplayStage: engine.DisplayStage(ev.Stage),
		PhotoRef:     ev.PhotoRef,
		Metadata:     decodeJSONMap(ev.MetadataJSON),
		Notes:        ev.Notes,
		Lat:          ev.CaptureLat,
		Lng:          ev.CaptureLng,
		CapturedBy:   ev.CapturedBy,
		CapturedAt:   ev.CapturedAt,
	}
}

func progressResponse(e domain.ProgressEntry) ProgressEntryResponse {
	return ProgressEntryResponse{
		ID:      e.ID,
		TaskID:  e.TaskID,
		ActorID: e.ActorID,
		Percent: e.ProgressPercent,
		Notes:   e.Notes,
		TS:      e.LoggedAt,
	}
}

func alertResponse(a domain.Alert) AlertResponse {
	return AlertResponse(a)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:             e.ID,
		TS:             e.TS,
		Type:           e.Type,
		InstallationID: e.InstallationID,
		EntityKind:     e.EntityKind,
		EntityID:       e.EntityID,
		ActorID:        e.ActorID,
		Payload:        decodeJSONMap(e.Payload),
	}
}

func configResponse(cfg *config.Config) InstallationConfigResponse {
	var res InstallationConfigResponse
	res.Installation.ID = cfg.Installation.ID
	res.Installation.Name = cfg.Installation.Name
	for stage := range cfg.Evidence.Stages {
		res.EvidenceStages = append(res.EvidenceStages, stage)
	}
	res.CompletionRequires = nonNilSlice(cfg.Evidence.Completion.Require)
	for t := range cfg.Alerts.Types {
		res.AlertTypes = append(res.AlertTypes, t)
	}
	for role := range cfg.RBAC.Roles {
		res.Roles = append(res.Roles, role)
	}
	res.EvidenceStages = nonNilSlice(res.EvidenceStages)
	res.AlertTypes = nonNilSlice(res.AlertTypes)
	res.Roles = nonNilSlice(res.Roles)
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
