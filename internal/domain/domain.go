package domain

type Installation struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Plan struct {
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
	Techniques         []string `json:"techniques,omitempty"`
	Tools              []string `json:"tools,omitempty"`
	PPE                []string `json:"ppe,omitempty"`
	CreatedBy          string   `json:"created_by"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
	UpdatedAt          string   `json:"updated_at" format:"date-time"`
}

type WorkOrder struct {
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

type Task struct {
	ID              string  `json:"id"`
	WorkOrderID     string  `json:"work_order_id"`
	InstallationID  string  `json:"installation_id"`
	Status          string  `json:"status" enum:"NOT_STARTED,IN_PROGRESS,PENDING_APPROVAL,COMPLETED,BLOCKED,CANCELLED"`
	Priority        string  `json:"priority" enum:"LOW,MEDIUM,HIGH,CRITICAL"`
	AssigneeID      *string `json:"assignee_id,omitempty"`
	ProgressPercent int     `json:"progress_percent"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
	Notes           string  `json:"notes,omitempty"`
	StartedAt       *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt     *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

// Evidence rows are append-only; the stage value is persisted exactly as
// captured (during_1 and during_2 stay distinct).
type Evidence struct {
	ID           string   `json:"id"`
	TaskID       string   `json:"task_id"`
	Stage        string   `json:"stage" enum:"before,during_1,during_2,after,completion"`
	PhotoRef     string   `json:"photo_ref"`
	MetadataJSON string   `json:"metadata_json,omitempty"`
	Notes        string   `json:"notes,omitempty"`
	CaptureLat   *float64 `json:"capture_lat,omitempty"`
	CaptureLng   *float64 `json:"capture_lng,omitempty"`
	CapturedBy   string   `json:"captured_by"`
	CapturedAt   string   `json:"captured_at" format:"date-time"`
}

type ProgressEntry struct {
	ID              string `json:"id"`
	TaskID          string `json:"task_id"`
	ActorID         string `json:"actor_id"`
	ProgressPercent int    `json:"progress_percent"`
	Notes           string `json:"notes,omitempty"`
	LoggedAt        string `json:"logged_at" format:"date-time"`
}

type Alert struct {
	ID              string   `json:"id"`
	TaskID          *string  `json:"task_id,omitempty"`
	InstallationID  string   `json:"installation_id"`
	ActorID         string   `json:"actor_id"`
	Type            string   `json:"type" enum:"ENVIRONMENTAL,TECHNICAL,OPERATIONAL,SAFETY_ISSUE,OTHER"`
	Message         string   `json:"message"`
	Lat             *float64 `json:"lat,omitempty"`
	Lng             *float64 `json:"lng,omitempty"`
	Resolved        bool     `json:"resolved"`
	ResolvedAt      *string  `json:"resolved_at,omitempty" format:"date-time"`
	ResolvedBy      *string  `json:"resolved_by,omitempty"`
	ResolutionNotes string   `json:"resolution_notes,omitempty"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
}

type Event struct {
	ID             int64  `json:"id"`
	TS             string `json:"ts" format:"date-time"`
	Type           string `json:"type"`
	InstallationID string `json:"installation_id,omitempty"`
	EntityKind     string `json:"entity_kind"`
	EntityID       string `json:"entity_id,omitempty"`
	ActorID        string `json:"actor_id"`
	Payload        string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Conflict is an advisory same-day scheduling collision. It is data, not an
// error: callers may proceed past it.
type Conflict struct {
	Type              string `json:"type" enum:"tree,responsible"`
	ConflictingPlanID string `json:"conflicting_plan_id"`
	ConflictingCode   string `json:"conflicting_code"`
	Message           string `json:"message"`
}
