package canopysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client is a minimal Canopy HTTP API client.
type Client struct {
	BaseURL        string
	InstallationID string
	APIKey         string
	BearerToken    string
	HTTPClient     *http.Client
	Timeout        time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, installationID string) *Client {
	return &Client{
		BaseURL:        baseURL,
		InstallationID: installationID,
		Timeout:        10 * time.Second,
	}
}

// Plan represents the API plan model (partial).
type Plan struct {
	ID               string `json:"id"`
	Code             string `json:"code"`
	InstallationID   string `json:"installation_id"`
	TreeID           string `json:"tree_id,omitempty"`
	Status           string `json:"status"`
	InterventionType string `json:"intervention_type"`
	ScheduleStart    string `json:"schedule_start"`
	Responsible      string `json:"responsible,omitempty"`
}

// Conflict describes a same-day scheduling collision.
type Conflict struct {
	Type              string `json:"type"`
	ConflictingPlanID string `json:"conflicting_plan_id"`
	ConflictingCode   string `json:"conflicting_code"`
	Message           string `json:"message"`
}

// PlanWithConflict pairs a saved plan with its advisory conflict, if any.
type PlanWithConflict struct {
	Plan     Plan      `json:"plan"`
	Conflict *Conflict `json:"conflict,omitempty"`
}

// WorkOrderResult identifies a generated work order and its task.
type WorkOrderResult struct {
	WorkOrderID string `json:"work_order_id"`
	TaskID      string `json:"task_id"`
}

// ReopenResult reports a reopen outcome.
type ReopenResult struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	NewTaskID string `json:"new_task_id,omitempty"`
}

// Task represents the API task model (partial).
type Task struct {
	ID              string `json:"id"`
	WorkOrderID     string `json:"work_order_id"`
	InstallationID  string `json:"installation_id"`
	Status          string `json:"status"`
	Priority        string `json:"priority"`
	ProgressPercent int    `json:"progress_percent"`
	EvidenceStage   string `json:"evidence_stage,omitempty"`
	RejectionReason string `json:"rejection_reason,omitempty"`
}

// Evidence represents an evidence ledger entry.
type Evidence struct {
	ID           string         `json:"id"`
	TaskID       string         `json:"task_id"`
	Stage        string         `json:"stage"`
	DisplayStage string         `json:"display_stage"`
	PhotoRef     string         `json:"photo_ref"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CapturedBy   string         `json:"captured_by"`
	CapturedAt   string         `json:"captured_at"`
}

// Alert represents a field alert.
type Alert struct {
	ID             string `json:"id"`
	TaskID         string `json:"task_id,omitempty"`
	InstallationID string `json:"installation_id"`
	Type           string `json:"type"`
	Message        string `json:"message"`
	Resolved       bool   `json:"resolved"`
}

// Event represents a log entry.
type Event struct {
	ID             int64          `json:"id"`
	TS             string         `json:"ts"`
	Type           string         `json:"type"`
	InstallationID string         `json:"installation_id"`
	EntityID       string         `json:"entity_id"`
	EntityKind     string         `json:"entity_kind"`
	Payload        map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreatePlan creates an intervention plan. The response carries an advisory
// conflict when another plan already targets the same tree or crew that day.
func (c *Client) CreatePlan(ctx context.Context, interventionType, scheduleStart string, extra map[string]any) (PlanWithConflict, error) {
	body := map[string]any{
		"intervention_type": interventionType,
		"schedule_start":    scheduleStart,
	}
	for k, v := range extra {
		body[k] = v
	}
	var resp PlanWithConflict
	err := c.do(ctx, http.MethodPost, c.installationPath("plans"), body, &resp)
	return resp, err
}

// ApprovePlan approves a draft plan.
func (c *Client) ApprovePlan(ctx context.Context, planID string) (Plan, error) {
	var resp Plan
	endpoint := c.installationPath(fmt.Sprintf("plans/%s/approve", url.PathEscape(planID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// CreateWorkOrder generates a work order (and its task) from a plan.
func (c *Client) CreateWorkOrder(ctx context.Context, planID string, extra map[string]any) (WorkOrderResult, error) {
	body := map[string]any{"plan_id": planID}
	for k, v := range extra {
		body[k] = v
	}
	var resp WorkOrderResult
	err := c.doAtomic(ctx, http.MethodPost, c.installationPath("work-orders"), body, &resp)
	return resp, err
}

// ReopenWorkOrder reopens a terminal work order with a reason.
func (c *Client) ReopenWorkOrder(ctx context.Context, workOrderID, reason, newStart, newDue string) (ReopenResult, error) {
	body := map[string]any{"reason": reason}
	if newStart != "" {
		body["new_start"] = newStart
	}
	if newDue != "" {
		body["new_due"] = newDue
	}
	var resp ReopenResult
	endpoint := c.installationPath(fmt.Sprintf("work-orders/%s/reopen", url.PathEscape(workOrderID)))
	err := c.doAtomic(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// StartTask starts (and claims) a task.
func (c *Client) StartTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	endpoint := c.installationPath(fmt.Sprintf("tasks/%s/start", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// LogProgress records a progress entry on an in-progress task.
func (c *Client) LogProgress(ctx context.Context, taskID string, percent int, notes string) error {
	body := map[string]any{"percent": percent}
	if notes != "" {
		body["notes"] = notes
	}
	endpoint := c.installationPath(fmt.Sprintf("tasks/%s/progress", url.PathEscape(taskID)))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// AddEvidence appends a photo record to the task's evidence ledger.
func (c *Client) AddEvidence(ctx context.Context, taskID, stage, photoRef string, metadata map[string]any) (Evidence, error) {
	body := map[string]any{
		"stage":     stage,
		"photo_ref": photoRef,
	}
	if metadata != nil {
		body["metadata"] = metadata
	}
	var resp Evidence
	endpoint := c.installationPath(fmt.Sprintf("tasks/%s/evidence", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CompleteTask submits a task for approval.
func (c *Client) CompleteTask(ctx context.Context, taskID string, notes string) (Task, error) {
	body := map[string]any{}
	if notes != "" {
		body["notes"] = notes
	}
	var resp Task
	endpoint := c.installationPath(fmt.Sprintf("tasks/%s/complete", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ApproveTask approves a submitted task.
func (c *Client) ApproveTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	endpoint := c.installationPath(fmt.Sprintf("tasks/%s/approve", url.PathEscape(taskID)))
	err := c.doAtomic(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// RejectTask sends a submitted task back to execution with a reason.
func (c *Client) RejectTask(ctx context.Context, taskID, reason string) (Task, error) {
	var resp Task
	endpoint := c.installationPath(fmt.Sprintf("tasks/%s/reject", url.PathEscape(taskID)))
	err := c.doAtomic(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// CreateAlert raises a field alert.
func (c *Client) CreateAlert(ctx context.Context, alertType, message string, taskID string) (Alert, error) {
	body := map[string]any{
		"type":    alertType,
		"message": message,
	}
	if taskID != "" {
		body["task_id"] = taskID
	}
	var resp Alert
	err := c.do(ctx, http.MethodPost, c.installationPath("alerts"), body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.installationPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DeleteAck confirms a work-order delete. OperationID tags the caller's
// tentative local change; keep the change tentative until Acknowledged.
type DeleteAck struct {
	OperationID  string `json:"operation_id"`
	Acknowledged bool   `json:"acknowledged"`
}

// DeleteWorkOrder removes a work order that never started execution. The
// call is a command/acknowledgment pair: apply a tentative local change
// tagged with the returned operation id, then reconcile on Acknowledged
// or roll back on error. A 404 on a retry counts as acknowledged, since
// it means an earlier attempt landed.
func (c *Client) DeleteWorkOrder(ctx context.Context, workOrderID string) (DeleteAck, error) {
	ack := DeleteAck{OperationID: uuid.New().String()}
	endpoint := c.installationPath(fmt.Sprintf("work-orders/%s", url.PathEscape(workOrderID)))
	var lastErr error
	for attempt := 0; attempt < maxAtomicAttempts; attempt++ {
		if attempt > 0 {
			if err := backoff(ctx, attempt); err != nil {
				return ack, err
			}
		}
		err := c.do(ctx, http.MethodDelete, endpoint, nil, nil)
		if err == nil {
			ack.Acknowledged = true
			return ack, nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if apiErr.StatusCode == http.StatusNotFound && attempt > 0 {
				ack.Acknowledged = true
				return ack, nil
			}
			return ack, err
		}
		lastErr = err
	}
	return ack, lastErr
}

const maxAtomicAttempts = 3

func backoff(ctx context.Context, attempt int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		return nil
	}
}

// doAtomic re-issues an atomic transition RPC after transport failures.
// Any HTTP response, success or error, ends the loop: the server owns the
// state machine, and a duplicate attempt after an unseen success surfaces
// as a 409 for the caller to reconcile.
func (c *Client) doAtomic(ctx context.Context, method, endpoint string, body any, out any) error {
	var lastErr error
	for attempt := 0; attempt < maxAtomicAttempts; attempt++ {
		if attempt > 0 {
			if err := backoff(ctx, attempt); err != nil {
				return err
			}
		}
		err := c.do(ctx, method, endpoint, body, out)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) installationPath(p string) string {
	installation := url.PathEscape(c.InstallationID)
	return fmt.Sprintf("v0/installations/%s/%s", installation, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
