package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"canopy/internal/app"
	"canopy/internal/config"
	"canopy/internal/db"
	"canopy/internal/engine"
	"canopy/internal/migrate"
	"canopy/internal/repo"
)

const testSecret = "server-test-secret"

type testServer struct {
	Base   string
	Client *http.Client
	Engine engine.Engine
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("site-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := app.CreateInstallation(ctx, eng.Repo, "site-1", cfg, "manager"); err != nil {
		t.Fatalf("create installation: %v", err)
	}
	grantRole(t, eng.Repo, "worker-1", "field_operator")

	handler, err := New(Config{
		Engine:   eng,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testSecret,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return testServer{
		Base:   "http://" + ln.Addr().String() + "/v0",
		Client: &http.Client{Timeout: 5 * time.Second},
		Engine: eng,
	}
}

func grantRole(t *testing.T, r repo.Repo, actorID, roleID string) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := r.EnsureActor(ctx, tx, actorID, "2024-01-01T00:00:00Z"); err != nil {
		t.Fatalf("ensure actor: %v", err)
	}
	if err := r.AssignRole(ctx, tx, "site-1", actorID, roleID); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

// doJSON issues a request with the given actor's legacy header and decodes
// the JSON response into out when out is non-nil.
func doJSON(t *testing.T, ts testServer, method, path, actor string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.Base+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != "" {
		req.Header.Set("X-Actor-Id", actor)
	}
	resp, err := ts.Client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestHealthIsOpen(t *testing.T) {
	ts := newTestServer(t)
	if code := doJSON(t, ts, http.MethodGet, "/health", "", nil, nil); code != http.StatusOK {
		t.Fatalf("health: %d", code)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)
	code := doJSON(t, ts, http.MethodGet, "/installations/site-1/plans", "", nil, nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", code)
	}
}

func TestDevLoginMintsUsableToken(t *testing.T) {
	ts := newTestServer(t)
	var login struct {
		Token string `json:"token"`
	}
	code := doJSON(t, ts, http.MethodPost, "/auth/dev/login", "", map[string]any{
		"actor_id": "manager",
		"roles":    []string{"manager"},
	}, &login)
	if code != http.StatusOK || login.Token == "" {
		t.Fatalf("dev login: %d %q", code, login.Token)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.Base+"/installations/site-1/plans", nil)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	resp, err := ts.Client.Do(req)
	if err != nil {
		t.Fatalf("bearer request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer list plans: %d", resp.StatusCode)
	}
}

func TestPlanLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	var created struct {
		Plan     PlanResponse      `json:"plan"`
		Conflict *ConflictResponse `json:"conflict"`
	}
	code := doJSON(t, ts, http.MethodPost, "/installations/site-1/plans", "manager", map[string]any{
		"tree_id":           "tree-7",
		"intervention_type": "pruning",
		"schedule_start":    "2024-03-10",
		"responsible":       "crew-a",
	}, &created)
	if code != http.StatusCreated {
		t.Fatalf("create plan: %d", code)
	}
	if created.Plan.Code != "PI-2024-001" || created.Plan.Status != "DRAFT" {
		t.Fatalf("unexpected plan: %+v", created.Plan)
	}
	if created.Conflict != nil {
		t.Fatalf("unexpected conflict on first plan")
	}

	// a colliding plan is saved but flagged
	var second struct {
		Plan     PlanResponse      `json:"plan"`
		Conflict *ConflictResponse `json:"conflict"`
	}
	code = doJSON(t, ts, http.MethodPost, "/installations/site-1/plans", "manager", map[string]any{
		"tree_id":           "tree-7",
		"intervention_type": "treatment",
		"schedule_start":    "2024-03-10",
	}, &second)
	if code != http.StatusCreated {
		t.Fatalf("create conflicting plan: %d", code)
	}
	if second.Conflict == nil || second.Conflict.Type != "tree" {
		t.Fatalf("expected tree conflict, got %+v", second.Conflict)
	}

	var approved PlanResponse
	code = doJSON(t, ts, http.MethodPost, "/installations/site-1/plans/"+created.Plan.ID+"/approve", "manager", nil, &approved)
	if code != http.StatusOK || approved.Status != "APPROVED" {
		t.Fatalf("approve: %d %s", code, approved.Status)
	}

	var listed paginatedPlans
	code = doJSON(t, ts, http.MethodGet, "/installations/site-1/plans?status=APPROVED", "manager", nil, &listed)
	if code != http.StatusOK || len(listed.Items) != 1 {
		t.Fatalf("list approved: %d %d", code, len(listed.Items))
	}
}

func TestCheckConflictEndpoint(t *testing.T) {
	ts := newTestServer(t)
	doJSON(t, ts, http.MethodPost, "/installations/site-1/plans", "manager", map[string]any{
		"tree_id":           "tree-1",
		"intervention_type": "pruning",
		"schedule_start":    "2024-03-10",
	}, nil)

	var out struct {
		Conflict *ConflictResponse `json:"conflict"`
	}
	code := doJSON(t, ts, http.MethodPost, "/installations/site-1/plans/check-conflict", "manager", map[string]any{
		"date":    "2024-03-10",
		"tree_id": "tree-1",
	}, &out)
	if code != http.StatusOK || out.Conflict == nil {
		t.Fatalf("check-conflict: %d %+v", code, out.Conflict)
	}

	// date is mandatory
	code = doJSON(t, ts, http.MethodPost, "/installations/site-1/plans/check-conflict", "manager", map[string]any{
		"tree_id": "tree-1",
	}, nil)
	if code != http.StatusBadRequest && code != http.StatusUnprocessableEntity {
		t.Fatalf("expected rejection without date, got %d", code)
	}
}

// createWorkOrderHTTP walks a plan through approval and returns the
// generated work order and task ids.
func createWorkOrderHTTP(t *testing.T, ts testServer) (string, string) {
	t.Helper()
	var created struct {
		Plan PlanResponse `json:"plan"`
	}
	if code := doJSON(t, ts, http.MethodPost, "/installations/site-1/plans", "manager", map[string]any{
		"tree_id":           "tree-7",
		"intervention_type": "pruning",
		"schedule_start":    "2024-03-10",
		"responsible":       "crew-a",
	}, &created); code != http.StatusCreated {
		t.Fatalf("create plan: %d", code)
	}
	if code := doJSON(t, ts, http.MethodPost, "/installations/site-1/plans/"+created.Plan.ID+"/approve", "manager", nil, nil); code != http.StatusOK {
		t.Fatalf("approve plan: %d", code)
	}
	var res engine.WorkOrderResult
	if code := doJSON(t, ts, http.MethodPost, "/installations/site-1/work-orders", "manager", map[string]any{
		"plan_id": created.Plan.ID,
	}, &res); code != http.StatusCreated {
		t.Fatalf("create work order: %d", code)
	}
	if res.WorkOrderID == "" || res.TaskID == "" {
		t.Fatalf("incomplete result: %+v", res)
	}
	return res.WorkOrderID, res.TaskID
}

func TestTaskRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	woID, taskID := createWorkOrderHTTP(t, ts)

	var task TaskResponse
	code := doJSON(t, ts, http.MethodPost, "/installations/site-1/tasks/"+taskID+"/start", "worker-1", nil, &task)
	if code != http.StatusOK || task.Status != "IN_PROGRESS" {
		t.Fatalf("start: %d %s", code, task.Status)
	}

	// completion without the required photos is refused
	code = doJSON(t, ts, http.MethodPost, "/installations/site-1/tasks/"+taskID+"/complete", "worker-1", map[string]any{}, nil)
	if code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without evidence, got %d", code)
	}

	for _, stage := range []string{"before", "after"} {
		var ev EvidenceResponse
		code = doJSON(t, ts, http.MethodPost, "/installations/site-1/tasks/"+taskID+"/evidence", "worker-1", map[string]any{
			"stage":     stage,
			"photo_ref": "photos/" + stage + ".jpg",
			"metadata":  map[string]any{"camera": "cam-2"},
		}, &ev)
		if code != http.StatusCreated {
			t.Fatalf("add %s evidence: %d", stage, code)
		}
		if ev.Stage != stage {
			t.Fatalf("stage echo: %s", ev.Stage)
		}
	}

	code = doJSON(t, ts, http.MethodPost, "/installations/site-1/tasks/"+taskID+"/complete", "worker-1", map[string]any{}, &task)
	if code != http.StatusOK || task.Status != "PENDING_APPROVAL" {
		t.Fatalf("complete: %d %s", code, task.Status)
	}
	if task.ProgressPercent != 100 || task.EvidenceStage != "after" {
		t.Fatalf("completion snapshot: %d %s", task.ProgressPercent, task.EvidenceStage)
	}

	// the field operator cannot approve their own work
	code = doJSON(t, ts, http.MethodPost, "/installations/site-1/tasks/"+taskID+"/approve", "worker-1", nil, nil)
	if code != http.StatusForbidden {
		t.Fatalf("expected 403 for operator approval, got %d", code)
	}

	code = doJSON(t, ts, http.MethodPost, "/installations/site-1/tasks/"+taskID+"/approve", "manager", nil, &task)
	if code != http.StatusOK || task.Status != "COMPLETED" {
		t.Fatalf("approve: %d %s", code, task.Status)
	}

	var wo WorkOrderResponse
	code = doJSON(t, ts, http.MethodGet, "/installations/site-1/work-orders/"+woID, "manager", nil, &wo)
	if code != http.StatusOK || wo.Status != "COMPLETED" {
		t.Fatalf("work order after approval: %d %s", code, wo.Status)
	}

	// approving again is a state conflict
	code = doJSON(t, ts, http.MethodPost, "/installations/site-1/tasks/"+taskID+"/approve", "manager", nil, nil)
	if code != http.StatusConflict {
		t.Fatalf("expected 409 on double approve, got %d", code)
	}
}

func TestRejectAndReopenOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	woID, taskID := createWorkOrderHTTP(t, ts)

	doJSON(t, ts, http.MethodPost, "/installations/site-1/tasks/"+taskID+"/start", "worker-1", nil, nil)
	for _, stage := range []string{"before", "after"} {
		doJSON(t, ts, http.MethodPost, "/installations/site-1/tasks/"+taskID+"/evidence", "worker-1", map[string]any{
			"stage": stage, "photo_ref": stage + ".jpg",
		}, nil)
	}
	doJSON(t, ts, http.MethodPost, "/installations/site-1/tasks/"+taskID+"/complete", "worker-1", map[string]any{}, nil)

	var task TaskResponse
	code := doJSON(t, ts, http.MethodPost, "/installations/site-1/tasks/"+taskID+"/reject", "manager", map[string]any{
		"reason": "crown not cleared",
	}, &task)
	if code != http.StatusOK || task.Status != "IN_PROGRESS" {
		t.Fatalf("reject: %d %s", code, task.Status)
	}
	if task.RejectionReason == nil || *task.RejectionReason != "crown not cleared" {
		t.Fatalf("reason missing: %+v", task.RejectionReason)
	}

	doJSON(t, ts, http.MethodPost, "/installations/site-1/tasks/"+taskID+"/complete", "worker-1", map[string]any{}, nil)
	doJSON(t, ts, http.MethodPost, "/installations/site-1/tasks/"+taskID+"/approve", "manager", nil, nil)

	// reopen needs a reason, whether the field is absent or blank
	code = doJSON(t, ts, http.MethodPost, "/installations/site-1/work-orders/"+woID+"/reopen", "manager", map[string]any{}, nil)
	if code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without reason, got %d", code)
	}
	code = doJSON(t, ts, http.MethodPost, "/installations/site-1/work-orders/"+woID+"/reopen", "manager", map[string]any{"reason": ""}, nil)
	if code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for blank reason, got %d", code)
	}

	var reopened engine.ReopenResult
	code = doJSON(t, ts, http.MethodPost, "/installations/site-1/work-orders/"+woID+"/reopen", "manager", map[string]any{
		"reason":    "regrowth",
		"new_start": "2024-06-01",
		"new_due":   "2024-06-05",
	}, &reopened)
	if code != http.StatusOK || !reopened.Success || reopened.NewTaskID == "" {
		t.Fatalf("reopen: %d %+v", code, reopened)
	}

	var fresh TaskResponse
	code = doJSON(t, ts, http.MethodGet, "/installations/site-1/tasks/"+reopened.NewTaskID, "manager", nil, &fresh)
	if code != http.StatusOK || fresh.Status != "NOT_STARTED" {
		t.Fatalf("fresh task: %d %s", code, fresh.Status)
	}
}

func TestPermissionBoundaries(t *testing.T) {
	ts := newTestServer(t)

	// field operators cannot create plans
	code := doJSON(t, ts, http.MethodPost, "/installations/site-1/plans", "worker-1", map[string]any{
		"intervention_type": "pruning",
		"schedule_start":    "2024-03-10",
	}, nil)
	if code != http.StatusForbidden {
		t.Fatalf("expected 403 for operator plan create, got %d", code)
	}

	// unknown actors hold no roles at all
	code = doJSON(t, ts, http.MethodGet, "/installations/site-1/plans", "stranger", nil, nil)
	if code != http.StatusForbidden {
		t.Fatalf("expected 403 for unknown actor, got %d", code)
	}

	var who WhoAmIResponse
	code = doJSON(t, ts, http.MethodGet, "/installations/site-1/me/permissions", "worker-1", nil, &who)
	if code != http.StatusOK {
		t.Fatalf("whoami: %d", code)
	}
	if len(who.Roles) != 1 || who.Roles[0] != "field_operator" {
		t.Fatalf("roles: %v", who.Roles)
	}
	seen := map[string]bool{}
	for _, p := range who.Permissions {
		seen[p] = true
	}
	if !seen["evidence.add"] || seen["task.approve"] {
		t.Fatalf("permission set off: %v", who.Permissions)
	}
}

func TestAlertsOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	_, taskID := createWorkOrderHTTP(t, ts)

	var alert AlertResponse
	code := doJSON(t, ts, http.MethodPost, "/installations/site-1/alerts", "worker-1", map[string]any{
		"task_id": taskID,
		"type":    "SAFETY_ISSUE",
		"message": "hornet nest in crown",
	}, &alert)
	if code != http.StatusCreated || alert.Resolved {
		t.Fatalf("create alert: %d %+v", code, alert)
	}

	code = doJSON(t, ts, http.MethodPost, "/installations/site-1/alerts/"+alert.ID+"/resolve", "worker-1", map[string]any{}, nil)
	if code != http.StatusForbidden {
		t.Fatalf("expected 403 for operator resolve, got %d", code)
	}

	code = doJSON(t, ts, http.MethodPost, "/installations/site-1/alerts/"+alert.ID+"/resolve", "manager", map[string]any{
		"notes": "nest removed",
	}, &alert)
	if code != http.StatusOK || !alert.Resolved {
		t.Fatalf("resolve: %d %+v", code, alert)
	}
}

func TestEventFeed(t *testing.T) {
	ts := newTestServer(t)
	createWorkOrderHTTP(t, ts)

	var page paginatedEvents
	code := doJSON(t, ts, http.MethodGet, "/installations/site-1/events?limit=2", "manager", nil, &page)
	if code != http.StatusOK {
		t.Fatalf("events: %d", code)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("first page: %d items cursor %q", len(page.Items), page.NextCursor)
	}
	var rest paginatedEvents
	code = doJSON(t, ts, http.MethodGet, fmt.Sprintf("/installations/site-1/events?limit=50&cursor=%s", page.NextCursor), "manager", nil, &rest)
	if code != http.StatusOK || len(rest.Items) == 0 {
		t.Fatalf("second page: %d %d", code, len(rest.Items))
	}
	for _, ev := range rest.Items {
		if ev.ID >= page.Items[len(page.Items)-1].ID {
			t.Fatalf("cursor did not advance: %d", ev.ID)
		}
	}
}
