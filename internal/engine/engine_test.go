package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"canopy/internal/app"
	"canopy/internal/config"
	"canopy/internal/db"
	"canopy/internal/domain"
	"canopy/internal/engine"
	"canopy/internal/engine/auth"
	"canopy/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
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
	if err := app.CreateInstallation(ctx, eng.Repo, "site-1", cfg, "tester"); err != nil {
		t.Fatalf("create installation: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func createPlan(t *testing.T, env testEnv, tree, date, responsible string) domain.Plan {
	t.Helper()
	p, _, err := env.Engine.CreatePlan(env.Ctx, engine.PlanCreateOptions{
		InstallationID:   "site-1",
		TreeID:           tree,
		InterventionType: "pruning",
		ScheduleStart:    date,
		Responsible:      responsible,
		ActorID:          "tester",
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	return p
}

// createWorkOrder drives a plan through approval and generates its work
// order and task.
func createWorkOrder(t *testing.T, env testEnv, p domain.Plan) engine.WorkOrderResult {
	t.Helper()
	if _, err := env.Engine.ApprovePlan(env.Ctx, p.ID, "tester"); err != nil {
		t.Fatalf("approve plan: %v", err)
	}
	res, err := env.Engine.CreateWorkOrderFromPlan(env.Ctx, engine.WorkOrderCreateOptions{
		PlanID:  p.ID,
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create work order: %v", err)
	}
	return res
}

func addEvidence(t *testing.T, env testEnv, taskID, stage string) {
	t.Helper()
	_, err := env.Engine.AddEvidence(env.Ctx, engine.EvidenceOptions{
		TaskID:   taskID,
		Stage:    stage,
		PhotoRef: "photos/" + stage + ".jpg",
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatalf("add %s evidence: %v", stage, err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	if err := migrate.Migrate(env.Engine.DB); err != nil {
		t.Fatalf("second migrate run: %v", err)
	}
}

func TestPlanCodeSequence(t *testing.T) {
	env := newTestEnv(t)
	p1 := createPlan(t, env, "tree-1", "2024-03-10", "crew-a")
	p2 := createPlan(t, env, "tree-2", "2024-03-11", "crew-b")
	if p1.Code != "PI-2024-001" {
		t.Fatalf("first code: %s", p1.Code)
	}
	if p2.Code != "PI-2024-002" {
		t.Fatalf("second code: %s", p2.Code)
	}
	if p1.Status != "DRAFT" {
		t.Fatalf("expected DRAFT, got %s", p1.Status)
	}
}

func TestPlanConflictDetection(t *testing.T) {
	env := newTestEnv(t)
	first := createPlan(t, env, "tree-1", "2024-03-10", "crew-a")

	// same tree, same day
	_, conflict, err := env.Engine.CreatePlan(env.Ctx, engine.PlanCreateOptions{
		InstallationID:   "site-1",
		TreeID:           "tree-1",
		InterventionType: "treatment",
		ScheduleStart:    "2024-03-10",
		Responsible:      "crew-b",
		ActorID:          "tester",
	})
	if err != nil {
		t.Fatalf("create conflicting plan: %v", err)
	}
	if conflict == nil {
		t.Fatalf("expected tree conflict")
	}
	if conflict.Type != "tree" || conflict.ConflictingPlanID != first.ID {
		t.Fatalf("unexpected conflict: %+v", conflict)
	}

	// same crew, same day, different tree
	_, conflict, err = env.Engine.CreatePlan(env.Ctx, engine.PlanCreateOptions{
		InstallationID:   "site-1",
		TreeID:           "tree-9",
		InterventionType: "pruning",
		ScheduleStart:    "2024-03-10",
		Responsible:      "crew-a",
		ActorID:          "tester",
	})
	if err != nil {
		t.Fatalf("create responsible conflict: %v", err)
	}
	if conflict == nil || conflict.Type != "responsible" {
		t.Fatalf("expected responsible conflict, got %+v", conflict)
	}

	// different day, clean
	_, conflict, err = env.Engine.CreatePlan(env.Ctx, engine.PlanCreateOptions{
		InstallationID:   "site-1",
		TreeID:           "tree-1",
		InterventionType: "pruning",
		ScheduleStart:    "2024-03-11",
		Responsible:      "crew-a",
		ActorID:          "tester",
	})
	if err != nil {
		t.Fatalf("create clean plan: %v", err)
	}
	if conflict != nil {
		t.Fatalf("expected no conflict, got %+v", conflict)
	}
}

func TestConflictIsAdvisory(t *testing.T) {
	env := newTestEnv(t)
	createPlan(t, env, "tree-1", "2024-03-10", "crew-a")
	p, conflict, err := env.Engine.CreatePlan(env.Ctx, engine.PlanCreateOptions{
		InstallationID:   "site-1",
		TreeID:           "tree-1",
		InterventionType: "felling",
		ScheduleStart:    "2024-03-10",
		ActorID:          "tester",
	})
	if err != nil {
		t.Fatalf("conflicting create must still save: %v", err)
	}
	if conflict == nil {
		t.Fatalf("expected conflict alongside saved plan")
	}
	if _, err := env.Engine.Repo.GetPlan(env.Ctx, p.ID); err != nil {
		t.Fatalf("conflicting plan was not persisted: %v", err)
	}
}

func TestWorkOrderRequiresTree(t *testing.T) {
	env := newTestEnv(t)
	p := createPlan(t, env, "", "2024-03-10", "crew-a")
	if _, err := env.Engine.ApprovePlan(env.Ctx, p.ID, "tester"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	_, err := env.Engine.CreateWorkOrderFromPlan(env.Ctx, engine.WorkOrderCreateOptions{PlanID: p.ID, ActorID: "tester"})
	var ve engine.ValidationError
	if !errors.As(err, &ve) || ve.Field != "tree_id" {
		t.Fatalf("expected tree_id validation error, got %v", err)
	}
}

func TestTaskTransitionGuards(t *testing.T) {
	env := newTestEnv(t)
	p := createPlan(t, env, "tree-1", "2024-03-10", "crew-a")
	res := createWorkOrder(t, env, p)

	// completing before starting is rejected
	_, err := env.Engine.CompleteTask(env.Ctx, res.TaskID, "tester", nil, "")
	var te engine.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected transition error, got %v", err)
	}

	// approving a task that was never submitted is rejected
	_, err = env.Engine.ApproveTask(env.Ctx, res.TaskID, "tester")
	if !errors.As(err, &te) {
		t.Fatalf("expected transition error on approve, got %v", err)
	}

	task, err := env.Engine.StartTask(env.Ctx, res.TaskID, "worker-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if task.Status != "IN_PROGRESS" {
		t.Fatalf("expected IN_PROGRESS, got %s", task.Status)
	}
	if task.AssigneeID == nil || *task.AssigneeID != "worker-1" {
		t.Fatalf("pool task should be claimed by starter")
	}
	wo, err := env.Engine.Repo.GetWorkOrder(env.Ctx, res.WorkOrderID)
	if err != nil {
		t.Fatalf("get wo: %v", err)
	}
	if wo.Status != "IN_PROGRESS" {
		t.Fatalf("work order should follow task into IN_PROGRESS, got %s", wo.Status)
	}
}

func TestCompleteRequiresEvidence(t *testing.T) {
	env := newTestEnv(t)
	p := createPlan(t, env, "tree-1", "2024-03-10", "crew-a")
	res := createWorkOrder(t, env, p)
	if _, err := env.Engine.StartTask(env.Ctx, res.TaskID, "worker-1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	addEvidence(t, env, res.TaskID, "before")
	_, err := env.Engine.CompleteTask(env.Ctx, res.TaskID, "worker-1", nil, "")
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error with only before evidence, got %v", err)
	}

	addEvidence(t, env, res.TaskID, "after")
	task, err := env.Engine.CompleteTask(env.Ctx, res.TaskID, "worker-1", nil, "done")
	if err != nil {
		t.Fatalf("complete with before+after: %v", err)
	}
	if task.Status != "PENDING_APPROVAL" {
		t.Fatalf("expected PENDING_APPROVAL, got %s", task.Status)
	}
	if task.ProgressPercent != 100 {
		t.Fatalf("expected percent 100, got %d", task.ProgressPercent)
	}
	if task.CompletedAt == nil {
		t.Fatalf("expected completed_at stamp")
	}
}

func TestCompleteKeepsExplicitPercent(t *testing.T) {
	env := newTestEnv(t)
	p := createPlan(t, env, "tree-1", "2024-03-10", "crew-a")
	res := createWorkOrder(t, env, p)
	if _, err := env.Engine.StartTask(env.Ctx, res.TaskID, "worker-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	addEvidence(t, env, res.TaskID, "before")
	addEvidence(t, env, res.TaskID, "after")
	zero := 0
	task, err := env.Engine.CompleteTask(env.Ctx, res.TaskID, "worker-1", &zero, "")
	if err != nil {
		t.Fatalf("complete with explicit zero: %v", err)
	}
	if task.ProgressPercent != 0 {
		t.Fatalf("explicit 0 overridden: %d", task.ProgressPercent)
	}
	if task.Status != "PENDING_APPROVAL" {
		t.Fatalf("expected PENDING_APPROVAL, got %s", task.Status)
	}
}

func TestRacingTransitionsStayConsistent(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 20; i++ {
		p := createPlan(t, env, fmt.Sprintf("tree-%d", i), "2024-03-10", "crew-a")
		res := createWorkOrder(t, env, p)
		if _, err := env.Engine.StartTask(env.Ctx, res.TaskID, "worker-1"); err != nil {
			t.Fatalf("start: %v", err)
		}
		addEvidence(t, env, res.TaskID, "before")
		addEvidence(t, env, res.TaskID, "after")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			env.Engine.CancelTask(env.Ctx, res.TaskID, "tester", "weather")
		}()
		go func() {
			defer wg.Done()
			env.Engine.CompleteTask(env.Ctx, res.TaskID, "worker-1", nil, "")
		}()
		wg.Wait()

		task, err := env.Engine.Repo.GetTask(env.Ctx, res.TaskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		wo, err := env.Engine.Repo.GetWorkOrder(env.Ctx, res.WorkOrderID)
		if err != nil {
			t.Fatalf("get work order: %v", err)
		}
		if wo.Status == "CANCELLED" && task.Status != "CANCELLED" {
			t.Fatalf("iteration %d: work order %s but task %s", i, wo.Status, task.Status)
		}
		if task.Status == "PENDING_APPROVAL" && wo.Status != "IN_PROGRESS" {
			t.Fatalf("iteration %d: task %s but work order %s", i, task.Status, wo.Status)
		}
	}
}

func TestProgressLog(t *testing.T) {
	env := newTestEnv(t)
	p := createPlan(t, env, "tree-1", "2024-03-10", "crew-a")
	res := createWorkOrder(t, env, p)

	// progress before start is rejected
	if _, err := env.Engine.LogProgress(env.Ctx, res.TaskID, "worker-1", 10, ""); err == nil {
		t.Fatalf("expected progress rejected on NOT_STARTED task")
	}
	if _, err := env.Engine.StartTask(env.Ctx, res.TaskID, "worker-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	entry, err := env.Engine.LogProgress(env.Ctx, res.TaskID, "worker-1", 150, "clamped")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if entry.ProgressPercent != 100 {
		t.Fatalf("expected clamp to 100, got %d", entry.ProgressPercent)
	}
	task, _ := env.Engine.Repo.GetTask(env.Ctx, res.TaskID)
	if task.ProgressPercent != 100 {
		t.Fatalf("task percent not refreshed: %d", task.ProgressPercent)
	}
	entries, err := env.Engine.Repo.ListTaskProgress(env.Ctx, res.TaskID)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one progress entry: %v %d", err, len(entries))
	}
}

func TestBlockAndResume(t *testing.T) {
	env := newTestEnv(t)
	p := createPlan(t, env, "tree-1", "2024-03-10", "crew-a")
	res := createWorkOrder(t, env, p)
	if _, err := env.Engine.StartTask(env.Ctx, res.TaskID, "worker-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	task, err := env.Engine.BlockTask(env.Ctx, res.TaskID, "worker-1", "storm incoming")
	if err != nil || task.Status != "BLOCKED" {
		t.Fatalf("block: %v %s", err, task.Status)
	}
	// blocked task cannot be completed
	if _, err := env.Engine.CompleteTask(env.Ctx, res.TaskID, "worker-1", nil, ""); err == nil {
		t.Fatalf("expected completion rejected on BLOCKED task")
	}
	task, err = env.Engine.ResumeTask(env.Ctx, res.TaskID, "worker-1")
	if err != nil || task.Status != "IN_PROGRESS" {
		t.Fatalf("resume: %v %s", err, task.Status)
	}
}

func submitTask(t *testing.T, env testEnv, taskID string) {
	t.Helper()
	if _, err := env.Engine.StartTask(env.Ctx, taskID, "worker-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	addEvidence(t, env, taskID, "before")
	addEvidence(t, env, taskID, "after")
	if _, err := env.Engine.CompleteTask(env.Ctx, taskID, "worker-1", nil, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestApproveCascades(t *testing.T) {
	env := newTestEnv(t)
	p := createPlan(t, env, "tree-1", "2024-03-10", "crew-a")
	res := createWorkOrder(t, env, p)
	submitTask(t, env, res.TaskID)

	// a non-manager actor cannot approve
	_, err := env.Engine.ApproveTask(env.Ctx, res.TaskID, "worker-1")
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden for non-manager, got %v", err)
	}

	task, err := env.Engine.ApproveTask(env.Ctx, res.TaskID, "tester")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if task.Status != "COMPLETED" {
		t.Fatalf("expected COMPLETED, got %s", task.Status)
	}
	wo, _ := env.Engine.Repo.GetWorkOrder(env.Ctx, res.WorkOrderID)
	if wo.Status != "COMPLETED" {
		t.Fatalf("work order should complete with task, got %s", wo.Status)
	}
	plan, _ := env.Engine.Repo.GetPlan(env.Ctx, p.ID)
	if plan.Status != "COMPLETED" {
		t.Fatalf("plan should complete when last order closes, got %s", plan.Status)
	}
}

func TestRejectReturnsToExecution(t *testing.T) {
	env := newTestEnv(t)
	p := createPlan(t, env, "tree-1", "2024-03-10", "crew-a")
	res := createWorkOrder(t, env, p)
	submitTask(t, env, res.TaskID)

	if _, err := env.Engine.RejectTask(env.Ctx, res.TaskID, "tester", ""); err == nil {
		t.Fatalf("expected reason required")
	}
	task, err := env.Engine.RejectTask(env.Ctx, res.TaskID, "tester", "missing cleanup photo")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if task.Status != "IN_PROGRESS" {
		t.Fatalf("expected IN_PROGRESS after reject, got %s", task.Status)
	}
	if task.RejectionReason == nil || *task.RejectionReason != "missing cleanup photo" {
		t.Fatalf("rejection reason not recorded")
	}
	if task.CompletedAt != nil {
		t.Fatalf("completed_at should be cleared on reject")
	}

	// fix and resubmit; approval clears the rejection reason
	if _, err := env.Engine.CompleteTask(env.Ctx, res.TaskID, "worker-1", nil, ""); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	task, err = env.Engine.ApproveTask(env.Ctx, res.TaskID, "tester")
	if err != nil {
		t.Fatalf("approve after fix: %v", err)
	}
	if task.RejectionReason != nil {
		t.Fatalf("rejection reason should clear on approval")
	}
}

func TestReopenWorkOrder(t *testing.T) {
	env := newTestEnv(t)
	p := createPlan(t, env, "tree-1", "2024-03-10", "crew-a")
	res := createWorkOrder(t, env, p)
	submitTask(t, env, res.TaskID)
	if _, err := env.Engine.ApproveTask(env.Ctx, res.TaskID, "tester"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	// reason is mandatory
	_, err := env.Engine.ReopenWorkOrder(env.Ctx, res.WorkOrderID, "", "", "", "tester")
	var ve engine.ValidationError
	if !errors.As(err, &ve) || ve.Field != "reason" {
		t.Fatalf("expected reason validation error, got %v", err)
	}

	out, err := env.Engine.ReopenWorkOrder(env.Ctx, res.WorkOrderID, "regrowth after storm", "2024-06-01", "2024-06-05", "tester")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !out.Success || out.NewTaskID == "" {
		t.Fatalf("unexpected reopen result: %+v", out)
	}

	wo, _ := env.Engine.Repo.GetWorkOrder(env.Ctx, res.WorkOrderID)
	if wo.Status != "IN_PROGRESS" {
		t.Fatalf("reopened order should be IN_PROGRESS, got %s", wo.Status)
	}
	if wo.DueDate == nil || *wo.DueDate != "2024-06-05" {
		t.Fatalf("new due date not applied: %v", wo.DueDate)
	}
	plan, _ := env.Engine.Repo.GetPlan(env.Ctx, p.ID)
	if plan.Status != "IN_PROGRESS" || plan.ScheduleStart != "2024-06-01" {
		t.Fatalf("plan not rescheduled: %s %s", plan.Status, plan.ScheduleStart)
	}

	fresh, err := env.Engine.Repo.GetTask(env.Ctx, out.NewTaskID)
	if err != nil || fresh.Status != "NOT_STARTED" {
		t.Fatalf("fresh task: %v %s", err, fresh.Status)
	}
	// the original task and its evidence survive
	old, err := env.Engine.Repo.GetTask(env.Ctx, res.TaskID)
	if err != nil || old.Status != "COMPLETED" {
		t.Fatalf("history rewritten: %v %s", err, old.Status)
	}
	evidence, err := env.Engine.Repo.ListTaskEvidence(env.Ctx, res.TaskID)
	if err != nil || len(evidence) != 2 {
		t.Fatalf("evidence lost on reopen: %v %d", err, len(evidence))
	}

	// reopening an already-open order is rejected
	_, err = env.Engine.ReopenWorkOrder(env.Ctx, res.WorkOrderID, "again", "", "", "tester")
	var te engine.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected transition error, got %v", err)
	}
}

func TestReopenRequiresManager(t *testing.T) {
	env := newTestEnv(t)
	p := createPlan(t, env, "tree-1", "2024-03-10", "crew-a")
	res := createWorkOrder(t, env, p)
	submitTask(t, env, res.TaskID)
	if _, err := env.Engine.ApproveTask(env.Ctx, res.TaskID, "tester"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	_, err := env.Engine.ReopenWorkOrder(env.Ctx, res.WorkOrderID, "regrowth", "", "", "worker-1")
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden error, got %v", err)
	}
	if fe.Permission != "workorder.reopen" {
		t.Fatalf("unexpected permission: %s", fe.Permission)
	}
	wo, _ := env.Engine.Repo.GetWorkOrder(env.Ctx, res.WorkOrderID)
	if wo.Status != "COMPLETED" {
		t.Fatalf("order should stay COMPLETED, got %s", wo.Status)
	}
}

func TestEvidenceAppendOnly(t *testing.T) {
	env := newTestEnv(t)
	p := createPlan(t, env, "tree-1", "2024-03-10", "crew-a")
	res := createWorkOrder(t, env, p)
	if _, err := env.Engine.StartTask(env.Ctx, res.TaskID, "worker-1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err := env.Engine.AddEvidence(env.Ctx, engine.EvidenceOptions{TaskID: res.TaskID, Stage: "sideways", PhotoRef: "x.jpg", ActorID: "worker-1"})
	if err == nil {
		t.Fatalf("expected unknown stage rejected")
	}
	_, err = env.Engine.AddEvidence(env.Ctx, engine.EvidenceOptions{TaskID: res.TaskID, Stage: "before", ActorID: "worker-1"})
	if err == nil {
		t.Fatalf("expected photo_ref required")
	}

	addEvidence(t, env, res.TaskID, "during_1")
	addEvidence(t, env, res.TaskID, "during_2")
	items, err := env.Engine.Repo.ListTaskEvidence(env.Ctx, res.TaskID)
	if err != nil || len(items) != 2 {
		t.Fatalf("list evidence: %v %d", err, len(items))
	}
	// fine stages are persisted verbatim
	if items[0].Stage != "during_1" || items[1].Stage != "during_2" {
		t.Fatalf("stage collapsed in storage: %s %s", items[0].Stage, items[1].Stage)
	}
}

func TestEvidenceStageProjection(t *testing.T) {
	if got := engine.DisplayStage("during_1"); got != "during" {
		t.Fatalf("during_1 display: %s", got)
	}
	if got := engine.DisplayStage("during_2"); got != "during" {
		t.Fatalf("during_2 display: %s", got)
	}
	if got := engine.DisplayStage("before"); got != "before" {
		t.Fatalf("before display: %s", got)
	}

	if got := engine.EvidenceStageOf(nil); got != "none" {
		t.Fatalf("empty ledger: %s", got)
	}
	ledger := []domain.Evidence{{Stage: "before"}}
	if got := engine.EvidenceStageOf(ledger); got != "before" {
		t.Fatalf("before only: %s", got)
	}
	ledger = append(ledger, domain.Evidence{Stage: "during_2"})
	if got := engine.EvidenceStageOf(ledger); got != "during" {
		t.Fatalf("with during: %s", got)
	}
	ledger = append(ledger, domain.Evidence{Stage: "after"})
	if got := engine.EvidenceStageOf(ledger); got != "after" {
		t.Fatalf("with after: %s", got)
	}
	ledger = append(ledger, domain.Evidence{Stage: "completion"})
	if got := engine.EvidenceStageOf(ledger); got != "completed" {
		t.Fatalf("with completion: %s", got)
	}
}

func TestCheckConflictPure(t *testing.T) {
	tree := "tree-1"
	existing := []domain.Plan{
		{ID: "p1", Code: "PI-2024-001", TreeID: &tree, ScheduleStart: "2024-03-10", Responsible: "crew-a"},
		{ID: "p2", Code: "PI-2024-002", ScheduleStart: "2024-03-10", Responsible: "crew-b"},
	}
	c := engine.CheckConflict(engine.ConflictCandidate{Date: "2024-03-10", TreeID: "tree-1"}, existing)
	if c == nil || c.Type != "tree" || c.ConflictingPlanID != "p1" {
		t.Fatalf("tree match: %+v", c)
	}
	c = engine.CheckConflict(engine.ConflictCandidate{Date: "2024-03-10", Responsible: "crew-b"}, existing)
	if c == nil || c.Type != "responsible" || c.ConflictingPlanID != "p2" {
		t.Fatalf("responsible match: %+v", c)
	}
	c = engine.CheckConflict(engine.ConflictCandidate{Date: "2024-03-10T08:30:00Z", TreeID: "tree-1"}, existing)
	if c == nil {
		t.Fatalf("timestamp input should normalize to the day")
	}
	c = engine.CheckConflict(engine.ConflictCandidate{Date: "2024-03-10", TreeID: "tree-1", ExcludePlanID: "p1"}, existing)
	if c != nil {
		t.Fatalf("excluded plan still matched: %+v", c)
	}
	c = engine.CheckConflict(engine.ConflictCandidate{Date: "2024-03-11", TreeID: "tree-1"}, existing)
	if c != nil {
		t.Fatalf("different day matched: %+v", c)
	}
}

func TestCancelTaskClosesWorkOrder(t *testing.T) {
	env := newTestEnv(t)
	p := createPlan(t, env, "tree-1", "2024-03-10", "crew-a")
	res := createWorkOrder(t, env, p)
	task, err := env.Engine.CancelTask(env.Ctx, res.TaskID, "tester", "rained out")
	if err != nil || task.Status != "CANCELLED" {
		t.Fatalf("cancel: %v %s", err, task.Status)
	}
	wo, _ := env.Engine.Repo.GetWorkOrder(env.Ctx, res.WorkOrderID)
	if wo.Status != "CANCELLED" {
		t.Fatalf("work order should cancel with last open task, got %s", wo.Status)
	}
}

func TestDeleteGuards(t *testing.T) {
	env := newTestEnv(t)
	p := createPlan(t, env, "tree-1", "2024-03-10", "crew-a")
	res := createWorkOrder(t, env, p)

	// plan with work orders cannot be deleted
	err := env.Engine.DeletePlan(env.Ctx, p.ID, "tester")
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected delete blocked, got %v", err)
	}

	// never-started work order can be deleted
	if err := env.Engine.DeleteWorkOrder(env.Ctx, res.WorkOrderID, "tester"); err != nil {
		t.Fatalf("delete fresh work order: %v", err)
	}

	// once execution starts, deletion is refused
	p2 := createPlan(t, env, "tree-2", "2024-04-01", "crew-a")
	res2 := createWorkOrder(t, env, p2)
	if _, err := env.Engine.StartTask(env.Ctx, res2.TaskID, "worker-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := env.Engine.DeleteWorkOrder(env.Ctx, res2.WorkOrderID, "tester"); err == nil {
		t.Fatalf("expected started work order delete refused")
	}
}

func TestAlertLifecycle(t *testing.T) {
	env := newTestEnv(t)
	p := createPlan(t, env, "tree-1", "2024-03-10", "crew-a")
	res := createWorkOrder(t, env, p)

	a, err := env.Engine.CreateAlert(env.Ctx, engine.AlertOptions{
		TaskID:  res.TaskID,
		Type:    "SAFETY_ISSUE",
		Message: "broken branch above path",
		ActorID: "worker-1",
	})
	if err != nil {
		t.Fatalf("create alert: %v", err)
	}
	if a.InstallationID != "site-1" {
		t.Fatalf("installation not derived from task: %s", a.InstallationID)
	}
	if a.Resolved {
		t.Fatalf("new alert should be unresolved")
	}

	// only manager-class actors resolve
	_, err = env.Engine.ResolveAlert(env.Ctx, a.ID, "worker-1", "n/a")
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	resolved, err := env.Engine.ResolveAlert(env.Ctx, a.ID, "tester", "branch removed")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved.Resolved || resolved.ResolvedBy == nil || *resolved.ResolvedBy != "tester" {
		t.Fatalf("resolution not recorded: %+v", resolved)
	}
	// an alert resolves exactly once
	_, err = env.Engine.ResolveAlert(env.Ctx, a.ID, "tester", "again")
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error on double resolve, got %v", err)
	}
}

func TestEventAppendOnLifecycle(t *testing.T) {
	env := newTestEnv(t)
	p := createPlan(t, env, "tree-1", "2024-03-10", "crew-a")
	res := createWorkOrder(t, env, p)
	submitTask(t, env, res.TaskID)
	if _, err := env.Engine.ApproveTask(env.Ctx, res.TaskID, "tester"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE installation_id=?`, "site-1")
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	types := map[string]bool{}
	for rows.Next() {
		var typ string
		if err := rows.Scan(&typ); err != nil {
			t.Fatalf("scan: %v", err)
		}
		types[typ] = true
	}
	for _, want := range []string{"plan.created", "plan.approved", "workorder.created", "task.started", "evidence.added", "task.completed", "task.approved"} {
		if !types[want] {
			t.Fatalf("missing event %s in %v", want, types)
		}
	}
}
