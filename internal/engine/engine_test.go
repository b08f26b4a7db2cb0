package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/migrate"
)

type testEnv struct {
	Engine  engine.Engine
	Ctx     context.Context
	Project domain.Project
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("test")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	p, err := eng.CreateProject(ctx, "test", "", "tester")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return &testEnv{Engine: eng, Ctx: ctx, Project: p}
}

func (env *testEnv) createAgent(t *testing.T, name, parentID string, maxParallel int) domain.Agent {
	t.Helper()
	a, err := env.Engine.CreateAgent(env.Ctx, engine.AgentCreateOptions{
		Name:             name,
		ParentAgentID:    parentID,
		MaxParallelTasks: maxParallel,
		ActorID:          "tester",
	})
	if err != nil {
		t.Fatalf("create agent %s: %v", name, err)
	}
	return a
}

func (env *testEnv) createTask(t *testing.T, opts engine.TaskCreateOptions) domain.Task {
	t.Helper()
	if opts.ProjectID == "" {
		opts.ProjectID = env.Project.ID
	}
	if opts.ActorID == "" {
		opts.ActorID = "tester"
	}
	task, err := env.Engine.CreateTask(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (env *testEnv) setStatus(t *testing.T, taskID, status string) domain.Task {
	t.Helper()
	task, err := env.Engine.UpdateTaskStatus(env.Ctx, taskID, status, "tester", "")
	if err != nil {
		t.Fatalf("set %s to %s: %v", taskID, status, err)
	}
	return task
}

func TestTaskStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, engine.TaskCreateOptions{Title: "do work"})
	if task.Status != "backlog" {
		t.Fatalf("new task status = %s, want backlog", task.Status)
	}

	// Cannot skip straight from backlog to in_progress.
	_, err := env.Engine.UpdateTaskStatus(env.Ctx, task.ID, "in_progress", "tester", "")
	var transition engine.InvalidStatusTransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("backlog->in_progress: got %v, want InvalidStatusTransitionError", err)
	}

	task = env.setStatus(t, task.ID, "todo")
	task = env.setStatus(t, task.ID, "in_progress")
	task = env.setStatus(t, task.ID, "blocked")
	task = env.setStatus(t, task.ID, "in_progress")
	task = env.setStatus(t, task.ID, "done")
	if task.CompletedAt == nil {
		t.Fatalf("done task has no completed_at")
	}

	// Terminal states reject everything, including re-requests.
	for _, next := range []string{"todo", "in_progress", "done", "cancelled"} {
		if _, err := env.Engine.UpdateTaskStatus(env.Ctx, task.ID, next, "tester", ""); err == nil {
			t.Fatalf("done->%s unexpectedly allowed", next)
		}
	}
}

func TestInvalidStatusValue(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, engine.TaskCreateOptions{Title: "t"})
	_, err := env.Engine.UpdateTaskStatus(env.Ctx, task.ID, "in-progress", "tester", "")
	var sv engine.InvalidStatusValueError
	if !errors.As(err, &sv) {
		t.Fatalf("got %v, want InvalidStatusValueError", err)
	}
}

func TestDependencyGuard(t *testing.T) {
	env := newTestEnv(t)
	dep := env.createTask(t, engine.TaskCreateOptions{Title: "dep"})
	main := env.createTask(t, engine.TaskCreateOptions{Title: "main", DependsOn: []string{dep.ID}})

	env.setStatus(t, main.ID, "todo")
	_, err := env.Engine.UpdateTaskStatus(env.Ctx, main.ID, "in_progress", "tester", "")
	var blocked engine.DependencyNotCompleteError
	if !errors.As(err, &blocked) {
		t.Fatalf("got %v, want DependencyNotCompleteError", err)
	}
	if len(blocked.Blocking) != 1 || blocked.Blocking[0] != dep.ID {
		t.Fatalf("blocking = %v, want [%s]", blocked.Blocking, dep.ID)
	}

	env.setStatus(t, dep.ID, "todo")
	env.setStatus(t, dep.ID, "in_progress")
	env.setStatus(t, dep.ID, "done")

	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, main.ID, "in_progress", "tester", ""); err != nil {
		t.Fatalf("start after deps done: %v", err)
	}
}

func TestRemoveDependencyUnblocksTask(t *testing.T) {
	env := newTestEnv(t)
	dep := env.createTask(t, engine.TaskCreateOptions{Title: "dep"})
	main := env.createTask(t, engine.TaskCreateOptions{Title: "main", DependsOn: []string{dep.ID}})

	env.setStatus(t, main.ID, "todo")
	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, main.ID, "in_progress", "tester", ""); err == nil {
		t.Fatalf("start with unmet dependency allowed")
	}

	trimmed, err := env.Engine.RemoveTaskDependencies(env.Ctx, main.ID, []string{dep.ID}, "tester")
	if err != nil {
		t.Fatalf("remove deps: %v", err)
	}
	if len(trimmed.Dependencies) != 0 {
		t.Fatalf("deps = %v, want none", trimmed.Dependencies)
	}
	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, main.ID, "in_progress", "tester", ""); err != nil {
		t.Fatalf("start after removing dep: %v", err)
	}

	// Removing an edge that is already gone is a no-op.
	if _, err := env.Engine.RemoveTaskDependencies(env.Ctx, main.ID, []string{dep.ID}, "tester"); err != nil {
		t.Fatalf("repeat remove: %v", err)
	}
}

func TestArchiveProject(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.ArchiveProject(env.Ctx, env.Project.ID, "tester")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if p.Status != "archived" {
		t.Fatalf("status = %s, want archived", p.Status)
	}
	if _, err := env.Engine.ArchiveProject(env.Ctx, env.Project.ID, "tester"); err == nil {
		t.Fatalf("double archive allowed")
	}
}

func TestCapacityGuard(t *testing.T) {
	env := newTestEnv(t)
	worker := env.createAgent(t, "worker", "", 1)

	first := env.createTask(t, engine.TaskCreateOptions{Title: "first", AssigneeID: worker.ID})
	second := env.createTask(t, engine.TaskCreateOptions{Title: "second", AssigneeID: worker.ID})

	env.setStatus(t, first.ID, "todo")
	env.setStatus(t, first.ID, "in_progress")

	env.setStatus(t, second.ID, "todo")
	_, err := env.Engine.UpdateTaskStatus(env.Ctx, second.ID, "in_progress", "tester", "")
	var unavail engine.ResourceUnavailableError
	if !errors.As(err, &unavail) {
		t.Fatalf("got %v, want ResourceUnavailableError", err)
	}
	if unavail.AgentID != worker.ID {
		t.Fatalf("agent = %s, want %s", unavail.AgentID, worker.ID)
	}

	// Finishing the first frees the slot.
	env.setStatus(t, first.ID, "done")
	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, second.ID, "in_progress", "tester", ""); err != nil {
		t.Fatalf("start after slot freed: %v", err)
	}
}

func TestAssignCapacityGuard(t *testing.T) {
	env := newTestEnv(t)
	manager := env.createAgent(t, "manager", "", 5)
	worker := env.createAgent(t, "worker", manager.ID, 1)
	peer := env.createAgent(t, "peer", manager.ID, 1)

	mine := env.createTask(t, engine.TaskCreateOptions{Title: "mine", AssigneeID: worker.ID})
	env.setStatus(t, mine.ID, "todo")
	env.setStatus(t, mine.ID, "in_progress")

	theirs := env.createTask(t, engine.TaskCreateOptions{Title: "theirs", AssigneeID: peer.ID})
	env.setStatus(t, theirs.ID, "todo")
	env.setStatus(t, theirs.ID, "in_progress")

	// Handing a running task to a full agent counts against their slots.
	_, err := env.Engine.AssignTask(env.Ctx, theirs.ID, worker.ID, manager.ID)
	var unavail engine.ResourceUnavailableError
	if !errors.As(err, &unavail) {
		t.Fatalf("got %v, want ResourceUnavailableError", err)
	}
	if unavail.AgentID != worker.ID {
		t.Fatalf("agent = %s, want %s", unavail.AgentID, worker.ID)
	}

	// Reassigning to the current assignee is a no-op for capacity.
	if _, err := env.Engine.AssignTask(env.Ctx, mine.ID, worker.ID, manager.ID); err != nil {
		t.Fatalf("reassign to self: %v", err)
	}

	// A task that is not running moves freely; starting it hits the guard instead.
	queued := env.createTask(t, engine.TaskCreateOptions{Title: "queued"})
	if _, err := env.Engine.AssignTask(env.Ctx, queued.ID, worker.ID, manager.ID); err != nil {
		t.Fatalf("assign queued: %v", err)
	}
}

func TestLockedTaskRejectsTransitions(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, engine.TaskCreateOptions{Title: "audited"})
	env.setStatus(t, task.ID, "todo")

	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.LockTask(env.Ctx, tx, task.ID, "aud_1", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	_, err = env.Engine.UpdateTaskStatus(env.Ctx, task.ID, "in_progress", "tester", "")
	var locked engine.ResourceLockedError
	if !errors.As(err, &locked) {
		t.Fatalf("got %v, want ResourceLockedError", err)
	}
	if locked.AuditID != "aud_1" {
		t.Fatalf("audit = %s, want aud_1", locked.AuditID)
	}
	if err := env.Engine.DeleteTask(env.Ctx, task.ID, "tester"); !errors.As(err, &locked) {
		t.Fatalf("delete locked: got %v, want ResourceLockedError", err)
	}
}

func TestApprovalWorkflow(t *testing.T) {
	env := newTestEnv(t)
	manager := env.createAgent(t, "manager", "", 5)
	worker := env.createAgent(t, "worker", manager.ID, 1)
	outsider := env.createAgent(t, "outsider", "", 1)

	// A non-ancestor requesting work for the worker needs approval.
	task := env.createTask(t, engine.TaskCreateOptions{
		Title:       "review infra",
		AssigneeID:  worker.ID,
		RequesterID: outsider.ID,
		ActorID:     outsider.ID,
	})
	if task.ApprovalStatus != "pending_approval" {
		t.Fatalf("approval = %s, want pending_approval", task.ApprovalStatus)
	}

	env.setStatus(t, task.ID, "todo")
	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, task.ID, "in_progress", worker.ID, ""); err == nil {
		t.Fatalf("unapproved task started")
	}

	// Only an ancestor of the assignee may approve.
	if _, err := env.Engine.ApproveTask(env.Ctx, task.ID, outsider.ID); err == nil {
		t.Fatalf("outsider approved")
	}
	approved, err := env.Engine.ApproveTask(env.Ctx, task.ID, manager.ID)
	if err != nil {
		t.Fatalf("manager approve: %v", err)
	}
	if approved.ApprovalStatus != "approved" || approved.ApprovedBy == nil || *approved.ApprovedBy != manager.ID {
		t.Fatalf("approved task = %+v", approved)
	}
	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, task.ID, "in_progress", worker.ID, ""); err != nil {
		t.Fatalf("start approved task: %v", err)
	}

	// Manager's own request for the worker needs no approval.
	direct := env.createTask(t, engine.TaskCreateOptions{
		Title:       "direct",
		AssigneeID:  worker.ID,
		RequesterID: manager.ID,
		ActorID:     manager.ID,
	})
	if direct.ApprovalStatus != "approved" {
		t.Fatalf("direct approval = %s, want approved", direct.ApprovalStatus)
	}
}

func TestRejectCancelsTask(t *testing.T) {
	env := newTestEnv(t)
	manager := env.createAgent(t, "manager", "", 5)
	worker := env.createAgent(t, "worker", manager.ID, 1)
	outsider := env.createAgent(t, "outsider", "", 1)

	task := env.createTask(t, engine.TaskCreateOptions{
		Title:       "dubious",
		AssigneeID:  worker.ID,
		RequesterID: outsider.ID,
		ActorID:     outsider.ID,
	})
	rejected, err := env.Engine.RejectTask(env.Ctx, task.ID, manager.ID, "out of scope")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.ApprovalStatus != "rejected" || rejected.Status != "cancelled" {
		t.Fatalf("rejected task = %+v", rejected)
	}
	if rejected.RejectedReason == nil || *rejected.RejectedReason != "out of scope" {
		t.Fatalf("reason = %v", rejected.RejectedReason)
	}
}

func TestAssignAuthority(t *testing.T) {
	env := newTestEnv(t)
	manager := env.createAgent(t, "manager", "", 5)
	worker := env.createAgent(t, "worker", manager.ID, 1)
	peer := env.createAgent(t, "peer", manager.ID, 1)

	task := env.createTask(t, engine.TaskCreateOptions{Title: "t"})

	// A peer has no authority over its sibling.
	_, err := env.Engine.AssignTask(env.Ctx, task.ID, worker.ID, peer.ID)
	var unauthorized engine.NotAuthorizedError
	if !errors.As(err, &unauthorized) {
		t.Fatalf("got %v, want NotAuthorizedError", err)
	}

	// Self-assignment and ancestor assignment are allowed.
	if _, err := env.Engine.AssignTask(env.Ctx, task.ID, worker.ID, worker.ID); err != nil {
		t.Fatalf("self assign: %v", err)
	}
	assigned, err := env.Engine.AssignTask(env.Ctx, task.ID, peer.ID, manager.ID)
	if err != nil {
		t.Fatalf("manager assign: %v", err)
	}
	if assigned.AssigneeID == nil || *assigned.AssigneeID != peer.ID {
		t.Fatalf("assignee = %v, want %s", assigned.AssigneeID, peer.ID)
	}
}

func TestGetPendingTasks(t *testing.T) {
	env := newTestEnv(t)
	worker := env.createAgent(t, "worker", "", 2)

	dep := env.createTask(t, engine.TaskCreateOptions{Title: "dep"})
	ready := env.createTask(t, engine.TaskCreateOptions{Title: "ready", AssigneeID: worker.ID, Priority: "high"})
	gated := env.createTask(t, engine.TaskCreateOptions{Title: "gated", AssigneeID: worker.ID, DependsOn: []string{dep.ID}})
	backlog := env.createTask(t, engine.TaskCreateOptions{Title: "backlog", AssigneeID: worker.ID})

	env.setStatus(t, ready.ID, "todo")
	env.setStatus(t, gated.ID, "todo")
	_ = backlog // stays in backlog, not pending

	pending, err := env.Engine.GetPendingTasks(env.Ctx, worker.ID)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != ready.ID {
		t.Fatalf("pending = %+v, want only %s", pending, ready.ID)
	}

	// Completing the dependency surfaces the gated task.
	env.setStatus(t, dep.ID, "todo")
	env.setStatus(t, dep.ID, "in_progress")
	env.setStatus(t, dep.ID, "done")
	pending, err = env.Engine.GetPendingTasks(env.Ctx, worker.ID)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d tasks, want 2", len(pending))
	}
	if pending[0].ID != ready.ID {
		t.Fatalf("high priority task not first: %+v", pending)
	}
}

func TestHandoffLifecycle(t *testing.T) {
	env := newTestEnv(t)
	alice := env.createAgent(t, "alice", "", 1)
	bob := env.createAgent(t, "bob", "", 1)
	carol := env.createAgent(t, "carol", "", 1)

	task := env.createTask(t, engine.TaskCreateOptions{Title: "t"})
	h, err := env.Engine.CreateHandoff(env.Ctx, engine.HandoffCreateOptions{
		TaskID:      task.ID,
		FromAgentID: alice.ID,
		ToAgentID:   bob.ID,
		Summary:     "picking up from here",
	})
	if err != nil {
		t.Fatalf("create handoff: %v", err)
	}

	// Addressed handoffs cannot be grabbed by a third party.
	_, err = env.Engine.AcceptHandoff(env.Ctx, h.ID, carol.ID)
	var notAddressed engine.NotAddressedToCallerError
	if !errors.As(err, &notAddressed) {
		t.Fatalf("got %v, want NotAddressedToCallerError", err)
	}

	accepted, err := env.Engine.AcceptHandoff(env.Ctx, h.ID, bob.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != "accepted" || accepted.AcceptedBy == nil || *accepted.AcceptedBy != bob.ID {
		t.Fatalf("accepted = %+v", accepted)
	}

	_, err = env.Engine.AcceptHandoff(env.Ctx, h.ID, bob.ID)
	var already engine.AlreadyAcceptedError
	if !errors.As(err, &already) {
		t.Fatalf("got %v, want AlreadyAcceptedError", err)
	}

	// Broadcast handoffs are visible to anyone and first-come.
	broadcast, err := env.Engine.CreateHandoff(env.Ctx, engine.HandoffCreateOptions{
		TaskID:      task.ID,
		FromAgentID: bob.ID,
		Summary:     "anyone take over",
	})
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	pending, err := env.Engine.GetPendingHandoffs(env.Ctx, carol.ID)
	if err != nil {
		t.Fatalf("pending handoffs: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != broadcast.ID {
		t.Fatalf("pending = %+v, want [%s]", pending, broadcast.ID)
	}
	if _, err := env.Engine.AcceptHandoff(env.Ctx, broadcast.ID, carol.ID); err != nil {
		t.Fatalf("accept broadcast: %v", err)
	}
}

func TestContextNotes(t *testing.T) {
	env := newTestEnv(t)
	worker := env.createAgent(t, "worker", "", 1)
	task := env.createTask(t, engine.TaskCreateOptions{Title: "t"})

	if _, err := env.Engine.SaveContext(env.Ctx, task.ID, worker.ID, "first note"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := env.Engine.SaveContext(env.Ctx, task.ID, worker.ID, "second note"); err != nil {
		t.Fatalf("save: %v", err)
	}
	entries, err := env.Engine.GetTaskContext(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(entries) != 2 || entries[0].Content != "first note" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestExecutionReporting(t *testing.T) {
	env := newTestEnv(t)
	worker := env.createAgent(t, "worker", "", 1)
	task := env.createTask(t, engine.TaskCreateOptions{Title: "t"})

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return start }
	run, err := env.Engine.ReportExecutionStart(env.Ctx, task.ID, worker.ID, "/tmp/run.log")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	env.Engine.Now = func() time.Time { return start.Add(90 * time.Second) }
	done, err := env.Engine.ReportExecutionComplete(env.Ctx, run.ID, "", "", 0, nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.DurationSeconds == nil || *done.DurationSeconds != 90 {
		t.Fatalf("duration = %v, want 90", done.DurationSeconds)
	}
	if done.ExitCode == nil || *done.ExitCode != 0 {
		t.Fatalf("exit = %v", done.ExitCode)
	}
	if _, err := env.Engine.ReportExecutionComplete(env.Ctx, run.ID, "", "", 0, nil); err == nil {
		t.Fatalf("double complete allowed")
	}

	// Completing without the run id falls back to the open run.
	run2, err := env.Engine.ReportExecutionStart(env.Ctx, task.ID, worker.ID, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	closed, err := env.Engine.ReportExecutionComplete(env.Ctx, "", task.ID, worker.ID, 1, nil)
	if err != nil {
		t.Fatalf("complete by task: %v", err)
	}
	if closed.ID != run2.ID {
		t.Fatalf("closed %s, want %s", closed.ID, run2.ID)
	}

	// A runner-supplied duration beats the wall clock.
	run3, err := env.Engine.ReportExecutionStart(env.Ctx, task.ID, worker.ID, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	reported := 12.5
	timed, err := env.Engine.ReportExecutionComplete(env.Ctx, run3.ID, "", "", 0, &reported)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if timed.DurationSeconds == nil || *timed.DurationSeconds != 12.5 {
		t.Fatalf("duration = %v, want 12.5", timed.DurationSeconds)
	}
}

func TestStatusChangeAppendsEvent(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, engine.TaskCreateOptions{Title: "t"})
	env.setStatus(t, task.ID, "todo")

	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "task", task.ID, "status_changed")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	evt := events[0]
	if evt.PreviousState == nil || *evt.PreviousState != "backlog" || evt.NewState == nil || *evt.NewState != "todo" {
		t.Fatalf("event = %+v", evt)
	}
	if evt.ActorID != "tester" {
		t.Fatalf("actor = %s", evt.ActorID)
	}
}
