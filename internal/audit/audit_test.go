package audit_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"crewline/internal/audit"
	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/migrate"
	"crewline/internal/repo"
)

type testEnv struct {
	Core    engine.Engine
	Audit   audit.Engine
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
	core := engine.New(conn, config.Default("test"))
	core.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	p, err := core.CreateProject(ctx, "test", "", "tester")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return &testEnv{Core: core, Audit: audit.New(core), Ctx: ctx, Project: p}
}

// setup wires a three-step review template behind a rule and returns the rule.
func (env *testEnv) setupRule(t *testing.T, trigger, triggerConfig string, lock bool) (domain.Audit, domain.AuditRule) {
	t.Helper()
	reviewer, err := env.Core.CreateAgent(env.Ctx, engine.AgentCreateOptions{Name: "reviewer", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create reviewer: %v", err)
	}
	tmpl, err := env.Audit.CreateTemplate(env.Ctx, audit.TemplateDefinition{
		Name: "post-completion review",
		Tasks: []audit.TemplateStep{
			{Title: "Collect evidence for {{task_title}}", AssigneeID: reviewer.ID},
			{Title: "Review work of {{agent_id}} on {{date}}", DependsOn: []int{1}},
			{Title: "Sign off {{task_id}}", DependsOn: []int{1, 2}, Priority: "high"},
		},
	}, "tester")
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	aud, err := env.Audit.CreateAudit(env.Ctx, "q1 review", "tester")
	if err != nil {
		t.Fatalf("create audit: %v", err)
	}
	rule, err := env.Audit.CreateRule(env.Ctx, audit.RuleCreateOptions{
		AuditID:       aud.ID,
		Name:          "review completed work",
		TriggerType:   trigger,
		TriggerConfig: triggerConfig,
		TemplateID:    tmpl.ID,
		LockResource:  lock,
		Position:      1,
		ActorID:       "tester",
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	return aud, rule
}

func (env *testEnv) createTask(t *testing.T, opts engine.TaskCreateOptions) domain.Task {
	t.Helper()
	if opts.ProjectID == "" {
		opts.ProjectID = env.Project.ID
	}
	opts.ActorID = "tester"
	task, err := env.Core.CreateTask(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (env *testEnv) childTasks(t *testing.T, parentID string) []domain.Task {
	t.Helper()
	children, err := env.Core.Repo.ListTasks(env.Ctx, repo.TaskFilters{ParentID: parentID})
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	return children
}

func strPtr(s string) *string { return &s }

func TestEvaluateExpandsTemplate(t *testing.T) {
	env := newTestEnv(t)
	aud, _ := env.setupRule(t, "task_completed", "", true)
	trigger := env.createTask(t, engine.TaskCreateOptions{Title: "ship release"})

	evt := domain.Event{
		EntityType: "task",
		EntityID:   trigger.ID,
		EventType:  "status_changed",
		NewState:   strPtr("done"),
		ActorID:    "agent_worker",
	}
	if err := env.Audit.Evaluate(env.Ctx, evt); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	children := env.childTasks(t, trigger.ID)
	if len(children) != 3 {
		t.Fatalf("children = %d, want 3", len(children))
	}
	byTitle := make(map[string]domain.Task, len(children))
	for _, c := range children {
		if c.Status != "todo" || c.ApprovalStatus != "approved" {
			t.Fatalf("child %s: status=%s approval=%s", c.ID, c.Status, c.ApprovalStatus)
		}
		byTitle[c.Title] = c
	}

	// Template variables are substituted into titles.
	collect, ok := byTitle["Collect evidence for ship release"]
	if !ok {
		t.Fatalf("missing collect step, got %v", byTitle)
	}
	review, ok := byTitle["Review work of agent_worker on 2026-01-01"]
	if !ok {
		t.Fatalf("missing review step, got %v", byTitle)
	}
	signoff, ok := byTitle["Sign off "+trigger.ID]
	if !ok {
		t.Fatalf("missing signoff step, got %v", byTitle)
	}

	// Step-order dependencies are remapped onto the new task ids.
	if len(review.Dependencies) != 1 || review.Dependencies[0] != collect.ID {
		t.Fatalf("review deps = %v, want [%s]", review.Dependencies, collect.ID)
	}
	if len(signoff.Dependencies) != 2 {
		t.Fatalf("signoff deps = %v, want 2", signoff.Dependencies)
	}
	if signoff.Priority != "high" {
		t.Fatalf("signoff priority = %s", signoff.Priority)
	}

	// The rule holds a lock on the trigger until the audit completes.
	locked, err := env.Core.Repo.GetTask(env.Ctx, trigger.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !locked.IsLocked || locked.LockedByAuditID == nil || *locked.LockedByAuditID != aud.ID {
		t.Fatalf("trigger not locked by audit: %+v", locked)
	}

	// A second match cannot re-lock the same task.
	err = env.Audit.Evaluate(env.Ctx, evt)
	var lockErr engine.ResourceLockedError
	if !errors.As(err, &lockErr) {
		t.Fatalf("got %v, want ResourceLockedError", err)
	}

	if err := env.Audit.CompleteAudit(env.Ctx, aud.ID, "tester"); err != nil {
		t.Fatalf("complete audit: %v", err)
	}
	released, err := env.Core.Repo.GetTask(env.Ctx, trigger.ID)
	if err != nil {
		t.Fatal(err)
	}
	if released.IsLocked {
		t.Fatalf("lock survived audit completion")
	}
}

func TestEvaluateIgnoresNonMatchingEvents(t *testing.T) {
	env := newTestEnv(t)
	env.setupRule(t, "task_completed", "", false)
	trigger := env.createTask(t, engine.TaskCreateOptions{Title: "t"})

	// A status change that is not "done" never matches task_completed.
	evt := domain.Event{
		EntityType: "task",
		EntityID:   trigger.ID,
		EventType:  "status_changed",
		NewState:   strPtr("in_progress"),
		ActorID:    "tester",
	}
	if err := env.Audit.Evaluate(env.Ctx, evt); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if children := env.childTasks(t, trigger.ID); len(children) != 0 {
		t.Fatalf("rule fired on non-done transition: %d children", len(children))
	}
}

func TestDisabledRuleDoesNotFire(t *testing.T) {
	env := newTestEnv(t)
	aud, rule := env.setupRule(t, "task_completed", "", false)
	trigger := env.createTask(t, engine.TaskCreateOptions{Title: "t"})

	off, err := env.Audit.SetRuleEnabled(env.Ctx, rule.ID, false, "tester")
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if off.Enabled {
		t.Fatalf("rule still enabled after disable")
	}

	evt := domain.Event{
		EntityType: "task",
		EntityID:   trigger.ID,
		EventType:  "status_changed",
		NewState:   strPtr("done"),
		ActorID:    "tester",
	}
	if err := env.Audit.Evaluate(env.Ctx, evt); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if children := env.childTasks(t, trigger.ID); len(children) != 0 {
		t.Fatalf("disabled rule fired: %d children", len(children))
	}

	// Re-enabling restores the rule without re-creating it.
	if _, err := env.Audit.SetRuleEnabled(env.Ctx, rule.ID, true, "tester"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := env.Audit.Evaluate(env.Ctx, evt); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if children := env.childTasks(t, trigger.ID); len(children) != 3 {
		t.Fatalf("children = %d, want 3", len(children))
	}

	rules, err := env.Audit.Rules(env.Ctx, aud.ID)
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	if len(rules) != 1 || !rules[0].Enabled {
		t.Fatalf("rules = %+v", rules)
	}
}

func TestTriggerConfigFilters(t *testing.T) {
	env := newTestEnv(t)
	env.setupRule(t, "status_changed", `{"status":"blocked"}`, false)
	trigger := env.createTask(t, engine.TaskCreateOptions{Title: "t"})

	evt := domain.Event{
		EntityType: "task",
		EntityID:   trigger.ID,
		EventType:  "status_changed",
		NewState:   strPtr("todo"),
		ActorID:    "tester",
	}
	if err := env.Audit.Evaluate(env.Ctx, evt); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if children := env.childTasks(t, trigger.ID); len(children) != 0 {
		t.Fatalf("status filter did not hold: %d children", len(children))
	}

	evt.NewState = strPtr("blocked")
	if err := env.Audit.Evaluate(env.Ctx, evt); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if children := env.childTasks(t, trigger.ID); len(children) != 3 {
		t.Fatalf("children = %d, want 3", len(children))
	}
}

func TestTriggerConfigProjectFilter(t *testing.T) {
	env := newTestEnv(t)
	env.setupRule(t, "task_completed", `{"project_id":"prj_other"}`, false)
	trigger := env.createTask(t, engine.TaskCreateOptions{Title: "t"})

	evt := domain.Event{
		EntityType: "task",
		EntityID:   trigger.ID,
		EventType:  "status_changed",
		NewState:   strPtr("done"),
		ActorID:    "tester",
	}
	if err := env.Audit.Evaluate(env.Ctx, evt); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if children := env.childTasks(t, trigger.ID); len(children) != 0 {
		t.Fatalf("project filter did not hold: %d children", len(children))
	}
}

func TestHandoffTriggersRule(t *testing.T) {
	env := newTestEnv(t)
	env.setupRule(t, "handoff_completed", "", false)

	alice, err := env.Core.CreateAgent(env.Ctx, engine.AgentCreateOptions{Name: "alice", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	bob, err := env.Core.CreateAgent(env.Ctx, engine.AgentCreateOptions{Name: "bob", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	task := env.createTask(t, engine.TaskCreateOptions{Title: "t"})
	h, err := env.Core.CreateHandoff(env.Ctx, engine.HandoffCreateOptions{
		TaskID:      task.ID,
		FromAgentID: alice.ID,
		ToAgentID:   bob.ID,
		Summary:     "over to you",
	})
	if err != nil {
		t.Fatal(err)
	}

	evt := domain.Event{
		EntityType: "handoff",
		EntityID:   h.ID,
		EventType:  "handoff_accepted",
		ActorID:    bob.ID,
	}
	if err := env.Audit.Evaluate(env.Ctx, evt); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if children := env.childTasks(t, task.ID); len(children) != 3 {
		t.Fatalf("children = %d, want 3", len(children))
	}
}

func TestTemplateValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Audit.CreateTemplate(env.Ctx, audit.TemplateDefinition{
		Tasks: []audit.TemplateStep{{Title: "a"}},
	}, "tester")
	if err == nil || !strings.Contains(err.Error(), "name") {
		t.Fatalf("missing name accepted: %v", err)
	}

	_, err = env.Audit.CreateTemplate(env.Ctx, audit.TemplateDefinition{Name: "empty"}, "tester")
	if err == nil {
		t.Fatalf("empty template accepted")
	}

	// Steps may only depend on earlier positions.
	_, err = env.Audit.CreateTemplate(env.Ctx, audit.TemplateDefinition{
		Name: "forward",
		Tasks: []audit.TemplateStep{
			{Title: "a", DependsOn: []int{2}},
			{Title: "b"},
		},
	}, "tester")
	if err == nil || !strings.Contains(err.Error(), "out of range") {
		t.Fatalf("forward dependency accepted: %v", err)
	}

	_, err = env.Audit.CreateTemplate(env.Ctx, audit.TemplateDefinition{
		Name:  "bad priority",
		Tasks: []audit.TemplateStep{{Title: "a", Priority: "asap"}},
	}, "tester")
	if err == nil {
		t.Fatalf("invalid priority accepted")
	}
}

func TestImportTemplateYAML(t *testing.T) {
	env := newTestEnv(t)
	data := []byte(`
name: release checklist
description: runs after every release
tasks:
  - title: verify changelog
  - title: tag release
    depends_on: [1]
    priority: high
`)
	tmpl, err := env.Audit.ImportTemplateYAML(env.Ctx, data, "tester")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	steps, err := env.Core.Repo.ListTemplateTasks(env.Ctx, tmpl.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(steps))
	}
	if steps[1].Position != 2 || len(steps[1].DependsOnOrders) != 1 || steps[1].DependsOnOrders[0] != 1 {
		t.Fatalf("step 2 = %+v", steps[1])
	}
}

func TestCreateRuleRejectsUnknownTrigger(t *testing.T) {
	env := newTestEnv(t)
	aud, rule := env.setupRule(t, "task_completed", "", false)
	_, err := env.Audit.CreateRule(env.Ctx, audit.RuleCreateOptions{
		AuditID:     aud.ID,
		Name:        "bad",
		TriggerType: "task_deleted",
		TemplateID:  rule.TemplateID,
		ActorID:     "tester",
	})
	if err == nil {
		t.Fatalf("unknown trigger accepted")
	}
}

func TestDispatcherDrainsNewEvents(t *testing.T) {
	env := newTestEnv(t)
	env.setupRule(t, "task_completed", "", false)
	d := audit.NewDispatcher(env.Audit)

	// First tick pins the cursor; setup history is never replayed.
	d.Tick(env.Ctx)

	trigger := env.createTask(t, engine.TaskCreateOptions{Title: "t"})
	for _, status := range []string{"todo", "in_progress", "done"} {
		if _, err := env.Core.UpdateTaskStatus(env.Ctx, trigger.ID, status, "tester", ""); err != nil {
			t.Fatalf("to %s: %v", status, err)
		}
	}

	d.Tick(env.Ctx)
	if children := env.childTasks(t, trigger.ID); len(children) != 3 {
		t.Fatalf("children after drain = %d, want 3", len(children))
	}

	// The cursor advanced, so another tick does not re-fire the rule.
	d.Tick(env.Ctx)
	if children := env.childTasks(t, trigger.ID); len(children) != 3 {
		t.Fatalf("rule re-fired on old event")
	}
}

func TestDeadlineSweep(t *testing.T) {
	env := newTestEnv(t)
	env.setupRule(t, "deadline_exceeded", "", false)
	d := audit.NewDispatcher(env.Audit)

	overdue := env.createTask(t, engine.TaskCreateOptions{
		Title: "late",
		DueAt: "2025-12-31T00:00:00Z",
	})

	d.Tick(env.Ctx)
	if children := env.childTasks(t, overdue.ID); len(children) != 3 {
		t.Fatalf("children after sweep = %d, want 3", len(children))
	}

	// The sweep is idempotent: one deadline event per task, ever.
	d.Tick(env.Ctx)
	evts, err := env.Core.Repo.LatestEvents(env.Ctx, 10, "task", overdue.ID, "deadline_exceeded")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 {
		t.Fatalf("deadline events = %d, want 1", len(evts))
	}
	if children := env.childTasks(t, overdue.ID); len(children) != 3 {
		t.Fatalf("sweep re-fired the rule")
	}
}
