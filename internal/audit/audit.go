package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/events"
	"crewline/internal/repo"
)

// Engine evaluates audit rules against the event stream. Rule matches expand
// a workflow template into real tasks and may lock the triggering task until
// the audit releases it.
type Engine struct {
	Core engine.Engine
}

func New(core engine.Engine) Engine {
	return Engine{Core: core}
}

// TriggerConfig is the optional per-rule filter stored as JSON.
type TriggerConfig struct {
	ProjectID string `json:"project_id,omitempty"`
	Status    string `json:"status,omitempty"`
}

func parseTriggerConfig(raw *string) (TriggerConfig, error) {
	var cfg TriggerConfig
	if raw == nil || *raw == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(*raw), &cfg); err != nil {
		return cfg, fmt.Errorf("invalid trigger config: %w", err)
	}
	return cfg, nil
}

// CreateAudit opens an audit campaign.
func (a Engine) CreateAudit(ctx context.Context, name, actorID string) (domain.Audit, error) {
	if name == "" {
		return domain.Audit{}, errors.New("name is required")
	}
	tx, err := a.Core.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Audit{}, err
	}
	defer tx.Rollback()

	audit := domain.Audit{
		ID:        engine.NewID("aud"),
		Name:      name,
		Status:    "active",
		CreatedAt: a.Core.Now().UTC().Format(time.RFC3339),
	}
	if err := a.Core.Repo.InsertAudit(ctx, tx, audit); err != nil {
		return domain.Audit{}, fmt.Errorf("insert audit: %w", err)
	}
	if err := a.Core.Events.Append(ctx, tx, events.Record{
		EntityType: "audit",
		EntityID:   audit.ID,
		EventType:  "audit_created",
		NewState:   audit.Status,
		ActorID:    actorID,
	}); err != nil {
		return domain.Audit{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Audit{}, err
	}
	return audit, nil
}

// CompleteAudit closes the audit and releases every lock it holds.
func (a Engine) CompleteAudit(ctx context.Context, auditID, actorID string) error {
	audit, err := a.Core.Repo.GetAudit(ctx, auditID)
	if err != nil {
		return err
	}
	if audit.Status == "completed" {
		return nil
	}
	tx, err := a.Core.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	released, err := a.Core.Repo.UnlockAllByAudit(ctx, tx, auditID)
	if err != nil {
		return err
	}
	if err := a.Core.Repo.UpdateAuditStatus(ctx, tx, auditID, "completed"); err != nil {
		return err
	}
	if err := a.Core.Events.Append(ctx, tx, events.Record{
		EntityType:    "audit",
		EntityID:      auditID,
		EventType:     "audit_completed",
		PreviousState: "active",
		NewState:      "completed",
		ActorID:       actorID,
		Reason:        fmt.Sprintf("released %d locks", released),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// RuleCreateOptions are parameters for attaching a rule to an audit.
type RuleCreateOptions struct {
	AuditID       string
	Name          string
	TriggerType   string
	TriggerConfig string
	TemplateID    string
	LockResource  bool
	Position      int
	ActorID       string
}

func validTrigger(t string) bool {
	switch t {
	case "task_completed", "status_changed", "handoff_completed", "deadline_exceeded":
		return true
	}
	return false
}

func (a Engine) CreateRule(ctx context.Context, opts RuleCreateOptions) (domain.AuditRule, error) {
	if !validTrigger(opts.TriggerType) {
		return domain.AuditRule{}, fmt.Errorf("invalid trigger type %q", opts.TriggerType)
	}
	if _, err := a.Core.Repo.GetAudit(ctx, opts.AuditID); err != nil {
		return domain.AuditRule{}, fmt.Errorf("audit: %w", err)
	}
	if _, err := a.Core.Repo.GetTemplate(ctx, opts.TemplateID); err != nil {
		return domain.AuditRule{}, fmt.Errorf("template: %w", err)
	}
	if opts.TriggerConfig != "" {
		raw := opts.TriggerConfig
		if _, err := parseTriggerConfig(&raw); err != nil {
			return domain.AuditRule{}, err
		}
	}
	tx, err := a.Core.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AuditRule{}, err
	}
	defer tx.Rollback()

	rule := domain.AuditRule{
		ID:           engine.NewID("rul"),
		AuditID:      opts.AuditID,
		Name:         opts.Name,
		TriggerType:  opts.TriggerType,
		TemplateID:   opts.TemplateID,
		LockResource: opts.LockResource,
		Enabled:      true,
		Position:     opts.Position,
	}
	if opts.TriggerConfig != "" {
		rule.TriggerConfig = &opts.TriggerConfig
	}
	if err := a.Core.Repo.InsertAuditRule(ctx, tx, rule); err != nil {
		return domain.AuditRule{}, fmt.Errorf("insert rule: %w", err)
	}
	if err := a.Core.Events.Append(ctx, tx, events.Record{
		EntityType: "audit_rule",
		EntityID:   rule.ID,
		EventType:  "audit_rule_created",
		ActorID:    opts.ActorID,
	}); err != nil {
		return domain.AuditRule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AuditRule{}, err
	}
	return rule, nil
}

// Rules lists every rule attached to an audit, enabled or not, in
// position order.
func (a Engine) Rules(ctx context.Context, auditID string) ([]domain.AuditRule, error) {
	if _, err := a.Core.Repo.GetAudit(ctx, auditID); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	return a.Core.Repo.ListAuditRules(ctx, auditID)
}

// SetRuleEnabled switches a rule on or off. Disabled rules stay attached to
// their audit but Evaluate skips them.
func (a Engine) SetRuleEnabled(ctx context.Context, ruleID string, enabled bool, actorID string) (domain.AuditRule, error) {
	rule, err := a.Core.Repo.GetAuditRule(ctx, ruleID)
	if err != nil {
		return domain.AuditRule{}, err
	}
	if rule.Enabled == enabled {
		return rule, nil
	}
	tx, err := a.Core.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AuditRule{}, err
	}
	defer tx.Rollback()

	if err := a.Core.Repo.SetAuditRuleEnabled(ctx, tx, ruleID, enabled); err != nil {
		return domain.AuditRule{}, err
	}
	eventType := "audit_rule_disabled"
	if enabled {
		eventType = "audit_rule_enabled"
	}
	if err := a.Core.Events.Append(ctx, tx, events.Record{
		EntityType: "audit_rule",
		EntityID:   rule.ID,
		EventType:  eventType,
		ActorID:    actorID,
	}); err != nil {
		return domain.AuditRule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AuditRule{}, err
	}
	rule.Enabled = enabled
	return rule, nil
}

// Evaluate runs every enabled rule whose trigger matches the event. Rules
// are independent: one rule failing does not stop the rest, and the first
// error is reported after all rules ran.
func (a Engine) Evaluate(ctx context.Context, evt domain.Event) error {
	var firstErr error
	for _, trigger := range matchingTriggers(evt) {
		rules, err := a.Core.Repo.EnabledRulesByTrigger(ctx, trigger)
		if err != nil {
			return err
		}
		for _, rule := range rules {
			if err := a.applyRule(ctx, rule, evt); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("rule %s: %w", rule.ID, err)
			}
		}
	}
	return firstErr
}

// matchingTriggers maps an event to the trigger types it can fire.
func matchingTriggers(evt domain.Event) []string {
	var triggers []string
	if evt.EntityType == "task" && evt.EventType == "status_changed" {
		triggers = append(triggers, "status_changed")
		if evt.NewState != nil && *evt.NewState == "done" {
			triggers = append(triggers, "task_completed")
		}
	}
	if evt.EntityType == "handoff" && evt.EventType == "handoff_accepted" {
		triggers = append(triggers, "handoff_completed")
	}
	if evt.EntityType == "task" && evt.EventType == "deadline_exceeded" {
		triggers = append(triggers, "deadline_exceeded")
	}
	return triggers
}

func (a Engine) applyRule(ctx context.Context, rule domain.AuditRule, evt domain.Event) error {
	task, actorID, err := a.triggeringTask(ctx, evt)
	if err != nil {
		return err
	}
	cfg, err := parseTriggerConfig(rule.TriggerConfig)
	if err != nil {
		return err
	}
	if cfg.ProjectID != "" && cfg.ProjectID != task.ProjectID {
		return nil
	}
	if cfg.Status != "" && (evt.NewState == nil || *evt.NewState != cfg.Status) {
		return nil
	}
	_, err = a.expand(ctx, rule, task, actorID)
	return err
}

// triggeringTask resolves the task a rule evaluates against. Handoff events
// point at the handed-off task.
func (a Engine) triggeringTask(ctx context.Context, evt domain.Event) (domain.Task, string, error) {
	switch evt.EntityType {
	case "task":
		t, err := a.Core.Repo.GetTask(ctx, evt.EntityID)
		return t, evt.ActorID, err
	case "handoff":
		h, err := a.Core.Repo.GetHandoff(ctx, evt.EntityID)
		if err != nil {
			return domain.Task{}, "", err
		}
		t, err := a.Core.Repo.GetTask(ctx, h.TaskID)
		return t, evt.ActorID, err
	}
	return domain.Task{}, "", fmt.Errorf("no task for entity type %q", evt.EntityType)
}

// expand instantiates the rule's template: one task per template step, with
// step-order dependencies remapped onto the newly created task ids. Locking,
// expansion, and the audit event all commit or roll back together.
func (a Engine) expand(ctx context.Context, rule domain.AuditRule, trigger domain.Task, actorID string) ([]domain.Task, error) {
	steps, err := a.Core.Repo.ListTemplateTasks(ctx, rule.TemplateID)
	if err != nil {
		return nil, err
	}

	tx, err := a.Core.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := a.Core.Now().UTC()
	stamp := now.Format(time.RFC3339)
	auditActor := actorID
	if auditActor == "" {
		auditActor = "audit:" + rule.AuditID
	}

	if rule.LockResource {
		if err := a.Core.Repo.LockTask(ctx, tx, trigger.ID, rule.AuditID, stamp); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				lockedBy := ""
				if trigger.LockedByAuditID != nil {
					lockedBy = *trigger.LockedByAuditID
				}
				return nil, engine.ResourceLockedError{TaskID: trigger.ID, AuditID: lockedBy}
			}
			return nil, err
		}
	}

	vars := templateVars(trigger, actorID, now)
	byPosition := make(map[int]string, len(steps))
	created := make([]domain.Task, 0, len(steps))
	for _, step := range steps {
		t := domain.Task{
			ID:             engine.NewID("tsk"),
			ProjectID:      trigger.ProjectID,
			Title:          substitute(step.Title, vars),
			Description:    substitute(step.Description, vars),
			Status:         "todo",
			Priority:       step.Priority,
			AssigneeID:     step.AssigneeID,
			ParentTaskID:   &trigger.ID,
			ApprovalStatus: "approved",
			CreatedAt:      stamp,
			UpdatedAt:      stamp,
		}
		var deps []string
		for _, order := range step.DependsOnOrders {
			depID, ok := byPosition[order]
			if !ok {
				return nil, fmt.Errorf("template %s step %d depends on unknown step %d", rule.TemplateID, step.Position, order)
			}
			deps = append(deps, depID)
		}
		t.Dependencies = deps
		if err := a.Core.Repo.InsertTask(ctx, tx, t); err != nil {
			return nil, fmt.Errorf("insert audit task: %w", err)
		}
		if err := a.Core.Repo.AddDependencies(ctx, tx, t.ID, deps); err != nil {
			return nil, err
		}
		if err := a.Core.Events.Append(ctx, tx, events.Record{
			EntityType: "task",
			EntityID:   t.ID,
			EventType:  "task_created",
			NewState:   t.Status,
			ActorID:    auditActor,
			Reason:     fmt.Sprintf("audit rule %s", rule.ID),
		}); err != nil {
			return nil, err
		}
		byPosition[step.Position] = t.ID
		created = append(created, t)
	}

	if err := a.Core.Events.Append(ctx, tx, events.Record{
		EntityType: "audit_rule",
		EntityID:   rule.ID,
		EventType:  "audit_rule_fired",
		ActorID:    auditActor,
		Reason:     fmt.Sprintf("task %s, %d tasks created", trigger.ID, len(created)),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

func templateVars(t domain.Task, actorID string, now time.Time) map[string]string {
	agentID := actorID
	if agentID == "" && t.AssigneeID != nil {
		agentID = *t.AssigneeID
	}
	return map[string]string{
		"task_id":    t.ID,
		"task_title": t.Title,
		"agent_id":   agentID,
		"date":       now.Format("2006-01-02"),
	}
}

func substitute(s string, vars map[string]string) string {
	for key, value := range vars {
		s = strings.ReplaceAll(s, "{{"+key+"}}", value)
	}
	return s
}

// Unlock releases a single lock held by an audit on a task.
func (a Engine) Unlock(ctx context.Context, taskID, auditID, actorID string) error {
	tx, err := a.Core.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := a.Core.Repo.UnlockTask(ctx, tx, taskID, auditID); err != nil {
		return err
	}
	if err := a.Core.Events.Append(ctx, tx, events.Record{
		EntityType: "task",
		EntityID:   taskID,
		EventType:  "task_unlocked",
		ActorID:    actorID,
		Reason:     fmt.Sprintf("audit %s", auditID),
	}); err != nil {
		return err
	}
	return tx.Commit()
}
