package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"crewline/internal/config"
	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	// mu serializes guard-then-write sequences so a capacity or dependency
	// check cannot race another writer between the read and the update.
	mu *sync.Mutex
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		mu:     &sync.Mutex{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// CreateProject registers a project.
func (e Engine) CreateProject(ctx context.Context, name, workingDir, actorID string) (domain.Project, error) {
	if name == "" {
		return domain.Project{}, errors.New("name is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		ID:        NewID("prj"),
		Name:      name,
		Status:    "active",
		CreatedAt: e.stamp(),
	}
	if workingDir != "" {
		p.WorkingDir = &workingDir
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EntityType: "project",
		EntityID:   p.ID,
		EventType:  "project_created",
		NewState:   p.Status,
		ActorID:    actorID,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// ArchiveProject takes a project out of circulation. Archived projects keep
// their tasks and history but stop showing up as assignment targets.
func (e Engine) ArchiveProject(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if p.Status == "archived" {
		return domain.Project{}, fmt.Errorf("project %s is already archived", p.ID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateProjectStatus(ctx, tx, projectID, "archived"); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EntityType:    "project",
		EntityID:      p.ID,
		EventType:     "project_archived",
		PreviousState: p.Status,
		NewState:      "archived",
		ActorID:       actorID,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	p.Status = "archived"
	return p, nil
}

// AgentCreateOptions are parameters for registering an agent.
type AgentCreateOptions struct {
	Name             string
	Role             string
	Type             string
	RoleType         string
	HierarchyType    string
	ParentAgentID    string
	MaxParallelTasks int
	Capabilities     []string
	PasskeyHash      string
	ActorID          string
}

func (e Engine) CreateAgent(ctx context.Context, opts AgentCreateOptions) (domain.Agent, error) {
	if opts.Name == "" {
		return domain.Agent{}, errors.New("name is required")
	}
	if opts.Type == "" {
		opts.Type = "ai"
	}
	if opts.HierarchyType == "" {
		opts.HierarchyType = "worker"
	}
	if opts.MaxParallelTasks <= 0 {
		opts.MaxParallelTasks = e.Config.MaxParallelTasks()
	}
	if opts.ParentAgentID != "" {
		if _, err := e.Repo.GetAgent(ctx, opts.ParentAgentID); err != nil {
			return domain.Agent{}, fmt.Errorf("parent agent: %w", err)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()

	a := domain.Agent{
		ID:               NewID("agt"),
		Name:             opts.Name,
		Role:             opts.Role,
		Type:             opts.Type,
		RoleType:         opts.RoleType,
		HierarchyType:    opts.HierarchyType,
		MaxParallelTasks: opts.MaxParallelTasks,
		Capabilities:     opts.Capabilities,
		PasskeyHash:      opts.PasskeyHash,
		Status:           "active",
		CreatedAt:        e.stamp(),
	}
	if opts.ParentAgentID != "" {
		a.ParentAgentID = &opts.ParentAgentID
	}
	if err := e.Repo.InsertAgent(ctx, tx, a); err != nil {
		return domain.Agent{}, fmt.Errorf("insert agent: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EntityType: "agent",
		EntityID:   a.ID,
		EventType:  "agent_created",
		NewState:   a.Status,
		ActorID:    opts.ActorID,
	}); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

// ArchiveAgent deactivates an agent. Archived agents cannot authenticate.
func (e Engine) ArchiveAgent(ctx context.Context, agentID, actorID string) error {
	a, err := e.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateAgentStatus(ctx, tx, agentID, "archived"); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EntityType:    "agent",
		EntityID:      agentID,
		EventType:     "agent_archived",
		PreviousState: a.Status,
		NewState:      "archived",
		ActorID:       actorID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ProjectID   string
	Title       string
	Description string
	Priority    string
	AssigneeID  string
	ParentID    string
	DependsOn   []string
	DueAt       string
	RequesterID string
	ActorID     string
}

// CreateTask inserts a task in backlog. When the requester has no authority
// over the assignee (not the assignee itself, not an ancestor), the task is
// created pending approval and cannot start until an ancestor approves it.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Task{}, errors.New("project is required")
	}
	if opts.Priority == "" {
		opts.Priority = e.Config.TaskPriority()
	}
	if !validPriority(opts.Priority) {
		return domain.Task{}, fmt.Errorf("invalid priority %q", opts.Priority)
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Task{}, fmt.Errorf("project: %w", err)
	}
	if opts.ParentID != "" {
		parent, err := e.Repo.GetTask(ctx, opts.ParentID)
		if err != nil {
			return domain.Task{}, fmt.Errorf("parent task: %w", err)
		}
		if parent.ProjectID != opts.ProjectID {
			return domain.Task{}, fmt.Errorf("parent task %s not in project %s", opts.ParentID, opts.ProjectID)
		}
	}
	for _, dep := range opts.DependsOn {
		if _, err := e.Repo.GetTask(ctx, dep); err != nil {
			return domain.Task{}, fmt.Errorf("dependency %s: %w", dep, err)
		}
	}

	approval := "approved"
	if opts.AssigneeID != "" {
		if _, err := e.Repo.GetAgent(ctx, opts.AssigneeID); err != nil {
			return domain.Task{}, fmt.Errorf("assignee: %w", err)
		}
		if opts.RequesterID != "" && opts.RequesterID != opts.AssigneeID {
			ok, err := e.HasAuthorityOver(ctx, opts.RequesterID, opts.AssigneeID)
			if err != nil {
				return domain.Task{}, err
			}
			if !ok {
				approval = "pending_approval"
			}
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	now := e.stamp()
	t := domain.Task{
		ID:             NewID("tsk"),
		ProjectID:      opts.ProjectID,
		Title:          opts.Title,
		Description:    opts.Description,
		Status:         "backlog",
		Priority:       opts.Priority,
		ApprovalStatus: approval,
		Dependencies:   opts.DependsOn,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if opts.AssigneeID != "" {
		t.AssigneeID = &opts.AssigneeID
	}
	if opts.ParentID != "" {
		t.ParentTaskID = &opts.ParentID
	}
	if opts.RequesterID != "" {
		t.RequesterID = &opts.RequesterID
	}
	if opts.DueAt != "" {
		t.DueAt = &opts.DueAt
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.Repo.AddDependencies(ctx, tx, t.ID, opts.DependsOn); err != nil {
		return domain.Task{}, fmt.Errorf("insert dependencies: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EntityType: "task",
		EntityID:   t.ID,
		EventType:  "task_created",
		NewState:   t.Status,
		ActorID:    opts.ActorID,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

var taskTransitions = map[string][]string{
	"backlog":     {"todo", "cancelled"},
	"todo":        {"in_progress", "cancelled"},
	"in_progress": {"done", "blocked", "cancelled"},
	"blocked":     {"todo", "in_progress", "cancelled"},
	"done":        {},
	"cancelled":   {},
}

func validStatus(s string) bool {
	_, ok := taskTransitions[s]
	return ok
}

func validPriority(p string) bool {
	switch p {
	case "low", "medium", "high", "urgent":
		return true
	}
	return false
}

func ensureTaskTransition(from, to string) error {
	if !validStatus(to) {
		return InvalidStatusValueError{Status: to}
	}
	for _, allowed := range taskTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return InvalidStatusTransitionError{From: from, To: to}
}

// UpdateTaskStatus moves a task along the state machine. Entering
// in_progress additionally checks, inside the same transaction, that every
// dependency is done and the assignee has a free parallel slot.
func (e Engine) UpdateTaskStatus(ctx context.Context, taskID, newStatus, actorID, reason string) (domain.Task, error) {
	if !validStatus(newStatus) {
		return domain.Task{}, InvalidStatusValueError{Status: newStatus}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.IsLocked {
		le := ResourceLockedError{TaskID: t.ID}
		if t.LockedByAuditID != nil {
			le.AuditID = *t.LockedByAuditID
		}
		return domain.Task{}, le
	}
	if err := ensureTaskTransition(t.Status, newStatus); err != nil {
		return domain.Task{}, err
	}
	if newStatus == "in_progress" {
		if t.ApprovalStatus != "approved" {
			return domain.Task{}, NotAuthorizedError{ActorID: actorID, Action: fmt.Sprintf("start unapproved task %s", t.ID)}
		}
		var blocking []string
		for _, depID := range t.Dependencies {
			dep, err := e.Repo.GetTaskTx(ctx, tx, depID)
			if err != nil {
				return domain.Task{}, fmt.Errorf("dependency %s: %w", depID, err)
			}
			if dep.Status != "done" {
				blocking = append(blocking, dep.ID)
			}
		}
		if len(blocking) > 0 {
			return domain.Task{}, DependencyNotCompleteError{TaskID: t.ID, Blocking: blocking}
		}
		if t.AssigneeID != nil {
			agent, err := e.Repo.GetAgentTx(ctx, tx, *t.AssigneeID)
			if err != nil {
				return domain.Task{}, fmt.Errorf("assignee: %w", err)
			}
			active, err := e.Repo.CountActiveTasksTx(ctx, tx, agent.ID)
			if err != nil {
				return domain.Task{}, err
			}
			if active >= agent.MaxParallelTasks {
				return domain.Task{}, ResourceUnavailableError{AgentID: agent.ID, Capacity: active}
			}
		}
	}

	prev := t.Status
	now := e.stamp()
	t.Status = newStatus
	t.UpdatedAt = now
	if newStatus == "done" {
		t.CompletedAt = &now
	}
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("update task: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EntityType:    "task",
		EntityID:      t.ID,
		EventType:     "status_changed",
		PreviousState: prev,
		NewState:      newStatus,
		ActorID:       actorID,
		Reason:        reason,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// AssignTask sets the assignee. The actor must be the new assignee itself or
// one of its ancestors. Reassigning a running task counts against the new
// assignee's capacity the same way starting one does.
func (e Engine) AssignTask(ctx context.Context, taskID, assigneeID, actorID string) (domain.Task, error) {
	agent, err := e.Repo.GetAgent(ctx, assigneeID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("assignee: %w", err)
	}
	if actorID != "" && actorID != assigneeID {
		ok, err := e.HasAuthorityOver(ctx, actorID, assigneeID)
		if err != nil {
			return domain.Task{}, err
		}
		if !ok {
			return domain.Task{}, NotAuthorizedError{ActorID: actorID, Action: fmt.Sprintf("assign tasks to agent %s", assigneeID)}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.IsLocked {
		le := ResourceLockedError{TaskID: t.ID}
		if t.LockedByAuditID != nil {
			le.AuditID = *t.LockedByAuditID
		}
		return domain.Task{}, le
	}
	if t.Status == "in_progress" && (t.AssigneeID == nil || *t.AssigneeID != assigneeID) {
		active, err := e.Repo.CountActiveTasksTx(ctx, tx, assigneeID)
		if err != nil {
			return domain.Task{}, err
		}
		if active >= agent.MaxParallelTasks {
			return domain.Task{}, ResourceUnavailableError{AgentID: assigneeID, Capacity: active}
		}
	}
	prev := ""
	if t.AssigneeID != nil {
		prev = *t.AssigneeID
	}
	t.AssigneeID = &assigneeID
	t.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("update task: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EntityType:    "task",
		EntityID:      t.ID,
		EventType:     "task_assigned",
		PreviousState: prev,
		NewState:      assigneeID,
		ActorID:       actorID,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ApproveTask clears a pending approval. Only an ancestor of the assignee
// (or of the requester when unassigned) may approve.
func (e Engine) ApproveTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.ApprovalStatus != "pending_approval" {
		return domain.Task{}, fmt.Errorf("task %s is not pending approval", t.ID)
	}
	if err := e.ensureApprovalAuthority(ctx, t, actorID); err != nil {
		return domain.Task{}, err
	}
	t.ApprovalStatus = "approved"
	t.ApprovedBy = &actorID
	t.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EntityType:    "task",
		EntityID:      t.ID,
		EventType:     "task_approved",
		PreviousState: "pending_approval",
		NewState:      "approved",
		ActorID:       actorID,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// RejectTask refuses a pending approval and cancels the task.
func (e Engine) RejectTask(ctx context.Context, taskID, actorID, reason string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.ApprovalStatus != "pending_approval" {
		return domain.Task{}, fmt.Errorf("task %s is not pending approval", t.ID)
	}
	if err := e.ensureApprovalAuthority(ctx, t, actorID); err != nil {
		return domain.Task{}, err
	}
	prev := t.Status
	t.ApprovalStatus = "rejected"
	if reason != "" {
		t.RejectedReason = &reason
	}
	t.Status = "cancelled"
	t.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EntityType:    "task",
		EntityID:      t.ID,
		EventType:     "task_rejected",
		PreviousState: prev,
		NewState:      "cancelled",
		ActorID:       actorID,
		Reason:        reason,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) ensureApprovalAuthority(ctx context.Context, t domain.Task, actorID string) error {
	subject := ""
	if t.AssigneeID != nil {
		subject = *t.AssigneeID
	} else if t.RequesterID != nil {
		subject = *t.RequesterID
	}
	if subject == "" {
		return NotAuthorizedError{ActorID: actorID, Action: fmt.Sprintf("approve task %s", t.ID)}
	}
	ok, err := e.HasAuthorityOver(ctx, actorID, subject)
	if err != nil {
		return err
	}
	if !ok {
		return NotAuthorizedError{ActorID: actorID, Action: fmt.Sprintf("approve task %s", t.ID)}
	}
	return nil
}

// DeleteTask removes a task and its dependency edges. Locked tasks cannot
// be deleted; the audit holding the lock must release it first.
func (e Engine) DeleteTask(ctx context.Context, taskID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if t.IsLocked {
		le := ResourceLockedError{TaskID: t.ID}
		if t.LockedByAuditID != nil {
			le.AuditID = *t.LockedByAuditID
		}
		return le
	}
	if err := e.Repo.DeleteTask(ctx, tx, taskID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EntityType:    "task",
		EntityID:      t.ID,
		EventType:     "task_deleted",
		PreviousState: t.Status,
		ActorID:       actorID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveTaskDependencies drops dependency edges from a task. Edges that do
// not exist are ignored, so retries are safe.
func (e Engine) RemoveTaskDependencies(ctx context.Context, taskID string, deps []string, actorID string) (domain.Task, error) {
	if len(deps) == 0 {
		return domain.Task{}, errors.New("at least one dependency id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.IsLocked {
		le := ResourceLockedError{TaskID: t.ID}
		if t.LockedByAuditID != nil {
			le.AuditID = *t.LockedByAuditID
		}
		return domain.Task{}, le
	}
	if err := e.Repo.RemoveDependencies(ctx, tx, taskID, deps); err != nil {
		return domain.Task{}, fmt.Errorf("remove dependencies: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EntityType: "task",
		EntityID:   t.ID,
		EventType:  "dependencies_removed",
		NewState:   strings.Join(deps, ","),
		ActorID:    actorID,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, taskID)
}

// GetPendingTasks is the poll target for runners: tasks assigned to the
// agent that could start right now.
func (e Engine) GetPendingTasks(ctx context.Context, agentID string) ([]domain.Task, error) {
	if _, err := e.Repo.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	return e.Repo.PendingTasks(ctx, agentID)
}
