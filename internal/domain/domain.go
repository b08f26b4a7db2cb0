package domain

type Project struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Status     string  `json:"status" enum:"active,archived"`
	WorkingDir *string `json:"working_dir,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type Agent struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Role             string   `json:"role"`
	Type             string   `json:"type" enum:"ai,human"`
	RoleType         string   `json:"role_type"`
	HierarchyType    string   `json:"hierarchy_type" enum:"owner,manager,worker"`
	ParentAgentID    *string  `json:"parent_agent_id,omitempty"`
	MaxParallelTasks int      `json:"max_parallel_tasks"`
	Capabilities     []string `json:"capabilities,omitempty"`
	PasskeyHash      string   `json:"-"`
	Status           string   `json:"status" enum:"active,inactive,archived"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
}

type Task struct {
	ID              string   `json:"id"`
	ProjectID       string   `json:"project_id"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Status          string   `json:"status" enum:"backlog,todo,in_progress,blocked,done,cancelled"`
	Priority        string   `json:"priority" enum:"low,medium,high,urgent"`
	AssigneeID      *string  `json:"assignee_id,omitempty"`
	ParentTaskID    *string  `json:"parent_task_id,omitempty"`
	Dependencies    []string `json:"dependencies,omitempty"`
	ApprovalStatus  string   `json:"approval_status" enum:"approved,pending_approval,rejected"`
	RequesterID     *string  `json:"requester_id,omitempty"`
	ApprovedBy      *string  `json:"approved_by,omitempty"`
	RejectedReason  *string  `json:"rejected_reason,omitempty"`
	IsLocked        bool     `json:"is_locked"`
	LockedByAuditID *string  `json:"locked_by_audit_id,omitempty"`
	LockedAt        *string  `json:"locked_at,omitempty" format:"date-time"`
	DueAt           *string  `json:"due_at,omitempty" format:"date-time"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
	CompletedAt     *string  `json:"completed_at,omitempty" format:"date-time"`
}

// Active reports whether the task occupies one of its assignee's parallel slots.
func (t Task) Active() bool { return t.Status == "in_progress" }

// Completed reports whether the task is in a terminal state.
func (t Task) Completed() bool { return t.Status == "done" || t.Status == "cancelled" }

type Session struct {
	Token     string  `json:"token"`
	AgentID   string  `json:"agent_id"`
	ProjectID *string `json:"project_id,omitempty"`
	Purpose   string  `json:"purpose,omitempty"`
	IssuedAt  string  `json:"issued_at" format:"date-time"`
	ExpiresAt string  `json:"expires_at" format:"date-time"`
}

type ContextEntry struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	AgentID   string `json:"agent_id"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Handoff struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"task_id"`
	FromAgentID string  `json:"from_agent_id"`
	ToAgentID   *string `json:"to_agent_id,omitempty"`
	Summary     string  `json:"summary"`
	Status      string  `json:"status" enum:"pending,accepted"`
	AcceptedBy  *string `json:"accepted_by,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	AcceptedAt  *string `json:"accepted_at,omitempty" format:"date-time"`
}

type ExecutionLog struct {
	ID              string   `json:"id"`
	TaskID          string   `json:"task_id"`
	AgentID         string   `json:"agent_id"`
	StartedAt       string   `json:"started_at" format:"date-time"`
	CompletedAt     *string  `json:"completed_at,omitempty" format:"date-time"`
	ExitCode        *int     `json:"exit_code,omitempty"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
	LogPath         *string  `json:"log_path,omitempty"`
}

type Audit struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status" enum:"active,completed"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type AuditRule struct {
	ID            string  `json:"id"`
	AuditID       string  `json:"audit_id"`
	Name          string  `json:"name"`
	TriggerType   string  `json:"trigger_type" enum:"task_completed,status_changed,handoff_completed,deadline_exceeded"`
	TriggerConfig *string `json:"trigger_config,omitempty"`
	TemplateID    string  `json:"template_id"`
	LockResource  bool    `json:"lock_resource"`
	Enabled       bool    `json:"enabled"`
	Position      int     `json:"position"`
}

type WorkflowTemplate struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// TemplateTask is one step of a workflow template. DependsOnOrders references
// sibling steps by position, not TaskID: the target tasks do not exist until
// the template is expanded.
type TemplateTask struct {
	ID              string  `json:"id"`
	TemplateID      string  `json:"template_id"`
	Position        int     `json:"position"`
	Title           string  `json:"title"`
	Description     string  `json:"description,omitempty"`
	AssigneeID      *string `json:"assignee_id,omitempty"`
	Priority        string  `json:"priority" enum:"low,medium,high,urgent"`
	DependsOnOrders []int   `json:"depends_on_orders,omitempty"`
}

// Event is an append-only audit record. Rows are never updated or deleted.
type Event struct {
	ID            int64   `json:"id"`
	TS            string  `json:"ts" format:"date-time"`
	EntityType    string  `json:"entity_type"`
	EntityID      string  `json:"entity_id"`
	EventType     string  `json:"event_type"`
	PreviousState *string `json:"previous_state,omitempty"`
	NewState      *string `json:"new_state,omitempty"`
	ActorID       string  `json:"actor_id"`
	Reason        *string `json:"reason,omitempty"`
}
