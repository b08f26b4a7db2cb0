package server

import "crewline/internal/domain"

type LoginRequest struct {
	AgentID string `json:"agent_id" required:"true"`
	Passkey string `json:"passkey" required:"true"`
}

type SessionResponse struct {
	Token     string `json:"token"`
	AgentID   string `json:"agent_id"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type CreateProjectRequest struct {
	Name       string `json:"name" required:"true"`
	WorkingDir string `json:"working_dir,omitempty"`
}

type CreateTaskRequest struct {
	Title       string   `json:"title" required:"true"`
	Description string   `json:"description,omitempty"`
	Priority    string   `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	AssigneeID  string   `json:"assignee_id,omitempty"`
	ParentID    string   `json:"parent_task_id,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	DueAt       string   `json:"due_at,omitempty" format:"date-time"`
}

type UpdateTaskStatusRequest struct {
	Status string `json:"status" required:"true"`
	Reason string `json:"reason,omitempty"`
}

type AssignTaskRequest struct {
	AssigneeID string `json:"assignee_id" required:"true"`
}

type RejectTaskRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SaveContextRequest struct {
	Content string `json:"content" required:"true"`
}

type CreateHandoffRequest struct {
	TaskID    string `json:"task_id" required:"true"`
	ToAgentID string `json:"to_agent_id,omitempty"`
	Summary   string `json:"summary" required:"true"`
}

type CreateAuditRequest struct {
	Name string `json:"name" required:"true"`
}

type CreateAuditRuleRequest struct {
	Name          string `json:"name,omitempty"`
	TriggerType   string `json:"trigger_type" required:"true" enum:"task_completed,status_changed,handoff_completed,deadline_exceeded"`
	TriggerConfig string `json:"trigger_config,omitempty"`
	TemplateID    string `json:"template_id" required:"true"`
	LockResource  bool   `json:"lock_resource,omitempty"`
	Position      int    `json:"position,omitempty"`
}

type StartExecutionRequest struct {
	LogPath string `json:"log_path,omitempty"`
}

type CompleteExecutionRequest struct {
	ExecutionID     string   `json:"execution_id,omitempty"`
	TaskID          string   `json:"task_id,omitempty"`
	ExitCode        int      `json:"exit_code"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
}

type projectList struct {
	Projects []domain.Project `json:"projects"`
}

type taskList struct {
	Tasks []domain.Task `json:"tasks"`
}

type agentList struct {
	Agents []domain.Agent `json:"agents"`
}

type handoffList struct {
	Handoffs []domain.Handoff `json:"handoffs"`
}

type contextList struct {
	Entries []domain.ContextEntry `json:"entries"`
}

type eventList struct {
	Events []domain.Event `json:"events"`
}

type auditList struct {
	Audits []domain.Audit `json:"audits"`
}

type templateList struct {
	Templates []domain.WorkflowTemplate `json:"templates"`
}

type executionList struct {
	Executions []domain.ExecutionLog `json:"executions"`
}
