package rpc

import (
	"context"
	"encoding/json"

	"crewline/internal/engine"
	"crewline/internal/repo"
)

func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "authenticate":
		return s.authenticate(ctx, params)
	case "logout":
		return s.logout(ctx, params)
	case "get_agent_profile":
		return s.getAgentProfile(ctx, params)
	case "list_agents":
		return s.listAgents(ctx, params)
	case "list_projects":
		return s.listProjects(ctx, params)
	case "get_project":
		return s.getProject(ctx, params)
	case "create_task":
		return s.createTask(ctx, params)
	case "list_tasks":
		return s.listTasks(ctx, params)
	case "get_pending_tasks":
		return s.getPendingTasks(ctx, params)
	case "get_task":
		return s.getTask(ctx, params)
	case "update_task_status":
		return s.updateTaskStatus(ctx, params)
	case "assign_task":
		return s.assignTask(ctx, params)
	case "save_context":
		return s.saveContext(ctx, params)
	case "get_task_context":
		return s.getTaskContext(ctx, params)
	case "create_handoff":
		return s.createHandoff(ctx, params)
	case "accept_handoff":
		return s.acceptHandoff(ctx, params)
	case "get_pending_handoffs":
		return s.getPendingHandoffs(ctx, params)
	case "report_execution_start":
		return s.reportExecutionStart(ctx, params)
	case "report_execution_complete":
		return s.reportExecutionComplete(ctx, params)
	}
	return nil, UnknownOperationError{Method: method}
}

func (s *Server) authenticate(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		AgentID string `json:"agent_id"`
		Passkey string `json:"passkey"`
	}
	if err := decodeParams("authenticate", raw, &p); err != nil {
		return nil, err
	}
	if p.AgentID == "" || p.Passkey == "" {
		return nil, InvalidArgumentsError{Method: "authenticate", Reason: "agent_id and passkey required"}
	}
	sess, err := s.Auth.Authenticate(ctx, p.AgentID, p.Passkey)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"token":      sess.Token,
		"agent_id":   sess.AgentID,
		"expires_at": sess.ExpiresAt,
	}, nil
}

func (s *Server) logout(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		SessionToken string `json:"session_token"`
	}
	if err := decodeParams("logout", raw, &p); err != nil {
		return nil, err
	}
	if p.SessionToken == "" {
		return nil, InvalidArgumentsError{Method: "logout", Reason: "session_token required"}
	}
	if err := s.Auth.Logout(ctx, p.SessionToken); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) getAgentProfile(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		callerParams
		TargetID string `json:"target_id,omitempty"`
	}
	if err := decodeParams("get_agent_profile", raw, &p); err != nil {
		return nil, err
	}
	caller, err := s.resolveCaller(ctx, "get_agent_profile", p.callerParams)
	if err != nil {
		return nil, err
	}
	target := p.TargetID
	if target == "" {
		target = caller
	}
	return s.Engine.Repo.GetAgent(ctx, target)
}

func (s *Server) listAgents(ctx context.Context, raw json.RawMessage) (any, error) {
	var p callerParams
	if err := decodeParams("list_agents", raw, &p); err != nil {
		return nil, err
	}
	if _, err := s.resolveCaller(ctx, "list_agents", p); err != nil {
		return nil, err
	}
	return s.Engine.Repo.ListAgents(ctx)
}

func (s *Server) listProjects(ctx context.Context, raw json.RawMessage) (any, error) {
	var p callerParams
	if err := decodeParams("list_projects", raw, &p); err != nil {
		return nil, err
	}
	if _, err := s.resolveCaller(ctx, "list_projects", p); err != nil {
		return nil, err
	}
	return s.Engine.Repo.ListProjects(ctx)
}

func (s *Server) getProject(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		callerParams
		ProjectID string `json:"project_id"`
	}
	if err := decodeParams("get_project", raw, &p); err != nil {
		return nil, err
	}
	if _, err := s.resolveCaller(ctx, "get_project", p.callerParams); err != nil {
		return nil, err
	}
	if p.ProjectID == "" {
		return nil, InvalidArgumentsError{Method: "get_project", Reason: "project_id required"}
	}
	return s.Engine.Repo.GetProject(ctx, p.ProjectID)
}

func (s *Server) createTask(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		callerParams
		ProjectID   string   `json:"project_id"`
		Title       string   `json:"title"`
		Description string   `json:"description,omitempty"`
		Priority    string   `json:"priority,omitempty"`
		AssigneeID  string   `json:"assignee_id,omitempty"`
		ParentID    string   `json:"parent_task_id,omitempty"`
		DependsOn   []string `json:"depends_on,omitempty"`
		DueAt       string   `json:"due_at,omitempty"`
	}
	if err := decodeParams("create_task", raw, &p); err != nil {
		return nil, err
	}
	caller, err := s.resolveCaller(ctx, "create_task", p.callerParams)
	if err != nil {
		return nil, err
	}
	return s.Engine.CreateTask(ctx, engine.TaskCreateOptions{
		ProjectID:   p.ProjectID,
		Title:       p.Title,
		Description: p.Description,
		Priority:    p.Priority,
		AssigneeID:  p.AssigneeID,
		ParentID:    p.ParentID,
		DependsOn:   p.DependsOn,
		DueAt:       p.DueAt,
		RequesterID: caller,
		ActorID:     caller,
	})
}

func (s *Server) listTasks(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		callerParams
		ProjectID  string `json:"project_id,omitempty"`
		Status     string `json:"status,omitempty"`
		AssigneeID string `json:"assignee_id,omitempty"`
		ParentID   string `json:"parent_id,omitempty"`
		Limit      int    `json:"limit,omitempty"`
	}
	if err := decodeParams("list_tasks", raw, &p); err != nil {
		return nil, err
	}
	if _, err := s.resolveCaller(ctx, "list_tasks", p.callerParams); err != nil {
		return nil, err
	}
	return s.Engine.Repo.ListTasks(ctx, repo.TaskFilters{
		ProjectID:  p.ProjectID,
		Status:     p.Status,
		AssigneeID: p.AssigneeID,
		ParentID:   p.ParentID,
		Limit:      p.Limit,
	})
}

func (s *Server) getPendingTasks(ctx context.Context, raw json.RawMessage) (any, error) {
	var p callerParams
	if err := decodeParams("get_pending_tasks", raw, &p); err != nil {
		return nil, err
	}
	caller, err := s.resolveCaller(ctx, "get_pending_tasks", p)
	if err != nil {
		return nil, err
	}
	return s.Engine.GetPendingTasks(ctx, caller)
}

func (s *Server) getTask(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		callerParams
		TaskID string `json:"task_id"`
	}
	if err := decodeParams("get_task", raw, &p); err != nil {
		return nil, err
	}
	if _, err := s.resolveCaller(ctx, "get_task", p.callerParams); err != nil {
		return nil, err
	}
	if p.TaskID == "" {
		return nil, InvalidArgumentsError{Method: "get_task", Reason: "task_id required"}
	}
	return s.Engine.Repo.GetTask(ctx, p.TaskID)
}

func (s *Server) updateTaskStatus(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		callerParams
		TaskID string `json:"task_id"`
		Status string `json:"status"`
		Reason string `json:"reason,omitempty"`
	}
	if err := decodeParams("update_task_status", raw, &p); err != nil {
		return nil, err
	}
	caller, err := s.resolveCaller(ctx, "update_task_status", p.callerParams)
	if err != nil {
		return nil, err
	}
	if p.TaskID == "" || p.Status == "" {
		return nil, InvalidArgumentsError{Method: "update_task_status", Reason: "task_id and status required"}
	}
	return s.Engine.UpdateTaskStatus(ctx, p.TaskID, p.Status, caller, p.Reason)
}

func (s *Server) assignTask(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		callerParams
		TaskID     string `json:"task_id"`
		AssigneeID string `json:"assignee_id"`
	}
	if err := decodeParams("assign_task", raw, &p); err != nil {
		return nil, err
	}
	caller, err := s.resolveCaller(ctx, "assign_task", p.callerParams)
	if err != nil {
		return nil, err
	}
	if p.TaskID == "" || p.AssigneeID == "" {
		return nil, InvalidArgumentsError{Method: "assign_task", Reason: "task_id and assignee_id required"}
	}
	return s.Engine.AssignTask(ctx, p.TaskID, p.AssigneeID, caller)
}

func (s *Server) saveContext(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		callerParams
		TaskID  string `json:"task_id"`
		Content string `json:"content"`
	}
	if err := decodeParams("save_context", raw, &p); err != nil {
		return nil, err
	}
	caller, err := s.resolveCaller(ctx, "save_context", p.callerParams)
	if err != nil {
		return nil, err
	}
	if p.TaskID == "" {
		return nil, InvalidArgumentsError{Method: "save_context", Reason: "task_id required"}
	}
	return s.Engine.SaveContext(ctx, p.TaskID, caller, p.Content)
}

func (s *Server) getTaskContext(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		callerParams
		TaskID         string `json:"task_id"`
		IncludeHistory bool   `json:"include_history,omitempty"`
	}
	if err := decodeParams("get_task_context", raw, &p); err != nil {
		return nil, err
	}
	if _, err := s.resolveCaller(ctx, "get_task_context", p.callerParams); err != nil {
		return nil, err
	}
	if p.TaskID == "" {
		return nil, InvalidArgumentsError{Method: "get_task_context", Reason: "task_id required"}
	}
	entries, err := s.Engine.GetTaskContext(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	// By default only the newest note comes back; include_history returns
	// the whole append trail oldest first.
	if !p.IncludeHistory && len(entries) > 1 {
		entries = entries[len(entries)-1:]
	}
	return entries, nil
}

func (s *Server) createHandoff(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		callerParams
		TaskID      string `json:"task_id"`
		FromAgentID string `json:"from_agent_id,omitempty"`
		ToAgentID   string `json:"to_agent_id,omitempty"`
		Summary     string `json:"summary"`
	}
	if err := decodeParams("create_handoff", raw, &p); err != nil {
		return nil, err
	}
	caller, err := s.resolveCaller(ctx, "create_handoff", p.callerParams)
	if err != nil {
		return nil, err
	}
	if p.TaskID == "" {
		return nil, InvalidArgumentsError{Method: "create_handoff", Reason: "task_id required"}
	}
	// An explicit from_agent_id names the sender; it defaults to the caller.
	from := p.FromAgentID
	if from == "" {
		from = caller
	}
	return s.Engine.CreateHandoff(ctx, engine.HandoffCreateOptions{
		TaskID:      p.TaskID,
		FromAgentID: from,
		ToAgentID:   p.ToAgentID,
		Summary:     p.Summary,
	})
}

func (s *Server) acceptHandoff(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		callerParams
		HandoffID string `json:"handoff_id"`
	}
	if err := decodeParams("accept_handoff", raw, &p); err != nil {
		return nil, err
	}
	caller, err := s.resolveCaller(ctx, "accept_handoff", p.callerParams)
	if err != nil {
		return nil, err
	}
	if p.HandoffID == "" {
		return nil, InvalidArgumentsError{Method: "accept_handoff", Reason: "handoff_id required"}
	}
	return s.Engine.AcceptHandoff(ctx, p.HandoffID, caller)
}

func (s *Server) getPendingHandoffs(ctx context.Context, raw json.RawMessage) (any, error) {
	var p callerParams
	if err := decodeParams("get_pending_handoffs", raw, &p); err != nil {
		return nil, err
	}
	caller, err := s.resolveCaller(ctx, "get_pending_handoffs", p)
	if err != nil {
		return nil, err
	}
	return s.Engine.GetPendingHandoffs(ctx, caller)
}

func (s *Server) reportExecutionStart(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		callerParams
		TaskID  string `json:"task_id"`
		LogPath string `json:"log_path,omitempty"`
	}
	if err := decodeParams("report_execution_start", raw, &p); err != nil {
		return nil, err
	}
	caller, err := s.resolveCaller(ctx, "report_execution_start", p.callerParams)
	if err != nil {
		return nil, err
	}
	if p.TaskID == "" {
		return nil, InvalidArgumentsError{Method: "report_execution_start", Reason: "task_id required"}
	}
	return s.Engine.ReportExecutionStart(ctx, p.TaskID, caller, p.LogPath)
}

func (s *Server) reportExecutionComplete(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		callerParams
		ExecutionID     string   `json:"execution_id,omitempty"`
		ExecutionLogID  string   `json:"execution_log_id,omitempty"`
		TaskID          string   `json:"task_id,omitempty"`
		ExitCode        int      `json:"exit_code"`
		DurationSeconds *float64 `json:"duration_seconds,omitempty"`
	}
	if err := decodeParams("report_execution_complete", raw, &p); err != nil {
		return nil, err
	}
	caller, err := s.resolveCaller(ctx, "report_execution_complete", p.callerParams)
	if err != nil {
		return nil, err
	}
	// execution_log_id is the canonical name; execution_id is kept as an alias.
	executionID := p.ExecutionLogID
	if executionID == "" {
		executionID = p.ExecutionID
	}
	return s.Engine.ReportExecutionComplete(ctx, executionID, p.TaskID, caller, p.ExitCode, p.DurationSeconds)
}
