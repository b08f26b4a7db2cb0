package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"crewline/internal/audit"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/engine/auth"
	"crewline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Audit    audit.Engine
	Auth     *auth.Service
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"dependency_not_complete"`
	Message string         `json:"message" example:"task tsk_1 has incomplete dependencies"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the stable error envelope every response shares.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Crewline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Crewline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerAuth(group, cfg.Auth, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerContexts(group, cfg.Engine)
	registerHandoffs(group, cfg.Engine)
	registerAgents(group, cfg.Engine)
	registerExecutions(group, cfg.Engine)
	registerAudits(group, cfg.Audit)
	registerEvents(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps the engine's error taxonomy onto stable wire codes.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var sv engine.InvalidStatusValueError
	if errors.As(err, &sv) {
		return newAPIError(http.StatusBadRequest, "invalid_status", err.Error(), map[string]any{"status": sv.Status})
	}
	var st engine.InvalidStatusTransitionError
	if errors.As(err, &st) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": st.From, "to": st.To})
	}
	var dep engine.DependencyNotCompleteError
	if errors.As(err, &dep) {
		return newAPIError(http.StatusConflict, "dependency_not_complete", err.Error(), map[string]any{"blocking": dep.Blocking})
	}
	var unavail engine.ResourceUnavailableError
	if errors.As(err, &unavail) {
		return newAPIError(http.StatusConflict, "resource_unavailable", err.Error(), map[string]any{"agent_id": unavail.AgentID})
	}
	var locked engine.ResourceLockedError
	if errors.As(err, &locked) {
		return newAPIError(http.StatusConflict, "resource_locked", err.Error(), map[string]any{"audit_id": locked.AuditID})
	}
	var accepted engine.AlreadyAcceptedError
	if errors.As(err, &accepted) {
		return newAPIError(http.StatusConflict, "already_accepted", err.Error(), nil)
	}
	var addressed engine.NotAddressedToCallerError
	if errors.As(err, &addressed) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	var unauthorized engine.NotAuthorizedError
	if errors.As(err, &unauthorized) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	var creds auth.InvalidCredentialsError
	if errors.As(err, &creds) {
		return newAPIError(http.StatusUnauthorized, "invalid_credentials", err.Error(), nil)
	}
	var expired auth.SessionExpiredError
	if errors.As(err, &expired) {
		return newAPIError(http.StatusUnauthorized, "session_expired", err.Error(), nil)
	}
	if errors.Is(err, auth.ErrSessionNotFound) {
		return newAPIError(http.StatusUnauthorized, "unauthorized", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "not found"):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "not in project") || strings.Contains(lowered, "not pending"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Status string `json:"status"`
		}
	}, error) {
		out := &struct {
			Body struct {
				Status string `json:"status"`
			}
		}{}
		out.Body.Status = "ok"
		return out, nil
	})
}

func registerAuth(api huma.API, svc *auth.Service, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "login",
		Method:        http.MethodPost,
		Path:          "/auth/login",
		Summary:       "Authenticate agent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		sess, err := svc.Authenticate(ctx, input.Body.AgentID, input.Body.Passkey)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: SessionResponse{Token: sess.Token, AgentID: sess.AgentID, ExpiresAt: sess.ExpiresAt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "logout",
		Method:      http.MethodPost,
		Path:        "/auth/logout",
		Summary:     "End session",
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		if _, authErr := agentFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := svc.Logout(ctx, tokenFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/auth/me",
		Summary:     "Current agent profile",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		agentID, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		agent, err := e.Repo.GetAgent(ctx, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: agent}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body projectList `json:"body"`
	}, error) {
		projects, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body projectList `json:"body"`
		}{Body: projectList{Projects: projects}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		actorID, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProject(ctx, input.Body.Name, input.Body.WorkingDir, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-project-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List tasks in project",
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Status     string `query:"status"`
		AssigneeID string `query:"assignee_id"`
		ParentID   string `query:"parent_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body taskList `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			ProjectID:  input.ProjectID,
			Status:     input.Status,
			AssigneeID: input.AssigneeID,
			ParentID:   input.ParentID,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body taskList `json:"body"`
		}{Body: taskList{Tasks: tasks}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ProjectID:   input.ProjectID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Priority:    input.Body.Priority,
			AssigneeID:  input.Body.AssigneeID,
			ParentID:    input.Body.ParentID,
			DependsOn:   input.Body.DependsOn,
			DueAt:       input.Body.DueAt,
			RequesterID: actorID,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task-status",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}",
		Summary:     "Update task status",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string                  `path:"task_id"`
		Body   UpdateTaskStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.UpdateTaskStatus(ctx, input.TaskID, input.Body.Status, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{task_id}",
		Summary:       "Delete task",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct{}, error) {
		actorID, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteTask(ctx, input.TaskID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/assign",
		Summary:     "Assign task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   AssignTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.AssignTask(ctx, input.TaskID, input.Body.AssigneeID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/approve",
		Summary:     "Approve pending task",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ApproveTask(ctx, input.TaskID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/reject",
		Summary:     "Reject pending task",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   RejectTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.RejectTask(ctx, input.TaskID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-permissions",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/permissions",
		Summary:     "Caller's permissions on a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID  string `path:"task_id"`
		AgentID string `query:"agent_id"`
	}) (*struct {
		Body engine.TaskPermissions `json:"body"`
	}, error) {
		agentID, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.AgentID != "" {
			agentID = input.AgentID
		}
		perms, err := e.PermissionsFor(ctx, input.TaskID, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TaskPermissions `json:"body"`
		}{Body: perms}, nil
	})
}

func registerContexts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-task-context",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/context",
		Summary:     "Get task context notes",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body contextList `json:"body"`
	}, error) {
		entries, err := e.GetTaskContext(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body contextList `json:"body"`
		}{Body: contextList{Entries: entries}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "save-context",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/context",
		Summary:       "Append a context note",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string             `path:"task_id"`
		Body   SaveContextRequest `json:"body"`
	}) (*struct {
		Body domain.ContextEntry `json:"body"`
	}, error) {
		agentID, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.SaveContext(ctx, input.TaskID, agentID, input.Body.Content)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ContextEntry `json:"body"`
		}{Body: entry}, nil
	})
}

func registerHandoffs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-task-handoffs",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/handoffs",
		Summary:     "List a task's handoffs",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body handoffList `json:"body"`
	}, error) {
		if _, err := e.Repo.GetTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		handoffs, err := e.Repo.ListHandoffsByTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body handoffList `json:"body"`
		}{Body: handoffList{Handoffs: handoffs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pending-handoffs",
		Method:      http.MethodGet,
		Path:        "/handoffs",
		Summary:     "Pending handoffs for the caller",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body handoffList `json:"body"`
	}, error) {
		agentID, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		handoffs, err := e.GetPendingHandoffs(ctx, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body handoffList `json:"body"`
		}{Body: handoffList{Handoffs: handoffs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-handoff",
		Method:        http.MethodPost,
		Path:          "/handoffs",
		Summary:       "Create handoff",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateHandoffRequest `json:"body"`
	}) (*struct {
		Body domain.Handoff `json:"body"`
	}, error) {
		agentID, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		h, err := e.CreateHandoff(ctx, engine.HandoffCreateOptions{
			TaskID:      input.Body.TaskID,
			FromAgentID: agentID,
			ToAgentID:   input.Body.ToAgentID,
			Summary:     input.Body.Summary,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Handoff `json:"body"`
		}{Body: h}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-handoff",
		Method:      http.MethodPost,
		Path:        "/handoffs/{handoff_id}/accept",
		Summary:     "Accept handoff",
		Errors:      []int{http.StatusConflict, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		HandoffID string `path:"handoff_id"`
	}) (*struct {
		Body domain.Handoff `json:"body"`
	}, error) {
		agentID, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		h, err := e.AcceptHandoff(ctx, input.HandoffID, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Handoff `json:"body"`
		}{Body: h}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body agentList `json:"body"`
	}, error) {
		agents, err := e.Repo.ListAgents(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body agentList `json:"body"`
		}{Body: agentList{Agents: agents}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		agent, err := e.Repo.GetAgent(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: agent}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pending-tasks",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/pending-tasks",
		Summary:     "Tasks the agent could start now",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body taskList `json:"body"`
	}, error) {
		tasks, err := e.GetPendingTasks(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body taskList `json:"body"`
		}{Body: taskList{Tasks: tasks}}, nil
	})
}

func registerExecutions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-execution",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/executions",
		Summary:       "Report execution start",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string                `path:"task_id"`
		Body   StartExecutionRequest `json:"body"`
	}) (*struct {
		Body domain.ExecutionLog `json:"body"`
	}, error) {
		agentID, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.ReportExecutionStart(ctx, input.TaskID, agentID, input.Body.LogPath)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ExecutionLog `json:"body"`
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/executions",
		Summary:     "List a task's execution runs",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body executionList `json:"body"`
	}, error) {
		if _, err := e.Repo.GetTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		logs, err := e.Repo.ListExecutionLogs(ctx, input.TaskID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body executionList `json:"body"`
		}{Body: executionList{Executions: logs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-execution",
		Method:      http.MethodPost,
		Path:        "/executions/complete",
		Summary:     "Report execution completion",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CompleteExecutionRequest `json:"body"`
	}) (*struct {
		Body domain.ExecutionLog `json:"body"`
	}, error) {
		agentID, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.ReportExecutionComplete(ctx, input.Body.ExecutionID, input.Body.TaskID, agentID, input.Body.ExitCode, input.Body.DurationSeconds)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ExecutionLog `json:"body"`
		}{Body: l}, nil
	})
}

func registerAudits(api huma.API, a audit.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audits",
		Method:      http.MethodGet,
		Path:        "/audits",
		Summary:     "List audits",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body auditList `json:"body"`
	}, error) {
		audits, err := a.Core.Repo.ListAudits(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body auditList `json:"body"`
		}{Body: auditList{Audits: audits}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-audit",
		Method:        http.MethodPost,
		Path:          "/audits",
		Summary:       "Create audit",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAuditRequest `json:"body"`
	}) (*struct {
		Body domain.Audit `json:"body"`
	}, error) {
		actorID, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		created, err := a.CreateAudit(ctx, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Audit `json:"body"`
		}{Body: created}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-audit",
		Method:      http.MethodPost,
		Path:        "/audits/{audit_id}/complete",
		Summary:     "Complete audit and release its locks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AuditID string `path:"audit_id"`
	}) (*struct{}, error) {
		actorID, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := a.CompleteAudit(ctx, input.AuditID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-audit-rule",
		Method:        http.MethodPost,
		Path:          "/audits/{audit_id}/rules",
		Summary:       "Attach rule to audit",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AuditID string                 `path:"audit_id"`
		Body    CreateAuditRuleRequest `json:"body"`
	}) (*struct {
		Body domain.AuditRule `json:"body"`
	}, error) {
		actorID, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rule, err := a.CreateRule(ctx, audit.RuleCreateOptions{
			AuditID:       input.AuditID,
			Name:          input.Body.Name,
			TriggerType:   input.Body.TriggerType,
			TriggerConfig: input.Body.TriggerConfig,
			TemplateID:    input.Body.TemplateID,
			LockResource:  input.Body.LockResource,
			Position:      input.Body.Position,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AuditRule `json:"body"`
		}{Body: rule}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List workflow templates",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body templateList `json:"body"`
	}, error) {
		templates, err := a.Core.Repo.ListTemplates(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body templateList `json:"body"`
		}{Body: templateList{Templates: templates}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-template",
		Method:        http.MethodPost,
		Path:          "/templates",
		Summary:       "Create workflow template",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body audit.TemplateDefinition `json:"body"`
	}) (*struct {
		Body domain.WorkflowTemplate `json:"body"`
	}, error) {
		actorID, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tmpl, err := a.CreateTemplate(ctx, input.Body, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkflowTemplate `json:"body"`
		}{Body: tmpl}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"50"`
		EntityType string `query:"entity_type"`
		EntityID   string `query:"entity_id"`
		EventType  string `query:"event_type"`
	}) (*struct {
		Body eventList `json:"body"`
	}, error) {
		events, err := e.Repo.LatestEvents(ctx, input.Limit, input.EntityType, input.EntityID, input.EventType)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body eventList `json:"body"`
		}{Body: eventList{Events: events}}, nil
	})
}
