// Package crewline is a minimal Go client for the Crewline HTTP API.
package crewline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a Crewline server. Call Login to obtain a session token;
// subsequent calls send it as a bearer token.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	token string
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

type Session struct {
	Token     string `json:"token"`
	AgentID   string `json:"agent_id"`
	ExpiresAt string `json:"expires_at"`
}

type Agent struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	HierarchyType    string  `json:"hierarchy_type"`
	ParentAgentID    *string `json:"parent_agent_id,omitempty"`
	MaxParallelTasks int     `json:"max_parallel_tasks"`
	Status           string  `json:"status"`
}

type Task struct {
	ID             string   `json:"id"`
	ProjectID      string   `json:"project_id"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Status         string   `json:"status"`
	Priority       string   `json:"priority"`
	AssigneeID     *string  `json:"assignee_id,omitempty"`
	Dependencies   []string `json:"dependencies,omitempty"`
	ApprovalStatus string   `json:"approval_status"`
	IsLocked       bool     `json:"is_locked"`
	DueAt          *string  `json:"due_at,omitempty"`
}

type Handoff struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"task_id"`
	FromAgentID string  `json:"from_agent_id"`
	ToAgentID   *string `json:"to_agent_id,omitempty"`
	Summary     string  `json:"summary"`
	Status      string  `json:"status"`
}

type ContextEntry struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	AgentID   string `json:"agent_id"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// Login authenticates and stores the session token on the client.
func (c *Client) Login(ctx context.Context, agentID, passkey string) (Session, error) {
	var sess Session
	err := c.do(ctx, http.MethodPost, "/auth/login", map[string]string{
		"agent_id": agentID,
		"passkey":  passkey,
	}, &sess)
	if err != nil {
		return Session{}, err
	}
	c.token = sess.Token
	return sess, nil
}

// SetToken installs an existing session token.
func (c *Client) SetToken(token string) { c.token = token }

func (c *Client) Me(ctx context.Context) (Agent, error) {
	var a Agent
	err := c.do(ctx, http.MethodGet, "/auth/me", nil, &a)
	return a, err
}

func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var t Task
	err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &t)
	return t, err
}

type TaskListOptions struct {
	Status     string
	AssigneeID string
	Limit      int
}

func (c *Client) ListTasks(ctx context.Context, projectID string, opts TaskListOptions) ([]Task, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.AssigneeID != "" {
		q.Set("assignee_id", opts.AssigneeID)
	}
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}
	path := "/projects/" + url.PathEscape(projectID) + "/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Tasks []Task `json:"tasks"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Tasks, err
}

type CreateTaskOptions struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	AssigneeID  string   `json:"assignee_id,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	DueAt       string   `json:"due_at,omitempty"`
}

func (c *Client) CreateTask(ctx context.Context, projectID string, opts CreateTaskOptions) (Task, error) {
	var t Task
	err := c.do(ctx, http.MethodPost, "/projects/"+url.PathEscape(projectID)+"/tasks", opts, &t)
	return t, err
}

func (c *Client) UpdateTaskStatus(ctx context.Context, taskID, status, reason string) (Task, error) {
	var t Task
	err := c.do(ctx, http.MethodPatch, "/tasks/"+url.PathEscape(taskID), map[string]string{
		"status": status,
		"reason": reason,
	}, &t)
	return t, err
}

func (c *Client) PendingTasks(ctx context.Context, agentID string) ([]Task, error) {
	var out struct {
		Tasks []Task `json:"tasks"`
	}
	err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(agentID)+"/pending-tasks", nil, &out)
	return out.Tasks, err
}

func (c *Client) SaveContext(ctx context.Context, taskID, content string) (ContextEntry, error) {
	var entry ContextEntry
	err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/context", map[string]string{
		"content": content,
	}, &entry)
	return entry, err
}

func (c *Client) GetTaskContext(ctx context.Context, taskID string) ([]ContextEntry, error) {
	var out struct {
		Entries []ContextEntry `json:"entries"`
	}
	err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID)+"/context", nil, &out)
	return out.Entries, err
}

func (c *Client) CreateHandoff(ctx context.Context, taskID, toAgentID, summary string) (Handoff, error) {
	var h Handoff
	err := c.do(ctx, http.MethodPost, "/handoffs", map[string]string{
		"task_id":     taskID,
		"to_agent_id": toAgentID,
		"summary":     summary,
	}, &h)
	return h, err
}

func (c *Client) AcceptHandoff(ctx context.Context, handoffID string) (Handoff, error) {
	var h Handoff
	err := c.do(ctx, http.MethodPost, "/handoffs/"+url.PathEscape(handoffID)+"/accept", struct{}{}, &h)
	return h, err
}

func (c *Client) PendingHandoffs(ctx context.Context) ([]Handoff, error) {
	var out struct {
		Handoffs []Handoff `json:"handoffs"`
	}
	err := c.do(ctx, http.MethodGet, "/handoffs", nil, &out)
	return out.Handoffs, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: res.StatusCode, Message: strings.TrimSpace(string(data))}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &envelope) == nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
