package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"crewline/internal/audit"
	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/engine/auth"
	"crewline/internal/migrate"
	"crewline/internal/server"
)

const testPasskey = "ck_server_test"

type testServer struct {
	URL    string
	Engine engine.Engine
	Auth   *auth.Service
	Agent  domain.Agent
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
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
	svc := auth.New(conn, cfg)
	svc.Now = eng.Now

	ctx := context.Background()
	agent, err := eng.CreateAgent(ctx, engine.AgentCreateOptions{
		Name:        "worker",
		PasskeyHash: auth.HashPasskey(testPasskey),
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}

	handler, err := server.New(server.Config{
		Engine: eng,
		Audit:  audit.New(eng),
		Auth:   svc,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return &testServer{
		URL:    "http://" + ln.Addr().String() + "/v0",
		Engine: eng,
		Auth:   svc,
		Agent:  agent,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// request sends a JSON request and decodes the JSON response into out.
func (s *testServer) request(t *testing.T, method, path, token string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return res.StatusCode
}

func (s *testServer) login(t *testing.T) string {
	t.Helper()
	var sess struct {
		Token string `json:"token"`
	}
	status := s.request(t, http.MethodPost, "/auth/login", "", map[string]string{
		"agent_id": s.Agent.ID,
		"passkey":  testPasskey,
	}, &sess)
	if status != http.StatusCreated {
		t.Fatalf("login status = %d", status)
	}
	return sess.Token
}

type errEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestHealthIsOpen(t *testing.T) {
	s := newTestServer(t)
	var body struct {
		Status string `json:"status"`
	}
	if status := s.request(t, http.MethodGet, "/health", "", nil, &body); status != http.StatusOK {
		t.Fatalf("health status = %d", status)
	}
	if body.Status != "ok" {
		t.Fatalf("health body = %+v", body)
	}
}

func TestRequestsRequireSession(t *testing.T) {
	s := newTestServer(t)

	var envelope errEnvelope
	if status := s.request(t, http.MethodGet, "/projects", "", nil, &envelope); status != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", status)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}

	envelope = errEnvelope{}
	if status := s.request(t, http.MethodGet, "/projects", "bogus-token", nil, &envelope); status != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", status)
	}
}

func TestLogin(t *testing.T) {
	s := newTestServer(t)

	var envelope errEnvelope
	status := s.request(t, http.MethodPost, "/auth/login", "", map[string]string{
		"agent_id": s.Agent.ID,
		"passkey":  "wrong",
	}, &envelope)
	if status != http.StatusUnauthorized || envelope.Error.Code != "invalid_credentials" {
		t.Fatalf("bad login: status=%d code=%s", status, envelope.Error.Code)
	}

	token := s.login(t)
	var me domain.Agent
	if status := s.request(t, http.MethodGet, "/auth/me", token, nil, &me); status != http.StatusOK {
		t.Fatalf("me status = %d", status)
	}
	if me.ID != s.Agent.ID {
		t.Fatalf("me = %s, want %s", me.ID, s.Agent.ID)
	}
}

func TestSessionExpiresOverHTTP(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t)

	s.Auth.Now = func() time.Time { return time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC) }
	var envelope errEnvelope
	status := s.request(t, http.MethodGet, "/auth/me", token, nil, &envelope)
	if status != http.StatusUnauthorized || envelope.Error.Code != "session_expired" {
		t.Fatalf("expired: status=%d code=%s", status, envelope.Error.Code)
	}
}

func TestLogoutInvalidatesToken(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t)
	if status := s.request(t, http.MethodPost, "/auth/logout", token, nil, nil); status != http.StatusNoContent {
		t.Fatalf("logout status = %d", status)
	}
	var envelope errEnvelope
	if status := s.request(t, http.MethodGet, "/auth/me", token, nil, &envelope); status != http.StatusUnauthorized {
		t.Fatalf("after logout status = %d", status)
	}
}

func TestTaskFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t)

	var project domain.Project
	status := s.request(t, http.MethodPost, "/projects", token, map[string]string{
		"name": "api-test",
	}, &project)
	if status != http.StatusCreated {
		t.Fatalf("create project status = %d", status)
	}

	var task domain.Task
	status = s.request(t, http.MethodPost, "/projects/"+project.ID+"/tasks", token, map[string]any{
		"title":       "wire the api",
		"assignee_id": s.Agent.ID,
	}, &task)
	if status != http.StatusCreated {
		t.Fatalf("create task status = %d", status)
	}
	if task.Status != "backlog" || task.ApprovalStatus != "approved" {
		t.Fatalf("task = %+v", task)
	}

	// Self-assigned work needs no approval and walks the state machine.
	for _, next := range []string{"todo", "in_progress", "done"} {
		status = s.request(t, http.MethodPatch, "/tasks/"+task.ID, token, map[string]string{
			"status": next,
		}, &task)
		if status != http.StatusOK {
			t.Fatalf("to %s: status = %d", next, status)
		}
	}
	if task.CompletedAt == nil {
		t.Fatalf("done task has no completed_at")
	}

	// Terminal state violations surface as a stable error envelope.
	var envelope errEnvelope
	status = s.request(t, http.MethodPatch, "/tasks/"+task.ID, token, map[string]string{
		"status": "todo",
	}, &envelope)
	if status != http.StatusConflict || envelope.Error.Code != "invalid_transition" {
		t.Fatalf("invalid transition: status=%d code=%s", status, envelope.Error.Code)
	}

	var list struct {
		Tasks []domain.Task `json:"tasks"`
	}
	status = s.request(t, http.MethodGet, "/projects/"+project.ID+"/tasks?status=done", token, nil, &list)
	if status != http.StatusOK || len(list.Tasks) != 1 {
		t.Fatalf("list: status=%d tasks=%d", status, len(list.Tasks))
	}
}

func TestNotFoundEnvelope(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t)

	var envelope errEnvelope
	status := s.request(t, http.MethodGet, "/tasks/tsk_missing", token, nil, &envelope)
	if status != http.StatusNotFound || envelope.Error.Code != "not_found" {
		t.Fatalf("status=%d code=%s", status, envelope.Error.Code)
	}
}

func TestAuditOverHTTP(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t)

	var tmpl domain.WorkflowTemplate
	status := s.request(t, http.MethodPost, "/templates", token, map[string]any{
		"name": "review",
		"tasks": []map[string]any{
			{"title": "review {{task_title}}"},
		},
	}, &tmpl)
	if status != http.StatusCreated {
		t.Fatalf("create template status = %d", status)
	}

	var aud domain.Audit
	status = s.request(t, http.MethodPost, "/audits", token, map[string]string{
		"name": "q1",
	}, &aud)
	if status != http.StatusCreated || aud.Status != "active" {
		t.Fatalf("create audit: status=%d audit=%+v", status, aud)
	}

	var rule domain.AuditRule
	status = s.request(t, http.MethodPost, "/audits/"+aud.ID+"/rules", token, map[string]any{
		"name":          "review on done",
		"trigger_type":  "task_completed",
		"template_id":   tmpl.ID,
		"lock_resource": true,
	}, &rule)
	if status != http.StatusCreated || !rule.Enabled {
		t.Fatalf("create rule: status=%d rule=%+v", status, rule)
	}

	var envelope errEnvelope
	status = s.request(t, http.MethodPost, "/audits/"+aud.ID+"/rules", token, map[string]any{
		"name":         "bad",
		"trigger_type": "never",
		"template_id":  tmpl.ID,
	}, &envelope)
	if status != http.StatusBadRequest {
		t.Fatalf("bad trigger status = %d", status)
	}

	if status := s.request(t, http.MethodPost, "/audits/"+aud.ID+"/complete", token, nil, nil); status != http.StatusNoContent {
		t.Fatalf("complete audit status = %d", status)
	}
}

func TestPermissionsEndpoint(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t)

	var project domain.Project
	s.request(t, http.MethodPost, "/projects", token, map[string]string{"name": "p"}, &project)
	var task domain.Task
	s.request(t, http.MethodPost, "/projects/"+project.ID+"/tasks", token, map[string]any{
		"title":       "t",
		"assignee_id": s.Agent.ID,
	}, &task)
	s.request(t, http.MethodPatch, "/tasks/"+task.ID, token, map[string]string{"status": "todo"}, nil)

	var perms engine.TaskPermissions
	status := s.request(t, http.MethodGet, fmt.Sprintf("/tasks/%s/permissions", task.ID), token, nil, &perms)
	if status != http.StatusOK {
		t.Fatalf("permissions status = %d", status)
	}
	if !perms.CanStart || !perms.CanAssign {
		t.Fatalf("perms = %+v", perms)
	}
}
