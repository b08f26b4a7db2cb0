package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/engine/auth"
	"crewline/internal/migrate"
	"crewline/internal/repo"
)

type testEnv struct {
	Auth  *auth.Service
	Core  engine.Engine
	Agent domain.Agent
	Ctx   context.Context
}

const testPasskey = "ck_test_passkey"

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
	ctx := context.Background()

	eng := engine.New(conn, cfg)
	agent, err := eng.CreateAgent(ctx, engine.AgentCreateOptions{
		Name:        "worker",
		PasskeyHash: auth.HashPasskey(testPasskey),
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}

	svc := auth.New(conn, cfg)
	svc.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return &testEnv{Auth: svc, Core: eng, Agent: agent, Ctx: ctx}
}

func TestAuthenticate(t *testing.T) {
	env := newTestEnv(t)

	sess, err := env.Auth.Authenticate(env.Ctx, env.Agent.ID, testPasskey)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if sess.AgentID != env.Agent.ID || sess.Token == "" {
		t.Fatalf("session = %+v", sess)
	}

	// TTL defaults to 300 seconds.
	issued, _ := time.Parse(time.RFC3339, sess.IssuedAt)
	expires, _ := time.Parse(time.RFC3339, sess.ExpiresAt)
	if got := expires.Sub(issued); got != 300*time.Second {
		t.Fatalf("ttl = %v, want 300s", got)
	}

	agentID, err := env.Auth.ValidateSession(env.Ctx, sess.Token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if agentID != env.Agent.ID {
		t.Fatalf("validated agent = %s, want %s", agentID, env.Agent.ID)
	}
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t)

	var invalid auth.InvalidCredentialsError
	if _, err := env.Auth.Authenticate(env.Ctx, env.Agent.ID, "wrong"); !errors.As(err, &invalid) {
		t.Fatalf("wrong passkey: got %v, want InvalidCredentialsError", err)
	}
	if _, err := env.Auth.Authenticate(env.Ctx, "agent_ghost", testPasskey); !errors.As(err, &invalid) {
		t.Fatalf("unknown agent: got %v, want InvalidCredentialsError", err)
	}

	// A failed attempt must leave no session behind.
	r := repo.Repo{DB: env.Auth.DB}
	deleted, err := r.DeleteExpiredSessions(env.Ctx, "2999-01-01T00:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 0 {
		t.Fatalf("found %d sessions after failed logins", deleted)
	}
}

func TestAuthenticateRejectsArchivedAgent(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Core.ArchiveAgent(env.Ctx, env.Agent.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	var invalid auth.InvalidCredentialsError
	if _, err := env.Auth.Authenticate(env.Ctx, env.Agent.ID, testPasskey); !errors.As(err, &invalid) {
		t.Fatalf("archived agent: got %v, want InvalidCredentialsError", err)
	}
}

func TestSessionExpiry(t *testing.T) {
	env := newTestEnv(t)
	sess, err := env.Auth.Authenticate(env.Ctx, env.Agent.ID, testPasskey)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	// Just inside the TTL the session is still good.
	env.Auth.Now = func() time.Time {
		return time.Date(2026, 1, 1, 0, 4, 59, 0, time.UTC)
	}
	if _, err := env.Auth.ValidateSession(env.Ctx, sess.Token); err != nil {
		t.Fatalf("validate before expiry: %v", err)
	}

	env.Auth.Now = func() time.Time {
		return time.Date(2026, 1, 1, 0, 5, 1, 0, time.UTC)
	}
	var expired auth.SessionExpiredError
	if _, err := env.Auth.ValidateSession(env.Ctx, sess.Token); !errors.As(err, &expired) {
		t.Fatalf("got %v, want SessionExpiredError", err)
	}

	// The expired row is pruned lazily, so a retry sees not-found.
	if _, err := env.Auth.ValidateSession(env.Ctx, sess.Token); !errors.Is(err, auth.ErrSessionNotFound) {
		t.Fatalf("got %v, want ErrSessionNotFound", err)
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	sess, err := env.Auth.Authenticate(env.Ctx, env.Agent.ID, testPasskey)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := env.Auth.Logout(env.Ctx, sess.Token); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := env.Auth.ValidateSession(env.Ctx, sess.Token); !errors.Is(err, auth.ErrSessionNotFound) {
		t.Fatalf("got %v, want ErrSessionNotFound", err)
	}
	// Logging out twice is fine.
	if err := env.Auth.Logout(env.Ctx, sess.Token); err != nil {
		t.Fatalf("second logout: %v", err)
	}
}

func TestPruneExpired(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Auth.Authenticate(env.Ctx, env.Agent.ID, testPasskey); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	env.Auth.Now = func() time.Time { return time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC) }
	n, err := env.Auth.PruneExpired(env.Ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
}
