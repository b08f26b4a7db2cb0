package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"crewline/internal/config"
	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/repo"
)

// InvalidCredentialsError covers unknown agents, wrong passkeys, and
// inactive agents alike, so a caller cannot probe which agent ids exist.
type InvalidCredentialsError struct{}

func (e InvalidCredentialsError) Error() string {
	return "invalid agent id or passkey"
}

// SessionExpiredError indicates a session token past its TTL.
type SessionExpiredError struct {
	Token string
}

func (e SessionExpiredError) Error() string {
	return "session expired"
}

// ErrSessionNotFound indicates a token with no session row.
var ErrSessionNotFound = errors.New("session not found")

// Service issues and validates agent sessions.
type Service struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	secret []byte
}

func New(db *sql.DB, cfg *config.Config) *Service {
	s := &Service{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
	if secret := cfg.JWTSecret(); secret != "" {
		s.secret = []byte(secret)
	} else {
		// Sessions are validated against their row, not the signature, so
		// an ephemeral per-process secret only means tokens do not outlive
		// the process.
		s.secret = make([]byte, 32)
		if _, err := rand.Read(s.secret); err != nil {
			panic(fmt.Sprintf("auth: read random secret: %v", err))
		}
	}
	return s
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// HashPasskey returns the hex SHA-256 of a passkey. Only the hash is stored.
func HashPasskey(passkey string) string {
	sum := sha256.Sum256([]byte(passkey))
	return hex.EncodeToString(sum[:])
}

// GeneratePasskey returns a new random passkey. It is shown to the operator
// once at provisioning time and never stored in the clear.
func GeneratePasskey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "ck_" + hex.EncodeToString(buf), nil
}

// Authenticate checks the passkey and mints a session. The returned token is
// a signed JWT whose value is also the sessions-table primary key.
func (s *Service) Authenticate(ctx context.Context, agentID, passkey string) (domain.Session, error) {
	agent, err := s.Repo.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Session{}, InvalidCredentialsError{}
		}
		return domain.Session{}, err
	}
	if agent.Status != "active" || agent.PasskeyHash == "" {
		return domain.Session{}, InvalidCredentialsError{}
	}
	if subtle.ConstantTimeCompare([]byte(HashPasskey(passkey)), []byte(agent.PasskeyHash)) != 1 {
		return domain.Session{}, InvalidCredentialsError{}
	}

	ttl := time.Duration(s.Config.SessionTTLSeconds()) * time.Second
	issued := s.now().UTC()
	expires := issued.Add(ttl)

	claims := jwt.RegisteredClaims{
		Subject:   agent.ID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(issued),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return domain.Session{}, fmt.Errorf("sign session token: %w", err)
	}

	sess := domain.Session{
		Token:     token,
		AgentID:   agent.ID,
		IssuedAt:  issued.Format(time.RFC3339),
		ExpiresAt: expires.Format(time.RFC3339),
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertSession(ctx, tx, sess); err != nil {
		return domain.Session{}, fmt.Errorf("insert session: %w", err)
	}
	if err := s.Events.Append(ctx, tx, events.Record{
		EntityType: "session",
		EntityID:   agent.ID,
		EventType:  "agent_authenticated",
		ActorID:    agent.ID,
	}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return sess, nil
}

// ValidateSession resolves a token to its agent id. Expired sessions are
// deleted lazily on first sight.
func (s *Service) ValidateSession(ctx context.Context, token string) (string, error) {
	sess, err := s.Repo.GetSession(ctx, token)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", ErrSessionNotFound
		}
		return "", err
	}
	expires, err := time.Parse(time.RFC3339, sess.ExpiresAt)
	if err != nil {
		return "", fmt.Errorf("parse session expiry: %w", err)
	}
	if !s.now().UTC().Before(expires) {
		_ = s.Repo.DeleteSession(ctx, token)
		return "", SessionExpiredError{Token: token}
	}
	return sess.AgentID, nil
}

// Logout deletes the session. Unknown tokens are a no-op.
func (s *Service) Logout(ctx context.Context, token string) error {
	err := s.Repo.DeleteSession(ctx, token)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	return err
}

// PruneExpired removes all sessions past their expiry.
func (s *Service) PruneExpired(ctx context.Context) (int64, error) {
	return s.Repo.DeleteExpiredSessions(ctx, s.now().UTC().Format(time.RFC3339))
}
