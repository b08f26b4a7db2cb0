package repo

import (
	"context"
	"database/sql"

	"crewline/internal/domain"
)

func scanSession(row rowScanner) (domain.Session, error) {
	var s domain.Session
	var projectID, purpose sql.NullString
	err := row.Scan(&s.Token, &s.AgentID, &projectID, &purpose, &s.IssuedAt, &s.ExpiresAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if projectID.Valid {
		s.ProjectID = &projectID.String
	}
	s.Purpose = purpose.String
	return s, nil
}

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions(token,agent_id,project_id,purpose,issued_at,expires_at) VALUES (?,?,?,?,?,?)`,
		s.Token, s.AgentID, nullableStringPtr(s.ProjectID), nullable(s.Purpose), s.IssuedAt, s.ExpiresAt)
	return err
}

func (r Repo) GetSession(ctx context.Context, token string) (domain.Session, error) {
	return scanSession(r.DB.QueryRowContext(ctx, `SELECT token,agent_id,project_id,purpose,issued_at,expires_at FROM sessions WHERE token=?`, token))
}

func (r Repo) DeleteSession(ctx context.Context, token string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM sessions WHERE token=?`, token)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredSessions removes sessions whose expiry is at or before now.
func (r Repo) DeleteExpiredSessions(ctx context.Context, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at<=?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
