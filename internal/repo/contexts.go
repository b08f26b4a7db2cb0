package repo

import (
	"context"
	"database/sql"

	"crewline/internal/domain"
)

func (r Repo) InsertContext(ctx context.Context, tx *sql.Tx, c domain.ContextEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_contexts(id,task_id,agent_id,content,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.TaskID, c.AgentID, c.Content, c.CreatedAt)
	return err
}

// ListContexts returns context entries for a task, oldest first, so a reader
// can replay the notes in the order they were written.
func (r Repo) ListContexts(ctx context.Context, taskID string) ([]domain.ContextEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,agent_id,content,created_at FROM task_contexts WHERE task_id=? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ContextEntry
	for rows.Next() {
		var c domain.ContextEntry
		if err := rows.Scan(&c.ID, &c.TaskID, &c.AgentID, &c.Content, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// --- handoffs ---

const handoffColumns = `id,task_id,from_agent_id,to_agent_id,summary,status,accepted_by,created_at,accepted_at`

func scanHandoff(row rowScanner) (domain.Handoff, error) {
	var h domain.Handoff
	var toAgentID, acceptedBy, acceptedAt sql.NullString
	err := row.Scan(&h.ID, &h.TaskID, &h.FromAgentID, &toAgentID, &h.Summary, &h.Status, &acceptedBy, &h.CreatedAt, &acceptedAt)
	if err == sql.ErrNoRows {
		return h, ErrNotFound
	}
	if err != nil {
		return h, err
	}
	if toAgentID.Valid {
		h.ToAgentID = &toAgentID.String
	}
	if acceptedBy.Valid {
		h.AcceptedBy = &acceptedBy.String
	}
	if acceptedAt.Valid {
		h.AcceptedAt = &acceptedAt.String
	}
	return h, nil
}

func (r Repo) InsertHandoff(ctx context.Context, tx *sql.Tx, h domain.Handoff) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO handoffs(`+handoffColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		h.ID, h.TaskID, h.FromAgentID, nullableStringPtr(h.ToAgentID), h.Summary, h.Status,
		nullableStringPtr(h.AcceptedBy), h.CreatedAt, nullableStringPtr(h.AcceptedAt))
	return err
}

func (r Repo) GetHandoff(ctx context.Context, id string) (domain.Handoff, error) {
	return scanHandoff(r.DB.QueryRowContext(ctx, `SELECT `+handoffColumns+` FROM handoffs WHERE id=?`, id))
}

func (r Repo) GetHandoffTx(ctx context.Context, tx *sql.Tx, id string) (domain.Handoff, error) {
	return scanHandoff(tx.QueryRowContext(ctx, `SELECT `+handoffColumns+` FROM handoffs WHERE id=?`, id))
}

func (r Repo) ListHandoffsByTask(ctx context.Context, taskID string) ([]domain.Handoff, error) {
	return r.listHandoffs(ctx, `SELECT `+handoffColumns+` FROM handoffs WHERE task_id=? ORDER BY created_at DESC, id DESC`, taskID)
}

// PendingHandoffs returns unaccepted handoffs addressed to the agent or
// broadcast (no addressee).
func (r Repo) PendingHandoffs(ctx context.Context, agentID string) ([]domain.Handoff, error) {
	return r.listHandoffs(ctx, `SELECT `+handoffColumns+` FROM handoffs WHERE status='pending' AND (to_agent_id=? OR to_agent_id IS NULL) ORDER BY created_at ASC, id ASC`, agentID)
}

func (r Repo) listHandoffs(ctx context.Context, query string, args ...any) ([]domain.Handoff, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Handoff
	for rows.Next() {
		h, err := scanHandoff(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// AcceptHandoff marks a pending handoff accepted. The conditional update
// means two racing acceptors cannot both win.
func (r Repo) AcceptHandoff(ctx context.Context, tx *sql.Tx, id, acceptedBy, acceptedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE handoffs SET status='accepted', accepted_by=?, accepted_at=? WHERE id=? AND status='pending'`,
		acceptedBy, acceptedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
