package repo

import (
	"context"
	"database/sql"

	"crewline/internal/domain"
)

const logColumns = `id,task_id,agent_id,started_at,completed_at,exit_code,duration_seconds,log_path`

func scanExecutionLog(row rowScanner) (domain.ExecutionLog, error) {
	var l domain.ExecutionLog
	var completedAt, logPath sql.NullString
	var exitCode sql.NullInt64
	var duration sql.NullFloat64
	err := row.Scan(&l.ID, &l.TaskID, &l.AgentID, &l.StartedAt, &completedAt, &exitCode, &duration, &logPath)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	if completedAt.Valid {
		l.CompletedAt = &completedAt.String
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		l.ExitCode = &v
	}
	if duration.Valid {
		l.DurationSeconds = &duration.Float64
	}
	if logPath.Valid {
		l.LogPath = &logPath.String
	}
	return l, nil
}

func (r Repo) InsertExecutionLog(ctx context.Context, tx *sql.Tx, l domain.ExecutionLog) error {
	var exitCode, duration any
	if l.ExitCode != nil {
		exitCode = *l.ExitCode
	}
	if l.DurationSeconds != nil {
		duration = *l.DurationSeconds
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO execution_logs(`+logColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		l.ID, l.TaskID, l.AgentID, l.StartedAt, nullableStringPtr(l.CompletedAt), exitCode, duration, nullableStringPtr(l.LogPath))
	return err
}

func (r Repo) GetExecutionLog(ctx context.Context, id string) (domain.ExecutionLog, error) {
	return scanExecutionLog(r.DB.QueryRowContext(ctx, `SELECT `+logColumns+` FROM execution_logs WHERE id=?`, id))
}

func (r Repo) GetExecutionLogTx(ctx context.Context, tx *sql.Tx, id string) (domain.ExecutionLog, error) {
	return scanExecutionLog(tx.QueryRowContext(ctx, `SELECT `+logColumns+` FROM execution_logs WHERE id=?`, id))
}

// OpenExecutionLogTx finds the unfinished run for a task+agent pair, most
// recent first.
func (r Repo) OpenExecutionLogTx(ctx context.Context, tx *sql.Tx, taskID, agentID string) (domain.ExecutionLog, error) {
	return scanExecutionLog(tx.QueryRowContext(ctx, `SELECT `+logColumns+` FROM execution_logs WHERE task_id=? AND agent_id=? AND completed_at IS NULL ORDER BY started_at DESC LIMIT 1`, taskID, agentID))
}

func (r Repo) CompleteExecutionLog(ctx context.Context, tx *sql.Tx, id, completedAt string, exitCode int, duration float64) error {
	res, err := tx.ExecContext(ctx, `UPDATE execution_logs SET completed_at=?, exit_code=?, duration_seconds=? WHERE id=? AND completed_at IS NULL`,
		completedAt, exitCode, duration, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListExecutionLogs(ctx context.Context, taskID string, limit int) ([]domain.ExecutionLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+logColumns+` FROM execution_logs WHERE task_id=? ORDER BY started_at DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExecutionLog
	for rows.Next() {
		l, err := scanExecutionLog(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}
