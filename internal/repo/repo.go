package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"crewline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,status,working_dir,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, p.Status, nullableStringPtr(p.WorkingDir), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var workingDir sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,working_dir,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Status, &workingDir, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if workingDir.Valid {
		p.WorkingDir = &workingDir.String
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,working_dir,created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var workingDir sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &p.Status, &workingDir, &p.CreatedAt); err != nil {
			return nil, err
		}
		if workingDir.Valid {
			p.WorkingDir = &workingDir.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) UpdateProjectStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- tasks ---

const taskColumns = `id,project_id,title,description,status,priority,assignee_id,parent_task_id,approval_status,requester_id,approved_by,rejected_reason,is_locked,locked_by_audit_id,locked_at,due_at,created_at,updated_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var description, assigneeID, parentTaskID, requesterID, approvedBy, rejectedReason sql.NullString
	var lockedByAuditID, lockedAt, dueAt, completedAt sql.NullString
	var isLocked int
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &description, &t.Status, &t.Priority,
		&assigneeID, &parentTaskID, &t.ApprovalStatus, &requesterID, &approvedBy, &rejectedReason,
		&isLocked, &lockedByAuditID, &lockedAt, &dueAt, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Description = description.String
	if assigneeID.Valid {
		t.AssigneeID = &assigneeID.String
	}
	if parentTaskID.Valid {
		t.ParentTaskID = &parentTaskID.String
	}
	if requesterID.Valid {
		t.RequesterID = &requesterID.String
	}
	if approvedBy.Valid {
		t.ApprovedBy = &approvedBy.String
	}
	if rejectedReason.Valid {
		t.RejectedReason = &rejectedReason.String
	}
	t.IsLocked = isLocked != 0
	if lockedByAuditID.Valid {
		t.LockedByAuditID = &lockedByAuditID.String
	}
	if lockedAt.Valid {
		t.LockedAt = &lockedAt.String
	}
	if dueAt.Valid {
		t.DueAt = &dueAt.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Title, nullable(t.Description), t.Status, t.Priority,
		nullableStringPtr(t.AssigneeID), nullableStringPtr(t.ParentTaskID), t.ApprovalStatus,
		nullableStringPtr(t.RequesterID), nullableStringPtr(t.ApprovedBy), nullableStringPtr(t.RejectedReason),
		boolToInt(t.IsLocked), nullableStringPtr(t.LockedByAuditID), nullableStringPtr(t.LockedAt),
		nullableStringPtr(t.DueAt), t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, status=?, priority=?, assignee_id=?, parent_task_id=?, approval_status=?, requester_id=?, approved_by=?, rejected_reason=?, due_at=?, updated_at=?, completed_at=? WHERE id=?`,
		t.Title, nullable(t.Description), t.Status, t.Priority,
		nullableStringPtr(t.AssigneeID), nullableStringPtr(t.ParentTaskID), t.ApprovalStatus,
		nullableStringPtr(t.RequesterID), nullableStringPtr(t.ApprovedBy), nullableStringPtr(t.RejectedReason),
		nullableStringPtr(t.DueAt), t.UpdatedAt, nullableStringPtr(t.CompletedAt), t.ID)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	t.Dependencies, err = r.ListTaskDependencies(ctx, t.ID)
	return t, err
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	t.Dependencies, err = r.listTaskDependencies(ctx, tx, t.ID)
	return t, err
}

type TaskFilters struct {
	ProjectID  string
	Status     string
	AssigneeID string
	ParentID   string
	Limit      int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_task_id=?")
		args = append(args, f.ParentID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// PendingTasks returns tasks assigned to the agent that are eligible to
// start: todo or blocked, unlocked, with every dependency done.
func (r Repo) PendingTasks(ctx context.Context, agentID string) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
WHERE assignee_id=? AND status IN ('todo','blocked') AND is_locked=0
AND NOT EXISTS (
	SELECT 1 FROM task_deps d
	JOIN tasks dep ON dep.id=d.depends_on_task_id
	WHERE d.task_id=tasks.id AND dep.status != 'done'
)
ORDER BY
	CASE priority WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END,
	created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) DeleteTask(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_deps WHERE task_id=? OR depends_on_task_id=?`, id, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListTaskDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on_task_id FROM task_deps WHERE task_id=? ORDER BY depends_on_task_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows)
}

func (r Repo) listTaskDependencies(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT depends_on_task_id FROM task_deps WHERE task_id=? ORDER BY depends_on_task_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows)
}

func (r Repo) AddDependencies(ctx context.Context, tx *sql.Tx, taskID string, deps []string) error {
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id, depends_on_task_id) VALUES (?,?)`, taskID, d); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) RemoveDependencies(ctx context.Context, tx *sql.Tx, taskID string, deps []string) error {
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_deps WHERE task_id=? AND depends_on_task_id=?`, taskID, d); err != nil {
			return err
		}
	}
	return nil
}

// CountActiveTasksTx counts in_progress tasks for an assignee inside the
// caller's transaction, so the capacity guard and the status write observe
// the same snapshot.
func (r Repo) CountActiveTasksTx(ctx context.Context, tx *sql.Tx, assigneeID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM tasks WHERE assignee_id=? AND status='in_progress'`, assigneeID).Scan(&n)
	return n, err
}

// LockTask atomically claims the task for an audit. It fails with
// ErrNotFound when the task is missing or already locked; the conditional
// update is the compare-and-set that keeps two racing audits from both
// succeeding.
func (r Repo) LockTask(ctx context.Context, tx *sql.Tx, taskID, auditID, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET is_locked=1, locked_by_audit_id=?, locked_at=? WHERE id=? AND is_locked=0`, auditID, now, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UnlockAllByAudit releases every lock an audit holds. Used when the audit
// completes.
func (r Repo) UnlockAllByAudit(ctx context.Context, tx *sql.Tx, auditID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET is_locked=0, locked_by_audit_id=NULL, locked_at=NULL WHERE is_locked=1 AND locked_by_audit_id=?`, auditID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// OverdueTasks returns tasks past their due date that are not yet terminal.
func (r Repo) OverdueTasks(ctx context.Context, now string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE due_at IS NOT NULL AND due_at<? AND status NOT IN ('done','cancelled') ORDER BY due_at ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UnlockTask clears a lock. Only the audit that set the lock may clear it.
func (r Repo) UnlockTask(ctx context.Context, tx *sql.Tx, taskID, auditID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET is_locked=0, locked_by_audit_id=NULL, locked_at=NULL WHERE id=? AND is_locked=1 AND locked_by_audit_id=?`, taskID, auditID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- events ---

const eventColumns = `id,ts,entity_type,entity_id,event_type,previous_state,new_state,actor_id,reason`

func scanEvent(row rowScanner) (domain.Event, error) {
	var e domain.Event
	var prev, next, reason sql.NullString
	err := row.Scan(&e.ID, &e.TS, &e.EntityType, &e.EntityID, &e.EventType, &prev, &next, &e.ActorID, &reason)
	if err != nil {
		return e, err
	}
	if prev.Valid {
		e.PreviousState = &prev.String
	}
	if next.Valid {
		e.NewState = &next.String
	}
	if reason.Valid {
		e.Reason = &reason.String
	}
	return e, nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, entityType, entityID, eventType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if entityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, entityType)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if eventType != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, eventType)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT %s FROM events %s ORDER BY id DESC LIMIT ?`, eventColumns, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending
// order. Subscribers poll this to follow the append-only stream.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// HasEvent reports whether an event of the given type was ever recorded for
// the entity.
func (r Repo) HasEvent(ctx context.Context, entityType, entityID, eventType string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM events WHERE entity_type=? AND entity_id=? AND event_type=?`, entityType, entityID, eventType).Scan(&n)
	return n > 0, err
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

// --- helpers ---

func collectStrings(rows *sql.Rows) ([]string, error) {
	var res []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
