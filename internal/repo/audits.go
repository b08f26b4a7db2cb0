package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"crewline/internal/domain"
)

func (r Repo) InsertAudit(ctx context.Context, tx *sql.Tx, a domain.Audit) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO audits(id,name,status,created_at) VALUES (?,?,?,?)`,
		a.ID, a.Name, a.Status, a.CreatedAt)
	return err
}

func (r Repo) GetAudit(ctx context.Context, id string) (domain.Audit, error) {
	var a domain.Audit
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,created_at FROM audits WHERE id=?`, id).
		Scan(&a.ID, &a.Name, &a.Status, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListAudits(ctx context.Context) ([]domain.Audit, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,created_at FROM audits ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Audit
	for rows.Next() {
		var a domain.Audit
		if err := rows.Scan(&a.ID, &a.Name, &a.Status, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) UpdateAuditStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE audits SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- rules ---

const ruleColumns = `id,audit_id,name,trigger_type,trigger_config_json,template_id,lock_resource,enabled,position`

func scanRule(row rowScanner) (domain.AuditRule, error) {
	var rule domain.AuditRule
	var triggerConfig sql.NullString
	var lockResource, enabled int
	err := row.Scan(&rule.ID, &rule.AuditID, &rule.Name, &rule.TriggerType, &triggerConfig,
		&rule.TemplateID, &lockResource, &enabled, &rule.Position)
	if err == sql.ErrNoRows {
		return rule, ErrNotFound
	}
	if err != nil {
		return rule, err
	}
	if triggerConfig.Valid {
		rule.TriggerConfig = &triggerConfig.String
	}
	rule.LockResource = lockResource != 0
	rule.Enabled = enabled != 0
	return rule, nil
}

func (r Repo) InsertAuditRule(ctx context.Context, tx *sql.Tx, rule domain.AuditRule) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO audit_rules(`+ruleColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		rule.ID, rule.AuditID, rule.Name, rule.TriggerType, nullableStringPtr(rule.TriggerConfig),
		rule.TemplateID, boolToInt(rule.LockResource), boolToInt(rule.Enabled), rule.Position)
	return err
}

func (r Repo) GetAuditRule(ctx context.Context, id string) (domain.AuditRule, error) {
	return scanRule(r.DB.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM audit_rules WHERE id=?`, id))
}

// EnabledRulesByTrigger returns enabled rules of the given trigger type
// belonging to active audits, in position order. Evaluation walks them in
// this order so rule priority is deterministic.
func (r Repo) EnabledRulesByTrigger(ctx context.Context, triggerType string) ([]domain.AuditRule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT r.id,r.audit_id,r.name,r.trigger_type,r.trigger_config_json,r.template_id,r.lock_resource,r.enabled,r.position
FROM audit_rules r
JOIN audits a ON a.id=r.audit_id
WHERE r.enabled=1 AND r.trigger_type=? AND a.status='active'
ORDER BY r.position ASC, r.id ASC`, triggerType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRules(rows)
}

func (r Repo) ListAuditRules(ctx context.Context, auditID string) ([]domain.AuditRule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+ruleColumns+` FROM audit_rules WHERE audit_id=? ORDER BY position ASC, id ASC`, auditID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRules(rows)
}

func (r Repo) SetAuditRuleEnabled(ctx context.Context, tx *sql.Tx, id string, enabled bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE audit_rules SET enabled=? WHERE id=?`, boolToInt(enabled), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func collectRules(rows *sql.Rows) ([]domain.AuditRule, error) {
	var res []domain.AuditRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

// --- workflow templates ---

func (r Repo) InsertTemplate(ctx context.Context, tx *sql.Tx, t domain.WorkflowTemplate) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_templates(id,name,description,created_at) VALUES (?,?,?,?)`,
		t.ID, t.Name, nullable(t.Description), t.CreatedAt)
	return err
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.WorkflowTemplate, error) {
	var t domain.WorkflowTemplate
	var description sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,description,created_at FROM workflow_templates WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &description, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	t.Description = description.String
	return t, err
}

func (r Repo) ListTemplates(ctx context.Context) ([]domain.WorkflowTemplate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,description,created_at FROM workflow_templates ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowTemplate
	for rows.Next() {
		var t domain.WorkflowTemplate
		var description sql.NullString
		if err := rows.Scan(&t.ID, &t.Name, &description, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Description = description.String
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertTemplateTask(ctx context.Context, tx *sql.Tx, t domain.TemplateTask) error {
	var dependsOn any
	if len(t.DependsOnOrders) > 0 {
		data, err := json.Marshal(t.DependsOnOrders)
		if err != nil {
			return err
		}
		dependsOn = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO template_tasks(id,template_id,position,title,description,assignee_id,priority,depends_on_orders_json) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.TemplateID, t.Position, t.Title, nullable(t.Description), nullableStringPtr(t.AssigneeID), t.Priority, dependsOn)
	return err
}

// ListTemplateTasks returns the steps of a template ordered by position,
// which is the order expansion creates tasks in.
func (r Repo) ListTemplateTasks(ctx context.Context, templateID string) ([]domain.TemplateTask, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,template_id,position,title,description,assignee_id,priority,depends_on_orders_json FROM template_tasks WHERE template_id=? ORDER BY position ASC`, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TemplateTask
	for rows.Next() {
		var t domain.TemplateTask
		var description, assigneeID, dependsOn sql.NullString
		if err := rows.Scan(&t.ID, &t.TemplateID, &t.Position, &t.Title, &description, &assigneeID, &t.Priority, &dependsOn); err != nil {
			return nil, err
		}
		t.Description = description.String
		if assigneeID.Valid {
			t.AssigneeID = &assigneeID.String
		}
		if dependsOn.Valid && dependsOn.String != "" {
			if err := json.Unmarshal([]byte(dependsOn.String), &t.DependsOnOrders); err != nil {
				return nil, err
			}
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
