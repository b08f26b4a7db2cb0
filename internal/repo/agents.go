package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"crewline/internal/domain"
)

const agentColumns = `id,name,role,type,role_type,hierarchy_type,parent_agent_id,max_parallel_tasks,capabilities_json,passkey_hash,status,created_at`

func scanAgent(row rowScanner) (domain.Agent, error) {
	var a domain.Agent
	var parentAgentID, capabilities sql.NullString
	err := row.Scan(&a.ID, &a.Name, &a.Role, &a.Type, &a.RoleType, &a.HierarchyType,
		&parentAgentID, &a.MaxParallelTasks, &capabilities, &a.PasskeyHash, &a.Status, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if parentAgentID.Valid {
		a.ParentAgentID = &parentAgentID.String
	}
	if capabilities.Valid && capabilities.String != "" {
		if err := json.Unmarshal([]byte(capabilities.String), &a.Capabilities); err != nil {
			return a, err
		}
	}
	return a, nil
}

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	var capabilities any
	if len(a.Capabilities) > 0 {
		data, err := json.Marshal(a.Capabilities)
		if err != nil {
			return err
		}
		capabilities = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO agents(`+agentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Name, a.Role, a.Type, a.RoleType, a.HierarchyType,
		nullableStringPtr(a.ParentAgentID), a.MaxParallelTasks, capabilities, a.PasskeyHash, a.Status, a.CreatedAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	return scanAgent(r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id))
}

func (r Repo) GetAgentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Agent, error) {
	return scanAgent(tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id))
}

func (r Repo) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) UpdateAgentStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE agents SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateAgentPasskey(ctx context.Context, id, passkeyHash string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE agents SET passkey_hash=? WHERE id=?`, passkeyHash, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
