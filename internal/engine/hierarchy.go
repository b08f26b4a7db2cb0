package engine

import (
	"context"

	"crewline/internal/domain"
	"crewline/internal/repo"
)

// IsAncestorOf reports whether ancestorID appears on descendantID's parent
// chain. It is irreflexive: an agent is never its own ancestor. Missing ids
// and broken chains resolve to false. The walk is bounded by the size of the
// agent set so a corrupt cyclic chain terminates instead of spinning.
func IsAncestorOf(ancestorID, descendantID string, agents map[string]domain.Agent) bool {
	if ancestorID == descendantID {
		return false
	}
	current, ok := agents[descendantID]
	if !ok {
		return false
	}
	for hops := 0; hops < len(agents); hops++ {
		if current.ParentAgentID == nil {
			return false
		}
		parentID := *current.ParentAgentID
		if parentID == ancestorID {
			return true
		}
		current, ok = agents[parentID]
		if !ok {
			return false
		}
	}
	return false
}

// AgentIndex loads all agents keyed by id, the shape IsAncestorOf consumes.
func (e Engine) AgentIndex(ctx context.Context) (map[string]domain.Agent, error) {
	list, err := e.Repo.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	index := make(map[string]domain.Agent, len(list))
	for _, a := range list {
		index[a.ID] = a
	}
	return index, nil
}

// HasAuthorityOver reports whether actor is an ancestor of subject.
func (e Engine) HasAuthorityOver(ctx context.Context, actorID, subjectID string) (bool, error) {
	index, err := e.AgentIndex(ctx)
	if err != nil {
		return false, err
	}
	return IsAncestorOf(actorID, subjectID, index), nil
}

// TaskPermissions describes what an agent may do with a task right now.
type TaskPermissions struct {
	CanStart    bool `json:"can_start"`
	CanComplete bool `json:"can_complete"`
	CanAssign   bool `json:"can_assign"`
	CanApprove  bool `json:"can_approve"`
}

// PermissionsFor computes the agent's permissions on a task from assignment
// and hierarchy. It never mutates anything.
func (e Engine) PermissionsFor(ctx context.Context, taskID, agentID string) (TaskPermissions, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return TaskPermissions{}, err
	}
	index, err := e.AgentIndex(ctx)
	if err != nil {
		return TaskPermissions{}, err
	}
	if _, ok := index[agentID]; !ok {
		return TaskPermissions{}, repo.ErrNotFound
	}

	var perms TaskPermissions
	assignee := ""
	if t.AssigneeID != nil {
		assignee = *t.AssigneeID
	}
	isAssignee := assignee == agentID
	overAssignee := assignee != "" && IsAncestorOf(agentID, assignee, index)

	if !t.IsLocked {
		perms.CanStart = isAssignee && t.ApprovalStatus == "approved" &&
			(t.Status == "todo" || t.Status == "blocked")
		perms.CanComplete = isAssignee && t.Status == "in_progress"
		perms.CanAssign = isAssignee || overAssignee || assignee == ""
	}
	perms.CanApprove = t.ApprovalStatus == "pending_approval" && overAssignee
	return perms, nil
}
