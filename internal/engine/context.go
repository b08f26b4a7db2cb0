package engine

import (
	"context"
	"errors"
	"fmt"

	"crewline/internal/domain"
	"crewline/internal/events"
)

// SaveContext appends a context note to a task. Notes are never edited; the
// history is the record.
func (e Engine) SaveContext(ctx context.Context, taskID, agentID, content string) (domain.ContextEntry, error) {
	if content == "" {
		return domain.ContextEntry{}, errors.New("content is required")
	}
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return domain.ContextEntry{}, err
	}
	if _, err := e.Repo.GetAgent(ctx, agentID); err != nil {
		return domain.ContextEntry{}, fmt.Errorf("agent: %w", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ContextEntry{}, err
	}
	defer tx.Rollback()

	entry := domain.ContextEntry{
		ID:        NewID("ctx"),
		TaskID:    taskID,
		AgentID:   agentID,
		Content:   content,
		CreatedAt: e.stamp(),
	}
	if err := e.Repo.InsertContext(ctx, tx, entry); err != nil {
		return domain.ContextEntry{}, fmt.Errorf("insert context: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EntityType: "context",
		EntityID:   entry.ID,
		EventType:  "context_saved",
		ActorID:    agentID,
	}); err != nil {
		return domain.ContextEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ContextEntry{}, err
	}
	return entry, nil
}

// GetTaskContext returns a task's notes oldest-first.
func (e Engine) GetTaskContext(ctx context.Context, taskID string) ([]domain.ContextEntry, error) {
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return e.Repo.ListContexts(ctx, taskID)
}

// HandoffCreateOptions are parameters for creating a handoff. An empty
// ToAgentID broadcasts the handoff: any agent may accept it.
type HandoffCreateOptions struct {
	TaskID      string
	FromAgentID string
	ToAgentID   string
	Summary     string
}

func (e Engine) CreateHandoff(ctx context.Context, opts HandoffCreateOptions) (domain.Handoff, error) {
	if opts.Summary == "" {
		return domain.Handoff{}, errors.New("summary is required")
	}
	if _, err := e.Repo.GetTask(ctx, opts.TaskID); err != nil {
		return domain.Handoff{}, err
	}
	if _, err := e.Repo.GetAgent(ctx, opts.FromAgentID); err != nil {
		return domain.Handoff{}, fmt.Errorf("from agent: %w", err)
	}
	if opts.ToAgentID != "" {
		if _, err := e.Repo.GetAgent(ctx, opts.ToAgentID); err != nil {
			return domain.Handoff{}, fmt.Errorf("to agent: %w", err)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Handoff{}, err
	}
	defer tx.Rollback()

	h := domain.Handoff{
		ID:          NewID("hnd"),
		TaskID:      opts.TaskID,
		FromAgentID: opts.FromAgentID,
		Summary:     opts.Summary,
		Status:      "pending",
		CreatedAt:   e.stamp(),
	}
	if opts.ToAgentID != "" {
		h.ToAgentID = &opts.ToAgentID
	}
	if err := e.Repo.InsertHandoff(ctx, tx, h); err != nil {
		return domain.Handoff{}, fmt.Errorf("insert handoff: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EntityType: "handoff",
		EntityID:   h.ID,
		EventType:  "handoff_created",
		NewState:   h.Status,
		ActorID:    opts.FromAgentID,
	}); err != nil {
		return domain.Handoff{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Handoff{}, err
	}
	return h, nil
}

// AcceptHandoff marks a pending handoff accepted by the caller. A handoff
// addressed to a specific agent can only be accepted by that agent.
func (e Engine) AcceptHandoff(ctx context.Context, handoffID, agentID string) (domain.Handoff, error) {
	if _, err := e.Repo.GetAgent(ctx, agentID); err != nil {
		return domain.Handoff{}, fmt.Errorf("agent: %w", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Handoff{}, err
	}
	defer tx.Rollback()

	h, err := e.Repo.GetHandoffTx(ctx, tx, handoffID)
	if err != nil {
		return domain.Handoff{}, err
	}
	if h.Status == "accepted" {
		return domain.Handoff{}, AlreadyAcceptedError{HandoffID: h.ID}
	}
	if h.ToAgentID != nil && *h.ToAgentID != agentID {
		return domain.Handoff{}, NotAddressedToCallerError{HandoffID: h.ID, AgentID: agentID}
	}
	now := e.stamp()
	if err := e.Repo.AcceptHandoff(ctx, tx, h.ID, agentID, now); err != nil {
		return domain.Handoff{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EntityType:    "handoff",
		EntityID:      h.ID,
		EventType:     "handoff_accepted",
		PreviousState: "pending",
		NewState:      "accepted",
		ActorID:       agentID,
	}); err != nil {
		return domain.Handoff{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Handoff{}, err
	}
	h.Status = "accepted"
	h.AcceptedBy = &agentID
	h.AcceptedAt = &now
	return h, nil
}

// GetPendingHandoffs returns unaccepted handoffs addressed to the agent,
// plus broadcasts.
func (e Engine) GetPendingHandoffs(ctx context.Context, agentID string) ([]domain.Handoff, error) {
	if _, err := e.Repo.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	return e.Repo.PendingHandoffs(ctx, agentID)
}
