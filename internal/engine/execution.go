package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/repo"
)

// ReportExecutionStart records the beginning of a run against a task.
func (e Engine) ReportExecutionStart(ctx context.Context, taskID, agentID, logPath string) (domain.ExecutionLog, error) {
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return domain.ExecutionLog{}, err
	}
	if _, err := e.Repo.GetAgent(ctx, agentID); err != nil {
		return domain.ExecutionLog{}, fmt.Errorf("agent: %w", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ExecutionLog{}, err
	}
	defer tx.Rollback()

	l := domain.ExecutionLog{
		ID:        NewID("exe"),
		TaskID:    taskID,
		AgentID:   agentID,
		StartedAt: e.stamp(),
	}
	if logPath != "" {
		l.LogPath = &logPath
	}
	if err := e.Repo.InsertExecutionLog(ctx, tx, l); err != nil {
		return domain.ExecutionLog{}, fmt.Errorf("insert execution log: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EntityType: "execution",
		EntityID:   l.ID,
		EventType:  "execution_started",
		ActorID:    agentID,
	}); err != nil {
		return domain.ExecutionLog{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ExecutionLog{}, err
	}
	return l, nil
}

// ReportExecutionComplete closes the run. When executionID is empty the most
// recent open run for the task+agent pair is closed instead, so runners that
// lost the id after a crash can still report. A non-nil reportedDuration
// overrides the wall-clock duration; runners that buffer completion reports
// know the real runtime better than our clock does.
func (e Engine) ReportExecutionComplete(ctx context.Context, executionID, taskID, agentID string, exitCode int, reportedDuration *float64) (domain.ExecutionLog, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ExecutionLog{}, err
	}
	defer tx.Rollback()

	var l domain.ExecutionLog
	if executionID != "" {
		l, err = e.Repo.GetExecutionLogTx(ctx, tx, executionID)
	} else {
		if taskID == "" || agentID == "" {
			return domain.ExecutionLog{}, errors.New("execution id or task id and agent id required")
		}
		l, err = e.Repo.OpenExecutionLogTx(ctx, tx, taskID, agentID)
	}
	if err != nil {
		return domain.ExecutionLog{}, err
	}
	if l.CompletedAt != nil {
		return domain.ExecutionLog{}, fmt.Errorf("execution %s already completed", l.ID)
	}

	now := e.now().UTC()
	started, err := time.Parse(time.RFC3339, l.StartedAt)
	if err != nil {
		return domain.ExecutionLog{}, fmt.Errorf("parse started_at: %w", err)
	}
	duration := now.Sub(started).Seconds()
	if reportedDuration != nil {
		duration = *reportedDuration
	}
	if duration < 0 {
		duration = 0
	}
	completedAt := now.Format(time.RFC3339)
	if err := e.Repo.CompleteExecutionLog(ctx, tx, l.ID, completedAt, exitCode, duration); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ExecutionLog{}, fmt.Errorf("execution %s already completed", l.ID)
		}
		return domain.ExecutionLog{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EntityType: "execution",
		EntityID:   l.ID,
		EventType:  "execution_completed",
		NewState:   fmt.Sprintf("exit=%d", exitCode),
		ActorID:    l.AgentID,
	}); err != nil {
		return domain.ExecutionLog{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ExecutionLog{}, err
	}
	l.CompletedAt = &completedAt
	l.ExitCode = &exitCode
	l.DurationSeconds = &duration
	return l, nil
}
