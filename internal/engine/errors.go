package engine

import (
	"fmt"
	"strings"
)

// InvalidStatusValueError indicates a status string outside the known set.
type InvalidStatusValueError struct {
	Status string
}

func (e InvalidStatusValueError) Error() string {
	return fmt.Sprintf("invalid status value %q", e.Status)
}

// InvalidStatusTransitionError indicates a from→to edge the state machine
// does not allow.
type InvalidStatusTransitionError struct {
	From string
	To   string
}

func (e InvalidStatusTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// DependencyNotCompleteError indicates a task cannot start because at least
// one dependency is not done. Blocking lists the offending task IDs.
type DependencyNotCompleteError struct {
	TaskID   string
	Blocking []string
}

func (e DependencyNotCompleteError) Error() string {
	return fmt.Sprintf("task %s has incomplete dependencies: %s", e.TaskID, strings.Join(e.Blocking, ", "))
}

// ResourceUnavailableError indicates the assignee is at max parallel tasks.
type ResourceUnavailableError struct {
	AgentID  string
	Capacity int
}

func (e ResourceUnavailableError) Error() string {
	return fmt.Sprintf("agent %s is at capacity (%d in progress)", e.AgentID, e.Capacity)
}

// ResourceLockedError indicates the task is held by an audit.
type ResourceLockedError struct {
	TaskID  string
	AuditID string
}

func (e ResourceLockedError) Error() string {
	if e.AuditID == "" {
		return fmt.Sprintf("task %s is locked", e.TaskID)
	}
	return fmt.Sprintf("task %s is locked by audit %s", e.TaskID, e.AuditID)
}

// AlreadyAcceptedError indicates a handoff was accepted before.
type AlreadyAcceptedError struct {
	HandoffID string
}

func (e AlreadyAcceptedError) Error() string {
	return fmt.Sprintf("handoff %s already accepted", e.HandoffID)
}

// NotAddressedToCallerError indicates a handoff addressed to another agent.
type NotAddressedToCallerError struct {
	HandoffID string
	AgentID   string
}

func (e NotAddressedToCallerError) Error() string {
	return fmt.Sprintf("handoff %s is not addressed to agent %s", e.HandoffID, e.AgentID)
}

// NotAuthorizedError indicates the caller lacks authority over the target
// agent or resource.
type NotAuthorizedError struct {
	ActorID string
	Action  string
}

func (e NotAuthorizedError) Error() string {
	return fmt.Sprintf("agent %s is not authorized to %s", e.ActorID, e.Action)
}
