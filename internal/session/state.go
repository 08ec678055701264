// Package session implements the session state machine and the registry that
// owns every live session. A session is one unit of agent work: an
// interactive spawn, an autopilot firing, or a child delegated a tool-using
// sub-task. All mutation goes through the Registry so that state, the waiting
// queue, and parent/child links can never disagree.
package session

// State is the lifecycle state of a session.
//
// Transitions: Spawned → Running ⇄ WaitingForInput → {Completed | Failed |
// Cancelled}. Cancelled is reachable from any non-terminal state. The
// Spawned→Running edge is automatic and immediate; the registry creates
// sessions already Running.
type State string

const (
	StateSpawned         State = "spawned"
	StateRunning         State = "running"
	StateWaitingForInput State = "waiting_for_input"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateCancelled       State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Origin distinguishes how a session came to exist. All origins share one
// state machine and one executor code path.
type Origin string

const (
	// OriginInteractive is a session spawned directly by the operator.
	OriginInteractive Origin = "interactive"
	// OriginAutopilot is a session created by a recipe firing.
	OriginAutopilot Origin = "autopilot"
	// OriginChild is a session spawned by an executor to perform a
	// tool-using sub-task on behalf of a blocked parent.
	OriginChild Origin = "child"
)
