// Package session provides the orchestrator that owns session lifecycle:
// it creates backends through registered adapters, routes their output into
// the event log, and drives the starting/running/stopping state machine.
package session

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusStarting means the adapter is creating the backend.
	StatusStarting Status = "starting"
	// StatusRunning means the backend is live and accepting input.
	StatusRunning Status = "running"
	// StatusStopping means a close is in progress.
	StatusStopping Status = "stopping"
	// StatusStopped means the backend resource has been released.
	StatusStopped Status = "stopped"
	// StatusError means the backend failed to start or died abnormally.
	StatusError Status = "error"
)

// Session is the orchestrator-owned record of one managed backend.
// Status is mutated exclusively by the Orchestrator.
type Session struct {
	// ID is the unique session identifier; it doubles as the stream id.
	ID string `json:"id"`
	// Kind selects the adapter (e.g. "pty", "claude", "file-editor").
	Kind string `json:"kind"`
	// Status is the current lifecycle state.
	Status Status `json:"status"`
	// Meta carries caller-supplied metadata.
	Meta map[string]any `json:"meta,omitempty"`
	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is when the session last changed state.
	UpdatedAt time.Time `json:"updatedAt"`
}

// Terminal reports whether the session has reached a final state.
func (s *Session) Terminal() bool {
	return s.Status == StatusStopped || s.Status == StatusError
}

// Common errors for orchestrator operations.
var (
	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNotRunning is returned when an operation requires a running
	// session.
	ErrNotRunning = errors.New("session is not running")
)
