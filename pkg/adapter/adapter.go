// Package adapter defines the contract between the session orchestrator and
// backend-specific modules (process spawners, AI-agent wrappers, file-editor
// logic). The orchestrator drives every backend through this one seam and
// knows nothing about backend internals.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
)

// EmitFunc pushes one output triple from the backend into the orchestrator,
// which records it on the session's event stream. Implementations may call
// it from any goroutine; ordering within a stream is resolved downstream by
// the per-stream append queue.
type EmitFunc func(channel string, eventType string, payload []byte)

// CreateOptions configures backend creation.
type CreateOptions struct {
	// SessionID is the session the backend belongs to.
	SessionID string
	// Options carries backend-specific settings (cwd, command, model, ...).
	Options json.RawMessage
	// OnExit is invoked exactly once if the backend terminates on its own.
	// err is nil for a clean exit and non-nil for an abnormal one. It is
	// not called when the handle is closed through Close.
	OnExit func(err error)
}

// Handle is a live reference to one external backend resource, bound 1:1 to
// a running session. Handles are never shared across sessions.
type Handle interface {
	// WriteInput forwards raw input bytes to the backend. Concurrent
	// callers are not arbitrated; the backend's input channel is the only
	// serialization point.
	WriteInput(ctx context.Context, data []byte) error

	// Close releases the backend resource. It must be idempotent and
	// return once the resource is released or the context expires.
	Close(ctx context.Context) error
}

// Resizer is implemented by handles whose backend has a resizable surface,
// such as a PTY. Non-terminal kinds simply don't implement it.
type Resizer interface {
	Resize(ctx context.Context, cols, rows int) error
}

// Adapter is the lifecycle implementation for one session kind.
type Adapter interface {
	// Create starts a backend and returns its handle. Output produced by
	// the backend is delivered through emit.
	Create(ctx context.Context, opts CreateOptions, emit EmitFunc) (Handle, error)
}

// Error wraps a backend failure with the kind and operation that caused it.
type Error struct {
	Kind string
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("adapter %s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
