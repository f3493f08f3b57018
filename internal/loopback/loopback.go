// Package loopback provides an in-process adapter that echoes input back
// on the stream. The daemon registers it under the "echo" kind for smoke
// testing the full pipeline without any external backend.
package loopback

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/fwdslsh/dispatch/pkg/adapter"
	"github.com/fwdslsh/dispatch/pkg/eventlog"
)

// Adapter implements the loopback backend.
type Adapter struct{}

// New creates a loopback adapter.
func New() *Adapter {
	return &Adapter{}
}

// Create starts a loopback handle.
func (a *Adapter) Create(_ context.Context, opts adapter.CreateOptions, emit adapter.EmitFunc) (adapter.Handle, error) {
	return &handle{
		sessionID: opts.SessionID,
		emit:      emit,
	}, nil
}

type handle struct {
	sessionID string
	emit      adapter.EmitFunc

	mu     sync.Mutex
	closed bool
}

// WriteInput echoes the input back as terminal output.
func (h *handle) WriteInput(_ context.Context, data []byte) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return context.Canceled
	}
	// Event payloads are JSON documents.
	payload, err := json.Marshal(string(data))
	if err != nil {
		return err
	}
	h.emit(string(eventlog.ChannelPTYStdout), string(eventlog.TypeChunk), payload)
	return nil
}

// Close releases the handle. Idempotent.
func (h *handle) Close(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}
