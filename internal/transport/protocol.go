// Package transport implements the websocket mediator: it translates wire
// messages into orchestrator calls, manages per-socket stream membership,
// and performs the replay-then-live handoff on attach.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fwdslsh/dispatch/pkg/adapter"
	"github.com/fwdslsh/dispatch/pkg/eventlog"
	"github.com/fwdslsh/dispatch/pkg/session"
)

// Wire operations.
const (
	OpCreate = "create"
	OpAttach = "attach"
	OpInput  = "input"
	OpResize = "resize"
	OpClose  = "close"
)

// Wire error codes, one per entry in the error taxonomy.
const (
	CodeValidation  = "validation_error"
	CodeNotFound    = "not_found"
	CodeAdapter     = "adapter_error"
	CodePersistence = "persistence_error"
	CodeConcurrency = "concurrency_error"
	CodeInternal    = "internal_error"
)

// Request is one client→server wire message.
type Request struct {
	// ID is the client-chosen correlation id, echoed in the ack.
	ID int64 `json:"id"`
	// Op selects the operation.
	Op string `json:"op"`

	// Kind and Options apply to create.
	Kind    string          `json:"kind,omitempty"`
	Options json.RawMessage `json:"options,omitempty"`
	// Meta applies to create.
	Meta map[string]any `json:"meta,omitempty"`

	// SessionID applies to attach, input, resize, and close.
	SessionID string `json:"sessionId,omitempty"`
	// AfterSeq applies to attach: replay begins at AfterSeq+1.
	AfterSeq int64 `json:"afterSeq,omitempty"`
	// Data applies to input (base64 in JSON).
	Data []byte `json:"data,omitempty"`
	// Cols and Rows apply to resize.
	Cols int `json:"cols,omitempty"`
	Rows int `json:"rows,omitempty"`
}

// WireError is the error half of an ack.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Ack is the server's response to one request.
type Ack struct {
	Type      string     `json:"type"` // always "ack"
	ID        int64      `json:"id"`
	Success   bool       `json:"success"`
	SessionID string     `json:"sessionId,omitempty"`
	Error     *WireError `json:"error,omitempty"`
}

// EventMessage is a server→client stream event, delivered to every
// connection attached to the session.
type EventMessage struct {
	Type      string          `json:"type"` // always "event"
	SessionID string          `json:"sessionId"`
	Seq       int64           `json:"seq"`
	Channel   string          `json:"channel"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
	TS        time.Time       `json:"ts"`
}

func newEventMessage(ev *eventlog.Event) *EventMessage {
	return &EventMessage{
		Type:      "event",
		SessionID: ev.StreamID,
		Seq:       ev.Seq,
		Channel:   string(ev.Channel),
		EventType: string(ev.Type),
		Payload:   ev.Payload,
		TS:        ev.TS,
	}
}

// ValidationError reports a malformed request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// translateError maps the error taxonomy onto wire codes. Every
// client-initiated operation resolves to an explicit success or failure
// ack carrying one of these codes.
func translateError(err error) *WireError {
	var (
		verr *ValidationError
		aerr *adapter.Error
		perr *eventlog.PersistenceError
		cerr *eventlog.ConcurrencyError
	)
	switch {
	case errors.As(err, &verr):
		return &WireError{Code: CodeValidation, Message: verr.Error()}
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, adapter.ErrKindNotFound):
		return &WireError{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, session.ErrNotRunning):
		return &WireError{Code: CodeValidation, Message: err.Error()}
	case errors.As(err, &cerr):
		return &WireError{Code: CodeConcurrency, Message: cerr.Error()}
	case errors.As(err, &perr):
		return &WireError{Code: CodePersistence, Message: perr.Error()}
	case errors.As(err, &aerr):
		return &WireError{Code: CodeAdapter, Message: aerr.Error()}
	default:
		return &WireError{Code: CodeInternal, Message: err.Error()}
	}
}
