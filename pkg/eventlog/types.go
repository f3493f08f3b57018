// Package eventlog provides the append-only event log behind every session
// stream: durable storage backends, per-stream sequence allocation, replay,
// and live publish/subscribe fan-out.
package eventlog

import (
	"encoding/json"
	"time"
)

// Channel identifies the logical source of an event within a stream.
type Channel string

const (
	// ChannelPTYStdout carries raw terminal output.
	ChannelPTYStdout Channel = "pty:stdout"
	// ChannelAgentDelta carries incremental AI-agent output.
	ChannelAgentDelta Channel = "agent:delta"
	// ChannelSystemStatus carries lifecycle transitions.
	ChannelSystemStatus Channel = "system:status"
	// ChannelSystemError carries backend failure notices.
	ChannelSystemError Channel = "system:error"
)

// EventType identifies the payload shape of an event.
type EventType string

const (
	// TypeChunk is an opaque byte chunk (base64 in JSON payloads).
	TypeChunk EventType = "chunk"
	// TypeText is a plain UTF-8 text payload.
	TypeText EventType = "text"
	// TypeJSON is a structured JSON payload.
	TypeJSON EventType = "json"
	// TypeSnapshot is a compacted cumulative-state payload used to bound
	// replay cost. Snapshots are regular events and share the stream's
	// sequence space.
	TypeSnapshot EventType = "snapshot"
)

// Event is one immutable row in a stream's append-only log.
// For a given StreamID, Seq is gapless and strictly increasing from 1.
type Event struct {
	// StreamID is the session this event belongs to.
	StreamID string `json:"streamId"`
	// Seq is the position of the event within its stream.
	Seq int64 `json:"seq"`
	// Channel is the logical source of the event.
	Channel Channel `json:"channel"`
	// Type describes the payload shape.
	Type EventType `json:"type"`
	// Payload is the event body, stored verbatim.
	Payload json.RawMessage `json:"payload"`
	// TS is when the event was appended.
	TS time.Time `json:"ts"`
}

// IsSnapshot reports whether the event is a state snapshot.
func (e *Event) IsSnapshot() bool {
	return e.Type == TypeSnapshot
}
