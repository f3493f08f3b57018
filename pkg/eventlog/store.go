package eventlog

import (
	"context"
)

// Store abstracts durable append-only event persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append persists one event atomically. It returns ErrDuplicateSeq if
	// a row with the same (StreamID, Seq) already exists.
	Append(ctx context.Context, event *Event) error

	// MaxSeq returns the highest persisted seq for a stream, or 0 when the
	// stream has no events.
	MaxSeq(ctx context.Context, streamID string) (int64, error)

	// EventsSince returns persisted events with seq > afterSeq in
	// ascending order. limit <= 0 means no limit.
	EventsSince(ctx context.Context, streamID string, afterSeq int64, limit int) ([]*Event, error)

	// DeleteStream removes a stream's events. When preserveSnapshots is
	// set, events of TypeSnapshot are kept.
	DeleteStream(ctx context.Context, streamID string, preserveSnapshots bool) error

	// Close releases any resources held by the store.
	Close() error
}
