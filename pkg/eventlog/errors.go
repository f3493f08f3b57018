package eventlog

import (
	"errors"
	"fmt"
)

// Common errors for store and service operations.
var (
	// ErrStreamNotInitialized is returned when appending to a stream that
	// has not been initialized since startup or since its last cleanup.
	ErrStreamNotInitialized = errors.New("stream not initialized")
	// ErrDuplicateSeq is returned by a store when an append collides with
	// an existing (streamID, seq) row.
	ErrDuplicateSeq = errors.New("duplicate sequence number")
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("event store is closed")
	// ErrServiceClosed is returned when operating on a closed service.
	ErrServiceClosed = errors.New("event service is closed")
)

// PersistenceError wraps a log-store write failure. The in-flight append is
// rejected and the stream's sequence counter is left retry-safe.
type PersistenceError struct {
	StreamID string
	Seq      int64
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist event %s/%d: %v", e.StreamID, e.Seq, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ConcurrencyError indicates a sequence collision in storage. Two writers
// allocated the same seq for one stream, which the per-stream worker makes
// impossible by construction; it is treated as an implementation bug and
// never silently retried with a new seq.
type ConcurrencyError struct {
	StreamID string
	Seq      int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("sequence collision on %s at seq %d", e.StreamID, e.Seq)
}

func (e *ConcurrencyError) Unwrap() error { return ErrDuplicateSeq }
