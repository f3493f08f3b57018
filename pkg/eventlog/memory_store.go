package eventlog

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store. It is intended for tests and
// single-process development setups; nothing survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string][]*Event
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[string][]*Event),
	}
}

// Append persists one event.
func (s *MemoryStore) Append(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	events := s.streams[event.StreamID]
	// Events arrive in seq order from the per-stream worker, so a
	// collision can only be with the tail.
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Seq == event.Seq {
			return ErrDuplicateSeq
		}
		if events[i].Seq < event.Seq {
			break
		}
	}

	cp := *event
	s.streams[event.StreamID] = append(events, &cp)
	return nil
}

// MaxSeq returns the highest persisted seq for a stream.
func (s *MemoryStore) MaxSeq(_ context.Context, streamID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	events := s.streams[streamID]
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Seq, nil
}

// EventsSince returns events with seq > afterSeq in ascending order.
func (s *MemoryStore) EventsSince(_ context.Context, streamID string, afterSeq int64, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var out []*Event
	for _, ev := range s.streams[streamID] {
		if ev.Seq <= afterSeq {
			continue
		}
		cp := *ev
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// DeleteStream removes a stream's events.
func (s *MemoryStore) DeleteStream(_ context.Context, streamID string, preserveSnapshots bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if !preserveSnapshots {
		delete(s.streams, streamID)
		return nil
	}

	var kept []*Event
	for _, ev := range s.streams[streamID] {
		if ev.IsSnapshot() {
			kept = append(kept, ev)
		}
	}
	if len(kept) == 0 {
		delete(s.streams, streamID)
	} else {
		s.streams[streamID] = kept
	}
	return nil
}

// Close releases the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.streams = make(map[string][]*Event)
	return nil
}
