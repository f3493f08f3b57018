package session

import (
	"context"
	"sort"
	"sync"
)

// Repository persists session records. The durable implementation lives
// with the workspace service that owns session metadata; the orchestrator
// only needs this interface and ships an in-memory implementation.
type Repository interface {
	// Save creates or updates a session record.
	Save(ctx context.Context, sess *Session) error

	// Load retrieves a session by ID.
	// Returns ErrSessionNotFound if the session doesn't exist.
	Load(ctx context.Context, sessionID string) (*Session, error)

	// List returns all sessions ordered by creation time.
	List(ctx context.Context) ([]*Session, error)

	// Delete removes a session record.
	Delete(ctx context.Context, sessionID string) error
}

// MemoryRepository is an in-memory Repository.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string]*Session),
	}
}

// Save creates or updates a session record.
func (r *MemoryRepository) Save(_ context.Context, sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *sess
	if sess.Meta != nil {
		cp.Meta = make(map[string]any, len(sess.Meta))
		for k, v := range sess.Meta {
			cp.Meta[k] = v
		}
	}
	r.sessions[sess.ID] = &cp
	return nil
}

// Load retrieves a session by ID.
func (r *MemoryRepository) Load(_ context.Context, sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

// List returns all sessions ordered by creation time.
func (r *MemoryRepository) List(_ context.Context) ([]*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		cp := *sess
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Delete removes a session record.
func (r *MemoryRepository) Delete(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, sessionID)
	return nil
}
