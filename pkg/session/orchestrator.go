package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fwdslsh/dispatch/pkg/adapter"
	"github.com/fwdslsh/dispatch/pkg/eventlog"
	"github.com/fwdslsh/dispatch/pkg/observability"
)

// DefaultCloseGrace bounds how long adapter shutdown may take before the
// backend resource is force-released.
const DefaultCloseGrace = 5 * time.Second

// CreateOptions configures session creation.
type CreateOptions struct {
	// Options carries adapter-specific settings, passed through verbatim.
	Options json.RawMessage
	// Meta contains optional caller-supplied session metadata.
	Meta map[string]any
}

// OrchestratorConfig tunes the orchestrator.
type OrchestratorConfig struct {
	// CloseGrace is the adapter shutdown grace period.
	CloseGrace time.Duration
	// Logger receives structured orchestrator logs. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Orchestrator owns the mapping from session id to lifecycle state and
// adapter handle. It is the only component that mutates session status, and
// it records all adapter output through the event service.
type Orchestrator struct {
	registry   *adapter.Registry
	events     *eventlog.Service
	repo       Repository
	logger     *slog.Logger
	closeGrace time.Duration

	mu   sync.Mutex
	live map[string]*liveSession
}

// liveSession tracks one non-terminal session. All fields are guarded by
// Orchestrator.mu.
type liveSession struct {
	sess       *Session
	handle     adapter.Handle
	closing    bool
	terminated bool
	done       chan struct{}
}

// NewOrchestrator creates a session orchestrator.
func NewOrchestrator(registry *adapter.Registry, events *eventlog.Service, repo Repository, cfg OrchestratorConfig) *Orchestrator {
	grace := cfg.CloseGrace
	if grace <= 0 {
		grace = DefaultCloseGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		registry:   registry,
		events:     events,
		repo:       repo,
		logger:     logger.With("component", "orchestrator"),
		closeGrace: grace,
		live:       make(map[string]*liveSession),
	}
}

// Create allocates a session id, starts the backend for kind through its
// registered adapter, and transitions the session to running. On adapter
// failure the session ends in error status with a system:error event on its
// stream, and the failure is returned to the caller.
func (o *Orchestrator) Create(ctx context.Context, kind string, opts CreateOptions) (*Session, error) {
	a, err := o.registry.Get(kind)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    StatusStarting,
		Meta:      opts.Meta,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := o.repo.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	if err := o.events.InitializeStream(ctx, sess.ID); err != nil {
		return nil, fmt.Errorf("initialize stream: %w", err)
	}

	lp := &liveSession{
		sess: sess,
		done: make(chan struct{}),
	}
	o.mu.Lock()
	o.live[sess.ID] = lp
	o.mu.Unlock()
	o.updateGauges()

	sid := sess.ID
	emit := func(channel, eventType string, payload []byte) {
		// Adapter output arrives outside any request scope.
		_, err := o.events.Append(context.Background(), sid,
			eventlog.Channel(channel), eventlog.EventType(eventType), payload,
			eventlog.AppendOptions{})
		if err != nil {
			o.logger.Error("append adapter output failed",
				"sessionId", sid, "channel", channel, "error", err)
		}
	}

	handle, err := a.Create(ctx, adapter.CreateOptions{
		SessionID: sid,
		Options:   opts.Options,
		OnExit: func(exitErr error) {
			o.handleBackendExit(sid, exitErr)
		},
	}, emit)
	if err != nil {
		aerr := err
		var ae *adapter.Error
		if !errors.As(err, &ae) {
			aerr = &adapter.Error{Kind: kind, Op: "create", Err: err}
		}
		o.failCreate(lp, aerr)
		return nil, aerr
	}

	o.mu.Lock()
	lp.handle = handle
	lp.sess.Status = StatusRunning
	lp.sess.UpdatedAt = time.Now().UTC()
	cp := *lp.sess
	o.mu.Unlock()
	o.updateGauges()

	if err := o.repo.Save(context.Background(), &cp); err != nil {
		o.logger.Error("save running session failed", "sessionId", sid, "error", err)
	}

	observability.RecordSessionCreated(kind)
	o.logger.Info("session created", "sessionId", sid, "kind", kind)
	return &cp, nil
}

// failCreate moves a session that never started to error status.
func (o *Orchestrator) failCreate(lp *liveSession, cause error) {
	o.mu.Lock()
	lp.terminated = true
	lp.sess.Status = StatusError
	lp.sess.UpdatedAt = time.Now().UTC()
	cp := *lp.sess
	delete(o.live, lp.sess.ID)
	close(lp.done)
	o.mu.Unlock()
	o.updateGauges()

	o.appendSystemEvent(cp.ID, eventlog.ChannelSystemError, map[string]any{
		"status": string(StatusError),
		"error":  cause.Error(),
	})
	o.events.CleanupStream(cp.ID)
	if err := o.repo.Save(context.Background(), &cp); err != nil {
		o.logger.Error("save failed session", "sessionId", cp.ID, "error", err)
	}
	o.logger.Warn("session create failed", "sessionId", cp.ID, "kind", cp.Kind, "error", cause)
}

// Attach validates the session and prepares the replay-then-live handoff.
// The live subscription is registered before the replay range is read, so
// the two views overlap rather than gap; callers deduplicate by seq. For
// retired sessions the subscription is nil and only history is returned.
func (o *Orchestrator) Attach(ctx context.Context, sessionID string, afterSeq int64) ([]*eventlog.Event, *eventlog.Subscription, error) {
	if _, err := o.repo.Load(ctx, sessionID); err != nil {
		return nil, nil, err
	}

	sub, err := o.events.Subscribe(sessionID)
	if err != nil && !errors.Is(err, eventlog.ErrStreamNotInitialized) {
		return nil, nil, err
	}

	replay, err := o.events.EventsSince(ctx, sessionID, afterSeq, 0)
	if err != nil {
		if sub != nil {
			sub.Close()
		}
		return nil, nil, &eventlog.PersistenceError{StreamID: sessionID, Err: err}
	}

	observability.RecordReplayBatch(len(replay))
	return replay, sub, nil
}

// Input forwards raw input bytes to a running session's backend. Concurrent
// callers are not arbitrated; the backend's own input channel serializes
// bytes.
func (o *Orchestrator) Input(ctx context.Context, sessionID string, data []byte) error {
	handle, kind, err := o.runningHandle(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := handle.WriteInput(ctx, data); err != nil {
		var ae *adapter.Error
		if errors.As(err, &ae) {
			return err
		}
		return &adapter.Error{Kind: kind, Op: "input", Err: err}
	}
	return nil
}

// Resize forwards a terminal resize when the backend supports it and is a
// no-op success otherwise.
func (o *Orchestrator) Resize(ctx context.Context, sessionID string, cols, rows int) error {
	handle, kind, err := o.runningHandle(ctx, sessionID)
	if err != nil {
		return err
	}
	r, ok := handle.(adapter.Resizer)
	if !ok {
		return nil
	}
	if err := r.Resize(ctx, cols, rows); err != nil {
		return &adapter.Error{Kind: kind, Op: "resize", Err: err}
	}
	return nil
}

func (o *Orchestrator) runningHandle(ctx context.Context, sessionID string) (adapter.Handle, string, error) {
	o.mu.Lock()
	lp, ok := o.live[sessionID]
	if ok && lp.sess.Status == StatusRunning && lp.handle != nil {
		handle, kind := lp.handle, lp.sess.Kind
		o.mu.Unlock()
		return handle, kind, nil
	}
	o.mu.Unlock()

	if _, err := o.repo.Load(ctx, sessionID); err != nil {
		return nil, "", err
	}
	return nil, "", ErrNotRunning
}

// Close stops a session's backend with a bounded grace period, appends one
// terminal event, and retires the stream. Closing an already-stopped
// session succeeds without side effects.
func (o *Orchestrator) Close(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	lp, ok := o.live[sessionID]
	if !ok {
		o.mu.Unlock()
		sess, err := o.repo.Load(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Terminal() {
			return nil
		}
		// Orphaned record without a live handle (e.g. after restart):
		// there is no backend left to stop, only state to settle.
		sess.Status = StatusStopped
		sess.UpdatedAt = time.Now().UTC()
		return o.repo.Save(ctx, sess)
	}

	if lp.closing {
		done := lp.done
		o.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	lp.closing = true
	lp.sess.Status = StatusStopping
	lp.sess.UpdatedAt = time.Now().UTC()
	handle := lp.handle
	cp := *lp.sess
	o.mu.Unlock()
	o.updateGauges()

	if err := o.repo.Save(context.Background(), &cp); err != nil {
		o.logger.Error("save stopping session", "sessionId", sessionID, "error", err)
	}

	forced := false
	if handle != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), o.closeGrace)
		if err := handle.Close(closeCtx); err != nil {
			forced = true
			o.logger.Warn("adapter close failed, forcing release",
				"sessionId", sessionID, "error", err)
		}
		cancel()
	}

	o.finalize(lp, forced, nil)
	return nil
}

// handleBackendExit handles a backend that died on its own. Abnormal exits
// drive the session to error status.
func (o *Orchestrator) handleBackendExit(sessionID string, exitErr error) {
	o.mu.Lock()
	lp, ok := o.live[sessionID]
	if !ok || lp.terminated || lp.closing {
		o.mu.Unlock()
		return
	}
	lp.closing = true
	lp.sess.Status = StatusStopping
	lp.sess.UpdatedAt = time.Now().UTC()
	handle := lp.handle
	o.mu.Unlock()
	o.updateGauges()

	o.logger.Info("backend exited", "sessionId", sessionID, "error", exitErr)

	// Best-effort release; the process is already gone.
	if handle != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), o.closeGrace)
		_ = handle.Close(closeCtx)
		cancel()
	}

	o.finalize(lp, false, exitErr)
}

// finalize performs the single terminal transition for a session: exactly
// one terminal event, stream cleanup, and the final repository save.
func (o *Orchestrator) finalize(lp *liveSession, forced bool, exitErr error) {
	o.mu.Lock()
	if lp.terminated {
		o.mu.Unlock()
		return
	}
	lp.terminated = true
	switch {
	case exitErr != nil, forced:
		lp.sess.Status = StatusError
	default:
		lp.sess.Status = StatusStopped
	}
	lp.sess.UpdatedAt = time.Now().UTC()
	cp := *lp.sess
	delete(o.live, lp.sess.ID)
	close(lp.done)
	o.mu.Unlock()
	o.updateGauges()

	payload := map[string]any{"status": string(cp.Status)}
	channel := eventlog.ChannelSystemStatus
	if exitErr != nil {
		channel = eventlog.ChannelSystemError
		payload["error"] = exitErr.Error()
	}
	if forced {
		payload["forced"] = true
	}
	o.appendSystemEvent(cp.ID, channel, payload)

	o.events.CleanupStream(cp.ID)
	if err := o.repo.Save(context.Background(), &cp); err != nil {
		o.logger.Error("save terminal session", "sessionId", cp.ID, "error", err)
	}
	o.logger.Info("session terminated", "sessionId", cp.ID, "status", cp.Status)
}

// Get returns a session record by id.
func (o *Orchestrator) Get(ctx context.Context, sessionID string) (*Session, error) {
	return o.repo.Load(ctx, sessionID)
}

// List returns all session records.
func (o *Orchestrator) List(ctx context.Context) ([]*Session, error) {
	return o.repo.List(ctx)
}

// Shutdown closes every live session. Used by the daemon on exit.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	ids := make([]string, 0, len(o.live))
	for id := range o.live {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := o.Close(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (o *Orchestrator) appendSystemEvent(sessionID string, channel eventlog.Channel, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		o.logger.Error("marshal system event", "sessionId", sessionID, "error", err)
		return
	}
	_, err = o.events.Append(context.Background(), sessionID, channel,
		eventlog.TypeJSON, data, eventlog.AppendOptions{})
	if err != nil {
		o.logger.Error("append system event", "sessionId", sessionID, "error", err)
	}
}

func (o *Orchestrator) updateGauges() {
	counts := map[Status]int{
		StatusStarting: 0,
		StatusRunning:  0,
		StatusStopping: 0,
	}
	o.mu.Lock()
	for _, lp := range o.live {
		counts[lp.sess.Status]++
	}
	o.mu.Unlock()
	for status, n := range counts {
		observability.SetSessionsActive(string(status), n)
	}
}
