package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fwdslsh/dispatch/pkg/adapter"
	"github.com/fwdslsh/dispatch/pkg/eventlog"
)

// fakeAdapter is a controllable backend for orchestrator tests. It exposes
// the emit function and exit callback handed to it so tests can drive
// backend output and termination.
type fakeAdapter struct {
	mu        sync.Mutex
	createErr error
	closeErr  error
	resizable bool

	emit   adapter.EmitFunc
	onExit func(error)
	handle *fakeHandle
}

type fakeHandle struct {
	mu       sync.Mutex
	inputs   [][]byte
	closed   int
	closeErr error
	cols     int
	rows     int
}

func (h *fakeHandle) WriteInput(_ context.Context, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inputs = append(h.inputs, append([]byte(nil), data...))
	return nil
}

func (h *fakeHandle) Close(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	return h.closeErr
}

type resizableHandle struct {
	*fakeHandle
}

func (h *resizableHandle) Resize(_ context.Context, cols, rows int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cols, h.rows = cols, rows
	return nil
}

func (a *fakeAdapter) Create(_ context.Context, opts adapter.CreateOptions, emit adapter.EmitFunc) (adapter.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.createErr != nil {
		return nil, a.createErr
	}
	a.emit = emit
	a.onExit = opts.OnExit
	a.handle = &fakeHandle{closeErr: a.closeErr}
	if a.resizable {
		return &resizableHandle{fakeHandle: a.handle}, nil
	}
	return a.handle, nil
}

type fixture struct {
	orch   *Orchestrator
	events *eventlog.Service
	repo   *MemoryRepository
	fake   *fakeAdapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := &fakeAdapter{}
	registry := adapter.NewRegistry()
	require.NoError(t, registry.Register("pty", fake))

	events := eventlog.NewService(eventlog.NewMemoryStore(), eventlog.ServiceConfig{})
	t.Cleanup(events.Close)

	repo := NewMemoryRepository()
	orch := NewOrchestrator(registry, events, repo, OrchestratorConfig{
		CloseGrace: time.Second,
	})
	return &fixture{orch: orch, events: events, repo: repo, fake: fake}
}

func TestCreateRunsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.orch.Create(ctx, "pty", CreateOptions{
		Options: json.RawMessage(`{"cwd":"/tmp"}`),
		Meta:    map[string]any{"title": "shell"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "pty", sess.Kind)
	assert.Equal(t, StatusRunning, sess.Status)

	stored, err := f.repo.Load(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, stored.Status)
	assert.Equal(t, "shell", stored.Meta["title"])
}

func TestCreateUnknownKind(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Create(context.Background(), "nope", CreateOptions{})
	assert.ErrorIs(t, err, adapter.ErrKindNotFound)
}

func TestCreateAdapterFailure(t *testing.T) {
	f := newFixture(t)
	f.fake.createErr = errors.New("binary not found")
	ctx := context.Background()

	_, err := f.orch.Create(ctx, "pty", CreateOptions{})
	var ae *adapter.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "pty", ae.Kind)

	// The failed session is recorded in error status with a terminal event
	// on its stream.
	sessions, err := f.orch.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, StatusError, sessions[0].Status)

	events, err := f.events.EventsSince(ctx, sessions[0].ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, eventlog.ChannelSystemError, events[0].Channel)
}

func TestAdapterOutputIsRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.orch.Create(ctx, "pty", CreateOptions{})
	require.NoError(t, err)

	f.fake.emit(string(eventlog.ChannelPTYStdout), string(eventlog.TypeChunk), []byte(`"hello"`))
	f.fake.emit(string(eventlog.ChannelPTYStdout), string(eventlog.TypeChunk), []byte(`"world"`))

	events, err := f.events.EventsSince(ctx, sess.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, int64(2), events[1].Seq)
	assert.Equal(t, eventlog.ChannelPTYStdout, events[0].Channel)
}

func TestInputForwarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.orch.Create(ctx, "pty", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, f.orch.Input(ctx, sess.ID, []byte("ls\n")))

	f.fake.handle.mu.Lock()
	defer f.fake.handle.mu.Unlock()
	require.Len(t, f.fake.handle.inputs, 1)
	assert.Equal(t, []byte("ls\n"), f.fake.handle.inputs[0])
}

func TestInputOnStoppedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.orch.Create(ctx, "pty", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, f.orch.Close(ctx, sess.ID))

	err = f.orch.Input(ctx, sess.ID, []byte("x"))
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestInputUnknownSession(t *testing.T) {
	f := newFixture(t)
	err := f.orch.Input(context.Background(), "missing", []byte("x"))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestResize(t *testing.T) {
	f := newFixture(t)
	f.fake.resizable = true
	ctx := context.Background()

	sess, err := f.orch.Create(ctx, "pty", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, f.orch.Resize(ctx, sess.ID, 120, 40))

	f.fake.handle.mu.Lock()
	defer f.fake.handle.mu.Unlock()
	assert.Equal(t, 120, f.fake.handle.cols)
	assert.Equal(t, 40, f.fake.handle.rows)
}

func TestResizeNonResizableIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.orch.Create(ctx, "pty", CreateOptions{})
	require.NoError(t, err)

	assert.NoError(t, f.orch.Resize(ctx, sess.ID, 80, 24))
}

func TestAttachReplayThenLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.orch.Create(ctx, "pty", CreateOptions{})
	require.NoError(t, err)

	f.fake.emit(string(eventlog.ChannelPTYStdout), string(eventlog.TypeChunk), []byte(`"a"`))
	f.fake.emit(string(eventlog.ChannelPTYStdout), string(eventlog.TypeChunk), []byte(`"b"`))

	replay, sub, err := f.orch.Attach(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.NotNil(t, sub)
	defer sub.Close()
	require.Len(t, replay, 2)
	assert.Equal(t, int64(1), replay[0].Seq)
	assert.Equal(t, int64(2), replay[1].Seq)

	// Output after attach arrives through the live subscription.
	f.fake.emit(string(eventlog.ChannelPTYStdout), string(eventlog.TypeChunk), []byte(`"c"`))
	select {
	case ev := <-sub.Events():
		assert.Equal(t, int64(3), ev.Seq)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}
}

func TestAttachAfterSeqSkipsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.orch.Create(ctx, "pty", CreateOptions{})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		f.fake.emit(string(eventlog.ChannelPTYStdout), string(eventlog.TypeChunk), []byte(`{}`))
	}

	replay, sub, err := f.orch.Attach(ctx, sess.ID, 2)
	require.NoError(t, err)
	defer sub.Close()
	require.Len(t, replay, 2)
	assert.Equal(t, int64(3), replay[0].Seq)
	assert.Equal(t, int64(4), replay[1].Seq)
}

func TestAttachRetiredSessionIsReplayOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.orch.Create(ctx, "pty", CreateOptions{})
	require.NoError(t, err)
	f.fake.emit(string(eventlog.ChannelPTYStdout), string(eventlog.TypeChunk), []byte(`"a"`))
	require.NoError(t, f.orch.Close(ctx, sess.ID))

	replay, sub, err := f.orch.Attach(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.Nil(t, sub, "retired sessions have no live stream")
	// History plus the terminal status event.
	require.Len(t, replay, 2)
	assert.Equal(t, eventlog.ChannelSystemStatus, replay[1].Channel)
}

func TestAttachUnknownSession(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.orch.Attach(context.Background(), "missing", 0)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.orch.Create(ctx, "pty", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, f.orch.Close(ctx, sess.ID))
	require.NoError(t, f.orch.Close(ctx, sess.ID))

	stored, err := f.orch.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, stored.Status)

	f.fake.handle.mu.Lock()
	closed := f.fake.handle.closed
	f.fake.handle.mu.Unlock()
	assert.Equal(t, 1, closed, "backend released exactly once")

	// Exactly one terminal event on the stream.
	events, err := f.events.EventsSince(ctx, sess.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, eventlog.ChannelSystemStatus, events[0].Channel)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, string(StatusStopped), payload["status"])
}

func TestCloseForcedReleaseEndsInError(t *testing.T) {
	f := newFixture(t)
	f.fake.closeErr = errors.New("close timed out")
	ctx := context.Background()

	sess, err := f.orch.Create(ctx, "pty", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, f.orch.Close(ctx, sess.ID))

	stored, err := f.orch.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, stored.Status)

	events, err := f.events.EventsSince(ctx, sess.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, true, payload["forced"])
}

func TestCloseUnknownSession(t *testing.T) {
	f := newFixture(t)
	err := f.orch.Close(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestBackendExitAbnormal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.orch.Create(ctx, "pty", CreateOptions{})
	require.NoError(t, err)

	f.fake.onExit(errors.New("exit status 137"))

	stored, err := f.orch.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, stored.Status)

	events, err := f.events.EventsSince(ctx, sess.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, eventlog.ChannelSystemError, events[0].Channel)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Contains(t, payload["error"], "137")
}

func TestBackendExitClean(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.orch.Create(ctx, "pty", CreateOptions{})
	require.NoError(t, err)

	f.fake.onExit(nil)

	stored, err := f.orch.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, stored.Status)

	// Close after a self-terminated backend is a no-op.
	require.NoError(t, f.orch.Close(ctx, sess.ID))
}

func TestShutdownClosesAllSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		sess, err := f.orch.Create(ctx, "pty", CreateOptions{})
		require.NoError(t, err)
		ids = append(ids, sess.ID)
	}

	require.NoError(t, f.orch.Shutdown(ctx))

	for _, id := range ids {
		stored, err := f.orch.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, stored.Terminal(), "session %s should be terminal", id)
	}
}
