package dispatch

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fwdslsh/dispatch/internal/config"
	"github.com/fwdslsh/dispatch/internal/loopback"
	"github.com/fwdslsh/dispatch/pkg/adapter"
)

func testRegistry(t *testing.T) *adapter.Registry {
	t.Helper()
	registry := adapter.NewRegistry()
	require.NoError(t, registry.Register("echo", loopback.New()))
	return registry
}

func TestNewWithMemoryStore(t *testing.T) {
	cfg := config.Default()
	app, err := New(cfg, testRegistry(t), slog.Default())
	require.NoError(t, err)
	assert.NotNil(t, app.Orchestrator())
}

func TestNewWithSQLiteStore(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = "sqlite"
	cfg.Store.SQLite.Path = filepath.Join(t.TempDir(), "events.db")

	app, err := New(cfg, testRegistry(t), slog.Default())
	require.NoError(t, err)
	assert.NotNil(t, app)
}

func TestNewUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = "bogus"
	_, err := New(cfg, testRegistry(t), slog.Default())
	assert.Error(t, err)
}

func TestRunShutsDownCleanly(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.MetricsPort = 0

	app, err := New(cfg, testRegistry(t), slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	// Let the listeners come up, then stop.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not shut down")
	}
}
