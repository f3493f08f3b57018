package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopAdapter struct{}

func (nopAdapter) Create(context.Context, CreateOptions, EmitFunc) (Handle, error) {
	return nil, errors.New("not implemented")
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("pty", nopAdapter{}))
	require.NoError(t, r.Register("claude", nopAdapter{}))

	a, err := r.Get("pty")
	require.NoError(t, err)
	assert.NotNil(t, a)

	assert.Equal(t, []string{"claude", "pty"}, r.Kinds())
}

func TestRegistryUnknownKind(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("missing")
	assert.ErrorIs(t, err, ErrKindNotFound)
	assert.Contains(t, err.Error(), "missing")
}

func TestRegistryRejectsBadRegistrations(t *testing.T) {
	r := NewRegistry()

	assert.Error(t, r.Register("", nopAdapter{}), "empty kind")
	assert.Error(t, r.Register("pty", nil), "nil adapter")

	require.NoError(t, r.Register("pty", nopAdapter{}))
	assert.Error(t, r.Register("pty", nopAdapter{}), "duplicate kind")
}

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("spawn failed")
	err := &Error{Kind: "pty", Op: "create", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "pty")
	assert.Contains(t, err.Error(), "create")
}
