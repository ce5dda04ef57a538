package task

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func noopHandler(_ context.Context, _ []any, _ map[string]any) (any, error) {
	return nil, nil
}

func TestRegistryDuplicateName(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("send_mail", noopHandler, Options{}))

	err := reg.Register("send_mail", noopHandler, Options{})
	require.ErrorIs(t, err, ErrDuplicateTask)
}

func TestRegistryResolveUnknown(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Resolve("missing")
	require.ErrorIs(t, err, ErrUnknownTask)
}

func TestRegistrySealedRejectsRegistration(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("a", noopHandler, Options{}))
	reg.Seal()

	err := reg.Register("b", noopHandler, Options{})
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrDuplicateTask))

	// Resolution still works after sealing.
	got, err := reg.Resolve("a")
	require.NoError(t, err)
	require.Equal(t, "a", got.Name)
}

func TestRegistryNamesSorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"cleanup", "archive", "digest"} {
		require.NoError(t, reg.Register(name, noopHandler, Options{}))
	}
	require.Equal(t, []string{"archive", "cleanup", "digest"}, reg.Names())
}
